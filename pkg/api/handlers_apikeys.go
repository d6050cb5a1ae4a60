package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"elector/pkg/auth"
)

// CreateAPIKeyRequest is the body of POST /api/v1/apikeys
type CreateAPIKeyRequest struct {
	Name   string    `json:"name" binding:"required,max=128"`
	Role   auth.Role `json:"role" binding:"required"`
	Scopes []string  `json:"scopes"`
	// TTL such as "720h"; empty never expires.
	TTL string `json:"ttl"`
}

func (s *Server) requireKeyStore(c *gin.Context) bool {
	if s.apiKeys == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "API keys require the redis backend"})
		return false
	}
	return true
}

// createAPIKey handles POST /api/v1/apikeys
func (s *Server) createAPIKey(c *gin.Context) {
	if !s.requireKeyStore(c) {
		return
	}
	var req CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role " + string(req.Role)})
		return
	}

	info := auth.APIKeyInfo{Name: req.Name, Role: req.Role, Scopes: req.Scopes}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ttl"})
			return
		}
		info.ExpiresAt = time.Now().Add(ttl).Unix()
	}

	plain, created, err := s.apiKeys.CreateKey(c.Request.Context(), info)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create key: " + err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": plain, "info": created})
}

// listAPIKeys handles GET /api/v1/apikeys
func (s *Server) listAPIKeys(c *gin.Context) {
	if !s.requireKeyStore(c) {
		return
	}
	keys, err := s.apiKeys.ListKeys(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// revokeAPIKey handles DELETE /api/v1/apikeys/:id
func (s *Server) revokeAPIKey(c *gin.Context) {
	if !s.requireKeyStore(c) {
		return
	}
	if err := s.apiKeys.RevokeKey(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke key: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "key revoked", "id": c.Param("id")})
}
