package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"elector/pkg/coordination"
	"elector/pkg/election"
	"elector/pkg/scheduler"
	"elector/pkg/storage"
)

// LeaderView describes the holder of one election path.
type LeaderView struct {
	Path     string              `json:"path"`
	Leader   *election.Candidate `json:"leader,omitempty"`
	Raw      string              `json:"raw,omitempty"`
	NoLeader bool                `json:"no_leader,omitempty"`
	IsLocal  bool                `json:"is_local"`
}

// ActionResult is the response of start and stop.
type ActionResult struct {
	Path   string          `json:"path"`
	Noop   bool            `json:"noop"`
	Error  string          `json:"error,omitempty"`
	Status election.Status `json:"status"`
}

// coordinators resolves :role and the optional ?path= filter.
func (s *Server) coordinators(c *gin.Context) ([]*election.Coordinator, bool) {
	role := c.Param("role")
	found := s.registry.ByRole(role)

	if p := c.Query("path"); p != "" {
		path, err := election.NormalizePath(p)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return nil, false
		}
		co, ok := s.registry.Lookup(election.Key{Role: role, Path: path})
		if !ok {
			found = nil
		} else {
			found = []*election.Coordinator{co}
		}
	}

	if len(found) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "election not registered: " + role})
		return nil, false
	}
	return found, true
}

// listElections handles GET /api/v1/elections
func (s *Server) listElections(c *gin.Context) {
	coordinators := s.registry.Coordinators()
	statuses := make([]election.Status, 0, len(coordinators))
	for _, co := range coordinators {
		statuses = append(statuses, co.Status())
	}
	c.JSON(http.StatusOK, gin.H{
		"node_id":   s.nodeID,
		"elections": statuses,
		"count":     len(statuses),
	})
}

// getElection handles GET /api/v1/elections/:role
func (s *Server) getElection(c *gin.Context) {
	found, ok := s.coordinators(c)
	if !ok {
		return
	}
	statuses := make([]election.Status, 0, len(found))
	for _, co := range found {
		statuses = append(statuses, co.Status())
	}
	c.JSON(http.StatusOK, gin.H{"role": c.Param("role"), "elections": statuses})
}

// getLeader handles GET /api/v1/elections/:role/leader
func (s *Server) getLeader(c *gin.Context) {
	found, ok := s.coordinators(c)
	if !ok {
		return
	}

	views := make([]LeaderView, 0, len(found))
	for _, co := range found {
		path := co.Contest().Path
		view := LeaderView{Path: path}

		value, err := s.svc.Leader(c.Request.Context(), path)
		switch {
		case errors.Is(err, coordination.ErrNoLeader):
			view.NoLeader = true
		case err != nil:
			s.respondServiceError(c, err)
			return
		default:
			if cand, perr := election.ParseCandidate(value); perr == nil {
				view.Leader = &cand
				view.IsLocal = cand.ID == co.Contest().Candidate.ID && co.IsLeader()
			} else {
				view.Raw = value
			}
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"role": c.Param("role"), "leaders": views})
}

// listCandidates handles GET /api/v1/elections/:role/candidates
func (s *Server) listCandidates(c *gin.Context) {
	lister, ok := s.svc.(coordination.CandidateLister)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "coordination backend does not expose candidates"})
		return
	}
	found, ok := s.coordinators(c)
	if !ok {
		return
	}

	out := make(map[string][]election.Candidate, len(found))
	for _, co := range found {
		path := co.Contest().Path
		values, err := lister.Candidates(c.Request.Context(), path)
		if err != nil {
			s.respondServiceError(c, err)
			return
		}
		candidates := make([]election.Candidate, 0, len(values))
		for _, v := range values {
			cand, err := election.ParseCandidate(v)
			if err != nil {
				continue
			}
			candidates = append(candidates, cand)
		}
		out[path] = candidates
	}
	c.JSON(http.StatusOK, gin.H{"role": c.Param("role"), "candidates": out})
}

// getLocation handles GET /api/v1/elections/:role/location
func (s *Server) getLocation(c *gin.Context) {
	if s.locations == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "leader location publishing is disabled"})
		return
	}
	loc, err := s.locations.GetLocation(c.Request.Context(), c.Param("role"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no leader location published"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read location: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, loc)
}

// listEvents handles GET /api/v1/elections/:role/events?limit=N
func (s *Server) listEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "journal is disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(storage.DefaultListLimit)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	records, err := s.events.List(c.Request.Context(), c.Param("role"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": c.Param("role"), "events": records, "count": len(records)})
}

// startElection handles POST /api/v1/elections/:role/start
func (s *Server) startElection(c *gin.Context) {
	found, ok := s.coordinators(c)
	if !ok {
		return
	}

	results := make([]ActionResult, 0, len(found))
	for _, co := range found {
		res := ActionResult{Path: co.Contest().Path}
		if err := co.Start(); err != nil {
			if !errors.Is(err, election.ErrAlreadyRunning) {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			res.Noop = true
		} else {
			s.log.Info("election started via API", zap.Stringer("key", co.Key()))
		}
		res.Status = co.Status()
		results = append(results, res)
	}
	c.JSON(http.StatusOK, gin.H{"role": c.Param("role"), "results": results})
}

// stopElection handles POST /api/v1/elections/:role/stop?wait=5s
func (s *Server) stopElection(c *gin.Context) {
	found, ok := s.coordinators(c)
	if !ok {
		return
	}
	wait, err := time.ParseDuration(c.DefaultQuery("wait", "10s"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wait duration"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()

	results := make([]ActionResult, 0, len(found))
	for _, co := range found {
		res := ActionResult{Path: co.Contest().Path}
		if !co.Running() {
			res.Noop = true
		} else {
			if err := co.Shutdown(ctx); err != nil {
				res.Error = err.Error()
			}
			s.log.Info("election stopped via API", zap.Stringer("key", co.Key()))
		}
		res.Status = co.Status()
		results = append(results, res)
	}
	c.JSON(http.StatusOK, gin.H{"role": c.Param("role"), "results": results})
}

// runTask handles POST /api/v1/elections/:role/tasks/:task/run
func (s *Server) runTask(c *gin.Context) {
	role, name := c.Param("role"), c.Param("task")

	known, ran := false, false
	for _, r := range s.tasks[role] {
		err := r.RunTask(c.Request.Context(), name)
		switch {
		case errors.Is(err, scheduler.ErrUnknownTask):
			continue
		case errors.Is(err, scheduler.ErrNotLeader):
			known = true
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		default:
			known, ran = true, true
		}
	}

	switch {
	case !known:
		c.JSON(http.StatusNotFound, gin.H{"error": "task not configured: " + name})
	case !ran:
		c.JSON(http.StatusConflict, gin.H{"error": "this node does not lead " + role})
	default:
		s.log.Info("task run via API", zap.String("role", role), zap.String("task", name))
		c.JSON(http.StatusOK, gin.H{"role": role, "task": name, "ran": true})
	}
}

func (s *Server) respondServiceError(c *gin.Context, err error) {
	code := http.StatusBadGateway
	if errors.Is(err, coordination.ErrUnavailable) {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
