// Package client talks to the admin API of an elector daemon.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"elector/pkg/api"
	"elector/pkg/election"
	"elector/pkg/models"
)

type Client struct {
	BaseURL    string
	Token      string // Bearer JWT
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer of the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("elector API returned %d: %s", e.StatusCode, e.Message)
}

// Health is the response of GET /health.
type Health struct {
	Status       string          `json:"status"`
	NodeID       string          `json:"node_id"`
	Elections    int             `json:"elections"`
	Leading      int             `json:"leading"`
	Dependencies map[string]bool `json:"dependencies"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	// A degraded daemon answers 503 with a body worth showing.
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusServiceUnavailable && h.Status != "" {
		return &h, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Elections lists every election of the daemon.
func (c *Client) Elections(ctx context.Context) ([]election.Status, error) {
	var out struct {
		Elections []election.Status `json:"elections"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/elections", nil, &out); err != nil {
		return nil, err
	}
	return out.Elections, nil
}

// Election returns the elections of role.
func (c *Client) Election(ctx context.Context, role string) ([]election.Status, error) {
	var out struct {
		Elections []election.Status `json:"elections"`
	}
	if err := c.do(ctx, http.MethodGet, rolePath(role, ""), nil, &out); err != nil {
		return nil, err
	}
	return out.Elections, nil
}

// Leader returns the holder of each path of role.
func (c *Client) Leader(ctx context.Context, role string) ([]api.LeaderView, error) {
	var out struct {
		Leaders []api.LeaderView `json:"leaders"`
	}
	if err := c.do(ctx, http.MethodGet, rolePath(role, "/leader"), nil, &out); err != nil {
		return nil, err
	}
	return out.Leaders, nil
}

// Candidates returns the wait queue of each path of role.
func (c *Client) Candidates(ctx context.Context, role string) (map[string][]election.Candidate, error) {
	var out struct {
		Candidates map[string][]election.Candidate `json:"candidates"`
	}
	if err := c.do(ctx, http.MethodGet, rolePath(role, "/candidates"), nil, &out); err != nil {
		return nil, err
	}
	return out.Candidates, nil
}

// Location returns the published leader location of role.
func (c *Client) Location(ctx context.Context, role string) (*models.LeaderLocation, error) {
	var loc models.LeaderLocation
	if err := c.do(ctx, http.MethodGet, rolePath(role, "/location"), nil, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

// Events returns the newest journaled events of role.
func (c *Client) Events(ctx context.Context, role string, limit int) ([]models.LeadershipRecord, error) {
	var out struct {
		Events []models.LeadershipRecord `json:"events"`
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.do(ctx, http.MethodGet, rolePath(role, "/events"), q, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Start starts the elections of role.
func (c *Client) Start(ctx context.Context, role string) ([]api.ActionResult, error) {
	var out struct {
		Results []api.ActionResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, rolePath(role, "/start"), nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Stop stops the elections of role, letting the daemon wait up to wait for
// the release.
func (c *Client) Stop(ctx context.Context, role string, wait time.Duration) ([]api.ActionResult, error) {
	var out struct {
		Results []api.ActionResult `json:"results"`
	}
	q := url.Values{}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	if err := c.do(ctx, http.MethodPost, rolePath(role, "/stop"), q, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func rolePath(role, suffix string) string {
	return "/api/v1/elections/" + url.PathEscape(role) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		if out != nil {
			_ = json.Unmarshal(body, out)
		}
		return apiErr
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
