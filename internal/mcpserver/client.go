package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the integrity service.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Reviewer API key, e.g. "sk_..."
}

// IntegrityClient is a pure HTTP client for the integrity service API.
type IntegrityClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewIntegrityClient creates a new client for the integrity service.
func NewIntegrityClient(cfg Config) *IntegrityClient {
	return &IntegrityClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the service and returns the response body.
func (c *IntegrityClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetSession returns a session with its participants and scores.
func (c *IntegrityClient) GetSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+sessionID, nil, nil)
}

// ListSessionEvents returns a page of a session's telemetry events, newest first.
func (c *IntegrityClient) ListSessionEvents(ctx context.Context, sessionID string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+sessionID+"/events", q, nil)
}

// ListUserEvents returns one participant's events within a session.
func (c *IntegrityClient) ListUserEvents(ctx context.Context, sessionID, userID string) (json.RawMessage, error) {
	path := "/v1/sessions/" + sessionID + "/users/" + userID + "/events"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetUserRisk returns a participant's live risk assessment.
func (c *IntegrityClient) GetUserRisk(ctx context.Context, sessionID, userID string) (json.RawMessage, error) {
	path := "/v1/sessions/" + sessionID + "/users/" + userID + "/risk"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetReport returns the full integrity report for a session.
func (c *IntegrityClient) GetReport(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+sessionID+"/report", nil, nil)
}

// AcknowledgeEvent attaches a reviewer annotation to an event.
func (c *IntegrityClient) AcknowledgeEvent(ctx context.Context, eventID, reviewer, notes string) (json.RawMessage, error) {
	body := map[string]string{
		"reviewer": reviewer,
		"notes":    notes,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/events/"+eventID+"/acknowledge", nil, body)
}
