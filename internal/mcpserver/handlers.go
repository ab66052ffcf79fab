package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *IntegrityClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *IntegrityClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetSession looks up a session with its participants.
func (h *Handlers) HandleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}

	text, err := formatSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListSessionEvents lists a session's telemetry events.
func (h *Handlers) HandleListSessionEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	limit := req.GetInt("limit", 0)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListSessionEvents(ctx, sessionID, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}

	text, err := formatEventPage(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListUserEvents lists one participant's events within a session.
func (h *Handlers) HandleListUserEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	userID := req.GetString("user_id", "")
	if sessionID == "" || userID == "" {
		return mcp.NewToolResultError("session_id and user_id are required"), nil
	}

	raw, err := h.client.ListUserEvents(ctx, sessionID, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list user events: %v", err)), nil
	}

	text, err := formatEventPage(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetUserRisk returns a participant's live risk assessment.
func (h *Handlers) HandleGetUserRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	userID := req.GetString("user_id", "")
	if sessionID == "" || userID == "" {
		return mcp.NewToolResultError("session_id and user_id are required"), nil
	}

	raw, err := h.client.GetUserRisk(ctx, sessionID, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk: %v", err)), nil
	}

	text, err := formatRisk(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetIntegrityReport generates the full session report.
func (h *Handlers) HandleGetIntegrityReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.GetReport(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to generate report: %v", err)), nil
	}

	text, err := formatReport(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleAcknowledgeEvent attaches a reviewer annotation to an event.
func (h *Handlers) HandleAcknowledgeEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventID := req.GetString("event_id", "")
	reviewer := req.GetString("reviewer", "")
	if eventID == "" || reviewer == "" {
		return mcp.NewToolResultError("event_id and reviewer are required"), nil
	}
	notes := req.GetString("notes", "")

	raw, err := h.client.AcknowledgeEvent(ctx, eventID, reviewer, notes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to acknowledge event: %v", err)), nil
	}

	var resp struct {
		Event map[string]any `json:"event"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Event == nil {
		return mcp.NewToolResultError("Failed to parse acknowledgement response"), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Event %s acknowledged by %s.\nActivity: %s (%s)",
		getString(resp.Event, "id"),
		reviewer,
		getString(resp.Event, "activityType"),
		getString(resp.Event, "severity"))), nil
}

// --- Formatting helpers ---

func formatSession(raw json.RawMessage) (string, error) {
	var resp struct {
		Session struct {
			ID           string           `json:"id"`
			StartedAt    string           `json:"startedAt"`
			EndedAt      *string          `json:"endedAt"`
			Participants []map[string]any `json:"participants"`
		} `json:"session"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s\n", resp.Session.ID)
	fmt.Fprintf(&sb, "Started: %s\n", resp.Session.StartedAt)
	if resp.Session.EndedAt != nil {
		fmt.Fprintf(&sb, "Ended: %s\n", *resp.Session.EndedAt)
	} else {
		sb.WriteString("Status: live\n")
	}
	fmt.Fprintf(&sb, "Participants: %d\n", len(resp.Session.Participants))

	for _, p := range resp.Session.Participants {
		name := getString(p, "displayName")
		if name == "" {
			name = getString(p, "userId")
		}
		score, _ := getFloat(p, "score")
		correct, _ := getFloat(p, "correctAnswers")
		fmt.Fprintf(&sb, "  - %s (%s): score %.0f, %.0f correct\n",
			name, getString(p, "userId"), score, correct)
	}

	return sb.String(), nil
}

func formatEventPage(raw json.RawMessage) (string, error) {
	var resp struct {
		Events     []map[string]any `json:"events"`
		NextCursor string           `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Events) == 0 {
		return "No events recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d event(s):\n\n", len(resp.Events))
	for _, e := range resp.Events {
		fmt.Fprintf(&sb, "[%s] %s — user %s at %s (id: %s)",
			strings.ToUpper(getString(e, "severity")),
			getString(e, "activityType"),
			getString(e, "userId"),
			getString(e, "occurredAt"),
			getString(e, "id"))
		if ack, ok := e["acknowledged"].(bool); ok && ack {
			fmt.Fprintf(&sb, " [reviewed by %s]", getString(e, "acknowledgedBy"))
		}
		sb.WriteString("\n")
	}

	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore events available. Pass cursor %q to continue.\n", resp.NextCursor)
	}

	return sb.String(), nil
}

func formatRisk(raw json.RawMessage) (string, error) {
	var resp struct {
		Risk map[string]any `json:"risk"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Risk == nil {
		return "", fmt.Errorf("missing risk assessment")
	}

	score, _ := getFloat(resp.Risk, "weightedScore")
	count, _ := getFloat(resp.Risk, "count")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk assessment for user %s in session %s\n",
		getString(resp.Risk, "userId"), getString(resp.Risk, "sessionId"))
	fmt.Fprintf(&sb, "Level: %s\n", strings.ToUpper(getString(resp.Risk, "level")))
	fmt.Fprintf(&sb, "Weighted score: %.2f across %.0f event(s)\n", score, count)

	return sb.String(), nil
}

func formatReport(raw json.RawMessage) (string, error) {
	var resp struct {
		Report struct {
			SessionID    string           `json:"sessionId"`
			GeneratedAt  string           `json:"generatedAt"`
			TotalEvents  int              `json:"totalEvents"`
			Participants []map[string]any `json:"participants"`
			Collusion    []map[string]any `json:"collusionFindings"`
			Breakdown    map[string]any   `json:"riskBreakdown"`
		} `json:"report"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	rep := resp.Report

	var sb strings.Builder
	fmt.Fprintf(&sb, "Integrity report for session %s (generated %s)\n", rep.SessionID, rep.GeneratedAt)
	fmt.Fprintf(&sb, "Total events: %d\n\n", rep.TotalEvents)

	fmt.Fprintf(&sb, "Participants (%d):\n", len(rep.Participants))
	for _, p := range rep.Participants {
		name := getString(p, "displayName")
		if name == "" {
			name = getString(p, "userId")
		}
		score, _ := getFloat(p, "score")
		level := ""
		if r, ok := p["risk"].(map[string]any); ok {
			level = getString(r, "level")
		}
		fmt.Fprintf(&sb, "  - %s: score %.0f, accuracy %s, risk %s\n",
			name, score, getString(p, "accuracy"), strings.ToUpper(level))
	}

	if len(rep.Collusion) > 0 {
		fmt.Fprintf(&sb, "\nCollusion findings (%d):\n", len(rep.Collusion))
		for _, f := range rep.Collusion {
			sim, _ := getFloat(f, "similarity")
			a, b := "", ""
			if m, ok := f["a"].(map[string]any); ok {
				a = getString(m, "userId")
			}
			if m, ok := f["b"].(map[string]any); ok {
				b = getString(m, "userId")
			}
			fmt.Fprintf(&sb, "  - %s + %s: %.0f%% answer similarity [%s]\n",
				a, b, sim*100, strings.ToUpper(getString(f, "severity")))
		}
	} else {
		sb.WriteString("\nNo collusion findings.\n")
	}

	if rep.Breakdown != nil {
		sb.WriteString("\nRisk breakdown:")
		for _, level := range []string{"clean", "low", "medium", "high", "critical"} {
			if n, ok := getFloat(rep.Breakdown, level); ok && n > 0 {
				fmt.Fprintf(&sb, " %s=%.0f", level, n)
			}
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
