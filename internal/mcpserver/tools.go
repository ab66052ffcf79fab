package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the integrity MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetSession = mcp.NewTool("get_session",
	mcp.WithDescription(
		"Look up a quiz session by ID. "+
			"Returns participants with their scores, answer counts, and join times, "+
			"plus whether the session has ended."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID (e.g. 'sess_a1b2c3d4')")),
)

var ToolListSessionEvents = mcp.NewTool("list_session_events",
	mcp.WithDescription(
		"List the telemetry events recorded for a quiz session, newest first. "+
			"Events include tab switches, fullscreen exits, copy/paste, devtools opens, "+
			"and rapid answers, each with a severity. Paginated via cursor."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID (e.g. 'sess_a1b2c3d4')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 50, max 500)")),
	mcp.WithString("cursor",
		mcp.Description("Pagination cursor from a previous result")),
)

var ToolListUserEvents = mcp.NewTool("list_user_events",
	mcp.WithDescription(
		"List one participant's telemetry events within a session. "+
			"Use this to review a specific user's behavior in detail."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID")),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The participant's user ID")),
)

var ToolGetUserRisk = mcp.NewTool("get_user_risk",
	mcp.WithDescription(
		"Get a participant's live risk assessment for a session. "+
			"Returns the weighted score and risk level (clean/low/medium/high/critical) "+
			"computed from their recorded events."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID")),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The participant's user ID")),
)

var ToolGetIntegrityReport = mcp.NewTool("get_integrity_report",
	mcp.WithDescription(
		"Generate the full post-session integrity report. "+
			"Includes per-participant scores, accuracy, risk assessments, "+
			"pairwise collusion findings, and a risk-level breakdown. "+
			"Best used after the session has ended."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID")),
)

var ToolAcknowledgeEvent = mcp.NewTool("acknowledge_event",
	mcp.WithDescription(
		"Mark a telemetry event as reviewed, with optional notes. "+
			"Use this after a human has looked at a flagged event so "+
			"other reviewers can see it has been handled."),
	mcp.WithString("event_id",
		mcp.Required(),
		mcp.Description("The event ID from a previous list_session_events result")),
	mcp.WithString("reviewer",
		mcp.Required(),
		mcp.Description("Name or ID of the reviewer acknowledging the event")),
	mcp.WithString("notes",
		mcp.Description("Optional review notes (e.g. 'false positive, screen reader user')")),
)
