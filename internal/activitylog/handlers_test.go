package activitylog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/quizlive/integrity/internal/risk"
	"github.com/quizlive/integrity/internal/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter() (*gin.Engine, *Log) {
	log := New(NewMemoryStore())
	h := NewHandler(log, risk.NewScorer(telemetry.DefaultPolicy()))

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return r, log
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var parsed map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
		}
	}
	return w, parsed
}

func TestIngestEndpointCreatesEvent(t *testing.T) {
	r, _ := newTestRouter()

	w, resp := doJSON(t, r, http.MethodPost, "/v1/sessions/sess1/events", map[string]any{
		"userId":       "u1",
		"activityType": "TAB_SWITCH",
		"details":      map[string]any{"durationMs": 3200},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	event, ok := resp["event"].(map[string]any)
	if !ok {
		t.Fatalf("response missing event object: %v", resp)
	}
	if event["sessionId"] != "sess1" {
		t.Errorf("sessionId = %v, want sess1 (taken from path, not body)", event["sessionId"])
	}
	if event["severity"] != "MEDIUM" {
		t.Errorf("severity = %v, want policy-assigned MEDIUM", event["severity"])
	}
	if event["id"] == "" || event["id"] == nil {
		t.Error("event ID not assigned")
	}
}

func TestIngestEndpointUnknownActivityType(t *testing.T) {
	r, _ := newTestRouter()

	w, resp := doJSON(t, r, http.MethodPost, "/v1/sessions/sess1/events", map[string]any{
		"userId":       "u1",
		"activityType": "MIND_READING",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if resp["error"] != "unknown_activity_type" {
		t.Errorf("error = %v, want unknown_activity_type", resp["error"])
	}
}

func TestIngestEndpointRequiresUserID(t *testing.T) {
	r, _ := newTestRouter()

	w, resp := doJSON(t, r, http.MethodPost, "/v1/sessions/sess1/events", map[string]any{
		"activityType": "TAB_SWITCH",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp["error"] != "invalid_request" {
		t.Errorf("error = %v, want invalid_request", resp["error"])
	}
}

func TestListSessionEventsPagination(t *testing.T) {
	r, _ := newTestRouter()

	for i := 0; i < 5; i++ {
		w, _ := doJSON(t, r, http.MethodPost, "/v1/sessions/sess1/events", map[string]any{
			"userId":       "u1",
			"activityType": "WINDOW_BLUR",
			"details":      map[string]any{"seq": i},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("seed %d failed: %d", i, w.Code)
		}
	}

	w, resp := doJSON(t, r, http.MethodGet, "/v1/sessions/sess1/events?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	events, _ := resp["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("page size = %d, want 2", len(events))
	}
	if resp["hasMore"] != true {
		t.Error("hasMore = false, want true with 5 events and limit 2")
	}
	cursor, _ := resp["nextCursor"].(string)
	if cursor == "" {
		t.Fatal("nextCursor missing")
	}

	// The next page must continue past the cursor with no overlap.
	firstIDs := map[any]bool{}
	for _, e := range events {
		firstIDs[e.(map[string]any)["id"]] = true
	}
	w, resp = doJSON(t, r, http.MethodGet, fmt.Sprintf("/v1/sessions/sess1/events?limit=2&cursor=%s", cursor), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second page status = %d", w.Code)
	}
	for _, e := range resp["events"].([]any) {
		id := e.(map[string]any)["id"]
		if firstIDs[id] {
			t.Errorf("event %v appears on both pages", id)
		}
	}
}

func TestListSessionEventsRejectsBadCursor(t *testing.T) {
	r, _ := newTestRouter()

	w, resp := doJSON(t, r, http.MethodGet, "/v1/sessions/sess1/events?cursor=%25not-base64", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp["error"] != "invalid_cursor" {
		t.Errorf("error = %v, want invalid_cursor", resp["error"])
	}
}

func TestGetUserRiskEndpoint(t *testing.T) {
	r, _ := newTestRouter()

	doJSON(t, r, http.MethodPost, "/v1/sessions/sess1/events", map[string]any{
		"userId":       "u1",
		"activityType": "DEVTOOLS_OPENED",
	})

	w, resp := doJSON(t, r, http.MethodGet, "/v1/sessions/sess1/users/u1/risk", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	assessment, ok := resp["risk"].(map[string]any)
	if !ok {
		t.Fatalf("response missing risk object: %v", resp)
	}
	if assessment["userId"] != "u1" {
		t.Errorf("userId = %v, want u1", assessment["userId"])
	}
	if assessment["count"] != float64(1) {
		t.Errorf("count = %v, want 1", assessment["count"])
	}
	if assessment["level"] == "CLEAN" {
		t.Error("level = CLEAN after a HIGH-severity event")
	}
}

func TestAcknowledgeEndpoint(t *testing.T) {
	r, _ := newTestRouter()

	_, created := doJSON(t, r, http.MethodPost, "/v1/sessions/sess1/events", map[string]any{
		"userId":       "u1",
		"activityType": "COPY_ATTEMPT",
	})
	eventID := created["event"].(map[string]any)["id"].(string)

	w, resp := doJSON(t, r, http.MethodPost, "/v1/events/"+eventID+"/acknowledge", map[string]any{
		"reviewer": "rev-alice",
		"notes":    "screen-share confirmed benign",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	event := resp["event"].(map[string]any)
	if event["acknowledgedBy"] != "rev-alice" {
		t.Errorf("acknowledgedBy = %v, want rev-alice", event["acknowledgedBy"])
	}
	if event["notes"] != "screen-share confirmed benign" {
		t.Errorf("notes = %v", event["notes"])
	}
}

func TestAcknowledgeEndpointUnknownEvent(t *testing.T) {
	r, _ := newTestRouter()

	w, resp := doJSON(t, r, http.MethodPost, "/v1/events/evt_missing/acknowledge", map[string]any{
		"reviewer": "rev-alice",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if resp["error"] != "event_not_found" {
		t.Errorf("error = %v, want event_not_found", resp["error"])
	}
}

func TestAcknowledgeEndpointRequiresReviewer(t *testing.T) {
	r, _ := newTestRouter()

	w, _ := doJSON(t, r, http.MethodPost, "/v1/events/evt_1/acknowledge", map[string]any{
		"notes": "no reviewer given",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
