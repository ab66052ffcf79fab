package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quizlive/integrity/internal/telemetry"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

func testLogger() *slog.Logger { return slog.Default() }

func mediumEvent() *telemetry.Event {
	return &telemetry.Event{
		ID:           "evt_1",
		SessionID:    "sess_1",
		UserID:       "user_1",
		ActivityType: telemetry.ActivityTabSwitch,
		Severity:     telemetry.SeverityMedium,
	}
}

func criticalEvent() *telemetry.Event {
	return &telemetry.Event{
		ID:           "evt_2",
		SessionID:    "sess_1",
		UserID:       "user_1",
		ActivityType: telemetry.ActivityFullscreenExit,
		Severity:     telemetry.SeverityCritical,
	}
}

// newTestDispatcher creates a dispatcher that skips SSRF checks for localhost test servers.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store)
	d.urlValidator = noopValidator
	return d
}

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventCriticalViolation},
		Active:    true,
		CreatedAt: time.Now(),
	}

	// Create
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Get
	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	// Update
	sub.Active = false
	store.Update(ctx, sub)
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	// Delete
	store.Delete(ctx, "wh_test1")
	_, err = store.Get(ctx, "wh_test1")
	if err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStore_GetByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", Events: []EventType{EventCriticalViolation, EventSessionEnded}})
	store.Create(ctx, &Subscription{ID: "wh2", Events: []EventType{EventReportGenerated}})
	store.Create(ctx, &Subscription{ID: "wh3", Events: []EventType{EventCriticalViolation}})

	subs, _ := store.GetByEvent(ctx, EventCriticalViolation)
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for event.critical, got %d", len(subs))
	}
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", Events: []EventType{EventCriticalViolation}})
	store.Create(ctx, &Subscription{ID: "wh2", Events: []EventType{EventReportGenerated}})

	subs, _ := store.List(ctx)
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs, got %d", len(subs))
	}
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSign(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())

	payload := []byte(`{"type":"event.critical","data":{}}`)
	secret := "test_secret_key"

	sig := d.sign(payload, secret)

	// Verify manually
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("Signature mismatch: got %s, want %s", sig, expected)
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())

	payload := []byte(`{"test": true}`)
	sig1 := d.sign(payload, "secret1")
	sig2 := d.sign(payload, "secret2")

	if sig1 == sig2 {
		t.Error("Different secrets should produce different signatures")
	}
}

// ---------------------------------------------------------------------------
// URL validation tests
// ---------------------------------------------------------------------------

func TestDispatch_RejectsLoopbackTarget(t *testing.T) {
	// Default dispatcher keeps the SSRF guard: a loopback delivery target
	// must be refused before any request goes out.
	store := NewMemoryStore()
	d := NewDispatcher(store)

	sub := &Subscription{
		ID:     "wh_loopback",
		URL:    "http://127.0.0.1:9/hook",
		Events: []EventType{EventCriticalViolation},
		Active: true,
	}
	if err := store.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	event := &Event{
		ID:        "wh_evt_1",
		Type:      EventCriticalViolation,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"sessionId": "sess_1"},
	}
	d.send(context.Background(), sub, event)

	updated, err := store.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if updated.LastError == "" {
		t.Error("Expected loopback target to record a delivery error")
	}
	if updated.ConsecutiveFailures != 1 {
		t.Errorf("Expected 1 consecutive failure, got %d", updated.ConsecutiveFailures)
	}
}

// ---------------------------------------------------------------------------
// Dispatch tests
// ---------------------------------------------------------------------------

func TestDispatch_SendsToSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCriticalViolation},
		Active: true,
	})

	d := newTestDispatcher(store)
	event := &Event{
		Type:      EventCriticalViolation,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"sessionId": "sess_1"},
	}

	err := d.Dispatch(ctx, event)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Wait for async delivery
	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 webhook delivery, got %d", received.Load())
	}
}

func TestDispatch_SkipsInactiveSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCriticalViolation},
		Active: false, // Inactive
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventCriticalViolation, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for inactive sub, got %d", received.Load())
	}
}

func TestDispatch_IncludesSignature(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotSig string
	var gotBody []byte
	secret := "test_webhook_secret" //nolint:gosec // test credential

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Integrity-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCriticalViolation},
		Active: true,
		Secret: secret,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{
		Type:      EventCriticalViolation,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"sessionId": "sess_1"},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotSig == "" {
		t.Fatal("Expected signature header")
	}

	// Verify signature
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(gotBody)
	expected := hex.EncodeToString(h.Sum(nil))

	if gotSig != expected {
		t.Errorf("Signature mismatch: %s != %s", gotSig, expected)
	}
}

func TestDispatch_IncludesEventHeaders(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotEventType string
	var gotTimestamp string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotEventType = r.Header.Get("X-Integrity-Event")
		gotTimestamp = r.Header.Get("X-Integrity-Timestamp")
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventReportGenerated},
		Active: true,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventReportGenerated, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotEventType != "report.generated" {
		t.Errorf("Expected event type report.generated, got %s", gotEventType)
	}
	if gotTimestamp == "" {
		t.Error("Expected timestamp header")
	}
}

func TestDispatch_PayloadFormat(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCriticalViolation},
		Active: true,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{
		Type:      EventCriticalViolation,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"sessionId": "sess_1", "userId": "user_1"},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	var parsed Event
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("Failed to parse webhook payload: %v", err)
	}
	if parsed.Type != EventCriticalViolation {
		t.Errorf("Expected type event.critical, got %s", parsed.Type)
	}
}

func TestDispatch_ErrorUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	// Server that returns 500
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCriticalViolation},
		Active: true,
	})

	d := NewDispatcherWithRetry(store, RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MaxFailures: 50,
	})
	d.urlValidator = noopValidator
	d.Dispatch(ctx, &Event{Type: EventCriticalViolation, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastError == "" {
		t.Error("Expected lastError to be set after 500 response")
	}
	if sub.ConsecutiveFailures != 1 {
		t.Errorf("Expected 1 consecutive failure, got %d", sub.ConsecutiveFailures)
	}
}

func TestDispatch_DisablesAfterMaxFailures(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCriticalViolation},
		Active: true,
	})

	d := NewDispatcherWithRetry(store, RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MaxFailures: 2,
	})
	d.urlValidator = noopValidator

	for i := 0; i < 2; i++ {
		d.Dispatch(ctx, &Event{Type: EventCriticalViolation, Timestamp: time.Now()})
		time.Sleep(100 * time.Millisecond)
	}

	sub, _ := store.Get(ctx, "wh1")
	if sub.Active {
		t.Error("Expected subscription disabled after repeated failures")
	}
}

func TestDispatch_CircuitOpenSkipsDelivery(t *testing.T) {
	store := NewMemoryStore()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCriticalViolation},
		Active: true,
	})

	// MaxFailures 4 gives a breaker threshold of 2: the circuit opens after
	// the second failed delivery, before the subscription is disabled.
	d := NewDispatcherWithRetry(store, RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MaxFailures: 4,
	})
	d.urlValidator = noopValidator

	for i := 0; i < 3; i++ {
		d.Dispatch(ctx, &Event{Type: EventCriticalViolation, Timestamp: time.Now()})
		time.Sleep(100 * time.Millisecond)
	}

	if hits.Load() != 2 {
		t.Errorf("Expected 2 HTTP attempts before the circuit opened, got %d", hits.Load())
	}
	sub, _ := store.Get(ctx, "wh1")
	if sub.LastError != "delivery skipped: circuit open" {
		t.Errorf("Expected circuit-open error recorded, got %q", sub.LastError)
	}
}

func TestDispatch_SuccessUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCriticalViolation},
		Active: true,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventCriticalViolation, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastSuccess == nil {
		t.Error("Expected lastSuccess to be set after successful delivery")
	}
	if sub.LastError != "" {
		t.Errorf("Expected no error after success, got %s", sub.LastError)
	}
}

// ---------------------------------------------------------------------------
// Emitter tests
// ---------------------------------------------------------------------------

func TestDispatch_DeliveryOutlivesCallerContext(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	store.Create(context.Background(), &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCriticalViolation},
		Active: true,
	})

	d := newTestDispatcher(store)

	// Emitters cancel their dispatch context the moment Dispatch returns;
	// the async delivery must not die with it.
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Dispatch(ctx, &Event{Type: EventCriticalViolation, Timestamp: time.Now()}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if received.Load() != 1 {
		t.Fatalf("Expected delivery after caller context cancelled, got %d", received.Load())
	}

	sub, _ := store.Get(context.Background(), "wh1")
	if sub.ConsecutiveFailures != 0 {
		t.Errorf("Expected clean delivery, got %d failures (lastError %q)", sub.ConsecutiveFailures, sub.LastError)
	}
}

func TestDispatch_RetriesSurviveCallerCancellation(t *testing.T) {
	store := NewMemoryStore()

	// First attempt fails, second succeeds.
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}))
	defer server.Close()

	store.Create(context.Background(), &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCriticalViolation},
		Active: true,
	})

	d := NewDispatcherWithRetry(store, RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		MaxFailures: 10,
	})
	d.urlValidator = noopValidator

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, &Event{Type: EventCriticalViolation, Timestamp: time.Now()})
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hits.Load() < 2 {
		t.Fatalf("Expected retry after caller cancellation, got %d attempts", hits.Load())
	}

	sub, _ := store.Get(context.Background(), "wh1")
	if sub.ConsecutiveFailures != 0 {
		t.Errorf("Expected success after retry, got %d failures (lastError %q)", sub.ConsecutiveFailures, sub.LastError)
	}
}

func TestEmitter_CriticalOnly(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCriticalViolation},
		Active: true,
	})

	d := newTestDispatcher(store)
	e := NewEmitter(d, testLogger())

	e.EventAppended(mediumEvent())
	e.EventAppended(criticalEvent())

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected only the CRITICAL event delivered, got %d", received.Load())
	}
}
