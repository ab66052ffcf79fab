package sentinel

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizlive/integrity/internal/telemetry"
)

type captureIngestor struct {
	mu     sync.Mutex
	events []*telemetry.Event
	err    error
}

func (c *captureIngestor) IngestTrusted(_ context.Context, event *telemetry.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func (c *captureIngestor) ofType(t telemetry.ActivityType) []*telemetry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*telemetry.Event
	for _, e := range c.events {
		if e.ActivityType == t {
			out = append(out, e)
		}
	}
	return out
}

func TestObserve_SingleConnectionIsClean(t *testing.T) {
	sink := &captureIngestor{}
	s := New(sink)

	s.Observe(context.Background(), "sess_1", "user_1", "10.0.0.1")

	assert.Empty(t, sink.events)
}

func TestObserve_MultipleSessionsDetected(t *testing.T) {
	sink := &captureIngestor{}
	s := New(sink)
	ctx := context.Background()

	s.Observe(ctx, "sess_1", "user_1", "10.0.0.1")
	s.Observe(ctx, "sess_2", "user_1", "10.0.0.1")

	detections := sink.ofType(telemetry.ActivityMultipleSessions)
	require.Len(t, detections, 1)
	d := detections[0]
	assert.Equal(t, "sess_2", d.SessionID)
	assert.Equal(t, "user_1", d.UserID)
	assert.Equal(t, telemetry.SeverityHigh, d.Severity)
	assert.Equal(t, []string{"sess_1", "sess_2"}, d.Details["sessionIds"])
}

func TestObserve_IPAnomalyDetected(t *testing.T) {
	sink := &captureIngestor{}
	s := New(sink)
	ctx := context.Background()

	s.Observe(ctx, "sess_1", "user_1", "10.0.0.1")
	s.Observe(ctx, "sess_1", "user_1", "172.16.0.9")

	detections := sink.ofType(telemetry.ActivityIPAnomaly)
	require.Len(t, detections, 1)
	d := detections[0]
	assert.Equal(t, telemetry.SeverityHigh, d.Severity)
	assert.Equal(t, []string{"10.0.0.1", "172.16.0.9"}, d.Details["sourceIps"])
	assert.Equal(t, 2, d.Details["ipCount"])
}

func TestObserve_SameIPReconnectIsNotAnAnomaly(t *testing.T) {
	sink := &captureIngestor{}
	s := New(sink)
	ctx := context.Background()

	s.Observe(ctx, "sess_1", "user_1", "10.0.0.1")
	s.Release("sess_1", "user_1")
	s.Observe(ctx, "sess_1", "user_1", "10.0.0.1")

	assert.Empty(t, sink.events)
}

func TestObserve_DetectionFiresOncePerSessionUser(t *testing.T) {
	sink := &captureIngestor{}
	s := New(sink)
	ctx := context.Background()

	s.Observe(ctx, "sess_1", "user_1", "10.0.0.1")
	s.Observe(ctx, "sess_1", "user_1", "172.16.0.9")
	s.Observe(ctx, "sess_1", "user_1", "192.168.4.2")

	assert.Len(t, sink.ofType(telemetry.ActivityIPAnomaly), 1)
}

func TestRelease_DropsSessionFromActiveSet(t *testing.T) {
	sink := &captureIngestor{}
	s := New(sink)
	ctx := context.Background()

	s.Observe(ctx, "sess_1", "user_1", "10.0.0.1")
	s.Release("sess_1", "user_1")
	s.Observe(ctx, "sess_2", "user_1", "10.0.0.1")

	assert.Empty(t, sink.ofType(telemetry.ActivityMultipleSessions))
}

func TestEndSession_ClearsStateAndRearmsRules(t *testing.T) {
	sink := &captureIngestor{}
	s := New(sink)
	ctx := context.Background()

	s.Observe(ctx, "sess_1", "user_1", "10.0.0.1")
	s.Observe(ctx, "sess_1", "user_1", "172.16.0.9")
	require.Len(t, sink.ofType(telemetry.ActivityIPAnomaly), 1)

	s.EndSession("sess_1")

	// A fresh session with the same ID starts clean and can detect again.
	s.Observe(ctx, "sess_1", "user_1", "10.0.0.1")
	s.Observe(ctx, "sess_1", "user_1", "172.16.0.9")
	assert.Len(t, sink.ofType(telemetry.ActivityIPAnomaly), 2)
}

func TestObserve_IngestFailureDoesNotPanicOrBlock(t *testing.T) {
	sink := &captureIngestor{err: assert.AnError}
	s := New(sink)
	ctx := context.Background()

	s.Observe(ctx, "sess_1", "user_1", "10.0.0.1")
	s.Observe(ctx, "sess_1", "user_1", "172.16.0.9")

	assert.Empty(t, sink.events)
}

func TestTracker_ReferenceCountedConnections(t *testing.T) {
	tr := NewTracker()

	tr.Connect("sess_1", "user_1", "10.0.0.1")
	tr.Connect("sess_1", "user_1", "10.0.0.1")
	tr.Disconnect("sess_1", "user_1")

	// One of the two connections is still open.
	assert.Equal(t, []string{"sess_1"}, tr.ActiveSessions("user_1"))

	tr.Disconnect("sess_1", "user_1")
	assert.Empty(t, tr.ActiveSessions("user_1"))
}
