package alerter

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/engine/mitigation"
	"Go2FlowGuard/internal/model"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	subject string
	body    string
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (f *fakeNotifier) Send(subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{subject, body})
	return nil
}

func event(device model.DeviceID, src, dst string, outcome model.MitigationOutcome, at time.Time) model.MitigationEvent {
	return model.MitigationEvent{
		Time:    at,
		Device:  device,
		Rule:    model.MitigationRule{SrcIP: src, DstIP: dst, Priority: 100},
		Outcome: outcome,
	}
}

func TestDigest(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	failed := event(2, "10.0.0.5", "10.0.0.2", model.OutcomeFailed, at.Add(time.Minute))
	failed.Error = "nats: connection closed"
	events := []model.MitigationEvent{
		event(1, "10.0.0.9", "10.0.0.2", model.OutcomeInstalled, at),
		event(1, "10.0.0.9", "10.0.0.3", model.OutcomeInstalled, at.Add(time.Second)),
		event(1, "10.0.0.7", "10.0.0.2", model.OutcomeSuppressed, at.Add(2*time.Second)),
		failed,
	}

	subject, body := Digest(events, 3)
	assert.Equal(t, "Go2FlowGuard Mitigation Summary (4 detections, 2 rules installed)", subject)
	assert.Contains(t, body, "between 2024-05-01T12:00:00Z and 2024-05-01T12:01:00Z")
	assert.Contains(t, body, "**3 older detections")
	assert.Contains(t, body, "| 0000000000000001 | 2 | 1 | 0 |")
	assert.Contains(t, body, "| 0000000000000002 | 0 | 0 | 1 |")
	assert.Contains(t, body, "| 0000000000000001 | 10.0.0.9 | 2 | 2 |")
	assert.Contains(t, body, "nats: connection closed")

	// The busiest source comes first.
	assert.Less(t, strings.Index(body, "10.0.0.9 |"), strings.Index(body, "10.0.0.7 |"))

	html := RenderHTML(body)
	assert.Contains(t, html, "<h1")
	assert.Contains(t, html, "<table>")
	assert.Contains(t, html, "<strong>3 older detections")
}

func newTestAlerter(t *testing.T, minEvents int, hist *mitigation.History, n *fakeNotifier) *Alerter {
	t.Helper()
	a, err := NewAlerter(&config.AlerterConfig{CheckInterval: "1h", MinEvents: minEvents}, hist, n)
	require.NoError(t, err)
	return a
}

func TestEvaluateBatchesNewEvents(t *testing.T) {
	hist := mitigation.NewHistory(16)
	n := &fakeNotifier{}
	a := newTestAlerter(t, 2, hist, n)
	now := time.Now()

	assert.False(t, a.Evaluate())

	hist.Record(event(1, "10.0.0.9", "10.0.0.2", model.OutcomeInstalled, now))
	assert.False(t, a.Evaluate(), "below min_events")

	hist.Record(event(1, "10.0.0.8", "10.0.0.2", model.OutcomeInstalled, now))
	assert.True(t, a.Evaluate())
	require.Len(t, n.msgs, 1)
	assert.Contains(t, n.msgs[0].subject, "2 detections")
	assert.Contains(t, n.msgs[0].body, "<table>")

	// Already reported events are not sent again.
	assert.False(t, a.Evaluate())
}

func TestEvaluateRetriesAfterSendFailure(t *testing.T) {
	hist := mitigation.NewHistory(16)
	n := &fakeNotifier{err: errors.New("smtp down")}
	a := newTestAlerter(t, 1, hist, n)

	hist.Record(event(1, "10.0.0.9", "10.0.0.2", model.OutcomeInstalled, time.Now()))
	assert.False(t, a.Evaluate())

	n.err = nil
	assert.True(t, a.Evaluate())
	assert.Contains(t, n.msgs[0].subject, "1 detections")
}

func TestStopSendsPendingDigest(t *testing.T) {
	hist := mitigation.NewHistory(16)
	n := &fakeNotifier{}
	a := newTestAlerter(t, 1, hist, n)
	a.Start()

	hist.Record(event(3, "10.0.0.9", "10.0.0.2", model.OutcomeInstalled, time.Now()))
	a.Stop()
	a.Stop()

	require.Len(t, n.msgs, 1)
}

func TestNewAlerterValidatesInterval(t *testing.T) {
	_, err := NewAlerter(&config.AlerterConfig{CheckInterval: "often"}, mitigation.NewHistory(1), nil)
	assert.Error(t, err)
	_, err = NewAlerter(&config.AlerterConfig{CheckInterval: "0s"}, mitigation.NewHistory(1), nil)
	assert.Error(t, err)
}
