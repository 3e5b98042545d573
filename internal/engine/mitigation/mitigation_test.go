package mitigation

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/metrics"
	"Go2FlowGuard/internal/model"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type installed struct {
	device model.DeviceID
	rule   model.MitigationRule
}

type fakeControl struct {
	mu    sync.Mutex
	rules []installed
	err   error
}

func (f *fakeControl) RequestFlowCounters(context.Context, model.DeviceID, string) error {
	return nil
}

func (f *fakeControl) InstallRule(_ context.Context, device model.DeviceID, rule model.MitigationRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rules = append(f.rules, installed{device: device, rule: rule})
	return nil
}

func record(device model.DeviceID, src, dst string) model.FlowRecord {
	return model.FlowRecord{Device: device, SrcIP: src, DstIP: dst, FlowID: src + "0" + dst + "01"}
}

func defaultOptions(t *testing.T) Options {
	t.Helper()
	opts, err := OptionsFromConfig(config.Default())
	require.NoError(t, err)
	return opts
}

func TestMaliciousPredictionInstallsExactlyOneRule(t *testing.T) {
	ctl := &fakeControl{}
	m := metrics.New()
	hist := NewHistory(8)
	e, err := NewEngine(ctl, defaultOptions(t), nil, m, hist)
	require.NoError(t, err)

	ev, acted := e.Handle(context.Background(), record(5, "10.0.0.1", "10.0.0.2"), model.LabelMalicious)
	require.True(t, acted)
	assert.Equal(t, model.OutcomeInstalled, ev.Outcome)

	require.Len(t, ctl.rules, 1)
	got := ctl.rules[0]
	assert.Equal(t, model.DeviceID(5), got.device)
	assert.Equal(t, model.MitigationRule{
		Priority:    100,
		SrcIP:       "10.0.0.1",
		DstIP:       "10.0.0.2",
		EthType:     model.EthTypeIPv4,
		IdleTimeout: 30,
		HardTimeout: 60,
	}, got.rule)
	assert.Positive(t, got.rule.IdleTimeout)
	assert.Positive(t, got.rule.HardTimeout)

	assert.Equal(t, []model.MitigationEvent{ev}, hist.Recent(0))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mitigations.WithLabelValues("installed")))
}

func TestBenignPredictionDoesNothing(t *testing.T) {
	ctl := &fakeControl{}
	hist := NewHistory(8)
	e, err := NewEngine(ctl, defaultOptions(t), nil, metrics.New(), hist)
	require.NoError(t, err)

	_, acted := e.Handle(context.Background(), record(1, "10.0.0.1", "10.0.0.2"), model.LabelBenign)
	assert.False(t, acted)
	assert.Empty(t, ctl.rules)
	assert.Zero(t, hist.Total())
}

func TestRefreshResubmitsEveryDetection(t *testing.T) {
	ctl := &fakeControl{}
	e, err := NewEngine(ctl, defaultOptions(t), nil, metrics.New())
	require.NoError(t, err)

	rec := record(1, "10.0.0.1", "10.0.0.2")
	for i := 0; i < 3; i++ {
		e.Handle(context.Background(), rec, model.LabelMalicious)
	}
	require.Len(t, ctl.rules, 3)
	assert.Equal(t, ctl.rules[0], ctl.rules[2])
}

func TestSuppressPolicy(t *testing.T) {
	ctl := &fakeControl{}
	ledger := NewMemoryLedger()
	now := time.Unix(1700000000, 0)
	ledger.now = func() time.Time { return now }

	opts := defaultOptions(t)
	opts.Policy = PolicySuppress
	m := metrics.New()
	e, err := NewEngine(ctl, opts, ledger, m)
	require.NoError(t, err)

	ctx := context.Background()
	rec := record(1, "10.0.0.1", "10.0.0.2")

	// 1. First detection installs
	ev, _ := e.Handle(ctx, rec, model.LabelMalicious)
	assert.Equal(t, model.OutcomeInstalled, ev.Outcome)

	// 2. Repeats within the idle timeout are suppressed
	ev, _ = e.Handle(ctx, rec, model.LabelMalicious)
	assert.Equal(t, model.OutcomeSuppressed, ev.Outcome)

	// 3. Other devices and flows are independent
	e.Handle(ctx, record(2, "10.0.0.1", "10.0.0.2"), model.LabelMalicious)
	e.Handle(ctx, record(1, "10.0.0.9", "10.0.0.2"), model.LabelMalicious)

	// 4. Once the rule could have expired, the next detection installs again
	now = now.Add(31 * time.Second)
	ev, _ = e.Handle(ctx, rec, model.LabelMalicious)
	assert.Equal(t, model.OutcomeInstalled, ev.Outcome)

	assert.Len(t, ctl.rules, 4)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mitigations.WithLabelValues("suppressed")))
}

func TestInstallFailureIsReportedAndReleased(t *testing.T) {
	ctl := &fakeControl{err: errors.New("channel closed")}
	opts := defaultOptions(t)
	opts.Policy = PolicySuppress
	e, err := NewEngine(ctl, opts, NewMemoryLedger(), metrics.New())
	require.NoError(t, err)

	rec := record(1, "10.0.0.1", "10.0.0.2")
	ev, acted := e.Handle(context.Background(), rec, model.LabelMalicious)
	require.True(t, acted)
	assert.Equal(t, model.OutcomeFailed, ev.Outcome)
	assert.Equal(t, "channel closed", ev.Error)

	// The failed rule does not hold the ledger key.
	ctl.err = nil
	ev, _ = e.Handle(context.Background(), rec, model.LabelMalicious)
	assert.Equal(t, model.OutcomeInstalled, ev.Outcome)
}

func TestNewEngineValidation(t *testing.T) {
	ctl := &fakeControl{}
	opts := defaultOptions(t)

	bad := opts
	bad.Policy = "ignore"
	_, err := NewEngine(ctl, bad, nil, nil)
	assert.Error(t, err)

	bad = opts
	bad.Policy = PolicySuppress
	_, err = NewEngine(ctl, bad, nil, nil)
	assert.Error(t, err)

	bad = opts
	bad.IdleTimeout = 0
	_, err = NewEngine(ctl, bad, nil, nil)
	assert.Error(t, err)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, uint16(1), seconds(10*time.Millisecond))
	assert.Equal(t, uint16(2), seconds(1500*time.Millisecond))
	assert.Equal(t, uint16(65535), seconds(48*time.Hour))
}

func TestHistoryRing(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Record(model.MitigationEvent{FlowID: string(rune('a' + i - 1))})
	}

	flows := func(evs []model.MitigationEvent) []string {
		var out []string
		for _, ev := range evs {
			out = append(out, ev.FlowID)
		}
		return out
	}

	assert.Equal(t, []string{"e", "d", "c"}, flows(h.Recent(0)))
	assert.Equal(t, []string{"e", "d"}, flows(h.Recent(2)))
	assert.Equal(t, uint64(5), h.Total())

	evs, total := h.Since(3)
	assert.Equal(t, []string{"d", "e"}, flows(evs))
	assert.Equal(t, uint64(5), total)

	evs, _ = h.Since(0)
	assert.Equal(t, []string{"c", "d", "e"}, flows(evs))

	evs, _ = h.Since(5)
	assert.Empty(t, evs)
}

func TestNewLedger(t *testing.T) {
	l, err := NewLedger(config.MitigationConfig{Ledger: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryLedger{}, l)

	_, err = NewLedger(config.MitigationConfig{Ledger: "etcd"})
	assert.Error(t, err)
}
