package manager

import (
	"Go2FlowGuard/internal/classifier"
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/dataset"
	"Go2FlowGuard/internal/engine/features"
	"Go2FlowGuard/internal/engine/mitigation"
	"Go2FlowGuard/internal/metrics"
	"Go2FlowGuard/internal/model"
	"Go2FlowGuard/internal/registry"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSwitch answers every counter request with a fixed flow table, at most
// `answers` times per device, by submitting the reply to the manager.
type fakeSwitch struct {
	mu       sync.Mutex
	mgr      *Manager
	table    []model.FlowStatsSample
	answers  int
	answered map[model.DeviceID]int
	requests int
	rules    []model.MitigationRule
}

func newFakeSwitch(table []model.FlowStatsSample, answers int) *fakeSwitch {
	return &fakeSwitch{table: table, answers: answers, answered: make(map[model.DeviceID]int)}
}

func (f *fakeSwitch) RequestFlowCounters(_ context.Context, device model.DeviceID, token string) error {
	f.mu.Lock()
	f.requests++
	respond := f.answers < 0 || f.answered[device] < f.answers
	if respond {
		f.answered[device]++
	}
	mgr := f.mgr
	f.mu.Unlock()

	if respond && mgr != nil {
		mgr.Submit(model.StatsReply{Device: device, Token: token, Samples: f.table, ReceivedAt: time.Now()})
	}
	return nil
}

func (f *fakeSwitch) InstallRule(_ context.Context, _ model.DeviceID, rule model.MitigationRule) error {
	f.mu.Lock()
	f.rules = append(f.rules, rule)
	f.mu.Unlock()
	return nil
}

func (f *fakeSwitch) counts() (requests, rules int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests, len(f.rules)
}

func sample(src, dst string, packets uint64) model.FlowStatsSample {
	return model.FlowStatsSample{
		Priority:    1,
		DurationSec: 10,
		PacketCount: packets,
		ByteCount:   packets * 100,
		Match:       model.Match{EthType: 0x0800, IPv4Src: src, IPv4Dst: dst, IPProto: 17, UDPSrc: 1000, UDPDst: 53},
	}
}

// trainingRows separates flows by packet volume: malicious flows carry
// thousands of packets over 10 seconds, benign ones at most a hundred.
func trainingRows() []model.TrainingRow {
	var rows []model.TrainingRow
	for i := 0; i < 80; i++ {
		label := i % 2
		packets := uint64(1 + i)
		if label == model.LabelMalicious {
			packets = uint64(5000 + i*100)
		}
		vec := features.Vector(sample("10.0.0.1", "10.0.0.2", packets))
		rows = append(rows, model.TrainingRow{Features: vec, Label: label})
	}
	return rows
}

func testConfig(mode string) *config.Config {
	cfg := config.Default()
	cfg.Controller.Mode = mode
	cfg.Controller.PollInterval = "20ms"
	cfg.Controller.ReplyTimeout = "10s"
	cfg.Controller.NumWorkers = 2
	cfg.Controller.SizeOfReplyChan = 16
	return cfg
}

type harness struct {
	mgr     *Manager
	sw      *fakeSwitch
	reg     *registry.Registry
	metrics *metrics.Metrics
	history *mitigation.History
}

func newDetectHarness(t *testing.T, holder *classifier.Holder, sw *fakeSwitch) *harness {
	t.Helper()
	cfg := testConfig(config.ModeDetect)
	m := metrics.New()
	hist := mitigation.NewHistory(64)

	opts, err := mitigation.OptionsFromConfig(cfg)
	require.NoError(t, err)
	engine, err := mitigation.NewEngine(sw, opts, nil, m, hist)
	require.NoError(t, err)

	reg := registry.New(nil)
	mgr, err := NewManager(cfg, Deps{Registry: reg, Control: sw, Holder: holder, Engine: engine, Metrics: m})
	require.NoError(t, err)
	sw.mu.Lock()
	sw.mgr = mgr
	sw.mu.Unlock()
	return &harness{mgr: mgr, sw: sw, reg: reg, metrics: m, history: hist}
}

func TestDetectInstallsOneRulePerMaliciousFlow(t *testing.T) {
	holder := classifier.NewHolder()
	m, report, err := classifier.Train(trainingRows(), classifier.DefaultOptions())
	require.NoError(t, err)
	holder.Swap(m, report)

	sw := newFakeSwitch([]model.FlowStatsSample{
		sample("10.0.0.9", "10.0.0.2", 20000),
		sample("10.0.0.1", "10.0.0.2", 20),
		sample("10.0.0.7", "10.0.0.2", 15000),
	}, 1)
	h := newDetectHarness(t, holder, sw)
	h.reg.Register(1)

	h.mgr.Start(context.Background())
	require.Eventually(t, func() bool {
		_, rules := sw.counts()
		return rules >= 2
	}, 2*time.Second, 5*time.Millisecond)
	h.mgr.Stop()

	_, rules := sw.counts()
	assert.Equal(t, 2, rules)
	sw.mu.Lock()
	srcs := []string{sw.rules[0].SrcIP, sw.rules[1].SrcIP}
	for _, r := range sw.rules {
		assert.Equal(t, "10.0.0.2", r.DstIP)
		assert.Positive(t, r.IdleTimeout)
		assert.Positive(t, r.HardTimeout)
	}
	sw.mu.Unlock()
	assert.ElementsMatch(t, []string{"10.0.0.7", "10.0.0.9"}, srcs)

	assert.Equal(t, uint64(2), h.history.Total())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Predictions.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Predictions.WithLabelValues("0")))

	devs := h.mgr.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, PhaseMitigated, devs[0].LastPhase)
	assert.Equal(t, 2, devs[0].Malicious)
	assert.Equal(t, 1, devs[0].Legit)
}

// Training on a dataset without a label column fails; the controller keeps
// polling with classification disabled.
func TestBadDatasetKeepsPolling(t *testing.T) {
	holder := classifier.NewHolder()
	src := func(context.Context) ([]model.TrainingRow, error) {
		return dataset.LoadReader(strings.NewReader("flow_duration_sec,packet_count\n1,2\n"), "FlowStatsfile.csv")
	}
	err := holder.Train(context.Background(), src, classifier.DefaultOptions())
	require.ErrorIs(t, err, model.ErrDataset)
	require.False(t, holder.Ready())

	sw := newFakeSwitch([]model.FlowStatsSample{sample("10.0.0.9", "10.0.0.2", 20000)}, -1)
	h := newDetectHarness(t, holder, sw)
	h.reg.Register(1)

	h.mgr.Start(context.Background())
	require.Eventually(t, func() bool {
		requests, _ := sw.counts()
		return requests >= 3
	}, 2*time.Second, 5*time.Millisecond)
	h.mgr.Stop()

	_, rules := sw.counts()
	assert.Zero(t, rules)
	assert.Positive(t, testutil.ToFloat64(h.metrics.PredictSkipped.WithLabelValues("model_unavailable")))

	_, err = holder.Predict(make(model.FeatureVector, model.NumFeatures))
	assert.ErrorIs(t, err, model.ErrModelUnavailable)
}

func TestFeatureMismatchSkipsPrediction(t *testing.T) {
	rows := []model.TrainingRow{}
	for i := 0; i < 20; i++ {
		rows = append(rows, model.TrainingRow{Features: model.FeatureVector{float64(i), 1, 2}, Label: i % 2})
	}
	narrow, report, err := classifier.Train(rows, classifier.DefaultOptions())
	require.NoError(t, err)
	holder := classifier.NewHolder()
	holder.Swap(narrow, report)

	sw := newFakeSwitch([]model.FlowStatsSample{sample("10.0.0.9", "10.0.0.2", 20000)}, 1)
	h := newDetectHarness(t, holder, sw)
	h.reg.Register(4)

	h.mgr.Start(context.Background())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.PredictSkipped.WithLabelValues("feature_mismatch")) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	h.mgr.Stop()

	_, rules := sw.counts()
	assert.Zero(t, rules)
	devs := h.mgr.Devices()
	require.Len(t, devs, 1)
	assert.Contains(t, devs[0].LastSkip, "feature mismatch")
}

type memWriter struct {
	mu     sync.Mutex
	rows   int
	labels []int
	closed bool
}

func (w *memWriter) Write(records []model.FlowRecord, label int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows += len(records)
	w.labels = append(w.labels, label)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

type fakeTransport struct{ unsubscribed bool }

func (f *fakeTransport) Unsubscribe() { f.unsubscribed = true }

func TestCollectModeRecordsLabeledRows(t *testing.T) {
	cfg := testConfig(config.ModeCollect)
	cfg.Controller.CollectLabel = 1
	sw := newFakeSwitch([]model.FlowStatsSample{
		sample("10.0.0.1", "10.0.0.2", 10),
		sample("10.0.0.3", "10.0.0.4", 10),
		{Priority: 65535},
	}, 1)
	w := &memWriter{}
	tr := &fakeTransport{}
	reg := registry.New(nil)
	reg.Register(1)
	reg.Register(2)

	mgr, err := NewManager(cfg, Deps{Registry: reg, Control: sw, Transport: tr, Writer: w, Metrics: metrics.New()})
	require.NoError(t, err)
	sw.mgr = mgr

	mgr.Start(context.Background())
	require.Eventually(t, func() bool { return w.count() == 4 }, 2*time.Second, 5*time.Millisecond)
	mgr.Stop()
	mgr.Stop()

	assert.True(t, w.closed)
	assert.True(t, tr.unsubscribed)
	assert.Equal(t, []int{1, 1}, w.labels)
	_, rules := sw.counts()
	assert.Zero(t, rules)
}

func TestSubmitDropsWhenFullOrStopped(t *testing.T) {
	cfg := testConfig(config.ModeCollect)
	cfg.Controller.SizeOfReplyChan = 1
	m := metrics.New()
	mgr, err := NewManager(cfg, Deps{Registry: registry.New(nil), Control: newFakeSwitch(nil, 0), Writer: &memWriter{}, Metrics: m})
	require.NoError(t, err)

	assert.True(t, mgr.Submit(model.StatsReply{Device: 1}))
	assert.False(t, mgr.Submit(model.StatsReply{Device: 1}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepliesDropped))

	mgr.Start(context.Background())
	mgr.Stop()
	assert.False(t, mgr.Submit(model.StatsReply{Device: 1}))
}

func TestStaleRepliesAreDiscarded(t *testing.T) {
	cfg := testConfig(config.ModeCollect)
	w := &memWriter{}
	m := metrics.New()
	mgr, err := NewManager(cfg, Deps{Registry: registry.New(nil), Control: newFakeSwitch(nil, 0), Writer: w, Metrics: m})
	require.NoError(t, err)

	mgr.Start(context.Background())
	mgr.Submit(model.StatsReply{Device: 1, Token: "never-issued", Samples: []model.FlowStatsSample{sample("10.0.0.1", "10.0.0.2", 1)}})
	mgr.Stop()

	assert.Zero(t, w.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepliesHandled))
}

func TestNewManagerValidatesDeps(t *testing.T) {
	reg := registry.New(nil)
	sw := newFakeSwitch(nil, 0)

	_, err := NewManager(testConfig(config.ModeDetect), Deps{Registry: reg, Control: sw, Metrics: metrics.New()})
	assert.Error(t, err)

	_, err = NewManager(testConfig(config.ModeCollect), Deps{Registry: reg, Control: sw, Metrics: metrics.New()})
	assert.Error(t, err)

	cfg := testConfig(config.ModeCollect)
	cfg.Controller.PollInterval = "soon"
	_, err = NewManager(cfg, Deps{Registry: reg, Control: sw, Writer: &memWriter{}, Metrics: metrics.New()})
	assert.Error(t, err)
}
