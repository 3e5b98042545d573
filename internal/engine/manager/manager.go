package manager

import (
	"Go2FlowGuard/internal/classifier"
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/engine/features"
	"Go2FlowGuard/internal/engine/mitigation"
	"Go2FlowGuard/internal/engine/poller"
	"Go2FlowGuard/internal/metrics"
	"Go2FlowGuard/internal/model"
	"Go2FlowGuard/internal/registry"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Transport is the subscription side of the control channel. It is stopped
// before the reply channel closes so no callback sends on a closed channel.
type Transport interface {
	Unsubscribe()
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Registry  *registry.Registry
	Control   model.DeviceControl
	Transport Transport
	Holder    *classifier.Holder
	// Engine is required in detect mode.
	Engine *mitigation.Engine
	// Writer is required in collect mode.
	Writer  model.DatasetWriter
	Metrics *metrics.Metrics
}

// Manager runs the polling loop and the reply worker pool.
type Manager struct {
	mode  string
	label int

	registry  *registry.Registry
	poller    *poller.Poller
	extractor *features.Extractor
	holder    *classifier.Holder
	engine    *mitigation.Engine
	writer    model.DatasetWriter
	transport Transport
	metrics   *metrics.Metrics
	states    *stateTable

	// Worker pool for concurrent reply processing
	replies    chan model.StatsReply
	numWorkers int
	workerWg   sync.WaitGroup
	closeMu    sync.RWMutex
	closed     bool

	cancel   context.CancelFunc
	pollerWg sync.WaitGroup
	stopOnce sync.Once
}

// NewManager wires the pipeline for the configured mode.
func NewManager(cfg *config.Config, deps Deps) (*Manager, error) {
	interval, err := cfg.PollInterval()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, fmt.Errorf("controller poll_interval must be a positive duration")
	}
	timeout, err := cfg.ReplyTimeout()
	if err != nil {
		return nil, err
	}
	if deps.Registry == nil || deps.Control == nil || deps.Metrics == nil {
		return nil, fmt.Errorf("manager needs a registry, a control channel and metrics")
	}

	switch cfg.Controller.Mode {
	case config.ModeDetect:
		if deps.Holder == nil || deps.Engine == nil {
			return nil, fmt.Errorf("detect mode needs a classifier and a mitigation engine")
		}
	case config.ModeCollect:
		if deps.Writer == nil {
			return nil, fmt.Errorf("collect mode needs a dataset writer")
		}
	default:
		return nil, fmt.Errorf("unknown controller mode: '%s'", cfg.Controller.Mode)
	}

	m := &Manager{
		mode:       cfg.Controller.Mode,
		label:      cfg.Controller.CollectLabel,
		registry:   deps.Registry,
		extractor:  features.NewExtractor(),
		holder:     deps.Holder,
		engine:     deps.Engine,
		writer:     deps.Writer,
		transport:  deps.Transport,
		metrics:    deps.Metrics,
		states:     newStateTable(),
		replies:    make(chan model.StatsReply, cfg.Controller.SizeOfReplyChan),
		numWorkers: cfg.Controller.NumWorkers,
	}
	m.poller = poller.New(deps.Registry, deps.Control, poller.NewTracker(timeout), interval, deps.Metrics)
	m.poller.SetObserver(m.states)
	return m, nil
}

// Mode returns "detect" or "collect".
func (m *Manager) Mode() string { return m.mode }

// Start launches the reply workers and the poller. ctx bounds the control
// channel calls of the workers; the poller is stopped by Stop.
func (m *Manager) Start(ctx context.Context) {
	m.workerWg.Add(m.numWorkers)
	for i := 0; i < m.numWorkers; i++ {
		go m.worker(ctx)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.pollerWg.Add(1)
	go func() {
		defer m.pollerWg.Done()
		m.poller.Run(pollCtx)
	}()
	slog.Info("Manager started", "mode", m.mode, "workers", m.numWorkers)
}

// Submit hands a reply to the worker pool without blocking. When the
// channel is full or the manager is stopping the reply is dropped and false
// is returned.
func (m *Manager) Submit(reply model.StatsReply) bool {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.replies <- reply:
		return true
	default:
		m.metrics.RepliesDropped.Inc()
		slog.Warn("Reply channel full, dropping stats reply", "device", reply.Device)
		return false
	}
}

// Stop shuts the pipeline down: the poller is cancelled, the transport
// unsubscribed, queued replies drained and the dataset writer closed.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		slog.Info("Manager stopping...")

		// 1. Stop polling.
		if m.cancel != nil {
			m.cancel()
		}
		m.pollerWg.Wait()

		// 2. Stop accepting new replies.
		if m.transport != nil {
			m.transport.Unsubscribe()
		}
		m.closeMu.Lock()
		m.closed = true
		close(m.replies)
		m.closeMu.Unlock()

		// 3. Wait for all workers to finish processing buffered replies.
		slog.Info("Waiting for workers to finish...")
		m.workerWg.Wait()

		// 4. Flush the dataset.
		if m.writer != nil {
			if err := m.writer.Close(); err != nil {
				slog.Error("Error closing dataset writer", "error", err)
			}
		}
		slog.Info("Manager stopped.")
	})
}

// Devices returns the pipeline state of every connected device.
func (m *Manager) Devices() []DeviceStatus {
	return m.states.snapshot(m.registry.Snapshot())
}

func (m *Manager) worker(ctx context.Context) {
	defer m.workerWg.Done()
	for reply := range m.replies {
		start := time.Now()
		m.handle(ctx, reply)
		m.metrics.RepliesHandled.Inc()
		m.metrics.ReplyDuration.Observe(time.Since(start).Seconds())
	}
}

// handle runs one reply through the per-device cycle:
// Requested -> Extracted -> Classified -> Mitigated -> Idle, or
// Extracted -> Recorded -> Idle in collect mode.
func (m *Manager) handle(ctx context.Context, reply model.StatsReply) {
	if err := m.poller.Accept(reply); err != nil {
		slog.Warn("Discarding stats reply", "error", err)
		return
	}
	defer m.states.finish(reply.Device)

	records, errs := m.extractor.Extract(reply)
	for _, err := range errs {
		m.metrics.InvalidRecords.Inc()
		slog.Warn("Skipping flow record", "device", reply.Device, "error", err)
	}
	m.metrics.FlowsExtracted.Add(float64(len(records)))
	m.states.extracted(reply.Device, reply.ReceivedAt, len(records))

	if m.mode == config.ModeCollect {
		m.record(reply.Device, records)
		return
	}
	m.classify(ctx, reply.Device, records)
}

func (m *Manager) record(device model.DeviceID, records []model.FlowRecord) {
	if len(records) == 0 {
		return
	}
	if err := m.writer.Write(records, m.label); err != nil {
		m.metrics.DatasetErrors.Inc()
		slog.Error("Error writing dataset rows", "device", device, "error", err)
		m.states.skipped(device, err.Error())
		return
	}
	m.metrics.DatasetRows.WithLabelValues(fmt.Sprint(m.label)).Add(float64(len(records)))
	m.states.set(device, PhaseRecorded)
}

func (m *Manager) classify(ctx context.Context, device model.DeviceID, records []model.FlowRecord) {
	if len(records) == 0 {
		return
	}

	var legit, ddos int
	var detections []model.FlowRecord
	for _, rec := range records {
		pred, err := m.holder.Predict(rec.Features)
		if errors.Is(err, model.ErrModelUnavailable) {
			m.metrics.PredictSkipped.WithLabelValues("model_unavailable").Add(float64(len(records)))
			slog.Debug("Classification disabled, forwarding only", "device", device)
			m.states.skipped(device, err.Error())
			return
		}
		if err != nil {
			m.metrics.PredictSkipped.WithLabelValues("feature_mismatch").Inc()
			slog.Warn("Skipping prediction", "device", device, "flow_id", rec.FlowID, "error", err)
			m.states.skipped(device, err.Error())
			continue
		}
		m.metrics.Predictions.WithLabelValues(fmt.Sprint(pred)).Inc()
		if pred == model.LabelMalicious {
			ddos++
			detections = append(detections, rec)
		} else {
			legit++
		}
	}

	total := legit + ddos
	if total == 0 {
		return
	}
	m.states.classified(device, legit, ddos)
	legitPct := fmt.Sprintf("%.2f", float64(legit)*100/float64(total))
	ddosPct := fmt.Sprintf("%.2f", float64(ddos)*100/float64(total))
	if ddos == 0 {
		slog.Info("Traffic stats", "device", device, "flows", total, "legit_pct", legitPct, "ddos_pct", ddosPct)
	} else {
		slog.Warn("Traffic stats", "device", device, "flows", total, "legit_pct", legitPct, "ddos_pct", ddosPct)
	}

	for _, rec := range detections {
		m.engine.Handle(ctx, rec, model.LabelMalicious)
	}
	if len(detections) > 0 {
		m.states.set(device, PhaseMitigated)
	}
}
