package poller

import (
	"Go2FlowGuard/internal/metrics"
	"Go2FlowGuard/internal/model"
	"context"
	"errors"
	"log/slog"
	"time"
)

// DeviceSource provides the set of devices to poll.
type DeviceSource interface {
	Snapshot() []model.DeviceID
}

// Observer is told when a device enters the requested state and when its
// request is dropped without a reply, either expired or never sent.
type Observer interface {
	Requested(device model.DeviceID)
	Expired(device model.DeviceID)
}

// Poller asks every connected device for its flow counters once per interval.
type Poller struct {
	devices  DeviceSource
	control  model.DeviceControl
	tracker  *Tracker
	interval time.Duration
	metrics  *metrics.Metrics
	observer Observer
}

// New creates a poller. Replies must be passed through Accept before they
// are processed.
func New(devices DeviceSource, control model.DeviceControl, tracker *Tracker, interval time.Duration, m *metrics.Metrics) *Poller {
	return &Poller{
		devices:  devices,
		control:  control,
		tracker:  tracker,
		interval: interval,
		metrics:  m,
	}
}

// SetObserver registers o for request state changes. It must be called
// before Run.
func (p *Poller) SetObserver(o Observer) {
	p.observer = o
}

// Run polls immediately and then on every tick until ctx is cancelled.
// Cancellation is observed between cycles.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	slog.Info("Stats poller started", "interval", p.interval)

	p.Cycle(ctx)
	for {
		select {
		case <-ticker.C:
			p.Cycle(ctx)
		case <-ctx.Done():
			slog.Info("Stats poller stopped")
			return
		}
	}
}

// Cycle runs one polling round: expire overdue requests, snapshot the
// registry and send one request per device. A failed send drops the
// request for this round.
func (p *Poller) Cycle(ctx context.Context) {
	p.metrics.PollCycles.Inc()

	for _, stale := range p.tracker.Expire() {
		p.metrics.StaleReplies.WithLabelValues(stale.Reason).Inc()
		slog.Warn("Flow stats request expired", "device", stale.Device, "token", stale.Token)
		if p.observer != nil {
			p.observer.Expired(stale.Device)
		}
	}

	for _, device := range p.devices.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		token := p.tracker.Issue(device)
		// The reply may be handled before RequestFlowCounters returns.
		if p.observer != nil {
			p.observer.Requested(device)
		}
		slog.Debug("Send stats request", "device", device, "token", token)
		if err := p.control.RequestFlowCounters(ctx, device, token); err != nil {
			p.tracker.Cancel(token)
			p.metrics.StatsRequests.WithLabelValues("failed").Inc()
			slog.Warn("Failed to send stats request", "device", device, "error", err)
			if p.observer != nil {
				p.observer.Expired(device)
			}
			continue
		}
		p.metrics.StatsRequests.WithLabelValues("sent").Inc()
	}
}

// Accept validates that reply answers a live request and consumes its
// token. The timeout is measured against the reply's arrival, not the time
// a worker gets to it. A *model.StaleReplyError means the reply must be
// discarded.
func (p *Poller) Accept(reply model.StatsReply) error {
	if err := p.tracker.Accept(reply.Device, reply.Token, reply.ReceivedAt); err != nil {
		var stale *model.StaleReplyError
		if errors.As(err, &stale) {
			p.metrics.StaleReplies.WithLabelValues(stale.Reason).Inc()
		}
		return err
	}
	return nil
}
