package mitigation

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/engine/features"
	"Go2FlowGuard/internal/metrics"
	"Go2FlowGuard/internal/model"
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Dedup policies.
const (
	// PolicyRefresh submits the rule on every detection. Devices treat an
	// identical add as a replace, which restarts the rule timeouts.
	PolicyRefresh = "refresh"
	// PolicySuppress submits once per (device, src, dst) while the previous
	// rule is within its idle timeout.
	PolicySuppress = "suppress"
)

// Options describe the blocking rules the engine installs.
type Options struct {
	Priority    uint16
	IdleTimeout time.Duration
	HardTimeout time.Duration
	Policy      string
}

// OptionsFromConfig maps the mitigation section of the configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	idle, hard, err := cfg.MitigationTimeouts()
	if err != nil {
		return Options{}, err
	}
	if cfg.Mitigation.Priority <= 0 || cfg.Mitigation.Priority > math.MaxUint16 {
		return Options{}, fmt.Errorf("mitigation priority out of range: %d", cfg.Mitigation.Priority)
	}
	return Options{
		Priority:    uint16(cfg.Mitigation.Priority),
		IdleTimeout: idle,
		HardTimeout: hard,
		Policy:      cfg.Mitigation.DedupPolicy,
	}, nil
}

// Engine turns malicious predictions into drop rules.
type Engine struct {
	control model.DeviceControl
	opts    Options
	ledger  Ledger
	sinks   []model.EventSink
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine creates an engine. ledger is only consulted by the suppress
// policy and may be nil otherwise.
func NewEngine(control model.DeviceControl, opts Options, ledger Ledger, m *metrics.Metrics, sinks ...model.EventSink) (*Engine, error) {
	switch opts.Policy {
	case "":
		opts.Policy = PolicyRefresh
	case PolicyRefresh:
	case PolicySuppress:
		if ledger == nil {
			return nil, fmt.Errorf("the %s policy needs a rule ledger", PolicySuppress)
		}
	default:
		return nil, fmt.Errorf("unknown dedup policy: '%s'", opts.Policy)
	}
	if opts.IdleTimeout <= 0 || opts.HardTimeout <= 0 {
		return nil, fmt.Errorf("mitigation timeouts must be positive")
	}
	return &Engine{
		control: control,
		opts:    opts,
		ledger:  ledger,
		sinks:   sinks,
		metrics: m,
		now:     time.Now,
	}, nil
}

// Rule builds the drop rule for a malicious flow.
func (e *Engine) Rule(rec model.FlowRecord) model.MitigationRule {
	return model.MitigationRule{
		Priority:    e.opts.Priority,
		SrcIP:       rec.SrcIP,
		DstIP:       rec.DstIP,
		EthType:     model.EthTypeIPv4,
		IdleTimeout: seconds(e.opts.IdleTimeout),
		HardTimeout: seconds(e.opts.HardTimeout),
	}
}

// Handle acts on one prediction. Benign predictions do nothing and return
// false. For malicious ones the rule is submitted according to the dedup
// policy and the resulting event is returned. Install failures are reported
// in the event, never as a fatal error.
func (e *Engine) Handle(ctx context.Context, rec model.FlowRecord, prediction int) (model.MitigationEvent, bool) {
	if prediction != model.LabelMalicious {
		return model.MitigationEvent{}, false
	}

	rule := e.Rule(rec)
	ev := model.MitigationEvent{
		Time:   e.now(),
		Device: rec.Device,
		FlowID: rec.FlowID,
		Rule:   rule,
	}

	key := ledgerKey(rec.Device, rule)
	if e.opts.Policy == PolicySuppress {
		claimed, err := e.ledger.Claim(ctx, key, e.opts.IdleTimeout)
		if err != nil {
			slog.Warn("Rule ledger unavailable, installing anyway", "error", err)
		} else if !claimed {
			ev.Outcome = model.OutcomeSuppressed
			e.emit(ev)
			return ev, true
		}
	}

	slog.Info("Blocking flow", "device", rec.Device, "flow_id", rec.FlowID,
		"protocol", features.ProtocolName(rec.Protocol), "rule", rule.String())
	if err := e.control.InstallRule(ctx, rec.Device, rule); err != nil {
		slog.Error("Failed to install blocking rule", "device", rec.Device, "rule", rule.String(), "error", err)
		ev.Outcome = model.OutcomeFailed
		ev.Error = err.Error()
		if e.opts.Policy == PolicySuppress {
			if rerr := e.ledger.Release(ctx, key); rerr != nil {
				slog.Warn("Failed to release rule key", "error", rerr)
			}
		}
	} else {
		ev.Outcome = model.OutcomeInstalled
	}
	e.emit(ev)
	return ev, true
}

func (e *Engine) emit(ev model.MitigationEvent) {
	if e.metrics != nil {
		e.metrics.Mitigations.WithLabelValues(string(ev.Outcome)).Inc()
	}
	for _, s := range e.sinks {
		s.Record(ev)
	}
}

func ledgerKey(device model.DeviceID, rule model.MitigationRule) string {
	return fmt.Sprintf("%s|%s|%s", device, rule.SrcIP, rule.DstIP)
}

// seconds rounds d up to whole seconds within the 16-bit timeout field.
func seconds(d time.Duration) uint16 {
	s := math.Ceil(d.Seconds())
	switch {
	case s < 1:
		return 1
	case s > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(s)
}
