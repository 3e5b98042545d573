// Package southbound connects the controller to the devices through a NATS
// relay. Each device agent publishes its connection events and flow stats
// replies, and subscribes to its own request and flow-mod subjects.
package southbound

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/model"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects derives the NATS subjects from a prefix.
type Subjects struct {
	Prefix string
}

// DeviceEvents is where agents announce connects and disconnects.
func (s Subjects) DeviceEvents() string { return s.Prefix + ".device.events" }

// StatsRequest is where a device receives flow counter requests.
func (s Subjects) StatsRequest(device model.DeviceID) string {
	return fmt.Sprintf("%s.stats.request.%s", s.Prefix, device)
}

// StatsReply is where all devices publish their counter replies.
func (s Subjects) StatsReply() string { return s.Prefix + ".stats.reply" }

// FlowMod is where a device receives rule installations.
func (s Subjects) FlowMod(device model.DeviceID) string {
	return fmt.Sprintf("%s.flowmod.%s", s.Prefix, device)
}

// ReplyHandler receives decoded stats replies. It runs on the NATS delivery
// goroutine and must not block.
type ReplyHandler func(reply model.StatsReply)

// Publisher is the part of a NATS connection the adapter writes to.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Adapter implements model.DeviceControl over NATS.
type Adapter struct {
	nc       *nats.Conn
	pub      Publisher
	subjects Subjects

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials the NATS server named in cfg.
func Connect(cfg config.SouthboundConfig) (*Adapter, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("ns-guard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	slog.Info("Connected to NATS server", "url", cfg.NATSURL, "prefix", cfg.SubjectPrefix)
	a := NewAdapter(nc, cfg.SubjectPrefix)
	a.nc = nc
	return a, nil
}

// NewAdapter wraps an existing publisher. Subscriptions are only available
// when the adapter was created by Connect.
func NewAdapter(pub Publisher, prefix string) *Adapter {
	return &Adapter{pub: pub, subjects: Subjects{Prefix: prefix}}
}

// Subjects returns the subject scheme in use.
func (a *Adapter) Subjects() Subjects { return a.subjects }

// RequestFlowCounters publishes a flow stats request to the device.
func (a *Adapter) RequestFlowCounters(ctx context.Context, device model.DeviceID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeStatsRequest(StatsRequest{Device: device, Token: token, SentAt: time.Now()})
	if err != nil {
		return err
	}
	return a.pub.Publish(a.subjects.StatsRequest(device), data)
}

// InstallRule publishes an add flow-mod carrying the blocking rule.
func (a *Adapter) InstallRule(ctx context.Context, device model.DeviceID, rule model.MitigationRule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := EncodeFlowMod(FlowMod{Device: device, Command: FlowModAdd, Rule: rule})
	return a.pub.Publish(a.subjects.FlowMod(device), data)
}

// HandleDeviceEvent decodes one event message and notifies listener.
func HandleDeviceEvent(data []byte, listener model.DeviceListener) error {
	ev, err := DecodeDeviceEvent(data)
	if err != nil {
		return fmt.Errorf("failed to decode device event: %w", err)
	}
	switch ev.State {
	case StateConnected:
		listener.DeviceConnected(ev.Device)
	case StateDisconnected:
		listener.DeviceDisconnected(ev.Device)
	default:
		return fmt.Errorf("device %s: unknown state %d", ev.Device, ev.State)
	}
	return nil
}

// SubscribeDevices feeds connect and disconnect events to listener.
func (a *Adapter) SubscribeDevices(listener model.DeviceListener) error {
	return a.subscribe(a.subjects.DeviceEvents(), func(msg *nats.Msg) {
		if err := HandleDeviceEvent(msg.Data, listener); err != nil {
			slog.Warn("Dropping device event", "error", err)
		}
	})
}

// SubscribeReplies feeds decoded stats replies to handler.
func (a *Adapter) SubscribeReplies(handler ReplyHandler) error {
	return a.subscribe(a.subjects.StatsReply(), func(msg *nats.Msg) {
		reply, err := DecodeStatsReply(msg.Data)
		if err != nil {
			slog.Warn("Error unmarshalling stats reply", "error", err)
			return
		}
		// Arrival is stamped with the controller's clock.
		reply.ReceivedAt = time.Now()
		handler(reply)
	})
}

func (a *Adapter) subscribe(subject string, cb nats.MsgHandler) error {
	if a.nc == nil {
		return fmt.Errorf("adapter has no NATS connection")
	}
	sub, err := a.nc.Subscribe(subject, cb)
	if err != nil {
		return fmt.Errorf("failed to subscribe to '%s': %w", subject, err)
	}
	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
	slog.Info("Subscribed to subject", "subject", subject)
	return nil
}

// Unsubscribe stops all deliveries. Publishing keeps working.
func (a *Adapter) Unsubscribe() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("Failed to unsubscribe", "subject", sub.Subject, "error", err)
		}
	}
	a.subs = nil
}

// Close unsubscribes, flushes pending publishes and closes the connection.
func (a *Adapter) Close() {
	a.Unsubscribe()
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
		slog.Info("NATS connection drained and closed.")
	}
}
