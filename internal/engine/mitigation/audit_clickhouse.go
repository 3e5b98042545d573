package mitigation

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/model"
	"Go2FlowGuard/internal/storage"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createMitigationEventsStatement = `
CREATE TABLE IF NOT EXISTS mitigation_events (
    Timestamp   DateTime64(3),
    DatapathID  UInt64,
    FlowID      String,
    SrcIP       String,
    DstIP       String,
    Priority    UInt16,
    IdleTimeout UInt16,
    HardTimeout UInt16,
    Outcome     LowCardinality(String),
    Error       String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (DatapathID, Timestamp);
`

const (
	auditBufferSize    = 1024
	auditBatchSize     = 256
	auditFlushInterval = 5 * time.Second
)

// AuditSink stores mitigation events in ClickHouse. Events are queued and
// inserted in batches by a background goroutine; when the queue is full new
// events are dropped.
type AuditSink struct {
	conn   driver.Conn
	events chan model.MitigationEvent
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAuditSink connects to ClickHouse, ensures the table exists and starts
// the flusher.
func NewAuditSink(cfg config.ClickHouseConfig) (*AuditSink, error) {
	conn, err := storage.ConnectClickHouse(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createMitigationEventsStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	slog.Info("Mitigation audit enabled", "host", cfg.Host, "database", cfg.Database)

	s := &AuditSink{conn: conn, events: make(chan model.MitigationEvent, auditBufferSize)}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Record implements model.EventSink.
func (s *AuditSink) Record(ev model.MitigationEvent) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("Mitigation audit queue full, dropping event", "device", ev.Device, "flow_id", ev.FlowID)
	}
}

func (s *AuditSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	batch := make([]model.MitigationEvent, 0, auditBatchSize)
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= auditBatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			s.flush(batch)
			batch = batch[:0]
		}
	}
}

func (s *AuditSink) flush(events []model.MitigationEvent) {
	if len(events) == 0 {
		return
	}
	batch, err := s.conn.PrepareBatch(context.Background(), "INSERT INTO mitigation_events")
	if err != nil {
		slog.Error("Failed to prepare audit batch", "error", err)
		return
	}
	for _, ev := range events {
		err := batch.Append(
			ev.Time,
			uint64(ev.Device),
			ev.FlowID,
			ev.Rule.SrcIP,
			ev.Rule.DstIP,
			ev.Rule.Priority,
			ev.Rule.IdleTimeout,
			ev.Rule.HardTimeout,
			string(ev.Outcome),
			ev.Error,
		)
		if err != nil {
			slog.Error("Failed to append audit event", "error", err)
			return
		}
	}
	if err := batch.Send(); err != nil {
		slog.Error("Failed to send audit batch", "error", err)
		return
	}
	slog.Debug("Wrote mitigation events to ClickHouse", "events", len(events))
}

// Close flushes queued events and closes the connection. Record must not be
// called after Close.
func (s *AuditSink) Close() error {
	s.once.Do(func() { close(s.events) })
	s.wg.Wait()
	return s.conn.Close()
}
