package dataset

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/model"
	"Go2FlowGuard/internal/storage"
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

func init() {
	RegisterWriter("clickhouse", func(def config.DatasetWriterDef) (model.DatasetWriter, error) {
		return NewClickHouseWriter(def.ClickHouse)
	})
}

const createFlowStatsStatement = `
CREATE TABLE IF NOT EXISTS flow_stats (
    Timestamp               DateTime64(6),
    DatapathID              UInt64,
    FlowID                  String,
    SrcIP                   String,
    SrcPort                 UInt16,
    DstIP                   String,
    DstPort                 UInt16,
    IPProto                 UInt8,
    ICMPCode                Int16,
    ICMPType                Int16,
    DurationSec             UInt32,
    DurationNsec            UInt32,
    IdleTimeout             UInt16,
    HardTimeout             UInt16,
    Flags                   UInt16,
    PacketCount             UInt64,
    ByteCount               UInt64,
    PacketCountPerSecond    Float64,
    PacketCountPerNsecond   Float64,
    ByteCountPerSecond      Float64,
    ByteCountPerNsecond     Float64,
    Label                   UInt8
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (DatapathID, Timestamp);
`

// ClickHouseWriter mirrors training rows into the flow_stats table.
type ClickHouseWriter struct {
	conn driver.Conn
}

// NewClickHouseWriter connects to ClickHouse and ensures flow_stats exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig) (*ClickHouseWriter, error) {
	conn, err := storage.ConnectClickHouse(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), createFlowStatsStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	slog.Info("Connected to ClickHouse and ensured flow_stats exists", "host", cfg.Host, "database", cfg.Database)

	return &ClickHouseWriter{conn: conn}, nil
}

// Write inserts one polling cycle worth of records in a single batch.
func (w *ClickHouseWriter) Write(records []model.FlowRecord, label int) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO flow_stats")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		s := rec.Sample
		err = batch.Append(
			rec.Timestamp,
			uint64(rec.Device),
			rec.FlowID,
			rec.SrcIP,
			rec.SrcPort,
			rec.DstIP,
			rec.DstPort,
			rec.Protocol,
			int16(rec.ICMPCode),
			int16(rec.ICMPType),
			s.DurationSec,
			s.DurationNsec,
			s.IdleTimeout,
			s.HardTimeout,
			s.Flags,
			s.PacketCount,
			s.ByteCount,
			rec.Features[7],
			rec.PacketRateNsec,
			rec.Features[8],
			rec.ByteRateNsec,
			uint8(label),
		)
		if err != nil {
			return fmt.Errorf("failed to append flow to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	slog.Debug("Wrote flows to ClickHouse", "rows", len(records))
	return nil
}

// Close releases the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
