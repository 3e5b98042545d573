package query

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/model"
	"Go2FlowGuard/internal/storage"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// DefaultLimit caps history queries that do not set one.
const DefaultLimit = 100

// MaxLimit is the largest accepted limit.
const MaxLimit = 10000

// MitigationFilter selects rows of the mitigation audit.
type MitigationFilter struct {
	Device  model.DeviceID
	SrcIP   string
	DstIP   string
	Outcome string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// DatasetSummary aggregates the recorded training rows of one label.
type DatasetSummary struct {
	Label        uint8     `json:"label"`
	Rows         uint64    `json:"rows"`
	Flows        uint64    `json:"flows"`
	Devices      uint64    `json:"devices"`
	TotalPackets uint64    `json:"total_packets"`
	TotalBytes   uint64    `json:"total_bytes"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// Querier defines the interface for querying recorded flows and mitigations.
type Querier interface {
	Mitigations(ctx context.Context, f MitigationFilter) ([]model.MitigationEvent, error)
	DatasetSummary(ctx context.Context, since, until time.Time) ([]DatasetSummary, error)
	Close() error
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := storage.ConnectClickHouse(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

// Mitigations returns the newest audit events matching f.
func (q *clickhouseQuerier) Mitigations(ctx context.Context, f MitigationFilter) ([]model.MitigationEvent, error) {
	query, args, err := buildMitigationQuery(f)
	if err != nil {
		return nil, err
	}

	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var events []model.MitigationEvent
	for rows.Next() {
		var (
			ev      model.MitigationEvent
			device  uint64
			outcome string
		)
		if err := rows.Scan(&ev.Time, &device, &ev.FlowID, &ev.Rule.SrcIP, &ev.Rule.DstIP,
			&ev.Rule.Priority, &ev.Rule.IdleTimeout, &ev.Rule.HardTimeout, &outcome, &ev.Error); err != nil {
			return nil, fmt.Errorf("failed to scan mitigation event: %w", err)
		}
		ev.Device = model.DeviceID(device)
		ev.Outcome = model.MitigationOutcome(outcome)
		ev.Rule.EthType = model.EthTypeIPv4
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DatasetSummary groups the flow_stats mirror by label. A flow is counted
// once per device no matter how many cycles recorded it.
func (q *clickhouseQuerier) DatasetSummary(ctx context.Context, since, until time.Time) ([]DatasetSummary, error) {
	query, args := buildDatasetQuery(since, until)

	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []DatasetSummary
	for rows.Next() {
		var s DatasetSummary
		if err := rows.Scan(&s.Label, &s.Rows, &s.Flows, &s.Devices, &s.TotalPackets, &s.TotalBytes, &s.FirstSeen, &s.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan dataset summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q *clickhouseQuerier) Close() error {
	return q.conn.Close()
}

func buildMitigationQuery(f MitigationFilter) (string, []any, error) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT Timestamp, DatapathID, FlowID, SrcIP, DstIP, Priority, IdleTimeout, HardTimeout, Outcome, Error
		FROM mitigation_events
	`)

	var whereClauses []string
	args := []any{}

	if f.Device != 0 {
		whereClauses = append(whereClauses, "DatapathID = ?")
		args = append(args, uint64(f.Device))
	}
	if f.SrcIP != "" {
		whereClauses = append(whereClauses, "SrcIP = ?")
		args = append(args, f.SrcIP)
	}
	if f.DstIP != "" {
		whereClauses = append(whereClauses, "DstIP = ?")
		args = append(args, f.DstIP)
	}
	if f.Outcome != "" {
		switch model.MitigationOutcome(f.Outcome) {
		case model.OutcomeInstalled, model.OutcomeSuppressed, model.OutcomeFailed:
		default:
			return "", nil, fmt.Errorf("unsupported outcome: %s", f.Outcome)
		}
		whereClauses = append(whereClauses, "Outcome = ?")
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		whereClauses = append(whereClauses, "Timestamp >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		whereClauses = append(whereClauses, "Timestamp <= ?")
		args = append(args, f.Until)
	}

	if len(whereClauses) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	fmt.Fprintf(&queryBuilder, " ORDER BY Timestamp DESC LIMIT %d", limit)
	return queryBuilder.String(), args, nil
}

func buildDatasetQuery(since, until time.Time) (string, []any) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT
			Label,
			SUM(Samples) AS Rows,
			count() AS Flows,
			uniqExact(DatapathID) AS Devices,
			SUM(FlowPackets) AS TotalPackets,
			SUM(FlowBytes) AS TotalBytes,
			min(FlowFirstSeen) AS FirstSeen,
			max(FlowLastSeen) AS LastSeen
		FROM (
			SELECT
				Label,
				DatapathID,
				FlowID,
				count() AS Samples,
				argMax(PacketCount, Timestamp) AS FlowPackets,
				argMax(ByteCount, Timestamp) AS FlowBytes,
				min(Timestamp) AS FlowFirstSeen,
				max(Timestamp) AS FlowLastSeen
			FROM flow_stats
	`)

	var whereClauses []string
	args := []any{}
	if !since.IsZero() {
		whereClauses = append(whereClauses, "Timestamp >= ?")
		args = append(args, since)
	}
	if !until.IsZero() {
		whereClauses = append(whereClauses, "Timestamp <= ?")
		args = append(args, until)
	}
	if len(whereClauses) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}

	queryBuilder.WriteString(`
			GROUP BY Label, DatapathID, FlowID
		)
		GROUP BY Label
		ORDER BY Label
	`)
	return queryBuilder.String(), args
}
