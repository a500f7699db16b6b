package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"Go2NetGraph/internal/config"
	"Go2NetGraph/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// SessionSummary totals the latest archived state of every flow of a session.
type SessionSummary struct {
	SessionID    string `json:"session_id"`
	SessionName  string `json:"session_name"`
	FlowCount    uint64 `json:"flow_count"`
	TotalPackets uint64 `json:"total_packets"`
	TotalBytes   uint64 `json:"total_bytes"`
}

// Querier reads the flow archive.
type Querier interface {
	Sessions(ctx context.Context, until time.Time) ([]SessionSummary, error)
	FlowHistory(ctx context.Context, sessionID, fid string, limit int) ([]model.FlowRecord, error)
}

type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(ctx context.Context, cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

// Sessions aggregates the last archived row of every flow per session.
// A zero until means no upper bound.
func (q *clickhouseQuerier) Sessions(ctx context.Context, until time.Time) ([]SessionSummary, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT
			SessionID,
			any(SessionName) AS Name,
			COUNT(*) AS FlowCount,
			SUM(LatestPackets) AS TotalPackets,
			SUM(LatestBytes) AS TotalBytes
		FROM (
			SELECT
				SessionID,
				SessionName,
				argMax(PacketCount, Timestamp) AS LatestPackets,
				argMax(DataTransferred, Timestamp) AS LatestBytes
			FROM sniffer_flows
	`)

	args := []interface{}{}
	if !until.IsZero() {
		sb.WriteString(" WHERE Timestamp <= ?")
		args = append(args, until)
	}
	sb.WriteString(`
			GROUP BY SessionID, SessionName, FID
		)
		GROUP BY SessionID
		ORDER BY SessionID
	`)

	rows, err := q.conn.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.SessionID, &s.SessionName, &s.FlowCount, &s.TotalPackets, &s.TotalBytes); err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FlowHistory returns archived rows of a session, newest first. An empty
// fid selects every flow.
func (q *clickhouseQuerier) FlowHistory(ctx context.Context, sessionID, fid string, limit int) ([]model.FlowRecord, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT FID, FlowStart, SrcAddr, SrcPort, DstAddr, DstPort, Protocol,
		       PacketCount, DataTransferred, TLS, FlowType, Info
		FROM sniffer_flows
		WHERE SessionID = ?`)
	args := []interface{}{sessionID}
	if fid != "" {
		sb.WriteString(" AND FID = ?")
		args = append(args, fid)
	}
	sb.WriteString(" ORDER BY Timestamp DESC, FID")
	if limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}

	rows, err := q.conn.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.FlowRecord
	for rows.Next() {
		var r model.FlowRecord
		if err := rows.Scan(&r.FID, &r.Timestamp, &r.SrcAddr, &r.SrcPort, &r.DstAddr, &r.DstPort, &r.Protocol,
			&r.PacketCount, &r.DataTransferred, &r.TLS, &r.DecodedType, &r.Info); err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
