package archive

import (
	"context"
	"fmt"
	"time"

	"Go2NetGraph/internal/config"
	"Go2NetGraph/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS sniffer_flows (
    Timestamp       DateTime,
    SessionID       String,
    SessionName     String,
    FID             String,
    FlowStart       DateTime64(3),
    SrcAddr         String,
    SrcPort         UInt16,
    DstAddr         String,
    DstPort         UInt16,
    Protocol        String,
    PacketCount     UInt64,
    DataTransferred UInt64,
    TLS             Bool,
    FlowType        String,
    Info            String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (SessionID, FID, Timestamp);
`

// TimestampLayout is the format of ArchiveBatch.Timestamp.
const TimestampLayout = "2006-01-02_15-04-05"

// ClickHouseWriter implements the model.Writer interface for ClickHouse.
type ClickHouseWriter struct {
	conn   driver.Conn
	logger *zap.SugaredLogger
}

// NewClickHouseWriter connects and makes sure sniffer_flows exists.
func NewClickHouseWriter(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.SugaredLogger) (*ClickHouseWriter, error) {
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(ctx, createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	logger.Infow("Connected to ClickHouse", "host", cfg.Host, "database", cfg.Database)

	return &ClickHouseWriter{conn: conn, logger: logger}, nil
}

func connect(ctx context.Context, cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (w *ClickHouseWriter) Name() string { return "clickhouse" }

// Write inserts one row per flow into sniffer_flows.
func (w *ClickHouseWriter) Write(ctx context.Context, b model.ArchiveBatch) error {
	if len(b.Flows) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO sniffer_flows")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	ts, err := time.Parse(TimestampLayout, b.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}

	for _, f := range b.Flows {
		err = batch.Append(
			ts,
			b.SessionID,
			b.SessionName,
			f.FID,
			f.Timestamp,
			f.SrcAddr,
			f.SrcPort,
			f.DstAddr,
			f.DstPort,
			f.Protocol,
			f.PacketCount,
			f.DataTransferred,
			f.TLS,
			f.DecodedType,
			f.Info,
		)
		if err != nil {
			return fmt.Errorf("failed to append flow to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	w.logger.Infow("Archived flows to ClickHouse", "session", b.SessionName, "flows", len(b.Flows))
	return nil
}

func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
