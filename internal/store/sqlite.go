package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"Go2NetGraph/internal/model"
)

// SQLiteStore is an embedded entity store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and creates the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serialises anyway
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the tables if they do not exist.
func (s *SQLiteStore) Init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			value TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS edges (
			id TEXT PRIMARY KEY,
			src TEXT NOT NULL,
			dst TEXT NOT NULL,
			label TEXT NOT NULL,
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_edges_src ON edges(src);`,
		`CREATE TABLE IF NOT EXISTS sniffer_sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			filter TEXT NOT NULL,
			intercept_tls INTEGER NOT NULL,
			pcap INTEGER NOT NULL,
			public INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			packet_count INTEGER NOT NULL,
			data TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) AddText(ctx context.Context, text string) (*model.Node, error) {
	typ, value, ok := Classify(text)
	if !ok {
		return nil, nil
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO nodes(id,value,type,tags,first_seen,last_seen) VALUES(?,?,?,?,?,?)
		ON CONFLICT(value) DO UPDATE SET last_seen=excluded.last_seen`,
		uuid.NewString(), value, typ, "[]", now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert node %q: %w", value, err)
	}
	return s.Get(ctx, value)
}

func (s *SQLiteStore) Get(ctx context.Context, value string) (*model.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,value,type,tags,first_seen,last_seen FROM nodes WHERE value=?`, value)
	var n model.Node
	var tags string
	if err := row.Scan(&n.ID, &n.Value, &n.Type, &tags, &n.FirstSeen, &n.LastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %q: %w", value, err)
	}
	return &n, nil
}

func (s *SQLiteStore) Connect(ctx context.Context, src, dst *model.Node, label string) (*model.Edge, error) {
	now := time.Now().UTC()
	e := model.NewEdge(src, dst, label, now)
	_, err := s.db.ExecContext(ctx, `INSERT INTO edges(id,src,dst,label,first_seen,last_seen) VALUES(?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET last_seen=excluded.last_seen`,
		e.ID, e.Src, e.Dst, e.Label, e.FirstSeen, e.LastSeen)
	if err != nil {
		return nil, fmt.Errorf("upsert edge %s: %w", e.ID, err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT first_seen FROM edges WHERE id=?`, e.ID)
	if err := row.Scan(&e.FirstSeen); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, rec *model.SessionRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode session data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sniffer_sessions(id,name,filter,intercept_tls,pcap,public,created_at,packet_count,data)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, filter=excluded.filter, intercept_tls=excluded.intercept_tls,
			pcap=excluded.pcap, public=excluded.public, packet_count=excluded.packet_count, data=excluded.data`,
		rec.ID, rec.Name, rec.Filter, rec.InterceptTLS, rec.Pcap, rec.Public, rec.CreatedAt.UTC(), rec.PacketCount, string(data))
	return err
}

const sessionColumns = `id,name,filter,intercept_tls,pcap,public,created_at,packet_count`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner, extra ...any) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	dest := []any{&rec.ID, &rec.Name, &rec.Filter, &rec.InterceptTLS, &rec.Pcap, &rec.Public, &rec.CreatedAt, &rec.PacketCount}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*model.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+`,data FROM sniffer_sessions WHERE id=?`, id)
	var data string
	rec, err := scanSession(row, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]model.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sniffer_sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sniffer_sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}
