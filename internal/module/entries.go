package module

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"Go2NetGraph/internal/config"
	"Go2NetGraph/internal/model"

	"github.com/redis/go-redis/v9"
)

// EntryStore keeps one expiring JSON entry per (session, module).
type EntryStore interface {
	Load(ctx context.Context, sessionID, module string, v interface{}) error
	Save(ctx context.Context, sessionID, module string, v interface{}, ttl time.Duration) error
}

func entryKey(sessionID, module string) string {
	return "module:" + sessionID + ":" + module
}

// RedisEntryStore stores entries as JSON strings with a Redis expiry.
type RedisEntryStore struct {
	cli *redis.Client
}

func NewRedisEntryStore(ctx context.Context, cfg config.RedisConfig) (*RedisEntryStore, error) {
	cli := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisEntryStore{cli: cli}, nil
}

func (r *RedisEntryStore) Load(ctx context.Context, sessionID, module string, v interface{}) error {
	data, err := r.cli.Get(ctx, entryKey(sessionID, module)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (r *RedisEntryStore) Save(ctx context.Context, sessionID, module string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	return r.cli.Set(ctx, entryKey(sessionID, module), data, ttl).Err()
}

func (r *RedisEntryStore) Close() error {
	return r.cli.Close()
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryEntryStore is the process-local EntryStore.
type MemoryEntryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryEntryStore) Load(_ context.Context, sessionID, module string, v interface{}) error {
	m.mu.Lock()
	e, ok := m.entries[entryKey(sessionID, module)]
	if ok && !m.now().Before(e.expires) {
		delete(m.entries, entryKey(sessionID, module))
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return model.ErrNotFound
	}
	return json.Unmarshal(e.data, v)
}

func (m *MemoryEntryStore) Save(_ context.Context, sessionID, module string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	m.mu.Lock()
	m.entries[entryKey(sessionID, module)] = memoryEntry{data: data, expires: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}
