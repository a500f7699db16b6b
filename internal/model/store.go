package model

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when a session record does not exist.
var ErrNotFound = errors.New("not found")

// EntityStore is the durable graph/entity store.
type EntityStore interface {
	// AddText classifies value and creates or fetches the matching node.
	// It returns a nil node and no error when value is not an entity.
	AddText(ctx context.Context, value string) (*Node, error)
	// Get fetches a node by value; nil when absent.
	Get(ctx context.Context, value string) (*Node, error)
	// Connect creates or refreshes the edge src->dst with label. It is
	// idempotent on the recomputed edge id.
	Connect(ctx context.Context, src, dst *Node, label string) (*Edge, error)

	SaveSession(ctx context.Context, rec *SessionRecord) error
	LoadSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error

	Close(ctx context.Context) error
}
