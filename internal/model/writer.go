package model

import "context"

// ArchiveBatch is the set of flows written to an archive on checkpoint.
type ArchiveBatch struct {
	SessionID   string
	SessionName string
	Timestamp   string
	Flows       []FlowRecord
}

// Writer defines a generic interface for archiving flow statistics.
type Writer interface {
	// Write persists the batch. Implementations must not retain it.
	Write(ctx context.Context, batch ArchiveBatch) error
	// Name identifies the writer in logs.
	Name() string
}
