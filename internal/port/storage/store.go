// Package storage defines the durable session store port.
package storage

import (
	"context"

	"github.com/parley-dev/parley/internal/domain/session"
)

// Store persists session records per workspace. Implementations must make
// Write atomic per session: a read never observes a half-written record.
type Store interface {
	// LoadMetadata returns the metadata of every session in a workspace,
	// without loading message logs.
	LoadMetadata(ctx context.Context, workspaceID string) ([]session.Metadata, error)

	// LoadMessages returns the full stored record for one session, or
	// domain.ErrNotFound.
	LoadMessages(ctx context.Context, workspaceID, sessionID string) (*session.Record, error)

	// Write stores the full session record, replacing any prior version.
	Write(ctx context.Context, rec *session.Record) error

	// Delete removes the session's storage artifacts.
	Delete(ctx context.Context, workspaceID, sessionID string) error
}
