package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-dev/parley/internal/domain"
	"github.com/parley-dev/parley/internal/domain/session"
)

// Store implements storage.Store using PostgreSQL. The message log and
// token counters live in JSONB columns; Write replaces the whole record in
// one statement, so readers never observe a half-written session.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) LoadMetadata(ctx context.Context, workspaceID string) ([]session.Metadata, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, workspace_id, name, backend_session_id, has_unread, token_usage, created_at, updated_at
		 FROM sessions WHERE workspace_id = $1 ORDER BY updated_at DESC`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	defer rows.Close()

	var metas []session.Metadata
	for rows.Next() {
		var m session.Metadata
		var usage []byte
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.Name, &m.BackendSessionID, &m.HasUnread, &usage, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session metadata: %w", err)
		}
		if err := json.Unmarshal(usage, &m.TokenUsage); err != nil {
			return nil, fmt.Errorf("decode token usage for %s: %w", m.ID, err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

func (s *Store) LoadMessages(ctx context.Context, workspaceID, sessionID string) (*session.Record, error) {
	var rec session.Record
	var messages, usage []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, workspace_id, root_path, name, backend_session_id, messages, token_usage,
		        model, permission_mode, thinking_level, enabled_integrations,
		        has_unread, last_read_message_id, created_at, updated_at
		 FROM sessions WHERE id = $1 AND workspace_id = $2`,
		sessionID, workspaceID,
	).Scan(&rec.ID, &rec.WorkspaceID, &rec.RootPath, &rec.Name, &rec.BackendSessionID, &messages, &usage,
		&rec.Model, &rec.PermissionMode, &rec.ThinkingLevel, &rec.EnabledIntegrations,
		&rec.HasUnread, &rec.LastReadMessageID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load session %s: %w", sessionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	if err := json.Unmarshal(messages, &rec.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", sessionID, err)
	}
	if err := json.Unmarshal(usage, &rec.TokenUsage); err != nil {
		return nil, fmt.Errorf("decode token usage for %s: %w", sessionID, err)
	}
	return &rec, nil
}

func (s *Store) Write(ctx context.Context, rec *session.Record) error {
	messages, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("encode messages for %s: %w", rec.ID, err)
	}
	usage, err := json.Marshal(rec.TokenUsage)
	if err != nil {
		return fmt.Errorf("encode token usage for %s: %w", rec.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, workspace_id, root_path, name, backend_session_id, messages, token_usage,
		                       model, permission_mode, thinking_level, enabled_integrations,
		                       has_unread, last_read_message_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     backend_session_id = EXCLUDED.backend_session_id,
		     messages = EXCLUDED.messages,
		     token_usage = EXCLUDED.token_usage,
		     model = EXCLUDED.model,
		     permission_mode = EXCLUDED.permission_mode,
		     thinking_level = EXCLUDED.thinking_level,
		     enabled_integrations = EXCLUDED.enabled_integrations,
		     has_unread = EXCLUDED.has_unread,
		     last_read_message_id = EXCLUDED.last_read_message_id,
		     updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.WorkspaceID, rec.RootPath, rec.Name, rec.BackendSessionID, messages, usage,
		rec.Model, rec.PermissionMode, rec.ThinkingLevel, pgTextArray(rec.EnabledIntegrations),
		rec.HasUnread, rec.LastReadMessageID, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, workspaceID, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND workspace_id = $2`,
		sessionID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete session %s: %w", sessionID, domain.ErrNotFound)
	}
	return nil
}

// pgTextArray converts a string slice to a pgx-compatible text array.
// nil slices become empty arrays to avoid SQL NULL.
func pgTextArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
