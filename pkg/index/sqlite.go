package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"permagate/pkg/types"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS headers (
		id           TEXT PRIMARY KEY,
		data_root    TEXT NOT NULL DEFAULT '',
		data_size    INTEGER NOT NULL DEFAULT 0,
		content_type TEXT NOT NULL DEFAULT '',
		parent       TEXT NOT NULL DEFAULT '',
		tags         TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS headers_parent ON headers (parent)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		data_root    TEXT NOT NULL,
		chunk_offset INTEGER NOT NULL,
		chunk_size   INTEGER NOT NULL,
		data_size    INTEGER NOT NULL,
		PRIMARY KEY (data_root, chunk_offset)
	)`,
	`CREATE TABLE IF NOT EXISTS bundle_status (
		id         TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	)`,
}

// SQLiteIndex is the local index, backed by one SQLite file.
type SQLiteIndex struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the index at path and applies the
// schema.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate index: %w", err)
		}
	}

	logger.Info("Index opened", zap.String("path", path))
	return &SQLiteIndex{db: db, logger: logger}, nil
}

func (s *SQLiteIndex) GetHeader(ctx context.Context, id string) (*types.ContentHeader, error) {
	var h types.ContentHeader
	var tags string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, data_root, data_size, content_type, parent, tags FROM headers WHERE id = ?`, id,
	).Scan(&h.ID, &h.DataRoot, &h.DataSize, &h.ContentType, &h.Parent, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("no header for %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query header: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &h.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags for %s: %w", id, err)
	}
	return &h, nil
}

func (s *SQLiteIndex) GetChunkLocations(ctx context.Context, root string) ([]types.ChunkLocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data_root, data_size, chunk_offset, chunk_size FROM chunks WHERE data_root = ? ORDER BY chunk_offset`, root)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var locs []types.ChunkLocation
	for rows.Next() {
		var loc types.ChunkLocation
		if err := rows.Scan(&loc.DataRoot, &loc.DataSize, &loc.Offset, &loc.ChunkSize); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		locs = append(locs, loc)
	}
	return locs, rows.Err()
}

func (s *SQLiteIndex) PutHeader(ctx context.Context, h types.ContentHeader) error {
	tags, err := json.Marshal(h.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	if h.Tags == nil {
		tags = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO headers (id, data_root, data_size, content_type, parent, tags)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			data_root = excluded.data_root,
			data_size = excluded.data_size,
			content_type = excluded.content_type,
			parent = excluded.parent,
			tags = excluded.tags`,
		h.ID, h.DataRoot, h.DataSize, h.ContentType, h.Parent, string(tags))
	if err != nil {
		return fmt.Errorf("failed to store header %s: %w", h.ID, err)
	}
	return nil
}

// PutHeaders stores a batch of headers in one transaction.
func (s *SQLiteIndex) PutHeaders(ctx context.Context, headers []types.ContentHeader) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO headers (id, data_root, data_size, content_type, parent, tags)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare header insert: %w", err)
	}
	defer stmt.Close()

	for _, h := range headers {
		tags, err := json.Marshal(h.Tags)
		if err != nil || h.Tags == nil {
			tags = []byte("[]")
		}
		if _, err := stmt.ExecContext(ctx, h.ID, h.DataRoot, h.DataSize, h.ContentType, h.Parent, string(tags)); err != nil {
			return fmt.Errorf("failed to store header %s: %w", h.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) PutChunkLocation(ctx context.Context, loc types.ChunkLocation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chunks (data_root, chunk_offset, chunk_size, data_size) VALUES (?, ?, ?, ?)`,
		loc.DataRoot, loc.Offset, loc.ChunkSize, loc.DataSize)
	if err != nil {
		return fmt.Errorf("failed to store chunk location: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) SetBundleStatus(ctx context.Context, id, status string, attempts int, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bundle_status (id, status, attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		id, status, attempts, lastErr, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record bundle status: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) GetBundleStatus(ctx context.Context, id string) (*BundleStatus, error) {
	var st BundleStatus
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, attempts, last_error, updated_at FROM bundle_status WHERE id = ?`, id,
	).Scan(&st.ID, &st.Status, &st.Attempts, &st.LastError, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("no bundle status for %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bundle status: %w", err)
	}
	st.UpdatedAt = time.Unix(updated, 0)
	return &st, nil
}

func (s *SQLiteIndex) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
