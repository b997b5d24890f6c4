// Package intentstore persists agent intent registrations and their
// embeddings in SQLite, so a restarted router can rehydrate its registry
// without re-calling the embedding API.
package intentstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"agent-router/internal/domain"
)

// Store is a SQLite-backed snapshot store for agent intents.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	dbPath string
}

// New opens (or creates) a SQLite database at dbPath, runs migrations, and
// returns a ready Store.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrSnapshotStore, err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrSnapshotStore, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrSnapshotStore, err)
	}

	return &Store{db: db, logger: logger, dbPath: dbPath}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored snapshot with the given intents. The ord column
// preserves registration order so tie-breaking survives a restart. All
// writes happen in one transaction.
func (s *Store) Save(ctx context.Context, snapshots []domain.IntentSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrSnapshotStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM intents"); err != nil {
		return fmt.Errorf("%w: clear: %v", domain.ErrSnapshotStore, err)
	}

	const insert = `
		INSERT INTO intents (agent_type, description, examples, tags, embedding, ord, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("%w: prepare: %v", domain.ErrSnapshotStore, err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for ord, snap := range snapshots {
		examples, err := json.Marshal(snap.Intent.Examples)
		if err != nil {
			return fmt.Errorf("%w: marshal examples: %v", domain.ErrSnapshotStore, err)
		}
		tags, err := json.Marshal(snap.Intent.Tags)
		if err != nil {
			return fmt.Errorf("%w: marshal tags: %v", domain.ErrSnapshotStore, err)
		}

		updatedAt := snap.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}

		_, err = stmt.ExecContext(ctx,
			snap.Intent.AgentType,
			snap.Intent.Description,
			string(examples),
			string(tags),
			float32ToBytes(snap.Embedding),
			ord,
			updatedAt.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("%w: insert intent %q: %v", domain.ErrSnapshotStore, snap.Intent.AgentType, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrSnapshotStore, err)
	}

	s.logger.Debug("intent snapshot saved", "intents", len(snapshots), "path", s.dbPath)
	return nil
}

// Load returns the stored snapshot in registration order. An empty database
// yields an empty slice, not an error.
func (s *Store) Load(ctx context.Context) ([]domain.IntentSnapshot, error) {
	const query = `
		SELECT agent_type, description, examples, tags, embedding, updated_at
		FROM intents
		ORDER BY ord ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", domain.ErrSnapshotStore, err)
	}
	defer rows.Close()

	var out []domain.IntentSnapshot
	for rows.Next() {
		var (
			snap         domain.IntentSnapshot
			examplesJSON string
			tagsJSON     string
			blob         []byte
			updatedAt    string
		)
		if err := rows.Scan(
			&snap.Intent.AgentType,
			&snap.Intent.Description,
			&examplesJSON,
			&tagsJSON,
			&blob,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrSnapshotStore, err)
		}

		// Corrupt JSON or timestamps are logged, not fatal: a partial
		// restore beats none.
		if err := json.Unmarshal([]byte(examplesJSON), &snap.Intent.Examples); err != nil {
			s.logger.Warn("intent snapshot: bad examples json", "agent_type", snap.Intent.AgentType, "error", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &snap.Intent.Tags); err != nil {
			s.logger.Warn("intent snapshot: bad tags json", "agent_type", snap.Intent.AgentType, "error", err)
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			snap.UpdatedAt = t
		}
		snap.Embedding = bytesToFloat32(blob)

		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", domain.ErrSnapshotStore, err)
	}
	return out, nil
}

// Count returns the number of stored intents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM intents").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", domain.ErrSnapshotStore, err)
	}
	return n, nil
}

// float32ToBytes converts a float32 slice to little-endian bytes.
func float32ToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32 converts little-endian bytes back to a float32 slice.
func bytesToFloat32(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
