// Package storage persists learned state (slopes, cycle cache, models,
// training examples) in a local sqlite database
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/logx"
)

// Store implements pkg.ModelStorage on sqlite. Decode failures surface as
// pkg.ErrStorageCorrupt; corrupt rows are never silently repaired.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string, logger *logx.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS slopes (
		room_id   TEXT NOT NULL,
		ts        TEXT NOT NULL,
		value     REAL NOT NULL,
		PRIMARY KEY (room_id, ts)
	);
	CREATE TABLE IF NOT EXISTS cycles (
		cycle_id  TEXT PRIMARY KEY,
		room_id   TEXT NOT NULL,
		data      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_room ON cycles(room_id);
	CREATE TABLE IF NOT EXISTS cache_meta (
		room_id      TEXT PRIMARY KEY,
		watermark    TEXT NOT NULL,
		last_refresh TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS models (
		room_id    TEXT PRIMARY KEY,
		blob       BLOB NOT NULL,
		metadata   TEXT NOT NULL,
		trained_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS examples (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id    TEXT NOT NULL,
		cycle_id   TEXT NOT NULL,
		features   TEXT NOT NULL,
		label      REAL NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_examples_room ON examples(room_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSlopeData appends one slope sample for a room.
func (s *Store) SaveSlopeData(ctx context.Context, roomID string, sd pkg.SlopeData) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO slopes (room_id, ts, value) VALUES (?, ?, ?)`,
		roomID, sd.Timestamp.UTC().Format(time.RFC3339Nano), sd.SlopeValue)
	if err != nil {
		return fmt.Errorf("saving slope: %w", err)
	}
	return nil
}

// GetSlopeData returns a room's slope samples ordered oldest first.
func (s *Store) GetSlopeData(ctx context.Context, roomID string) ([]pkg.SlopeData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, value FROM slopes WHERE room_id = ? ORDER BY ts`, roomID)
	if err != nil {
		return nil, fmt.Errorf("querying slopes: %w", err)
	}
	defer rows.Close()

	var out []pkg.SlopeData
	for rows.Next() {
		var tsStr string
		var value float64
		if err := rows.Scan(&tsStr, &value); err != nil {
			return nil, fmt.Errorf("%w: slope row: %v", pkg.ErrStorageCorrupt, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("%w: slope timestamp %q", pkg.ErrStorageCorrupt, tsStr)
		}
		out = append(out, pkg.SlopeData{SlopeValue: value, Timestamp: ts})
	}
	return out, rows.Err()
}

// SaveCycleCache replaces a room's cycle cache and watermark atomically.
func (s *Store) SaveCycleCache(ctx context.Context, state pkg.CycleCacheState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cycles WHERE room_id = ?`, state.RoomID); err != nil {
		return fmt.Errorf("clearing cycles: %w", err)
	}
	for _, c := range state.Cycles {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encoding cycle %s: %w", c.CycleID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO cycles (cycle_id, room_id, data) VALUES (?, ?, ?)`,
			c.CycleID, state.RoomID, string(data)); err != nil {
			return fmt.Errorf("inserting cycle %s: %w", c.CycleID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_meta (room_id, watermark, last_refresh) VALUES (?, ?, ?)`,
		state.RoomID,
		state.Watermark.UTC().Format(time.RFC3339Nano),
		state.LastRefresh.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("saving cache meta: %w", err)
	}

	return tx.Commit()
}

// GetCycleCache returns a room's persisted cycle cache, or nil when the room
// has never been refreshed.
func (s *Store) GetCycleCache(ctx context.Context, roomID string) (*pkg.CycleCacheState, error) {
	var watermarkStr, refreshStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT watermark, last_refresh FROM cache_meta WHERE room_id = ?`, roomID).
		Scan(&watermarkStr, &refreshStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying cache meta: %w", err)
	}

	watermark, err := time.Parse(time.RFC3339Nano, watermarkStr)
	if err != nil {
		return nil, fmt.Errorf("%w: watermark %q", pkg.ErrStorageCorrupt, watermarkStr)
	}
	lastRefresh, err := time.Parse(time.RFC3339Nano, refreshStr)
	if err != nil {
		return nil, fmt.Errorf("%w: last_refresh %q", pkg.ErrStorageCorrupt, refreshStr)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM cycles WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("querying cycles: %w", err)
	}
	defer rows.Close()

	state := &pkg.CycleCacheState{
		RoomID:      roomID,
		Watermark:   watermark,
		LastRefresh: lastRefresh,
	}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("%w: cycle row: %v", pkg.ErrStorageCorrupt, err)
		}
		var c pkg.HeatingCycle
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("%w: cycle data: %v", pkg.ErrStorageCorrupt, err)
		}
		state.Cycles = append(state.Cycles, c)
	}
	return state, rows.Err()
}

// SaveModel replaces a room's trained model blob and metadata.
func (s *Store) SaveModel(ctx context.Context, roomID string, blob []byte, meta pkg.ModelMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding model metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO models (room_id, blob, metadata, trained_at) VALUES (?, ?, ?, ?)`,
		roomID, blob, string(metaJSON), meta.TrainedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving model: %w", err)
	}
	return nil
}

// GetModel returns a room's model blob and metadata, or nils when untrained.
func (s *Store) GetModel(ctx context.Context, roomID string) ([]byte, *pkg.ModelMetadata, error) {
	var blob []byte
	var metaJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT blob, metadata FROM models WHERE room_id = ?`, roomID).
		Scan(&blob, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("querying model: %w", err)
	}

	var meta pkg.ModelMetadata
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, nil, fmt.Errorf("%w: model metadata: %v", pkg.ErrStorageCorrupt, err)
	}
	return blob, &meta, nil
}

// AppendTrainingExamples appends examples for a room and evicts the oldest
// rows beyond the per-room cap.
func (s *Store) AppendTrainingExamples(ctx context.Context, roomID string, examples []pkg.TrainingExample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ex := range examples {
		featJSON, err := json.Marshal(ex.Features)
		if err != nil {
			return fmt.Errorf("encoding features for %s: %w", ex.CycleID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO examples (room_id, cycle_id, features, label, created_at) VALUES (?, ?, ?, ?, ?)`,
			roomID, ex.CycleID, string(featJSON), ex.LabelMins,
			ex.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("inserting example %s: %w", ex.CycleID, err)
		}
	}

	// Oldest-first eviction beyond the cap.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM examples WHERE room_id = ? AND id NOT IN (
			SELECT id FROM examples WHERE room_id = ? ORDER BY id DESC LIMIT ?
		)`, roomID, roomID, pkg.MaxTrainingExamples); err != nil {
		return fmt.Errorf("evicting old examples: %w", err)
	}

	return tx.Commit()
}

// GetTrainingExamples returns a room's examples ordered oldest first.
func (s *Store) GetTrainingExamples(ctx context.Context, roomID string) ([]pkg.TrainingExample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle_id, features, label, created_at FROM examples WHERE room_id = ? ORDER BY id`,
		roomID)
	if err != nil {
		return nil, fmt.Errorf("querying examples: %w", err)
	}
	defer rows.Close()

	var out []pkg.TrainingExample
	for rows.Next() {
		var ex pkg.TrainingExample
		var featJSON, createdStr string
		if err := rows.Scan(&ex.CycleID, &featJSON, &ex.LabelMins, &createdStr); err != nil {
			return nil, fmt.Errorf("%w: example row: %v", pkg.ErrStorageCorrupt, err)
		}
		if err := json.Unmarshal([]byte(featJSON), &ex.Features); err != nil {
			return nil, fmt.Errorf("%w: example features: %v", pkg.ErrStorageCorrupt, err)
		}
		created, err := time.Parse(time.RFC3339Nano, createdStr)
		if err != nil {
			return nil, fmt.Errorf("%w: example created_at %q", pkg.ErrStorageCorrupt, createdStr)
		}
		ex.CreatedAt = created
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Reset removes all learned state for a room.
func (s *Store) Reset(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"slopes", "cycles", "cache_meta", "models", "examples"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE room_id = ?`, table), roomID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	s.logger.Info("learned state reset", "room", roomID)
	return tx.Commit()
}
