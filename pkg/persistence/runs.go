package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when a requested run does not exist.
var ErrRunNotFound = errors.New("run not found")

// Run is one orchestrator process lifetime.
type Run struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Status     string     `json:"status"`
	ConfigJSON string     `json:"config_json"`
}

// Run status constants.
const (
	RunStatusActive   = "active"
	RunStatusShutdown = "shutdown" // graceful stop
	RunStatusCrashed  = "crashed"  // found active at the next startup
)

type runRow struct {
	RunID      string        `db:"run_id"`
	StartedAt  int64         `db:"started_at"`
	EndedAt    sql.NullInt64 `db:"ended_at"`
	Status     string        `db:"status"`
	ConfigJSON string        `db:"config_json"`
}

func (r runRow) run() *Run {
	out := &Run{
		RunID:      r.RunID,
		StartedAt:  time.UnixMilli(r.StartedAt).UTC(),
		Status:     r.Status,
		ConfigJSON: r.ConfigJSON,
	}
	if r.EndedAt.Valid {
		t := time.UnixMilli(r.EndedAt.Int64).UTC()
		out.EndedAt = &t
	}
	return out
}

// CreateRun records the start of a run.
func (d *DB) CreateRun(ctx context.Context, runID, configJSON string) error {
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO runs (run_id, started_at, status, config_json)
		VALUES (?, ?, ?, ?)`), runID, nowMillis(), RunStatusActive, configJSON)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun sets the final status of a run.
func (d *DB) FinishRun(ctx context.Context, runID, status string) error {
	res, err := d.db.ExecContext(ctx, d.q("UPDATE runs SET status = ?, ended_at = ? WHERE run_id = ?"),
		status, nowMillis(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun returns a run by ID.
func (d *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	var row runRow
	err := d.db.GetContext(ctx, &row, d.q(`
		SELECT run_id, started_at, ended_at, status, config_json FROM runs WHERE run_id = ?`), runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.run(), nil
}

// MarkStaleRuns marks any 'active' runs as 'crashed'. Called at startup,
// before the new run is created.
func (d *DB) MarkStaleRuns(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.q("UPDATE runs SET status = ?, ended_at = ? WHERE status = ?"),
		RunStatusCrashed, nowMillis(), RunStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runs: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// ConfigSnapshotToJSON serializes a config for CreateRun.
func ConfigSnapshotToJSON(config any) (string, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}
