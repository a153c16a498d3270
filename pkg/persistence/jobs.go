package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/jobs"
)

var _ jobs.Store = (*DB)(nil)

// ErrDuplicateActiveJob is returned when a second non-terminal job is saved
// for an entity. It wraps jobs.ErrConflictingActiveJob.
var ErrDuplicateActiveJob = fmt.Errorf("%w (database)", jobs.ErrConflictingActiveJob)

type jobRow struct {
	ID       string `db:"id"`
	Snapshot string `db:"snapshot"`
}

// SaveSnapshot inserts or replaces a job. Logs are not stored.
func (d *DB) SaveSnapshot(ctx context.Context, s jobs.Snapshot) error {
	s.Logs = nil
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", s.ID, err)
	}
	terminal := 0
	if s.IsTerminal() {
		terminal = 1
	}

	_, err = d.db.ExecContext(ctx, d.q(`
		INSERT INTO jobs (id, entity_key, repository, issue, fingerprint, state, terminal, created_at, updated_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			terminal = excluded.terminal,
			updated_at = excluded.updated_at,
			snapshot = excluded.snapshot`),
		s.ID, s.EntityKey, s.Repository, s.Issue, s.Fingerprint, string(s.State), terminal,
		s.CreatedAt.UnixMilli(), nowMillis(), string(data))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateActiveJob, s.EntityKey)
		}
		return fmt.Errorf("save job %s: %w", s.ID, err)
	}
	return nil
}

// Get loads a job by ID.
func (d *DB) Get(ctx context.Context, id string) (jobs.Snapshot, error) {
	var row jobRow
	err := d.db.GetContext(ctx, &row, d.q("SELECT id, snapshot FROM jobs WHERE id = ?"), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Snapshot{}, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
		}
		return jobs.Snapshot{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return decode(row)
}

// ListActive returns every non-terminal job, oldest first.
func (d *DB) ListActive(ctx context.Context) ([]jobs.Snapshot, error) {
	var rows []jobRow
	if err := d.db.SelectContext(ctx, &rows,
		"SELECT id, snapshot FROM jobs WHERE terminal = 0 ORDER BY created_at ASC"); err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return decodeAll(rows)
}

// List returns one page of jobs matching f, newest first.
func (d *DB) List(ctx context.Context, f jobs.Filter) (jobs.Page, error) {
	var where []string
	var args []any
	if f.Repository != "" {
		where = append(where, "repository = ?")
		args = append(args, f.Repository)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := d.db.GetContext(ctx, &total, d.q("SELECT COUNT(*) FROM jobs"+clause), args...); err != nil {
		return jobs.Page{}, fmt.Errorf("count jobs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = jobs.DefaultListLimit
	}
	if limit > jobs.MaxListLimit {
		limit = jobs.MaxListLimit
	}
	offset := max(f.Offset, 0)

	var rows []jobRow
	query := d.q("SELECT id, snapshot FROM jobs" + clause + " ORDER BY created_at DESC LIMIT ? OFFSET ?")
	if err := d.db.SelectContext(ctx, &rows, query, append(args, limit, offset)...); err != nil {
		return jobs.Page{}, fmt.Errorf("list jobs: %w", err)
	}
	snaps, err := decodeAll(rows)
	if err != nil {
		return jobs.Page{}, err
	}
	return jobs.Page{Jobs: snaps, Total: total}, nil
}

// PruneBefore deletes terminal jobs last updated before cutoff.
func (d *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.q("DELETE FROM jobs WHERE terminal = 1 AND updated_at < ?"), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByState returns the number of stored jobs per state.
func (d *DB) CountByState(ctx context.Context) (map[agentstate.State]int, error) {
	var rows []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	if err := d.db.SelectContext(ctx, &rows, "SELECT state, COUNT(*) AS n FROM jobs GROUP BY state"); err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	out := make(map[agentstate.State]int, len(rows))
	for _, r := range rows {
		out[agentstate.State(r.State)] = r.N
	}
	return out, nil
}

func decode(row jobRow) (jobs.Snapshot, error) {
	var s jobs.Snapshot
	if err := json.Unmarshal([]byte(row.Snapshot), &s); err != nil {
		return jobs.Snapshot{}, fmt.Errorf("decode job %s: %w", row.ID, err)
	}
	return s, nil
}

func decodeAll(rows []jobRow) ([]jobs.Snapshot, error) {
	out := make([]jobs.Snapshot, 0, len(rows))
	for _, r := range rows {
		s, err := decode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
