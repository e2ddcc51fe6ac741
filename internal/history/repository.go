// Package history journals top-level device operations in the
// operations table: one row per operation, opened when it starts and
// closed with its terminal outcome.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome values for a closed journal row. A row still in flight has
// an empty outcome.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Record is one journal row.
type Record struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	DeviceSerial string     `json:"device_serial,omitempty"`
	Version      string     `json:"version,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Outcome      string     `json:"outcome,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
}

// Closure carries the terminal outcome written when a row closes.
type Closure struct {
	Outcome      string
	ErrorKind    string
	ErrorMessage string
	FinishedAt   time.Time
}

// Filter controls which journal rows to return.
type Filter struct {
	Serial string // optional: filter by device serial
	Kind   string // optional: filter by operation kind (update, repair, backup, ...)
	Limit  int    // default 50, max 200
	Offset int    // pagination offset
}

// ListResult contains the paginated journal results.
type ListResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Repository defines the interface for journal operations.
type Repository interface {
	Open(ctx context.Context, rec *Record) error
	Close(ctx context.Context, id string, c Closure) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// SQLiteRepository stores the journal in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new journal repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Open inserts a new in-flight row. The ID and StartedAt are generated
// if empty.
func (r *SQLiteRepository) Open(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = "op-" + uuid.NewString()[:8]
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO operations (id, kind, device_serial, version, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.DeviceSerial, rec.Version,
		rec.StartedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting operation: %w", err)
	}
	return nil
}

// Close writes the terminal outcome onto an open row. FinishedAt
// defaults to now; the duration is measured against the stored start.
func (r *SQLiteRepository) Close(ctx context.Context, id string, c Closure) error {
	if c.FinishedAt.IsZero() {
		c.FinishedAt = time.Now().UTC()
	}

	var startedAt string
	err := r.db.QueryRowContext(ctx,
		"SELECT started_at FROM operations WHERE id = ?", id,
	).Scan(&startedAt)
	if err != nil {
		return fmt.Errorf("loading operation %s: %w", id, err)
	}
	started, err := parseTime(startedAt)
	if err != nil {
		return fmt.Errorf("parsing start of operation %s: %w", id, err)
	}

	duration := c.FinishedAt.Sub(started).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE operations
		 SET finished_at = ?, outcome = ?, error_kind = ?, error_message = ?, duration_ms = ?
		 WHERE id = ?`,
		c.FinishedAt.UTC().Format(time.RFC3339),
		c.Outcome, c.ErrorKind, c.ErrorMessage, duration, id,
	)
	if err != nil {
		return fmt.Errorf("closing operation %s: %w", id, err)
	}
	return nil
}

// List returns journal rows matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	// Clamp limit.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for journal queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	var conditions []string
	var args []any

	if filter.Serial != "" {
		conditions = append(conditions, "device_serial = ?")
		args = append(args, filter.Serial)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, filter.Kind)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM operations %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting operations: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, kind, device_serial, version, started_at, finished_at,
		        outcome, error_kind, error_message, duration_ms
		 FROM operations %s ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var startedAt string
		var finishedAt sql.NullString

		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.DeviceSerial, &rec.Version,
			&startedAt, &finishedAt,
			&rec.Outcome, &rec.ErrorKind, &rec.ErrorMessage, &rec.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}

		rec.StartedAt, err = parseTime(startedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing operation timestamp %q: %w", startedAt, err)
		}
		if finishedAt.Valid && finishedAt.String != "" {
			t, err := parseTime(finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing operation timestamp %q: %w", finishedAt.String, err)
			}
			rec.FinishedAt = &t
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}

	if records == nil {
		records = []Record{}
	}

	return &ListResult{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Prune deletes rows started before the cutoff and reports how many
// went away.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM operations WHERE started_at < ?",
		olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned operations: %w", err)
	}
	return n, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05Z", s)
		if err != nil {
			return time.Time{}, err
		}
	}
	return t, nil
}
