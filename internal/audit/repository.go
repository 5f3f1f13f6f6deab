package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Page size limits for List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Filter controls which audit records List returns.
type Filter struct {
	ActorID  string  // optional: exact actor ID
	Outcome  Outcome // optional: ALLOWED or DENIED
	Reason   string  // optional: reason code
	Resource string  // optional: resource name
	Limit    int     // default 50, max 200
	Offset   int     // pagination offset
}

// ListResult contains a page of audit records, newest first.
type ListResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Store is the primary, authoritative record store.
type Store interface {
	// Append inserts rec. It must fail if rec.Seq is already taken.
	Append(ctx context.Context, rec *Record) error

	// Head returns the highest Seq and its Hash, or 0 and GenesisHash for
	// an empty trail.
	Head(ctx context.Context) (seq int64, hash string, err error)
}

// Repository is a Store that can also be queried.
type Repository interface {
	Store
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Walk(ctx context.Context, fn func(Record) error) error
}

// SQLiteRepository stores audit records in the audit_records table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates an audit repository over db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const recordColumns = `id, seq, timestamp, actor_id, role, resource, action, outcome,
	reason, origin, request_id, method, path, prev_hash, hash`

// Append implements Store.
func (r *SQLiteRepository) Append(ctx context.Context, rec *Record) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Seq, formatTimestamp(rec.Timestamp), rec.ActorID, rec.Role,
		rec.Resource, rec.Action, string(rec.Outcome), rec.Reason, rec.Origin,
		rec.RequestID, rec.Method, rec.Path, rec.PrevHash, rec.Hash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// Head implements Store.
func (r *SQLiteRepository) Head(ctx context.Context) (int64, string, error) {
	var seq int64
	var hash string
	err := r.db.QueryRowContext(ctx,
		"SELECT seq, hash FROM audit_records ORDER BY seq DESC LIMIT 1").Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("reading audit chain head: %w", err)
	}
	return seq, hash, nil
}

// List returns records matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if filter.Reason != "" {
		conditions = append(conditions, "reason = ?")
		args = append(args, filter.Reason)
	}
	if filter.Resource != "" {
		conditions = append(conditions, "resource = ?")
		args = append(args, filter.Resource)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM audit_records " + where //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit records: %w", err)
	}

	query := "SELECT " + recordColumns + " FROM audit_records " + where + //nolint:gosec // as above
		" ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit records: %w", err)
	}

	return &ListResult{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Walk calls fn for every record in ascending Seq order, stopping at the
// first error.
func (r *SQLiteRepository) Walk(ctx context.Context, fn func(Record) error) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM audit_records ORDER BY seq ASC")
	if err != nil {
		return fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating audit records: %w", err)
	}
	return nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var outcome, ts string

	if err := rows.Scan(&rec.ID, &rec.Seq, &ts, &rec.ActorID, &rec.Role,
		&rec.Resource, &rec.Action, &outcome, &rec.Reason, &rec.Origin,
		&rec.RequestID, &rec.Method, &rec.Path, &rec.PrevHash, &rec.Hash); err != nil {
		return Record{}, fmt.Errorf("scanning audit record: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Record{}, fmt.Errorf("parsing audit timestamp %q: %w", ts, err)
	}
	rec.Timestamp = t
	rec.Outcome = Outcome(outcome)
	return rec, nil
}

// VerifyStore walks the whole trail and checks the hash chain. It returns
// the number of records verified.
func VerifyStore(ctx context.Context, repo Repository) (int64, error) {
	v := NewChainVerifier()
	err := repo.Walk(ctx, v.Next)
	return v.Count(), err
}
