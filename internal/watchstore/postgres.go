package watchstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/ocx/backend/internal/notifyerr"
)

// PostgresStore is a durable Store backed by lib/pq, grounded on
// internal/database/supabase.go's context-taking CRUD wrapper style —
// adapted to raw SQL since lib/pq is a driver, not a REST client.
//
// Schema (created by the caller via migration, not by this package):
//
//	CREATE TABLE watch_records (
//	  id              text PRIMARY KEY,
//	  sequence        bigint NOT NULL,
//	  watcher         text NOT NULL,
//	  value           jsonb,
//	  expires         timestamptz NOT NULL,
//	  created         timestamptz NOT NULL,
//	  updated         timestamptz NOT NULL,
//	  lock_id         text,
//	  lock_expires    timestamptz
//	);
//	CREATE INDEX ON watch_records (expires);
//	CREATE INDEX ON watch_records (lock_id) WHERE lock_id IS NOT NULL;
//	CREATE INDEX ON watch_records (lock_expires) WHERE lock_expires IS NOT NULL;
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore wraps an already-opened *sql.DB (typically
// sql.Open("postgres", dsn)).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[WATCHSTORE-PG] ", log.LstdFlags),
	}
}

func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (*WatchRecord, error) {
	now := time.Now()
	if err := ValidateCreate(in, now); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watch_records (id, sequence, watcher, value, expires, created, updated)
		VALUES ($1, 0, $2, NULL, $3, $4, $4)
	`, in.ID, in.Watcher, in.Expires, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, notifyerr.New(notifyerr.KindDuplicate, "watch id already exists: "+in.ID)
		}
		return nil, notifyerr.Wrap(notifyerr.KindOperation, "insert watch record", err)
	}

	return &WatchRecord{
		Watch: Watch{ID: in.ID, Sequence: 0, Watcher: in.Watcher, Expires: in.Expires},
		Meta:  Meta{Created: now, Updated: now},
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*WatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sequence, watcher, value, expires, created, updated, lock_id, lock_expires
		FROM watch_records WHERE id = $1
	`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, notifyerr.New(notifyerr.KindNotFound, "watch not found: "+id)
	}
	if err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindOperation, "query watch record", err)
	}
	return rec, nil
}

func (s *PostgresStore) Find(ctx context.Context, query FindQuery, opts FindOptions) ([]*WatchRecord, error) {
	clauses := []string{"1=1"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if query.ID != nil {
		clauses = append(clauses, "id = "+arg(*query.ID))
	}
	if query.ExpiresBefore != nil {
		clauses = append(clauses, "expires < "+arg(*query.ExpiresBefore))
	}
	if query.WatcherLockID != nil {
		clauses = append(clauses, "lock_id = "+arg(*query.WatcherLockID))
	}
	if query.WatcherLockExpires != nil {
		clauses = append(clauses, "lock_expires = "+arg(*query.WatcherLockExpires))
	}
	if query.WatcherLockAbsent {
		clauses = append(clauses, "lock_id IS NULL")
	}
	if query.WatcherLockEligible {
		now := query.EligibleAsOf
		if now.IsZero() {
			now = time.Now()
		}
		clauses = append(clauses, "(lock_id IS NULL OR lock_expires <= "+arg(now)+")")
	}

	q := "SELECT id, sequence, watcher, value, expires, created, updated, lock_id, lock_expires FROM watch_records WHERE "
	for i, c := range clauses {
		if i > 0 {
			q += " AND "
		}
		q += c
	}
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindOperation, "find watch records", err)
	}
	defer rows.Close()

	var out []*WatchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, notifyerr.Wrap(notifyerr.KindOperation, "scan watch record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, watch Watch) (*WatchRecord, error) {
	// watch.Value already holds JSON bytes; store them as-is so scanRecord
	// reads back the same bytes.
	var valueJSON interface{}
	if watch.Value != nil {
		valueJSON = string(watch.Value)
	}
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE watch_records
		SET sequence = $1, watcher = $2, value = $3, expires = $4, updated = $5
		WHERE id = $6 AND sequence = $7
	`, watch.Sequence, watch.Watcher, valueJSON, watch.Expires, now, watch.ID, watch.Sequence-1)
	if err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindOperation, "update watch record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindOperation, "read rows affected", err)
	}
	if n == 0 {
		return nil, notifyerr.New(notifyerr.KindInvalidState,
			fmt.Sprintf("sequence conflict: expected %d", watch.Sequence-1))
	}

	return &WatchRecord{Watch: watch, Meta: Meta{Updated: now}}, nil
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM watch_records WHERE id = $1`, id)
	if err != nil {
		return notifyerr.Wrap(notifyerr.KindOperation, "delete watch record", err)
	}
	return nil
}

func (s *PostgresStore) Mark(ctx context.Context, in MarkInput) (int, error) {
	in = normalizeMarkInput(in)
	now := time.Now()

	if in.ID != "" {
		res, err := s.db.ExecContext(ctx, `
			UPDATE watch_records SET lock_id = $1, lock_expires = $2, updated = $3 WHERE id = $4
		`, in.WatcherLock.ID, in.WatcherLock.Expires, now, in.ID)
		if err != nil {
			return 0, notifyerr.Wrap(notifyerr.KindOperation, "mark watch record", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, notifyerr.Wrap(notifyerr.KindOperation, "read rows affected", err)
		}
		if n == 0 {
			return 0, notifyerr.New(notifyerr.KindNotFound, "watch not found: "+in.ID)
		}
		return int(n), nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE watch_records SET lock_id = $1, lock_expires = $2, updated = $3
		WHERE id IN (
			SELECT id FROM watch_records
			WHERE lock_id IS NULL OR lock_expires <= $3
			LIMIT $4
		)
	`, in.WatcherLock.ID, in.WatcherLock.Expires, now, in.Limit)
	if err != nil {
		return 0, notifyerr.Wrap(notifyerr.KindOperation, "mark watch records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, notifyerr.Wrap(notifyerr.KindOperation, "read rows affected", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*WatchRecord, error) {
	var (
		rec         WatchRecord
		valueJSON   []byte
		lockID      sql.NullString
		lockExpires sql.NullTime
	)
	err := row.Scan(&rec.Watch.ID, &rec.Watch.Sequence, &rec.Watch.Watcher, &valueJSON,
		&rec.Watch.Expires, &rec.Meta.Created, &rec.Meta.Updated, &lockID, &lockExpires)
	if err != nil {
		return nil, err
	}
	rec.Watch.Value = valueJSON
	if lockID.Valid {
		rec.Meta.WatcherLock = &WatcherLock{ID: lockID.String, Expires: lockExpires.Time}
	}
	return &rec, nil
}

// isUniqueViolation checks for Postgres error code 23505 (unique_violation).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
