// Package postgres implements store.Store on PostgreSQL, using
// SELECT ... FOR UPDATE SKIP LOCKED for claim_next (§4.3.3, §5) — the
// concurrency primitive Postgres offers natively for exactly this
// claim-one-row-without-blocking-others shape.
package postgres

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/zonemaster/broker/internal/fingerprint"
	"github.com/zonemaster/broker/internal/store"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	uniqueViolation = "23505"
)

// Store is a store.Store backed by PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Config is a validated DSN plus connection pool sizing.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects to PostgreSQL and returns a ready Store.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, defaultMaxOpenConns))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, defaultMaxIdleConns))
	db.SetConnMaxLifetime(orDefaultDuration(cfg.ConnMaxLifetime, defaultConnMaxLifetime))
	db.SetConnMaxIdleTime(orDefaultDuration(cfg.ConnMaxIdleTime, defaultConnMaxIdleTime))

	return &Store{
		db:     db,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "store.postgres"),
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck implements store.Store.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// CreateTest implements store.Store. The reuse lookup and the insert are
// one round trip each; a unique-constraint violation on hash_id during
// insert is recovered by re-reading the newest row with the same
// fingerprint and returning its hash id rather than erroring — the same
// insert-then-recover-on-conflict shape StoreTestResult's UPSERT achieves
// in one statement, split into two here because only the insert path
// needs the reuse-window predicate.
func (s *Store) CreateTest(ctx context.Context, p store.NewTestParams, reuseWindow time.Duration) (string, error) {
	if reuseWindow > 0 {
		var hashID string
		row := s.db.QueryRowContext(ctx, `
			SELECT hash_id FROM tests
			WHERE fingerprint = $1 AND (creation_time > $2 OR progress < 100)
			ORDER BY creation_time DESC
			LIMIT 1`,
			int64(p.Fingerprint), time.Now().Add(-reuseWindow),
		)
		switch err := row.Scan(&hashID); {
		case err == nil:
			return hashID, nil
		case errors.Is(err, sql.ErrNoRows):
		default:
			return "", fmt.Errorf("postgres: create_test reuse lookup: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tests (
			hash_id, fingerprint, domain, batch_id, creation_time, params,
			undelegated, priority, queue, progress
		) VALUES ($1, $2, $3, $4, now(), $5, $6, $7, $8, 0)`,
		p.HashID, int64(p.Fingerprint), p.Domain, p.BatchID, []byte(p.Params),
		p.Undelegated, p.Priority, p.Queue,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			var existing string
			row := s.db.QueryRowContext(ctx, `SELECT hash_id FROM tests WHERE fingerprint = $1 ORDER BY creation_time DESC LIMIT 1`, int64(p.Fingerprint))
			if scanErr := row.Scan(&existing); scanErr == nil {
				return existing, nil
			}
		}
		return "", fmt.Errorf("postgres: create_test insert: %w", err)
	}

	return p.HashID, nil
}

// ClaimNext implements store.Store with SELECT ... FOR UPDATE SKIP LOCKED:
// the row we tentatively pick is locked so a concurrent claimer skips it
// rather than blocking on it (§5's linearizability requirement, achieved
// here via per-row locking rather than a table lock).
func (s *Store) ClaimNext(ctx context.Context, queue int, maxConcurrent int) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("postgres: claim_next begin: %w", err)
	}
	defer tx.Rollback()

	var running int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM tests
		WHERE queue = $1 AND start_time IS NOT NULL AND end_time IS NULL`,
		queue,
	).Scan(&running); err != nil {
		return "", false, fmt.Errorf("postgres: claim_next running count: %w", err)
	}
	if running >= maxConcurrent {
		return "", false, nil
	}

	var hashID string
	err = tx.QueryRowContext(ctx, `
		SELECT hash_id FROM tests
		WHERE queue = $1 AND start_time IS NULL
		ORDER BY priority DESC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		queue,
	).Scan(&hashID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("postgres: claim_next select: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tests SET start_time = now() WHERE hash_id = $1`, hashID); err != nil {
		return "", false, fmt.Errorf("postgres: claim_next update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("postgres: claim_next commit: %w", err)
	}

	return hashID, true, nil
}

// SetProgress implements store.Store's monotonic progress write.
func (s *Store) SetProgress(ctx context.Context, hashID string, p int, results []store.ResultEntry) error {
	filtered := store.FilterEngineDebug(results)

	if p >= 100 {
		resultsJSON, err := json.Marshal(filtered)
		if err != nil {
			return fmt.Errorf("postgres: set_progress marshal results: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE tests SET progress = $2, end_time = now(), results = $3
			WHERE hash_id = $1 AND progress < $2`,
			hashID, p, resultsJSON,
		)
		if err != nil {
			return fmt.Errorf("postgres: set_progress finish: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE tests SET progress = $2
		WHERE hash_id = $1 AND progress < $2`,
		hashID, p,
	)
	if err != nil {
		return fmt.Errorf("postgres: set_progress: %w", err)
	}
	return nil
}

// StoreResults implements store.Store.
func (s *Store) StoreResults(ctx context.Context, hashID string, results []store.ResultEntry) error {
	filtered := store.FilterEngineDebug(results)

	resultsJSON, err := json.Marshal(filtered)
	if err != nil {
		return fmt.Errorf("postgres: store_results marshal: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tests SET results = $2, progress = 100, end_time = now()
		WHERE hash_id = $1 AND start_time IS NOT NULL`,
		hashID, resultsJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres: store_results: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: store_results rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if scanErr := s.db.QueryRowContext(ctx, `SELECT true FROM tests WHERE hash_id = $1`, hashID).Scan(&exists); scanErr != nil {
			return store.ErrTestNotFound
		}
		return store.ErrNotStarted
	}

	return nil
}

// ReadTest implements store.Store.
func (s *Store) ReadTest(ctx context.Context, hashID string) (*store.Test, error) {
	t := &store.Test{HashID: hashID}
	var params, results sql.NullString
	var startTime, endTime sql.NullTime
	var fingerprint int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, fingerprint, domain, batch_id, creation_time, start_time,
		       end_time, progress, params, results, undelegated, priority, queue
		FROM tests WHERE hash_id = $1`,
		hashID,
	).Scan(
		&t.ID, &fingerprint, &t.Domain, &t.BatchID, &t.CreationTime, &startTime,
		&endTime, &t.Progress, &params, &results, &t.Undelegated, &t.Priority, &t.Queue,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: read_test: %w", err)
	}

	t.Fingerprint = uint64(fingerprint)
	if startTime.Valid {
		t.StartTime = &startTime.Time
	}
	if endTime.Valid {
		t.EndTime = &endTime.Time
	}
	if params.Valid {
		t.Params = json.RawMessage(params.String)
	}
	if results.Valid {
		t.Results = json.RawMessage(results.String)
	}

	return t, nil
}

// History implements store.Store.
func (s *Store) History(ctx context.Context, domain string, offset, limit int, filter store.HistoryFilter) ([]*store.Test, error) {
	query := `
		SELECT id, hash_id, fingerprint, domain, batch_id, creation_time, start_time,
		       end_time, progress, params, results, undelegated, priority, queue
		FROM tests WHERE domain = $1`
	args := []any{domain}

	switch filter {
	case store.HistoryDelegated:
		query += " AND undelegated = false"
	case store.HistoryUndelegated:
		query += " AND undelegated = true"
	}

	query += " ORDER BY creation_time DESC OFFSET $2 LIMIT $3"
	args = append(args, offset, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: history: %w", err)
	}
	defer rows.Close()

	var out []*store.Test
	for rows.Next() {
		t := &store.Test{}
		var params, results sql.NullString
		var startTime, endTime sql.NullTime
		var fingerprint int64

		if err := rows.Scan(
			&t.ID, &t.HashID, &fingerprint, &t.Domain, &t.BatchID, &t.CreationTime, &startTime,
			&endTime, &t.Progress, &params, &results, &t.Undelegated, &t.Priority, &t.Queue,
		); err != nil {
			return nil, fmt.Errorf("postgres: history scan: %w", err)
		}

		t.Fingerprint = uint64(fingerprint)
		if startTime.Valid {
			t.StartTime = &startTime.Time
		}
		if endTime.Valid {
			t.EndTime = &endTime.Time
		}
		if params.Valid {
			t.Params = json.RawMessage(params.String)
		}
		if results.Valid {
			t.Results = json.RawMessage(results.String)
		}

		out = append(out, t)
	}

	return out, rows.Err()
}

// CreateBatch implements store.Store, atomically verifying credentials,
// checking for an open batch, and inserting the batch plus its tests.
func (s *Store) CreateBatch(ctx context.Context, username, apiKey string, domains []string, testParams json.RawMessage, priority, queue int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("postgres: create_batch begin: %w", err)
	}
	defer tx.Rollback()

	var storedKey string
	err = tx.QueryRowContext(ctx, `SELECT api_key FROM users WHERE username = $1`, username).Scan(&storedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrUnknownUser
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: create_batch user lookup: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(storedKey), []byte(apiKey)) != 1 {
		return 0, store.ErrWrongAPIKey
	}

	var openBatchID int64
	err = tx.QueryRowContext(ctx, `
		SELECT b.id FROM batches b
		WHERE b.username = $1 AND EXISTS (
			SELECT 1 FROM tests t WHERE t.batch_id = b.id AND t.progress < 100
		)
		ORDER BY b.id LIMIT 1`,
		username,
	).Scan(&openBatchID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("postgres: create_batch open check: %w", err)
	default:
		return 0, &store.OpenBatchError{BatchID: openBatchID}
	}

	var batchID int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO batches (username, creation_time) VALUES ($1, now()) RETURNING id`,
		username,
	).Scan(&batchID); err != nil {
		return 0, fmt.Errorf("postgres: create_batch insert batch: %w", err)
	}

	for _, domain := range domains {
		hashID, fingerprint, err := testHashAndFingerprint(domain, testParams)
		if err != nil {
			return 0, fmt.Errorf("postgres: create_batch fingerprint: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tests (
				hash_id, fingerprint, domain, batch_id, creation_time, params,
				undelegated, priority, queue, progress
			) VALUES ($1, $2, $3, $4, now(), $5, false, $6, $7, 0)
			ON CONFLICT (hash_id) DO NOTHING`,
			hashID, int64(fingerprint), domain, batchID, []byte(testParams), priority, queue,
		)
		if err != nil {
			return 0, fmt.Errorf("postgres: create_batch insert test: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("postgres: create_batch commit: %w", err)
	}

	return batchID, nil
}

// BatchStatus implements store.Store.
func (s *Store) BatchStatus(ctx context.Context, batchID int64) (*store.BatchStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash_id, progress FROM tests WHERE batch_id = $1`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: batch_status: %w", err)
	}
	defer rows.Close()

	status := &store.BatchStatus{}
	for rows.Next() {
		var hashID string
		var progress int
		if err := rows.Scan(&hashID, &progress); err != nil {
			return nil, fmt.Errorf("postgres: batch_status scan: %w", err)
		}
		if progress >= 100 {
			status.NbFinished++
			status.FinishedTestIDs = append(status.FinishedTestIDs, hashID)
		} else {
			status.NbRunning++
		}
	}

	return status, rows.Err()
}

// AddUser implements store.Store's idempotent insert: 1 for a genuinely
// new username, 0 for a no-op (username already present, matching key or
// not — §4.3.2 only distinguishes "inserted" from "already existed").
func (s *Store) AddUser(ctx context.Context, username, apiKey string) (int, error) {
	var existingKey string
	err := s.db.QueryRowContext(ctx, `SELECT api_key FROM users WHERE username = $1`, username).Scan(&existingKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("postgres: add_user lookup: %w", err)
	default:
		return 0, nil
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO users (username, api_key) VALUES ($1, $2)`, username, apiKey)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: add_user insert: %w", err)
	}

	return 1, nil
}

// VerifyUser implements store.Store's constant-time credential check.
func (s *Store) VerifyUser(ctx context.Context, username, apiKey string) (bool, error) {
	var storedKey string
	err := s.db.QueryRowContext(ctx, `SELECT api_key FROM users WHERE username = $1`, username).Scan(&storedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: verify_user: %w", err)
	}

	return subtle.ConstantTimeCompare([]byte(storedKey), []byte(apiKey)) == 1, nil
}

// testHashAndFingerprint derives a batch test's hash id and fingerprint
// key from its domain and the batch's shared test_params, reusing the
// same canonicalization CreateTest's caller applies to a single
// start_domain_test request — add_batch_job has no per-domain params, so
// the fingerprint is recomputed per domain here rather than threaded in
// by the caller.
func testHashAndFingerprint(domain string, testParams json.RawMessage) (string, uint64, error) {
	var p fingerprint.Params
	if len(testParams) > 0 {
		if err := json.Unmarshal(testParams, &p); err != nil {
			return "", 0, fmt.Errorf("unmarshal test_params: %w", err)
		}
	}
	p.Domain = domain

	key, err := fingerprint.Fingerprint(p)
	if err != nil {
		return "", 0, err
	}

	return fingerprint.NewHashID(), key, nil
}

var _ store.Store = (*Store)(nil)
