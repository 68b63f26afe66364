// Package mysql implements store.Store on MySQL/MariaDB. MySQL's
// SELECT ... FOR UPDATE takes a row lock that blocks concurrent claimers
// rather than skipping past them (no SKIP LOCKED before MySQL 8.0.1 and
// no equivalent at all in MariaDB); claim_next here instead serializes
// the whole read-then-update behind a named advisory lock
// (GET_LOCK/RELEASE_LOCK) scoped per queue, giving the same
// linearizable-per-queue guarantee §5 requires without depending on a
// SKIP LOCKED version floor.
package mysql

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

	"github.com/go-sql-driver/mysql"

	"github.com/zonemaster/broker/internal/fingerprint"
	"github.com/zonemaster/broker/internal/store"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	mysqlErrDuplicateEntry = 1062

	advisoryLockTimeoutSeconds = 10
)

// Store is a store.Store backed by MySQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Config mirrors postgres.Config's shape.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects to MySQL and returns a ready Store.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("mysql: dsn is required")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}

	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, defaultMaxOpenConns))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, defaultMaxIdleConns))
	db.SetConnMaxLifetime(orDefaultDuration(cfg.ConnMaxLifetime, defaultConnMaxLifetime))
	db.SetConnMaxIdleTime(orDefaultDuration(cfg.ConnMaxIdleTime, defaultConnMaxIdleTime))

	return &Store{
		db:     db,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "store.mysql"),
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
func (s *Store) Close() error { return s.db.Close() }

// HealthCheck implements store.Store.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// CreateTest implements store.Store, same reuse-then-insert shape as the
// Postgres adapter with MySQL's duplicate-key error number substituted for
// Postgres's SQLSTATE.
func (s *Store) CreateTest(ctx context.Context, p store.NewTestParams, reuseWindow time.Duration) (string, error) {
	if reuseWindow > 0 {
		var hashID string
		row := s.db.QueryRowContext(ctx, `
			SELECT hash_id FROM tests
			WHERE fingerprint = ? AND (creation_time > ? OR progress < 100)
			ORDER BY creation_time DESC
			LIMIT 1`,
			int64(p.Fingerprint), time.Now().Add(-reuseWindow),
		)
		switch err := row.Scan(&hashID); {
		case err == nil:
			return hashID, nil
		case errors.Is(err, sql.ErrNoRows):
		default:
			return "", fmt.Errorf("mysql: create_test reuse lookup: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tests (
			hash_id, fingerprint, domain, batch_id, creation_time, params,
			undelegated, priority, queue, progress
		) VALUES (?, ?, ?, ?, now(), ?, ?, ?, ?, 0)`,
		p.HashID, int64(p.Fingerprint), p.Domain, p.BatchID, []byte(p.Params),
		p.Undelegated, p.Priority, p.Queue,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			var existing string
			row := s.db.QueryRowContext(ctx, `SELECT hash_id FROM tests WHERE fingerprint = ? ORDER BY creation_time DESC LIMIT 1`, int64(p.Fingerprint))
			if scanErr := row.Scan(&existing); scanErr == nil {
				return existing, nil
			}
		}
		return "", fmt.Errorf("mysql: create_test insert: %w", err)
	}

	return p.HashID, nil
}

// ClaimNext implements store.Store. GET_LOCK serializes claimers of the
// same queue; the row selection and update happen inside that critical
// section rather than inside a SQL transaction's row lock, since MySQL's
// FOR UPDATE has no SKIP LOCKED guarantee this driver can depend on.
func (s *Store) ClaimNext(ctx context.Context, queue int, maxConcurrent int) (string, bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return "", false, fmt.Errorf("mysql: claim_next conn: %w", err)
	}
	defer conn.Close()

	lockName := fmt.Sprintf("zonemaster_broker_queue_%d", queue)

	var acquired int
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, lockName, advisoryLockTimeoutSeconds).Scan(&acquired); err != nil {
		return "", false, fmt.Errorf("mysql: claim_next get_lock: %w", err)
	}
	if acquired != 1 {
		return "", false, fmt.Errorf("mysql: claim_next: could not acquire lock for queue %d", queue)
	}
	defer conn.ExecContext(context.Background(), `SELECT RELEASE_LOCK(?)`, lockName)

	var running int
	if err := conn.QueryRowContext(ctx, `
		SELECT count(*) FROM tests
		WHERE queue = ? AND start_time IS NOT NULL AND end_time IS NULL`,
		queue,
	).Scan(&running); err != nil {
		return "", false, fmt.Errorf("mysql: claim_next running count: %w", err)
	}
	if running >= maxConcurrent {
		return "", false, nil
	}

	var hashID string
	err = conn.QueryRowContext(ctx, `
		SELECT hash_id FROM tests
		WHERE queue = ? AND start_time IS NULL
		ORDER BY priority DESC, id ASC
		LIMIT 1`,
		queue,
	).Scan(&hashID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("mysql: claim_next select: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `UPDATE tests SET start_time = now() WHERE hash_id = ?`, hashID); err != nil {
		return "", false, fmt.Errorf("mysql: claim_next update: %w", err)
	}

	return hashID, true, nil
}

// SetProgress implements store.Store's monotonic progress write.
func (s *Store) SetProgress(ctx context.Context, hashID string, p int, results []store.ResultEntry) error {
	filtered := store.FilterEngineDebug(results)

	if p >= 100 {
		resultsJSON, err := json.Marshal(filtered)
		if err != nil {
			return fmt.Errorf("mysql: set_progress marshal results: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE tests SET progress = ?, end_time = now(), results = ?
			WHERE hash_id = ? AND progress < ?`,
			p, resultsJSON, hashID, p,
		)
		if err != nil {
			return fmt.Errorf("mysql: set_progress finish: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE tests SET progress = ?
		WHERE hash_id = ? AND progress < ?`,
		p, hashID, p,
	)
	if err != nil {
		return fmt.Errorf("mysql: set_progress: %w", err)
	}
	return nil
}

// StoreResults implements store.Store.
func (s *Store) StoreResults(ctx context.Context, hashID string, results []store.ResultEntry) error {
	filtered := store.FilterEngineDebug(results)

	resultsJSON, err := json.Marshal(filtered)
	if err != nil {
		return fmt.Errorf("mysql: store_results marshal: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tests SET results = ?, progress = 100, end_time = now()
		WHERE hash_id = ? AND start_time IS NOT NULL`,
		resultsJSON, hashID,
	)
	if err != nil {
		return fmt.Errorf("mysql: store_results: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mysql: store_results rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if scanErr := s.db.QueryRowContext(ctx, `SELECT true FROM tests WHERE hash_id = ?`, hashID).Scan(&exists); scanErr != nil {
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
		FROM tests WHERE hash_id = ?`,
		hashID,
	).Scan(
		&t.ID, &fingerprint, &t.Domain, &t.BatchID, &t.CreationTime, &startTime,
		&endTime, &t.Progress, &params, &results, &t.Undelegated, &t.Priority, &t.Queue,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mysql: read_test: %w", err)
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
		FROM tests WHERE domain = ?`
	args := []any{domain}

	switch filter {
	case store.HistoryDelegated:
		query += " AND undelegated = false"
	case store.HistoryUndelegated:
		query += " AND undelegated = true"
	}

	query += " ORDER BY creation_time DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mysql: history: %w", err)
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
			return nil, fmt.Errorf("mysql: history scan: %w", err)
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

// CreateBatch implements store.Store inside a single transaction, same
// shape as the Postgres adapter.
func (s *Store) CreateBatch(ctx context.Context, username, apiKey string, domains []string, testParams json.RawMessage, priority, queue int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mysql: create_batch begin: %w", err)
	}
	defer tx.Rollback()

	var storedKey string
	err = tx.QueryRowContext(ctx, `SELECT api_key FROM users WHERE username = ?`, username).Scan(&storedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrUnknownUser
	}
	if err != nil {
		return 0, fmt.Errorf("mysql: create_batch user lookup: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(storedKey), []byte(apiKey)) != 1 {
		return 0, store.ErrWrongAPIKey
	}

	var openBatchID int64
	err = tx.QueryRowContext(ctx, `
		SELECT b.id FROM batches b
		WHERE b.username = ? AND EXISTS (
			SELECT 1 FROM tests t WHERE t.batch_id = b.id AND t.progress < 100
		)
		ORDER BY b.id LIMIT 1`,
		username,
	).Scan(&openBatchID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("mysql: create_batch open check: %w", err)
	default:
		return 0, &store.OpenBatchError{BatchID: openBatchID}
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO batches (username, creation_time) VALUES (?, now())`, username)
	if err != nil {
		return 0, fmt.Errorf("mysql: create_batch insert batch: %w", err)
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("mysql: create_batch batch id: %w", err)
	}

	for _, domain := range domains {
		hashID, fp, err := testHashAndFingerprint(domain, testParams)
		if err != nil {
			return 0, fmt.Errorf("mysql: create_batch fingerprint: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT IGNORE INTO tests (
				hash_id, fingerprint, domain, batch_id, creation_time, params,
				undelegated, priority, queue, progress
			) VALUES (?, ?, ?, ?, now(), ?, false, ?, ?, 0)`,
			hashID, int64(fp), domain, batchID, []byte(testParams), priority, queue,
		)
		if err != nil {
			return 0, fmt.Errorf("mysql: create_batch insert test: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mysql: create_batch commit: %w", err)
	}

	return batchID, nil
}

// BatchStatus implements store.Store.
func (s *Store) BatchStatus(ctx context.Context, batchID int64) (*store.BatchStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash_id, progress FROM tests WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, fmt.Errorf("mysql: batch_status: %w", err)
	}
	defer rows.Close()

	status := &store.BatchStatus{}
	for rows.Next() {
		var hashID string
		var progress int
		if err := rows.Scan(&hashID, &progress); err != nil {
			return nil, fmt.Errorf("mysql: batch_status scan: %w", err)
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
	err := s.db.QueryRowContext(ctx, `SELECT api_key FROM users WHERE username = ?`, username).Scan(&existingKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("mysql: add_user lookup: %w", err)
	default:
		return 0, nil
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO users (username, api_key) VALUES (?, ?)`, username, apiKey)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return 0, nil
		}
		return 0, fmt.Errorf("mysql: add_user insert: %w", err)
	}

	return 1, nil
}

// VerifyUser implements store.Store's constant-time credential check.
func (s *Store) VerifyUser(ctx context.Context, username, apiKey string) (bool, error) {
	var storedKey string
	err := s.db.QueryRowContext(ctx, `SELECT api_key FROM users WHERE username = ?`, username).Scan(&storedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mysql: verify_user: %w", err)
	}

	return subtle.ConstantTimeCompare([]byte(storedKey), []byte(apiKey)) == 1, nil
}

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
