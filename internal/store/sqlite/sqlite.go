// Package sqlite implements store.Store on an embedded SQLite database
// (modernc.org/sqlite, a CGo-free driver suited to a single-process
// broker deployment). SQLite has no cross-connection row-locking
// primitive worth using here — the whole database is already
// effectively single-writer — so claim_next serializes through an
// in-process sync.Mutex per queue, the cheapest correct option when
// every writer lives in the same process (§4.3.3, §5).
package sqlite

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zonemaster/broker/internal/fingerprint"
	"github.com/zonemaster/broker/internal/store"
)

// Store is a store.Store backed by an embedded SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	queueMu map[int]*sync.Mutex
}

// Config identifies the SQLite database file.
type Config struct {
	Path string
}

// Open opens (creating if absent) the SQLite database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	// A single-writer connection avoids SQLITE_BUSY from this process's own
	// concurrent writers; modernc.org/sqlite serializes internally but the
	// pool above it does not know that, so we pin it down explicitly.
	db.SetMaxOpenConns(1)

	return &Store{
		db:      db,
		logger:  slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "store.sqlite"),
		queueMu: make(map[int]*sync.Mutex),
	}, nil
}

func (s *Store) lockFor(queue int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.queueMu[queue]
	if !ok {
		m = &sync.Mutex{}
		s.queueMu[queue] = m
	}
	return m
}

// Close implements store.Store.
func (s *Store) Close() error { return s.db.Close() }

// HealthCheck implements store.Store.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// CreateTest implements store.Store.
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
			return "", fmt.Errorf("sqlite: create_test reuse lookup: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tests (
			hash_id, fingerprint, domain, batch_id, creation_time, params,
			undelegated, priority, queue, progress
		) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, ?, ?, ?, ?, 0)`,
		p.HashID, int64(p.Fingerprint), p.Domain, p.BatchID, string(p.Params),
		p.Undelegated, p.Priority, p.Queue,
	)
	if err != nil {
		if isUniqueViolation(err) {
			var existing string
			row := s.db.QueryRowContext(ctx, `SELECT hash_id FROM tests WHERE fingerprint = ? ORDER BY creation_time DESC LIMIT 1`, int64(p.Fingerprint))
			if scanErr := row.Scan(&existing); scanErr == nil {
				return existing, nil
			}
		}
		return "", fmt.Errorf("sqlite: create_test insert: %w", err)
	}

	return p.HashID, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ClaimNext implements store.Store, serialized per-queue by an in-process
// mutex — the concurrency primitive documented on the package itself.
func (s *Store) ClaimNext(ctx context.Context, queue int, maxConcurrent int) (string, bool, error) {
	lock := s.lockFor(queue)
	lock.Lock()
	defer lock.Unlock()

	var running int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM tests
		WHERE queue = ? AND start_time IS NOT NULL AND end_time IS NULL`,
		queue,
	).Scan(&running); err != nil {
		return "", false, fmt.Errorf("sqlite: claim_next running count: %w", err)
	}
	if running >= maxConcurrent {
		return "", false, nil
	}

	var hashID string
	err := s.db.QueryRowContext(ctx, `
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
		return "", false, fmt.Errorf("sqlite: claim_next select: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE tests SET start_time = CURRENT_TIMESTAMP WHERE hash_id = ?`, hashID); err != nil {
		return "", false, fmt.Errorf("sqlite: claim_next update: %w", err)
	}

	return hashID, true, nil
}

// SetProgress implements store.Store's monotonic progress write.
func (s *Store) SetProgress(ctx context.Context, hashID string, p int, results []store.ResultEntry) error {
	filtered := store.FilterEngineDebug(results)

	if p >= 100 {
		resultsJSON, err := json.Marshal(filtered)
		if err != nil {
			return fmt.Errorf("sqlite: set_progress marshal results: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE tests SET progress = ?, end_time = CURRENT_TIMESTAMP, results = ?
			WHERE hash_id = ? AND progress < ?`,
			p, string(resultsJSON), hashID, p,
		)
		if err != nil {
			return fmt.Errorf("sqlite: set_progress finish: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE tests SET progress = ?
		WHERE hash_id = ? AND progress < ?`,
		p, hashID, p,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set_progress: %w", err)
	}
	return nil
}

// StoreResults implements store.Store.
func (s *Store) StoreResults(ctx context.Context, hashID string, results []store.ResultEntry) error {
	filtered := store.FilterEngineDebug(results)

	resultsJSON, err := json.Marshal(filtered)
	if err != nil {
		return fmt.Errorf("sqlite: store_results marshal: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tests SET results = ?, progress = 100, end_time = CURRENT_TIMESTAMP
		WHERE hash_id = ? AND start_time IS NOT NULL`,
		string(resultsJSON), hashID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: store_results: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: store_results rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if scanErr := s.db.QueryRowContext(ctx, `SELECT 1 FROM tests WHERE hash_id = ?`, hashID).Scan(&exists); scanErr != nil {
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
		return nil, fmt.Errorf("sqlite: read_test: %w", err)
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
		query += " AND undelegated = 0"
	case store.HistoryUndelegated:
		query += " AND undelegated = 1"
	}

	query += " ORDER BY creation_time DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history: %w", err)
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
			return nil, fmt.Errorf("sqlite: history scan: %w", err)
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

// CreateBatch implements store.Store inside a transaction. SQLite's
// single-writer connection already serializes this against ClaimNext's
// per-queue mutex at the database-access level, so no extra locking is
// needed beyond the transaction itself.
func (s *Store) CreateBatch(ctx context.Context, username, apiKey string, domains []string, testParams json.RawMessage, priority, queue int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: create_batch begin: %w", err)
	}
	defer tx.Rollback()

	var storedKey string
	err = tx.QueryRowContext(ctx, `SELECT api_key FROM users WHERE username = ?`, username).Scan(&storedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrUnknownUser
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: create_batch user lookup: %w", err)
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
		return 0, fmt.Errorf("sqlite: create_batch open check: %w", err)
	default:
		return 0, &store.OpenBatchError{BatchID: openBatchID}
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO batches (username, creation_time) VALUES (?, CURRENT_TIMESTAMP)`, username)
	if err != nil {
		return 0, fmt.Errorf("sqlite: create_batch insert batch: %w", err)
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: create_batch batch id: %w", err)
	}

	for _, domain := range domains {
		hashID, fp, err := testHashAndFingerprint(domain, testParams)
		if err != nil {
			return 0, fmt.Errorf("sqlite: create_batch fingerprint: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tests (
				hash_id, fingerprint, domain, batch_id, creation_time, params,
				undelegated, priority, queue, progress
			) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, ?, 0, ?, ?, 0)`,
			hashID, int64(fp), domain, batchID, string(testParams), priority, queue,
		)
		if err != nil {
			return 0, fmt.Errorf("sqlite: create_batch insert test: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: create_batch commit: %w", err)
	}

	return batchID, nil
}

// BatchStatus implements store.Store.
func (s *Store) BatchStatus(ctx context.Context, batchID int64) (*store.BatchStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash_id, progress FROM tests WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: batch_status: %w", err)
	}
	defer rows.Close()

	status := &store.BatchStatus{}
	for rows.Next() {
		var hashID string
		var progress int
		if err := rows.Scan(&hashID, &progress); err != nil {
			return nil, fmt.Errorf("sqlite: batch_status scan: %w", err)
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
		return 0, fmt.Errorf("sqlite: add_user lookup: %w", err)
	default:
		return 0, nil
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO users (username, api_key) VALUES (?, ?)`, username, apiKey)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("sqlite: add_user insert: %w", err)
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
		return false, fmt.Errorf("sqlite: verify_user: %w", err)
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
