// Package store defines the persistence contract for DNS health-check tests,
// batches, and users, and the domain types that flow through it.
//
// The package itself holds no backend-specific code — concrete
// implementations live in internal/store/postgres, internal/store/mysql,
// and internal/store/sqlite. Handlers in internal/rpcserver depend only on
// the Store interface defined here, following the same dependency-inversion
// shape the ingestion/storage split uses: the domain package says what it
// needs, infrastructure packages say how.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. Callers type-switch or
// errors.Is against these rather than inspecting driver-specific codes —
// each adapter is responsible for mapping its own errors onto this set.
var (
	// ErrUnknownUser is returned by create_batch when the username has no
	// matching row (verify_user reports that case as false, nil).
	ErrUnknownUser = errors.New("store: unknown user")

	// ErrWrongAPIKey is returned by create_batch when the supplied api_key
	// does not match the stored one for the username.
	ErrWrongAPIKey = errors.New("store: wrong api key")

	// ErrOpenBatch is returned by create_batch when the user already has a
	// batch with at least one test at progress < 100. Adapters wrap it in
	// an *OpenBatchError carrying the offending batch id; errors.Is against
	// this sentinel still matches through OpenBatchError.Unwrap.
	ErrOpenBatch = errors.New("store: user has an open batch")

	// ErrNotStarted is returned by store_results when start_time is still
	// NULL for the target test (§4.3.2: store_results is rejected if the
	// test was never claimed).
	ErrNotStarted = errors.New("store: test has not been claimed")

	// ErrUserConflict names the case of a username already bound to a
	// different api_key. The adapters' AddUser does not return it: that
	// case is reported as (0, nil).
	ErrUserConflict = errors.New("store: username exists with a different api key")

	// ErrTestNotFound is returned by read_test/get_test_params-style reads
	// when the hash id has no matching row.
	ErrTestNotFound = errors.New("store: test not found")
)

// OpenBatchError wraps ErrOpenBatch with the id of the user's existing
// open batch, so callers can surface it in the error's data field (§7
// requires "a structured data field identifying the offending entity",
// and the create_batch E2E scenario in §8 names data.batch_id
// explicitly).
type OpenBatchError struct {
	BatchID int64
}

func (e *OpenBatchError) Error() string { return ErrOpenBatch.Error() }
func (e *OpenBatchError) Unwrap() error { return ErrOpenBatch }

// Level is the severity of a single ResultEntry. The ordered set below
// matches the engine's full severity scale; DEBUG1..DEBUG3 are accepted on
// ingest (the external test engine emits them) but are filtered out at the
// store boundary per §9 — nothing above this package should ever observe
// them in a read.
type Level string

// Severity levels, lowest to highest. The DEBUG levels exist only so the
// store can recognize and drop them; they are never returned by history or
// get_test_results.
const (
	LevelDebug3  Level = "DEBUG3"
	LevelDebug2  Level = "DEBUG2"
	LevelDebug1  Level = "DEBUG1"
	LevelInfo    Level = "INFO"
	LevelNotice  Level = "NOTICE"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// severityRank orders levels for overall_result computation (§6,
// get_test_history). Lower is less severe.
var severityRank = map[Level]int{
	LevelDebug3:   -3,
	LevelDebug2:   -2,
	LevelDebug1:   -1,
	LevelInfo:     0,
	LevelNotice:   1,
	LevelWarning:  2,
	LevelError:    3,
	LevelCritical: 4,
}

// IsDebug reports whether the level is one of the engine's three DEBUG
// levels, which §9 requires filtering out uniformly at the store boundary.
func (l Level) IsDebug() bool {
	r, ok := severityRank[l]
	return ok && r < 0
}

// Rank returns the relative severity of l, or 0 (INFO's rank) for an
// unrecognized level so malformed input never outranks a real CRITICAL.
func (l Level) Rank() int {
	if r, ok := severityRank[l]; ok {
		return r
	}
	return 0
}

// ResultEntry is one line item of a finished Test's result document.
type ResultEntry struct {
	Module    string         `json:"module"`
	Tag       string         `json:"tag"`
	Args      map[string]any `json:"args,omitempty"`
	Level     Level          `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	// NS carries the nameserver a message pertains to, when applicable.
	// Present in get_test_results output (§6) but not required on write.
	NS string `json:"ns,omitempty"`
}

// OverallResult summarizes a result set's maximum severity for
// get_test_history (§6). INFO/NOTICE collapse to "ok" per spec.
func OverallResult(entries []ResultEntry) string {
	worst := LevelInfo
	for _, e := range entries {
		if e.Level.IsDebug() {
			continue
		}
		if e.Level.Rank() > worst.Rank() {
			worst = e.Level
		}
	}

	switch {
	case worst.Rank() >= LevelCritical.Rank():
		return "critical"
	case worst.Rank() >= LevelError.Rank():
		return "error"
	case worst.Rank() >= LevelWarning.Rank():
		return "warning"
	default:
		return "ok"
	}
}

// Test is the broker's unit of work: one DNS health-check invocation.
type Test struct {
	ID           int64
	HashID       string // 16-char lowercase hex, random per row (fingerprint.NewHashID)
	Fingerprint  uint64
	Domain       string
	BatchID      *int64
	CreationTime time.Time
	StartTime    *time.Time
	EndTime      *time.Time
	Progress     int
	Params       json.RawMessage // normalized params, as stored
	Results      json.RawMessage // nil until Progress == 100
	Undelegated  bool
	Priority     int
	Queue        int
}

// Batch groups Tests submitted together by one User.
type Batch struct {
	ID           int64
	Username     string
	CreationTime time.Time
}

// BatchStatus is the result of batch_status (§4.3.2).
type BatchStatus struct {
	NbRunning       int
	NbFinished      int
	FinishedTestIDs []string
}

// User is a batch-job credential pair (§3). No authentication beyond this
// pair is in scope (§1 Non-goals).
type User struct {
	ID       int64
	Username string
	APIKey   string
}

// HistoryFilter selects which Tests history() returns, based on the
// undelegated flag (§4.3.2).
type HistoryFilter string

const (
	HistoryAll         HistoryFilter = "all"
	HistoryDelegated   HistoryFilter = "delegated"
	HistoryUndelegated HistoryFilter = "undelegated"
)

// NewTestParams is the input to CreateTest: normalized, fingerprinted
// params plus the scheduling fields that don't participate in the
// fingerprint (§4.2).
type NewTestParams struct {
	Domain      string
	Fingerprint uint64
	HashID      string
	Params      json.RawMessage
	Undelegated bool
	Priority    int
	Queue       int
	BatchID     *int64
}

// Dispatcher is the narrow surface an external Test Agent needs (§4.4):
// claim a test, report progress, and write results. It is implemented by
// every Store, and is split out so cmd/agentsim (and any real out-of-
// process agent) can depend on the minimal contract rather than the full
// Store interface — the same dependency-inversion shape as
// ingestion.Store's relationship to the broader storage package.
type Dispatcher interface {
	// ClaimNext atomically selects the highest-priority, lowest-id Test on
	// queue whose start_time is still NULL, subject to the maxConcurrent
	// cap on tests already running on that queue, sets its start_time, and
	// returns its hash id. Returns ("", false, nil) when nothing is
	// claimable. MUST be linearizable per queue (§5).
	ClaimNext(ctx context.Context, queue int, maxConcurrent int) (hashID string, ok bool, err error)

	// SetProgress performs a monotonic progress write: p < current is a
	// silent no-op, not an error (§4.3.2). p == 100 atomically sets
	// end_time and stores results in the same commit.
	SetProgress(ctx context.Context, hashID string, p int, results []ResultEntry) error

	// StoreResults atomically replaces a test's result document. Returns
	// ErrNotStarted if the test was never claimed.
	StoreResults(ctx context.Context, hashID string, results []ResultEntry) error
}

// Store is the full persistence contract (§4.3.2).
type Store interface {
	Dispatcher

	// CreateTest looks up an unexpired matching fingerprint within
	// reuseWindow and returns its hash id, or inserts a new Test and
	// returns its hash id. Invariant 2 (§3): concurrent callers with the
	// same fingerprint observe the same returned id.
	CreateTest(ctx context.Context, p NewTestParams, reuseWindow time.Duration) (hashID string, err error)

	// ReadTest returns a Test's current params/progress/results/timestamps.
	// Never fails for an id that exists; results are empty unless
	// Progress == 100 (§3 invariant 4).
	ReadTest(ctx context.Context, hashID string) (*Test, error)

	// History returns up to limit Tests for domain ordered by creation
	// time descending, filtered by undelegated status.
	History(ctx context.Context, domain string, offset, limit int, filter HistoryFilter) ([]*Test, error)

	// CreateBatch verifies the user's credentials, verifies no open batch
	// exists for them, and inserts the batch plus one Test per domain, all
	// atomically (§4.3.2, §5). Returns ErrUnknownUser, ErrWrongAPIKey, or
	// ErrOpenBatch on failure.
	CreateBatch(ctx context.Context, username, apiKey string, domains []string, testParams json.RawMessage, priority, queue int) (batchID int64, err error)

	// BatchStatus reports running/finished counts and finished test ids.
	BatchStatus(ctx context.Context, batchID int64) (*BatchStatus, error)

	// AddUser inserts (username, apiKey) idempotently. Returns (1, nil) on
	// first insert and (0, nil) when the username already exists, whether
	// with the same key or a different one (§4.3.2's normalized {0|1}
	// contract across backends).
	AddUser(ctx context.Context, username, apiKey string) (int, error)

	// VerifyUser performs a constant-time comparison of apiKey against the
	// stored key for username.
	VerifyUser(ctx context.Context, username, apiKey string) (bool, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// FilterEngineDebug removes DEBUG1..DEBUG3 entries from a result set. Every
// adapter MUST apply this before persisting or returning results, per §9's
// confirmation that the omission is intentional.
func FilterEngineDebug(entries []ResultEntry) []ResultEntry {
	out := make([]ResultEntry, 0, len(entries))
	for _, e := range entries {
		if e.Level.IsDebug() {
			continue
		}
		out = append(out, e)
	}
	return out
}
