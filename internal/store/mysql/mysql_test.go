package mysql_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/zonemaster/broker/internal/store"
	brokermysql "github.com/zonemaster/broker/internal/store/mysql"
)

func setupStore(ctx context.Context, t *testing.T) *brokermysql.Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping testcontainers-backed test in short mode")
	}

	container, err := mysql.Run(ctx,
		"mysql:8.0",
		mysql.WithDatabase("broker_test"),
		mysql.WithUsername("broker"),
		mysql.WithPassword("broker"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "parseTime=true", "multiStatements=true")
	require.NoError(t, err)

	applyMigrations(t, dsn)

	s, err := brokermysql.Open(brokermysql.Config{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func applyMigrations(t *testing.T, dsn string) {
	t.Helper()

	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	defer db.Close()

	driver, err := migratemysql.WithInstance(db, &migratemysql.Config{})
	require.NoError(t, err)

	m, err := migrate.NewWithDatabaseInstance("file://../../../migrations/mysql", "mysql", driver)
	require.NoError(t, err)

	require.NoError(t, m.Up())
}

func TestStore_CreateTest_ReuseWindowReturnsSameID(t *testing.T) {
	ctx := context.Background()
	s := setupStore(ctx, t)

	p := store.NewTestParams{
		Domain:      "zonemaster.net",
		Fingerprint: 42,
		HashID:      "aaaaaaaaaaaaaaaa",
		Params:      []byte(`{"domain":"zonemaster.net"}`),
		Priority:    10,
		Queue:       0,
	}

	id1, err := s.CreateTest(ctx, p, time.Minute)
	require.NoError(t, err)

	id2, err := s.CreateTest(ctx, p, time.Minute)
	require.NoError(t, err)

	require.Equal(t, id1, id2)
}

func TestStore_CreateTest_UnfinishedReusedPastWindow(t *testing.T) {
	ctx := context.Background()
	s := setupStore(ctx, t)

	p := store.NewTestParams{
		Domain:      "stale.test",
		Fingerprint: 99,
		HashID:      "cccccccccccccccc",
		Params:      []byte(`{"domain":"stale.test"}`),
		Priority:    10,
		Queue:       0,
	}

	id1, err := s.CreateTest(ctx, p, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	p2 := p
	p2.HashID = "ccccccccccccccce"
	id2, err := s.CreateTest(ctx, p2, time.Nanosecond)
	require.NoError(t, err)

	require.Equal(t, id1, id2, "an unfinished test is reused regardless of its age")
}

func TestStore_CreateTest_NewIDAfterWindowAndFinished(t *testing.T) {
	ctx := context.Background()
	s := setupStore(ctx, t)

	p := store.NewTestParams{
		Domain:      "finished.test",
		Fingerprint: 100,
		HashID:      "dddddddddddddddd",
		Params:      []byte(`{"domain":"finished.test"}`),
		Priority:    10,
		Queue:       0,
	}

	id1, err := s.CreateTest(ctx, p, time.Nanosecond)
	require.NoError(t, err)
	require.NoError(t, s.SetProgress(ctx, id1, 100, nil))
	time.Sleep(time.Millisecond)

	p2 := p
	p2.HashID = "ddddddddddddddde"
	id2, err := s.CreateTest(ctx, p2, time.Nanosecond)
	require.NoError(t, err)

	require.NotEqual(t, id1, id2, "a finished test past the reuse window must not be reused")
}

func TestStore_ClaimNextAndSetProgress(t *testing.T) {
	ctx := context.Background()
	s := setupStore(ctx, t)

	p := store.NewTestParams{
		Domain:      "example.test",
		Fingerprint: 7,
		HashID:      "bbbbbbbbbbbbbbbb",
		Params:      []byte(`{"domain":"example.test"}`),
		Priority:    10,
		Queue:       3,
	}
	_, err := s.CreateTest(ctx, p, 0)
	require.NoError(t, err)

	hashID, ok, err := s.ClaimNext(ctx, 3, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, p.HashID, hashID)

	_, ok, err = s.ClaimNext(ctx, 3, 10)
	require.NoError(t, err)
	require.False(t, ok, "already-claimed test must not be claimed twice")

	require.NoError(t, s.SetProgress(ctx, hashID, 100, []store.ResultEntry{
		{Module: "DNSSEC", Tag: "ALGO_OK", Level: store.LevelInfo},
	}))
	test, err := s.ReadTest(ctx, hashID)
	require.NoError(t, err)
	require.Equal(t, 100, test.Progress)
	require.NotNil(t, test.EndTime)
}

func TestStore_CreateBatch_RejectsSecondOpenBatch(t *testing.T) {
	ctx := context.Background()
	s := setupStore(ctx, t)

	_, err := s.AddUser(ctx, "bob", "key123")
	require.NoError(t, err)

	firstBatchID, err := s.CreateBatch(ctx, "bob", "key123", []string{"a.test", "b.test"}, []byte(`{}`), 5, 0)
	require.NoError(t, err)

	_, err = s.CreateBatch(ctx, "bob", "key123", []string{"c.test"}, []byte(`{}`), 5, 0)
	require.ErrorIs(t, err, store.ErrOpenBatch)
	var openErr *store.OpenBatchError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, firstBatchID, openErr.BatchID)
}
