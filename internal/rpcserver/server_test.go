package rpcserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/zonemaster/broker/internal/store"
	brokersqlite "github.com/zonemaster/broker/internal/store/sqlite"
	"github.com/zonemaster/broker/internal/translate"
	"github.com/zonemaster/broker/internal/validate"
)

func setupServer(t *testing.T) *Server {
	t.Helper()

	path := filepath.Join(t.TempDir(), "broker.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	require.NoError(t, err)

	m, err := migrate.NewWithDatabaseInstance("file://../../migrations/sqlite", "sqlite", driver)
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, db.Close())

	st, err := brokersqlite.Open(brokersqlite.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v := validate.NewValidator([]string{"default"}, []string{"en", "en_US"})
	catalog := translate.NewCatalog([]string{"en", "en_US"}, nil)

	cfg := Config{
		ReuseWindow:           time.Minute,
		MaxConcurrentPerQueue: 10,
		EnableAddAPIUser:      true,
		EnableAddBatchJob:     true,
		BackendVersion:        "test-backend",
		EngineVersion:         "test-engine",
	}

	return NewServer(cfg, st, v, catalog, []string{"default"}, []string{"en", "en_US"}, slog.Default())
}

func rpcCall(t *testing.T, s *Server, method string, params any, remoteAddr string) map[string]any {
	t.Helper()

	paramsJSON, err := json.Marshal(params)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  json.RawMessage(paramsJSON),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rr := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rr, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestServer_Dedup(t *testing.T) {
	s := setupServer(t)

	resp := rpcCall(t, s, "start_domain_test", map[string]any{
		"domain": "zonemaster.net", "ipv4": true, "ipv6": true, "profile": "default",
	}, "")
	require.Nil(t, resp["error"])
	first := resp["result"]
	require.NotEmpty(t, first)

	resp = rpcCall(t, s, "start_domain_test", map[string]any{
		"domain": "zonemaster.net", "ipv4": true, "ipv6": true, "profile": "default", "nameservers": []any{},
	}, "")
	require.Nil(t, resp["error"])
	require.Equal(t, first, resp["result"], "same params within the reuse window return the same test id")
}

func TestServer_BatchGating(t *testing.T) {
	s := setupServer(t)

	resp := rpcCall(t, s, "add_api_user", map[string]any{"username": "alice", "api_key": "secret"}, "127.0.0.1:9999")
	require.Nil(t, resp["error"])
	require.EqualValues(t, 1, resp["result"])

	resp = rpcCall(t, s, "add_batch_job", map[string]any{
		"username": "alice", "api_key": "secret", "domains": []any{"a.test", "b.test"},
	}, "")
	require.Nil(t, resp["error"])
	require.EqualValues(t, 1, resp["result"])

	resp = rpcCall(t, s, "add_batch_job", map[string]any{
		"username": "alice", "api_key": "secret", "domains": []any{"c.test"},
	}, "")
	require.NotNil(t, resp["error"])
	errObj := resp["error"].(map[string]any)
	require.Equal(t, "Batch job still running", errObj["message"])
	data := errObj["data"].(map[string]any)
	require.EqualValues(t, 1, data["batch_id"])
}

func TestServer_AdminGating(t *testing.T) {
	s := setupServer(t)

	resp := rpcCall(t, s, "add_api_user", map[string]any{"username": "bob", "api_key": "secret"}, "10.0.0.1:1234")
	require.NotNil(t, resp["error"])
	errObj := resp["error"].(map[string]any)
	require.EqualValues(t, -32603, errObj["code"])
	data := errObj["data"].(map[string]any)
	require.Equal(t, "10.0.0.1", data["remote_ip"])

	resp = rpcCall(t, s, "add_api_user", map[string]any{"username": "bob", "api_key": "secret"}, "127.0.0.1:1234")
	require.Nil(t, resp["error"])
	require.EqualValues(t, 1, resp["result"])
}

func TestServer_InvalidParams(t *testing.T) {
	s := setupServer(t)

	resp := rpcCall(t, s, "start_domain_test", map[string]any{"domain": "ex ample.com"}, "")
	require.NotNil(t, resp["error"])
	errObj := resp["error"].(map[string]any)
	require.EqualValues(t, -32602, errObj["code"])
	issues := errObj["data"].([]any)
	require.NotEmpty(t, issues)
	first := issues[0].(map[string]any)
	require.Equal(t, "/domain", first["path"])
}

func TestServer_ProgressAndResults(t *testing.T) {
	s := setupServer(t)

	resp := rpcCall(t, s, "start_domain_test", map[string]any{"domain": "example.com"}, "")
	require.Nil(t, resp["error"])
	testID := resp["result"].(string)

	resp = rpcCall(t, s, "test_progress", map[string]any{"test_id": testID}, "")
	require.Nil(t, resp["error"])
	require.EqualValues(t, 0, resp["result"])

	resp = rpcCall(t, s, "get_test_results", map[string]any{"id": testID, "language": "en"}, "")
	require.Nil(t, resp["error"])
	result := resp["result"].(map[string]any)
	require.Empty(t, result["results"])

	ctx := context.Background()
	_, ok, err := s.store.ClaimNext(ctx, 0, 10)
	require.NoError(t, err)
	require.True(t, ok)

	err = s.store.SetProgress(ctx, testID, 100, []store.ResultEntry{
		{Module: "SYSTEM", Tag: "POLICY_DISABLED", Args: map[string]any{"name": "Example"}, Level: store.LevelInfo},
		{Module: "NAMESERVER", Tag: "SOME_TAG", NS: "ns1", Level: store.LevelWarning},
	})
	require.NoError(t, err)

	resp = rpcCall(t, s, "get_test_results", map[string]any{"id": testID, "language": "en"}, "")
	require.Nil(t, resp["error"])
	result = resp["result"].(map[string]any)
	results := result["results"].([]any)
	require.Len(t, results, 1, "the SYSTEM/POLICY_DISABLED/Example entry is dropped")
	entry := results[0].(map[string]any)
	require.Equal(t, "NAMESERVER", entry["module"])
	require.Equal(t, "ns1", entry["ns"])

	resp = rpcCall(t, s, "get_test_history", map[string]any{"frontend_params": map[string]any{"domain": "example.com"}}, "")
	require.Nil(t, resp["error"])
	history := resp["result"].([]any)
	require.NotEmpty(t, history)
	first := history[0].(map[string]any)
	require.Equal(t, "warning", first["overall_result"])
}
