package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/zonemaster/broker/internal/fingerprint"
	"github.com/zonemaster/broker/internal/rpcserver/rpcerr"
	"github.com/zonemaster/broker/internal/store"
	"github.com/zonemaster/broker/internal/translate"
)

// storedTestParams is the JSON shape persisted in tests.params and
// returned by get_test_params/get_test_results (§4.5's "return the
// normalized params as stored" rule) — the full submission, not just the
// fingerprinted subset.
type storedTestParams struct {
	Domain        string                  `json:"domain"`
	IPv4          bool                    `json:"ipv4"`
	IPv6          bool                    `json:"ipv6"`
	NameServers   []fingerprint.NameServer `json:"nameservers,omitempty"`
	DSInfo        []fingerprint.DSInfo     `json:"ds_info,omitempty"` //nolint:tagliatelle
	Profile       string                  `json:"profile"`
	ClientID      string                  `json:"client_id,omitempty"`
	ClientVersion string                  `json:"client_version,omitempty"`
	Priority      int                     `json:"priority"`
	Queue         int                     `json:"queue"`
	Language      string                  `json:"language,omitempty"`
}

// handleStartDomainTest implements start_domain_test (§6): validate,
// fingerprint, and dedup-or-create a test, returning its hash id.
func handleStartDomainTest(ctx context.Context, s *Server, raw json.RawMessage, _ string) (any, *rpcerr.Error) {
	params, rpcErr := decodeParams(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}

	out, issues := s.validator.ValidateStartDomainTest(params)
	if len(issues) > 0 {
		return nil, rpcerr.InvalidParams(issues)
	}

	fp := fingerprint.Params{
		Domain:      out.Domain,
		IPv4:        out.IPv4,
		IPv6:        out.IPv6,
		Profile:     out.Profile,
		NameServers: out.NameServers,
		DSInfo:      out.DSInfo,
	}
	normalized := fingerprint.Normalize(fp)

	key, err := fingerprint.Fingerprint(fp)
	if err != nil {
		return nil, rpcerr.InternalError("could not fingerprint test parameters")
	}
	hashID := fingerprint.NewHashID()

	stored := storedTestParams{
		Domain:        normalized.Domain,
		IPv4:          normalized.IPv4,
		IPv6:          normalized.IPv6,
		NameServers:   normalized.NameServers,
		DSInfo:        normalized.DSInfo,
		Profile:       normalized.Profile,
		ClientID:      out.ClientID,
		ClientVersion: out.ClientVersion,
		Priority:      out.Priority,
		Queue:         out.Queue,
		Language:      out.Language,
	}
	paramsJSON, err := json.Marshal(stored)
	if err != nil {
		return nil, rpcerr.InternalError("could not serialize test parameters")
	}

	undelegated := len(normalized.NameServers) > 0 || len(normalized.DSInfo) > 0

	testID, err := s.store.CreateTest(ctx, store.NewTestParams{
		Domain:      normalized.Domain,
		Fingerprint: key,
		HashID:      hashID,
		Params:      paramsJSON,
		Undelegated: undelegated,
		Priority:    out.Priority,
		Queue:       out.Queue,
	}, s.cfg.ReuseWindow)
	if err != nil {
		return nil, rpcerr.InternalError("could not create test")
	}

	return testID, nil
}

type testIDParams struct {
	TestID string `json:"test_id"`
}

// handleTestProgress implements test_progress (§6).
func handleTestProgress(ctx context.Context, s *Server, raw json.RawMessage, _ string) (any, *rpcerr.Error) {
	var p testIDParams
	if err := json.Unmarshal(raw, &p); err != nil || p.TestID == "" {
		return nil, rpcerr.InvalidParams([]map[string]string{{"path": "/test_id", "message": "test_id is required"}})
	}

	t, err := s.store.ReadTest(ctx, p.TestID)
	if errors.Is(err, store.ErrTestNotFound) {
		return nil, rpcerr.UserError("Unknown test id", map[string]string{"test_id": p.TestID})
	}
	if err != nil {
		return nil, rpcerr.InternalError("could not read test")
	}

	return t.Progress, nil
}

type getTestResultsParams struct {
	ID       string `json:"id"`
	Language string `json:"language"`
}

type testResultOut struct {
	Module  string `json:"module"`
	Message string `json:"message"`
	Level   string `json:"level"`
	NS      string `json:"ns,omitempty"`
}

// handleGetTestResults implements get_test_results (§6, §4.5, §4.6): scopes
// the process-wide locale to this call, translates and legacy-rewrites the
// result set, and returns the normalized params alongside it.
func handleGetTestResults(ctx context.Context, s *Server, raw json.RawMessage, _ string) (any, *rpcerr.Error) {
	var p getTestResultsParams
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return nil, rpcerr.InvalidParams([]map[string]string{{"path": "/id", "message": "id is required"}})
	}

	language, issues := s.validator.ValidateLanguage("/language", p.Language)
	if len(issues) > 0 {
		return nil, rpcerr.InvalidParams(issues)
	}

	var t *store.Test
	var out []testResultOut

	err := s.catalog.WithLocale(language, func() error {
		var err error
		t, err = s.store.ReadTest(ctx, p.ID)
		if err != nil {
			return err
		}

		var entries []store.ResultEntry
		if len(t.Results) > 0 {
			if err := json.Unmarshal(t.Results, &entries); err != nil {
				return err
			}
		}
		entries = store.FilterEngineDebug(entries)

		translated := make([]translate.TranslatedEntry, 0, len(entries))
		for _, e := range entries {
			msg, err := s.catalog.Translate(e, language)
			if err != nil {
				return err
			}
			translated = append(translated, translate.TranslatedEntry{
				Module:  e.Module,
				Tag:     e.Tag,
				Args:    e.Args,
				Level:   e.Level,
				Message: msg,
				NS:      e.NS,
			})
		}

		rewritten := translate.RewriteLegacyMessages(translated)
		out = make([]testResultOut, 0, len(rewritten))
		for _, e := range rewritten {
			out = append(out, testResultOut{Module: e.Module, Message: e.Message, Level: string(e.Level), NS: e.NS})
		}
		return nil
	})
	if errors.Is(err, store.ErrTestNotFound) {
		return nil, rpcerr.UserError("Unknown test id", map[string]string{"test_id": p.ID})
	}
	if err != nil {
		return nil, rpcerr.InternalError("could not read test results")
	}

	var params any
	if len(t.Params) > 0 {
		_ = json.Unmarshal(t.Params, &params)
	}

	return map[string]any{
		"creation_time": t.CreationTime.Format(time.RFC3339),
		"id":            t.ID,
		"hash_id":       t.HashID,
		"params":        params,
		"results":       out,
	}, nil
}

// handleGetTestParams implements get_test_params (§6): returns the
// normalized params exactly as stored.
func handleGetTestParams(ctx context.Context, s *Server, raw json.RawMessage, _ string) (any, *rpcerr.Error) {
	var p testIDParams
	if err := json.Unmarshal(raw, &p); err != nil || p.TestID == "" {
		return nil, rpcerr.InvalidParams([]map[string]string{{"path": "/test_id", "message": "test_id is required"}})
	}

	t, err := s.store.ReadTest(ctx, p.TestID)
	if errors.Is(err, store.ErrTestNotFound) {
		return nil, rpcerr.UserError("Unknown test id", map[string]string{"test_id": p.TestID})
	}
	if err != nil {
		return nil, rpcerr.InternalError("could not read test")
	}

	var params any
	if len(t.Params) > 0 {
		if err := json.Unmarshal(t.Params, &params); err != nil {
			return nil, rpcerr.InternalError("could not decode stored test parameters")
		}
	}
	return params, nil
}

type testHistoryEntryOut struct {
	ID            int64  `json:"id"`
	CreationTime  string `json:"creation_time"`
	OverallResult string `json:"overall_result"`
	Undelegated   bool   `json:"undelegated"`
}

// handleGetTestHistory implements get_test_history (§6).
func handleGetTestHistory(ctx context.Context, s *Server, raw json.RawMessage, _ string) (any, *rpcerr.Error) {
	params, rpcErr := decodeParams(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}

	out, issues := s.validator.ValidateGetTestHistory(params)
	if len(issues) > 0 {
		return nil, rpcerr.InvalidParams(issues)
	}

	tests, err := s.store.History(ctx, out.Domain, out.Offset, out.Limit, store.HistoryFilter(out.Filter))
	if err != nil {
		return nil, rpcerr.InternalError("could not read test history")
	}

	result := make([]testHistoryEntryOut, 0, len(tests))
	for _, t := range tests {
		var entries []store.ResultEntry
		if len(t.Results) > 0 {
			if err := json.Unmarshal(t.Results, &entries); err != nil {
				return nil, rpcerr.InternalError("could not decode stored test results")
			}
		}
		result = append(result, testHistoryEntryOut{
			ID:            t.ID,
			CreationTime:  t.CreationTime.Format(time.RFC3339),
			OverallResult: store.OverallResult(entries),
			Undelegated:   t.Undelegated,
		})
	}

	return result, nil
}
