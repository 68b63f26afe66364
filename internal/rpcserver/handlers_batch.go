package rpcserver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/zonemaster/broker/internal/rpcserver/rpcerr"
	"github.com/zonemaster/broker/internal/store"
)

// handleAddBatchJob implements add_batch_job (§6, §8 scenario 2): creates a
// batch of tests for an authenticated user, rejecting the call while the
// user already has a batch with an unfinished test.
func handleAddBatchJob(ctx context.Context, s *Server, raw json.RawMessage, _ string) (any, *rpcerr.Error) {
	params, rpcErr := decodeParams(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}

	out, issues := s.validator.ValidateAddBatchJob(params)
	if len(issues) > 0 {
		return nil, rpcerr.InvalidParams(issues)
	}

	testParamsJSON := []byte(`{}`)
	if out.TestParams != nil {
		b, err := json.Marshal(out.TestParams)
		if err != nil {
			return nil, rpcerr.InternalError("could not serialize test parameters")
		}
		testParamsJSON = b
	}

	batchID, err := s.store.CreateBatch(ctx, out.Username, out.APIKey, out.Domains, testParamsJSON, out.Priority, out.Queue)
	switch {
	case errors.Is(err, store.ErrUnknownUser):
		return nil, rpcerr.UserError("Unknown user", map[string]string{"username": out.Username})
	case errors.Is(err, store.ErrWrongAPIKey):
		return nil, rpcerr.UserError("Wrong API key", map[string]string{"username": out.Username})
	case err != nil:
		var openErr *store.OpenBatchError
		if errors.As(err, &openErr) {
			return nil, rpcerr.UserError("Batch job still running", map[string]int64{"batch_id": openErr.BatchID})
		}
		return nil, rpcerr.InternalError("could not create batch")
	}

	return batchID, nil
}

type getBatchJobResultParams struct {
	BatchID int64 `json:"batch_id"`
}

// handleGetBatchJobResult implements get_batch_job_result (§6).
func handleGetBatchJobResult(ctx context.Context, s *Server, raw json.RawMessage, _ string) (any, *rpcerr.Error) {
	var p getBatchJobResultParams
	if err := json.Unmarshal(raw, &p); err != nil || p.BatchID == 0 {
		return nil, rpcerr.InvalidParams([]map[string]string{{"path": "/batch_id", "message": "batch_id is required"}})
	}

	status, err := s.store.BatchStatus(ctx, p.BatchID)
	if err != nil {
		return nil, rpcerr.InternalError("could not read batch status")
	}

	return map[string]any{
		"nb_finished":       status.NbFinished,
		"nb_running":        status.NbRunning,
		"finished_test_ids": status.FinishedTestIDs,
	}, nil
}
