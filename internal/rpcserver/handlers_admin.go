package rpcserver

import (
	"context"
	"encoding/json"

	"github.com/zonemaster/broker/internal/rpcserver/rpcerr"
)

// handleAddAPIUser implements add_api_user (§6). Loopback gating and the
// RPCAPI.enable_add_api_user feature gate are both enforced by the caller
// in routes.go before this handler runs.
func handleAddAPIUser(ctx context.Context, s *Server, raw json.RawMessage, _ string) (any, *rpcerr.Error) {
	params, rpcErr := decodeParams(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}

	out, issues := s.validator.ValidateAddAPIUser(params)
	if len(issues) > 0 {
		return nil, rpcerr.InvalidParams(issues)
	}

	n, err := s.store.AddUser(ctx, out.Username, out.APIKey)
	if err != nil {
		return nil, rpcerr.InternalError("could not add user")
	}

	return n, nil
}
