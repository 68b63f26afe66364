package rpcserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/zonemaster/broker/internal/rpcserver/rpcerr"
)

// methodFunc handles one RPC method's params and returns its result or a
// structured RPC error. remoteIP is the caller's address, needed only by
// administrative methods (§4.5).
type methodFunc func(ctx context.Context, s *Server, params json.RawMessage, remoteIP string) (any, *rpcerr.Error)

// administrative names the methods restricted to loopback callers (§4.5).
var administrative = map[string]struct{}{
	"add_api_user": {},
}

// methodTable is the dispatch table for every RPC method in §6. Unlike
// api.Server's one-path-per-method mux registration, the JSON-RPC
// protocol multiplexes every method through a single endpoint, so
// dispatch happens by method name inside the request body rather than by
// URL.
var methodTable = map[string]methodFunc{
	"version_info":              handleVersionInfo,
	"profile_names":             handleProfileNames,
	"get_language_tags":         handleGetLanguageTags,
	"get_host_by_name":          handleGetHostByName,
	"get_data_from_parent_zone": handleGetDataFromParentZone,
	"start_domain_test":         handleStartDomainTest,
	"test_progress":             handleTestProgress,
	"get_test_results":          handleGetTestResults,
	"get_test_history":          handleGetTestHistory,
	"get_test_params":           handleGetTestParams,
	"add_api_user":              handleAddAPIUser,
	"add_batch_job":             handleAddBatchJob,
	"get_batch_job_result":      handleGetBatchJobResult,
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /", s.handleRPC)
}

// handleRPC implements the JSON-RPC envelope handling of §4.5/§7: parse
// errors become -32700, unknown methods -32601, everything else is
// dispatched through methodTable and its result or error wrapped into the
// response envelope.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, nil, nil, rpcerr.ParseError(err.Error()))
		return
	}

	if req.Method == "" {
		s.writeResponse(w, req.ID, nil, rpcerr.MethodNotFound(""))
		return
	}

	handler, ok := methodTable[req.Method]
	if !ok {
		s.writeResponse(w, req.ID, nil, rpcerr.MethodNotFound(req.Method))
		return
	}

	if _, restricted := administrative[req.Method]; restricted {
		remoteIP := remoteIPFrom(r)
		if !isLoopback(remoteIP) {
			s.writeResponse(w, req.ID, nil, rpcerr.PermissionDenied(remoteIP))
			return
		}
	}

	if req.Method == "add_api_user" && !s.cfg.EnableAddAPIUser {
		s.writeResponse(w, req.ID, nil, rpcerr.MethodNotFound(req.Method))
		return
	}
	if req.Method == "add_batch_job" && !s.cfg.EnableAddBatchJob {
		s.writeResponse(w, req.ID, nil, rpcerr.MethodNotFound(req.Method))
		return
	}

	result, rpcErr := handler(r.Context(), s, req.Params, remoteIPFrom(r))
	s.writeResponse(w, req.ID, result, rpcErr)
}

func (s *Server) writeResponse(w http.ResponseWriter, id, result any, rpcErr *rpcerr.Error) {
	resp := Response{JSONRPC: "2.0", ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode rpc response", "error", err.Error())
	}
}

// remoteIPFrom extracts the caller's address from the request, stripping
// the port that net/http always appends to RemoteAddr.
func remoteIPFrom(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isLoopback reports whether ip is one of the three loopback forms §4.5
// names explicitly, or any other address net.IP reports as loopback
// (e.g. 127.0.0.2).
func isLoopback(ip string) bool {
	switch ip {
	case "127.0.0.1", "::1", "::ffff:127.0.0.1":
		return true
	default:
		parsed := net.ParseIP(ip)
		return parsed != nil && parsed.IsLoopback()
	}
}

// decodeParams unmarshals raw into a map for schema validation, returning
// an InvalidParams error on malformed or non-object params.
func decodeParams(raw json.RawMessage) (map[string]any, *rpcerr.Error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, rpcerr.InvalidParams([]map[string]string{{"path": "", "message": "params must be an object"}})
	}
	return m, nil
}
