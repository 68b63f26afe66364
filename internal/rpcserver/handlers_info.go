package rpcserver

import (
	"context"
	"encoding/json"

	"github.com/zonemaster/broker/internal/rpcserver/rpcerr"
)

// handleVersionInfo implements version_info (§6).
func handleVersionInfo(_ context.Context, s *Server, _ json.RawMessage, _ string) (any, *rpcerr.Error) {
	return map[string]string{
		"zonemaster_backend": s.cfg.BackendVersion,
		"zonemaster_engine":  s.cfg.EngineVersion,
	}, nil
}

// handleProfileNames implements profile_names (§6). The configured set is
// guaranteed to contain "default" — profile_names defensively adds it if
// an operator's configuration somehow omits it, since the RPC contract
// requires the set always contain it.
func handleProfileNames(_ context.Context, s *Server, _ json.RawMessage, _ string) (any, *rpcerr.Error) {
	for _, p := range s.profileNames {
		if p == "default" {
			return s.profileNames, nil
		}
	}
	return append([]string{"default"}, s.profileNames...), nil
}

// handleGetLanguageTags implements get_language_tags (§6): the union of
// short and full tags already derived at startup by
// validate.DeriveLanguageTags and handed to NewServer.
func handleGetLanguageTags(_ context.Context, s *Server, _ json.RawMessage, _ string) (any, *rpcerr.Error) {
	return s.languageTags, nil
}
