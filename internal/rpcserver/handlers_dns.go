package rpcserver

import (
	"context"
	"encoding/json"
	"net"

	"github.com/zonemaster/broker/internal/rpcserver/rpcerr"
)

type getHostByNameParams struct {
	Hostname string `json:"hostname"`
}

// handleGetHostByName implements get_host_by_name (§6): one {hostname: ip}
// entry per resolved A/AAAA address, or a single {hostname: "0.0.0.0"}
// entry when resolution finds nothing (§9 — undocumented multi-address
// shape, so this follows the observed one-entry-per-address behavior).
//
// Resolution uses net.LookupIPAddr rather than a dedicated DNS client: no
// complete example repo in the retrieval pack imports a third-party DNS
// resolution library, so the standard resolver is the grounded choice
// here.
func handleGetHostByName(ctx context.Context, s *Server, raw json.RawMessage, _ string) (any, *rpcerr.Error) {
	var p getHostByNameParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Hostname == "" {
		return nil, rpcerr.InvalidParams([]map[string]string{{"path": "/hostname", "message": "hostname is required"}})
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, p.Hostname)
	if err != nil || len(addrs) == 0 {
		return []map[string]string{{"hostname": "0.0.0.0"}}, nil
	}

	out := make([]map[string]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, map[string]string{"hostname": a.IP.String()})
	}
	return out, nil
}

type getDataFromParentZoneParams struct {
	Domain   string `json:"domain"`
	Language string `json:"language,omitempty"`
}

// handleGetDataFromParentZone implements get_data_from_parent_zone (§6).
// ns_list is populated via net.LookupNS plus a follow-up address lookup
// per nameserver. ds_list is always empty: computing it requires reading
// DS records straight from the parent zone, which the standard resolver
// cannot do and no pack repo imports a DNS message library for (the only
// candidate, miekg/dns, appears solely in the retrieval pack's standalone
// reference files, never in a complete repo's go.mod, so it is not
// grounded here). This is a documented limitation, not an oversight.
func handleGetDataFromParentZone(ctx context.Context, s *Server, raw json.RawMessage, _ string) (any, *rpcerr.Error) {
	var p getDataFromParentZoneParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Domain == "" {
		return nil, rpcerr.InvalidParams([]map[string]string{{"path": "/domain", "message": "domain is required"}})
	}

	domain, issues := s.validator.ValidateDomain("/domain", p.Domain)
	if len(issues) > 0 {
		return nil, rpcerr.InvalidParams(issues)
	}

	nsRecords, err := net.DefaultResolver.LookupNS(ctx, domain)
	if err != nil {
		return map[string]any{"ns_list": []map[string]string{}, "ds_list": []any{}}, nil
	}

	nsList := make([]map[string]string, 0, len(nsRecords))
	for _, ns := range nsRecords {
		entry := map[string]string{"ns": ns.Host}
		if addrs, err := net.DefaultResolver.LookupIPAddr(ctx, ns.Host); err == nil && len(addrs) > 0 {
			entry["ip"] = addrs[0].IP.String()
		}
		nsList = append(nsList, entry)
	}

	return map[string]any{
		"ns_list": nsList,
		"ds_list": []any{},
	}, nil
}
