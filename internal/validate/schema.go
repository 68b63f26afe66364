package validate

import (
	"strconv"

	"github.com/zonemaster/broker/internal/fingerprint"
)

// StartDomainTestParams is the normalized, validated form of
// start_domain_test's params (§6).
type StartDomainTestParams struct {
	Domain        string
	IPv4          bool
	IPv6          bool
	NameServers   []fingerprint.NameServer
	DSInfo        []fingerprint.DSInfo
	Profile       string
	ClientID      string
	ClientVersion string
	Priority      int
	Queue         int
	Language      string
}

var startDomainTestFields = fieldSet(
	"domain", "ipv4", "ipv6", "nameservers", "ds_info", "profile",
	"client_id", "client_version", "priority", "queue", "language",
)

const (
	defaultStartPriority = 10
	defaultStartQueue    = 0
	defaultProfile       = "default"
)

// ValidateStartDomainTest validates and normalizes start_domain_test params
// (§6). raw is the decoded top-level JSON object.
func (v *Validator) ValidateStartDomainTest(raw map[string]any) (StartDomainTestParams, []Issue) {
	var issues []Issue
	var out StartDomainTestParams

	issues = append(issues, RejectUnknownFields(raw, startDomainTestFields)...)

	domain, ok := raw["domain"].(string)
	if !ok || domain == "" {
		issues = append(issues, Issue{Path: "/domain", Message: "domain is required"})
	} else {
		d, dIssues := v.ValidateDomain("/domain", domain)
		out.Domain = d
		issues = append(issues, dIssues...)
	}

	if val, present := raw["ipv4"]; present {
		out.IPv4 = CoerceBool(val)
	}
	if val, present := raw["ipv6"]; present {
		out.IPv6 = CoerceBool(val)
	}

	if rawNS, present := raw["nameservers"]; present {
		list, ok := rawNS.([]any)
		if !ok {
			issues = append(issues, Issue{Path: "/nameservers", Message: "nameservers must be an array"})
		} else {
			for i, item := range list {
				entry, ok := item.(map[string]any)
				if !ok {
					issues = append(issues, Issue{Path: pathIndex("/nameservers", i), Message: "nameserver must be an object"})
					continue
				}
				ns, nsIssues := v.ValidateNameServer(pathIndex("/nameservers", i), entry["ns"], entry["ip"])
				issues = append(issues, nsIssues...)
				out.NameServers = append(out.NameServers, ns)
			}
		}
	}

	if rawDS, present := raw["ds_info"]; present {
		list, ok := rawDS.([]any)
		if !ok {
			issues = append(issues, Issue{Path: "/ds_info", Message: "ds_info must be an array"})
		} else {
			for i, item := range list {
				entry, ok := item.(map[string]any)
				if !ok {
					issues = append(issues, Issue{Path: pathIndex("/ds_info", i), Message: "ds_info entry must be an object"})
					continue
				}
				ds, dsIssues := v.ValidateDSInfo(pathIndex("/ds_info", i), entry)
				issues = append(issues, dsIssues...)
				out.DSInfo = append(out.DSInfo, ds)
			}
		}
	}

	profile := defaultProfile
	if raw["profile"] != nil {
		if s, ok := raw["profile"].(string); ok {
			profile = s
		} else {
			issues = append(issues, Issue{Path: "/profile", Message: "profile must be a string"})
		}
	}
	p, pIssues := v.ValidateProfile("/profile", profile)
	out.Profile = p
	issues = append(issues, pIssues...)

	if s, ok := raw["client_id"].(string); ok {
		out.ClientID = s
	}
	if s, ok := raw["client_version"].(string); ok {
		out.ClientVersion = s
	}

	out.Priority = defaultStartPriority
	if val, present := raw["priority"]; present {
		if i, ok := CoerceInt(val); ok {
			out.Priority = i
		} else {
			issues = append(issues, Issue{Path: "/priority", Message: "priority must be an integer"})
		}
	}

	out.Queue = defaultStartQueue
	if val, present := raw["queue"]; present {
		if i, ok := CoerceInt(val); ok {
			out.Queue = i
		} else {
			issues = append(issues, Issue{Path: "/queue", Message: "queue must be an integer"})
		}
	}

	if lang, present := raw["language"]; present {
		if s, ok := lang.(string); ok {
			l, lIssues := v.ValidateLanguage("/language", s)
			out.Language = l
			issues = append(issues, lIssues...)
		} else {
			issues = append(issues, Issue{Path: "/language", Message: "language must be a string"})
		}
	}

	return out, issues
}

// AddBatchJobParams is the normalized form of add_batch_job's params (§6).
type AddBatchJobParams struct {
	Username   string
	APIKey     string
	Domains    []string
	TestParams map[string]any
	Priority   int
	Queue      int
}

var addBatchJobFields = fieldSet("username", "api_key", "domains", "test_params")

const (
	defaultBatchPriority = 5
	defaultBatchQueue    = 0
)

// ValidateAddBatchJob validates and normalizes add_batch_job params (§6).
func (v *Validator) ValidateAddBatchJob(raw map[string]any) (AddBatchJobParams, []Issue) {
	var issues []Issue
	var out AddBatchJobParams

	issues = append(issues, RejectUnknownFields(raw, addBatchJobFields)...)

	if s, ok := raw["username"].(string); ok {
		u, uIssues := v.ValidateUsername("/username", s)
		out.Username = u
		issues = append(issues, uIssues...)
	} else {
		issues = append(issues, Issue{Path: "/username", Message: "username is required"})
	}

	if s, ok := raw["api_key"].(string); ok {
		k, kIssues := v.ValidateAPIKey("/api_key", s)
		out.APIKey = k
		issues = append(issues, kIssues...)
	} else {
		issues = append(issues, Issue{Path: "/api_key", Message: "api_key is required"})
	}

	domains, ok := raw["domains"].([]any)
	if !ok || len(domains) == 0 {
		issues = append(issues, Issue{Path: "/domains", Message: "domains must be a non-empty array"})
	} else {
		for i, item := range domains {
			s, ok := item.(string)
			if !ok {
				issues = append(issues, Issue{Path: pathIndex("/domains", i), Message: "domain must be a string"})
				continue
			}
			d, dIssues := v.ValidateDomain(pathIndex("/domains", i), s)
			issues = append(issues, dIssues...)
			out.Domains = append(out.Domains, d)
		}
	}

	if tp, ok := raw["test_params"].(map[string]any); ok {
		out.TestParams = tp
	}

	out.Priority = defaultBatchPriority
	out.Queue = defaultBatchQueue

	return out, issues
}

// GetTestHistoryParams is the normalized form of get_test_history's params
// (§6).
type GetTestHistoryParams struct {
	Offset int
	Limit  int
	Filter string
	Domain string
}

var getTestHistoryFields = fieldSet("offset", "limit", "filter", "frontend_params")

const (
	defaultHistoryLimit = 200
)

// ValidateGetTestHistory validates and normalizes get_test_history params.
func (v *Validator) ValidateGetTestHistory(raw map[string]any) (GetTestHistoryParams, []Issue) {
	var issues []Issue
	out := GetTestHistoryParams{Limit: defaultHistoryLimit, Filter: "all"}

	issues = append(issues, RejectUnknownFields(raw, getTestHistoryFields)...)

	if val, present := raw["offset"]; present {
		if i, ok := CoerceInt(val); ok && i >= 0 {
			out.Offset = i
		} else {
			issues = append(issues, Issue{Path: "/offset", Message: "offset must be a non-negative integer"})
		}
	}

	if val, present := raw["limit"]; present {
		if i, ok := CoerceInt(val); ok && i >= 0 {
			out.Limit = i
		} else {
			issues = append(issues, Issue{Path: "/limit", Message: "limit must be a non-negative integer"})
		}
	}

	if val, present := raw["filter"]; present {
		s, ok := val.(string)
		if !ok {
			issues = append(issues, Issue{Path: "/filter", Message: "filter must be a string"})
		} else {
			switch s {
			case "all", "delegated", "undelegated":
				out.Filter = s
			default:
				issues = append(issues, Issue{Path: "/filter", Message: "filter must be one of all, delegated, undelegated"})
			}
		}
	}

	fp, ok := raw["frontend_params"].(map[string]any)
	if !ok {
		issues = append(issues, Issue{Path: "/frontend_params", Message: "frontend_params is required"})
	} else {
		domain, ok := fp["domain"].(string)
		if !ok || domain == "" {
			issues = append(issues, Issue{Path: "/frontend_params/domain", Message: "domain is required"})
		} else {
			d, dIssues := v.ValidateDomain("/frontend_params/domain", domain)
			out.Domain = d
			issues = append(issues, dIssues...)
		}
	}

	return out, issues
}

// AddAPIUserParams is the normalized form of add_api_user's params (§6).
type AddAPIUserParams struct {
	Username string
	APIKey   string
}

var addAPIUserFields = fieldSet("username", "api_key")

// ValidateAddAPIUser validates add_api_user params (§6).
func (v *Validator) ValidateAddAPIUser(raw map[string]any) (AddAPIUserParams, []Issue) {
	var issues []Issue
	var out AddAPIUserParams

	issues = append(issues, RejectUnknownFields(raw, addAPIUserFields)...)

	if s, ok := raw["username"].(string); ok {
		u, uIssues := v.ValidateUsername("/username", s)
		out.Username = u
		issues = append(issues, uIssues...)
	} else {
		issues = append(issues, Issue{Path: "/username", Message: "username is required"})
	}

	if s, ok := raw["api_key"].(string); ok {
		k, kIssues := v.ValidateAPIKey("/api_key", s)
		out.APIKey = k
		issues = append(issues, kIssues...)
	} else {
		issues = append(issues, Issue{Path: "/api_key", Message: "api_key is required"})
	}

	return out, issues
}

func fieldSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func pathIndex(base string, i int) string {
	return base + "/" + strconv.Itoa(i)
}
