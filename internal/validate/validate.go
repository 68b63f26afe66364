// Package validate implements schema and semantic validation of RPC
// request parameters (§4.1), including the boundary type-coercion rules
// the existing client base depends on.
//
// The Validator is stateless aside from its configured profile and locale
// sets, constructed once at startup and shared across requests — the same
// thread-safety shape as ingestion.Validator (internal/ingestion/
// validator.go), generalized from fail-fast sentinel errors to an ordered
// Issue collector, because the RPC contract (§4.5) needs every problem at
// once, not just the first.
package validate

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/zonemaster/broker/internal/fingerprint"
)

// Issue is one validation problem, keyed by a JSON Pointer into the params
// object (§4.1, §7).
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

var (
	usernamePattern    = regexp.MustCompile(`^[A-Za-z0-9.\-@]{1,50}$`)
	apiKeyPattern      = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,512}$`)
	profileNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_\-]{0,29}[a-z0-9])?$`)
	domainCharsetAfterIDNA = regexp.MustCompile(`^[A-Za-z0-9.\-_]+$`)
	hexDigest              = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

const (
	maxDomainLength = 254
	maxLabelLength  = 63
)

// Validator performs validation described in §4.1. It holds the
// operator-configured profile set and locale set; both are looked up
// read-only per call so a single Validator is safe for concurrent use.
type Validator struct {
	profiles map[string]struct{}
	locales  map[string]struct{}
}

// NewValidator builds a Validator from the configured profile names
// (§6 PUBLIC_PROFILES/PRIVATE_PROFILES) and locale tags (§6
// LANGUAGE.locale).
func NewValidator(profiles, locales []string) *Validator {
	v := &Validator{
		profiles: make(map[string]struct{}, len(profiles)),
		locales:  make(map[string]struct{}, len(locales)),
	}

	for _, p := range profiles {
		v.profiles[strings.ToLower(p)] = struct{}{}
	}

	for _, l := range locales {
		v.locales[l] = struct{}{}
	}

	return v
}

// ValidateUsername checks the username format from §3.
func (v *Validator) ValidateUsername(path, raw string) (string, []Issue) {
	if !usernamePattern.MatchString(raw) {
		return "", []Issue{{Path: path, Message: "Invalid username format"}}
	}
	return raw, nil
}

// ValidateAPIKey checks the api key format from §3.
func (v *Validator) ValidateAPIKey(path, raw string) (string, []Issue) {
	if !apiKeyPattern.MatchString(raw) {
		return "", []Issue{{Path: path, Message: "Invalid API key format"}}
	}
	return raw, nil
}

// ValidateDomain applies §4.1's domain name rules: length, per-label
// length after IDNA A-label conversion, the root singleton, and the
// post-IDNA character set. Returns the IDNA-encoded (A-label) form.
func (v *Validator) ValidateDomain(path, raw string) (string, []Issue) {
	if raw == "." {
		return ".", nil
	}

	if len(raw) > maxDomainLength {
		return "", []Issue{{Path: path, Message: "The domain name is too long"}}
	}

	ascii, err := idna.Lookup.ToASCII(raw)
	if err != nil {
		// idna's STD3 rules reject disallowed characters (e.g. a stray
		// space) before we ever see the converted form, so check the raw
		// input against the same charset we'd otherwise check post-IDNA —
		// that's the more specific error for a human to act on.
		if !domainCharsetAfterIDNA.MatchString(raw) {
			return "", []Issue{{Path: path, Message: "The domain name character(s) are not supported"}}
		}
		return "", []Issue{{Path: path, Message: "The domain name could not be converted to its ASCII representation"}}
	}

	if !domainCharsetAfterIDNA.MatchString(ascii) {
		return "", []Issue{{Path: path, Message: "The domain name character(s) are not supported"}}
	}

	for _, label := range strings.Split(strings.TrimSuffix(ascii, "."), ".") {
		if len(label) > maxLabelLength {
			return "", []Issue{{Path: path, Message: "A domain name label is too long"}}
		}
	}

	return strings.ToLower(ascii), nil
}

// ValidateIP accepts IPv4 dotted-decimal or IPv6 in recommended textual
// form (§4.1).
func (v *Validator) ValidateIP(path, raw string) (string, []Issue) {
	ip := net.ParseIP(raw)
	if ip == nil {
		return "", []Issue{{Path: path, Message: "Invalid IP address"}}
	}
	return ip.String(), nil
}

// ValidateNameServer validates a {ns, ip?} object (§4.1).
func (v *Validator) ValidateNameServer(path string, ns, ip any) (fingerprint.NameServer, []Issue) {
	var issues []Issue

	nsStr, ok := ns.(string)
	if !ok {
		return fingerprint.NameServer{}, []Issue{{Path: path + "/ns", Message: "ns must be a domain name"}}
	}

	domain, domainIssues := v.ValidateDomain(path+"/ns", nsStr)
	issues = append(issues, domainIssues...)

	result := fingerprint.NameServer{NS: domain}

	if ip != nil {
		ipStr, ok := ip.(string)
		if !ok {
			issues = append(issues, Issue{Path: path + "/ip", Message: "ip must be a string"})
		} else {
			canon, ipIssues := v.ValidateIP(path+"/ip", ipStr)
			issues = append(issues, ipIssues...)
			result.IP = canon
		}
	}

	return result, issues
}

// ValidateDSInfo validates a {digest, algorithm, digtype, keytag} object
// (§4.1): digest must be hex of length 40, 64, or 96; algorithm and digtype
// fit in a byte; keytag fits in uint16.
func (v *Validator) ValidateDSInfo(path string, raw map[string]any) (fingerprint.DSInfo, []Issue) {
	var issues []Issue
	var out fingerprint.DSInfo

	digest, ok := raw["digest"].(string)
	if !ok {
		issues = append(issues, Issue{Path: path + "/digest", Message: "digest is required"})
	} else if !isValidDigest(digest) {
		issues = append(issues, Issue{Path: path + "/digest", Message: "digest must be hex-encoded with length 40, 64, or 96"})
	} else {
		out.Digest = strings.ToLower(digest)
	}

	if alg, ok := CoerceInt(raw["algorithm"]); ok && alg >= 0 && alg <= 255 {
		out.Algorithm = uint8(alg)
	} else {
		issues = append(issues, Issue{Path: path + "/algorithm", Message: "algorithm must be an integer 0-255"})
	}

	if dt, ok := CoerceInt(raw["digtype"]); ok && dt >= 0 && dt <= 255 {
		out.DigType = uint8(dt)
	} else {
		issues = append(issues, Issue{Path: path + "/digtype", Message: "digtype must be an integer 0-255"})
	}

	if kt, ok := CoerceInt(raw["keytag"]); ok && kt >= 0 && kt <= 65535 {
		out.KeyTag = uint16(kt)
	} else {
		issues = append(issues, Issue{Path: path + "/keytag", Message: "keytag must be an integer 0-65535"})
	}

	return out, issues
}

func isValidDigest(digest string) bool {
	if !hexDigest.MatchString(digest) {
		return false
	}
	switch len(digest) {
	case 40, 64, 96:
		return true
	default:
		return false
	}
}

// ValidateProfile lowercases and checks the profile name format, then
// checks membership in the configured profile set (§4.1 — "Unknown
// profile" on the /profile path).
func (v *Validator) ValidateProfile(path, raw string) (string, []Issue) {
	lowered := strings.ToLower(raw)

	if !profileNamePattern.MatchString(lowered) {
		return "", []Issue{{Path: path, Message: "Invalid profile name format"}}
	}

	if _, ok := v.profiles[lowered]; !ok {
		return "", []Issue{{Path: path, Message: "Unknown profile"}}
	}

	return lowered, nil
}

// ValidateLanguage checks the tag is two or five characters and present in
// the configured locale set (§4.1, §6).
func (v *Validator) ValidateLanguage(path, raw string) (string, []Issue) {
	if len(raw) != 2 && len(raw) != 5 {
		return "", []Issue{{Path: path, Message: "Invalid language tag"}}
	}

	if _, ok := v.locales[raw]; !ok {
		return "", []Issue{{Path: path, Message: "Unsupported language"}}
	}

	return raw, nil
}

// CoerceInt implements §4.1's numeric coercion: strings encoding integers
// are parsed, fractional numbers are rounded half-away-from-zero.
func CoerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		return roundHalfAwayFromZero(n), true
	case int:
		return n, true
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return roundHalfAwayFromZero(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func roundHalfAwayFromZero(f float64) int {
	if f >= 0 {
		return int(f + 0.5)
	}
	return -int(-f + 0.5)
}

// CoerceBool implements §4.1's loose boolean rule: the set {false, null,
// "", "0", 0} is false, everything else is true.
func CoerceBool(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != "" && b != "0"
	case float64:
		return b != 0
	case int:
		return b != 0
	default:
		return true
	}
}

// RejectUnknownFields implements §4.1's strict top-level schema: any key in
// raw not present in allowed is reported against its own JSON Pointer path.
func RejectUnknownFields(raw map[string]any, allowed map[string]struct{}) []Issue {
	var issues []Issue
	for key := range raw {
		if _, ok := allowed[key]; !ok {
			issues = append(issues, Issue{Path: "/" + key, Message: fmt.Sprintf("Unknown property %q", key)})
		}
	}
	return issues
}
