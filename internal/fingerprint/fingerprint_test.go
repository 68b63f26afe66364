package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemaster/broker/internal/fingerprint"
)

func TestFingerprint_PermutationInvariant(t *testing.T) {
	base := fingerprint.Params{
		Domain:  "Zonemaster.net.",
		IPv4:    true,
		IPv6:    true,
		Profile: "Default",
		NameServers: []fingerprint.NameServer{
			{NS: "ns1.zonemaster.net", IP: "192.0.2.1"},
			{NS: "ns2.zonemaster.net", IP: "192.0.2.2"},
		},
		DSInfo: []fingerprint.DSInfo{
			{KeyTag: 2, Algorithm: 8, DigType: 2, Digest: "bb"},
			{KeyTag: 1, Algorithm: 8, DigType: 2, Digest: "aa"},
		},
	}

	permuted := fingerprint.Params{
		Domain:  "zonemaster.net",
		IPv4:    true,
		IPv6:    true,
		Profile: "default",
		NameServers: []fingerprint.NameServer{
			{NS: "ns2.zonemaster.net", IP: "192.0.2.2"},
			{NS: "ns1.zonemaster.net", IP: "192.0.2.1"},
		},
		DSInfo: []fingerprint.DSInfo{
			{KeyTag: 1, Algorithm: 8, DigType: 2, Digest: "aa"},
			{KeyTag: 2, Algorithm: 8, DigType: 2, Digest: "bb"},
		},
	}

	keyA, err := fingerprint.Fingerprint(base)
	require.NoError(t, err)

	keyB, err := fingerprint.Fingerprint(permuted)
	require.NoError(t, err)

	assert.Equal(t, keyA, keyB)
}

func TestFingerprint_DifferentParamsDiffer(t *testing.T) {
	keyA, err := fingerprint.Fingerprint(fingerprint.Params{Domain: "a.test", Profile: "default"})
	require.NoError(t, err)

	keyB, err := fingerprint.Fingerprint(fingerprint.Params{Domain: "b.test", Profile: "default"})
	require.NoError(t, err)

	assert.NotEqual(t, keyA, keyB)
}

func TestFingerprint_ExcludesNonParticipatingFields(t *testing.T) {
	// client_id, client_version, priority, queue, and language never reach
	// fingerprint.Params, so there is nothing to assert here beyond the
	// type not exposing them — documented by the struct shape itself.
	p := fingerprint.Params{Domain: "zonemaster.net", Profile: "default"}

	key1, err := fingerprint.Fingerprint(p)
	require.NoError(t, err)

	key2, err := fingerprint.Fingerprint(p)
	require.NoError(t, err)

	assert.Equal(t, key1, key2)
}

func TestNewHashID_IsRandomAndWellFormed(t *testing.T) {
	a := fingerprint.NewHashID()
	b := fingerprint.NewHashID()

	assert.Len(t, a, 16)
	assert.Len(t, b, 16)
	assert.NotEqual(t, a, b, "hash ids are seeded per call, not derived from params")
}

func TestNormalize_RootDomainPreserved(t *testing.T) {
	out := fingerprint.Normalize(fingerprint.Params{Domain: "."})
	assert.Equal(t, ".", out.Domain)
}

func TestNormalize_StripsTrailingDot(t *testing.T) {
	out := fingerprint.Normalize(fingerprint.Params{Domain: "Example.COM."})
	assert.Equal(t, "example.com", out.Domain)
}
