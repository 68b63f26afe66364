package validate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemaster/broker/internal/validate"
)

func newValidator() *validate.Validator {
	return validate.NewValidator([]string{"default", "test_profile"}, []string{"en", "en_US", "sv_SE"})
}

func TestValidateDomain_RejectsBadCharacters(t *testing.T) {
	v := newValidator()

	_, issues := v.ValidateDomain("/domain", "ex ample.com")
	require.Len(t, issues, 1)
	assert.Equal(t, "/domain", issues[0].Path)
	assert.Equal(t, "The domain name character(s) are not supported", issues[0].Message)
}

func TestValidateDomain_AcceptsRoot(t *testing.T) {
	v := newValidator()

	domain, issues := v.ValidateDomain("/domain", ".")
	assert.Empty(t, issues)
	assert.Equal(t, ".", domain)
}

func TestValidateProfile_UnknownProfile(t *testing.T) {
	v := newValidator()

	_, issues := v.ValidateProfile("/profile", "nonexistent")
	require.Len(t, issues, 1)
	assert.Equal(t, "Unknown profile", issues[0].Message)
}

func TestValidateProfile_Lowercases(t *testing.T) {
	v := newValidator()

	profile, issues := v.ValidateProfile("/profile", "DEFAULT")
	assert.Empty(t, issues)
	assert.Equal(t, "default", profile)
}

func TestCoerceBool_FalsySet(t *testing.T) {
	assert.False(t, validate.CoerceBool(false))
	assert.False(t, validate.CoerceBool(nil))
	assert.False(t, validate.CoerceBool(""))
	assert.False(t, validate.CoerceBool("0"))
	assert.False(t, validate.CoerceBool(float64(0)))

	assert.True(t, validate.CoerceBool(true))
	assert.True(t, validate.CoerceBool("1"))
	assert.True(t, validate.CoerceBool("false")) // non-empty string other than "0" is truthy
}

func TestCoerceInt_RoundsHalfAwayFromZero(t *testing.T) {
	i, ok := validate.CoerceInt(float64(2.5))
	require.True(t, ok)
	assert.Equal(t, 3, i)

	i, ok = validate.CoerceInt(float64(-2.5))
	require.True(t, ok)
	assert.Equal(t, -3, i)

	i, ok = validate.CoerceInt("42")
	require.True(t, ok)
	assert.Equal(t, 42, i)
}

func TestValidateStartDomainTest_RejectsUnknownProperty(t *testing.T) {
	v := newValidator()

	_, issues := v.ValidateStartDomainTest(map[string]any{
		"domain": "zonemaster.net",
		"bogus":  "value",
	})

	found := false
	for _, i := range issues {
		if i.Path == "/bogus" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateStartDomainTest_Defaults(t *testing.T) {
	v := newValidator()

	out, issues := v.ValidateStartDomainTest(map[string]any{
		"domain": "zonemaster.net",
	})
	require.Empty(t, issues)
	assert.Equal(t, 10, out.Priority)
	assert.Equal(t, 0, out.Queue)
	assert.Equal(t, "default", out.Profile)
}

func TestValidateDSInfo_RejectsBadDigestLength(t *testing.T) {
	v := newValidator()

	_, issues := v.ValidateDSInfo("/ds_info/0", map[string]any{
		"digest":    "abc",
		"algorithm": float64(8),
		"digtype":   float64(2),
		"keytag":    float64(1),
	})
	require.NotEmpty(t, issues)
}
