package translate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemaster/broker/internal/store"
	"github.com/zonemaster/broker/internal/translate"
)

func TestCatalog_TranslateFallsBackToSourceForm(t *testing.T) {
	c := translate.NewCatalog([]string{"en"}, nil)

	msg, err := c.Translate(store.ResultEntry{Module: "DNSSEC", Tag: "ALGO_NOT_DS"}, "en")
	require.NoError(t, err)
	assert.Equal(t, "DNSSEC:ALGO_NOT_DS", msg)
}

func TestCatalog_TranslateUsesConfiguredMessage(t *testing.T) {
	c := translate.NewCatalog([]string{"en"}, map[string]map[string]string{
		"en": {"DNSSEC/ALGO_NOT_DS": "DS uses an unsupported algorithm"},
	})

	msg, err := c.Translate(store.ResultEntry{Module: "DNSSEC", Tag: "ALGO_NOT_DS"}, "en")
	require.NoError(t, err)
	assert.Equal(t, "DS uses an unsupported algorithm", msg)
}

func TestCatalog_WithLocale_ReleasesLockOnExit(t *testing.T) {
	c := translate.NewCatalog([]string{"en", "sv_SE"}, nil)

	err := c.WithLocale("sv_SE", func() error {
		return nil
	})
	require.NoError(t, err)

	// A second call with a different locale should succeed rather than
	// block, showing the first call released the catalog's mutex.
	err = c.WithLocale("en", func() error {
		return nil
	})
	require.NoError(t, err)
}

func TestCatalog_WithLocale_RejectsUnparseableLocale(t *testing.T) {
	c := translate.NewCatalog([]string{"en"}, nil)

	err := c.WithLocale("not-a-real-locale-tag-???", func() error {
		t.Fatal("fn must not run when the locale cannot be set")
		return nil
	})
	assert.Error(t, err)
}

func TestRewriteLegacyMessages_DropsExampleDisabledPolicy(t *testing.T) {
	entries := []translate.TranslatedEntry{
		{Module: "SYSTEM", Tag: "POLICY_DISABLED", Args: map[string]any{"name": "Example"}, Message: "policy Example disabled"},
		{Module: "SYSTEM", Tag: "POLICY_DISABLED", Args: map[string]any{"name": "Real"}, Message: "policy Real disabled"},
	}

	out := translate.RewriteLegacyMessages(entries)
	require.Len(t, out, 1)
	assert.Equal(t, "Real", out[0].Args["name"])
}

func TestRewriteLegacyMessages_RewritesConfigPathMentions(t *testing.T) {
	entries := []translate.TranslatedEntry{
		{Module: "SYSTEM", Tag: "CANNOT_CONTINUE", Message: "see policy.json and config.json for details"},
	}

	out := translate.RewriteLegacyMessages(entries)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Message, "the policy configuration file")
	assert.Contains(t, out[0].Message, "the broker configuration file")
}
