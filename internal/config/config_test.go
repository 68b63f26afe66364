package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemaster/broker/internal/config"
)

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o600)
}

const sampleINI = `
[DB]
engine = postgres
dsn = postgres://localhost/broker

[ZONEMASTER]
age_reuse_previous_test = 120
lock_on_queue = 1

[RPCAPI]
enable_add_api_user = false
enable_add_batch_job = true

[LANGUAGE]
locale = en_US.UTF-8 sv_SE.UTF-8

[PUBLIC_PROFILES]
default = /etc/zonemaster/default.policy.json
strict = /etc/zonemaster/strict.policy.json

[PRIVATE_PROFILES]
internal = /etc/zonemaster/internal.policy.json
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.ini")
	require.NoError(t, writeFile(path, sampleINI))
	return path
}

func TestLoad_ParsesConfiguredSections(t *testing.T) {
	path := writeSample(t)

	c, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", c.DBEngine)
	assert.Equal(t, 120_000_000_000, int(c.ReuseWindow))
	assert.Equal(t, 1, c.LockOnQueue)
	assert.False(t, c.EnableAddAPIUser)
	assert.True(t, c.EnableAddBatchJob)
	assert.ElementsMatch(t, []string{"en_US.UTF-8", "sv_SE.UTF-8"}, c.Locales)
	assert.Contains(t, c.ProfileNames(), "default")
	assert.Contains(t, c.ProfileNames(), "strict")
	assert.Contains(t, c.ProfileNames(), "internal")
}

func TestLoad_RejectsUnknownEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.ini")
	require.NoError(t, writeFile(path, "[DB]\nengine = oracle\n"))

	_, err := config.Load(path)
	assert.ErrorIs(t, err, config.ErrMissingDBEngine)
}

func TestLoad_DefaultsAppliedWhenOmitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.ini")
	require.NoError(t, writeFile(path, "[DB]\nengine = sqlite\ndsn = /tmp/broker.db\n"))

	c, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 600_000_000_000, int(c.ReuseWindow))
	assert.True(t, c.EnableAddAPIUser)
	assert.True(t, c.EnableAddBatchJob)
}
