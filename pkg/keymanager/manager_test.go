package keymanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/stratforge/pkg/ratelimit"
	"github.com/stratforge/stratforge/pkg/secrets"
)

func newTestManager(t *testing.T, keys []APIKeyMetadata) (*Manager, *secrets.EnvStore) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(envVarName(k.KeyID), "secret-"+k.KeyID)
	}
	store := secrets.NewEnvStore("")
	reserver := ratelimit.NewKeyReserver(ratelimit.NewMemoryStore())
	return New(keys, store, reserver), store
}

func envVarName(keyID string) string {
	return "STRATFORGE_SECRET_" + upperUnderscore(keyID)
}

func upperUnderscore(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '-' {
			out[i] = '_'
		} else if c >= 'a' && c <= 'z' {
			out[i] = c - 32
		} else {
			out[i] = c
		}
	}
	return string(out)
}

func TestManager_SelectReturnsSecretFromStore(t *testing.T) {
	m, _ := newTestManager(t, []APIKeyMetadata{
		{KeyID: "flash-1", ModelName: "gemini-flash", Provider: "google", RPM: 10, TPM: 10000, Active: true},
	})

	sel, err := m.Select(context.Background(), "gemini-flash", 100, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "flash-1", sel.KeyID)
	assert.Equal(t, "secret-flash-1", sel.Secret)
}

func TestManager_SelectExcludesCooledDownKeys(t *testing.T) {
	m, _ := newTestManager(t, []APIKeyMetadata{
		{KeyID: "flash-1", ModelName: "gemini-flash", RPM: 10, TPM: 10000, Active: true},
		{KeyID: "flash-2", ModelName: "gemini-flash", RPM: 10, TPM: 10000, Active: true},
	})

	m.ReportError("flash-1", "429")

	for i := 0; i < 5; i++ {
		sel, err := m.Select(context.Background(), "gemini-flash", 100, nil, false)
		require.NoError(t, err)
		assert.Equal(t, "flash-2", sel.KeyID)
	}
}

func TestManager_SelectFallsBackToModelFamily(t *testing.T) {
	m, _ := newTestManager(t, []APIKeyMetadata{
		{KeyID: "pro-1", ModelName: "gemini-pro-exact", ModelFamily: "gemini-pro", RPM: 10, TPM: 10000, Active: true},
	})

	_, err := m.Select(context.Background(), "gemini-pro", 100, nil, false)
	assert.Error(t, err, "exact match should fail without family fallback")

	sel, err := m.Select(context.Background(), "gemini-pro", 100, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "pro-1", sel.KeyID)
}

func TestManager_SelectAllKeysExhausted(t *testing.T) {
	m, _ := newTestManager(t, []APIKeyMetadata{
		{KeyID: "flash-1", ModelName: "gemini-flash", RPM: 1, TPM: 10000, Active: true},
	})

	ctx := context.Background()
	_, err := m.Select(ctx, "gemini-flash", 100, nil, false)
	require.NoError(t, err)

	_, err = m.Select(ctx, "gemini-flash", 100, nil, false)
	require.Error(t, err)
}

func TestManager_ReportSuccessClearsCooldown(t *testing.T) {
	m, _ := newTestManager(t, []APIKeyMetadata{
		{KeyID: "flash-1", ModelName: "gemini-flash", RPM: 10, TPM: 10000, Active: true},
	})

	m.ReportError("flash-1", "timeout")
	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].InCooldown)

	m.ReportSuccess("flash-1")
	statuses = m.GetHealthStatus()
	assert.False(t, statuses[0].InCooldown)
	assert.Equal(t, int64(0), statuses[0].ErrorCount)
}

func TestManager_SafetyBlockDoesNotAffectHealth(t *testing.T) {
	// Per the router's retry protocol, a safety-block must not mark the
	// key unhealthy — it is a content issue, not a key issue. The
	// KeyManager only exposes ReportSuccess/ReportError; the router is
	// responsible for not calling ReportError on a safety block. This
	// test documents that a key with zero recorded events has zero
	// error and success counts.
	m, _ := newTestManager(t, []APIKeyMetadata{
		{KeyID: "flash-1", ModelName: "gemini-flash", RPM: 10, TPM: 10000, Active: true},
	})

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 1)
	assert.Equal(t, int64(0), statuses[0].ErrorCount)
	assert.Equal(t, int64(0), statuses[0].SuccessCount)
}

func TestCooldownFor_Exponential(t *testing.T) {
	assert.Equal(t, baseCooldown, cooldownFor(1))
	assert.Equal(t, 2*baseCooldown, cooldownFor(2))
	assert.Equal(t, 4*baseCooldown, cooldownFor(3))
	assert.Equal(t, maxCooldown, cooldownFor(20))
}
