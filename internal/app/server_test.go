package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw-community/openclaw-hub/internal/vault"
)

func testConfig(t *testing.T) Config {
	clearHubEnv(t)
	dbPath := t.TempDir() + "/hub.sqlite"
	credsPath := t.TempDir() + "/credentials.json"
	return Config{
		Host:                 "127.0.0.1",
		Port:                 0,
		DatabasePath:         dbPath,
		SecretKey:            "test-secret-key-not-for-production",
		RetryEnabled:         true,
		RetryMaxAttempts:     3,
		RetryBaseSec:         1,
		RetryGrowth:          5,
		HealthProbePeriodSec: 30,
		HealthProbeTimeoutSec: 5,
		AlertEnabled:         true,
		AlertConsecutiveErrorThreshold: 3,
		AlertLatencyMultiplier:         3,
		AlertBudgetThresholdPercent:    90,
		RequestDeadlineSec:             5,
		LogLevel:                       "error",
		RateLimitRPS:                   60,
		RateLimitBurst:                 120,
		CredentialsFile:                credsPath,
	}
}

func TestNewServerWiresEveryCollaborator(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, srv)
	require.NoError(t, srv.shutdown())
}

func TestServerHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = srv.shutdown() }()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestServerRunRespectsContextCancellation(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Give the listener a moment to bind before tearing it down.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestSeedConnectionsFromCredentialsFileIsIdempotent(t *testing.T) {
	cfg := testConfig(t)

	creds := credentialsFile{Connections: []credentialEntry{
		{Name: "seeded-openai", ServiceKey: "openai", BaseURL: "https://api.openai.com/v1", APIKey: "sk-test"},
	}}
	data, err := json.Marshal(creds)
	require.NoError(t, err)
	require.NoError(t, writeFile(cfg.CredentialsFile, data))

	srv, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = srv.shutdown() }()

	conns, err := srv.store.ListConnections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "seeded-openai", conns[0].Name)

	// Re-running seed against the same file/db must not duplicate the row.
	require.NoError(t, seedConnectionsFromCredentialsFile(context.Background(), srv.store, mustVault(t, cfg), cfg.CredentialsFile, srv.logger))
	conns, err = srv.store.ListConnections(context.Background())
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}

func mustVault(t *testing.T, cfg Config) *vault.Vault {
	t.Helper()
	key, err := vault.LoadKey(cfg.SecretKey, "", func(string) {})
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	return v
}
