package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/storesync/internal/core/usecase"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Addr:             "127.0.0.1:0",
		DBPath:           filepath.Join(t.TempDir(), "storesync.sqlite"),
		BasePath:         "/api",
		AppAPIKey:        "app-key",
		AppSecret:        "app-secret",
		SessionLeeway:    time.Second,
		DispatchInterval: 20 * time.Millisecond,
	}
}

func TestNewServerRequiresSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.AppSecret = ""
	_, _, err := NewServer(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewServerServesStoreAPI(t *testing.T) {
	cfg := testConfig(t)
	server, closer, err := NewServer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, closer.Close()) })

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	token, err := usecase.IssueSessionToken(cfg.AppSecret, cfg.AppAPIKey, "shop-a.example", "staff", time.Hour, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/stores/upsert",
		strings.NewReader(`{"domain":"shop-a.example","externalId":"1","displayName":"Shop A"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `storesync_reconciliations_total{operation="install",outcome="ok"} 1`)
}

func TestMigrateAndListStale(t *testing.T) {
	cfg := testConfig(t)
	version, err := Migrate(context.Background(), cfg.DBPath)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	stale, err := ListStale(context.Background(), cfg.DBPath, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)

	_, err = ListStale(context.Background(), cfg.DBPath, 0)
	require.Error(t, err)
}
