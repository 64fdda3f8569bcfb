package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rebates/internal/offsets"
	_ "github.com/odyssey-erp/rebates/testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "*/30 * * * *", cfg.RecomputeCron)
	require.Equal(t, 10*time.Minute, cfg.RecomputeLockTTL)
	require.Equal(t, 3, cfg.LedgerWriteRetries)

	policy, err := cfg.FXPolicy()
	require.NoError(t, err)
	require.Equal(t, "USD", policy.ReferenceCurrency)
	require.Equal(t, "ARS", policy.LocalCurrency)

	overlap, err := cfg.Overlap()
	require.NoError(t, err)
	require.Equal(t, offsets.OverlapGroupPrecedence, overlap)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"currency":    {"LOCAL_CURRENCY", "XXYZ"},
		"overlap":     {"OVERLAP_POLICY", "first_wins"},
		"concurrency": {"RECOMPUTE_CONCURRENCY", "0"},
		"retries":     {"LEDGER_WRITE_RETRIES", "-1"},
		"log level":   {"LOG_LEVEL", "chatty"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestLoadConfigNormalisesCurrencies(t *testing.T) {
	t.Setenv("LOCAL_CURRENCY", "brl")
	t.Setenv("OVERLAP_POLICY", "stack")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	policy, err := cfg.FXPolicy()
	require.NoError(t, err)
	require.Equal(t, "BRL", policy.LocalCurrency)
	overlap, err := cfg.Overlap()
	require.NoError(t, err)
	require.Equal(t, offsets.OverlapStack, overlap)
}

func TestRouterServesHealthAndSecurityHeaders(t *testing.T) {
	router := NewRouter(RouterParams{Config: &Config{AppEnv: "development"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestConnectionOptionsFollowConfig(t *testing.T) {
	t.Setenv("PG_MAX_CONNS", "25")
	t.Setenv("REDIS_PASSWORD", "s3cret")
	t.Setenv("REDIS_DB", "3")
	cfg, err := LoadConfig()
	require.NoError(t, err)

	pg := cfg.Postgres("rebates-worker")
	require.Equal(t, cfg.PGDSN, pg.DSN)
	require.EqualValues(t, 25, pg.MaxConns)
	require.EqualValues(t, 1, pg.MinConns)
	require.Equal(t, 30*time.Minute, pg.MaxConnLifetime)
	require.Equal(t, "rebates-worker", pg.ApplicationName)

	redisOpts := cfg.Redis()
	require.Equal(t, "127.0.0.1:6379", redisOpts.Addr)
	require.Equal(t, "s3cret", redisOpts.Password)
	require.Equal(t, 3, redisOpts.DB)

	queue := cfg.AsynqRedis()
	require.Equal(t, redisOpts.Addr, queue.Addr)
	require.Equal(t, 3, queue.DB)
}

func TestLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{AppEnv: "staging", LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("target", "offset:1"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "shown", entry["msg"])
	require.Equal(t, "staging", entry["env"])
	require.Equal(t, "offset:1", entry["target"])

	level, err := parseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

func TestTestModeFollowsEnvironment(t *testing.T) {
	t.Cleanup(RefreshTestMode)

	t.Setenv("REBATES_TEST_MODE", "false")
	RefreshTestMode()
	require.False(t, InTestMode())

	t.Setenv("REBATES_TEST_MODE", "true")
	RefreshTestMode()
	require.True(t, InTestMode())
}

func TestImportingTestingPackageEnablesTestMode(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())
}
