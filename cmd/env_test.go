package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/serp-enricher/internal/config"
	"github.com/sells-group/serp-enricher/internal/legacy"
	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/monitoring"
)

const apiSERP = `<?xml version="1.0" encoding="utf-8"?>
<yandexsearch version="1.0"><response>
<reqid>req-api-1</reqid>
<found priority="all">1200</found>
<results><grouping>
<group><doc><url>https://shop.example/w</url><domain>shop.example</domain><title>Buy widget</title><offer_info/></doc></group>
<group><doc><url>https://wiki.example/Widget</url><domain>wiki.example</domain><title>Widget</title></doc></group>
</grouping></results>
</response></yandexsearch>`

// useTestConfig loads defaults and points the store at a temp file. The
// previous global config is restored on cleanup.
func useTestConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "enrich.db")
	c.Legacy = config.LegacyConfig{}
	c.Classification.OverridesPath = ""

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return c
}

func TestOpenStore_ValidatesMode(t *testing.T) {
	c := useTestConfig(t)
	c.XMLStock.User = ""

	_, err := openStore(context.Background(), "enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xmlstock.user")

	st, err := openStore(context.Background(), "store")
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestInitStore_UnknownDriver(t *testing.T) {
	c := useTestConfig(t)
	c.Store.Driver = "mysql"
	_, err := initStore(context.Background())
	assert.Error(t, err)
}

func TestInitLegacy(t *testing.T) {
	c := useTestConfig(t)

	l, err := initLegacy()
	require.NoError(t, err)
	assert.IsType(t, legacy.None{}, l)

	mr := miniredis.RunT(t)
	c.Legacy.RedisURL = "redis://" + mr.Addr()
	l, err = initLegacy()
	require.NoError(t, err)
	chain, ok := l.(legacy.Chain)
	require.True(t, ok)
	assert.Len(t, chain, 1)
	require.NoError(t, l.Close())

	c.Legacy.SQLitePath = filepath.Join(t.TempDir(), "missing", "serp_data.db")
	_, err = initLegacy()
	assert.Error(t, err)
}

func TestEnrichEnv_EndToEnd(t *testing.T) {
	ctx := context.Background()
	c := useTestConfig(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "buy widget", r.URL.Query().Get("query"))
		_, _ = w.Write([]byte(apiSERP))
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	cached, err := json.Marshal(model.Payload{Results: []model.ResultDoc{
		{Position: 1, URL: "https://wiki.example/Gadget", Domain: "wiki.example"},
	}})
	require.NoError(t, err)
	require.NoError(t, mr.Set("serp:gadget history", string(cached)))

	c.XMLStock.User = "u1"
	c.XMLStock.Key = "k1"
	c.XMLStock.BaseURL = srv.URL
	c.Legacy.RedisURL = "redis://" + mr.Addr()
	c.Retry.MaxAttempts = 1
	c.Enrichment.ObserveInline = true

	st, err := openStore(ctx, "store")
	require.NoError(t, err)
	_, err = st.SeedPending(ctx, "demo", []model.Seed{{Keyword: "buy widget"}, {Keyword: "Gadget History"}})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	env, err := initEnrichEnv(ctx, metrics)
	require.NoError(t, err)
	defer env.Close()

	run, err := env.Orchestrator.Run(ctx, "demo", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Completed)
	assert.Equal(t, 1, run.Fetched)
	assert.Equal(t, 1, run.FromLegacy)
	assert.Equal(t, 1, run.APICalls)
	assert.Equal(t, int32(1), calls.Load())

	rec, err := env.Store.Get(ctx, "demo", "buy widget")
	require.NoError(t, err)
	require.NotNil(t, rec.RequestID)
	assert.Equal(t, "req-api-1", *rec.RequestID)
	assert.True(t, rec.DomainsObserved)

	wiki, err := env.Aggregator.Classify(ctx, "wiki.example")
	require.NoError(t, err)
	assert.Equal(t, int64(2), wiki.Total)
	assert.Equal(t, model.LabelInformational, wiki.Label)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues("fetched")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues("legacy")), 1e-9)
}
