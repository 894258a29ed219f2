package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/serp-enricher/internal/domainstats"
	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/recovery"
	"github.com/sells-group/serp-enricher/internal/store"
)

func newTestAPI(t *testing.T) (*store.SQLiteStore, http.Handler) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	_, err = st.SeedPending(ctx, "demo", []model.Seed{
		{Keyword: "buy widget", FrequencyWorld: 1200},
		{Keyword: "widget review", FrequencyWorld: 40},
		{Keyword: "купить виджет"},
	})
	require.NoError(t, err)

	claimed, err := st.MarkProcessing(ctx, "demo", "buy widget")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, st.Complete(ctx, "demo", "buy widget", model.Completion{
		RequestID: "req-1",
		Source:    model.SourceAPI,
		Payload: model.Payload{Results: []model.ResultDoc{
			{Position: 1, URL: "https://shop.example/w", Domain: "shop.example", IsCommercial: true},
		}, CommercialResults: 1},
	}))

	agg := domainstats.New(st)
	for i := 0; i < 10; i++ {
		require.NoError(t, agg.RecordObservation(ctx, "shop.example", "demo", i < 8))
	}

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "serp_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	return st, newRouter(st, agg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v))
}

func TestRouter_Health(t *testing.T) {
	_, h := newTestAPI(t)

	rr := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	decode(t, rr, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_Metrics(t *testing.T) {
	_, h := newTestAPI(t)

	rr := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "serp_test_total 1")
}

func TestRouter_Groups(t *testing.T) {
	_, h := newTestAPI(t)

	rr := get(t, h, "/v1/groups")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Groups []string `json:"groups"`
	}
	decode(t, rr, &body)
	assert.Equal(t, []string{"demo"}, body.Groups)
}

func TestRouter_GroupStats(t *testing.T) {
	_, h := newTestAPI(t)

	rr := get(t, h, "/v1/groups/demo/stats")
	require.Equal(t, http.StatusOK, rr.Code)
	var s model.Statistics
	decode(t, rr, &s)
	assert.Equal(t, int64(3), s.Total)
	assert.Equal(t, int64(2), s.Pending)
	assert.Equal(t, int64(1), s.Completed)
	assert.InDelta(t, 33.33, s.CompletionRate, 0.01)
}

func TestRouter_ListRecords(t *testing.T) {
	_, h := newTestAPI(t)

	rr := get(t, h, "/v1/groups/demo/records")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Records []model.QueryRecord `json:"records"`
	}
	decode(t, rr, &body)
	require.Len(t, body.Records, 1)
	assert.Equal(t, "buy widget", body.Records[0].Keyword)

	rr = get(t, h, "/v1/groups/demo/records?status=pending&limit=1")
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &body)
	assert.Len(t, body.Records, 1)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/groups/demo/records?status=done").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/groups/demo/records?limit=-1").Code)
}

func TestRouter_GetRecord(t *testing.T) {
	_, h := newTestAPI(t)

	rr := get(t, h, "/v1/groups/demo/records/buy%20widget")
	require.Equal(t, http.StatusOK, rr.Code)
	var rec model.QueryRecord
	decode(t, rr, &rec)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	require.NotNil(t, rec.RequestID)
	assert.Equal(t, "req-1", *rec.RequestID)
	require.NotNil(t, rec.Payload)
	assert.Len(t, rec.Payload.Results, 1)

	rr = get(t, h, "/v1/groups/demo/records/%D0%BA%D1%83%D0%BF%D0%B8%D1%82%D1%8C%20%D0%B2%D0%B8%D0%B4%D0%B6%D0%B5%D1%82")
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &rec)
	assert.Equal(t, "купить виджет", rec.Keyword)
	assert.Equal(t, model.StatusPending, rec.Status)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/groups/demo/records/missing").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/groups/other/records/buy%20widget").Code)
}

func TestRouter_Domains(t *testing.T) {
	_, h := newTestAPI(t)

	rr := get(t, h, "/v1/domains?min_total=5&commercial=true")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Domains []model.DomainGlobalStat `json:"domains"`
	}
	decode(t, rr, &body)
	require.Len(t, body.Domains, 1)
	assert.Equal(t, "shop.example", body.Domains[0].Domain)
	assert.Equal(t, int64(10), body.Domains[0].TotalCount)

	rr = get(t, h, "/v1/domains?min_total=11")
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &body)
	assert.Empty(t, body.Domains)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/domains?limit=abc").Code)
}

func TestRouter_Classify(t *testing.T) {
	_, h := newTestAPI(t)

	rr := get(t, h, "/v1/domains/shop.example/classification?group=demo")
	require.Equal(t, http.StatusOK, rr.Code)
	var c model.Classification
	decode(t, rr, &c)
	assert.Equal(t, model.LabelCommercial, c.Label)
	assert.Equal(t, int64(10), c.Total)
	assert.InDelta(t, 0.8, c.Ratio, 1e-9)

	rr = get(t, h, "/v1/domains/unseen.example/classification")
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &c)
	assert.Equal(t, model.LabelUnknown, c.Label)
	assert.Equal(t, model.SourceNone, c.Source)
}

func TestRouter_CORS(t *testing.T) {
	_, h := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/groups", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_StoreUnavailable(t *testing.T) {
	st, h := newTestAPI(t)
	require.NoError(t, st.Close())

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/health").Code)

	rr := get(t, h, "/v1/groups")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var body map[string]string
	decode(t, rr, &body)
	assert.Equal(t, "internal error", body["error"])
}

func TestStartRecoverySchedule(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cron.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	scanner := recovery.New(st, 0)

	c, err := startRecoverySchedule(context.Background(), scanner, "")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = startRecoverySchedule(context.Background(), scanner, "every tuesday")
	assert.Error(t, err)

	c, err = startRecoverySchedule(context.Background(), scanner, "*/5 * * * *")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Len(t, c.Entries(), 1)
	<-c.Stop().Done()
}
