package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/serp-enricher/internal/config"
	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/resilience"
)

func fastWebhookRetry() AlerterOption {
	return WithWebhookRetry(resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2.0,
	})
}

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		ErrorRateThreshold: 0.10,
		StaleThreshold:     50,
		CostThresholdUSD:   5.0,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		Completed:       95,
		Errored:         5,
		ErrorRate:       0.05,
		CostUSD:         1.2,
		StaleProcessing: 3,
		LookbackHours:   24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_ErrorRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		Completed:     12,
		Errored:       8,
		ErrorRate:     0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertErrorRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_StaleProcessing(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		StaleProcessing: 50,
		Records:         model.Statistics{Processing: 70},
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleProcessing, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "50 records")
	assert.Equal(t, int64(70), alerts[0].Details["processing"])
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		Completed:     48,
		Errored:       2,
		ErrorRate:     0.04,
		APICalls:      25000,
		CostUSD:       7.5,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$7.50")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		Completed:       10,
		Errored:         10,
		ErrorRate:       0.5,
		CostUSD:         30.0,
		StaleProcessing: 100,
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertErrorRate])
	assert.True(t, types[AlertStaleProcessing])
	assert.True(t, types[AlertCostOverrun])
}

func TestAlerter_Evaluate_MinimumFinishedRequired(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	// Only 3 finished keywords, below the minimum for a rate alert.
	snap := &MetricsSnapshot{
		Completed:     1,
		Errored:       2,
		ErrorRate:     0.666,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_DisabledThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		Completed:       10,
		Errored:         90,
		ErrorRate:       0.9,
		CostUSD:         999.0,
		StaleProcessing: 1000,
		LookbackHours:   24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertErrorRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertStaleProcessing, Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertErrorRate, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	}, fastWebhookRetry())

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun, Message: "test"}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAlerter_SendAlerts_RetriesUnavailableWebhook(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL}, fastWebhookRetry())

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertStaleProcessing, Message: "test"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlerts_RejectedWebhookNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL}, fastWebhookRetry())

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertErrorRate, Message: "test"}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(1), calls.Load())
}
