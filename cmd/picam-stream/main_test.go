package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wachiwi/picam-stream/cmd/picam-stream/handlers"
	"github.com/wachiwi/picam-stream/pkg/broadcast"
	"github.com/wachiwi/picam-stream/pkg/config"
	"github.com/wachiwi/picam-stream/pkg/telemetry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHealthz(t *testing.T) {
	b := broadcast.New()
	router := setupRouter("/", &handlers.StreamHandler{Frames: b})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	b.Close(nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after close, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected stream to refuse clients after close, got %d", w.Code)
	}
}

func TestMeteredPublisher(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	metrics, err := telemetry.NewMetrics(provider.Meter(telemetry.InstrumentationName))
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	b := broadcast.New()
	pub := &meteredPublisher{frames: b, metrics: metrics}

	pub.Publish([]byte{1})
	pub.Publish(nil)
	pub.Publish([]byte{2})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	if sums["mjpeg.frames.published"] != 2 || sums["mjpeg.frames.rejected"] != 1 {
		t.Errorf("Unexpected counts: %v", sums)
	}
	if b.Version() != 2 {
		t.Errorf("Expected version 2, got %d", b.Version())
	}
}

func TestOpenIndicatorDisabled(t *testing.T) {
	ind := openIndicator(config.Indicator{Chip: "gpiochip0", Line: -1})
	done := ind.Watch()
	if ind.Viewers() != 1 {
		t.Errorf("Expected 1 viewer, got %d", ind.Viewers())
	}
	done()
	if err := ind.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestStatsReporterRejectsBadSchedule(t *testing.T) {
	b := broadcast.New()
	ind := openIndicator(config.Indicator{Line: -1})
	if _, err := startStatsReporter("not a schedule", b, &handlers.StreamHandler{Frames: b}, ind); err == nil {
		t.Error("Expected error for invalid schedule")
	}
	c, err := startStatsReporter("@every 1h", b, &handlers.StreamHandler{Frames: b}, ind)
	if err != nil {
		t.Fatalf("startStatsReporter failed: %v", err)
	}
	c.Stop()
}
