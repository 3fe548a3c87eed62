package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExportsHTTPHistogram(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", Registerer: reg})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/retrieve", func(w http.ResponseWriter, _ *http.Request) {})
	Middleware(m)(mux).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/retrieve", nil))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "memoria_http_request_duration") {
			continue
		}
		found = true
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["route"] != "POST /v1/retrieve" || labels["status"] != "200" {
				t.Errorf("labels = %v, want route and status", labels)
			}
			if got := len(metric.GetHistogram().GetBucket()); got < len(latencyBuckets) {
				t.Errorf("buckets = %d, want at least %d", got, len(latencyBuckets))
			}
		}
	}
	if !found {
		t.Fatal("memoria_http_request_duration not exported")
	}
}

func TestInitProvider_RejectsSampleRatio(t *testing.T) {
	if _, err := InitProvider(context.Background(), ProviderConfig{TraceSampleRatio: 1.5}); err == nil {
		t.Fatal("expected an error for ratio 1.5")
	}
}
