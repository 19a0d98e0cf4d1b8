package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-medlabel/pkg/circuitbreaker"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveResolution("placeholder")
	m.ObserveResolution("placeholder")
	m.ObserveResolution("resolved")
	if got := testutil.ToFloat64(m.Resolutions.WithLabelValues("placeholder")); got != 2 {
		t.Errorf("placeholder resolutions = %v", got)
	}

	m.ObserveIngestion(false, 3)
	m.ObserveIngestion(true, 0)
	if got := testutil.ToFloat64(m.Ingestions.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("duplicates = %v", got)
	}
	if got := testutil.ToFloat64(m.Placeholders); got != 3 {
		t.Errorf("placeholders = %v", got)
	}

	m.ObserveDirectoryCall("detail", 120*time.Millisecond, false)
	if got := testutil.ToFloat64(m.DirectoryCalls.WithLabelValues("detail", "no_result")); got != 1 {
		t.Errorf("directory calls = %v", got)
	}

	m.ObserveFeedMessage(errors.New("boom"))
	m.SetOutboxPending(7)
	if got := testutil.ToFloat64(m.OutboxPending); got != 7 {
		t.Errorf("pending = %v", got)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/v1/labels/{bohcode}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/labels/645301220", nil))

	if n := testutil.CollectAndCount(m.HTTPRequests); n != 1 {
		t.Fatalf("series = %d", n)
	}
	expected := `medlabel_http_request_duration_seconds_count{code="404",method="GET",route="/api/v1/labels/{bohcode}"} 1`
	body := scrape(t, m, nil)
	if !strings.Contains(body, expected) {
		t.Errorf("missing %s", expected)
	}
}

func TestBreakerCollector(t *testing.T) {
	mgr := circuitbreaker.NewManager(nil)
	if _, err := mgr.GetOrCreate("directory", circuitbreaker.DefaultConfig("directory")); err != nil {
		t.Fatal(err)
	}
	m := New(prometheus.NewRegistry())
	body := scrape(t, m, NewBreakerCollector(mgr))
	if !strings.Contains(body, `medlabel_circuit_breaker_state{name="directory"} 0`) {
		t.Errorf("breaker state not exported:\n%s", body)
	}
}

func scrape(t *testing.T, m *Metrics, extra prometheus.Collector) string {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.HTTPRequests)
	if extra != nil {
		reg.MustRegister(extra)
	}
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}
