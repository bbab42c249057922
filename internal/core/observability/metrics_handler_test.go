package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	ExposeBuildInfo("test")
	ObserveHTTP("GET", "/state", 200, 0.001)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "mapsync_build_info") || !strings.Contains(body, "http_requests_total") {
		t.Fatalf("metrics payload did not contain expected metric names; got:\n%s", body)
	}
}

func TestSurfaceMutationAndUpstreamCounters(t *testing.T) {
	before := testutil.ToFloat64(surfaceMutations.WithLabelValues("addLayer", "recovered"))
	IncSurfaceMutation("addLayer", "recovered")
	if got := testutil.ToFloat64(surfaceMutations.WithLabelValues("addLayer", "recovered")); got != before+1 {
		t.Fatalf("recovered=%v want %v", got, before+1)
	}

	errBefore := testutil.ToFloat64(persistOps.WithLabelValues("set", "error"))
	ObservePersist("set", errors.New("down"))
	if got := testutil.ToFloat64(persistOps.WithLabelValues("set", "error")); got != errBefore+1 {
		t.Fatalf("persist error=%v", got)
	}
}
