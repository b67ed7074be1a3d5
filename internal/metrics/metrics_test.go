package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGinMiddlewareCountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/payments/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/metrics", Handler())

	before := testutil.ToFloat64(HTTPRequests.WithLabelValues("/payments/:id", http.MethodGet, "4xx"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/payments/7", nil))
	after := testutil.ToFloat64(HTTPRequests.WithLabelValues("/payments/:id", http.MethodGet, "4xx"))
	if after-before != 1 {
		t.Fatalf("request counter want +1 got %v", after-before)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status want 200 got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "paysettle_http_requests_total") {
		t.Fatalf("metrics output missing http counter")
	}
}

func TestObserveGatewayCallLabelsResult(t *testing.T) {
	ObserveGatewayCall("authorize", nil, 10*time.Millisecond)
	ObserveGatewayCall("authorize", errors.New("boom"), 10*time.Millisecond)
	if n := testutil.CollectAndCount(GatewayCallDuration); n < 2 {
		t.Fatalf("expected ok and error series, got %d", n)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 201: "2xx", 302: "3xx", 409: "4xx", 502: "5xx"}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Fatalf("status %d want %s got %s", status, want, got)
		}
	}
}
