package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lmarchetti/weather-dashboard/internal/observability"
)

func TestCorrelationIDMiddleware_GeneratesID(t *testing.T) {
	var seen string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))

	if seen == "" {
		t.Error("correlation ID missing from request context")
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("response header = %q, context = %q", got, seen)
	}
}

func TestCorrelationIDMiddleware_PropagatesIncoming(t *testing.T) {
	var seen string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationIDFromContext(r.Context())
	})

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("X-Correlation-ID", "incoming-id")
	router.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "incoming-id" {
		t.Errorf("correlation ID = %q, want incoming-id", seen)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(20 * time.Millisecond))
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			w.WriteHeader(http.StatusGatewayTimeout)
		case <-time.After(time.Second):
			w.WriteHeader(http.StatusOK)
		}
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/slow", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want handler to observe the deadline", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(rate.NewLimiter(rate.Limit(1), 2)))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	codes := make([]int, 4)
	for i := range codes {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
		codes[i] = rec.Code
	}
	// Burst of 2 allowed, the rest denied.
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst requests = %v, want first two allowed", codes)
	}
	if codes[2] != http.StatusTooManyRequests || codes[3] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want trailing requests limited", codes)
	}
}

func TestRateLimitMiddleware_NilLimiterDisabled(t *testing.T) {
	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(nil))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d with nil limiter", i, rec.Code)
		}
	}
}

func TestMetricsMiddleware_RecordsStatus(t *testing.T) {
	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler { return MetricsMiddleware(next) })
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, recorder must pass WriteHeader through", rec.Code)
	}
}

func TestStatusCodeString(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
	}
	for _, tc := range tests {
		if got := statusCodeString(tc.code); got != tc.want {
			t.Errorf("statusCodeString(%d) = %q, want %q", tc.code, got, tc.want)
		}
	}
}
