package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentHandler_LabelsByPattern(t *testing.T) {
	m := New()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/clients/{clientID}/stamp", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	h := m.InstrumentHandler(mux)

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/clients/"+id+"/stamp", nil))
	}

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "POST /v1/clients/{clientID}/stamp", "409"))
	if got != 3 {
		t.Fatalf("requests_total = %v, want 3", got)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if v := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "unmatched", "404")); v != 1 {
		t.Fatalf("unmatched = %v, want 1", v)
	}
}

func TestObservers(t *testing.T) {
	m := New()
	m.MutationObserved("add_stamp", "ok", 5*time.Millisecond)
	m.MutationObserved("add_stamp", "token_already_consumed", time.Millisecond)
	m.TokenIssued(true)
	m.TokenIssued(false)
	m.TokenIssued(false)
	m.TokensPurged(4)
	m.TokensPurged(0)
	m.SweepRan(true)
	m.FeedConnOpened()
	m.FeedConnOpened()
	m.FeedConnClosed()
	m.FeedPushed(false)
	m.FeedPushed(true)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"ok mutations", testutil.ToFloat64(m.mutations.WithLabelValues("add_stamp", "ok")), 1},
		{"conflicts", testutil.ToFloat64(m.mutations.WithLabelValues("add_stamp", "token_already_consumed")), 1},
		{"fresh tokens", testutil.ToFloat64(m.tokensIssued.WithLabelValues("false")), 2},
		{"purged", testutil.ToFloat64(m.tokensPurged), 4},
		{"sweeps", testutil.ToFloat64(m.sweeps.WithLabelValues("true")), 1},
		{"conns", testutil.ToFloat64(m.feedConns), 1},
		{"dropped", testutil.ToFloat64(m.feedDropped), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.TokenIssued(false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fidelity_scan_tokens_issued_total") {
		t.Fatalf("missing collector in output")
	}
}
