package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCall(t *testing.T) {
	m := New()
	m.ObserveCall(true, 3*time.Second)
	m.ObserveCall(false, 0)
	m.ObserveCall(false, 0)

	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues(OutcomeEstablished)); got != 1 {
		t.Errorf("expected 1 established, got %v", got)
	}
	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues(OutcomeFailed)); got != 2 {
		t.Errorf("expected 2 failed, got %v", got)
	}
	if n := testutil.CollectAndCount(m.CallDuration); n != 1 {
		t.Errorf("expected one histogram, got %d", n)
	}
}

func TestHandlerServesCallMetrics(t *testing.T) {
	m := New()
	m.ObserveCall(true, time.Second)
	m.ObserveTranscript("ok")
	m.ObserveTranscript("")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`isip_calls_total{outcome="established"} 1`,
		`isip_transcriptions_total{result="ok"} 1`,
		"isip_call_duration_seconds_count 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}
