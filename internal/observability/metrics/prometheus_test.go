package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/dosing"
	"github.com/crivet/dose-engine/internal/domain/safety"
	"github.com/crivet/dose-engine/pkg/circuitbreaker"
)

func TestObserveResult(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveResult(dosing.Result{
		DrugID: "insulin_regular",
		Mode:   clinical.ModeCRI,
		Status: clinical.StatusBlocked,
		Blocks: []safety.Finding{{Source: "hard_check"}, {Source: "intrinsic:hard_max"}},
		Unevaluable: []safety.Unevaluable{
			{Check: "lab('GLU') < 80", Missing: []string{"lab:GLU"}},
		},
	}, time.Millisecond)

	if v := testutil.ToFloat64(m.Evaluations.WithLabelValues("cri", "BLOCKED")); v != 1 {
		t.Errorf("evaluations = %v", v)
	}
	if v := testutil.ToFloat64(m.Blocks.WithLabelValues("intrinsic:hard_max")); v != 1 {
		t.Errorf("blocks = %v", v)
	}
	if v := testutil.ToFloat64(m.Unevaluable.WithLabelValues("insulin_regular")); v != 1 {
		t.Errorf("unevaluable = %v", v)
	}
}

func TestPoolObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.TaskFinished(time.Millisecond, nil)
	m.TaskFinished(time.Millisecond, errors.New("x"))
	m.QueueDepth(3)

	if v := testutil.ToFloat64(m.PoolTasks.WithLabelValues("error")); v != 1 {
		t.Errorf("failed tasks = %v", v)
	}
	if v := testutil.ToFloat64(m.PoolQueueDepth); v != 3 {
		t.Errorf("queue depth = %v", v)
	}
}

func TestRelayHooks(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.BreakerState("redpanda", circuitbreaker.StateOpen)
	m.Published()
	m.Published()
	m.OutboxBacklog(7)

	if v := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("redpanda")); v != 1 {
		t.Errorf("breaker gauge = %v", v)
	}
	if v := testutil.ToFloat64(m.EventsPublished); v != 2 {
		t.Errorf("published = %v", v)
	}
	if v := testutil.ToFloat64(m.OutboxPending); v != 7 {
		t.Errorf("pending = %v", v)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveError("invalid_input")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `dose_evaluation_errors_total{kind="invalid_input"} 1`) {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}
