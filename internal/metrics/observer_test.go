package metrics

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/cursors"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserverRecordsStepsAndIsolations(t *testing.T) {
	registry := promclient.NewRegistry()
	observer, err := NewPrometheusObserver("test", registry)
	if err != nil {
		t.Fatalf("failed to build observer: %v", err)
	}

	observer.ObserveStep("global", "processed")
	observer.ObserveStep("global", "processed")
	observer.ObserveStep("dedicated", "drained")
	observer.ObserveIsolation("global")

	if got := testutil.ToFloat64(observer.steps.WithLabelValues("global", "processed")); got != 2 {
		t.Fatalf("expected 2 processed steps, got %v", got)
	}
	if got := testutil.ToFloat64(observer.steps.WithLabelValues("dedicated", "drained")); got != 1 {
		t.Fatalf("expected 1 drained step, got %v", got)
	}
	if got := testutil.ToFloat64(observer.isolations.WithLabelValues("global")); got != 1 {
		t.Fatalf("expected 1 isolation, got %v", got)
	}
}

func TestObserverRecordsCursorStates(t *testing.T) {
	registry := promclient.NewRegistry()
	observer, err := NewPrometheusObserver("test", registry)
	if err != nil {
		t.Fatalf("failed to build observer: %v", err)
	}

	observer.RecordCursorStates(map[cursors.State]int64{cursors.StateStalled: 2, cursors.StateDone: 1})
	observer.RecordCursorStates(map[cursors.State]int64{cursors.StateStalled: 1})

	if got := testutil.ToFloat64(observer.cursorStates.WithLabelValues("stalled")); got != 1 {
		t.Fatalf("expected 1 stalled cursor, got %v", got)
	}
	if got := testutil.ToFloat64(observer.cursorStates.WithLabelValues("done")); got != 0 {
		t.Fatalf("expected done gauge reset to 0, got %v", got)
	}
}

func TestObserverRecordsProviderCalls(t *testing.T) {
	registry := promclient.NewRegistry()
	observer, err := NewPrometheusObserver("test", registry)
	if err != nil {
		t.Fatalf("failed to build observer: %v", err)
	}

	observer.ObserveProviderCall("update_subscription", "ok", 25*time.Millisecond)
	if got := testutil.CollectAndCount(observer.providerDuration); got != 1 {
		t.Fatalf("expected one histogram series, got %d", got)
	}
}

func TestObserverReusesRegisteredCollectors(t *testing.T) {
	registry := promclient.NewRegistry()
	first, err := NewPrometheusObserver("test", registry)
	if err != nil {
		t.Fatalf("failed to build observer: %v", err)
	}
	second, err := NewPrometheusObserver("test", registry)
	if err != nil {
		t.Fatalf("expected re-registration to reuse collectors, got %v", err)
	}

	first.ObserveIsolation("dedicated")
	if got := testutil.ToFloat64(second.isolations.WithLabelValues("dedicated")); got != 1 {
		t.Fatalf("expected shared collector, got %v", got)
	}
}

func TestNilObserverIsSafe(t *testing.T) {
	var observer *PrometheusObserver
	observer.ObserveStep("global", "idle")
	observer.ObserveIsolation("global")
	observer.ObserveProviderCall("get_subscription", "ok", time.Millisecond)
	observer.RecordCursorStates(nil)
}
