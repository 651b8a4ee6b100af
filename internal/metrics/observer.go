package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/billing"
	"github.com/MarcoPoloResearchLab/seatsync/internal/cursors"
	"github.com/MarcoPoloResearchLab/seatsync/internal/provider"
	promclient "github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "seatsync"

var trackedStates = []cursors.State{
	cursors.StateStarted,
	cursors.StateDone,
	cursors.StateSkipped,
	cursors.StateStalled,
}

// PrometheusObserver exports processor, provider, and cursor metrics.
type PrometheusObserver struct {
	steps            *promclient.CounterVec
	isolations       *promclient.CounterVec
	providerDuration *promclient.HistogramVec
	cursorStates     *promclient.GaugeVec
}

// NewPrometheusObserver registers the seat sync collectors on reg.
func NewPrometheusObserver(namespace string, reg promclient.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}
	observer := &PrometheusObserver{}
	var err error
	observer.steps, err = register(reg, "step counter", promclient.NewCounterVec(promclient.CounterOpts{
		Namespace: namespace,
		Name:      "advance_steps_total",
		Help:      "Advance steps by cursor kind and outcome.",
	}, []string{"kind", "outcome"}))
	if err != nil {
		return nil, err
	}
	observer.isolations, err = register(reg, "isolation counter", promclient.NewCounterVec(promclient.CounterOpts{
		Namespace: namespace,
		Name:      "card_error_isolations_total",
		Help:      "Card errors that isolated or stalled a realm, by cursor kind.",
	}, []string{"kind"}))
	if err != nil {
		return nil, err
	}
	observer.providerDuration, err = register(reg, "provider histogram", promclient.NewHistogramVec(promclient.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_call_duration_seconds",
		Help:      "Latency of subscription provider calls by operation and result.",
		Buckets:   promclient.DefBuckets,
	}, []string{"operation", "result"}))
	if err != nil {
		return nil, err
	}
	observer.cursorStates, err = register(reg, "cursor gauge", promclient.NewGaugeVec(promclient.GaugeOpts{
		Namespace: namespace,
		Name:      "cursors",
		Help:      "Processor cursors by state.",
	}, []string{"state"}))
	if err != nil {
		return nil, err
	}
	return observer, nil
}

func register[T promclient.Collector](reg promclient.Registerer, name string, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var are promclient.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return collector, fmt.Errorf("register %s: %w", name, err)
	}
	return collector, nil
}

// ObserveStep implements billing.StepObserver.
func (o *PrometheusObserver) ObserveStep(kind string, outcome string) {
	if o == nil {
		return
	}
	o.steps.WithLabelValues(kind, outcome).Inc()
}

// ObserveIsolation implements billing.StepObserver.
func (o *PrometheusObserver) ObserveIsolation(kind string) {
	if o == nil {
		return
	}
	o.isolations.WithLabelValues(kind).Inc()
}

// ObserveProviderCall implements provider.CallObserver.
func (o *PrometheusObserver) ObserveProviderCall(operation string, result string, duration time.Duration) {
	if o == nil {
		return
	}
	o.providerDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// RecordCursorStates sets the cursor gauge. States absent from counts read zero.
func (o *PrometheusObserver) RecordCursorStates(counts map[cursors.State]int64) {
	if o == nil {
		return
	}
	for _, state := range trackedStates {
		o.cursorStates.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

var (
	_ billing.StepObserver  = (*PrometheusObserver)(nil)
	_ provider.CallObserver = (*PrometheusObserver)(nil)
)
