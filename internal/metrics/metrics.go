package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set holds the controller's operational collectors.
type Set struct {
	DeployResults   *prometheus.CounterVec
	DeployPhases    *prometheus.HistogramVec
	Transitions     *prometheus.CounterVec
	SweepActions    *prometheus.CounterVec
	ReconcileFixes  *prometheus.CounterVec
	IntentsConsumed *prometheus.CounterVec
}

var (
	once sync.Once
	set  *Set
)

// Default returns the process-wide metric set, registering collectors on
// first use.
func Default() *Set {
	once.Do(func() {
		set = &Set{
			DeployResults: newCounter("deploy_results_total",
				"Number of deploy outcomes", []string{"outcome"}),
			DeployPhases: newHistogram("deploy_phase_duration_seconds",
				"Duration of deploy phases", []string{"phase"}),
			Transitions: newCounter("transitions_total",
				"Number of lifecycle transitions applied", []string{"operation", "outcome"}),
			SweepActions: newCounter("sweep_actions_total",
				"Number of sweeper-initiated actions", []string{"action"}),
			ReconcileFixes: newCounter("reconcile_fixes_total",
				"Number of drift corrections applied", []string{"kind"}),
			IntentsConsumed: newCounter("intents_consumed_total",
				"Number of intents pulled off the queue", []string{"action", "outcome"}),
		}
	})
	return set
}

func newCounter(name, help string, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ephemeral",
		Subsystem: "controller",
		Name:      name,
		Help:      help,
	}, labels)
	return registerCounter(c)
}

func newHistogram(name, help string, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ephemeral",
		Subsystem: "controller",
		Name:      name,
		Help:      help,
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, labels)
	if err := prometheus.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return h
}

func registerCounter(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return c
}

// ObservePhase records one timed deploy phase.
func (s *Set) ObservePhase(phase string, d time.Duration) {
	if s == nil {
		return
	}
	s.DeployPhases.WithLabelValues(phase).Observe(d.Seconds())
}
