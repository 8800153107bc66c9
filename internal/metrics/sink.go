// Package metrics is the only place where transaction metrics are written.
// A Sink owns its registry, so tests and multiple engines never collide on
// the global prometheus registerer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelUsecase = "usecase"
	LabelStep    = "step"
	LabelReason  = "reason"
)

// Reasons of transaction_missed_triggers_total.
const (
	ReasonGrace     = "grace"
	ReasonInFlight  = "in_flight"
	ReasonCoalesced = "coalesced"
	ReasonOverflow  = "overflow"
)

type Sink struct {
	reg *prometheus.Registry

	duration    *prometheus.GaugeVec
	success     *prometheus.GaugeVec
	lastRun     *prometheus.GaugeVec
	stepFailure *prometheus.CounterVec
	timeouts    *prometheus.CounterVec
	missed      *prometheus.CounterVec
	inFlight    prometheus.Gauge
}

// NewSink creates all transaction metrics on a fresh registry. Go runtime
// and process collectors are registered too when withRuntime is set.
func NewSink(withRuntime bool) *Sink {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Sink{
		reg: reg,
		duration: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "transaction_duration_seconds",
				Help: "Duration of a specific step in the transaction",
			},
			[]string{LabelUsecase, LabelStep},
		),
		success: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "transaction_success",
				Help: "1 if the last transaction run was successful, 0 otherwise",
			},
			[]string{LabelUsecase},
		),
		lastRun: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "transaction_last_run_timestamp",
				Help: "Timestamp of the last run attempt",
			},
			[]string{LabelUsecase},
		),
		stepFailure: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transaction_step_failure_total",
				Help: "Total number of failures per step",
			},
			[]string{LabelUsecase, LabelStep},
		),
		timeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transaction_timeouts_total",
				Help: "Total number of runs abandoned after exceeding the job timeout",
			},
			[]string{LabelUsecase},
		),
		missed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transaction_missed_triggers_total",
				Help: "Total number of triggers dropped without a run",
			},
			[]string{LabelUsecase, LabelReason},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "transaction_runs_in_flight",
				Help: "Number of runs currently executing, abandoned runs included",
			},
		),
	}
}

func (s *Sink) Registry() *prometheus.Registry {
	return s.reg
}

// ObserveStep records the duration of a successful step.
func (s *Sink) ObserveStep(usecase, step string, d time.Duration) {
	s.duration.WithLabelValues(usecase, step).Set(d.Seconds())
}

func (s *Sink) StepFailed(usecase, step string) {
	s.stepFailure.WithLabelValues(usecase, step).Inc()
}

func (s *Sink) SetSuccess(usecase string, ok bool) {
	v := 0.0
	if ok {
		v = 1.0
	}
	s.success.WithLabelValues(usecase).Set(v)
}

// Touch records the last run attempt of usecase.
func (s *Sink) Touch(usecase string, at time.Time) {
	s.lastRun.WithLabelValues(usecase).Set(float64(at.UnixNano()) / float64(time.Second))
}

func (s *Sink) Timeout(usecase string) {
	s.timeouts.WithLabelValues(usecase).Inc()
}

func (s *Sink) Missed(usecase, reason string) {
	s.missed.WithLabelValues(usecase, reason).Inc()
}

func (s *Sink) RunStarted() {
	s.inFlight.Inc()
}

func (s *Sink) RunFinished() {
	s.inFlight.Dec()
}

// Forget drops every series of usecase, used when a job disappears.
func (s *Sink) Forget(usecase string) {
	match := prometheus.Labels{LabelUsecase: usecase}
	s.duration.DeletePartialMatch(match)
	s.success.DeletePartialMatch(match)
	s.lastRun.DeletePartialMatch(match)
	s.stepFailure.DeletePartialMatch(match)
	s.timeouts.DeletePartialMatch(match)
	s.missed.DeletePartialMatch(match)
}
