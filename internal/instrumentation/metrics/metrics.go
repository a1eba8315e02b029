package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NamedCollector is a prometheus.Collector with a stable name used when
// registering component collectors.
type NamedCollector interface {
	prometheus.Collector
	MetricsName() string
}

// ReconcilerCollector gathers command-dispatch metrics for the immediate and
// drift reconcilers.
type ReconcilerCollector struct {
	sentCounter             *prometheus.CounterVec
	debouncedCounter        prometheus.Counter
	skippedUnhealthyCounter prometheus.Counter
	skippedConvergedCounter prometheus.Counter
	pendingGauge            prometheus.Gauge
}

func NewReconcilerCollector() *ReconcilerCollector {
	return &ReconcilerCollector{
		sentCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinctl_reconciler_commands_sent_total",
			Help: "Total number of device commands emitted, by reconciler",
		}, []string{"reconciler"}),
		debouncedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twinctl_reconciler_debounced_total",
			Help: "Total number of pending commands superseded inside the debounce window",
		}),
		skippedUnhealthyCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twinctl_reconciler_skipped_unhealthy_total",
			Help: "Total number of dispatches skipped because infrastructure was unhealthy",
		}),
		skippedConvergedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twinctl_reconciler_skipped_converged_total",
			Help: "Total number of dispatches skipped because the twin had already converged",
		}),
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twinctl_reconciler_pending_commands",
			Help: "Current number of commands waiting out the debounce window",
		}),
	}
}

func (c *ReconcilerCollector) MetricsName() string { return "reconciler" }

func (c *ReconcilerCollector) Describe(ch chan<- *prometheus.Desc) {
	c.sentCounter.Describe(ch)
	c.debouncedCounter.Describe(ch)
	c.skippedUnhealthyCounter.Describe(ch)
	c.skippedConvergedCounter.Describe(ch)
	c.pendingGauge.Describe(ch)
}

func (c *ReconcilerCollector) Collect(ch chan<- prometheus.Metric) {
	c.sentCounter.Collect(ch)
	c.debouncedCounter.Collect(ch)
	c.skippedUnhealthyCounter.Collect(ch)
	c.skippedConvergedCounter.Collect(ch)
	c.pendingGauge.Collect(ch)
}

func (c *ReconcilerCollector) IncSent(reconciler string) {
	c.sentCounter.WithLabelValues(reconciler).Inc()
}
func (c *ReconcilerCollector) IncDebounced()        { c.debouncedCounter.Inc() }
func (c *ReconcilerCollector) IncSkippedUnhealthy() { c.skippedUnhealthyCounter.Inc() }
func (c *ReconcilerCollector) IncSkippedConverged() { c.skippedConvergedCounter.Inc() }
func (c *ReconcilerCollector) SetPending(n int)     { c.pendingGauge.Set(float64(n)) }

// RulesCollector counts rule evaluations by final outcome.
type RulesCollector struct {
	evaluationsCounter *prometheus.CounterVec
	ruleErrorsCounter  prometheus.Counter
}

func NewRulesCollector() *RulesCollector {
	return &RulesCollector{
		evaluationsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinctl_rules_evaluations_total",
			Help: "Total number of rule-chain evaluations by final outcome",
		}, []string{"outcome"}),
		ruleErrorsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twinctl_rules_errors_total",
			Help: "Total number of rule evaluation errors (panics and timeouts)",
		}),
	}
}

func (c *RulesCollector) MetricsName() string { return "rules" }

func (c *RulesCollector) Describe(ch chan<- *prometheus.Desc) {
	c.evaluationsCounter.Describe(ch)
	c.ruleErrorsCounter.Describe(ch)
}

func (c *RulesCollector) Collect(ch chan<- prometheus.Metric) {
	c.evaluationsCounter.Collect(ch)
	c.ruleErrorsCounter.Collect(ch)
}

func (c *RulesCollector) IncEvaluation(outcome string) {
	c.evaluationsCounter.WithLabelValues(outcome).Inc()
}
func (c *RulesCollector) IncRuleError() { c.ruleErrorsCounter.Inc() }

// HealthCollector exposes the infrastructure gate state.
type HealthCollector struct {
	healthyGauge    prometheus.Gauge
	failuresCounter *prometheus.CounterVec
}

func NewHealthCollector() *HealthCollector {
	return &HealthCollector{
		healthyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twinctl_infrastructure_healthy",
			Help: "1 while the infrastructure health gate is open, 0 while commands are suspended",
		}),
		failuresCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinctl_infrastructure_failures_total",
			Help: "Total number of infrastructure probe failures by component",
		}, []string{"component"}),
	}
}

func (c *HealthCollector) MetricsName() string { return "health" }

func (c *HealthCollector) Describe(ch chan<- *prometheus.Desc) {
	c.healthyGauge.Describe(ch)
	c.failuresCounter.Describe(ch)
}

func (c *HealthCollector) Collect(ch chan<- prometheus.Metric) {
	c.healthyGauge.Collect(ch)
	c.failuresCounter.Collect(ch)
}

func (c *HealthCollector) SetHealthy(healthy bool) {
	if healthy {
		c.healthyGauge.Set(1)
	} else {
		c.healthyGauge.Set(0)
	}
}
func (c *HealthCollector) IncFailure(component string) {
	c.failuresCounter.WithLabelValues(component).Inc()
}

// TelemetryCollector counts ingress outcomes.
type TelemetryCollector struct {
	processedCounter prometheus.Counter
	droppedCounter   *prometheus.CounterVec
	staleGauge       prometheus.Gauge
}

func NewTelemetryCollector() *TelemetryCollector {
	return &TelemetryCollector{
		processedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twinctl_telemetry_processed_total",
			Help: "Total number of telemetry messages applied to twins",
		}),
		droppedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinctl_telemetry_dropped_total",
			Help: "Total number of telemetry messages dropped by reason",
		}, []string{"reason"}),
		staleGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twinctl_devices_stale",
			Help: "Number of devices past the stale-activity threshold at the last sweep",
		}),
	}
}

func (c *TelemetryCollector) MetricsName() string { return "telemetry" }

func (c *TelemetryCollector) Describe(ch chan<- *prometheus.Desc) {
	c.processedCounter.Describe(ch)
	c.droppedCounter.Describe(ch)
	c.staleGauge.Describe(ch)
}

func (c *TelemetryCollector) Collect(ch chan<- prometheus.Metric) {
	c.processedCounter.Collect(ch)
	c.droppedCounter.Collect(ch)
	c.staleGauge.Collect(ch)
}

func (c *TelemetryCollector) IncProcessed()            { c.processedCounter.Inc() }
func (c *TelemetryCollector) IncDropped(reason string) { c.droppedCounter.WithLabelValues(reason).Inc() }
func (c *TelemetryCollector) SetStaleDevices(n int)    { c.staleGauge.Set(float64(n)) }
