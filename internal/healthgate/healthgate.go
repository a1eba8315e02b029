package healthgate

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/instrumentation/metrics"
	"github.com/twinctl/twinctl/pkg/bus"
	"github.com/twinctl/twinctl/pkg/thread"
)

// Probe checks one infrastructure component, returning an error while it is
// unreachable.
type Probe func(ctx context.Context) error

// Gate tracks reachability of the external stores and is the single check
// the reconcilers consult before emitting commands. It opens UNHEALTHY after
// failureThreshold consecutive probe failures and recovers HEALTHY after
// recoveryThreshold consecutive successes. Degradation publishes an
// InfrastructureFailure event; command emission simply stops (fail-stop),
// devices fail-safe autonomously.
type Gate struct {
	log       logrus.FieldLogger
	bus       *bus.Bus
	collector *metrics.HealthCollector

	failureThreshold  int
	recoveryThreshold int

	mu        sync.Mutex
	probes    map[string]Probe
	healthy   bool
	failures  int
	successes int

	prober *thread.Thread
}

func New(log logrus.FieldLogger, eventBus *bus.Bus, collector *metrics.HealthCollector, failureThreshold, recoveryThreshold int) *Gate {
	g := &Gate{
		log:               log,
		bus:               eventBus,
		collector:         collector,
		failureThreshold:  failureThreshold,
		recoveryThreshold: recoveryThreshold,
		probes:            make(map[string]Probe),
		healthy:           true,
	}
	if collector != nil {
		collector.SetHealthy(true)
	}
	return g
}

// RegisterProbe adds a component to the probe set. Probes registered after
// Start are picked up on the next cycle.
func (g *Gate) RegisterProbe(component string, probe Probe) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probes[component] = probe
}

// Healthy is the fail-stop check read by the reconcilers.
func (g *Gate) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.healthy
}

// Start launches the periodic prober.
func (g *Gate) Start(ctx context.Context, period time.Duration) {
	g.prober = thread.New(ctx, g.log.WithField("pkg", "healthgate"), "Infrastructure prober", period, g.Check)
	g.prober.Start()
}

func (g *Gate) Stop() {
	if g.prober != nil {
		g.prober.Stop()
	}
}

// Check probes every registered component once and folds the results into
// the gate state. It is exported so tests and callers can force a cycle.
func (g *Gate) Check(ctx context.Context) {
	g.mu.Lock()
	probes := make(map[string]Probe, len(g.probes))
	for component, probe := range g.probes {
		probes[component] = probe
	}
	g.mu.Unlock()

	for component, probe := range probes {
		if err := probe(ctx); err != nil {
			g.recordFailure(component, err)
			return
		}
	}
	g.recordSuccess()
}

func (g *Gate) recordFailure(component string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.collector != nil {
		g.collector.IncFailure(component)
	}
	g.successes = 0
	g.failures++
	g.log.WithError(err).Warnf("probe failed for %s (%d consecutive)", component, g.failures)

	if g.healthy && g.failures >= g.failureThreshold {
		g.healthy = false
		if g.collector != nil {
			g.collector.SetHealthy(false)
		}
		g.log.Errorf("infrastructure unhealthy after %d consecutive failures, suspending command emission", g.failures)
		g.bus.Publish(api.Event{
			Type:      api.EventInfrastructureFailure,
			Component: component,
			Reason:    err.Error(),
			Timestamp: time.Now().UTC(),
		})
	}
}

func (g *Gate) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures = 0
	if g.healthy {
		return
	}
	g.successes++
	if g.successes >= g.recoveryThreshold {
		g.healthy = true
		g.successes = 0
		if g.collector != nil {
			g.collector.SetHealthy(true)
		}
		g.log.Info("infrastructure healthy again, resuming command emission")
	}
}
