package service

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"github.com/twinctl/twinctl/internal/calculator"
	"github.com/twinctl/twinctl/internal/instrumentation/metrics"
	"github.com/twinctl/twinctl/internal/overrides"
	"github.com/twinctl/twinctl/internal/store"
	"github.com/twinctl/twinctl/pkg/bus"
)

const (
	dedupTTL      = 5 * time.Minute
	dedupCapacity = 8192
)

// Service is the operation surface of the control plane: intents, overrides,
// systems and telemetry ingest. Transports (HTTP, real-time) call into it and
// translate its sentinel errors.
type Service struct {
	twin       store.Twin
	systems    store.System
	overrides  overrides.Store
	calculator *calculator.Calculator
	bus        *bus.Bus
	log        logrus.FieldLogger
	telemetry  *metrics.TelemetryCollector

	// seen deduplicates telemetry deliveries by message id
	seen *ttlcache.Cache[string, struct{}]

	expiry *expiryScheduler
}

func New(twin store.Twin, systems store.System, overrideStore overrides.Store,
	calc *calculator.Calculator, eventBus *bus.Bus, log logrus.FieldLogger,
	telemetry *metrics.TelemetryCollector) *Service {
	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](dedupTTL),
		ttlcache.WithCapacity[string, struct{}](dedupCapacity),
	)
	go seen.Start()

	return &Service{
		twin:       twin,
		systems:    systems,
		overrides:  overrideStore,
		calculator: calc,
		bus:        eventBus,
		log:        log,
		telemetry:  telemetry,
		seen:       seen,
		expiry:     newExpiryScheduler(eventBus, log),
	}
}

// Stop releases background resources.
func (s *Service) Stop() {
	s.seen.Stop()
	s.expiry.stop()
}
