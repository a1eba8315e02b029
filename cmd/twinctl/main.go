package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/twinctl/twinctl/internal/calculator"
	"github.com/twinctl/twinctl/internal/config"
	"github.com/twinctl/twinctl/internal/fanout"
	"github.com/twinctl/twinctl/internal/healthgate"
	"github.com/twinctl/twinctl/internal/instrumentation/metrics"
	"github.com/twinctl/twinctl/internal/kvstore"
	"github.com/twinctl/twinctl/internal/overrides"
	"github.com/twinctl/twinctl/internal/reconciler"
	"github.com/twinctl/twinctl/internal/rules"
	"github.com/twinctl/twinctl/internal/service"
	"github.com/twinctl/twinctl/internal/store"
	"github.com/twinctl/twinctl/internal/tasks"
	"github.com/twinctl/twinctl/internal/transport"
	"github.com/twinctl/twinctl/pkg/bus"
	"github.com/twinctl/twinctl/pkg/log"
)

func main() {
	cfgFile := flag.String("config", config.ConfigFile(), "path to the configuration file")
	flag.Parse()

	logger := log.InitLogs()

	cfg, err := config.LoadOrGenerate(*cfgFile)
	if err != nil {
		logger.Fatalf("reading configuration: %v", err)
	}
	logger.SetLevel(log.LevelFromString(cfg.Service.LogLevel))
	logger.Infof("starting with config: %s", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kv, err := kvstore.NewRedisStore(cfg.KV.Hostname, cfg.KV.Port, cfg.KV.Password)
	if err != nil {
		logger.Fatalf("connecting to kv store: %v", err)
	}
	defer kv.Close()

	// the broker side uses its own connection so slow command publishes never
	// contend with twin reads
	broker := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.KV.Hostname, cfg.KV.Port),
		Password: cfg.KV.Password,
	})
	defer broker.Close()

	reconcilerMetrics := metrics.NewReconcilerCollector()
	rulesMetrics := metrics.NewRulesCollector()
	healthMetrics := metrics.NewHealthCollector()
	telemetryMetrics := metrics.NewTelemetryCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(reconcilerMetrics, rulesMetrics, healthMetrics, telemetryMetrics)
	go serveMetrics(cfg.Service.MetricsAddress, registry, logger)

	eventBus := bus.New(logger)

	twin := store.NewTwin(kv, logger.WithField("pkg", "store"), cfg.StoreTimeout())
	systems := store.NewSystem(kv, logger.WithField("pkg", "store"), cfg.StoreTimeout())
	overrideStore := overrides.NewStore(kv, logger.WithField("pkg", "overrides"), cfg.StoreTimeout())

	ruleRegistry := rules.BuildRegistry(logger.WithField("pkg", "rules"), cfg.Rules.RulesFile)
	engine := rules.NewEngine(ruleRegistry, logger.WithField("pkg", "rules"), cfg.RuleTimeout())

	calc := calculator.New(twin, systems, overrides.NewResolver(overrideStore), engine,
		eventBus, logger.WithField("pkg", "calculator"), rulesMetrics)
	stopCalc := calc.Run(ctx)
	defer stopCalc()

	gate := healthgate.New(logger.WithField("pkg", "healthgate"), eventBus, healthMetrics,
		int(cfg.Health.FailureThreshold), int(cfg.Health.RecoveryThreshold))
	gate.RegisterProbe("kvstore", kv.Ping)
	gate.RegisterProbe("broker", func(ctx context.Context) error { return broker.Ping(ctx).Err() })
	gate.Start(ctx, cfg.HealthProbePeriod())
	defer gate.Stop()

	publisher := transport.NewRedisPublisher(broker, logger.WithField("pkg", "transport"), cfg.PublishTimeout())

	immediate := reconciler.NewImmediate(twin, gate, publisher, eventBus,
		logger.WithField("pkg", "reconciler"), reconcilerMetrics, cfg.DebounceWindow())
	stopImmediate := immediate.Run(ctx)
	defer stopImmediate()

	drift := reconciler.NewDrift(twin, gate, publisher,
		logger.WithField("pkg", "reconciler"), reconcilerMetrics)
	drift.Start(ctx, cfg.DriftPeriod())
	defer drift.Stop()

	svc := service.New(twin, systems, overrideStore, calc, eventBus,
		logger.WithField("pkg", "service"), telemetryMetrics)
	defer svc.Stop()

	consumer := transport.NewRedisConsumer(broker, logger.WithField("pkg", "transport"))
	stopConsumer := consumer.Run(ctx, svc.HandleTelemetry)
	defer stopConsumer()

	maintenance := tasks.NewMaintenance(twin, logger.WithField("pkg", "tasks"), telemetryMetrics, cfg.StaleThreshold())
	if err := maintenance.Start(ctx, cfg.Maintenance.StaleDetectionCron, cfg.Maintenance.OrphanCleanupCron); err != nil {
		logger.Fatalf("scheduling maintenance jobs: %v", err)
	}
	defer maintenance.Stop()

	events := fanout.New(broker, eventBus, logger.WithField("pkg", "fanout"), cfg.PublishTimeout())
	stopFanout := events.Run(ctx)
	defer stopFanout()

	logger.Info("twinctl is up")
	<-ctx.Done()
	logger.Info("shutting down")
}

func serveMetrics(address string, registry *prometheus.Registry, logger logrus.FieldLogger) {
	if address == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(address, mux); err != nil {
		logger.Errorf("metrics listener: %v", err)
	}
}
