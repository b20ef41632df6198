// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/api"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/cache"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/config"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/configuration"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/fleet"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence/postgresql"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence/sqlite"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/sentry"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/supervision"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/version"
)

func main() {
	logger.Initialize()
	log := logger.For(logger.ComponentCore)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %s", err)
	}

	sentry.InitSentry(cfg.SentryDSN, version.GetAppVersion(), true)
	log.Infow("Starting topology-core", "version", version.GetAppVersion(), "store", cfg.StoreBackend)

	metricsServer := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", cfg.MetricsPort), cfg.GoroutineTrace)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, logger.For(logger.ComponentStore))
	if err != nil {
		sentry.ReportIssue(err, sentry.IssueTypeFatal, log)
		log.Fatalf("Failed to open store: %s", err)
	}

	entities := cache.New(logger.For(logger.ComponentEntityCache))
	tracker := supervision.NewTracker(entities, logger.For(logger.ComponentSupervision))

	var (
		gateway fleet.Gateway = fleet.Nop{}
		mqtt    *fleet.MQTTGateway
	)
	if cfg.MQTT.BrokerURL != "" {
		mqtt = fleet.NewMQTTGateway(cfg.MQTT, tracker, logger.For(logger.ComponentFleet))
		gateway = mqtt
	} else {
		log.Warn("No MQTT broker configured, processes will not be subscribed")
	}

	orch := configuration.New(entities, store, tracker, gateway, configuration.Options{
		MaxParallel:                cfg.MaxParallel,
		AllowRunningProcessRemoval: cfg.AllowRunningProcessRemoval,
	})
	tracker.AddListener(orch.OnRunningChanged)

	if mqtt != nil {
		mqtt.SetTagValueSink(orch)
		if err := mqtt.Connect(ctx); err != nil {
			sentry.ReportIssue(err, sentry.IssueTypeFatal, log)
			log.Fatalf("Failed to connect to MQTT broker: %s", err)
		}
	}

	if _, err := orch.Warmup(ctx); err != nil {
		sentry.ReportIssue(err, sentry.IssueTypeFatal, log)
		log.Fatalf("Failed to warm up cache: %s", err)
	}

	if cfg.BootstrapFile != "" {
		applyBootstrap(ctx, orch, cfg, log)
	}

	apiServer := api.NewServer(cfg.APIPort, api.NewRouter(orch, cfg.BatchTimeout))
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeFatal, log)
			log.Fatalf("API server stopped: %s", err)
		}
	}()

	healthServer := initHealthCheck(cfg.HealthPort, store, mqtt, log)

	log.Infow("Topology core ready", "apiPort", cfg.APIPort, "cached", entities.Len(), "watches", tracker.ActiveWatches())

	awaitShutdown(log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Failed to shut down API server", "error", err)
	}
	tracker.Close()
	if mqtt != nil {
		mqtt.Close()
	}
	if err := store.Close(); err != nil {
		log.Warnw("Failed to close store", "error", err)
	}
	_ = healthServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	log.Info("Shutdown complete")
	_ = logger.Sync()
}

// openStore picks the backend named by STORE_BACKEND and wraps it with
// metrics.
func openStore(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (persistence.Gateway, error) {
	var (
		g   persistence.Gateway
		err error
	)

	switch cfg.StoreBackend {
	case config.BackendMemory:
		log.Warn("Using the in-memory store, nothing survives a restart")
		g = memory.NewStore()
	case config.BackendSQLite:
		g, err = sqlite.NewStore(ctx, cfg.SQLitePath)
	case config.BackendPostgreSQL:
		g, err = postgresql.NewStore(ctx, cfg.Postgres, log)
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, err
	}

	return persistence.NewInstrumented(g), nil
}

func applyBootstrap(ctx context.Context, orch *configuration.Orchestrator, cfg config.Config, log *zap.SugaredLogger) {
	batch, err := config.LoadBootstrap(cfg.BootstrapFile)
	if err != nil {
		sentry.ReportIssue(err, sentry.IssueTypeError, log)

		return
	}

	bctx, cancel := context.WithTimeout(ctx, cfg.BatchTimeout)
	defer cancel()

	report := orch.ApplyConfiguration(bctx, batch)
	if report.Failed() {
		log.Warnw("Bootstrap batch had failures", "batch", report.ID, "file", cfg.BootstrapFile)

		return
	}
	log.Infow("Bootstrap batch applied", "batch", report.ID, "status", report.Status, "elements", len(report.Elements))
}

func initHealthCheck(port int, store persistence.Gateway, mqtt *fleet.MQTTGateway, log *zap.SugaredLogger) *http.Server {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(100000))
	health.AddReadinessCheck("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		return store.Ping(ctx)
	})
	if mqtt != nil {
		health.AddReadinessCheck("mqtt", mqtt.ReadinessCheck())
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           health,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Error starting healthcheck: %s", err)
		}
	}()

	return server
}

func awaitShutdown(log *zap.SugaredLogger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigs
	log.Infof("Received SIG %v", sig)
}
