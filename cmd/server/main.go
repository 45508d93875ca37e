/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the compliance report engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, LCFS_* environment, flags)
  2. Initialize SQLite store
  3. Build the reference data cache
  4. Pick the group lock backend (local, redis, postgres)
  5. Create the report and transfer services with metrics attached
  6. Start the email delivery worker
  7. Configure HTTP router
  8. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080)
  -db         SQLite database path (default: lcfs.db)
              Use ":memory:" for in-memory database
  -log-level  logrus level (default: info)
  -jwt-key    HS256 signing key
  -reference  Reference data JSON file (default: embedded)
  -lock       local | redis | postgres
  -seed       Load demo data and print tokens

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the delivery worker
  4. Close lock backends, Kafka client and database
  5. Exit

EXAMPLES:
  # Run with demo data on an in-memory database
  LCFS_JWT_SIGNING_KEY=dev ./server -db=":memory:" -seed

  # Run with redis group locks
  ./server -lock=redis

SEE ALSO:
  - config/config.go: All configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/lcfs/compliance-engine/api"
	"github.com/lcfs/compliance-engine/compliance"
	"github.com/lcfs/compliance-engine/config"
	"github.com/lcfs/compliance-engine/factory"
	"github.com/lcfs/compliance-engine/lock"
	"github.com/lcfs/compliance-engine/metrics"
	"github.com/lcfs/compliance-engine/notify"
	"github.com/lcfs/compliance-engine/store/sqlite"
	"github.com/lcfs/compliance-engine/transfers"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	log := config.NewLogger(cfg.LogLevel)
	entry := log.WithField("module", "main")

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		entry.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Reference data
	reference := compliance.NewReferenceCache(referenceLoader(cfg))
	if _, err := reference.Get(context.Background()); err != nil {
		entry.WithError(err).Fatal("failed to load reference data")
	}

	// Group locks
	locker, closeLocker, err := newLocker(cfg, log)
	if err != nil {
		entry.WithError(err).Fatal("failed to initialize lock backend")
	}
	defer closeLocker()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Services
	fanout := compliance.NewFanout(time.Now)
	reports := compliance.NewService(store, reference, log.WithField("module", "compliance"))
	reports.Locker = locker
	reports.Notifier = fanout
	reports.Observer = m

	xfers := transfers.NewService(store, log.WithField("module", "transfers"))
	xfers.Locker = locker
	xfers.Notifier = fanout
	xfers.Observer = m

	// Email delivery
	sender, closeSender, err := newSender(cfg, log)
	if err != nil {
		entry.WithError(err).Fatal("failed to initialize email sender")
	}
	defer closeSender()
	worker := notify.NewWorker(store, sender, log.WithField("module", "notify"))
	worker.Interval = cfg.DeliveryInterval
	worker.BatchSize = cfg.DeliveryBatch
	worker.Start()

	// Initialize handler
	handler := api.NewHandler(reports, xfers, log.WithField("module", "api"))
	tokens := api.NewTokenService(cfg.JWTSigningKey, "lcfs-compliance-engine")

	if cfg.Seed {
		users, err := api.Seed(context.Background(), handler, tokens, 24*time.Hour)
		if err != nil {
			entry.WithError(err).Fatal("failed to load demo data")
		}
		for _, u := range users {
			entry.WithFields(logrus.Fields{"user": u.Name, "token": u.Token}).Info("demo user")
		}
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		Tokens:  tokens,
		Metrics: m.Handler(),
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		entry.WithField("port", cfg.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	entry.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		entry.WithError(err).Error("server forced to shutdown")
	}
	worker.Stop()

	entry.Info("server stopped")
}

// referenceLoader reads the configured reference data and applies the
// transition year override.
func referenceLoader(cfg config.Config) compliance.ReferenceLoader {
	load := factory.NewReferenceFactory().Loader(cfg.ReferenceData)
	if cfg.TransitionYear == "" {
		return load
	}
	return func(ctx context.Context) (compliance.ReferenceData, error) {
		data, err := load(ctx)
		if err != nil {
			return data, err
		}
		data.TransitionYear = compliance.CompliancePeriod(cfg.TransitionYear)
		return data, nil
	}
}

func newLocker(cfg config.Config, log logrus.FieldLogger) (compliance.GroupLocker, func(), error) {
	switch cfg.LockBackend {
	case config.LockRedis:
		l, client, err := lock.Dial(context.Background(), cfg.RedisURL, cfg.RedisPassword, lock.DefaultTTL, log)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { client.Close() }, nil
	case config.LockPostgres:
		l, err := lock.Connect(context.Background(), cfg.PostgresURL, log)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	}
	return compliance.NewLocalLocker(), func() {}, nil
}

func newSender(cfg config.Config, log logrus.FieldLogger) (notify.EmailSender, func(), error) {
	if len(cfg.KafkaBrokers) == 0 {
		return notify.LogSender{Log: log.WithField("module", "email")}, func() {}, nil
	}
	k, err := notify.NewKafkaSender(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, nil, err
	}
	return k, k.Close, nil
}
