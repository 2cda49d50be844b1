package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/api"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/audit"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/cache"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/config"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/counter"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/db"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/ingest"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/metrics"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/sketch"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/store"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)

	cfg, err := config.Load(viper.New())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Open(ctx, cfg.Database.PoolConfig())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if cfg.Database.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}

	alg, err := sketch.NewTheta(
		sketch.WithLgK(cfg.Sketch.LgK),
		sketch.WithNumStdDevs(cfg.Sketch.NumStdDevs),
	)
	if err != nil {
		log.Fatalf("Invalid sketch settings: %v", err)
	}

	st, err := newStore(cfg, pool, alg)
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}

	reg := prometheus.DefaultRegisterer
	m := metrics.New(reg)
	reg.MustRegister(collectors.NewDBStatsCollector(pool.Primary(), cfg.Database.Name))
	version.Register(reg)

	opts := []counter.Option{counter.WithMetrics(m)}
	if cfg.Cache.Enabled {
		c := cache.NewCache(cfg.Cache.Addr, cfg.Cache.TTL)
		defer c.Close()
		opts = append(opts, counter.WithCache(c))
	}
	svc := counter.NewService(st, alg, opts...)

	handler := api.NewHandler(svc, m, api.WithAuditor(audit.NewAuditor(pool)))

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.HTTPPort,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var wg sync.WaitGroup
	if cfg.Kafka.Enabled {
		consumer := ingest.NewConsumer(ingest.Config{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.Group,
			Topics:  cfg.Kafka.Topics,
			Workers: cfg.Kafka.Workers,
		}, svc, m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				log.Errorf("Kafka consumer stopped with error: %v", err)
			}
		}()
	}

	go func() {
		log.WithFields(log.Fields{
			"port":    cfg.Server.HTTPPort,
			"driver":  cfg.Database.Driver,
			"version": version.Version,
		}).Info("Sketch counter starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	wg.Wait()
	log.Info("Server exited")
}

func newStore(cfg *config.Config, pool *db.Pool, alg sketch.Algebra) (store.Store, error) {
	if pool.Driver() == db.SQLite {
		return store.NewSQLite(pool, alg), nil
	}
	pg, err := store.NewPostgres(pool, store.Functions{
		Build:    cfg.Sketch.Functions.Build,
		Union:    cfg.Sketch.Functions.Union,
		Estimate: cfg.Sketch.Functions.Estimate,
	})
	if err != nil {
		return nil, err
	}
	return pg, nil
}

func setupLogging(cfg *config.Config) {
	if cfg.Log.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", cfg.Log.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
