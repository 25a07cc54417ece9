package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modledger/internal/config"
	"modledger/internal/handler"
	"modledger/internal/infrastructure/cache"
	"modledger/internal/infrastructure/database"
	"modledger/internal/infrastructure/lock"
	"modledger/internal/infrastructure/mq"
	"modledger/internal/infrastructure/objectstore"
	"modledger/internal/job"
	"modledger/internal/logger"
	"modledger/internal/metrics"
	"modledger/internal/mirror"
	"modledger/internal/model"
	"modledger/internal/repository"
	"modledger/internal/repository/kv"
	"modledger/internal/repository/memory"
	"modledger/internal/service"
	"modledger/pkg/idgen"
)

func main() {
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Env, cfg.Log.Level)
	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	metrics.Init()
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, mirrors, closeStore, err := openStorage(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	publishers, closePublishers, err := openPublishers(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublishers()

	outbox := mirror.NewOutbox(mirrors, mirror.OutboxConfig{
		BatchSize:   cfg.Mirror.BatchSize,
		MaxAttempts: cfg.Mirror.MaxAttempts,
		BaseBackoff: cfg.Mirror.BaseBackoff,
		MaxBackoff:  cfg.Mirror.MaxBackoff,
		Workers:     cfg.Mirror.Workers,
	}, publishers, mirror.WithOutboxLogger(log))
	defer outbox.Close()

	ledger := service.NewLedger(store, service.Policy{
		ReturnRatio:             cfg.Ledger.ReturnRatio,
		DefaultLockDurationDays: cfg.Ledger.DefaultLockDurationDays,
		LockMode:                model.LockMode(cfg.Ledger.LockMode),
		SweepBatchSize:          cfg.Ledger.SweepBatchSize,
		SweepMaxBatches:         cfg.Ledger.SweepMaxBatches,
	},
		service.WithMirror(outbox),
		service.WithSyncReporter(mirrors),
		service.WithLogger(log),
	)

	sweeperOpts := []job.SweeperOption{job.WithSweeperLogger(log)}
	if cfg.Redis.Enabled {
		rdb, err := cache.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		sweeperOpts = append(sweeperOpts, job.WithSweepLock(lock.NewSweepLock(rdb, cfg.Ledger.SweepLockTTL)))
	}

	sweeper := job.NewExpirySweeper(ledger, cfg.Ledger.SweepInterval, sweeperOpts...)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	sender := job.NewMirrorSender(outbox, ledger.GetTransaction, cfg.Mirror.Interval, log)
	senderDone := make(chan struct{})
	go func() {
		sender.Start(ctx)
		close(senderDone)
	}()

	router := handler.SetupRouter(handler.NewHandler(ledger, mirrors, log), log)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Driver,
			"lock_mode", cfg.Ledger.LockMode,
			"networks", outbox.Networks(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		log.Error("http server failed", "error", err)
	}

	if err := sweeper.Stop(); err != nil {
		log.Warn("stop sweeper", "error", err)
	}
	cancel()
	<-senderDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}

	log.Info("server stopped")
	return nil
}

// openStorage returns the ledger store, the mirror record store and a close
// func for the configured driver.
func openStorage(cfg *config.Config, log *slog.Logger) (repository.Store, repository.MirrorRepository, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverMySQL, config.DriverPostgres:
		db, err := database.Open(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		closeDB := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return repository.NewSQLStore(db), repository.NewSQLMirrorRepository(db), closeDB, nil

	case config.DriverBadger:
		store, err := kv.Open(cfg.Badger.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		closeKV := func() {
			if err := store.Close(); err != nil {
				log.Warn("close badger", "error", err)
			}
		}
		return store, store.Mirrors(), closeKV, nil

	default:
		return memory.NewStore(), memory.NewMirrorRepository(), func() {}, nil
	}
}

// openPublishers builds one publisher per configured mirror network.
func openPublishers(ctx context.Context, cfg *config.Config) ([]mirror.Publisher, func(), error) {
	var (
		publishers []mirror.Publisher
		closers    []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	for _, network := range cfg.Mirror.Networks {
		switch network {
		case config.NetworkKafka:
			producer, err := mq.NewProducer(&cfg.Kafka)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, func() { _ = producer.Close() })
			publishers = append(publishers, mirror.NewKafkaPublisher(producer, cfg.Kafka.Topic.LedgerMirror))

		case config.NetworkArchive:
			client, err := objectstore.NewClient(ctx, &cfg.Archive)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			publishers = append(publishers, mirror.NewArchivePublisher(client, cfg.Archive.Bucket, cfg.Archive.Prefix))

		case config.NetworkSimulated:
			publishers = append(publishers, mirror.NewSimulatedPublisher(config.NetworkSimulated, cfg.Mirror.SimulateFails))
		}
	}
	return publishers, closeAll, nil
}
