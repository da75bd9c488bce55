package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/salambundo/gasorder/internal/audit"
	"github.com/salambundo/gasorder/internal/backend"
	"github.com/salambundo/gasorder/internal/cache"
	"github.com/salambundo/gasorder/internal/catalog"
	"github.com/salambundo/gasorder/internal/config"
	"github.com/salambundo/gasorder/internal/db"
	"github.com/salambundo/gasorder/internal/health"
	"github.com/salambundo/gasorder/internal/kafka"
	"github.com/salambundo/gasorder/internal/notifier"
	taskprocessor "github.com/salambundo/gasorder/internal/processor"
	"github.com/salambundo/gasorder/internal/repository"
	"github.com/salambundo/gasorder/internal/server"
	"github.com/salambundo/gasorder/internal/service"
	"github.com/salambundo/gasorder/internal/storage"
	"github.com/salambundo/gasorder/internal/websocket"
	"github.com/salambundo/gasorder/migrations"
)

func main() {
	cfg := config.LoadConfig()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gasorder stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("gasorder stopped")
}

type stores struct {
	snapshots repository.SnapshotRepository
	tasks     repository.TaskRepository
	audit     []audit.AuditLogProcessor
	close     func() error
}

// openStores uses Postgres when a DSN is configured and the in-process
// stores otherwise.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (stores, error) {
	if cfg.DSN == "" {
		snaps, err := storage.NewSnapshotStore(cfg.StateFile)
		if err != nil {
			return stores{}, fmt.Errorf("open state file: %w", err)
		}
		logger.Info("running without postgres", "state_file", cfg.StateFile)
		return stores{
			snapshots: snaps,
			tasks:     storage.NewTaskStore(),
			close:     func() error { return nil },
		}, nil
	}

	var migrationsFS fs.FS
	if cfg.MigrationsEnabled {
		migrationsFS = migrations.FS
	}
	database, err := db.NewDB(ctx, cfg.DSN, migrationsFS)
	if err != nil {
		return stores{}, fmt.Errorf("connect db: %w", err)
	}
	return stores{
		snapshots: repository.NewPostgresSnapshotRepository(database),
		tasks:     repository.NewPostgresTaskRepository(database),
		audit:     []audit.AuditLogProcessor{audit.NewDBProcessor(database)},
		close:     database.Close,
	}, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close storage: %w", cerr))
		}
	}()

	processors := append(st.audit, &audit.StdoutProcessor{Filter: cfg.FilterWord, Out: os.Stdout})
	if cfg.KafkaEnabled {
		processors = append(processors, audit.NewOutboxProcessor(st.tasks, cfg.AuditTopic))
	}
	// The pool outlives the servers so the last requests still get audited.
	auditCtx, auditCancel := context.WithCancel(context.Background())
	pool := audit.NewAuditWorkerPool(audit.AuditPoolConfig{
		BatchSize:   cfg.AuditBatchSize,
		Timeout:     cfg.AuditTimeout,
		ChannelSize: 1024,
	}, logger, processors...)
	pool.Start(auditCtx, cfg.AuditWorkers)
	defer pool.Shutdown(auditCancel)

	hub := websocket.NewHub()
	client := backend.New(cfg.BackendURL, cfg.BackendTimeout).WithLogger(logger)
	watcher := notifier.New(st.snapshots, st.tasks, pool, cfg.KafkaTopic, logger)
	svc := service.New(client, cache.NewSessionCache(), cache.NewOrderListCache(), catalog.New(), logger,
		service.WithObserver(watcher),
		service.WithAuditor(pool),
		service.WithServiceToken(cfg.ServiceToken),
	)

	var publisher taskprocessor.Publisher = websocket.NewLocalPublisher(hub, cfg.KafkaTopic)
	if cfg.KafkaEnabled {
		producer, perr := kafka.NewSaramaProducer(cfg.KafkaBrokers, logger)
		if perr != nil {
			return perr
		}
		defer func() {
			if cerr := producer.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close producer: %w", cerr))
			}
		}()
		publisher = producer
	}
	outbox := taskprocessor.NewTaskProcessor(st.tasks, publisher, cfg.KafkaTopic, cfg.OutboxInterval, cfg.OutboxBatchSize, logger)

	checker := health.NewChecker(client, cfg.RefreshInterval, logger)
	grpcSrv := health.NewGRPCServer(checker)
	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	httpSrv := server.NewServer(svc, hub, pool, cfg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		outbox.Start(gctx)
		return nil
	})
	g.Go(func() error {
		cache.StartAutoRefresh(gctx, logger, svc.RefreshAll, cfg.RefreshInterval)
		return nil
	})
	g.Go(func() error {
		checker.Run(gctx)
		return nil
	})
	if cfg.KafkaEnabled {
		g.Go(func() error {
			handler := kafka.ConsumerGroupHandler{Handle: hub.BroadcastEvent, Logger: logger}
			return kafka.StartSaramaConsumer(gctx, kafka.NewConsumerConfig(), cfg.KafkaBrokers, cfg.ConsumerGroup(), []string{cfg.KafkaTopic}, handler)
		})
	}
	g.Go(func() error {
		return health.Serve(gctx, grpcSrv, lis, logger)
	})
	g.Go(func() error {
		return httpSrv.Run(gctx)
	})

	logger.Info("gasorder started",
		"backend", cfg.BackendURL,
		"postgres", cfg.DSN != "",
		"kafka", cfg.KafkaEnabled,
	)
	return g.Wait()
}
