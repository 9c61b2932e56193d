package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/rabbitmq/amqp091-go"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/gcquraishi/chronosgraph/internal/app"
	"github.com/gcquraishi/chronosgraph/internal/config"
	"github.com/gcquraishi/chronosgraph/internal/metrics"
	"github.com/gcquraishi/chronosgraph/internal/queue"
	"github.com/gcquraishi/chronosgraph/internal/report"
	"github.com/gcquraishi/chronosgraph/internal/server"
	mid "github.com/gcquraishi/chronosgraph/internal/server/middleware"
	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/leaselock"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/review"
)

func main() {
	util.LoadEnv()
	app.InitLogger("chronos-worker")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Error("Worker stopped", "err", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Shutdown signal received, exiting...")
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	if err := a.EnsureAgents(ctx); err != nil {
		return err
	}

	api := &mid.App{
		Store:       a.Store,
		Review:      review.New(a.Store),
		Objects:     a.Objects,
		IngestQueue: cfg.IngestQueue,
		EnrichQueue: cfg.EnrichQueue,
		APIKey:      cfg.APIKey,
		AgentID:     cfg.AgentID,
	}
	if cfg.APIKey == "" {
		logger.Warn("[Worker] CHRONOS_API_KEY is not set, the review API is open")
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.AMQPURL == "" {
		logger.Warn("[Worker] CHRONOS_AMQP_URL is not set, not consuming queues")
	} else {
		conn, err := queue.Dial(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer conn.Close()

		// Declaring queues and publishing events share one channel, the
		// API publishes on its own.
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
		defer ch.Close()
		queues := []string{cfg.IngestQueue, cfg.EnrichQueue}
		if err := queue.SetupQueues(ch, queues); err != nil {
			return err
		}
		apiCh, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("open API channel: %w", err)
		}
		defer apiCh.Close()
		api.Queue = apiCh

		h := queue.NewHandler(queue.NewHandlerParams{
			Base:        a.IngestionContext(),
			AI:          a.AI,
			Agents:      a.Agents,
			Objects:     a.Objects,
			Locker:      a.Locker,
			Events:      ch,
			ReportDir:   cfg.ReportDir,
			IngestQueue: cfg.IngestQueue,
			EnrichQueue: cfg.EnrichQueue,
		})
		closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
		g.Go(func() error {
			return queue.Consume(gctx, conn, queues, h)
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err := <-closed:
				return fmt.Errorf("RabbitMQ connection closed: %v", err)
			}
		})
	}

	scheduler, err := schedule(gctx, a)
	if err != nil {
		return err
	}
	scheduler.Start()
	g.Go(func() error {
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})

	g.Go(func() error {
		return server.Run(gctx, cfg.MetricsAddr, api)
	})

	logger.Info("[Worker] Started", "addr", cfg.MetricsAddr, "store", cfg.StoreDriver, "ai", cfg.AIProvider)
	return g.Wait()
}

// schedule registers the periodic duplicate scan and provenance audit.
// An empty schedule disables the job.
func schedule(ctx context.Context, a *app.App) (*cron.Cron, error) {
	c := cron.New()
	jobs := []struct {
		name string
		spec string
		fn   func(ctx context.Context, a *app.App) error
	}{
		{"dedupe scan", a.Config.DedupeSchedule, scanJob},
		{"provenance audit", a.Config.AuditSchedule, auditJob},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		_, err := c.AddFunc(job.spec, func() {
			logger.Info("[Worker] Running scheduled job", "job", job.name)
			if err := job.fn(ctx, a); err != nil {
				logger.Error("[Worker] Scheduled job failed", "job", job.name, "err", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job.name, job.spec, err)
		}
	}
	return c, nil
}

// scanJob proposes merges without executing them. Curators act on the
// report through the CLI.
func scanJob(ctx context.Context, a *app.App) error {
	err := a.Locker.WithLease(ctx, leaselock.ScanKey, leaselock.Options{}, func(ctx context.Context) error {
		res, err := a.ScanDuplicates(ctx, true)
		if res == nil {
			return err
		}
		metrics.ObserveScan(res)
		runID, idErr := util.NewBatchID("dedupe")
		if idErr != nil {
			return idErr
		}
		rep, rerr := report.Scan(runID, res, true)
		saveReport(ctx, a, rep, rerr)
		return err
	})
	if errors.Is(err, leaselock.ErrBusy) {
		logger.Info("[Worker] Duplicate scan already running elsewhere")
		return nil
	}
	return err
}

func auditJob(ctx context.Context, a *app.App) error {
	res, err := a.Audit(ctx)
	if err != nil {
		return err
	}
	metrics.SetMissingProvenance(res.Counts[0])
	runID, err := util.NewBatchID("audit")
	if err != nil {
		return err
	}
	rep, rerr := report.Audit(runID, res)
	saveReport(ctx, a, rep, rerr)
	if !res.Healthy() {
		logger.Warn("[Worker] Provenance audit found nodes without exactly one creator", "counts", res.Counts)
	}
	return nil
}

func saveReport(ctx context.Context, a *app.App, rep *report.Report, err error) {
	if err != nil {
		logger.Error("[Worker] Failed to build report", "err", err)
		return
	}
	refs, err := rep.Save(ctx, a.Config.ReportDir, a.Objects)
	if err != nil {
		logger.Error("[Worker] Failed to store report", "kind", rep.Kind, "err", err)
	}
	logger.Info("[Worker] Report stored", "kind", rep.Kind, "run", rep.RunID, "refs", refs)
}
