package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"meshmonitor/internal/api"
	"meshmonitor/internal/automation"
	"meshmonitor/internal/bus"
	"meshmonitor/internal/config"
	"meshmonitor/internal/ingest"
	"meshmonitor/internal/logging"
	"meshmonitor/internal/persistence"
	"meshmonitor/internal/radio"
	"meshmonitor/internal/scheduler"
	"meshmonitor/internal/transport"
)

// Version is stamped by the release build via -ldflags.
var Version = "dev"

const (
	tracerouteInterval   = 3 * time.Minute
	announceInterval     = 6 * time.Hour
	nodeRefreshInterval  = time.Hour
	nodeRefreshWarmup    = 5 * time.Minute
	retentionInterval    = time.Hour
	versionCheckInterval = 4 * time.Hour

	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("run meshmonitord", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	logger := logMgr.Logger("main")
	logger.Info("starting meshmonitor",
		"version", Version,
		"radio", cfg.Radio.Host,
		"transport", cfg.Radio.Transport,
	)

	db, err := persistence.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("close sqlite", "error", closeErr)
		}
	}()

	store := persistence.NewStore(logMgr.Logger("persistence"), db)
	store.Writer.Start(ctx)

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	codec, err := radio.NewMeshtasticCodec()
	if err != nil {
		return fmt.Errorf("initialize codec: %w", err)
	}

	var tr transport.Transport
	switch cfg.Radio.Transport {
	case config.TransportHTTP:
		tr = transport.NewHTTPTransport(logMgr.Logger("transport"), cfg.Radio.Host, cfg.Radio.UseTLS)
	default:
		tr = transport.NewTCPTransport(logMgr.Logger("transport"), cfg.Radio.Host, config.DefaultTCPPort)
	}

	session := radio.NewSession(logMgr.Logger("radio"), b, tr, codec)
	session.Start(ctx)

	pipeline := ingest.NewPipeline(logMgr.Logger("ingest"), b, session, store)

	settings := automation.NewSettings(logMgr.Logger("automation"), store)
	if err := settings.Load(ctx); err != nil {
		return fmt.Errorf("load automation settings: %w", err)
	}

	autoAck := automation.NewAutoAck(logMgr.Logger("automation"), b, session, store, settings)
	welcome := automation.NewWelcome(logMgr.Logger("automation"), b, session, store, settings)
	announcer := automation.NewAnnouncer(logMgr.Logger("automation"), session, settings)
	rotation := automation.NewRotation(logMgr.Logger("automation"), session, store, settings, tracerouteInterval)
	versions := automation.NewVersionChecker(logMgr.Logger("automation"), store, Version, "")
	favorites := automation.NewFavoriteSyncer(logMgr.Logger("automation"), session)

	cleanup := persistence.NewCleanup(cfg.Retention)

	sched := scheduler.New(logMgr.Logger("scheduler"), store)
	sched.Add(scheduler.Job{
		Name:     "traceroute-rotation",
		Interval: tracerouteInterval,
		Run:      rotation.RunOnce,
	})
	sched.Add(scheduler.Job{
		Name:     "auto-announce",
		Interval: announceInterval,
		Run:      announcer.RunOnce,
	})
	sched.Add(scheduler.Job{
		Name:     "node-refresh",
		Interval: nodeRefreshInterval,
		Warmup:   nodeRefreshWarmup,
		Run: func(ctx context.Context) error {
			err := session.RequestNodeDB(ctx, radio.OriginJob)
			if err == radio.ErrNotConnected {
				return nil
			}
			return err
		},
	})
	sched.Add(scheduler.Job{
		Name:     "retention-sweep",
		Interval: retentionInterval,
		Run: func(ctx context.Context) error {
			return store.Writer.EnqueueWait(ctx, "retention sweep", func(ctx context.Context, tx *sql.Tx) error {
				removed, err := cleanup.Run(ctx, tx, time.Now())
				if err != nil {
					return err
				}
				if removed > 0 {
					logger.Info("retention sweep", "rows_removed", removed)
				}
				return nil
			})
		},
	})
	sched.Add(scheduler.Job{
		Name:     "version-check",
		Interval: versionCheckInterval,
		Run:      versions.RunOnce,
	})

	server := api.NewServer(
		logMgr.Logger("api"),
		cfg,
		store,
		b,
		session,
		settings,
		favorites,
		versions,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		pipeline.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		autoAck.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		welcome.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		announcer.RunOnStart(groupCtx)
		return nil
	})
	group.Go(func() error {
		sched.Start(groupCtx)
		<-groupCtx.Done()
		return nil
	})
	group.Go(server.ListenAndServe)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("meshmonitor running", "http_port", cfg.HTTPPort, "base_url", cfg.BaseURL)
	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("meshmonitor stopped")

	return nil
}
