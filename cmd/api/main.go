package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"workweave/api/internal/app"
	"workweave/api/internal/cache"
	"workweave/api/internal/config"
	"workweave/api/internal/correlate"
	"workweave/api/internal/email"
	"workweave/api/internal/gitrepo"
	"workweave/api/internal/logger"
	"workweave/api/internal/objectstore"
	"workweave/api/internal/report"
	"workweave/api/internal/search"
	"workweave/api/internal/sources"
	"workweave/api/internal/store"
	"workweave/api/internal/syncer"
	"workweave/api/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	ctx := context.Background()

	tp, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatal("telemetry init failed", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	db, dialect, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", "error", err)
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
		log.Fatal("migrations failed", "error", err)
	}
	dataStore := store.New(db, dialect)

	var checks []app.Check

	var sharedCache cache.Cache = cache.NewMemory()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", "error", err)
		}
		defer redisCache.Close()
		sharedCache = redisCache
		checks = append(checks, app.Check{Name: "cache", Probe: redisCache.Ping})
		log.Info("using redis cache")
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log.With("component", "meilisearch"))
		defer meili.Close()
		index = meili
		checks = append(checks, app.Check{Name: "search", Probe: func(context.Context) error {
			if !meili.Healthy() {
				return errors.New("meilisearch unhealthy")
			}
			return nil
		}})
	}
	searchService := search.NewService(index, dataStore, log.With("component", "search"))

	gitService := gitrepo.New(cfg.Repositories...)
	extractors := []syncer.Extractor{}
	if len(cfg.Repositories) > 0 {
		extractors = append(extractors, gitService)
	}

	var archive report.Archiver
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		bucket, err := objectstore.NewMinIO(objectstore.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Fatal("object storage init failed", "error", err)
		}
		if err := bucket.EnsureBucket(ctx); err != nil {
			log.Warn("object storage bucket unavailable", "bucket", cfg.S3Bucket, "error", err)
		}
		archive = bucket
		extractors = append(extractors, objectstore.NewDocuments(bucket, cfg.DocumentPrefix))
		checks = append(checks, app.Check{Name: "object_storage", Probe: func(ctx context.Context) error {
			if !bucket.Healthy(ctx) {
				return errors.New("bucket unreachable")
			}
			return nil
		}})
	}

	orchestrator := syncer.New(syncer.Deps{
		Store:   dataStore,
		Cache:   sharedCache,
		Indexer: searchService,
		Logger:  log.With("component", "sync"),
		Tracer:  tp.Tracer,
	}, cfg.Sync, extractors...)

	// Issue-tracker clients are provided by the embedding deployment; without
	// one, report and correlation endpoints fail with a configuration error.
	var tracker sources.Tracker = sources.UnconfiguredTracker{}
	if _, unconfigured := tracker.(sources.UnconfiguredTracker); !unconfigured {
		orchestrator.Register(syncer.NewTrackerExtractor(tracker))
	}
	engine := correlate.New(correlate.Deps{
		Tracker:  tracker,
		VCS:      sources.UnconfiguredVCS{},
		Branches: gitService,
		Store:    dataStore,
		Cache:    sharedCache,
		Logger:   log.With("component", "correlate"),
		Tracer:   tp.Tracer,
	}, cfg.Correlation)
	reviews := report.NewService(tracker, engine, log.With("component", "report"), tp.Tracer)

	var pdf report.PDFRenderer
	if chrome := (report.Chrome{ExecPath: cfg.ChromePath}); chrome.Available() {
		pdf = chrome
	}
	newsletters := report.NewNewsletterService(dataStore, pdf, archive, log.With("component", "newsletter"), tp.Tracer)
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		newsletters.WithMailer(mailer)
	}

	service := app.NewService(app.Deps{
		Store:       dataStore,
		Syncer:      orchestrator,
		Correlator:  engine,
		Reviews:     reviews,
		Newsletters: newsletters,
		Search:      searchService,
		Logger:      log,
		Checks:      checks,
	})

	go func() {
		n, err := searchService.ReindexAll(ctx)
		if err != nil {
			log.Warn("search reindex failed", "error", err)
		} else if n > 0 {
			log.Info("search index bootstrapped", "items", n)
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.SyncToken, log.With("component", "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("workweave api listening", "addr", cfg.Addr, "sources", orchestrator.Sources())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	searchService.Wait()
}
