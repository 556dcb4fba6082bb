package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"roadwatch/api/internal/app"
	"roadwatch/api/internal/auth"
	"roadwatch/api/internal/blob"
	"roadwatch/api/internal/cache"
	"roadwatch/api/internal/classify"
	"roadwatch/api/internal/config"
	"roadwatch/api/internal/identity"
	"roadwatch/api/internal/lifecycle"
	"roadwatch/api/internal/logger"
	"roadwatch/api/internal/notify"
	"roadwatch/api/internal/reconcile"
	"roadwatch/api/internal/rhi"
	"roadwatch/api/internal/search"
	"roadwatch/api/internal/session"
	"roadwatch/api/internal/store"
	"roadwatch/api/internal/zone"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "roadwatch-api")
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	var migrations fs.FS = store.Migrations()
	if strings.TrimSpace(cfg.MigrationsDir) != "" {
		migrations = os.DirFS(cfg.MigrationsDir)
	}
	if err := store.ApplyMigrations(ctx, db, migrations, log); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	local, err := cache.Open(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	defer local.Close()

	remote := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meili.Close()
	}
	searchService := search.NewService(meili, pgfts, log)

	reconciler := reconcile.New(remote, local, log, reconcile.Options{
		RemoteTimeout: cfg.RemoteTimeout,
		DrainInterval: cfg.SyncInterval,
		OnSynced:      searchService.IndexReport,
		OnDeleted:     searchService.DeleteReport,
	})
	watcher := reconcile.NewWatcher(reconciler, cfg.PollInterval, log)

	var dispatcher notify.Dispatcher = notify.NewLogDispatcher(log)
	if cfg.FCMCredentialsFile != "" {
		fcm, err := notify.NewFCMDispatcher(ctx, cfg.FCMCredentialsFile, log)
		if err != nil {
			log.Fatal("fcm init failed", zap.Error(err))
		}
		dispatcher = fcm
	}

	deps := app.Deps{
		Identity:    identity.NewService(remote, local, log),
		RHI:         rhi.NewService(reconciler, local, cfg.Zones, log),
		Tokens:      auth.NewIssuer(cfg.JWTSecret, cfg.AccessTTL),
		Revocations: session.NewRedisStoreWithClient(local.Client()),
		Sync:        reconciler,
		Contractors: remote,
		Search:      searchService,
		Changes:     watcher,
		Checks: map[string]func(context.Context) error{
			"database": remote.Ping,
			"redis":    local.Ping,
		},
	}

	var blobs lifecycle.BlobStore
	if cfg.BlobEnabled() {
		media, err := blob.Open(ctx, blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
			Timeout:   cfg.BlobTimeout,
		}, log)
		if err != nil {
			log.Fatal("object store init failed", zap.Error(err))
		}
		deps.Media = media
		blobs = media
	} else {
		log.Warn("MINIO_ENDPOINT not set, media uploads disabled")
	}
	if cfg.ClassifierURL != "" {
		deps.Classifier = classify.New(cfg.ClassifierURL, cfg.RemoteTimeout, log)
	}
	zones, err := zone.ParseBounds(cfg.ZoneBounds)
	if err != nil {
		log.Fatal("invalid ZONE_BOUNDS", zap.Error(err))
	}
	if zones.Len() > 0 {
		deps.Zones = zones
	}

	deps.Reports = lifecycle.NewService(reconciler, remote, blobs, dispatcher, log, lifecycle.Config{
		ReportPoints: cfg.ReportPoints,
		RepairPoints: cfg.RepairPoints,
	})

	service := app.New(deps, log)
	if err := service.Bootstrap(ctx, cfg.BootstrapAdmin, cfg.BootstrapAdminPassword, cfg.BootstrapPointsPool); err != nil {
		log.Warn("bootstrap failed, will retry on next restart", zap.Error(err))
	}

	var background sync.WaitGroup
	for name, run := range map[string]func(context.Context) error{
		"sync drain":     reconciler.Run,
		"report watcher": watcher.Run,
	} {
		name, run := name, run
		background.Add(1)
		go func() {
			defer background.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("background loop stopped", zap.String("loop", name), zap.Error(err))
			}
		}()
	}
	go searchService.Reindex(ctx, pgfts)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.BlobTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("roadwatch api listening", zap.String("addr", cfg.Addr), zap.Strings("zones", cfg.Zones))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	background.Wait()
}
