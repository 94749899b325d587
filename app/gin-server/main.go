package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/demoforge/config"
	"github.com/yoockh/demoforge/internal/api/handlers"
	"github.com/yoockh/demoforge/internal/api/middleware"
	"github.com/yoockh/demoforge/internal/api/routes"
	"github.com/yoockh/demoforge/internal/cache"
	"github.com/yoockh/demoforge/internal/events"
	"github.com/yoockh/demoforge/internal/locks"
	"github.com/yoockh/demoforge/internal/logger"
	"github.com/yoockh/demoforge/internal/providers/conversation"
	"github.com/yoockh/demoforge/internal/repositories"
	"github.com/yoockh/demoforge/internal/repositories/memory"
	mongorepo "github.com/yoockh/demoforge/internal/repositories/mongo"
	pgrepo "github.com/yoockh/demoforge/internal/repositories/postgres"
	"github.com/yoockh/demoforge/internal/services"
	"github.com/yoockh/demoforge/internal/storage"
	"github.com/yoockh/demoforge/internal/workers"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()
	cfg, err := config.LoadApp(nil)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("session store init failed")
	}
	log.WithFields(logrus.Fields{
		"store":       cfg.SessionStore,
		"active_flag": store.SupportsActiveFlag(),
	}).Info("session store ready")

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		if err := config.InitRedis(cfg.RedisAddr); err != nil {
			if cfg.NeedsRedis() {
				log.WithError(err).Fatal("Redis init error")
			}
			log.WithError(err).Warn("Redis unavailable; session-ready events disabled")
		} else {
			rdb = config.RedisClient
			defer rdb.Close()
			log.Info("Redis connected")
		}
	}

	provider := conversation.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
	deps := services.CoordinatorDeps{
		Store:    store,
		Provider: provider,
		Locks:    locks.NewMemoryTable(),
		Cache:    cache.NewMemoryCache(nil),
		Events:   events.Nop{},
		Logger:   log,
	}
	var subscriber events.Subscriber
	if rdb != nil {
		bus := events.NewRedisBus(rdb)
		deps.Events, subscriber = bus, bus
		deps.Teardown = workers.NewRedisTeardownQueue(rdb)

		pool := &workers.TeardownWorkerPool{Redis: rdb, Provider: provider, Logger: log}
		if err := pool.Start(ctx); err != nil {
			log.WithError(err).Fatal("teardown workers failed to start")
		}
		if cfg.DedupCache == config.BackendRedis {
			deps.Cache = cache.NewRedisCache(rdb, "demoforge:")
		}
		if cfg.CreationLock == config.BackendRedis {
			deps.Locks = locks.NewRedisTable(rdb, "demoforge:lock:", cfg.CreationLockTTL)
		}
	}
	if cfg.ProviderAPIKey == "" {
		log.Warn("PROVIDER_API_KEY is not set; every session will be a mock")
	}

	if cfg.MediaBucket != "" {
		signer, err := storage.NewGCSSigner(ctx, cfg.MediaBucket)
		if err != nil {
			log.WithError(err).Warn("GCS signer unavailable; video urls will be omitted")
		} else {
			defer signer.Close()
			deps.Media = signer
		}
	}

	coordinator := services.NewSessionCoordinator(deps, services.CoordinatorOptions{
		DefaultReplicaID: cfg.ProviderDefaultReplicaID,
		DedupTTL:         cfg.DedupCacheTTL,
		CreateTimeout:    cfg.SessionCreateTimeout,
		SweepTimeout:     cfg.SweepTimeout,
		MediaURLTTL:      cfg.MediaURLTTL,
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log), middleware.CORS(cfg.AllowedOrigins))
	routes.RegisterRoutes(r, routes.Deps{
		Session: handlers.NewSessionHandler(coordinator),
		WS:      handlers.NewWSHandler(coordinator, subscriber, log, cfg.AllowedOrigins...),
		Auth: middleware.JWTAuth(middleware.JWTConfig{
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		}),
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.WithField("port", cfg.Port).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

func openStore(ctx context.Context, cfg config.App, log *logrus.Logger) (repositories.SessionStore, error) {
	switch cfg.SessionStore {
	case config.StoreMongo:
		if err := config.InitMongo(cfg.MongoURI); err != nil {
			return nil, err
		}
		if err := config.EnsureMongoIndexes(cfg.MongoDB); err != nil {
			return nil, err
		}
		log.Info("MongoDB connected")
		return mongorepo.NewSessionRepo(config.MongoClient.Database(cfg.MongoDB)), nil

	case config.StoreMemory:
		log.Warn("using in-memory session store; sessions are lost on restart")
		return memory.NewSessionRepo(), nil

	default:
		if err := config.InitPostgres(cfg.PostgresURI); err != nil {
			return nil, err
		}
		if err := pgrepo.EnsureSchema(ctx, config.PostgresDB); err != nil {
			return nil, err
		}
		// resolved once; the column does not appear at runtime
		activeFlag, err := pgrepo.DetectActiveFlag(ctx, config.PostgresDB)
		if err != nil {
			return nil, err
		}
		log.Info("PostgreSQL connected")
		return pgrepo.NewSessionRepo(config.PostgresDB, activeFlag), nil
	}
}
