package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/chatrelay/internal/api"
	"github.com/wuwenbin0122/chatrelay/internal/auth"
	"github.com/wuwenbin0122/chatrelay/internal/completion"
	"github.com/wuwenbin0122/chatrelay/internal/db"
	"github.com/wuwenbin0122/chatrelay/internal/relay"
	"github.com/wuwenbin0122/chatrelay/internal/store"
	"github.com/wuwenbin0122/chatrelay/internal/utils"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := utils.LoadConfig()
	if err != nil {
		utils.Logger().Fatal("config: failed to load", zap.Error(err))
	}

	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		utils.Logger().Fatal("logger: failed to build", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	if envErr != nil {
		logger.Debug("config: no .env file loaded", zap.Error(envErr))
	}

	ctx := context.Background()

	users, conversations, closeStores := openStores(ctx, cfg, logger)
	defer closeStores()

	var auditor relay.Auditor = relay.NopAuditor{}
	if cfg.Mongo.URI != "" {
		mongoStore, err := db.NewMongo(ctx, cfg.Mongo)
		if err != nil {
			logger.Fatal("mongo: failed to connect", zap.Error(err))
		}
		defer func() {
			if err := mongoStore.Close(context.Background()); err != nil {
				logger.Warn("mongo: close error", zap.Error(err))
			}
		}()
		if err := mongoStore.EnsureCollections(ctx); err != nil {
			logger.Fatal("mongo: ensure collections", zap.Error(err))
		}
		auditor = mongoStore
	}

	var revocations auth.RevocationList
	if cfg.Redis.Addr != "" {
		redisClient, err := db.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("redis: failed to connect", zap.Error(err))
		}
		defer func() { _ = redisClient.Close() }()
		revocations = db.NewRedisRevocations(redisClient)
	}

	authService, err := auth.NewService(cfg.JWTSecret, cfg.TokenTTL, users, revocations)
	if err != nil {
		logger.Fatal("failed to initialise auth service", zap.Error(err))
	}

	completer := completion.NewClient(cfg.Completion, logger.Named("completion"))
	chatRelay := relay.New(completer, conversations, auditor, relay.OptionsFromConfig(cfg), logger.Named("relay"))

	router := setupRouter(cfg, logger, authService, users, conversations, chatRelay)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server crashed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	server.RegisterOnShutdown(chatRelay.Registry().CloseAll)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	logger.Info("server stopped cleanly")
}

// openStores returns the user and conversation stores for the configured
// driver together with a function releasing their connections.
func openStores(ctx context.Context, cfg *utils.Config, logger *zap.Logger) (store.Users, store.Conversations, func()) {
	if cfg.StoreDriver == utils.StoreDriverMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		mem := store.NewMemory()
		return mem, mem, func() {}
	}

	postgres, err := db.NewPostgres(ctx, cfg.Postgres, logger.Named("postgres"))
	if err != nil {
		logger.Fatal("postgres: failed to connect", zap.Error(err))
	}
	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		logger.Fatal("postgres: ensure schema", zap.Error(err))
	}

	gormDB, err := db.NewGORM(cfg.Postgres)
	if err != nil {
		postgres.Close()
		logger.Fatal("gorm: failed to open", zap.Error(err))
	}

	closeAll := func() {
		if err := db.CloseGORM(gormDB); err != nil {
			logger.Warn("gorm: close error", zap.Error(err))
		}
		postgres.Close()
	}
	return store.NewGormUsers(gormDB), store.NewPostgres(postgres.Pool), closeAll
}

func setupRouter(cfg *utils.Config, logger *zap.Logger, authService *auth.Service, users store.Users, conversations store.Conversations, chatRelay *relay.Relay) *gin.Engine {
	router := gin.New()
	router.Use(
		api.RequestIDMiddleware(),
		api.LogMiddleware(logger.Named("http")),
		gin.Recovery(),
		api.CORSMiddleware(cfg.Relay.AllowedOrigins),
	)

	router.GET("/health", api.HealthHandler(chatRelay.Registry().Count))

	relay.NewHandler(chatRelay, authService).RegisterRoutes(router)
	api.NewHandler(authService, users, conversations, logger.Named("api")).RegisterRoutes(router)

	return router
}
