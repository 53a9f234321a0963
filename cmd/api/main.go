package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vouch/api/internal/app"
	"vouch/api/internal/chain"
	"vouch/api/internal/claims"
	"vouch/api/internal/config"
	"vouch/api/internal/envelope"
	"vouch/api/internal/logging"
	"vouch/api/internal/network"
	"vouch/api/internal/redact"
	"vouch/api/internal/search"
	"vouch/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)

	graph := buildGraph(cfg, dataStore, logger)
	verifier := envelope.NewJWTVerifier(envelope.NewDIDResolver(), time.Minute)
	redactor := redact.New(graph)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore, logger)

	builder := chain.New(dataStore, logger)
	chainCtx, stopChain := context.WithCancel(ctx)
	defer stopChain()
	go builder.Start(chainCtx)
	builder.Kick() // pick up anything left unchained by a previous run

	service := claims.New(cfg, dataStore, verifier, graph, logger).
		WithSearch(searchService).
		WithChainKick(builder.Kick)

	httpServer := app.NewServer(cfg, service, graph, redactor, searchService, builder, verifier, dataStore, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("vouch api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}

func buildGraph(cfg config.Config, dataStore *store.PostgresStore, logger *zap.Logger) *network.Graph {
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := network.NewRedisCache(cfg.RedisURL, cfg.VisibilityTTL, logger)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		logger.Info("visibility cache backed by redis")
		return network.New(dataStore, cache, logger)
	}
	logger.Info("visibility cache in process memory")
	return network.New(dataStore, network.NewMemoryCache(cfg.VisibilityTTL), logger)
}
