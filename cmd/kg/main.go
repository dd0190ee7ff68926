package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/build"
	"github.com/nmxmxh/kgraph/internal/config"
	"github.com/nmxmxh/kgraph/internal/extract"
	"github.com/nmxmxh/kgraph/internal/hooks"
	"github.com/nmxmxh/kgraph/internal/query"
	"github.com/nmxmxh/kgraph/internal/server"
	"github.com/nmxmxh/kgraph/internal/storage"
	"github.com/nmxmxh/kgraph/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config/config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config %s: %v", path, err))
	}

	log := logger.New(logger.Config{
		Environment: cfg.Service.Environment,
		LogLevel:    cfg.Service.LogLevel,
		ServiceName: cfg.Service.Name,
	})
	defer func() {
		_ = log.Sync()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := storage.NewClient(ctx, cfg.Neo4j, log)
	if err != nil {
		log.Fatal("Failed to connect to Neo4j", zap.Error(err))
	}
	defer func() {
		if err := client.Close(context.Background()); err != nil {
			log.Error("Failed to close Neo4j driver", zap.Error(err))
		}
	}()

	stateStore := storage.NewStateStore(client, storage.DefaultGraphName, log)
	if err := stateStore.EnsureSchema(ctx); err != nil {
		log.Fatal("Failed to ensure schema", zap.Error(err))
	}
	if err := stateStore.RecoverOnStartup(ctx); err != nil {
		log.Fatal("Failed to recover state", zap.Error(err))
	}
	graphStore := storage.NewGraphStore(client, storage.DefaultGraphName, log)

	dataHooks, err := hooks.Open(ctx, cfg.Hooks, log)
	if err != nil {
		log.Fatal("Failed to open data hooks", zap.Error(err))
	}
	defer func() {
		if err := dataHooks.Close(); err != nil {
			log.Error("Failed to close data hooks", zap.Error(err))
		}
	}()

	cache, err := query.NewCache(ctx, cfg.Cache, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis cache", zap.Error(err))
	}
	if cache != nil {
		defer func() {
			if err := cache.Close(); err != nil {
				log.Error("Failed to close Redis client", zap.Error(err))
			}
		}()
	}

	extractor := extract.NewLLMExtractor(cfg, log)
	orchestrator := build.NewOrchestrator(cfg, stateStore, graphStore, dataHooks, extractor, log)
	queryService := query.NewService(stateStore, graphStore, cache, cfg.Query, log)

	srv := server.New(server.Deps{
		Orchestrator: orchestrator,
		Query:        queryService,
		Health:       client,
		Config:       cfg,
		Log:          log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown HTTP server", zap.Error(err))
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Warn("Build pipeline interrupted by shutdown", zap.Error(err))
	}

	log.Info("Service stopped")
}
