// Copyright 2025 James Ross
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/constellation/internal/cache"
	"github.com/flyingrobots/constellation/internal/canary"
	"github.com/flyingrobots/constellation/internal/compiler"
	"github.com/flyingrobots/constellation/internal/config"
	"github.com/flyingrobots/constellation/internal/events"
	"github.com/flyingrobots/constellation/internal/httpapi"
	"github.com/flyingrobots/constellation/internal/modules"
	"github.com/flyingrobots/constellation/internal/obs"
	"github.com/flyingrobots/constellation/internal/pipeline"
	"github.com/flyingrobots/constellation/internal/runtime"
	"github.com/flyingrobots/constellation/internal/suspension"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var listenAddr string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/constellation.yaml", "Path to YAML config")
	fs.StringVar(&listenAddr, "addr", "", "Listen address override")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg.Observability.Tracing)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}

	// Module registry with the builtin set.
	registry := modules.NewRegistry()
	modules.RegisterBuiltins(registry)

	// Pipeline store, optionally persistent.
	var pipelines pipeline.Store = pipeline.NewMemoryStore()
	if cfg.Pipelines.Dir != "" {
		pipelines, err = pipeline.NewFSStore(pipelines.(*pipeline.MemoryStore), cfg.Pipelines.Dir, registry, logger)
		if err != nil {
			logger.Fatal("open pipeline store", zap.Error(err))
		}
	}
	versions := pipeline.NewVersionStore(cfg.Pipelines.MaxVersionsPerPipeline)

	// Suspension store with the configured codec.
	var codec suspension.Codec = suspension.JSONCodec{}
	if cfg.Suspensions.Codec == "json+zstd" {
		codec, err = suspension.NewZstdCodec(nil)
		if err != nil {
			logger.Fatal("init suspension codec", zap.Error(err))
		}
	}
	var suspensions suspension.Store
	if cfg.Suspensions.Dir != "" {
		suspensions, err = suspension.NewFSStore(cfg.Suspensions.Dir, codec, cfg.Suspensions.TTL, logger)
		if err != nil {
			logger.Fatal("open suspension store", zap.Error(err))
		}
	} else {
		suspensions = suspension.NewMemoryStore(codec, cfg.Suspensions.TTL)
	}

	// Cache registry: the default in-memory LRU backend plus the compile
	// cache's dedicated (unbounded, in-memory) backend, and redis if
	// configured.
	caches := cache.NewRegistry()
	defaultBackend := cache.NewMemoryBackend("default", cfg.Cache.MaxSize)
	if err := caches.Register(defaultBackend); err != nil {
		logger.Fatal("register cache", zap.Error(err))
	}
	compileBackend := cache.NewMemoryBackend("compilation", 0)
	if err := caches.Register(compileBackend); err != nil {
		logger.Fatal("register cache", zap.Error(err))
	}
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		redisBackend := cache.NewDistributedBackend("redis", cache.NewRedisStore(rdb, ""), nil)
		if err := caches.Register(redisBackend); err != nil {
			logger.Fatal("register redis cache", zap.Error(err))
		}
	}
	compileCache := cache.NewCompilationCache(compileBackend, cfg.Cache.CompileTTL)

	bus := events.NewBus(cfg.Events.BufferSize, logger)
	history := events.NewExecutionStorage(cfg.Executions.MaxRecords, cfg.Executions.SampleRate)

	executor := runtime.NewExecutor(runtime.Config{
		DefaultTimeout:     cfg.Runtime.DefaultTimeout,
		MaxConcurrentNodes: cfg.Runtime.MaxConcurrentNodes,
		SlotPoolSize:       cfg.Runtime.SlotPoolSize,
		StatePoolSize:      cfg.Runtime.StatePoolSize,
	}, logger, bus)
	resumer := runtime.NewResumer(suspensions, pipelines, executor, bus, logger)

	router := canary.NewRouter(versions, cfg.Canary.GracePeriod, logger)
	comp := compiler.New(registry)

	// Event sinks.
	var sinks []interface{ Close() }
	for _, url := range cfg.Events.WebhookURLs {
		sinks = append(sinks, events.NewWebhookSink(bus, url, cfg.Events.WebhookSecret, 5*time.Second, logger))
	}
	if cfg.Events.NATSURL != "" {
		natsSink, err := events.NewNATSSink(bus, cfg.Events.NATSURL, "", logger)
		if err != nil {
			logger.Fatal("connect nats sink", zap.Error(err))
		}
		sinks = append(sinks, natsSink)
	}

	health := httpapi.NewHealth()
	apiCfg, err := httpapi.FromAppConfig(cfg)
	if err != nil {
		logger.Fatal("api config", zap.Error(err))
	}

	server := httpapi.NewServer(apiCfg, httpapi.Deps{
		Registry:     registry,
		Compiler:     comp,
		Pipelines:    pipelines,
		Versions:     versions,
		Executor:     executor,
		Resumer:      resumer,
		Suspensions:  suspensions,
		Caches:       caches,
		CompileCache: compileCache,
		Canary:       router,
		Bus:          bus,
		History:      history,
		Health:       health,
	}, logger)

	janitor := httpapi.NewJanitor(caches, suspensions, server.Limiter(), logger)
	janitor.Start()

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	janitor.Stop()
	for _, sink := range sinks {
		sink.Close()
	}
	_ = obs.TracerShutdown(ctx, tp)
}
