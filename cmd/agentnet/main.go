// Command agentnet runs a mesh node: it registers with the registry,
// serves the peer exchange endpoints and gossips peer knowledge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentnet-io/agentnet/core"
	"github.com/agentnet-io/agentnet/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentnet: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger, err := core.NewZapLogger(*logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	var cfg *core.Config
	if *configPath != "" {
		cfg, err = core.LoadConfigFile(*configPath)
	} else {
		cfg, err = core.NewConfig()
	}
	if err != nil {
		return err
	}

	// Install the tracing SDK so the spans core emits actually leave
	// the process: OTLP when a collector is configured, stdout
	// otherwise.
	shutdownTracing, err := telemetry.Init(context.Background(), telemetry.InitOptions{
		ServiceName:  cfg.Name,
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})
	if err != nil {
		logger.Warn("Tracing disabled, exporter setup failed", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTracing(ctx)
		}()
	}

	var store core.CacheStore
	if cfg.RedisURL != "" {
		redisStore, err := core.NewRedisCacheStore(cfg.RedisURL, "agentnet", logger)
		if err != nil {
			logger.Warn("Redis cache unavailable, using in-memory cache", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			defer redisStore.Close()
			store = redisStore
		}
	}

	node, err := core.NewNode(core.NodeOptions{
		Config:     cfg,
		Logger:     logger,
		Telemetry:  telemetry.New(cfg.Name),
		Store:      store,
		Middleware: telemetry.HTTPMiddleware("agentnet"),
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- node.Start(context.Background())
	}()

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return node.Stop(ctx)
	case err := <-errCh:
		return err
	}
}
