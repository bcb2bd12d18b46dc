// Command freerouter starts the model-routing HTTP proxy: classify, route,
// translate, stream, with fallback across a configured tier table.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/freerouter-dev/freerouter"
	"github.com/freerouter-dev/freerouter/meter"
	"github.com/freerouter-dev/freerouter/upstream/anthropic"
	"github.com/freerouter-dev/freerouter/upstream/openai"
)

// version is the string reported by GET /health; overridable at build time
// with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := freerouter.LoadConfig()
	if err != nil {
		return err
	}

	upstreams := map[string]freerouter.Upstream{}
	for name, desc := range cfg.Providers {
		switch desc.API {
		case "anthropic":
			upstreams[name] = anthropic.New(http.DefaultClient, cfg.Thinking)
		case "openai":
			upstreams[name] = openai.New(http.DefaultClient)
		}
	}

	router, err := freerouter.NewRouter(cfg, upstreams,
		freerouter.WithMeter(meter.NewLogMeter(logger)),
		freerouter.WithPrices(defaultPrices()),
	)
	if err != nil {
		return err
	}

	srv := freerouter.NewServer(router, version, logger)
	srv.Metrics = freerouter.NewMetricsCollector(router.StatsTracker(), nil)

	if path := resolvedConfigPath(); path != "" {
		srv.ConfigPath = path
		if watcher, err := freerouter.NewConfigWatcher(path, logger); err == nil {
			go watcher.Watch(func() error {
				fresh, err := freerouter.LoadConfig()
				if err != nil {
					return err
				}
				return router.Reload(fresh)
			})
			defer watcher.Stop()
		} else {
			logger.Warn("config watcher disabled", "path", path, "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("freerouter listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// resolvedConfigPath mirrors the search-path logic of LoadConfig just
// enough to tell the watcher which file (if any) produced the active
// config, without duplicating the merge/validate logic itself.
func resolvedConfigPath() string {
	if explicit := os.Getenv("FREEROUTER_CONFIG"); explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
	}
	if _, err := os.Stat("freerouter.config.json"); err == nil {
		return "freerouter.config.json"
	}
	if home, err := os.UserHomeDir(); err == nil {
		path := home + "/.config/freerouter/config.json"
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// defaultPrices is the built-in price-per-million-token catalog for the
// default tier table's models. A real deployment supplies its own catalog;
// this is just enough to make the default config's cost/savings fields
// meaningful out of the box.
func defaultPrices() freerouter.PriceTable {
	return freerouter.PriceTable{
		"anthropic/claude-haiku-4-5":  {InputPerMillion: 1, OutputPerMillion: 5},
		"anthropic/claude-sonnet-4-5": {InputPerMillion: 3, OutputPerMillion: 15},
		"anthropic/claude-opus-4-6":   {InputPerMillion: 15, OutputPerMillion: 75},
		"openai/gpt-4o-mini":          {InputPerMillion: 0.15, OutputPerMillion: 0.6},
	}
}
