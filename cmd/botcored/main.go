// Command botcored is the bot fleet orchestration core: a single
// long-running process exposing the admin REST API and the data-plane
// websocket endpoint on one LISTEN_ADDRESS (spec §6).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/botcore/internal/adminapi"
	"github.com/basket/botcore/internal/config"
	"github.com/basket/botcore/internal/contextstore"
	"github.com/basket/botcore/internal/credentialstore"
	"github.com/basket/botcore/internal/cron"
	"github.com/basket/botcore/internal/observability"
	"github.com/basket/botcore/internal/registry"
	"github.com/basket/botcore/internal/session"
	"github.com/basket/botcore/internal/statestore"
	"github.com/basket/botcore/internal/taskmanager"
	"github.com/basket/botcore/internal/transport"
)

func printUsage() {
	fmt.Fprintln(os.Stderr, "botcored: bot fleet orchestration core")
	fmt.Fprintln(os.Stderr, "usage: botcored [flags]")
	flag.PrintDefaults()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("botcored (dev)")
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.AdminToken == "" {
		fatalStartup(nil, "E_CONFIG_ADMIN_TOKEN", errors.New("ADMIN_TOKEN must be set"))
	}

	logger, closer, err := observability.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())

	otelProvider, err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Enabled,
		Exporter:    cfg.Observability.Exporter,
		ServiceName: cfg.Observability.ServiceName,
		SampleRate:  cfg.Observability.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := observability.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	state, err := openStateStore(cfg.StateStoreURL)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer state.Close()
	logger.Info("startup phase", "phase", "store_opened", "url", cfg.StateStoreURL)

	bus := observability.New()
	creds := credentialstore.New(state, bus)
	reg := registry.New()

	sessionMgr := session.NewManager(session.Config{
		Registry:             reg,
		Credentials:          creds,
		Bus:                  bus,
		Metrics:              metrics,
		Logger:               logger,
		HandshakeTimeout:     cfg.HandshakeTimeout(),
		HeartbeatInterval:    cfg.HeartbeatInterval(),
		HeartbeatGraceFactor: cfg.HeartbeatGraceFactor,
		DrainTimeout:         cfg.DrainTimeout(),
	})
	sessionMgr.Dispatcher().WithMetrics(metrics)

	tasks := taskmanager.NewManager(taskmanager.Config{
		Store:           state,
		Dispatcher:      sessionMgr.Dispatcher(),
		Bus:             bus,
		Metrics:         metrics,
		Logger:          logger,
		DefaultDeadline: cfg.DispatchDefaultDeadline(),
	})

	ctxStore := contextstore.New()

	if err := seedBots(ctx, creds, cfg.SeedBots, logger); err != nil {
		fatalStartup(logger, "E_SEED_BOTS", err)
	}

	scheduler := cron.NewScheduler(cron.Config{
		Heartbeats: sessionMgr,
		Context:    ctxStore,
		Logger:     logger,
		Interval:   5 * time.Second,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start; hot-reload disabled", "error", err)
	} else {
		go watchConfigReloads(ctx, watcher, creds, logger)
	}

	admin := adminapi.NewServer(adminapi.Config{
		Credentials: creds,
		Registry:    reg,
		Tasks:       tasks,
		Context:     ctxStore,
		Sessions:    sessionMgr,
		Logger:      logger,
		AdminToken:  cfg.AdminToken,
		Config:      cfg,
	})

	listener := transport.NewWSListener(transport.WSListenerOptions{
		Addr:         cfg.ListenAddress,
		AdminHandler: admin.Handler(),
	})

	serverErr := make(chan error, 1)
	go func() {
		err := listener.Serve(ctx, func(connCtx context.Context, conn io.ReadWriteCloser) {
			if err := sessionMgr.Accept(connCtx, conn); err != nil {
				logger.Debug("session ended", "error", err)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "listening", "addr", cfg.ListenAddress)

	fatalRuntimeError := false
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("listener error", "error", err)
		fatalRuntimeError = true
		stop()
	}

	// Graceful shutdown (spec §5): stop accepting new REST and new
	// connections first (listener.Close below), give active sessions the
	// drain window to finish in-flight responses, then force-close what's
	// left with Shutdown and fail their waiters.
	_ = listener.Close()

	drained := make(chan struct{})
	go func() {
		time.Sleep(cfg.DrainTimeout())
		close(drained)
	}()
	<-drained

	closed := sessionMgr.CloseAll(session.ReasonShutdown)
	if closed > 0 {
		logger.Info("force-closed sessions still open after drain window", "count", closed)
	}

	logger.Info("shutdown complete")
	if fatalRuntimeError {
		os.Exit(2)
	}
}

// fatalStartup logs (or, before the logger exists, prints a structured
// line to stderr) a configuration or initialization failure and exits with
// code 1, per spec §6's "1 = configuration error at startup".
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"level":"ERROR","reason_code":%q,"error":%q}`+"\n", reasonCode, message)
	}
	os.Exit(1)
}

func openStateStore(url string) (statestore.StateStore, error) {
	switch {
	case url == "" || url == "memory://":
		return statestore.NewMemoryStore(), nil
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		return statestore.OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unsupported STATE_STORE_URL scheme: %s", url)
	}
}

// seedBots creates any configured seed bot that the store doesn't already
// have a definition for. Seeds are idempotent across restarts: an existing
// bot_id is left untouched rather than re-created.
func seedBots(ctx context.Context, creds *credentialstore.Store, seeds []config.SeedBot, logger *slog.Logger) error {
	for _, seed := range seeds {
		if seed.BotID == "" {
			continue
		}
		if _, err := creds.GetDefinition(ctx, seed.BotID); err == nil {
			continue
		} else if !errors.Is(err, statestore.ErrNotFound) {
			return fmt.Errorf("check seed bot %s: %w", seed.BotID, err)
		}

		botID, token, err := creds.CreateDefinition(ctx, credentialstore.DefinitionSpec{
			BotID:                seed.BotID,
			Name:                 seed.Name,
			Description:          seed.Description,
			AdapterType:          seed.AdapterType,
			DeclaredCapabilities: seed.DeclaredCapabilities,
			Configuration:        seed.Configuration,
		})
		if err != nil {
			return fmt.Errorf("create seed bot %s: %w", seed.Name, err)
		}
		logger.Info("seed bot created", "seed_bot_id", seed.BotID, "assigned_bot_id", botID, "one_time_token_prefix", tokenPrefix(token))
	}
	return nil
}

func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}

// watchConfigReloads logs config.yaml/bots.yaml changes detected by the
// fsnotify-backed watcher and re-seeds from the reloaded config. Only
// newly-added seed bots are applied live: the reloaded config is not handed
// to any other component, so tunables captured at construction time and
// the fingerprint reported by GET /v1/status stay those of the config
// loaded at startup.
func watchConfigReloads(ctx context.Context, watcher *config.Watcher, creds *credentialstore.Store, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			logger.Info("reloading config after file change", "path", ev.Path)
			cfg, err := config.Load()
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			if err := seedBots(ctx, creds, cfg.SeedBots, logger); err != nil {
				logger.Error("seed bots after reload failed", "error", err)
			}
		}
	}
}
