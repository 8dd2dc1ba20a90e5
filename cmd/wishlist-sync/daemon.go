package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/wishlist-sync/internal/auth"
	"github.com/alexjbarnes/wishlist-sync/internal/config"
	"github.com/alexjbarnes/wishlist-sync/internal/logging"
	"github.com/alexjbarnes/wishlist-sync/internal/mcpserver"
	"github.com/alexjbarnes/wishlist-sync/wishlist"
)

// runDaemon keeps the local wishlist in sync until ctx is cancelled.
func runDaemon(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("wishlist-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIURL),
		slog.Bool("sync", cfg.EnableSync),
		slog.Bool("live", cfg.EnableLiveUpdates),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	var health *wishlist.HealthProbe
	a, err := newApp(cfg, logger, func(c *wishlist.Client) wishlist.Connectivity {
		health = wishlist.NewHealthProbe(c, cfg.ProbeInterval, logger)
		return health
	})
	if err != nil {
		return err
	}
	defer a.close()

	if !a.wishlist.Session().Authenticated() {
		logger.Info("no session, running as guest; use the login command to sync")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCancel(health.Run(gctx))
	})

	if cfg.EnableSync {
		a.wishlist.Engine().Start(gctx)
	}

	if cfg.EnableLiveUpdates {
		live, err := wishlist.NewLiveListener(wishlist.LiveConfig{
			BaseURL:    cfg.APIURL,
			DeviceID:   a.deviceID,
			DeviceName: cfg.DeviceName,
			Session:    a.wishlist.Session,
			Engine:     a.wishlist.Engine(),

			OnUnauthorized: a.sessionExpired,
		}, logger.With(slog.String("service", "live")))
		if err != nil {
			return fmt.Errorf("creating live listener: %w", err)
		}
		g.Go(func() error {
			return ignoreCancel(live.Listen(gctx))
		})
	}

	if a.files != nil {
		g.Go(func() error {
			return ignoreCancel(a.files.Watch(gctx))
		})
	}

	g.Go(func() error {
		logNotices(gctx, a.wishlist, logger)
		return nil
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, a, logger)
		})
	}

	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// logNotices surfaces changes made by other processes or devices.
func logNotices(ctx context.Context, w *wishlist.Wishlist, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-w.Notices():
			logger.Info(n.Message, slog.Time("at", n.At))
		}
	}
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, a *app, logger *slog.Logger) error {
	keys, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "wishlist-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.wishlist)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	authMiddleware := auth.Middleware(auth.NewAuthenticator(keys, mcpLogger), mcpLogger)

	mux := http.NewServeMux()
	mux.Handle("/mcp", authMiddleware(mcpHandler))
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", len(keys)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx) //nolint:errcheck // best effort on exit
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
