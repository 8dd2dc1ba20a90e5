package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/alexjbarnes/wishlist-sync/internal/auth"
	"github.com/alexjbarnes/wishlist-sync/internal/config"
	"github.com/alexjbarnes/wishlist-sync/internal/logging"
	redisrepo "github.com/alexjbarnes/wishlist-sync/internal/repository/redis"
	"github.com/alexjbarnes/wishlist-sync/internal/server"
)

var Version = "dev"

func main() {
	// Handle hash-token subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		hashToken()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashToken prints a bcrypt hash for a bearer token read from stdin, or
// for a freshly generated one when the input is empty.
func hashToken() {
	fmt.Fprint(os.Stderr, "Enter token (empty to generate one): ")
	scanner := bufio.NewScanner(os.Stdin)
	token := ""
	if scanner.Scan() {
		token = strings.TrimSpace(scanner.Text())
	}
	if token == "" {
		token = auth.GenerateToken()
		fmt.Fprintf(os.Stderr, "generated token: %s\n", token)
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	creds, err := cfg.ParseTokens()
	if err != nil {
		return fmt.Errorf("parsing tokens: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logger.Warn("redis not reachable yet", slog.String("addr", cfg.RedisAddr), slog.String("error", err.Error()))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := server.New(server.Config{
		Repo:     redisrepo.NewWishlistRepository(rdb),
		Auth:     auth.NewAuthenticator(creds, logger),
		Registry: reg,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.Hub().Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx) //nolint:errcheck // best effort on exit
	}()

	logger.Info("wishlist-server starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("redis", cfg.RedisAddr),
		slog.Int("tokens", len(creds)),
	)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
