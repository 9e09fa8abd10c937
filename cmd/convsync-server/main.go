package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/convsync/internal/auth"
	"github.com/alexjbarnes/convsync/internal/config"
	"github.com/alexjbarnes/convsync/internal/logging"
	"github.com/alexjbarnes/convsync/internal/server"
	"github.com/alexjbarnes/convsync/internal/store"
	"golang.org/x/sync/errgroup"
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

// hashToken reads a token from stdin and prints its bcrypt hash for use
// in CONVSYNC_TOKENS.
func hashToken() {
	fmt.Fprint(os.Stderr, "Token: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	hash, err := auth.HashToken(scanner.Text())
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

	tokens, err := cfg.ParseTokens()
	if err != nil {
		return fmt.Errorf("parsing tokens: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel, nil)
	logger.Info("convsync-server starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("db", cfg.DBPath),
		slog.Int("tokens", len(tokens)),
	)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Store:  st,
			Tokens: auth.NewTokens(tokens),
			Logger: logger,
		}),
		// Push connections outlive Shutdown; deriving their context from
		// ctx ends them on signal.
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
