package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dimiro1/banner"

	"github.com/malsori/sttgate/pkg/config"
	"github.com/malsori/sttgate/pkg/logging"
	"github.com/malsori/sttgate/pkg/server"
)

const version = "dev"

func printBanner() {
	tpl := "{{ .Title \"STTGATE\" \"\" 0 }}\nVersion: " + version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

func main() {
	flags := flag.NewFlagSet("sttgate", flag.ExitOnError)
	addr := flags.String("addr", ":8080", "listen address")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	_ = flags.Parse(os.Args[1:])

	logger := logging.InitLogger(logging.ResolveLevel(os.Args[1:]))
	slog.SetDefault(logger)

	printBanner()

	settings, err := config.Load()
	if err != nil {
		logger.Error("configuration load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	gateway := server.NewGateway(settings, logger)
	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server.New(gateway, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", *addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
}
