// Command everything runs the demo tool server, on stdio by default or on SSE with -addr.
// The gateway can spawn it as a process backend or connect to it as a network backend.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/servers/everything"
)

func main() {
	addr := flag.String("addr", "", "serve SSE on this address instead of stdio")
	flag.Parse()

	// stdout belongs to the protocol in stdio mode.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, err := everything.NewServer("everything", "1.0", everything.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer srv.Close()

	opts := []mcp.ServerOption{
		mcp.WithToolServer(srv),
		mcp.WithLogHandler(srv),
		mcp.WithServerLogger(logger),
	}

	if *addr == "" {
		runStdio(ctx, logger, opts)
		return
	}
	runSSE(ctx, logger, *addr, opts)
}

func runStdio(ctx context.Context, logger *slog.Logger, opts []mcp.ServerOption) {
	server := mcp.NewServer(mcp.Info{Name: "everything", Version: "1.0"},
		mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger)), opts...)

	served := make(chan struct{})
	go func() {
		defer close(served)
		server.Serve()
	}()

	select {
	case <-ctx.Done():
	case <-served:
	}
	shutdown(logger, server)
}

func runSSE(ctx context.Context, logger *slog.Logger, addr string, opts []mcp.ServerOption) {
	sse := mcp.NewSSEServer("/message", mcp.WithSSEServerLogger(logger))
	server := mcp.NewServer(mcp.Info{Name: "everything", Version: "1.0"}, sse, opts...)

	mux := http.NewServeMux()
	mux.Handle("GET /sse", sse.HandleSSE())
	mux.Handle("POST /message", sse.HandleMessage())
	mux.Handle("GET /health", sse.HandleHealth())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go server.Serve()
	go func() {
		logger.Info("server starting", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("err", err.Error()))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdown(logger, server)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.String("err", err.Error()))
	}
}

func shutdown(logger *slog.Logger, server *mcp.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown", slog.String("err", err.Error()))
	}
}
