// Command pmoves-gateway serves the local tools and the aggregated backend tools to MCP
// clients over stdio or SSE.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/config"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/gateway"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/httpapi"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/registry"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/tools"
)

// Version is set at build time.
var version = "dev"

const banner = `
 ___ __  __  _____   _____ ___   ___      _____ ____
| _ \  \/  |/ _ \ \ / / __/ __| | _ ) ___|_   _|_  /
|  _/ |\/| | (_) \ V /| _|\__ \ | _ \/ _ \ | |  / /
|_| |_|  |_|\___/ \_/ |___|___/ |___/\___/ |_| /___|
`

const configEnv = "PMOVES_GATEWAY_CONFIG"

type flags struct {
	configPath string
	transport  string
	host       string
	port       int
	logLevel   string
	logFormat  string
}

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		if err := runServe(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "check-config":
		if err := runCheckConfig(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "health":
		if err := runHealth(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: pmoves-gateway <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve          Start the gateway (default)")
	fmt.Fprintln(os.Stderr, "  check-config   Load and validate the configuration, then exit")
	fmt.Fprintln(os.Stderr, "  health         Query the health endpoint of a running SSE gateway")
	fmt.Fprintln(os.Stderr, "  version        Print the version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintf(os.Stderr, "The config path defaults to $%s when --config is not given.\n", configEnv)
}

func parseFlags(name string, args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", os.Getenv(configEnv), "path to a YAML or TOML config file")
	fs.StringVar(&f.transport, "transport", "", "transport to serve: stdio or sse")
	fs.StringVar(&f.host, "host", "", "SSE listen host")
	fs.IntVar(&f.port, "port", 0, "SSE listen port")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: text or json")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

// loadConfig reads the config file, if any, and applies the flag overrides on top.
func loadConfig(f flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	if f.transport != "" {
		cfg.Server.Transport = f.transport
	}
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runCheckConfig(args []string) error {
	f, err := parseFlags("check-config", args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(os.Stderr, "%s config is valid\n", green("✓"))
	fmt.Fprintf(os.Stderr, "  server:    %s %s\n", cfg.Server.Name, cfg.Server.Version)
	fmt.Fprintf(os.Stderr, "  transport: %s\n", cfg.Server.Transport)
	if cfg.Server.Transport == config.TransportSSE {
		fmt.Fprintf(os.Stderr, "  address:   %s\n", cfg.Address())
	}
	for _, b := range cfg.Backends {
		fmt.Fprintf(os.Stderr, "  backend:   %s (%s) %s\n", b.Name, b.Type, b.Target())
	}
	return nil
}

func runHealth(args []string) error {
	f, err := parseFlags("health", args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)), httpapi.PathHealth)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

func runServe(args []string) error {
	f, err := parseFlags("serve", args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	printBanner(cfg)

	info := mcp.Info{Name: cfg.Server.Name, Version: cfg.Server.Version}

	var aggregator *gateway.Aggregator
	if len(cfg.Backends) > 0 {
		clientInfo := mcp.Info{Name: cfg.Server.Name, Version: cfg.Server.Version}
		aggregator = gateway.NewAggregator(cfg.Backends,
			gateway.WithLogger(logger),
			gateway.WithDialer(config.BackendProcess, &gateway.ProcessDialer{
				ClientInfo: clientInfo,
				Logger:     logger,
			}),
			gateway.WithDialer(config.BackendNetwork, &gateway.NetworkDialer{
				ClientInfo: clientInfo,
				HTTPClient: &http.Client{},
				Logger:     logger,
			}),
			gateway.WithReconnectInterval(cfg.Gateway.ReconnectInterval),
			gateway.WithConnectTimeout(cfg.Gateway.ConnectTimeout),
			gateway.WithCallTimeout(cfg.Gateway.CallTimeout),
		)
	}

	reg := registry.New(&registry.Capabilities{
		Service:   cfg.Server.Name,
		Version:   cfg.Server.Version,
		StartedAt: time.Now(),
	},
		registry.WithLogger(logger),
		registry.WithDefaultTimeout(cfg.Registry.DefaultTimeout),
		registry.WithMaxWorkers(cfg.Registry.MaxWorkers),
	)
	// A nil *Aggregator must not reach the interface.
	var backends tools.StatusSource
	if aggregator != nil {
		backends = aggregator
	}
	if err := tools.Register(reg, backends); err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}
	reg.Freeze()

	frontend := gateway.Compose(reg, aggregator, logger)

	serverOpts := []mcp.ServerOption{
		mcp.WithToolServer(frontend),
		mcp.WithServerLogger(logger),
		mcp.WithServerPingInterval(cfg.Session.PingInterval),
		mcp.WithServerDrainGrace(cfg.Session.DrainGrace),
		mcp.WithServerIdleTimeout(cfg.Session.IdleTimeout),
		mcp.WithServerMaxInFlight(cfg.Session.MaxInFlight),
		mcp.WithServerOnClientConnected(func(id string, _ mcp.Info) {
			logger.Info("client connected", slog.String("sessionID", id))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	}
	if aggregator != nil {
		serverOpts = append(serverOpts, mcp.WithToolListUpdater(frontend))
	}

	aggDone := make(chan struct{})
	if aggregator != nil {
		go func() {
			defer close(aggDone)
			if err := aggregator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("aggregator stopped", slog.String("err", err.Error()))
			}
		}()
	} else {
		close(aggDone)
	}

	switch cfg.Server.Transport {
	case config.TransportStdio:
		err = serveStdio(ctx, cfg, info, serverOpts, logger)
	default:
		err = serveSSE(ctx, cfg, info, serverOpts, reg, aggregator, logger)
	}

	cancel()
	<-aggDone
	logger.Info("gateway stopped")
	return err
}

func serveStdio(ctx context.Context, cfg *config.Config, info mcp.Info, opts []mcp.ServerOption,
	logger *slog.Logger,
) error {
	transport := mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger))
	srv := mcp.NewServer(info, transport, opts...)

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()
	logger.Info("serving on stdio")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-served:
		logger.Info("stdin closed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

func serveSSE(ctx context.Context, cfg *config.Config, info mcp.Info, opts []mcp.ServerOption,
	reg *registry.Registry, aggregator *gateway.Aggregator, logger *slog.Logger,
) error {
	sse := mcp.NewSSEServer(httpapi.PathMessage,
		mcp.WithSSEServerLogger(logger),
		mcp.WithSSEServerMaxConnections(cfg.Server.MaxConnections),
		mcp.WithSSEServerKeepaliveInterval(cfg.Server.KeepaliveInterval),
		mcp.WithSSEServerMaxBodySize(cfg.Server.MaxBodyBytes),
		mcp.WithSSEServerRetryAfter(cfg.Server.RetryAfter),
		mcp.WithSSEServerAllowedOrigins(cfg.Server.AllowedOrigins...),
	)
	srv := mcp.NewServer(info, sse, opts...)

	apiOpts := httpapi.Options{
		Service:  reg.Capabilities().Service,
		SSE:      sse,
		Sessions: srv,
		Logger:   logger,
	}
	if aggregator != nil {
		apiOpts.Backends = aggregator
	}

	httpServer := &http.Server{
		Addr:              cfg.Address(),
		Handler:           httpapi.NewRouter(apiOpts),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go srv.Serve()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving SSE", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err, ok := <-errCh:
		if ok {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Sessions drain first so in-flight calls still get their cancellation replies.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", slog.String("err", err.Error()))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.String("err", err.Error()))
	}
	return serveErr
}

func printBanner(cfg *config.Config) {
	cyan := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)

	cyan.Fprint(os.Stderr, banner)
	dim.Fprintf(os.Stderr, "  %s %s (build %s)\n", cfg.Server.Name, cfg.Server.Version, version)
	if cfg.Server.Transport == config.TransportSSE {
		dim.Fprintf(os.Stderr, "  transport: sse on %s\n", cfg.Address())
	} else {
		dim.Fprintln(os.Stderr, "  transport: stdio")
	}
	dim.Fprintf(os.Stderr, "  backends:  %d\n\n", len(cfg.Backends))
}
