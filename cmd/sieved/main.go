// Command sieved delivers mail over LMTP through each recipient's active
// Sieve script and serves the script HTTP API.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/sieve/config"
	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/server/httpapi"
	"github.com/migadu/sieve/server/lmtp"
	"github.com/migadu/sieve/service"
	"github.com/migadu/sieve/sieve/mail"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Go(f func()) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		f()
	}()
}

func (sm *serverManager) Wait() {
	sm.wg.Wait()
}

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("c", "sieve.toml", "Path to TOML configuration file")
	flag.StringVar(configPath, "config", "sieve.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sieved version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg := loadConfig(*configPath)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SIEVED: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "SIEVED: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}
	logger.Info("sieved starting", "version", version, "commit", commit, "built", date)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, cfg); err != nil {
		logger.Error("sieved: fatal error", "error", err)
		os.Exit(1)
	}
	logger.Info("sieved stopped")
}

func loadConfig(path string) *config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		if os.IsNotExist(err) && path == "sieve.toml" {
			fmt.Fprintf(os.Stderr, "SIEVED: default configuration file '%s' not found, using application defaults\n", path)
			return &cfg
		}
		fmt.Fprintf(os.Stderr, "SIEVED: failed to load configuration '%s': %v\n", path, err)
		os.Exit(78)
	}
	return &cfg
}

// serve runs every configured server until ctx is cancelled or one of them
// fails.
func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := service.Open(ctx, cfg, service.Options{WithStore: true, WithSubmitter: true})
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer svc.Close()

	if !cfg.LMTP.Start && !cfg.HTTPAPI.Start {
		return fmt.Errorf("no servers configured: enable [lmtp] or [http_api]")
	}

	errChan := make(chan error, 3)
	sm := &serverManager{}
	var closers []func() error

	if cfg.LMTP.Start {
		backend, err := newLMTP(ctx, cfg, svc)
		if err != nil {
			return err
		}
		closers = append(closers, backend.Close)
		sm.Go(func() { backend.Start(errChan) })
	}

	if cfg.HTTPAPI.Start {
		opts := httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
			Scripts:      svc.Scripts,
			Hostname:     cfg.Sieve.Hostname,
			TLS:          cfg.HTTPAPI.TLS,
			TLSCertFile:  cfg.HTTPAPI.TLSCertFile,
			TLSKeyFile:   cfg.HTTPAPI.TLSKeyFile,
		}
		sm.Go(func() { httpapi.Start(ctx, svc.Engine, opts, errChan) })
	}

	if cfg.Metrics.Enabled {
		sm.Go(func() { startMetricsServer(ctx, cfg.Metrics, errChan) })
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested, stopping servers...")
	case runErr = <-errChan:
		logger.Error("Server failed, shutting down", "error", runErr)
	}
	cancel()

	for _, c := range closers {
		if err := c(); err != nil {
			logger.Warn("Error closing server", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		sm.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All servers stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("Server shutdown timeout reached after 10 seconds")
	}
	return runErr
}

func newLMTP(ctx context.Context, cfg *config.Config, svc *service.Services) (*lmtp.LMTPServerBackend, error) {
	maxSize, err := cfg.LMTP.GetMaxMessageSize()
	if err != nil {
		return nil, fmt.Errorf("invalid lmtp.max_message_size: %w", err)
	}

	var tlsConfig *tls.Config
	if cfg.LMTP.TLS {
		cert, err := tls.LoadX509KeyPair(cfg.LMTP.TLSCertFile, cfg.LMTP.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load LMTP TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	return lmtp.New(ctx, "lmtp", cfg.Sieve.Hostname, cfg.LMTP.Addr, svc.Engine,
		svc.Scripts, svc.MailStorage, svc.Submitter,
		lmtp.LMTPServerOptions{
			Debug:           cfg.LMTP.Debug,
			TLSConfig:       tlsConfig,
			MaxMessageSize:  maxSize,
			TrustedNetworks: cfg.LMTP.TrustedNetworks,
			MaxConnections:  cfg.LMTP.MaxConnections,
			MaxPerIP:        cfg.LMTP.MaxConnectionsPerIP,
			Postmaster:      cfg.Sieve.Postmaster,
			Settings:        mail.SettingsMap(cfg.Sieve.Settings),
		})
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
