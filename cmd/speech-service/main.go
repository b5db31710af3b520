// main package for the speech-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-service/internal/auth"
	"github.com/book-expert/speech-service/internal/config"
	"github.com/book-expert/speech-service/internal/core"
	"github.com/book-expert/speech-service/internal/ledger"
	"github.com/book-expert/speech-service/internal/notifier"
	"github.com/book-expert/speech-service/internal/objectstore"
	"github.com/book-expert/speech-service/internal/ratelimit"
	"github.com/book-expert/speech-service/internal/server"
	"github.com/book-expert/speech-service/internal/tts"
	"github.com/book-expert/speech-service/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	bootstrapLogFile  = "speech-service-bootstrap.log"
	serviceLogFile    = "speech-service.log"
	readHeaderTimeout = 10 * time.Second
	natsClientName    = "speech-service"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// limiters groups the three independently configured rate limiters.
type limiters struct {
	generation *ratelimit.Limiter
	api        *ratelimit.Limiter
	auth       *ratelimit.Limiter
}

func buildLimiters(ctx context.Context, cfg *config.Config, natsConnection *nats.Conn, log *logger.Logger) (limiters, error) {
	windows := []struct {
		name   string
		config config.WindowConfig
	}{
		{name: "generation", config: cfg.RateLimit.Generation},
		{name: "api", config: cfg.RateLimit.API},
		{name: "auth", config: cfg.RateLimit.Auth},
	}

	built := make([]*ratelimit.Limiter, 0, len(windows))

	var (
		memory *ratelimit.MemoryStore
		js     jetstream.JetStream
	)

	if cfg.RateLimit.Backend == config.BackendNATS {
		var err error

		js, err = jetstream.New(natsConnection)
		if err != nil {
			return limiters{}, fmt.Errorf("failed to create JetStream context: %w", err)
		}
	} else {
		memory = ratelimit.NewMemoryStore()
	}

	for _, window := range windows {
		var store ratelimit.Store = memory

		if js != nil {
			bucket := fmt.Sprintf("%s_%s", cfg.NATS.RateLimitBucket, window.name)

			natsStore, err := ratelimit.NewNATSStore(ctx, js, bucket, window.config.Window())
			if err != nil {
				return limiters{}, err
			}

			store = natsStore
		}

		built = append(built, ratelimit.New(store, ratelimit.Options{
			Name:   window.name,
			Limit:  window.config.MaxRequests,
			Window: window.config.Window(),
			Now:    nil,
		}, log))

		log.Info("Rate limiter %s: %d requests per %s (%s backend)",
			window.name, window.config.MaxRequests, window.config.Window(), cfg.RateLimit.Backend)
	}

	return limiters{generation: built[0], api: built[1], auth: built[2]}, nil
}

func connectNATS(cfg *config.Config, log *logger.Logger) (*nats.Conn, error) {
	if cfg.NATS.URL == "" {
		return nil, nil
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(natsClientName))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	log.Info("Connected to NATS at %s", cfg.NATS.URL)

	return natsConnection, nil
}

func buildNotifier(cfg *config.Config, natsConnection *nats.Conn, log *logger.Logger) core.Notifier {
	if natsConnection == nil {
		log.Info("NATS not configured; completion events are disabled")

		return notifier.Noop{}
	}

	return notifier.NewNatsNotifier(natsConnection, cfg.NATS.EventsSubject, log)
}

func buildServer(ctx context.Context, cfg *config.Config, natsConnection *nats.Conn, log *logger.Logger) (*server.Server, func(), error) {
	speechLedger, err := ledger.NewSQLiteLedger(ctx, cfg.Ledger.DSN, nil, log)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		closeErr := speechLedger.Close()
		if closeErr != nil {
			log.Error("Failed to close ledger: %v", closeErr)
		}
	}

	rateLimiters, err := buildLimiters(ctx, cfg, natsConnection, log)
	if err != nil {
		cleanup()

		return nil, nil, err
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		cleanup()

		return nil, nil, err
	}

	store := objectstore.NewLocalStore(cfg.Storage.AudioDir, log)

	synthesizer := tts.NewClient(tts.Config{
		APIKey:     cfg.Provider.APIKey,
		BaseURL:    cfg.Provider.BaseURL,
		Model:      cfg.Provider.Model,
		Timeout:    cfg.ProviderTimeout(),
		MaxRetries: cfg.Provider.MaxRetries,
		HTTPClient: nil,
	}, log)

	orchestrator, err := worker.NewOrchestrator(worker.Dependencies{
		Limiter:      rateLimiters.generation,
		Synthesizer:  synthesizer,
		Store:        store,
		Ledger:       speechLedger,
		Notifier:     buildNotifier(cfg, natsConnection, log),
		Names:        nil,
		DownloadPath: cfg.Storage.DownloadPath,
	}, log)
	if err != nil {
		cleanup()

		return nil, nil, err
	}

	srv, err := server.New(server.Options{
		Pipeline:           orchestrator,
		Identity:           verifier,
		APILimiter:         rateLimiters.api,
		AuthLimiter:        rateLimiters.auth,
		ProviderConfigured: cfg.Provider.APIKey != "",
		DatabaseCheck:      speechLedger.Ping,
		StorageCheck:       func(context.Context) error { return store.CheckWritable() },
		StorageDir:         store.Dir(),
		Version:            cfg.Server.Version,
		Debug:              cfg.Server.Debug,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		Now:                nil,
	}, log)
	if err != nil {
		cleanup()

		return nil, nil, err
	}

	return srv, cleanup, nil
}

func serve(ctx context.Context, cfg *config.Config, handler http.Handler, log *logger.Logger) error {
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		log.System("Speech service listening on %s", cfg.Server.ListenAddr)

		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}

		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	log.System("Shutdown signal received, draining requests for up to %s", cfg.ShutdownTimeout())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsConnection, err := connectNATS(cfg, finalLog)
	if err != nil {
		return err
	}

	if natsConnection != nil {
		defer natsConnection.Close()
	}

	srv, cleanup, err := buildServer(ctx, cfg, natsConnection, finalLog)
	if err != nil {
		finalLog.Error("Failed to initialize service: %v", err)

		return err
	}
	defer cleanup()

	return serve(ctx, cfg, srv.Handler(), finalLog)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
