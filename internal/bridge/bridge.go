package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/n42/matrix-rocketchat/internal/config"
	"github.com/n42/matrix-rocketchat/internal/database"
	"github.com/n42/matrix-rocketchat/internal/matrix"
	"github.com/n42/matrix-rocketchat/internal/rocketchat"
)

// Bridge is the main entry point that ties all components together.
type Bridge struct {
	Config *config.Config
	DB     *database.Database
	Log    *slog.Logger

	BotUserID   string
	Matrix      *matrix.Client
	EventRouter *EventRouter
	ASHandler   *ASHandler
	Realtime    *RealtimeSupervisor
	Metrics     *Metrics

	httpServer    *http.Server
	metricsServer *http.Server
	mu            sync.Mutex
	running       bool
}

// New creates a new Bridge instance from the given configuration.
func New(cfg *config.Config, log *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		Config: cfg,
		Log:    log,
	}

	db, err := database.New(cfg.DatabaseURL, cfg.MaxOpenConns, cfg.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	b.DB = db

	return b, nil
}

// Start initializes all components and starts serving.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bridge is already running")
	}

	b.Log.Info("starting matrix-rocketchat bridge")

	b.Metrics = NewMetrics()

	if err := b.DB.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run database migrations: %w", err)
	}
	b.Log.Info("database migrations complete")

	if n, err := b.DB.Rooms.CountAdminRooms(ctx); err != nil {
		b.Log.Warn("could not count admin rooms", "error", err)
	} else {
		b.Metrics.SetAdminRooms(n)
	}

	identity := NewIdentity(b.Config.SenderLocalpart, b.Config.HSDomain)
	botID, err := identity.BotUserID()
	if err != nil {
		return fmt.Errorf("derive bot user id: %w", err)
	}
	b.BotUserID = botID

	timeout := time.Duration(b.Config.APITimeoutSeconds) * time.Second
	b.Matrix = matrix.NewClient(b.Config.HSURL, b.Config.ASToken, timeout)

	// The homeserver answers M_USER_IN_USE on restarts, registration only
	// has to succeed once.
	if err := b.Matrix.RegisterUser(ctx, b.Config.SenderLocalpart); err != nil {
		return fmt.Errorf("register bot user: %w", err)
	}
	b.Log.Info("bot user registered", "user_id", botID)

	sessions := func(serverURL, userID, authToken string) RocketchatSession {
		return rocketchat.NewClient(serverURL, timeout).WithCredentials(userID, authToken)
	}

	b.EventRouter = NewEventRouter(EventRouterConfig{
		Log:      b.Log.With("component", "event_router"),
		Config:   b.Config,
		DB:       b.DB,
		BotID:    botID,
		Matrix:   b.Matrix,
		Sessions: sessions,
		Metrics:  b.Metrics,
	})

	b.ASHandler = NewASHandler(
		b.Log.With("component", "as_handler"),
		b.Config.HSToken,
		b.DB,
		b.EventRouter,
		b.Metrics,
	)

	b.httpServer = &http.Server{
		Addr:         b.Config.ASAddress,
		Handler:      b.ASHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if b.Config.UseHTTPS {
		certFile, keyFile, err := tlsFiles(b.Config.PKCS12Path)
		if err != nil {
			return err
		}
		go func() {
			b.Log.Info("AS HTTPS server listening", "addr", b.Config.ASAddress)
			if err := b.httpServer.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
				b.Log.Error("HTTPS server error", "error", err)
			}
		}()
	} else {
		go func() {
			b.Log.Info("AS HTTP server listening", "addr", b.Config.ASAddress)
			if err := b.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				b.Log.Error("HTTP server error", "error", err)
			}
		}()
	}

	if b.Config.MetricsAddress != "" {
		b.startMetricsServer()
	}

	if b.Config.RealtimeEnabled {
		b.Realtime = NewRealtimeSupervisor(
			b.Log.With("component", "realtime"),
			b.DB,
			b.EventRouter,
			b.Metrics,
		)
		b.Realtime.Start()
		b.Log.Info("realtime supervisor started")
	}

	b.running = true
	b.Log.Info("matrix-rocketchat bridge started")

	return nil
}

// Stop gracefully shuts down all bridge components.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	b.Log.Info("stopping matrix-rocketchat bridge")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if b.metricsServer != nil {
		if err := b.metricsServer.Shutdown(shutdownCtx); err != nil {
			b.Log.Error("metrics server shutdown error", "error", err)
		}
	}

	if b.httpServer != nil {
		if err := b.httpServer.Shutdown(shutdownCtx); err != nil {
			b.Log.Error("HTTP server shutdown error", "error", err)
		}
	}

	if b.Realtime != nil {
		b.Realtime.Stop()
	}

	if b.DB != nil {
		if err := b.DB.Close(); err != nil {
			b.Log.Error("database close error", "error", err)
		}
	}

	b.running = false
	b.Log.Info("matrix-rocketchat bridge stopped")

	return nil
}

// Run starts the bridge and blocks until a shutdown signal is received.
func (b *Bridge) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	b.Log.Info("received shutdown signal", "signal", sig)

	return b.Stop()
}

// startMetricsServer starts a dedicated HTTP server for Prometheus metrics
// and health checks.
func (b *Bridge) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", b.Metrics.Handler())
	mux.HandleFunc("/health", b.handleHealth)

	b.metricsServer = &http.Server{
		Addr:         b.Config.MetricsAddress,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		b.Log.Info("metrics server listening", "addr", b.Config.MetricsAddress)
		if err := b.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.Log.Error("metrics server error", "error", err)
		}
	}()
}

// handleHealth serves a JSON health check response.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := b.Metrics.HealthStatus()
	status["bot_user_id"] = b.BotUserID
	status["realtime_enabled"] = b.Config.RealtimeEnabled

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	data, err := json.Marshal(status)
	if err != nil {
		b.Log.Error("failed to marshal health status", "error", err)
		return
	}
	w.Write(data)
}

// tlsFiles resolves the PEM pair for the HTTPS listener. A .pem path holds
// certificate and key in one file, any other path is looked up as a
// .crt/.key pair next to it.
func tlsFiles(path string) (certFile, keyFile string, err error) {
	if path == "" {
		return "", "", fmt.Errorf("use_https is set but pkcs12_path is empty")
	}
	if strings.HasSuffix(path, ".pem") {
		if _, err := os.Stat(path); err != nil {
			return "", "", fmt.Errorf("TLS material not found: %w", err)
		}
		return path, path, nil
	}

	base := strings.TrimSuffix(path, filepath.Ext(path))
	certFile = base + ".crt"
	keyFile = base + ".key"
	if _, err := os.Stat(certFile); err != nil {
		return "", "", fmt.Errorf("TLS certificate not found: %w", err)
	}
	if _, err := os.Stat(keyFile); err != nil {
		return "", "", fmt.Errorf("TLS key not found: %w", err)
	}
	return certFile, keyFile, nil
}
