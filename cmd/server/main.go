// voice-relay streams LLM replies to WebSocket clients sentence by sentence.
package main

import (
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/voice-relay/internal/api"
	"github.com/ashureev/voice-relay/internal/config"
	"github.com/ashureev/voice-relay/internal/identity"
	"github.com/ashureev/voice-relay/internal/journal"
	"github.com/ashureev/voice-relay/internal/llm"
	"github.com/ashureev/voice-relay/internal/middleware"
	"github.com/ashureev/voice-relay/internal/relay"
	"github.com/ashureev/voice-relay/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

type serverCommander struct {
	configFile string
	providers  *llm.Registry
}

func newRootCmd() *cobra.Command {
	cmder := &serverCommander{providers: llm.DefaultRegistry()}

	cmd := &cobra.Command{
		Use:           "voice-relay",
		Short:         "Relay streamed LLM replies to WebSocket clients sentence by sentence",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil {
				slog.Info("No .env file found, using environment variables")
			}

			v, err := config.NewViper(cmder.configFile)
			if err != nil {
				return err
			}
			for key, flag := range map[string]string{
				config.KeyPort:     "port",
				config.KeyProvider: "provider",
				config.KeyModel:    "model",
			} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return fmt.Errorf("bind --%s: %w", flag, err)
				}
			}
			return cmder.run(cmd.Context(), v)
		},
	}

	cmd.Flags().StringVarP(&cmder.configFile, "config", "c", "", "Path to a config file (yaml, toml or json)")
	cmd.Flags().StringP("port", "p", "9999", "Port to listen on")
	cmd.Flags().String("provider", llm.ProviderOpenAI, "LLM provider ("+strings.Join(cmder.providers.Names(), ", ")+")")
	cmd.Flags().StringP("model", "m", "", "Model name (default: provider default)")

	return cmd
}

func (c *serverCommander) run(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v, c.providers.Names())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	slog.Info("Starting server", "port", cfg.Port, "provider", cfg.Provider, "model", cfg.Model)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := c.providers.New(ctx, cfg.Provider, cfg.BackendOptions())
	if err != nil {
		return fmt.Errorf("initialize llm backend: %w", err)
	}
	slog.Info("LLM backend ready", "backend", backend.Name())

	j, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := j.Close(); closeErr != nil {
			slog.Error("Failed to close journal", "error", closeErr)
		}
	}()

	reg := relay.NewRegistry()
	wsHandler := relay.NewHandler(backend, reg, j, relay.HandlerOptions{
		Provider:      cfg.Provider,
		SystemPrompt:  cfg.SystemPrompt,
		Terminators:   cfg.Terminators,
		AllowedOrigin: cfg.AllowedOrigin,
		WriteTimeout:  cfg.WriteTimeout,
		Logger:        logger,
	})
	statusHandler := api.NewHandler(j, reg, cfg.Provider, cfg.Model)

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(middleware.SplitOrigins(cfg.AllowedOrigin)))

	statusHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.With(identity.Middleware).Get("/ws", wsHandler.ServeHTTP)

	// Serve embedded demo client (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	relay.StartIdleReaper(ctx, reg, cfg.IdleTimeout, 0)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal.
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	// Hijacked WebSocket connections are not tracked by Shutdown.
	reg.CloseAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	// The deferred journal Close must not run before sessions stop writing.
	if err := wsHandler.Wait(shutdownCtx); err != nil {
		slog.Warn("WebSocket sessions still draining", "error", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
}

func openJournal(ctx context.Context, cfg *config.Config) (journal.Journal, error) {
	if !cfg.JournalEnabled() {
		slog.Info("Exchange journal disabled")
		return journal.Noop{}, nil
	}

	j, err := journal.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize journal: %w", err)
	}
	if err := j.Ping(ctx); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("journal health check failed: %w", err)
	}
	slog.Info("Journal connected", "path", cfg.DBPath)
	return journal.NewAsync(j, journal.DefaultQueueSize, slog.Default()), nil
}
