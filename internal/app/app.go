// Package app assembles the payment subsystem from configuration. Both
// binaries build on it.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"givepay/internal/common/database"
	"givepay/internal/common/middleware"
	"givepay/internal/common/nats"
	"givepay/internal/config"
	"givepay/internal/directory"
	"givepay/internal/payment"
	paymentapi "givepay/internal/payment/api"
	"givepay/internal/payment/store"
	"givepay/internal/providers/cards"
	"givepay/internal/providers/sbp"
	"givepay/internal/providers/wallet"
	"givepay/internal/statistics"
	"givepay/internal/webhook"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *database.DB
	Store    *store.Store
	Registry *payment.Registry
	Payments *payment.Service
	Stats    *statistics.Aggregator
	Webhooks *webhook.Processor
	NATS     *nats.Client
}

// New connects to the database and, when configured, NATS, and builds the
// services on top.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg.AutoMigrate {
		if err := Migrate(cfg.Database.URL, logger, func(m *database.Migrator) error { return m.Up() }); err != nil {
			return nil, err
		}
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, DB: db}
	a.Store = store.New(db, logger)

	catalog, err := payment.DefaultCatalog()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading gateway catalog: %w", err)
	}
	a.Registry = payment.NewRegistry(catalog, a.Store)
	enabled, err := RegisterGateways(a.Registry, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("gateways registered", "gateways", enabled)

	var opts []payment.Option
	if cfg.NATS.Enabled() {
		a.NATS, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		if _, err := a.NATS.EnsurePaymentsStream(ctx); err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, payment.WithPublisher(nats.NewPublisher(a.NATS, logger)))
	} else {
		logger.Warn("NATS_URL not set, lifecycle events and alerts are only logged")
	}

	a.Payments = payment.NewService(cfg.Payment(), a.Store, a.Registry, directory.New(db), logger, opts...)
	a.Stats = statistics.NewAggregator(a.Store, logger)
	a.Webhooks = webhook.NewProcessor(a.Registry, a.Store, a.Payments, logger)
	return a, nil
}

// Close releases connections.
func (a *App) Close() {
	if a.NATS != nil {
		a.NATS.Close()
	}
	a.DB.Close()
}

// RegisterGateways registers the adapters enabled in cfg and returns their
// slugs.
func RegisterGateways(reg *payment.Registry, cfg *config.Config, logger *slog.Logger) ([]string, error) {
	var adapters []payment.Gateway
	if cfg.SBP.Enabled {
		adapters = append(adapters, sbp.NewAdapter(cfg.SBP, logger.With("gateway", sbp.Slug)))
	}
	if cfg.Cards.Enabled {
		adapters = append(adapters, cards.NewAdapter(cfg.Cards, logger.With("gateway", cards.Slug)))
	}
	if cfg.Wallet.Enabled {
		adapters = append(adapters, wallet.NewAdapter(cfg.Wallet, logger.With("gateway", wallet.Slug)))
	}

	slugs := make([]string, 0, len(adapters))
	for _, g := range adapters {
		if err := reg.Register(g); err != nil {
			return nil, err
		}
		slugs = append(slugs, g.Slug())
	}
	return slugs, nil
}

// Migrate opens a migrator over the embedded schema and runs fn with it.
func Migrate(databaseURL string, logger *slog.Logger, fn func(m *database.Migrator) error) error {
	m, err := database.NewMigrator(databaseURL, store.Migrations, store.MigrationsDir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("closing migrator", "error", err)
		}
	}()
	return fn(m)
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(a.Logger))
	r.Use(middleware.Logger(a.Logger))
	r.Use(middleware.Actor)
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := a.DB.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if a.NATS != nil {
			if err := a.NATS.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Gateways call back server to server; CORS applies only to the widget API.
	r.Mount("/webhooks", webhook.NewHandler(a.Webhooks, a.Logger).Routes())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS(a.Config.CORSAllowedOrigins))
		r.Mount("/payments", paymentapi.NewHandler(a.Payments, a.Stats, a.Logger).Routes())
	})

	return r
}

// SetupLogger builds the process logger writing to w.
func SetupLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
