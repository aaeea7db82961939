package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/einvoicing/internal/authority"
	"github.com/ledgerline/einvoicing/internal/chain"
	"github.com/ledgerline/einvoicing/internal/compliance"
	"github.com/ledgerline/einvoicing/internal/csid"
	"github.com/ledgerline/einvoicing/internal/csr"
	"github.com/ledgerline/einvoicing/internal/einvoice"
	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/auth"
	"github.com/ledgerline/einvoicing/internal/shared/config"
	"github.com/ledgerline/einvoicing/internal/shared/database"
	"github.com/ledgerline/einvoicing/internal/shared/events"
	"github.com/ledgerline/einvoicing/internal/shared/keylock"
	"github.com/ledgerline/einvoicing/internal/shared/logging"
	"github.com/ledgerline/einvoicing/internal/shared/metrics"
	secmiddleware "github.com/ledgerline/einvoicing/internal/shared/middleware"
	"github.com/ledgerline/einvoicing/internal/signer"
	"github.com/ledgerline/einvoicing/internal/tsa"
)

const maxRequestBody = 2 << 20

// App holds all application dependencies
type App struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *database.DB
	Redis  *redis.Client
	Bus    events.Bus
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	app := &App{Config: cfg, Logger: logger}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	app.DB = db
	defer db.Close()

	if err := database.Migrate(ctx, db.Pool, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	locker, err := newLocker(ctx, app)
	if err != nil {
		return err
	}
	if app.Redis != nil {
		defer app.Redis.Close()
	}

	if cfg.KurrentDB.Enabled {
		bus, err := events.NewKurrentBus(ctx, cfg.KurrentDB, logger)
		if err != nil {
			return fmt.Errorf("kurrentdb: %w", err)
		}
		app.Bus = bus
		logger.Info("kurrentdb event bus connected", "host", cfg.KurrentDB.Host, "port", cfg.KurrentDB.Port)
	} else {
		app.Bus = events.NewMemory()
	}
	defer app.Bus.Close()

	svc, invoices, err := newService(app, locker)
	if err != nil {
		return err
	}

	if cfg.TSA.Enabled {
		server, err := tsa.NewServerWithGeneratedCert(cfg.TSA.OrgName)
		if err != nil {
			return fmt.Errorf("tsa: %w", err)
		}
		archiver := tsa.NewArchiver(server, invoices, logger.With("component", "tsa"))
		if err := archiver.Subscribe(ctx, app.Bus); err != nil {
			return fmt.Errorf("tsa subscribe: %w", err)
		}
		logger.Info("invoice timestamping enabled", "issuer", server.GetCertificate().Subject.CommonName)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(app, svc),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		db.ReportStats(gctx, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		logger.Info("server listening",
			"addr", srv.Addr,
			"env", cfg.Server.Env,
			"authority", cfg.Authority.Kind,
			"authority_env", cfg.Authority.Environment,
			"distributed_lock", app.Redis != nil,
			"tsa", cfg.TSA.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newLocker returns the Redis chain lock when REDIS_URL is set, so several
// replicas can share one database, and an in-process lock otherwise.
func newLocker(ctx context.Context, app *App) (keylock.Locker, error) {
	cfg := app.Config.Redis
	if cfg.URL == "" {
		app.Logger.Warn("REDIS_URL not set, chain lock is process-local")
		return keylock.NewMemory(), nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = cfg.DialTimeout
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	app.Redis = client
	return keylock.NewRedis(client, cfg.LockTTL, cfg.LockWaitStep), nil
}

func newService(app *App, locker keylock.Locker) (*einvoice.Service, *invoice.Repository, error) {
	cfg, logger, pool := app.Config, app.Logger, app.DB.Pool

	tax, err := authority.New(cfg.Authority, authority.WithLogger(logger.With("component", "authority")))
	if err != nil {
		return nil, nil, err
	}

	gate := compliance.NewGate(compliance.NewPostgresStore(pool), compliance.WithLogger(logger))
	generator := csr.NewGenerator(csr.Config{
		Template:        cfg.TemplateForEnvironment(),
		SolutionName:    cfg.Invoicing.SolutionName,
		SolutionVersion: cfg.Invoicing.SolutionVersion,
	}, csr.WithLogger(logger))
	certs := csid.NewManager(csid.NewPostgresStore(pool), tax, gate, generator,
		csid.WithLogger(logger.With("component", "csid")),
		csid.WithPublisher(app.Bus),
	)
	sequencer := chain.NewSequencer(chain.NewPostgresStore(pool), locker,
		chain.WithLogger(logger.With("component", "chain")))

	invoices := invoice.NewRepository(pool)
	svc := einvoice.NewService(certs, sequencer, tax, invoices, gate, einvoice.NewPostgresFaultStore(pool),
		einvoice.WithLogger(logger.With("component", "einvoice")),
		einvoice.WithPublisher(app.Bus),
		einvoice.WithSigner(signer.New(signer.WithLogger(logger.With("component", "signer")))),
	)
	return svc, invoices, nil
}

func newRouter(app *App, svc *einvoice.Service) http.Handler {
	cfg := app.Config
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(app.Logger))
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)

	cors := secmiddleware.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.Server.AllowedOrigins
	r.Use(secmiddleware.CORS(cors))

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", infoHandler(cfg))

	limiter := secmiddleware.NewIPRateLimiter(float64(cfg.Server.RateLimitRPS), cfg.Server.RateBurst)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(secmiddleware.BodyLimit(maxRequestBody))
		r.Use(auth.Middleware(cfg.Auth))
		r.Mount("/", einvoice.NewHandler(svc, cfg.Invoicing.DefaultCurrency).Routes())
	})
	return r
}

func infoHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"name":        "Ledgerline E-Invoicing",
			"version":     cfg.Invoicing.SolutionVersion,
			"authority":   cfg.Authority.Kind,
			"environment": cfg.Authority.Environment,
			"docs":        "/api/v1",
		})
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		checks := map[string]string{
			"server": "ready",
		}
		check := func(name string, err error) {
			if err != nil {
				checks[name] = "not ready: " + err.Error()
				return
			}
			checks[name] = "ready"
		}

		check("database", app.DB.Health(ctx))
		if app.Redis != nil {
			check("redis", app.Redis.Ping(ctx).Err())
		} else {
			checks["redis"] = "not configured"
		}
		if app.Config.KurrentDB.Enabled {
			check("kurrentdb", app.Bus.Health())
		} else {
			checks["kurrentdb"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}
