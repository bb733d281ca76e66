package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kujibox/draw-engine/internal/activity"
	"github.com/kujibox/draw-engine/internal/config"
	"github.com/kujibox/draw-engine/internal/draw"
	"github.com/kujibox/draw-engine/internal/events"
	"github.com/kujibox/draw-engine/internal/fairness"
	"github.com/kujibox/draw-engine/internal/logger"
	"github.com/kujibox/draw-engine/internal/metrics"
	"github.com/kujibox/draw-engine/internal/model"
	"github.com/kujibox/draw-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(logger.New(cfg.LogFormat, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	restoreGauges(ctx, st)

	// --- Seed sealing ---
	var sealer *fairness.Sealer
	if cfg.SeedSealingKey != "" {
		sealer, err = fairness.NewSealerFromHex(cfg.SeedSealingKey)
	} else {
		slog.Warn("SEED_SEALING_KEY not set, using an ephemeral key (active activities cannot draw after restart)")
		sealer, err = fairness.NewEphemeralSealer()
	}
	if err != nil {
		slog.Error("seed sealer init failed", "err", err)
		os.Exit(1)
	}

	// --- Event fan-out: WebSocket feed, plus NATS when configured ---
	wsHub := activity.NewWSHub()
	go wsHub.Run(ctx)
	publishers := events.Multi{wsHub}

	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL)
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		natsPub := events.NewNATSPublisher(nc, cfg.NATSSubject)
		cleanup = append(cleanup, func() { natsPub.Close() })
		publishers = append(publishers, natsPub)
		slog.Info("publishing events to NATS", "url", nc.ConnectedUrl(), "subject", cfg.NATSSubject)
	}

	// --- Draw engine ---
	seq := draw.NewSequencer(st, sealer, publishers, draw.RetryConfig{
		MaxElapsedTime: cfg.DrawRetryMaxElapsed,
	})
	verifier := draw.NewVerifier(st)
	activitySvc := activity.NewService(st, seq, verifier, publishers)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+activity.IdempotencyHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"draw-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of draws and lifecycle events. Kept outside the
		// request timeout so connections are not cut.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			activitySvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("draw-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down draw-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("draw-engine stopped")
}

// openStore picks PostgreSQL (optionally behind Redis), then Badger, then
// the in-memory store.
func openStore(ctx context.Context, cfg config.Config) (store.Store, []func(), error) {
	var cleanup []func()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("connected to PostgreSQL")

		var st store.Store = pg
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
		return st, cleanup, nil

	case cfg.BadgerPath != "":
		bs, err := store.OpenBadgerStore(cfg.BadgerPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger: %w", err)
		}
		cleanup = append(cleanup, func() { bs.Close() })
		slog.Info("using embedded Badger store", "path", cfg.BadgerPath)
		return bs, cleanup, nil

	default:
		slog.Warn("DATABASE_URL and BADGER_PATH not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}
}

// restoreGauges seeds gauges that are otherwise only moved by transitions.
func restoreGauges(ctx context.Context, st store.Store) {
	activities, err := st.ListActivities(ctx)
	if err != nil {
		slog.Warn("could not count active activities", "err", err)
		return
	}
	active := 0
	for _, a := range activities {
		if a.Status == model.StatusActive {
			active++
		}
	}
	metrics.ActiveActivities.Set(float64(active))
}
