package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"call-dispatch/internal/auth"
	"call-dispatch/internal/config"
	"call-dispatch/internal/dispatch"
	"call-dispatch/internal/events"
	"call-dispatch/internal/httpapi"
	"call-dispatch/internal/lifecycle"
	"call-dispatch/internal/metrics"
	"call-dispatch/internal/reporting"
	"call-dispatch/internal/simulator"
	"call-dispatch/internal/state"
	"call-dispatch/internal/state/pgstore"
	"call-dispatch/internal/state/redisstore"
	"call-dispatch/internal/tenant"
	"call-dispatch/pkg/logger"
	"call-dispatch/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := build(rootCtx, cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "fast_store", cfg.Store.Fast, "durable_store", cfg.Store.Durable)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := a.reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		// In-flight calls keep their durable ASSIGNED/IN_PROGRESS rows; nothing re-arms them.
		log.Info("lifecycle timers stopped", "count", a.scheduler.Stop())
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

// app is the wired process. Everything is constructed here and injected; there are no globals.
type app struct {
	router     *gin.Engine
	reconciler *state.Reconciler
	scheduler  *lifecycle.Scheduler
	dispatch   *dispatch.Service
	tokens     *auth.Manager

	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	tokens, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return fail(err)
	}
	a.tokens = tokens

	var (
		rdb     *redis.Client
		db      *sql.DB
		fast    state.Store
		durable state.DurableStore
	)
	health := map[string]func(context.Context) error{}

	switch cfg.Store.Fast {
	case config.FastRedis:
		rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, rdb.Close)
		fast = redisstore.New(rdb)
		health["redis"] = func(ctx context.Context) error { return utils.PingRedis(ctx, rdb, 2*time.Second) }
	default:
		fast = state.NewMemory()
	}

	switch cfg.Store.Durable {
	case config.DurablePostgres:
		db, err = utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
			MaxOpenConns: cfg.DB.MaxConns,
			MaxIdleConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, db.Close)
		durable = pgstore.New(db)
		health["postgres"] = func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) }
	default:
		durable = state.NewMemoryDurable()
	}

	prom := metrics.NewPrometheus("dispatch", prometheus.NewRegistry())

	a.reconciler = state.NewReconciler(durable, state.ReconcilerConfig{
		InitialBackoff: cfg.Dispatch.ReconcileInitialBackoff,
		MaxBackoff:     cfg.Dispatch.ReconcileMaxBackoff,
		ApplyTimeout:   cfg.Dispatch.ReconcileApplyTimeout,
	}, log, prom)
	store := state.NewDual(fast, a.reconciler)

	seed := cfg.Dispatch.SimulatorSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sim, err := simulator.New(simulator.Config{
		Mean:   cfg.Dispatch.DurationMean,
		StdDev: cfg.Dispatch.DurationStd,
		Unit:   cfg.Dispatch.DurationUnit,
		Matrix: cfg.Types.Matrix,
	}, rand.New(rand.NewSource(seed)))
	if err != nil {
		return fail(err)
	}

	sinks := events.Multi{events.LogSink{Log: log}}
	if rdb != nil {
		sinks = append(sinks, events.NewRedisSink(rdb, log))
	}

	a.scheduler = lifecycle.NewScheduler(store, sim, sinks, prom, log, lifecycle.Options{})
	tenants := tenant.NewRegistry(store)
	a.dispatch = dispatch.NewService(dispatch.Config{
		AgentTypes:  cfg.Types.AgentTypes,
		CallTypes:   cfg.Types.CallTypes,
		ClaimBudget: cfg.Dispatch.ClaimBudget,
	}, store, tenants, a.scheduler, sinks, prom, log)
	reports := reporting.NewService(durable, sim, cfg.Dispatch.ClaimBudget)

	if id := cfg.App.BootstrapTenant; id != "" {
		if _, err := tenants.Ensure(ctx, id, id); err != nil {
			return fail(err)
		}
		log.Info("bootstrap tenant ready", "tenant_id", id)
	}

	a.router = newRouter(log, prom, tokens, httpapi.Handlers{
		Dispatch: a.dispatch,
		Reports:  reports,
		Health:   health,
	})
	return a, nil
}
