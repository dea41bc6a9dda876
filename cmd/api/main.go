package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"evodash.io/internal/audit"
	"evodash.io/internal/auth"
	"evodash.io/internal/config"
	"evodash.io/internal/httpapi"
	"evodash.io/internal/maintenance"
	"evodash.io/internal/obs"
	"evodash.io/internal/ratelimit"
	"evodash.io/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("EVODASH_CONFIG"), "path to a YAML config file")
	flag.Parse()

	log := obs.Logger()
	if err := run(*configPath, log); err != nil {
		log.WithError(err).Fatal("evodash-api stopped")
	}
}

func run(configPath string, log *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)
	obs.SetLevel(cfg.Log.Level)

	generated, err := cfg.EnsureDevSecret()
	if err != nil {
		return err
	}
	if generated {
		log.Warn("auth.secret not set; using a random key, sessions will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store   auth.Store
		probes  []httpapi.ReadyProbe
		pgStore *pg.Store
	)
	if cfg.Database.DSN != "" {
		pgStore, err = pg.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		if err := waitFor(ctx, log, "postgres", pgStore.Ping); err != nil {
			return err
		}
		store = pgStore
		probes = append(probes, httpapi.ReadyProbe{Name: "postgres", Check: pgStore.Ping})
	} else {
		log.Warn("database.dsn not set; using the in-memory store")
		store = auth.NewMemoryStore()
	}

	tokens, err := auth.NewTokenService(cfg.SecretBytes(),
		auth.WithTokenIssuer(cfg.Auth.Issuer),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
	)
	if err != nil {
		return err
	}
	recorder := audit.NewRecorder(store, audit.WithLogger(log))
	svc, err := auth.NewService(store, tokens,
		auth.WithAuditor(recorder),
		auth.WithBcryptCost(cfg.Auth.BcryptCost),
		auth.WithStoreTimeout(cfg.Auth.StoreTimeout),
		auth.WithLockoutPolicy(auth.LockoutPolicy{
			Threshold: cfg.Auth.LockoutThreshold,
			Duration:  cfg.Auth.LockoutDuration,
		}),
	)
	if err != nil {
		return err
	}

	var (
		limiter ratelimit.Limiter
		pruner  maintenance.WindowPruner
	)
	switch {
	case cfg.Redis.URL != "":
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		defer client.Close()
		rl := ratelimit.NewRedis(client, "", nil)
		if err := waitFor(ctx, log, "redis", rl.Ping); err != nil {
			return err
		}
		limiter = rl
		probes = append(probes, httpapi.ReadyProbe{Name: "redis", Check: rl.Ping})
	case pgStore != nil:
		fw := ratelimit.NewFixedWindow(pgStore, nil)
		limiter, pruner = fw, fw
	default:
		limiter = ratelimit.NewMemory(0, cfg.RateLimit.Window, nil)
	}
	rule := ratelimit.Rule{Window: cfg.RateLimit.Window, Max: cfg.RateLimit.MaxRequests}
	proxies, err := audit.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return err
	}

	throttle := ratelimit.NewThrottle(cfg.RateLimit.APIRPS, cfg.RateLimit.APIBurst)
	defer throttle.Stop()

	if !cfg.Maintenance.Disabled {
		var opts []maintenance.Option
		opts = append(opts, maintenance.WithLogger(log))
		if pruner != nil {
			opts = append(opts, maintenance.WithWindowPruner(pruner, cfg.Maintenance.RateLimitKeep))
		}
		sweeper := maintenance.New(svc.Sessions(), opts...)
		if err := sweeper.Start(cfg.Maintenance.Schedule); err != nil {
			return err
		}
		defer sweeper.Stop(context.Background())
	}

	api := httpapi.New(svc,
		httpapi.WithLimiter(limiter, rule, cfg.RateLimit.FailOpen),
		httpapi.WithThrottle(throttle),
		httpapi.WithTrustedProxies(proxies),
		httpapi.WithSecureCookies(cfg.Production()),
		httpapi.WithReadyProbes(probes...),
		httpapi.WithVersion(version),
		httpapi.WithLogger(log),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version, "env": cfg.Env}).Info("starting evodash-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

// waitFor retries check with exponential backoff for up to 30s.
func waitFor(ctx context.Context, log *logrus.Logger, name string, check func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.RetryNotify(func() error {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return check(pctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{"dependency": name, "retry_in": next.String()}).Warn("dependency not ready")
	})
}
