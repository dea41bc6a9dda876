package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"evodash.io/internal/audit"
	"evodash.io/internal/auth"
	"evodash.io/internal/config"
	"evodash.io/internal/migrate"
	"evodash.io/internal/obs"
	"evodash.io/internal/ratelimit"
	"evodash.io/internal/store/pg"
)

const (
	usage            = "usage: migrate [-config file] up|down|status|pending|seed"
	minAdminPassword = 8
)

func main() {
	configPath := flag.String("config", os.Getenv("EVODASH_CONFIG"), "path to a YAML config file")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	log := obs.Logger()
	if flag.NArg() != 1 {
		log.Fatal(usage)
	}
	cmd := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.Log.Level)
	if cfg.Database.DSN == "" {
		log.Fatal("database.dsn is required (EVODASH_DATABASE_DSN)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(cfg.Database.DSN, 2)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer store.Close()

	if err := execute(ctx, cmd, cfg, store, log); err != nil {
		log.WithError(err).WithField("command", cmd).Fatal("migrate failed")
	}
}

func execute(ctx context.Context, cmd string, cfg *config.Config, store *pg.Store, log *logrus.Logger) error {
	mgr := migrate.NewManager(store.DB())
	switch cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		if err != nil {
			return err
		}
		log.WithField("applied", applied).Info("migrations applied")
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			return err
		}
		log.WithField("reverted", name).Info("migration reverted")
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, name := range history {
			fmt.Println(name)
		}
	case "pending":
		pending, err := mgr.Pending(ctx)
		if err != nil {
			return err
		}
		for _, name := range pending {
			fmt.Println(name)
		}
	case "seed":
		return seed(ctx, cfg, store)
	default:
		return fmt.Errorf("unknown command %q; %s", cmd, usage)
	}
	return nil
}

// seed installs the role templates and, when EVODASH_ADMIN_EMAIL is set,
// a default administrator. It also clears stale rate-limit rows.
func seed(ctx context.Context, cfg *config.Config, store *pg.Store) error {
	if _, err := cfg.EnsureDevSecret(); err != nil {
		return err
	}
	tokens, err := auth.NewTokenService(cfg.SecretBytes(), auth.WithTokenIssuer(cfg.Auth.Issuer))
	if err != nil {
		return err
	}
	svc, err := auth.NewService(store, tokens, auth.WithBcryptCost(cfg.Auth.BcryptCost))
	if err != nil {
		return err
	}

	var admin *auth.AdminSeed
	if email := os.Getenv("EVODASH_ADMIN_EMAIL"); email != "" {
		password := os.Getenv("EVODASH_ADMIN_PASSWORD")
		if len(password) < minAdminPassword {
			return fmt.Errorf("EVODASH_ADMIN_PASSWORD must be at least %d characters", minAdminPassword)
		}
		admin = &auth.AdminSeed{
			Email:    email,
			Username: os.Getenv("EVODASH_ADMIN_USERNAME"),
			Password: password,
		}
	}

	report, err := svc.Seed(ctx, admin)
	if err != nil {
		return err
	}
	pruned, err := ratelimit.NewFixedWindow(store, nil).Prune(ctx, cfg.Maintenance.RateLimitKeep)
	if err != nil {
		return err
	}
	return audit.LogEvent(auth.ContextWithClient(ctx, auth.ClientInfo{IPAddress: "local", UserAgent: "evodash-migrate"}), "seed", map[string]any{
		"roles_created":  report.RolesCreated,
		"admin_created":  report.AdminCreated,
		"admin_user_id":  report.AdminUserID,
		"sessions_swept": report.SessionsSwept,
		"windows_pruned": pruned,
	})
}
