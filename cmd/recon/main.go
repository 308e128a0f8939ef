package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jask/recon/internal/config"
	"github.com/jask/recon/internal/database"
	"github.com/jask/recon/internal/logger"
	"github.com/jask/recon/internal/service"
)

const usage = `usage: recon <command> [flags]

commands:
  migrate                                 apply database migrations
  accounts add|list|enable|disable        manage statement accounts
  rules list|load|enable|disable          manage match rules
  events load                             load expected events (JSON array)
  import                                  import a CSV/XLSX statement
  batches                                 list or show import batches
  match                                   run a matching pass
  summary                                 reconciliation analytics
  manual-match|unmatch|dispute|resolve|ignore|reopen
                                          exception handling
  history                                 transaction match and audit trail
  notify                                  deliver pending event notifications
  demo                                    generate a sample statement and events
  serve                                   HTTP API and scheduled jobs`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("recon: %v", err)
	}
}

// app is the state shared by every command.
type app struct {
	cfg config.Config
	db  *sql.DB
	svc *service.Services
	out io.Writer
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		fmt.Fprintln(out, usage)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("mkdir db dir: %w", err)
	}
	if err := database.RunMigrations(cfg.Database.Path); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if args[0] == "migrate" {
		fmt.Fprintln(out, "migrations applied:", cfg.Database.Path)
		return nil
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	svc, err := service.New(db, cfg)
	if err != nil {
		return err
	}
	if err := svc.Rules.SeedDefaults(ctx); err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}
	if cfg.Rules.File != "" {
		if err := loadRules(ctx, svc, cfg.Rules.File); err != nil {
			return err
		}
	}

	a := &app{cfg: cfg, db: db, svc: svc, out: out}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
	return cmd(ctx, a, args[1:])
}

func loadRules(ctx context.Context, svc *service.Services, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rules file: %w", err)
	}
	defer f.Close()
	if _, err := svc.Rules.LoadYAML(ctx, f); err != nil {
		return fmt.Errorf("load rules %s: %w", path, err)
	}
	return nil
}
