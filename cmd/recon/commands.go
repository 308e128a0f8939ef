package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/httpapi"
	"github.com/jask/recon/internal/logger"
	"github.com/jask/recon/internal/report"
	"github.com/jask/recon/internal/sample"
	"github.com/jask/recon/internal/scheduler"
	"github.com/jask/recon/internal/service"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"accounts":     accountsCmd,
	"rules":        rulesCmd,
	"events":       eventsCmd,
	"import":       importCmd,
	"batches":      batchesCmd,
	"match":        matchCmd,
	"summary":      summaryCmd,
	"manual-match": manualMatchCmd,
	"unmatch":      transitionCmd("unmatch", func(s *service.ExceptionHandler) transitionFn { return s.Unmatch }),
	"dispute":      transitionCmd("dispute", func(s *service.ExceptionHandler) transitionFn { return s.MarkDisputed }),
	"ignore":       transitionCmd("ignore", func(s *service.ExceptionHandler) transitionFn { return s.Ignore }),
	"reopen":       transitionCmd("reopen", func(s *service.ExceptionHandler) transitionFn { return s.Reopen }),
	"resolve":      resolveCmd,
	"history":      historyCmd,
	"notify":       notifyCmd,
	"serve":        serveCmd,
	"demo":         demoCmd,
}

func flags(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func required(fs *flag.FlagSet, names ...string) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	for _, n := range names {
		if !set[n] {
			return fmt.Errorf("%s: -%s is required", fs.Name(), n)
		}
	}
	return nil
}

func sub(args []string, name string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%s: subcommand required", name)
	}
	return args[0], args[1:], nil
}

func accountsCmd(ctx context.Context, a *app, args []string) error {
	verb, rest, err := sub(args, "accounts")
	if err != nil {
		return err
	}
	switch verb {
	case "list":
		accts, err := a.svc.Accounts.List(ctx)
		if err != nil {
			return err
		}
		for _, acct := range accts {
			state := "active"
			if !acct.IsActive {
				state = "inactive"
			}
			fmt.Fprintf(a.out, "%-16s %-14s %-12s %-8s %s\n", acct.ID, acct.Channel, acct.Provider, state, acct.Name)
		}
		return nil
	case "add":
		fs := flags("accounts add")
		id := fs.String("id", "", "account id")
		name := fs.String("name", "", "display name")
		channel := fs.String("channel", string(repository.ChannelBank), "BANK or MOBILE_MONEY")
		provider := fs.String("provider", "", "bank or mobile-money provider")
		primary := fs.Bool("primary", false, "mark as primary account")
		inactive := fs.Bool("inactive", false, "register as inactive")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if err := required(fs, "id"); err != nil {
			return err
		}
		return a.svc.Accounts.Register(ctx, repository.Account{
			ID:        *id,
			Name:      *name,
			Channel:   repository.Channel(strings.ToUpper(*channel)),
			Provider:  *provider,
			IsPrimary: *primary,
			IsActive:  !*inactive,
		})
	case "enable", "disable":
		fs := flags("accounts " + verb)
		id := fs.String("id", "", "account id")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return a.svc.Accounts.SetActive(ctx, *id, verb == "enable")
	}
	return fmt.Errorf("accounts: unknown subcommand %q", verb)
}

func rulesCmd(ctx context.Context, a *app, args []string) error {
	verb, rest, err := sub(args, "rules")
	if err != nil {
		return err
	}
	switch verb {
	case "list":
		rules, err := a.svc.Rules.List(ctx)
		if err != nil {
			return err
		}
		for _, r := range rules {
			fmt.Fprintf(a.out, "%4d %-22s %-18s %-6s tol=%d window=%dd active=%t %s\n",
				r.Priority, r.ID, r.Kind, r.Confidence, r.AmountTolerance, r.DateWindowDays, r.IsActive, r.Pattern)
		}
		return nil
	case "load":
		fs := flags("rules load")
		file := fs.String("file", "", "YAML rule file")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if err := required(fs, "file"); err != nil {
			return err
		}
		return loadRules(ctx, a.svc, *file)
	case "enable", "disable":
		fs := flags("rules " + verb)
		id := fs.String("id", "", "rule id")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return a.svc.Rules.SetActive(ctx, *id, verb == "enable")
	}
	return fmt.Errorf("rules: unknown subcommand %q", verb)
}

func eventsCmd(ctx context.Context, a *app, args []string) error {
	verb, rest, err := sub(args, "events")
	if err != nil {
		return err
	}
	if verb != "load" {
		return fmt.Errorf("events: unknown subcommand %q", verb)
	}
	fs := flags("events load")
	account := fs.String("account", "", "account id")
	file := fs.String("file", "", "JSON array of expected events")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if err := required(fs, "account", "file"); err != nil {
		return err
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var inputs []service.EventInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return fmt.Errorf("decode %s: %w", *file, err)
	}
	n, err := a.svc.EventLoader.Upsert(ctx, *account, inputs)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d expected events loaded\n", n)
	return nil
}

func importCmd(ctx context.Context, a *app, args []string) error {
	fs := flags("import")
	account := fs.String("account", "", "account id")
	format := fs.String("format", a.cfg.Import.DefaultFormat, "statement format name")
	file := fs.String("file", "", "CSV or XLSX statement")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "account", "file"); err != nil {
		return err
	}
	f, ok := a.cfg.Format(*format)
	if !ok {
		return fmt.Errorf("unknown statement format %q", *format)
	}
	fh, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer fh.Close()
	b, err := a.svc.Importer.ImportFile(ctx, *account, f, filepath.Base(*file), fh)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, report.Batch(b))
	return nil
}

func batchesCmd(ctx context.Context, a *app, args []string) error {
	fs := flags("batches")
	account := fs.String("account", "", "account id")
	id := fs.String("id", "", "show one batch with its row errors")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id != "" {
		b, err := a.svc.Importer.Batch(ctx, *id)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, report.Batch(b))
		return nil
	}
	if err := required(fs, "account"); err != nil {
		return err
	}
	bs, err := a.svc.Importer.Batches(ctx, *account)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, report.Batches(bs))
	return nil
}

func matchCmd(ctx context.Context, a *app, args []string) error {
	fs := flags("match")
	account := fs.String("account", "", "account id")
	all := fs.Bool("all", false, "run over every active account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *all {
		s, err := scheduler.New(a.svc, a.cfg)
		if err != nil {
			return err
		}
		return s.MatchAll(ctx)
	}
	if err := required(fs, "account"); err != nil {
		return err
	}
	res, err := a.svc.Matcher.RunMatchingPass(ctx, *account)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, report.Pass(res))
	return nil
}

func summaryCmd(ctx context.Context, a *app, args []string) error {
	fs := flags("summary")
	account := fs.String("account", "", "account id")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "account"); err != nil {
		return err
	}
	if _, err := a.svc.Accounts.Get(ctx, *account); err != nil {
		return err
	}
	s, err := a.svc.Analytics.Summary(ctx, *account)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	fmt.Fprintln(a.out, report.Summary(s))
	return nil
}

func manualMatchCmd(ctx context.Context, a *app, args []string) error {
	fs := flags("manual-match")
	tx := fs.String("tx", "", "transaction id")
	event := fs.String("event", "", "expected event id (omit for a memo match)")
	actor := fs.String("actor", defaultActor(), "who is acting")
	reason := fs.String("reason", "", "why")
	memo := fs.String("memo", "", "memo for matches without an event")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "tx"); err != nil {
		return err
	}
	m, err := a.svc.Exceptions.ManualMatch(ctx, service.ManualMatchRequest{
		TransactionID: *tx, EventID: *event, Actor: *actor, Reason: *reason, Memo: *memo,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "manual match %s recorded\n", m.ID)
	return nil
}

type transitionFn func(ctx context.Context, transactionID, actor, reason string) error

func transitionCmd(name string, pick func(*service.ExceptionHandler) transitionFn) command {
	return func(ctx context.Context, a *app, args []string) error {
		fs := flags(name)
		tx := fs.String("tx", "", "transaction id")
		actor := fs.String("actor", defaultActor(), "who is acting")
		reason := fs.String("reason", "", "why")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := required(fs, "tx"); err != nil {
			return err
		}
		if err := pick(a.svc.Exceptions)(ctx, *tx, *actor, *reason); err != nil {
			return err
		}
		return printStatus(ctx, a, *tx)
	}
}

func resolveCmd(ctx context.Context, a *app, args []string) error {
	fs := flags("resolve")
	tx := fs.String("tx", "", "transaction id")
	event := fs.String("event", "", "event to confirm or re-point to (omit to unmatch)")
	actor := fs.String("actor", defaultActor(), "who is acting")
	reason := fs.String("reason", "", "why")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "tx"); err != nil {
		return err
	}
	if err := a.svc.Exceptions.ResolveDispute(ctx, *tx, *event, *actor, *reason); err != nil {
		return err
	}
	return printStatus(ctx, a, *tx)
}

func printStatus(ctx context.Context, a *app, txID string) error {
	h, err := a.svc.Exceptions.History(ctx, txID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s is now %s\n", txID, h.Transaction.Status)
	return nil
}

func historyCmd(ctx context.Context, a *app, args []string) error {
	fs := flags("history")
	tx := fs.String("tx", "", "transaction id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "tx"); err != nil {
		return err
	}
	h, err := a.svc.Exceptions.History(ctx, *tx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, report.History(h))
	return nil
}

func notifyCmd(ctx context.Context, a *app, args []string) error {
	stats, err := a.svc.Notifier.DeliverPending(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "sent=%d conflicts=%d retried=%d failed=%d skipped=%d\n",
		stats.Sent, stats.Conflicts, stats.Retried, stats.Failed, stats.Skipped)
	return nil
}

func serveCmd(ctx context.Context, a *app, args []string) error {
	fs := flags("serve")
	addr := fs.String("addr", a.cfg.HTTP.Addr, "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := scheduler.New(a.svc, a.cfg)
	if err != nil {
		return err
	}
	s.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.Stop(stopCtx)
		logger.L.Info("scheduler stopped")
	}()

	err = httpapi.New(a.svc, a.cfg).ListenAndServe(ctx, *addr)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func demoCmd(ctx context.Context, a *app, args []string) error {
	fs := flags("demo")
	account := fs.String("account", "DEMO", "account to fill (registered if missing)")
	rows := fs.Int("rows", 200, "statement lines to generate")
	seed := fs.Int64("seed", 1, "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := a.svc.Accounts.Get(ctx, *account); errors.Is(err, service.ErrAccountNotFound) {
		err = a.svc.Accounts.Register(ctx, repository.Account{
			ID: *account, Name: "Demo till", Channel: repository.ChannelMobileMoney, Provider: "demo", IsActive: true,
		})
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	res, err := sample.Seed(ctx, a.svc, *account, *rows, time.Now(), *seed)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, report.Batch(res.Batch))
	fmt.Fprintf(a.out, "%d expected events loaded\n", res.Events)
	return nil
}
