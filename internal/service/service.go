package service

import (
	"database/sql"

	"github.com/jask/recon/internal/config"
	"github.com/jask/recon/internal/database/repository"
)

// Services wires the engine's components over one database.
type Services struct {
	Accounts    *AccountService
	Events      *repository.ExpectedEventRepo
	EventLoader *EventLoader
	Importer    *Importer
	Rules       *RuleStore
	Ledger      *Ledger
	Matcher     *Matcher
	Exceptions  *ExceptionHandler
	Analytics   *Analytics
	Notifier    *Notifier
	Maintenance *MaintenanceService
}

// New builds the services from configuration. The bundled sqlite mirror is
// used as the expected-events feed.
func New(db *sql.DB, cfg config.Config) (*Services, error) {
	params, err := ParamsFromConfig(cfg.Matching)
	if err != nil {
		return nil, err
	}
	loc := cfg.Location()
	events := repository.NewExpectedEventRepo(db)
	accounts := NewAccountService(db)
	rules := &RuleStore{DB: db}
	ledger := &Ledger{DB: db}
	notifier := NewNotifier(db, events, cfg.Notify)

	return &Services{
		Accounts:    accounts,
		Events:      events,
		EventLoader: &EventLoader{Accounts: accounts, Events: events},
		Importer:    &Importer{DB: db, Accounts: accounts, Workers: cfg.Import.Workers, Location: loc},
		Rules:       rules,
		Ledger:      ledger,
		Matcher: &Matcher{
			DB:       db,
			Accounts: accounts,
			Rules:    rules,
			Feed:     events,
			Ledger:   ledger,
			Notifier: notifier,
			Params:   params,
		},
		Exceptions:  &ExceptionHandler{DB: db, Ledger: ledger, Feed: events, Notifier: notifier},
		Analytics:   &Analytics{DB: db, Location: loc},
		Notifier:    notifier,
		Maintenance: &MaintenanceService{DB: db},
	}, nil
}
