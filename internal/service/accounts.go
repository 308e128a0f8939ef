package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/logger"
)

// AccountService manages the account registry. Lookups are cached briefly
// because every import row and matching pass resolves the account.
type AccountService struct {
	DB *sql.DB

	cache *cache.Cache
}

func NewAccountService(db *sql.DB) *AccountService {
	return &AccountService{DB: db, cache: cache.New(time.Minute, 5*time.Minute)}
}

// Register creates or updates an account. Channel and provider cannot change
// once transactions reference the account.
func (s *AccountService) Register(ctx context.Context, a repository.Account) error {
	a.ID = strings.TrimSpace(a.ID)
	a.Name = strings.TrimSpace(a.Name)
	if a.ID == "" {
		return errors.New("account id required")
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	switch a.Channel {
	case repository.ChannelBank, repository.ChannelMobileMoney:
	default:
		return fmt.Errorf("unknown channel %q", a.Channel)
	}

	repo := repository.NewAccountRepo(s.DB)
	existing, err := repo.Get(ctx, a.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return err
	case existing.Channel != a.Channel || existing.Provider != a.Provider:
		used, err := repo.HasTransactions(ctx, a.ID)
		if err != nil {
			return err
		}
		if used {
			return ErrAccountImmutable
		}
	}
	if err := repo.Upsert(ctx, a); err != nil {
		return err
	}
	s.forget(a.ID)
	logger.L.Info("account registered", "account_id", a.ID, "channel", a.Channel, "active", a.IsActive)
	return nil
}

func (s *AccountService) SetActive(ctx context.Context, id string, active bool) error {
	err := repository.NewAccountRepo(s.DB).SetActive(ctx, id, active)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	s.forget(id)
	return nil
}

func (s *AccountService) Get(ctx context.Context, id string) (repository.Account, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(id); ok {
			return v.(repository.Account), nil
		}
	}
	a, err := repository.NewAccountRepo(s.DB).Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return repository.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return repository.Account{}, err
	}
	if s.cache != nil {
		s.cache.SetDefault(id, *a)
	}
	return *a, nil
}

// Active returns the account or ErrAccountInactive.
func (s *AccountService) Active(ctx context.Context, id string) (repository.Account, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return a, err
	}
	if !a.IsActive {
		return a, ErrAccountInactive
	}
	return a, nil
}

func (s *AccountService) List(ctx context.Context) ([]repository.Account, error) {
	return repository.NewAccountRepo(s.DB).List(ctx)
}

func (s *AccountService) forget(id string) {
	if s.cache != nil {
		s.cache.Delete(id)
	}
}
