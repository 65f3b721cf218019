package tranche

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vyper-protocol/vyper-core-sub000/internal/payoff"
)

// Service serialises writers per tranche. Every mutation runs on a copy
// that replaces the stored state only once the repository accepted it.
type Service struct {
	repo   Repository
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewService wires a repository into the ledger.
func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "tranche_ledger").Logger(),
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Service) lockFor(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Mutate loads the tranche, applies fn to a copy and saves it. When fn or
// the save fails the stored tranche is untouched.
func (s *Service) Mutate(ctx context.Context, id uuid.UUID, fn func(cfg *Config) error) (*Config, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	current, err := s.repo.GetTranche(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := s.repo.SaveTranche(ctx, next); err != nil {
		return nil, fmt.Errorf("save tranche %s: %w", id, err)
	}
	return next, nil
}

// Initialize creates and stores a tranche.
func (s *Service) Initialize(ctx context.Context, in InitInput, tick uint64) (*Config, error) {
	cfg, err := Initialize(in, tick, time.Now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveTranche(ctx, cfg); err != nil {
		return nil, fmt.Errorf("save tranche %s: %w", cfg.ID, err)
	}
	s.logger.Info().
		Str("tranche", cfg.ID.String()).
		Str("owner", cfg.Owner.Hex()).
		Str("rate_source", cfg.RateSource).
		Str("payoff_module", cfg.PayoffModule).
		Msg("tranche initialized")
	return cfg, nil
}

// Get returns a tranche.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Config, error) {
	return s.repo.GetTranche(ctx, id)
}

// List returns every tranche.
func (s *Service) List(ctx context.Context) ([]*Config, error) {
	return s.repo.ListTranches(ctx)
}

// Supply implements the refresh supply collaborator from the token counts.
func (s *Service) Supply(ctx context.Context, id uuid.UUID) ([2]uint64, error) {
	cfg, err := s.repo.GetTranche(ctx, id)
	if err != nil {
		return [2]uint64{}, err
	}
	return cfg.Supply, nil
}

// Deposit records a deposit at tick now.
func (s *Service) Deposit(ctx context.Context, id uuid.UUID, caller common.Address, qty payoff.Quantities, now uint64) ([2]uint64, error) {
	var minted [2]uint64
	_, err := s.Mutate(ctx, id, func(cfg *Config) error {
		var err error
		minted, err = cfg.Deposit(caller, qty, now)
		return err
	})
	if err != nil {
		return [2]uint64{}, err
	}
	s.logger.Info().Str("tranche", id.String()).Uints64("quantity", qty[:]).Uints64("minted", minted[:]).Msg("deposit")
	return minted, nil
}

// Redeem records a redemption at tick now.
func (s *Service) Redeem(ctx context.Context, id uuid.UUID, caller common.Address, qty payoff.Quantities, now uint64) ([2]uint64, error) {
	var burned [2]uint64
	_, err := s.Mutate(ctx, id, func(cfg *Config) error {
		var err error
		burned, err = cfg.Redeem(caller, qty, now)
		return err
	})
	if err != nil {
		return [2]uint64{}, err
	}
	s.logger.Info().Str("tranche", id.String()).Uints64("quantity", qty[:]).Uints64("burned", burned[:]).Msg("redeem")
	return burned, nil
}

// CollectFee pays out the accrued fee to the owner.
func (s *Service) CollectFee(ctx context.Context, id uuid.UUID, caller common.Address) (uint64, error) {
	var fee uint64
	_, err := s.Mutate(ctx, id, func(cfg *Config) error {
		var err error
		fee, err = cfg.CollectFee(caller)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("tranche", id.String()).Uint64("fee", fee).Msg("fee collected")
	return fee, nil
}

// Update changes flags or thresholds.
func (s *Service) Update(ctx context.Context, id uuid.UUID, caller common.Address, in UpdateInput) (*Config, error) {
	cfg, err := s.Mutate(ctx, id, func(cfg *Config) error {
		return cfg.Update(caller, in)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("tranche", id.String()).
		Stringer("halt_flags", cfg.Data.HaltFlags).
		Stringer("owner_restricted", cfg.Data.OwnerRestricted).
		Msg("tranche updated")
	return cfg, nil
}

// Close removes a tranche with no outstanding tokens.
func (s *Service) Close(ctx context.Context, id uuid.UUID, caller common.Address) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	cfg, err := s.repo.GetTranche(ctx, id)
	if err != nil {
		return err
	}
	if err := cfg.CanClose(caller); err != nil {
		return err
	}
	if err := s.repo.DeleteTranche(ctx, id); err != nil {
		return fmt.Errorf("delete tranche %s: %w", id, err)
	}

	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()

	s.logger.Info().Str("tranche", id.String()).Msg("tranche closed")
	return nil
}
