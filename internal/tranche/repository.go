package tranche

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
)

// Repository persists tranche configs.
type Repository interface {
	GetTranche(ctx context.Context, id uuid.UUID) (*Config, error)
	ListTranches(ctx context.Context) ([]*Config, error)
	SaveTranche(ctx context.Context, cfg *Config) error
	DeleteTranche(ctx context.Context, id uuid.UUID) error
}

// MemoryRepository keeps tranches in process. Used when no database is configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	tranches map[uuid.UUID]*Config
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tranches: make(map[uuid.UUID]*Config)}
}

func (r *MemoryRepository) GetTranche(_ context.Context, id uuid.UUID) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.tranches[id]
	if !ok {
		return nil, fmt.Errorf("tranche %s: %w", id, errcode.ErrNotFound)
	}
	return cfg.Clone(), nil
}

func (r *MemoryRepository) ListTranches(_ context.Context) ([]*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, 0, len(r.tranches))
	for _, cfg := range r.tranches {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) SaveTranche(_ context.Context, cfg *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tranches[cfg.ID] = cfg.Clone()
	return nil
}

func (r *MemoryRepository) DeleteTranche(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tranches[id]; !ok {
		return fmt.Errorf("tranche %s: %w", id, errcode.ErrNotFound)
	}
	delete(r.tranches, id)
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
