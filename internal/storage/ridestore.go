package storage

import (
	"context"
	"sync"

	"github.com/example/driver-dispatch/internal/models"
)

// RideJournal records committed rides and their status changes.
type RideJournal interface {
	SaveRide(ctx context.Context, r *models.CommittedRide) error
	UpdateRide(ctx context.Context, r *models.CommittedRide) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.CommittedRide
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.CommittedRide)}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.CommittedRide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.RideID] = *r
	return nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, r *models.CommittedRide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.RideID] = *r
	return nil
}

func (m *MemoryStore) Get(id string) (models.CommittedRide, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	return r, ok
}
