// Copyright 2026 Loomgate Authors. All rights reserved.

package persistence

import (
	"context"
	"sync"

	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/repository"
	domainerrors "github.com/loomgate/loomgate/pkg/errors"
)

// MemorySessionRepository keeps sessions in process memory. Used by tests
// and by deployments that opt out of durable storage.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*entity.Session
}

// NewMemorySessionRepository creates an empty in-memory repository.
func NewMemorySessionRepository() repository.SessionRepository {
	return &MemorySessionRepository{sessions: make(map[string]*entity.Session)}
}

func (r *MemorySessionRepository) Save(ctx context.Context, session *entity.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *MemorySessionRepository) FindByID(ctx context.Context, id string) (*entity.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domainerrors.NewNotFoundError("session not found")
	}
	return s.Clone(), nil
}

func (r *MemorySessionRepository) FindAll(ctx context.Context) ([]*entity.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entity.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}
