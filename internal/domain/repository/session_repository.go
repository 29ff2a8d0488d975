// Copyright 2026 Loomgate Authors. All rights reserved.

package repository

import (
	"context"

	"github.com/loomgate/loomgate/internal/domain/entity"
)

// SessionRepository persists session logs. The SessionManager is the only
// caller; it owns the in-memory truth and flushes through this interface.
type SessionRepository interface {
	// Save writes or updates a session with its full message log.
	Save(ctx context.Context, session *entity.Session) error
	// FindByID loads a session. Returns a NOT_FOUND AppError if absent.
	FindByID(ctx context.Context, id string) (*entity.Session, error)
	// FindAll loads every stored session.
	FindAll(ctx context.Context) ([]*entity.Session, error)
	// Delete removes a session from storage. Deleting a missing id is not
	// an error.
	Delete(ctx context.Context, id string) error
}
