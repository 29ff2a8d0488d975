// Copyright 2026 Loomgate Authors. All rights reserved.

package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/internal/domain/repository"
	"github.com/loomgate/loomgate/internal/infrastructure/persistence/models"
	domainerrors "github.com/loomgate/loomgate/pkg/errors"
	"gorm.io/gorm"
)

// GormSessionRepository stores sessions in SQLite or Postgres via GORM.
type GormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository creates a GORM-backed session repository.
func NewGormSessionRepository(db *gorm.DB) repository.SessionRepository {
	return &GormSessionRepository{db: db}
}

func (r *GormSessionRepository) Save(ctx context.Context, session *entity.Session) error {
	model, err := toModel(session)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return domainerrors.NewInternalErrorWithCause("failed to save session", err)
	}
	return nil
}

func (r *GormSessionRepository) FindByID(ctx context.Context, id string) (*entity.Session, error) {
	var model models.SessionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainerrors.NewNotFoundError("session not found")
		}
		return nil, domainerrors.NewInternalErrorWithCause("failed to find session", err)
	}
	return toEntity(&model)
}

func (r *GormSessionRepository) FindAll(ctx context.Context) ([]*entity.Session, error) {
	var rows []models.SessionModel
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, domainerrors.NewInternalErrorWithCause("failed to list sessions", err)
	}

	sessions := make([]*entity.Session, 0, len(rows))
	for i := range rows {
		s, err := toEntity(&rows[i])
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (r *GormSessionRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&models.SessionModel{}, "id = ?", id).Error; err != nil {
		return domainerrors.NewInternalErrorWithCause("failed to delete session", err)
	}
	return nil
}

func toModel(s *entity.Session) (*models.SessionModel, error) {
	raw, err := json.Marshal(s.Messages)
	if err != nil {
		return nil, domainerrors.NewInternalErrorWithCause("failed to encode messages", err)
	}
	return &models.SessionModel{
		ID:        s.ID,
		Channel:   s.Channel,
		UserID:    s.UserID,
		Messages:  string(raw),
		Main:      s.Main,
		Elevated:  s.Elevated,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}, nil
}

func toEntity(m *models.SessionModel) (*entity.Session, error) {
	var messages []entity.Message
	if m.Messages != "" {
		if err := json.Unmarshal([]byte(m.Messages), &messages); err != nil {
			return nil, domainerrors.NewInternalErrorWithCause("failed to decode messages", err)
		}
	}
	if messages == nil {
		messages = []entity.Message{}
	}
	return &entity.Session{
		ID:        m.ID,
		Channel:   m.Channel,
		UserID:    m.UserID,
		Messages:  messages,
		Main:      m.Main,
		Elevated:  m.Elevated,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}
