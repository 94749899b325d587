package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/yoockh/demoforge/internal/models"
	"github.com/yoockh/demoforge/internal/repositories"
	"github.com/yoockh/demoforge/internal/utils"
	"gorm.io/gorm"
)

type sessionRepo struct {
	db         *gorm.DB
	activeFlag bool
}

// NewSessionRepo builds the store. activeFlag comes from DetectActiveFlag at startup.
func NewSessionRepo(db *gorm.DB, activeFlag bool) repositories.SessionStore {
	return &sessionRepo{db: db, activeFlag: activeFlag}
}

func (r *sessionRepo) SupportsActiveFlag() bool { return r.activeFlag }

func (r *sessionRepo) active(q *gorm.DB) *gorm.DB {
	q = q.Where("status = ?", models.StatusActive)
	if r.activeFlag {
		q = q.Where("is_active IS NOT FALSE")
	}
	return q
}

func (r *sessionRepo) LatestByDemo(ctx context.Context, demoID string, activeOnly bool) (*models.Session, error) {
	q := r.db.WithContext(ctx).Where("demo_id = ?", demoID)
	if activeOnly {
		q = r.active(q)
	}

	var row models.Session
	err := q.Order("created_at DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *sessionRepo) ListActive(ctx context.Context) ([]models.Session, error) {
	var rows []models.Session
	err := r.active(r.db.WithContext(ctx)).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *sessionRepo) GetByConversationID(ctx context.Context, conversationID string) (*models.Session, error) {
	var row models.Session
	err := r.db.WithContext(ctx).
		Where("remote_conversation_id = ?", conversationID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *sessionRepo) Insert(ctx context.Context, s *models.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}

	q := r.db.WithContext(ctx)
	if !r.activeFlag {
		q = q.Omit("is_active")
	}
	err := q.Create(s).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return repositories.ErrDuplicateActive
	}
	return err
}

func (r *sessionRepo) UpdateByID(ctx context.Context, id string, u repositories.SessionUpdate) error {
	return r.update(ctx, "id = ?", id, u)
}

func (r *sessionRepo) UpdateByConversationID(ctx context.Context, conversationID string, u repositories.SessionUpdate) error {
	return r.update(ctx, "remote_conversation_id = ?", conversationID, u)
}

func (r *sessionRepo) update(ctx context.Context, where string, arg string, u repositories.SessionUpdate) error {
	q := r.db.WithContext(ctx).Model(&models.Session{}).Where(where, arg)
	if u.OnlyIfActive {
		q = r.active(q)
	}
	res := q.Updates(u.Columns(r.activeFlag, time.Now().UTC()))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if !u.OnlyIfActive {
		return utils.ErrNotFound
	}

	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Session{}).Where(where, arg).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return repositories.ErrNotActive
	}
	return utils.ErrNotFound
}
