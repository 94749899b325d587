package postgres

import (
	"context"
	"fmt"

	"github.com/yoockh/demoforge/internal/models"
	"gorm.io/gorm"
)

// EnsureSchema creates demo_sessions on a fresh database and the index that
// keeps at most one active session per demo. Existing tables are not altered.
func EnsureSchema(ctx context.Context, db *gorm.DB) error {
	m := db.WithContext(ctx).Migrator()
	if !m.HasTable(&models.Session{}) {
		if err := m.CreateTable(&models.Session{}); err != nil {
			return fmt.Errorf("create demo_sessions: %w", err)
		}
	}

	activeFlag, err := DetectActiveFlag(ctx, db)
	if err != nil {
		return err
	}

	predicate := "status = 'active'"
	if activeFlag {
		predicate += " AND is_active IS NOT FALSE"
	}
	stmt := "CREATE UNIQUE INDEX IF NOT EXISTS uniq_demo_sessions_active_demo ON demo_sessions (demo_id) WHERE " + predicate
	if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("create active-session index: %w", err)
	}
	return nil
}

// DetectActiveFlag reports whether demo_sessions carries the is_active column.
// Older deployments predate it; callers then treat every active-status row as live.
func DetectActiveFlag(ctx context.Context, db *gorm.DB) (bool, error) {
	m := db.WithContext(ctx).Migrator()
	if !m.HasTable(&models.Session{}) {
		return false, fmt.Errorf("demo_sessions table does not exist")
	}
	return m.HasColumn(&models.Session{}, "is_active"), nil
}
