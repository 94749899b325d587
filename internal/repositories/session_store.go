package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/yoockh/demoforge/internal/models"
)

// ErrDuplicateActive is returned by Insert when the demo already has an active session.
var ErrDuplicateActive = errors.New("active session already exists for demo")

// ErrNotActive is returned by a conditional update when the row exists but has
// already left the active state.
var ErrNotActive = errors.New("session is no longer active")

// SessionStore is everything the coordinator needs from persistence.
// Lookups that find nothing return utils.ErrNotFound.
type SessionStore interface {
	// LatestByDemo returns the most recently created session for demoID.
	// With activeOnly it only considers rows whose status is active and whose
	// is_active flag is true or absent.
	LatestByDemo(ctx context.Context, demoID string, activeOnly bool) (*models.Session, error)
	// ListActive returns every active session across all demos.
	ListActive(ctx context.Context) ([]models.Session, error)
	GetByConversationID(ctx context.Context, conversationID string) (*models.Session, error)
	Insert(ctx context.Context, s *models.Session) error
	UpdateByID(ctx context.Context, id string, u SessionUpdate) error
	UpdateByConversationID(ctx context.Context, conversationID string, u SessionUpdate) error
	// SupportsActiveFlag is resolved once when the store is built.
	SupportsActiveFlag() bool
}

// SessionUpdate is a partial update; nil fields are left untouched.
type SessionUpdate struct {
	Status   *models.SessionStatus
	IsActive *bool
	EndedAt  *time.Time
	// OnlyIfActive applies the update only while the row is still active.
	// A row that exists but is no longer active yields ErrNotActive.
	OnlyIfActive bool
}

// Deactivate builds the update that ends a session with the given terminal status.
// Terminal rows are never rewritten.
func Deactivate(status models.SessionStatus, at time.Time) SessionUpdate {
	inactive := false
	return SessionUpdate{Status: &status, IsActive: &inactive, EndedAt: &at, OnlyIfActive: true}
}

// Columns renders u as a column map; the active flag is dropped when unsupported.
func (u SessionUpdate) Columns(withActiveFlag bool, now time.Time) map[string]any {
	cols := map[string]any{"updated_at": now}
	if u.Status != nil {
		cols["status"] = string(*u.Status)
	}
	if u.IsActive != nil && withActiveFlag {
		cols["is_active"] = *u.IsActive
	}
	if u.EndedAt != nil {
		cols["ended_at"] = u.EndedAt.UTC()
	}
	return cols
}
