// Package memory is an in-process SessionStore for local runs and tests.
// It enforces the same single-active-session rule as the database backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yoockh/demoforge/internal/models"
	"github.com/yoockh/demoforge/internal/repositories"
	"github.com/yoockh/demoforge/internal/utils"
)

type SessionRepo struct {
	mu         sync.RWMutex
	rows       []models.Session
	activeFlag bool

	// Fault injection for tests; a non-nil func is consulted before the call.
	FailRead   func() error
	FailInsert func(s *models.Session) error
	FailUpdate func() error
	// UniqueActive toggles the single-active-session constraint. On by default.
	UniqueActive bool
}

func NewSessionRepo() *SessionRepo {
	return &SessionRepo{activeFlag: true, UniqueActive: true}
}

// NewLegacySessionRepo models a schema without the is_active column.
func NewLegacySessionRepo() *SessionRepo {
	return &SessionRepo{activeFlag: false, UniqueActive: true}
}

var _ repositories.SessionStore = (*SessionRepo)(nil)

func (r *SessionRepo) SupportsActiveFlag() bool { return r.activeFlag }

func (r *SessionRepo) readErr() error {
	if r.FailRead != nil {
		return r.FailRead()
	}
	return nil
}

func (r *SessionRepo) LatestByDemo(_ context.Context, demoID string, activeOnly bool) (*models.Session, error) {
	if err := r.readErr(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *models.Session
	for i := range r.rows {
		row := &r.rows[i]
		if row.DemoID != demoID {
			continue
		}
		if activeOnly && !row.Active() {
			continue
		}
		if best == nil || !row.CreatedAt.Before(best.CreatedAt) {
			best = row
		}
	}
	if best == nil {
		return nil, utils.ErrNotFound
	}
	out := clone(*best)
	return &out, nil
}

func (r *SessionRepo) ListActive(_ context.Context) ([]models.Session, error) {
	if err := r.readErr(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Session
	for _, row := range r.rows {
		if row.Active() {
			out = append(out, clone(row))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *SessionRepo) GetByConversationID(_ context.Context, conversationID string) (*models.Session, error) {
	if err := r.readErr(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, row := range r.rows {
		if row.RemoteConversationID == conversationID {
			out := clone(row)
			return &out, nil
		}
	}
	return nil, utils.ErrNotFound
}

func (r *SessionRepo) Insert(_ context.Context, s *models.Session) error {
	if r.FailInsert != nil {
		if err := r.FailInsert(s); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if !r.activeFlag {
		s.IsActive = nil
	}
	if r.UniqueActive && s.Active() {
		for _, row := range r.rows {
			if row.DemoID == s.DemoID && row.Active() {
				return repositories.ErrDuplicateActive
			}
		}
	}
	r.rows = append(r.rows, clone(*s))
	return nil
}

func (r *SessionRepo) UpdateByID(_ context.Context, id string, u repositories.SessionUpdate) error {
	return r.update(func(s *models.Session) bool { return s.ID == id }, u)
}

func (r *SessionRepo) UpdateByConversationID(_ context.Context, conversationID string, u repositories.SessionUpdate) error {
	return r.update(func(s *models.Session) bool { return s.RemoteConversationID == conversationID }, u)
}

func (r *SessionRepo) update(match func(*models.Session) bool, u repositories.SessionUpdate) error {
	if r.FailUpdate != nil {
		if err := r.FailUpdate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	found, stale := false, false
	for i := range r.rows {
		row := &r.rows[i]
		if !match(row) {
			continue
		}
		if u.OnlyIfActive && !row.Active() {
			stale = true
			continue
		}
		found = true
		if u.Status != nil {
			row.Status = *u.Status
		}
		if u.IsActive != nil && r.activeFlag {
			v := *u.IsActive
			row.IsActive = &v
		}
		if u.EndedAt != nil {
			t := u.EndedAt.UTC()
			row.EndedAt = &t
		}
		row.UpdatedAt = time.Now().UTC()
	}
	if !found {
		if stale {
			return repositories.ErrNotActive
		}
		return utils.ErrNotFound
	}
	return nil
}

// All returns a snapshot of every row, oldest first.
func (r *SessionRepo) All() []models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Session, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, clone(row))
	}
	return out
}

// CountActive returns the number of active rows for demoID.
func (r *SessionRepo) CountActive(demoID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, row := range r.rows {
		if row.DemoID == demoID && row.Active() {
			n++
		}
	}
	return n
}

func clone(s models.Session) models.Session {
	if s.IsActive != nil {
		v := *s.IsActive
		s.IsActive = &v
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	if s.ContextSnapshot != nil {
		s.ContextSnapshot = append([]byte(nil), s.ContextSnapshot...)
	}
	return s
}
