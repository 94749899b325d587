package models

import (
	"time"

	"gorm.io/datatypes"
)

type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusAbandoned SessionStatus = "abandoned"
	StatusError     SessionStatus = "error"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusAbandoned, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned || s == StatusError
}

// CanTransition reports whether active -> to is a legal move. Terminal states never move.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	return s == StatusActive && to.Terminal()
}

// Session is one remote conversation tied to one demo. Rows are never deleted.
type Session struct {
	ID     string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	DemoID string `gorm:"column:demo_id;type:text;index" json:"demo_id"`

	RemoteConversationID  string `gorm:"column:remote_conversation_id;type:text;uniqueIndex" json:"remote_conversation_id"`
	RemoteConversationURL string `gorm:"column:remote_conversation_url;type:text" json:"remote_conversation_url"`
	ProviderReplicaID     string `gorm:"column:provider_replica_id;type:text" json:"provider_replica_id"`

	Status SessionStatus `gorm:"column:status;type:text;index" json:"status"`
	// IsActive is nil on rows written before the column existed; nil reads as active.
	IsActive *bool `gorm:"column:is_active" json:"is_active,omitempty"`
	IsMock   bool  `gorm:"column:is_mock" json:"is_mock"`

	ContextSnapshot datatypes.JSON `gorm:"column:context_snapshot;type:jsonb" json:"context_snapshot"`

	CreatedAt time.Time  `gorm:"column:created_at;type:timestamptz;index" json:"created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
	EndedAt   *time.Time `gorm:"column:ended_at;type:timestamptz" json:"ended_at,omitempty"`
}

func (Session) TableName() string { return "demo_sessions" }

// Active mirrors status, honoring a missing is_active as true.
func (s *Session) Active() bool {
	if s == nil || s.Status != StatusActive {
		return false
	}
	return s.IsActive == nil || *s.IsActive
}

// ContextSnapshot describes the demo at session-creation time.
type ContextSnapshot struct {
	DemoID            string    `json:"demo_id"`
	DemoTitle         string    `json:"demo_title"`
	VideoCount        int       `json:"video_count"`
	HasCTA            bool      `json:"has_cta"`
	CreatedAt         time.Time `json:"created_at"`
	ConversationName  string    `json:"conversation_name,omitempty"`
	ProviderStatus    string    `json:"provider_status,omitempty"`
	ProviderReplicaID string    `json:"provider_replica_id,omitempty"`
}
