package models

import "time"

// SessionDescriptor is what callers receive from the coordinator.
// IsMock is always serialized: a mock session is never billable or durable.
type SessionDescriptor struct {
	SessionID       string        `json:"session_id,omitempty"`
	DemoID          string        `json:"demo_id"`
	ConversationID  string        `json:"conversation_id"`
	ConversationURL string        `json:"conversation_url"`
	ReplicaID       string        `json:"replica_id"`
	Status          SessionStatus `json:"status"`
	IsMock          bool          `json:"is_mock"`
	Reused          bool          `json:"reused"`
	Warning         string        `json:"warning,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

func DescriptorFromSession(s *Session, reused bool) *SessionDescriptor {
	return &SessionDescriptor{
		SessionID:       s.ID,
		DemoID:          s.DemoID,
		ConversationID:  s.RemoteConversationID,
		ConversationURL: s.RemoteConversationURL,
		ReplicaID:       s.ProviderReplicaID,
		Status:          s.Status,
		IsMock:          s.IsMock,
		Reused:          reused,
		CreatedAt:       s.CreatedAt,
	}
}
