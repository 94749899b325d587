package models

// DemoSpec is what the caller knows about a demo when asking for a session.
type DemoSpec struct {
	Title         string        `json:"title"`
	Videos        []DemoVideo   `json:"videos"`
	KnowledgeBase string        `json:"knowledge_base"`
	CallToAction  *CallToAction `json:"call_to_action,omitempty"`
	// ReplicaID overrides the configured default avatar when valid.
	ReplicaID string `json:"replica_id,omitempty"`
}

type DemoVideo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	StoragePath string `json:"storage_path,omitempty"`
}

type CallToAction struct {
	Title      string `json:"title,omitempty"`
	ButtonText string `json:"button_text,omitempty"`
	URL        string `json:"url"`
}

func (d DemoSpec) HasCTA() bool {
	return d.CallToAction != nil && d.CallToAction.URL != ""
}
