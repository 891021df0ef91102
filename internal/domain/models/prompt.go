package models

import "time"

// PromptVersion is immutable prompt text plus lineage.
type PromptVersion struct {
	ID           string    `json:"id"`
	EvaluationID string    `json:"evaluation_id,omitempty"`
	Content      string    `json:"content"`
	Version      int       `json:"version"`
	ParentID     string    `json:"parent_id,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewChildVersion derives a new version from parent. The parent is never mutated.
// Siblings share a parent, so the version number is supplied by the caller.
func NewChildVersion(id string, parent *PromptVersion, version int, content, description string) *PromptVersion {
	return &PromptVersion{
		ID:           id,
		EvaluationID: parent.EvaluationID,
		Content:      content,
		Version:      version,
		ParentID:     parent.ID,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
	}
}

// Persona is a scripted synthetic-customer behavior profile.
type Persona struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Traits         []string `json:"traits"`
	BehaviorPrompt string   `json:"behavior_prompt"`
	Voice          string   `json:"voice,omitempty"`
}
