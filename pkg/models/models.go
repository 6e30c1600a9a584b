// Package models defines the persisted data shapes for the memory service.
package models

import "time"

// RecordType discriminates the kind of content a Record holds. Records never
// subclass by behavior — callers and components switch on Type instead.
type RecordType string

const (
	// RecordTypeUserMemory is an explicitly stored caller memory.
	RecordTypeUserMemory RecordType = "user_memory"
	// RecordTypeScreenCapture is a record produced by the screen observer.
	RecordTypeScreenCapture RecordType = "screen_capture"
)

// DefaultUserID is used when no caller-scoped user id is supplied.
const DefaultUserID = "default_user"

// EmbeddingDim is the fixed dimensionality of every stored embedding.
const EmbeddingDim = 384

// MaxSourceTextLen is the maximum length, in characters, of Record.SourceText
// after trimming.
const MaxSourceTextLen = 10000

// Record is the primary entity, stored in the `memory` table.
type Record struct {
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	Type            RecordType `json:"type"`
	SourceText      string     `json:"sourceText"`
	Metadata        string     `json:"metadata"`
	Screenshot      string     `json:"screenshot,omitempty"`
	ExtractedText   string     `json:"extractedText,omitempty"`
	Embedding       []float32  `json:"embedding,omitempty"`
	EmbeddingSource string     `json:"embeddingSource,omitempty"`
}

// Entity is a caller-tagged span associated with a Record, stored in the
// `memory_entities` table.
type Entity struct {
	CreatedAt       time.Time `json:"createdAt"`
	ID              string    `json:"id"`
	MemoryID        string    `json:"memoryId"`
	Entity          string    `json:"entity"`
	Type            string    `json:"type"`
	EntityType      string    `json:"entityType"`
	NormalizedValue string    `json:"normalizedValue"`
}

// SkillPrompt is a semantic-searchable prompt snippet.
type SkillPrompt struct {
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	ID         string    `json:"id"`
	Tags       string    `json:"tags"`
	PromptText string    `json:"promptText"`
	Embedding  []float32 `json:"embedding,omitempty"`
	HitCount   int       `json:"hitCount"`
}

// ContextRuleType enumerates the scope a ContextRule applies to.
type ContextRuleType string

const (
	ContextRuleSite ContextRuleType = "site"
	ContextRuleApp  ContextRuleType = "app"
)

// ContextRule is an exact-match-keyed snippet injected into downstream prompts.
type ContextRule struct {
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	ID          string          `json:"id"`
	ContextType ContextRuleType `json:"contextType"`
	ContextKey  string          `json:"contextKey"`
	RuleText    string          `json:"ruleText"`
	Category    string          `json:"category"`
	Source      string          `json:"source"`
	HitCount    int             `json:"hitCount"`
}

// InstalledSkillExecType enumerates how an installed skill is invoked.
type InstalledSkillExecType string

const (
	ExecTypeNode  InstalledSkillExecType = "node"
	ExecTypeShell InstalledSkillExecType = "shell"
)

// InstalledSkill is a caller-registered named capability.
type InstalledSkill struct {
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	ContractMd  string                 `json:"contractMd"`
	ExecPath    string                 `json:"execPath"`
	ExecType    InstalledSkillExecType `json:"execType"`
	Enabled     bool                   `json:"enabled"`
}
