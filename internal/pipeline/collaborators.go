package pipeline

import (
	"context"

	"readyline/internal/domain"
)

// SyncedProject is the result of creating a project on an external platform.
type SyncedProject struct {
	ProjectKey   string            `json:"project_key"`
	ProjectURL   string            `json:"project_url,omitempty"`
	TaskMappings map[string]string `json:"task_mappings,omitempty"`
}

// SyncTarget creates a project on one external platform and maps plan tasks
// to external identifiers.
type SyncTarget interface {
	CreateProject(ctx context.Context, name string, tasks []domain.PlanTask) (SyncedProject, error)
}

// DocumentVars is the fixed variable set passed to the renderer per document.
type DocumentVars struct {
	OrgName        string
	PlanName       string
	PlaybookName   string
	Description    string
	ActivationTime string
	Deadline       string
	TaskCount      int
}

// Renderer produces the text of one standard document type.
type Renderer interface {
	Render(docType string, vars DocumentVars) (string, error)
}

// RecordStore persists the artifacts each step produces. The repo
// satisfies it.
type RecordStore interface {
	InsertProjectSync(ctx context.Context, ps domain.ProjectSync) error
	InsertDocument(ctx context.Context, d domain.Document) error
	InsertNotification(ctx context.Context, n domain.Notification) error
	InsertAcknowledgment(ctx context.Context, a domain.Acknowledgment) error
	InsertBudgetUnlock(ctx context.Context, b domain.BudgetUnlock) error
}

// ChatMessage is the payload pushed to the external chat system.
type ChatMessage struct {
	Channel      string `json:"channel,omitempty"`
	Text         string `json:"text"`
	ActivationID string `json:"activation_id"`
}

// ChatNotifier pushes a best-effort message to an external chat system. The
// pipeline never waits on it and never surfaces its errors in the result.
type ChatNotifier interface {
	Notify(ctx context.Context, msg ChatMessage) error
}
