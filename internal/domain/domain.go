package domain

type Org struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Plan is a pre-authored execution plan an activation runs against.
type Plan struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"draft,active,retired"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type PlanTask struct {
	ID               string  `json:"id"`
	PlanID           string  `json:"plan_id"`
	Title            string  `json:"title"`
	RequiredRole     *string `json:"required_role,omitempty"`
	EstimatedMinutes *int    `json:"estimated_minutes,omitempty"`
	SortOrder        int     `json:"sort_order"`
}

// TaskDependency is an edge in the plan's dependency graph. Type "blocker"
// edges order the critical path; "advisory" edges are hints only.
type TaskDependency struct {
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
	Type      string `json:"type" enum:"blocker,advisory"`
}

type Member struct {
	ID    string   `json:"id"`
	OrgID string   `json:"org_id"`
	Name  string   `json:"name"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// LeaveInterval marks a member as unavailable between From and Until.
type LeaveInterval struct {
	MemberID string `json:"member_id"`
	From     string `json:"from" format:"date-time"`
	Until    string `json:"until" format:"date-time"`
}

type Scenario struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Stakeholder struct {
	ID         string  `json:"id"`
	ScenarioID string  `json:"scenario_id"`
	Name       string  `json:"name"`
	Role       string  `json:"role,omitempty"`
	Contact    *string `json:"contact,omitempty"`
}

// Playbook carries the response parameters a plan is activated with,
// including the pre-approved budget per category.
type Playbook struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type PlaybookBudget struct {
	PlaybookID string  `json:"playbook_id"`
	Category   string  `json:"category"`
	Amount     float64 `json:"amount"`
}

// Activation is the durable record of one plan activation. Status moves
// in_progress -> completed|failed; Outcome is set on completion.
type Activation struct {
	ID            string  `json:"id"`
	OrgID         string  `json:"org_id"`
	ScenarioID    *string `json:"scenario_id,omitempty"`
	PlanID        string  `json:"plan_id"`
	PlaybookID    string  `json:"playbook_id"`
	TriggeredBy   string  `json:"triggered_by,omitempty"`
	Status        string  `json:"status" enum:"in_progress,completed,failed"`
	CurrentPhase  string  `json:"current_phase" enum:"immediate,short_term,long_term"`
	StartedAt     string  `json:"started_at" format:"date-time"`
	DeadlineAt    string  `json:"deadline_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	Outcome       *string `json:"outcome,omitempty" enum:"successful,partially_successful,failed"`
	ActualMinutes *int    `json:"actual_minutes,omitempty"`
	Notes         string  `json:"notes,omitempty"`
}

// ActivationEvent is one append-only audit entry for a pipeline step attempt.
type ActivationEvent struct {
	ID           int64   `json:"id"`
	ActivationID *string `json:"activation_id,omitempty"`
	OrgID        string  `json:"org_id"`
	Type         string  `json:"type"`
	Success      bool    `json:"success"`
	DurationMs   int64   `json:"duration_ms"`
	ActorID      string  `json:"actor_id,omitempty"`
	TS           string  `json:"ts" format:"date-time"`
	Payload      string  `json:"payload_json"`
}

type Acknowledgment struct {
	ID            string `json:"id"`
	ActivationID  string `json:"activation_id"`
	StakeholderID string `json:"stakeholder_id"`
	Status        string `json:"status" enum:"pending,acknowledged"`
	Notified      bool   `json:"notified"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Document struct {
	ID           string `json:"id"`
	ActivationID string `json:"activation_id"`
	Type         string `json:"type" enum:"briefing,stakeholder_update,execution_checklist"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// ProjectSync records the external project created for an activation and the
// mapping from internal task ids to external ones. At most one per activation.
type ProjectSync struct {
	ActivationID string            `json:"activation_id"`
	Platform     string            `json:"platform"`
	ProjectKey   string            `json:"project_key"`
	ProjectURL   string            `json:"project_url,omitempty"`
	TaskMappings map[string]string `json:"task_mappings,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
}

type BudgetUnlock struct {
	ID           string  `json:"id"`
	ActivationID string  `json:"activation_id"`
	Category     string  `json:"category"`
	Amount       float64 `json:"amount"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID           string `json:"id"`
	ActivationID string `json:"activation_id"`
	Recipient    string `json:"recipient"`
	Subject      string `json:"subject"`
	Body         string `json:"body,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// ReadinessSnapshot is a persisted evaluation result with a short validity window.
type ReadinessSnapshot struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	PlanID      string `json:"plan_id"`
	CanProceed  bool   `json:"can_proceed"`
	Score       int    `json:"score"`
	ResultJSON  string `json:"result_json"`
	EvaluatedAt string `json:"evaluated_at" format:"date-time"`
	ValidUntil  string `json:"valid_until" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
