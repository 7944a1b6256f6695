package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"readyline/internal/config"
	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/readiness"
	"readyline/internal/repo"
)

// DeadlineWindow is the fixed execution window starting at instance creation.
const DeadlineWindow = 12 * time.Minute

// Pipeline drives one plan activation: an optional readiness gate, gating
// instance creation, then the independent side-effecting steps. Gate and
// creation failures abort; independent step failures are captured into the
// result's error list and never flip Success once the record exists.
type Pipeline struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Evaluator readiness.Evaluator
	Sync      map[string]SyncTarget
	Renderer  Renderer
	Chat      ChatNotifier
	Store     RecordStore
	Logger    *log.Logger
	Now       func() time.Time
}

// New wires a pipeline with the default collaborators built from config.
func New(db *sql.DB, cfg *config.Config) Pipeline {
	r := repo.Repo{DB: db}
	p := Pipeline{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Evaluator: readiness.New(r, cfg),
		Renderer:  NewTemplateRenderer(),
		Store:     r,
		Now:       time.Now,
	}
	if cfg != nil {
		p.Sync = syncTargetsFromConfig(cfg)
		if cfg.Chat.WebhookURL != "" {
			p.Chat = NewWebhookChat(cfg.Chat)
		}
	}
	return p
}

func (p Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Pipeline) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

func (p Pipeline) store() RecordStore {
	if p.Store != nil {
		return p.Store
	}
	return p.Repo
}

// Request asks for one activation of a plan. Immutable input.
type Request struct {
	OrgID         string
	ScenarioID    string
	PlanID        string
	PlaybookID    string
	TriggeredBy   string
	SyncPlatform  string
	SkipPreflight bool
}

// ActivationResult aggregates the outcome of one activation attempt. A true Success
// with a non-empty Errors list means the clock is running but some
// supporting actions did not complete.
type ActivationResult struct {
	Success              bool               `json:"success"`
	Activation           *domain.Activation `json:"activation,omitempty"`
	Readiness            *readiness.Result  `json:"readiness,omitempty"`
	Errors               []string           `json:"errors,omitempty"`
	DocumentsGenerated   int                `json:"documents_generated"`
	StakeholdersNotified int                `json:"stakeholders_notified"`
	SyncedTasks          int                `json:"synced_tasks"`
	BudgetUnlocked       float64            `json:"budget_unlocked"`
	ElapsedMs            int64              `json:"elapsed_ms"`
}

// step is one independent pipeline action. Non-gating steps run in fixed
// order with uniform bookkeeping: one audit event per attempt, errors
// swallowed into the result.
type step struct {
	name   string
	run    func(ctx context.Context, res *ActivationResult) (events.EventPayload, error)
	enable bool
}

// Activate runs the activation pipeline for the request.
func (p Pipeline) Activate(ctx context.Context, req Request) (ActivationResult, error) {
	var res ActivationResult
	started := p.now()
	actor := req.TriggeredBy

	if req.SyncPlatform != "" {
		if _, ok := p.Sync[req.SyncPlatform]; !ok {
			return res, fmt.Errorf("sync platform %s not configured", req.SyncPlatform)
		}
	}

	// Readiness gate. Gating: a blocking verdict refuses the activation
	// before any record exists. A passed gate is recorded together with the
	// activation so its event carries the activation id and precedes
	// activation_started in the log.
	var gateEntry *events.Entry
	if !req.SkipPreflight {
		gateStart := p.now()
		verdict, err := p.Evaluator.Evaluate(ctx, req.PlanID, req.OrgID, nil)
		gateDur := p.now().Sub(gateStart)
		if err != nil {
			p.appendEvent(ctx, events.Entry{
				Type: "preflight_failed", OrgID: req.OrgID, ActorID: actor,
				Duration: gateDur, Payload: events.EventPayload{"error": err.Error()},
			})
			res.Errors = append(res.Errors, fmt.Sprintf("readiness gate: %v", err))
			return res, nil
		}
		res.Readiness = &verdict
		if !verdict.CanProceed {
			p.appendEvent(ctx, events.Entry{
				Type: "preflight_failed", OrgID: req.OrgID, ActorID: actor,
				Duration: gateDur, Payload: events.EventPayload{"score": verdict.Score, "warnings": len(verdict.Warnings)},
			})
			res.Errors = append(res.Errors, "readiness gate: blocking warnings present")
			return res, nil
		}
		gateEntry = &events.Entry{
			Type: "preflight_passed", OrgID: req.OrgID, ActorID: actor, Success: true,
			Duration: gateDur, Payload: events.EventPayload{"score": verdict.Score, "warnings": len(verdict.Warnings)},
		}
	}

	// Instance creation. Gating: if this fails the whole activation fails.
	act, err := p.createInstance(ctx, req, actor, gateEntry)
	if err != nil {
		if gateEntry != nil {
			p.appendEvent(ctx, *gateEntry)
		}
		p.appendEvent(ctx, events.Entry{
			Type: "activation_failed", OrgID: req.OrgID, ActorID: actor,
			Payload: events.EventPayload{"error": err.Error()},
		})
		res.Errors = append(res.Errors, err.Error())
		if errors.Is(err, repo.ErrActivationRunning) {
			return res, err
		}
		return res, nil
	}
	res.Activation = &act
	res.Success = true

	steps := []step{
		{name: "project_created", enable: req.SyncPlatform != "", run: func(ctx context.Context, res *ActivationResult) (events.EventPayload, error) {
			return p.syncProject(ctx, act, req.SyncPlatform, res)
		}},
		{name: "documents_generated", enable: true, run: func(ctx context.Context, res *ActivationResult) (events.EventPayload, error) {
			return p.generateDocuments(ctx, act, res)
		}},
		{name: "stakeholders_notified", enable: true, run: func(ctx context.Context, res *ActivationResult) (events.EventPayload, error) {
			return p.notifyStakeholders(ctx, act, res)
		}},
		{name: "budget_unlocked", enable: true, run: func(ctx context.Context, res *ActivationResult) (events.EventPayload, error) {
			return p.unlockBudgets(ctx, act, res)
		}},
	}
	for _, s := range steps {
		if !s.enable {
			continue
		}
		p.runStep(ctx, s, act, actor, &res)
	}

	elapsed := p.now().Sub(started)
	res.ElapsedMs = elapsed.Milliseconds()
	p.appendEvent(ctx, events.Entry{
		Type: "activation_completed", ActivationID: act.ID, OrgID: act.OrgID, ActorID: actor,
		Success: true, Duration: elapsed,
		Payload: events.EventPayload{
			"documents_generated":   res.DocumentsGenerated,
			"stakeholders_notified": res.StakeholdersNotified,
			"synced_tasks":          res.SyncedTasks,
			"budget_unlocked":       res.BudgetUnlocked,
			"errors":                len(res.Errors),
		},
	})
	return res, nil
}

// runStep executes one independent step: measure, attempt, append an audit
// event either way, and swallow the failure into the result's error list.
func (p Pipeline) runStep(ctx context.Context, s step, act domain.Activation, actor string, res *ActivationResult) {
	stepStart := p.now()
	payload, err := s.run(ctx, res)
	dur := p.now().Sub(stepStart)
	if err != nil {
		p.appendEvent(ctx, events.Entry{
			Type: s.name, ActivationID: act.ID, OrgID: act.OrgID, ActorID: actor,
			Duration: dur, Payload: events.EventPayload{"error": err.Error()},
		})
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", s.name, err))
		return
	}
	p.appendEvent(ctx, events.Entry{
		Type: s.name, ActivationID: act.ID, OrgID: act.OrgID, ActorID: actor,
		Success: true, Duration: dur, Payload: payload,
	})
}

func (p Pipeline) createInstance(ctx context.Context, req Request, actor string, gate *events.Entry) (domain.Activation, error) {
	if _, err := p.Repo.GetPlan(ctx, req.PlanID); err != nil {
		return domain.Activation{}, fmt.Errorf("plan %s: %w", req.PlanID, err)
	}
	if _, err := p.Repo.GetPlaybook(ctx, req.PlaybookID); err != nil {
		return domain.Activation{}, fmt.Errorf("playbook %s: %w", req.PlaybookID, err)
	}
	now := p.now().UTC()
	act := domain.Activation{
		ID:           uuid.New().String(),
		OrgID:        req.OrgID,
		PlanID:       req.PlanID,
		PlaybookID:   req.PlaybookID,
		TriggeredBy:  req.TriggeredBy,
		Status:       "in_progress",
		CurrentPhase: "immediate",
		StartedAt:    now.Format(time.RFC3339),
		DeadlineAt:   now.Add(DeadlineWindow).Format(time.RFC3339),
	}
	if req.ScenarioID != "" {
		if _, err := p.Repo.GetScenario(ctx, req.ScenarioID); err != nil {
			return domain.Activation{}, fmt.Errorf("scenario %s: %w", req.ScenarioID, err)
		}
		act.ScenarioID = &req.ScenarioID
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activation{}, err
	}
	defer tx.Rollback()
	if err := p.Repo.InsertActivation(ctx, tx, act); err != nil {
		return domain.Activation{}, fmt.Errorf("create activation: %w", err)
	}
	if gate != nil {
		gate.ActivationID = act.ID
		if err := p.Events.Append(ctx, tx, *gate); err != nil {
			return domain.Activation{}, err
		}
	}
	if err := p.Events.Append(ctx, tx, events.Entry{
		Type: "activation_started", ActivationID: act.ID, OrgID: act.OrgID, ActorID: actor,
		Success: true, Payload: events.EventPayload{"plan_id": act.PlanID, "playbook_id": act.PlaybookID, "deadline_at": act.DeadlineAt},
	}); err != nil {
		return domain.Activation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activation{}, err
	}
	return act, nil
}

func (p Pipeline) syncProject(ctx context.Context, act domain.Activation, platform string, res *ActivationResult) (events.EventPayload, error) {
	target := p.Sync[platform]
	plan, err := p.Repo.GetPlan(ctx, act.PlanID)
	if err != nil {
		return nil, fmt.Errorf("fetch plan: %w", err)
	}
	tasks, err := p.Repo.ListPlanTasks(ctx, act.PlanID)
	if err != nil {
		return nil, fmt.Errorf("fetch plan tasks: %w", err)
	}
	project, err := target.CreateProject(ctx, plan.Name, tasks)
	if err != nil {
		return nil, fmt.Errorf("create external project: %w", err)
	}
	if err := p.store().InsertProjectSync(ctx, domain.ProjectSync{
		ActivationID: act.ID,
		Platform:     platform,
		ProjectKey:   project.ProjectKey,
		ProjectURL:   project.ProjectURL,
		TaskMappings: project.TaskMappings,
		CreatedAt:    p.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, fmt.Errorf("record project sync: %w", err)
	}
	res.SyncedTasks = len(project.TaskMappings)
	return events.EventPayload{"platform": platform, "project_key": project.ProjectKey, "synced_tasks": res.SyncedTasks}, nil
}

func (p Pipeline) generateDocuments(ctx context.Context, act domain.Activation, res *ActivationResult) (events.EventPayload, error) {
	plan, err := p.Repo.GetPlan(ctx, act.PlanID)
	if err != nil {
		return nil, fmt.Errorf("fetch plan: %w", err)
	}
	playbook, err := p.Repo.GetPlaybook(ctx, act.PlaybookID)
	if err != nil {
		return nil, fmt.Errorf("fetch playbook: %w", err)
	}
	tasks, err := p.Repo.ListPlanTasks(ctx, act.PlanID)
	if err != nil {
		return nil, fmt.Errorf("fetch plan tasks: %w", err)
	}
	vars := DocumentVars{
		PlanName:       plan.Name,
		PlaybookName:   playbook.Name,
		Description:    plan.Description,
		ActivationTime: act.StartedAt,
		Deadline:       act.DeadlineAt,
		TaskCount:      len(tasks),
	}
	if p.Config != nil {
		vars.OrgName = p.Config.Org.Name
	}
	docTypes := config.StandardDocuments
	if p.Config != nil && len(p.Config.Documents) > 0 {
		docTypes = p.Config.Documents
	}
	var failures []string
	for _, docType := range docTypes {
		content, err := p.Renderer.Render(docType, vars)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", docType, err))
			continue
		}
		doc := domain.Document{
			ID:           uuid.New().String(),
			ActivationID: act.ID,
			Type:         docType,
			Title:        fmt.Sprintf("%s: %s", documentTitle(docType), plan.Name),
			Content:      content,
			CreatedAt:    p.now().UTC().Format(time.RFC3339),
		}
		if err := p.store().InsertDocument(ctx, doc); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", docType, err))
			continue
		}
		res.DocumentsGenerated++
	}
	if len(failures) > 0 {
		return nil, errors.New(strings.Join(failures, "; "))
	}
	return events.EventPayload{"documents_generated": res.DocumentsGenerated}, nil
}

func (p Pipeline) notifyStakeholders(ctx context.Context, act domain.Activation, res *ActivationResult) (events.EventPayload, error) {
	var stakeholders []domain.Stakeholder
	if act.ScenarioID != nil {
		var err error
		stakeholders, err = p.Repo.ListStakeholders(ctx, *act.ScenarioID)
		if err != nil {
			return nil, fmt.Errorf("fetch stakeholders: %w", err)
		}
	}
	now := p.now().UTC().Format(time.RFC3339)
	for _, s := range stakeholders {
		ack := domain.Acknowledgment{
			ID:            uuid.New().String(),
			ActivationID:  act.ID,
			StakeholderID: s.ID,
			Status:        "pending",
			CreatedAt:     now,
		}
		if s.Contact != nil && *s.Contact != "" {
			if err := p.store().InsertNotification(ctx, domain.Notification{
				ID:           uuid.New().String(),
				ActivationID: act.ID,
				Recipient:    *s.Contact,
				Subject:      fmt.Sprintf("Response plan activated: %s", act.PlanID),
				Body:         fmt.Sprintf("You are listed as a stakeholder. Execution deadline: %s.", act.DeadlineAt),
				CreatedAt:    now,
			}); err != nil {
				return nil, fmt.Errorf("notify %s: %w", s.ID, err)
			}
			ack.Notified = true
		}
		if err := p.store().InsertAcknowledgment(ctx, ack); err != nil {
			return nil, fmt.Errorf("acknowledge %s: %w", s.ID, err)
		}
		res.StakeholdersNotified++
	}
	p.dispatchChat(act, len(stakeholders))
	return events.EventPayload{"stakeholders_notified": res.StakeholdersNotified}, nil
}

// dispatchChat pushes the chat message on a detached goroutine. It never
// joins the critical path; failures are logged and discarded.
func (p Pipeline) dispatchChat(act domain.Activation, stakeholders int) {
	if p.Chat == nil {
		return
	}
	msg := ChatMessage{
		Text:         fmt.Sprintf("Plan %s activated; %d stakeholder(s) notified; deadline %s", act.PlanID, stakeholders, act.DeadlineAt),
		ActivationID: act.ID,
	}
	if p.Config != nil {
		msg.Channel = p.Config.Chat.Channel
	}
	logger := p.logger()
	go func() {
		if err := p.Chat.Notify(context.Background(), msg); err != nil {
			logger.Printf("chat: notify for activation %s failed: %v", act.ID, err)
		}
	}()
}

func (p Pipeline) unlockBudgets(ctx context.Context, act domain.Activation, res *ActivationResult) (events.EventPayload, error) {
	budgets, err := p.Repo.ListPlaybookBudgets(ctx, act.PlaybookID)
	if err != nil {
		return nil, fmt.Errorf("fetch playbook budgets: %w", err)
	}
	now := p.now().UTC().Format(time.RFC3339)
	total := 0.0
	for _, b := range budgets {
		if b.Amount <= 0 {
			continue
		}
		if err := p.store().InsertBudgetUnlock(ctx, domain.BudgetUnlock{
			ID:           uuid.New().String(),
			ActivationID: act.ID,
			Category:     b.Category,
			Amount:       b.Amount,
			CreatedAt:    now,
		}); err != nil {
			return nil, fmt.Errorf("unlock %s: %w", b.Category, err)
		}
		total += b.Amount
	}
	res.BudgetUnlocked = total
	return events.EventPayload{"budget_unlocked": total, "categories": len(budgets)}, nil
}

// appendEvent writes an audit event outside any transaction, logging on
// failure. Audit writes never abort the pipeline on their own.
func (p Pipeline) appendEvent(ctx context.Context, e events.Entry) {
	if err := p.Events.Append(ctx, nil, e); err != nil {
		p.logger().Printf("events: append %s failed: %v", e.Type, err)
	}
}

func documentTitle(docType string) string {
	switch docType {
	case "briefing":
		return "Activation Briefing"
	case "stakeholder_update":
		return "Stakeholder Update"
	case "execution_checklist":
		return "Execution Checklist"
	default:
		return docType
	}
}

// Complete marks the activation completed and records its outcome
// classification with the actual elapsed minutes.
func (p Pipeline) Complete(ctx context.Context, activationID, outcome, notes, actor string) (domain.Activation, error) {
	switch outcome {
	case "successful", "partially_successful", "failed":
	default:
		return domain.Activation{}, fmt.Errorf("invalid outcome %q", outcome)
	}
	act, err := p.Repo.GetActivation(ctx, activationID)
	if err != nil {
		return domain.Activation{}, err
	}
	if act.Status != "in_progress" {
		return act, fmt.Errorf("activation already %s", act.Status)
	}
	now := p.now().UTC()
	startedAt, err := time.Parse(time.RFC3339, act.StartedAt)
	if err != nil {
		return act, fmt.Errorf("parse started_at: %w", err)
	}
	actualMinutes := int(now.Sub(startedAt).Minutes())
	status := "completed"
	if outcome == "failed" {
		status = "failed"
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return act, err
	}
	defer tx.Rollback()
	completedAt := now.Format(time.RFC3339)
	if err := p.Repo.MarkCompleted(ctx, tx, act.ID, status, outcome, completedAt, actualMinutes, notes); err != nil {
		return act, err
	}
	if err := p.Events.Append(ctx, tx, events.Entry{
		Type: "outcome_recorded", ActivationID: act.ID, OrgID: act.OrgID, ActorID: actor,
		Success: true, Payload: events.EventPayload{"outcome": outcome, "actual_minutes": actualMinutes},
	}); err != nil {
		return act, err
	}
	if err := tx.Commit(); err != nil {
		return act, err
	}
	act.Status = status
	act.Outcome = &outcome
	act.CompletedAt = &completedAt
	act.ActualMinutes = &actualMinutes
	if notes != "" {
		act.Notes = notes
	}
	return act, nil
}

// AggregateView assembles everything persisted for one activation.
type AggregateView struct {
	Activation      domain.Activation        `json:"activation"`
	Events          []domain.ActivationEvent `json:"events"`
	Acknowledgments []domain.Acknowledgment  `json:"acknowledgments,omitempty"`
	Documents       []domain.Document        `json:"documents,omitempty"`
	Sync            *domain.ProjectSync      `json:"sync,omitempty"`
	BudgetUnlocks   []domain.BudgetUnlock    `json:"budget_unlocks,omitempty"`
}

// Status re-assembles the full record set for one activation. Returns
// repo.ErrNotFound when the id is unknown.
func (p Pipeline) Status(ctx context.Context, activationID string) (AggregateView, error) {
	act, err := p.Repo.GetActivation(ctx, activationID)
	if err != nil {
		return AggregateView{}, err
	}
	view := AggregateView{Activation: act}
	if view.Events, err = p.Repo.ListActivationEvents(ctx, activationID); err != nil {
		return view, err
	}
	if view.Acknowledgments, err = p.Repo.ListAcknowledgments(ctx, activationID); err != nil {
		return view, err
	}
	if view.Documents, err = p.Repo.ListDocuments(ctx, activationID); err != nil {
		return view, err
	}
	sync, err := p.Repo.GetProjectSync(ctx, activationID)
	if err == nil {
		view.Sync = &sync
	} else if !errors.Is(err, repo.ErrNotFound) {
		return view, err
	}
	if view.BudgetUnlocks, err = p.Repo.ListBudgetUnlocks(ctx, activationID); err != nil {
		return view, err
	}
	return view, nil
}
