package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/migrate"
	"readyline/internal/pipeline"
	"readyline/internal/repo"
)

type fakeSync struct {
	fail bool
}

func (f fakeSync) CreateProject(ctx context.Context, name string, tasks []domain.PlanTask) (pipeline.SyncedProject, error) {
	if f.fail {
		return pipeline.SyncedProject{}, errors.New("upstream unavailable")
	}
	mappings := map[string]string{}
	for i, t := range tasks {
		mappings[t.ID] = fmt.Sprintf("EXT-%d", i+1)
	}
	return pipeline.SyncedProject{ProjectKey: "EXT", ProjectURL: "https://tracker.example/EXT", TaskMappings: mappings}, nil
}

type failingRenderer struct{}

func (failingRenderer) Render(docType string, vars pipeline.DocumentVars) (string, error) {
	return "", errors.New("template broken")
}

// faultStore refuses acknowledgment and budget writes, passing the rest
// through to the embedded store.
type faultStore struct {
	pipeline.RecordStore
}

func (faultStore) InsertAcknowledgment(ctx context.Context, a domain.Acknowledgment) error {
	return errors.New("acknowledgments table locked")
}

func (faultStore) InsertBudgetUnlock(ctx context.Context, b domain.BudgetUnlock) error {
	return errors.New("budget_unlocks table locked")
}

type fakeChat struct {
	sent chan pipeline.ChatMessage
}

func (f *fakeChat) Notify(ctx context.Context, msg pipeline.ChatMessage) error {
	f.sent <- msg
	return nil
}

type testEnv struct {
	Pipeline pipeline.Pipeline
	Chat     *fakeChat
	Clock    *time.Time
	Ctx      context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	seed(t, ctx, r)

	clock := time.Date(2024, 3, 4, 10, 0, 0, 0, time.Local)
	now := func() time.Time { return clock }
	chat := &fakeChat{sent: make(chan pipeline.ChatMessage, 4)}
	p := pipeline.New(conn, config.Default("org-1"))
	p.Now = now
	p.Evaluator.Now = now
	p.Sync = map[string]pipeline.SyncTarget{"jira": fakeSync{}}
	p.Chat = chat
	p.Logger = log.New(io.Discard, "", 0)
	return &testEnv{Pipeline: p, Chat: chat, Clock: &clock, Ctx: ctx}
}

func seed(t *testing.T, ctx context.Context, r repo.Repo) {
	t.Helper()
	must := func(err error) {
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(r.InsertOrg(ctx, nil, domain.Org{ID: "org-1", Name: "Acme", Status: "active", CreatedAt: "2024-01-01T00:00:00Z"}))
	must(r.InsertPlan(ctx, nil, domain.Plan{ID: "plan-1", OrgID: "org-1", Name: "Outage response", Status: "active", CreatedAt: "2024-01-01T00:00:00Z"}))
	role := "responder"
	minutes := 30
	must(r.InsertPlanTask(ctx, nil, domain.PlanTask{ID: "t1", PlanID: "plan-1", Title: "Contain", RequiredRole: &role, EstimatedMinutes: &minutes, SortOrder: 0}))
	must(r.InsertPlanTask(ctx, nil, domain.PlanTask{ID: "t2", PlanID: "plan-1", Title: "Notify", SortOrder: 1}))
	must(r.InsertMember(ctx, nil, domain.Member{ID: "m1", OrgID: "org-1", Name: "Morgan", Roles: []string{"responder"}}))
	must(r.InsertPlaybook(ctx, nil, domain.Playbook{ID: "pb-1", OrgID: "org-1", Name: "Sev-1 playbook", CreatedAt: "2024-01-01T00:00:00Z"}))
	must(r.SetPlaybookBudget(ctx, domain.PlaybookBudget{PlaybookID: "pb-1", Category: "vendor_support", Amount: 5000}))
	must(r.SetPlaybookBudget(ctx, domain.PlaybookBudget{PlaybookID: "pb-1", Category: "travel", Amount: 1500}))
	must(r.InsertScenario(ctx, nil, domain.Scenario{ID: "sc-1", OrgID: "org-1", Name: "Regional outage", CreatedAt: "2024-01-01T00:00:00Z"}))
	contact := "ops@example.com"
	must(r.InsertStakeholder(ctx, nil, domain.Stakeholder{ID: "st-1", ScenarioID: "sc-1", Name: "Ops lead", Role: "lead", Contact: &contact}))
	must(r.InsertStakeholder(ctx, nil, domain.Stakeholder{ID: "st-2", ScenarioID: "sc-1", Name: "Legal", Role: "counsel"}))
}

func request() pipeline.Request {
	return pipeline.Request{
		OrgID:        "org-1",
		ScenarioID:   "sc-1",
		PlanID:       "plan-1",
		PlaybookID:   "pb-1",
		TriggeredBy:  "tester",
		SyncPlatform: "jira",
	}
}

func TestActivateHappyPath(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Pipeline.Activate(env.Ctx, request())
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, errors: %v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("expected clean run, got %v", res.Errors)
	}
	if res.Activation == nil {
		t.Fatalf("expected activation record")
	}

	started, err := time.Parse(time.RFC3339, res.Activation.StartedAt)
	if err != nil {
		t.Fatalf("parse started_at: %v", err)
	}
	deadline, err := time.Parse(time.RFC3339, res.Activation.DeadlineAt)
	if err != nil {
		t.Fatalf("parse deadline_at: %v", err)
	}
	if got := deadline.Sub(started); got != 12*time.Minute {
		t.Fatalf("expected exactly 12m window, got %v", got)
	}

	if res.DocumentsGenerated != 3 {
		t.Fatalf("expected 3 documents, got %d", res.DocumentsGenerated)
	}
	if res.StakeholdersNotified != 2 {
		t.Fatalf("expected 2 stakeholders, got %d", res.StakeholdersNotified)
	}
	if res.SyncedTasks != 2 {
		t.Fatalf("expected 2 synced tasks, got %d", res.SyncedTasks)
	}
	if res.BudgetUnlocked != 6500 {
		t.Fatalf("expected 6500 budget, got %v", res.BudgetUnlocked)
	}
	if res.Readiness == nil || !res.Readiness.CanProceed {
		t.Fatalf("expected readiness verdict on result")
	}

	events, err := env.Pipeline.Repo.EventsAfter(env.Ctx, 50, 0, "org-1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []string{
		"preflight_passed",
		"activation_started",
		"project_created",
		"documents_generated",
		"stakeholders_notified",
		"budget_unlocked",
		"activation_completed",
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], e.Type)
		}
		if !e.Success {
			t.Fatalf("event %s recorded as failed", e.Type)
		}
	}

	select {
	case msg := <-env.Chat.sent:
		if msg.ActivationID != res.Activation.ID {
			t.Fatalf("chat message for wrong activation: %s", msg.ActivationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected chat push")
	}
}

func TestActivatePartialSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.Pipeline.Sync = map[string]pipeline.SyncTarget{"jira": fakeSync{fail: true}}
	env.Pipeline.Renderer = failingRenderer{}
	env.Pipeline.Store = faultStore{RecordStore: env.Pipeline.Repo}

	res, err := env.Pipeline.Activate(env.Ctx, request())
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	// once the instance exists, step failures degrade, never abort
	if !res.Success {
		t.Fatalf("expected success despite step failures")
	}
	if len(res.Errors) != 4 {
		t.Fatalf("expected 4 step errors, got %v", res.Errors)
	}
	if res.SyncedTasks != 0 || res.DocumentsGenerated != 0 {
		t.Fatalf("failed steps should not report progress: %+v", res)
	}
	if res.StakeholdersNotified != 0 || res.BudgetUnlocked != 0 {
		t.Fatalf("failed steps should not report progress: %+v", res)
	}

	events, err := env.Pipeline.Repo.EventsAfter(env.Ctx, 50, 0, "org-1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	byType := map[string]bool{}
	for _, e := range events {
		byType[e.Type] = e.Success
	}
	for _, name := range []string{"project_created", "documents_generated", "stakeholders_notified", "budget_unlocked"} {
		if byType[name] {
			t.Fatalf("step %s must audit as a failure", name)
		}
	}
	if !byType["preflight_passed"] || !byType["activation_started"] || !byType["activation_completed"] {
		t.Fatalf("lifecycle events must audit as successes: %v", byType)
	}
}

func TestActivateReadinessGateRefuses(t *testing.T) {
	env := newTestEnv(t)
	// an unstaffed role makes the verdict blocking
	role := "negotiator"
	if err := env.Pipeline.Repo.InsertPlanTask(env.Ctx, nil, domain.PlanTask{ID: "t3", PlanID: "plan-1", Title: "Negotiate", RequiredRole: &role, SortOrder: 2}); err != nil {
		t.Fatal(err)
	}

	res, err := env.Pipeline.Activate(env.Ctx, request())
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if res.Success {
		t.Fatalf("expected refusal")
	}
	if res.Activation != nil {
		t.Fatalf("no record may exist after a refused gate")
	}
	if res.Readiness == nil || res.Readiness.CanProceed {
		t.Fatalf("expected blocking readiness verdict")
	}

	items, err := env.Pipeline.Repo.ListActivations(env.Ctx, "org-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no activation rows, got %d", len(items))
	}
	events, err := env.Pipeline.Repo.EventsAfter(env.Ctx, 10, 0, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != "preflight_failed" {
		t.Fatalf("expected single preflight_failed event, got %v", events)
	}
}

func TestActivateSkipPreflight(t *testing.T) {
	env := newTestEnv(t)
	role := "negotiator"
	if err := env.Pipeline.Repo.InsertPlanTask(env.Ctx, nil, domain.PlanTask{ID: "t3", PlanID: "plan-1", Title: "Negotiate", RequiredRole: &role, SortOrder: 2}); err != nil {
		t.Fatal(err)
	}

	req := request()
	req.SkipPreflight = true
	res, err := env.Pipeline.Activate(env.Ctx, req)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !res.Success {
		t.Fatalf("skip-preflight should bypass the gate: %v", res.Errors)
	}
	if res.Readiness != nil {
		t.Fatalf("no verdict expected when the gate is skipped")
	}
	events, err := env.Pipeline.Repo.EventsAfter(env.Ctx, 50, 0, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range events {
		if strings.HasPrefix(e.Type, "preflight") {
			t.Fatalf("unexpected gate event %s", e.Type)
		}
	}
}

func TestActivateRejectsSecondRunningActivation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Pipeline.Activate(env.Ctx, request()); err != nil {
		t.Fatalf("first activate: %v", err)
	}
	res, err := env.Pipeline.Activate(env.Ctx, request())
	if !errors.Is(err, repo.ErrActivationRunning) {
		t.Fatalf("expected ErrActivationRunning, got %v", err)
	}
	if res.Success {
		t.Fatalf("duplicate must not succeed")
	}
}

func TestActivateUnknownSyncPlatform(t *testing.T) {
	env := newTestEnv(t)
	req := request()
	req.SyncPlatform = "linear"
	if _, err := env.Pipeline.Activate(env.Ctx, req); err == nil {
		t.Fatalf("expected unconfigured platform error")
	}
}

func TestCompleteRecordsOutcome(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Pipeline.Activate(env.Ctx, request())
	if err != nil || !res.Success {
		t.Fatalf("activate: %v %v", err, res.Errors)
	}

	*env.Clock = env.Clock.Add(9 * time.Minute)
	act, err := env.Pipeline.Complete(env.Ctx, res.Activation.ID, "successful", "restored", "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if act.Status != "completed" {
		t.Fatalf("expected completed, got %s", act.Status)
	}
	if act.Outcome == nil || *act.Outcome != "successful" {
		t.Fatalf("outcome not recorded: %+v", act)
	}
	if act.ActualMinutes == nil || *act.ActualMinutes != 9 {
		t.Fatalf("expected 9 actual minutes, got %v", act.ActualMinutes)
	}

	// completing twice is a conflict
	if _, err := env.Pipeline.Complete(env.Ctx, res.Activation.ID, "successful", "", "tester"); err == nil {
		t.Fatalf("expected error on double completion")
	}

	view, err := env.Pipeline.Status(env.Ctx, res.Activation.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	last := view.Events[len(view.Events)-1]
	if last.Type != "outcome_recorded" {
		t.Fatalf("expected outcome_recorded last, got %s", last.Type)
	}
}

func TestCompleteRejectsInvalidOutcome(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Pipeline.Activate(env.Ctx, request())
	if err != nil || !res.Success {
		t.Fatalf("activate: %v", err)
	}
	if _, err := env.Pipeline.Complete(env.Ctx, res.Activation.ID, "great", "", "tester"); err == nil {
		t.Fatalf("expected invalid outcome error")
	}
}

func TestStatusAggregatesEverything(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Pipeline.Activate(env.Ctx, request())
	if err != nil || !res.Success {
		t.Fatalf("activate: %v", err)
	}
	view, err := env.Pipeline.Status(env.Ctx, res.Activation.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Activation.ID != res.Activation.ID {
		t.Fatalf("wrong activation: %s", view.Activation.ID)
	}
	if len(view.Documents) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(view.Documents))
	}
	if len(view.Acknowledgments) != 2 {
		t.Fatalf("expected 2 acknowledgments, got %d", len(view.Acknowledgments))
	}
	if view.Sync == nil || view.Sync.Platform != "jira" || len(view.Sync.TaskMappings) != 2 {
		t.Fatalf("sync record incomplete: %+v", view.Sync)
	}
	if len(view.BudgetUnlocks) != 2 {
		t.Fatalf("expected 2 budget unlocks, got %d", len(view.BudgetUnlocks))
	}
	if len(view.Events) == 0 {
		t.Fatalf("expected activation events")
	}
	// the gate event belongs to the activation and opens its log
	if view.Events[0].Type != "preflight_passed" {
		t.Fatalf("expected preflight_passed first, got %s", view.Events[0].Type)
	}
	if view.Events[1].Type != "activation_started" {
		t.Fatalf("expected activation_started second, got %s", view.Events[1].Type)
	}
}

func TestStatusUnknownIDIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Pipeline.Status(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
