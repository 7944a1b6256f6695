package readiness_test

import (
	"context"
	"testing"
	"time"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/migrate"
	"readyline/internal/readiness"
	"readyline/internal/repo"
)

type testEnv struct {
	Repo repo.Repo
	Eval readiness.Evaluator
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.InsertOrg(ctx, nil, domain.Org{ID: "org-1", Name: "test", Status: "active", CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	ev := readiness.New(r, config.Default("org-1"))
	ev.Now = func() time.Time { return time.Date(2024, 3, 4, 10, 0, 0, 0, time.Local) }
	return testEnv{Repo: r, Eval: ev, Ctx: ctx}
}

func seedPlan(t *testing.T, env testEnv, tasks ...domain.PlanTask) {
	t.Helper()
	if err := env.Repo.InsertPlan(env.Ctx, nil, domain.Plan{
		ID: "plan-1", OrgID: "org-1", Name: "Incident response", Status: "active", CreatedAt: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	for i := range tasks {
		tasks[i].PlanID = "plan-1"
		tasks[i].SortOrder = i
		if err := env.Repo.InsertPlanTask(env.Ctx, nil, tasks[i]); err != nil {
			t.Fatalf("seed task %s: %v", tasks[i].ID, err)
		}
	}
}

func seedMember(t *testing.T, env testEnv, id string, roles ...string) {
	t.Helper()
	if err := env.Repo.InsertMember(env.Ctx, nil, domain.Member{ID: id, OrgID: "org-1", Name: id, Roles: roles}); err != nil {
		t.Fatalf("seed member %s: %v", id, err)
	}
}

func roleTask(id, title, role string, minutes int) domain.PlanTask {
	t := domain.PlanTask{ID: id, Title: title}
	if role != "" {
		t.RequiredRole = &role
	}
	if minutes > 0 {
		t.EstimatedMinutes = &minutes
	}
	return t
}

func TestEvaluateFullyStaffedPlan(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env,
		roleTask("t1", "Contain", "responder", 45),
		roleTask("t2", "Notify", "responder", 15),
	)
	seedMember(t, env, "m1", "responder")
	seedMember(t, env, "m2", "responder")

	res, err := env.Eval.Evaluate(env.Ctx, "plan-1", "org-1", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.CanProceed {
		t.Fatalf("expected can_proceed")
	}
	if res.Score != 100 {
		t.Fatalf("expected score 100, got %d", res.Score)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", res.Warnings)
	}
	if res.EstimatedCompletionMinutes != 60 {
		t.Fatalf("expected 60 estimated minutes, got %d", res.EstimatedCompletionMinutes)
	}
	if res.Metadata.TaskCount != 2 || res.Metadata.RolesRequired != 1 || res.Metadata.RolesAvailable != 1 {
		t.Fatalf("unexpected metadata: %+v", res.Metadata)
	}
}

func TestEvaluateUnstaffedRoleBlocks(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env, roleTask("t1", "Contain", "responder", 30))

	res, err := env.Eval.Evaluate(env.Ctx, "plan-1", "org-1", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.CanProceed {
		t.Fatalf("expected blocking verdict")
	}
	if res.Score != 60 {
		t.Fatalf("expected score 60, got %d", res.Score)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Severity != readiness.SeverityBlocking {
		t.Fatalf("expected one blocking warning, got %v", res.Warnings)
	}
	if res.Warnings[0].Category != readiness.CategoryResource {
		t.Fatalf("expected resource category, got %s", res.Warnings[0].Category)
	}
}

func TestEvaluateAllOnLeaveIsCriticalNotBlocking(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env, roleTask("t1", "Contain", "responder", 30))
	seedMember(t, env, "m1", "responder")

	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.Local)
	if err := env.Repo.AddLeave(env.Ctx, domain.LeaveInterval{
		MemberID: "m1",
		From:     start.Add(-time.Hour).Format(time.RFC3339),
		Until:    start.Add(2 * time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed leave: %v", err)
	}

	res, err := env.Eval.Evaluate(env.Ctx, "plan-1", "org-1", &start)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.CanProceed {
		t.Fatalf("on-leave roles should not block")
	}
	if res.Score != 80 {
		t.Fatalf("expected score 80, got %d", res.Score)
	}
	if res.CriticalIssueCount != 1 {
		t.Fatalf("expected 1 critical issue, got %d", res.CriticalIssueCount)
	}
	w := res.Warnings[0]
	if w.Severity != readiness.SeverityCritical || w.EstimatedDelayHours == nil {
		t.Fatalf("expected critical warning with delay, got %+v", w)
	}
	if *w.EstimatedDelayHours != 2 {
		t.Fatalf("expected 2h delay, got %d", *w.EstimatedDelayHours)
	}
	// delay feeds the completion estimate
	if res.EstimatedCompletionMinutes != 30+120 {
		t.Fatalf("expected 150 estimated minutes, got %d", res.EstimatedCompletionMinutes)
	}
}

func TestEvaluateSinglePointOfFailure(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env, roleTask("t1", "Contain", "responder", 30))
	seedMember(t, env, "m1", "responder")
	seedMember(t, env, "m2", "responder")

	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.Local)
	if err := env.Repo.AddLeave(env.Ctx, domain.LeaveInterval{
		MemberID: "m2",
		From:     start.Add(-time.Hour).Format(time.RFC3339),
		Until:    start.Add(time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed leave: %v", err)
	}

	res, err := env.Eval.Evaluate(env.Ctx, "plan-1", "org-1", &start)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.CanProceed || res.Score != 90 {
		t.Fatalf("expected proceed with score 90, got proceed=%v score=%d", res.CanProceed, res.Score)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Severity != readiness.SeverityWarning {
		t.Fatalf("expected one warning-severity finding, got %v", res.Warnings)
	}
}

func TestEvaluateBlockerDependencies(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env,
		roleTask("t1", "Contain", "", 30),
		roleTask("t2", "Notify", "", 30),
		roleTask("t3", "Review", "", 30),
	)
	if err := env.Repo.InsertTaskDependency(env.Ctx, nil, domain.TaskDependency{TaskID: "t2", DependsOn: "t1", Type: "blocker"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.InsertTaskDependency(env.Ctx, nil, domain.TaskDependency{TaskID: "t3", DependsOn: "t1", Type: "advisory"}); err != nil {
		t.Fatal(err)
	}

	res, err := env.Eval.Evaluate(env.Ctx, "plan-1", "org-1", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// blocker edge surfaces as info, advisory edges stay silent
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", res.Warnings)
	}
	w := res.Warnings[0]
	if w.Severity != readiness.SeverityInfo || w.Category != readiness.CategoryDependencies {
		t.Fatalf("unexpected warning: %+v", w)
	}
	if res.Score != 95 || !res.CanProceed {
		t.Fatalf("expected score 95 and proceed, got %d %v", res.Score, res.CanProceed)
	}
}

func TestEvaluateOffHoursStart(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env, roleTask("t1", "Contain", "", 30))

	start := time.Date(2024, 3, 4, 3, 0, 0, 0, time.Local)
	res, err := env.Eval.Evaluate(env.Ctx, "plan-1", "org-1", &start)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Category != readiness.CategoryTiming {
		t.Fatalf("expected timing warning, got %v", res.Warnings)
	}
	if res.Score != 90 || !res.CanProceed {
		t.Fatalf("expected score 90 and proceed, got %d %v", res.Score, res.CanProceed)
	}
}

func TestEvaluateBusinessHoursBoundary(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env, roleTask("t1", "Contain", "", 30))

	// default window is 07:00-21:00; 20:59 is the last in-hours minute
	inHours := time.Date(2024, 3, 4, 20, 59, 0, 0, time.Local)
	res, err := env.Eval.Evaluate(env.Ctx, "plan-1", "org-1", &inHours)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("20:59 is in-hours, got %v", res.Warnings)
	}

	offHours := time.Date(2024, 3, 4, 21, 0, 0, 0, time.Local)
	res, err = env.Eval.Evaluate(env.Ctx, "plan-1", "org-1", &offHours)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Category != readiness.CategoryTiming {
		t.Fatalf("21:00 is off-hours, got %v", res.Warnings)
	}
}

func TestEvaluateScoreFloorsAtZero(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env,
		roleTask("t1", "A", "role_a", 30),
		roleTask("t2", "B", "role_b", 30),
		roleTask("t3", "C", "role_c", 30),
	)

	res, err := env.Eval.Evaluate(env.Ctx, "plan-1", "org-1", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Score != 0 {
		t.Fatalf("expected floor of 0, got %d", res.Score)
	}
	if res.CanProceed {
		t.Fatalf("expected blocking verdict")
	}
}

func TestEvaluateUnknownPlanFails(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Eval.Evaluate(env.Ctx, "nope", "org-1", nil); err == nil {
		t.Fatalf("expected error for unknown plan")
	}
}

func TestSaveSnapshotRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env, roleTask("t1", "Contain", "", 30))

	res, err := env.Eval.Evaluate(env.Ctx, "plan-1", "org-1", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	snap, err := env.Eval.SaveSnapshot(env.Ctx, "plan-1", "org-1", res)
	if err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	now := env.Eval.Now().UTC().Add(5 * time.Minute).Format(time.RFC3339)
	got, err := env.Repo.LatestValidSnapshot(env.Ctx, "org-1", "plan-1", now)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if got.ID != snap.ID || got.Score != res.Score || got.CanProceed != res.CanProceed {
		t.Fatalf("snapshot mismatch: %+v vs %+v", got, snap)
	}
}
