package readiness

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"readyline/internal/config"
	"readyline/internal/domain"
	"readyline/internal/repo"
)

type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

type Category string

const (
	CategoryResource     Category = "resource"
	CategoryCompliance   Category = "compliance"
	CategoryTiming       Category = "timing"
	CategoryDependencies Category = "dependencies"
)

var severityPenalty = map[Severity]int{
	SeverityBlocking: 40,
	SeverityCritical: 20,
	SeverityWarning:  10,
	SeverityInfo:     5,
}

// Warning is one readiness finding. Only blocking severity prevents proceeding.
type Warning struct {
	Severity            Severity `json:"severity" enum:"blocking,critical,warning,info"`
	Category            Category `json:"category" enum:"resource,compliance,timing,dependencies"`
	Title               string   `json:"title"`
	Message             string   `json:"message"`
	AffectedTasks       []string `json:"affected_tasks,omitempty"`
	SuggestedAction     string   `json:"suggested_action,omitempty"`
	EstimatedDelayHours *int     `json:"estimated_delay_hours,omitempty"`
}

type Metadata struct {
	TaskCount          int `json:"task_count"`
	RolesRequired      int `json:"roles_required"`
	RolesAvailable     int `json:"roles_available"`
	ComplianceWarnings int `json:"compliance_warnings"`
}

type Result struct {
	CanProceed                 bool      `json:"can_proceed"`
	Warnings                   []Warning `json:"warnings"`
	Score                      int       `json:"score" minimum:"0" maximum:"100"`
	EstimatedCompletionMinutes int       `json:"estimated_completion_minutes"`
	CriticalIssueCount         int       `json:"critical_issue_count"`
	Metadata                   Metadata  `json:"metadata"`
}

// Evaluator computes a go/no-go verdict and readiness score for activating a
// plan. It is read-only: business conditions become warnings, never errors;
// it fails only when plan or roster data cannot be fetched.
type Evaluator struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(r repo.Repo, cfg *config.Config) Evaluator {
	return Evaluator{Repo: r, Config: cfg, Now: time.Now}
}

func (ev Evaluator) now() time.Time {
	if ev.Now != nil {
		return ev.Now()
	}
	return time.Now()
}

// Evaluate scores readiness of orgID to run planID at proposedStart (default now).
func (ev Evaluator) Evaluate(ctx context.Context, planID, orgID string, proposedStart *time.Time) (Result, error) {
	start := ev.now()
	if proposedStart != nil {
		start = *proposedStart
	}
	if _, err := ev.Repo.GetPlan(ctx, planID); err != nil {
		return Result{}, fmt.Errorf("fetch plan %s: %w", planID, err)
	}
	tasks, err := ev.Repo.ListPlanTasks(ctx, planID)
	if err != nil {
		return Result{}, fmt.Errorf("fetch plan tasks: %w", err)
	}
	deps, err := ev.Repo.ListTaskDependencies(ctx, planID)
	if err != nil {
		return Result{}, fmt.Errorf("fetch task dependencies: %w", err)
	}

	var warnings []Warning

	roles, tasksByRole := requiredRoles(tasks)
	rolesAvailable := 0
	for _, role := range roles {
		members, leave, err := ev.Repo.MembersWithRole(ctx, orgID, role)
		if err != nil {
			return Result{}, fmt.Errorf("fetch roster for role %s: %w", role, err)
		}
		w, available := evaluateRole(role, tasksByRole[role], members, leave, start)
		if available > 0 {
			rolesAvailable++
		}
		if w != nil {
			warnings = append(warnings, *w)
		}
	}

	for _, d := range deps {
		if d.Type != "blocker" {
			continue
		}
		warnings = append(warnings, Warning{
			Severity:      SeverityInfo,
			Category:      CategoryDependencies,
			Title:         "Critical-path ordering",
			Message:       fmt.Sprintf("Task %s cannot start before %s completes", d.TaskID, d.DependsOn),
			AffectedTasks: []string{d.TaskID, d.DependsOn},
		})
	}

	// Business hours are the half-open window [start_hour, end_hour):
	// start_hour is the first working hour, end_hour the first off hour,
	// so a start at exactly end_hour:00 is already off-hours.
	startHour, endHour := ev.businessHours()
	if h := start.Local().Hour(); h < startHour || h >= endHour {
		warnings = append(warnings, Warning{
			Severity:        SeverityWarning,
			Category:        CategoryTiming,
			Title:           "Off-hours activation",
			Message:         fmt.Sprintf("Proposed start %s is outside business hours (%02d:00-%02d:00)", start.Local().Format("15:04"), startHour, endHour),
			SuggestedAction: "Confirm on-call coverage before proceeding",
		})
	}

	res := Result{
		CanProceed:                 true,
		Warnings:                   warnings,
		EstimatedCompletionMinutes: ev.estimateMinutes(tasks, warnings),
		Metadata: Metadata{
			TaskCount:      len(tasks),
			RolesRequired:  len(roles),
			RolesAvailable: rolesAvailable,
		},
	}
	penalty := 0
	for _, w := range warnings {
		penalty += severityPenalty[w.Severity]
		switch w.Severity {
		case SeverityBlocking:
			res.CanProceed = false
		case SeverityCritical:
			res.CriticalIssueCount++
		}
		if w.Category == CategoryCompliance {
			res.Metadata.ComplianceWarnings++
		}
	}
	res.Score = 100 - penalty
	if res.Score < 0 {
		res.Score = 0
	}
	return res, nil
}

// SaveSnapshot persists the result with a short validity window for audit and reuse.
func (ev Evaluator) SaveSnapshot(ctx context.Context, planID, orgID string, res Result) (domain.ReadinessSnapshot, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return domain.ReadinessSnapshot{}, err
	}
	validity := 30
	if ev.Config != nil && ev.Config.Readiness.SnapshotValidityMinutes > 0 {
		validity = ev.Config.Readiness.SnapshotValidityMinutes
	}
	now := ev.now().UTC()
	snap := domain.ReadinessSnapshot{
		ID:          uuid.New().String(),
		OrgID:       orgID,
		PlanID:      planID,
		CanProceed:  res.CanProceed,
		Score:       res.Score,
		ResultJSON:  string(payload),
		EvaluatedAt: now.Format(time.RFC3339),
		ValidUntil:  now.Add(time.Duration(validity) * time.Minute).Format(time.RFC3339),
	}
	if err := ev.Repo.InsertReadinessSnapshot(ctx, snap); err != nil {
		return domain.ReadinessSnapshot{}, fmt.Errorf("persist readiness snapshot: %w", err)
	}
	return snap, nil
}

func (ev Evaluator) businessHours() (int, int) {
	start, end := 7, 21
	if ev.Config != nil && ev.Config.Readiness.BusinessHours.EndHour > 0 {
		start = ev.Config.Readiness.BusinessHours.StartHour
		end = ev.Config.Readiness.BusinessHours.EndHour
	}
	return start, end
}

func (ev Evaluator) estimateMinutes(tasks []domain.PlanTask, warnings []Warning) int {
	defaultMinutes := 30
	if ev.Config != nil && ev.Config.Readiness.DefaultTaskMinutes > 0 {
		defaultMinutes = ev.Config.Readiness.DefaultTaskMinutes
	}
	total := 0
	for _, t := range tasks {
		if t.EstimatedMinutes != nil {
			total += *t.EstimatedMinutes
		} else {
			total += defaultMinutes
		}
	}
	for _, w := range warnings {
		if w.EstimatedDelayHours != nil {
			total += 60 * *w.EstimatedDelayHours
		}
	}
	return total
}

func requiredRoles(tasks []domain.PlanTask) ([]string, map[string][]string) {
	byRole := map[string][]string{}
	for _, t := range tasks {
		if t.RequiredRole == nil || *t.RequiredRole == "" {
			continue
		}
		byRole[*t.RequiredRole] = append(byRole[*t.RequiredRole], t.ID)
	}
	roles := make([]string, 0, len(byRole))
	for role := range byRole {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles, byRole
}

// evaluateRole applies the staffing rules for one required role and reports
// how many assigned members are available at the proposed start.
func evaluateRole(role string, taskIDs []string, members []domain.Member, leave map[string][]domain.LeaveInterval, start time.Time) (*Warning, int) {
	if len(members) == 0 {
		return &Warning{
			Severity:        SeverityBlocking,
			Category:        CategoryResource,
			Title:           fmt.Sprintf("No one assigned to role %s", role),
			Message:         fmt.Sprintf("Role %s is required by %d task(s) but has no assigned members", role, len(taskIDs)),
			AffectedTasks:   taskIDs,
			SuggestedAction: fmt.Sprintf("Assign at least one member to role %s", role),
		}, 0
	}
	available := 0
	var earliestReturn time.Time
	for _, m := range members {
		if until, onLeave := onLeaveAt(leave[m.ID], start); onLeave {
			if earliestReturn.IsZero() || until.Before(earliestReturn) {
				earliestReturn = until
			}
			continue
		}
		available++
	}
	if available == 0 {
		delay := delayHours(start, earliestReturn)
		return &Warning{
			Severity:            SeverityCritical,
			Category:            CategoryResource,
			Title:               fmt.Sprintf("All %s members on leave", role),
			Message:             fmt.Sprintf("All %d member(s) assigned to role %s are on planned leave at the proposed start", len(members), role),
			AffectedTasks:       taskIDs,
			SuggestedAction:     "Recall a member or delay the activation",
			EstimatedDelayHours: &delay,
		}, 0
	}
	if available == 1 && len(members) > 1 {
		return &Warning{
			Severity:        SeverityWarning,
			Category:        CategoryResource,
			Title:           fmt.Sprintf("Single point of failure for role %s", role),
			Message:         fmt.Sprintf("Only 1 of %d member(s) assigned to role %s is available; there is no backup", len(members), role),
			AffectedTasks:   taskIDs,
			SuggestedAction: "Line up a backup before activating",
		}, available
	}
	return nil, available
}

func onLeaveAt(intervals []domain.LeaveInterval, at time.Time) (time.Time, bool) {
	for _, l := range intervals {
		from, err1 := time.Parse(time.RFC3339, l.From)
		until, err2 := time.Parse(time.RFC3339, l.Until)
		if err1 != nil || err2 != nil {
			continue
		}
		if !at.Before(from) && !at.After(until) {
			return until, true
		}
	}
	return time.Time{}, false
}

// delayHours estimates how long until someone is back, rounded up to a full
// hour with a floor of one.
func delayHours(start, earliestReturn time.Time) int {
	if earliestReturn.IsZero() || !earliestReturn.After(start) {
		return 1
	}
	h := int(math.Ceil(earliestReturn.Sub(start).Hours()))
	if h < 1 {
		h = 1
	}
	return h
}
