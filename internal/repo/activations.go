package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"readyline/internal/domain"
)

// ErrActivationRunning reports a second activation attempt for a plan that
// already has an in-progress activation in the same org.
var ErrActivationRunning = errors.New("activation already in progress for this plan")

func (r Repo) InsertActivation(ctx context.Context, tx *sql.Tx, a domain.Activation) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO activations(id,org_id,scenario_id,plan_id,playbook_id,triggered_by,status,current_phase,started_at,deadline_at,notes)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OrgID, a.ScenarioID, a.PlanID, a.PlaybookID, nullable(a.TriggeredBy), a.Status, a.CurrentPhase, a.StartedAt, a.DeadlineAt, nullable(a.Notes))
	if err != nil && strings.Contains(err.Error(), "activations.org_id") {
		return ErrActivationRunning
	}
	return err
}

func scanActivation(row *sql.Row) (domain.Activation, error) {
	var a domain.Activation
	var triggeredBy, notes sql.NullString
	err := row.Scan(&a.ID, &a.OrgID, &a.ScenarioID, &a.PlanID, &a.PlaybookID, &triggeredBy,
		&a.Status, &a.CurrentPhase, &a.StartedAt, &a.DeadlineAt, &a.CompletedAt, &a.Outcome, &a.ActualMinutes, &notes)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.TriggeredBy = triggeredBy.String
	a.Notes = notes.String
	return a, err
}

const activationCols = `id,org_id,scenario_id,plan_id,playbook_id,triggered_by,status,current_phase,started_at,deadline_at,completed_at,outcome,actual_minutes,notes`

func (r Repo) GetActivation(ctx context.Context, id string) (domain.Activation, error) {
	return scanActivation(r.DB.QueryRowContext(ctx, `SELECT `+activationCols+` FROM activations WHERE id=?`, id))
}

func (r Repo) ListActivations(ctx context.Context, orgID string, limit int) ([]domain.Activation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+activationCols+` FROM activations WHERE org_id=? ORDER BY started_at DESC, id DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activation
	for rows.Next() {
		var a domain.Activation
		var triggeredBy, notes sql.NullString
		if err := rows.Scan(&a.ID, &a.OrgID, &a.ScenarioID, &a.PlanID, &a.PlaybookID, &triggeredBy,
			&a.Status, &a.CurrentPhase, &a.StartedAt, &a.DeadlineAt, &a.CompletedAt, &a.Outcome, &a.ActualMinutes, &notes); err != nil {
			return nil, err
		}
		a.TriggeredBy = triggeredBy.String
		a.Notes = notes.String
		res = append(res, a)
	}
	return res, rows.Err()
}

// MarkCompleted closes the activation record with its outcome classification.
func (r Repo) MarkCompleted(ctx context.Context, tx *sql.Tx, id, status, outcome, completedAt string, actualMinutes int, notes string) error {
	res, err := exec(ctx, r.DB, tx, `UPDATE activations SET status=?, outcome=?, completed_at=?, actual_minutes=?, notes=COALESCE(NULLIF(?,''),notes) WHERE id=?`,
		status, outcome, completedAt, actualMinutes, notes, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- events ---

func scanEvents(rows *sql.Rows) ([]domain.ActivationEvent, error) {
	defer rows.Close()
	var res []domain.ActivationEvent
	for rows.Next() {
		var e domain.ActivationEvent
		var success int
		var actor sql.NullString
		if err := rows.Scan(&e.ID, &e.ActivationID, &e.OrgID, &e.Type, &success, &e.DurationMs, &actor, &e.TS, &e.Payload); err != nil {
			return nil, err
		}
		e.Success = success != 0
		e.ActorID = actor.String
		res = append(res, e)
	}
	return res, rows.Err()
}

const eventCols = `id,activation_id,org_id,type,success,duration_ms,actor_id,ts,payload_json`

// ListActivationEvents returns the audit trail in append order.
func (r Repo) ListActivationEvents(ctx context.Context, activationID string) ([]domain.ActivationEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM activation_events WHERE activation_id=? ORDER BY id`, activationID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns up to limit events with id greater than cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, orgID string) ([]domain.ActivationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM activation_events WHERE id>? AND org_id=? ORDER BY id LIMIT ?`, cursor, orgID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context, orgID string) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM activation_events WHERE org_id=?`, orgID).Scan(&id)
	return id.Int64, err
}

// --- side artifacts ---

func (r Repo) InsertAcknowledgment(ctx context.Context, a domain.Acknowledgment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO acknowledgments(id,activation_id,stakeholder_id,status,notified,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.ActivationID, a.StakeholderID, a.Status, boolInt(a.Notified), a.CreatedAt)
	return err
}

func (r Repo) ListAcknowledgments(ctx context.Context, activationID string) ([]domain.Acknowledgment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,activation_id,stakeholder_id,status,notified,created_at FROM acknowledgments WHERE activation_id=? ORDER BY id`, activationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Acknowledgment
	for rows.Next() {
		var a domain.Acknowledgment
		var notified int
		if err := rows.Scan(&a.ID, &a.ActivationID, &a.StakeholderID, &a.Status, &notified, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Notified = notified != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertDocument(ctx context.Context, d domain.Document) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO documents(id,activation_id,type,title,content,created_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.ActivationID, d.Type, d.Title, d.Content, d.CreatedAt)
	return err
}

func (r Repo) ListDocuments(ctx context.Context, activationID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,activation_id,type,title,content,created_at FROM documents WHERE activation_id=? ORDER BY id`, activationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.ActivationID, &d.Type, &d.Title, &d.Content, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertProjectSync(ctx context.Context, s domain.ProjectSync) error {
	var mappings *string
	if len(s.TaskMappings) > 0 {
		b, err := json.Marshal(s.TaskMappings)
		if err != nil {
			return err
		}
		str := string(b)
		mappings = &str
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO project_syncs(activation_id,platform,project_key,project_url,task_mappings_json,created_at) VALUES (?,?,?,?,?,?)`,
		s.ActivationID, s.Platform, s.ProjectKey, nullable(s.ProjectURL), mappings, s.CreatedAt)
	return err
}

func (r Repo) GetProjectSync(ctx context.Context, activationID string) (domain.ProjectSync, error) {
	var s domain.ProjectSync
	var url, mappings sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT activation_id,platform,project_key,project_url,task_mappings_json,created_at FROM project_syncs WHERE activation_id=?`, activationID).
		Scan(&s.ActivationID, &s.Platform, &s.ProjectKey, &url, &mappings, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ProjectURL = url.String
	if mappings.Valid && mappings.String != "" {
		if err := json.Unmarshal([]byte(mappings.String), &s.TaskMappings); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (r Repo) InsertBudgetUnlock(ctx context.Context, u domain.BudgetUnlock) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO budget_unlocks(id,activation_id,category,amount,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.ActivationID, u.Category, u.Amount, u.CreatedAt)
	return err
}

func (r Repo) ListBudgetUnlocks(ctx context.Context, activationID string) ([]domain.BudgetUnlock, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,activation_id,category,amount,created_at FROM budget_unlocks WHERE activation_id=? ORDER BY category`, activationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BudgetUnlock
	for rows.Next() {
		var u domain.BudgetUnlock
		if err := rows.Scan(&u.ID, &u.ActivationID, &u.Category, &u.Amount, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,activation_id,recipient,subject,body,created_at) VALUES (?,?,?,?,?,?)`,
		n.ID, n.ActivationID, n.Recipient, n.Subject, nullable(n.Body), n.CreatedAt)
	return err
}

// --- readiness snapshots ---

func (r Repo) InsertReadinessSnapshot(ctx context.Context, s domain.ReadinessSnapshot) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO readiness_snapshots(id,org_id,plan_id,can_proceed,score,result_json,evaluated_at,valid_until) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.OrgID, s.PlanID, boolInt(s.CanProceed), s.Score, s.ResultJSON, s.EvaluatedAt, s.ValidUntil)
	return err
}

// LatestValidSnapshot returns the most recent snapshot still within its
// validity window at the given instant.
func (r Repo) LatestValidSnapshot(ctx context.Context, orgID, planID, now string) (domain.ReadinessSnapshot, error) {
	var s domain.ReadinessSnapshot
	var canProceed int
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,plan_id,can_proceed,score,result_json,evaluated_at,valid_until
FROM readiness_snapshots WHERE org_id=? AND plan_id=? AND valid_until>=? ORDER BY evaluated_at DESC LIMIT 1`, orgID, planID, now).
		Scan(&s.ID, &s.OrgID, &s.PlanID, &canProceed, &s.Score, &s.ResultJSON, &s.EvaluatedAt, &s.ValidUntil)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.CanProceed = canProceed != 0
	return s, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
