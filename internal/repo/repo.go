package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"readyline/internal/config"
	"readyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- orgs ---

func (r Repo) InsertOrg(ctx context.Context, tx *sql.Tx, o domain.Org) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO orgs(id,name,status,created_at) VALUES (?,?,?,?)`,
		o.ID, o.Name, o.Status, o.CreatedAt)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Org, error) {
	var o domain.Org
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM orgs WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.Status, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) SingleOrg(ctx context.Context) (domain.Org, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM orgs`)
	if err != nil {
		return domain.Org{}, err
	}
	defer rows.Close()
	var orgs []domain.Org
	for rows.Next() {
		var o domain.Org
		if err := rows.Scan(&o.ID, &o.Name, &o.Status, &o.CreatedAt); err != nil {
			return domain.Org{}, err
		}
		orgs = append(orgs, o)
	}
	if len(orgs) == 0 {
		return domain.Org{}, ErrNotFound
	}
	if len(orgs) > 1 {
		return domain.Org{}, fmt.Errorf("multiple orgs exist; specify --org")
	}
	return orgs[0], nil
}

// --- org config ---

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, r.DB, nil, orgID, cfg)
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, nil, tx, orgID, cfg)
}

func upsertOrgConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = exec(ctx, db, tx, `INSERT INTO org_configs(org_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, orgID, string(payload), now, now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM org_configs WHERE org_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Org.ID == "" {
		cfg.Org.ID = orgID
	}
	return &cfg, cfg.Validate()
}

// --- members / roster ---

func (r Repo) InsertMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	if _, err := exec(ctx, r.DB, tx, `INSERT INTO members(id,org_id,name,email) VALUES (?,?,?,?)`,
		m.ID, m.OrgID, m.Name, nullable(m.Email)); err != nil {
		return err
	}
	for _, role := range m.Roles {
		if _, err := exec(ctx, r.DB, tx, `INSERT INTO member_roles(member_id,role) VALUES (?,?)`, m.ID, role); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AssignRole(ctx context.Context, memberID, role string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO member_roles(member_id,role) VALUES (?,?)`, memberID, role)
	return err
}

func (r Repo) AddLeave(ctx context.Context, l domain.LeaveInterval) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO leave_intervals(member_id,from_ts,until_ts) VALUES (?,?,?)`,
		l.MemberID, l.From, l.Until)
	return err
}

// MembersWithRole returns org members holding the role, with their leave intervals.
func (r Repo) MembersWithRole(ctx context.Context, orgID, role string) ([]domain.Member, map[string][]domain.LeaveInterval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT m.id,m.org_id,m.name,COALESCE(m.email,'')
FROM members m JOIN member_roles mr ON mr.member_id=m.id
WHERE m.org_id=? AND mr.role=? ORDER BY m.id`, orgID, role)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var members []domain.Member
	var ids []string
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ID, &m.OrgID, &m.Name, &m.Email); err != nil {
			return nil, nil, err
		}
		m.Roles = []string{role}
		members = append(members, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	leave := map[string][]domain.LeaveInterval{}
	if len(ids) == 0 {
		return members, leave, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	lrows, err := r.DB.QueryContext(ctx, `SELECT member_id,from_ts,until_ts FROM leave_intervals WHERE member_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, nil, err
	}
	defer lrows.Close()
	for lrows.Next() {
		var l domain.LeaveInterval
		if err := lrows.Scan(&l.MemberID, &l.From, &l.Until); err != nil {
			return nil, nil, err
		}
		leave[l.MemberID] = append(leave[l.MemberID], l)
	}
	return members, leave, lrows.Err()
}

// --- plans ---

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO plans(id,org_id,name,description,status,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, nullable(p.Description), p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	var p domain.Plan
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,description,status,created_at FROM plans WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &desc, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) ListPlans(ctx context.Context, orgID string) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,COALESCE(description,''),status,created_at FROM plans WHERE org_id=? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Description, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertPlanTask(ctx context.Context, tx *sql.Tx, t domain.PlanTask) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO plan_tasks(id,plan_id,title,required_role,estimated_minutes,sort_order) VALUES (?,?,?,?,?,?)`,
		t.ID, t.PlanID, t.Title, t.RequiredRole, t.EstimatedMinutes, t.SortOrder)
	return err
}

func (r Repo) ListPlanTasks(ctx context.Context, planID string) ([]domain.PlanTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,plan_id,title,required_role,estimated_minutes,sort_order FROM plan_tasks WHERE plan_id=? ORDER BY sort_order,id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlanTask
	for rows.Next() {
		var t domain.PlanTask
		if err := rows.Scan(&t.ID, &t.PlanID, &t.Title, &t.RequiredRole, &t.EstimatedMinutes, &t.SortOrder); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTaskDependency(ctx context.Context, tx *sql.Tx, d domain.TaskDependency) error {
	if d.Type == "" {
		d.Type = "blocker"
	}
	_, err := exec(ctx, r.DB, tx, `INSERT INTO task_dependencies(task_id,depends_on,type) VALUES (?,?,?)`,
		d.TaskID, d.DependsOn, d.Type)
	return err
}

func (r Repo) ListTaskDependencies(ctx context.Context, planID string) ([]domain.TaskDependency, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.task_id,d.depends_on,d.type
FROM task_dependencies d JOIN plan_tasks t ON t.id=d.task_id
WHERE t.plan_id=? ORDER BY d.task_id,d.depends_on`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskDependency
	for rows.Next() {
		var d domain.TaskDependency
		if err := rows.Scan(&d.TaskID, &d.DependsOn, &d.Type); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- scenarios / stakeholders ---

func (r Repo) InsertScenario(ctx context.Context, tx *sql.Tx, s domain.Scenario) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO scenarios(id,org_id,name,description,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.OrgID, s.Name, nullable(s.Description), s.CreatedAt)
	return err
}

func (r Repo) GetScenario(ctx context.Context, id string) (domain.Scenario, error) {
	var s domain.Scenario
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,description,created_at FROM scenarios WHERE id=?`, id).
		Scan(&s.ID, &s.OrgID, &s.Name, &desc, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if desc.Valid {
		s.Description = desc.String
	}
	return s, err
}

func (r Repo) InsertStakeholder(ctx context.Context, tx *sql.Tx, s domain.Stakeholder) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO stakeholders(id,scenario_id,name,role,contact) VALUES (?,?,?,?,?)`,
		s.ID, s.ScenarioID, s.Name, nullable(s.Role), s.Contact)
	return err
}

func (r Repo) ListStakeholders(ctx context.Context, scenarioID string) ([]domain.Stakeholder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,scenario_id,name,COALESCE(role,''),contact FROM stakeholders WHERE scenario_id=? ORDER BY id`, scenarioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stakeholder
	for rows.Next() {
		var s domain.Stakeholder
		if err := rows.Scan(&s.ID, &s.ScenarioID, &s.Name, &s.Role, &s.Contact); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- playbooks ---

func (r Repo) InsertPlaybook(ctx context.Context, tx *sql.Tx, p domain.Playbook) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO playbooks(id,org_id,name,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetPlaybook(ctx context.Context, id string) (domain.Playbook, error) {
	var p domain.Playbook
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,description,created_at FROM playbooks WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) SetPlaybookBudget(ctx context.Context, b domain.PlaybookBudget) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO playbook_budgets(playbook_id,category,amount) VALUES (?,?,?)
ON CONFLICT(playbook_id,category) DO UPDATE SET amount=excluded.amount`, b.PlaybookID, b.Category, b.Amount)
	return err
}

func (r Repo) ListPlaybookBudgets(ctx context.Context, playbookID string) ([]domain.PlaybookBudget, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT playbook_id,category,amount FROM playbook_budgets WHERE playbook_id=? ORDER BY category`, playbookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlaybookBudget
	for rows.Next() {
		var b domain.PlaybookBudget
		if err := rows.Scan(&b.PlaybookID, &b.Category, &b.Amount); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// --- helpers ---

func exec(ctx context.Context, db *sql.DB, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
