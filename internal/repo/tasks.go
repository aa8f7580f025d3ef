package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cashline/internal/domain"
)

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,agent_type,action_type,payload_json,risk_level,cash_impact_delta,reason_short,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.AgentType, t.ActionType, t.PayloadJSON, t.RiskLevel, nullableFloatPtr(t.CashImpactDelta), nullable(t.ReasonShort), t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,agent_type,action_type,payload_json,risk_level,cash_impact_delta,reason_short,status,created_at,updated_at FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var impact sql.NullFloat64
	var reason sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.AgentType, &t.ActionType, &t.PayloadJSON, &t.RiskLevel, &impact, &reason, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if impact.Valid {
		v := impact.Float64
		t.CashImpactDelta = &v
	}
	if reason.Valid {
		t.ReasonShort = reason.String
	}
	return t, nil
}

// TaskFilters narrows ListTasks. Zero values mean "no filter".
type TaskFilters struct {
	ProjectID  string
	Status     string
	ActionType string
	RiskLevel  string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, f.ActionType)
	}
	if f.RiskLevel != "" {
		clauses = append(clauses, "risk_level=?")
		args = append(args, f.RiskLevel)
	}
	query := fmt.Sprintf(`SELECT id,project_id,agent_type,action_type,payload_json,risk_level,cash_impact_delta,reason_short,status,created_at,updated_at FROM tasks WHERE %s ORDER BY created_at DESC, id DESC`,
		strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ActiveTasks returns tasks in statuses that make a duplicate intent
// redundant: PENDING, AWAITING_APPROVAL, UNASSIGNED_APPROVAL, IN_PROGRESS.
func (r Repo) ActiveTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,project_id,agent_type,action_type,payload_json,risk_level,cash_impact_delta,reason_short,status,created_at,updated_at FROM tasks
WHERE project_id=? AND status IN ('PENDING','AWAITING_APPROVAL','UNASSIGNED_APPROVAL','IN_PROGRESS') ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,task_id,approver_id,state,note,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.ApproverID, a.State, nullable(a.Note), a.CreatedAt, a.UpdatedAt)
	return err
}

// DecidePendingApprovalTx flips a PENDING approval to the given state and
// reports how many rows changed. Zero means the row was missing or already
// decided; the caller distinguishes nothing further.
func (r Repo) DecidePendingApprovalTx(ctx context.Context, tx *sql.Tx, taskID, approverID, state, note, updatedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE approvals SET state=?, note=?, updated_at=? WHERE task_id=? AND approver_id=? AND state='PENDING'`,
		state, nullable(note), updatedAt, taskID, approverID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ApprovalsForTask(ctx context.Context, taskID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,task_id,approver_id,state,COALESCE(note,''),created_at,updated_at FROM approvals WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		if err := rows.Scan(&a.ID, &a.TaskID, &a.ApproverID, &a.State, &a.Note, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) HasPendingApproval(ctx context.Context, taskID string) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM approvals WHERE task_id=? AND state='PENDING' LIMIT 1`, taskID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

// PendingApproval pairs a PENDING approval with the task it gates, for the
// approver's queue view.
type PendingApproval struct {
	Approval domain.Approval
	Task     domain.Task
}

// PendingApprovals lists the approver's open queue ordered by task risk
// (HIGH first), then cash impact descending, then approval age. Outflows
// sort below inflows; a missing impact counts as zero.
func (r Repo) PendingApprovals(ctx context.Context, approverID, projectID string) ([]PendingApproval, error) {
	clauses := []string{"a.state='PENDING'"}
	var args []any
	if approverID != "" {
		clauses = append(clauses, "a.approver_id=?")
		args = append(args, approverID)
	}
	if projectID != "" {
		clauses = append(clauses, "t.project_id=?")
		args = append(args, projectID)
	}
	query := fmt.Sprintf(`SELECT a.id,a.task_id,a.approver_id,a.state,COALESCE(a.note,''),a.created_at,a.updated_at,
t.id,t.project_id,t.agent_type,t.action_type,t.payload_json,t.risk_level,t.cash_impact_delta,t.reason_short,t.status,t.created_at,t.updated_at
FROM approvals a JOIN tasks t ON t.id=a.task_id
WHERE %s
ORDER BY CASE t.risk_level WHEN 'HIGH' THEN 0 WHEN 'MEDIUM' THEN 1 ELSE 2 END ASC,
  COALESCE(t.cash_impact_delta,0) DESC,
  a.created_at ASC, a.id ASC`, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PendingApproval
	for rows.Next() {
		var p PendingApproval
		var impact sql.NullFloat64
		var reason sql.NullString
		if err := rows.Scan(&p.Approval.ID, &p.Approval.TaskID, &p.Approval.ApproverID, &p.Approval.State, &p.Approval.Note, &p.Approval.CreatedAt, &p.Approval.UpdatedAt,
			&p.Task.ID, &p.Task.ProjectID, &p.Task.AgentType, &p.Task.ActionType, &p.Task.PayloadJSON, &p.Task.RiskLevel, &impact, &reason, &p.Task.Status, &p.Task.CreatedAt, &p.Task.UpdatedAt); err != nil {
			return nil, err
		}
		if impact.Valid {
			v := impact.Float64
			p.Task.CashImpactDelta = &v
		}
		if reason.Valid {
			p.Task.ReasonShort = reason.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountPendingApprovals(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals a JOIN tasks t ON t.id=a.task_id WHERE a.state='PENDING' AND t.project_id=?`, projectID).Scan(&n)
	return n, err
}
