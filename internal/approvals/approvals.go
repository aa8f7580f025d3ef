// Package approvals runs the PENDING -> APPROVED/REJECTED state machine
// that gates MEDIUM and HIGH risk tasks. Decisions use a conditional
// update so that of two concurrent approvers only the first one wins.
package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cashline/internal/domain"
	"cashline/internal/events"
	"cashline/internal/repo"
)

// ErrNotFoundOrAlreadyProcessed means the (task, approver) pair has no
// approval still in PENDING: either the reference is stale or another
// decision got there first.
var ErrNotFoundOrAlreadyProcessed = errors.New("approval not found or already processed")

// SignificantCashImpact is the advisory threshold above which the
// simulator flags a decision for financial review.
const SignificantCashImpact = 5000000

type Decision struct {
	TaskID     string
	ApproverID string
	Decision   string // APPROVED or REJECTED
	Note       string
}

type Manager struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB, now func() time.Time) Manager {
	if now == nil {
		now = time.Now
	}
	return Manager{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: now},
		Now:    now,
	}
}

// Process applies one approval decision in a single transaction. The
// conditional update restricted to state=PENDING is the concurrency
// guard: a second decision on the same approval affects zero rows and
// fails with ErrNotFoundOrAlreadyProcessed.
func (m Manager) Process(ctx context.Context, d Decision) (domain.Task, error) {
	if d.Decision != domain.ApprovalApproved && d.Decision != domain.ApprovalRejected {
		return domain.Task{}, fmt.Errorf("invalid decision %q", d.Decision)
	}
	now := m.Now().UTC().Format(time.RFC3339)

	task, err := m.Repo.GetTask(ctx, d.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, ErrNotFoundOrAlreadyProcessed
	}
	if err != nil {
		return domain.Task{}, err
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	affected, err := m.Repo.DecidePendingApprovalTx(ctx, tx, d.TaskID, d.ApproverID, d.Decision, d.Note, now)
	if err != nil {
		return domain.Task{}, fmt.Errorf("decide approval: %w", err)
	}
	if affected == 0 {
		return domain.Task{}, ErrNotFoundOrAlreadyProcessed
	}

	taskStatus := domain.TaskPending
	if d.Decision == domain.ApprovalRejected {
		taskStatus = domain.TaskCancelled
	}
	if err := m.Repo.UpdateTaskStatusTx(ctx, tx, d.TaskID, taskStatus, now); err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	task.Status = taskStatus
	task.UpdatedAt = now

	evtType := "task.approved"
	if d.Decision == domain.ApprovalRejected {
		evtType = "task.rejected"
	}
	if err := m.Events.Append(ctx, tx, evtType, task.ProjectID, "task", d.TaskID, d.ApproverID, events.EventPayload{
		"decision":  d.Decision,
		"note":      d.Note,
		"timestamp": now,
	}); err != nil {
		return domain.Task{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// Pending returns the open queue, highest risk and largest cash impact
// first, oldest request winning ties.
func (m Manager) Pending(ctx context.Context, approverID, projectID string) ([]repo.PendingApproval, error) {
	return m.Repo.PendingApprovals(ctx, approverID, projectID)
}

// History returns every approval ever attached to a task.
func (m Manager) History(ctx context.Context, taskID string) ([]domain.Approval, error) {
	return m.Repo.ApprovalsForTask(ctx, taskID)
}

// Simulation is the advisory view an approver sees before deciding.
type Simulation struct {
	CashImpact      float64  `json:"cash_impact"`
	RiskAssessment  string   `json:"risk_assessment"`
	Recommendations []string `json:"recommendations"`
}

// SimulateImpact is read-only: it derives a narrative from the task's
// risk level and cash impact without touching any state.
func (m Manager) SimulateImpact(ctx context.Context, taskID string) (Simulation, error) {
	task, err := m.Repo.GetTask(ctx, taskID)
	if err != nil {
		return Simulation{}, err
	}

	var cashImpact float64
	if task.CashImpactDelta != nil {
		cashImpact = *task.CashImpactDelta
	}

	sim := Simulation{CashImpact: cashImpact, RiskAssessment: "Low risk"}
	switch task.RiskLevel {
	case domain.RiskHigh:
		sim.RiskAssessment = "High risk - requires careful consideration"
		sim.Recommendations = append(sim.Recommendations,
			"Review with senior management",
			"Consider alternative approaches")
	case domain.RiskMedium:
		sim.RiskAssessment = "Medium risk - standard approval process"
		sim.Recommendations = append(sim.Recommendations, "Verify compliance with policies")
	}
	if math.Abs(cashImpact) > SignificantCashImpact {
		sim.Recommendations = append(sim.Recommendations, "Significant cash impact - review financial projections")
	}
	lowered := strings.ToLower(task.ActionType)
	if strings.Contains(lowered, "discount") || strings.Contains(lowered, "offer") {
		sim.Recommendations = append(sim.Recommendations, "Ensure discount is within approved budget limits")
	}
	return sim, nil
}
