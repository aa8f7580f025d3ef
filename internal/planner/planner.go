// Package planner inspects a project's live state and synthesizes the
// candidate tasks that move cash collection forward. Rule evaluation is
// read-only; persistence happens in CreateTask under one transaction per
// task.
package planner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"cashline/internal/adapters/whatsapp"
	"cashline/internal/config"
	"cashline/internal/domain"
	"cashline/internal/events"
	"cashline/internal/policy"
	"cashline/internal/repo"
)

// TaskInput is a candidate task before persistence. Violations are filled
// in by the policy pass during Run; callers creating tasks directly may
// leave them empty.
type TaskInput struct {
	AgentType       string         `json:"agent_type"`
	ActionType      string         `json:"action_type"`
	Payload         map[string]any `json:"payload"`
	RiskLevel       string         `json:"risk_level"`
	CashImpactDelta *float64       `json:"cash_impact_delta,omitempty"`
	ReasonShort     string         `json:"reason_short,omitempty"`
	Violations      []string       `json:"violations,omitempty"`
}

// Context is the snapshot of business state a planning run works from.
// Built fresh per run; read-only inside the planner.
type Context struct {
	ProjectID        string    `json:"project_id"`
	CurrentCashFlow  float64   `json:"current_cash_flow"`
	TargetAmount     float64   `json:"target_amount"`
	TargetDate       time.Time `json:"target_date"`
	ActiveTasks      int       `json:"active_tasks"`
	PendingApprovals int       `json:"pending_approvals"`
}

// Proposer contributes extra candidate tasks to a planning run. It must
// absorb its own failures and return an empty slice instead of an error.
type Proposer interface {
	ProposeTasks(ctx context.Context, pctx Context) []TaskInput
}

// CreatedTask reports one persisted task and its approval assignment.
type CreatedTask struct {
	Task       domain.Task
	ApprovalID string
	ApproverID string
}

type Planner struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Policy   policy.Evaluator
	Selector Selector
	Proposer Proposer
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, now func() time.Time) Planner {
	if now == nil {
		now = time.Now
	}
	return Planner{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db, Now: now},
		Config:   cfg,
		Policy:   policy.Evaluator{Policy: cfg.Policy},
		Selector: FirstN{},
		Now:      now,
	}
}

// BuildContext assembles a fresh Context from live aggregates: receipts
// sum, the active cash target and open task/approval counts.
func (p Planner) BuildContext(ctx context.Context, projectID string) (Context, error) {
	pctx := Context{ProjectID: projectID}

	cashFlow, err := p.Repo.SumReceipts(ctx, projectID)
	if err != nil {
		return pctx, fmt.Errorf("sum receipts: %w", err)
	}
	pctx.CurrentCashFlow = cashFlow

	target, err := p.Repo.ActiveCashTarget(ctx, projectID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return pctx, fmt.Errorf("active cash target: %w", err)
	}
	if err == nil {
		pctx.TargetAmount = target.TargetAmount
		if ts, perr := time.Parse(time.RFC3339, target.TargetDate); perr == nil {
			pctx.TargetDate = ts
		}
	}

	active, err := p.Repo.ActiveTasks(ctx, projectID)
	if err != nil {
		return pctx, fmt.Errorf("active tasks: %w", err)
	}
	pctx.ActiveTasks = len(active)

	pending, err := p.Repo.CountPendingApprovals(ctx, projectID)
	if err != nil {
		return pctx, fmt.Errorf("count pending approvals: %w", err)
	}
	pctx.PendingApprovals = pending
	return pctx, nil
}

// GenerateTasks evaluates the deterministic rules. Each rule is
// independent and additive; a run can emit zero or many tasks. The
// function only reads state and returns data.
func (p Planner) GenerateTasks(ctx context.Context, pctx Context) ([]TaskInput, error) {
	pc := p.Config.Planner
	now := p.Now().UTC()
	var tasks []TaskInput

	cashGap := pctx.TargetAmount - pctx.CurrentCashFlow
	daysToTarget := math.MaxInt32
	if !pctx.TargetDate.IsZero() {
		daysToTarget = int(math.Ceil(pctx.TargetDate.Sub(now).Hours() / 24))
	}

	project, err := p.Repo.GetProject(ctx, pctx.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}

	availableUnits, err := p.Repo.AvailableUnits(ctx, pctx.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("available units: %w", err)
	}

	if len(availableUnits) < pc.LowInventoryThreshold {
		impact := 0.0
		tasks = append(tasks, TaskInput{
			AgentType:  "ReleaseAgent",
			ActionType: domain.ActionReleaseUnits,
			Payload: map[string]any{
				"projectId":      pctx.ProjectID,
				"unitsToRelease": pc.UnitsToRelease,
				"reason":         "Low inventory - need more units for sales",
			},
			RiskLevel:       domain.RiskMedium,
			CashImpactDelta: &impact,
			ReasonShort:     "Release more units for sales",
		})
	}

	activeLeads, err := p.Repo.ActiveLeads(ctx, pctx.ProjectID, []string{"NEW", "QUALIFIED", "INTERESTED"}, pc.DealPageLeadLimit)
	if err != nil {
		return nil, fmt.Errorf("active leads: %w", err)
	}
	for _, lead := range activeLeads {
		hasPage, err := p.Repo.HasActiveDealPage(ctx, lead.ID, now.Format(time.RFC3339))
		if err != nil {
			return nil, fmt.Errorf("deal page lookup: %w", err)
		}
		if hasPage || len(availableUnits) < pc.UnitsPerDealPage {
			continue
		}
		selected := p.Selector.Select(availableUnits, pc.UnitsPerDealPage)
		unitIDs := make([]string, len(selected))
		for i, u := range selected {
			unitIDs[i] = u.ID
		}
		impact := pc.DealPageCashEstimate
		tasks = append(tasks, TaskInput{
			AgentType:  "DealAgent",
			ActionType: domain.ActionGenerateDealPage,
			Payload: map[string]any{
				"leadId":     lead.ID,
				"unitIds":    unitIDs,
				"expiryDays": pc.DealPageExpiryDays,
			},
			RiskLevel:       domain.RiskLow,
			CashImpactDelta: &impact,
			ReasonShort:     "Create deal page for qualified lead",
		})
	}

	staleCutoff := now.Add(-time.Duration(pc.StaleLeadDays) * 24 * time.Hour).Format(time.RFC3339)
	staleLeads, err := p.Repo.StaleLeads(ctx, pctx.ProjectID, staleCutoff, pc.StaleLeadLimit)
	if err != nil {
		return nil, fmt.Errorf("stale leads: %w", err)
	}
	for _, lead := range staleLeads {
		impact := 0.0
		tasks = append(tasks, TaskInput{
			AgentType:  "ConciergeAgent",
			ActionType: domain.ActionSendWhatsAppTemplate,
			Payload: map[string]any{
				"leadId":       lead.ID,
				"templateName": whatsapp.TemplateFollowUpReminder,
				"params": map[string]any{
					"customer_name": "Valued Customer",
					"project_name":  project.Name,
				},
			},
			RiskLevel:       domain.RiskLow,
			CashImpactDelta: &impact,
			ReasonShort:     "Follow up with stale lead",
		})
	}

	tokenCutoff := now.Add(-time.Duration(pc.TokenReminderDays) * 24 * time.Hour).Format(time.RFC3339)
	pendingTokens, err := p.Repo.PendingTokens(ctx, pctx.ProjectID, tokenCutoff, pc.TokenReminderLimit)
	if err != nil {
		return nil, fmt.Errorf("pending tokens: %w", err)
	}
	for _, pt := range pendingTokens {
		name := pt.LeadName
		if name == "" {
			name = "Valued Customer"
		}
		impact := pt.Token.Amount
		tasks = append(tasks, TaskInput{
			AgentType:  "PaymentsAgent",
			ActionType: domain.ActionSendWhatsAppTemplate,
			Payload: map[string]any{
				"leadId":       pt.LeadID,
				"templateName": whatsapp.TemplatePaymentReminder,
				"tokenId":      pt.Token.ID,
				"amount":       pt.Token.Amount,
				"params": map[string]any{
					"customer_name": name,
					"amount":        fmt.Sprintf("₹%.0f L", pt.Token.Amount/100000),
					"due_date":      "within 24 hours",
				},
			},
			RiskLevel:       domain.RiskLow,
			CashImpactDelta: &impact,
			ReasonShort:     "Remind customer about pending token payment",
		})
	}

	if cashGap > pc.UrgentCashGap && daysToTarget < pc.UrgentDaysToTarget {
		impact := -pc.UrgentDiscountCost
		tasks = append(tasks, TaskInput{
			AgentType:  "DealAgent",
			ActionType: domain.ActionCreateOffer,
			Payload: map[string]any{
				"projectId":       pctx.ProjectID,
				"discountPercent": pc.UrgentDiscountPercent,
				"validityDays":    7,
				"reason":          "Urgent cash target - limited time discount",
			},
			RiskLevel:       domain.RiskHigh,
			CashImpactDelta: &impact,
			ReasonShort:     "Urgent discount to meet cash target",
		})
	}

	return tasks, nil
}

// CreateTask persists one candidate in its own transaction. MEDIUM and
// HIGH risk tasks get exactly one PENDING approval assigned to the first
// user holding an approver role; when no approver exists the task lands in
// UNASSIGNED_APPROVAL instead of silently skipping the gate.
func (p Planner) CreateTask(ctx context.Context, projectID, actorID string, in TaskInput) (CreatedTask, error) {
	var out CreatedTask
	now := p.Now().UTC().Format(time.RFC3339)

	payload, err := marshalPayload(in.Payload)
	if err != nil {
		return out, err
	}

	task := domain.Task{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		AgentType:       in.AgentType,
		ActionType:      in.ActionType,
		PayloadJSON:     payload,
		RiskLevel:       in.RiskLevel,
		CashImpactDelta: in.CashImpactDelta,
		ReasonShort:     in.ReasonShort,
		Status:          domain.TaskPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	needsApproval := in.RiskLevel == domain.RiskMedium || in.RiskLevel == domain.RiskHigh
	var approver domain.User
	if needsApproval {
		approver, err = p.Repo.FirstUserWithRole(ctx, p.approverRoles())
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return out, fmt.Errorf("find approver: %w", err)
		}
		if approver.ID == "" {
			task.Status = domain.TaskUnassignedApproval
		} else {
			task.Status = domain.TaskAwaitingApproval
		}
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	if err := p.Repo.InsertTaskTx(ctx, tx, task); err != nil {
		return out, fmt.Errorf("insert task: %w", err)
	}
	createdPayload := events.EventPayload{
		"agent_type":  task.AgentType,
		"action_type": task.ActionType,
		"risk_level":  task.RiskLevel,
	}
	if len(in.Violations) > 0 {
		createdPayload["policy_violations"] = in.Violations
	}
	if err := p.Events.Append(ctx, tx, "task.created", projectID, "task", task.ID, actorID, createdPayload); err != nil {
		return out, err
	}

	if needsApproval {
		if approver.ID == "" {
			if err := p.Events.Append(ctx, tx, "task.approver_missing", projectID, "task", task.ID, actorID, events.EventPayload{
				"risk_level": task.RiskLevel,
				"roles":      p.approverRoles(),
			}); err != nil {
				return out, err
			}
		} else {
			approval := domain.Approval{
				ID:         uuid.NewString(),
				TaskID:     task.ID,
				ApproverID: approver.ID,
				State:      domain.ApprovalPending,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := p.Repo.InsertApprovalTx(ctx, tx, approval); err != nil {
				return out, fmt.Errorf("insert approval: %w", err)
			}
			if err := p.Events.Append(ctx, tx, "approval.requested", projectID, "approval", approval.ID, actorID, events.EventPayload{
				"task_id":     task.ID,
				"approver_id": approver.ID,
			}); err != nil {
				return out, err
			}
			out.ApprovalID = approval.ID
			out.ApproverID = approver.ID
		}
	}

	if err := tx.Commit(); err != nil {
		return out, err
	}
	out.Task = task
	return out, nil
}

// Run is one full planning pass: deterministic rules, optional proposals,
// merge, policy gate, persist. Candidates for disallowed or blocked
// actions are dropped here; anything else is created at the policy's
// risk level or the candidate's own, whichever is higher.
func (p Planner) Run(ctx context.Context, pctx Context, actorID string) ([]CreatedTask, error) {
	det, err := p.GenerateTasks(ctx, pctx)
	if err != nil {
		return nil, err
	}
	var proposed []TaskInput
	if p.Proposer != nil {
		proposed = p.Proposer.ProposeTasks(ctx, pctx)
	}
	merged := MergeProposals(det, proposed)

	created := make([]CreatedTask, 0, len(merged))
	for _, in := range merged {
		in, ok := p.applyPolicy(in)
		if !ok {
			log.Printf("planner: dropping %s candidate blocked by policy", in.ActionType)
			continue
		}
		ct, err := p.CreateTask(ctx, pctx.ProjectID, actorID, in)
		if err != nil {
			return created, err
		}
		created = append(created, ct)
	}
	return created, nil
}

// applyPolicy settles the final risk level for a candidate. Risk only ever
// goes up; the second return is false when the action must not be created
// at all.
func (p Planner) applyPolicy(in TaskInput) (TaskInput, bool) {
	if !p.Config.Policy.Allows(in.ActionType) {
		return in, false
	}
	if rule, ok := p.Config.Policy.RuleFor(in.ActionType); ok && rule.Blocked {
		return in, false
	}
	d := p.Policy.Evaluate(policy.Candidate{
		ActionType:      in.ActionType,
		Payload:         in.Payload,
		CashImpactDelta: in.CashImpactDelta,
	})
	if riskRank(d.RiskLevel) > riskRank(in.RiskLevel) {
		in.RiskLevel = d.RiskLevel
	}
	if d.RequiresApproval && in.RiskLevel == domain.RiskLow {
		in.RiskLevel = domain.RiskMedium
	}
	in.Violations = d.Violations
	return in, true
}

func riskRank(level string) int {
	switch level {
	case domain.RiskHigh:
		return 2
	case domain.RiskMedium:
		return 1
	default:
		return 0
	}
}

func (p Planner) approverRoles() []string {
	if len(p.Config.Approvals.ApproverRoles) > 0 {
		return p.Config.Approvals.ApproverRoles
	}
	return []string{"OWNER", "PROJECT_ADMIN"}
}

func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}
	return string(data), nil
}
