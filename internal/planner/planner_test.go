package planner_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cashline/internal/config"
	"cashline/internal/db"
	"cashline/internal/domain"
	"cashline/internal/migrate"
	"cashline/internal/planner"
	"cashline/internal/repo"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Planner planner.Planner
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	p := planner.New(conn, cfg, func() time.Time { return testNow })
	ctx := context.Background()
	if err := p.Repo.InsertProject(ctx, domain.Project{
		ID: "proj-1", Name: "Skyline Towers", Status: "active", CreatedAt: ts(testNow),
	}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return testEnv{Planner: p, Ctx: ctx}
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func (e testEnv) seedUnits(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := e.Planner.Repo.InsertUnit(e.Ctx, domain.Unit{
			ID: fmt.Sprintf("unit-%02d", i), ProjectID: "proj-1",
			UnitNumber: fmt.Sprintf("A-%d", 100+i), CarpetArea: 950,
			Status: "AVAILABLE", BasePrice: 8000000,
			CreatedAt: ts(testNow.Add(time.Duration(i) * time.Minute)),
		})
		if err != nil {
			t.Fatalf("seed unit: %v", err)
		}
	}
}

func (e testEnv) seedApprover(t *testing.T) {
	t.Helper()
	err := e.Planner.Repo.InsertUser(e.Ctx, domain.User{
		ID: "owner-1", Email: "owner@example.com", Role: "OWNER", CreatedAt: ts(testNow),
	})
	if err != nil {
		t.Fatalf("seed approver: %v", err)
	}
}

func findTasks(tasks []planner.TaskInput, actionType string) []planner.TaskInput {
	var out []planner.TaskInput
	for _, task := range tasks {
		if task.ActionType == actionType {
			out = append(out, task)
		}
	}
	return out
}

func TestGenerateTasksLowInventory(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnits(t, 4)

	tasks, err := env.Planner.GenerateTasks(env.Ctx, planner.Context{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	release := findTasks(tasks, domain.ActionReleaseUnits)
	if len(release) != 1 {
		t.Fatalf("release tasks = %d, want 1", len(release))
	}
	if release[0].RiskLevel != domain.RiskMedium {
		t.Fatalf("risk = %s, want MEDIUM", release[0].RiskLevel)
	}
	if release[0].CashImpactDelta == nil || *release[0].CashImpactDelta != 0 {
		t.Fatalf("cash impact = %v, want 0", release[0].CashImpactDelta)
	}
	if release[0].Payload["unitsToRelease"] != 10 {
		t.Fatalf("unitsToRelease = %v, want 10", release[0].Payload["unitsToRelease"])
	}
}

func TestGenerateTasksNoTriggersNoTasks(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnits(t, 6)

	tasks, err := env.Planner.GenerateTasks(env.Ctx, planner.Context{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks = %+v, want none without trigger conditions", tasks)
	}
}

func TestGenerateTasksDealPages(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnits(t, 6)
	for i := 0; i < 5; i++ {
		err := env.Planner.Repo.InsertLead(env.Ctx, domain.Lead{
			ID: fmt.Sprintf("lead-%d", i), ProjectID: "proj-1",
			Phone: fmt.Sprintf("+9190000000%d", i), Status: "NEW",
			CreatedAt: ts(testNow.Add(time.Duration(i) * time.Minute)),
			UpdatedAt: ts(testNow),
		})
		if err != nil {
			t.Fatalf("seed lead: %v", err)
		}
	}
	// lead-0 already has a live page, so it is skipped.
	err := env.Planner.Repo.InsertDealPage(env.Ctx, domain.DealPage{
		ID: "dp-0", ProjectID: "proj-1", LeadID: "lead-0", LinkCode: "abc123",
		UnitIDsJSON: `["unit-00"]`, ExpiresAt: ts(testNow.Add(48 * time.Hour)), CreatedAt: ts(testNow),
	})
	if err != nil {
		t.Fatalf("seed deal page: %v", err)
	}

	tasks, err := env.Planner.GenerateTasks(env.Ctx, planner.Context{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pages := findTasks(tasks, domain.ActionGenerateDealPage)
	// Only the first three active leads are considered and one is covered.
	if len(pages) != 2 {
		t.Fatalf("deal page tasks = %d, want 2", len(pages))
	}
	for _, task := range pages {
		if task.RiskLevel != domain.RiskLow {
			t.Fatalf("risk = %s, want LOW", task.RiskLevel)
		}
		if task.CashImpactDelta == nil || *task.CashImpactDelta != 8500000 {
			t.Fatalf("cash impact = %v, want estimate 8500000", task.CashImpactDelta)
		}
		unitIDs, ok := task.Payload["unitIds"].([]string)
		if !ok || len(unitIDs) != 3 {
			t.Fatalf("unitIds = %v, want 3 selected units", task.Payload["unitIds"])
		}
		// FirstN selector keeps creation order, so runs are reproducible.
		if unitIDs[0] != "unit-00" {
			t.Fatalf("first unit = %s, want unit-00", unitIDs[0])
		}
	}
}

func TestGenerateTasksStaleLeads(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnits(t, 6)
	for i := 0; i < 7; i++ {
		err := env.Planner.Repo.InsertLead(env.Ctx, domain.Lead{
			ID: fmt.Sprintf("stale-%d", i), ProjectID: "proj-1",
			Phone: fmt.Sprintf("+9191000000%d", i), Status: "QUALIFIED",
			CreatedAt: ts(testNow.Add(-30 * 24 * time.Hour)),
			UpdatedAt: ts(testNow.Add(-4 * 24 * time.Hour)),
		})
		if err != nil {
			t.Fatalf("seed lead: %v", err)
		}
	}

	tasks, err := env.Planner.GenerateTasks(env.Ctx, planner.Context{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	followUps := findTasks(tasks, domain.ActionSendWhatsAppTemplate)
	if len(followUps) != 5 {
		t.Fatalf("follow-up tasks = %d, want cap of 5", len(followUps))
	}
	for _, task := range followUps {
		if task.Payload["templateName"] != "follow_up_reminder" {
			t.Fatalf("template = %v, want follow_up_reminder", task.Payload["templateName"])
		}
	}
}

func TestGenerateTasksPendingTokenReminders(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnits(t, 6)
	err := env.Planner.Repo.InsertLead(env.Ctx, domain.Lead{
		ID: "lead-tok", ProjectID: "proj-1", Name: "Asha", Phone: "+919111111111",
		Status: "NEGOTIATION", CreatedAt: ts(testNow), UpdatedAt: ts(testNow),
	})
	if err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	err = env.Planner.Repo.InsertDealPage(env.Ctx, domain.DealPage{
		ID: "dp-tok", ProjectID: "proj-1", LeadID: "lead-tok", LinkCode: "tok123",
		UnitIDsJSON: `[]`, ExpiresAt: ts(testNow.Add(24 * time.Hour)), CreatedAt: ts(testNow.Add(-3 * 24 * time.Hour)),
	})
	if err != nil {
		t.Fatalf("seed deal page: %v", err)
	}
	err = env.Planner.Repo.InsertToken(env.Ctx, domain.Token{
		ID: "tok-1", DealPageID: "dp-tok", Amount: 500000, Status: "CREATED",
		CreatedAt: ts(testNow.Add(-2 * 24 * time.Hour)),
	})
	if err != nil {
		t.Fatalf("seed token: %v", err)
	}
	// A fresh token stays quiet.
	err = env.Planner.Repo.InsertToken(env.Ctx, domain.Token{
		ID: "tok-2", DealPageID: "dp-tok", Amount: 300000, Status: "CREATED",
		CreatedAt: ts(testNow.Add(-2 * time.Hour)),
	})
	if err != nil {
		t.Fatalf("seed token: %v", err)
	}

	tasks, err := env.Planner.GenerateTasks(env.Ctx, planner.Context{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	reminders := findTasks(tasks, domain.ActionSendWhatsAppTemplate)
	if len(reminders) != 1 {
		t.Fatalf("reminder tasks = %d, want 1", len(reminders))
	}
	r := reminders[0]
	if r.Payload["templateName"] != "payment_reminder" {
		t.Fatalf("template = %v, want payment_reminder", r.Payload["templateName"])
	}
	if r.CashImpactDelta == nil || *r.CashImpactDelta != 500000 {
		t.Fatalf("cash impact = %v, want token amount 500000", r.CashImpactDelta)
	}
	params := r.Payload["params"].(map[string]any)
	if params["customer_name"] != "Asha" {
		t.Fatalf("customer_name = %v, want lead name", params["customer_name"])
	}
}

func TestGenerateTasksUrgentDiscount(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnits(t, 6)

	pctx := planner.Context{
		ProjectID:       "proj-1",
		CurrentCashFlow: 10000000,
		TargetAmount:    70000000,
		TargetDate:      testNow.Add(20 * 24 * time.Hour),
	}
	tasks, err := env.Planner.GenerateTasks(env.Ctx, pctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	offers := findTasks(tasks, domain.ActionCreateOffer)
	if len(offers) != 1 {
		t.Fatalf("offer tasks = %d, want exactly 1", len(offers))
	}
	o := offers[0]
	if o.RiskLevel != domain.RiskHigh {
		t.Fatalf("risk = %s, want HIGH", o.RiskLevel)
	}
	if o.CashImpactDelta == nil || *o.CashImpactDelta != -2500000 {
		t.Fatalf("cash impact = %v, want -2500000", o.CashImpactDelta)
	}
	if o.Payload["discountPercent"] != 5.0 {
		t.Fatalf("discount = %v, want 5", o.Payload["discountPercent"])
	}

	// Gap over threshold but a comfortable runway stays calm.
	pctx.TargetDate = testNow.Add(60 * 24 * time.Hour)
	tasks, err = env.Planner.GenerateTasks(env.Ctx, pctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(findTasks(tasks, domain.ActionCreateOffer)) != 0 {
		t.Fatal("offer emitted without urgency")
	}
}

func TestGenerateTasksIsReadOnlyAndRepeatable(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnits(t, 4)

	first, err := env.Planner.GenerateTasks(env.Ctx, planner.Context{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := env.Planner.GenerateTasks(env.Ctx, planner.Context{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("generate again: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("runs differ: %d vs %d tasks", len(first), len(second))
	}
	persisted, err := env.Planner.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(persisted) != 0 {
		t.Fatalf("generate persisted %d tasks, want none", len(persisted))
	}
}

func TestCreateTaskApprovalAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.seedApprover(t)

	impact := 0.0
	created, err := env.Planner.CreateTask(env.Ctx, "proj-1", "planner", planner.TaskInput{
		AgentType:       "ReleaseAgent",
		ActionType:      domain.ActionReleaseUnits,
		Payload:         map[string]any{"unitsToRelease": 10},
		RiskLevel:       domain.RiskMedium,
		CashImpactDelta: &impact,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Task.Status != domain.TaskAwaitingApproval {
		t.Fatalf("status = %s, want AWAITING_APPROVAL", created.Task.Status)
	}
	if created.ApproverID != "owner-1" {
		t.Fatalf("approver = %s, want owner-1", created.ApproverID)
	}
	approvals, err := env.Planner.Repo.ApprovalsForTask(env.Ctx, created.Task.ID)
	if err != nil {
		t.Fatalf("approvals: %v", err)
	}
	if len(approvals) != 1 || approvals[0].State != domain.ApprovalPending {
		t.Fatalf("approvals = %+v, want one PENDING", approvals)
	}
}

func TestCreateTaskWithoutApproverIsVisible(t *testing.T) {
	env := newTestEnv(t)

	created, err := env.Planner.CreateTask(env.Ctx, "proj-1", "planner", planner.TaskInput{
		AgentType:  "DealAgent",
		ActionType: domain.ActionCreateOffer,
		Payload:    map[string]any{"discountPercent": 5.0},
		RiskLevel:  domain.RiskHigh,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Task.Status != domain.TaskUnassignedApproval {
		t.Fatalf("status = %s, want UNASSIGNED_APPROVAL", created.Task.Status)
	}
	if created.ApprovalID != "" {
		t.Fatalf("approval = %s, want none", created.ApprovalID)
	}
	events, err := env.Planner.Repo.LatestEvents(env.Ctx, 10, "proj-1", "task.approver_missing", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("approver-missing events = %d, want 1", len(events))
	}
}

func TestCreateTaskLowRiskNeedsNoApproval(t *testing.T) {
	env := newTestEnv(t)
	env.seedApprover(t)

	created, err := env.Planner.CreateTask(env.Ctx, "proj-1", "planner", planner.TaskInput{
		AgentType:  "ConciergeAgent",
		ActionType: domain.ActionSendWhatsAppTemplate,
		Payload:    map[string]any{"leadId": "lead-1", "templateName": "follow_up_reminder"},
		RiskLevel:  domain.RiskLow,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Task.Status != domain.TaskPending {
		t.Fatalf("status = %s, want PENDING", created.Task.Status)
	}
	approvals, err := env.Planner.Repo.ApprovalsForTask(env.Ctx, created.Task.ID)
	if err != nil {
		t.Fatalf("approvals: %v", err)
	}
	if len(approvals) != 0 {
		t.Fatalf("approvals = %+v, want none", approvals)
	}
}

func TestMergeProposalsDedup(t *testing.T) {
	impact := 100.0
	det := []planner.TaskInput{
		{AgentType: "DealAgent", ActionType: domain.ActionCreateOffer,
			Payload: map[string]any{"discountPercent": 5.0, "projectId": "proj-1"}, RiskLevel: domain.RiskHigh},
	}
	proposed := []planner.TaskInput{
		// Same intent with payload keys in a different insertion order.
		{AgentType: "AIAgent", ActionType: domain.ActionCreateOffer,
			Payload: map[string]any{"projectId": "proj-1", "discountPercent": 5.0}, RiskLevel: domain.RiskMedium, CashImpactDelta: &impact},
		{AgentType: "AIAgent", ActionType: domain.ActionGenerateDealPage,
			Payload: map[string]any{"leadId": "lead-9"}, RiskLevel: domain.RiskLow},
	}
	merged := planner.MergeProposals(det, proposed)
	if len(merged) != 2 {
		t.Fatalf("merged = %d tasks, want 2", len(merged))
	}
	// Deterministic entry wins the duplicate.
	if merged[0].AgentType != "DealAgent" || merged[0].RiskLevel != domain.RiskHigh {
		t.Fatalf("winner = %+v, want deterministic task", merged[0])
	}
	if merged[1].ActionType != domain.ActionGenerateDealPage {
		t.Fatalf("second = %+v, want the novel proposal", merged[1])
	}
}

func TestRunEscalatesOverDiscountProposal(t *testing.T) {
	env := newTestEnv(t)
	env.seedApprover(t)
	env.seedUnits(t, 6) // enough inventory, no deterministic tasks

	env.Planner.Proposer = staticProposer{tasks: []planner.TaskInput{
		{AgentType: "AIAgent", ActionType: domain.ActionCreateOffer,
			Payload:   map[string]any{"discountPercent": 15.0},
			RiskLevel: domain.RiskLow}, // model underestimates, policy corrects
	}}

	created, err := env.Planner.Run(env.Ctx, planner.Context{ProjectID: "proj-1"}, "planner")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created = %d tasks, want 1", len(created))
	}
	offer := created[0]
	if offer.Task.RiskLevel != domain.RiskHigh {
		t.Fatalf("risk = %s, want HIGH after policy pass", offer.Task.RiskLevel)
	}
	if offer.Task.Status != domain.TaskAwaitingApproval || offer.ApproverID != "owner-1" {
		t.Fatalf("task = %+v, want gated on owner-1", offer)
	}
}

func TestRunDropsDisallowedProposal(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnits(t, 6)

	env.Planner.Proposer = staticProposer{tasks: []planner.TaskInput{
		{AgentType: "AIAgent", ActionType: "deleteProject",
			Payload: map[string]any{}, RiskLevel: domain.RiskLow},
	}}

	created, err := env.Planner.Run(env.Ctx, planner.Context{ProjectID: "proj-1"}, "planner")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("created = %+v, want disallowed action dropped", created)
	}
	persisted, err := env.Planner.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(persisted) != 0 {
		t.Fatalf("persisted = %d tasks, want none", len(persisted))
	}
}

type staticProposer struct{ tasks []planner.TaskInput }

func (s staticProposer) ProposeTasks(context.Context, planner.Context) []planner.TaskInput {
	return s.tasks
}

func TestRunEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.seedApprover(t)
	env.seedUnits(t, 2) // below threshold, triggers releaseUnits

	env.Planner.Proposer = staticProposer{tasks: []planner.TaskInput{
		{AgentType: "AIAgent", ActionType: domain.ActionGenerateDealPage,
			Payload: map[string]any{"leadId": "lead-x"}, RiskLevel: domain.RiskLow},
	}}

	pctx, err := env.Planner.BuildContext(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	created, err := env.Planner.Run(env.Ctx, pctx, "planner")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created = %d tasks, want releaseUnits + proposal", len(created))
	}

	byAction := map[string]planner.CreatedTask{}
	for _, c := range created {
		byAction[c.Task.ActionType] = c
	}
	release, ok := byAction[domain.ActionReleaseUnits]
	if !ok {
		t.Fatal("missing releaseUnits task")
	}
	if release.Task.Status != domain.TaskAwaitingApproval || release.ApproverID != "owner-1" {
		t.Fatalf("release task = %+v, want gated on owner-1", release)
	}
	proposal, ok := byAction[domain.ActionGenerateDealPage]
	if !ok {
		t.Fatal("missing proposed task")
	}
	if proposal.Task.Status != domain.TaskPending {
		t.Fatalf("proposal status = %s, want PENDING", proposal.Task.Status)
	}

	pctx2, err := env.Planner.BuildContext(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("rebuild context: %v", err)
	}
	if pctx2.ActiveTasks != 2 || pctx2.PendingApprovals != 1 {
		t.Fatalf("context = %+v, want 2 active tasks and 1 pending approval", pctx2)
	}
}
