package approvals_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cashline/internal/approvals"
	"cashline/internal/config"
	"cashline/internal/db"
	"cashline/internal/domain"
	"cashline/internal/migrate"
	"cashline/internal/planner"
	"cashline/internal/repo"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Manager approvals.Manager
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
	now := func() time.Time { return testNow }
	mgr := approvals.New(conn, now)
	pl := planner.New(conn, config.Default("proj-1"), now)
	ctx := context.Background()
	if err := mgr.Repo.InsertProject(ctx, domain.Project{
		ID: "proj-1", Name: "Skyline Towers", Status: "active", CreatedAt: ts(testNow),
	}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := mgr.Repo.InsertUser(ctx, domain.User{
		ID: "owner-1", Email: "owner@example.com", Role: "OWNER", CreatedAt: ts(testNow),
	}); err != nil {
		t.Fatalf("seed approver: %v", err)
	}
	return testEnv{Manager: mgr, Planner: pl, Ctx: ctx}
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func (e testEnv) gatedTask(t *testing.T, risk string, impact float64) planner.CreatedTask {
	t.Helper()
	created, err := e.Planner.CreateTask(e.Ctx, "proj-1", "planner", planner.TaskInput{
		AgentType:       "DealAgent",
		ActionType:      domain.ActionCreateOffer,
		Payload:         map[string]any{"discountPercent": 5.0},
		RiskLevel:       risk,
		CashImpactDelta: &impact,
	})
	if err != nil {
		t.Fatalf("create gated task: %v", err)
	}
	return created
}

func TestProcessApprove(t *testing.T) {
	env := newTestEnv(t)
	created := env.gatedTask(t, domain.RiskHigh, -2500000)

	task, err := env.Manager.Process(env.Ctx, approvals.Decision{
		TaskID:     created.Task.ID,
		ApproverID: "owner-1",
		Decision:   domain.ApprovalApproved,
		Note:       "go ahead",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("task status = %s, want PENDING after approval", task.Status)
	}
	history, err := env.Manager.History(env.Ctx, created.Task.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].State != domain.ApprovalApproved || history[0].Note != "go ahead" {
		t.Fatalf("history = %+v, want one APPROVED with note", history)
	}
	evts, err := env.Manager.Repo.LatestEvents(env.Ctx, 10, "proj-1", "task.approved", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("approved events = %d, want 1", len(evts))
	}
}

func TestProcessReject(t *testing.T) {
	env := newTestEnv(t)
	created := env.gatedTask(t, domain.RiskMedium, 0)

	task, err := env.Manager.Process(env.Ctx, approvals.Decision{
		TaskID:     created.Task.ID,
		ApproverID: "owner-1",
		Decision:   domain.ApprovalRejected,
		Note:       "too aggressive",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if task.Status != domain.TaskCancelled {
		t.Fatalf("task status = %s, want CANCELLED after rejection", task.Status)
	}
}

func TestProcessIsOneWay(t *testing.T) {
	env := newTestEnv(t)
	created := env.gatedTask(t, domain.RiskHigh, -2500000)

	if _, err := env.Manager.Process(env.Ctx, approvals.Decision{
		TaskID: created.Task.ID, ApproverID: "owner-1", Decision: domain.ApprovalApproved,
	}); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	_, err := env.Manager.Process(env.Ctx, approvals.Decision{
		TaskID: created.Task.ID, ApproverID: "owner-1", Decision: domain.ApprovalRejected,
	})
	if !errors.Is(err, approvals.ErrNotFoundOrAlreadyProcessed) {
		t.Fatalf("second decision err = %v, want ErrNotFoundOrAlreadyProcessed", err)
	}
}

func TestProcessUnknownReferences(t *testing.T) {
	env := newTestEnv(t)
	created := env.gatedTask(t, domain.RiskMedium, 0)

	_, err := env.Manager.Process(env.Ctx, approvals.Decision{
		TaskID: created.Task.ID, ApproverID: "someone-else", Decision: domain.ApprovalApproved,
	})
	if !errors.Is(err, approvals.ErrNotFoundOrAlreadyProcessed) {
		t.Fatalf("wrong approver err = %v, want ErrNotFoundOrAlreadyProcessed", err)
	}
	_, err = env.Manager.Process(env.Ctx, approvals.Decision{
		TaskID: "missing", ApproverID: "owner-1", Decision: domain.ApprovalApproved,
	})
	if !errors.Is(err, approvals.ErrNotFoundOrAlreadyProcessed) {
		t.Fatalf("missing task err = %v, want ErrNotFoundOrAlreadyProcessed", err)
	}
	_, err = env.Manager.Process(env.Ctx, approvals.Decision{
		TaskID: created.Task.ID, ApproverID: "owner-1", Decision: "MAYBE",
	})
	if err == nil {
		t.Fatal("invalid decision should error")
	}
}

func TestConcurrentDecisionsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	created := env.gatedTask(t, domain.RiskHigh, -2500000)

	decisions := []string{domain.ApprovalApproved, domain.ApprovalRejected}
	errs := make([]error, len(decisions))
	var wg sync.WaitGroup
	for i, d := range decisions {
		wg.Add(1)
		go func(i int, d string) {
			defer wg.Done()
			_, errs[i] = env.Manager.Process(env.Ctx, approvals.Decision{
				TaskID: created.Task.ID, ApproverID: "owner-1", Decision: d,
			})
		}(i, d)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, approvals.ErrNotFoundOrAlreadyProcessed):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("winners=%d losers=%d, want exactly one of each", won, lost)
	}
	history, err := env.Manager.History(env.Ctx, created.Task.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].State == domain.ApprovalPending {
		t.Fatalf("history = %+v, want one decided approval", history)
	}
}

func TestPendingOrdering(t *testing.T) {
	env := newTestEnv(t)

	// Three gated tasks with distinct risk and impact profiles.
	inflow := env.gatedTask(t, domain.RiskMedium, 100000)
	outflow := env.gatedTask(t, domain.RiskMedium, -900000)
	high := env.gatedTask(t, domain.RiskHigh, -50000)

	queue, err := env.Manager.Pending(env.Ctx, "owner-1", "proj-1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("queue = %d entries, want 3", len(queue))
	}
	// Raw impact descending within a risk band, so the big outflow sorts
	// last, not first.
	wantOrder := []string{high.Task.ID, inflow.Task.ID, outflow.Task.ID}
	for i, want := range wantOrder {
		if queue[i].Task.ID != want {
			t.Fatalf("queue[%d] = %s, want %s (HIGH first, then impact descending)", i, queue[i].Task.ID, want)
		}
	}
}

func TestSimulateImpact(t *testing.T) {
	env := newTestEnv(t)
	created := env.gatedTask(t, domain.RiskHigh, -6000000)

	sim, err := env.Manager.SimulateImpact(env.Ctx, created.Task.ID)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if sim.CashImpact != -6000000 {
		t.Fatalf("cash impact = %v, want -6000000", sim.CashImpact)
	}
	if sim.RiskAssessment != "High risk - requires careful consideration" {
		t.Fatalf("assessment = %q", sim.RiskAssessment)
	}
	// HIGH narrative, the significant-cash flag and the offer hint.
	if len(sim.Recommendations) != 4 {
		t.Fatalf("recommendations = %v, want 4", sim.Recommendations)
	}

	if _, err := env.Manager.SimulateImpact(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing task err = %v, want ErrNotFound", err)
	}
}
