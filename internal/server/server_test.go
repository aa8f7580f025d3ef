package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cashline/internal/config"
	"cashline/internal/db"
	"cashline/internal/domain"
	"cashline/internal/migrate"
	"cashline/internal/repo"
)

const testSecret = "test-secret"

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Repo   repo.Repo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return testNow }
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	ts := testNow.UTC().Format(time.RFC3339)

	if err := r.InsertProject(ctx, domain.Project{
		ID: "proj-1", Name: "Skyline Towers", City: "Pune", Status: "active", CreatedAt: ts,
	}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	cfg := config.Default("proj-1")
	if err := r.UpsertProjectConfig(ctx, "proj-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := r.InsertUser(ctx, domain.User{
		ID: "owner-1", Email: "owner@example.com", Name: "Owner", Role: "OWNER", CreatedAt: ts,
	}); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	for i, num := range []string{"A101", "A201", "A301"} {
		if err := r.InsertUnit(ctx, domain.Unit{
			ID: "unit-" + num, ProjectID: "proj-1", UnitNumber: num,
			BHK: 2, CarpetArea: 650, BasePrice: 8500000 + float64(i)*150000,
			Status: "AVAILABLE", CreatedAt: ts,
		}); err != nil {
			t.Fatalf("seed unit: %v", err)
		}
	}
	if err := r.InsertLead(ctx, domain.Lead{
		ID: "lead-1", ProjectID: "proj-1", Name: "Asha", Phone: "+919111111111",
		Status: "QUALIFIED", CreatedAt: ts, UpdatedAt: ts,
	}); err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	if err := r.InsertCashTarget(ctx, domain.CashTarget{
		ID: "target-1", ProjectID: "proj-1", TargetAmount: 120000000,
		TargetDate: testNow.Add(90 * 24 * time.Hour).UTC().Format(time.RFC3339),
		Status:     "ACTIVE", CreatedAt: ts,
	}); err != nil {
		t.Fatalf("seed cash target: %v", err)
	}

	handler, err := New(Config{
		DB:       conn,
		Cfg:      cfg,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Now:      now,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Repo:   r,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func actorHeaders(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func signedToken(t *testing.T, subject string, roles []string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type planResponseBody struct {
	Context struct {
		CurrentCashFlow float64 `json:"current_cash_flow"`
	} `json:"context"`
	Created []struct {
		Task       domain.Task `json:"task"`
		ApprovalID string      `json:"approval_id"`
		ApproverID string      `json:"approver_id"`
	} `json:"created"`
}

func TestPlanRunThenApprove(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/plan",
		map[string]any{}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("plan status %d: %s", res.StatusCode, string(data))
	}
	var plan planResponseBody
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	// 3 available units trip the low-inventory release rule (MEDIUM, gated)
	// and the qualified lead gets a deal page (LOW).
	if len(plan.Created) != 2 {
		t.Fatalf("created = %d tasks, want 2: %s", len(plan.Created), string(data))
	}
	var gatedTaskID string
	for _, c := range plan.Created {
		if c.Task.ActionType == domain.ActionReleaseUnits {
			gatedTaskID = c.Task.ID
			if c.Task.Status != domain.TaskAwaitingApproval {
				t.Fatalf("release task status = %s, want AWAITING_APPROVAL", c.Task.Status)
			}
			if c.ApproverID != "owner-1" {
				t.Fatalf("approver = %s, want owner-1", c.ApproverID)
			}
		}
	}
	if gatedTaskID == "" {
		t.Fatalf("no releaseUnits task in %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals?approver_id=owner-1", nil, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approvals status %d: %s", res.StatusCode, string(data))
	}
	var queue []struct {
		Approval domain.Approval `json:"approval"`
		Task     domain.Task     `json:"task"`
	}
	if err := json.Unmarshal(data, &queue); err != nil {
		t.Fatalf("unmarshal approvals: %v", err)
	}
	if len(queue) != 1 || queue[0].Task.ID != gatedTaskID {
		t.Fatalf("queue = %+v, want one entry for %s", queue, gatedTaskID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+gatedTaskID+"/approvals/owner-1",
		map[string]any{"decision": "APPROVED", "note": "go ahead"}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	var decided domain.Task
	if err := json.Unmarshal(data, &decided); err != nil {
		t.Fatalf("unmarshal decided task: %v", err)
	}
	if decided.Status != domain.TaskPending {
		t.Fatalf("decided status = %s, want PENDING", decided.Status)
	}

	// Second decision on the same approval conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+gatedTaskID+"/approvals/owner-1",
		map[string]any{"decision": "REJECTED"}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-decide status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "already_processed" {
		t.Fatalf("error code = %q, want already_processed", envelope.Error.Code)
	}
}

func TestPlanOverridesTriggerOfferTask(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	target := testNow.Add(10 * 24 * time.Hour).UTC().Format(time.RFC3339)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/plan", map[string]any{
		"current_cash_flow": 0,
		"target_amount":     120000000,
		"target_date":       target,
	}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("plan status %d: %s", res.StatusCode, string(data))
	}
	var plan planResponseBody
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	found := false
	for _, c := range plan.Created {
		if c.Task.ActionType == domain.ActionCreateOffer {
			found = true
			if c.Task.RiskLevel != domain.RiskHigh {
				t.Fatalf("offer risk = %s, want HIGH", c.Task.RiskLevel)
			}
		}
	}
	if !found {
		t.Fatalf("no createOffer task in %s", string(data))
	}
}

func TestPricingQuote(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/pricing/quote", map[string]any{
		"base_price":  8500000,
		"carpet_area": 650,
		"parking":     1,
	}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("quote status %d: %s", res.StatusCode, string(data))
	}
	var result struct {
		Breakdown struct {
			TotalAmount float64 `json:"total_amount"`
		} `json:"breakdown"`
		Schedule   []any `json:"schedule"`
		EMIOptions []any `json:"emi_options"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal quote: %v", err)
	}
	if result.Breakdown.TotalAmount <= 8500000 {
		t.Fatalf("total = %f, want above base price", result.Breakdown.TotalAmount)
	}
	if len(result.Schedule) != 7 || len(result.EMIOptions) != 9 {
		t.Fatalf("schedule = %d, emi options = %d", len(result.Schedule), len(result.EMIOptions))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/pricing/quote", map[string]any{
		"base_price":  -1,
		"carpet_area": 650,
	}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid quote status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_input" {
		t.Fatalf("error code = %q, want invalid_input", envelope.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	token := signedToken(t, "owner-1", []string{"OWNER"})
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad jwt status %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIDocCoversOperations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	var doc struct {
		Paths      map[string]json.RawMessage `json:"paths"`
		Components struct {
			Schemas map[string]json.RawMessage `json:"schemas"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	for _, p := range []string{
		"/v0/tasks/{task_id}/execute",
		"/v0/pricing/quote",
		"/deal/{link_code}",
		"/payments/webhook",
	} {
		if _, ok := doc.Paths[p]; !ok {
			t.Fatalf("openapi missing path %s", p)
		}
	}
	// Execution outcomes and pricing quotes carry distinct schema names.
	for _, name := range []string{"ExecuteResult", "Result"} {
		if _, ok := doc.Components.Schemas[name]; !ok {
			t.Fatalf("openapi missing schema %s", name)
		}
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	key := "cl_live_123456"
	if err := srv.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID: "key-1", Name: "ci", KeyHash: repo.HashAPIKey(key), ActorID: "owner-1",
		CreatedAt: testNow.UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed api key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{
		"X-Api-Key": key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{
		"X-Api-Key": "wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad api key status %d", res.StatusCode)
	}
}

func TestDealPageAndPaymentWebhook(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()
	ts := testNow.UTC().Format(time.RFC3339)

	if err := srv.Repo.InsertDealPage(ctx, domain.DealPage{
		ID: "dp-1", ProjectID: "proj-1", LeadID: "lead-1", LinkCode: "dealcode",
		UnitIDsJSON: `["unit-A101","unit-A201"]`,
		ExpiresAt:   testNow.Add(48 * time.Hour).UTC().Format(time.RFC3339),
		CreatedAt:   ts,
	}); err != nil {
		t.Fatalf("seed deal page: %v", err)
	}

	// The page the lead opens from the WhatsApp link needs no auth.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/deal/dealcode", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deal page status %d: %s", res.StatusCode, string(data))
	}
	var page struct {
		LeadName string `json:"lead_name"`
		Units    []struct {
			Unit  domain.Unit `json:"unit"`
			Quote struct {
				Breakdown struct {
					TotalAmount float64 `json:"total_amount"`
				} `json:"breakdown"`
			} `json:"quote"`
		} `json:"units"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal deal page: %v", err)
	}
	if page.LeadName != "Asha" || len(page.Units) != 2 {
		t.Fatalf("page = %+v, want Asha with 2 units", page)
	}
	if page.Units[0].Quote.Breakdown.TotalAmount <= page.Units[0].Unit.BasePrice {
		t.Fatalf("quote total = %f, want above base price", page.Units[0].Quote.Breakdown.TotalAmount)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/deal/dealcode/token",
		map[string]any{"amount": 500000}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("book token status %d: %s", res.StatusCode, string(data))
	}
	var token domain.Token
	if err := json.Unmarshal(data, &token); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if token.Status != "CREATED" || token.DealPageID != "dp-1" {
		t.Fatalf("token = %+v, want CREATED on dp-1", token)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/payments/webhook", map[string]any{
		"payment_id": "pay_abc", "order_id": token.ID, "status": "success",
		"amount": 500000, "currency": "INR", "transaction_id": "txn_1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(data))
	}
	var hook struct {
		Status    string `json:"status"`
		ReceiptID string `json:"receipt_id"`
	}
	if err := json.Unmarshal(data, &hook); err != nil {
		t.Fatalf("unmarshal webhook: %v", err)
	}
	if hook.Status != "recorded" || hook.ReceiptID == "" {
		t.Fatalf("webhook = %+v, want recorded with receipt", hook)
	}
	detail, err := srv.Repo.GetTokenDetail(ctx, token.ID)
	if err != nil {
		t.Fatalf("token detail: %v", err)
	}
	if detail.Token.Status != "PAID" {
		t.Fatalf("token status = %s, want PAID", detail.Token.Status)
	}
	sum, err := srv.Repo.SumReceipts(ctx, "proj-1")
	if err != nil {
		t.Fatalf("sum receipts: %v", err)
	}
	if sum != 500000 {
		t.Fatalf("receipts = %f, want 500000", sum)
	}

	// Gateway retries must not double-book the receipt.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/payments/webhook", map[string]any{
		"payment_id": "pay_abc", "order_id": token.ID, "status": "success", "amount": 500000,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook retry status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &hook); err != nil {
		t.Fatalf("unmarshal retry: %v", err)
	}
	if hook.Status != "already_settled" {
		t.Fatalf("retry status = %q, want already_settled", hook.Status)
	}
	if sum, _ = srv.Repo.SumReceipts(ctx, "proj-1"); sum != 500000 {
		t.Fatalf("receipts after retry = %f, want 500000", sum)
	}

	if err := srv.Repo.InsertDealPage(ctx, domain.DealPage{
		ID: "dp-old", ProjectID: "proj-1", LeadID: "lead-1", LinkCode: "oldcode",
		UnitIDsJSON: `[]`, ExpiresAt: testNow.Add(-time.Hour).UTC().Format(time.RFC3339), CreatedAt: ts,
	}); err != nil {
		t.Fatalf("seed expired page: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/deal/oldcode", nil, nil)
	if res.StatusCode != http.StatusGone {
		t.Fatalf("expired page status %d: %s", res.StatusCode, string(data))
	}
}

func TestTaskShowAndNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/nope", nil, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/plan",
		map[string]any{}, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("plan status %d: %s", res.StatusCode, string(data))
	}
	var plan planResponseBody
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	taskID := plan.Created[0].Task.ID

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+taskID, nil, actorHeaders("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("show task status %d: %s", res.StatusCode, string(data))
	}
	var show struct {
		Task domain.Task `json:"task"`
	}
	if err := json.Unmarshal(data, &show); err != nil {
		t.Fatalf("unmarshal show: %v", err)
	}
	if show.Task.ID != taskID {
		t.Fatalf("task id = %s, want %s", show.Task.ID, taskID)
	}
}
