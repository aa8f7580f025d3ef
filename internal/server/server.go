// Package server exposes the HTTP API. Handlers stay thin: they decode,
// delegate to the planner, approvals manager, executor or pricing
// functions, and map domain errors onto the shared error envelope.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/google/uuid"

	"cashline/internal/adapters/payments"
	"cashline/internal/adapters/whatsapp"
	"cashline/internal/approvals"
	"cashline/internal/config"
	"cashline/internal/domain"
	"cashline/internal/events"
	"cashline/internal/executor"
	"cashline/internal/planner"
	"cashline/internal/pricing"
	"cashline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	DB       *sql.DB
	Cfg      *config.Config
	BasePath string
	BaseURL  string
	Auth     AuthConfig
	Proposer planner.Proposer
	Sender   whatsapp.Sender
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type services struct {
	Repo      repo.Repo
	Planner   planner.Planner
	Approvals approvals.Manager
	Executor  executor.Executor
	Events    events.Writer
	Cfg       *config.Config
}

// New returns an HTTP handler exposing the Cashline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	sender := cfg.Sender
	if sender == nil {
		sender = &whatsapp.Stub{}
	}

	pl := planner.New(cfg.DB, cfg.Cfg, cfg.Now)
	pl.Proposer = cfg.Proposer
	svc := services{
		Repo:      repo.Repo{DB: cfg.DB},
		Planner:   pl,
		Approvals: approvals.New(cfg.DB, cfg.Now),
		Executor:  executor.New(cfg.DB, sender, cfg.BaseURL, cfg.Now),
		Events:    events.Writer{DB: cfg.DB, Now: cfg.Now},
		Cfg:       cfg.Cfg,
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the shared envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, svc.Repo))
	hcfg := huma.DefaultConfig("Cashline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, svc)
	registerPlan(group, svc)
	registerTasks(group, svc)
	registerApprovals(group, svc)
	registerExecute(group, svc)
	registerPricing(group)
	registerEvents(group, svc)
	// Lead-facing deal pages and the gateway callback sit outside the
	// authenticated base path; the links go out over WhatsApp.
	registerDealPages(api, svc)
	registerPaymentWebhook(api, svc)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var inv pricing.InvalidInputError
	if errors.As(err, &inv) {
		return newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), map[string]any{"field": inv.Field})
	}
	switch {
	case errors.Is(err, approvals.ErrNotFoundOrAlreadyProcessed):
		return newAPIError(http.StatusConflict, "already_processed", err.Error(), nil)
	case errors.Is(err, executor.ErrAwaitingApproval):
		return newAPIError(http.StatusConflict, "awaiting_approval", err.Error(), nil)
	case errors.Is(err, executor.ErrRiskTooHigh), errors.Is(err, executor.ErrUnsupportedAction), errors.Is(err, executor.ErrInvalidPayload):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			ID   string `json:"id" minLength:"1"`
			Name string `json:"name" minLength:"1"`
			City string `json:"city,omitempty"`
		}
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p := domain.Project{
			ID:        input.Body.ID,
			Name:      input.Body.Name,
			City:      input.Body.City,
			Status:    "active",
			CreatedAt: svc.Planner.Now().UTC().Format(time.RFC3339),
		}
		if err := svc.Repo.InsertProject(ctx, p); err != nil {
			return nil, handleError(err)
		}
		if err := svc.Repo.UpsertProjectConfig(ctx, p.ID, config.Default(p.ID)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	type projectPath struct {
		ProjectID string `path:"project_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Show project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := svc.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := svc.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Show project config",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		cfg, err := svc.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerPlan(api huma.API, svc services) {
	type planRequest struct {
		ProjectID string `path:"project_id"`
		Body      struct {
			CurrentCashFlow *float64 `json:"current_cash_flow,omitempty"`
			TargetAmount    *float64 `json:"target_amount,omitempty"`
			TargetDate      string   `json:"target_date,omitempty" format:"date-time"`
		}
	}
	type planTask struct {
		Task       domain.Task `json:"task"`
		ApprovalID string      `json:"approval_id,omitempty"`
		ApproverID string      `json:"approver_id,omitempty"`
	}
	type planResponse struct {
		Body struct {
			Context planner.Context `json:"context"`
			Created []planTask      `json:"created"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "run-plan",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/plan",
		Summary:       "Run the task planner",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *planRequest) (*planResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pctx, err := svc.Planner.BuildContext(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.CurrentCashFlow != nil {
			pctx.CurrentCashFlow = *input.Body.CurrentCashFlow
		}
		if input.Body.TargetAmount != nil {
			pctx.TargetAmount = *input.Body.TargetAmount
		}
		if input.Body.TargetDate != "" {
			ts, perr := time.Parse(time.RFC3339, input.Body.TargetDate)
			if perr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid target_date", nil)
			}
			pctx.TargetDate = ts
		}
		created, err := svc.Planner.Run(ctx, pctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &planResponse{}
		resp.Body.Context = pctx
		resp.Body.Created = make([]planTask, len(created))
		for i, c := range created {
			resp.Body.Created[i] = planTask{Task: c.Task, ApprovalID: c.ApprovalID, ApproverID: c.ApproverID}
		}
		return resp, nil
	})
}

func registerTasks(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Status     string `query:"status"`
		ActionType string `query:"action_type"`
		RiskLevel  string `query:"risk_level"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := svc.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID:  input.ProjectID,
			Status:     input.Status,
			ActionType: input.ActionType,
			RiskLevel:  input.RiskLevel,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	type taskPath struct {
		TaskID string `path:"task_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Show task",
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body struct {
			Task      domain.Task       `json:"task"`
			Approvals []domain.Approval `json:"approvals,omitempty"`
		}
	}, error) {
		task, err := svc.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		appr, err := svc.Repo.ApprovalsForTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Task      domain.Task       `json:"task"`
				Approvals []domain.Approval `json:"approvals,omitempty"`
			}
		}{}
		resp.Body.Task = task
		resp.Body.Approvals = appr
		return resp, nil
	})
}

func registerApprovals(api huma.API, svc services) {
	type pendingEntry struct {
		Approval domain.Approval `json:"approval"`
		Task     domain.Task     `json:"task"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List pending approvals",
		Description: "Highest risk first, then largest cash impact, oldest request breaking ties.",
	}, func(ctx context.Context, input *struct {
		ApproverID string `query:"approver_id"`
		ProjectID  string `query:"project_id"`
	}) (*struct {
		Body []pendingEntry `json:"body"`
	}, error) {
		queue, err := svc.Approvals.Pending(ctx, input.ApproverID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]pendingEntry, len(queue))
		for i, q := range queue {
			out[i] = pendingEntry{Approval: q.Approval, Task: q.Task}
		}
		return &struct {
			Body []pendingEntry `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/approvals/{approver_id}",
		Summary:     "Decide a pending approval",
	}, func(ctx context.Context, input *struct {
		TaskID     string `path:"task_id"`
		ApproverID string `path:"approver_id"`
		Body       struct {
			Decision string `json:"decision" enum:"APPROVED,REJECTED"`
			Note     string `json:"note,omitempty"`
		}
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		task, err := svc.Approvals.Process(ctx, approvals.Decision{
			TaskID:     input.TaskID,
			ApproverID: input.ApproverID,
			Decision:   input.Body.Decision,
			Note:       input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "simulate-approval-impact",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/impact",
		Summary:     "Simulate approval impact",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body approvals.Simulation `json:"body"`
	}, error) {
		sim, err := svc.Approvals.SimulateImpact(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body approvals.Simulation `json:"body"`
		}{Body: sim}, nil
	})
}

func registerExecute(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/execute",
		Summary:     "Execute a LOW risk task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body executor.ExecuteResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := svc.Executor.Execute(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body executor.ExecuteResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerPricing(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "pricing-quote",
		Method:      http.MethodPost,
		Path:        "/pricing/quote",
		Summary:     "Compute a full pricing quote",
	}, func(ctx context.Context, input *struct {
		Body struct {
			pricing.Input
			LoanPercentage float64 `json:"loan_percentage,omitempty"`
		}
	}) (*struct {
		Body pricing.Result `json:"body"`
	}, error) {
		res, err := pricing.CalculateComplete(input.Body.Input, input.Body.LoanPercentage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pricing.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List latest audit events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := svc.Repo.LatestEvents(ctx, input.Limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerDealPages(api huma.API, svc services) {
	type dealUnit struct {
		Unit  domain.Unit    `json:"unit"`
		Quote pricing.Result `json:"quote"`
	}
	type dealPageResponse struct {
		Body struct {
			ProjectID string     `json:"project_id"`
			LeadName  string     `json:"lead_name,omitempty"`
			ExpiresAt string     `json:"expires_at" format:"date-time"`
			Units     []dealUnit `json:"units"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "show-deal-page",
		Method:      http.MethodGet,
		Path:        "/deal/{link_code}",
		Summary:     "Show a lead's deal page",
	}, func(ctx context.Context, input *struct {
		LinkCode string `path:"link_code"`
	}) (*dealPageResponse, error) {
		page, lead, err := dealPageForCode(ctx, svc, input.LinkCode)
		if err != nil {
			return nil, err
		}
		var unitIDs []string
		if uerr := json.Unmarshal([]byte(page.UnitIDsJSON), &unitIDs); uerr != nil {
			return nil, handleError(fmt.Errorf("decode unit ids: %w", uerr))
		}
		units := make([]dealUnit, 0, len(unitIDs))
		for _, id := range unitIDs {
			unit, uerr := svc.Repo.GetUnit(ctx, id)
			if errors.Is(uerr, repo.ErrNotFound) {
				continue // unit sold or withdrawn since the page went out
			}
			if uerr != nil {
				return nil, handleError(uerr)
			}
			quote, qerr := pricing.CalculateComplete(pricing.Input{
				BasePrice:  unit.BasePrice,
				CarpetArea: unit.CarpetArea,
				FloorRise:  unit.FloorRise,
				Parking:    unit.Parking,
			}, 0)
			if qerr != nil {
				return nil, handleError(qerr)
			}
			units = append(units, dealUnit{Unit: unit, Quote: quote})
		}
		resp := &dealPageResponse{}
		resp.Body.ProjectID = page.ProjectID
		resp.Body.LeadName = lead.Name
		resp.Body.ExpiresAt = page.ExpiresAt
		resp.Body.Units = units
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "book-token",
		Method:        http.MethodPost,
		Path:          "/deal/{link_code}/token",
		Summary:       "Start a token payment for a deal page",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		LinkCode string `path:"link_code"`
		Body     struct {
			Amount float64 `json:"amount" minimum:"1"`
		}
	}) (*struct {
		Body domain.Token `json:"body"`
	}, error) {
		page, _, err := dealPageForCode(ctx, svc, input.LinkCode)
		if err != nil {
			return nil, err
		}
		now := svc.Planner.Now().UTC().Format(time.RFC3339)
		token := domain.Token{
			ID:         uuid.NewString(),
			DealPageID: page.ID,
			Amount:     input.Body.Amount,
			Status:     "CREATED",
			CreatedAt:  now,
		}
		tx, terr := svc.Repo.DB.BeginTx(ctx, nil)
		if terr != nil {
			return nil, handleError(terr)
		}
		defer tx.Rollback()
		if ierr := svc.Repo.InsertTokenTx(ctx, tx, token); ierr != nil {
			return nil, handleError(ierr)
		}
		if eerr := svc.Events.Append(ctx, tx, "token.created", page.ProjectID, "token", token.ID, page.LeadID, events.EventPayload{
			"amount":    token.Amount,
			"link_code": page.LinkCode,
		}); eerr != nil {
			return nil, handleError(eerr)
		}
		if cerr := tx.Commit(); cerr != nil {
			return nil, handleError(cerr)
		}
		return &struct {
			Body domain.Token `json:"body"`
		}{Body: token}, nil
	})
}

func dealPageForCode(ctx context.Context, svc services, linkCode string) (domain.DealPage, domain.Lead, huma.StatusError) {
	page, err := svc.Repo.GetDealPageByCode(ctx, linkCode)
	if err != nil {
		return domain.DealPage{}, domain.Lead{}, handleError(err)
	}
	expires, perr := time.Parse(time.RFC3339, page.ExpiresAt)
	if perr != nil || !svc.Planner.Now().UTC().Before(expires) {
		return domain.DealPage{}, domain.Lead{}, newAPIError(http.StatusGone, "expired", "deal page has expired", nil)
	}
	lead, err := svc.Repo.GetLead(ctx, page.LeadID)
	if err != nil {
		return domain.DealPage{}, domain.Lead{}, handleError(err)
	}
	return page, lead, nil
}

func registerPaymentWebhook(api huma.API, svc services) {
	type webhookResponse struct {
		Body struct {
			Status    string `json:"status" enum:"recorded,already_settled,noted"`
			ReceiptID string `json:"receipt_id,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "payment-webhook",
		Method:      http.MethodPost,
		Path:        "/payments/webhook",
		Summary:     "Payment gateway callback",
		Description: "Marks the token paid and records a receipt on success. Safe to retry; settled tokens are left alone.",
	}, func(ctx context.Context, input *struct {
		Body payments.WebhookEvent
	}) (*webhookResponse, error) {
		detail, err := svc.Repo.GetTokenDetail(ctx, input.Body.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		now := svc.Planner.Now().UTC().Format(time.RFC3339)
		resp := &webhookResponse{}
		tx, terr := svc.Repo.DB.BeginTx(ctx, nil)
		if terr != nil {
			return nil, handleError(terr)
		}
		defer tx.Rollback()
		switch input.Body.Status {
		case "success":
			n, uerr := svc.Repo.MarkTokenPaidTx(ctx, tx, detail.Token.ID)
			if uerr != nil {
				return nil, handleError(uerr)
			}
			if n == 0 {
				resp.Body.Status = "already_settled"
				return resp, nil
			}
			amount := input.Body.Amount
			if amount <= 0 {
				amount = detail.Token.Amount
			}
			leadID := detail.LeadID
			receipt := domain.Receipt{
				ID:        uuid.NewString(),
				ProjectID: detail.ProjectID,
				LeadID:    &leadID,
				Amount:    amount,
				CreatedAt: now,
			}
			if rerr := svc.Repo.InsertReceiptTx(ctx, tx, receipt); rerr != nil {
				return nil, handleError(rerr)
			}
			if eerr := svc.Events.Append(ctx, tx, "payment.received", detail.ProjectID, "token", detail.Token.ID, "payment_gateway", events.EventPayload{
				"amount":         amount,
				"payment_id":     input.Body.PaymentID,
				"transaction_id": input.Body.TransactionID,
			}); eerr != nil {
				return nil, handleError(eerr)
			}
			resp.Body.Status = "recorded"
			resp.Body.ReceiptID = receipt.ID
		default:
			if eerr := svc.Events.Append(ctx, tx, "payment."+input.Body.Status, detail.ProjectID, "token", detail.Token.ID, "payment_gateway", events.EventPayload{
				"payment_id": input.Body.PaymentID,
			}); eerr != nil {
				return nil, handleError(eerr)
			}
			resp.Body.Status = "noted"
		}
		if cerr := tx.Commit(); cerr != nil {
			return nil, handleError(cerr)
		}
		return resp, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	public := map[string]bool{
		healthPath:                true,
		"/deal/{link_code}":       true,
		"/deal/{link_code}/token": true,
		"/payments/webhook":       true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Cashline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
