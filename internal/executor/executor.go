// Package executor runs the subset of tasks safe to automate: LOW risk
// only, never while an approval is still pending. MEDIUM and HIGH risk
// actions belong to human playbooks and are rejected here.
package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cashline/internal/adapters/payments"
	"cashline/internal/adapters/whatsapp"
	"cashline/internal/domain"
	"cashline/internal/events"
	"cashline/internal/repo"
)

var (
	ErrAwaitingApproval  = errors.New("task awaiting approval")
	ErrRiskTooHigh       = errors.New("only LOW risk tasks can be executed here")
	ErrUnsupportedAction = errors.New("unsupported action type")
	ErrInvalidPayload    = errors.New("invalid task payload")
)

type ExecuteResult struct {
	TaskID    string `json:"task_id"`
	MessageID string `json:"message_id,omitempty"`
}

type Executor struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Sender   whatsapp.Sender
	Payments payments.Adapter
	BaseURL  string
	Now      func() time.Time
}

func New(db *sql.DB, sender whatsapp.Sender, baseURL string, now func() time.Time) Executor {
	if now == nil {
		now = time.Now
	}
	return Executor{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db, Now: now},
		Sender:   sender,
		Payments: payments.Stub{BaseURL: baseURL},
		BaseURL:  baseURL,
		Now:      now,
	}
}

// Execute runs one task end to end and marks it COMPLETED.
func (e Executor) Execute(ctx context.Context, taskID, actorID string) (ExecuteResult, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return ExecuteResult{}, err
	}

	pending, err := e.Repo.HasPendingApproval(ctx, taskID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if pending {
		return ExecuteResult{}, ErrAwaitingApproval
	}
	if task.RiskLevel != domain.RiskLow {
		return ExecuteResult{}, ErrRiskTooHigh
	}
	switch task.Status {
	case domain.TaskPending, domain.TaskInProgress:
	default:
		return ExecuteResult{}, fmt.Errorf("task in status %s cannot be executed", task.Status)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return ExecuteResult{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var messageID string
	switch task.ActionType {
	case domain.ActionSendWhatsAppTemplate:
		messageID, err = e.sendTemplate(ctx, payload)
	case domain.ActionFollowUpDealPage:
		messageID, err = e.followUpDealPage(ctx, payload)
	default:
		return ExecuteResult{}, fmt.Errorf("%w: %s", ErrUnsupportedAction, task.ActionType)
	}
	if err != nil {
		return ExecuteResult{}, err
	}

	now := e.Now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ExecuteResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, task.ID, domain.TaskCompleted, now); err != nil {
		return ExecuteResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.executed", task.ProjectID, "task", task.ID, actorID, events.EventPayload{
		"action_type": task.ActionType,
		"message_id":  messageID,
	}); err != nil {
		return ExecuteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{TaskID: task.ID, MessageID: messageID}, nil
}

func (e Executor) sendTemplate(ctx context.Context, payload map[string]any) (string, error) {
	leadID, _ := payload["leadId"].(string)
	templateName, _ := payload["templateName"].(string)
	if leadID == "" || templateName == "" {
		return "", fmt.Errorf("%w: leadId and templateName required", ErrInvalidPayload)
	}
	lead, err := e.Repo.GetLead(ctx, leadID)
	if err != nil {
		return "", err
	}
	params := map[string]string{}
	if raw, ok := payload["params"].(map[string]any); ok {
		for k, v := range raw {
			params[k] = fmt.Sprint(v)
		}
	}
	if templateName == whatsapp.TemplatePaymentReminder {
		if link, perr := e.paymentLink(ctx, payload, lead); perr != nil {
			return "", perr
		} else if link != "" {
			params["payment_link"] = link
		}
	}
	res, err := e.Sender.SendTemplate(ctx, lead.Phone, templateName, params)
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}

// paymentLink mints a payment link when the reminder payload carries an
// amount. Tasks without one fall back to a plain reminder.
func (e Executor) paymentLink(ctx context.Context, payload map[string]any, lead domain.Lead) (string, error) {
	amount, _ := payload["amount"].(float64)
	if amount <= 0 || e.Payments == nil {
		return "", nil
	}
	orderID, _ := payload["tokenId"].(string)
	if orderID == "" {
		orderID = lead.ID
	}
	resp, err := e.Payments.CreatePaymentLink(ctx, payments.Request{
		Amount:        amount,
		Currency:      "INR",
		OrderID:       orderID,
		CustomerName:  lead.Name,
		CustomerPhone: lead.Phone,
		Description:   "Token payment reminder",
	})
	if err != nil {
		return "", fmt.Errorf("create payment link: %w", err)
	}
	return resp.PaymentURL, nil
}

func (e Executor) followUpDealPage(ctx context.Context, payload map[string]any) (string, error) {
	leadID, _ := payload["leadId"].(string)
	linkCode, _ := payload["linkCode"].(string)
	if leadID == "" || linkCode == "" {
		return "", fmt.Errorf("%w: leadId and linkCode required", ErrInvalidPayload)
	}
	lead, err := e.Repo.GetLead(ctx, leadID)
	if err != nil {
		return "", err
	}
	base := e.BaseURL
	if base == "" {
		base = "http://localhost:8080"
	}
	res, err := e.Sender.SendTemplate(ctx, lead.Phone, whatsapp.TemplateDealPageLink, map[string]string{
		"customer_name": lead.Name,
		"deal_link":     fmt.Sprintf("%s/deal/%s", base, linkCode),
	})
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}
