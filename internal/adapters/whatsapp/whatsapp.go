// Package whatsapp defines the messaging adapter the task executor calls.
// The planner only builds payloads for it; delivery stays behind the
// Sender interface so the stub can stand in everywhere outside production.
package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Template names the planner emits.
const (
	TemplateFollowUpReminder = "follow_up_reminder"
	TemplatePaymentReminder  = "payment_reminder"
	TemplateDealPageLink     = "deal_page_link"
)

type SendResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// Sender delivers approved template messages. Business-initiated sends
// are template-only, so there is no freeform variant.
type Sender interface {
	SendTemplate(ctx context.Context, to, templateName string, params map[string]string) (SendResult, error)
}

// Stub accepts every send and records it for inspection in tests.
type Stub struct {
	Sent []StubMessage
}

type StubMessage struct {
	To       string
	Template string
	Params   map[string]string
	At       time.Time
}

func (s *Stub) SendTemplate(_ context.Context, to, templateName string, params map[string]string) (SendResult, error) {
	if to == "" {
		return SendResult{}, fmt.Errorf("recipient required")
	}
	s.Sent = append(s.Sent, StubMessage{To: to, Template: templateName, Params: params, At: time.Now()})
	return SendResult{MessageID: uuid.NewString(), Status: "queued"}, nil
}
