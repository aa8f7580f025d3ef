// Package payments defines the payment-link adapter contract. Only the
// stub ships here; real gateways implement Adapter out of tree.
package payments

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Request struct {
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	OrderID       string  `json:"order_id"`
	CustomerName  string  `json:"customer_name"`
	CustomerPhone string  `json:"customer_phone"`
	Description   string  `json:"description,omitempty"`
}

type Response struct {
	PaymentID  string `json:"payment_id"`
	PaymentURL string `json:"payment_url"`
	Status     string `json:"status"`
	OrderID    string `json:"order_id"`
}

// WebhookEvent is a gateway callback reduced to the fields the caller
// acts on.
type WebhookEvent struct {
	PaymentID     string  `json:"payment_id"`
	OrderID       string  `json:"order_id"`
	Status        string  `json:"status" enum:"success,failed,pending"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	TransactionID string  `json:"transaction_id,omitempty"`
}

type Adapter interface {
	CreatePaymentLink(ctx context.Context, req Request) (Response, error)
}

// Stub mints deterministic-looking links against a local base URL.
type Stub struct {
	BaseURL string
}

func (s Stub) CreatePaymentLink(_ context.Context, req Request) (Response, error) {
	if req.Amount <= 0 {
		return Response{}, fmt.Errorf("amount must be positive")
	}
	if req.OrderID == "" {
		return Response{}, fmt.Errorf("order_id required")
	}
	base := s.BaseURL
	if base == "" {
		base = "http://localhost:8080"
	}
	paymentID := "pay_" + uuid.NewString()
	return Response{
		PaymentID:  paymentID,
		PaymentURL: fmt.Sprintf("%s/payments/stub/%s?amount=%.0f&orderId=%s", base, paymentID, req.Amount, req.OrderID),
		Status:     "created",
		OrderID:    req.OrderID,
	}, nil
}
