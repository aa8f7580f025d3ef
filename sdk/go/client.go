package cashlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Cashline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	AgentType       string   `json:"agent_type"`
	ActionType      string   `json:"action_type"`
	PayloadJSON     string   `json:"payload_json"`
	RiskLevel       string   `json:"risk_level"`
	CashImpactDelta *float64 `json:"cash_impact_delta,omitempty"`
	ReasonShort     string   `json:"reason_short,omitempty"`
	Status          string   `json:"status"`
	CreatedAt       string   `json:"created_at"`
}

// Approval represents one approval request.
type Approval struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	ApproverID string `json:"approver_id"`
	State      string `json:"state"`
	Note       string `json:"note,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// PendingApproval pairs an approval with its task.
type PendingApproval struct {
	Approval Approval `json:"approval"`
	Task     Task     `json:"task"`
}

// PlanResult is the outcome of a planning run.
type PlanResult struct {
	Context struct {
		ProjectID        string  `json:"project_id"`
		CurrentCashFlow  float64 `json:"current_cash_flow"`
		TargetAmount     float64 `json:"target_amount"`
		TargetDate       string  `json:"target_date"`
		ActiveTasks      int     `json:"active_tasks"`
		PendingApprovals int     `json:"pending_approvals"`
	} `json:"context"`
	Created []struct {
		Task       Task   `json:"task"`
		ApprovalID string `json:"approval_id,omitempty"`
		ApproverID string `json:"approver_id,omitempty"`
	} `json:"created"`
}

// PricingQuote mirrors the /pricing/quote response.
type PricingQuote struct {
	Breakdown struct {
		BasePrice        float64 `json:"base_price"`
		PLCCharges       float64 `json:"plc_charges"`
		FloorRiseCharges float64 `json:"floor_rise_charges"`
		ParkingCharges   float64 `json:"parking_charges"`
		Subtotal         float64 `json:"subtotal"`
		Discount         float64 `json:"discount"`
		NetAmount        float64 `json:"net_amount"`
		GST              float64 `json:"gst"`
		StampDuty        float64 `json:"stamp_duty"`
		RegistrationFee  float64 `json:"registration_fee"`
		TotalAmount      float64 `json:"total_amount"`
	} `json:"breakdown"`
	Schedule []struct {
		Milestone  string  `json:"milestone"`
		Percentage float64 `json:"percentage"`
		Amount     float64 `json:"amount"`
	} `json:"schedule"`
	LoanAmount float64 `json:"loan_amount"`
	EMIOptions []struct {
		TenureYears   int     `json:"tenure_years"`
		InterestRate  float64 `json:"interest_rate"`
		MonthlyEMI    float64 `json:"monthly_emi"`
		TotalInterest float64 `json:"total_interest"`
	} `json:"emi_options"`
}

// Simulation previews an approval decision.
type Simulation struct {
	CashImpact      float64  `json:"cash_impact"`
	RiskAssessment  string   `json:"risk_assessment"`
	Recommendations []string `json:"recommendations"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RunPlan triggers a planning pass for the client's project. Overrides may
// be nil to plan from live state only.
func (c *Client) RunPlan(ctx context.Context, overrides map[string]any) (PlanResult, error) {
	if overrides == nil {
		overrides = map[string]any{}
	}
	var resp PlanResult
	endpoint := fmt.Sprintf("v0/projects/%s/plan", url.PathEscape(c.ProjectID))
	err := c.do(ctx, http.MethodPost, endpoint, overrides, &resp)
	return resp, err
}

// Tasks lists tasks for the client's project.
func (c *Client) Tasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := fmt.Sprintf("v0/tasks?project_id=%s", url.QueryEscape(c.ProjectID))
	if status != "" {
		endpoint += "&status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PendingApprovals lists the approval queue, riskiest first.
func (c *Client) PendingApprovals(ctx context.Context, approverID string) ([]PendingApproval, error) {
	endpoint := fmt.Sprintf("v0/approvals?project_id=%s", url.QueryEscape(c.ProjectID))
	if approverID != "" {
		endpoint += "&approver_id=" + url.QueryEscape(approverID)
	}
	var resp []PendingApproval
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Decide approves or rejects a pending task.
func (c *Client) Decide(ctx context.Context, taskID, approverID, decision, note string) (Task, error) {
	body := map[string]any{
		"decision": decision,
		"note":     note,
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/approvals/%s", url.PathEscape(taskID), url.PathEscape(approverID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SimulateImpact previews what approving a task would mean.
func (c *Client) SimulateImpact(ctx context.Context, taskID string) (Simulation, error) {
	var resp Simulation
	endpoint := fmt.Sprintf("v0/tasks/%s/impact", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Quote computes a full pricing quote.
func (c *Client) Quote(ctx context.Context, input map[string]any) (PricingQuote, error) {
	var resp PricingQuote
	err := c.do(ctx, http.MethodPost, "v0/pricing/quote", input, &resp)
	return resp, err
}

// Execute runs a LOW risk task.
func (c *Client) Execute(ctx context.Context, taskID string) (map[string]any, error) {
	var resp map[string]any
	endpoint := fmt.Sprintf("v0/tasks/%s/execute", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
