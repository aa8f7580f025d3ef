package domain

// Risk levels for planned tasks.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// Task statuses.
const (
	TaskPending            = "PENDING"
	TaskAwaitingApproval   = "AWAITING_APPROVAL"
	TaskUnassignedApproval = "UNASSIGNED_APPROVAL"
	TaskInProgress         = "IN_PROGRESS"
	TaskCompleted          = "COMPLETED"
	TaskCancelled          = "CANCELLED"
)

// Approval states.
const (
	ApprovalPending  = "PENDING"
	ApprovalApproved = "APPROVED"
	ApprovalRejected = "REJECTED"
)

// Action types the planner can emit.
const (
	ActionReleaseUnits         = "releaseUnits"
	ActionGenerateDealPage     = "generateDealPage"
	ActionSendWhatsAppTemplate = "sendWhatsAppTemplate"
	ActionCreateOffer          = "createOffer"
	ActionFollowUpDealPage     = "followUpDealPage"
)

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	City      string `json:"city,omitempty"`
	Status    string `json:"status" enum:"active,paused,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CashTarget struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	TargetAmount float64 `json:"target_amount"`
	TargetDate   string  `json:"target_date" format:"date-time"`
	Status       string  `json:"status" enum:"ACTIVE,ACHIEVED,EXPIRED"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role" enum:"OWNER,PROJECT_ADMIN,AGENT"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Lead struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name,omitempty"`
	Phone     string `json:"phone"`
	Source    string `json:"source,omitempty"`
	Status    string `json:"status" enum:"NEW,QUALIFIED,INTERESTED,NEGOTIATION,CLOSED,LOST"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Unit struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	UnitNumber string  `json:"unit_number"`
	BHK        int     `json:"bhk,omitempty"`
	CarpetArea float64 `json:"carpet_area"`
	Status     string  `json:"status" enum:"AVAILABLE,HELD,BLOCKED,SOLD"`
	BasePrice  float64 `json:"base_price"`
	FloorRise  float64 `json:"floor_rise,omitempty"`
	Parking    int     `json:"parking,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type DealPage struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	LeadID    string `json:"lead_id"`
	LinkCode  string `json:"link_code"`
	// UnitIDsJSON is a JSON array of unit ids offered on the page.
	UnitIDsJSON string `json:"unit_ids_json"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Token struct {
	ID         string  `json:"id"`
	DealPageID string  `json:"deal_page_id"`
	Amount     float64 `json:"amount"`
	Status     string  `json:"status" enum:"CREATED,PAID,EXPIRED"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Receipt struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	LeadID    *string `json:"lead_id,omitempty"`
	Amount    float64 `json:"amount"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// Task is a candidate or in-flight unit of work emitted by the planner.
// A task with risk MEDIUM or HIGH must carry at least one approval before
// it may leave PENDING for execution.
type Task struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	AgentType       string   `json:"agent_type"`
	ActionType      string   `json:"action_type"`
	PayloadJSON     string   `json:"payload_json"`
	RiskLevel       string   `json:"risk_level" enum:"LOW,MEDIUM,HIGH"`
	CashImpactDelta *float64 `json:"cash_impact_delta,omitempty"`
	ReasonShort     string   `json:"reason_short,omitempty"`
	Status          string   `json:"status" enum:"PENDING,AWAITING_APPROVAL,UNASSIGNED_APPROVAL,IN_PROGRESS,COMPLETED,CANCELLED"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

// Approval is a decision request tied to a task. PENDING moves to APPROVED
// or REJECTED exactly once; decided rows are never re-decided or deleted.
type Approval struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	ApproverID string `json:"approver_id"`
	State      string `json:"state" enum:"PENDING,APPROVED,REJECTED"`
	Note       string `json:"note,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
