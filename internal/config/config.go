package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models cashline.yml: project identity, planner thresholds and the
// per-action policy table. Loaded once by the caller and injected into the
// planner and policy evaluator; nothing reads it from ambient scope.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Planner PlannerConfig `yaml:"planner"`
	Policy  Policy        `yaml:"policy"`
	Approvals struct {
		// Roles eligible to receive approval requests, in preference order.
		ApproverRoles []string `yaml:"approver_roles"`
	} `yaml:"approvals"`
}

// PlannerConfig carries the trigger thresholds for the deterministic rules.
type PlannerConfig struct {
	LowInventoryThreshold int     `yaml:"low_inventory_threshold"`
	UnitsToRelease        int     `yaml:"units_to_release"`
	DealPageLeadLimit     int     `yaml:"deal_page_lead_limit"`
	UnitsPerDealPage      int     `yaml:"units_per_deal_page"`
	DealPageExpiryDays    int     `yaml:"deal_page_expiry_days"`
	DealPageCashEstimate  float64 `yaml:"deal_page_cash_estimate"`
	StaleLeadDays         int     `yaml:"stale_lead_days"`
	StaleLeadLimit        int     `yaml:"stale_lead_limit"`
	TokenReminderDays     int     `yaml:"token_reminder_days"`
	TokenReminderLimit    int     `yaml:"token_reminder_limit"`
	UrgentCashGap         float64 `yaml:"urgent_cash_gap"`
	UrgentDaysToTarget    int     `yaml:"urgent_days_to_target"`
	UrgentDiscountPercent float64 `yaml:"urgent_discount_percent"`
	UrgentDiscountCost    float64 `yaml:"urgent_discount_cost"`
}

// Policy is the allow-list plus per-action rule table.
type Policy struct {
	AllowedActions []string `yaml:"allowed_actions"`
	Rules          []Rule   `yaml:"rules"`
}

// Rule configures risk defaults and escalation thresholds for one action
// type. Immutable at evaluation time; matched by exact action type.
type Rule struct {
	ActionType                     string   `yaml:"action_type"`
	DefaultRisk                    string   `yaml:"default_risk"`
	MaxDiscountPercent             *float64 `yaml:"max_discount_percent,omitempty"`
	RequireApprovalAboveCashImpact *float64 `yaml:"require_approval_above_cash_impact,omitempty"`
	Blocked                        bool     `yaml:"blocked,omitempty"`
}

// RuleFor returns the rule for an action type, if configured.
func (p Policy) RuleFor(actionType string) (Rule, bool) {
	for _, r := range p.Rules {
		if r.ActionType == actionType {
			return r, true
		}
	}
	return Rule{}, false
}

// Allows reports whether the action type is on the allow-list.
func (p Policy) Allows(actionType string) bool {
	for _, a := range p.AllowedActions {
		if a == actionType {
			return true
		}
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "real-estate-project" {
		return fmt.Errorf("config.project.kind must be 'real-estate-project'")
	}
	if len(c.Policy.AllowedActions) == 0 {
		return fmt.Errorf("config.policy.allowed_actions is required")
	}
	seen := map[string]bool{}
	for _, rule := range c.Policy.Rules {
		if rule.ActionType == "" {
			return fmt.Errorf("config.policy.rules contains empty action_type")
		}
		if seen[rule.ActionType] {
			return fmt.Errorf("duplicate policy rule for action %s", rule.ActionType)
		}
		seen[rule.ActionType] = true
		switch rule.DefaultRisk {
		case "", "LOW", "MEDIUM", "HIGH":
		default:
			return fmt.Errorf("rule %s has invalid default_risk %s", rule.ActionType, rule.DefaultRisk)
		}
		if rule.MaxDiscountPercent != nil && (*rule.MaxDiscountPercent < 0 || *rule.MaxDiscountPercent > 100) {
			return fmt.Errorf("rule %s max_discount_percent out of range", rule.ActionType)
		}
		if rule.RequireApprovalAboveCashImpact != nil && *rule.RequireApprovalAboveCashImpact < 0 {
			return fmt.Errorf("rule %s require_approval_above_cash_impact must be >= 0", rule.ActionType)
		}
	}
	if c.Planner.LowInventoryThreshold < 0 || c.Planner.StaleLeadDays < 0 || c.Planner.TokenReminderDays < 0 {
		return fmt.Errorf("planner thresholds must be >= 0")
	}
	if c.Planner.UrgentDiscountPercent < 0 || c.Planner.UrgentDiscountPercent > 100 {
		return fmt.Errorf("planner.urgent_discount_percent out of range")
	}
	for _, role := range c.Approvals.ApproverRoles {
		switch role {
		case "OWNER", "PROJECT_ADMIN", "AGENT":
		default:
			return fmt.Errorf("approvals.approver_roles contains unknown role %s", role)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cashline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "real-estate-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: real-estate-project

planner:
  low_inventory_threshold: 5
  units_to_release: 10
  deal_page_lead_limit: 3
  units_per_deal_page: 3
  deal_page_expiry_days: 7
  deal_page_cash_estimate: 8500000
  stale_lead_days: 3
  stale_lead_limit: 5
  token_reminder_days: 1
  token_reminder_limit: 5
  urgent_cash_gap: 50000000
  urgent_days_to_target: 30
  urgent_discount_percent: 5
  urgent_discount_cost: 2500000

policy:
  allowed_actions:
    - releaseUnits
    - generateDealPage
    - sendWhatsAppTemplate
    - createOffer
    - followUpDealPage
  rules:
    - action_type: releaseUnits
      default_risk: MEDIUM
      require_approval_above_cash_impact: 0
    - action_type: generateDealPage
      default_risk: LOW
    - action_type: sendWhatsAppTemplate
      default_risk: LOW
    - action_type: createOffer
      default_risk: HIGH
      max_discount_percent: 10
      require_approval_above_cash_impact: 0
    - action_type: followUpDealPage
      default_risk: LOW

approvals:
  approver_roles: [OWNER, PROJECT_ADMIN]
`
