// Package policy maps a candidate task to a risk level and an approval
// requirement using the per-action rule table from config. Evaluation is a
// pure function: no I/O, deterministic for identical inputs.
package policy

import (
	"encoding/json"
	"fmt"
	"math"

	"cashline/internal/config"
	"cashline/internal/domain"
)

// Candidate is the slice of a task the evaluator looks at.
type Candidate struct {
	ActionType      string
	Payload         map[string]any
	CashImpactDelta *float64
}

// Decision is the evaluation outcome. Violations are advisory; the caller
// decides whether a violation blocks the task or merely flags it.
type Decision struct {
	RiskLevel        string
	RequiresApproval bool
	Violations       []string
}

// Evaluator evaluates candidates against an injected policy table.
type Evaluator struct {
	Policy config.Policy
}

func (e Evaluator) Evaluate(c Candidate) Decision {
	d := Decision{RiskLevel: domain.RiskLow}

	if !e.Policy.Allows(c.ActionType) {
		d.Violations = append(d.Violations, fmt.Sprintf("action %q is not in the allowed actions list", c.ActionType))
	}

	rule, ok := e.Policy.RuleFor(c.ActionType)
	if !ok {
		return d
	}
	if rule.Blocked {
		d.Violations = append(d.Violations, fmt.Sprintf("action %q is blocked by policy", c.ActionType))
	}
	if rule.DefaultRisk != "" {
		d.RiskLevel = rule.DefaultRisk
	}

	if c.ActionType == domain.ActionCreateOffer && rule.MaxDiscountPercent != nil {
		if discount, ok := payloadNumber(c.Payload, "discountPercent"); ok && discount > *rule.MaxDiscountPercent {
			d.RiskLevel = domain.RiskHigh
			d.RequiresApproval = true
			d.Violations = append(d.Violations,
				fmt.Sprintf("discount %.1f%% exceeds the policy maximum of %.1f%%", discount, *rule.MaxDiscountPercent))
		}
	}

	// A threshold of zero means the action always needs sign-off.
	if rule.RequireApprovalAboveCashImpact != nil {
		threshold := *rule.RequireApprovalAboveCashImpact
		var impact float64
		if c.CashImpactDelta != nil {
			impact = *c.CashImpactDelta
		}
		if threshold == 0 || math.Abs(impact) > threshold {
			d.RequiresApproval = true
			if d.RiskLevel == domain.RiskLow {
				d.RiskLevel = domain.RiskMedium
			}
		}
	}
	return d
}

func payloadNumber(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
