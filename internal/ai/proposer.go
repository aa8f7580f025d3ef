// Package ai augments a planning run with language-model task proposals.
// The proposer is strictly best-effort: any network, parse or content
// failure degrades to an empty proposal list and never reaches the caller.
package ai

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"cashline/internal/domain"
	"cashline/internal/planner"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 20 * time.Second
	maxProposals   = 6
)

const systemPrompt = `You are Cashline, an agent OS that plans cash-in tasks for Indian real-estate developers.
- Only propose concrete, actionable tasks that can be executed programmatically.
- Each task has: agentType, actionType, payload, riskLevel (LOW/MEDIUM/HIGH), optional cashImpactDelta, optional reasonShort.
- Respect policy basics: discounts under 10% are MEDIUM risk; above 10% HIGH risk; WhatsApp nudges are LOW risk; releasing inventory MEDIUM risk.`

// Disabled is the proposer used when no model credential is configured.
type Disabled struct{}

func (Disabled) ProposeTasks(context.Context, planner.Context) []planner.TaskInput { return nil }

// NewFromKey returns an OpenAI-backed proposer, or Disabled when the key
// is empty.
func NewFromKey(apiKey string) planner.Proposer {
	if strings.TrimSpace(apiKey) == "" {
		return Disabled{}
	}
	return &OpenAIProposer{Client: openai.NewClient(apiKey)}
}

type OpenAIProposer struct {
	Client  *openai.Client
	Model   string
	Timeout time.Duration
}

func (p *OpenAIProposer) ProposeTasks(ctx context.Context, pctx planner.Context) []planner.TaskInput {
	model := p.Model
	if model == "" {
		model = defaultModel
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(pctx)},
		},
	})
	if err != nil {
		log.Printf("ai: proposal request failed: %v", err)
		return nil
	}
	if len(resp.Choices) == 0 {
		return nil
	}
	return Sanitize(Parse(resp.Choices[0].Message.Content))
}

func userPrompt(pctx planner.Context) string {
	var b strings.Builder
	b.WriteString("Project Context:\n")
	data, _ := json.MarshalIndent(map[string]any{
		"projectId":        pctx.ProjectID,
		"currentCashFlow":  pctx.CurrentCashFlow,
		"targetAmount":     pctx.TargetAmount,
		"targetDateISO":    pctx.TargetDate.UTC().Format(time.RFC3339),
		"activeTasks":      pctx.ActiveTasks,
		"pendingApprovals": pctx.PendingApprovals,
	}, "", "  ")
	b.Write(data)
	b.WriteString("\n\nReturn a JSON array of 3-6 tasks, no narration.")
	return b.String()
}

// rawTask mirrors the loose shape a model may answer with.
type rawTask struct {
	AgentType       string         `json:"agentType"`
	ActionType      string         `json:"actionType"`
	Payload         map[string]any `json:"payload"`
	RiskLevel       string         `json:"riskLevel"`
	CashImpactDelta *float64       `json:"cashImpactDelta"`
	ReasonShort     string         `json:"reasonShort"`
}

// Parse accepts either a bare JSON array or an object wrapping one under
// "tasks". Items are decoded one at a time, so a single malformed item is
// dropped without losing the rest. Anything else parses to nil.
func Parse(content string) []rawTask {
	content = strings.TrimSpace(content)
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(content), &items); err != nil {
		var wrapped struct {
			Tasks []json.RawMessage `json:"tasks"`
		}
		if err := json.Unmarshal([]byte(content), &wrapped); err != nil {
			log.Printf("ai: discarding unparseable proposal response")
			return nil
		}
		items = wrapped.Tasks
	}
	var out []rawTask
	for _, item := range items {
		var t rawTask
		if err := json.Unmarshal(item, &t); err != nil {
			log.Printf("ai: dropping malformed proposal item: %v", err)
			continue
		}
		out = append(out, t)
	}
	return out
}

// Sanitize enforces the minimal contract: agentType and actionType
// present, risk coerced into the known levels, at most maxProposals items.
func Sanitize(raw []rawTask) []planner.TaskInput {
	var out []planner.TaskInput
	for _, t := range raw {
		if len(out) >= maxProposals {
			break
		}
		if strings.TrimSpace(t.AgentType) == "" || strings.TrimSpace(t.ActionType) == "" {
			continue
		}
		risk := strings.ToUpper(strings.TrimSpace(t.RiskLevel))
		switch risk {
		case domain.RiskLow, domain.RiskMedium, domain.RiskHigh:
		default:
			risk = domain.RiskLow
		}
		payload := t.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		out = append(out, planner.TaskInput{
			AgentType:       t.AgentType,
			ActionType:      t.ActionType,
			Payload:         payload,
			RiskLevel:       risk,
			CashImpactDelta: t.CashImpactDelta,
			ReasonShort:     t.ReasonShort,
		})
	}
	return out
}
