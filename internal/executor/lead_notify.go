package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
	"github.com/Vovarama1992/lead-reply-bridge/internal/delivery"
	"github.com/Vovarama1992/lead-reply-bridge/internal/transcript"
)

const LeadNotifyToolName = "notify_new_lead"

const leadConfirmInstructions = `You just registered the customer's interest with the sales team.
Using the function result, confirm it to the customer in one or two short, friendly sentences.
Do not mention internal systems or technical notes.`

// Lead is what the team webhook receives.
type Lead struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	Name           string  `json:"name"`
	Phone          string  `json:"phone"`
	Project        string  `json:"project,omitempty"`
	Budget         float64 `json:"budget,omitempty"`
	Interest       string  `json:"interest"`
	Source         string  `json:"source"`
}

// LeadNotifyTool posts a new lead to the team webhook and asks the model to
// phrase the confirmation. A failed webhook still yields a confirmation, with
// the failure reported in the function output.
type LeadNotifyTool struct {
	webhookURL string
	model      string
	backend    ai.Backend
	client     *http.Client
	logger     *slog.Logger
}

func NewLeadNotifyTool(webhookURL, model string, backend ai.Backend, logger *slog.Logger) *LeadNotifyTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeadNotifyTool{
		webhookURL: strings.TrimSpace(webhookURL),
		model:      model,
		backend:    backend,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "tool", "tool", LeadNotifyToolName),
	}
}

func (t *LeadNotifyTool) Name() string { return LeadNotifyToolName }

func (t *LeadNotifyTool) Schema() ai.ToolSchema {
	return ai.ToolSchema{
		Name:        LeadNotifyToolName,
		Description: "Notify the sales team about a new qualified lead with the required fields.",
		Strict:      true,
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"name", "phone", "project", "budget"},
			"properties": map[string]any{
				"name":    map[string]any{"type": "string", "description": "Lead name"},
				"phone":   map[string]any{"type": "string", "description": "Lead phone number"},
				"project": map[string]any{"type": "string", "description": "Project the lead is interested in"},
				"budget":  map[string]any{"type": "number", "description": "Average price range the lead is considering"},
			},
			"additionalProperties": false,
		},
	}
}

func (t *LeadNotifyTool) Execute(ctx context.Context, call Call) ([]transcript.Record, error) {
	lead := newLead(call)
	t.logger.Info("notifying lead",
		"conversation_id", call.ConversationID,
		"call_id", call.CallID,
		"lead_id", lead.ID)

	output := "Lead registered and the sales team was notified."
	if err := t.notify(ctx, lead); err != nil {
		t.logger.Error("lead webhook failed", "conversation_id", call.ConversationID, "error", err)
		output = "The request was registered and the team will get in touch soon. " +
			"(technical note: team notification failed)"
	}

	args, err := json.Marshal(call.Arguments)
	if err != nil {
		return nil, fmt.Errorf("%s: arguments: %w", LeadNotifyToolName, err)
	}

	input := append([]ai.Turn{}, call.Turns...)
	input = append(input,
		ai.Turn{Role: ai.RoleFunctionCall, CallID: call.CallID, Name: call.Name, Arguments: string(args)},
		ai.Turn{Role: ai.RoleFunctionCallOutput, CallID: call.CallID, Text: output},
	)

	resp, err := t.backend.Respond(ctx, ai.Request{
		Model:        t.model,
		Instructions: leadConfirmInstructions,
		Input:        input,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: confirm: %w", LeadNotifyToolName, err)
	}

	reply := strings.TrimSpace(strings.Join(resp.Texts(), ". "))
	if reply == "" {
		reply = output
	}

	return []transcript.Record{
		transcript.FunctionCall(call.ConversationID, call.CallID, call.Name, string(args)),
		transcript.FunctionCallOutput(call.ConversationID, call.CallID, output),
		transcript.Assistant(call.ConversationID, reply),
	}, nil
}

func (t *LeadNotifyTool) notify(ctx context.Context, lead Lead) error {
	if t.webhookURL == "" {
		return fmt.Errorf("lead webhook url not set")
	}
	return delivery.PostJSON(ctx, t.client, t.webhookURL, "", lead)
}

func newLead(call Call) Lead {
	phone := digits(stringArg(call.Arguments, "phone"))
	if phone == "" {
		phone = digits(call.ConversationID)
	}

	name := strings.TrimSpace(stringArg(call.Arguments, "name"))
	if name == "" {
		suffix := phone
		if len(suffix) > 4 {
			suffix = suffix[len(suffix)-4:]
		}
		name = "Customer " + suffix
	}

	project := strings.TrimSpace(stringArg(call.Arguments, "project"))
	budget := numberArg(call.Arguments, "budget")

	var interest []string
	if project != "" {
		interest = append(interest, "Project: "+project)
	}
	if budget > 0 {
		interest = append(interest, fmt.Sprintf("Budget: %.2f", budget))
	}
	if len(interest) == 0 {
		interest = append(interest, "Interest shown in chat")
	}

	return Lead{
		ID:             uuid.NewString(),
		ConversationID: call.ConversationID,
		Name:           name,
		Phone:          phone,
		Project:        project,
		Budget:         budget,
		Interest:       strings.Join(interest, " | "),
		Source:         "chat-ai",
	}
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func numberArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f
	}
	return 0
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
