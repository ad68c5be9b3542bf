package transcript

import (
	"encoding/json"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
)

type callPayload struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type outputPayload struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

func User(conversationID, text string) Record {
	return Record{ConversationID: conversationID, Role: RoleUser, Content: text}
}

func Assistant(conversationID, text string) Record {
	return Record{ConversationID: conversationID, Role: RoleAssistant, Content: text}
}

func FunctionCall(conversationID, callID, name, arguments string) Record {
	b, _ := json.Marshal(callPayload{CallID: callID, Name: name, Arguments: arguments})
	return Record{ConversationID: conversationID, Role: RoleFunctionCall, Content: string(b)}
}

func FunctionCallOutput(conversationID, callID, output string) Record {
	b, _ := json.Marshal(outputPayload{CallID: callID, Output: output})
	return Record{ConversationID: conversationID, Role: RoleFunctionCallOutput, Content: string(b)}
}

// Turn converts a stored record back into a backend turn. Function records
// whose payload does not parse are replayed as assistant text.
func (r Record) Turn() ai.Turn {
	switch r.Role {
	case RoleFunctionCall:
		var p callPayload
		if err := json.Unmarshal([]byte(r.Content), &p); err == nil && p.CallID != "" {
			return ai.Turn{Role: ai.RoleFunctionCall, CallID: p.CallID, Name: p.Name, Arguments: p.Arguments}
		}
		return ai.Turn{Role: ai.RoleAssistant, Text: r.Content}

	case RoleFunctionCallOutput:
		var p outputPayload
		if err := json.Unmarshal([]byte(r.Content), &p); err == nil && p.CallID != "" {
			return ai.Turn{Role: ai.RoleFunctionCallOutput, CallID: p.CallID, Text: p.Output}
		}
		return ai.Turn{Role: ai.RoleAssistant, Text: r.Content}
	}

	return ai.Turn{Role: ai.Role(r.Role), Text: r.Content}
}

func ToTurns(records []Record) []ai.Turn {
	turns := make([]ai.Turn, 0, len(records))
	for _, r := range records {
		turns = append(turns, r.Turn())
	}
	return turns
}
