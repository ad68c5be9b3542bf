package orchestrator

import (
	"regexp"
	"strings"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
)

type Kind int

const (
	KindDirect Kind = iota
	KindAgents
	KindTools
)

func (k Kind) String() string {
	switch k {
	case KindAgents:
		return "agents"
	case KindTools:
		return "tools"
	}
	return "direct"
}

// Decision is the route taken for one turn. Only the fields of its Kind are
// set: Reply for direct, AgentIDs for agents, Calls for tools.
type Decision struct {
	Kind     Kind
	Reply    string
	AgentIDs []string
	Calls    []ai.Output
}

var agentMarker = regexp.MustCompile(`#\d+`)

// Classify routes a backend response. Agent markers in the text win over
// completed function calls; anything else is a direct reply.
func Classify(resp *ai.Response) Decision {
	texts := resp.Texts()

	if ids := agentIDs(strings.Join(texts, " ")); len(ids) > 0 {
		return Decision{Kind: KindAgents, AgentIDs: ids}
	}
	if calls := resp.CompletedCalls(); len(calls) > 0 {
		return Decision{Kind: KindTools, Calls: calls}
	}
	return Decision{Kind: KindDirect, Reply: strings.TrimSpace(strings.Join(texts, ". "))}
}

// agentIDs returns the markers in order of first appearance.
func agentIDs(text string) []string {
	matches := agentMarker.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
