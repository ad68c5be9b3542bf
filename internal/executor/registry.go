package executor

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
)

// RosterPlaceholder is replaced by RenderInstructions with one line per
// registered agent.
const RosterPlaceholder = "[[AGENTS]]"

var agentNumber = regexp.MustCompile(`^#(\d+)$`)

type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	tools  map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		tools:  make(map[string]Tool),
	}
}

func (r *Registry) RegisterAgent(a Agent) error {
	if !agentNumber.MatchString(a.ID()) {
		return fmt.Errorf("executor: agent id %q must look like #<number>", a.ID())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.ID()]; ok {
		return fmt.Errorf("executor: agent %s already registered", a.ID())
	}
	r.agents[a.ID()] = a
	return nil
}

func (r *Registry) RegisterTool(t Tool) error {
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return fmt.Errorf("executor: tool without name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("executor: tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

func (r *Registry) Agent(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

func (r *Registry) Tool(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// Schemas lists tool schemas sorted by name.
func (r *Registry) Schemas() []ai.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ai.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Schema())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RenderInstructions fills RosterPlaceholder in instructions with the agent
// roster, ordered by agent number.
func (r *Registry) RenderInstructions(instructions string) string {
	if !strings.Contains(instructions, RosterPlaceholder) {
		return instructions
	}

	r.mu.RLock()
	agents := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool {
		return idNumber(agents[i].ID()) < idNumber(agents[j].ID())
	})

	lines := make([]string, 0, len(agents))
	for _, a := range agents {
		lines = append(lines, fmt.Sprintf("%s: reply only with %q", a.Name(), a.ID()))
	}
	return strings.ReplaceAll(instructions, RosterPlaceholder, strings.Join(lines, ",\n"))
}

func idNumber(id string) int {
	m := agentNumber.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
