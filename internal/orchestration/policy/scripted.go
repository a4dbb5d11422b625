// Package policy provides decision policies for the orchestration
// supervisor: a deterministic scripted policy and an LLM-backed one.
package policy

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/agentops/internal/orchestration"
)

// Step is one scripted supervisor answer.
type Step struct {
	Decision     orchestration.DecisionKind `yaml:"decision,omitempty"`
	Params       map[string]any             `yaml:"params,omitempty"`
	Finish       bool                       `yaml:"finish,omitempty"`
	WaitForHuman bool                       `yaml:"wait_for_human,omitempty"`
	Reason       string                     `yaml:"reason,omitempty"`
}

// ScriptedPolicy replays a fixed sequence of decisions and finishes once the
// script is exhausted.
type ScriptedPolicy struct {
	mu      sync.Mutex
	answers []orchestration.PolicyDecision
	next    int
}

// NewScriptedPolicy validates steps up front so a bad script fails before a
// run starts.
func NewScriptedPolicy(steps []Step) (*ScriptedPolicy, error) {
	answers := make([]orchestration.PolicyDecision, 0, len(steps))
	for i, s := range steps {
		pd := orchestration.PolicyDecision{
			Finish:       s.Finish,
			WaitForHuman: s.WaitForHuman,
			Reason:       s.Reason,
		}
		if s.Decision != "" {
			d, err := orchestration.ParseDecisionMap(s.Decision, s.Params)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			pd.Decision = d
		} else if !s.Finish && !s.WaitForHuman {
			return nil, fmt.Errorf("step %d: needs a decision, finish or wait_for_human", i)
		}
		answers = append(answers, pd)
	}
	return &ScriptedPolicy{answers: answers}, nil
}

// ParseScript decodes a YAML list of steps.
func ParseScript(data []byte) (*ScriptedPolicy, error) {
	var steps []Step
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("failed to parse policy script: %w", err)
	}
	return NewScriptedPolicy(steps)
}

// Decide returns the next scripted answer.
func (p *ScriptedPolicy) Decide(ctx context.Context, _ orchestration.AgentState, _ orchestration.ExecutorResult) (orchestration.PolicyDecision, error) {
	if err := ctx.Err(); err != nil {
		return orchestration.PolicyDecision{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.answers) {
		return orchestration.PolicyDecision{Finish: true, Reason: "script exhausted"}, nil
	}
	pd := p.answers[p.next]
	p.next++
	return pd, nil
}

// Remaining reports how many scripted answers are left.
func (p *ScriptedPolicy) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.answers) - p.next
}
