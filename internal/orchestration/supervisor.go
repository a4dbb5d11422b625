package orchestration

import (
	"context"
	"fmt"
)

// PolicyDecision is the answer of an external decision policy.
type PolicyDecision struct {
	Decision     Decision
	Finish       bool
	WaitForHuman bool
	Reason       string
}

// DecisionPolicy picks the next decision from the latest result. The
// supervisor agent's LLM call lives behind this interface.
type DecisionPolicy interface {
	Decide(ctx context.Context, state AgentState, last ExecutorResult) (PolicyDecision, error)
}

// PolicyFunc adapts a function to DecisionPolicy.
type PolicyFunc func(ctx context.Context, state AgentState, last ExecutorResult) (PolicyDecision, error)

// Decide calls f.
func (f PolicyFunc) Decide(ctx context.Context, state AgentState, last ExecutorResult) (PolicyDecision, error) {
	return f(ctx, state, last)
}

// Verdict is the supervisor's transition for one step: either a decision to
// execute (Status running) or a terminal/waiting status.
type Verdict struct {
	Status    Status
	Decision  Decision
	Forced    bool
	Consulted bool
	Reason    string
}

// Supervisor is the decision state machine.
type Supervisor struct {
	policy DecisionPolicy
}

// NewSupervisor creates a supervisor backed by policy. A nil policy finishes
// the run whenever it would have been consulted.
func NewSupervisor(policy DecisionPolicy) *Supervisor {
	return &Supervisor{policy: policy}
}

// Next decides what happens after result. The round bound is checked first so
// no policy can keep the loop alive past MaxRounds.
func (s *Supervisor) Next(ctx context.Context, state AgentState, result ExecutorResult) Verdict {
	if state.Status.IsTerminal() {
		return Verdict{Status: state.Status, Reason: "already " + string(state.Status)}
	}

	if state.RoundCount >= state.MaxRounds {
		return Verdict{Status: StatusDone, Reason: fmt.Sprintf("reached max rounds (%d)", state.MaxRounds)}
	}

	switch r := result.(type) {
	case SupervisorDecided:
		if r.Decision == nil {
			return Verdict{Status: StatusError, Reason: "supervisor_decided without decision"}
		}
		return Verdict{Status: StatusRunning, Decision: r.Decision, Forced: r.SkipCallSupervisor}
	case ExecutorError:
		return Verdict{Status: StatusError, Reason: r.Error()}
	}

	if result != nil && state.skipSupervisor {
		return Verdict{Status: StatusDone, Reason: "supervisor call skipped"}
	}

	if s.policy == nil {
		return Verdict{Status: StatusDone, Reason: "no decision policy"}
	}

	pd, err := s.policy.Decide(ctx, state, result)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{Status: StatusDone, Consulted: true, Reason: "cancelled while deciding"}
		}
		return Verdict{Status: StatusError, Consulted: true, Reason: fmt.Sprintf("decision policy: %v", err)}
	}

	switch {
	case pd.WaitForHuman:
		return Verdict{Status: StatusWaitingForHuman, Consulted: true, Reason: pd.Reason}
	case pd.Finish || pd.Decision == nil:
		return Verdict{Status: StatusDone, Consulted: true, Reason: pd.Reason}
	}
	return Verdict{Status: StatusRunning, Decision: pd.Decision, Consulted: true, Reason: pd.Reason}
}
