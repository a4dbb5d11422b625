package orchestration

import (
	"encoding/json"
	"fmt"
)

// DecisionEnvelope is the serialised form of a decision:
// {"decision": "speak", "params": {"agentId": "a1", "instruction": "hi"}}.
type DecisionEnvelope struct {
	Decision DecisionKind    `json:"decision" yaml:"decision"`
	Params   json.RawMessage `json:"params,omitempty" yaml:"-"`
}

// ParseDecision builds a typed decision from its kind and JSON params.
func ParseDecision(kind DecisionKind, params []byte) (Decision, error) {
	var (
		d   Decision
		err error
	)
	switch kind {
	case DecisionSpeak:
		d, err = unmarshalDecision[Speak](params)
	case DecisionBroadcast:
		d, err = unmarshalDecision[Broadcast](params)
	case DecisionDelegate:
		d, err = unmarshalDecision[Delegate](params)
	case DecisionExecuteTask:
		d, err = unmarshalDecision[ExecuteTask](params)
	case DecisionExecuteTasks:
		d, err = unmarshalDecision[ExecuteTasks](params)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDecision, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s params: %w", kind, err)
	}
	return d, nil
}

// ParseDecisionMap is ParseDecision for params decoded from YAML or another
// loosely typed source.
func ParseDecisionMap(kind DecisionKind, params map[string]any) (Decision, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", kind, err)
	}
	return ParseDecision(kind, raw)
}

func unmarshalDecision[T Decision](params []byte) (Decision, error) {
	var v T
	if len(params) == 0 || string(params) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeDecision returns the envelope for d.
func EncodeDecision(d Decision) (DecisionEnvelope, error) {
	params, err := json.Marshal(d)
	if err != nil {
		return DecisionEnvelope{}, err
	}
	return DecisionEnvelope{Decision: d.Kind(), Params: params}, nil
}

// Decode parses the envelope.
func (e DecisionEnvelope) Decode() (Decision, error) {
	return ParseDecision(e.Decision, e.Params)
}
