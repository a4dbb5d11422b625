package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/aixgo-dev/agentops/internal/orchestration"
)

const (
	toolFinish       = "finish"
	toolWaitForHuman = "wait_for_human"
)

// ErrNoAPIKey is returned when no API key can be found for the model
var ErrNoAPIKey = errors.New("supervisor API key not found")

// OpenAIClient interface for testability
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIPolicy asks a chat model for the next decision. Every decision kind
// is offered as a function tool; the model answers by calling exactly one.
type OpenAIPolicy struct {
	client       OpenAIClient
	model        string
	systemPrompt string
	agents       map[string]string
	temperature  float32
}

// OpenAIOption configures an OpenAIPolicy.
type OpenAIOption func(*OpenAIPolicy)

// WithSystemPrompt replaces the default supervisor instructions.
func WithSystemPrompt(prompt string) OpenAIOption {
	return func(p *OpenAIPolicy) { p.systemPrompt = prompt }
}

// WithAgentDescriptions tells the model what each agent is good at.
func WithAgentDescriptions(desc map[string]string) OpenAIOption {
	return func(p *OpenAIPolicy) { p.agents = desc }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) OpenAIOption {
	return func(p *OpenAIPolicy) { p.temperature = t }
}

// NewOpenAIPolicy creates a policy backed by client.
func NewOpenAIPolicy(client OpenAIClient, model string, opts ...OpenAIOption) *OpenAIPolicy {
	p := &OpenAIPolicy{
		client:       client,
		model:        model,
		systemPrompt: defaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAIPolicyFromEnv creates a policy using the API key matching model.
// baseURL may be empty to use the provider default.
func NewOpenAIPolicyFromEnv(model, baseURL string, opts ...OpenAIOption) (*OpenAIPolicy, error) {
	apiKey := apiKeyFromEnv(model)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set XAI_API_KEY or OPENAI_API_KEY", ErrNoAPIKey)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	} else if isGrok(model) {
		cfg.BaseURL = "https://api.x.ai/v1"
	}
	return NewOpenAIPolicy(openai.NewClientWithConfig(cfg), model, opts...), nil
}

func isGrok(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "grok") || strings.Contains(m, "xai")
}

// apiKeyFromEnv returns the API key for model, falling back to any
// OpenAI-compatible key.
func apiKeyFromEnv(model string) string {
	if isGrok(model) {
		if key := os.Getenv("XAI_API_KEY"); key != "" {
			return key
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key
	}
	return os.Getenv("XAI_API_KEY")
}

const defaultSystemPrompt = `You supervise a group conversation between AI agents.
Each turn, pick exactly one action by calling one of the provided functions:
speak (one agent answers), broadcast (several agents answer the same instruction),
delegate (hand the conversation to one agent), execute_task / execute_tasks
(run background work), finish (the user's request is handled) or
wait_for_human (you need the user's input). Only address agents from the list.`

// Decide calls the model and converts its function call into a decision.
func (p *OpenAIPolicy) Decide(ctx context.Context, state orchestration.AgentState, last orchestration.ExecutorResult) (orchestration.PolicyDecision, error) {
	prompt, err := p.userPrompt(state, last)
	if err != nil {
		return orchestration.PolicyDecision{}, err
	}

	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Tools:       decisionTools(),
		ToolChoice:  "required",
		Temperature: p.temperature,
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return orchestration.PolicyDecision{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return orchestration.PolicyDecision{}, fmt.Errorf("no choices in response")
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		// A plain answer means the model considers the request handled.
		return orchestration.PolicyDecision{Finish: true, Reason: msg.Content}, nil
	}
	return toPolicyDecision(msg.ToolCalls[0].Function)
}

func toPolicyDecision(call openai.FunctionCall) (orchestration.PolicyDecision, error) {
	switch call.Name {
	case toolFinish, toolWaitForHuman:
		var args struct {
			Reason string `json:"reason"`
		}
		if call.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				return orchestration.PolicyDecision{}, fmt.Errorf("failed to unmarshal %s arguments: %w", call.Name, err)
			}
		}
		return orchestration.PolicyDecision{
			Finish:       call.Name == toolFinish,
			WaitForHuman: call.Name == toolWaitForHuman,
			Reason:       args.Reason,
		}, nil
	}

	d, err := orchestration.ParseDecision(orchestration.DecisionKind(call.Name), []byte(call.Arguments))
	if err != nil {
		return orchestration.PolicyDecision{}, err
	}
	return orchestration.PolicyDecision{Decision: d}, nil
}

type promptResult struct {
	Type   orchestration.ResultKind     `json:"type"`
	Result orchestration.ExecutorResult `json:"result"`
}

type promptState struct {
	Round     int                   `json:"round"`
	MaxRounds int                   `json:"maxRounds"`
	Agents    map[string]string     `json:"agents"`
	History   []orchestration.Round `json:"history,omitempty"`
	Last      *promptResult         `json:"lastResult,omitempty"`
}

func (p *OpenAIPolicy) userPrompt(state orchestration.AgentState, last orchestration.ExecutorResult) (string, error) {
	agents := make(map[string]string, len(state.AgentIDs))
	for _, id := range state.AgentIDs {
		agents[id] = p.agents[id]
	}
	ps := promptState{
		Round:     state.RoundCount,
		MaxRounds: state.MaxRounds,
		Agents:    agents,
		History:   state.History,
	}
	if last != nil {
		ps.Last = &promptResult{Type: last.ResultKind(), Result: last}
	}
	b, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal supervisor state: %w", err)
	}
	return "Current orchestration state:\n" + string(b), nil
}

func decisionTools() []openai.Tool {
	str := map[string]any{"type": "string"}
	task := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agentId":     str,
			"instruction": str,
			"title":       str,
			"timeout":     map[string]any{"type": "integer", "description": "milliseconds"},
			"runInClient": map[string]any{"type": "boolean"},
		},
		"required": []string{"agentId", "instruction"},
	}
	defs := []struct {
		name, desc string
		params     map[string]any
	}{
		{string(orchestration.DecisionSpeak), "Ask one agent to respond", object(map[string]any{
			"agentId": str, "instruction": str,
		}, "agentId")},
		{string(orchestration.DecisionBroadcast), "Ask several agents to respond to the same instruction", object(map[string]any{
			"agentIds": map[string]any{"type": "array", "items": str}, "instruction": str,
		}, "agentIds")},
		{string(orchestration.DecisionDelegate), "Hand the conversation to one agent", object(map[string]any{
			"agentId": str, "reason": str,
		}, "agentId")},
		{string(orchestration.DecisionExecuteTask), "Run one background task", task},
		{string(orchestration.DecisionExecuteTasks), "Run several background tasks concurrently", object(map[string]any{
			"tasks": map[string]any{"type": "array", "items": task},
		}, "tasks")},
		{toolFinish, "The request is fully handled", object(map[string]any{"reason": str})},
		{toolWaitForHuman, "Ask the user before continuing", object(map[string]any{"reason": str})},
	}

	tools := make([]openai.Tool, len(defs))
	for i, d := range defs {
		tools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.name,
				Description: d.desc,
				Parameters:  d.params,
			},
		}
	}
	return tools
}

func object(props map[string]any, required ...string) map[string]any {
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}
