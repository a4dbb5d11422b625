package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/agentops/internal/orchestration"
	"github.com/aixgo-dev/agentops/internal/orchestration/policy"
	"github.com/aixgo-dev/agentops/pkg/transport"
)

// maxRunFileSize bounds the scenario file read by loadRunFile.
const maxRunFileSize = 1 << 20

// runFile describes one group conversation: the agents taking part, what
// each of them answers when no runtime is configured, and the supervisor's
// script.
type runFile struct {
	GroupID      string        `yaml:"group_id"`
	TopicID      string        `yaml:"topic_id"`
	Supervisor   string        `yaml:"supervisor"`
	MaxRounds    int           `yaml:"max_rounds"`
	RuntimeURL   string        `yaml:"runtime_url"`
	RuntimeHosts []string      `yaml:"runtime_hosts"`
	UserMessage  string        `yaml:"user_message"`
	Agents       []agentSpec   `yaml:"agents"`
	Initial      *policy.Step  `yaml:"initial"`
	Policy       []policy.Step `yaml:"policy"`
}

// agentSpec is an agent's runtime configuration plus its canned replies.
type agentSpec struct {
	transport.AgentConfig `yaml:",inline"`
	Description           string                 `yaml:"description"`
	Script                []transport.ScriptStep `yaml:"script"`
}

func loadRunFile(path string) (*runFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}
	if info.Size() > maxRunFileSize {
		return nil, fmt.Errorf("run file too large: %d bytes (max %d)", info.Size(), maxRunFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}
	return parseRunFile(data)
}

// parseRunFile decodes and validates a scenario and fills in identifiers the
// file leaves out.
func parseRunFile(data []byte) (*runFile, error) {
	var rf runFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse run file: %w", err)
	}
	if err := rf.validate(); err != nil {
		return nil, err
	}

	if rf.GroupID == "" {
		rf.GroupID = "group_" + uuid.NewString()
	}
	if rf.TopicID == "" {
		rf.TopicID = "topic_" + uuid.NewString()
	}
	if rf.Supervisor == "" {
		rf.Supervisor = "supervisor"
	}
	return &rf, nil
}

func (rf *runFile) validate() error {
	if len(rf.Agents) == 0 {
		return fmt.Errorf("run file declares no agents")
	}
	seen := make(map[string]bool, len(rf.Agents))
	for i, a := range rf.Agents {
		if a.AgentID == "" {
			return fmt.Errorf("agents[%d]: agent_id is required", i)
		}
		if seen[a.AgentID] {
			return fmt.Errorf("agents[%d]: duplicate agent_id %q", i, a.AgentID)
		}
		seen[a.AgentID] = true
		for j, step := range a.Script {
			if _, err := step.ToEvent(); err != nil {
				return fmt.Errorf("agents[%d].script[%d]: %w", i, j, err)
			}
		}
	}
	if rf.MaxRounds < 0 {
		return fmt.Errorf("max_rounds must not be negative")
	}
	if _, err := rf.initialResult(); err != nil {
		return err
	}
	if _, err := policy.NewScriptedPolicy(rf.Policy); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}

// initialResult turns the initial step into the result seeding the loop. A
// missing initial step lets the policy pick the first decision.
func (rf *runFile) initialResult() (orchestration.ExecutorResult, error) {
	if rf.Initial == nil || rf.Initial.Decision == "" {
		return nil, nil
	}
	d, err := orchestration.ParseDecisionMap(rf.Initial.Decision, rf.Initial.Params)
	if err != nil {
		return nil, fmt.Errorf("initial: %w", err)
	}
	return orchestration.SupervisorDecided{Decision: d, SkipCallSupervisor: rf.Initial.Finish}, nil
}

func (rf *runFile) agentIDs() []string {
	ids := make([]string, len(rf.Agents))
	for i, a := range rf.Agents {
		ids[i] = a.AgentID
	}
	return ids
}

func (rf *runFile) agentConfigs() []transport.AgentConfig {
	out := make([]transport.AgentConfig, len(rf.Agents))
	for i, a := range rf.Agents {
		out[i] = a.AgentConfig
	}
	return out
}

func (rf *runFile) descriptions() map[string]string {
	out := make(map[string]string, len(rf.Agents))
	for _, a := range rf.Agents {
		if a.Description != "" {
			out[a.AgentID] = a.Description
		}
	}
	return out
}
