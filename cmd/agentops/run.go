package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentops/internal/agentturn"
	"github.com/aixgo-dev/agentops/internal/operation"
	"github.com/aixgo-dev/agentops/internal/orchestration"
	"github.com/aixgo-dev/agentops/internal/orchestration/policy"
	"github.com/aixgo-dev/agentops/pkg/eventbus"
	"github.com/aixgo-dev/agentops/pkg/message"
	"github.com/aixgo-dev/agentops/pkg/observability"
	"github.com/aixgo-dev/agentops/pkg/transport"
)

// prompter reads one line of user input. *liner.State implements it.
type prompter interface {
	Prompt(prompt string) (string, error)
}

type runOptions struct {
	policy      string
	interactive bool
	httpPort    int
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a supervised group conversation",
		Long: `Run a group conversation described by a scenario file. Agents answer with
their scripted events, or through the SSE runtime at runtime_url. Tool
approvals and client tasks are accepted automatically unless --interactive
is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			rf, err := loadRunFile(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(context.Background()); err != nil {
					log.Printf("Shutdown error: %v", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var in prompter
			if opts.interactive {
				line := liner.NewLiner()
				defer line.Close()
				line.SetCtrlCAborts(true)
				in = line
			}

			sweeper, err := operation.NewSweeper(a.ops, cfg.Operations.SweepSchedule, cfg.Operations.Retention)
			if err != nil {
				return err
			}
			sweeper.Start()
			defer func() {
				if err := sweeper.Stop(context.Background()); err != nil {
					log.Printf("Sweeper shutdown error: %v", err)
				}
			}()

			if opts.httpPort > 0 {
				observability.InitMetrics()
				serveUntil(ctx, a.operationsServer(opts.httpPort), make(chan error, 1))
			}

			res, err := runScenario(ctx, a, rf, opts, cmd.OutOrStdout(), in)
			if err != nil {
				return err
			}
			if res.State.Status == orchestration.StatusError {
				return fmt.Errorf("orchestration failed: %s", res.State.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.policy, "policy", "scripted", "supervisor decision policy: scripted or openai")
	cmd.Flags().BoolVarP(&opts.interactive, "interactive", "i", false, "ask before approving tools and running client tasks")
	cmd.Flags().IntVar(&opts.httpPort, "http-port", 0, "serve metrics and operations on this port while running")
	return cmd
}

// scenario is everything wired for one run.
type scenario struct {
	app    *app
	rf     *runFile
	exec   *agentturn.Executor
	board  *orchestration.TaskBoard
	orch   *orchestration.GroupOrchestrator
	out    io.Writer
	in     prompter
	promMu sync.Mutex
}

// runScenario executes rf and prints the transcript to out. With a nil in,
// every approval and client task is accepted without asking.
func runScenario(ctx context.Context, a *app, rf *runFile, opts runOptions, out io.Writer, in prompter) (orchestration.RunResult, error) {
	s, err := newScenario(a, rf, opts, out, in)
	if err != nil {
		return orchestration.RunResult{}, err
	}

	events, unsubscribe := a.bus.Subscribe(eventbus.DefaultBuffer, needsClient)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range events {
			s.handleClientEvent(ctx, e)
		}
	}()
	defer func() {
		unsubscribe()
		wg.Wait()
	}()

	if rf.UserMessage != "" {
		if err := s.postUserMessage(ctx, rf.UserMessage); err != nil {
			return orchestration.RunResult{}, err
		}
	}

	initial, err := rf.initialResult()
	if err != nil {
		return orchestration.RunResult{}, err
	}
	res := s.orch.ExecGroupOrchestration(ctx, orchestration.RunParams{
		GroupID:           rf.GroupID,
		TopicID:           rf.TopicID,
		SupervisorAgentID: rf.Supervisor,
		AgentIDs:          rf.agentIDs(),
		MaxRounds:         rf.MaxRounds,
		InitialResult:     initial,
		AfterCompletion: []operation.AfterCompletionCallback{func(context.Context) error {
			fmt.Fprintln(s.out, "-- orchestration completed")
			return nil
		}},
	})

	for res.State.Status == orchestration.StatusWaitingForHuman && in != nil {
		reply, err := s.prompt("reply> ")
		if err != nil || strings.TrimSpace(reply) == "" {
			break
		}
		if err := s.postUserMessage(ctx, reply); err != nil {
			return res, err
		}
		if res, err = s.orch.Resume(ctx, res.State, nil); err != nil {
			return res, err
		}
	}

	s.printSummary(ctx, res)
	return res, nil
}

func newScenario(a *app, rf *runFile, opts runOptions, w io.Writer, in prompter) (*scenario, error) {
	out := &lockedWriter{w: w}
	tr, err := newTransport(rf)
	if err != nil {
		return nil, err
	}
	dp, err := newPolicy(a, rf, opts.policy)
	if err != nil {
		return nil, err
	}

	cfg := a.cfg
	exec := agentturn.NewExecutor(a.ops, a.messages, tr,
		agentturn.WithToolRunner(builtinTools()),
		agentturn.WithNotifier(consoleNotifier{out: out}),
	)
	callbacks := agentturn.NewGroupCallbacks(exec, a.ops, a.messages, rf.agentConfigs(),
		agentturn.WithDispatchRate(cfg.Tasks.DispatchRate, cfg.Tasks.DispatchBurst),
		agentturn.WithGroupParallelism(cfg.Tasks.MaxParallel),
	)
	board := orchestration.NewTaskBoard()
	executors := orchestration.NewExecutors(a.ops, callbacks, board,
		orchestration.WithPollInterval(cfg.Tasks.PollInterval),
		orchestration.WithMaxParallel(cfg.Tasks.MaxParallel),
		orchestration.WithDefaultTaskTimeout(cfg.Tasks.DefaultTimeout),
	)
	rt := orchestration.NewRuntime(orchestration.NewSupervisor(dp), executors.Map())

	return &scenario{
		app:   a,
		rf:    rf,
		exec:  exec,
		board: board,
		orch:  orchestration.NewGroupOrchestrator(a.ops, rt, orchestration.WithEventSink(roundPrinter{out: out})),
		out:   out,
		in:    in,
	}, nil
}

// newTransport replays the scripted agents unless a runtime is configured.
// Agents without a script echo the latest message.
func newTransport(rf *runFile) (transport.Transport, error) {
	if rf.RuntimeURL != "" {
		guard := transport.NewRuntimeGuard(transport.GuardConfig{AllowedHosts: rf.RuntimeHosts})
		return transport.NewGuardedSSETransport(rf.RuntimeURL, guard)
	}
	tr := transport.NewScriptedTransport().Fallback(echoTurn)
	for _, a := range rf.Agents {
		if len(a.Script) == 0 {
			continue
		}
		if err := tr.ScriptSteps(a.AgentID, a.Script); err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.AgentID, err)
		}
	}
	return tr, nil
}

func echoTurn(req transport.Request) []transport.Event {
	var last string
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1].Content
	}
	reply := fmt.Sprintf("%s: %s", req.Agent.AgentID, last)
	return []transport.Event{
		transport.NewEvent(transport.StreamChunk{ChunkType: transport.ChunkText, Content: reply}),
		transport.NewEvent(transport.StreamEnd{Content: reply, FinishReason: "stop"}),
		transport.NewEvent(transport.AgentRuntimeEnd{}),
	}
}

func newPolicy(a *app, rf *runFile, kind string) (orchestration.DecisionPolicy, error) {
	switch kind {
	case "", "scripted":
		return policy.NewScriptedPolicy(rf.Policy)
	case "openai":
		return policy.NewOpenAIPolicyFromEnv(a.cfg.OpenAI.Model, a.cfg.OpenAI.BaseURL,
			policy.WithAgentDescriptions(rf.descriptions()))
	default:
		return nil, fmt.Errorf("unknown policy %q (want scripted or openai)", kind)
	}
}

// needsClient selects turns waiting for approval and tasks run by the client.
func needsClient(e operation.Event) bool {
	switch {
	case e.Kind == operation.EventPaused && e.Operation.Type == operation.TypeExecAgentRuntime:
		return e.Operation.Metadata.NeedsHumanInput
	case e.Kind == operation.EventStarted && e.Operation.Type == operation.TypeExecClientTask:
		return true
	}
	return false
}

func (s *scenario) handleClientEvent(ctx context.Context, e operation.Event) {
	op := e.Operation
	switch op.Type {
	case operation.TypeExecAgentRuntime:
		s.approve(ctx, op)
	case operation.TypeExecClientTask:
		s.runClientTask(op)
	}
}

func (s *scenario) approve(ctx context.Context, op operation.Operation) {
	msgID, ok := s.exec.MessageForOperation(op.ID)
	if !ok {
		log.Printf("[agentops] %s: paused turn has no active message", op.ID)
		return
	}

	action := transport.ActionApprove
	if s.in != nil {
		answer, err := s.prompt(fmt.Sprintf("%s requests approval for %v [y/N] ", op.Context.AgentID, op.Metadata.PendingApproval))
		if err != nil || !isYes(answer) {
			action = transport.ActionReject
		}
	}
	fmt.Fprintf(s.out, "-- %s %sd by user\n", op.Context.AgentID, action)
	if err := s.exec.HandleHumanIntervention(ctx, msgID, action, nil); err != nil {
		log.Printf("[agentops] %s: intervention: %v", op.ID, err)
	}
}

func (s *scenario) runClientTask(op operation.Operation) {
	taskID, _ := op.Metadata.Extra["taskId"].(string)
	if taskID == "" {
		return
	}

	st := orchestration.TaskStatus{Status: operation.StatusCompleted, Result: "done: " + op.Description}
	if s.in != nil {
		answer, err := s.prompt(fmt.Sprintf("task %q for %s: %s\nresult> ", op.Label, op.Context.AgentID, op.Description))
		switch {
		case err != nil:
			st = orchestration.TaskStatus{Status: operation.StatusCancelled}
		case strings.TrimSpace(answer) == "":
			st = orchestration.TaskStatus{Status: operation.StatusFailed, Error: "no result given"}
		default:
			st.Result = answer
		}
	}
	s.board.Report(taskID, st)
}

func (s *scenario) prompt(p string) (string, error) {
	s.promMu.Lock()
	defer s.promMu.Unlock()
	line, err := s.in.Prompt(p)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", context.Canceled
	}
	return line, err
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}

func (s *scenario) postUserMessage(ctx context.Context, content string) error {
	return s.app.messages.DispatchMessage(ctx, message.Dispatch{
		Type: message.DispatchCreate,
		Create: &message.Message{
			Role:    message.RoleUser,
			GroupID: s.rf.GroupID,
			TopicID: s.rf.TopicID,
			Content: content,
		},
	}, message.DispatchOptions{})
}

func (s *scenario) printSummary(ctx context.Context, res orchestration.RunResult) {
	st := res.State
	fmt.Fprintf(s.out, "\nstatus: %s  rounds: %d/%d  operation: %s\n", st.Status, st.RoundCount, st.MaxRounds, res.OperationID)
	if st.Error != "" {
		fmt.Fprintf(s.out, "error: %s\n", st.Error)
	}

	msgs, err := s.app.messages.ListByTopic(ctx, s.rf.TopicID)
	if err != nil {
		log.Printf("[agentops] list transcript: %v", err)
		return
	}
	fmt.Fprintln(s.out, "transcript:")
	for _, m := range msgs {
		who := string(m.Role)
		if m.AgentID != "" {
			who += "/" + m.AgentID
		}
		fmt.Fprintf(s.out, "  [%s] %s\n", who, m.Content)
	}
}

// lockedWriter serialises output from concurrent turns.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// roundPrinter prints one line per orchestration step.
type roundPrinter struct {
	out io.Writer
}

func (p roundPrinter) OnOrchestrationEvent(e orchestration.Event) {
	line := fmt.Sprintf("-- round %d: %s", e.Round, e.Type)
	if e.Decision != "" {
		line += " " + string(e.Decision)
	}
	if len(e.AgentIDs) > 0 {
		line += " " + strings.Join(e.AgentIDs, ",")
	}
	if e.Message != "" {
		line += " (" + e.Message + ")"
	}
	fmt.Fprintln(p.out, line)
}

// consoleNotifier prints finished turns.
type consoleNotifier struct {
	out io.Writer
}

func (n consoleNotifier) Notify(_ context.Context, note agentturn.Notification) error {
	_, err := fmt.Fprintf(n.out, "-- %s finished: %s\n", note.AgentID, truncate(note.Content, 80))
	return err
}

func (consoleNotifier) MarkUnreadCompleted(context.Context, string, string) error {
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// builtinTools serves the tools scripted agents may call.
func builtinTools() agentturn.ToolRunner {
	return agentturn.ToolRunnerFunc(func(ctx context.Context, call message.ToolCall) (string, error) {
		switch call.Name {
		case "echo":
			return call.Arguments, nil
		case "time":
			return time.Now().UTC().Format(time.RFC3339), nil
		default:
			return "", &agentturn.PluginServerError{Tool: call.Name, Body: "unknown tool"}
		}
	})
}
