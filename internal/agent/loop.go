package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/envoy/internal/providers"
	"github.com/nextlevelbuilder/envoy/internal/tools"
	"github.com/nextlevelbuilder/envoy/internal/tracing"
	"github.com/nextlevelbuilder/envoy/pkg/protocol"
)

// Config configures an Agent.
type Config struct {
	SystemPrompt  string // optional identity / soul text
	Model         string
	MaxTokens     int // per-request completion budget
	MaxIterations int
	ContextWindow int // token budget for the conversation context
}

// ToolCallRecord captures one tool invocation within a run.
type ToolCallRecord struct {
	Name       string                 `json:"name"`
	Input      map[string]interface{} `json:"input"`
	Output     string                 `json:"output"`
	IsError    bool                   `json:"is_error"`
	DurationMs int64                  `json:"duration_ms"`
	// Reasoning holds the assistant's free-form text from the turn that
	// requested this call; only the first call of an iteration carries it.
	Reasoning *string `json:"reasoning,omitempty"`
}

// RunResult is the terminal classification of one run.
type RunResult struct {
	Response     string           `json:"response"`
	Outcome      string           `json:"outcome"` // protocol.Outcome*
	Iterations   int              `json:"iterations"`
	Duration     time.Duration    `json:"duration"`
	TokenUsage   providers.Usage  `json:"token_usage"`
	ToolCalls    []ToolCallRecord `json:"tool_calls"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// ToolCallObserver is notified after each tool call completes.
type ToolCallObserver func(record ToolCallRecord)

// Agent is the LLM-tool execution loop. A single Agent must not run
// concurrently: the context and registry are not safe under concurrent
// mutation.
type Agent struct {
	config   Config
	provider providers.Provider
	registry *tools.Registry
	context  *Context

	events     *eventStream
	onToolCall ToolCallObserver
}

func New(config Config, provider providers.Provider, registry *tools.Registry, opts ...Option) *Agent {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 20
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 8192
	}
	a := &Agent{
		config:   config,
		provider: provider,
		registry: registry,
		events:   newEventStream(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.context == nil {
		a.context = NewContext(config.ContextWindow)
	}
	return a
}

type Option func(*Agent)

// WithContext supplies a pre-built conversation context (e.g. a resumed
// session with history and a persistence observer attached).
func WithContext(c *Context) Option {
	return func(a *Agent) { a.context = c }
}

// WithToolCallObserver installs a per-call observer.
func WithToolCallObserver(obs ToolCallObserver) Option {
	return func(a *Agent) { a.onToolCall = obs }
}

// Events is the live stream of run events, emitted in append order.
func (a *Agent) Events() <-chan Event { return a.events.ch }

// Context returns the agent's conversation context.
func (a *Agent) Context() *Context { return a.context }

// RegisterTool adds a tool after construction (used by register_tool).
func (a *Agent) RegisterTool(t tools.Tool) { a.registry.Register(t) }

func (a *Agent) HasTool(name string) bool { return a.registry.Has(name) }

func (a *Agent) GetTool(name string) (tools.Tool, bool) { return a.registry.Get(name) }

// Run processes one task through the loop. Tool-level failures are fed
// back to the model as error results and never abort the run; agent-level
// failures terminate with OutcomeError and a human-readable message.
func (a *Agent) Run(ctx context.Context, task string) *RunResult {
	start := time.Now()
	result := &RunResult{Outcome: protocol.OutcomeMaxIterations}

	ctx, span := tracing.StartSpan(ctx, "agent.run")
	defer span.End()

	a.emit(func() Event {
		e := newEvent(protocol.AgentEventStarted)
		e.Task = task
		return e
	}())

	a.context.AddUser(task)
	a.emitMessageAdded("user")

	// Log provider retries; they are not emitted on the event stream.
	ctx = providers.WithRetryHook(ctx, func(attempt, maxAttempts int, err error) {
		slog.Warn("llm retry", "attempt", attempt, "max_attempts", maxAttempts, "error", err)
	})

	for result.Iterations < a.config.MaxIterations {
		result.Iterations++

		resp, err := a.callLLM(ctx)
		if err != nil {
			result.Outcome = protocol.OutcomeError
			result.ErrorMessage = err.Error()
			e := newEvent(protocol.AgentEventError)
			e.Error = err.Error()
			e.Iteration = result.Iterations
			a.emit(e)
			break
		}
		result.TokenUsage.Add(resp.Usage)

		a.context.AddAssistant(resp.Content, resp.ToolCalls)
		a.emitMessageAdded("assistant")

		if len(resp.ToolCalls) == 0 {
			result.Response = resp.Content
			result.Outcome = protocol.OutcomeCompleted
			break
		}

		a.dispatchToolCalls(ctx, resp, result)
	}

	result.Duration = time.Since(start)

	e := newEvent(protocol.AgentEventCompleted)
	e.Outcome = result.Outcome
	e.DurationMs = result.Duration.Milliseconds()
	e.Iteration = result.Iterations
	a.emit(e)

	return result
}

func (a *Agent) callLLM(ctx context.Context) (*providers.ChatResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "agent.llm")
	defer span.End()

	return a.provider.Chat(ctx, providers.ChatRequest{
		System:    a.config.SystemPrompt,
		Messages:  a.context.Messages(),
		Tools:     a.toolDefs(),
		Model:     a.config.Model,
		MaxTokens: a.config.MaxTokens,
	})
}

func (a *Agent) toolDefs() []providers.ToolDefinition {
	defs := a.registry.Defs()
	out := make([]providers.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = providers.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		}
	}
	return out
}

// dispatchToolCalls runs the assistant's tool-use blocks in response
// order and appends their results in the same order, so the next LLM call
// observes a well-formed alternation.
func (a *Agent) dispatchToolCalls(ctx context.Context, resp *providers.ChatResponse, result *RunResult) {
	var reasoning *string
	if resp.Content != "" {
		text := resp.Content
		reasoning = &text
	}

	for i, tc := range resp.ToolCalls {
		startEvt := newEvent(protocol.AgentEventToolCallStarted)
		startEvt.ToolName = tc.Name
		startEvt.ToolUseID = tc.ID
		startEvt.Iteration = result.Iterations
		a.emit(startEvt)

		callStart := time.Now()
		toolCtx, span := tracing.StartSpan(ctx, "agent.tool."+tc.Name)
		res := a.registry.Execute(toolCtx, tc.Name, tc.Arguments)
		span.End()
		elapsed := time.Since(callStart)

		if res.IsError {
			slog.Warn("tool error", "tool", tc.Name, "error", truncate(res.Output, 200))
		} else {
			slog.Debug("tool ok", "tool", tc.Name, "output_len", len(res.Output))
		}

		record := ToolCallRecord{
			Name:       tc.Name,
			Input:      tc.Arguments,
			Output:     res.Output,
			IsError:    res.IsError,
			DurationMs: elapsed.Milliseconds(),
		}
		if i == 0 {
			record.Reasoning = reasoning
		}
		result.ToolCalls = append(result.ToolCalls, record)
		if a.onToolCall != nil {
			a.onToolCall(record)
		}

		a.context.AddToolResult(tc.ID, res.Output, res.IsError)
		a.emitMessageAdded("tool")

		doneEvt := newEvent(protocol.AgentEventToolCallCompleted)
		doneEvt.ToolName = tc.Name
		doneEvt.ToolUseID = tc.ID
		doneEvt.IsError = res.IsError
		doneEvt.DurationMs = elapsed.Milliseconds()
		doneEvt.Iteration = result.Iterations
		a.emit(doneEvt)
	}
}

func (a *Agent) emitMessageAdded(role string) {
	e := newEvent(protocol.AgentEventMessageAdded)
	e.Role = role
	a.emit(e)
}

func (a *Agent) emit(e Event) {
	a.events.emit(e)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
