package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/envoy/internal/providers"
	"github.com/nextlevelbuilder/envoy/internal/tools"
	"github.com/nextlevelbuilder/envoy/pkg/protocol"
)

// scriptedProvider replays canned responses; an exhausted script keeps
// returning the last response.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	errs      []error
	calls     int
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.requests = append(p.requests, req)
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	resp := p.responses[i]
	if resp.Usage == nil {
		resp.Usage = &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	}
	return resp, nil
}

func (p *scriptedProvider) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := p.Chat(ctx, providers.ChatRequest{})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }
func (p *scriptedProvider) Name() string         { return "scripted" }

// echoTool returns its input back.
type echoTool struct{ tools.Unvalidated }

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes" }
func (echoTool) Permission() string  { return protocol.PermissionCompute }
func (echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (echoTool) Execute(ctx context.Context, input map[string]interface{}) *tools.Result {
	text, _ := input["text"].(string)
	return tools.Ok("echo: " + text)
}

// failTool always errors.
type failTool struct{ tools.Unvalidated }

func (failTool) Name() string        { return "fail" }
func (failTool) Description() string { return "fails" }
func (failTool) Permission() string  { return protocol.PermissionCompute }
func (failTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (failTool) Execute(context.Context, map[string]interface{}) *tools.Result {
	return tools.ErrorResult("deliberate failure")
}

func toolUse(id, name string, args map[string]interface{}) providers.ToolCall {
	return providers.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestRun_TextOnlyCompletes(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "all done"},
	}}
	ag := New(Config{MaxIterations: 5}, p, tools.NewRegistry())

	result := ag.Run(context.Background(), "say done")
	if result.Outcome != protocol.OutcomeCompleted {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.Response != "all done" {
		t.Errorf("response = %q", result.Response)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d", result.Iterations)
	}
	if result.TokenUsage.TotalTokens != 15 {
		t.Errorf("usage = %+v", result.TokenUsage)
	}
}

func TestRun_ToolThenText(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "let me check", ToolCalls: []providers.ToolCall{
			toolUse("t1", "echo", map[string]interface{}{"text": "ping"}),
		}},
		{Content: "it said: echo: ping"},
	}}
	ag := New(Config{MaxIterations: 5}, p, tools.NewRegistry(echoTool{}))

	result := ag.Run(context.Background(), "run echo")
	if result.Outcome != protocol.OutcomeCompleted {
		t.Fatalf("outcome = %s (%s)", result.Outcome, result.ErrorMessage)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(result.ToolCalls))
	}
	rec := result.ToolCalls[0]
	if rec.Name != "echo" || rec.Output != "echo: ping" || rec.IsError {
		t.Errorf("record = %+v", rec)
	}
	if rec.Reasoning == nil || *rec.Reasoning != "let me check" {
		t.Errorf("first call should carry reasoning, got %v", rec.Reasoning)
	}

	// The second LLM request must observe the tool result after the
	// assistant tool-use message.
	second := p.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "t1" {
		t.Errorf("last message before second call = %+v", last)
	}
}

func TestRun_ParallelCallsReasoningOnlyOnFirst(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "two at once", ToolCalls: []providers.ToolCall{
			toolUse("t1", "echo", map[string]interface{}{"text": "a"}),
			toolUse("t2", "echo", map[string]interface{}{"text": "b"}),
		}},
		{Content: "done"},
	}}
	ag := New(Config{MaxIterations: 5}, p, tools.NewRegistry(echoTool{}))

	result := ag.Run(context.Background(), "go")
	if len(result.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d", len(result.ToolCalls))
	}
	if result.ToolCalls[0].Reasoning == nil {
		t.Error("first call must carry reasoning")
	}
	if result.ToolCalls[1].Reasoning != nil {
		t.Error("second parallel call must not carry reasoning")
	}
}

func TestRun_UnknownToolSurfacedToModel(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{toolUse("t1", "missing", nil)}},
		{Content: "recovered"},
	}}
	ag := New(Config{MaxIterations: 5}, p, tools.NewRegistry())

	result := ag.Run(context.Background(), "go")
	if result.Outcome != protocol.OutcomeCompleted {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if !result.ToolCalls[0].IsError || !strings.Contains(result.ToolCalls[0].Output, "unknown tool") {
		t.Errorf("record = %+v", result.ToolCalls[0])
	}
	// The error must have been fed back as a tool result, not aborted.
	second := p.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || !last.IsError {
		t.Errorf("model should see is_error tool result, got %+v", last)
	}
}

func TestRun_ToolErrorDoesNotAbort(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{toolUse("t1", "fail", nil)}},
		{Content: "I saw the failure"},
	}}
	ag := New(Config{MaxIterations: 5}, p, tools.NewRegistry(failTool{}))

	result := ag.Run(context.Background(), "go")
	if result.Outcome != protocol.OutcomeCompleted {
		t.Fatalf("tool errors must not abort: %s", result.Outcome)
	}
}

func TestRun_MaxIterations(t *testing.T) {
	// Adversarial model: always emits a tool call.
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{toolUse("t", "echo", map[string]interface{}{"text": "again"})}},
	}}
	ag := New(Config{MaxIterations: 3}, p, tools.NewRegistry(echoTool{}))

	result := ag.Run(context.Background(), "loop forever")
	if result.Outcome != protocol.OutcomeMaxIterations {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", result.Iterations)
	}
	if result.Response != "" {
		t.Errorf("response = %q, want empty", result.Response)
	}
}

func TestRun_NonTransientErrorTerminates(t *testing.T) {
	p := &scriptedProvider{
		errs:      []error{&providers.APIError{StatusCode: 400, Body: "bad request"}},
		responses: []*providers.ChatResponse{{Content: "unreachable"}},
	}
	ag := New(Config{MaxIterations: 5}, p, tools.NewRegistry())

	result := ag.Run(context.Background(), "go")
	if result.Outcome != protocol.OutcomeError {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if !strings.Contains(result.ErrorMessage, "400") {
		t.Errorf("error message = %q", result.ErrorMessage)
	}
}

func TestRun_EventOrder(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{toolUse("t1", "echo", map[string]interface{}{"text": "x"})}},
		{Content: "bye"},
	}}
	ag := New(Config{MaxIterations: 5}, p, tools.NewRegistry(echoTool{}))
	ag.Run(context.Background(), "go")

	var types []string
drain:
	for {
		select {
		case e := <-ag.Events():
			types = append(types, e.Type)
			if e.Timestamp.IsZero() || e.Timestamp.Location() != e.Timestamp.UTC().Location() {
				t.Errorf("event %s lacks UTC timestamp", e.Type)
			}
		default:
			break drain
		}
	}

	joined := strings.Join(types, ",")
	for _, want := range []string{
		protocol.AgentEventStarted,
		protocol.AgentEventToolCallStarted,
		protocol.AgentEventToolCallCompleted,
		protocol.AgentEventCompleted,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing event %s in %s", want, joined)
		}
	}
	if types[0] != protocol.AgentEventStarted {
		t.Errorf("first event = %s", types[0])
	}
	if types[len(types)-1] != protocol.AgentEventCompleted {
		t.Errorf("last event = %s", types[len(types)-1])
	}

	// started precedes completed for the tool call
	startIdx := indexOf(types, protocol.AgentEventToolCallStarted)
	doneIdx := indexOf(types, protocol.AgentEventToolCallCompleted)
	if startIdx < 0 || doneIdx < 0 || startIdx > doneIdx {
		t.Errorf("tool events out of order: %v", types)
	}
}

func TestRegisterToolPostHoc(t *testing.T) {
	ag := New(Config{}, &scriptedProvider{responses: []*providers.ChatResponse{{Content: "x"}}}, tools.NewRegistry())
	if ag.HasTool("echo") {
		t.Fatal("unexpected tool")
	}
	ag.RegisterTool(echoTool{})
	if !ag.HasTool("echo") {
		t.Fatal("register_tool must take effect immediately")
	}
	if _, ok := ag.GetTool("echo"); !ok {
		t.Fatal("GetTool")
	}
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

