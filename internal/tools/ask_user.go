package tools

import (
	"context"

	"github.com/nextlevelbuilder/envoy/pkg/protocol"
)

// AskFunc delivers a question to whoever is driving the agent and blocks
// for their answer.
type AskFunc func(ctx context.Context, question string) (string, error)

// AskUserTool lets the model ask the human a clarifying question.
type AskUserTool struct {
	SchemaValidated
	ask AskFunc
}

func NewAskUserTool(ask AskFunc) *AskUserTool {
	t := &AskUserTool{ask: ask}
	t.BindSchema(t)
	return t
}

func (t *AskUserTool) Name() string        { return "ask_user" }
func (t *AskUserTool) Permission() string  { return protocol.PermissionCompute }
func (t *AskUserTool) Description() string { return "Ask the user a question and wait for their answer" }

func (t *AskUserTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"question": map[string]interface{}{
				"type":        "string",
				"description": "The question to ask",
			},
		},
		"required": []string{"question"},
	}
}

func (t *AskUserTool) Execute(ctx context.Context, input map[string]interface{}) *Result {
	question, _ := input["question"].(string)
	if t.ask == nil {
		return Ok("(no response: no user is attached to this session)")
	}
	answer, err := t.ask(ctx, question)
	if err != nil {
		return Errorf("ask user: %v", err)
	}
	if answer == "" {
		return Ok("(no response)")
	}
	return Ok(answer)
}
