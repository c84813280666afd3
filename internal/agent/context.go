// Package agent contains the conversation context and the LLM-tool
// execution loop.
package agent

import (
	"log/slog"

	"github.com/nextlevelbuilder/envoy/internal/providers"
)

const pruneThreshold = 0.8

// MessageObserver fires once per logical message, after insertion and
// before any pruning.
type MessageObserver func(msg providers.Message)

// Context is the ordered message log with a bounded token budget.
// It is not safe for concurrent mutation; the loop owns it.
type Context struct {
	maxTokens int
	messages  []providers.Message
	onMessage MessageObserver
}

func NewContext(maxTokens int) *Context {
	if maxTokens <= 0 {
		maxTokens = 200000
	}
	return &Context{maxTokens: maxTokens}
}

// SetObserver installs the append observer (e.g. the persistence hook).
func (c *Context) SetObserver(obs MessageObserver) { c.onMessage = obs }

// Preload seeds the context with prior messages (e.g. a resumed session)
// without firing the observer.
func (c *Context) Preload(messages []providers.Message) {
	c.messages = append(c.messages, messages...)
}

func (c *Context) AddUser(text string) {
	c.append(providers.Message{Role: "user", Content: text})
}

func (c *Context) AddAssistant(content string, toolCalls []providers.ToolCall) {
	c.append(providers.Message{Role: "assistant", Content: content, ToolCalls: toolCalls})
}

func (c *Context) AddToolResult(toolUseID, output string, isError bool) {
	c.append(providers.Message{Role: "tool", Content: output, ToolCallID: toolUseID, IsError: isError})
}

func (c *Context) append(msg providers.Message) {
	c.messages = append(c.messages, msg)
	if c.onMessage != nil {
		c.onMessage(msg)
	}
	c.prune()
}

// Messages returns a copy of the log.
func (c *Context) Messages() []providers.Message {
	out := make([]providers.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Context) Len() int { return len(c.messages) }

// EstimatedTokens approximates the log size as total characters / 4.
func (c *Context) EstimatedTokens() int {
	chars := 0
	for _, m := range c.messages {
		chars += len(m.Content)
	}
	return chars / 4
}

// prune removes messages from the head, at least two at a time, while the
// estimate exceeds 80% of the budget. It never shrinks the log below two
// messages and never leaves a tool result without its tool-use message.
func (c *Context) prune() {
	for float64(c.EstimatedTokens()) > pruneThreshold*float64(c.maxTokens) && len(c.messages) > 2 {
		drop := 2
		// Extend past orphaned tool results so a tool-use / tool-result
		// pair is never split across the cut.
		for drop < len(c.messages)-2 && c.messages[drop].Role == "tool" {
			drop++
		}
		if drop >= len(c.messages)-1 {
			break
		}
		slog.Debug("context: pruning", "dropped", drop, "remaining", len(c.messages)-drop)
		c.messages = c.messages[drop:]
	}
}
