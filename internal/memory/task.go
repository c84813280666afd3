package memory

import "time"

const taskPrompt = `You track task state from an agent's episode log.

Read the transcript and extract open or completed task items: things the
user asked for, multi-step work in flight, follow-ups the agent promised.

Respond with ONLY a JSON array. Each element:
{
  "content": "one actionable task statement",
  "importance": 0.0-1.0,
  "action": "merge" | "insert",
  "completed": true | false
}

Use "merge" when the item updates an existing task (progress, completion);
use "insert" for new tasks. Return [] when nothing qualifies.`

// newTaskComponent builds the session-scoped task store. Task items carry
// completion state, decay fast, and merge only within their session.
func newTaskComponent(store *memoryStore, embed EmbedFunc) *component {
	return newComponent(componentConfig{
		kind:           KindTask,
		maxItems:       200,
		decayInactive:  7 * 24 * time.Hour,
		decayRate:      0.9,
		decayFloor:     0.15,
		recencyLambda:  0.05,
		mergeThreshold: 0.5,
		systemPrompt:   taskPrompt,
		sessionScoped:  true,
	}, store, embed)
}
