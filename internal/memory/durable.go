package memory

import "time"

const durablePrompt = `You distill durable, cross-session facts from an agent's episode log.

Read the transcript and extract facts worth remembering long term: stable
user preferences, identities, relationships, project facts, decisions with
lasting effect. Ignore transient chatter and one-off tool output.

Respond with ONLY a JSON array. Each element:
{
  "content": "one self-contained factual sentence",
  "importance": 0.0-1.0,
  "action": "merge" | "insert",
  "entities": ["named people, projects, systems mentioned"]
}

Use "merge" when the fact restates or refines something likely already
known; use "insert" for genuinely new facts. Return [] when nothing
qualifies.`

// newDurableComponent builds the cross-session fact store. Durable facts
// carry entity links that the recall layer expands, decay slowly, and
// merge globally.
func newDurableComponent(store *memoryStore, embed EmbedFunc) *component {
	return newComponent(componentConfig{
		kind:           KindDurable,
		maxItems:       500,
		decayInactive:  14 * 24 * time.Hour,
		decayRate:      0.9,
		decayFloor:     0.15,
		recencyLambda:  0.01,
		mergeThreshold: 0.5,
		systemPrompt:   durablePrompt,
	}, store, embed)
}
