package memory

import "time"

const environmentalPrompt = `You extract environmental observations from an agent's episode log:
what the surrounding system can and cannot do.

Categories:
- "capability": something that worked (a tool, an API, an approach)
- "constraint": a limit that was hit (quota, permission, missing binary)
- "environment": a fact about the runtime (OS, paths, versions, services)
- "pattern": a recurring behavior worth anticipating

Respond with ONLY a JSON array. Each element:
{
  "content": "one observation sentence",
  "category": "capability" | "constraint" | "environment" | "pattern",
  "importance": 0.0-1.0,
  "action": "merge" | "insert"
}

Use "merge" when the observation refines an existing one in the same
category. Return [] when nothing qualifies.`

// newEnvironmentalComponent builds the observation store. Category
// weights apply at recall and merging requires matching categories.
func newEnvironmentalComponent(store *memoryStore, embed EmbedFunc) *component {
	return newComponent(componentConfig{
		kind:           KindEnvironmental,
		maxItems:       300,
		decayInactive:  7 * 24 * time.Hour,
		decayRate:      0.9,
		decayFloor:     0.15,
		recencyLambda:  0.02,
		mergeThreshold: 0.55,
		systemPrompt:   environmentalPrompt,
		categoryWeights: map[string]float64{
			CategoryCapability:  1.0,
			CategoryConstraint:  1.1,
			CategoryEnvironment: 0.9,
			CategoryPattern:     1.0,
		},
	}, store, embed)
}
