package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// The validator supports a deliberate subset of JSON Schema: a top-level
// object with typed properties and a required list. Anything else in a
// tool's declared schema is dropped before compilation, so malformed or
// exotic schemas degrade to "accept everything" rather than blocking the
// tool. Unknown input properties are ignored.

var allowedTypes = map[string]bool{
	"string": true, "integer": true, "number": true,
	"boolean": true, "array": true, "object": true,
}

var (
	schemaCacheMu sync.Mutex
	schemaCache   = map[string]*jsonschema.Schema{}
)

// ValidateInput checks input against the subset of schema described above.
// It returns nil when the input is acceptable, otherwise an error whose
// message contains one line per offending field.
func ValidateInput(schema, input map[string]interface{}) error {
	doc := subsetSchema(schema)
	if doc == nil {
		return nil
	}

	compiled, err := compileSchema(doc)
	if err != nil {
		// A schema we cannot compile must not block execution.
		return nil
	}

	// Round-trip through JSON so numeric types normalize the same way
	// provider-decoded inputs do.
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("input is not JSON-encodable: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("input is not JSON-encodable: %w", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			lines := flattenCauses(ve)
			if len(lines) > 0 {
				return errors.New(strings.Join(lines, "\n"))
			}
		}
		return err
	}
	return nil
}

// subsetSchema projects the declared schema onto the supported subset.
// Returns nil when there is nothing to validate.
func subsetSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	if t, _ := schema["type"].(string); t != "object" {
		return nil
	}

	doc := map[string]interface{}{"type": "object"}

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		cleaned := map[string]interface{}{}
		for name, raw := range props {
			spec, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := spec["type"].(string); allowedTypes[t] {
				cleaned[name] = map[string]interface{}{"type": t}
			}
		}
		if len(cleaned) > 0 {
			doc["properties"] = cleaned
		}
	}

	if req, ok := schema["required"].([]interface{}); ok {
		var names []interface{}
		for _, r := range req {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}
		if len(names) > 0 {
			doc["required"] = names
		}
	}
	if req, ok := schema["required"].([]string); ok && len(req) > 0 {
		names := make([]interface{}, len(req))
		for i, s := range req {
			names[i] = s
		}
		doc["required"] = names
	}

	if _, hasProps := doc["properties"]; !hasProps {
		if _, hasReq := doc["required"]; !hasReq {
			return nil
		}
	}
	return doc
}

func compileSchema(doc map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	key := string(raw)

	schemaCacheMu.Lock()
	defer schemaCacheMu.Unlock()
	if cached, ok := schemaCache[key]; ok {
		return cached, nil
	}
	compiled, err := jsonschema.CompileString("tool_input.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache[key] = compiled
	return compiled, nil
}

// flattenCauses walks the validation error tree and emits one line per
// leaf cause, prefixed with the offending field where known.
func flattenCauses(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		field := strings.TrimPrefix(ve.InstanceLocation, "/")
		if field == "" {
			return []string{ve.Message}
		}
		return []string{fmt.Sprintf("%s: %s", field, ve.Message)}
	}
	var lines []string
	for _, cause := range ve.Causes {
		lines = append(lines, flattenCauses(cause)...)
	}
	return lines
}
