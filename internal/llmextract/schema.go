// Package llmextract implements schema-constrained structured extraction
// over page content using an LLM.
package llmextract

import (
	"fmt"
	"sort"
	"strings"
)

// maxSchemaDepth caps recursion through nested schemas.
const maxSchemaDepth = 32

// NormalizeSchema rewrites a user-supplied JSON schema into the canonical
// object form sent to the model. It returns the normalized schema and
// whether the caller must unwrap an `items` array from the result.
// Normalization is idempotent.
func NormalizeSchema(schema map[string]any) (map[string]any, bool) {
	schema = stripDefaults(schema, 0).(map[string]any)

	typ, hasType := schema["type"].(string)
	switch {
	case hasType && typ == "array":
		return map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"items": schema},
			"required":             []any{"items"},
			"additionalProperties": false,
		}, true
	case !hasType && len(schema) > 0:
		if _, hasProps := schema["properties"]; hasProps {
			// An object schema that just omitted its type.
			out := cloneMap(schema)
			out["type"] = "object"
			return out, false
		}
		// A bare property map: {"title": {...}, "price": {...}}.
		keys := make([]string, 0, len(schema))
		for k := range schema {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		required := make([]any, 0, len(keys))
		for _, k := range keys {
			required = append(required, k)
		}
		return map[string]any{
			"type":                 "object",
			"properties":           schema,
			"required":             required,
			"additionalProperties": false,
		}, false
	}
	return schema, false
}

// stripDefaults removes `default` keys at every level.
func stripDefaults(v any, depth int) any {
	if depth > maxSchemaDepth {
		return v
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if k == "default" {
				continue
			}
			out[k] = stripDefaults(child, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = stripDefaults(child, depth+1)
		}
		return out
	}
	return v
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// BuildFieldPrompt renders a schema as an indented field list for the
// extraction prompt, with (array of T) and (object) hints.
func BuildFieldPrompt(schema map[string]any) string {
	var b strings.Builder
	props, _ := schema["properties"].(map[string]any)
	writeFields(&b, props, 0)
	return b.String()
}

func writeFields(b *strings.Builder, props map[string]any, depth int) {
	if props == nil || depth > maxSchemaDepth {
		return
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	indent := strings.Repeat("  ", depth)
	for _, key := range keys {
		field, _ := props[key].(map[string]any)
		typ, _ := field["type"].(string)
		desc, _ := field["description"].(string)

		hint := typ
		var nested map[string]any
		switch typ {
		case "array":
			itemType := "object"
			items, _ := field["items"].(map[string]any)
			if it, ok := items["type"].(string); ok {
				itemType = it
			}
			hint = fmt.Sprintf("array of %s", itemType)
			if itemType == "object" {
				nested, _ = items["properties"].(map[string]any)
			}
		case "object":
			hint = "object"
			nested, _ = field["properties"].(map[string]any)
		case "":
			hint = "object"
			nested, _ = field["properties"].(map[string]any)
		}

		b.WriteString(indent)
		b.WriteString("- ")
		b.WriteString(key)
		b.WriteString(" (")
		b.WriteString(hint)
		b.WriteString(")")
		if desc != "" {
			b.WriteString(": ")
			b.WriteString(desc)
		}
		b.WriteString("\n")
		writeFields(b, nested, depth+1)
	}
}
