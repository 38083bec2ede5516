package llm

import (
	"google.golang.org/genai"
)

// schemaRequired extracts the top-level "required" array from a JSON
// schema map, used by providers (Anthropic) that want required fields as a
// plain []string alongside the schema's properties.
func schemaRequired(schema map[string]interface{}) []string {
	raw, ok := schema["required"]
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		if ss, ok := raw.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, v := range items {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// normalizeSchemaForOpenAI adapts a tool's JSON schema to OpenAI's strict
// function-calling mode: every property must be listed in "required" and
// "additionalProperties" must be false at every object level.
func normalizeSchemaForOpenAI(schema map[string]interface{}) map[string]interface{} {
	return normalizeSchemaStrict(schema)
}

func normalizeSchemaStrict(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}, "required": []string{}, "additionalProperties": false}
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		out[k] = v
	}

	if props, ok := out["properties"].(map[string]interface{}); ok {
		normalizedProps := make(map[string]interface{}, len(props))
		required := make([]string, 0, len(props))
		for name, propSchema := range props {
			required = append(required, name)
			if propMap, ok := propSchema.(map[string]interface{}); ok {
				if propMap["type"] == "object" {
					normalizedProps[name] = normalizeSchemaStrict(propMap)
					continue
				}
				if propMap["type"] == "array" {
					if items, ok := propMap["items"].(map[string]interface{}); ok && items["type"] == "object" {
						propCopy := make(map[string]interface{}, len(propMap))
						for k, v := range propMap {
							propCopy[k] = v
						}
						propCopy["items"] = normalizeSchemaStrict(items)
						normalizedProps[name] = propCopy
						continue
					}
				}
			}
			normalizedProps[name] = propSchema
		}
		out["properties"] = normalizedProps
		out["required"] = required
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	out["additionalProperties"] = false
	return out
}

// geminiUnsupportedSchemaKeys lists JSON schema keywords the Gemini function
// declaration schema rejects outright.
var geminiUnsupportedSchemaKeys = map[string]bool{
	"additionalProperties": true,
	"$schema":              true,
	"examples":             true,
	"default":              true,
	"const":                true,
	"title":                true,
}

// normalizeSchemaForGemini strips JSON schema keywords Gemini's function
// declaration parser doesn't understand, recursively.
func normalizeSchemaForGemini(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if geminiUnsupportedSchemaKeys[k] {
			continue
		}
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = normalizeSchemaForGemini(val)
		case []interface{}:
			arr := make([]interface{}, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]interface{}); ok {
					arr[i] = normalizeSchemaForGemini(m)
				} else {
					arr[i] = item
				}
			}
			out[k] = arr
		default:
			out[k] = v
		}
	}
	return out
}

// schemaToGenai converts a normalized JSON schema map into a *genai.Schema
// for a Gemini function declaration.
func schemaToGenai(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genaiType(t)
	} else {
		s.Type = genai.TypeObject
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if enum, ok := schema["enum"].([]interface{}); ok {
		for _, v := range enum {
			if sv, ok := v.(string); ok {
				s.Enum = append(s.Enum, sv)
			}
		}
	}
	if required, ok := schema["required"].([]interface{}); ok {
		for _, v := range required {
			if sv, ok := v.(string); ok {
				s.Required = append(s.Required, sv)
			}
		}
	} else if required, ok := schema["required"].([]string); ok {
		s.Required = required
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, propSchema := range props {
			if propMap, ok := propSchema.(map[string]interface{}); ok {
				s.Properties[name] = schemaToGenai(propMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		s.Items = schemaToGenai(items)
	}

	return s
}

func genaiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeObject
	}
}
