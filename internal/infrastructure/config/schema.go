// Copyright 2026 Loomgate Authors. All rights reserved.

package config

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaJSON validates the merged config document before it is written.
// Unknown keys pass through so newer documents keep loading on older
// builds.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "agent": {
      "type": "object",
      "properties": {
        "systemPrompt": {"type": "string"},
        "model": {"type": "string"},
        "apiBase": {"type": "string"},
        "apiKey": {"type": "string"},
        "maxTokens": {"type": "integer", "minimum": 1},
        "temperature": {"type": "number", "minimum": 0, "maximum": 2},
        "workdir": {"type": "string"},
        "providers": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "name": {"type": "string"},
              "apiBase": {"type": "string"},
              "apiKey": {"type": "string"},
              "model": {"type": "string"},
              "maxTokens": {"type": "integer", "minimum": 1},
              "temperature": {"type": "number", "minimum": 0, "maximum": 2},
              "priority": {"type": "integer"}
            },
            "required": ["apiBase"]
          }
        }
      }
    },
    "gateway": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "auth": {
          "type": "object",
          "properties": {
            "mode": {"type": "string", "enum": ["none", "token"]},
            "token": {"type": "string"}
          }
        }
      }
    },
    "sessions": {
      "type": "object",
      "properties": {
        "directory": {"type": "string"},
        "contextLimit": {"type": "integer", "minimum": 0}
      }
    },
    "memory": {"type": "object"},
    "skills": {"type": "object"},
    "cron": {"type": "object"},
    "plugins": {"type": "object"},
    "browser": {"type": "object"},
    "canvas": {"type": "object"},
    "tts": {"type": "object"},
    "channels": {
      "type": "object",
      "properties": {
        "discord": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "token": {"type": "string"},
            "allowFrom": {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    },
    "webhooks": {"type": "object"},
    "tools": {
      "type": "object",
      "properties": {
        "allow": {"type": "array", "items": {"type": "string"}},
        "deny": {"type": "array", "items": {"type": "string"}}
      }
    },
    "database": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["sqlite", "postgres"]},
        "dsn": {"type": "string"}
      }
    },
    "log": {"type": "object"}
  }
}`

var compiledSchema = jsonschema.MustCompileString("config-schema.json", schemaJSON)

// ValidateDocument checks a merged config document against the schema.
func ValidateDocument(doc map[string]any) error {
	if err := compiledSchema.Validate(normalize(doc)); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// normalize converts Go-typed values into the JSON value space the
// validator expects.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
