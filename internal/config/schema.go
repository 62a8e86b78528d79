package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is the JSON schema of the configuration document. Unknown keys are
// allowed so that one file can carry settings for other tools.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "definitions": {
    "port": {"type": "integer", "minimum": 0, "maximum": 65535},
    "server": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "port": {"$ref": "#/definitions/port"},
        "path": {"type": "string"},
        "access_token": {"type": "string"},
        "rate_limit": {"type": "integer", "minimum": 0}
      }
    },
    "ws_client": {
      "type": "object",
      "required": ["url"],
      "properties": {
        "url": {"type": "string", "pattern": "^wss?://"},
        "access_token": {"type": "string"},
        "reconnect_interval": {"type": "integer", "minimum": 0},
        "handshake_timeout": {"type": "integer", "minimum": 0}
      }
    }
  },
  "properties": {
    "data_dir": {"type": "string"},
    "logging": {
      "type": "object",
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "max_size": {"type": "integer", "minimum": 0},
        "max_age": {"type": "integer", "minimum": 0},
        "compress": {"type": "boolean"},
        "redaction": {"type": "boolean"},
        "pretty": {"type": "boolean"}
      }
    },
    "metrics": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "addr": {"type": "string"}
      }
    },
    "tracing": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"},
        "sample_ratio": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "app": {
      "type": "object",
      "properties": {
        "call_timeout": {"type": "integer", "minimum": 0},
        "duplicate_policy": {"enum": ["replace", "reject"]},
        "dedup_ttl": {"type": "integer", "minimum": 0},
        "concurrency": {"type": "integer", "minimum": 0},
        "ws_clients": {"type": "array", "items": {"$ref": "#/definitions/ws_client"}},
        "ws_servers": {"type": "array", "items": {"$ref": "#/definitions/server"}},
        "http_clients": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["url", "platform", "self_id"],
            "properties": {
              "url": {"type": "string", "pattern": "^https?://"},
              "access_token": {"type": "string"},
              "platform": {"type": "string", "minLength": 1},
              "self_id": {"type": "string", "minLength": 1},
              "timeout": {"type": "integer", "minimum": 0},
              "poll_interval": {"type": "integer", "minimum": 0},
              "poll_limit": {"type": "integer", "minimum": 0}
            }
          }
        },
        "webhook_servers": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "host": {"type": "string"},
              "port": {"$ref": "#/definitions/port"},
              "path": {"type": "string"},
              "access_token": {"type": "string"},
              "secret": {"type": "string"},
              "rate_limit": {"type": "integer", "minimum": 0},
              "action_url": {"type": "string"}
            }
          }
        }
      }
    },
    "impl": {
      "type": "object",
      "properties": {
        "platform": {"type": "string"},
        "self_id": {"type": "string"},
        "impl_name": {"type": "string"},
        "version": {"type": "string"},
        "heartbeat_interval": {"type": "integer", "minimum": 0},
        "event_buffer": {"type": "integer", "minimum": 0},
        "ws_servers": {"type": "array", "items": {"$ref": "#/definitions/server"}},
        "ws_clients": {"type": "array", "items": {"$ref": "#/definitions/ws_client"}},
        "http_servers": {"type": "array", "items": {"$ref": "#/definitions/server"}},
        "webhooks": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["url"],
            "properties": {
              "url": {"type": "string", "pattern": "^https?://"},
              "access_token": {"type": "string"},
              "secret": {"type": "string"},
              "timeout": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(Schema)

// ValidateSchema checks a decoded configuration document against Schema
func ValidateSchema(doc map[string]interface{}) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}

	return nil
}
