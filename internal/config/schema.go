// internal/config/schema.go
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema is the structural contract for the YAML config file. It runs
// before unmarshalling so a typo'd key or mistyped value is rejected with a
// path instead of silently producing a zero value.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["regions"],
  "definitions": {
    "duration": {
      "oneOf": [
        {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"},
        {"type": "integer"}
      ]
    },
    "fraction": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "properties": {
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]}
      }
    },
    "controller": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "poll_interval": {"$ref": "#/definitions/duration"},
        "probe_timeout": {"$ref": "#/definitions/duration"},
        "probe_retry_delay": {"$ref": "#/definitions/duration"},
        "probe_jitter_pct": {"$ref": "#/definitions/fraction"},
        "replication_monitoring": {"type": "boolean"},
        "lag_poll_interval": {"$ref": "#/definitions/duration"},
        "max_replication_lag": {"$ref": "#/definitions/duration"},
        "healthy_threshold": {"$ref": "#/definitions/fraction"},
        "degraded_threshold": {"$ref": "#/definitions/fraction"},
        "unhealthy_threshold": {"$ref": "#/definitions/fraction"},
        "error_rate_ceiling": {"type": "number", "exclusiveMinimum": 0},
        "latency_ceiling_ms": {"type": "number", "exclusiveMinimum": 0},
        "demote_after": {"type": "integer", "minimum": 1},
        "promote_after": {"type": "integer", "minimum": 1},
        "hard_fail_after": {"type": "integer", "minimum": 1},
        "confirm_window": {"type": "integer", "minimum": 1},
        "min_dwell": {"$ref": "#/definitions/duration"},
        "quarantine_period": {"$ref": "#/definitions/duration"},
        "external_verdict_ttl": {"$ref": "#/definitions/duration"}
      }
    },
    "regions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "endpoint", "base_weight"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "display_name": {"type": "string"},
          "endpoint": {"type": "string", "minLength": 1},
          "external_endpoint": {"type": "string"},
          "base_weight": {"type": "number", "exclusiveMinimum": 0}
        }
      }
    },
    "traffic": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "manager_endpoint": {"type": "string"},
        "max_weight_delta": {"$ref": "#/definitions/fraction"},
        "ramp_step": {"$ref": "#/definitions/fraction"},
        "publish_timeout": {"$ref": "#/definitions/duration"},
        "publish_retries": {"type": "integer", "minimum": 1},
        "publish_retry_delay": {"$ref": "#/definitions/duration"}
      }
    },
    "alerting": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "webhook_url": {"type": "string"},
        "webhook_secret": {"type": "string"},
        "webhook_timeout": {"$ref": "#/definitions/duration"},
        "rate_per_minute": {"type": "number", "minimum": 0},
        "burst": {"type": "integer", "minimum": 0},
        "buffer_size": {"type": "integer", "minimum": 1}
      }
    },
    "audit": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "store": {"type": "string", "enum": ["file", "postgres"]},
        "dir": {"type": "string"},
        "segment_max_bytes": {"type": "integer", "minimum": 4096},
        "compress": {"type": "boolean"},
        "min_free_bytes": {"type": "integer", "minimum": 0},
        "signing_key_seed": {"type": "string", "pattern": "^([0-9a-fA-F]{64})?$"},
        "postgres": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "host": {"type": "string"},
            "port": {"type": "integer"},
            "user": {"type": "string"},
            "password": {"type": "string"},
            "database": {"type": "string"},
            "ssl_mode": {"type": "string"}
          }
        },
        "archive": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "endpoint": {"type": "string"},
            "region": {"type": "string"},
            "bucket": {"type": "string"},
            "prefix": {"type": "string"},
            "access_key": {"type": "string"},
            "secret_key": {"type": "string"}
          }
        }
      }
    },
    "auth": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "jwt_secret": {"type": "string"},
        "token_ttl": {"$ref": "#/definitions/duration"},
        "api_key_hash": {"type": "string"}
      }
    }
  }
}`

// validateSchema checks a decoded YAML document against configSchema.
func validateSchema(doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: encode for schema check: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	documentLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("config: schema validation error: %w", err)
	}

	if !result.Valid() {
		errors := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			errors = append(errors, verr.String())
		}
		return fmt.Errorf("config: schema validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}
