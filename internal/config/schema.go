package config

// schemaJSON is the JSON Schema every loaded Config must satisfy before
// the service is allowed to start. It intentionally only constrains the
// fields where a malformed value would be a security problem (negative
// TTLs, an empty allowlist, a missing state-store endpoint) rather than
// every cosmetic field.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["time_gate_secs", "ott_ttl_secs", "allowlist_domains", "max_body_scan", "max_exceptions", "state_store"],
  "properties": {
    "time_gate_secs": { "type": "integer", "minimum": 0 },
    "ott_ttl_secs": { "type": "integer", "minimum": 1 },
    "approval_ttl_secs": { "type": "integer", "minimum": 1 },
    "exception_ttl_default_secs": { "type": "integer", "minimum": 0 },
    "exception_lookup_timeout_ms": { "type": "integer", "minimum": 1 },
    "allowlist_domains": {
      "type": "array",
      "items": { "type": "string", "minLength": 2 },
      "minItems": 1
    },
    "max_body_scan": { "type": "integer", "minimum": 1 },
    "max_exceptions": { "type": "integer", "minimum": 1 },
    "listen_addr": { "type": "string" },
    "metrics_addr": { "type": "string" },
    "state_store": {
      "type": "object",
      "required": ["endpoint"],
      "properties": {
        "endpoint": { "type": "string", "minLength": 1 },
        "username": { "type": "string" },
        "password_file": { "type": "string" },
        "db": { "type": "integer", "minimum": 0 },
        "tls": {
          "type": ["object", "null"],
          "properties": {
            "cert_file": { "type": "string", "minLength": 1 },
            "key_file": { "type": "string", "minLength": 1 },
            "ca_file": { "type": "string", "minLength": 1 }
          },
          "required": ["cert_file", "key_file", "ca_file"]
        }
      }
    }
  }
}`
