package policy

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// documentSchema constrains policy documents from every source (YAML file,
// Postgres JSONB) before they are trusted.
const documentSchema = `{
  "type": "object",
  "required": ["rules"],
  "properties": {
    "id": {"type": "string"},
    "caller_id": {"type": "string"},
    "name": {"type": "string"},
    "enabled": {"type": "boolean"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "action"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "priority": {"type": "integer"},
          "action": {"enum": ["ALLOW", "BLOCK", "REDACT", "FLAG", "ALERT"]},
          "created_at": {"type": "string"},
          "condition": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "kinds": {"type": "array", "items": {"enum": ["prompt_injection", "jailbreak", "data_exfiltration", "pii", "toxicity"]}},
              "categories": {"type": "array", "items": {"type": "string"}},
              "rule_ids": {"type": "array", "items": {"type": "string"}},
              "min_severity": {"type": "number", "minimum": 0, "maximum": 1},
              "min_risk_score": {"type": "number", "minimum": 0, "maximum": 1},
              "recommendations": {"type": "array", "items": {"enum": ["ALLOW", "MONITOR", "FLAG", "REDACT", "BLOCK"]}},
              "context_types": {"type": "array", "items": {"enum": ["input", "output", "system_prompt"]}}
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(documentSchema), &doc); err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("policy.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("policy.json")
	})
	return schema, schemaErr
}

// Document is the serialized form of a Policy.
type Document struct {
	ID       string `json:"id"`
	CallerID string `json:"caller_id"`
	Name     string `json:"name"`
	Enabled  *bool  `json:"enabled"`
	Rules    []Rule `json:"rules"`
}

// Policy builds the sorted snapshot. Rules keep their document position as the
// creation-order tiebreak. Enabled defaults to true.
func (d Document) Policy() *Policy {
	enabled := d.Enabled == nil || *d.Enabled
	rules := make([]Rule, len(d.Rules))
	for i, r := range d.Rules {
		r.Seq = i
		rules[i] = r
	}
	return NewPolicy(d.ID, d.CallerID, d.Name, enabled, rules)
}

// Validate checks a decoded JSON value against the document schema.
func Validate(v any) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("policy schema: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("policy document invalid: %w", err)
	}
	return nil
}

// ParseDocument decodes and validates a policy from YAML or JSON.
func ParseDocument(data []byte) (*Policy, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ParseDocument: %w", err)
	}
	return decodeDocument(raw)
}

// ParseRules builds a policy from a bare JSON rule array, the shape stored in
// the policies table.
func ParseRules(id, callerID, name string, enabled bool, rulesJSON []byte) (*Policy, error) {
	var rules any
	if err := json.Unmarshal(rulesJSON, &rules); err != nil {
		return nil, fmt.Errorf("ParseRules: %w", err)
	}
	p, err := decodeDocument(map[string]any{"id": id, "caller_id": callerID, "name": name, "enabled": enabled, "rules": rules})
	if err != nil {
		return nil, fmt.Errorf("ParseRules: %w", err)
	}
	return p, nil
}

// decodeDocument normalizes raw through JSON so YAML and JSON sources validate
// identically, then decodes it.
func decodeDocument(raw any) (*Policy, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(buf, &normalized); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	if err := Validate(normalized); err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return doc.Policy(), nil
}
