// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchema describes the JSON shape a Stats value marshals to, so
// that external consumers of a migration report (e.g. a CI pipeline
// parsing `pgswap start --json`) can validate it before trusting it.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["Start", "TablesProcessed", "RecordsMigrated"],
  "properties": {
    "Start": {"type": "string"},
    "End": {"type": "string"},
    "TablesProcessed": {"type": "integer", "minimum": 0},
    "RecordsMigrated": {"type": "integer", "minimum": 0},
    "Warnings": {"type": ["array", "null"], "items": {"type": "string"}},
    "Errors": {"type": ["array", "null"], "items": {"type": "string"}},
    "PhaseDurations": {"type": "object"}
  }
}`

var compiledPayloadSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal([]byte(payloadSchema), &doc); err != nil {
		panic(fmt.Sprintf("stats: invalid embedded payload schema: %s", err))
	}
	if err := c.AddResource("pgswap-stats.json", doc); err != nil {
		panic(fmt.Sprintf("stats: adding embedded payload schema: %s", err))
	}
	schema, err := c.Compile("pgswap-stats.json")
	if err != nil {
		panic(fmt.Sprintf("stats: compiling embedded payload schema: %s", err))
	}
	compiledPayloadSchema = schema
}

// ValidatePayloadSchema validates a JSON-encoded Stats payload against
// the schema every `--json` consumer can rely on, catching a malformed
// or hand-edited report before a caller parses it further.
func ValidatePayloadSchema(payload []byte) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("decoding stats payload: %w", err)
	}
	if err := compiledPayloadSchema.Validate(doc); err != nil {
		return fmt.Errorf("stats payload failed schema validation: %w", err)
	}
	return nil
}
