package llm

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/convolab/triage/pkg/models"
)

// The JSON schemas constraining planner and classifier completions are
// first-class artifacts: they are reflected once from the Go types at
// package init so a drifting model type fails loudly, not at call time.
var (
	// PlanningSchema constrains planner output to models.PlanProposal.
	PlanningSchema map[string]any

	// ClassificationSchema constrains classifier output to
	// models.ClassificationEnvelope.
	ClassificationSchema map[string]any
)

func init() {
	PlanningSchema = mustReflectSchema(&models.PlanProposal{})
	ClassificationSchema = mustReflectSchema(&models.ClassificationEnvelope{})
}

// mustReflectSchema derives a strict JSON schema from a Go type. All
// fields are required and additional properties are rejected, which is
// what the provider's strict structured-output mode expects.
func mustReflectSchema(v any) map[string]any {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("llm: failed to marshal reflected schema: %v", err))
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		panic(fmt.Sprintf("llm: failed to round-trip reflected schema: %v", err))
	}

	// Provider schema validators only want the schema body.
	delete(asMap, "$schema")
	delete(asMap, "$id")
	return asMap
}
