package prompt

import (
	"fmt"
	"strings"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
)

// Signature wraps dspy-go's signature with a stable name and version
type Signature struct {
	core.Signature
	Name        string
	Description string
	Version     int
}

// MustParseSignature creates a signature from a string or panics
func MustParseSignature(sig string) Signature {
	s, err := ParseSignature(sig)
	if err != nil {
		panic(fmt.Sprintf("failed to parse signature: %v", err))
	}
	return s
}

// ParseSignature creates a signature from a string like "input1, input2 -> output1, output2"
func ParseSignature(sig string) (Signature, error) {
	parts := strings.Split(sig, "->")
	if len(parts) != 2 {
		return Signature{}, fmt.Errorf("invalid signature format: %s", sig)
	}

	inputFields := parseFields(strings.TrimSpace(parts[0]))
	outputFields := parseFields(strings.TrimSpace(parts[1]))
	if len(inputFields) == 0 || len(outputFields) == 0 {
		return Signature{}, fmt.Errorf("signature needs inputs and outputs: %s", sig)
	}

	inputs := make([]core.InputField, len(inputFields))
	for i, f := range inputFields {
		inputs[i] = core.InputField{Field: f}
	}

	outputs := make([]core.OutputField, len(outputFields))
	for i, f := range outputFields {
		outputs[i] = core.OutputField{Field: f}
	}

	return Signature{
		Signature: core.NewSignature(inputs, outputs),
		Name:      generateName(sig),
		Version:   1,
	}, nil
}

// WithInstruction returns a copy carrying the instruction given to the LLM
func (s Signature) WithInstruction(instruction string) Signature {
	s.Signature = s.Signature.WithInstruction(instruction)
	s.Description = instruction
	return s
}

// parseFields converts comma-separated "name" or "name: type" definitions into fields
func parseFields(fieldStr string) []core.Field {
	if fieldStr == "" {
		return nil
	}

	parts := strings.Split(fieldStr, ",")
	fields := make([]core.Field, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, _, _ := strings.Cut(part, ":")
		fields = append(fields, core.NewField(strings.TrimSpace(name)))
	}
	return fields
}

// generateName creates a name from the signature string
func generateName(sig string) string {
	name := strings.ReplaceAll(sig, "->", "_to_")
	name = strings.ReplaceAll(name, ",", "_")
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, ":", "_")
	return name
}

const revisionInstruction = `You improve the system prompt of a voice AI agent that talks to customers on the phone.
Rewrite current_prompt so the agent fixes the problems shown in metrics, suggestions and transcripts while keeping everything that works.
Return the complete revised prompt, not a diff.
changes must be a JSON array of objects with keys section, before, after and change_type (added, removed or modified).
applied_suggestion_ids must be a comma-separated list of the suggestion ids you acted on, or empty.`

// PromptRevision rewrites an agent prompt from epoch feedback
var PromptRevision = MustParseSignature(
	"current_prompt, target_metric, goals, metrics, suggestions, transcripts -> revised_prompt, changes, rationale, predicted_impact, applied_suggestion_ids",
).WithInstruction(revisionInstruction)
