package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crafter-station/cadence-sub000/internal/domain"
)

// decodeJSON unmarshals a model answer into out. Some models ignore the
// requested format and wrap the object in prose or a code fence, so the
// outermost {...} is tried as a fallback.
func decodeJSON(content string, out any) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.ErrEmptyCompletion
	}
	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}

	start, end := strings.Index(content, "{"), strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), out); err != nil {
		return fmt.Errorf("failed to parse structured response: %w", err)
	}
	return nil
}
