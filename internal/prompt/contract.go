package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"modelcall/internal/services/llm"
)

// Contract is the shape an answer must have to be accepted.
type Contract struct {
	RequireJSON  bool           `yaml:"require_json"`
	RequiredKeys []string       `yaml:"required_keys"`
	Keys         []string       `yaml:"keys"`
	Defaults     map[string]any `yaml:"default_values"`
}

func (c *Contract) validate() error {
	if !c.RequireJSON && (len(c.RequiredKeys) > 0 || len(c.Keys) > 0 || len(c.Defaults) > 0) {
		return fmt.Errorf("output: required_keys, keys and default_values need require_json")
	}
	return nil
}

// Violation describes why an answer broke the contract.
type Violation struct {
	Reason string
	Hint   string
}

// Check validates content. For JSON contracts it returns the parsed object
// with defaults filled in, restricted to Keys when they are set.
func (c Contract) Check(content string) (map[string]any, *Violation) {
	if strings.TrimSpace(content) == "" {
		return nil, &Violation{Reason: "response is empty", Hint: "Your previous answer was empty. Answer the request."}
	}
	if !c.RequireJSON {
		return nil, nil
	}

	var parsed map[string]any
	if err := llm.DecodeLLMJSON(content, &parsed); err != nil || parsed == nil {
		return nil, &Violation{
			Reason: "response is not a JSON object",
			Hint:   "Your previous answer was not a valid JSON object. Respond with a single JSON object only.",
		}
	}

	var missing []string
	for _, key := range c.RequiredKeys {
		if _, ok := parsed[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		quoted, _ := json.Marshal(missing)
		return nil, &Violation{
			Reason: "missing required keys " + string(quoted),
			Hint:   "Your previous answer omitted the required keys " + string(quoted) + ". Include every required key in the JSON object.",
		}
	}

	result := parsed
	if len(c.Keys) > 0 {
		result = make(map[string]any, len(c.Keys))
		for _, key := range c.Keys {
			if value, ok := parsed[key]; ok {
				result[key] = value
			}
		}
	}
	for key, value := range c.Defaults {
		if _, ok := result[key]; !ok {
			result[key] = value
		}
	}
	return result, nil
}
