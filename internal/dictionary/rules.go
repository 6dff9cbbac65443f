package dictionary

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadRules loads and validates a JSON rules file. Selector fields left
// empty fall back to the DefaultRules two-column table shape.
func LoadRules(path string) (Rules, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}

	rules := DefaultRules()
	if err := json.Unmarshal(b, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse rules json: %w", err)
	}

	if rules.RowSelector == "" {
		return Rules{}, fmt.Errorf("rules: row_selector must not be empty")
	}
	if rules.NameSelector == "" {
		return Rules{}, fmt.Errorf("rules: name_selector must not be empty")
	}
	if rules.TypeSelector == "" {
		return Rules{}, fmt.Errorf("rules: type_selector must not be empty")
	}
	return rules, nil
}
