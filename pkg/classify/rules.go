package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rulesFile is the YAML layout read by LoadRules:
//
//	rules:
//	  - name: camera-busy
//	    category: fatal
//	    patterns: ["camera is in use"]
//	    message: "Feche outros aplicativos que usam a câmera"
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads extra classification rules from a YAML file. The rules
// are validated but not yet installed; pass them to New.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator configuration, not user input
	if err != nil {
		return nil, fmt.Errorf("classify: load rules: %w", err)
	}

	return ParseRules(data)
}

// ParseRules decodes extra classification rules from YAML.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("classify: parse rules: %w", err)
	}

	for i := range f.Rules {
		r := f.Rules[i]
		if r.Name == "" {
			return nil, fmt.Errorf("classify: rule %d: name is required", i)
		}
		if r.catchAll() {
			return nil, fmt.Errorf("classify: rule %q: needs codes, patterns or match_empty", r.Name)
		}
		if err := r.compile(); err != nil {
			return nil, err
		}
	}

	return f.Rules, nil
}
