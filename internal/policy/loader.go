package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk shape of a rules document. Deployments without a
// rule store can point warden at a YAML file; no-persistence deployments
// supply rules directly in the request payload instead.
type RuleFile struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// LoadRules parses and validates a YAML rules file. Conditions are validated
// once here, not per evaluation.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses and validates rules from YAML bytes.
func ParseRules(data []byte) ([]Rule, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	for i := range rf.Rules {
		if err := rf.Rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("rules file: %w", err)
		}
	}
	return rf.Rules, nil
}
