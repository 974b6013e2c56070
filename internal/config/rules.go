package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/kinship/pkg/types"
)

// ruleFile is the on-disk shape of a resolution rule file:
//
//	rules:
//	  - id: employer-latest
//	    name: Employer changes
//	    attribute_pattern: employer
//	    strategy: latest_wins
//	    confidence_threshold: 0.7
//	    priority: 10
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID                  string                   `yaml:"id"`
	Name                string                   `yaml:"name"`
	RuleType            string                   `yaml:"rule_type"`
	AttributePattern    string                   `yaml:"attribute_pattern"`
	EntityType          string                   `yaml:"entity_type"`
	Strategy            types.ResolutionStrategy `yaml:"strategy"`
	ConfidenceThreshold float64                  `yaml:"confidence_threshold"`
	Priority            int                      `yaml:"priority"`
	Active              *bool                    `yaml:"active"` // default: true
}

// LoadRuleFile reads resolution rules from a YAML file. Rules without an
// explicit active flag are active. Field validation is left to the rule
// engine; only IDs are checked here.
func LoadRuleFile(path string) ([]*types.ResolutionRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read rule file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return rules, nil
}

// ParseRules decodes a rule document. Unknown fields are rejected.
func ParseRules(data []byte) ([]*types.ResolutionRule, error) {
	var doc ruleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	seen := map[string]bool{}
	rules := make([]*types.ResolutionRule, 0, len(doc.Rules))
	for i, e := range doc.Rules {
		if e.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i+1)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", e.ID)
		}
		seen[e.ID] = true

		active := true
		if e.Active != nil {
			active = *e.Active
		}
		rules = append(rules, &types.ResolutionRule{
			ID:                  e.ID,
			Name:                e.Name,
			RuleType:            e.RuleType,
			AttributePattern:    e.AttributePattern,
			EntityType:          e.EntityType,
			Strategy:            e.Strategy,
			ConfidenceThreshold: e.ConfidenceThreshold,
			Priority:            e.Priority,
			Active:              active,
		})
	}
	return rules, nil
}
