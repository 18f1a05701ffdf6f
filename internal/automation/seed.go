package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML document holding rule definitions.
type SeedFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseSeed decodes a YAML rule document. Unknown keys are rejected.
func ParseSeed(r io.Reader) ([]Rule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file SeedFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode rule seed: %w", err)
	}
	return file.Rules, nil
}

// LoadSeedFile reads and parses a YAML rule file.
func LoadSeedFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule seed: %w", err)
	}
	return ParseSeed(bytes.NewReader(data))
}

// ImportReport summarizes a seed import.
type ImportReport struct {
	Created int
	Updated int
}

// ImportRules validates every rule first and writes nothing unless all are valid.
// Rules with an id that already exists are updated, the rest created.
func ImportRules(ctx context.Context, store RuleStore, schema *Schema, rules []Rule) (ImportReport, error) {
	var report ImportReport
	for i, rule := range rules {
		if err := schema.Validate(rule); err != nil {
			return report, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
		}
	}

	for _, rule := range rules {
		if rule.ID != uuid.Nil {
			if _, err := store.Get(ctx, rule.ID); err == nil {
				if _, err := store.Update(ctx, rule); err != nil {
					return report, fmt.Errorf("update rule %s: %w", rule.ID, err)
				}
				report.Updated++
				continue
			} else if !errors.Is(err, ErrRuleNotFound) {
				return report, err
			}
		}
		if _, err := store.Create(ctx, rule); err != nil {
			return report, fmt.Errorf("create rule %s: %w", rule.Name, err)
		}
		report.Created++
	}
	return report, nil
}
