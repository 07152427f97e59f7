package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	maxDecisions        = 200
	maxOutputsPerBranch = 100
	maxIdentifierLength = 100
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Definition is the declarative rule format understood by CELCompiler: a
// first-hit decision table whose conditions and outputs are CEL expressions
// over the variable `input`.
type Definition struct {
	Name      string            `json:"name,omitempty"`
	Version   string            `json:"version,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	DependsOn []string          `json:"dependsOn,omitempty"`
	Decisions []Decision        `json:"decisions"`
	Default   map[string]string `json:"default,omitempty"`
}

// Decision is one row of the table. When must evaluate to a boolean;
// each Then value is an expression producing that output key.
type Decision struct {
	When string            `json:"when"`
	Then map[string]string `json:"then"`
}

// ParseDefinition decodes and validates a rule definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid rule definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural limits and output key names.
func (d *Definition) Validate() error {
	if len(d.Decisions) == 0 && len(d.Default) == 0 {
		return fmt.Errorf("rule definition must contain at least one decision or a default")
	}
	if len(d.Decisions) > maxDecisions {
		return fmt.Errorf("rule definition contains %d decisions, maximum allowed is %d", len(d.Decisions), maxDecisions)
	}

	for i, dec := range d.Decisions {
		if strings.TrimSpace(dec.When) == "" {
			return fmt.Errorf("decision %d has an empty condition", i)
		}
		if err := validateOutputs(dec.Then); err != nil {
			return fmt.Errorf("decision %d: %w", i, err)
		}
	}

	if err := validateOutputs(d.Default); err != nil {
		return fmt.Errorf("default: %w", err)
	}

	for _, dep := range d.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("dependsOn contains an empty rule id")
		}
	}

	return nil
}

func validateOutputs(outputs map[string]string) error {
	if len(outputs) > maxOutputsPerBranch {
		return fmt.Errorf("%d outputs, maximum allowed is %d", len(outputs), maxOutputsPerBranch)
	}
	for key, expr := range outputs {
		if err := validateIdentifier(key); err != nil {
			return fmt.Errorf("invalid output key %q: %w", key, err)
		}
		if strings.TrimSpace(expr) == "" {
			return fmt.Errorf("output %q has an empty expression", key)
		}
	}
	return nil
}

// validateIdentifier enforces ^[a-zA-Z_][a-zA-Z0-9_]*$ and a 1-100 character length.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier must start with a letter or underscore and contain only letters, digits, and underscores")
	}
	return nil
}

// mergeDefinitionMetadata fills metadata fields the definition carries.
// Explicit metadata from the source wins over values in the body.
func mergeDefinitionMetadata(meta RuleMetadata, def *Definition) RuleMetadata {
	if meta.Name == "" {
		meta.Name = def.Name
	}
	if meta.Version == "" {
		meta.Version = def.Version
	}
	if len(meta.Tags) == 0 {
		meta.Tags = def.Tags
	}
	if len(meta.DependsOn) == 0 {
		meta.DependsOn = def.DependsOn
	}
	return meta
}
