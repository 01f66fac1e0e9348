package environment

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads and validates an environment definition from YAML.
func LoadFromFile(path string) (*Environment, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("environment: read %q: %w", path, err)
	}

	var def Definition
	if err := yaml.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("environment: parse %q: %w", path, err)
	}
	return New(def)
}
