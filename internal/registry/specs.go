package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ApplicationSpec names one application the relay should accept
// registrations for (from applications.yaml).
type ApplicationSpec struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// applicationsFile is the top-level structure of applications.yaml.
type applicationsFile struct {
	Applications []ApplicationSpec `yaml:"applications"`
}

// LoadApplicationSpecs reads and parses an applications.yaml file.
// An empty path or missing file returns nil, nil; the relay then
// accepts any name.
func LoadApplicationSpecs(path string) ([]ApplicationSpec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read applications.yaml: %w", err)
	}

	var f applicationsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse applications.yaml: %w", err)
	}
	return f.Applications, nil
}
