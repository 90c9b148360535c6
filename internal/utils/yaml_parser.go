package utils

import (
	"gopkg.in/yaml.v3"
)

// yamlParser decodes config files for koanf with yaml.v3.
type yamlParser struct{}

// YAMLParser returns a koanf parser for YAML documents.
func YAMLParser() *yamlParser {
	return &yamlParser{}
}

// Unmarshal parses YAML bytes into a nested map.
func (p *yamlParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Marshal encodes a nested map as YAML.
func (p *yamlParser) Marshal(o map[string]interface{}) ([]byte, error) {
	return yaml.Marshal(o)
}
