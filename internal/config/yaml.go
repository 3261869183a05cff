package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON turns a livepoll YAML file into JSON so both formats go through
// the same strict decoder. The file must hold exactly one document whose root
// is a mapping of config sections.
func yamlToJSON(data []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var root any
	if err := dec.Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: empty yaml document")
		}
		return nil, fmt.Errorf("config: yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, fmt.Errorf("config: yaml: %w", err)
		}
		return nil, fmt.Errorf("config: multiple yaml documents; livepoll reads one")
	}

	sections, ok := stringKeys(root).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config: yaml root must be a mapping of sections, got %T", root)
	}
	return json.Marshal(sections)
}

// stringKeys rewrites non-string map keys (yaml allows `8080: x`) so the tree
// can be marshaled as JSON. The strict decoder rejects them later anyway.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
