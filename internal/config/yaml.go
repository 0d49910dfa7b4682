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

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a single YAML document as JSON so both formats go
// through the same strict decoder. Extra documents and non-string keys are errors.
func yamlToJSON(data []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("yaml: expected a single document")
	}
	v, err := jsonCompatible(doc, "")
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func jsonCompatible(in any, at string) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			cv, err := jsonCompatible(v, at+"."+k)
			if err != nil {
				return nil, err
			}
			x[k] = cv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("yaml: non-string key %v at %q", k, strings.TrimPrefix(at, "."))
			}
			cv, err := jsonCompatible(v, at+"."+ks)
			if err != nil {
				return nil, err
			}
			m[ks] = cv
		}
		return m, nil
	case []any:
		for i := range x {
			cv, err := jsonCompatible(x[i], fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			x[i] = cv
		}
		return x, nil
	default:
		return in, nil
	}
}
