package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// configFormat picks the decoder by extension. Anything that is not .json is
// read as YAML, which also accepts plain JSON documents.
func configFormat(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}

// coerceToJSONBytes turns a timerbot config file into JSON so both formats go
// through the same strict decoder. It returns the bytes and the detected
// format.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	format := configFormat(path)
	if format == "json" {
		return data, format, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, format, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	if doc == nil {
		return []byte("{}"), format, nil
	}
	doc, err := jsonKeys("", doc)
	if err != nil {
		return nil, format, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	j, err := json.Marshal(doc)
	if err != nil {
		return nil, format, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	return j, format, nil
}

// jsonKeys rewrites YAML mappings into string-keyed maps. Every section and
// key in the timerbot config is a name, so a non-string key is reported with
// its dotted location instead of being stringified.
func jsonKeys(at string, node any) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			conv, err := jsonKeys(join(at, k), v)
			if err != nil {
				return nil, err
			}
			n[k] = conv
		}
		return n, nil
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: key %v is not a name", orRoot(at), k)
			}
			conv, err := jsonKeys(join(at, key), v)
			if err != nil {
				return nil, err
			}
			out[key] = conv
		}
		return out, nil
	case []any:
		for i, v := range n {
			conv, err := jsonKeys(fmt.Sprintf("%s[%d]", at, i), v)
			if err != nil {
				return nil, err
			}
			n[i] = conv
		}
		return n, nil
	default:
		return node, nil
	}
}

func join(at, key string) string {
	if at == "" {
		return key
	}
	return at + "." + key
}

func orRoot(at string) string {
	if at == "" {
		return "top level"
	}
	return at
}
