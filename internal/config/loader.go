package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// LoadRaw reads a YAML, JSON or JSON5 file into a raw map. Environment
// references are expanded first, then $include (or include) entries are
// loaded relative to the including file and merged underneath it, so the
// including file wins on conflicts.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return loadRawRecursive(path, map[string]bool{})
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw, err := parseRawBytes([]byte(expandEnv(string(data))), absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(baseDir, inc)
		}
		incRaw, err := loadRawRecursive(inc, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}
	return mergeMaps(merged, raw), nil
}

// expandEnv replaces $VAR and ${VAR} references. ${VAR:-fallback} uses the
// fallback when VAR is unset or empty. The $include key is left alone.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		if key == strings.TrimPrefix(includeKey, "$") {
			return includeKey
		}
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if value := os.Getenv(name); value != "" || !hasFallback {
			return value
		}
		return fallback
	})
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil && err != io.EOF {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func extractIncludes(raw map[string]any) ([]string, error) {
	var includeVal any
	for _, key := range []string{includeKey, "include"} {
		if val, ok := raw[key]; ok {
			includeVal = val
			delete(raw, key)
			break
		}
	}

	switch typed := includeVal.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			value, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths = append(paths, value)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}
}

// mergeMaps merges src into dst. Nested maps merge key by key; any other
// value, lists included, is replaced.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
