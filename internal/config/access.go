package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value by dot path (machine.hostname) or by entity
// address (interceptor:name).
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

// GetEntity retrieves an interceptor by interceptor:name, or all of them with interceptor:*.
func (c *Config) GetEntity(address string) (any, error) {
	kind, name, ok := strings.Cut(address, ":")
	if !ok {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}
	if kind != "interceptor" {
		return nil, fmt.Errorf("unsupported entity type %q", kind)
	}
	if name == "*" {
		return c.Interception.Interceptors, nil
	}
	ic, ok := c.Interception.Interceptors[name]
	if !ok {
		return nil, fmt.Errorf("interceptor %q not found", name)
	}
	return ic, nil
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := node[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	current := node
	for _, part := range strings.Split(path, ".") {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("not a mapping node")
		}
		var next *yaml.Node
		for i := 0; i+1 < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				next = current.Content[i+1]
				break
			}
		}
		if next == nil {
			if !create {
				return nil, fmt.Errorf("key %q not found", part)
			}
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}, next)
		}
		current = next
	}
	return current, nil
}

// SetPath changes a scalar in the root config file. interceptor:name.field
// addresses map to interception.interceptors.name.field. With persist the
// file is rewritten and reloaded; a failing reload restores the original.
func (c *Config) SetPath(path, value string, persist bool) error {
	if entity, field, ok := strings.Cut(path, "."); ok && strings.Contains(entity, ":") {
		kind, name, _ := strings.Cut(entity, ":")
		if kind != "interceptor" {
			return fmt.Errorf("unsupported entity type for set: %q", kind)
		}
		path = "interception.interceptors." + name + "." + field
	} else if strings.Contains(path, ":") {
		return fmt.Errorf("must specify a field to set (e.g., %s.enabled=false)", path)
	}

	targetFile := c.rootFile()
	if targetFile == "" {
		return fmt.Errorf("no valid configuration source found")
	}
	root := c.SourceFiles[targetFile]
	if root == nil || root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return fmt.Errorf("no valid configuration source found")
	}

	target, err := findNode(root.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}
	target.Kind = yaml.ScalarNode
	target.Value = value
	target.Tag = guessTag(value)
	target.Content = nil

	if !persist {
		return nil
	}
	candidate, err := yaml.Marshal(root)
	if err != nil {
		return err
	}
	return persistWithValidation(targetFile, candidate)
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	if v == "" || v == "-" {
		return "!!str"
	}
	for i, r := range v {
		if i == 0 && r == '-' {
			continue
		}
		if r < '0' || r > '9' {
			return "!!str"
		}
	}
	return "!!int"
}

// rootFile returns the loaded config.yaml, falling back to any source file.
func (c *Config) rootFile() string {
	var fallback string
	for f := range c.SourceFiles {
		if filepath.Base(f) == "config.yaml" {
			return f
		}
		fallback = f
	}
	return fallback
}

func persistWithValidation(targetFile string, candidate []byte) error {
	original, err := os.ReadFile(targetFile)
	if err != nil {
		return fmt.Errorf("failed to read original config file: %w", err)
	}
	mode := os.FileMode(0644)
	if info, statErr := os.Stat(targetFile); statErr == nil {
		mode = info.Mode().Perm()
	}

	if err := os.WriteFile(targetFile, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}
	if _, err := Load(targetFile); err != nil {
		if restoreErr := os.WriteFile(targetFile, original, mode); restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
