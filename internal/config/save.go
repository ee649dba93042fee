// Configuration persistence. Updates are surgical: only the requested key
// changes, comments and formatting elsewhere survive the round trip.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SetKey updates a single scalar key in the config file, creating the file
// and any intermediate mappings as needed. Key is dotted, e.g.
// "orchestrator.heartbeat_timeout". Comments in untouched sections are
// preserved by editing the yaml.Node tree in place.
func SetKey(configPath, key, value string) error {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid key %q", key)
		}
	}

	data, err := os.ReadFile(configPath) //nolint:gosec // G304: config path comes from the CLI
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("config root is not a mapping")
	}

	setInMapping(doc.Content[0], parts, value)

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// GetKey reads a single scalar key from the config file.
func GetKey(configPath, key string) (string, error) {
	data, err := os.ReadFile(configPath) //nolint:gosec // G304: config path comes from the CLI
	if err != nil {
		return "", fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parsing config: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return "", fmt.Errorf("key %q not found", key)
	}

	node := doc.Content[0]
	for _, part := range strings.Split(key, ".") {
		next := childValue(node, part)
		if next == nil {
			return "", fmt.Errorf("key %q not found", key)
		}
		node = next
	}
	if node.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("key %q is not a scalar", key)
	}
	return node.Value, nil
}

// setInMapping walks/creates nested mappings and sets the final scalar.
func setInMapping(mapping *yaml.Node, parts []string, value string) {
	head := parts[0]

	if len(parts) == 1 {
		for i := 0; i+1 < len(mapping.Content); i += 2 {
			if mapping.Content[i].Value == head {
				// Replace the value node, keep the key node (and its comments)
				mapping.Content[i+1] = scalarNode(value)
				return
			}
		}
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: head},
			scalarNode(value),
		)
		return
	}

	child := childValue(mapping, head)
	if child == nil || child.Kind != yaml.MappingNode {
		child = &yaml.Node{Kind: yaml.MappingNode}
		replaced := false
		for i := 0; i+1 < len(mapping.Content); i += 2 {
			if mapping.Content[i].Value == head {
				mapping.Content[i+1] = child
				replaced = true
				break
			}
		}
		if !replaced {
			mapping.Content = append(mapping.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: head},
				child,
			)
		}
	}
	setInMapping(child, parts[1:], value)
}

// childValue returns the value node for a key within a mapping, or nil.
func childValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// scalarNode builds a plain scalar. Values like "true" or "30" keep their
// YAML type on re-read, which is what config set wants.
func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: value}
}

// writeAtomic writes via temp file + rename so a crash never truncates config.
func writeAtomic(configPath string, data []byte) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".aio.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
