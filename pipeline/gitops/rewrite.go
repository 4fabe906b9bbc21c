package gitops

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrFieldNotFound = errors.New("field not found")

// RewriteField replaces the scalar at a dotted yaml path with value
// and returns the rewritten document plus the old value. The yaml
// tree is used only to locate the scalar; the replacement is done by
// splicing the raw bytes at the node's position, so every other byte
// of the file, comments and formatting included, survives unchanged.
func RewriteField(raw []byte, fieldPath, value string) ([]byte, string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("parsing yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, "", ErrFieldNotFound
	}

	node, err := locate(doc.Content[0], strings.Split(fieldPath, "."))
	if err != nil {
		return nil, "", err
	}
	if node.Kind != yaml.ScalarNode {
		return nil, "", fmt.Errorf("%s is not a scalar", fieldPath)
	}

	old := node.Value
	if old == value {
		return raw, old, nil
	}

	lines := bytes.Split(raw, []byte("\n"))
	if node.Line < 1 || node.Line > len(lines) {
		return nil, "", fmt.Errorf("node position out of range")
	}

	line := lines[node.Line-1]
	col := node.Column - 1
	if col < 0 || col >= len(line) {
		return nil, "", fmt.Errorf("node position out of range")
	}

	// a quoted scalar's position points at the opening quote; splice
	// inside the quotes and keep them
	if q := line[col]; q == '"' || q == '\'' {
		col++
		if col+len(old) >= len(line) || line[col+len(old)] != q {
			return nil, "", fmt.Errorf("value %q not at expected position", old)
		}
	}
	if col+len(old) > len(line) || !bytes.Equal(line[col:col+len(old)], []byte(old)) {
		return nil, "", fmt.Errorf("value %q not at expected position", old)
	}

	var rebuilt []byte
	rebuilt = append(rebuilt, line[:col]...)
	rebuilt = append(rebuilt, value...)
	rebuilt = append(rebuilt, line[col+len(old):]...)
	lines[node.Line-1] = rebuilt

	return bytes.Join(lines, []byte("\n")), old, nil
}

func locate(node *yaml.Node, path []string) (*yaml.Node, error) {
	if len(path) == 0 {
		return node, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, path[0])
	}

	// mapping content alternates key, value
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == path[0] {
			return locate(node.Content[i+1], path[1:])
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, path[0])
}
