package risk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// weightsFile is the on-disk shape of a weight override:
//
//	weights:
//	  network: 3
//	  frame_drops: 0
type weightsFile struct {
	Weights map[string]int `yaml:"weights"`
}

// LoadWeights reads a YAML override and lays it over DefaultWeights.
// An empty path returns the defaults.
func LoadWeights(path string) (Weights, error) {
	if path == "" {
		return DefaultWeights(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("risk: read weights: %w", err)
	}
	return ParseWeights(data)
}

// ParseWeights decodes a YAML override document. Unknown keys at any level
// are rejected.
func ParseWeights(data []byte) (Weights, error) {
	var f weightsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("risk: parse weights: %w", err)
	}

	w := DefaultWeights()
	for name, v := range f.Weights {
		w[Signal(name)] = v
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// MarshalYAML renders the table in AllSignals order.
func (w Weights) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, s := range AllSignals {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: string(s)},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprint(w[s])},
		)
	}
	return node, nil
}
