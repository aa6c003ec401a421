// Package graph holds the storyboard node/edge payload and its validation.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID         string          `json:"id"`
	Label      string          `json:"label"`
	Position   Position        `json:"position"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

type Edge struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	Target     string          `json:"target"`
	Label      string          `json:"label,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// ValidationError reports edges whose endpoints are missing from the node set.
type ValidationError struct {
	MissingNodeIDs []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("edges reference missing nodes: %s", strings.Join(e.MissingNodeIDs, ", "))
}

// Validate checks that every edge's source and target reference a node in the
// same payload. Returns a *ValidationError listing the missing ids, or nil.
func Validate(nodes []Node, edges []Edge) error {
	known := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		known[node.ID] = struct{}{}
	}

	missing := map[string]struct{}{}
	for _, edge := range edges {
		if _, ok := known[edge.Source]; !ok {
			missing[edge.Source] = struct{}{}
		}
		if _, ok := known[edge.Target]; !ok {
			missing[edge.Target] = struct{}{}
		}
	}
	if len(missing) == 0 {
		return nil
	}

	ids := make([]string, 0, len(missing))
	for id := range missing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &ValidationError{MissingNodeIDs: ids}
}
