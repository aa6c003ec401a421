package graph

import (
	"errors"
	"testing"
)

func TestValidateAcceptsConnectedGraph(t *testing.T) {
	nodes := []Node{{ID: "n1"}, {ID: "n2"}}
	edges := []Edge{{ID: "e1", Source: "n1", Target: "n2"}}

	if err := Validate(nodes, edges); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}
}

func TestValidateAcceptsEmptyGraph(t *testing.T) {
	if err := Validate(nil, nil); err != nil {
		t.Fatalf("expected empty graph to be valid, got %v", err)
	}
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	nodes := []Node{{ID: "n1"}}
	edges := []Edge{{ID: "e1", Source: "n1", Target: "n9"}}

	err := Validate(nodes, edges)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(verr.MissingNodeIDs) != 1 || verr.MissingNodeIDs[0] != "n9" {
		t.Errorf("expected missing node n9, got %v", verr.MissingNodeIDs)
	}
}

func TestValidateReportsEachMissingNodeOnce(t *testing.T) {
	nodes := []Node{{ID: "n1"}}
	edges := []Edge{
		{ID: "e1", Source: "n9", Target: "n1"},
		{ID: "e2", Source: "n1", Target: "n9"},
		{ID: "e3", Source: "n8", Target: "n9"},
	}

	var verr *ValidationError
	if err := Validate(nodes, edges); !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(verr.MissingNodeIDs) != 2 {
		t.Fatalf("expected 2 missing ids, got %v", verr.MissingNodeIDs)
	}
	if verr.MissingNodeIDs[0] != "n8" || verr.MissingNodeIDs[1] != "n9" {
		t.Errorf("expected sorted [n8 n9], got %v", verr.MissingNodeIDs)
	}
}
