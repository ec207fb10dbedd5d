package engine

import (
	"testing"

	"accessgate/internal/metadata"
)

func TestValidateLocator(t *testing.T) {
	if err := ValidateLocator(&metadata.Permission{ResourceID: "a", ResourcePath: "/b/*"}); err == nil {
		t.Fatal("expected error for permission with both id and path")
	}
	if err := ValidateLocator(&metadata.Permission{}); err == nil {
		t.Fatal("expected error for permission with no locator")
	}
	if err := ValidateLocator(&metadata.Permission{ResourceType: "document"}); err != nil {
		t.Fatalf("type-wide locator should be valid: %v", err)
	}
}

func TestMatchesResource(t *testing.T) {
	doc := &metadata.Resource{ID: "doc-7", Type: "document", Path: "/folder-1/doc-7"}

	tests := []struct {
		name string
		perm metadata.Permission
		want bool
	}{
		{"exact id", metadata.Permission{ResourceID: "doc-7"}, true},
		{"wrong id", metadata.Permission{ResourceID: "doc-8"}, false},
		{"path glob", metadata.Permission{ResourcePath: "/folder-1/*"}, true},
		{"path glob mismatch", metadata.Permission{ResourcePath: "/folder-2/*"}, false},
		{"type address glob", metadata.Permission{ResourcePath: "document:*"}, true},
		{"exact path", metadata.Permission{ResourcePath: "/folder-1/doc-7"}, true},
		{"type wide", metadata.Permission{ResourceType: "document"}, true},
		{"other type", metadata.Permission{ResourceType: "report"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := MatchesResource(&tc.perm, doc); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchesChain(t *testing.T) {
	sens := &metadata.Resource{ID: "42", Type: "sensitive_data", Path: "/sensitive/42"}

	chain := &metadata.ApprovalChain{ResourceType: "sensitive_data", ResourcePattern: "sensitive_data:*"}
	if !MatchesChain(chain, sens) {
		t.Fatal("pattern sensitive_data:* must cover type sensitive_data id 42")
	}

	typeOnly := &metadata.ApprovalChain{ResourceType: "sensitive_data"}
	if !MatchesChain(typeOnly, sens) {
		t.Fatal("type-only chain must cover any resource of the type")
	}

	other := &metadata.ApprovalChain{ResourceType: "document"}
	if MatchesChain(other, sens) {
		t.Fatal("chain for another type must not match")
	}

	patternOnly := &metadata.ApprovalChain{ResourcePattern: "/sensitive/*"}
	if !MatchesChain(patternOnly, sens) {
		t.Fatal("path pattern chain must match by materialized path")
	}
}
