package stream

import (
	"errors"
	"testing"
)

func TestDefaultGroupTable(t *testing.T) {
	table := DefaultGroupTable()
	if len(table) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(table))
	}

	byName := make(map[string]GroupSpec)
	for _, g := range table {
		byName[g.Name] = g
	}

	bc, ok := byName["bonding_curve"]
	if !ok {
		t.Fatal("missing bonding_curve group")
	}
	if bc.Priority != PriorityHigh {
		t.Errorf("bonding_curve priority = %s, want high", bc.Priority)
	}
	if !bc.TrackSlots || !bc.BlocksMeta {
		t.Error("bonding_curve should track slots and block meta")
	}
	if byName["amm_pool"].Priority != PriorityMedium {
		t.Errorf("amm_pool priority = %s, want medium", byName["amm_pool"].Priority)
	}
	if byName["external_amm"].Commitment != "confirmed" {
		t.Errorf("external_amm commitment = %s, want confirmed", byName["external_amm"].Commitment)
	}
}

func TestParseGroupTable(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{
			name: "valid",
			yaml: `groups:
  - name: alpha
    programs: ["11111111111111111111111111111111"]
    priority: high
  - name: beta
    programs: ["22222222222222222222222222222222"]
`,
		},
		{
			name:    "empty",
			yaml:    `groups: []`,
			wantErr: true,
		},
		{
			name: "duplicate name",
			yaml: `groups:
  - name: alpha
    programs: ["x"]
  - name: alpha
    programs: ["y"]
`,
			wantErr: true,
		},
		{
			name: "no programs",
			yaml: `groups:
  - name: alpha
    programs: []
`,
			wantErr: true,
		},
		{
			name: "bad priority",
			yaml: `groups:
  - name: alpha
    programs: ["x"]
    priority: urgent
`,
			wantErr: true,
		},
		{
			name: "bad commitment",
			yaml: `groups:
  - name: alpha
    programs: ["x"]
    commitment: maybe
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups, err := ParseGroupTable([]byte(tt.yaml))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			// Unset priority defaults to medium.
			for _, g := range groups {
				if g.Name == "beta" && g.Priority != PriorityMedium {
					t.Errorf("beta priority = %s, want medium default", g.Priority)
				}
			}
		})
	}
}

func TestBuildFilter(t *testing.T) {
	b := NewBuilder(DefaultGroupTable())

	req, err := b.BuildFilter("bonding_curve")
	if err != nil {
		t.Fatalf("BuildFilter: %v", err)
	}

	f, ok := req.Transactions["bonding_curve"]
	if !ok {
		t.Fatal("missing transactions filter entry")
	}
	if f.Vote == nil || *f.Vote {
		t.Error("vote transactions must be excluded")
	}
	if f.Failed == nil || *f.Failed {
		t.Error("failed transactions must be excluded")
	}
	if len(f.AccountInclude) != 1 || f.AccountInclude[0] != bondingCurveProgram {
		t.Errorf("AccountInclude = %v", f.AccountInclude)
	}
	if _, ok := req.Slots["bonding_curve_slots"]; !ok {
		t.Error("expected slots entry for slot-tracking group")
	}
	if _, ok := req.BlocksMeta["bonding_curve_meta"]; !ok {
		t.Error("expected blocks meta entry")
	}

	req, err = b.BuildFilter("amm_pool")
	if err != nil {
		t.Fatalf("BuildFilter: %v", err)
	}
	if len(req.Slots) != 0 {
		t.Error("amm_pool should not subscribe slots")
	}
	if len(req.BlocksMeta) != 0 {
		t.Error("amm_pool should not subscribe block meta")
	}
}

func TestBuildFilterUnknownGroup(t *testing.T) {
	b := NewBuilder(DefaultGroupTable())
	_, err := b.BuildFilter("nope")
	if !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("err = %v, want ErrUnknownGroup", err)
	}
}
