package tablename

import (
	"errors"
	"strings"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/errors"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"mapRegions", "map_regions"},
		{"mapSolarSystems", "map_solar_systems"},
		{"types", "types"},
		{"_sde", "_sde"},
		{"_sdeInfo", "_sde_info"},
		{"__doubleLead", "_double_lead"},
		{"agentsInSpace", "agents_in_space"},
		{"dogmaAttributeCategories", "dogma_attribute_categories"},
		{"planet2Schematics", "planet2_schematics"},
		{"NPCCorporations", "npccorporations"},
		{"npcCorporationDivisions", "npc_corporation_divisions"},
		{"already_snake", "already_snake"},
		{"3dModels", "3d_models"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Derive(tt.in); got != tt.want {
				t.Errorf("Derive(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	names := []string{"mapRegions", "_sde", "typeDogma", "x"}
	for _, n := range names {
		first := Derive(n)
		for i := 0; i < 5; i++ {
			if got := Derive(n); got != first {
				t.Fatalf("Derive(%q) changed between calls: %q vs %q", n, first, got)
			}
		}
		if strings.HasPrefix(n, "_") && strings.HasPrefix(first, "__") {
			t.Errorf("Derive(%q) kept more than one leading underscore: %q", n, first)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := []string{"map_regions", "_sde", "a1", "1abc", "3d_models"}
	for _, name := range valid {
		if err := Validate(name); err != nil {
			t.Errorf("Validate(%q) unexpected error: %v", name, err)
		}
	}
	invalid := []string{"", "drop table", "bad-name", `x";--`, "über", strings.Repeat("a", 64)}
	for _, name := range invalid {
		err := Validate(name)
		if err == nil {
			t.Errorf("Validate(%q) expected error", name)
			continue
		}
		if !errors.Is(err, apperrors.ErrUnsafeIdentifier) {
			t.Errorf("Validate(%q) expected ErrUnsafeIdentifier, got %v", name, err)
		}
	}
}

func TestForFile(t *testing.T) {
	name, err := ForFile("mapRegions")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "map_regions" {
		t.Errorf("expected map_regions, got %q", name)
	}
	name, err = ForFile("3dModels")
	if err != nil {
		t.Fatalf("digit-leading file name should import: %v", err)
	}
	if name != "3d_models" {
		t.Errorf("expected 3d_models, got %q", name)
	}
	if _, err := ForFile("map Regions"); err == nil {
		t.Error("expected error for name with a space")
	}
}
