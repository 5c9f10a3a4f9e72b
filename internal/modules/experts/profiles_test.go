package experts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/merlt/merlt-backend/internal/domain"
)

func TestDefaultProfilesCoverAllExperts(t *testing.T) {
	profiles := DefaultProfiles()
	if len(profiles) != len(domain.AllExperts) {
		t.Fatalf("got %d profiles, want %d", len(profiles), len(domain.AllExperts))
	}
	for _, id := range domain.AllExperts {
		p, ok := profiles[id]
		if !ok {
			t.Fatalf("missing profile for %s", id)
		}
		if p.Instruction == "" || len(p.Tools) == 0 || len(p.RelationPriors) == 0 {
			t.Fatalf("incomplete profile for %s: %+v", id, p)
		}
		for _, tool := range p.Tools {
			if _, known := toolRegistry[tool]; !known {
				t.Fatalf("profile %s references unknown tool %q", id, tool)
			}
		}
		for rel, w := range p.RelationPriors {
			valid := false
			for _, known := range domain.AllRelations {
				if rel == known {
					valid = true
				}
			}
			if !valid {
				t.Fatalf("profile %s has unknown relation %q", id, rel)
			}
			if w <= 0 || w >= 1 {
				t.Fatalf("profile %s prior for %s out of (0,1): %f", id, rel, w)
			}
		}
	}
}

func TestLoadProfilesOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "experts.yaml")
	yaml := `
experts:
  - id: literal
    instruction: custom literal instruction
    relation_priors:
      DEFINES: 0.95
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	profiles, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	lit := profiles[domain.ExpertLiteral]
	if lit.Instruction != "custom literal instruction" {
		t.Fatalf("instruction not overlaid: %q", lit.Instruction)
	}
	if lit.RelationPriors[domain.RelationDefines] != 0.95 {
		t.Fatalf("prior not overlaid: %f", lit.RelationPriors[domain.RelationDefines])
	}
	// Untouched fields keep their defaults.
	if len(lit.Tools) == 0 {
		t.Fatal("tools lost during overlay")
	}
	if profiles[domain.ExpertPrecedent].RelationPriors[domain.RelationInterprets] != 0.85 {
		t.Fatal("unrelated profile changed during overlay")
	}
}

func TestLoadProfilesRejectsUnknownExpert(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "experts.yaml")
	if err := os.WriteFile(path, []byte("experts:\n  - id: oracle\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadProfiles(path); err == nil {
		t.Fatal("expected error for unknown expert id")
	}
}

func TestLoadProfilesEmptyPathReturnsDefaults(t *testing.T) {
	profiles, err := LoadProfiles("")
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if len(profiles) != len(domain.AllExperts) {
		t.Fatalf("got %d profiles, want %d", len(profiles), len(domain.AllExperts))
	}
}
