package catalog

import (
	"context"
	"errors"
	"testing"
)

func TestCategoriesCoverKnownSets(t *testing.T) {
	names := Categories()
	want := map[string]bool{"cti-vendors": false, "cert": false, "research": false, "news": false}
	for _, name := range names {
		if _, ok := want[name]; ok {
			want[name] = true
		}
		defs, ok := Sources(name)
		if !ok || len(defs) == 0 {
			t.Errorf("category %q has no sources", name)
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("category %q missing", name)
		}
	}
}

func TestSourceDefsAreComplete(t *testing.T) {
	seen := map[string]bool{}
	for _, name := range Categories() {
		defs, _ := Sources(name)
		for _, def := range defs {
			if def.Identifier == "" || def.Name == "" || def.URL == "" {
				t.Errorf("%s: incomplete def %+v", name, def)
			}
			if seen[def.Identifier] {
				t.Errorf("duplicate identifier %q across categories", def.Identifier)
			}
			seen[def.Identifier] = true
		}
	}
}

func TestPopulate(t *testing.T) {
	var inserted []string
	add := func(_ context.Context, def *SourceDef) error {
		if def.Weight == 0 || def.CheckFrequency == 0 {
			t.Errorf("defaults not applied for %s", def.Identifier)
		}
		inserted = append(inserted, def.Identifier)
		return nil
	}

	n, err := Populate(context.Background(), add, "cert")
	if err != nil {
		t.Fatal(err)
	}
	if n != len(inserted) || n == 0 {
		t.Fatalf("populated %d, recorded %d", n, len(inserted))
	}
}

func TestPopulateSkipsFailedInserts(t *testing.T) {
	calls := 0
	add := func(context.Context, *SourceDef) error {
		calls++
		if calls == 1 {
			return errors.New("duplicate")
		}
		return nil
	}

	n, err := Populate(context.Background(), add, "cert")
	if err != nil {
		t.Fatal(err)
	}
	if n != calls-1 {
		t.Fatalf("counted %d of %d attempts", n, calls)
	}
}

func TestPopulateUnknownCategory(t *testing.T) {
	if _, err := Populate(context.Background(), nil, "philately"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}
