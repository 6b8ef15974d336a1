package catalog

import (
	"maps"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_ProductsResolve(t *testing.T) {
	c := Default()

	tests := []struct {
		product string
		bundle  string
	}{
		{"prod_Sc1cAYaPVIFRnm", "egypt_pack"},
		{"prod_Sc1cJRaC4oR6kR", "rome_pack"},
		{"prod_ScLSVWDcZ7gh5T", "bronze_age_pack"},
		{"prod_ScLSsw9hXo49M7", "true_false_pack"},
		{"prod_ScLSskLoTVMOaW", "hard_pack"},
	}
	for _, tt := range tests {
		t.Run(tt.product, func(t *testing.T) {
			b, ok := c.BundleForProduct(tt.product)
			if !ok {
				t.Fatalf("BundleForProduct(%q) not found", tt.product)
			}
			if b.ID != tt.bundle {
				t.Fatalf("bundle = %q, want %q", b.ID, tt.bundle)
			}
		})
	}
}

func TestDefault_UnknownProduct(t *testing.T) {
	c := Default()
	if _, ok := c.BundleForProduct("prod_nope"); ok {
		t.Fatal("unknown product should not resolve")
	}
}

func TestDefault_EveryBundleHasProduct(t *testing.T) {
	c := Default()
	for _, b := range c.Bundles() {
		if _, ok := c.ProductForBundle(b.ID); !ok {
			t.Errorf("bundle %s has no product", b.ID)
		}
	}
}

func TestDefault_DifficultyPacksArePinned(t *testing.T) {
	c := Default()
	want := map[string]Difficulty{"easy_pack": Easy, "medium_pack": Medium, "hard_pack": Hard}
	for id, d := range want {
		b, ok := c.Bundle(id)
		if !ok {
			t.Fatalf("bundle %s missing", id)
		}
		if b.Mix.Pinned != d {
			t.Errorf("%s pinned = %q, want %q", id, b.Mix.Pinned, d)
		}
		if b.Category != CategoryDifficulty {
			t.Errorf("%s category = %q, want %q", id, b.Category, CategoryDifficulty)
		}
	}
}

func TestDefault_SamplesCurated(t *testing.T) {
	c := Default()
	s := c.Sample("rome_pack")
	if len(s) != 10 {
		t.Fatalf("len(sample) = %d, want 10", len(s))
	}
	counts := map[Difficulty]int{}
	for _, it := range s {
		counts[it.Difficulty]++
		if it.CorrectIndex < 0 || it.CorrectIndex >= len(it.Options) {
			t.Errorf("item %s correct index %d out of range", it.ID, it.CorrectIndex)
		}
	}
	want := map[Difficulty]int{Easy: 3, Medium: 3, Hard: 4}
	if !maps.Equal(counts, want) {
		t.Fatalf("rome_pack sample split = %v, want %v", counts, want)
	}

	curated := 0
	for _, b := range c.Bundles() {
		items := c.Sample(b.ID)
		if len(items) == 0 {
			continue
		}
		curated++
		split := map[Difficulty]int{}
		for _, it := range items {
			split[it.Difficulty]++
		}
		if !maps.Equal(split, want) {
			t.Errorf("%s sample split = %v, want %v", b.ID, split, want)
		}
	}
	if curated != 9 {
		t.Fatalf("curated bundles = %d, want 9", curated)
	}

	// returned slice is a copy
	s[0].Body = "mutated"
	if c.Sample("rome_pack")[0].Body == "mutated" {
		t.Fatal("Sample should return a copy")
	}

	if got := c.Sample("easy_pack"); len(got) != 0 {
		t.Fatalf("uncurated bundle sample len = %d, want 0", len(got))
	}
}

func TestNew_RejectsBadMix(t *testing.T) {
	_, err := New(Options{
		Bundles:  []Bundle{{ID: "x", TargetSize: 10, Mix: DifficultyMix{EasyPct: 50, MediumPct: 30, HardPct: 30}}},
		Products: map[string]string{},
		Samples:  map[string][]ContentItem{},
	})
	if err == nil || !strings.Contains(err.Error(), "sum to 110") {
		t.Fatalf("expected mix sum error, got %v", err)
	}
}

func TestNew_RejectsDanglingProduct(t *testing.T) {
	_, err := New(Options{
		Bundles:  []Bundle{{ID: "x", TargetSize: 10, Mix: StandardMix}},
		Products: map[string]string{"prod_1": "y"},
		Samples:  map[string][]ContentItem{},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown bundle y") {
		t.Fatalf("expected dangling product error, got %v", err)
	}
}

func TestNew_RejectsDuplicateBundle(t *testing.T) {
	b := Bundle{ID: "x", TargetSize: 10, Mix: StandardMix}
	_, err := New(Options{Bundles: []Bundle{b, b}, Products: map[string]string{}, Samples: map[string][]ContentItem{}})
	if err == nil {
		t.Fatal("expected duplicate bundle error")
	}
}

func TestWithProducts_MergesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "products.json")
	if err := os.WriteFile(path, []byte(`{"prod_test_rome":"rome_pack"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	overrides, err := LoadProductOverrides(path)
	if err != nil {
		t.Fatalf("LoadProductOverrides: %v", err)
	}

	c, err := Default().WithProducts(overrides)
	if err != nil {
		t.Fatalf("WithProducts: %v", err)
	}
	if b, ok := c.BundleForProduct("prod_test_rome"); !ok || b.ID != "rome_pack" {
		t.Fatalf("override not applied: %v %v", b.ID, ok)
	}
	if _, ok := c.BundleForProduct("prod_Sc1cAYaPVIFRnm"); !ok {
		t.Fatal("built-in products should survive merge")
	}
}

func TestFingerprint_TracksProducts(t *testing.T) {
	a, b := Default(), Default()
	if a.Fingerprint() == "" || a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}
	c, err := a.WithProducts(map[string]string{"prod_extra": "rome_pack"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Fingerprint() == a.Fingerprint() {
		t.Fatal("fingerprint unchanged after product override")
	}
}

func TestLoadProductOverrides_BadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProductOverrides(path); err == nil {
		t.Fatal("expected parse error")
	}
}

// --- DifficultyMix ---

func TestDifficultyMix_Counts(t *testing.T) {
	tests := []struct {
		name string
		mix  DifficultyMix
		size int
		want [3]int
	}{
		{"standard 100", StandardMix, 100, [3]int{33, 33, 34}},
		{"30/30/40 of 10", DifficultyMix{EasyPct: 30, MediumPct: 30, HardPct: 40}, 10, [3]int{3, 3, 4}},
		{"rounding into hard", DifficultyMix{EasyPct: 33, MediumPct: 33, HardPct: 34}, 10, [3]int{3, 3, 4}},
		{"25/50/25 of 7", DifficultyMix{EasyPct: 25, MediumPct: 50, HardPct: 25}, 7, [3]int{1, 3, 3}},
		{"pinned easy", PinnedMix(Easy), 100, [3]int{100, 0, 0}},
		{"pinned hard", PinnedMix(Hard), 10, [3]int{0, 0, 10}},
		{"zero size", StandardMix, 0, [3]int{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.mix.Counts(tt.size)
			got := [3]int{c[Easy], c[Medium], c[Hard]}
			if got != tt.want {
				t.Fatalf("Counts(%d) = %v, want %v", tt.size, got, tt.want)
			}
			if sum := got[0] + got[1] + got[2]; sum != tt.size {
				t.Fatalf("sum = %d, want %d", sum, tt.size)
			}
		})
	}
}

func TestDifficulty_Level(t *testing.T) {
	if Easy.Level() != "Elementary School" || Medium.Level() != "Middle School" || Hard.Level() != "High School" {
		t.Fatal("unexpected difficulty level labels")
	}
	if Difficulty("x").Valid() {
		t.Fatal("unknown difficulty should be invalid")
	}
}

// --- template bank ---

func TestTemplates_PoolCoversFullPack(t *testing.T) {
	b, _ := Default().Bundle("egypt_pack")
	for _, d := range Difficulties {
		tpls := Templates(b, d)
		if len(tpls) < DefaultTargetSize {
			t.Errorf("%s pool = %d, want >= %d", d, len(tpls), DefaultTargetSize)
		}
		for _, tp := range tpls {
			if strings.Contains(tp.Question, "{") || strings.Contains(tp.Explanation, "{") {
				t.Fatalf("unexpanded placeholder in %q / %q", tp.Question, tp.Explanation)
			}
		}
	}
}

func TestTemplates_DefaultsWhenNoThemes(t *testing.T) {
	b := Bundle{ID: "x", DisplayName: "X", TargetSize: 10, Mix: StandardMix}
	if len(Templates(b, Medium)) == 0 {
		t.Fatal("expected default themes to produce templates")
	}
	if len(Templates(b, Difficulty("nope"))) != 0 {
		t.Fatal("unknown difficulty should produce no templates")
	}
	if got := BundlePeriod(b); got != "Ancient Period" {
		t.Fatalf("BundlePeriod = %q", got)
	}
	if got := BundleTags(b); len(got) != 3 {
		t.Fatalf("BundleTags = %v", got)
	}
}
