package attributes

import (
	"reflect"
	"testing"

	"github.com/embergraph/provisioner/pkg/failure"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path    string
		want    []string
		wantErr bool
	}{
		{path: "embergraph.home", want: []string{"embergraph", "home"}},
		{path: "embergraph['journal.AbstractJournal.bufferMode']", want: []string{"embergraph", "journal.AbstractJournal.bufferMode"}},
		{path: `a["b.c"].d`, want: []string{"a", "b.c", "d"}},
		{path: "single", want: []string{"single"}},
		{path: "", wantErr: true},
		{path: "a..b", wantErr: true},
		{path: "a.", wantErr: true},
		{path: "a['b", wantErr: true},
		{path: "a[b]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ParsePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParsePath() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatPathRoundTrip(t *testing.T) {
	paths := []string{
		"embergraph.home",
		"embergraph['rdf.sail.bufferCapacity']",
	}
	for _, p := range paths {
		segments, err := ParsePath(p)
		if err != nil {
			t.Fatalf("ParsePath(%q) failed: %v", p, err)
		}
		if got := FormatPath(segments); got != p {
			t.Errorf("FormatPath() = %q, want %q", got, p)
		}
	}
}

func TestTreeGetMissing(t *testing.T) {
	tree := New()
	tree.MustSet("embergraph.home", "/var/lib/bigdata")

	_, err := tree.Get("embergraph.user")
	if !failure.Is(err, failure.KindMissingAttribute) {
		t.Fatalf("expected MissingAttribute, got %v", err)
	}

	_, err = tree.Get("embergraph.home.nested")
	if !failure.Is(err, failure.KindMissingAttribute) {
		t.Fatalf("expected MissingAttribute below a scalar, got %v", err)
	}
}

func TestTreeMergePreservesOrder(t *testing.T) {
	base := New()
	base.MustSet("a.first", 1)
	base.MustSet("a.second", 2)
	base.MustSet("b", "x")

	over := New()
	over.MustSet("a.second", 20)
	over.MustSet("a.third", 3)
	over.MustSet("c", true)

	merged := base.Merge(over)

	keys, err := merged.Keys("a")
	if err != nil {
		t.Fatalf("Keys() failed: %v", err)
	}
	if want := []string{"first", "second", "third"}; !reflect.DeepEqual(keys, want) {
		t.Errorf("Keys(a) = %v, want %v", keys, want)
	}

	v, err := merged.Int("a.second")
	if err != nil || v != 20 {
		t.Errorf("a.second = %d, %v; want 20", v, err)
	}

	top, _ := merged.Keys("")
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(top, want) {
		t.Errorf("top keys = %v, want %v", top, want)
	}

	// The base tree is untouched.
	if v, _ := base.Int("a.second"); v != 2 {
		t.Errorf("base mutated: a.second = %d", v)
	}
}

func TestDerivedAttributesAreLazyAndMemoized(t *testing.T) {
	calls := 0
	tree := New()
	tree.MustSet("embergraph.home", "/opt/eg")
	tree.MustDerive("embergraph.properties", func(t *Tree) (interface{}, error) {
		calls++
		home, err := t.String("embergraph.home")
		if err != nil {
			return nil, err
		}
		return home + "/RWStore.properties", nil
	})

	if calls != 0 {
		t.Fatalf("derivation ran before first read")
	}
	for i := 0; i < 3; i++ {
		v, err := tree.String("embergraph.properties")
		if err != nil {
			t.Fatalf("String() failed: %v", err)
		}
		if v != "/opt/eg/RWStore.properties" {
			t.Errorf("properties = %q", v)
		}
	}
	if calls != 1 {
		t.Errorf("derivation ran %d times, want 1", calls)
	}
}

func TestDerivedSeesOverridesAfterMerge(t *testing.T) {
	base := New()
	base.MustSet("embergraph.home", "/var/lib/bigdata")
	base.MustDerive("embergraph.properties", concat(PathHome, "/RWStore.properties"))

	over := New()
	over.MustSet("embergraph.home", "/data/eg")

	merged := base.Merge(over)
	got, err := merged.String("embergraph.properties")
	if err != nil {
		t.Fatalf("String() failed: %v", err)
	}
	if got != "/data/eg/RWStore.properties" {
		t.Errorf("properties = %q, want /data/eg/RWStore.properties", got)
	}
}

func TestExplicitValueReplacesDerivation(t *testing.T) {
	base := New()
	base.MustSet("embergraph.home", "/var/lib/bigdata")
	base.MustDerive("embergraph.properties", concat(PathHome, "/RWStore.properties"))

	over := New()
	over.MustSet("embergraph.properties", "/etc/eg/RWStore.properties")

	got, err := base.Merge(over).String("embergraph.properties")
	if err != nil {
		t.Fatalf("String() failed: %v", err)
	}
	if got != "/etc/eg/RWStore.properties" {
		t.Errorf("properties = %q", got)
	}
}

func TestDerivationCycle(t *testing.T) {
	tree := New()
	tree.MustDerive("a", func(t *Tree) (interface{}, error) { return t.Get("b") })
	tree.MustDerive("b", func(t *Tree) (interface{}, error) { return t.Get("a") })

	if _, err := tree.Get("a"); !failure.Is(err, failure.KindValidation) {
		t.Fatalf("expected ValidationError for cycle, got %v", err)
	}
}

func TestTypedAccessors(t *testing.T) {
	tree := FromMap(map[string]interface{}{
		"flag":    "true",
		"count":   float64(3),
		"str_int": "42",
		"list":    []interface{}{"a", "b"},
		"nested":  map[string]interface{}{"k": "v"},
	})

	if b, err := tree.Bool("flag"); err != nil || !b {
		t.Errorf("Bool(flag) = %v, %v", b, err)
	}
	if i, err := tree.Int("count"); err != nil || i != 3 {
		t.Errorf("Int(count) = %d, %v", i, err)
	}
	if i, err := tree.Int("str_int"); err != nil || i != 42 {
		t.Errorf("Int(str_int) = %d, %v", i, err)
	}
	if l, err := tree.Strings("list"); err != nil || !reflect.DeepEqual(l, []string{"a", "b"}) {
		t.Errorf("Strings(list) = %v, %v", l, err)
	}
	if _, err := tree.String("nested"); !failure.Is(err, failure.KindValidation) {
		t.Errorf("String(nested) should fail validation, got %v", err)
	}
	if b, err := tree.BoolOr("absent", true); err != nil || !b {
		t.Errorf("BoolOr(absent) = %v, %v", b, err)
	}
}

func TestHashIsStable(t *testing.T) {
	over := New()
	over.MustSet(PathFlavor, FlavorNSS)
	a, err := Resolve(over)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	b, _ := Resolve(over)

	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	hb, _ := b.Hash()
	if ha != hb {
		t.Errorf("hashes differ for identical trees")
	}

	b.MustSet("embergraph.home", "/elsewhere")
	hc, _ := b.Hash()
	if ha == hc {
		t.Errorf("hash unchanged after modification")
	}
}
