package vpath

import "testing"

func TestResolve(t *testing.T) {
	tests := []struct {
		path string
		want Resolved
	}{
		{"/", Resolved{Target: TargetRoot}},
		{"", Resolved{Target: TargetRoot}},
		{"//", Resolved{Target: TargetRoot}},
		{"/xmonader", Resolved{Target: TargetOwner, Owner: "xmonader"}},
		{"xmonader/", Resolved{Target: TargetOwner, Owner: "xmonader"}},
		{"/acme/widgets", Resolved{
			Target: TargetRepoRoot,
			Key:    Key{Owner: "acme", Repo: "widgets"},
			Owner:  "acme",
		}},
		{"/acme/widgets@main", Resolved{
			Target: TargetRepoRoot,
			Key:    Key{Owner: "acme", Repo: "widgets"},
			Owner:  "acme",
			Ref:    "main",
		}},
		{"/acme/widgets/README.md", Resolved{
			Target: TargetInRepo,
			Key:    Key{Owner: "acme", Repo: "widgets"},
			Owner:  "acme",
			Inner:  "README.md",
		}},
		{"/acme/widgets/docs/guide/intro.md", Resolved{
			Target: TargetInRepo,
			Key:    Key{Owner: "acme", Repo: "widgets"},
			Owner:  "acme",
			Inner:  "docs/guide/intro.md",
		}},
		{"/acme/widgets@dev/src/main.go", Resolved{
			Target: TargetInRepo,
			Key:    Key{Owner: "acme", Repo: "widgets"},
			Owner:  "acme",
			Ref:    "dev",
			Inner:  "src/main.go",
		}},
		// Malformed paths resolve to an explicit invalid target.
		{"/acme//widgets", Resolved{Target: TargetInvalid}},
		{"/acme/../secrets", Resolved{Target: TargetInvalid}},
		{"/acme/./widgets", Resolved{Target: TargetInvalid}},
		{"/acme/@main", Resolved{Target: TargetInvalid}},
		{"/ow@ner/widgets", Resolved{Target: TargetInvalid}},
	}

	for _, tt := range tests {
		got := Resolve(tt.path)
		if got != tt.want {
			t.Errorf("Resolve(%q) = %+v, want %+v", tt.path, got, tt.want)
		}
	}
}

func TestKeyIdentityIgnoresInner(t *testing.T) {
	a := Resolve("/acme/widgets/README.md")
	b := Resolve("/acme/widgets/docs/guide.md")
	if a.Key != b.Key {
		t.Errorf("keys differ: %v vs %v", a.Key, b.Key)
	}
	if a.Key.String() != "acme/widgets" {
		t.Errorf("Key.String() = %q", a.Key.String())
	}
}
