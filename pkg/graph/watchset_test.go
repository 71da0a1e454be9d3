package graph

import "testing"

func TestCollectWatchSetGroupsByPackageAndSplitsNegation(t *testing.T) {
	t.Parallel()

	dep := &ScriptConfig{
		Kind:  KindOneShot,
		Ref:   Reference{PackageDir: "/repo/lib", Name: "build"},
		Files: []string{"src/**/*.go", "!src/**/*_test.go"},
	}
	root := &ScriptConfig{
		Kind:  KindOneShot,
		Ref:   Reference{PackageDir: "/repo/app", Name: "build"},
		Files: []string{"**/*.go"},
		Dependencies: []DependencyEdge{
			{Child: dep},
		},
	}

	ws := CollectWatchSet(root)

	if len(ws.Manifests) != 2 {
		t.Fatalf("expected 2 manifests, got %d: %v", len(ws.Manifests), ws.Manifests)
	}
	if got := ws.FileGlobs["/repo/app"]; len(got) != 1 || got[0] != "**/*.go" {
		t.Fatalf("unexpected app globs: %v", got)
	}
	if got := ws.FileGlobs["/repo/lib"]; len(got) != 1 || got[0] != "src/**/*.go" {
		t.Fatalf("unexpected lib globs: %v", got)
	}
	if got := ws.NegatedGlobs["/repo/lib"]; len(got) != 1 || got[0] != "src/**/*_test.go" {
		t.Fatalf("unexpected negated globs: %v", got)
	}
}

func TestCollectWatchSetDedupesSharedDependency(t *testing.T) {
	t.Parallel()

	shared := &ScriptConfig{
		Kind:  KindOneShot,
		Ref:   Reference{PackageDir: "/repo/shared", Name: "gen"},
		Files: []string{"*.proto"},
	}
	root := &ScriptConfig{
		Kind: KindNoCommand,
		Ref:  Reference{PackageDir: "/repo", Name: "all"},
		Dependencies: []DependencyEdge{
			{Child: &ScriptConfig{Kind: KindOneShot, Ref: Reference{PackageDir: "/repo/a", Name: "x"}, Dependencies: []DependencyEdge{{Child: shared}}}},
			{Child: &ScriptConfig{Kind: KindOneShot, Ref: Reference{PackageDir: "/repo/b", Name: "y"}, Dependencies: []DependencyEdge{{Child: shared}}}},
		},
	}

	ws := CollectWatchSet(root)

	if got := ws.FileGlobs["/repo/shared"]; len(got) != 1 {
		t.Fatalf("expected shared dependency globs deduped to 1 entry, got %v", got)
	}
}
