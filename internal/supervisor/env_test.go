package supervisor

import (
	"strings"
	"testing"
)

func TestBuildEnvStripsPackageManagerVars(t *testing.T) {
	t.Parallel()

	inherited := []string{
		"PATH=/usr/bin",
		"npm_package_name=demo",
		"npm_config_registry=https://example.com",
		"SCRIPTRUN_LIFECYCLE_EVENT=build",
		"HOME=/home/user",
	}

	out := BuildEnv("/repo/pkg", inherited)

	for _, kv := range out {
		if strings.HasPrefix(kv, "npm_") || strings.HasPrefix(kv, "SCRIPTRUN_LIFECYCLE_") {
			t.Fatalf("expected stripped var to be absent, found %q", kv)
		}
	}

	found := false
	for _, kv := range out {
		if kv == "HOME=/home/user" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unrelated vars to survive, out = %v", out)
	}
}

func TestBuildEnvPathIncludesNodeModulesBinUpTree(t *testing.T) {
	t.Parallel()

	out := BuildEnv("/repo/a/b", nil)

	var pathVal string
	for _, kv := range out {
		if strings.HasPrefix(kv, "PATH=") {
			pathVal = kv
		}
	}
	if pathVal == "" {
		t.Fatalf("expected a PATH entry in output")
	}
	for _, want := range []string{"/repo/a/b/node_modules/.bin", "/repo/a/node_modules/.bin", "/repo/node_modules/.bin"} {
		if !strings.Contains(pathVal, want) {
			t.Fatalf("PATH %q missing expected entry %q", pathVal, want)
		}
	}
}

func TestBuildEnvOnlyOnePathEntry(t *testing.T) {
	t.Parallel()

	out := BuildEnv("/repo", []string{"PATH=/usr/bin", "PATH=/usr/local/bin"})

	count := 0
	for _, kv := range out {
		if strings.HasPrefix(kv, "PATH=") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one PATH entry, got %d", count)
	}
}
