package supervisor

import (
	"os"
	"path/filepath"
	"strings"
)

// strippedEnvPrefixes names environment variables injected by whichever
// parent runner invoked us that describe *its* package/script context, not
// the child's. They're removed so a child script never sees stale
// package-manager state that would lie about the package it's actually
// running in.
var strippedEnvPrefixes = []string{"npm_", "SCRIPTRUN_LIFECYCLE_", "npm_config_", "npm_lifecycle_"}

// BuildEnv assembles the environment for a spawned command: a curated PATH
// (every "<dir>/node_modules/.bin" from pkgDir up to the filesystem root,
// most specific first, followed by the inherited PATH) over a copy of the
// inherited environment with package-manager-lie variables stripped.
func BuildEnv(pkgDir string, inherited []string) []string {
	var pathDirs []string
	dir := pkgDir
	for {
		pathDirs = append(pathDirs, filepath.Join(dir, "node_modules", ".bin"))
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	out := make([]string, 0, len(inherited))
	for _, kv := range inherited {
		if strings.HasPrefix(kv, "PATH=") {
			continue
		}
		if stripped(kv) {
			continue
		}
		out = append(out, kv)
	}

	inheritedPath := os.Getenv("PATH")
	out = append(out, "PATH="+strings.Join(pathDirs, string(os.PathListSeparator))+string(os.PathListSeparator)+inheritedPath)
	return out
}

func stripped(kv string) bool {
	for _, prefix := range strippedEnvPrefixes {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}
	return false
}
