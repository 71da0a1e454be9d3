package graph

import "path/filepath"

// WatchSet is the set of paths a watcher should monitor for one analyzed
// graph: every manifest file transitively consulted, plus each package's
// declared input-file globs. Negation patterns (a leading "!") are split
// into their own group since doublestar treats them as exclusions scoped
// to the patterns they follow, not as independent watch roots.
type WatchSet struct {
	// Manifests are the package.json paths read while resolving the graph.
	Manifests []string
	// FileGlobs maps each package directory to the non-negated glob
	// patterns its scripts declared under "files".
	FileGlobs map[string][]string
	// NegatedGlobs maps each package directory to the negated patterns
	// (without their leading "!") its scripts declared under "files".
	NegatedGlobs map[string][]string
}

// CollectWatchSet walks root's dependency graph and assembles the set of
// manifests and file globs reachable from it. A script config may appear
// under several references if it is a shared dependency; each package
// directory's globs are deduplicated.
func CollectWatchSet(root *ScriptConfig) WatchSet {
	ws := WatchSet{
		FileGlobs:    map[string][]string{},
		NegatedGlobs: map[string][]string{},
	}
	seenPkg := map[string]bool{}
	seenNode := map[*ScriptConfig]bool{}

	var walk func(cfg *ScriptConfig)
	walk = func(cfg *ScriptConfig) {
		if cfg == nil || seenNode[cfg] {
			return
		}
		seenNode[cfg] = true

		dir := cfg.Ref.PackageDir
		if !seenPkg[dir] {
			seenPkg[dir] = true
			ws.Manifests = append(ws.Manifests, filepath.Join(dir, manifestFileName))
		}

		for _, pat := range cfg.Files {
			if len(pat) > 0 && pat[0] == '!' {
				ws.NegatedGlobs[dir] = appendUnique(ws.NegatedGlobs[dir], pat[1:])
			} else {
				ws.FileGlobs[dir] = appendUnique(ws.FileGlobs[dir], pat)
			}
		}

		for _, edge := range cfg.Dependencies {
			walk(edge.Child)
		}
	}
	walk(root)

	return ws
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
