package fingerprint

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// expandFiles expands patterns (doublestar globs, relative to dir) into a
// sorted, deduplicated list of paths relative to dir, naming only regular
// files. This is the same matcher the watcher uses for its watch-set
// patterns, so a single glob dialect governs both concerns.
func expandFiles(dir string, patterns []string) ([]string, error) {
	fsys := os.DirFS(dir)
	seen := make(map[string]bool)
	var out []string

	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			info, err := os.Stat(filepath.Join(dir, m))
			if err != nil || info.IsDir() {
				continue
			}
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}

	sort.Strings(out)
	return out, nil
}
