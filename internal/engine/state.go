package engine

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"scriptrun/pkg/graph"
)

// scriptDir returns the per-script persisted-state directory,
// <packageDir>/.scriptrun/<hex(name)>/.
func scriptDir(ref graph.Reference) string {
	return filepath.Join(ref.PackageDir, ".scriptrun", hex.EncodeToString([]byte(ref.Name)))
}

// loadState reads the persisted fingerprint and input file count of ref's
// last successful run. fileCount is used by the "if-file-deleted" clean
// policy to detect a shrunk input set across runs.
func loadState(ref graph.Reference) (fp string, fileCount int, ok bool) {
	data, err := os.ReadFile(filepath.Join(scriptDir(ref), "state"))
	if err != nil {
		return "", 0, false
	}
	line, rest, found := strings.Cut(string(data), "\n")
	if !found {
		return string(data), 0, true
	}
	fileCount, _ = strconv.Atoi(strings.TrimSpace(rest))
	return line, fileCount, true
}

// saveState persists fingerprint and fileCount as ref's last-successful-run
// record.
func saveState(ref graph.Reference, fingerprint string, fileCount int) error {
	dir := scriptDir(ref)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	content := fingerprint + "\n" + strconv.Itoa(fileCount)
	return os.WriteFile(filepath.Join(dir, "state"), []byte(content), 0644)
}

// outputsPresent reports whether every declared output glob has at least
// one match under pkgDir. An empty output list is vacuously present.
// Patterns use the same doublestar dialect as pkg/fingerprint/glob.go and
// internal/watch, so a "**"-recursive output pattern is honored here too.
func outputsPresent(pkgDir string, outputs []string) bool {
	if len(outputs) == 0 {
		return true
	}
	fsys := os.DirFS(pkgDir)
	for _, pattern := range outputs {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil || len(matches) == 0 {
			return false
		}
	}
	return true
}

// removeOutputs deletes every path matched by outputs under pkgDir.
func removeOutputs(pkgDir string, outputs []string) {
	fsys := os.DirFS(pkgDir)
	for _, pattern := range outputs {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			os.RemoveAll(filepath.Join(pkgDir, m))
		}
	}
}
