// Package fingerprint computes the canonical, content-addressed fingerprint
// of a script: its command, options, hashed input files, and its
// dependencies' fingerprints.
package fingerprint

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"

	"scriptrun/pkg/graph"
)

// Fingerprint is the identity of a script's meaningful inputs at a point in
// time. Two Fingerprints are equal iff their Serialized strings are equal;
// Cacheable governs whether the cache backend may persist or restore it.
type Fingerprint struct {
	Serialized string
	Cacheable  bool
	// FileCount is the number of input files the fingerprint hashed. Used
	// by the "if-file-deleted" clean policy to detect a shrunk input set
	// across runs without re-parsing the serialized form.
	FileCount int
}

// canonical is the fixed-field-order structure that gets marshaled to
// produce Serialized. encoding/json sorts map keys lexicographically on
// marshal, which is what gives the inner maps their canonical order; Files
// and Output are pre-sorted too so that declaration order never affects the
// result.
type canonical struct {
	Platform    string            `json:"platform"`
	Arch        string            `json:"arch"`
	Interpreter string            `json:"interpreter"`
	Command     string            `json:"command"`
	Clean       string            `json:"clean"`
	Files       map[string]string `json:"files"`
	Output      []string          `json:"output"`
	Deps        map[string]string `json:"deps"`
}

func cleanString(c graph.Clean) string {
	switch c {
	case graph.CleanTrue:
		return "true"
	case graph.CleanIfFileDeleted:
		return "if-file-deleted"
	default:
		return "false"
	}
}

// Compute hashes cfg's declared input files under pkgDir and assembles the
// canonical fingerprint, folding in the already-computed fingerprints of
// its dependencies (keyed by graph.Reference.String()).
func Compute(cfg *graph.ScriptConfig, pkgDir, interpreterVersion string, depFingerprints map[string]Fingerprint) (Fingerprint, error) {
	files, err := expandFiles(pkgDir, cfg.Files)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("expanding files for %s: %w", cfg.Ref.Name, err)
	}

	hashed := make(map[string]string, len(files))
	for _, f := range files {
		sum, err := hashFile(filepath.Join(pkgDir, f))
		if err != nil {
			return Fingerprint{}, fmt.Errorf("hashing %s: %w", f, err)
		}
		hashed[f] = sum
	}

	for _, name := range cfg.PackageLocks {
		sum, err := hashFile(filepath.Join(pkgDir, name))
		if err == nil {
			hashed[name] = sum
		}
	}

	deps := make(map[string]string, len(cfg.Dependencies))
	allDepsCacheable := true
	for _, edge := range cfg.Dependencies {
		fp, ok := depFingerprints[edge.Child.Ref.String()]
		if !ok {
			return Fingerprint{}, fmt.Errorf("missing dependency fingerprint for %s", edge.Child.Ref.Name)
		}
		deps[edge.Child.Ref.String()] = fp.Serialized
		if !fp.Cacheable {
			allDepsCacheable = false
		}
	}

	output := append([]string(nil), cfg.Output...)
	sort.Strings(output)

	c := canonical{
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		Interpreter: interpreterVersion,
		Command:     cfg.Command,
		Clean:       cleanString(cfg.Clean),
		Files:       hashed,
		Output:      output,
		Deps:        deps,
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("serializing fingerprint: %w", err)
	}

	cacheable := cfg.Command == "" || (len(cfg.Files) > 0 && allDepsCacheable)

	return Fingerprint{Serialized: string(raw), Cacheable: cacheable, FileCount: len(files)}, nil
}

// Equal reports whether two fingerprints have the same canonical identity.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Serialized == other.Serialized
}
