package manifest

import (
	"fmt"
	"os"
)

// Document is a parsed manifest: the raw bytes (needed to render caret
// excerpts later) and the offset-annotated value tree.
type Document struct {
	Path string
	Data []byte
	Root *Value
}

// Load reads and parses the manifest at path. A malformed-JSON error is
// returned as a plain error; callers that need a diagnostic wrap it with a
// file-level Location (the manifest path only, offset and length 0), per the "single
// diagnostic with file-level location" rule for invalid JSON.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	root, err := parseTree(path, data)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if !root.IsObject() {
		return nil, fmt.Errorf("manifest %s: top-level value must be an object", path)
	}
	return &Document{Path: path, Data: data, Root: root}, nil
}
