package engine

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"scriptrun/pkg/graph"
)

func TestPersistedWriterAppendsAndForwards(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ref := graph.Reference{PackageDir: dir, Name: "build"}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	pw := &persistedWriter{ref: ref, fileName: "stdout", forward: w}

	if _, err := pw.Write([]byte("first\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := pw.Write([]byte("second\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Close()

	forwarded, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading forwarded pipe: %v", err)
	}
	if string(forwarded) != "first\nsecond\n" {
		t.Fatalf("forwarded = %q, want %q", forwarded, "first\nsecond\n")
	}

	persisted, err := os.ReadFile(filepath.Join(scriptDir(ref), "stdout"))
	if err != nil {
		t.Fatalf("reading persisted stream: %v", err)
	}
	if string(persisted) != "first\nsecond\n" {
		t.Fatalf("persisted = %q, want %q", persisted, "first\nsecond\n")
	}
}
