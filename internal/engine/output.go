package engine

import (
	"os"
	"path/filepath"
	"sync"

	"scriptrun/pkg/graph"
)

func osEnviron() []string {
	return os.Environ()
}

// persistedWriter appends to a script's persisted stream file (opened
// lazily, on first write) while also forwarding to the process's own
// stream, so stdout/stderr survive across a run for later inspection
// without buffering output in memory.
type persistedWriter struct {
	ref      graph.Reference
	fileName string
	forward  *os.File

	mu   sync.Mutex
	file *os.File
}

func (w *persistedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.file == nil {
		dir := scriptDir(w.ref)
		_ = os.MkdirAll(dir, 0755)
		f, err := os.OpenFile(filepath.Join(dir, w.fileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			w.file = f
		}
	}
	f := w.file
	w.mu.Unlock()

	if f != nil {
		_, _ = f.Write(p)
	}
	return w.forward.Write(p)
}

func newStdoutWriter(ref graph.Reference) *persistedWriter {
	return &persistedWriter{ref: ref, fileName: "stdout", forward: os.Stdout}
}

func newStderrWriter(ref graph.Reference) *persistedWriter {
	return &persistedWriter{ref: ref, fileName: "stderr", forward: os.Stderr}
}
