package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Local is a directory-backed Cache. Each fingerprint gets its own
// subdirectory named by its hash, written atomically via a temp-directory
// rename so a crash mid-write never leaves a partial entry visible.
type Local struct {
	Root string
}

// NewLocal returns a Local cache rooted at root, creating it if needed.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &Local{Root: root}, nil
}

func (l *Local) entryDir(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	hash := hex.EncodeToString(sum[:])
	return filepath.Join(l.Root, hash[:2], hash)
}

func (l *Local) Has(fingerprint string) (bool, error) {
	info, err := os.Stat(l.entryDir(fingerprint))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (l *Local) Get(fingerprint, destDir string) (bool, error) {
	src := l.entryDir(fingerprint)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dst := filepath.Join(destDir, rel)
		if info.IsDir() {
			return os.MkdirAll(dst, 0755)
		}
		return copyFile(path, dst, info.Mode())
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Local) Put(fingerprint, srcDir string, outputs []string) error {
	final := l.entryDir(fingerprint)

	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(final), "tmp-*")
	if err != nil {
		return err
	}

	rels, err := expandOutputs(srcDir, outputs)
	if err != nil {
		os.RemoveAll(tmp)
		return err
	}

	for _, rel := range rels {
		src := filepath.Join(srcDir, rel)
		info, err := os.Stat(src)
		if err != nil {
			os.RemoveAll(tmp)
			return err
		}
		dst := filepath.Join(tmp, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			os.RemoveAll(tmp)
			return err
		}
		if err := copyFile(src, dst, info.Mode()); err != nil {
			os.RemoveAll(tmp)
			return err
		}
	}

	os.RemoveAll(final)
	return os.Rename(tmp, final)
}

// expandOutputs expands outputs (doublestar glob patterns, relative to
// srcDir) into a sorted, deduplicated list of regular-file paths relative
// to srcDir — the same matcher pkg/fingerprint/glob.go uses for a script's
// declared files, so a cache entry actually contains every file the
// output declaration names instead of silently skipping wildcards.
func expandOutputs(srcDir string, outputs []string) ([]string, error) {
	fsys := os.DirFS(srcDir)
	seen := make(map[string]bool)
	var out []string

	for _, pattern := range outputs {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			info, err := os.Stat(filepath.Join(srcDir, m))
			if err != nil || info.IsDir() {
				continue
			}
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}

	return out, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
