// Package persistence reads and writes the JSON files of a results tree.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-lab/vpnbench/pkg/model"
)

// ErrOutsideRoot is returned for paths that resolve outside the tree.
var ErrOutsideRoot = errors.New("path outside of results tree")

// Tree is a results directory.
type Tree struct {
	Root string
}

// New returns the Tree rooted at root.
func New(root string) *Tree {
	return &Tree{Root: root}
}

// DataFile describes a file written to the tree.
type DataFile struct {
	Path string
	Size int
}

// Path joins elem below the root and checks that the result stays inside
// it.
func (t *Tree) Path(elem ...string) (string, error) {
	p := filepath.Join(append([]string{t.Root}, elem...)...)
	rel, err := filepath.Rel(t.Root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, filepath.Join(elem...))
	}
	return p, nil
}

// WriteJSON writes the JSON representation of v to the file at elem below
// the root, creating parent directories. The file is replaced atomically.
func (t *Tree) WriteJSON(v interface{}, elem ...string) (*DataFile, error) {
	p, err := t.Path(elem...)
	if err != nil {
		return nil, err
	}
	return writeFile(p, v)
}

// WriteResult writes the result file of the run id.
func (t *Tree) WriteResult(id model.RunIdentity, r model.TestResult) (*DataFile, error) {
	rel, err := filepath.Rel(t.Root, id.ResultPath(t.Root))
	if err != nil {
		return nil, err
	}
	return t.WriteJSON(r, rel)
}

func writeFile(p string, v interface{}) (*DataFile, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".*")
	if err != nil {
		return nil, err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return &DataFile{Path: p, Size: len(data)}, nil
}

// ReadJSON decodes the file at elem below the root into v.
func (t *Tree) ReadJSON(v interface{}, elem ...string) error {
	p, err := t.Path(elem...)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ReadResult decodes the result file at path.
func ReadResult(path string) (model.TestResult, error) {
	var r model.TestResult
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Entry is a result file found in the tree.
type Entry struct {
	VPN     string
	Profile string
	Machine string
	// Test is the file name without the .json extension.
	Test string
	Path string
}

// Scan returns every <vpn>/<profile>/<machine>/<test>.json file below the
// root, in lexical order. Files at any other depth are ignored. A missing
// root yields no entries.
func (t *Tree) Scan() ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(t.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == t.Root {
				return filepath.SkipDir
			}
			return err
		}
		rel, err := filepath.Rel(t.Root, p)
		if err != nil {
			return err
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if d.IsDir() {
			if rel != "." && len(parts) > 3 {
				return filepath.SkipDir
			}
			return nil
		}
		if len(parts) != 4 || filepath.Ext(p) != ".json" || strings.HasPrefix(parts[3], ".") {
			return nil
		}
		entries = append(entries, Entry{
			VPN:     parts[0],
			Profile: parts[1],
			Machine: parts[2],
			Test:    strings.TrimSuffix(parts[3], ".json"),
			Path:    p,
		})
		return nil
	})
	return entries, err
}
