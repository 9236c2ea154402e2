// Package pagefs is the node's updatable page filesystem: a directory
// holding the portal's device and firmware pages and the favicon. The
// update coordinator unmounts it, installs a new tar image, and mounts it
// again; while unmounted every read fails.
package pagefs

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// ErrUnmounted is returned by Open while the filesystem is unmounted.
var ErrUnmounted = errors.New("page filesystem not mounted")

// Dir is a page filesystem rooted at a directory.
type Dir struct {
	root string

	mu      sync.RWMutex
	mounted bool
}

// New returns a mounted Dir at root, creating the directory if needed.
func New(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create page filesystem: %w", err)
	}
	return &Dir{root: root, mounted: true}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string {
	return d.root
}

// Mount allows reads again.
func (d *Dir) Mount() error {
	if _, err := os.Stat(d.root); err != nil {
		return fmt.Errorf("mount page filesystem: %w", err)
	}
	d.mu.Lock()
	d.mounted = true
	d.mu.Unlock()
	return nil
}

// Unmount blocks reads until the next Mount.
func (d *Dir) Unmount() {
	d.mu.Lock()
	d.mounted = false
	d.mu.Unlock()
}

// Open implements fs.FS over the root while mounted.
func (d *Dir) Open(name string) (fs.File, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.mounted {
		return nil, &fs.PathError{Op: "open", Path: name, Err: ErrUnmounted}
	}
	return os.DirFS(d.root).Open(name)
}

// ReadFile returns the contents of a page.
func (d *Dir) ReadFile(name string) ([]byte, error) {
	return fs.ReadFile(d, name)
}

// Install extracts a tar image into a staging directory next to the
// root and swaps it in. On error the current contents are untouched.
func (d *Dir) Install(r io.Reader) error {
	parent := filepath.Dir(d.root)
	staging, err := os.MkdirTemp(parent, ".pages-staging-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	files, err := extractTar(r, staging)
	if err != nil {
		return err
	}
	if files == 0 {
		return errors.New("filesystem image contains no files")
	}

	old := d.root + ".old"
	os.RemoveAll(old)
	if err := os.Rename(d.root, old); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("move current pages aside: %w", err)
	}
	if err := os.Rename(staging, d.root); err != nil {
		os.Rename(old, d.root)
		return fmt.Errorf("swap in new pages: %w", err)
	}
	os.RemoveAll(old)
	return nil
}

func extractTar(r io.Reader, dst string) (int, error) {
	tr := tar.NewReader(r)
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("read image: %w", err)
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name == "." {
			continue
		}
		if !fs.ValidPath(name) {
			return files, fmt.Errorf("image entry %q escapes the filesystem", hdr.Name)
		}
		target := filepath.Join(dst, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return files, err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return files, fmt.Errorf("write %s: %w", name, err)
			}
			if err := f.Close(); err != nil {
				return files, err
			}
			files++
		default:
			// Links and devices have no place in a page image.
		}
	}
}
