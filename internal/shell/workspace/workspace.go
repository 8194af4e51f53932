// Package workspace owns the per-deployment directories under the hosting
// root: extraction, update snapshots and teardown.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// MaxExtractedBytes bounds the uncompressed size of one archive.
const MaxExtractedBytes int64 = 1 << 30

var (
	// ErrOutsideRoot is returned for paths that escape the hosting root.
	ErrOutsideRoot = errors.New("path is outside the hosting root")
	// ErrUnsafeEntry is returned for archive entries that escape the destination.
	ErrUnsafeEntry = errors.New("archive entry escapes destination")
	// ErrExtractTooLarge is returned when extraction would exceed MaxExtractedBytes.
	ErrExtractTooLarge = errors.New("archive expands beyond the size limit")
)

// Manager owns deployment working directories under a common root.
type Manager struct {
	root string
}

// New ensures the hosting root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute hosting root.
func (m *Manager) Root() string {
	return m.root
}

// within reports whether p is strictly inside the root.
func (m *Manager) within(p string) error {
	rel, err := filepath.Rel(m.root, p)
	if err != nil || rel == "." || rel == "" || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return nil
}

// Prepare creates an empty directory, removing anything already there.
func (m *Manager) Prepare(dir string) error {
	if err := m.within(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

// Exists reports whether dir exists and is a directory.
func (m *Manager) Exists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Cleanup removes a path inside the root. Missing paths are not an error.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if err := m.within(path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// =============================================================================
// Extraction
// =============================================================================

// Extract unpacks a zip archive into dest, which must already exist.
// Mac metadata folders are skipped and entries may not escape dest.
func (m *Manager) Extract(archivePath, dest string) error {
	if err := m.within(dest); err != nil {
		return err
	}
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	budget := MaxExtractedBytes
	for _, f := range zr.File {
		name := strings.ReplaceAll(f.Name, "\\", "/")
		if isMacMetadata(name) {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		if target != dest && !strings.HasPrefix(target, dest+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s", ErrUnsafeEntry, f.Name)
		}

		if f.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", name, err)
			}
			continue
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			// links could point anywhere on the host
			continue
		}
		n, err := extractFile(f, target, budget)
		if err != nil {
			return err
		}
		budget -= n
	}
	return nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	mode := f.Mode().Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", f.Name, err)
	}
	n, copyErr := io.CopyN(out, rc, budget+1)
	closeErr := out.Close()
	if n > budget {
		return n, ErrExtractTooLarge
	}
	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		return n, fmt.Errorf("write %s: %w", f.Name, copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("write %s: %w", f.Name, closeErr)
	}
	return n, nil
}

func isMacMetadata(name string) bool {
	return name == "__MACOSX" || strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/")
}

// =============================================================================
// Snapshots
// =============================================================================

// Snapshot copies src wholesale to dst. dst must not exist.
func (m *Manager) Snapshot(src, dst string) error {
	if err := m.within(src); err != nil {
		return err
	}
	if err := m.within(dst); err != nil {
		return err
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("snapshot target already exists: %s", dst)
	}
	if err := copyTree(src, dst); err != nil {
		os.RemoveAll(dst)
		return fmt.Errorf("snapshot %s: %w", src, err)
	}
	return nil
}

// Restore replaces dir with the snapshot at backup. The snapshot is moved,
// not copied, so it no longer exists afterwards.
func (m *Manager) Restore(backup, dir string) error {
	if err := m.within(backup); err != nil {
		return err
	}
	if err := m.within(dir); err != nil {
		return err
	}
	if !m.Exists(backup) {
		return fmt.Errorf("snapshot missing: %s", backup)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove half-updated tree: %w", err)
	}
	if err := os.Rename(backup, dir); err != nil {
		return fmt.Errorf("move snapshot into place: %w", err)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// =============================================================================
// Usage
// =============================================================================

// DirSize returns the total size of regular files under dir. A missing dir
// has size zero.
func (m *Manager) DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
