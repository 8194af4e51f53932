// Package project locates the entry script and settings module inside an
// extracted project tree. Functions take an fs.FS so they can be tested
// against in-memory trees.
package project

import (
	"errors"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/artpar/djangohost/internal/core/domain"
)

const (
	EntryScript    = "manage.py"
	SettingsFile   = "settings.py"
	settingsSuffix = ".settings"
)

// skippedDirs are never descended into, in addition to dot-directories.
var skippedDirs = map[string]bool{
	"__pycache__":   true,
	"__MACOSX":      true,
	"node_modules":  true,
	"venv":          true,
	"env":           true,
	"site-packages": true,
	"staticfiles":   true,
}

// SkipDir reports whether a directory name is hidden or cache-like.
func SkipDir(name string) bool {
	return strings.HasPrefix(name, ".") || skippedDirs[name]
}

// =============================================================================
// Detection
// =============================================================================

// Detection is the result of scanning an extracted tree.
type Detection struct {
	Valid bool
	// EntryPath is the slash-separated path of manage.py relative to the tree root.
	EntryPath string
	// SettingsModule is the dotted module, e.g. "mysite.settings".
	SettingsModule string
}

// EntryDir returns the directory containing manage.py ("." at the root).
func (d Detection) EntryDir() string {
	return path.Dir(d.EntryPath)
}

// SettingsPath returns the settings file path implied by SettingsModule.
func (d Detection) SettingsPath() string {
	if d.SettingsModule == "" {
		return ""
	}
	pkg := strings.TrimSuffix(d.SettingsModule, settingsSuffix)
	return path.Join(d.EntryDir(), pkg, SettingsFile)
}

// PackageName returns the directory holding settings.py, e.g. "mysite".
func (d Detection) PackageName() string {
	return strings.TrimSuffix(d.SettingsModule, settingsSuffix)
}

// Err converts an invalid detection into a structural pipeline error.
func (d Detection) Err() error {
	if d.Valid {
		return nil
	}
	msg := "manage.py was not found in the extracted project"
	if d.EntryPath != "" {
		msg = "no settings.py was found next to " + d.EntryPath
	}
	return domain.NewPipelineError(domain.ClassStructural, domain.CodeMissingProject, "detect", msg, nil)
}

// Detect walks fsys for the shallowest manage.py and then looks at its
// immediate subdirectories for settings.py.
func Detect(fsys fs.FS) (Detection, error) {
	entry, err := findEntry(fsys)
	if err != nil {
		return Detection{}, err
	}
	if entry == "" {
		return Detection{}, nil
	}

	det := Detection{EntryPath: entry}
	dir := path.Dir(entry)

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return det, err
	}
	for _, e := range entries {
		if !e.IsDir() || SkipDir(e.Name()) {
			continue
		}
		if isFile(fsys, path.Join(dir, e.Name(), SettingsFile)) {
			det.SettingsModule = e.Name() + settingsSuffix
			det.Valid = true
			return det, nil
		}
	}
	return det, nil
}

// findEntry returns the shallowest manage.py, ties broken lexically.
func findEntry(fsys fs.FS) (string, error) {
	var found []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && SkipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() == EntryScript {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", nil
	}
	sort.Slice(found, func(i, j int) bool {
		di, dj := strings.Count(found[i], "/"), strings.Count(found[j], "/")
		if di != dj {
			return di < dj
		}
		return found[i] < found[j]
	})
	return found[0], nil
}

// =============================================================================
// Settings Resolution
// =============================================================================

// ErrSettingsNotFound is returned when no settings file can be located.
var ErrSettingsNotFound = errors.New("settings file not found")

// LocateSettings resolves the settings file for a detection. The module
// path is tried first; a tree search for settings.py is the fallback.
func LocateSettings(fsys fs.FS, det Detection) (string, error) {
	if p := det.SettingsPath(); p != "" && isFile(fsys, p) {
		return p, nil
	}

	var found string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && SkipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() == SettingsFile {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", domain.NewPipelineError(domain.ClassStructural, domain.CodeMissingSettings, "rewrite", "settings.py could not be located", ErrSettingsNotFound)
	}
	return found, nil
}

func isFile(fsys fs.FS, p string) bool {
	info, err := fs.Stat(fsys, p)
	return err == nil && info.Mode().IsRegular()
}
