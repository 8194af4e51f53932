// Package deps decides which Python packages a project needs. It reads
// requirement manifests or, failing that, the project's import statements.
// Installing is left to the shell.
package deps

import (
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/artpar/djangohost/internal/core/project"
)

// ManifestNames are accepted requirement files in priority order.
var ManifestNames = []string{
	"requirements.txt",
	"requirements-base.txt",
	"requirements-prod.txt",
	"requirements-dev.txt",
}

// Denylist holds name fragments of packages that need native toolchains
// the host does not provide.
var Denylist = []string{
	"psycopg",
	"mysql",
	"oracle",
	"pywin32",
	"pyodbc",
	"mssql",
	"ibm_db",
	"ibm-db",
}

// Requirement is one package the host should have installed.
type Requirement struct {
	// Package is what gets passed to the installer, e.g. "Django>=4.2".
	Package string
	// Module is the import name used to probe for it, if known.
	Module string
}

// Baseline is installed before anything else, when not already importable.
var Baseline = []Requirement{
	{Package: "Django", Module: "django"},
	{Package: "whitenoise", Module: "whitenoise"},
}

// Plan is the filtered set of packages to install.
type Plan struct {
	Source   string // manifest path, or "imports"
	Packages []string
	Skipped  []string
}

// Empty reports whether there is nothing to install.
func (p Plan) Empty() bool {
	return len(p.Packages) == 0
}

// =============================================================================
// Manifest Discovery
// =============================================================================

// FindManifest returns the shallowest requirements file; at equal depth the
// ManifestNames order decides.
func FindManifest(fsys fs.FS) (string, bool) {
	rank := make(map[string]int, len(ManifestNames))
	for i, n := range ManifestNames {
		rank[n] = i
	}

	best, bestDepth, bestRank := "", 0, 0
	fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != "." && project.SkipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		r, ok := rank[strings.ToLower(d.Name())]
		if !ok {
			return nil
		}
		depth := strings.Count(p, "/")
		if best == "" || depth < bestDepth || (depth == bestDepth && r < bestRank) {
			best, bestDepth, bestRank = p, depth, r
		}
		return nil
	})
	return best, best != ""
}

// =============================================================================
// Manifest Parsing
// =============================================================================

// ParseManifest filters a requirements file. Blank lines, comments and
// option lines (-r, -e, --index-url) are dropped, inline comments are
// stripped, and denylisted packages are reported as skipped.
func ParseManifest(source, content string) Plan {
	plan := Plan{Source: source}
	seen := make(map[string]bool)

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if Denied(RequirementName(line)) {
			plan.Skipped = append(plan.Skipped, line)
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		plan.Packages = append(plan.Packages, line)
	}
	return plan
}

// RequirementName extracts the distribution name from a requirement line,
// e.g. "Django[argon2]>=4.2; python_version>'3'" gives "Django".
func RequirementName(line string) string {
	line = strings.TrimSpace(line)
	if i := strings.Index(line, "#egg="); i >= 0 {
		return line[i+len("#egg="):]
	}
	end := len(line)
	for i, r := range line {
		if strings.ContainsRune("<>=!~;[ @(", r) {
			end = i
			break
		}
	}
	return strings.TrimSpace(line[:end])
}

// Denied reports whether a package name matches the denylist.
func Denied(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range Denylist {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// =============================================================================
// Helpers
// =============================================================================

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func moduleName(p string) string {
	return strings.TrimSuffix(path.Base(p), ".py")
}
