package settings

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const (
	// BackupSuffix is appended to the settings path for the pre-rewrite copy.
	BackupSuffix = ".backup"

	whitenoiseMiddleware = "whitenoise.middleware.WhiteNoiseMiddleware"
)

// Params describe the hosting environment the settings must fit.
type Params struct {
	// WorkDir is the absolute, slash-separated project root. The database
	// and collected static files live under it.
	WorkDir string
	// Domain is the externally visible hostname, if any.
	Domain string
	Port   int
	// ProxyHost is the hostname the app proxy routes to this deployment.
	ProxyHost string
	// Package is the settings package name, used to default ROOT_URLCONF
	// and WSGI_APPLICATION when regenerating.
	Package string
}

// DatabasePath returns the sqlite file location.
func (p Params) DatabasePath() string {
	return path.Join(p.WorkDir, "db.sqlite3")
}

// StaticRoot returns the collectstatic target.
func (p Params) StaticRoot() string {
	return path.Join(p.WorkDir, "staticfiles")
}

// Hosts returns the allowed hostnames in assignment order.
func (p Params) Hosts() []string {
	hosts := []string{"localhost", "127.0.0.1", "0.0.0.0"}
	if p.Domain != "" {
		hosts = append(hosts, p.Domain)
		if p.Port > 0 {
			hosts = append(hosts, fmt.Sprintf("%s:%d", p.Domain, p.Port))
		}
	}
	if p.ProxyHost != "" && p.ProxyHost != p.Domain {
		hosts = append(hosts, p.ProxyHost)
	}
	return hosts
}

// Report records what the patch pass found and changed.
type Report struct {
	FoundDatabases     bool
	FoundMiddleware    bool
	FoundAllowedHosts  bool
	FoundDebug         bool
	FoundStaticRoot    bool
	InsertedWhitenoise bool
	// Regenerated is set when the file was replaced from the template.
	Regenerated bool
}

// Complete reports whether the patch pass found the blocks it needs.
func (r Report) Complete() bool {
	return r.FoundDatabases && r.FoundMiddleware
}

// =============================================================================
// Rewriter
// =============================================================================

// Rewriter applies the two-tier transform: patch in place when the
// database and middleware blocks are recognized, regenerate otherwise.
type Rewriter struct {
	grammar Grammar
}

// NewRewriter creates a rewriter. A nil grammar uses LineGrammar.
func NewRewriter(g Grammar) *Rewriter {
	if g == nil {
		g = LineGrammar{}
	}
	return &Rewriter{grammar: g}
}

// Rewrite returns the transformed settings content. Running it on its own
// output yields the same text.
func (r *Rewriter) Rewrite(content string, p Params) (string, Report) {
	patched, rep := r.Patch(content, p)
	if rep.Complete() {
		return patched, rep
	}
	rep.Regenerated = true
	return r.Generate(content, p), rep
}

// Patch rewrites recognized blocks in place. The first database, hosts,
// debug and static root assignments are replaced with canonical values and
// later duplicates are dropped; every middleware list gets whitenoise.
func (r *Rewriter) Patch(content string, p Params) (string, Report) {
	lines := splitLines(content)
	var rep Report
	seen := make(map[Kind]bool)
	out := make([]string, 0, len(lines)+16)

	next := 0
	for _, b := range r.grammar.Blocks(lines) {
		out = append(out, lines[next:b.Start]...)
		next = b.End
		block := lines[b.Start:b.End]
		first := !seen[b.Kind]
		seen[b.Kind] = true

		switch b.Kind {
		case KindMiddleware:
			rep.FoundMiddleware = true
			patched, inserted := insertWhitenoise(block)
			rep.InsertedWhitenoise = rep.InsertedWhitenoise || inserted
			out = append(out, patched...)
		case KindDatabases:
			rep.FoundDatabases = true
			if first {
				out = append(out, databasesBlock(p)...)
			}
		case KindAllowedHosts:
			rep.FoundAllowedHosts = true
			if first {
				out = append(out, hostsLine(p))
			}
		case KindDebug:
			rep.FoundDebug = true
			if first {
				out = append(out, "DEBUG = True")
			}
		case KindStaticRoot:
			rep.FoundStaticRoot = true
			if first {
				out = append(out, staticRootLine(p))
			}
		default:
			out = append(out, block...)
		}
	}
	out = append(out, lines[next:]...)

	if !rep.FoundAllowedHosts {
		out = append(out, "", hostsLine(p))
	}
	if !rep.FoundDebug {
		out = append(out, "DEBUG = True")
	}
	if !rep.FoundStaticRoot {
		out = append(out, staticRootLine(p))
	}
	return joinLines(out), rep
}

// =============================================================================
// Canonical Blocks
// =============================================================================

func databasesBlock(p Params) []string {
	return []string{
		"DATABASES = {",
		"    'default': {",
		"        'ENGINE': 'django.db.backends.sqlite3',",
		"        'NAME': " + pyPath(p.DatabasePath()) + ",",
		"    }",
		"}",
	}
}

func hostsLine(p Params) string {
	quoted := make([]string, 0, 6)
	for _, h := range p.Hosts() {
		quoted = append(quoted, "'"+h+"'")
	}
	return "ALLOWED_HOSTS = [" + strings.Join(quoted, ", ") + "]"
}

func staticRootLine(p Params) string {
	return "STATIC_ROOT = " + pyPath(p.StaticRoot())
}

func pyPath(s string) string {
	return "r'" + strings.ReplaceAll(s, "'", "") + "'"
}

var securityLine = regexp.MustCompile(`SecurityMiddleware['"]\s*,?`)

// insertWhitenoise adds the middleware right after SecurityMiddleware, or
// at the head of the list, unless it is already registered.
func insertWhitenoise(block []string) ([]string, bool) {
	if strings.Contains(strings.ToLower(strings.Join(block, "\n")), "whitenoise") {
		return block, false
	}
	entry := "'" + whitenoiseMiddleware + "',"

	if len(block) == 1 {
		line := block[0]
		if loc := securityLine.FindStringIndex(line); loc != nil {
			head := line[:loc[1]]
			if !strings.HasSuffix(strings.TrimSpace(head), ",") {
				head += ","
			}
			return []string{head + " " + entry + line[loc[1]:]}, true
		}
		if i := strings.IndexAny(line, "[("); i >= 0 {
			return []string{line[:i+1] + entry + " " + line[i+1:]}, true
		}
		return block, false
	}

	out := make([]string, 0, len(block)+1)
	indent := "    "
	if trimmed := strings.TrimLeft(block[1], " \t"); trimmed != "" {
		indent = block[1][:len(block[1])-len(trimmed)]
	}
	for i, line := range block {
		out = append(out, line)
		if i > 0 && securityLine.MatchString(line) {
			out = append(out, indent+entry)
			return append(out, block[i+1:]...), true
		}
	}
	// no SecurityMiddleware: put it first
	out = append([]string{block[0], indent + entry}, block[1:]...)
	return out, true
}

func splitLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n") + "\n"
}
