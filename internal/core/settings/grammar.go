// Package settings rewrites a project's settings module so it runs on the
// host: a local sqlite database, the assigned hostnames, debug serving and
// the static-file middleware. The recognized-block grammar is pluggable.
package settings

import (
	"regexp"
)

// Kind identifies a top-level settings assignment the rewriter cares about.
type Kind string

const (
	KindDatabases    Kind = "DATABASES"
	KindAllowedHosts Kind = "ALLOWED_HOSTS"
	KindDebug        Kind = "DEBUG"
	KindMiddleware   Kind = "MIDDLEWARE"
	KindStaticRoot   Kind = "STATIC_ROOT"
	KindInstalled    Kind = "INSTALLED_APPS"
	KindRootURLConf  Kind = "ROOT_URLCONF"
	KindWSGI         Kind = "WSGI_APPLICATION"
)

// Block is a recognized assignment spanning lines [Start, End).
type Block struct {
	Kind  Kind
	Start int
	End   int
}

// Grammar finds the recognized blocks in a settings file. Blocks must be
// returned in order and must not overlap.
type Grammar interface {
	Blocks(lines []string) []Block
}

// =============================================================================
// LineGrammar
// =============================================================================

// LineGrammar recognizes unindented assignments by prefix and follows
// multi-line bracketed values by tracking bracket depth. It does not parse
// Python; anything conditional or indented is left alone.
type LineGrammar struct{}

var linePatterns = []struct {
	kind Kind
	re   *regexp.Regexp
}{
	{KindDatabases, regexp.MustCompile(`^DATABASES\s*(=|\[)`)},
	{KindAllowedHosts, regexp.MustCompile(`^ALLOWED_HOSTS\s*=`)},
	{KindDebug, regexp.MustCompile(`^DEBUG\s*=`)},
	{KindMiddleware, regexp.MustCompile(`^MIDDLEWARE(_CLASSES)?\s*=`)},
	{KindStaticRoot, regexp.MustCompile(`^STATIC_ROOT\s*=`)},
	{KindInstalled, regexp.MustCompile(`^INSTALLED_APPS\s*=`)},
	{KindRootURLConf, regexp.MustCompile(`^ROOT_URLCONF\s*=`)},
	{KindWSGI, regexp.MustCompile(`^WSGI_APPLICATION\s*=`)},
}

// Blocks implements Grammar.
func (LineGrammar) Blocks(lines []string) []Block {
	var blocks []Block
	for i := 0; i < len(lines); {
		kind, ok := matchLine(lines[i])
		if !ok {
			i++
			continue
		}
		end := blockEnd(lines, i)
		blocks = append(blocks, Block{Kind: kind, Start: i, End: end})
		i = end
	}
	return blocks
}

func matchLine(line string) (Kind, bool) {
	for _, p := range linePatterns {
		if p.re.MatchString(line) {
			return p.kind, true
		}
	}
	return "", false
}

// blockEnd returns the index just past the last line of the assignment
// starting at start.
func blockEnd(lines []string, start int) int {
	depth := bracketDelta(lines[start])
	end := start + 1
	for depth > 0 && end < len(lines) {
		depth += bracketDelta(lines[end])
		end++
	}
	return end
}

// bracketDelta counts opening minus closing brackets on a line, ignoring
// string literals and comments.
func bracketDelta(line string) int {
	delta := 0
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '#':
			return delta
		case '(', '[', '{':
			delta++
		case ')', ']', '}':
			delta--
		}
	}
	return delta
}
