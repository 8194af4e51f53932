// Package archive inspects uploaded project archives before anything is
// extracted. Nothing here touches the filesystem.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/klauspost/compress/zip"
)

// DefaultMaxSize is the largest archive accepted for deployment.
const DefaultMaxSize int64 = 100 << 20

const macMetadataDir = "__MACOSX"

// =============================================================================
// Verdict
// =============================================================================

// Verdict is the outcome of validating an archive.
type Verdict string

const (
	VerdictOK                  Verdict = "ok"
	VerdictMalformed           Verdict = domain.CodeMalformedArchive
	VerdictMissingEntryScript  Verdict = domain.CodeMissingEntryScript
	VerdictMissingConfigModule Verdict = domain.CodeMissingConfigModule
	VerdictMissingIndex        Verdict = "missing-index-document"
	VerdictTooLarge            Verdict = domain.CodeArchiveTooLarge
)

var verdictMessages = map[Verdict]string{
	VerdictMalformed:           "the upload is not a valid zip archive",
	VerdictMissingEntryScript:  "manage.py was not found in the archive",
	VerdictMissingConfigModule: "settings.py was not found in the archive",
	VerdictMissingIndex:        "index.html or index.htm was not found in the archive",
	VerdictTooLarge:            "the archive exceeds the maximum upload size",
}

// OK reports whether the archive passed.
func (v Verdict) OK() bool {
	return v == VerdictOK
}

// Err converts a failing verdict into a structural pipeline error.
func (v Verdict) Err() error {
	if v.OK() {
		return nil
	}
	return domain.NewPipelineError(domain.ClassStructural, string(v), "validate", verdictMessages[v], nil)
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks that stream is a zip containing manage.py and a settings
// module outside of Mac metadata folders. The stream position is restored
// before returning.
func Validate(stream io.ReadSeeker) Verdict {
	names, ok := entryNames(stream)
	if !ok {
		return VerdictMalformed
	}

	hasEntry, hasSettings := false, false
	for _, name := range names {
		if path.Base(name) == "manage.py" {
			hasEntry = true
		}
		if strings.Contains(strings.ToLower(name), "settings.py") {
			hasSettings = true
		}
	}

	switch {
	case !hasEntry:
		return VerdictMissingEntryScript
	case !hasSettings:
		return VerdictMissingConfigModule
	}
	return VerdictOK
}

// ValidateStatic is the relaxed check used for static sites: only an index
// document is required.
func ValidateStatic(stream io.ReadSeeker) Verdict {
	names, ok := entryNames(stream)
	if !ok {
		return VerdictMalformed
	}
	for _, name := range names {
		switch strings.ToLower(path.Base(name)) {
		case "index.html", "index.htm":
			return VerdictOK
		}
	}
	return VerdictMissingIndex
}

// CheckSize rejects archives larger than max. A non-positive max uses DefaultMaxSize.
func CheckSize(size, max int64) Verdict {
	if max <= 0 {
		max = DefaultMaxSize
	}
	if size > max {
		return VerdictTooLarge
	}
	return VerdictOK
}

// entryNames lists regular file entries outside Mac metadata folders.
func entryNames(stream io.ReadSeeker) ([]string, bool) {
	start, err := stream.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, false
	}
	defer stream.Seek(start, io.SeekStart)

	size, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, false
	}

	var ra io.ReaderAt
	if r, ok := stream.(io.ReaderAt); ok {
		ra = r
	} else {
		if _, err := stream.Seek(0, io.SeekStart); err != nil {
			return nil, false
		}
		buf, err := io.ReadAll(stream)
		if err != nil {
			return nil, false
		}
		ra = bytes.NewReader(buf)
	}

	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, false
	}

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || IsMacMetadata(f.Name) {
			continue
		}
		names = append(names, f.Name)
	}
	return names, true
}

// IsMacMetadata reports whether an archive path lives under a __MACOSX folder.
func IsMacMetadata(name string) bool {
	name = strings.ReplaceAll(name, "\\", "/")
	for _, part := range strings.Split(name, "/") {
		if part == macMetadataDir {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (v Verdict) String() string {
	if msg, ok := verdictMessages[v]; ok {
		return fmt.Sprintf("%s: %s", string(v), msg)
	}
	return string(v)
}
