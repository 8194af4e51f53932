package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrArchiveTooLarge is returned when an upload exceeds the store limit.
var ErrArchiveTooLarge = errors.New("archive exceeds the maximum upload size")

const rejectedSuffix = ".rejected.zip"

// ArchiveStore keeps uploaded archives as the source artifacts of
// deployments.
type ArchiveStore struct {
	dir      string
	maxBytes int64
	now      func() time.Time
}

// NewArchiveStore creates the archive directory if needed.
func NewArchiveStore(dir string, maxBytes int64) (*ArchiveStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory cannot be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &ArchiveStore{dir: abs, maxBytes: maxBytes, now: time.Now}, nil
}

// MaxBytes returns the upload limit.
func (s *ArchiveStore) MaxBytes() int64 {
	return s.maxBytes
}

// Save streams r to a new archive named after prefix. At most MaxBytes are
// accepted; a larger upload leaves nothing behind.
func (s *ArchiveStore) Save(prefix string, r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create archive: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, io.LimitReader(r, s.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", n, fmt.Errorf("write archive: %w", err)
	}
	if n > s.maxBytes {
		return "", n, ErrArchiveTooLarge
	}

	name := fmt.Sprintf("%s_%s_%s.zip", prefix, s.now().UTC().Format("20060102_150405"), uuid.NewString()[:8])
	final := filepath.Join(s.dir, name)
	if err := os.Rename(tmpName, final); err != nil {
		return "", n, fmt.Errorf("store archive: %w", err)
	}
	return final, n, nil
}

// Open opens a stored archive for reading.
func (s *ArchiveStore) Open(path string) (*os.File, error) {
	if err := s.owns(path); err != nil {
		return nil, err
	}
	return os.Open(path)
}

// MarkRejected renames an archive so it is kept for inspection but never
// picked up as a live source.
func (s *ArchiveStore) MarkRejected(path string) (string, error) {
	if err := s.owns(path); err != nil {
		return "", err
	}
	if strings.HasSuffix(path, rejectedSuffix) {
		return path, nil
	}
	rejected := strings.TrimSuffix(path, ".zip") + rejectedSuffix
	if err := os.Rename(path, rejected); err != nil {
		return "", fmt.Errorf("mark archive rejected: %w", err)
	}
	return rejected, nil
}

// Remove deletes a stored archive. Missing files are not an error.
func (s *ArchiveStore) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := s.owns(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *ArchiveStore) owns(path string) error {
	if filepath.Dir(filepath.Clean(path)) != s.dir {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}
