package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/artpar/djangohost/internal/core/deployment"
)

// ErrNoMarker is returned when a deployment has no pid or port marker.
var ErrNoMarker = errors.New("marker file not found")

// WriteMarkers records a launched process. Both files hold a single decimal
// number.
func WriteMarkers(p deployment.Paths, pid, port int) error {
	if err := writeNumber(p.PIDFile, pid); err != nil {
		return err
	}
	return writeNumber(p.PortFile, port)
}

// ReadPID returns the recorded process id.
func ReadPID(p deployment.Paths) (int, error) {
	return readNumber(p.PIDFile)
}

// ReadPort returns the recorded port.
func ReadPort(p deployment.Paths) (int, error) {
	return readNumber(p.PortFile)
}

// RemoveMarkers deletes the pid and port markers. Missing files are ignored.
func RemoveMarkers(p deployment.Paths) error {
	var errs []error
	for _, f := range []string{p.PIDFile, p.PortFile} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeNumber(path string, n int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(n)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readNumber(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNoMarker
		}
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("corrupt marker %s: %q", path, strings.TrimSpace(string(data)))
	}
	return n, nil
}

// TailFile returns at most the last n bytes of a file. A missing file reads
// as empty.
func TailFile(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := int64(0)
	if n > 0 && info.Size() > n {
		offset = info.Size() - n
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
