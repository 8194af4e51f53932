//go:build !windows

package runner

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_UsesExplicitDir(t *testing.T) {
	dir := t.TempDir()
	r := NewExecRunner(nil)

	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "pwd"}, Dir: dir})
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Output))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecRunner_PassesEnv(t *testing.T) {
	res, err := NewExecRunner(nil).Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo $GREETING"},
		Env:  []string{"GREETING=hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Output)
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	res, err := NewExecRunner(nil).Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo boom >&2; exit 3"},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExitStatus)
	assert.Equal(t, 3, res.ExitCode)

	var cerr *CommandError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 3, cerr.ExitCode)
	assert.Contains(t, cerr.Output, "boom")
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestExecRunner_Timeout(t *testing.T) {
	start := time.Now()
	_, err := NewExecRunner(nil).Run(context.Background(), Command{
		Name:    "sleep",
		Args:    []string{"5"},
		Timeout: 100 * time.Millisecond,
	})

	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecRunner_ToolNotFound(t *testing.T) {
	r := NewExecRunner(nil)

	_, err := r.Run(context.Background(), Command{Name: "djangohost-no-such-tool"})
	assert.True(t, IsToolNotFound(err))

	_, err = r.Run(context.Background(), Command{Name: filepath.Join(t.TempDir(), "python3")})
	assert.True(t, IsToolNotFound(err))
}

func TestExecRunner_MissingDirIsNotToolNotFound(t *testing.T) {
	_, err := NewExecRunner(nil).Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "true"},
		Dir:  filepath.Join(t.TempDir(), "missing"),
	})
	require.Error(t, err)
	assert.False(t, IsToolNotFound(err))
}
