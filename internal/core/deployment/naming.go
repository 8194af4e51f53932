package deployment

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/djangohost/internal/core/domain"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

const (
	PIDSuffix  = ".pid"
	PortSuffix = ".port"
	LogSuffix  = ".log"

	backupInfix      = "_backup_"
	backupTimeFormat = "20060102_150405"
)

// DirName generates the per-deployment directory name.
// Pattern: {owner}_{safeID}
//
// Example:
//
//	DirName("alice", "blog") // returns "alice_blog"
func DirName(owner, safeID string) string {
	o := domain.Sanitize(owner)
	if o == "" {
		o = "user"
	}
	return fmt.Sprintf("%s_%s", o, safeID)
}

// ComposeProjectName generates the container-group project name. Compose
// only accepts lowercase alphanumerics, dashes and underscores.
// Pattern: djangohost_{owner}_{safeID}
func ComposeProjectName(owner, safeID string) string {
	return "djangohost_" + strings.ToLower(DirName(owner, safeID))
}

// Layout roots every deployment under one hosting directory.
type Layout struct {
	Root string
}

// Paths are the filesystem locations owned by one deployment. The marker
// files are siblings of WorkDir so that replacing the tree leaves them alone.
type Paths struct {
	Name     string
	WorkDir  string
	PIDFile  string
	PortFile string
	LogFile  string
}

// For returns the paths for a deployment.
func (l Layout) For(owner, safeID string) Paths {
	name := DirName(owner, safeID)
	base := filepath.Join(l.Root, name)
	return Paths{
		Name:     name,
		WorkDir:  base,
		PIDFile:  base + PIDSuffix,
		PortFile: base + PortSuffix,
		LogFile:  base + LogSuffix,
	}
}

// BackupDir returns the snapshot location for an update started at t.
// Pattern: {workDir}_backup_{YYYYmmdd_HHMMSS}
func (p Paths) BackupDir(t time.Time) string {
	return p.WorkDir + backupInfix + t.UTC().Format(backupTimeFormat)
}

// IsBackupDir reports whether a directory name looks like an update snapshot.
func IsBackupDir(name string) bool {
	i := strings.LastIndex(name, backupInfix)
	if i < 0 {
		return false
	}
	_, err := time.Parse(backupTimeFormat, name[i+len(backupInfix):])
	return err == nil
}

// Address formats the externally visible address for a port.
func Address(host string, port int) string {
	return fmt.Sprintf("http://%s:%d", host, port)
}
