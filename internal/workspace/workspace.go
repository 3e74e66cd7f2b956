// Package workspace manages the per-entity directory layout on the shared
// volume:
//
//	golden_images/<gid>/            installer workspace (disk images + MAC sidecar)
//	golden_images/<vm_type>_template/  canonical MAC-stripped clone source
//	instances/<iid>/                per-instance workspace cloned from a template
//
// Each directory is authored exclusively by the call that created it;
// operations on different entities never conflict.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Store resolves and maintains workspace directories.
type Store struct {
	goldenRoot    string
	instancesRoot string
	log           *logrus.Entry
}

// NewStore creates a Store over the golden-image and instance roots.
func NewStore(goldenRoot, instancesRoot string, log *logrus.Entry) *Store {
	return &Store{
		goldenRoot:    goldenRoot,
		instancesRoot: instancesRoot,
		log:           log.WithField("component", "workspace"),
	}
}

// GoldenRoot returns the directory holding installer workspaces and templates.
func (s *Store) GoldenRoot() string { return s.goldenRoot }

// InstancesRoot returns the directory holding per-instance workspaces.
func (s *Store) InstancesRoot() string { return s.instancesRoot }

// GoldenDir returns the installer workspace path for a golden image.
func (s *Store) GoldenDir(gid string) string {
	return filepath.Join(s.goldenRoot, gid)
}

// TemplateDir returns the canonical template path for a vm_type.
func (s *Store) TemplateDir(vmType string) string {
	return filepath.Join(s.goldenRoot, vmType+"_template")
}

// InstanceDir returns the workspace path for an instance.
func (s *Store) InstanceDir(iid string) string {
	return filepath.Join(s.instancesRoot, iid)
}

// CreateGoldenDir creates the installer workspace for a golden image.
func (s *Store) CreateGoldenDir(gid string) error {
	return os.MkdirAll(s.GoldenDir(gid), 0755)
}

// CreateInstanceDir creates the workspace for an instance.
func (s *Store) CreateInstanceDir(iid string) error {
	return os.MkdirAll(s.InstanceDir(iid), 0755)
}

// RemoveGoldenDir deletes an installer workspace. Missing is a no-op.
func (s *Store) RemoveGoldenDir(gid string) error {
	return os.RemoveAll(s.GoldenDir(gid))
}

// RemoveInstanceDir deletes an instance workspace. Missing is a no-op.
func (s *Store) RemoveInstanceDir(iid string) error {
	return os.RemoveAll(s.InstanceDir(iid))
}

// TemplateReady reports whether a non-empty template exists for vm_type.
func (s *Store) TemplateReady(vmType string) bool {
	entries, err := os.ReadDir(s.TemplateDir(vmType))
	return err == nil && len(entries) > 0
}

// ReplaceTemplate rebuilds the vm_type template from a completed installer
// workspace. The old template is removed, the workspace is deep-copied in,
// and every MAC sidecar is stripped so clones receive fresh MACs. Copy is
// used instead of rename so the source stays valid if promotion fails.
func (s *Store) ReplaceTemplate(gid, vmType string) error {
	src := s.GoldenDir(gid)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("golden workspace %s: %w", gid, err)
	}

	dst := s.TemplateDir(vmType)
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("remove old template: %w", err)
	}

	s.log.WithFields(logrus.Fields{"golden_id": gid, "vm_type": vmType}).Info("copying golden image to template")
	if err := CopyTree(src, dst); err != nil {
		return fmt.Errorf("copy template: %w", err)
	}

	if err := StripMACs(dst); err != nil {
		return fmt.Errorf("strip template MACs: %w", err)
	}
	return nil
}

// CloneTemplate deep-copies the vm_type template into an instance workspace.
func (s *Store) CloneTemplate(vmType, iid string) error {
	return CopyTree(s.TemplateDir(vmType), s.InstanceDir(iid))
}

// WriteMAC writes the <container_id>.mac sidecar binding a guest MAC to the
// entity owning dir. The sidecar is the authoritative MAC→entity mapping
// consumed by webhook resolution.
func (s *Store) WriteMAC(dir, containerID, mac string) error {
	path := filepath.Join(dir, containerID+".mac")
	return os.WriteFile(path, []byte(mac), 0644)
}

// StripMACs removes every *.mac sidecar directly under dir.
func StripMACs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mac") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
