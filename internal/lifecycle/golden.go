package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/vapiorc/vapiorc/internal/container"
	"github.com/vapiorc/vapiorc/internal/registry"
)

// CreateGoldenImage boots an installer container for vmType and records its
// guest MAC. The guest completes Windows setup on its own and reports
// readiness through the webhook; no further progress is driven here.
//
// On failure the record is marked failed and the error propagated. A
// container that did launch is left for manual cleanup (its disk may hold
// a partial install worth inspecting).
func (m *Manager) CreateGoldenImage(ctx context.Context, vmType string) (string, error) {
	gid := uuid.NewString()
	if err := m.store.CreateGoldenImage(ctx, gid, vmType); err != nil {
		return "", fmt.Errorf("create golden image record: %w", err)
	}

	m.log.WithFields(logrus.Fields{"golden_id": gid, "vm_type": vmType}).Info("creating golden image")

	if err := m.buildGoldenImage(ctx, gid, vmType); err != nil {
		if serr := m.store.SetGoldenImageStatus(ctx, gid, registry.GoldenFailed); serr != nil {
			m.log.WithError(serr).WithField("golden_id", gid).Error("mark golden image failed")
		}
		return "", err
	}
	return gid, nil
}

func (m *Manager) buildGoldenImage(ctx context.Context, gid, vmType string) error {
	if err := m.ws.CreateGoldenDir(gid); err != nil {
		return fmt.Errorf("create golden workspace: %w", err)
	}

	port, err := m.ports.Allocate()
	if err != nil {
		return err
	}

	cid, err := m.driver.Run(ctx, container.RunSpec{
		Name:    goldenContainerName(gid),
		Image:   m.cfg.VMImage,
		Network: m.cfg.DockerNetwork,
		Ports:   []container.PortMap{{HostPort: port, GuestPort: consoleGuestPort}},
		Env: map[string]string{
			"VERSION":  vmType,
			"DISK_FMT": "qcow2",
		},
		Mounts: []container.Mount{
			{HostPath: m.ws.GoldenDir(gid), GuestPath: "/storage"},
			{HostPath: m.cfg.OEMPath, GuestPath: "/oem"},
		},
		Devices:     []string{"/dev/kvm", "/dev/net/tun"},
		CapAdd:      []string{"NET_ADMIN"},
		StopTimeout: m.cfg.StopTimeoutSec,
	})
	if err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"golden_id":    gid,
		"container_id": cid,
		"port":         port,
	}).Info("installer container started")

	return m.writeMACSidecar(ctx, cid, m.ws.GoldenDir(gid))
}

// FinalizeGoldenImage promotes a completed installer workspace to the
// canonical template for its vm type.
//
// Order matters: the template is copied while the source is intact and
// stripped of MAC sidecars before anything is torn down, so a clone can
// never observe a partial or MAC-bearing template. Teardown failures after
// promotion do not block readiness — the template is the canonical
// artefact; orphans are logged for the operator.
func (m *Manager) FinalizeGoldenImage(ctx context.Context, gid string) error {
	gi, err := m.store.GetGoldenImage(ctx, gid)
	if err != nil {
		return err
	}
	if gi == nil {
		return fmt.Errorf("golden image %s: %w", gid, ErrNotFound)
	}

	if err := m.ws.ReplaceTemplate(gid, gi.VMType); err != nil {
		return err
	}

	// Drop cached MAC resolutions before the workspace disappears, or a
	// replayed readiness webhook would resolve to a gone workspace.
	m.invalidateSidecars(ctx, m.ws.GoldenDir(gid))

	var orphaned error
	if err := m.teardownContainer(ctx, goldenContainerName(gid)); err != nil {
		orphaned = err
	}
	if err := m.ws.RemoveGoldenDir(gid); err != nil {
		orphaned = multierror.Append(orphaned, fmt.Errorf("remove workspace: %w", err))
	}
	if orphaned != nil {
		m.log.WithError(orphaned).WithField("golden_id", gid).Warn("golden image finalized with orphaned resources")
	}

	if err := m.store.SetGoldenImageStatus(ctx, gid, registry.GoldenReady); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{"golden_id": gid, "vm_type": gi.VMType}).Info("golden image ready, template created")
	return nil
}
