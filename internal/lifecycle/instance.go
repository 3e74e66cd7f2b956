package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vapiorc/vapiorc/internal/container"
	"github.com/vapiorc/vapiorc/internal/registry"
)

// CreateInstance clones the vm type's template into a fresh workspace and
// launches the instance container. The record stays in "starting" until the
// in-guest reporter posts the readiness webhook.
//
// On any failure after the record insert, the record is marked failed, the
// workspace and container are cleaned up, and the error is propagated.
func (m *Manager) CreateInstance(ctx context.Context, vmType string, hotSpare bool) (string, error) {
	iid := uuid.NewString()
	if err := m.store.CreateInstance(ctx, iid, vmType, hotSpare); err != nil {
		return "", fmt.Errorf("create instance record: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"instance_id": iid,
		"vm_type":     vmType,
		"hot_spare":   hotSpare,
	}).Info("creating instance")

	if err := m.launchInstance(ctx, iid, vmType); err != nil {
		if serr := m.store.SetInstanceStatus(ctx, iid, registry.InstanceFailed); serr != nil {
			m.log.WithError(serr).WithField("instance_id", iid).Error("mark instance failed")
		}
		m.cleanupInstance(ctx, iid)
		return "", err
	}
	return iid, nil
}

func (m *Manager) launchInstance(ctx context.Context, iid, vmType string) error {
	if err := m.ws.CreateInstanceDir(iid); err != nil {
		return fmt.Errorf("create instance workspace: %w", err)
	}

	if !m.ws.TemplateReady(vmType) {
		return fmt.Errorf("vm type %s: %w", vmType, ErrTemplateMissing)
	}
	if err := m.ws.CloneTemplate(vmType, iid); err != nil {
		return fmt.Errorf("clone template: %w", err)
	}

	port, err := m.ports.Allocate()
	if err != nil {
		return err
	}

	cid, err := m.driver.Run(ctx, container.RunSpec{
		Name:    vmContainerName(iid),
		Image:   m.cfg.VMImage,
		Network: m.cfg.DockerNetwork,
		Ports: []container.PortMap{
			{HostPort: port, GuestPort: consoleGuestPort},
			{HostPort: port + rdpPortOffset, GuestPort: rdpGuestPort},
		},
		Env: map[string]string{
			"VERSION":  vmType,
			"DISK_FMT": "qcow2",
		},
		Mounts: []container.Mount{
			{HostPath: m.ws.InstanceDir(iid), GuestPath: "/storage"},
			{HostPath: m.cfg.OEMPath, GuestPath: "/oem"},
		},
		Devices:     []string{"/dev/kvm", "/dev/net/tun"},
		CapAdd:      []string{"NET_ADMIN"},
		StopTimeout: m.cfg.StopTimeoutSec,
	})
	if err != nil {
		return err
	}

	if err := m.store.SetInstanceRuntime(ctx, iid, cid, port); err != nil {
		return fmt.Errorf("record instance runtime: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"instance_id":  iid,
		"container_id": cid,
		"port":         port,
		"rdp_port":     port + rdpPortOffset,
	}).Info("instance container started")

	return m.writeMACSidecar(ctx, cid, m.ws.InstanceDir(iid))
}

// cleanupInstance reclaims an instance's container and workspace. Every
// step is best-effort: an operator destroying a VM must never be blocked by
// a stale container or a half-removed directory.
func (m *Manager) cleanupInstance(ctx context.Context, iid string) {
	m.invalidateSidecars(ctx, m.ws.InstanceDir(iid))

	if err := m.teardownContainer(ctx, vmContainerName(iid)); err != nil {
		m.log.WithError(err).WithField("instance_id", iid).Warn("instance container teardown")
	}
	if err := m.ws.RemoveInstanceDir(iid); err != nil {
		m.log.WithError(err).WithField("instance_id", iid).Warn("remove instance workspace")
	}
}
