package lifecycle

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Assignment is what a caller receives for a claimed VM.
type Assignment struct {
	InstanceID  string `json:"instance_id"`
	ContainerID string `json:"container_id"`
	Port        int    `json:"port"`
	ConsoleURL  string `json:"console_url"`
	RDPPort     int    `json:"rdp_port"`
}

// Assign binds a VM to a caller. A ready hot spare is claimed atomically
// when one exists; otherwise a fresh instance is created and handed over
// while still starting (the caller must tolerate an unreachable VM until
// its readiness webhook fires). A replenisher tick is triggered in the
// background either way.
func (m *Manager) Assign(ctx context.Context, caller string) (*Assignment, error) {
	vmType := m.cfg.VMType

	inst, err := m.store.ClaimSpare(ctx, vmType, caller)
	if err != nil {
		return nil, err
	}

	if inst == nil {
		iid, err := m.CreateInstance(ctx, vmType, false)
		if err != nil {
			return nil, fmt.Errorf("no hot spare available and instance creation failed: %w", err)
		}
		if err := m.store.AssignInstance(ctx, iid, caller); err != nil {
			return nil, err
		}
		inst, err = m.store.GetInstance(ctx, iid)
		if err != nil {
			return nil, err
		}
	}

	m.log.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"assigned_to": caller,
		"port":        inst.Port,
	}).Info("instance assigned")

	m.TriggerEnsure(vmType)

	return &Assignment{
		InstanceID:  inst.ID,
		ContainerID: inst.ContainerID,
		Port:        inst.Port,
		ConsoleURL:  fmt.Sprintf("http://%s:%d", m.cfg.HostIP, inst.Port),
		RDPPort:     inst.Port + rdpPortOffset,
	}, nil
}

// Destroy tears an instance down completely: container stopped and removed,
// workspace wiped, record deleted. Release is the same operation — a VM is
// never returned to the pool, so no per-user data survives. Idempotent:
// absent container, directory, and record are all no-ops.
func (m *Manager) Destroy(ctx context.Context, iid string) error {
	m.cleanupInstance(ctx, iid)

	if err := m.store.DeleteInstance(ctx, iid); err != nil {
		return fmt.Errorf("delete instance record: %w", err)
	}

	m.log.WithField("instance_id", iid).Info("instance destroyed")

	m.TriggerEnsure(m.cfg.VMType)
	return nil
}
