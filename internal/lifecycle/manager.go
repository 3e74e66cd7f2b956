// Package lifecycle drives the VM state machines.
//
// Golden images: creating → ready (readiness webhook + finalize) | failed.
// Instances:     starting → ready (readiness webhook) → busy (assignment),
// any state → destroyed (record deleted, workspace wiped).
//
// Release and destroy are the same operation: an instance never returns to
// the pool, so no per-user data survives reuse.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/vapiorc/vapiorc/internal/config"
	"github.com/vapiorc/vapiorc/internal/container"
	"github.com/vapiorc/vapiorc/internal/macs"
	"github.com/vapiorc/vapiorc/internal/ports"
	"github.com/vapiorc/vapiorc/internal/registry"
	"github.com/vapiorc/vapiorc/internal/workspace"
)

// ErrTemplateMissing is returned when an instance clone is requested and no
// template exists for the vm type.
var ErrTemplateMissing = errors.New("no template for vm type")

// ErrNotFound is returned when an operation targets an absent record.
var ErrNotFound = errors.New("not found")

// Guest-side ports published by the VM container.
const (
	consoleGuestPort = 8006 // VNC/web console
	rdpGuestPort     = 3389
	rdpPortOffset    = 1000 // host RDP port is console port + offset
)

// Manager owns golden images and instances and drives their lifecycle.
// All collaborators are explicit so tests can substitute them.
type Manager struct {
	cfg    *config.Config
	store  *registry.DB
	ws     *workspace.Store
	driver container.Driver
	ports  *ports.Allocator
	macreg *macs.Registry
	log    *logrus.Entry

	// spareMu serializes replenisher ticks. Contending triggers queue
	// behind it rather than being dropped.
	spareMu sync.Mutex
}

// NewManager creates a lifecycle manager.
func NewManager(cfg *config.Config, store *registry.DB, ws *workspace.Store, driver container.Driver, alloc *ports.Allocator, macreg *macs.Registry, log *logrus.Entry) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		ws:     ws,
		driver: driver,
		ports:  alloc,
		macreg: macreg,
		log:    log.WithField("component", "lifecycle"),
	}
}

func goldenContainerName(gid string) string { return "vapiorc_golden_" + gid }

func vmContainerName(iid string) string { return "vapiorc_vm_" + iid }

// MarkInstanceReady advances an instance from starting to ready. It returns
// false for replays and unknown ids, keeping webhook retries idempotent.
func (m *Manager) MarkInstanceReady(ctx context.Context, iid string) (bool, error) {
	advanced, err := m.store.MarkInstanceReady(ctx, iid)
	if err != nil {
		return false, err
	}
	if advanced {
		m.log.WithField("instance_id", iid).Info("instance ready")
	}
	return advanced, nil
}

// ListInstances returns all instance records, newest first.
func (m *Manager) ListInstances(ctx context.Context) ([]*registry.VMInstance, error) {
	return m.store.ListInstances(ctx)
}

// TriggerEnsure kicks a replenisher tick in the background. Callers never
// block on replenishment.
func (m *Manager) TriggerEnsure(vmType string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := m.EnsureHotSpares(ctx, vmType); err != nil {
			m.log.WithError(err).Error("background replenish")
		}
	}()
}

// writeMACSidecar polls the guest's eth0 MAC through the container engine
// and writes the sidecar into dir. The poll is bounded; on timeout a
// warning is logged and the entity is left without a sidecar (the webhook
// cannot resolve it until one appears).
func (m *Manager) writeMACSidecar(ctx context.Context, containerID, dir string) error {
	for attempt := 0; attempt < m.cfg.MACPollAttempts; attempt++ {
		out, rc, err := m.driver.Exec(ctx, containerID, []string{"cat", "/sys/class/net/eth0/address"}, m.cfg.MACPollInterval)
		if err == nil && rc == 0 {
			if mac := macs.Normalize(out); mac != "" {
				if werr := m.ws.WriteMAC(dir, containerID, mac); werr != nil {
					return fmt.Errorf("write MAC sidecar: %w", werr)
				}
				m.log.WithFields(logrus.Fields{
					"container_id": containerID,
					"mac":          mac,
				}).Info("recorded guest MAC")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.MACPollInterval):
		}
	}

	m.log.WithField("container_id", containerID).Warn("guest MAC not observed within poll budget; webhook resolution unavailable for this guest")
	return nil
}

// invalidateSidecars drops cached resolutions for every sidecar under dir,
// ahead of the directory being wiped.
func (m *Manager) invalidateSidecars(ctx context.Context, dir string) {
	sidecars, err := filepath.Glob(filepath.Join(dir, "*.mac"))
	if err != nil {
		return
	}
	for _, sc := range sidecars {
		data, err := os.ReadFile(sc)
		if err != nil {
			continue
		}
		m.macreg.Invalidate(ctx, string(data))
	}
}

// teardownContainer stops and removes a container by name. Best-effort:
// failures are aggregated for the caller to log, never propagated.
func (m *Manager) teardownContainer(ctx context.Context, name string) error {
	var errs *multierror.Error
	if err := m.driver.Stop(ctx, name); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stop %s: %w", name, err))
	}
	if err := m.driver.Remove(ctx, name); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("remove %s: %w", name, err))
	}
	return errs.ErrorOrNil()
}
