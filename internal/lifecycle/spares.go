package lifecycle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vapiorc/vapiorc/internal/registry"
)

// EnsureHotSpares brings the pool of ready, unassigned hot spares up to the
// configured target. A target of 0 disables replenishment.
//
// The whole tick runs under a process-wide mutex: concurrent triggers
// collapse into sequential executions, which prevents double-provisioning
// and keeps template promotion from interleaving with clones.
func (m *Manager) EnsureHotSpares(ctx context.Context, vmType string) error {
	if m.cfg.HotSpareCount <= 0 {
		return nil
	}

	m.spareMu.Lock()
	defer m.spareMu.Unlock()

	if !m.ws.TemplateReady(vmType) {
		proceed, err := m.bootstrapTemplate(ctx, vmType)
		if err != nil || !proceed {
			return err
		}
	}

	count, err := m.store.CountReadySpares(ctx, vmType)
	if err != nil {
		return err
	}
	needed := m.cfg.HotSpareCount - count
	if needed <= 0 {
		m.log.WithFields(logrus.Fields{"vm_type": vmType, "ready": count}).Debug("hot spare target met")
		return nil
	}

	m.log.WithFields(logrus.Fields{
		"vm_type": vmType,
		"ready":   count,
		"needed":  needed,
	}).Info("replenishing hot spares")

	for i := 0; i < needed; i++ {
		if _, err := m.CreateInstance(ctx, vmType, true); err != nil {
			// Leave the remaining deficit for the next trigger.
			m.log.WithError(err).Error("create hot spare")
			break
		}
		if i < needed-1 {
			// Pause between creations to reduce port-allocation races.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.SpareCreateDelay):
			}
		}
	}
	return nil
}

// bootstrapTemplate handles the no-template case of a replenisher tick.
// It returns proceed=true only when a usable template now exists.
func (m *Manager) bootstrapTemplate(ctx context.Context, vmType string) (bool, error) {
	// A ready golden image without a template means the template was lost
	// (or promotion was interrupted): re-finalize from its workspace.
	gi, err := m.store.FindGoldenImage(ctx, registry.GoldenReady, vmType)
	if err != nil {
		return false, err
	}
	if gi != nil {
		if err := m.FinalizeGoldenImage(ctx, gi.ID); err != nil {
			m.log.WithError(err).WithField("golden_id", gi.ID).Error("re-finalize golden image")
		}
		if !m.ws.TemplateReady(vmType) {
			m.log.WithField("golden_id", gi.ID).Error("template still missing after re-finalize; not creating spares")
			return false, nil
		}
		return true, nil
	}

	// An installer is still running; its readiness webhook re-triggers us.
	gi, err = m.store.FindGoldenImage(ctx, registry.GoldenCreating, vmType)
	if err != nil {
		return false, err
	}
	if gi != nil {
		m.log.WithField("golden_id", gi.ID).Info("golden image still installing; waiting for readiness webhook")
		return false, nil
	}

	// Cold start: kick off a golden image build and wait for its webhook.
	_, err = m.CreateGoldenImage(ctx, vmType)
	return false, err
}
