package api

import (
	"errors"
	"net/http"

	"github.com/vapiorc/vapiorc/internal/lifecycle"
)

func (s *Server) vmType(r *http.Request) string {
	if vt := r.URL.Query().Get("vm_type"); vt != "" {
		return vt
	}
	return s.cfg.VMType
}

// POST /api/vms/golden-images — boot an installer container. The golden
// image becomes ready when its guest posts the readiness webhook.
func (s *Server) handleCreateGoldenImage(w http.ResponseWriter, r *http.Request) {
	vmType := s.vmType(r)

	gid, err := s.mgr.CreateGoldenImage(r.Context(), vmType)
	if err != nil {
		s.log.WithError(err).Error("create golden image")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"golden_id": gid,
		"vm_type":   vmType,
		"status":    "creating",
		"message":   "installer container started; finalization follows the readiness webhook",
	})
}

// POST /api/vms/golden-images/{gid}/ready — promote an installer workspace
// to the template by hand. The usual path is the readiness webhook; this
// exists for guests whose reporter never fired.
func (s *Server) handleFinalizeGoldenImage(w http.ResponseWriter, r *http.Request) {
	gid := r.PathValue("gid")

	if err := s.mgr.FinalizeGoldenImage(r.Context(), gid); err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			writeError(w, http.StatusNotFound, "golden image not found")
			return
		}
		s.log.WithError(err).WithField("golden_id", gid).Error("finalize golden image")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mgr.TriggerEnsure(s.cfg.VMType)

	writeJSON(w, http.StatusOK, map[string]string{
		"golden_id": gid,
		"status":    "ready",
		"message":   "template created",
	})
}

// POST /api/vms/instances — create an instance outside the hot-spare pool.
func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	vmType := s.vmType(r)

	iid, err := s.mgr.CreateInstance(r.Context(), vmType, false)
	if err != nil {
		s.log.WithError(err).Error("create instance")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"instance_id": iid,
		"vm_type":     vmType,
		"status":      "starting",
	})
}

// GET /api/vms/instances — list all instance records, newest first.
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.mgr.ListInstances(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instances": list,
		"count":     len(list),
	})
}

// POST /api/vms/assign — hand a VM to a caller: a ready hot spare when one
// exists, a freshly created instance otherwise. Any failure is reported as
// 503 so callers back off and retry rather than treating it as permanent.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	caller := r.URL.Query().Get("assigned_to")
	if caller == "" {
		writeError(w, http.StatusBadRequest, "assigned_to is required")
		return
	}

	a, err := s.mgr.Assign(r.Context(), caller)
	if err != nil {
		s.log.WithError(err).WithField("assigned_to", caller).Error("assign")
		writeError(w, http.StatusServiceUnavailable, "no VM available")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// POST /api/vms/instances/{iid}/release and DELETE /api/vms/instances/{iid}
// are the same teardown: container removed, workspace wiped, record deleted.
func (s *Server) handleDestroyInstance(w http.ResponseWriter, r *http.Request) {
	iid := r.PathValue("iid")

	if err := s.mgr.Destroy(r.Context(), iid); err != nil {
		s.log.WithError(err).WithField("instance_id", iid).Error("destroy instance")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"instance_id": iid,
		"status":      "destroyed",
	})
}

// POST /api/vms/hot-spares/ensure — run a replenisher tick synchronously,
// so operators and tests observe its effects on return.
func (s *Server) handleEnsureHotSpares(w http.ResponseWriter, r *http.Request) {
	vmType := s.vmType(r)

	if err := s.mgr.EnsureHotSpares(r.Context(), vmType); err != nil {
		s.log.WithError(err).WithField("vm_type", vmType).Error("ensure hot spares")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"vm_type": vmType,
		"status":  "ok",
	})
}
