package api

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/vapiorc/vapiorc/internal/macs"
)

// POST /webhook/ready/{vm_type} — the in-guest reporter announcing that
// Windows setup finished. The caller is identified purely by its MAC.
func (s *Server) handleWebhookReady(w http.ResponseWriter, r *http.Request) {
	vmType := r.PathValue("vm_type")

	mac := r.Header.Get("MAC-Address")
	if mac == "" {
		writeError(w, http.StatusBadRequest, "MAC-Address header is required")
		return
	}

	kind, id, ok := s.macreg.Resolve(r.Context(), mac)
	if !ok {
		writeError(w, http.StatusNotFound, "no entity registered for MAC")
		return
	}

	log := s.log.WithFields(logrus.Fields{"vm_type": vmType, "mac": mac, "kind": kind, "id": id})

	switch kind {
	case macs.KindGoldenImage:
		if err := s.mgr.FinalizeGoldenImage(r.Context(), id); err != nil {
			log.WithError(err).Error("finalize golden image from webhook")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// The template just appeared; fill the pool in the background.
		s.mgr.TriggerEnsure(vmType)
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "processed",
			"type":   kind,
			"id":     id,
		})

	case macs.KindVMInstance:
		advanced, err := s.mgr.MarkInstanceReady(r.Context(), id)
		if err != nil {
			log.WithError(err).Error("mark instance ready")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		status := "processed"
		if !advanced {
			// Replay, or the instance moved past starting already.
			status = "ignored"
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": status,
			"type":   kind,
			"id":     id,
		})

	default:
		log.Error("unknown entity kind")
		writeError(w, http.StatusInternalServerError, "unknown entity kind")
	}
}

// GET /webhook/status/{vm_type} — registration probe for the in-guest
// reporter. Answers whether the caller's MAC maps to a known entity,
// without mutating anything.
func (s *Server) handleWebhookStatus(w http.ResponseWriter, r *http.Request) {
	mac := r.Header.Get("MAC-Address")
	if mac == "" {
		writeError(w, http.StatusBadRequest, "MAC-Address header is required")
		return
	}

	kind, id, ok := s.macreg.Resolve(r.Context(), mac)
	if !ok {
		writeError(w, http.StatusNotFound, "no entity registered for MAC")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "registered",
		"type":   kind,
		"id":     id,
	})
}
