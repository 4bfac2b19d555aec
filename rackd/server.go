package rackd

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/log"
)

type handler struct {
	agent *Agent
}

// NewHandler returns the agent's HTTP API:
//
//	POST /v1/dhcp/{vlan}  apply a configuration document
//	GET  /v1/dhcp/{vlan}  serving status for the VLAN
//	GET  /v1/healthz      liveness probe
func NewHandler(agent *Agent) http.Handler {
	h := &handler{agent: agent}
	r := mux.NewRouter()
	r.HandleFunc("/v1/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/dhcp/{vlan}", h.apply).Methods(http.MethodPost)
	r.HandleFunc("/v1/dhcp/{vlan}", h.status).Methods(http.MethodGet)
	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"session": h.agent.SessionID()})
}

func (h *handler) apply(w http.ResponseWriter, r *http.Request) {
	var doc api.ConfigDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	vlanID := mux.Vars(r)["vlan"]
	if doc.VLANID != vlanID {
		writeError(w, http.StatusBadRequest,
			errors.Errorf("document is for vlan %v, posted to vlan %v", doc.VLANID, vlanID))
		return
	}
	if err := h.agent.Apply(r.Context(), &doc); err != nil {
		if errors.Cause(err) == ErrStaleVersion {
			writeError(w, http.StatusConflict, err)
			return
		}
		log.G(r.Context()).WithError(err).WithField("vlan", vlanID).Error("apply failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, h.agent.Status(vlanID))
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.Status(mux.Vars(r)["vlan"]))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
