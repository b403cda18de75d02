package httpapi

import (
	"encoding/json"
	"net/http"

	"csms/internal/models"
	"csms/internal/modules"

	"github.com/go-chi/chi/v5"
)

func (s *Server) GetLocalList(w http.ResponseWriter, r *http.Request) {
	v, err := s.LocalList.Get(r.Context(), chi.URLParam(r, "stationId"))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if v == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type pushLocalListReq struct {
	Version    int                    `json:"version"`
	UpdateType models.UpdateType      `json:"updateType"`
	Items      []models.LocalListItem `json:"items"`
}

// PushLocalList sends a list update to the station. The answer only says the
// update was sent; the stored list changes once the station accepts it.
func (s *Server) PushLocalList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stationId")
	var req pushLocalListReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UpdateType == "" {
		req.UpdateType = models.UpdateFull
	}
	u, err := s.EVDriver.Push(r.Context(), modules.PushRequest{
		StationId:  id,
		Version:    req.Version,
		UpdateType: req.UpdateType,
		Items:      req.Items,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"commandId":  u.CorrelationId,
		"version":    u.Version,
		"updateType": u.UpdateType,
		"entries":    len(u.Entries),
	})
}

func (s *Server) RequestLocalListVersion(w http.ResponseWriter, r *http.Request) {
	cmdId, err := s.EVDriver.RequestVersion(r.Context(), chi.URLParam(r, "stationId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"commandId": cmdId})
}

type remoteStartReq struct {
	IdToken models.IdToken `json:"idToken"`
	EvseId  *int           `json:"evseId,omitempty"`
}

func (s *Server) RemoteStart(w http.ResponseWriter, r *http.Request) {
	var req remoteStartReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IdToken.IdToken == "" {
		http.Error(w, "invalid json/idToken", http.StatusBadRequest)
		return
	}
	if req.IdToken.Type == "" {
		req.IdToken.Type = "ISO14443"
	}
	cmdId, err := s.EVDriver.RemoteStart(r.Context(), chi.URLParam(r, "stationId"), req.IdToken, req.EvseId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"commandId": cmdId})
}

type remoteStopReq struct {
	TransactionId string `json:"transactionId"`
}

func (s *Server) RemoteStop(w http.ResponseWriter, r *http.Request) {
	var req remoteStopReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransactionId == "" {
		http.Error(w, "invalid json/transactionId", http.StatusBadRequest)
		return
	}
	cmdId, err := s.EVDriver.RemoteStop(r.Context(), chi.URLParam(r, "stationId"), req.TransactionId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"commandId": cmdId})
}
