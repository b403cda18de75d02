package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"csms/internal/models"
	"csms/internal/modules"
	"csms/internal/ocpp"

	"github.com/go-chi/chi/v5"
)

type createCommandReq struct {
	Action         string          `json:"action"`
	StationId      string          `json:"stationId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
}

func commandView(c *models.Command) map[string]any {
	return map[string]any{
		"commandId": c.CommandId,
		"stationId": c.StationId,
		"action":    c.Action,
		"status":    c.Status,
		"response":  json.RawMessage(c.ResponseJSON),
		"error":     c.Error,
		"createdAt": c.CreatedAt,
		"updatedAt": c.UpdatedAt,
	}
}

// CreateCommand sends a raw backend call. The station's answer is not awaited;
// poll GET /v1/commands/{commandId} for the outcome. A repeated idempotency key
// returns the command it first created.
func (s *Server) CreateCommand(w http.ResponseWriter, r *http.Request) {
	var req createCommandReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Action == "" || req.StationId == "" || req.IdempotencyKey == "" {
		http.Error(w, "missing action/stationId/idempotencyKey", http.StatusBadRequest)
		return
	}
	if !isBackendAction(req.Action) {
		http.Error(w, "unsupported action", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	cmdId, err := s.Host.SendRaw(r.Context(), req.StationId, req.Action, req.Payload, "", req.IdempotencyKey)
	status := http.StatusAccepted
	switch {
	case errors.Is(err, modules.ErrDuplicateCommand):
		status = http.StatusOK
	case err != nil && cmdId == "":
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	case err != nil:
		status = http.StatusBadGateway
	}

	c, gerr := s.Store.GetCommand(r.Context(), cmdId)
	if gerr != nil || c == nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, status, commandView(c))
}

func (s *Server) GetCommand(w http.ResponseWriter, r *http.Request) {
	c, err := s.Store.GetCommand(r.Context(), chi.URLParam(r, "commandId"))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if c == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, commandView(c))
}

func isBackendAction(action string) bool {
	for _, a := range ocpp.BackendActions {
		if a == action {
			return true
		}
	}
	return false
}
