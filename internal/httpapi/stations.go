package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) GetStation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stationId")
	st, err := s.Store.GetStation(r.Context(), id)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if st == nil {
		http.NotFound(w, r)
		return
	}
	boot, err := s.Store.GetBootRecord(r.Context(), id)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	out := map[string]any{
		"stationId":  st.StationId,
		"isOnline":   st.IsOnline,
		"connected":  s.Router.Connected(id),
		"protocol":   st.Protocol,
		"vendor":     st.Vendor,
		"model":      st.Model,
		"locationId": st.LocationId,
		"lastSeenAt": st.LastSeenAt,
		"createdAt":  st.CreatedAt,
		"updatedAt":  st.UpdatedAt,
	}
	if boot != nil {
		out["registration"] = map[string]any{
			"status":            boot.Status,
			"lastBootTime":      boot.LastBootTime,
			"pendingVariables":  boot.PendingVariables,
			"rejectedVariables": boot.RejectedVariables,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) ListConnectors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stationId")
	items, err := s.Store.ListConnectorStatuses(r.Context(), id)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stationId")
	items, err := s.Tx.List(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.Tx.Get(r.Context(), chi.URLParam(r, "stationId"), chi.URLParam(r, "transactionId"))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if tx == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
