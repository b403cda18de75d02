package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"csms/internal/models"
	"csms/internal/store"

	"github.com/go-chi/chi/v5"
)

type createLocationReq struct {
	Name string `json:"name"`
}

func (s *Server) CreateLocation(w http.ResponseWriter, r *http.Request) {
	var req createLocationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "invalid json/name", http.StatusBadRequest)
		return
	}
	id, err := s.Store.CreateLocation(r.Context(), req.Name)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locationId": id, "name": req.Name})
}

type setLocationReq struct {
	LocationId int64 `json:"locationId"`
}

func (s *Server) SetStationLocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stationId")
	var req setLocationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LocationId <= 0 {
		http.Error(w, "invalid json/locationId", http.StatusBadRequest)
		return
	}
	if err := s.Store.SetStationLocation(r.Context(), id, req.LocationId); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTariffReq struct {
	PricePerKwh float64 `json:"pricePerKwh"`
	Currency    string  `json:"currency"`
}

func (s *Server) CreateTariff(w http.ResponseWriter, r *http.Request) {
	var req createTariffReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PricePerKwh <= 0 {
		http.Error(w, "invalid json/pricePerKwh", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	id, err := s.Store.UpsertTariff(r.Context(), models.Tariff{PricePerKwh: req.PricePerKwh, Currency: req.Currency})
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tariffId": id, "pricePerKwh": req.PricePerKwh, "currency": req.Currency})
}

type setTariffReq struct {
	TariffId int64 `json:"tariffId"`
}

// SetConnectorTariff attaches a tariff to a connector, creating the EVSE and
// connector rows when the station has not reported them yet.
func (s *Server) SetConnectorTariff(w http.ResponseWriter, r *http.Request) {
	stationId := chi.URLParam(r, "stationId")
	evseId, err1 := strconv.Atoi(chi.URLParam(r, "evseId"))
	connectorId, err2 := strconv.Atoi(chi.URLParam(r, "connectorId"))
	if err1 != nil || err2 != nil || evseId <= 0 || connectorId <= 0 {
		http.Error(w, "invalid evse/connector", http.StatusBadRequest)
		return
	}
	var req setTariffReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TariffId <= 0 {
		http.Error(w, "invalid json/tariffId", http.StatusBadRequest)
		return
	}

	err := s.Store.WithStation(r.Context(), stationId, func(ctx context.Context, q store.Queries) error {
		t, err := q.GetTariff(ctx, req.TariffId)
		if err != nil {
			return err
		}
		if t == nil {
			return store.ErrNotFound
		}
		evse, err := q.FindOrCreateEvse(ctx, stationId, evseId)
		if err != nil {
			return err
		}
		c, err := q.FindOrCreateConnector(ctx, stationId, evse.Id, connectorId)
		if err != nil {
			return err
		}
		return q.SetConnectorTariff(ctx, c.Id, req.TariffId)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
