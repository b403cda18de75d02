package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"csms/internal/ocpp"
	"csms/internal/router"

	"github.com/go-chi/chi/v5"
)

type gatewaySessionReq struct {
	Protocol string `json:"protocol"`
}

func (s *Server) gatewaySession(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	if s.Gateway == nil {
		http.Error(w, "gateway mode disabled", http.StatusServiceUnavailable)
		return "", "", false
	}
	id := chi.URLParam(r, "stationId")
	var req gatewaySessionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return "", "", false
	}
	for _, p := range ocpp.Subprotocols {
		if p == req.Protocol {
			return id, req.Protocol, true
		}
	}
	http.Error(w, "unsupported protocol", http.StatusBadRequest)
	return "", "", false
}

// GatewayConnect registers a station session terminated by the gateway.
func (s *Server) GatewayConnect(w http.ResponseWriter, r *http.Request) {
	id, protocol, ok := s.gatewaySession(w, r)
	if !ok {
		return
	}
	if err := s.Router.RegisterConnection(r.Context(), id, s.Gateway.Connection(id, protocol)); err != nil {
		http.Error(w, "register failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) GatewayDisconnect(w http.ResponseWriter, r *http.Request) {
	id, protocol, ok := s.gatewaySession(w, r)
	if !ok {
		return
	}
	s.Router.DeregisterConnection(r.Context(), id, s.Gateway.Connection(id, protocol))
	w.WriteHeader(http.StatusNoContent)
}

// GatewayFrame ingests one raw OCPP-J frame a station sent to the gateway.
func (s *Server) GatewayFrame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stationId")
	raw, err := readAll(r, 2<<20)
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	err = s.Router.HandleFrame(r.Context(), id, raw)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, router.ErrNotConnected):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
