package httpapi

import (
	"net/http"

	"csms/internal/config"
	"csms/internal/gatewayclient"
	"csms/internal/metrics"
	"csms/internal/modules"
	"csms/internal/router"
	"csms/internal/services"
	"csms/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type Server struct {
	Cfg       config.Config
	Store     store.Store
	Router    *router.Router
	Host      *modules.Host
	EVDriver  *modules.EVDriver
	LocalList *services.LocalListService
	Tx        *services.TransactionService
	// Gateway is set in gateway mode; Sessions serves station websockets otherwise.
	Gateway  *gatewayclient.Client
	Sessions http.Handler
	Log      *logrus.Entry
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.InstrumentHandler)
	if s.Log != nil {
		r.Use(accessLog(s.Log))
	}

	if s.Sessions != nil {
		r.Handle("/ocpp/{stationId}", s.Sessions)
	}

	r.Route("/v1/gateway", func(r chi.Router) {
		r.Use(bearer(s.Cfg.GatewayAPIKey))
		r.Post("/stations/{stationId}/connect", s.GatewayConnect)
		r.Post("/stations/{stationId}/frames", s.GatewayFrame)
		r.Post("/stations/{stationId}/disconnect", s.GatewayDisconnect)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(bearer(s.Cfg.AdminAPIKey))

		r.Get("/stations/{stationId}", s.GetStation)
		r.Get("/stations/{stationId}/connectors", s.ListConnectors)
		r.Get("/stations/{stationId}/transactions", s.ListTransactions)
		r.Get("/stations/{stationId}/transactions/{transactionId}", s.GetTransaction)
		r.Put("/stations/{stationId}/location", s.SetStationLocation)
		r.Put("/stations/{stationId}/evses/{evseId}/connectors/{connectorId}/tariff", s.SetConnectorTariff)

		r.Get("/stations/{stationId}/local-list", s.GetLocalList)
		r.Post("/stations/{stationId}/local-list", s.PushLocalList)
		r.Post("/stations/{stationId}/local-list/version", s.RequestLocalListVersion)

		r.Post("/stations/{stationId}/remote-start", s.RemoteStart)
		r.Post("/stations/{stationId}/remote-stop", s.RemoteStop)

		r.Post("/locations", s.CreateLocation)
		r.Post("/tariffs", s.CreateTariff)

		r.Post("/commands", s.CreateCommand)
		r.Get("/commands/{commandId}", s.GetCommand)
	})

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}
