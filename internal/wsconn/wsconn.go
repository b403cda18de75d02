// Package wsconn terminates OCPP-J websocket sessions and hands their frames to
// the router.
package wsconn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"csms/internal/ocpp"
	"csms/internal/router"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Router is the part of router.Router a session talks to.
type Router interface {
	RegisterConnection(ctx context.Context, stationId string, conn router.Connection) error
	DeregisterConnection(ctx context.Context, stationId string, conn router.Connection)
	HandleFrame(ctx context.Context, stationId string, raw []byte) error
}

type Options struct {
	// Rate and Burst limit inbound frames per session. Zero rate disables the limit.
	Rate         float64
	Burst        int
	PingInterval time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int64
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 1 << 20
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	return o
}

// Server upgrades /ocpp/{stationId} requests into station sessions.
type Server struct {
	router   Router
	opts     Options
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewServer(r Router, opts Options, log *logrus.Entry) *Server {
	return &Server{
		router: r,
		opts:   opts.withDefaults(),
		upgrader: websocket.Upgrader{
			Subprotocols: ocpp.Subprotocols,
			// stations are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.WithField("component", "wsconn"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stationId := chi.URLParam(r, "stationId")
	if stationId == "" {
		http.Error(w, "station id required", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).WithField("station_id", stationId).Warn("upgrade failed")
		return
	}
	log := s.log.WithField("station_id", stationId)

	if ws.Subprotocol() == "" {
		log.Warn("no supported ocpp subprotocol offered")
		msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, "unsupported subprotocol")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
		_ = ws.Close()
		return
	}

	sess := &session{ws: ws, protocol: ws.Subprotocol(), writeTimeout: s.opts.WriteTimeout}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.router.RegisterConnection(ctx, stationId, sess); err != nil {
		log.WithError(err).Error("register session failed")
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registration failed")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
		_ = ws.Close()
		return
	}
	defer func() {
		s.router.DeregisterConnection(context.Background(), stationId, sess)
		_ = ws.Close()
	}()

	go s.keepAlive(ctx, sess)
	s.readLoop(ctx, stationId, sess, log)
}

func (s *Server) readLoop(ctx context.Context, stationId string, sess *session, log *logrus.Entry) {
	ws := sess.ws
	ws.SetReadLimit(s.opts.MaxFrameSize)
	deadline := func() { _ = ws.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval)) }
	deadline()
	ws.SetPongHandler(func(string) error { deadline(); return nil })

	var limiter *rate.Limiter
	if s.opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.Rate), s.opts.Burst)
	}

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("session closed")
			} else {
				log.Info("session ended")
			}
			return
		}
		deadline()
		if kind != websocket.TextMessage {
			log.WithField("kind", kind).Debug("non-text frame ignored")
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		if err := s.router.HandleFrame(ctx, stationId, data); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Debug("frame not handled")
		}
	}
}

func (s *Server) keepAlive(ctx context.Context, sess *session) {
	t := time.NewTicker(s.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sess.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// session is a router.Connection over one websocket.
type session struct {
	ws           *websocket.Conn
	protocol     string
	writeTimeout time.Duration

	mu sync.Mutex
}

func (s *session) Protocol() string { return s.protocol }

func (s *session) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}
