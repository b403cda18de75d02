// Package router carries OCPP frames between station connections and the broker.
// It correlates backend calls with the station's answers but does not interpret
// payloads.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"csms/internal/broker"
	"csms/internal/metrics"
	"csms/internal/models"
	"csms/internal/ocpp"

	"github.com/sirupsen/logrus"
	clock "go.llib.dev/testcase/clock"
)

var (
	ErrNotConnected = errors.New("station not connected")
	ErrUnknownCall  = errors.New("no pending call for correlation id")
	// ErrCallTimeout is reported for backend calls the station never answered.
	ErrCallTimeout = errors.New("call timed out")
)

// Connection is a station's live transport session.
type Connection interface {
	Protocol() string
	Send(ctx context.Context, frame []byte) error
}

// StationRegistry persists the connection facts the router owns.
type StationRegistry interface {
	SetStationOnline(ctx context.Context, id string, online bool, at time.Time) error
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
	InsertMessage(ctx context.Context, m models.OcppMessage) error
}

type Options struct {
	TenantId string
	// CallTimeout bounds how long a backend call waits for the station's answer.
	CallTimeout time.Duration
	// SerializeCalls keeps at most one backend call outstanding per station.
	SerializeCalls bool
}

type Router struct {
	broker   broker.Broker
	stations StationRegistry
	opts     Options
	log      *logrus.Entry

	mu      sync.Mutex
	conns   map[string]*station
	pending map[pendingKey]*pendingCall
}

type station struct {
	id   string
	conn Connection
	subs []broker.Subscription

	// guarded by Router.mu
	outstanding string
	queue       []broker.Envelope
}

func New(b broker.Broker, stations StationRegistry, opts Options, log *logrus.Entry) *Router {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Router{
		broker:   b,
		stations: stations,
		opts:     opts,
		log:      log,
		conns:    make(map[string]*station),
		pending:  make(map[pendingKey]*pendingCall),
	}
}

// RegisterConnection subscribes to the backend's requests and responses for the
// station. Both subscriptions must succeed; on failure nothing stays registered.
// A previous connection for the same station is replaced.
func (r *Router) RegisterConnection(ctx context.Context, stationId string, conn Connection) error {
	st := &station{id: stationId, conn: conn}

	r.mu.Lock()
	prev := r.conns[stationId]
	r.conns[stationId] = st
	r.mu.Unlock()
	if prev != nil {
		r.teardown(ctx, prev, "replaced by a new connection")
	}

	reqSub, err := r.broker.Subscribe(ctx, broker.Filter{Origin: broker.OriginBackend, Direction: broker.DirectionRequest, StationId: stationId}, r.onMessage)
	if err != nil {
		r.forget(st)
		r.log.WithError(err).WithField("station_id", stationId).Error("subscribe to backend requests failed")
		return fmt.Errorf("register %s: %w", stationId, err)
	}
	respSub, err := r.broker.Subscribe(ctx, broker.Filter{Origin: broker.OriginBackend, Direction: broker.DirectionResponse, StationId: stationId}, r.onMessage)
	if err != nil {
		_ = reqSub.Unsubscribe()
		r.forget(st)
		r.log.WithError(err).WithField("station_id", stationId).Error("subscribe to backend responses failed")
		return fmt.Errorf("register %s: %w", stationId, err)
	}

	r.mu.Lock()
	st.subs = []broker.Subscription{reqSub, respSub}
	n := len(r.conns)
	r.mu.Unlock()
	metrics.SetConnectedStations(n)

	if err := r.stations.SetStationOnline(ctx, stationId, true, clock.Now().UTC()); err != nil {
		r.log.WithError(err).WithField("station_id", stationId).Warn("mark online failed")
	}
	r.log.WithFields(logrus.Fields{"station_id": stationId, "protocol": conn.Protocol()}).Info("station connected")
	return nil
}

func (r *Router) forget(st *station) {
	r.mu.Lock()
	if r.conns[st.id] == st {
		delete(r.conns, st.id)
	}
	r.mu.Unlock()
}

// DeregisterConnection drops conn if it is still the station's current
// connection. Outstanding and queued backend calls fail immediately.
func (r *Router) DeregisterConnection(ctx context.Context, stationId string, conn Connection) {
	r.mu.Lock()
	st := r.conns[stationId]
	if st == nil || st.conn != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, stationId)
	n := len(r.conns)
	r.mu.Unlock()

	r.teardown(ctx, st, "station disconnected")
	metrics.SetConnectedStations(n)

	if err := r.stations.SetStationOnline(ctx, stationId, false, clock.Now().UTC()); err != nil {
		r.log.WithError(err).WithField("station_id", stationId).Warn("mark offline failed")
	}
	r.log.WithField("station_id", stationId).Info("station disconnected")
}

func (r *Router) teardown(ctx context.Context, st *station, reason string) {
	r.mu.Lock()
	subs := st.subs
	st.subs = nil
	queued := st.queue
	st.queue = nil
	var calls []*pendingCall
	for k, pc := range r.pending {
		if pc.station == st {
			pc.timer.Stop()
			delete(r.pending, k)
			calls = append(calls, pc)
		}
	}
	st.outstanding = ""
	r.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	for _, pc := range calls {
		r.publishFailure(ctx, st.id, pc.correlationId, pc.action, ocpp.ErrorGenericError, reason)
	}
	for _, env := range queued {
		r.publishFailure(ctx, st.id, env.Context.CorrelationId, env.Action, ocpp.ErrorGenericError, reason)
	}
}

func (r *Router) Connected(stationId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[stationId]
	return ok
}

// Stations returns the ids of every connected station, sorted.
func (r *Router) Stations() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Router) protocol(stationId string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.conns[stationId]; st != nil {
		return st.conn.Protocol()
	}
	return ""
}

func (r *Router) envelope(stationId, correlationId, action string, dir broker.Direction, payload json.RawMessage) broker.Envelope {
	return broker.Envelope{
		Origin:    broker.OriginStation,
		Direction: dir,
		Action:    action,
		Context: broker.Context{
			CorrelationId: correlationId,
			StationId:     stationId,
			TenantId:      r.opts.TenantId,
			Protocol:      r.protocol(stationId),
			Timestamp:     clock.Now().UTC(),
		},
		Payload: payload,
	}
}

// RouteCall publishes a station-originated request for the module owning action.
// It returns once the envelope is accepted by the broker.
func (r *Router) RouteCall(ctx context.Context, stationId, correlationId, action string, payload json.RawMessage) error {
	env := r.envelope(stationId, correlationId, action, broker.DirectionRequest, payload)
	return r.publish(ctx, env)
}

// RouteCallResult publishes the station's answer to a backend call. An empty
// action is taken from the pending call.
func (r *Router) RouteCallResult(ctx context.Context, stationId, correlationId, action string, payload json.RawMessage) error {
	pc := r.resolve(ctx, stationId, correlationId)
	if action == "" {
		if pc == nil {
			r.log.WithFields(logrus.Fields{"station_id": stationId, "correlation_id": correlationId}).Warn("result for unknown call dropped")
			return fmt.Errorf("%w: %s", ErrUnknownCall, correlationId)
		}
		action = pc.action
	}
	env := r.envelope(stationId, correlationId, action, broker.DirectionResponse, payload)
	return r.publish(ctx, env)
}

// RouteCallError cancels the pending call and publishes the station's error on
// the same path results take, so the issuer learns about it the same way.
func (r *Router) RouteCallError(ctx context.Context, stationId, correlationId, code, description string, details json.RawMessage) error {
	pc := r.resolve(ctx, stationId, correlationId)
	if pc == nil {
		r.log.WithFields(logrus.Fields{"station_id": stationId, "correlation_id": correlationId, "code": code}).Warn("error for unknown call dropped")
		return fmt.Errorf("%w: %s", ErrUnknownCall, correlationId)
	}
	env := r.envelope(stationId, correlationId, pc.action, broker.DirectionResponse, nil)
	env.Error = &broker.Error{Code: code, Description: description, Details: details}
	return r.publish(ctx, env)
}

func (r *Router) publish(ctx context.Context, env broker.Envelope) error {
	log := r.log.WithFields(logrus.Fields{
		"station_id":     env.Context.StationId,
		"correlation_id": env.Context.CorrelationId,
		"action":         env.Action,
		"direction":      env.Direction,
	})
	if err := r.broker.Publish(ctx, env); err != nil {
		log.WithError(err).Error("publish failed")
		return err
	}
	metrics.RecordMessage(string(env.Origin), string(env.Direction), env.Action)
	r.record(ctx, env)
	return nil
}

func (r *Router) publishFailure(ctx context.Context, stationId, correlationId, action, code, description string) {
	env := r.envelope(stationId, correlationId, action, broker.DirectionResponse, nil)
	env.Error = &broker.Error{Code: code, Description: description}
	_ = r.publish(ctx, env)
}

func (r *Router) record(ctx context.Context, env broker.Envelope) {
	payload := []byte(env.Payload)
	if env.Error != nil {
		payload, _ = json.Marshal(env.Error)
	}
	err := r.stations.InsertMessage(ctx, models.OcppMessage{
		StationId:     env.Context.StationId,
		Origin:        string(env.Origin),
		Direction:     string(env.Direction),
		Action:        env.Action,
		CorrelationId: env.Context.CorrelationId,
		Timestamp:     env.Context.Timestamp,
		Payload:       payload,
	})
	if err != nil {
		r.log.WithError(err).WithField("station_id", env.Context.StationId).Warn("record message failed")
	}
}

// HandleFrame dispatches one raw frame received from a station. Malformed calls
// are answered with a CallError on the connection.
func (r *Router) HandleFrame(ctx context.Context, stationId string, raw []byte) error {
	r.mu.Lock()
	st := r.conns[stationId]
	r.mu.Unlock()
	if st == nil {
		return ErrNotConnected
	}
	if err := r.stations.TouchLastSeen(ctx, stationId, clock.Now().UTC()); err != nil {
		r.log.WithError(err).WithField("station_id", stationId).Warn("touch last seen failed")
	}

	f, err := ocpp.ParseFrame(raw)
	if err != nil {
		r.log.WithError(err).WithField("station_id", stationId).Warn("malformed frame")
		switch {
		case f.UniqueId == "":
		case f.Type == ocpp.TypeCall:
			r.reply(ctx, st, ocpp.NewCallError(f.UniqueId, ocpp.FormatViolation(st.conn.Protocol()), err.Error(), nil))
		case f.Type != ocpp.TypeCallResult && f.Type != ocpp.TypeCallError:
			r.reply(ctx, st, ocpp.NewCallError(f.UniqueId, ocpp.ErrorProtocolError, err.Error(), nil))
		}
		return err
	}

	switch f.Type {
	case ocpp.TypeCall:
		return r.RouteCall(ctx, stationId, f.UniqueId, f.Action, f.Payload)
	case ocpp.TypeCallResult:
		return r.RouteCallResult(ctx, stationId, f.UniqueId, "", f.Payload)
	default:
		return r.RouteCallError(ctx, stationId, f.UniqueId, f.ErrorCode, f.ErrorDescription, f.ErrorDetails)
	}
}

func (r *Router) reply(ctx context.Context, st *station, f ocpp.Frame) {
	b, err := f.Encode()
	if err == nil {
		err = st.conn.Send(ctx, b)
	}
	if err != nil {
		r.log.WithError(err).WithField("station_id", st.id).Warn("reply failed")
	}
}

// onMessage receives backend envelopes addressed to a station. Responses become
// CallResult or CallError frames, requests become Call frames. Delivery failures
// are logged and not retried.
func (r *Router) onMessage(ctx context.Context, env broker.Envelope) {
	stationId := env.Context.StationId
	r.mu.Lock()
	st := r.conns[stationId]
	r.mu.Unlock()
	log := r.log.WithFields(logrus.Fields{
		"station_id":     stationId,
		"correlation_id": env.Context.CorrelationId,
		"action":         env.Action,
	})
	if st == nil {
		log.Warn("no connection for envelope")
		return
	}

	switch env.Direction {
	case broker.DirectionResponse:
		var f ocpp.Frame
		if env.Error != nil {
			f = ocpp.NewCallError(env.Context.CorrelationId, env.Error.Code, env.Error.Description, env.Error.Details)
		} else {
			f = ocpp.NewCallResult(env.Context.CorrelationId, env.Payload)
		}
		if err := r.deliver(ctx, st, f); err != nil {
			log.WithError(err).Error("deliver response failed")
			return
		}
		metrics.RecordMessage(string(env.Origin), string(env.Direction), env.Action)
		r.record(ctx, env)
	case broker.DirectionRequest:
		r.admit(ctx, st, env)
	default:
		log.WithField("direction", env.Direction).Warn("unknown envelope direction")
	}
}

func (r *Router) deliver(ctx context.Context, st *station, f ocpp.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	return st.conn.Send(ctx, b)
}
