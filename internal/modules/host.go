package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"csms/internal/broker"
	"csms/internal/metrics"
	"csms/internal/models"
	"csms/internal/ocpp"
	"csms/internal/router"
	"csms/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	clock "go.llib.dev/testcase/clock"
)

// CallError lets a handler answer with a specific OCPP error code.
type CallError struct {
	Code        string
	Description string
}

func (e *CallError) Error() string { return e.Code + ": " + e.Description }

var ErrDuplicateCommand = errors.New("idempotency key already used")

// Host consumes station envelopes from the broker, dispatches them through the
// action table and publishes the answers. It also issues backend calls.
type Host struct {
	broker   broker.Broker
	commands store.CommandStore
	stations store.StationStore
	table    *Table
	tenantId string
	log      *logrus.Entry

	subs []broker.Subscription
}

func NewHost(b broker.Broker, s store.Store, table *Table, tenantId string, log *logrus.Entry) *Host {
	return &Host{broker: b, commands: s, stations: s, table: table, tenantId: tenantId, log: log}
}

// Start subscribes to station requests and responses for every station.
func (h *Host) Start(ctx context.Context) error {
	reqSub, err := h.broker.Subscribe(ctx, broker.Filter{Origin: broker.OriginStation, Direction: broker.DirectionRequest}, h.onRequest)
	if err != nil {
		return fmt.Errorf("subscribe station requests: %w", err)
	}
	respSub, err := h.broker.Subscribe(ctx, broker.Filter{Origin: broker.OriginStation, Direction: broker.DirectionResponse}, h.onResponse)
	if err != nil {
		_ = reqSub.Unsubscribe()
		return fmt.Errorf("subscribe station responses: %w", err)
	}
	h.subs = []broker.Subscription{reqSub, respSub}
	return nil
}

func (h *Host) Stop() {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	h.subs = nil
}

func (h *Host) onRequest(ctx context.Context, env broker.Envelope) {
	req := Request{
		StationId:     env.Context.StationId,
		CorrelationId: env.Context.CorrelationId,
		Action:        env.Action,
		Protocol:      env.Context.Protocol,
		Payload:       env.Payload,
	}
	log := h.log.WithFields(logrus.Fields{
		"station_id":     req.StationId,
		"correlation_id": req.CorrelationId,
		"action":         req.Action,
	})

	entry, ok := h.table.call(req.Action)
	if !ok {
		log.Warn("no module owns action")
		h.respond(ctx, env, nil, &broker.Error{Code: ocpp.ErrorNotImplemented, Description: "action " + req.Action + " is not implemented"})
		return
	}

	start := time.Now()
	out, err := entry.handler(ctx, req)
	metrics.RecordHandler(req.Action, time.Since(start), err)
	if err != nil {
		log.WithError(err).WithField("module", entry.module).Warn("call handler failed")
		h.respond(ctx, env, nil, callErrorFor(err, req.Protocol))
		return
	}

	var then func(context.Context)
	if r, ok := out.(Reply); ok {
		out, then = r.Payload, r.Then
	}
	payload, err := ocpp.Encode(out)
	if err != nil {
		log.WithError(err).Error("encode response failed")
		h.respond(ctx, env, nil, &broker.Error{Code: ocpp.ErrorInternalError, Description: "response could not be encoded"})
		return
	}
	if h.respond(ctx, env, payload, nil) && then != nil {
		then(ctx)
	}
}

func callErrorFor(err error, protocol string) *broker.Error {
	var ce *CallError
	switch {
	case errors.As(err, &ce):
		return &broker.Error{Code: ce.Code, Description: ce.Description}
	case errors.Is(err, ocpp.ErrInvalidPayload):
		return &broker.Error{Code: ocpp.FormatViolation(protocol), Description: err.Error()}
	}
	return &broker.Error{Code: ocpp.ErrorInternalError, Description: "internal error"}
}

func (h *Host) respond(ctx context.Context, req broker.Envelope, payload json.RawMessage, callErr *broker.Error) bool {
	env := broker.Envelope{
		Origin:    broker.OriginBackend,
		Direction: broker.DirectionResponse,
		Action:    req.Action,
		Context: broker.Context{
			CorrelationId: req.Context.CorrelationId,
			StationId:     req.Context.StationId,
			TenantId:      h.tenantId,
			Protocol:      req.Context.Protocol,
			Timestamp:     clock.Now().UTC(),
		},
		Payload: payload,
		Error:   callErr,
	}
	if err := h.broker.Publish(ctx, env); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"station_id":     env.Context.StationId,
			"correlation_id": env.Context.CorrelationId,
			"action":         env.Action,
		}).Error("publish response failed")
		return false
	}
	return true
}

func (h *Host) onResponse(ctx context.Context, env broker.Envelope) {
	res := Result{
		StationId:     env.Context.StationId,
		CorrelationId: env.Context.CorrelationId,
		Action:        env.Action,
		Protocol:      env.Context.Protocol,
		Payload:       env.Payload,
		Err:           router.ErrorOf(env),
	}
	log := h.log.WithFields(logrus.Fields{
		"station_id":     res.StationId,
		"correlation_id": res.CorrelationId,
		"action":         res.Action,
	})
	h.settle(ctx, res, log)

	entry, ok := h.table.result(res.Action)
	if !ok {
		log.Warn("no module owns result")
		return
	}
	start := time.Now()
	err := entry.handler(ctx, res)
	metrics.RecordHandler(res.Action+"Result", time.Since(start), err)
	if err != nil {
		log.WithError(err).WithField("module", entry.module).Warn("result handler failed")
	}
}

// settle records the outcome on the command log.
func (h *Host) settle(ctx context.Context, res Result, log *logrus.Entry) {
	status := models.CommandAcked
	var msg *string
	switch {
	case errors.Is(res.Err, router.ErrCallTimeout):
		status = models.CommandTimedOut
	case res.Err != nil:
		status = models.CommandFailed
	}
	if res.Err != nil {
		m := res.Err.Error()
		msg = &m
	}
	err := h.commands.MarkCommand(ctx, res.CorrelationId, status, res.Payload, msg)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithError(err).Warn("mark command failed")
	}
}

// Call is a backend-initiated request for one station.
type Call struct {
	StationId string
	Action    string
	Payload   any
	// CorrelationId is generated when empty.
	CorrelationId  string
	IdempotencyKey string
}

// Send logs call as a command and publishes it for the station's connection.
// It returns the correlation id, which is also the command id.
func (h *Host) Send(ctx context.Context, call Call) (string, error) {
	payload, err := ocpp.Encode(call.Payload)
	if err != nil {
		return "", fmt.Errorf("send %s to %s: %w", call.Action, call.StationId, err)
	}
	return h.SendRaw(ctx, call.StationId, call.Action, payload, call.CorrelationId, call.IdempotencyKey)
}

// SendRaw is Send for a payload that is already encoded.
func (h *Host) SendRaw(ctx context.Context, stationId, action string, payload json.RawMessage, correlationId, idempotencyKey string) (string, error) {
	if correlationId == "" {
		correlationId = uuid.NewString()
	}
	cmd := models.Command{
		CommandId:   correlationId,
		StationId:   stationId,
		Action:      action,
		PayloadJSON: payload,
		Status:      models.CommandQueued,
	}
	if idempotencyKey != "" {
		existing, err := h.commands.GetCommandByIdempotency(ctx, idempotencyKey)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return existing.CommandId, ErrDuplicateCommand
		}
		cmd.IdempotencyKey = &idempotencyKey
	}
	if err := h.commands.CreateCommand(ctx, cmd); err != nil {
		return "", fmt.Errorf("log command %s: %w", action, err)
	}

	protocol := ""
	if st, err := h.stations.GetStation(ctx, stationId); err == nil && st != nil {
		protocol = st.Protocol
	}
	env := broker.Envelope{
		Origin:    broker.OriginBackend,
		Direction: broker.DirectionRequest,
		Action:    action,
		Context: broker.Context{
			CorrelationId: correlationId,
			StationId:     stationId,
			TenantId:      h.tenantId,
			Protocol:      protocol,
			Timestamp:     clock.Now().UTC(),
		},
		Payload: payload,
	}
	// marked before publishing: the answer may arrive before Publish returns
	if err := h.commands.MarkCommand(ctx, correlationId, models.CommandSent, nil, nil); err != nil {
		h.log.WithError(err).WithField("command_id", correlationId).Warn("mark command sent failed")
	}
	if err := h.broker.Publish(ctx, env); err != nil {
		msg := err.Error()
		_ = h.commands.MarkCommand(ctx, correlationId, models.CommandFailed, nil, &msg)
		return correlationId, fmt.Errorf("send %s to %s: %w", action, stationId, err)
	}
	h.log.WithFields(logrus.Fields{
		"station_id":     stationId,
		"correlation_id": correlationId,
		"action":         action,
	}).Info("call sent")
	return correlationId, nil
}

// Protocol returns the protocol the station last booted with.
func (h *Host) Protocol(ctx context.Context, stationId string) (string, error) {
	st, err := h.stations.GetStation(ctx, stationId)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", fmt.Errorf("station %s: %w", stationId, store.ErrNotFound)
	}
	return st.Protocol, nil
}
