package router

import (
	"context"
	"fmt"
	"time"

	"csms/internal/broker"
	"csms/internal/metrics"
	"csms/internal/ocpp"

	"github.com/sirupsen/logrus"
	clock "go.llib.dev/testcase/clock"
)

type pendingKey struct {
	station     string
	correlation string
}

// pendingCall is a backend call sent to a station and not yet answered.
type pendingCall struct {
	station       *station
	correlationId string
	action        string
	issuedAt      time.Time
	timer         *time.Timer
}

// admit sends a backend call now, or queues it behind the station's outstanding
// call when calls are serialized.
func (r *Router) admit(ctx context.Context, st *station, env broker.Envelope) {
	corr := env.Context.CorrelationId
	log := r.log.WithFields(logrus.Fields{"station_id": st.id, "correlation_id": corr, "action": env.Action})

	r.mu.Lock()
	if r.conns[st.id] != st {
		r.mu.Unlock()
		log.Warn("call for a closed connection")
		return
	}
	if _, dup := r.pending[pendingKey{st.id, corr}]; dup {
		r.mu.Unlock()
		log.Warn("duplicate correlation id, call dropped")
		return
	}
	if r.opts.SerializeCalls && st.outstanding != "" {
		st.queue = append(st.queue, env)
		depth := len(st.queue)
		r.mu.Unlock()
		log.WithField("queue_depth", depth).Debug("call queued behind outstanding call")
		return
	}
	r.startLocked(st, env)
	r.mu.Unlock()

	r.send(ctx, st, env)
}

func (r *Router) startLocked(st *station, env broker.Envelope) {
	corr := env.Context.CorrelationId
	pc := &pendingCall{
		station:       st,
		correlationId: corr,
		action:        env.Action,
		issuedAt:      clock.Now().UTC(),
	}
	pc.timer = time.AfterFunc(r.opts.CallTimeout, func() { r.expire(st.id, pc) })
	r.pending[pendingKey{st.id, corr}] = pc
	if r.opts.SerializeCalls {
		st.outstanding = corr
	}
}

func (r *Router) send(ctx context.Context, st *station, env broker.Envelope) {
	corr := env.Context.CorrelationId
	if err := r.deliver(ctx, st, ocpp.NewCall(corr, env.Action, env.Payload)); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"station_id":     st.id,
			"correlation_id": corr,
			"action":         env.Action,
		}).Error("deliver call failed")
		if pc := r.resolve(ctx, st.id, corr); pc != nil {
			r.publishFailure(ctx, st.id, corr, env.Action, ocpp.ErrorGenericError, "delivery failed: "+err.Error())
		}
		return
	}
	metrics.RecordMessage(string(env.Origin), string(env.Direction), env.Action)
	r.record(ctx, env)
}

// resolve removes the pending call for correlationId, if any, and starts the
// next queued call of the station.
func (r *Router) resolve(ctx context.Context, stationId, correlationId string) *pendingCall {
	key := pendingKey{stationId, correlationId}
	r.mu.Lock()
	pc := r.pending[key]
	if pc == nil {
		r.mu.Unlock()
		return nil
	}
	pc.timer.Stop()
	delete(r.pending, key)
	next, ok := r.advanceLocked(pc.station, correlationId)
	r.mu.Unlock()

	if ok {
		r.send(ctx, pc.station, next)
	}
	return pc
}

func (r *Router) advanceLocked(st *station, correlationId string) (broker.Envelope, bool) {
	if st.outstanding != correlationId {
		return broker.Envelope{}, false
	}
	st.outstanding = ""
	if len(st.queue) == 0 || r.conns[st.id] != st {
		return broker.Envelope{}, false
	}
	next := st.queue[0]
	st.queue = st.queue[1:]
	r.startLocked(st, next)
	return next, true
}

func (r *Router) expire(stationId string, pc *pendingCall) {
	key := pendingKey{stationId, pc.correlationId}
	r.mu.Lock()
	if r.pending[key] != pc {
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	next, ok := r.advanceLocked(pc.station, pc.correlationId)
	r.mu.Unlock()

	ctx := context.Background()
	r.log.WithFields(logrus.Fields{
		"station_id":     stationId,
		"correlation_id": pc.correlationId,
		"action":         pc.action,
		"issued_at":      pc.issuedAt,
	}).Warn("call timed out")
	metrics.RecordCallTimeout(pc.action)
	r.publishFailure(ctx, stationId, pc.correlationId, pc.action, ocpp.ErrorTimeout,
		fmt.Sprintf("no answer within %s", r.opts.CallTimeout))

	if ok {
		r.send(ctx, pc.station, next)
	}
}

// Pending reports how many backend calls await an answer.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ErrorOf returns the failure carried by a response envelope, or nil. Timeouts
// wrap ErrCallTimeout.
func ErrorOf(env broker.Envelope) error {
	if env.Error == nil {
		return nil
	}
	if env.Error.Code == ocpp.ErrorTimeout {
		return fmt.Errorf("%w: %s", ErrCallTimeout, env.Error.Description)
	}
	return env.Error
}
