// Package broker is the publish/subscribe transport between station sessions and
// the business modules. Topics are addressed by origin, direction and station.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Origin string

const (
	OriginStation Origin = "station"
	OriginBackend Origin = "backend"
)

type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

var ErrClosed = errors.New("broker closed")

// Context travels with every envelope and identifies the exchange it belongs to.
type Context struct {
	CorrelationId string    `json:"correlationId"`
	StationId     string    `json:"stationId"`
	TenantId      string    `json:"tenantId"`
	Protocol      string    `json:"protocol,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Error is set on response envelopes that carry a CallError instead of a result.
type Error struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Details     json.RawMessage `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

type Envelope struct {
	Origin    Origin          `json:"origin"`
	Direction Direction       `json:"direction"`
	Action    string          `json:"action"`
	Context   Context         `json:"context"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Filter selects envelopes by topic attributes. An empty StationId matches every
// station.
type Filter struct {
	Origin    Origin
	Direction Direction
	StationId string
}

func (f Filter) Matches(e Envelope) bool {
	if f.Origin != e.Origin || f.Direction != e.Direction {
		return false
	}
	return f.StationId == "" || f.StationId == e.Context.StationId
}

func (f Filter) String() string {
	station := f.StationId
	if station == "" {
		station = "*"
	}
	return fmt.Sprintf("%s:%s:%s", f.Origin, f.Direction, station)
}

// Handler consumes one envelope. Envelopes for one subscription are delivered in
// publish order, one at a time.
type Handler func(ctx context.Context, env Envelope)

type Subscription interface {
	Unsubscribe() error
}

type Broker interface {
	// Publish returns once the envelope is accepted for delivery.
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, filter Filter, h Handler) (Subscription, error)
	Close() error
}

func FilterFor(e Envelope) Filter {
	return Filter{Origin: e.Origin, Direction: e.Direction, StationId: e.Context.StationId}
}
