package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Redis publishes envelopes on pub/sub channels named
// <prefix>:<origin>:<direction>:<station>.
type Redis struct {
	client *redis.Client
	prefix string
	log    *logrus.Entry

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

func NewRedis(client *redis.Client, prefix string, log *logrus.Entry) *Redis {
	if prefix == "" {
		prefix = "ocpp"
	}
	return &Redis{
		client: client,
		prefix: prefix,
		log:    log.WithField("broker", "redis"),
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func (r *Redis) channel(f Filter) string {
	station := f.StationId
	if station == "" {
		station = "*"
	}
	return fmt.Sprintf("%s:%s:%s:%s", r.prefix, f.Origin, f.Direction, station)
}

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	ch := r.channel(FilterFor(env))
	if err := r.client.Publish(ctx, ch, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", ch, err)
	}
	return nil
}

type redisSubscription struct {
	parent *Redis
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
		err = s.pubsub.Close()
	})
	return err
}

// Subscribe confirms the subscription with the server before returning. A filter
// without a station uses a pattern subscription.
func (r *Redis) Subscribe(ctx context.Context, filter Filter, h Handler) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	ch := r.channel(filter)
	var ps *redis.PubSub
	if filter.StationId == "" {
		ps = r.client.PSubscribe(ctx, ch)
	} else {
		ps = r.client.Subscribe(ctx, ch)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", ch, err)
	}

	sub := &redisSubscription{parent: r, pubsub: ps}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go r.consume(sub, filter, h)
	return sub, nil
}

func (r *Redis) consume(sub *redisSubscription, filter Filter, h Handler) {
	for msg := range sub.pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.log.WithError(err).WithField("channel", msg.Channel).Warn("dropping undecodable envelope")
			continue
		}
		if !filter.Matches(env) {
			continue
		}
		h(context.Background(), env)
	}
}

// Close tears down every subscription. The client stays open; it belongs to the
// caller.
func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := make([]*redisSubscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}
