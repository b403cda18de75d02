package broker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

const queueSize = 256

// fanout delivers envelopes to in-process subscriptions. Each subscription owns
// a queue and a goroutine so a slow handler never stalls the others.
type fanout struct {
	log *logrus.Entry

	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

func newFanout(log *logrus.Entry) *fanout {
	return &fanout{log: log, subs: make(map[*subscription]struct{})}
}

type subscription struct {
	parent  *fanout
	filter  Filter
	handler Handler
	queue   chan Envelope
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func (f *fanout) add(filter Filter, h Handler) *subscription {
	s := &subscription{
		parent:  f,
		filter:  filter,
		handler: h,
		queue:   make(chan Envelope, queueSize),
		done:    make(chan struct{}),
	}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go s.run()
	return s
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.queue:
			s.deliver(env)
		}
	}
}

func (s *subscription) deliver(env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.parent.log.WithFields(logrus.Fields{
				"filter":         s.filter.String(),
				"action":         env.Action,
				"correlation_id": env.Context.CorrelationId,
			}).Errorf("subscriber panic: %v", r)
		}
	}()
	s.handler(context.Background(), env)
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// dispatch enqueues env on every matching subscription, waiting for queue space
// until ctx is done.
func (f *fanout) dispatch(ctx context.Context, env Envelope) error {
	f.mu.RLock()
	var targets []*subscription
	for s := range f.subs {
		if s.filter.Matches(env) {
			targets = append(targets, s)
		}
	}
	f.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.queue <- env:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fanout) empty() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs) == 0
}

func (f *fanout) closeAll() {
	f.mu.RLock()
	subs := make([]*subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.RUnlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}
