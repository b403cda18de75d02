package broker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Memory is an in-process broker for single-node deployments and tests.
type Memory struct {
	*fanout

	state  sync.RWMutex
	closed bool
}

func NewMemory(log *logrus.Entry) *Memory {
	return &Memory{fanout: newFanout(log.WithField("broker", "memory"))}
}

func (m *Memory) Publish(ctx context.Context, env Envelope) error {
	m.state.RLock()
	defer m.state.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.dispatch(ctx, env)
}

func (m *Memory) Subscribe(_ context.Context, filter Filter, h Handler) (Subscription, error) {
	m.state.RLock()
	defer m.state.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.add(filter, h), nil
}

func (m *Memory) Close() error {
	m.state.Lock()
	m.closed = true
	m.state.Unlock()
	m.closeAll()
	return nil
}
