package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"csms/internal/logging"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(station, action, corr string) Envelope {
	return Envelope{
		Origin:    OriginStation,
		Direction: DirectionRequest,
		Action:    action,
		Context: Context{
			CorrelationId: corr,
			StationId:     station,
			TenantId:      "t1",
			Timestamp:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		},
		Payload: json.RawMessage(`{}`),
	}
}

type collector struct {
	mu   sync.Mutex
	envs []Envelope
	got  chan struct{}
}

func newCollector() *collector { return &collector{got: make(chan struct{}, 64)} }

func (c *collector) handle(_ context.Context, env Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []Envelope {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for envelope %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envs...)
}

func TestFilterMatches(t *testing.T) {
	env := envelope("cs-1", "Heartbeat", "1")
	assert.True(t, Filter{Origin: OriginStation, Direction: DirectionRequest}.Matches(env))
	assert.True(t, Filter{Origin: OriginStation, Direction: DirectionRequest, StationId: "cs-1"}.Matches(env))
	assert.False(t, Filter{Origin: OriginStation, Direction: DirectionRequest, StationId: "cs-2"}.Matches(env))
	assert.False(t, Filter{Origin: OriginBackend, Direction: DirectionRequest}.Matches(env))
	assert.False(t, Filter{Origin: OriginStation, Direction: DirectionResponse}.Matches(env))
}

func TestMemory_DeliversInOrderToMatchingSubscribers(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(logging.Discard())
	defer b.Close()

	all := newCollector()
	one := newCollector()
	_, err := b.Subscribe(ctx, Filter{Origin: OriginStation, Direction: DirectionRequest}, all.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, Filter{Origin: OriginStation, Direction: DirectionRequest, StationId: "cs-2"}, one.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, envelope("cs-1", "Heartbeat", "1")))
	require.NoError(t, b.Publish(ctx, envelope("cs-2", "Heartbeat", "2")))
	require.NoError(t, b.Publish(ctx, envelope("cs-1", "Heartbeat", "3")))

	got := all.wait(t, 3)
	assert.Equal(t, "1", got[0].Context.CorrelationId)
	assert.Equal(t, "2", got[1].Context.CorrelationId)
	assert.Equal(t, "3", got[2].Context.CorrelationId)

	got = one.wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "cs-2", got[0].Context.StationId)
}

func TestMemory_UnsubscribeAndClose(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(logging.Discard())

	c := newCollector()
	sub, err := b.Subscribe(ctx, Filter{Origin: OriginStation, Direction: DirectionRequest}, c.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(ctx, envelope("cs-1", "Heartbeat", "1")))
	select {
	case <-c.got:
		t.Fatal("unsubscribed handler received an envelope")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(ctx, envelope("cs-1", "Heartbeat", "2")), ErrClosed)
	_, err = b.Subscribe(ctx, Filter{}, c.handle)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedis_PublishUsesStationChannel(t *testing.T) {
	client, mock := redismock.NewClientMock()
	defer client.Close()

	b := NewRedis(client, "ocpp", logging.Discard())
	env := envelope("cs-1", "BootNotification", "42")
	data, err := json.Marshal(env)
	require.NoError(t, err)

	mock.ExpectPublish("ocpp:station:request:cs-1", data).SetVal(1)
	require.NoError(t, b.Publish(context.Background(), env))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_PublishError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	defer client.Close()

	b := NewRedis(client, "", logging.Discard())
	env := envelope("cs-1", "Heartbeat", "1")
	data, err := json.Marshal(env)
	require.NoError(t, err)

	mock.ExpectPublish("ocpp:station:request:cs-1", data).SetErr(errors.New("connection refused"))
	err = b.Publish(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ocpp:station:request:cs-1")
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestKafka_PublishKeysByStation(t *testing.T) {
	w := &fakeWriter{}
	k := newKafka(KafkaConfig{Group: "csms"}, logging.Discard(), w, nil)

	env := envelope("cs-9", "Heartbeat", "7")
	env.Origin = OriginBackend
	env.Direction = DirectionResponse
	require.NoError(t, k.Publish(context.Background(), env))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ocpp.backend.response", w.msgs[0].Topic)
	assert.Equal(t, []byte("cs-9"), w.msgs[0].Key)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, env, decoded)

	w.err = errors.New("leader not available")
	assert.Error(t, k.Publish(context.Background(), env))
}

func TestKafka_SubscribeFiltersAndCommits(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 4)}
	var gotTopic, gotGroup string
	k := newKafka(KafkaConfig{Group: "csms", InstanceId: "node-a"}, logging.Discard(), &fakeWriter{}, func(topic, group string) messageReader {
		gotTopic, gotGroup = topic, group
		return reader
	})

	c := newCollector()
	sub, err := k.Subscribe(context.Background(), Filter{Origin: OriginBackend, Direction: DirectionRequest, StationId: "cs-1"}, c.handle)
	require.NoError(t, err)
	assert.Equal(t, "ocpp.backend.request", gotTopic)
	assert.Equal(t, "csms-node-a", gotGroup)

	for i, station := range []string{"cs-2", "cs-1"} {
		env := envelope(station, "Reset", "c")
		env.Origin = OriginBackend
		data, err := json.Marshal(env)
		require.NoError(t, err)
		reader.msgs <- kafka.Message{Offset: int64(i), Value: data}
	}

	got := c.wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "cs-1", got[0].Context.StationId)

	require.NoError(t, sub.Unsubscribe())
	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.True(t, reader.closed)
	assert.Contains(t, reader.committed, int64(0))
}
