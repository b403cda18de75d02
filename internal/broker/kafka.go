package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// messageWriter is the produce side of *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the consume side of *kafka.Reader.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	// Group is shared by every process consuming station-originated envelopes, so
	// each one is handled once.
	Group string
	// InstanceId makes the group of backend-originated topics unique to this
	// process: every process sees every envelope and keeps those addressed to its
	// own connected stations.
	InstanceId string
}

// Kafka publishes envelopes on one topic per origin and direction, keyed by
// station so a station's envelopes stay ordered within a partition.
type Kafka struct {
	cfg       KafkaConfig
	log       *logrus.Entry
	writer    messageWriter
	newReader func(topic, group string) messageReader

	mu        sync.Mutex
	consumers map[string]*topicConsumer
	closed    bool
}

func NewKafka(cfg KafkaConfig, log *logrus.Entry) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	newReader := func(topic, group string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  group,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
	}
	return newKafka(cfg, log, writer, newReader), nil
}

func newKafka(cfg KafkaConfig, log *logrus.Entry, w messageWriter, newReader func(topic, group string) messageReader) *Kafka {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "ocpp"
	}
	return &Kafka{
		cfg:       cfg,
		log:       log.WithField("broker", "kafka"),
		writer:    w,
		newReader: newReader,
		consumers: make(map[string]*topicConsumer),
	}
}

func (k *Kafka) topic(origin Origin, direction Direction) string {
	return fmt.Sprintf("%s.%s.%s", k.cfg.TopicPrefix, origin, direction)
}

func (k *Kafka) group(origin Origin) string {
	if origin == OriginBackend && k.cfg.InstanceId != "" {
		return k.cfg.Group + "-" + k.cfg.InstanceId
	}
	return k.cfg.Group
}

func (k *Kafka) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	topic := k.topic(env.Origin, env.Direction)
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(env.Context.StationId),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// topicConsumer reads one topic and fans envelopes out to local subscriptions.
type topicConsumer struct {
	topic  string
	reader messageReader
	fan    *fanout
	cancel context.CancelFunc
	done   chan struct{}
}

func (k *Kafka) Subscribe(_ context.Context, filter Filter, h Handler) (Subscription, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}

	topic := k.topic(filter.Origin, filter.Direction)
	tc, ok := k.consumers[topic]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		tc = &topicConsumer{
			topic:  topic,
			reader: k.newReader(topic, k.group(filter.Origin)),
			fan:    newFanout(k.log.WithField("topic", topic)),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		k.consumers[topic] = tc
		go k.consume(ctx, tc)
	}

	sub := tc.fan.add(filter, h)
	sub.onClose = func() { k.release(tc) }
	return sub, nil
}

// release stops a topic consumer once its last subscription is gone.
func (k *Kafka) release(tc *topicConsumer) {
	k.mu.Lock()
	if !tc.fan.empty() || k.consumers[tc.topic] != tc {
		k.mu.Unlock()
		return
	}
	delete(k.consumers, tc.topic)
	k.mu.Unlock()
	tc.stop()
}

func (tc *topicConsumer) stop() {
	tc.cancel()
	<-tc.done
	_ = tc.reader.Close()
}

func (k *Kafka) consume(ctx context.Context, tc *topicConsumer) {
	defer close(tc.done)
	log := k.log.WithField("topic", tc.topic)
	for {
		msg, err := tc.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			log.WithError(err).WithField("offset", msg.Offset).Warn("dropping undecodable envelope")
		} else if err := tc.fan.dispatch(ctx, env); err != nil {
			return
		}

		if err := tc.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("offset", msg.Offset).Warn("commit failed")
		}
	}
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	k.closed = true
	consumers := make([]*topicConsumer, 0, len(k.consumers))
	for _, tc := range k.consumers {
		consumers = append(consumers, tc)
	}
	k.consumers = make(map[string]*topicConsumer)
	k.mu.Unlock()

	for _, tc := range consumers {
		tc.fan.closeAll()
		tc.stop()
	}
	return k.writer.Close()
}
