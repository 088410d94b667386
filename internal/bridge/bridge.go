package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"waypoint/internal/event"
	"waypoint/internal/metrics"
)

const (
	writeTimeout = 5 * time.Second
	outboxSize   = 1024
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Bridge publishes and consumes bridge messages on one topic. A nil *Bridge is a valid no-op.
type Bridge struct {
	node    string
	writer  messageWriter
	reader  messageReader
	outbox  chan Message
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New returns a bridge for node on topic, or nil when brokers or topic are empty. Each node consumes
// with its own group id so every process sees every message.
func New(brokers []string, topic, node string, log *zap.Logger, m *metrics.Metrics) *Bridge {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "waypoint-bridge-" + node,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})
	return newBridge(node, writer, reader, log, m)
}

func newBridge(node string, w messageWriter, r messageReader, log *zap.Logger, m *metrics.Metrics) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		node:    node,
		writer:  w,
		reader:  r,
		outbox:  make(chan Message, outboxSize),
		log:     log.With(zap.String("node", node)),
		metrics: m,
	}
}

// Node is this process's bridge identity.
func (b *Bridge) Node() string {
	if b == nil {
		return ""
	}
	return b.node
}

// Deliver forwards out to users connected on other nodes.
func (b *Bridge) Deliver(users []string, out event.Outbound) {
	if b == nil || len(users) == 0 {
		return
	}
	msg := Message{Type: TypeDeliver, Users: users, Event: out.Name}
	if out.Payload != nil {
		raw, err := json.Marshal(out.Payload)
		if err != nil {
			b.log.Error("bridge: encode deliver", zap.String("event", string(out.Name)), zap.Error(err))
			return
		}
		msg.Payload = raw
	}
	b.enqueue(msg)
}

// Publish replicates a state delta to other nodes.
func (b *Bridge) Publish(d Delta) {
	if b == nil {
		return
	}
	b.enqueue(Message{Type: TypeDelta, Delta: &d})
}

// enqueue never blocks the caller; a full outbox drops the message.
func (b *Bridge) enqueue(msg Message) {
	msg.Origin = b.node
	select {
	case b.outbox <- msg:
	default:
		b.metrics.Bridge("out", "dropped")
		b.log.Warn("bridge: outbox full, message dropped", zap.String("type", string(msg.Type)))
	}
}

// Run publishes queued messages and hands messages from other nodes to sink until ctx is done.
// sink is called from the consumer goroutine and must not block for long.
func (b *Bridge) Run(ctx context.Context, sink func(Message)) error {
	if b == nil {
		<-ctx.Done()
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.publishLoop(ctx) })
	g.Go(func() error { return b.consumeLoop(ctx, sink) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bridge) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbox:
			raw, err := json.Marshal(msg)
			if err != nil {
				b.log.Error("bridge: encode message", zap.Error(err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = b.writer.WriteMessages(writeCtx, kafka.Message{Key: []byte(b.node), Value: raw})
			cancel()
			if err != nil {
				b.metrics.Bridge("out", "error")
				b.log.Warn("bridge: publish failed", zap.String("type", string(msg.Type)), zap.Error(err))
				continue
			}
			b.metrics.Bridge("out", string(msg.Type))
		}
	}
}

func (b *Bridge) consumeLoop(ctx context.Context, sink func(Message)) error {
	for {
		km, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("bridge: read failed", zap.Error(err))
			continue
		}
		var msg Message
		if err := json.Unmarshal(km.Value, &msg); err != nil {
			b.metrics.Bridge("in", "invalid")
			b.log.Warn("bridge: invalid message", zap.Error(err))
			continue
		}
		if msg.Origin == b.node {
			continue
		}
		b.metrics.Bridge("in", string(msg.Type))
		sink(msg)
	}
}

// Close closes the Kafka writer and reader.
func (b *Bridge) Close() error {
	if b == nil {
		return nil
	}
	return multierr.Combine(b.writer.Close(), b.reader.Close())
}
