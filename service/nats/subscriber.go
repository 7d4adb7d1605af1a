package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/charityledger/service/ledger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// SubscribeOptions selects which events a subscription receives.
type SubscribeOptions struct {
	// Kind restricts the subscription to one event kind. Empty means all kinds.
	Kind string
	// DeliverAll replays every retained event before new ones. By default only events
	// published after the subscription starts are delivered.
	DeliverAll bool
}

// Subscriber delivers ledger events to a handler until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, opts SubscribeOptions, handle func(ledger.Event)) error
}

// JetStreamSubscriber reads ledger events through ephemeral JetStream consumers, one
// per Subscribe call.
type JetStreamSubscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS for reading ledger events.
func NewSubscriber(natsURL, name string, logger *slog.Logger) (*JetStreamSubscriber, error) {
	nc, js, err := Connect(natsURL, name)
	if err != nil {
		return nil, err
	}
	logger.Info("NATS subscriber initialized", "url", natsURL)
	return &JetStreamSubscriber{nc: nc, js: js, logger: logger}, nil
}

// Subscribe blocks, calling handle for each event in order, until ctx is done.
func (s *JetStreamSubscriber) Subscribe(ctx context.Context, opts SubscribeOptions, handle func(ledger.Event)) error {
	subject, err := FilterSubject(opts.Kind)
	if err != nil {
		return err
	}

	deliver := jetstream.DeliverNewPolicy
	if opts.DeliverAll {
		deliver = jetstream.DeliverAllPolicy
	}

	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     deliver,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgs := make(chan jetstream.Msg, 16)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming messages: %w", err)
	}
	defer cc.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			var ev ledger.Event
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				s.logger.WarnContext(ctx, "failed to unmarshal ledger event",
					"subject", msg.Subject(),
					"error", err,
				)
				msg.Ack()
				continue
			}
			handle(ev)
			msg.Ack()
		}
	}
}

// Close closes the NATS connection.
func (s *JetStreamSubscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
