package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/charityledger/service/ledger"
	"github.com/brojonat/charityledger/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher fans committed ledger events out to JetStream. It satisfies
// ledger.Publisher.
type Publisher interface {
	// Publish publishes each event to "ledger.{kind}" in seq order.
	Publish(ctx context.Context, events []ledger.Event) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes ledger events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Connect dials NATS with the reconnect policy shared by every component.
func Connect(natsURL, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// NewPublisher creates a new JetStream publisher and ensures the LEDGER stream exists.
func NewPublisher(natsURL string, logger *slog.Logger, m *metrics.Metrics) (*JetStreamPublisher, error) {
	nc, js, err := Connect(natsURL, "charityledger-publisher")
	if err != nil {
		return nil, err
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		logger:  logger,
		metrics: m,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Charity ledger events",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// Publish publishes every event and returns the joined errors of those that failed.
// A failure does not stop later events from being attempted.
func (p *JetStreamPublisher) Publish(ctx context.Context, events []ledger.Event) error {
	var errs []error
	for _, ev := range events {
		if err := p.publishOne(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *JetStreamPublisher) publishOne(ctx context.Context, ev ledger.Event) error {
	subject := Subject(ev.Kind)
	start := time.Now()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %d: %w", ev.Seq, err)
	}

	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(MsgID(ev)))

	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	}

	if err != nil {
		return fmt.Errorf("failed to publish event %d: %w", ev.Seq, err)
	}

	p.logger.Debug("published ledger event",
		"subject", subject,
		"seq", ev.Seq,
	)
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
