package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/charityledger/service/metrics"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Settler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewClient creates a new Temporal client. m may be nil.
func NewClient(host, namespace, taskQueue string, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		metrics:   m,
		logger:    logger,
	}, nil
}

// ScheduleSettlement starts SettleTransactionWorkflow for the transaction. If a
// settlement for it is already running, Temporal returns that run and nothing new
// is started.
func (c *Client) ScheduleSettlement(ctx context.Context, transactionID uint64, deadline time.Time) error {
	id := SettlementWorkflowID(transactionID)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"transaction_id": transactionID,
			"deadline":       deadline.UTC().Format(time.RFC3339),
			"created_by":     "charityledger",
		},
	}, SettleTransactionWorkflow, SettleTransactionInput{
		TransactionID: transactionID,
		Deadline:      deadline,
	})
	if err != nil {
		c.record("error")
		c.logger.ErrorContext(ctx, "failed to schedule settlement",
			"transaction_id", transactionID,
			"workflow_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.record("ok")
	c.logger.InfoContext(ctx, "settlement scheduled",
		"transaction_id", transactionID,
		"workflow_id", id,
		"run_id", run.GetRunID(),
		"deadline", deadline,
	)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

func (c *Client) record(status string) {
	if c.metrics != nil {
		c.metrics.RecordSettlementScheduled(status)
	}
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger.With("component", "temporal_sdk")}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
