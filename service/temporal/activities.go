package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/charityledger/client"
	"github.com/brojonat/charityledger/service/metrics"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// ErrTypeNotFinalizable marks a transaction that left the proof_submitted state (or
// never existed). The workflow treats it as a skip, never as a failure.
const ErrTypeNotFinalizable = "TransactionNotFinalizable"

// LedgerAPI is the subset of the ledger client used by settlement activities.
// This allows for easy mocking in tests.
type LedgerAPI interface {
	GetTransaction(ctx context.Context, id uint64) (*client.Transaction, error)
	FinalizeTransaction(ctx context.Context, id uint64) (*client.Transaction, error)
}

// FinalizeTransactionInput contains parameters for the FinalizeTransaction activity.
type FinalizeTransactionInput struct {
	TransactionID uint64 `json:"transaction_id"`
}

// FinalizeTransactionResult contains the finalized transaction state.
type FinalizeTransactionResult struct {
	TransactionID uint64    `json:"transaction_id"`
	Status        string    `json:"status"`
	SettledAt     time.Time `json:"settled_at"`
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	ledger  LedgerAPI
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(ledger LedgerAPI, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		ledger:  ledger,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// FinalizeTransaction completes a transaction through the ledger API once its
// challenge window has closed. A transaction that is no longer proof_submitted
// yields a non-retryable ErrTypeNotFinalizable error; a window that is still open
// (clock skew) yields a retryable one.
func (a *Activities) FinalizeTransaction(ctx context.Context, input FinalizeTransactionInput) (*FinalizeTransactionResult, error) {
	id := input.TransactionID

	tx, err := a.ledger.GetTransaction(ctx, id)
	if err != nil {
		if client.IsStatus(err, http.StatusNotFound) {
			a.record("skipped")
			return nil, notFinalizable(fmt.Sprintf("transaction %d not found", id), err)
		}
		a.record("error")
		return nil, fmt.Errorf("failed to get transaction %d: %w", id, err)
	}

	if tx.Status != "proof_submitted" {
		a.record("skipped")
		return nil, notFinalizable(fmt.Sprintf("transaction %d is %s", id, tx.Status), nil)
	}
	if tx.ChallengeDeadline != nil && a.now().Before(*tx.ChallengeDeadline) {
		a.record("early")
		return nil, fmt.Errorf("challenge window of transaction %d open until %s",
			id, tx.ChallengeDeadline.Format(time.RFC3339))
	}

	finalized, err := a.ledger.FinalizeTransaction(ctx, id)
	if err != nil {
		if client.IsStatus(err, http.StatusConflict) {
			// An auditor acted between the read and the finalize.
			a.record("skipped")
			return nil, notFinalizable(fmt.Sprintf("transaction %d changed before finalizing", id), err)
		}
		a.record("error")
		return nil, fmt.Errorf("failed to finalize transaction %d: %w", id, err)
	}

	a.record("completed")
	a.logger.InfoContext(ctx, "transaction finalized",
		"transaction_id", id,
		"merchant", finalized.Merchant,
		"amount", finalized.Amount,
	)

	out := &FinalizeTransactionResult{TransactionID: id, Status: finalized.Status}
	if finalized.SettledAt != nil {
		out.SettledAt = *finalized.SettledAt
	}
	return out, nil
}

func (a *Activities) record(outcome string) {
	if a.metrics != nil {
		a.metrics.RecordSettlementOutcome(outcome)
	}
}

func notFinalizable(msg string, cause error) error {
	return temporalsdk.NewNonRetryableApplicationError(msg, ErrTypeNotFinalizable, cause)
}
