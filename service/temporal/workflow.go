package temporal

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// settlementGrace is added to the challenge deadline before finalizing so small clock
// differences between Temporal and the ledger server do not cause an early attempt.
const settlementGrace = 2 * time.Second

// Settlement outcomes reported in SettleTransactionResult.Status.
const (
	SettlementCompleted = "completed"
	SettlementSkipped   = "skipped"
	SettlementFailed    = "failed"
)

// SettleTransactionInput contains the transaction to settle and when its challenge
// window closes.
type SettleTransactionInput struct {
	TransactionID uint64    `json:"transaction_id"`
	Deadline      time.Time `json:"deadline"`
}

// SettleTransactionResult contains the result of a settlement run.
type SettleTransactionResult struct {
	TransactionID uint64    `json:"transaction_id"`
	Status        string    `json:"status"`
	SettledAt     time.Time `json:"settled_at,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Error         *string   `json:"error,omitempty"`
}

// SettlementWorkflowID is the workflow id for a transaction's settlement. There is at
// most one running settlement per transaction.
func SettlementWorkflowID(transactionID uint64) string {
	return "settle-tx-" + strconv.FormatUint(transactionID, 10)
}

// SettleTransactionWorkflow waits out a transaction's challenge window and then
// finalizes it. If an auditor challenged or approved the transaction in the meantime
// the FinalizeTransaction activity reports it as not finalizable and the workflow
// ends as skipped.
func SettleTransactionWorkflow(ctx workflow.Context, input SettleTransactionInput) (*SettleTransactionResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SettleTransactionWorkflow started",
		"transaction_id", input.TransactionID,
		"deadline", input.Deadline,
	)

	result := &SettleTransactionResult{TransactionID: input.TransactionID}

	if wait := input.Deadline.Add(settlementGrace).Sub(workflow.Now(ctx)); wait > 0 {
		if err := workflow.Sleep(ctx, wait); err != nil {
			errMsg := fmt.Sprintf("settlement timer interrupted: %v", err)
			result.Status = SettlementFailed
			result.Error = &errMsg
			return result, fmt.Errorf("settlement timer interrupted: %w", err)
		}
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        10,
			NonRetryableErrorTypes: []string{ErrTypeNotFinalizable},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var finalized *FinalizeTransactionResult
	err := workflow.ExecuteActivity(ctx, a.FinalizeTransaction, FinalizeTransactionInput{
		TransactionID: input.TransactionID,
	}).Get(ctx, &finalized)
	if err != nil {
		var appErr *temporalsdk.ApplicationError
		if errors.As(err, &appErr) && appErr.Type() == ErrTypeNotFinalizable {
			logger.Info("transaction no longer finalizable, skipping",
				"transaction_id", input.TransactionID,
				"reason", appErr.Message(),
			)
			result.Status = SettlementSkipped
			result.Reason = appErr.Message()
			return result, nil
		}

		errMsg := fmt.Sprintf("failed to finalize transaction: %v", err)
		result.Status = SettlementFailed
		result.Error = &errMsg
		return result, fmt.Errorf("failed to finalize transaction %d: %w", input.TransactionID, err)
	}

	result.Status = SettlementCompleted
	result.SettledAt = finalized.SettledAt
	logger.Info("SettleTransactionWorkflow completed",
		"transaction_id", input.TransactionID,
		"settled_at", result.SettledAt,
	)
	return result, nil
}
