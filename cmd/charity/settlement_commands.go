package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/brojonat/charityledger/client"
	"github.com/brojonat/charityledger/service/temporal"
	"github.com/urfave/cli/v2"
)

// settlementScheduler is the part of the temporal client used by reconcile.
type settlementScheduler interface {
	ScheduleSettlement(ctx context.Context, transactionID uint64, deadline time.Time) error
}

// transactionLister pages through transactions on the API.
type transactionLister interface {
	ListTransactions(ctx context.Context, params client.ListTransactionsParams) ([]client.Transaction, error)
}

func settlementCommands() *cli.Command {
	return &cli.Command{
		Name:  "settlement",
		Usage: "Inspect and repair settlement workflows on Temporal",
		Subcommands: []*cli.Command{
			describeSettlementCommand(),
			waitSettlementCommand(),
			reconcileSettlementsCommand(),
		},
	}
}

func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		nil,
		newLogger(c),
	)
}

func describeSettlementCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe",
		Usage:     "Show the settlement workflow of a transaction",
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			id, err := argID(c)
			if err != nil {
				return err
			}
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()

			workflowID := temporal.SettlementWorkflowID(id)
			resp, err := tc.SDKClient().DescribeWorkflowExecution(ctx, workflowID, "")
			if err != nil {
				return fmt.Errorf("failed to describe workflow %s: %w", workflowID, err)
			}
			info := resp.GetWorkflowExecutionInfo()

			out := map[string]any{
				"workflow_id": workflowID,
				"run_id":      info.GetExecution().GetRunId(),
				"status":      info.GetStatus().String(),
				"task_queue":  info.GetTaskQueue(),
				"started_at":  info.GetStartTime().AsTime(),
			}
			if info.GetCloseTime() != nil {
				out["closed_at"] = info.GetCloseTime().AsTime()
			}
			return render(c, out, func(w io.Writer) {
				fmt.Fprintf(w, "Workflow:\t%s\n", workflowID)
				fmt.Fprintf(w, "Run:\t%s\n", out["run_id"])
				fmt.Fprintf(w, "Status:\t%s\n", out["status"])
				fmt.Fprintf(w, "Task queue:\t%s\n", out["task_queue"])
				fmt.Fprintf(w, "Started:\t%s\n", info.GetStartTime().AsTime().Format(time.RFC3339))
				if closed, ok := out["closed_at"].(time.Time); ok {
					fmt.Fprintf(w, "Closed:\t%s\n", closed.Format(time.RFC3339))
				}
			})
		},
	}
}

func waitSettlementCommand() *cli.Command {
	return &cli.Command{
		Name:      "wait",
		Usage:     "Block until a transaction's settlement workflow finishes and print its result",
		ArgsUsage: "<transaction-id>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up after this long",
				Value: 10 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			id, err := argID(c)
			if err != nil {
				return err
			}
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			var result temporal.SettleTransactionResult
			run := tc.SDKClient().GetWorkflow(ctx, temporal.SettlementWorkflowID(id), "")
			if err := run.Get(ctx, &result); err != nil {
				return fmt.Errorf("settlement of transaction %d did not finish: %w", id, err)
			}
			return render(c, result, func(w io.Writer) {
				fmt.Fprintf(w, "Transaction:\t%d\n", result.TransactionID)
				fmt.Fprintf(w, "Outcome:\t%s\n", result.Status)
				if !result.SettledAt.IsZero() {
					fmt.Fprintf(w, "Settled:\t%s\n", result.SettledAt.Format(time.RFC3339))
				}
				fmt.Fprintf(w, "Reason:\t%s\n", orDash(result.Reason))
				if result.Error != nil {
					fmt.Fprintf(w, "Error:\t%s\n", *result.Error)
				}
			})
		},
	}
}

func reconcileSettlementsCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Start settlement workflows for every transaction awaiting settlement",
		Description: `Lists proof_submitted transactions through the API and schedules a settlement
for each. Scheduling is idempotent, so transactions that already have a running
workflow are left alone.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Only list the transactions that would be scheduled",
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := newClient(c, false)
			if err != nil {
				return err
			}

			var scheduler settlementScheduler
			if !c.Bool("dry-run") {
				tc, err := getTemporalClient(c)
				if err != nil {
					return err
				}
				defer tc.Close()
				scheduler = tc
			}

			scheduled, err := reconcileSettlements(c.Context, cl, scheduler)
			if err != nil {
				return err
			}
			return render(c, scheduled, func(w io.Writer) {
				fmt.Fprintln(w, "TRANSACTION\tDEADLINE")
				for _, tx := range scheduled {
					fmt.Fprintf(w, "%d\t%s\n", tx.ID, formatTime(tx.ChallengeDeadline))
				}
				verb := "Scheduled"
				if scheduler == nil {
					verb = "Would schedule"
				}
				fmt.Fprintf(errWriter(c), "\n%s %d settlements\n", verb, len(scheduled))
			})
		},
	}
}

// reconcileSettlements schedules every proof_submitted transaction. A nil scheduler
// only collects them.
func reconcileSettlements(ctx context.Context, lister transactionLister, scheduler settlementScheduler) ([]client.Transaction, error) {
	const page = 500
	var pending []client.Transaction
	var errs []error

	for offset := 0; ; offset += page {
		txs, err := lister.ListTransactions(ctx, client.ListTransactionsParams{
			Status: "proof_submitted",
			Limit:  page,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list transactions: %w", err)
		}
		for _, tx := range txs {
			if tx.ChallengeDeadline == nil {
				continue
			}
			if scheduler != nil {
				if err := scheduler.ScheduleSettlement(ctx, tx.ID, *tx.ChallengeDeadline); err != nil {
					errs = append(errs, fmt.Errorf("transaction %d: %w", tx.ID, err))
					continue
				}
			}
			pending = append(pending, tx)
		}
		if len(txs) < page {
			break
		}
	}
	return pending, errors.Join(errs...)
}
