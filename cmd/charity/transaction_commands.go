package main

import (
	"fmt"
	"io"

	"github.com/brojonat/charityledger/client"
	"github.com/urfave/cli/v2"
)

func transactionCommands() *cli.Command {
	return &cli.Command{
		Name:    "tx",
		Aliases: []string{"transaction", "transactions"},
		Usage:   "Voucher redemptions and their settlement",
		Subcommands: []*cli.Command{
			{
				Name:  "redeem",
				Usage: "Spend vouchers of --key at an approved merchant",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "merchant", Usage: "Merchant address", Required: true},
					&cli.Int64Flag{Name: "amount", Aliases: []string{"a"}, Usage: "Amount in base units", Required: true},
					&cli.StringFlag{Name: "item", Usage: "Description of the goods or service", Required: true},
				},
				Action: func(c *cli.Context) error {
					cl, err := newClient(c, true)
					if err != nil {
						return err
					}
					ctx, cancel := apiContext(c)
					defer cancel()

					tx, err := cl.UseVoucher(ctx, c.String("merchant"), c.Int64("amount"), c.String("item"))
					if err != nil {
						return fmt.Errorf("failed to redeem voucher: %w", err)
					}
					return renderTransaction(c, tx)
				},
			},
			{
				Name:      "proof",
				Usage:     "Submit delivery proof as the transaction's merchant",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "hash", Usage: "Hex SHA-256 of the delivery evidence", Required: true},
				},
				Action: transactionAction(func(c *cli.Context, cl *client.Client, id uint64) (*client.Transaction, error) {
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.SubmitDeliveryProof(ctx, id, c.String("hash"))
				}, true),
			},
			{
				Name:      "challenge",
				Usage:     "Dispute a transaction inside its challenge window (auditor)",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Usage: "Why the transaction is disputed", Required: true},
				},
				Action: transactionAction(func(c *cli.Context, cl *client.Client, id uint64) (*client.Transaction, error) {
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.ChallengeTransaction(ctx, id, c.String("reason"))
				}, true),
			},
			{
				Name:      "refund",
				Usage:     "Return a challenged transaction's amount to the beneficiary (NGO)",
				ArgsUsage: "<id>",
				Action: transactionAction(func(c *cli.Context, cl *client.Client, id uint64) (*client.Transaction, error) {
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.RefundTransaction(ctx, id)
				}, true),
			},
			{
				Name:      "approve",
				Usage:     "Complete a proof_submitted transaction before its challenge window closes (Auditor)",
				ArgsUsage: "<id>",
				Action: transactionAction(func(c *cli.Context, cl *client.Client, id uint64) (*client.Transaction, error) {
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.ApproveTransaction(ctx, id)
				}, true),
			},
			{
				Name:      "finalize",
				Usage:     "Complete a transaction whose challenge window has closed",
				ArgsUsage: "<id>",
				Description: `Finalization is permissionless. When --key is set the request is signed and
the signer is recorded as the actor.`,
				Action: func(c *cli.Context) error {
					id, err := argID(c)
					if err != nil {
						return err
					}
					cl, err := newClient(c, c.String("key") != "")
					if err != nil {
						return err
					}
					ctx, cancel := apiContext(c)
					defer cancel()

					tx, err := cl.FinalizeTransaction(ctx, id)
					if err != nil {
						return fmt.Errorf("failed to finalize transaction: %w", err)
					}
					return renderTransaction(c, tx)
				},
			},
			{
				Name:      "get",
				Usage:     "Show one transaction",
				ArgsUsage: "<id>",
				Action: transactionAction(func(c *cli.Context, cl *client.Client, id uint64) (*client.Transaction, error) {
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.GetTransaction(ctx, id)
				}, false),
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List transactions newest first",
				Flags: append(pageFlags(),
					&cli.StringFlag{Name: "beneficiary", Usage: "Filter by beneficiary address"},
					&cli.StringFlag{Name: "merchant", Usage: "Filter by merchant address"},
					&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status (pending, proof_submitted, completed, challenged, refunded)"},
				),
				Action: func(c *cli.Context) error {
					cl, err := newClient(c, false)
					if err != nil {
						return err
					}
					ctx, cancel := apiContext(c)
					defer cancel()

					txs, err := cl.ListTransactions(ctx, client.ListTransactionsParams{
						Beneficiary: c.String("beneficiary"),
						Merchant:    c.String("merchant"),
						Status:      c.String("status"),
						Limit:       c.Int("limit"),
						Offset:      c.Int("offset"),
					})
					if err != nil {
						return fmt.Errorf("failed to list transactions: %w", err)
					}
					return render(c, txs, func(w io.Writer) {
						transactionTable(w, txs)
						fmt.Fprintf(errWriter(c), "\nTotal: %d transactions\n", len(txs))
					})
				},
			},
		},
	}
}

func transactionAction(call func(*cli.Context, *client.Client, uint64) (*client.Transaction, error), signed bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		id, err := argID(c)
		if err != nil {
			return err
		}
		cl, err := newClient(c, signed)
		if err != nil {
			return err
		}
		tx, err := call(c, cl, id)
		if err != nil {
			return fmt.Errorf("tx %s failed: %w", c.Command.Name, err)
		}
		return renderTransaction(c, tx)
	}
}

func renderTransaction(c *cli.Context, tx *client.Transaction) error {
	return render(c, tx, func(w io.Writer) {
		fmt.Fprintf(w, "ID:\t%d\n", tx.ID)
		fmt.Fprintf(w, "Status:\t%s\n", tx.Status)
		fmt.Fprintf(w, "Beneficiary:\t%s\n", tx.Beneficiary)
		fmt.Fprintf(w, "Merchant:\t%s\n", tx.Merchant)
		fmt.Fprintf(w, "Amount:\t%d\n", tx.Amount)
		fmt.Fprintf(w, "Item:\t%s\n", tx.ItemDescription)
		fmt.Fprintf(w, "Proof hash:\t%s\n", orDash(tx.DeliveryProofHash))
		fmt.Fprintf(w, "Created:\t%s\n", formatTime(&tx.CreatedAt))
		fmt.Fprintf(w, "Proof submitted:\t%s\n", formatTime(tx.ProofSubmittedAt))
		fmt.Fprintf(w, "Challenge deadline:\t%s\n", formatTime(tx.ChallengeDeadline))
		fmt.Fprintf(w, "Settled:\t%s\n", formatTime(tx.SettledAt))
		if tx.Challenge != nil {
			fmt.Fprintf(w, "Challenged by:\t%s\n", tx.Challenge.Auditor)
			fmt.Fprintf(w, "Reason:\t%s\n", tx.Challenge.Reason)
		}
	})
}

func transactionTable(w io.Writer, txs []client.Transaction) {
	fmt.Fprintln(w, "ID\tSTATUS\tBENEFICIARY\tMERCHANT\tAMOUNT\tDEADLINE")
	for _, tx := range txs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", tx.ID, tx.Status, tx.Beneficiary, tx.Merchant, tx.Amount, formatTime(tx.ChallengeDeadline))
	}
}
