package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/brojonat/charityledger/client"
	"github.com/urfave/cli/v2"
)

func donateCommand() *cli.Command {
	return &cli.Command{
		Name:  "donate",
		Usage: "Record a donation signed by --key",
		Description: `Either declare the amount directly, or pass --reference with the signature of
an on-chain transfer to the treasury and let the server verify the amount.

A --message is sealed to the --recipient message key. Only the SHA-256 digest of the
ciphertext is recorded with the donation; the ciphertext is written to --sealed-out
for delivery to the recipient, who reads it with "donation open".`,
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:    "amount",
				Aliases: []string{"a"},
				Usage:   "Donation amount in base units",
			},
			&cli.StringFlag{
				Name:    "reference",
				Aliases: []string{"r"},
				Usage:   "Signature of the on-chain transfer backing this donation",
			},
			&cli.StringFlag{
				Name:    "message",
				Aliases: []string{"m"},
				Usage:   "Message for the recipient, sealed before it leaves this machine",
			},
			&cli.StringFlag{
				Name:    "recipient",
				Usage:   "Hex public message key the message is sealed to",
				EnvVars: []string{"CHARITY_MESSAGE_RECIPIENT"},
			},
			&cli.StringFlag{
				Name:  "sealed-out",
				Usage: "Write the sealed message to this file (never overwrites)",
			},
			&cli.StringFlag{
				Name:  "payload",
				Usage: "Raw 32-byte hex payload, for messages sealed elsewhere",
			},
		},
		Action: func(c *cli.Context) error {
			params := client.DonateParams{
				Amount:    c.Int64("amount"),
				Reference: c.String("reference"),
				Payload:   c.String("payload"),
			}
			if params.Amount == 0 && params.Reference == "" {
				return fmt.Errorf("specify --amount or --reference")
			}

			var sealed *client.SealedMessage
			if c.String("message") != "" {
				if params.Payload != "" {
					return fmt.Errorf("use either --message or --payload")
				}
				var err error
				if sealed, err = sealMessage(c.String("message"), c.String("recipient"), c.String("sealed-out")); err != nil {
					return err
				}
				params.Payload = sealed.Payload
			}

			cl, err := newClient(c, true)
			if err != nil {
				return err
			}
			ctx, cancel := apiContext(c)
			defer cancel()

			donation, err := cl.Donate(ctx, params)
			if err != nil {
				return fmt.Errorf("failed to donate: %w", err)
			}
			if sealed != nil {
				fmt.Fprintf(errWriter(c), "Sealed message written to %s, deliver it to the recipient\n", c.String("sealed-out"))
			}
			return render(c, donation, func(w io.Writer) { donationTable(w, []client.Donation{*donation}) })
		},
	}
}

// sealMessage seals text to the hex recipient key and stores the base64 ciphertext at
// out before anything is sent.
func sealMessage(text, recipient, out string) (*client.SealedMessage, error) {
	if recipient == "" {
		return nil, fmt.Errorf("--message needs --recipient (or CHARITY_MESSAGE_RECIPIENT)")
	}
	if out == "" {
		return nil, fmt.Errorf("--message needs --sealed-out to keep the sealed message")
	}
	pub, err := client.ParseMessagePublicKey(recipient)
	if err != nil {
		return nil, err
	}
	sealed, err := client.SealMessage(text, pub)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", out, err)
	}
	if _, err := fmt.Fprintln(f, base64.StdEncoding.EncodeToString(sealed.Ciphertext)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write %s: %w", out, err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &sealed, nil
}

// readSealedMessage loads a file written by sealMessage.
func readSealedMessage(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sealed message: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("sealed message is not base64: %w", err)
	}
	return ciphertext, nil
}

func donationCommands() *cli.Command {
	return &cli.Command{
		Name:    "donation",
		Aliases: []string{"donations"},
		Usage:   "Inspect donations",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Show one donation",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := argID(c)
					if err != nil {
						return err
					}
					cl, err := newClient(c, false)
					if err != nil {
						return err
					}
					ctx, cancel := apiContext(c)
					defer cancel()

					donation, err := cl.GetDonation(ctx, id)
					if err != nil {
						return fmt.Errorf("failed to get donation: %w", err)
					}
					return render(c, donation, func(w io.Writer) { donationTable(w, []client.Donation{*donation}) })
				},
			},
			{
				Name:      "open",
				Usage:     "Read the sealed message of a donation",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "sealed",
						Usage:    "Sealed message file from the donor",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "message-key",
						Usage:    "Message key file of the recipient",
						EnvVars:  []string{"CHARITY_MESSAGE_KEY"},
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					id, err := argID(c)
					if err != nil {
						return err
					}
					key, err := client.LoadMessageKeyFile(c.String("message-key"))
					if err != nil {
						return err
					}
					ciphertext, err := readSealedMessage(c.String("sealed"))
					if err != nil {
						return err
					}
					cl, err := newClient(c, false)
					if err != nil {
						return err
					}
					ctx, cancel := apiContext(c)
					defer cancel()

					donation, err := cl.GetDonation(ctx, id)
					if err != nil {
						return fmt.Errorf("failed to get donation: %w", err)
					}
					text, err := client.OpenMessage(donation.Payload, ciphertext, key)
					if err != nil {
						return fmt.Errorf("donation %d: %w", id, err)
					}
					out := map[string]any{"donation_id": id, "donor": donation.Donor, "message": text}
					return render(c, out, func(w io.Writer) {
						fmt.Fprintf(w, "Donation:\t%d\n", id)
						fmt.Fprintf(w, "Donor:\t%s\n", donation.Donor)
						fmt.Fprintf(w, "Message:\t%s\n", text)
					})
				},
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List donations newest first",
				Flags: append(pageFlags(),
					&cli.StringFlag{Name: "donor", Usage: "Only donations from this address"},
				),
				Action: func(c *cli.Context) error {
					cl, err := newClient(c, false)
					if err != nil {
						return err
					}
					ctx, cancel := apiContext(c)
					defer cancel()

					donations, err := cl.ListDonations(ctx, client.ListDonationsParams{
						Donor:  c.String("donor"),
						Limit:  c.Int("limit"),
						Offset: c.Int("offset"),
					})
					if err != nil {
						return fmt.Errorf("failed to list donations: %w", err)
					}
					return render(c, donations, func(w io.Writer) {
						donationTable(w, donations)
						fmt.Fprintf(errWriter(c), "\nTotal: %d donations\n", len(donations))
					})
				},
			},
		},
	}
}

func donationTable(w io.Writer, donations []client.Donation) {
	fmt.Fprintln(w, "ID\tDONOR\tAMOUNT\tREFERENCE\tTIMESTAMP")
	for _, d := range donations {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", d.ID, d.Donor, d.Amount, orDash(d.Reference), formatTime(&d.Timestamp))
	}
}

func beneficiaryCommands() *cli.Command {
	return &cli.Command{
		Name:    "beneficiary",
		Aliases: []string{"beneficiaries"},
		Usage:   "Beneficiary onboarding and vouchers",
		Subcommands: []*cli.Command{
			{
				Name:  "register",
				Usage: "Register --key as a beneficiary",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "identity-hash",
						Usage:    "Hex SHA-256 of the off-chain identity document",
						Required: true,
					},
				},
				Action: beneficiaryAction(func(c *cli.Context, cl *client.Client) (*client.Beneficiary, error) {
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.RegisterBeneficiary(ctx, c.String("identity-hash"))
				}, true),
			},
			{
				Name:      "verify",
				Usage:     "Verify a beneficiary (NGO)",
				ArgsUsage: "<address>",
				Action: beneficiaryAction(func(c *cli.Context, cl *client.Client) (*client.Beneficiary, error) {
					addr, err := argAddress(c)
					if err != nil {
						return nil, err
					}
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.VerifyBeneficiary(ctx, addr)
				}, true),
			},
			{
				Name:      "issue",
				Usage:     "Credit vouchers to a verified beneficiary (NGO)",
				ArgsUsage: "<address>",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:     "amount",
						Aliases:  []string{"a"},
						Usage:    "Voucher amount in base units",
						Required: true,
					},
				},
				Action: beneficiaryAction(func(c *cli.Context, cl *client.Client) (*client.Beneficiary, error) {
					addr, err := argAddress(c)
					if err != nil {
						return nil, err
					}
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.IssueVoucher(ctx, addr, c.Int64("amount"))
				}, true),
			},
			{
				Name:      "get",
				Usage:     "Show one beneficiary",
				ArgsUsage: "<address>",
				Action: beneficiaryAction(func(c *cli.Context, cl *client.Client) (*client.Beneficiary, error) {
					addr, err := argAddress(c)
					if err != nil {
						return nil, err
					}
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.GetBeneficiary(ctx, addr)
				}, false),
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List beneficiaries",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "verified", Usage: "Filter by verification (true or false)"},
				},
				Action: func(c *cli.Context) error {
					verified, err := optionalBool(c, "verified")
					if err != nil {
						return err
					}
					cl, err := newClient(c, false)
					if err != nil {
						return err
					}
					ctx, cancel := apiContext(c)
					defer cancel()

					list, err := cl.ListBeneficiaries(ctx, verified)
					if err != nil {
						return fmt.Errorf("failed to list beneficiaries: %w", err)
					}
					return render(c, list, func(w io.Writer) {
						beneficiaryTable(w, list)
						fmt.Fprintf(errWriter(c), "\nTotal: %d beneficiaries\n", len(list))
					})
				},
			},
		},
	}
}

func beneficiaryAction(call func(*cli.Context, *client.Client) (*client.Beneficiary, error), signed bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		cl, err := newClient(c, signed)
		if err != nil {
			return err
		}
		b, err := call(c, cl)
		if err != nil {
			return fmt.Errorf("beneficiary %s failed: %w", c.Command.Name, err)
		}
		return render(c, b, func(w io.Writer) { beneficiaryTable(w, []client.Beneficiary{*b}) })
	}
}

func beneficiaryTable(w io.Writer, list []client.Beneficiary) {
	fmt.Fprintln(w, "ADDRESS\tVERIFIED\tBALANCE\tREGISTERED\tVERIFIED AT")
	for _, b := range list {
		fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%s\n", b.Address, b.Verified, b.VoucherBalance, formatTime(&b.RegisteredAt), formatTime(b.VerifiedAt))
	}
}

func merchantCommands() *cli.Command {
	return &cli.Command{
		Name:    "merchant",
		Aliases: []string{"merchants"},
		Usage:   "Merchant onboarding",
		Subcommands: []*cli.Command{
			{
				Name:  "register",
				Usage: "Register --key as a merchant",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Usage:    "Business name",
						Required: true,
					},
				},
				Action: merchantAction(func(c *cli.Context, cl *client.Client) (*client.Merchant, error) {
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.RegisterMerchant(ctx, c.String("name"))
				}, true),
			},
			{
				Name:      "approve",
				Usage:     "Approve a merchant (NGO)",
				ArgsUsage: "<address>",
				Action: merchantAction(func(c *cli.Context, cl *client.Client) (*client.Merchant, error) {
					addr, err := argAddress(c)
					if err != nil {
						return nil, err
					}
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.ApproveMerchant(ctx, addr)
				}, true),
			},
			{
				Name:      "get",
				Usage:     "Show one merchant",
				ArgsUsage: "<address>",
				Action: merchantAction(func(c *cli.Context, cl *client.Client) (*client.Merchant, error) {
					addr, err := argAddress(c)
					if err != nil {
						return nil, err
					}
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.GetMerchant(ctx, addr)
				}, false),
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List merchants",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "approved", Usage: "Filter by approval (true or false)"},
				},
				Action: func(c *cli.Context) error {
					approved, err := optionalBool(c, "approved")
					if err != nil {
						return err
					}
					cl, err := newClient(c, false)
					if err != nil {
						return err
					}
					ctx, cancel := apiContext(c)
					defer cancel()

					list, err := cl.ListMerchants(ctx, approved)
					if err != nil {
						return fmt.Errorf("failed to list merchants: %w", err)
					}
					return render(c, list, func(w io.Writer) {
						merchantTable(w, list)
						fmt.Fprintf(errWriter(c), "\nTotal: %d merchants\n", len(list))
					})
				},
			},
		},
	}
}

func merchantAction(call func(*cli.Context, *client.Client) (*client.Merchant, error), signed bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		cl, err := newClient(c, signed)
		if err != nil {
			return err
		}
		m, err := call(c, cl)
		if err != nil {
			return fmt.Errorf("merchant %s failed: %w", c.Command.Name, err)
		}
		return render(c, m, func(w io.Writer) { merchantTable(w, []client.Merchant{*m}) })
	}
}

func merchantTable(w io.Writer, list []client.Merchant) {
	fmt.Fprintln(w, "ADDRESS\tBUSINESS\tAPPROVED\tTRANSACTIONS\tREGISTERED")
	for _, m := range list {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", m.Address, m.BusinessName, m.Approved, m.TotalTransactions, formatTime(&m.RegisteredAt))
	}
}

func roleCommands() *cli.Command {
	roleFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:     "role",
			Usage:    "Role name: ngo or auditor",
			Required: true,
		}
	}
	return &cli.Command{
		Name:  "roles",
		Usage: "Role administration (owner only for grant and revoke)",
		Subcommands: []*cli.Command{
			{
				Name:      "grant",
				Usage:     "Grant a role",
				ArgsUsage: "<address>",
				Flags:     []cli.Flag{roleFlag()},
				Action: rolesAction(func(c *cli.Context, cl *client.Client, addr string) (*client.Roles, error) {
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.GrantRole(ctx, addr, c.String("role"))
				}, true),
			},
			{
				Name:      "revoke",
				Usage:     "Revoke a role",
				ArgsUsage: "<address>",
				Flags:     []cli.Flag{roleFlag()},
				Action: rolesAction(func(c *cli.Context, cl *client.Client, addr string) (*client.Roles, error) {
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.RevokeRole(ctx, addr, c.String("role"))
				}, true),
			},
			{
				Name:      "get",
				Usage:     "Show the roles held by an address",
				ArgsUsage: "<address>",
				Action: rolesAction(func(c *cli.Context, cl *client.Client, addr string) (*client.Roles, error) {
					ctx, cancel := apiContext(c)
					defer cancel()
					return cl.GetRoles(ctx, addr)
				}, false),
			},
		},
	}
}

func rolesAction(call func(*cli.Context, *client.Client, string) (*client.Roles, error), signed bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		addr, err := argAddress(c)
		if err != nil {
			return err
		}
		cl, err := newClient(c, signed)
		if err != nil {
			return err
		}
		roles, err := call(c, cl, addr)
		if err != nil {
			return fmt.Errorf("roles %s failed: %w", c.Command.Name, err)
		}
		return render(c, roles, func(w io.Writer) {
			held := "(none)"
			if len(roles.Roles) > 0 {
				held = strings.Join(roles.Roles, ", ")
			}
			fmt.Fprintf(w, "%s\t%s\n", roles.Address, held)
		})
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show ledger aggregates",
		Action: func(c *cli.Context) error {
			cl, err := newClient(c, false)
			if err != nil {
				return err
			}
			ctx, cancel := apiContext(c)
			defer cancel()

			stats, err := cl.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			return render(c, stats, func(w io.Writer) {
				fmt.Fprintf(w, "Total donations:\t%d\n", stats.TotalDonations)
				fmt.Fprintf(w, "Donation count:\t%d\n", stats.DonationCount)
				fmt.Fprintf(w, "Transaction count:\t%d\n", stats.TransactionCount)
				fmt.Fprintf(w, "Total released:\t%d\n", stats.TotalReleased)
				fmt.Fprintf(w, "Contract balance:\t%d\n", stats.ContractBalance)
			})
		},
	}
}
