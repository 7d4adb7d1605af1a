package main

import (
	"fmt"
	"io"

	"github.com/brojonat/charityledger/client"
	charitysol "github.com/brojonat/charityledger/service/solana"
	"github.com/urfave/cli/v2"
)

func keysCommands() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "Signing key management",
		Subcommands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Generate a new signing key",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "out",
						Aliases:  []string{"o"},
						Usage:    "Write the key to this file in solana-keygen format (never overwrites)",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					key, err := charitysol.GenerateKey()
					if err != nil {
						return err
					}
					if err := charitysol.WriteKeyFile(c.String("out"), key); err != nil {
						return err
					}
					out := map[string]string{
						"address":  key.PublicKey().String(),
						"key_file": c.String("out"),
					}
					return render(c, out, func(w io.Writer) {
						fmt.Fprintf(w, "Address:\t%s\n", out["address"])
						fmt.Fprintf(w, "Key file:\t%s\n", out["key_file"])
					})
				},
			},
			{
				Name:  "message-key",
				Usage: "Generate a key pair that donor messages are sealed to",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "out",
						Aliases:  []string{"o"},
						Usage:    "Write the key pair to this file (never overwrites)",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					key, err := client.GenerateMessageKey()
					if err != nil {
						return err
					}
					if err := client.WriteMessageKeyFile(c.String("out"), key); err != nil {
						return err
					}
					out := map[string]string{
						"recipient": key.PublicHex(),
						"key_file":  c.String("out"),
					}
					return render(c, out, func(w io.Writer) {
						fmt.Fprintf(w, "Recipient:\t%s\n", out["recipient"])
						fmt.Fprintf(w, "Key file:\t%s\n", out["key_file"])
					})
				},
			},
			{
				Name:  "address",
				Usage: "Print the address of the configured --key",
				Action: func(c *cli.Context) error {
					if c.String("key") == "" {
						return fmt.Errorf("no key configured: set CHARITY_KEY or use --key")
					}
					key, err := charitysol.LoadKey(c.String("key"))
					if err != nil {
						return err
					}
					fmt.Fprintln(outWriter(c), key.PublicKey().String())
					return nil
				},
			},
		},
	}
}
