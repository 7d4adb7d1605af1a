package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "charity",
		Usage: "Charity transaction ledger CLI",
		Description: `A command-line tool for operating the charity ledger.

Use the API commands to donate, onboard beneficiaries and merchants, and drive
voucher redemptions through settlement. The journal, events and settlement
commands talk to Postgres, NATS and Temporal directly for inspection and recovery.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			keysCommands(),
			donateCommand(),
			donationCommands(),
			beneficiaryCommands(),
			merchantCommands(),
			transactionCommands(),
			roleCommands(),
			statsCommand(),
			eventCommands(),
			journalCommands(),
			settlementCommands(),
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		Flags: globalFlags(),
	}
}

// globalFlags are available to all commands.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server-url",
			Usage:   "Ledger API URL",
			EnvVars: []string{"CHARITY_SERVER_URL", "SERVER_URL"},
			Value:   "http://localhost:8080",
		},
		&cli.StringFlag{
			Name:    "key",
			Aliases: []string{"k"},
			Usage:   "Signing key: a solana-keygen JSON file or a base58 private key",
			EnvVars: []string{"CHARITY_KEY"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "NATS server URL",
			EnvVars: []string{"NATS_URL"},
			Value:   "nats://localhost:4222",
		},
		&cli.StringFlag{
			Name:    "temporal-host",
			Usage:   "Temporal server address",
			EnvVars: []string{"TEMPORAL_HOST"},
			Value:   "localhost:7233",
		},
		&cli.StringFlag{
			Name:    "temporal-namespace",
			Usage:   "Temporal namespace",
			EnvVars: []string{"TEMPORAL_NAMESPACE"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "temporal-task-queue",
			Usage:   "Temporal task queue for settlement workflows",
			EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
			Value:   "charityledger-settlement",
		},
		&cli.BoolFlag{
			Name:    "json",
			Aliases: []string{"j"},
			Usage:   "Output in JSON format",
		},
		&cli.StringFlag{
			Name:  "jq",
			Usage: "jq expression applied to JSON output (implies --json)",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level for diagnostics written to stderr",
			EnvVars: []string{"LOG_LEVEL"},
			Value:   "warn",
		},
	}
}
