package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/brojonat/charityledger/client"
	"github.com/urfave/cli/v2"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set CHARITY_SERVER_URL env var or use --server-url)")
			}

			cl := client.NewClient(serverURL, &http.Client{Timeout: c.Duration("timeout")}, newLogger(c))
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			health, err := cl.Health(ctx)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return render(c, health, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Server is healthy\n")
				fmt.Fprintf(w, "  URL:\t%s\n", serverURL)
				fmt.Fprintf(w, "  Database:\t%s\n", health.Database)
				fmt.Fprintf(w, "  Seq:\t%d\n", health.Seq)
				fmt.Fprintf(w, "  Owner:\t%s\n", health.Owner)
				fmt.Fprintf(w, "  Challenge window:\t%s\n", health.ChallengeWindow)
				fmt.Fprintf(w, "  Verifies donations:\t%t\n", health.VerifiesDonations)
			})
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			w := outWriter(c)
			fmt.Fprintf(w, "charity CLI\n")
			fmt.Fprintf(w, "  Version: %s\n", version)
			fmt.Fprintf(w, "  Commit:  %s\n", commit)
			fmt.Fprintf(w, "  Built:   %s\n", date)
			return nil
		},
	}
}
