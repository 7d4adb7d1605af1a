package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/brojonat/charityledger/service/archive"
	"github.com/brojonat/charityledger/service/db"
	"github.com/brojonat/charityledger/service/ledger"
	natspkg "github.com/brojonat/charityledger/service/nats"
	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

// journalPage is the batch size used when walking the journal.
const journalPage = 1000

// eventSource is the journal read path used by the journal commands.
type eventSource interface {
	ListEvents(ctx context.Context, params db.ListEventsParams) ([]ledger.Event, error)
}

func journalCommands() *cli.Command {
	return &cli.Command{
		Name:  "journal",
		Usage: "Inspect and ship the append-only event journal (requires --database-url)",
		Subcommands: []*cli.Command{
			listJournalCommand(),
			exportJournalCommand(),
			republishJournalCommand(),
			journalStatsCommand(),
		},
	}
}

func rangeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Uint64Flag{
			Name:  "after",
			Usage: "Only events with seq greater than this",
		},
		&cli.Uint64Flag{
			Name:  "until",
			Usage: "Only events with seq up to and including this (0 means the end of the journal)",
		},
		&cli.StringFlag{
			Name:  "kind",
			Usage: "Only events of this kind",
		},
	}
}

func listJournalCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List journaled events in seq order",
		Flags: append(rangeFlags(),
			&cli.IntFlag{Name: "limit", Usage: "Maximum number of events", Value: 100},
		),
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			events, err := collectEvents(c, store, c.Int("limit"))
			if err != nil {
				return err
			}
			return render(c, events, func(w io.Writer) {
				fmt.Fprintln(w, "SEQ\tTIMESTAMP\tKIND\tACTOR\tAMOUNT")
				for _, ev := range events {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", ev.Seq, formatTime(&ev.Timestamp), ev.Kind, orDash(actorString(ev.Actor)), ev.Amount)
				}
				fmt.Fprintf(errWriter(c), "\nTotal: %d events\n", len(events))
			})
		},
	}
}

func exportJournalCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export a journal range as newline-delimited JSON",
		Description: `Writes to --out (a file, or - for stdout) or uploads one object to --bucket
using the default AWS credential chain.

Examples:
  charity journal export --out journal.ndjson
  charity journal export --after 5000 --bucket ledger-archive --region eu-west-1`,
		Flags: append(rangeFlags(),
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file, - for stdout"},
			&cli.StringFlag{Name: "bucket", Usage: "S3 bucket to upload to", EnvVars: []string{"ARCHIVE_BUCKET"}},
			&cli.StringFlag{Name: "region", Usage: "S3 bucket region", EnvVars: []string{"ARCHIVE_REGION"}, Value: "us-east-1"},
		),
		Action: func(c *cli.Context) error {
			out, bucket := c.String("out"), c.String("bucket")
			if (out == "") == (bucket == "") {
				return fmt.Errorf("specify exactly one of --out or --bucket")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			events, err := collectEvents(c, store, 0)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return archive.ErrEmptySegment
			}

			if bucket != "" {
				exporter, err := archive.NewS3Exporter(c.Context, bucket, c.String("region"), newLogger(c))
				if err != nil {
					return err
				}
				seg, err := exporter.Export(c.Context, events)
				if err != nil {
					return err
				}
				return render(c, seg, func(w io.Writer) {
					fmt.Fprintf(w, "Uploaded:\ts3://%s/%s\n", seg.Bucket, seg.Key)
					fmt.Fprintf(w, "Events:\t%d (seq %d..%d)\n", seg.Events, seg.FirstSeq, seg.LastSeq)
					fmt.Fprintf(w, "Bytes:\t%d\n", seg.Bytes)
				})
			}

			if out == "-" {
				return archive.WriteNDJSON(outWriter(c), events)
			}
			f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			if err := archive.WriteNDJSON(f, events); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(errWriter(c), "Wrote %d events (seq %d..%d) to %s\n",
				len(events), events[0].Seq, events[len(events)-1].Seq, out)
			return nil
		},
	}
}

func republishJournalCommand() *cli.Command {
	return &cli.Command{
		Name:  "republish",
		Usage: "Publish journaled events to NATS again",
		Description: `Use after a NATS outage. Message ids are derived from the event, so events
still inside the stream's duplicate window are not delivered twice.`,
		Flags: rangeFlags(),
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			events, err := collectEvents(c, store, 0)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(errWriter(c), "No events in range")
				return nil
			}

			publisher, err := natspkg.NewPublisher(c.String("nats-url"), newLogger(c), nil)
			if err != nil {
				return err
			}
			defer publisher.Close()

			for start := 0; start < len(events); start += journalPage {
				end := min(start+journalPage, len(events))
				if err := publisher.Publish(c.Context, events[start:end]); err != nil {
					return fmt.Errorf("failed to republish seq %d..%d: %w", events[start].Seq, events[end-1].Seq, err)
				}
			}
			fmt.Fprintf(errWriter(c), "Republished %d events (seq %d..%d)\n",
				len(events), events[0].Seq, events[len(events)-1].Seq)
			return nil
		},
	}
}

func journalStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Compare the replayed journal with the database projections",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			report, err := buildJournalReport(c.Context, store, newLogger(c))
			if err != nil {
				return err
			}
			if err := render(c, report, func(w io.Writer) {
				fmt.Fprintf(w, "Last seq:\t%d\n", report.LastSeq)
				fmt.Fprintf(w, "Donations:\t%d (total %d)\n", report.Replayed.DonationCount, report.Replayed.TotalDonations)
				fmt.Fprintf(w, "Transactions:\t%d\n", report.Replayed.TransactionCount)
				fmt.Fprintf(w, "Released:\t%d\n", report.Replayed.TotalReleased)
				fmt.Fprintf(w, "Contract balance:\t%d\n", report.Replayed.ContractBalance)
				for status := ledger.StatusPending; status.Valid(); status++ {
					fmt.Fprintf(w, "  %s:\t%d\n", status, report.StatusCounts[status.String()])
				}
				fmt.Fprintf(w, "Projections consistent:\t%t\n", report.Consistent)
			}); err != nil {
				return err
			}
			if !report.Consistent {
				return fmt.Errorf("projections differ from the replayed journal")
			}
			return nil
		},
	}
}

// journalReport summarizes the journal and checks it against the projections.
type journalReport struct {
	LastSeq      uint64           `json:"last_seq"`
	Replayed     statsView        `json:"replayed"`
	Projected    statsView        `json:"projected"`
	StatusCounts map[string]int64 `json:"status_counts"`
	Consistent   bool             `json:"consistent"`
}

type statsView struct {
	TotalDonations   int64  `json:"total_donations"`
	DonationCount    uint64 `json:"donation_count"`
	TransactionCount uint64 `json:"transaction_count"`
	TotalReleased    int64  `json:"total_released"`
	ContractBalance  int64  `json:"contract_balance"`
}

func toStatsView(s ledger.Stats) statsView {
	return statsView(s)
}

func buildJournalReport(ctx context.Context, store *db.Store, logger *slog.Logger) (*journalReport, error) {
	events, err := store.LoadEvents(ctx)
	if err != nil {
		return nil, err
	}
	replayed, err := replayStats(events, logger)
	if err != nil {
		return nil, err
	}
	projected, err := store.ProjectionStats(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := store.TransactionStatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	lastSeq, err := store.LastSeq(ctx)
	if err != nil {
		return nil, err
	}

	report := &journalReport{
		LastSeq:      lastSeq,
		Replayed:     toStatsView(replayed),
		Projected:    toStatsView(projected),
		StatusCounts: make(map[string]int64, len(counts)),
		Consistent:   replayed == projected,
	}
	for status, n := range counts {
		report.StatusCounts[status.String()] = n
	}
	return report, nil
}

// replayStats rebuilds a throwaway ledger from events and returns its aggregates.
func replayStats(events []ledger.Event, logger *slog.Logger) (ledger.Stats, error) {
	l, err := ledger.New(ledger.Config{Owner: journalOwner(events), Logger: logger})
	if err != nil {
		return ledger.Stats{}, err
	}
	if err := l.Restore(events); err != nil {
		return ledger.Stats{}, fmt.Errorf("failed to replay journal: %w", err)
	}
	return l.Stats(), nil
}

// journalOwner guesses the owner as the first role granter. Replay does not check
// authorization, so any non-zero key works for an empty or role-less journal.
func journalOwner(events []ledger.Event) ledger.Address {
	for _, ev := range events {
		if ev.Kind == ledger.EventRoleGranted && ev.Actor != nil {
			return *ev.Actor
		}
	}
	return solana.NewWallet().PublicKey()
}

// collectEvents pages through the journal honouring --after, --until and --kind.
// limit of 0 reads the whole range.
func collectEvents(c *cli.Context, src eventSource, limit int) ([]ledger.Event, error) {
	var kind *ledger.EventKind
	if raw := c.String("kind"); raw != "" {
		k := ledger.EventKind(raw)
		if !k.Valid() {
			return nil, fmt.Errorf("unknown event kind %q", raw)
		}
		kind = &k
	}
	return readRange(c.Context, src, c.Uint64("after"), c.Uint64("until"), kind, limit)
}

func readRange(ctx context.Context, src eventSource, after, until uint64, kind *ledger.EventKind, limit int) ([]ledger.Event, error) {
	var events []ledger.Event
	for {
		page, err := src.ListEvents(ctx, db.ListEventsParams{AfterSeq: after, Kind: kind, Limit: journalPage})
		if err != nil {
			return nil, err
		}
		for _, ev := range page {
			if until > 0 && ev.Seq > until {
				return events, nil
			}
			events = append(events, ev)
			if limit > 0 && len(events) >= limit {
				return events, nil
			}
		}
		if len(page) < journalPage {
			return events, nil
		}
		after = page[len(page)-1].Seq
	}
}
