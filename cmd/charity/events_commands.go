package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/charityledger/client"
	"github.com/brojonat/charityledger/service/ledger"
	natspkg "github.com/brojonat/charityledger/service/nats"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// errEnoughEvents stops a stream once --count events have been printed.
var errEnoughEvents = errors.New("event count reached")

func eventCommands() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Follow ledger events",
		Subcommands: []*cli.Command{
			subscribeEventsCommand(),
			streamEventsCommand(),
			inspectStreamCommand(),
		},
	}
}

func followFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "kind",
			Usage: "Only events of this kind (for example voucher_redeemed)",
		},
		&cli.StringSliceFlag{
			Name:  "must-jq",
			Usage: "jq filter that must evaluate to true for an event to be printed (repeatable, all must match)",
		},
		&cli.IntFlag{
			Name:    "count",
			Aliases: []string{"n"},
			Usage:   "Exit after printing this many events (0 runs until interrupted)",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Give up after this long (0 waits forever)",
		},
	}
}

func subscribeEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Subscribe to ledger events on NATS JetStream",
		Description: `Reads events straight from the LEDGER stream. Events are published to
ledger.<kind>.

Example:
  charity events subscribe --kind transaction_challenged --must-jq '.amount > 1000'`,
		Flags: append(followFlags(),
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay every retained event before following new ones",
			},
		),
		Action: func(c *cli.Context) error {
			f, err := newEventFollower(c)
			if err != nil {
				return err
			}
			ctx, cancel := f.context(c)
			defer cancel()

			sub, err := natspkg.NewSubscriber(c.String("nats-url"), "charity-cli", newLogger(c))
			if err != nil {
				return err
			}
			defer sub.Close()

			err = sub.Subscribe(ctx, natspkg.SubscribeOptions{
				Kind:       c.String("kind"),
				DeliverAll: c.Bool("all"),
			}, func(ev ledger.Event) {
				if f.handle(ev, ev.Seq, string(ev.Kind), ev.Timestamp, actorString(ev.Actor)) {
					cancel()
				}
			})
			return f.finish(ctx, err)
		},
	}
}

func streamEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Follow ledger events through the server's SSE endpoint",
		Description: `Connects to /api/v1/stream/events, so only the API has to be reachable.

Example:
  charity events stream --kind donation_received --count 1 --json`,
		Flags: followFlags(),
		Action: func(c *cli.Context) error {
			f, err := newEventFollower(c)
			if err != nil {
				return err
			}
			ctx, cancel := f.context(c)
			defer cancel()

			cl, err := newClient(c, false)
			if err != nil {
				return err
			}

			err = cl.StreamEvents(ctx, c.String("kind"), func(ev client.Event) error {
				if f.handle(ev, ev.Seq, ev.Kind, ev.Timestamp, ev.Actor) {
					return errEnoughEvents
				}
				return nil
			})
			return f.finish(ctx, err)
		},
	}
}

// eventFollower applies the shared filtering and output of the follow commands.
type eventFollower struct {
	filters []*gojq.Code
	limit   int
	printed int
	json    bool
	timeout time.Duration
	out     io.Writer
}

func newEventFollower(c *cli.Context) (*eventFollower, error) {
	if _, err := natspkg.FilterSubject(c.String("kind")); err != nil {
		return nil, err
	}
	filters, err := compileJQFilters(c.StringSlice("must-jq"))
	if err != nil {
		return nil, err
	}
	return &eventFollower{
		filters: filters,
		limit:   c.Int("count"),
		json:    c.Bool("json") || c.String("jq") != "",
		timeout: c.Duration("timeout"),
		out:     outWriter(c),
	}, nil
}

// context is cancelled by SIGINT, SIGTERM or the timeout.
func (f *eventFollower) context(c *cli.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	if f.timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// handle prints ev if it passes the filters and reports whether the limit is reached.
func (f *eventFollower) handle(ev any, seq uint64, kind string, ts time.Time, actor string) bool {
	if !matchesAll(f.filters, ev) {
		return false
	}
	if f.json {
		// One object per line so the output can be piped.
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		fmt.Fprintln(f.out, string(data))
	} else {
		fmt.Fprintf(f.out, "%d\t%s\t%s\t%s\n", seq, ts.Format(time.RFC3339), kind, orDash(actor))
	}
	f.printed++
	return f.limit > 0 && f.printed >= f.limit
}

func actorString(a *ledger.Address) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func (f *eventFollower) finish(ctx context.Context, err error) error {
	if errors.Is(err, errEnoughEvents) {
		return nil
	}
	if f.limit > 0 && f.printed >= f.limit {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s with %d matching events", f.timeout, f.printed)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the LEDGER JetStream stream",
		Action: func(c *cli.Context) error {
			nc, js, err := natspkg.Connect(c.String("nats-url"), "charity-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()

			stream, err := js.Stream(ctx, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream %s: %w", natspkg.StreamName, err)
			}
			info, err := stream.Info(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			out := map[string]any{
				"name":      info.Config.Name,
				"subjects":  info.Config.Subjects,
				"max_age":   info.Config.MaxAge.String(),
				"messages":  info.State.Msgs,
				"bytes":     info.State.Bytes,
				"first_seq": info.State.FirstSeq,
				"last_seq":  info.State.LastSeq,
				"consumers": info.State.Consumers,
			}
			return render(c, out, func(w io.Writer) {
				fmt.Fprintf(w, "Stream:\t%s\n", info.Config.Name)
				fmt.Fprintf(w, "Subjects:\t%v\n", info.Config.Subjects)
				fmt.Fprintf(w, "Retention:\t%s\n", info.Config.MaxAge)
				fmt.Fprintf(w, "Messages:\t%d\n", info.State.Msgs)
				fmt.Fprintf(w, "Bytes:\t%d\n", info.State.Bytes)
				fmt.Fprintf(w, "Sequence range:\t%d..%d\n", info.State.FirstSeq, info.State.LastSeq)
				fmt.Fprintf(w, "Consumers:\t%d\n", info.State.Consumers)
			})
		},
	}
}
