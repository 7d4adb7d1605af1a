package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/brojonat/charityledger/client"
	"github.com/brojonat/charityledger/service/db"
	charitysol "github.com/brojonat/charityledger/service/solana"
	"github.com/itchyny/gojq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

// requestTimeout bounds every API call made by the CLI. Streams are exempt.
const requestTimeout = 30 * time.Second

// newLogger writes diagnostics to the app's error writer so stdout stays clean for
// piping into jq.
func newLogger(c *cli.Context) *slog.Logger {
	var level slog.Level
	switch c.String("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(errWriter(c), &slog.HandlerOptions{Level: level}))
}

// newClient builds an API client. Signed clients require --key.
func newClient(c *cli.Context, signed bool) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set CHARITY_SERVER_URL env var or use --server-url)")
	}
	cl := client.NewClient(serverURL, &http.Client{Timeout: requestTimeout}, newLogger(c))
	if !signed {
		return cl, nil
	}

	keyRef := c.String("key")
	if keyRef == "" {
		return nil, fmt.Errorf("this command signs its request: set CHARITY_KEY or use --key")
	}
	key, err := charitysol.LoadKey(keyRef)
	if err != nil {
		return nil, err
	}
	return cl.WithSigner(key), nil
}

// getStore connects to the journal database.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(c.Context, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(c.Context); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool), pool.Close, nil
}

func apiContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, requestTimeout)
}

func outWriter(c *cli.Context) io.Writer {
	if c.App != nil && c.App.Writer != nil {
		return c.App.Writer
	}
	return os.Stdout
}

func errWriter(c *cli.Context) io.Writer {
	if c.App != nil && c.App.ErrWriter != nil {
		return c.App.ErrWriter
	}
	return os.Stderr
}

// render prints v as JSON when --json or --jq is set, and otherwise hands a tab
// writer to table.
func render(c *cli.Context, v any, table func(w io.Writer)) error {
	if expr := c.String("jq"); expr != "" {
		return outputJQ(outWriter(c), expr, v)
	}
	if c.Bool("json") || table == nil {
		return outputJSON(outWriter(c), v)
	}
	tw := tabwriter.NewWriter(outWriter(c), 0, 0, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputJQ runs expr over the JSON form of v and prints every result.
func outputJQ(w io.Writer, expr string, v any) error {
	code, err := compileJQ(expr)
	if err != nil {
		return err
	}
	input, err := toJQInput(v)
	if err != nil {
		return err
	}

	iter := code.Run(input)
	for {
		out, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := out.(error); ok {
			return fmt.Errorf("jq: %w", err)
		}
		if err := outputJSON(w, out); err != nil {
			return err
		}
	}
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

func compileJQFilters(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		code, err := compileJQ(expr)
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}
	return codes, nil
}

// toJQInput converts v to the generic maps and slices gojq operates on.
func toJQInput(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// matchesAll reports whether every filter yields a truthy first result for v.
func matchesAll(codes []*gojq.Code, v any) bool {
	if len(codes) == 0 {
		return true
	}
	input, err := toJQInput(v)
	if err != nil {
		return false
	}
	for _, code := range codes {
		out, ok := code.Run(input).Next()
		if !ok {
			return false
		}
		if _, isErr := out.(error); isErr {
			return false
		}
		if !isTruthy(out) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// argID parses the positional transaction or donation id.
func argID(c *cli.Context) (uint64, error) {
	if c.NArg() != 1 {
		return 0, fmt.Errorf("expected exactly one id argument")
	}
	id, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", c.Args().First())
	}
	return id, nil
}

// argAddress returns the single positional address argument.
func argAddress(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one address argument")
	}
	return c.Args().First(), nil
}

// optionalBool maps a tri-state string flag ("", "true", "false") to a filter.
func optionalBool(c *cli.Context, name string) (*bool, error) {
	raw := c.String(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("--%s must be true or false", name)
	}
	return &b, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func pageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Maximum number of results",
			Value: 100,
		},
		&cli.IntFlag{
			Name:  "offset",
			Usage: "Number of results to skip",
		},
	}
}
