package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/charityledger/service/ledger"
	"github.com/brojonat/charityledger/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Store is the Postgres journal of the ledger. Append writes events and updates the
// read projections in one transaction, so it satisfies ledger.Journal. LastSeq lets
// the ledger settle a commit whose acknowledgement was lost.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

var _ ledger.SeqJournal = (*Store)(nil)

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithMetrics enables query duration metrics.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// Migrate creates the journal and projection tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append journals events and updates projections atomically.
func (s *Store) Append(ctx context.Context, events []ledger.Event) (err error) {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { s.record("append", "ledger_events", start, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", ev.Seq, err)
		}
		batch.Queue(
			`INSERT INTO ledger_events (seq, kind, occurred_at, actor, data) VALUES ($1, $2, $3, $4, $5)`,
			int64(ev.Seq), string(ev.Kind), ev.Timestamp, pgtextFromAddress(ev.Actor), data,
		)
		if err := queueProjection(batch, ev); err != nil {
			return err
		}
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return fmt.Errorf("%w: %s", ledger.ErrJournalMismatch, pgErr.Detail)
			}
			return fmt.Errorf("failed to write event batch: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close event batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}

	if s.metrics != nil {
		for _, ev := range events {
			s.metrics.RecordEventJournaled(string(ev.Kind))
		}
	}
	return nil
}

// ListEventsParams selects a page of the journal.
type ListEventsParams struct {
	AfterSeq uint64
	Kind     *ledger.EventKind
	Limit    int32
}

// ListEvents returns journaled events with seq greater than AfterSeq in seq order.
func (s *Store) ListEvents(ctx context.Context, params ListEventsParams) (events []ledger.Event, err error) {
	start := time.Now()
	defer func() { s.record("list", "ledger_events", start, err) }()

	limit := params.Limit
	if limit <= 0 {
		limit = 1000
	}
	var kind pgtype.Text
	if params.Kind != nil {
		kind = pgtype.Text{String: string(*params.Kind), Valid: true}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT data FROM ledger_events
		 WHERE seq > $1 AND ($2::text IS NULL OR kind = $2)
		 ORDER BY seq
		 LIMIT $3`,
		int64(params.AfterSeq), kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Event, error) {
		var data []byte
		if err := row.Scan(&data); err != nil {
			return ledger.Event{}, err
		}
		var ev ledger.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return ledger.Event{}, fmt.Errorf("failed to decode event: %w", err)
		}
		return ev, nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// LoadEvents returns the whole journal in seq order, paging through it in batches.
func (s *Store) LoadEvents(ctx context.Context) ([]ledger.Event, error) {
	var all []ledger.Event
	var after uint64
	for {
		page, err := s.ListEvents(ctx, ListEventsParams{AfterSeq: after, Limit: 5000})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < 5000 {
			return all, nil
		}
		after = page[len(page)-1].Seq
	}
}

// LastSeq returns the highest journaled sequence number, or 0 for an empty journal.
func (s *Store) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query last seq: %w", err)
	}
	return uint64(seq), nil
}

func (s *Store) record(operation, table string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
	}
}

func pgtextFromAddress(a *ledger.Address) pgtype.Text {
	if a == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: a.String(), Valid: true}
}

func pgtextFromString(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

func pgTimestamptzFromPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
