package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/charityledger/service/metrics"
)

const (
	maxBusinessNameLength    = 128
	maxItemDescriptionLength = 256
	maxProofHashLength       = 256
	maxReasonLength          = 512
	maxReferenceLength       = 128
)

// Config holds the dependencies and policy of a Ledger.
type Config struct {
	// Owner is the bootstrap admin key. Only the owner may grant or revoke roles.
	Owner Address

	// ChallengeWindow is how long a transaction stays in ProofSubmitted before it can be
	// finalized. Zero completes transactions as soon as the merchant submits proof.
	ChallengeWindow time.Duration

	Journal   Journal          // optional; nil keeps state in memory only
	Publisher Publisher        // optional
	Metrics   *metrics.Metrics // optional
	Logger    *slog.Logger
	Clock     func() time.Time // defaults to time.Now
}

// Ledger is the charity transaction state machine. All mutations are serialized by a
// single writer lock and follow decide, journal, apply: preconditions are checked and
// events built without touching state, events are journaled, and only then applied.
type Ledger struct {
	owner     Address
	window    time.Duration
	journal   Journal
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	clock     func() time.Time

	// pubMu orders publication. It is acquired while mu is still held.
	pubMu sync.Mutex

	mu             sync.RWMutex
	halted         error
	seq            uint64
	donations      []*Donation
	donationRefs   map[string]uint64
	beneficiaries  map[Address]*Beneficiary
	merchants      map[Address]*Merchant
	transactions   []*Transaction
	roles          map[Address]RoleSet
	totalDonations int64
	totalReleased  int64
}

// New creates an empty ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Owner.IsZero() {
		return nil, fmt.Errorf("%w: ledger owner is required", ErrInvalidArgument)
	}
	if cfg.ChallengeWindow < 0 {
		return nil, fmt.Errorf("%w: challenge window cannot be negative", ErrInvalidArgument)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Ledger{
		owner:         cfg.Owner,
		window:        cfg.ChallengeWindow,
		journal:       cfg.Journal,
		publisher:     cfg.Publisher,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With("component", "ledger"),
		clock:         cfg.Clock,
		donationRefs:  make(map[string]uint64),
		beneficiaries: make(map[Address]*Beneficiary),
		merchants:     make(map[Address]*Merchant),
		roles:         make(map[Address]RoleSet),
	}, nil
}

// Owner returns the bootstrap admin address.
func (l *Ledger) Owner() Address { return l.owner }

// ChallengeWindow returns the configured settlement delay.
func (l *Ledger) ChallengeWindow() time.Duration { return l.window }

// Seq returns the sequence number of the last applied event.
func (l *Ledger) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Restore replays journaled events into an empty ledger. Sequence numbers must be
// contiguous starting at 1. Nothing is journaled or published.
func (l *Ledger) Restore(events []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range events {
		if ev.Seq != l.seq+1 {
			return fmt.Errorf("%w: expected seq %d, got %d", ErrJournalMismatch, l.seq+1, ev.Seq)
		}
		if err := l.apply(ev); err != nil {
			return fmt.Errorf("replay seq %d (%s): %w", ev.Seq, ev.Kind, err)
		}
	}

	l.logger.Info("ledger restored from journal",
		"events", len(events),
		"seq", l.seq,
		"donations", len(l.donations),
		"transactions", len(l.transactions),
	)
	return nil
}

// decision builds the events of one mutation from the current state. It must not
// modify the ledger.
type decision func(now time.Time) ([]Event, error)

// mutate runs one decide, journal, apply cycle. after runs under the write lock once
// the events are applied and is used to capture post-state for the caller.
func (l *Ledger) mutate(ctx context.Context, op string, caller Address, decide decision, after func()) error {
	start := time.Now()

	l.mu.Lock()
	var events []Event
	err := l.halted
	if err == nil {
		events, err = decide(l.clock().UTC())
	}
	if err == nil {
		err = l.commitLocked(ctx, events)
	}
	if err == nil && after != nil {
		after()
	}
	publish := err == nil && len(events) > 0
	if publish {
		// Taken before the write lock is released so batches are published in seq order.
		l.pubMu.Lock()
	}
	l.mu.Unlock()

	if publish {
		l.publish(ctx, events)
		l.pubMu.Unlock()
	}

	if l.metrics != nil {
		l.metrics.RecordLedgerOperation(op, Outcome(err), time.Since(start).Seconds())
	}

	if err != nil {
		l.logger.DebugContext(ctx, "ledger operation rejected",
			"op", op,
			"caller", caller.String(),
			"outcome", Outcome(err),
			"error", err,
		)
		return err
	}

	if len(events) == 0 {
		l.logger.DebugContext(ctx, "ledger operation was a no-op", "op", op, "caller", caller.String())
		return nil
	}

	l.logger.InfoContext(ctx, "ledger operation committed",
		"op", op,
		"caller", caller.String(),
		"seq", events[len(events)-1].Seq,
		"kind", events[len(events)-1].Kind,
	)
	return nil
}

func (l *Ledger) commitLocked(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		events[i].Seq = l.seq + uint64(i) + 1
	}

	if l.journal != nil {
		// A cancelled request must not abandon a commit that is already in flight.
		if err := l.journal.Append(context.WithoutCancel(ctx), events); err != nil {
			committed, cerr := l.journalCommitted(ctx, events)
			if cerr != nil {
				l.halted = fmt.Errorf("%w: outcome of seq %d-%d is unknown, restart to replay the journal: %v",
					ErrJournalMismatch, events[0].Seq, events[len(events)-1].Seq, cerr)
				l.logger.ErrorContext(ctx, "ledger halted after ambiguous journal write",
					"first_seq", events[0].Seq,
					"last_seq", events[len(events)-1].Seq,
					"append_error", err,
					"error", cerr,
				)
				return fmt.Errorf("failed to journal events: %w", err)
			}
			if !committed {
				return fmt.Errorf("failed to journal events: %w", err)
			}
			l.logger.WarnContext(ctx, "journal reported an error but the events were committed",
				"last_seq", events[len(events)-1].Seq,
				"error", err,
			)
		}
	}

	for _, ev := range events {
		if err := l.apply(ev); err != nil {
			// Journaled but not applied: the in-memory state is behind the journal and a
			// restart will replay it. This only happens if decide and apply disagree.
			l.logger.ErrorContext(ctx, "committed event could not be applied",
				"seq", ev.Seq,
				"kind", ev.Kind,
				"error", err,
			)
			return fmt.Errorf("apply seq %d: %w", ev.Seq, err)
		}
	}
	return nil
}

// journalCommitted asks the journal whether events were written after Append
// returned an error. Journals that cannot report their last seq are trusted to be
// all-or-nothing.
func (l *Ledger) journalCommitted(ctx context.Context, events []Event) (bool, error) {
	seqr, ok := l.journal.(SeqJournal)
	if !ok {
		return false, nil
	}
	last, err := seqr.LastSeq(context.WithoutCancel(ctx))
	if err != nil {
		return false, fmt.Errorf("failed to read journal seq: %w", err)
	}
	switch last {
	case events[len(events)-1].Seq:
		return true, nil
	case l.seq:
		return false, nil
	default:
		return false, fmt.Errorf("journal is at seq %d, ledger at %d", last, l.seq)
	}
}

func (l *Ledger) publish(ctx context.Context, events []Event) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, events); err != nil {
		l.logger.WarnContext(ctx, "failed to publish ledger events",
			"first_seq", events[0].Seq,
			"count", len(events),
			"error", err,
		)
	}
}

// apply mutates state from one event. It validates structure only; business rules
// were enforced when the event was decided.
func (l *Ledger) apply(ev Event) error {
	switch ev.Kind {
	case EventDonationReceived:
		if ev.Donor == nil || ev.DonationID != uint64(len(l.donations))+1 {
			return fmt.Errorf("%w: donation %d out of order", ErrJournalMismatch, ev.DonationID)
		}
		d := &Donation{
			ID:        ev.DonationID,
			Donor:     *ev.Donor,
			Amount:    ev.Amount,
			Reference: ev.Reference,
			Timestamp: ev.Timestamp,
		}
		if ev.Payload != nil {
			d.Payload = *ev.Payload
		}
		l.donations = append(l.donations, d)
		if d.Reference != "" {
			l.donationRefs[d.Reference] = d.ID
		}
		l.totalDonations += ev.Amount

	case EventBeneficiaryRegistered:
		if ev.Beneficiary == nil || ev.IdentityHash == nil {
			return fmt.Errorf("%w: incomplete beneficiary registration", ErrJournalMismatch)
		}
		if _, ok := l.beneficiaries[*ev.Beneficiary]; ok {
			return fmt.Errorf("%w: beneficiary %s registered twice", ErrJournalMismatch, ev.Beneficiary)
		}
		l.beneficiaries[*ev.Beneficiary] = &Beneficiary{
			Address:      *ev.Beneficiary,
			IdentityHash: *ev.IdentityHash,
			RegisteredAt: ev.Timestamp,
		}

	case EventBeneficiaryVerified:
		b, err := l.eventBeneficiary(ev)
		if err != nil {
			return err
		}
		b.Verified = true
		b.VerifiedAt = timePtr(ev.Timestamp)

	case EventVoucherIssued:
		b, err := l.eventBeneficiary(ev)
		if err != nil {
			return err
		}
		b.VoucherBalance += ev.Amount

	case EventMerchantRegistered:
		if ev.Merchant == nil {
			return fmt.Errorf("%w: incomplete merchant registration", ErrJournalMismatch)
		}
		if _, ok := l.merchants[*ev.Merchant]; ok {
			return fmt.Errorf("%w: merchant %s registered twice", ErrJournalMismatch, ev.Merchant)
		}
		l.merchants[*ev.Merchant] = &Merchant{
			Address:      *ev.Merchant,
			BusinessName: ev.BusinessName,
			RegisteredAt: ev.Timestamp,
		}

	case EventMerchantApproved:
		m, err := l.eventMerchant(ev)
		if err != nil {
			return err
		}
		m.Approved = true
		m.ApprovedAt = timePtr(ev.Timestamp)

	case EventVoucherRedeemed:
		b, err := l.eventBeneficiary(ev)
		if err != nil {
			return err
		}
		if _, err := l.eventMerchant(ev); err != nil {
			return err
		}
		if ev.TransactionID != uint64(len(l.transactions))+1 {
			return fmt.Errorf("%w: transaction %d out of order", ErrJournalMismatch, ev.TransactionID)
		}
		b.VoucherBalance -= ev.Amount
		l.transactions = append(l.transactions, &Transaction{
			ID:              ev.TransactionID,
			Beneficiary:     *ev.Beneficiary,
			Merchant:        *ev.Merchant,
			Amount:          ev.Amount,
			ItemDescription: ev.ItemDescription,
			Status:          StatusPending,
			CreatedAt:       ev.Timestamp,
		})

	case EventDeliveryProofSubmitted:
		tx, err := l.eventTransaction(ev)
		if err != nil {
			return err
		}
		tx.DeliveryProofHash = ev.ProofHash
		tx.ProofSubmittedAt = timePtr(ev.Timestamp)
		tx.ChallengeDeadline = cloneTime(ev.Deadline)
		tx.Status = StatusProofSubmitted

	case EventTransactionCompleted:
		tx, err := l.eventTransaction(ev)
		if err != nil {
			return err
		}
		m, ok := l.merchants[tx.Merchant]
		if !ok {
			return fmt.Errorf("%w: merchant %s of transaction %d missing", ErrJournalMismatch, tx.Merchant, tx.ID)
		}
		if ev.ProofHash != "" && tx.DeliveryProofHash == "" {
			tx.DeliveryProofHash = ev.ProofHash
			tx.ProofSubmittedAt = timePtr(ev.Timestamp)
		}
		tx.Status = StatusCompleted
		tx.SettledAt = timePtr(ev.Timestamp)
		m.TotalTransactions++
		l.totalReleased += tx.Amount

	case EventTransactionChallenged:
		tx, err := l.eventTransaction(ev)
		if err != nil {
			return err
		}
		if ev.Actor == nil {
			return fmt.Errorf("%w: challenge without auditor", ErrJournalMismatch)
		}
		tx.Status = StatusChallenged
		tx.Challenge = &Challenge{
			Auditor:    *ev.Actor,
			Reason:     ev.Reason,
			Challenged: ev.Timestamp,
		}

	case EventTransactionRefunded:
		tx, err := l.eventTransaction(ev)
		if err != nil {
			return err
		}
		b, ok := l.beneficiaries[tx.Beneficiary]
		if !ok {
			return fmt.Errorf("%w: beneficiary %s of transaction %d missing", ErrJournalMismatch, tx.Beneficiary, tx.ID)
		}
		b.VoucherBalance += tx.Amount
		tx.Status = StatusRefunded
		tx.SettledAt = timePtr(ev.Timestamp)

	case EventRoleGranted, EventRoleRevoked:
		if ev.Subject == nil || ev.Role == nil || !ev.Role.Valid() {
			return fmt.Errorf("%w: incomplete role event", ErrJournalMismatch)
		}
		set := l.roles[*ev.Subject]
		if ev.Kind == EventRoleGranted {
			set = set.With(*ev.Role)
		} else {
			set = set.Without(*ev.Role)
		}
		if set == 0 {
			delete(l.roles, *ev.Subject)
		} else {
			l.roles[*ev.Subject] = set
		}

	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrJournalMismatch, ev.Kind)
	}

	l.seq = ev.Seq
	return nil
}

func (l *Ledger) eventBeneficiary(ev Event) (*Beneficiary, error) {
	if ev.Beneficiary == nil {
		return nil, fmt.Errorf("%w: %s without beneficiary", ErrJournalMismatch, ev.Kind)
	}
	b, ok := l.beneficiaries[*ev.Beneficiary]
	if !ok {
		return nil, fmt.Errorf("%w: unknown beneficiary %s", ErrJournalMismatch, ev.Beneficiary)
	}
	return b, nil
}

func (l *Ledger) eventMerchant(ev Event) (*Merchant, error) {
	if ev.Merchant == nil {
		return nil, fmt.Errorf("%w: %s without merchant", ErrJournalMismatch, ev.Kind)
	}
	m, ok := l.merchants[*ev.Merchant]
	if !ok {
		return nil, fmt.Errorf("%w: unknown merchant %s", ErrJournalMismatch, ev.Merchant)
	}
	return m, nil
}

func (l *Ledger) eventTransaction(ev Event) (*Transaction, error) {
	if ev.TransactionID == 0 || ev.TransactionID > uint64(len(l.transactions)) {
		return nil, fmt.Errorf("%w: unknown transaction %d", ErrJournalMismatch, ev.TransactionID)
	}
	return l.transactions[ev.TransactionID-1], nil
}
