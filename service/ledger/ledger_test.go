package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingJournal struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

func (j *recordingJournal) Append(ctx context.Context, events []Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail != nil {
		return j.fail
	}
	j.events = append(j.events, events...)
	return nil
}

func (j *recordingJournal) all() []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Event(nil), j.events...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

func (p *recordingPublisher) Publish(ctx context.Context, events []Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return p.fail
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ledger    *Ledger
	journal   *recordingJournal
	publisher *recordingPublisher
	clock     *fakeClock

	owner, ngo, auditor, donor, beneficiary, merchant Address
}

func newAddress() Address {
	return solana.NewWallet().PublicKey()
}

func newFixture(t *testing.T, window time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		journal:     &recordingJournal{},
		publisher:   &recordingPublisher{},
		clock:       &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		owner:       newAddress(),
		ngo:         newAddress(),
		auditor:     newAddress(),
		donor:       newAddress(),
		beneficiary: newAddress(),
		merchant:    newAddress(),
	}

	l, err := New(Config{
		Owner:           f.owner,
		ChallengeWindow: window,
		Journal:         f.journal,
		Publisher:       f.publisher,
		Clock:           f.clock.Now,
	})
	require.NoError(t, err)
	f.ledger = l

	ctx := context.Background()
	_, err = l.GrantRole(ctx, f.owner, f.ngo, RoleNGO)
	require.NoError(t, err)
	_, err = l.GrantRole(ctx, f.owner, f.auditor, RoleAuditor)
	require.NoError(t, err)
	return f
}

// onboard registers and verifies the beneficiary, registers and approves the merchant
// and issues balance in vouchers.
func (f *fixture) onboard(t *testing.T, balance int64) {
	t.Helper()
	ctx := context.Background()

	_, err := f.ledger.RegisterBeneficiary(ctx, f.beneficiary, testHash(1))
	require.NoError(t, err)
	_, err = f.ledger.VerifyBeneficiary(ctx, f.ngo, f.beneficiary)
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.ledger.IssueVoucher(ctx, f.ngo, f.beneficiary, balance)
		require.NoError(t, err)
	}
	_, err = f.ledger.RegisterMerchant(ctx, f.merchant, "Corner Grocery")
	require.NoError(t, err)
	_, err = f.ledger.ApproveMerchant(ctx, f.ngo, f.merchant)
	require.NoError(t, err)
}

func testHash(b byte) Hash {
	var h Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(Config{Owner: newAddress(), ChallengeWindow: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	l, err := New(Config{Owner: newAddress()})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), l.ChallengeWindow())
	assert.Equal(t, uint64(0), l.Seq())
	assert.Equal(t, Stats{}, l.Stats())
}

func TestRedeemAndCompleteImmediately(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.onboard(t, 500)

	tx, err := f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 200, "Rice 5kg")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tx.ID)
	assert.Equal(t, StatusPending, tx.Status)

	b, err := f.ledger.GetBeneficiary(f.beneficiary)
	require.NoError(t, err)
	assert.Equal(t, int64(300), b.VoucherBalance)

	tx, err = f.ledger.SubmitDeliveryProof(ctx, f.merchant, 1, "QmDeliveryProof")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.Equal(t, "QmDeliveryProof", tx.DeliveryProofHash)
	require.NotNil(t, tx.SettledAt)
	assert.Nil(t, tx.ChallengeDeadline)

	m, err := f.ledger.GetMerchant(f.merchant)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.TotalTransactions)

	stats := f.ledger.Stats()
	assert.Equal(t, uint64(1), stats.TransactionCount)
	assert.Equal(t, int64(200), stats.TotalReleased)
	assert.Equal(t, int64(-200), stats.ContractBalance)

	events := f.journal.all()
	last := events[len(events)-1]
	assert.Equal(t, EventTransactionCompleted, last.Kind)
	assert.Equal(t, uint64(1), last.MerchantTransactions)
	assert.Equal(t, int64(200), last.Amount)
}

func TestChallengeAndRefund(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.onboard(t, 500)

	_, err := f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 200, "Blankets")
	require.NoError(t, err)

	tx, err := f.ledger.ChallengeTransaction(ctx, f.auditor, 1, "Receipt does not match item")
	require.NoError(t, err)
	assert.Equal(t, StatusChallenged, tx.Status)
	require.NotNil(t, tx.Challenge)
	assert.Equal(t, f.auditor, tx.Challenge.Auditor)
	assert.Equal(t, "Receipt does not match item", tx.Challenge.Reason)

	tx, err = f.ledger.RefundTransaction(ctx, f.auditor, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, tx.Status)

	b, err := f.ledger.GetBeneficiary(f.beneficiary)
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.VoucherBalance)

	_, err = f.ledger.SubmitDeliveryProof(ctx, f.merchant, 1, "late proof")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = f.ledger.RefundTransaction(ctx, f.auditor, 1)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	b, err = f.ledger.GetBeneficiary(f.beneficiary)
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.VoucherBalance, "second refund must not credit again")
}

func TestNGOCanRefund(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.onboard(t, 100)

	_, err := f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 40, "Soap")
	require.NoError(t, err)
	_, err = f.ledger.ChallengeTransaction(ctx, f.auditor, 1, "duplicate")
	require.NoError(t, err)

	_, err = f.ledger.RefundTransaction(ctx, f.merchant, 1)
	assert.ErrorIs(t, err, ErrUnauthorized)

	tx, err := f.ledger.RefundTransaction(ctx, f.ngo, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, tx.Status)
}

func TestChallengeWindow(t *testing.T) {
	window := 24 * time.Hour

	t.Run("proof waits for deadline then finalizes", func(t *testing.T) {
		f := newFixture(t, window)
		ctx := context.Background()
		f.onboard(t, 100)

		_, err := f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 60, "Medicine")
		require.NoError(t, err)

		tx, err := f.ledger.SubmitDeliveryProof(ctx, f.merchant, 1, "proof")
		require.NoError(t, err)
		assert.Equal(t, StatusProofSubmitted, tx.Status)
		require.NotNil(t, tx.ChallengeDeadline)
		assert.Equal(t, f.clock.Now().Add(window), *tx.ChallengeDeadline)

		_, err = f.ledger.FinalizeTransaction(ctx, Address{}, 1)
		assert.ErrorIs(t, err, ErrInvalidStateTransition, "finalize before deadline")

		f.clock.Advance(window)
		_, err = f.ledger.ChallengeTransaction(ctx, f.auditor, 1, "too late")
		assert.ErrorIs(t, err, ErrInvalidStateTransition, "challenge after deadline")

		tx, err = f.ledger.FinalizeTransaction(ctx, Address{}, 1)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, tx.Status)

		events := f.journal.all()
		assert.Nil(t, events[len(events)-1].Actor)

		m, err := f.ledger.GetMerchant(f.merchant)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), m.TotalTransactions)
		assert.Equal(t, int64(60), f.ledger.Stats().TotalReleased)
	})

	t.Run("auditor approves early", func(t *testing.T) {
		f := newFixture(t, window)
		ctx := context.Background()
		f.onboard(t, 100)

		_, err := f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 60, "Medicine")
		require.NoError(t, err)

		_, err = f.ledger.ApproveTransaction(ctx, f.auditor, 1)
		assert.ErrorIs(t, err, ErrInvalidStateTransition, "approve needs proof first")

		_, err = f.ledger.SubmitDeliveryProof(ctx, f.merchant, 1, "proof")
		require.NoError(t, err)

		_, err = f.ledger.ApproveTransaction(ctx, f.ngo, 1)
		assert.ErrorIs(t, err, ErrUnauthorized)

		tx, err := f.ledger.ApproveTransaction(ctx, f.auditor, 1)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, tx.Status)

		f.clock.Advance(window)
		_, err = f.ledger.FinalizeTransaction(ctx, Address{}, 1)
		assert.ErrorIs(t, err, ErrInvalidStateTransition)
	})

	t.Run("challenge during window then refund", func(t *testing.T) {
		f := newFixture(t, window)
		ctx := context.Background()
		f.onboard(t, 100)

		_, err := f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 60, "Medicine")
		require.NoError(t, err)
		_, err = f.ledger.SubmitDeliveryProof(ctx, f.merchant, 1, "proof")
		require.NoError(t, err)

		f.clock.Advance(time.Hour)
		_, err = f.ledger.ChallengeTransaction(ctx, f.auditor, 1, "photo is of another shop")
		require.NoError(t, err)

		f.clock.Advance(window)
		_, err = f.ledger.FinalizeTransaction(ctx, Address{}, 1)
		assert.ErrorIs(t, err, ErrInvalidStateTransition)

		_, err = f.ledger.RefundTransaction(ctx, f.auditor, 1)
		require.NoError(t, err)
		b, err := f.ledger.GetBeneficiary(f.beneficiary)
		require.NoError(t, err)
		assert.Equal(t, int64(100), b.VoucherBalance)
	})
}

func TestUseVoucherPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("insufficient balance leaves balance unchanged", func(t *testing.T) {
		f := newFixture(t, 0)
		f.onboard(t, 100)

		_, err := f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 101, "TV")
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		b, err := f.ledger.GetBeneficiary(f.beneficiary)
		require.NoError(t, err)
		assert.Equal(t, int64(100), b.VoucherBalance)
		assert.Equal(t, uint64(0), f.ledger.TransactionCount())
	})

	t.Run("exact balance", func(t *testing.T) {
		f := newFixture(t, 0)
		f.onboard(t, 100)

		_, err := f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 100, "Groceries")
		require.NoError(t, err)
		b, err := f.ledger.GetBeneficiary(f.beneficiary)
		require.NoError(t, err)
		assert.Equal(t, int64(0), b.VoucherBalance)
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t, 0)
		f.onboard(t, 100)

		_, err := f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 0, "Rice")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, -5, "Rice")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 10, "  ")
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = f.ledger.UseVoucher(ctx, newAddress(), f.merchant, 10, "Rice")
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = f.ledger.UseVoucher(ctx, f.beneficiary, newAddress(), 10, "Rice")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unverified beneficiary", func(t *testing.T) {
		f := newFixture(t, 0)
		_, err := f.ledger.RegisterBeneficiary(ctx, f.beneficiary, testHash(2))
		require.NoError(t, err)
		_, err = f.ledger.RegisterMerchant(ctx, f.merchant, "")
		require.NoError(t, err)
		_, err = f.ledger.ApproveMerchant(ctx, f.ngo, f.merchant)
		require.NoError(t, err)

		_, err = f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 10, "Rice")
		assert.ErrorIs(t, err, ErrNotVerified)
	})

	t.Run("unapproved merchant", func(t *testing.T) {
		f := newFixture(t, 0)
		_, err := f.ledger.RegisterBeneficiary(ctx, f.beneficiary, testHash(2))
		require.NoError(t, err)
		_, err = f.ledger.VerifyBeneficiary(ctx, f.ngo, f.beneficiary)
		require.NoError(t, err)
		_, err = f.ledger.IssueVoucher(ctx, f.ngo, f.beneficiary, 50)
		require.NoError(t, err)
		_, err = f.ledger.RegisterMerchant(ctx, f.merchant, "Pending Shop")
		require.NoError(t, err)

		_, err = f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 10, "Rice")
		assert.ErrorIs(t, err, ErrNotApproved)
	})
}

func TestSubmitDeliveryProofPreconditions(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.onboard(t, 100)

	_, err := f.ledger.SubmitDeliveryProof(ctx, f.merchant, 1, "proof")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 10, "Rice")
	require.NoError(t, err)

	_, err = f.ledger.SubmitDeliveryProof(ctx, f.beneficiary, 1, "proof")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.ledger.SubmitDeliveryProof(ctx, f.merchant, 1, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.ledger.SubmitDeliveryProof(ctx, f.merchant, 1, "proof")
	require.NoError(t, err)
	_, err = f.ledger.SubmitDeliveryProof(ctx, f.merchant, 1, "proof again")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = f.ledger.ChallengeTransaction(ctx, f.auditor, 1, "after completion")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestRegistration(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.ledger.RegisterBeneficiary(ctx, f.beneficiary, Hash{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	b, err := f.ledger.RegisterBeneficiary(ctx, f.beneficiary, testHash(7))
	require.NoError(t, err)
	assert.False(t, b.Verified)
	assert.Equal(t, int64(0), b.VoucherBalance)
	assert.Equal(t, testHash(7), b.IdentityHash)

	_, err = f.ledger.RegisterBeneficiary(ctx, f.beneficiary, testHash(8))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = f.ledger.RegisterBeneficiary(ctx, Address{}, testHash(8))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.ledger.RegisterMerchant(ctx, f.merchant, string(make([]byte, 129)))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	m, err := f.ledger.RegisterMerchant(ctx, f.merchant, "  Corner Grocery ")
	require.NoError(t, err)
	assert.Equal(t, "Corner Grocery", m.BusinessName)
	assert.False(t, m.Approved)

	_, err = f.ledger.RegisterMerchant(ctx, f.merchant, "Again")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestVerifyAndApproveAreIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.ledger.VerifyBeneficiary(ctx, f.ngo, f.beneficiary)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.ledger.RegisterBeneficiary(ctx, f.beneficiary, testHash(1))
	require.NoError(t, err)
	_, err = f.ledger.VerifyBeneficiary(ctx, f.auditor, f.beneficiary)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.ledger.VerifyBeneficiary(ctx, f.ngo, f.beneficiary)
	require.NoError(t, err)
	seq := f.ledger.Seq()

	b, err := f.ledger.VerifyBeneficiary(ctx, f.ngo, f.beneficiary)
	require.NoError(t, err)
	assert.True(t, b.Verified)
	assert.Equal(t, seq, f.ledger.Seq(), "second verify must not emit an event")

	_, err = f.ledger.RegisterMerchant(ctx, f.merchant, "Shop")
	require.NoError(t, err)
	_, err = f.ledger.ApproveMerchant(ctx, f.ngo, f.merchant)
	require.NoError(t, err)
	seq = f.ledger.Seq()
	m, err := f.ledger.ApproveMerchant(ctx, f.ngo, f.merchant)
	require.NoError(t, err)
	assert.True(t, m.Approved)
	assert.Equal(t, seq, f.ledger.Seq())
}

func TestIssueVoucher(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.ledger.RegisterBeneficiary(ctx, f.beneficiary, testHash(1))
	require.NoError(t, err)

	_, err = f.ledger.IssueVoucher(ctx, f.ngo, f.beneficiary, 100)
	assert.ErrorIs(t, err, ErrNotVerified)

	_, err = f.ledger.VerifyBeneficiary(ctx, f.ngo, f.beneficiary)
	require.NoError(t, err)

	_, err = f.ledger.IssueVoucher(ctx, f.auditor, f.beneficiary, 100)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.ledger.IssueVoucher(ctx, f.ngo, f.beneficiary, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.ledger.IssueVoucher(ctx, f.ngo, newAddress(), 10)
	assert.ErrorIs(t, err, ErrNotFound)

	b, err := f.ledger.IssueVoucher(ctx, f.ngo, f.beneficiary, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.VoucherBalance)
	b, err = f.ledger.IssueVoucher(ctx, f.ngo, f.beneficiary, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(350), b.VoucherBalance)

	events := f.journal.all()
	last := events[len(events)-1]
	assert.Equal(t, EventVoucherIssued, last.Kind)
	assert.Equal(t, int64(250), last.Amount)
	require.NotNil(t, last.Balance)
	assert.Equal(t, int64(350), *last.Balance)

	_, err = f.ledger.IssueVoucher(ctx, f.ngo, f.beneficiary, 1<<62)
	require.NoError(t, err)
	_, err = f.ledger.IssueVoucher(ctx, f.ngo, f.beneficiary, 1<<62)
	assert.ErrorIs(t, err, ErrInvalidAmount, "overflow")
}

func TestDonate(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	d, err := f.ledger.Donate(ctx, f.donor, testHash(9), 1000, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.ID)
	assert.Equal(t, f.donor, d.Donor)
	assert.Equal(t, testHash(9), d.Payload)

	d, err = f.ledger.Donate(ctx, f.donor, Hash{}, 500, "sig-abc")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), d.ID)

	_, err = f.ledger.Donate(ctx, newAddress(), Hash{}, 500, "sig-abc")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	_, err = f.ledger.Donate(ctx, f.donor, Hash{}, 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.ledger.Donate(ctx, Address{}, Hash{}, 10, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	stats := f.ledger.Stats()
	assert.Equal(t, int64(1500), stats.TotalDonations)
	assert.Equal(t, uint64(2), stats.DonationCount)
	assert.Equal(t, int64(1500), stats.ContractBalance)

	got, err := f.ledger.GetDonation(2)
	require.NoError(t, err)
	assert.Equal(t, "sig-abc", got.Reference)
	_, err = f.ledger.GetDonation(3)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.ledger.GetDonation(0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoles(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	user := newAddress()

	_, err := f.ledger.GrantRole(ctx, f.ngo, user, RoleAuditor)
	assert.ErrorIs(t, err, ErrUnauthorized, "only the owner grants")

	_, err = f.ledger.GrantRole(ctx, f.owner, Address{}, RoleAuditor)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.ledger.GrantRole(ctx, f.owner, user, Role(9))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	set, err := f.ledger.GrantRole(ctx, f.owner, user, RoleAuditor)
	require.NoError(t, err)
	assert.True(t, set.Has(RoleAuditor))

	seq := f.ledger.Seq()
	_, err = f.ledger.GrantRole(ctx, f.owner, user, RoleAuditor)
	require.NoError(t, err)
	assert.Equal(t, seq, f.ledger.Seq(), "re-grant is a no-op")

	set, err = f.ledger.GrantRole(ctx, f.owner, user, RoleMerchant)
	require.NoError(t, err)
	assert.Equal(t, []Role{RoleMerchant, RoleAuditor}, set.Roles())

	set, err = f.ledger.RevokeRole(ctx, f.owner, user, RoleAuditor)
	require.NoError(t, err)
	assert.False(t, set.Has(RoleAuditor))
	assert.Equal(t, set, f.ledger.Roles(user))

	seq = f.ledger.Seq()
	_, err = f.ledger.RevokeRole(ctx, f.owner, user, RoleAuditor)
	require.NoError(t, err)
	assert.Equal(t, seq, f.ledger.Seq(), "revoking an absent role is a no-op")

	assert.Equal(t, RoleSet(0), f.ledger.Roles(f.owner), "owner holds no implicit roles")
}

func TestJournalFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.onboard(t, 500)

	before, err := f.ledger.GetBeneficiary(f.beneficiary)
	require.NoError(t, err)
	seq := f.ledger.Seq()
	published := len(f.publisher.events)

	f.journal.fail = errors.New("disk full")

	_, err = f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 200, "Rice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, "internal", Outcome(err))

	after, err := f.ledger.GetBeneficiary(f.beneficiary)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, seq, f.ledger.Seq())
	assert.Equal(t, uint64(0), f.ledger.TransactionCount())
	assert.Len(t, f.publisher.events, published, "nothing is published for a failed commit")
}

func TestPublishFailureDoesNotUndoCommit(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.publisher.fail = errors.New("nats down")

	_, err := f.ledger.Donate(ctx, f.donor, Hash{}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(10), f.ledger.TotalDonations())
}

func TestEventsHaveContiguousSequence(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.onboard(t, 500)

	_, err := f.ledger.Donate(ctx, f.donor, Hash{}, 10, "")
	require.NoError(t, err)

	events := f.journal.all()
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.True(t, ev.Kind.Valid())
	}
	assert.Equal(t, events, f.publisher.events)
	assert.Equal(t, uint64(len(events)), f.ledger.Seq())
}

func TestRestore(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.onboard(t, 500)

	_, err := f.ledger.Donate(ctx, f.donor, testHash(3), 900, "ref-1")
	require.NoError(t, err)
	_, err = f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 100, "Rice")
	require.NoError(t, err)
	_, err = f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 50, "Beans")
	require.NoError(t, err)
	_, err = f.ledger.SubmitDeliveryProof(ctx, f.merchant, 1, "proof-1")
	require.NoError(t, err)
	_, err = f.ledger.ApproveTransaction(ctx, f.auditor, 1)
	require.NoError(t, err)
	_, err = f.ledger.ChallengeTransaction(ctx, f.auditor, 2, "wrong beans")
	require.NoError(t, err)

	restored, err := New(Config{Owner: f.owner, ChallengeWindow: time.Hour, Clock: f.clock.Now})
	require.NoError(t, err)
	require.NoError(t, restored.Restore(f.journal.all()))

	assert.Equal(t, f.ledger.Seq(), restored.Seq())
	assert.Equal(t, f.ledger.Stats(), restored.Stats())

	for _, id := range []uint64{1, 2} {
		want, err := f.ledger.GetTransaction(id)
		require.NoError(t, err)
		got, err := restored.GetTransaction(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	wantB, _ := f.ledger.GetBeneficiary(f.beneficiary)
	gotB, err := restored.GetBeneficiary(f.beneficiary)
	require.NoError(t, err)
	assert.Equal(t, wantB, gotB)

	wantM, _ := f.ledger.GetMerchant(f.merchant)
	gotM, err := restored.GetMerchant(f.merchant)
	require.NoError(t, err)
	assert.Equal(t, wantM, gotM)

	assert.Equal(t, f.ledger.Roles(f.ngo), restored.Roles(f.ngo))

	_, err = restored.Donate(ctx, f.donor, Hash{}, 1, "ref-1")
	assert.ErrorIs(t, err, ErrAlreadyExists, "references survive a restore")
}

func TestRestoreRejectsGaps(t *testing.T) {
	owner := newAddress()
	subject := newAddress()
	role := RoleNGO

	l, err := New(Config{Owner: owner})
	require.NoError(t, err)

	err = l.Restore([]Event{{Seq: 2, Kind: EventRoleGranted, Subject: &subject, Role: &role}})
	assert.ErrorIs(t, err, ErrJournalMismatch)

	err = l.Restore([]Event{{Seq: 1, Kind: EventKind("bogus")}})
	assert.ErrorIs(t, err, ErrJournalMismatch)

	err = l.Restore([]Event{{Seq: 1, Kind: EventBeneficiaryVerified, Beneficiary: &subject}})
	assert.ErrorIs(t, err, ErrJournalMismatch)
	assert.Equal(t, uint64(0), l.Seq())
}

func TestConcurrentRedemptionsNeverOverdraw(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.onboard(t, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, 30, "Bread"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	b, err := f.ledger.GetBeneficiary(f.beneficiary)
	require.NoError(t, err)
	assert.Equal(t, 33, succeeded)
	assert.Equal(t, int64(1000-33*30), b.VoucherBalance)
	assert.GreaterOrEqual(t, b.VoucherBalance, int64(0))
	assert.Equal(t, uint64(33), f.ledger.TransactionCount())
}

func TestCompletionRejectsReleasedOverflow(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.onboard(t, math.MaxInt64)

	second := newAddress()
	_, err := f.ledger.RegisterBeneficiary(ctx, second, testHash(2))
	require.NoError(t, err)
	_, err = f.ledger.VerifyBeneficiary(ctx, f.ngo, second)
	require.NoError(t, err)
	_, err = f.ledger.IssueVoucher(ctx, f.ngo, second, 10)
	require.NoError(t, err)

	_, err = f.ledger.UseVoucher(ctx, f.beneficiary, f.merchant, math.MaxInt64, "Everything")
	require.NoError(t, err)
	_, err = f.ledger.UseVoucher(ctx, second, f.merchant, 10, "Milk")
	require.NoError(t, err)

	_, err = f.ledger.SubmitDeliveryProof(ctx, f.merchant, 1, "proof-1")
	require.NoError(t, err)
	seq := f.ledger.Seq()

	_, err = f.ledger.SubmitDeliveryProof(ctx, f.merchant, 2, "proof-2")
	require.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, seq, f.ledger.Seq())

	tx, err := f.ledger.GetTransaction(2)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)

	stats := f.ledger.Stats()
	assert.Equal(t, int64(math.MaxInt64), stats.TotalReleased)
	assert.Equal(t, int64(-math.MaxInt64), stats.ContractBalance)
}

func TestApproveAndFinalizeRejectReleasedOverflow(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.onboard(t, math.MaxInt64)

	second := newAddress()
	_, err := f.ledger.RegisterBeneficiary(ctx, second, testHash(2))
	require.NoError(t, err)
	_, err = f.ledger.VerifyBeneficiary(ctx, f.ngo, second)
	require.NoError(t, err)
	_, err = f.ledger.IssueVoucher(ctx, f.ngo, second, 10)
	require.NoError(t, err)

	for _, ben := range []Address{f.beneficiary, second, second} {
		amount := int64(5)
		if ben == f.beneficiary {
			amount = math.MaxInt64
		}
		_, err = f.ledger.UseVoucher(ctx, ben, f.merchant, amount, "Goods")
		require.NoError(t, err)
	}
	for id := uint64(1); id <= 3; id++ {
		_, err = f.ledger.SubmitDeliveryProof(ctx, f.merchant, id, "proof")
		require.NoError(t, err)
	}

	_, err = f.ledger.ApproveTransaction(ctx, f.auditor, 1)
	require.NoError(t, err)
	_, err = f.ledger.ApproveTransaction(ctx, f.auditor, 2)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	f.clock.Advance(2 * time.Hour)
	_, err = f.ledger.FinalizeTransaction(ctx, Address{}, 3)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, int64(math.MaxInt64), f.ledger.Stats().TotalReleased)
}

func TestConcurrentMutationsPublishInSeqOrder(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Donate(ctx, f.donor, Hash{}, 1, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	require.Len(t, f.publisher.events, 102)
	for i, ev := range f.publisher.events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

// flakyCommitJournal reports an error from Append while optionally keeping the
// events, the way a lost commit acknowledgement looks to the client.
type flakyCommitJournal struct {
	recordingJournal
	keep    bool
	fail    error
	seqFail error
}

func (j *flakyCommitJournal) Append(ctx context.Context, events []Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.fail == nil || j.keep {
		if err := j.recordingJournal.Append(ctx, events); err != nil {
			return err
		}
	}
	return j.fail
}

func (j *flakyCommitJournal) LastSeq(ctx context.Context) (uint64, error) {
	if j.seqFail != nil {
		return 0, j.seqFail
	}
	events := j.all()
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

func TestAmbiguousJournalWrite(t *testing.T) {
	ctx := context.Background()
	owner := newAddress()
	newLedger := func(j *flakyCommitJournal) *Ledger {
		l, err := New(Config{Owner: owner, Journal: j})
		require.NoError(t, err)
		return l
	}

	t.Run("committed despite the error", func(t *testing.T) {
		j := &flakyCommitJournal{keep: true, fail: errors.New("commit acknowledgement lost")}
		l := newLedger(j)

		_, err := l.Donate(ctx, owner, Hash{}, 10, "")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), l.Seq())

		j.fail = nil
		_, err = l.Donate(ctx, owner, Hash{}, 5, "")
		require.NoError(t, err)
		assert.Equal(t, int64(15), l.TotalDonations())
	})

	t.Run("not committed", func(t *testing.T) {
		j := &flakyCommitJournal{fail: errors.New("connection reset")}
		l := newLedger(j)

		_, err := l.Donate(ctx, owner, Hash{}, 10, "")
		require.Error(t, err)
		assert.Equal(t, uint64(0), l.Seq())

		j.fail = nil
		_, err = l.Donate(ctx, owner, Hash{}, 5, "")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), l.Seq())
	})

	t.Run("unknown outcome halts writes", func(t *testing.T) {
		j := &flakyCommitJournal{keep: true, fail: errors.New("connection reset"), seqFail: errors.New("database unreachable")}
		l := newLedger(j)

		_, err := l.Donate(ctx, owner, Hash{}, 10, "")
		require.Error(t, err)

		j.fail, j.seqFail = nil, nil
		_, err = l.Donate(ctx, owner, Hash{}, 5, "")
		require.ErrorIs(t, err, ErrJournalMismatch)
		assert.Contains(t, err.Error(), "restart")
		assert.Equal(t, uint64(0), l.Seq())
	})

	t.Run("cancelled request still commits", func(t *testing.T) {
		j := &flakyCommitJournal{}
		l := newLedger(j)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := l.Donate(cancelled, owner, Hash{}, 10, "")
		require.NoError(t, err)
		assert.Len(t, j.all(), 1)
	})
}
