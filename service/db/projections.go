package db

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/charityledger/service/ledger"
	"github.com/jackc/pgx/v5"
)

// queueProjection adds the projection updates for ev to batch. Events carry post-state
// values, so projections are written by assignment rather than recomputed.
func queueProjection(batch *pgx.Batch, ev ledger.Event) error {
	switch ev.Kind {
	case ledger.EventDonationReceived:
		var payload *string
		if ev.Payload != nil {
			p := ev.Payload.String()
			payload = &p
		}
		batch.Queue(
			`INSERT INTO donations (id, donor, amount, payload, reference, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			int64(ev.DonationID), ev.Donor.String(), ev.Amount, payload, pgtextFromString(ev.Reference), ev.Timestamp,
		)

	case ledger.EventBeneficiaryRegistered:
		batch.Queue(
			`INSERT INTO beneficiaries (address, identity_hash, registered_at) VALUES ($1, $2, $3)`,
			ev.Beneficiary.String(), ev.IdentityHash.String(), ev.Timestamp,
		)

	case ledger.EventBeneficiaryVerified:
		batch.Queue(
			`UPDATE beneficiaries SET verified = TRUE, verified_at = $2 WHERE address = $1`,
			ev.Beneficiary.String(), ev.Timestamp,
		)

	case ledger.EventVoucherIssued:
		if ev.Balance == nil {
			return fmt.Errorf("%w: voucher_issued without balance", ledger.ErrJournalMismatch)
		}
		batch.Queue(
			`UPDATE beneficiaries SET voucher_balance = $2 WHERE address = $1`,
			ev.Beneficiary.String(), *ev.Balance,
		)

	case ledger.EventMerchantRegistered:
		batch.Queue(
			`INSERT INTO merchants (address, business_name, registered_at) VALUES ($1, $2, $3)`,
			ev.Merchant.String(), ev.BusinessName, ev.Timestamp,
		)

	case ledger.EventMerchantApproved:
		batch.Queue(
			`UPDATE merchants SET approved = TRUE, approved_at = $2 WHERE address = $1`,
			ev.Merchant.String(), ev.Timestamp,
		)

	case ledger.EventVoucherRedeemed:
		if ev.Balance == nil {
			return fmt.Errorf("%w: voucher_redeemed without balance", ledger.ErrJournalMismatch)
		}
		batch.Queue(
			`UPDATE beneficiaries SET voucher_balance = $2 WHERE address = $1`,
			ev.Beneficiary.String(), *ev.Balance,
		)
		batch.Queue(
			`INSERT INTO voucher_transactions (id, beneficiary, merchant, amount, item_description, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			int64(ev.TransactionID), ev.Beneficiary.String(), ev.Merchant.String(), ev.Amount,
			ev.ItemDescription, ledger.StatusPending.String(), ev.Timestamp,
		)

	case ledger.EventDeliveryProofSubmitted:
		batch.Queue(
			`UPDATE voucher_transactions
			 SET proof_hash = $2, status = $3, proof_submitted_at = $4, challenge_deadline = $5
			 WHERE id = $1`,
			int64(ev.TransactionID), ev.ProofHash, ledger.StatusProofSubmitted.String(),
			ev.Timestamp, pgTimestamptzFromPtr(ev.Deadline),
		)

	case ledger.EventTransactionCompleted:
		batch.Queue(
			`UPDATE voucher_transactions
			 SET status = $2, settled_at = $3,
			     proof_hash = CASE WHEN proof_hash = '' THEN $4 ELSE proof_hash END,
			     proof_submitted_at = COALESCE(proof_submitted_at, $3)
			 WHERE id = $1`,
			int64(ev.TransactionID), ledger.StatusCompleted.String(), ev.Timestamp, ev.ProofHash,
		)
		batch.Queue(
			`UPDATE merchants SET total_transactions = $2 WHERE address = $1`,
			ev.Merchant.String(), int64(ev.MerchantTransactions),
		)

	case ledger.EventTransactionChallenged:
		batch.Queue(
			`UPDATE voucher_transactions
			 SET status = $2, challenged_by = $3, challenge_reason = $4, challenged_at = $5
			 WHERE id = $1`,
			int64(ev.TransactionID), ledger.StatusChallenged.String(), pgtextFromAddress(ev.Actor), ev.Reason, ev.Timestamp,
		)

	case ledger.EventTransactionRefunded:
		if ev.Balance == nil {
			return fmt.Errorf("%w: transaction_refunded without balance", ledger.ErrJournalMismatch)
		}
		batch.Queue(
			`UPDATE voucher_transactions SET status = $2, settled_at = $3 WHERE id = $1`,
			int64(ev.TransactionID), ledger.StatusRefunded.String(), ev.Timestamp,
		)
		batch.Queue(
			`UPDATE beneficiaries SET voucher_balance = $2 WHERE address = $1`,
			ev.Beneficiary.String(), *ev.Balance,
		)

	case ledger.EventRoleGranted:
		batch.Queue(
			`INSERT INTO roles (address, role, granted_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			ev.Subject.String(), ev.Role.String(), ev.Timestamp,
		)

	case ledger.EventRoleRevoked:
		batch.Queue(
			`DELETE FROM roles WHERE address = $1 AND role = $2`,
			ev.Subject.String(), ev.Role.String(),
		)

	default:
		return fmt.Errorf("%w: unknown event kind %q", ledger.ErrJournalMismatch, ev.Kind)
	}
	return nil
}

// ProjectionStats computes the aggregate counters from the projection tables. It is
// compared against the in-memory ledger after a restore.
func (s *Store) ProjectionStats(ctx context.Context) (stats ledger.Stats, err error) {
	start := time.Now()
	defer func() { s.record("stats", "projections", start, err) }()

	var donationCount, transactionCount int64
	err = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COALESCE(SUM(amount), 0) FROM donations),
			(SELECT COUNT(*) FROM donations),
			(SELECT COUNT(*) FROM voucher_transactions),
			(SELECT COALESCE(SUM(amount), 0) FROM voucher_transactions WHERE status = $1)`,
		ledger.StatusCompleted.String(),
	).Scan(&stats.TotalDonations, &donationCount, &transactionCount, &stats.TotalReleased)
	if err != nil {
		return ledger.Stats{}, fmt.Errorf("failed to query projection stats: %w", err)
	}

	stats.DonationCount = uint64(donationCount)
	stats.TransactionCount = uint64(transactionCount)
	stats.ContractBalance = stats.TotalDonations - stats.TotalReleased
	return stats, nil
}

// TransactionStatusCounts returns the number of voucher transactions per status.
func (s *Store) TransactionStatusCounts(ctx context.Context) (map[ledger.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM voucher_transactions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[ledger.Status]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		status, err := ledger.ParseStatus(name)
		if err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
