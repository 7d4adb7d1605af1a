package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// Donate records a donation from caller. reference is the external payment reference and
// must be unique when present.
func (l *Ledger) Donate(ctx context.Context, caller Address, payload Hash, amount int64, reference string) (Donation, error) {
	var out Donation
	reference = strings.TrimSpace(reference)

	err := l.mutate(ctx, "donate", caller, func(now time.Time) ([]Event, error) {
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		if amount <= 0 {
			return nil, fmt.Errorf("%w: donation amount must be positive, got %d", ErrInvalidAmount, amount)
		}
		if err := checkLength("reference", reference, maxReferenceLength, false); err != nil {
			return nil, err
		}
		if reference != "" {
			if id, ok := l.donationRefs[reference]; ok {
				return nil, fmt.Errorf("%w: reference %q already recorded as donation %d", ErrAlreadyExists, reference, id)
			}
		}
		if l.totalDonations > math.MaxInt64-amount {
			return nil, fmt.Errorf("%w: donation total would overflow", ErrInvalidAmount)
		}

		ev := Event{
			Kind:       EventDonationReceived,
			Timestamp:  now,
			Actor:      addrPtr(caller),
			DonationID: uint64(len(l.donations)) + 1,
			Donor:      addrPtr(caller),
			Amount:     amount,
			Reference:  reference,
		}
		if !payload.IsZero() {
			ev.Payload = hashPtr(payload)
		}
		return []Event{ev}, nil
	}, func() {
		out = *l.donations[len(l.donations)-1]
	})
	return out, err
}

// RegisterBeneficiary registers caller as a beneficiary with the given identity hash.
func (l *Ledger) RegisterBeneficiary(ctx context.Context, caller Address, identityHash Hash) (Beneficiary, error) {
	var out Beneficiary
	err := l.mutate(ctx, "register_beneficiary", caller, func(now time.Time) ([]Event, error) {
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		if identityHash.IsZero() {
			return nil, fmt.Errorf("%w: identity hash is required", ErrInvalidArgument)
		}
		if _, ok := l.beneficiaries[caller]; ok {
			return nil, fmt.Errorf("%w: beneficiary %s", ErrAlreadyExists, caller)
		}
		return []Event{{
			Kind:         EventBeneficiaryRegistered,
			Timestamp:    now,
			Actor:        addrPtr(caller),
			Beneficiary:  addrPtr(caller),
			IdentityHash: hashPtr(identityHash),
			Balance:      int64Ptr(0),
		}}, nil
	}, func() {
		out = l.beneficiaries[caller].clone()
	})
	return out, err
}

// VerifyBeneficiary marks a beneficiary as verified. Verifying twice is a no-op.
func (l *Ledger) VerifyBeneficiary(ctx context.Context, caller, beneficiary Address) (Beneficiary, error) {
	var out Beneficiary
	err := l.mutate(ctx, "verify_beneficiary", caller, func(now time.Time) ([]Event, error) {
		if err := l.requireRole(caller, RoleNGO); err != nil {
			return nil, err
		}
		b, ok := l.beneficiaries[beneficiary]
		if !ok {
			return nil, fmt.Errorf("%w: beneficiary %s", ErrNotFound, beneficiary)
		}
		if b.Verified {
			return nil, nil
		}
		return []Event{{
			Kind:        EventBeneficiaryVerified,
			Timestamp:   now,
			Actor:       addrPtr(caller),
			Beneficiary: addrPtr(beneficiary),
			Balance:     int64Ptr(b.VoucherBalance),
		}}, nil
	}, func() {
		out = l.beneficiaries[beneficiary].clone()
	})
	return out, err
}

// IssueVoucher credits amount to a verified beneficiary's voucher balance.
func (l *Ledger) IssueVoucher(ctx context.Context, caller, beneficiary Address, amount int64) (Beneficiary, error) {
	var out Beneficiary
	err := l.mutate(ctx, "issue_voucher", caller, func(now time.Time) ([]Event, error) {
		if err := l.requireRole(caller, RoleNGO); err != nil {
			return nil, err
		}
		if amount <= 0 {
			return nil, fmt.Errorf("%w: voucher amount must be positive, got %d", ErrInvalidAmount, amount)
		}
		b, ok := l.beneficiaries[beneficiary]
		if !ok {
			return nil, fmt.Errorf("%w: beneficiary %s", ErrNotFound, beneficiary)
		}
		if !b.Verified {
			return nil, fmt.Errorf("%w: %s", ErrNotVerified, beneficiary)
		}
		if b.VoucherBalance > math.MaxInt64-amount {
			return nil, fmt.Errorf("%w: voucher balance would overflow", ErrInvalidAmount)
		}
		return []Event{{
			Kind:        EventVoucherIssued,
			Timestamp:   now,
			Actor:       addrPtr(caller),
			Beneficiary: addrPtr(beneficiary),
			Amount:      amount,
			Balance:     int64Ptr(b.VoucherBalance + amount),
		}}, nil
	}, func() {
		out = l.beneficiaries[beneficiary].clone()
	})
	return out, err
}

// RegisterMerchant registers caller as a merchant.
func (l *Ledger) RegisterMerchant(ctx context.Context, caller Address, businessName string) (Merchant, error) {
	var out Merchant
	businessName = strings.TrimSpace(businessName)

	err := l.mutate(ctx, "register_merchant", caller, func(now time.Time) ([]Event, error) {
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		if err := checkLength("business name", businessName, maxBusinessNameLength, false); err != nil {
			return nil, err
		}
		if _, ok := l.merchants[caller]; ok {
			return nil, fmt.Errorf("%w: merchant %s", ErrAlreadyExists, caller)
		}
		return []Event{{
			Kind:         EventMerchantRegistered,
			Timestamp:    now,
			Actor:        addrPtr(caller),
			Merchant:     addrPtr(caller),
			BusinessName: businessName,
		}}, nil
	}, func() {
		out = l.merchants[caller].clone()
	})
	return out, err
}

// ApproveMerchant allows a merchant to accept vouchers. Approving twice is a no-op.
func (l *Ledger) ApproveMerchant(ctx context.Context, caller, merchant Address) (Merchant, error) {
	var out Merchant
	err := l.mutate(ctx, "approve_merchant", caller, func(now time.Time) ([]Event, error) {
		if err := l.requireRole(caller, RoleNGO); err != nil {
			return nil, err
		}
		m, ok := l.merchants[merchant]
		if !ok {
			return nil, fmt.Errorf("%w: merchant %s", ErrNotFound, merchant)
		}
		if m.Approved {
			return nil, nil
		}
		return []Event{{
			Kind:      EventMerchantApproved,
			Timestamp: now,
			Actor:     addrPtr(caller),
			Merchant:  addrPtr(merchant),
		}}, nil
	}, func() {
		out = l.merchants[merchant].clone()
	})
	return out, err
}

// UseVoucher moves amount from the caller's voucher balance into escrow and opens a
// pending transaction with merchant.
func (l *Ledger) UseVoucher(ctx context.Context, caller, merchant Address, amount int64, item string) (Transaction, error) {
	var out Transaction
	item = strings.TrimSpace(item)

	err := l.mutate(ctx, "use_voucher", caller, func(now time.Time) ([]Event, error) {
		if amount <= 0 {
			return nil, fmt.Errorf("%w: redemption amount must be positive, got %d", ErrInvalidAmount, amount)
		}
		if err := checkLength("item description", item, maxItemDescriptionLength, true); err != nil {
			return nil, err
		}
		b, ok := l.beneficiaries[caller]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a registered beneficiary", ErrUnauthorized, caller)
		}
		if !b.Verified {
			return nil, fmt.Errorf("%w: %s", ErrNotVerified, caller)
		}
		m, ok := l.merchants[merchant]
		if !ok {
			return nil, fmt.Errorf("%w: merchant %s", ErrNotFound, merchant)
		}
		if !m.Approved {
			return nil, fmt.Errorf("%w: %s", ErrNotApproved, merchant)
		}
		if b.VoucherBalance < amount {
			return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, b.VoucherBalance, amount)
		}
		return []Event{{
			Kind:            EventVoucherRedeemed,
			Timestamp:       now,
			Actor:           addrPtr(caller),
			TransactionID:   uint64(len(l.transactions)) + 1,
			Beneficiary:     addrPtr(caller),
			Merchant:        addrPtr(merchant),
			Amount:          amount,
			Balance:         int64Ptr(b.VoucherBalance - amount),
			ItemDescription: item,
			Status:          statusPtr(StatusPending),
		}}, nil
	}, func() {
		out = l.transactions[len(l.transactions)-1].clone()
	})
	return out, err
}

// SubmitDeliveryProof records the merchant's proof of delivery. With no challenge window
// the transaction completes immediately; otherwise it waits for the deadline.
func (l *Ledger) SubmitDeliveryProof(ctx context.Context, caller Address, id uint64, proofHash string) (Transaction, error) {
	var out Transaction
	proofHash = strings.TrimSpace(proofHash)

	err := l.mutate(ctx, "submit_delivery_proof", caller, func(now time.Time) ([]Event, error) {
		tx, err := l.transaction(id)
		if err != nil {
			return nil, err
		}
		if caller != tx.Merchant {
			return nil, fmt.Errorf("%w: only merchant %s may submit proof for transaction %d", ErrUnauthorized, tx.Merchant, id)
		}
		if err := checkLength("proof hash", proofHash, maxProofHashLength, true); err != nil {
			return nil, err
		}
		if tx.Status != StatusPending {
			return nil, fmt.Errorf("%w: transaction %d is %s", ErrInvalidStateTransition, id, tx.Status)
		}

		if l.window == 0 {
			ev, err := l.completionEvent(tx, now, addrPtr(caller), proofHash)
			if err != nil {
				return nil, err
			}
			return []Event{ev}, nil
		}
		deadline := now.Add(l.window)
		return []Event{{
			Kind:          EventDeliveryProofSubmitted,
			Timestamp:     now,
			Actor:         addrPtr(caller),
			TransactionID: id,
			Beneficiary:   addrPtr(tx.Beneficiary),
			Merchant:      addrPtr(tx.Merchant),
			Amount:        tx.Amount,
			ProofHash:     proofHash,
			Status:        statusPtr(StatusProofSubmitted),
			Deadline:      timePtr(deadline),
		}}, nil
	}, func() {
		out = l.transactions[id-1].clone()
	})
	return out, err
}

// ChallengeTransaction disputes a transaction that has not settled. Transactions
// awaiting settlement can only be challenged before their deadline.
func (l *Ledger) ChallengeTransaction(ctx context.Context, caller Address, id uint64, reason string) (Transaction, error) {
	var out Transaction
	reason = strings.TrimSpace(reason)

	err := l.mutate(ctx, "challenge_transaction", caller, func(now time.Time) ([]Event, error) {
		if err := l.requireRole(caller, RoleAuditor); err != nil {
			return nil, err
		}
		if err := checkLength("reason", reason, maxReasonLength, true); err != nil {
			return nil, err
		}
		tx, err := l.transaction(id)
		if err != nil {
			return nil, err
		}
		switch tx.Status {
		case StatusPending:
		case StatusProofSubmitted:
			if tx.ChallengeDeadline != nil && !now.Before(*tx.ChallengeDeadline) {
				return nil, fmt.Errorf("%w: challenge window of transaction %d closed at %s",
					ErrInvalidStateTransition, id, tx.ChallengeDeadline.Format(time.RFC3339))
			}
		default:
			return nil, fmt.Errorf("%w: transaction %d is %s", ErrInvalidStateTransition, id, tx.Status)
		}
		return []Event{{
			Kind:          EventTransactionChallenged,
			Timestamp:     now,
			Actor:         addrPtr(caller),
			TransactionID: id,
			Beneficiary:   addrPtr(tx.Beneficiary),
			Merchant:      addrPtr(tx.Merchant),
			Amount:        tx.Amount,
			Reason:        reason,
			Status:        statusPtr(StatusChallenged),
		}}, nil
	}, func() {
		out = l.transactions[id-1].clone()
	})
	return out, err
}

// RefundTransaction returns the escrowed amount of a challenged transaction to the
// beneficiary.
func (l *Ledger) RefundTransaction(ctx context.Context, caller Address, id uint64) (Transaction, error) {
	var out Transaction
	err := l.mutate(ctx, "refund_transaction", caller, func(now time.Time) ([]Event, error) {
		roles := l.roles[caller]
		if !roles.Has(RoleAuditor) && !roles.Has(RoleNGO) {
			return nil, fmt.Errorf("%w: %s needs auditor or ngo role", ErrUnauthorized, caller)
		}
		tx, err := l.transaction(id)
		if err != nil {
			return nil, err
		}
		if tx.Status != StatusChallenged {
			return nil, fmt.Errorf("%w: transaction %d is %s", ErrInvalidStateTransition, id, tx.Status)
		}
		b, ok := l.beneficiaries[tx.Beneficiary]
		if !ok {
			return nil, fmt.Errorf("%w: beneficiary %s of transaction %d", ErrNotFound, tx.Beneficiary, id)
		}
		return []Event{{
			Kind:          EventTransactionRefunded,
			Timestamp:     now,
			Actor:         addrPtr(caller),
			TransactionID: id,
			Beneficiary:   addrPtr(tx.Beneficiary),
			Merchant:      addrPtr(tx.Merchant),
			Amount:        tx.Amount,
			Balance:       int64Ptr(b.VoucherBalance + tx.Amount),
			Status:        statusPtr(StatusRefunded),
		}}, nil
	}, func() {
		out = l.transactions[id-1].clone()
	})
	return out, err
}

// ApproveTransaction lets an auditor complete a transaction before its challenge window ends.
func (l *Ledger) ApproveTransaction(ctx context.Context, caller Address, id uint64) (Transaction, error) {
	var out Transaction
	err := l.mutate(ctx, "approve_transaction", caller, func(now time.Time) ([]Event, error) {
		if err := l.requireRole(caller, RoleAuditor); err != nil {
			return nil, err
		}
		tx, err := l.transaction(id)
		if err != nil {
			return nil, err
		}
		if tx.Status != StatusProofSubmitted {
			return nil, fmt.Errorf("%w: transaction %d is %s", ErrInvalidStateTransition, id, tx.Status)
		}
		ev, err := l.completionEvent(tx, now, addrPtr(caller), "")
		if err != nil {
			return nil, err
		}
		return []Event{ev}, nil
	}, func() {
		out = l.transactions[id-1].clone()
	})
	return out, err
}

// FinalizeTransaction completes a transaction whose challenge window has passed. Anyone
// may call it; caller may be the zero address.
func (l *Ledger) FinalizeTransaction(ctx context.Context, caller Address, id uint64) (Transaction, error) {
	var out Transaction
	err := l.mutate(ctx, "finalize_transaction", caller, func(now time.Time) ([]Event, error) {
		tx, err := l.transaction(id)
		if err != nil {
			return nil, err
		}
		if tx.Status != StatusProofSubmitted {
			return nil, fmt.Errorf("%w: transaction %d is %s", ErrInvalidStateTransition, id, tx.Status)
		}
		if tx.ChallengeDeadline != nil && now.Before(*tx.ChallengeDeadline) {
			return nil, fmt.Errorf("%w: challenge window of transaction %d open until %s",
				ErrInvalidStateTransition, id, tx.ChallengeDeadline.Format(time.RFC3339))
		}
		var actor *Address
		if !caller.IsZero() {
			actor = addrPtr(caller)
		}
		ev, err := l.completionEvent(tx, now, actor, "")
		if err != nil {
			return nil, err
		}
		return []Event{ev}, nil
	}, func() {
		out = l.transactions[id-1].clone()
	})
	return out, err
}

// GrantRole adds role to user's capability set. Only the owner may grant roles and
// granting a held role is a no-op.
func (l *Ledger) GrantRole(ctx context.Context, caller, user Address, role Role) (RoleSet, error) {
	var out RoleSet
	err := l.mutate(ctx, "grant_role", caller, func(now time.Time) ([]Event, error) {
		if err := l.requireOwner(caller); err != nil {
			return nil, err
		}
		if err := requireActor("user", user); err != nil {
			return nil, err
		}
		if !role.Valid() {
			return nil, fmt.Errorf("%w: unknown role %d", ErrInvalidArgument, role)
		}
		if l.roles[user].Has(role) {
			return nil, nil
		}
		return []Event{{
			Kind:      EventRoleGranted,
			Timestamp: now,
			Actor:     addrPtr(caller),
			Subject:   addrPtr(user),
			Role:      rolePtr(role),
		}}, nil
	}, func() {
		out = l.roles[user]
	})
	return out, err
}

// RevokeRole removes role from user's capability set. Revoking an absent role is a no-op.
func (l *Ledger) RevokeRole(ctx context.Context, caller, user Address, role Role) (RoleSet, error) {
	var out RoleSet
	err := l.mutate(ctx, "revoke_role", caller, func(now time.Time) ([]Event, error) {
		if err := l.requireOwner(caller); err != nil {
			return nil, err
		}
		if err := requireActor("user", user); err != nil {
			return nil, err
		}
		if !role.Valid() {
			return nil, fmt.Errorf("%w: unknown role %d", ErrInvalidArgument, role)
		}
		if !l.roles[user].Has(role) {
			return nil, nil
		}
		return []Event{{
			Kind:      EventRoleRevoked,
			Timestamp: now,
			Actor:     addrPtr(caller),
			Subject:   addrPtr(user),
			Role:      rolePtr(role),
		}}, nil
	}, func() {
		out = l.roles[user]
	})
	return out, err
}

func (l *Ledger) completionEvent(tx *Transaction, now time.Time, actor *Address, proofHash string) (Event, error) {
	if l.totalReleased > math.MaxInt64-tx.Amount {
		return Event{}, fmt.Errorf("%w: released total would overflow completing transaction %d", ErrInvalidAmount, tx.ID)
	}
	var count uint64
	if m, ok := l.merchants[tx.Merchant]; ok {
		count = m.TotalTransactions + 1
	}
	return Event{
		Kind:                 EventTransactionCompleted,
		Timestamp:            now,
		Actor:                actor,
		TransactionID:        tx.ID,
		Beneficiary:          addrPtr(tx.Beneficiary),
		Merchant:             addrPtr(tx.Merchant),
		Amount:               tx.Amount,
		MerchantTransactions: count,
		ProofHash:            proofHash,
		Status:               statusPtr(StatusCompleted),
	}, nil
}

func (l *Ledger) transaction(id uint64) (*Transaction, error) {
	if id == 0 || id > uint64(len(l.transactions)) {
		return nil, fmt.Errorf("%w: transaction %d", ErrNotFound, id)
	}
	return l.transactions[id-1], nil
}

func (l *Ledger) requireRole(caller Address, role Role) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	if !l.roles[caller].Has(role) {
		return fmt.Errorf("%w: %s needs %s role", ErrUnauthorized, caller, role)
	}
	return nil
}

func (l *Ledger) requireOwner(caller Address) error {
	if caller.IsZero() || caller != l.owner {
		return fmt.Errorf("%w: only the ledger owner may manage roles", ErrUnauthorized)
	}
	return nil
}

func requireCaller(caller Address) error {
	if caller.IsZero() {
		return fmt.Errorf("%w: caller address is required", ErrUnauthorized)
	}
	return nil
}

func requireActor(field string, addr Address) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: %s cannot be the zero address", ErrInvalidArgument, field)
	}
	return nil
}

func checkLength(field, value string, max int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
	}
	if n := utf8.RuneCountInString(value); n > max {
		return fmt.Errorf("%w: %s is %d characters, max %d", ErrInvalidArgument, field, n, max)
	}
	return nil
}
