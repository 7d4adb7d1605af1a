package ledger

import (
	"context"
	"time"
)

// EventKind names a ledger state change.
type EventKind string

const (
	EventDonationReceived       EventKind = "donation_received"
	EventBeneficiaryRegistered  EventKind = "beneficiary_registered"
	EventBeneficiaryVerified    EventKind = "beneficiary_verified"
	EventVoucherIssued          EventKind = "voucher_issued"
	EventMerchantRegistered     EventKind = "merchant_registered"
	EventMerchantApproved       EventKind = "merchant_approved"
	EventVoucherRedeemed        EventKind = "voucher_redeemed"
	EventDeliveryProofSubmitted EventKind = "delivery_proof_submitted"
	EventTransactionCompleted   EventKind = "transaction_completed"
	EventTransactionChallenged  EventKind = "transaction_challenged"
	EventTransactionRefunded    EventKind = "transaction_refunded"
	EventRoleGranted            EventKind = "role_granted"
	EventRoleRevoked            EventKind = "role_revoked"
)

// EventKinds lists every kind in a stable order.
var EventKinds = []EventKind{
	EventDonationReceived,
	EventBeneficiaryRegistered,
	EventBeneficiaryVerified,
	EventVoucherIssued,
	EventMerchantRegistered,
	EventMerchantApproved,
	EventVoucherRedeemed,
	EventDeliveryProofSubmitted,
	EventTransactionCompleted,
	EventTransactionChallenged,
	EventTransactionRefunded,
	EventRoleGranted,
	EventRoleRevoked,
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is one journaled state change. Fields not relevant to the kind are left empty.
// Amount, Balance and Status carry post-state values so observers never need to
// re-derive them.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Actor     *Address  `json:"actor,omitempty"` // nil for permissionless settlement

	DonationID    uint64 `json:"donation_id,omitempty"`
	TransactionID uint64 `json:"transaction_id,omitempty"`

	Donor       *Address `json:"donor,omitempty"`
	Beneficiary *Address `json:"beneficiary,omitempty"`
	Merchant    *Address `json:"merchant,omitempty"`
	Subject     *Address `json:"subject,omitempty"` // role events

	Amount               int64      `json:"amount,omitempty"`
	Balance              *int64     `json:"balance,omitempty"`
	MerchantTransactions uint64     `json:"merchant_transactions,omitempty"`
	Status               *Status    `json:"status,omitempty"`
	Role                 *Role      `json:"role,omitempty"`
	Payload              *Hash      `json:"payload,omitempty"`
	IdentityHash         *Hash      `json:"identity_hash,omitempty"`
	Reference            string     `json:"reference,omitempty"`
	BusinessName         string     `json:"business_name,omitempty"`
	ItemDescription      string     `json:"item_description,omitempty"`
	ProofHash            string     `json:"proof_hash,omitempty"`
	Reason               string     `json:"reason,omitempty"`
	Deadline             *time.Time `json:"deadline,omitempty"`
}

// Journal durably records committed events. Append must be all-or-nothing:
// on error none of the events may be considered committed.
type Journal interface {
	Append(ctx context.Context, events []Event) error
}

// SeqJournal is a Journal that can report the seq of its last committed event. The
// ledger uses it to settle whether a failed Append was in fact committed.
type SeqJournal interface {
	Journal
	LastSeq(ctx context.Context) (uint64, error)
}

// Publisher fans committed events out to observers. Publication happens after commit
// and its failures do not undo the state change.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

func addrPtr(a Address) *Address { return &a }

func int64Ptr(v int64) *int64 { return &v }

func statusPtr(s Status) *Status { return &s }

func rolePtr(r Role) *Role { return &r }

func hashPtr(h Hash) *Hash { return &h }

func timePtr(t time.Time) *time.Time { return &t }
