package ledger

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Address identifies an actor by its ed25519 wallet public key.
// The zero key is the placeholder address and never a valid actor.
type Address = solana.PublicKey

// ParseAddress parses a base58 wallet address and rejects the zero placeholder.
func ParseAddress(s string) (Address, error) {
	addr, err := solana.PublicKeyFromBase58(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("%w: invalid address %q: %v", ErrInvalidArgument, s, err)
	}
	if addr.IsZero() {
		return Address{}, fmt.Errorf("%w: zero address is not a valid actor", ErrInvalidArgument)
	}
	return addr, nil
}

// Hash is an opaque 32-byte value (identity hashes, encrypted donation payloads).
type Hash [32]byte

// ParseHash parses a 64 digit hex string with an optional 0x prefix.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(raw) != hex.EncodedLen(len(h)) {
		return h, fmt.Errorf("%w: hash must be 32 bytes (64 hex digits), got %d digits", ErrInvalidArgument, len(raw))
	}
	if _, err := hex.Decode(h[:], []byte(raw)); err != nil {
		return h, fmt.Errorf("%w: invalid hash: %v", ErrInvalidArgument, err)
	}
	return h, nil
}

// IsZero reports whether every byte of the hash is zero.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Role is a capability tag. Numeric values match the uint8 role codes of the contract interface.
type Role uint8

const (
	RoleDonor Role = iota
	RoleBeneficiary
	RoleNGO
	RoleMerchant
	RoleAuditor
)

var roleNames = [...]string{"donor", "beneficiary", "ngo", "merchant", "auditor"}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return int(r) < len(roleNames)
}

func (r Role) String() string {
	if !r.Valid() {
		return "role(" + strconv.Itoa(int(r)) + ")"
	}
	return roleNames[r]
}

// ParseRole accepts a role name ("ngo") or its numeric code ("2").
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range roleNames {
		if s == name {
			return Role(i), nil
		}
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil && Role(n).Valid() {
		return Role(n), nil
	}
	return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("unknown role %d", r)
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RoleSet is the capability set held by one address.
type RoleSet uint8

// Has reports whether the set contains r.
func (s RoleSet) Has(r Role) bool {
	return r.Valid() && s&(1<<r) != 0
}

// With returns the set with r added.
func (s RoleSet) With(r Role) RoleSet {
	return s | 1<<r
}

// Without returns the set with r removed.
func (s RoleSet) Without(r Role) RoleSet {
	return s &^ (1 << r)
}

// Roles lists the roles in the set in code order.
func (s RoleSet) Roles() []Role {
	roles := make([]Role, 0, len(roleNames))
	for i := range roleNames {
		if s.Has(Role(i)) {
			roles = append(roles, Role(i))
		}
	}
	return roles
}

// Status is the lifecycle state of a voucher transaction.
type Status uint8

const (
	StatusPending Status = iota
	StatusProofSubmitted
	StatusCompleted
	StatusChallenged
	StatusRefunded
)

var statusNames = [...]string{"pending", "proof_submitted", "completed", "challenged", "refunded"}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

func (s Status) String() string {
	if !s.Valid() {
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
	return statusNames[s]
}

// ParseStatus parses a status name such as "proof_submitted".
func ParseStatus(s string) (Status, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range statusNames {
		if s == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown status %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Donation is an immutable record of value received.
type Donation struct {
	ID        uint64
	Donor     Address
	Amount    int64
	Payload   Hash   // encrypted message, zero when the donor left none
	Reference string // external payment reference, empty in declared-amount mode
	Timestamp time.Time
}

// Beneficiary is a self-registered recipient of voucher credit.
type Beneficiary struct {
	Address        Address
	IdentityHash   Hash
	Verified       bool
	VoucherBalance int64
	RegisteredAt   time.Time
	VerifiedAt     *time.Time
}

// Merchant is a self-registered redemption point.
type Merchant struct {
	Address           Address
	BusinessName      string
	Approved          bool
	TotalTransactions uint64
	RegisteredAt      time.Time
	ApprovedAt        *time.Time
}

// Challenge records an auditor's dispute of a transaction.
type Challenge struct {
	Auditor    Address
	Reason     string
	Challenged time.Time
}

// Transaction is a voucher redemption with its escrowed amount.
type Transaction struct {
	ID                uint64
	Beneficiary       Address
	Merchant          Address
	Amount            int64
	ItemDescription   string
	DeliveryProofHash string
	Status            Status
	CreatedAt         time.Time
	ProofSubmittedAt  *time.Time
	ChallengeDeadline *time.Time
	SettledAt         *time.Time
	Challenge         *Challenge
}

// Stats holds the aggregate counters of the ledger.
type Stats struct {
	TotalDonations   int64
	DonationCount    uint64
	TransactionCount uint64
	TotalReleased    int64
	// ContractBalance is TotalDonations minus TotalReleased. Voucher credit is not
	// backed by donations one to one, so this may be negative.
	ContractBalance int64
}

func (b *Beneficiary) clone() Beneficiary {
	out := *b
	out.VerifiedAt = cloneTime(b.VerifiedAt)
	return out
}

func (m *Merchant) clone() Merchant {
	out := *m
	out.ApprovedAt = cloneTime(m.ApprovedAt)
	return out
}

func (t *Transaction) clone() Transaction {
	out := *t
	out.ProofSubmittedAt = cloneTime(t.ProofSubmittedAt)
	out.ChallengeDeadline = cloneTime(t.ChallengeDeadline)
	out.SettledAt = cloneTime(t.SettledAt)
	if t.Challenge != nil {
		c := *t.Challenge
		out.Challenge = &c
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
