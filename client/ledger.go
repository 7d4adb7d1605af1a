package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Donation is a recorded donation.
type Donation struct {
	ID        uint64    `json:"id"`
	Donor     string    `json:"donor"`
	Amount    int64     `json:"amount"`
	Payload   string    `json:"payload"`
	Reference string    `json:"reference,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Beneficiary is a registered voucher recipient.
type Beneficiary struct {
	Address        string     `json:"address"`
	IdentityHash   string     `json:"identity_hash"`
	Verified       bool       `json:"verified"`
	VoucherBalance int64      `json:"voucher_balance"`
	RegisteredAt   time.Time  `json:"registered_at"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
}

// Merchant is a registered redemption point.
type Merchant struct {
	Address           string     `json:"address"`
	BusinessName      string     `json:"business_name"`
	Approved          bool       `json:"approved"`
	TotalTransactions uint64     `json:"total_transactions"`
	RegisteredAt      time.Time  `json:"registered_at"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
}

// Challenge is an auditor's dispute of a transaction.
type Challenge struct {
	Auditor      string    `json:"auditor"`
	Reason       string    `json:"reason"`
	ChallengedAt time.Time `json:"challenged_at"`
}

// Transaction is a voucher redemption.
type Transaction struct {
	ID                uint64     `json:"id"`
	Beneficiary       string     `json:"beneficiary"`
	Merchant          string     `json:"merchant"`
	Amount            int64      `json:"amount"`
	ItemDescription   string     `json:"item_description"`
	DeliveryProofHash string     `json:"delivery_proof_hash,omitempty"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	ProofSubmittedAt  *time.Time `json:"proof_submitted_at,omitempty"`
	ChallengeDeadline *time.Time `json:"challenge_deadline,omitempty"`
	SettledAt         *time.Time `json:"settled_at,omitempty"`
	Challenge         *Challenge `json:"challenge,omitempty"`
}

// Roles is the capability set held by an address.
type Roles struct {
	Address string   `json:"address"`
	Roles   []string `json:"roles"`
}

// Stats holds the ledger aggregates.
type Stats struct {
	TotalDonations   int64  `json:"total_donations"`
	DonationCount    uint64 `json:"donation_count"`
	TransactionCount uint64 `json:"transaction_count"`
	TotalReleased    int64  `json:"total_released"`
	ContractBalance  int64  `json:"contract_balance"`
}

// Health is the server health report.
type Health struct {
	Status            string `json:"status"`
	Database          string `json:"database"`
	Seq               uint64 `json:"seq"`
	Owner             string `json:"owner"`
	ChallengeWindow   string `json:"challenge_window"`
	VerifiesDonations bool   `json:"verifies_donations"`
	AmountDecimals    int    `json:"amount_decimals"`
}

// DonateParams describes a donation. Amount may be zero when the server verifies
// the on-chain transfer named by Reference.
type DonateParams struct {
	Payload   string `json:"payload"`
	Amount    int64  `json:"amount,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// Donate records a donation from the signer.
func (c *Client) Donate(ctx context.Context, params DonateParams) (*Donation, error) {
	var out Donation
	if err := c.do(ctx, http.MethodPost, "/api/v1/donations", nil, params, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDonation retrieves a donation by id.
func (c *Client) GetDonation(ctx context.Context, id uint64) (*Donation, error) {
	var out Donation
	if err := c.do(ctx, http.MethodGet, "/api/v1/donations/"+strconv.FormatUint(id, 10), nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDonationsParams filters donations. Zero values mean no filter.
type ListDonationsParams struct {
	Donor  string
	Limit  int
	Offset int
}

// ListDonations returns donations newest first.
func (c *Client) ListDonations(ctx context.Context, params ListDonationsParams) ([]Donation, error) {
	q := url.Values{}
	setString(q, "donor", params.Donor)
	setPage(q, params.Limit, params.Offset)

	var out struct {
		Donations []Donation `json:"donations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/donations", q, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Donations, nil
}

// RegisterBeneficiary registers the signer as a beneficiary.
func (c *Client) RegisterBeneficiary(ctx context.Context, identityHash string) (*Beneficiary, error) {
	var out Beneficiary
	in := map[string]string{"identity_hash": identityHash}
	if err := c.do(ctx, http.MethodPost, "/api/v1/beneficiaries", nil, in, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyBeneficiary marks a beneficiary verified. Requires the NGO role.
func (c *Client) VerifyBeneficiary(ctx context.Context, address string) (*Beneficiary, error) {
	var out Beneficiary
	path := "/api/v1/beneficiaries/" + url.PathEscape(address) + "/verify"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// IssueVoucher credits a verified beneficiary. Requires the NGO role.
func (c *Client) IssueVoucher(ctx context.Context, address string, amount int64) (*Beneficiary, error) {
	var out Beneficiary
	path := "/api/v1/beneficiaries/" + url.PathEscape(address) + "/vouchers"
	if err := c.do(ctx, http.MethodPost, path, nil, map[string]int64{"amount": amount}, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBeneficiary retrieves a beneficiary.
func (c *Client) GetBeneficiary(ctx context.Context, address string) (*Beneficiary, error) {
	var out Beneficiary
	if err := c.do(ctx, http.MethodGet, "/api/v1/beneficiaries/"+url.PathEscape(address), nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBeneficiaries lists beneficiaries, optionally by verification state.
func (c *Client) ListBeneficiaries(ctx context.Context, verified *bool) ([]Beneficiary, error) {
	q := url.Values{}
	setBool(q, "verified", verified)

	var out struct {
		Beneficiaries []Beneficiary `json:"beneficiaries"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/beneficiaries", q, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Beneficiaries, nil
}

// RegisterMerchant registers the signer as a merchant.
func (c *Client) RegisterMerchant(ctx context.Context, businessName string) (*Merchant, error) {
	var out Merchant
	in := map[string]string{"business_name": businessName}
	if err := c.do(ctx, http.MethodPost, "/api/v1/merchants", nil, in, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApproveMerchant approves a merchant. Requires the NGO role.
func (c *Client) ApproveMerchant(ctx context.Context, address string) (*Merchant, error) {
	var out Merchant
	path := "/api/v1/merchants/" + url.PathEscape(address) + "/approve"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMerchant retrieves a merchant.
func (c *Client) GetMerchant(ctx context.Context, address string) (*Merchant, error) {
	var out Merchant
	if err := c.do(ctx, http.MethodGet, "/api/v1/merchants/"+url.PathEscape(address), nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMerchants lists merchants, optionally by approval state.
func (c *Client) ListMerchants(ctx context.Context, approved *bool) ([]Merchant, error) {
	q := url.Values{}
	setBool(q, "approved", approved)

	var out struct {
		Merchants []Merchant `json:"merchants"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/merchants", q, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Merchants, nil
}

// UseVoucher redeems part of the signer's voucher balance at merchant.
func (c *Client) UseVoucher(ctx context.Context, merchant string, amount int64, itemDescription string) (*Transaction, error) {
	in := struct {
		Merchant        string `json:"merchant"`
		Amount          int64  `json:"amount"`
		ItemDescription string `json:"item_description"`
	}{merchant, amount, itemDescription}

	var out Transaction
	if err := c.do(ctx, http.MethodPost, "/api/v1/transactions", nil, in, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitDeliveryProof attaches a delivery proof. The signer must be the transaction's merchant.
func (c *Client) SubmitDeliveryProof(ctx context.Context, id uint64, proofHash string) (*Transaction, error) {
	return c.transactionAction(ctx, id, "proof", map[string]string{"proof_hash": proofHash}, true)
}

// ChallengeTransaction disputes a transaction. Requires the auditor role.
func (c *Client) ChallengeTransaction(ctx context.Context, id uint64, reason string) (*Transaction, error) {
	return c.transactionAction(ctx, id, "challenge", map[string]string{"reason": reason}, true)
}

// RefundTransaction returns a challenged transaction's amount to the beneficiary.
func (c *Client) RefundTransaction(ctx context.Context, id uint64) (*Transaction, error) {
	return c.transactionAction(ctx, id, "refund", nil, true)
}

// ApproveTransaction completes a proof-submitted transaction before its deadline.
// Requires the auditor role.
func (c *Client) ApproveTransaction(ctx context.Context, id uint64) (*Transaction, error) {
	return c.transactionAction(ctx, id, "approve", nil, true)
}

// FinalizeTransaction completes a transaction whose challenge window has closed.
// The call is unsigned unless the client has a signer.
func (c *Client) FinalizeTransaction(ctx context.Context, id uint64) (*Transaction, error) {
	return c.transactionAction(ctx, id, "finalize", nil, len(c.signer) > 0)
}

func (c *Client) transactionAction(ctx context.Context, id uint64, action string, in any, signed bool) (*Transaction, error) {
	var out Transaction
	path := fmt.Sprintf("/api/v1/transactions/%d/%s", id, action)
	if err := c.do(ctx, http.MethodPost, path, nil, in, &out, signed); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransaction retrieves a transaction by id.
func (c *Client) GetTransaction(ctx context.Context, id uint64) (*Transaction, error) {
	var out Transaction
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions/"+strconv.FormatUint(id, 10), nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTransactionsParams filters transactions. Zero values mean no filter.
type ListTransactionsParams struct {
	Beneficiary string
	Merchant    string
	Status      string
	Limit       int
	Offset      int
}

// ListTransactions returns transactions newest first.
func (c *Client) ListTransactions(ctx context.Context, params ListTransactionsParams) ([]Transaction, error) {
	q := url.Values{}
	setString(q, "beneficiary", params.Beneficiary)
	setString(q, "merchant", params.Merchant)
	setString(q, "status", params.Status)
	setPage(q, params.Limit, params.Offset)

	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions", q, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// GrantRole grants role to address. Only the ledger owner may call it.
func (c *Client) GrantRole(ctx context.Context, address, role string) (*Roles, error) {
	var out Roles
	in := map[string]string{"address": address, "role": role}
	if err := c.do(ctx, http.MethodPost, "/api/v1/roles", nil, in, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeRole removes role from address. Only the ledger owner may call it.
func (c *Client) RevokeRole(ctx context.Context, address, role string) (*Roles, error) {
	var out Roles
	path := "/api/v1/roles/" + url.PathEscape(address) + "/" + url.PathEscape(role)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRoles returns the roles held by address.
func (c *Client) GetRoles(ctx context.Context, address string) (*Roles, error) {
	var out Roles
	if err := c.do(ctx, http.MethodGet, "/api/v1/roles/"+url.PathEscape(address), nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the ledger aggregates.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func setString(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setBool(q url.Values, key string, value *bool) {
	if value != nil {
		q.Set(key, strconv.FormatBool(*value))
	}
}

func setPage(q url.Values, limit, offset int) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
}
