package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/charityledger/service/ledger"
	charitysol "github.com/brojonat/charityledger/service/solana"
)

const (
	maxRequestBodySize = 64 << 10 // 64KB, the largest valid body is well under 2KB
	maxListLimit       = 1000
)

// handleDonate returns a handler that records a donation from the signer.
// POST /api/v1/donations
//
// With a donation verifier configured the reference must name an on-chain transfer to
// the treasury and the verified amount is recorded. Otherwise the declared amount is
// taken as given.
func handleDonate(l *ledger.Ledger, verifier DonationVerifier, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFrom(r.Context())

		var req struct {
			Payload   string `json:"payload"`
			Amount    int64  `json:"amount"`
			Reference string `json:"reference"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}

		var payload ledger.Hash
		if req.Payload != "" {
			var err error
			if payload, err = ledger.ParseHash(req.Payload); err != nil {
				writeError(w, "invalid payload: "+err.Error(), "invalid_argument", http.StatusBadRequest)
				return
			}
		}

		amount := req.Amount
		reference := strings.TrimSpace(req.Reference)
		if verifier != nil {
			if reference == "" {
				writeError(w, "reference is required: it must be the signature of a transfer to "+
					verifier.Treasury().String(), "invalid_argument", http.StatusBadRequest)
				return
			}
			verified, err := verifier.Verify(r.Context(), caller, reference)
			if err != nil {
				writeVerificationError(w, r, logger, err)
				return
			}
			if amount != 0 && amount != verified.Amount {
				writeError(w, fmt.Sprintf("declared amount %d does not match transferred amount %d", amount, verified.Amount),
					"invalid_amount", http.StatusUnprocessableEntity)
				return
			}
			amount = verified.Amount
			reference = verified.Signature
		}

		donation, err := l.Donate(r.Context(), caller, payload, amount, reference)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, donationToResponse(donation), http.StatusCreated)
	})
}

// handleGetDonation returns a handler that retrieves a donation by id.
// GET /api/v1/donations/{id}
func handleGetDonation(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		donation, err := l.GetDonation(id)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, donationToResponse(donation), http.StatusOK)
	})
}

// handleListDonations returns a handler that lists donations newest first.
// GET /api/v1/donations?donor=ADDRESS&limit=N&offset=N
func handleListDonations(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		limit, offset, err := parsePage(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeError(w, err.Error(), "invalid_argument", http.StatusBadRequest)
			return
		}
		filter := ledger.DonationFilter{Limit: limit, Offset: offset}
		if filter.Donor, err = optionalAddress(query.Get("donor")); err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}

		donations := l.ListDonations(filter)
		resp := make([]donationResponse, len(donations))
		for i, d := range donations {
			resp[i] = donationToResponse(d)
		}
		writeJSON(w, map[string]interface{}{
			"donations": resp,
			"count":     len(resp),
			"limit":     filter.Limit,
			"offset":    filter.Offset,
		}, http.StatusOK)
	})
}

// handleRegisterBeneficiary returns a handler that registers the signer as a beneficiary.
// POST /api/v1/beneficiaries
func handleRegisterBeneficiary(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFrom(r.Context())

		var req struct {
			IdentityHash string `json:"identity_hash"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		identity, err := ledger.ParseHash(req.IdentityHash)
		if err != nil {
			writeError(w, "invalid identity_hash: "+err.Error(), "invalid_argument", http.StatusBadRequest)
			return
		}

		b, err := l.RegisterBeneficiary(r.Context(), caller, identity)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, beneficiaryToResponse(b), http.StatusCreated)
	})
}

// handleVerifyBeneficiary returns a handler that verifies a beneficiary. NGO only.
// POST /api/v1/beneficiaries/{address}/verify
func handleVerifyBeneficiary(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFrom(r.Context())
		addr, ok := pathAddress(w, r)
		if !ok {
			return
		}
		b, err := l.VerifyBeneficiary(r.Context(), caller, addr)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, beneficiaryToResponse(b), http.StatusOK)
	})
}

// handleIssueVoucher returns a handler that credits a verified beneficiary. NGO only.
// POST /api/v1/beneficiaries/{address}/vouchers
func handleIssueVoucher(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFrom(r.Context())
		addr, ok := pathAddress(w, r)
		if !ok {
			return
		}
		var req struct {
			Amount int64 `json:"amount"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		b, err := l.IssueVoucher(r.Context(), caller, addr, req.Amount)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, beneficiaryToResponse(b), http.StatusOK)
	})
}

// handleGetBeneficiary returns a handler that retrieves a beneficiary.
// GET /api/v1/beneficiaries/{address}
func handleGetBeneficiary(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := pathAddress(w, r)
		if !ok {
			return
		}
		b, err := l.GetBeneficiary(addr)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, beneficiaryToResponse(b), http.StatusOK)
	})
}

// handleListBeneficiaries returns a handler that lists beneficiaries.
// GET /api/v1/beneficiaries?verified=true|false
func handleListBeneficiaries(l *ledger.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verified, err := optionalBool(r.URL.Query().Get("verified"))
		if err != nil {
			writeError(w, "invalid verified parameter: must be true or false", "invalid_argument", http.StatusBadRequest)
			return
		}
		beneficiaries := l.ListBeneficiaries(verified)
		resp := make([]beneficiaryResponse, len(beneficiaries))
		for i, b := range beneficiaries {
			resp[i] = beneficiaryToResponse(b)
		}
		writeJSON(w, map[string]interface{}{
			"beneficiaries": resp,
			"count":         len(resp),
		}, http.StatusOK)
	})
}

// handleRegisterMerchant returns a handler that registers the signer as a merchant.
// POST /api/v1/merchants
func handleRegisterMerchant(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFrom(r.Context())
		var req struct {
			BusinessName string `json:"business_name"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		m, err := l.RegisterMerchant(r.Context(), caller, req.BusinessName)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, merchantToResponse(m), http.StatusCreated)
	})
}

// handleApproveMerchant returns a handler that approves a merchant. NGO only.
// POST /api/v1/merchants/{address}/approve
func handleApproveMerchant(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFrom(r.Context())
		addr, ok := pathAddress(w, r)
		if !ok {
			return
		}
		m, err := l.ApproveMerchant(r.Context(), caller, addr)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, merchantToResponse(m), http.StatusOK)
	})
}

// handleGetMerchant returns a handler that retrieves a merchant.
// GET /api/v1/merchants/{address}
func handleGetMerchant(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := pathAddress(w, r)
		if !ok {
			return
		}
		m, err := l.GetMerchant(addr)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, merchantToResponse(m), http.StatusOK)
	})
}

// handleListMerchants returns a handler that lists merchants.
// GET /api/v1/merchants?approved=true|false
func handleListMerchants(l *ledger.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		approved, err := optionalBool(r.URL.Query().Get("approved"))
		if err != nil {
			writeError(w, "invalid approved parameter: must be true or false", "invalid_argument", http.StatusBadRequest)
			return
		}
		merchants := l.ListMerchants(approved)
		resp := make([]merchantResponse, len(merchants))
		for i, m := range merchants {
			resp[i] = merchantToResponse(m)
		}
		writeJSON(w, map[string]interface{}{
			"merchants": resp,
			"count":     len(resp),
		}, http.StatusOK)
	})
}

// handleUseVoucher returns a handler that redeems the signer's voucher credit.
// POST /api/v1/transactions
func handleUseVoucher(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFrom(r.Context())
		var req struct {
			Merchant        string `json:"merchant"`
			Amount          int64  `json:"amount"`
			ItemDescription string `json:"item_description"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		merchant, err := ledger.ParseAddress(req.Merchant)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		tx, err := l.UseVoucher(r.Context(), caller, merchant, req.Amount, req.ItemDescription)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, transactionToResponse(tx), http.StatusCreated)
	})
}

// handleSubmitDeliveryProof returns a handler that attaches a delivery proof. When
// the transaction enters its challenge window, settlement is scheduled.
// POST /api/v1/transactions/{id}/proof
func handleSubmitDeliveryProof(l *ledger.Ledger, settler Settler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFrom(r.Context())
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req struct {
			ProofHash string `json:"proof_hash"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		tx, err := l.SubmitDeliveryProof(r.Context(), caller, id, req.ProofHash)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}

		if tx.Status == ledger.StatusProofSubmitted && tx.ChallengeDeadline != nil {
			if settler == nil {
				logger.WarnContext(r.Context(), "no settler configured, transaction must be finalized manually",
					"transaction_id", tx.ID,
					"deadline", *tx.ChallengeDeadline,
				)
			} else if err := settler.ScheduleSettlement(r.Context(), tx.ID, *tx.ChallengeDeadline); err != nil {
				// The proof is committed; startup reschedules any unsettled transaction.
				logger.ErrorContext(r.Context(), "failed to schedule settlement",
					"request_id", requestIDFrom(r.Context()),
					"transaction_id", tx.ID,
					"error", err,
				)
			}
		}
		writeJSON(w, transactionToResponse(tx), http.StatusOK)
	})
}

// handleTransactionAction returns a handler for the id-only transaction transitions:
// challenge, refund, approve and finalize.
func handleTransactionAction(action func(r *http.Request, caller ledger.Address, id uint64) (ledger.Transaction, error), logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFrom(r.Context())
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		tx, err := action(r, caller, id)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, transactionToResponse(tx), http.StatusOK)
	})
}

// handleChallengeTransaction disputes a transaction. Auditor only.
// POST /api/v1/transactions/{id}/challenge
func handleChallengeTransaction(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		handleTransactionAction(func(r *http.Request, caller ledger.Address, id uint64) (ledger.Transaction, error) {
			return l.ChallengeTransaction(r.Context(), caller, id, req.Reason)
		}, logger).ServeHTTP(w, r)
	})
}

// handleGetTransaction returns a handler that retrieves a transaction by id.
// GET /api/v1/transactions/{id}
func handleGetTransaction(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		tx, err := l.GetTransaction(id)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, transactionToResponse(tx), http.StatusOK)
	})
}

// handleListTransactions returns a handler that lists transactions newest first.
// GET /api/v1/transactions?beneficiary=A&merchant=A&status=S&limit=N&offset=N
func handleListTransactions(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		limit, offset, err := parsePage(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeError(w, err.Error(), "invalid_argument", http.StatusBadRequest)
			return
		}

		filter := ledger.TransactionFilter{Limit: limit, Offset: offset}
		if filter.Beneficiary, err = optionalAddress(query.Get("beneficiary")); err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		if filter.Merchant, err = optionalAddress(query.Get("merchant")); err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		if s := query.Get("status"); s != "" {
			status, err := ledger.ParseStatus(s)
			if err != nil {
				writeLedgerError(w, r, logger, err)
				return
			}
			filter.Status = &status
		}

		transactions := l.ListTransactions(filter)
		resp := make([]transactionResponse, len(transactions))
		for i, tx := range transactions {
			resp[i] = transactionToResponse(tx)
		}
		writeJSON(w, map[string]interface{}{
			"transactions": resp,
			"count":        len(resp),
			"limit":        filter.Limit,
			"offset":       filter.Offset,
		}, http.StatusOK)
	})
}

// handleGrantRole returns a handler that grants a role. Owner only.
// POST /api/v1/roles
func handleGrantRole(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFrom(r.Context())
		var req struct {
			Address string `json:"address"`
			Role    string `json:"role"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		user, err := ledger.ParseAddress(req.Address)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		role, err := ledger.ParseRole(req.Role)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		roles, err := l.GrantRole(r.Context(), caller, user, role)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, rolesToResponse(user, roles), http.StatusOK)
	})
}

// handleRevokeRole returns a handler that revokes a role. Owner only.
// DELETE /api/v1/roles/{address}/{role}
func handleRevokeRole(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFrom(r.Context())
		user, ok := pathAddress(w, r)
		if !ok {
			return
		}
		role, err := ledger.ParseRole(r.PathValue("role"))
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		roles, err := l.RevokeRole(r.Context(), caller, user, role)
		if err != nil {
			writeLedgerError(w, r, logger, err)
			return
		}
		writeJSON(w, rolesToResponse(user, roles), http.StatusOK)
	})
}

// handleGetRoles returns a handler that lists the roles of an address.
// GET /api/v1/roles/{address}
func handleGetRoles(l *ledger.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := pathAddress(w, r)
		if !ok {
			return
		}
		writeJSON(w, rolesToResponse(addr, l.Roles(addr)), http.StatusOK)
	})
}

// handleStats returns a handler that reports the ledger aggregates.
// GET /api/v1/stats
func handleStats(l *ledger.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, statsToResponse(l.Stats()), http.StatusOK)
	})
}

// writeLedgerError maps the ledger error taxonomy to an HTTP status and a stable code.
func writeLedgerError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := ledger.Outcome(err)
	status := http.StatusInternalServerError
	switch code {
	case "not_found":
		status = http.StatusNotFound
	case "already_exists", "invalid_state_transition", "not_verified", "not_approved":
		status = http.StatusConflict
	case "unauthorized":
		status = http.StatusForbidden
	case "invalid_amount", "insufficient_balance":
		status = http.StatusUnprocessableEntity
	case "invalid_argument":
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "ledger operation failed",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, "internal server error", code, status)
		return
	}
	logger.DebugContext(r.Context(), "ledger operation rejected",
		"request_id", requestIDFrom(r.Context()),
		"path", r.URL.Path,
		"code", code,
		"error", err,
	)
	writeError(w, err.Error(), code, status)
}

// writeVerificationError maps donation verification failures.
func writeVerificationError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, charitysol.ErrInvalidReference):
		writeError(w, err.Error(), "invalid_argument", http.StatusBadRequest)
	case errors.Is(err, charitysol.ErrDonationNotFound):
		writeError(w, err.Error(), "donation_not_found", http.StatusUnprocessableEntity)
	case errors.Is(err, charitysol.ErrDonationFailed):
		writeError(w, err.Error(), "donation_failed", http.StatusUnprocessableEntity)
	case errors.Is(err, charitysol.ErrTransferNotFound):
		writeError(w, err.Error(), "transfer_not_found", http.StatusUnprocessableEntity)
	case errors.Is(err, charitysol.ErrRPCUnavailable):
		logger.WarnContext(r.Context(), "donation verification unavailable",
			"request_id", requestIDFrom(r.Context()),
			"error", err,
		)
		writeError(w, "donation verification temporarily unavailable", "rpc_unavailable", http.StatusServiceUnavailable)
	default:
		logger.ErrorContext(r.Context(), "donation verification failed",
			"request_id", requestIDFrom(r.Context()),
			"error", err,
		)
		writeError(w, "internal server error", "internal", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}

// decodeJSON decodes the request body into v, answering 400 itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large: maximum size is 64KB", "invalid_argument", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: "+err.Error(), "invalid_argument", http.StatusBadRequest)
		return false
	}
	return true
}

func pathAddress(w http.ResponseWriter, r *http.Request) (ledger.Address, bool) {
	addr, err := ledger.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, err.Error(), "invalid_argument", http.StatusBadRequest)
		return ledger.Address{}, false
	}
	return addr, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, fmt.Sprintf("invalid id %q: must be a positive integer", raw), "invalid_argument", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func optionalAddress(s string) (*ledger.Address, error) {
	if s == "" {
		return nil, nil
	}
	addr, err := ledger.ParseAddress(s)
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

func optionalBool(s string) (*bool, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// parsePage parses limit (default ledger.DefaultListLimit, at most 1000) and offset.
func parsePage(limitStr, offsetStr string) (int, int, error) {
	limit := ledger.DefaultListLimit
	if limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, errorf("invalid limit parameter: must be an integer")
		}
		if parsed < 1 {
			return 0, 0, errorf("limit must be at least 1")
		}
		if parsed > maxListLimit {
			return 0, 0, errorf("limit cannot exceed %d", maxListLimit)
		}
		limit = parsed
	}

	offset := 0
	if offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, errorf("invalid offset parameter: must be an integer")
		}
		if parsed < 0 {
			return 0, 0, errorf("offset cannot be negative")
		}
		offset = parsed
	}
	return limit, offset, nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

type donationResponse struct {
	ID        uint64    `json:"id"`
	Donor     string    `json:"donor"`
	Amount    int64     `json:"amount"`
	Payload   string    `json:"payload"`
	Reference string    `json:"reference,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func donationToResponse(d ledger.Donation) donationResponse {
	return donationResponse{
		ID:        d.ID,
		Donor:     d.Donor.String(),
		Amount:    d.Amount,
		Payload:   d.Payload.String(),
		Reference: d.Reference,
		Timestamp: d.Timestamp,
	}
}

type beneficiaryResponse struct {
	Address        string     `json:"address"`
	IdentityHash   string     `json:"identity_hash"`
	Verified       bool       `json:"verified"`
	VoucherBalance int64      `json:"voucher_balance"`
	RegisteredAt   time.Time  `json:"registered_at"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
}

func beneficiaryToResponse(b ledger.Beneficiary) beneficiaryResponse {
	return beneficiaryResponse{
		Address:        b.Address.String(),
		IdentityHash:   b.IdentityHash.String(),
		Verified:       b.Verified,
		VoucherBalance: b.VoucherBalance,
		RegisteredAt:   b.RegisteredAt,
		VerifiedAt:     b.VerifiedAt,
	}
}

type merchantResponse struct {
	Address           string     `json:"address"`
	BusinessName      string     `json:"business_name"`
	Approved          bool       `json:"approved"`
	TotalTransactions uint64     `json:"total_transactions"`
	RegisteredAt      time.Time  `json:"registered_at"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
}

func merchantToResponse(m ledger.Merchant) merchantResponse {
	return merchantResponse{
		Address:           m.Address.String(),
		BusinessName:      m.BusinessName,
		Approved:          m.Approved,
		TotalTransactions: m.TotalTransactions,
		RegisteredAt:      m.RegisteredAt,
		ApprovedAt:        m.ApprovedAt,
	}
}

type challengeResponse struct {
	Auditor      string    `json:"auditor"`
	Reason       string    `json:"reason"`
	ChallengedAt time.Time `json:"challenged_at"`
}

type transactionResponse struct {
	ID                uint64             `json:"id"`
	Beneficiary       string             `json:"beneficiary"`
	Merchant          string             `json:"merchant"`
	Amount            int64              `json:"amount"`
	ItemDescription   string             `json:"item_description"`
	DeliveryProofHash string             `json:"delivery_proof_hash,omitempty"`
	Status            string             `json:"status"`
	CreatedAt         time.Time          `json:"created_at"`
	ProofSubmittedAt  *time.Time         `json:"proof_submitted_at,omitempty"`
	ChallengeDeadline *time.Time         `json:"challenge_deadline,omitempty"`
	SettledAt         *time.Time         `json:"settled_at,omitempty"`
	Challenge         *challengeResponse `json:"challenge,omitempty"`
}

func transactionToResponse(t ledger.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:                t.ID,
		Beneficiary:       t.Beneficiary.String(),
		Merchant:          t.Merchant.String(),
		Amount:            t.Amount,
		ItemDescription:   t.ItemDescription,
		DeliveryProofHash: t.DeliveryProofHash,
		Status:            t.Status.String(),
		CreatedAt:         t.CreatedAt,
		ProofSubmittedAt:  t.ProofSubmittedAt,
		ChallengeDeadline: t.ChallengeDeadline,
		SettledAt:         t.SettledAt,
	}
	if t.Challenge != nil {
		resp.Challenge = &challengeResponse{
			Auditor:      t.Challenge.Auditor.String(),
			Reason:       t.Challenge.Reason,
			ChallengedAt: t.Challenge.Challenged,
		}
	}
	return resp
}

type rolesResponse struct {
	Address string   `json:"address"`
	Roles   []string `json:"roles"`
}

func rolesToResponse(addr ledger.Address, set ledger.RoleSet) rolesResponse {
	roles := set.Roles()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	return rolesResponse{Address: addr.String(), Roles: names}
}

type statsResponse struct {
	TotalDonations   int64  `json:"total_donations"`
	DonationCount    uint64 `json:"donation_count"`
	TransactionCount uint64 `json:"transaction_count"`
	TotalReleased    int64  `json:"total_released"`
	ContractBalance  int64  `json:"contract_balance"`
}

func statsToResponse(s ledger.Stats) statsResponse {
	return statsResponse{
		TotalDonations:   s.TotalDonations,
		DonationCount:    s.DonationCount,
		TransactionCount: s.TransactionCount,
		TotalReleased:    s.TotalReleased,
		ContractBalance:  s.ContractBalance,
	}
}
