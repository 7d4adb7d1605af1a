package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/charityledger/service/config"
	"github.com/brojonat/charityledger/service/ledger"
	natspkg "github.com/brojonat/charityledger/service/nats"
	charitysol "github.com/brojonat/charityledger/service/solana"
	"github.com/brojonat/charityledger/service/temporal"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t         *testing.T
	cfg       *config.Config
	server    *Server
	handler   http.Handler
	ledger    *ledger.Ledger
	publisher *natspkg.MockPublisher
	settler   *temporal.MockSettler
	clock     *testClock

	owner, ngo, auditor, donor, beneficiary, merchant solana.PrivateKey
}

type harnessOption func(h *harness)

func withVerifier(v DonationVerifier) harnessOption {
	return func(h *harness) { h.server.WithVerifier(v) }
}

func withStore(p Pinger) harnessOption {
	return func(h *harness) { h.server.store = p }
}

func withRateLimit(rps float64, burst int) harnessOption {
	return func(h *harness) { h.server.limiter = newRateLimiter(rps, burst) }
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newHarness builds a server around an in-memory ledger with ngo and auditor roles
// already granted.
func newHarness(t *testing.T, window time.Duration, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		t:           t,
		publisher:   natspkg.NewMockPublisher(),
		settler:     temporal.NewMockSettler(),
		clock:       &testClock{now: time.Now().UTC().Truncate(time.Second)},
		owner:       newKey(t),
		ngo:         newKey(t),
		auditor:     newKey(t),
		donor:       newKey(t),
		beneficiary: newKey(t),
		merchant:    newKey(t),
	}
	h.cfg = &config.Config{
		ServerAddr:       ":0",
		LedgerOwner:      h.owner.PublicKey(),
		ChallengeWindow:  window,
		AmountDecimals:   9,
		SignatureMaxSkew: 5 * time.Minute,
		RateLimitRPS:     1000,
		RateLimitBurst:   1000,
	}

	l, err := ledger.New(ledger.Config{
		Owner:           h.owner.PublicKey(),
		ChallengeWindow: window,
		Publisher:       h.publisher,
		Logger:          testLogger(),
		Clock:           h.clock.Now,
	})
	require.NoError(t, err)
	h.ledger = l

	ctx := context.Background()
	_, err = l.GrantRole(ctx, h.owner.PublicKey(), h.ngo.PublicKey(), ledger.RoleNGO)
	require.NoError(t, err)
	_, err = l.GrantRole(ctx, h.owner.PublicKey(), h.auditor.PublicKey(), ledger.RoleAuditor)
	require.NoError(t, err)

	h.server = New(h.cfg, l, nil, nil, testLogger()).
		WithSettler(h.settler).
		WithSubscriber(h.publisher)
	h.server.now = h.clock.Now
	h.server.nonces = charitysol.NewNonceCache(h.cfg.SignatureMaxSkew, h.clock.Now())
	for _, opt := range opts {
		opt(h)
	}
	require.NoError(t, h.server.WithTemplates())
	h.handler = h.server.Handler()
	return h
}

// do sends a request signed by key. A nil key sends it unsigned.
func (h *harness) do(key solana.PrivateKey, method, target string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()

	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(h.t, err)
	}
	var req *http.Request
	if key != nil {
		req = h.signedRequest(key, method, target, raw, raw, h.clock.Now(), charitysol.NewNonce())
	} else {
		req = httptest.NewRequest(method, target, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	}
	return h.send(req)
}

// signedRequest builds a request carrying body whose signature covers signedBody.
func (h *harness) signedRequest(key solana.PrivateKey, method, target string, signedBody, body []byte, ts time.Time, nonce string) *http.Request {
	h.t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	sig, err := charitysol.SignRequest(key, method, req.URL.Path, ts, nonce, signedBody)
	require.NoError(h.t, err)
	req.Header.Set(charitysol.HeaderAddress, key.PublicKey().String())
	req.Header.Set(charitysol.HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(charitysol.HeaderNonce, nonce)
	req.Header.Set(charitysol.HeaderSignature, sig.String())
	return req
}

func (h *harness) send(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, w)["code"]
}

// onboard registers and approves the beneficiary and merchant over HTTP and issues
// balance in vouchers.
func (h *harness) onboard(balance int64) {
	h.t.Helper()
	ben := h.beneficiary.PublicKey().String()
	mer := h.merchant.PublicKey().String()

	w := h.do(h.beneficiary, "POST", "/api/v1/beneficiaries", map[string]string{"identity_hash": strings.Repeat("ab", 32)})
	require.Equal(h.t, http.StatusCreated, w.Code, w.Body.String())
	w = h.do(h.ngo, "POST", "/api/v1/beneficiaries/"+ben+"/verify", nil)
	require.Equal(h.t, http.StatusOK, w.Code, w.Body.String())
	w = h.do(h.ngo, "POST", "/api/v1/beneficiaries/"+ben+"/vouchers", map[string]int64{"amount": balance})
	require.Equal(h.t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(h.merchant, "POST", "/api/v1/merchants", map[string]string{"business_name": "Corner Grocery"})
	require.Equal(h.t, http.StatusCreated, w.Code, w.Body.String())
	w = h.do(h.ngo, "POST", "/api/v1/merchants/"+mer+"/approve", nil)
	require.Equal(h.t, http.StatusOK, w.Code, w.Body.String())
}

func (h *harness) redeem(amount int64) transactionResponse {
	h.t.Helper()
	w := h.do(h.beneficiary, "POST", "/api/v1/transactions", map[string]interface{}{
		"merchant":         h.merchant.PublicKey().String(),
		"amount":           amount,
		"item_description": "rice 5kg",
	})
	require.Equal(h.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[transactionResponse](h.t, w)
}

func TestImmediateCompletion(t *testing.T) {
	h := newHarness(t, 0)
	h.onboard(500)

	tx := h.redeem(200)
	assert.Equal(t, "pending", tx.Status)
	assert.Equal(t, uint64(1), tx.ID)

	w := h.do(h.merchant, "POST", "/api/v1/transactions/1/proof", map[string]string{"proof_hash": "QmReceipt"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tx = decode[transactionResponse](t, w)
	assert.Equal(t, "completed", tx.Status)
	assert.NotNil(t, tx.SettledAt)
	assert.Nil(t, tx.ChallengeDeadline)
	assert.Equal(t, 0, h.settler.ScheduledCount(), "immediate completion needs no settlement")

	w = h.do(nil, "GET", "/api/v1/beneficiaries/"+h.beneficiary.PublicKey().String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(300), decode[beneficiaryResponse](t, w).VoucherBalance)

	w = h.do(nil, "GET", "/api/v1/merchants/"+h.merchant.PublicKey().String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uint64(1), decode[merchantResponse](t, w).TotalTransactions)

	w = h.do(nil, "GET", "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[statsResponse](t, w)
	assert.Equal(t, uint64(1), stats.TransactionCount)
	assert.Equal(t, int64(200), stats.TotalReleased)
	assert.Equal(t, int64(-200), stats.ContractBalance)

	assert.Len(t, h.publisher.GetPublishedEventsOfKind(ledger.EventTransactionCompleted), 1)
}

func TestChallengeWindowSettlement(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.onboard(500)
	h.redeem(200)

	w := h.do(h.merchant, "POST", "/api/v1/transactions/1/proof", map[string]string{"proof_hash": "QmReceipt"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tx := decode[transactionResponse](t, w)
	assert.Equal(t, "proof_submitted", tx.Status)
	require.NotNil(t, tx.ChallengeDeadline)

	deadline, ok := h.settler.Deadline(1)
	require.True(t, ok, "settlement should be scheduled")
	assert.True(t, deadline.Equal(*tx.ChallengeDeadline))

	// Anyone may finalize, but not before the deadline.
	w = h.do(nil, "POST", "/api/v1/transactions/1/finalize", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state_transition", errorCode(t, w))

	h.clock.Advance(time.Hour)
	w = h.do(nil, "POST", "/api/v1/transactions/1/finalize", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decode[transactionResponse](t, w).Status)

	completed := h.publisher.GetPublishedEventsOfKind(ledger.EventTransactionCompleted)
	require.Len(t, completed, 1)
	assert.Nil(t, completed[0].Actor, "unsigned finalize has no actor")

	// A second finalize is a state error.
	w = h.do(h.donor, "POST", "/api/v1/transactions/1/finalize", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSignedFinalizeRecordsActor(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.onboard(100)
	h.redeem(100)
	w := h.do(h.merchant, "POST", "/api/v1/transactions/1/proof", map[string]string{"proof_hash": "QmReceipt"})
	require.Equal(t, http.StatusOK, w.Code)

	h.clock.Advance(2 * time.Minute)
	w = h.do(h.donor, "POST", "/api/v1/transactions/1/finalize", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	completed := h.publisher.GetPublishedEventsOfKind(ledger.EventTransactionCompleted)
	require.Len(t, completed, 1)
	require.NotNil(t, completed[0].Actor)
	assert.Equal(t, h.donor.PublicKey(), *completed[0].Actor)
}

func TestSettlementSchedulingFailureKeepsProof(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.settler.SetError(errors.New("temporal unavailable"))
	h.onboard(100)
	h.redeem(50)

	w := h.do(h.merchant, "POST", "/api/v1/transactions/1/proof", map[string]string{"proof_hash": "QmReceipt"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "proof_submitted", decode[transactionResponse](t, w).Status)
	assert.Equal(t, 0, h.settler.ScheduledCount())
}

func TestChallengeRefundAndApprove(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.onboard(500)
	h.redeem(200)
	h.redeem(100)
	for _, id := range []string{"1", "2"} {
		w := h.do(h.merchant, "POST", "/api/v1/transactions/"+id+"/proof", map[string]string{"proof_hash": "QmReceipt" + id})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	// Only auditors challenge.
	w := h.do(h.ngo, "POST", "/api/v1/transactions/1/challenge", map[string]string{"reason": "no delivery"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "unauthorized", errorCode(t, w))

	w = h.do(h.auditor, "POST", "/api/v1/transactions/1/challenge", map[string]string{"reason": "no delivery"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tx := decode[transactionResponse](t, w)
	assert.Equal(t, "challenged", tx.Status)
	require.NotNil(t, tx.Challenge)
	assert.Equal(t, h.auditor.PublicKey().String(), tx.Challenge.Auditor)
	assert.Equal(t, "no delivery", tx.Challenge.Reason)

	w = h.do(h.ngo, "POST", "/api/v1/transactions/1/refund", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "refunded", decode[transactionResponse](t, w).Status)

	w = h.do(h.auditor, "POST", "/api/v1/transactions/2/approve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decode[transactionResponse](t, w).Status)

	// 500 - 200 - 100 + 200 refunded
	b, err := h.ledger.GetBeneficiary(h.beneficiary.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, int64(400), b.VoucherBalance)

	w = h.do(nil, "GET", "/api/v1/transactions?status=refunded", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Transactions []transactionResponse `json:"transactions"`
		Count        int                   `json:"count"`
	}](t, w)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, uint64(1), list.Transactions[0].ID)
}

func TestUseVoucherRejections(t *testing.T) {
	h := newHarness(t, 0)
	h.onboard(100)
	mer := h.merchant.PublicKey().String()

	tests := []struct {
		name   string
		key    solana.PrivateKey
		body   map[string]interface{}
		status int
		code   string
	}{
		{"insufficient balance", h.beneficiary, map[string]interface{}{"merchant": mer, "amount": 101, "item_description": "x"}, http.StatusUnprocessableEntity, "insufficient_balance"},
		{"zero amount", h.beneficiary, map[string]interface{}{"merchant": mer, "amount": 0, "item_description": "x"}, http.StatusUnprocessableEntity, "invalid_amount"},
		{"unregistered caller", h.donor, map[string]interface{}{"merchant": mer, "amount": 10, "item_description": "x"}, http.StatusForbidden, "unauthorized"},
		{"bad merchant address", h.beneficiary, map[string]interface{}{"merchant": "not-base58!", "amount": 10, "item_description": "x"}, http.StatusBadRequest, "invalid_argument"},
		{"unknown field", h.beneficiary, map[string]interface{}{"merchant": mer, "amount": 10, "item_description": "x", "extra": 1}, http.StatusBadRequest, "invalid_argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(tt.key, "POST", "/api/v1/transactions", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}

	assert.Equal(t, uint64(0), h.ledger.Stats().TransactionCount)
}

func TestRequestAuthentication(t *testing.T) {
	h := newHarness(t, 0)
	body := map[string]string{"business_name": "Corner Grocery"}

	t.Run("missing signature", func(t *testing.T) {
		w := h.do(nil, "POST", "/api/v1/merchants", body)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "unauthenticated", errorCode(t, w))
	})

	t.Run("tampered body", func(t *testing.T) {
		raw := []byte(`{"business_name":"Corner Grocery"}`)
		req := h.signedRequest(h.merchant, "POST", "/api/v1/merchants", raw,
			[]byte(`{"business_name":"Evil Grocery"}`), h.clock.Now(), charitysol.NewNonce())
		assert.Equal(t, http.StatusUnauthorized, h.send(req).Code)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		raw := []byte(`{"business_name":"Corner Grocery"}`)
		req := h.signedRequest(h.merchant, "POST", "/api/v1/merchants", raw, raw,
			h.clock.Now().Add(-10*time.Minute), charitysol.NewNonce())
		assert.Equal(t, http.StatusUnauthorized, h.send(req).Code)
	})

	t.Run("missing nonce", func(t *testing.T) {
		raw := []byte(`{"business_name":"Corner Grocery"}`)
		req := h.signedRequest(h.merchant, "POST", "/api/v1/merchants", raw, raw, h.clock.Now(), "")
		w := h.send(req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "unauthenticated", errorCode(t, w))
	})

	t.Run("signed by wrong key for role", func(t *testing.T) {
		w := h.do(h.donor, "POST", "/api/v1/roles", map[string]string{
			"address": h.donor.PublicKey().String(),
			"role":    "ngo",
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	assert.Equal(t, 0, len(h.ledger.ListMerchants(nil)))
}

func TestResentRequestIsRejected(t *testing.T) {
	h := newHarness(t, 0)
	ben := h.beneficiary.PublicKey()
	require.Equal(t, http.StatusCreated, h.do(h.beneficiary, "POST", "/api/v1/beneficiaries",
		map[string]string{"identity_hash": strings.Repeat("ab", 32)}).Code)
	require.Equal(t, http.StatusOK, h.do(h.ngo, "POST", "/api/v1/beneficiaries/"+ben.String()+"/verify", nil).Code)

	target := "/api/v1/beneficiaries/" + ben.String() + "/vouchers"
	raw := []byte(`{"amount":500}`)
	ts := h.clock.Now()
	nonce := charitysol.NewNonce()

	w := h.send(h.signedRequest(h.ngo, "POST", target, raw, raw, ts, nonce))
	require.Equal(t, http.StatusOK, w.Code)

	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Minute)
		w = h.send(h.signedRequest(h.ngo, "POST", target, raw, raw, ts, nonce))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "replayed_request", errorCode(t, w))
	}

	b, err := h.ledger.GetBeneficiary(ben)
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.VoucherBalance, "voucher issued once")

	h.clock.Advance(10 * time.Minute)
	w = h.send(h.signedRequest(h.ngo, "POST", target, raw, raw, ts, nonce))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "the signature has gone stale by the time the nonce is forgotten")

	w = h.do(h.ngo, "POST", target, map[string]int64{"amount": 500})
	require.Equal(t, http.StatusOK, w.Code, "identical request with a fresh nonce")
	b, err = h.ledger.GetBeneficiary(ben)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.VoucherBalance)
}

func TestRoles(t *testing.T) {
	h := newHarness(t, 0)
	user := h.donor.PublicKey().String()

	w := h.do(h.owner, "POST", "/api/v1/roles", map[string]string{"address": user, "role": "auditor"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"auditor"}, decode[rolesResponse](t, w).Roles)

	w = h.do(h.owner, "POST", "/api/v1/roles", map[string]string{"address": user, "role": "superuser"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(nil, "GET", "/api/v1/roles/"+user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"auditor"}, decode[rolesResponse](t, w).Roles)

	w = h.do(h.owner, "DELETE", "/api/v1/roles/"+user+"/auditor", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, decode[rolesResponse](t, w).Roles)

	assert.Len(t, h.publisher.GetPublishedEventsOfKind(ledger.EventRoleRevoked), 1)
}

func TestDonateDeclaredAmount(t *testing.T) {
	h := newHarness(t, 0)
	payload := strings.Repeat("0f", 32)

	w := h.do(h.donor, "POST", "/api/v1/donations", map[string]interface{}{"payload": payload, "amount": 750})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	d := decode[donationResponse](t, w)
	assert.Equal(t, uint64(1), d.ID)
	assert.Equal(t, h.donor.PublicKey().String(), d.Donor)
	assert.Equal(t, int64(750), d.Amount)

	w = h.do(h.donor, "POST", "/api/v1/donations", map[string]interface{}{"amount": -1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = h.do(h.donor, "POST", "/api/v1/donations", map[string]interface{}{"payload": "zz", "amount": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(nil, "GET", "/api/v1/donations/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(750), decode[donationResponse](t, w).Amount)

	w = h.do(nil, "GET", "/api/v1/donations?donor="+h.donor.PublicKey().String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	assert.Equal(t, int64(750), h.ledger.Stats().TotalDonations)
}

type fakeVerifier struct {
	treasury solana.PublicKey
	amount   int64
	err      error
}

func (f *fakeVerifier) Verify(ctx context.Context, donor solana.PublicKey, reference string) (charitysol.VerifiedDonation, error) {
	if f.err != nil {
		return charitysol.VerifiedDonation{}, f.err
	}
	return charitysol.VerifiedDonation{Signature: reference, Amount: f.amount, Slot: 42}, nil
}

func (f *fakeVerifier) Treasury() solana.PublicKey { return f.treasury }

func TestDonateVerified(t *testing.T) {
	verifier := &fakeVerifier{treasury: testTreasury, amount: 1_000}
	h := newHarness(t, 0, withVerifier(verifier))
	ref := "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"

	w := h.do(h.donor, "POST", "/api/v1/donations", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "reference is required")

	w = h.do(h.donor, "POST", "/api/v1/donations", map[string]interface{}{"reference": ref, "amount": 999})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_amount", errorCode(t, w))

	w = h.do(h.donor, "POST", "/api/v1/donations", map[string]interface{}{"reference": ref})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	d := decode[donationResponse](t, w)
	assert.Equal(t, int64(1_000), d.Amount)
	assert.Equal(t, ref, d.Reference)

	w = h.do(h.donor, "POST", "/api/v1/donations", map[string]interface{}{"reference": ref})
	assert.Equal(t, http.StatusConflict, w.Code, "a reference is recorded once")

	errorCases := []struct {
		err    error
		status int
	}{
		{charitysol.ErrInvalidReference, http.StatusBadRequest},
		{charitysol.ErrDonationNotFound, http.StatusUnprocessableEntity},
		{charitysol.ErrTransferNotFound, http.StatusUnprocessableEntity},
		{charitysol.ErrDonationFailed, http.StatusUnprocessableEntity},
		{charitysol.ErrRPCUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range errorCases {
		verifier.err = tc.err
		w = h.do(h.donor, "POST", "/api/v1/donations", map[string]interface{}{"reference": "other"})
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
	}

	w = h.do(nil, "GET", "/api/v1/donations/invoice?amount=5", nil)
	assert.Equal(t, http.StatusOK, w.Code, "invoice endpoint is served with a verifier")
}

func TestReadValidation(t *testing.T) {
	h := newHarness(t, 0)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"id not numeric", "/api/v1/transactions/abc", http.StatusBadRequest},
		{"id zero", "/api/v1/donations/0", http.StatusBadRequest},
		{"transaction not found", "/api/v1/transactions/7", http.StatusNotFound},
		{"bad address", "/api/v1/beneficiaries/" + strings.Repeat("A", 500), http.StatusBadRequest},
		{"unknown merchant", "/api/v1/merchants/" + h.merchant.PublicKey().String(), http.StatusNotFound},
		{"limit too large", "/api/v1/transactions?limit=1001", http.StatusBadRequest},
		{"limit zero", "/api/v1/donations?limit=0", http.StatusBadRequest},
		{"negative offset", "/api/v1/donations?offset=-1", http.StatusBadRequest},
		{"unknown status", "/api/v1/transactions?status=lost", http.StatusBadRequest},
		{"bad verified flag", "/api/v1/beneficiaries?verified=maybe", http.StatusBadRequest},
		{"invoice without verifier", "/api/v1/donations/invoice?amount=5", http.StatusBadRequest},
		{"valid empty list", "/api/v1/merchants?approved=true", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(nil, "GET", tt.target, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	t.Run("no database", func(t *testing.T) {
		h := newHarness(t, 0)
		w := h.do(nil, "GET", "/health", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[map[string]interface{}](t, w)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "disabled", body["database"])
		assert.Equal(t, h.owner.PublicKey().String(), body["owner"])
	})

	t.Run("database down", func(t *testing.T) {
		h := newHarness(t, time.Hour, withStore(fakePinger{err: errors.New("connection refused")}))
		w := h.do(nil, "GET", "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decode[map[string]interface{}](t, w)
		assert.Equal(t, "unreachable", body["database"])
		assert.Equal(t, "1h0m0s", body["challenge_window"])
	})

	t.Run("database up", func(t *testing.T) {
		h := newHarness(t, 0, withStore(fakePinger{}))
		w := h.do(nil, "GET", "/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", decode[map[string]interface{}](t, w)["database"])
	})
}

func TestDashboard(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.onboard(100)
	h.redeem(40)

	w := h.do(nil, "GET", "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	body := w.Body.String()
	assert.Contains(t, body, "Charity Ledger")
	assert.Contains(t, body, "rice 5kg")
	assert.Contains(t, body, "/api/v1/stream/events")

	w = h.do(nil, "GET", "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
