package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/charityledger/service/config"
	"github.com/brojonat/charityledger/service/ledger"
	"github.com/brojonat/charityledger/service/metrics"
	natspkg "github.com/brojonat/charityledger/service/nats"
	charitysol "github.com/brojonat/charityledger/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports whether the journal database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DonationVerifier checks a donation reference against the chain.
type DonationVerifier interface {
	Verify(ctx context.Context, donor solana.PublicKey, reference string) (charitysol.VerifiedDonation, error)
	Treasury() solana.PublicKey
}

// Settler schedules the finalization of a transaction once its challenge window closes.
type Settler interface {
	ScheduleSettlement(ctx context.Context, transactionID uint64, deadline time.Time) error
}

// Server represents the HTTP server for the charity ledger.
type Server struct {
	cfg        *config.Config
	ledger     *ledger.Ledger
	store      Pinger
	verifier   DonationVerifier
	settler    Settler
	subscriber natspkg.Subscriber
	renderer   *TemplateRenderer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	limiter    *rateLimiter
	nonces     *charitysol.NonceCache
	now        func() time.Time
	server     *http.Server
}

// New creates a new HTTP server around a restored ledger.
// The store is optional; without it /health reports the database as "disabled".
// The metrics is optional; if nil, the /metrics endpoint is not served.
func New(cfg *config.Config, l *ledger.Ledger, store Pinger, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		ledger:  l,
		store:   store,
		metrics: m,
		logger:  logger,
		limiter: newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		nonces:  charitysol.NewNonceCache(cfg.SignatureMaxSkew, time.Now()),
		now:     time.Now,
	}
}

// WithVerifier requires donations to reference an on-chain transfer to the treasury.
func (s *Server) WithVerifier(v DonationVerifier) *Server {
	s.verifier = v
	return s
}

// WithSettler schedules settlement whenever a transaction enters its challenge window.
func (s *Server) WithSettler(settler Settler) *Server {
	s.settler = settler
	return s
}

// WithSubscriber enables the SSE event stream.
func (s *Server) WithSubscriber(sub natspkg.Subscriber) *Server {
	s.subscriber = sub
	return s
}

// WithTemplates adds the HTML dashboard using embedded templates.
func (s *Server) WithTemplates() error {
	renderer, err := NewTemplateRenderer(s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize templates: %w", err)
	}
	s.renderer = renderer
	s.logger.Info("HTML templates loaded from embedded files")
	return nil
}

// Handler builds the routed handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	signed := signatureAuth(s.cfg.SignatureMaxSkew, s.nonces, s.now, false, s.metrics, s.logger)
	optional := signatureAuth(s.cfg.SignatureMaxSkew, s.nonces, s.now, true, s.metrics, s.logger)
	l, log := s.ledger, s.logger

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Donations
	route("POST /api/v1/donations", "donate", signed(handleDonate(l, s.verifier, log)))
	route("GET /api/v1/donations/{id}", "get_donation", handleGetDonation(l, log))
	route("GET /api/v1/donations", "list_donations", handleListDonations(l, log))
	if s.verifier != nil {
		route("GET /api/v1/donations/invoice", "donation_invoice", handleDonationInvoice(s.verifier.Treasury(), s.cfg.AmountDecimals, log))
	}

	// Beneficiaries
	route("POST /api/v1/beneficiaries", "register_beneficiary", signed(handleRegisterBeneficiary(l, log)))
	route("POST /api/v1/beneficiaries/{address}/verify", "verify_beneficiary", signed(handleVerifyBeneficiary(l, log)))
	route("POST /api/v1/beneficiaries/{address}/vouchers", "issue_voucher", signed(handleIssueVoucher(l, log)))
	route("GET /api/v1/beneficiaries/{address}", "get_beneficiary", handleGetBeneficiary(l, log))
	route("GET /api/v1/beneficiaries", "list_beneficiaries", handleListBeneficiaries(l))

	// Merchants
	route("POST /api/v1/merchants", "register_merchant", signed(handleRegisterMerchant(l, log)))
	route("POST /api/v1/merchants/{address}/approve", "approve_merchant", signed(handleApproveMerchant(l, log)))
	route("GET /api/v1/merchants/{address}", "get_merchant", handleGetMerchant(l, log))
	route("GET /api/v1/merchants", "list_merchants", handleListMerchants(l))

	// Transactions
	route("POST /api/v1/transactions", "use_voucher", signed(handleUseVoucher(l, log)))
	route("POST /api/v1/transactions/{id}/proof", "submit_proof", signed(handleSubmitDeliveryProof(l, s.settler, log)))
	route("POST /api/v1/transactions/{id}/challenge", "challenge_transaction", signed(handleChallengeTransaction(l, log)))
	route("POST /api/v1/transactions/{id}/refund", "refund_transaction", signed(handleTransactionAction(
		func(r *http.Request, caller ledger.Address, id uint64) (ledger.Transaction, error) {
			return l.RefundTransaction(r.Context(), caller, id)
		}, log)))
	route("POST /api/v1/transactions/{id}/approve", "approve_transaction", signed(handleTransactionAction(
		func(r *http.Request, caller ledger.Address, id uint64) (ledger.Transaction, error) {
			return l.ApproveTransaction(r.Context(), caller, id)
		}, log)))
	route("POST /api/v1/transactions/{id}/finalize", "finalize_transaction", optional(handleTransactionAction(
		func(r *http.Request, caller ledger.Address, id uint64) (ledger.Transaction, error) {
			return l.FinalizeTransaction(r.Context(), caller, id)
		}, log)))
	route("GET /api/v1/transactions/{id}", "get_transaction", handleGetTransaction(l, log))
	route("GET /api/v1/transactions", "list_transactions", handleListTransactions(l, log))

	// Roles
	route("POST /api/v1/roles", "grant_role", signed(handleGrantRole(l, log)))
	route("DELETE /api/v1/roles/{address}/{role}", "revoke_role", signed(handleRevokeRole(l, log)))
	route("GET /api/v1/roles/{address}", "get_roles", handleGetRoles(l))

	route("GET /api/v1/stats", "stats", handleStats(l))

	if s.subscriber != nil {
		mux.Handle("GET /api/v1/stream/events", handleStreamEvents(s.subscriber, s.metrics, log))
		s.logger.Info("SSE streaming endpoint enabled")
	} else {
		s.logger.Warn("event subscriber not configured, streaming endpoint disabled")
	}

	if s.renderer != nil {
		mux.HandleFunc("GET /{$}", handleDashboard(s.renderer, l, s.subscriber != nil))
		s.logger.Info("HTML dashboard enabled")
	}

	mux.Handle("GET /health", handleHealth(s.cfg, l, s.store, s.verifier != nil))

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(requestIDMiddleware(s.logger)(s.limiter.middleware(s.metrics)(mux)))
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.cfg.ServerAddr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE responses stay open. Handlers bound their own work.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server",
		"addr", s.cfg.ServerAddr,
		"owner", s.ledger.Owner().String(),
		"challenge_window", s.ledger.ChallengeWindow(),
		"verifies_donations", s.verifier != nil,
	)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleHealth reports liveness, journal reachability and the ledger policy.
// GET /health
func handleHealth(cfg *config.Config, l *ledger.Ledger, store Pinger, verifies bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, database, code := "ok", "disabled", http.StatusOK
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				status, database, code = "degraded", "unreachable", http.StatusServiceUnavailable
			} else {
				database = "ok"
			}
		}
		writeJSON(w, map[string]interface{}{
			"status":             status,
			"database":           database,
			"seq":                l.Seq(),
			"owner":              l.Owner().String(),
			"challenge_window":   l.ChallengeWindow().String(),
			"verifies_donations": verifies,
			"amount_decimals":    cfg.AmountDecimals,
		}, code)
	})
}
