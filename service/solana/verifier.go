package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/brojonat/charityledger/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Donation verification failures.
var (
	ErrInvalidReference  = errors.New("donation reference is not a transaction signature")
	ErrDonationNotFound  = errors.New("donation transaction not found")
	ErrDonationFailed    = errors.New("donation transaction failed on chain")
	ErrTransferNotFound  = errors.New("no transfer from donor to treasury")
	ErrRPCUnavailable    = errors.New("solana rpc unavailable")
	errTransferOverflows = errors.New("transfer total overflows")
)

// VerifiedDonation is an on-chain transfer backing a donation.
type VerifiedDonation struct {
	Signature string
	Amount    int64
	Slot      uint64
	BlockTime time.Time
}

// DonationVerifier checks that a referenced Solana transaction moved funds from the
// donor to the treasury.
type DonationVerifier struct {
	rpc         RPCClient
	treasury    solana.PublicKey
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxAttempts int
	backoff     func(attempt int, rateLimited bool) time.Duration
}

// NewDonationVerifier creates a verifier for transfers into treasury. m may be nil.
func NewDonationVerifier(rpcClient RPCClient, treasury solana.PublicKey, m *metrics.Metrics, logger *slog.Logger) *DonationVerifier {
	return &DonationVerifier{
		rpc:         rpcClient,
		treasury:    treasury,
		metrics:     m,
		logger:      logger.With("component", "donation_verifier"),
		maxAttempts: 3,
		backoff: func(attempt int, rateLimited bool) time.Duration {
			if rateLimited {
				return time.Duration(2<<uint(attempt)) * time.Second
			}
			return time.Duration(1<<uint(attempt)) * time.Second
		},
	}
}

// Treasury returns the address donations must be sent to.
func (v *DonationVerifier) Treasury() solana.PublicKey { return v.treasury }

// Verify fetches the transaction named by reference and sums the System Program
// transfers from donor to the treasury.
func (v *DonationVerifier) Verify(ctx context.Context, donor solana.PublicKey, reference string) (VerifiedDonation, error) {
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(reference))
	if err != nil {
		v.record("invalid_reference")
		return VerifiedDonation{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}

	result, err := v.fetch(ctx, sig)
	if err != nil {
		v.record("rpc_error")
		return VerifiedDonation{}, err
	}
	if result == nil {
		v.record("not_found")
		return VerifiedDonation{}, fmt.Errorf("%w: %s", ErrDonationNotFound, sig)
	}
	if result.Meta != nil && result.Meta.Err != nil {
		v.record("failed")
		return VerifiedDonation{}, fmt.Errorf("%w: %v", ErrDonationFailed, result.Meta.Err)
	}

	transfers, err := parseTransfers(result)
	if err != nil {
		v.record("parse_error")
		return VerifiedDonation{}, fmt.Errorf("%w: %v", ErrDonationNotFound, err)
	}

	var total uint64
	for _, t := range transfers {
		if !t.From.Equals(donor) || !t.To.Equals(v.treasury) {
			continue
		}
		if total > math.MaxInt64-t.Lamports {
			v.record("overflow")
			return VerifiedDonation{}, errTransferOverflows
		}
		total += t.Lamports
	}
	if total == 0 {
		v.record("no_transfer")
		return VerifiedDonation{}, fmt.Errorf("%w: %s in %s", ErrTransferNotFound, donor, sig)
	}

	out := VerifiedDonation{
		Signature: sig.String(),
		Amount:    int64(total),
		Slot:      result.Slot,
	}
	if result.BlockTime != nil {
		out.BlockTime = result.BlockTime.Time()
	}

	v.record("verified")
	v.logger.InfoContext(ctx, "verified on-chain donation",
		"donor", donor.String(),
		"signature", out.Signature,
		"lamports", out.Amount,
		"slot", out.Slot,
	)
	return out, nil
}

// fetch calls GetTransaction with retries. Rate limit responses back off longer.
func (v *DonationVerifier) fetch(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &[]uint64{0}[0],
	}

	var lastErr error
	for attempt := range v.maxAttempts {
		start := time.Now()
		result, err := v.rpc.GetTransaction(ctx, sig, opts)
		status := "success"
		if err != nil {
			status = "error"
		}
		if v.metrics != nil {
			v.metrics.RecordRPCCall("GetTransaction", status, time.Since(start).Seconds())
		}

		if err == nil {
			return result, nil
		}
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		lastErr = err

		if attempt == v.maxAttempts-1 {
			break
		}
		rateLimited := strings.Contains(err.Error(), "429")
		wait := v.backoff(attempt, rateLimited)
		v.logger.WarnContext(ctx, "GetTransaction failed, retrying",
			"signature", sig.String(),
			"attempt", attempt+1,
			"rate_limited", rateLimited,
			"backoff_seconds", wait.Seconds(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, ctx.Err())
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, lastErr)
}

func (v *DonationVerifier) record(result string) {
	if v.metrics != nil {
		v.metrics.RecordDonationVerification(result)
	}
}
