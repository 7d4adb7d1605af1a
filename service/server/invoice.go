package server

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

const donationMemoPrefix = "charity-donation:"

// DonationInvoice tells a donor how to pay the treasury. The signature of the
// resulting transfer is the reference submitted with POST /api/v1/donations.
type DonationInvoice struct {
	ID            string    `json:"id"`
	PayToAddress  string    `json:"pay_to_address"`
	Amount        int64     `json:"amount"`         // base units
	AmountDisplay string    `json:"amount_display"` // decimal string in whole units
	Memo          string    `json:"memo"`
	PaymentURL    string    `json:"payment_url"`  // Solana Pay URL for wallet apps
	QRCodeData    string    `json:"qr_code_data"` // base64 PNG of PaymentURL
	CreatedAt     time.Time `json:"created_at"`
}

// handleDonationInvoice returns a handler that builds a donation invoice.
// GET /api/v1/donations/invoice?amount=N
func handleDonationInvoice(treasury solana.PublicKey, decimals int, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
		if err != nil || amount <= 0 {
			writeError(w, "amount must be a positive integer in base units", "invalid_amount", http.StatusBadRequest)
			return
		}

		invoice, err := newDonationInvoice(treasury, amount, decimals, time.Now())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to build donation invoice",
				"request_id", requestIDFrom(r.Context()),
				"error", err,
			)
			writeError(w, "internal server error", "internal", http.StatusInternalServerError)
			return
		}
		writeJSON(w, invoice, http.StatusOK)
	})
}

func newDonationInvoice(treasury solana.PublicKey, amount int64, decimals int, now time.Time) (DonationInvoice, error) {
	id := uuid.NewString()
	memo := donationMemoPrefix + id
	display := formatUnits(amount, decimals)
	paymentURL := buildSolanaPayURL(treasury.String(), display, memo)

	qr, err := generateQRCode(paymentURL)
	if err != nil {
		return DonationInvoice{}, err
	}

	return DonationInvoice{
		ID:            id,
		PayToAddress:  treasury.String(),
		Amount:        amount,
		AmountDisplay: display,
		Memo:          memo,
		PaymentURL:    paymentURL,
		QRCodeData:    qr,
		CreatedAt:     now.UTC(),
	}, nil
}

// formatUnits renders base units as an exact decimal with trailing zeros trimmed.
func formatUnits(amount int64, decimals int) string {
	r := new(big.Rat).SetFrac(big.NewInt(amount), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	s := r.FloatString(decimals)
	if decimals == 0 {
		return s
	}
	for s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}

// buildSolanaPayURL creates a Solana Pay transfer request.
// Format: solana:{recipient}?amount={amount}&memo={memo}&label={label}&message={message}
func buildSolanaPayURL(recipient, amount, memo string) string {
	params := url.Values{}
	params.Set("amount", amount)
	params.Set("memo", memo)
	params.Set("label", "Charity Ledger")
	params.Set("message", "Donation to the charity treasury")
	return fmt.Sprintf("solana:%s?%s", recipient, params.Encode())
}

// generateQRCode encodes data as a 256x256 PNG QR code and returns it base64-encoded.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
