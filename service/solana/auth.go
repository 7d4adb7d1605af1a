package solana

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Request signature headers.
const (
	HeaderAddress   = "X-Charity-Address"
	HeaderTimestamp = "X-Charity-Timestamp"
	HeaderSignature = "X-Charity-Signature"
	HeaderNonce     = "X-Charity-Nonce"
)

// MaxNonceLength bounds the nonce header.
const MaxNonceLength = 64

// Signature verification failures. The HTTP layer answers all of them with 401.
var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrBadSignature     = errors.New("invalid request signature")
	ErrStaleSignature   = errors.New("request timestamp outside allowed skew")
	ErrReplayedRequest  = errors.New("request nonce already used")
)

// CanonicalRequest is the message a caller signs:
//
//	METHOD\nPATH\nUNIX_TS\nNONCE\nhex(sha256(body))
func CanonicalRequest(method, path string, ts int64, nonce string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.ToUpper(method) + "\n" + path + "\n" + strconv.FormatInt(ts, 10) + "\n" +
		nonce + "\n" + hex.EncodeToString(sum[:]))
}

// NewNonce returns a fresh request nonce.
func NewNonce() string {
	return uuid.NewString()
}

// SignRequest signs the canonical form of a request with key. nonce must be unique per
// request; the server rejects a nonce it has already accepted from the same signer.
func SignRequest(key solana.PrivateKey, method, path string, ts time.Time, nonce string, body []byte) (solana.Signature, error) {
	sig, err := key.Sign(CanonicalRequest(method, path, ts.Unix(), nonce, body))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign request: %w", err)
	}
	return sig, nil
}

// SignedHeaders holds the raw values of the signature headers.
type SignedHeaders struct {
	Address   string
	Timestamp string
	Nonce     string
	Signature string
}

// VerifyRequest checks the signature headers against the request and returns the
// signing address. now and maxSkew bound the accepted timestamp. It does not track
// nonces; see NonceCache.
func VerifyRequest(h SignedHeaders, method, path string, body []byte, now time.Time, maxSkew time.Duration) (solana.PublicKey, error) {
	if h.Address == "" || h.Timestamp == "" || h.Nonce == "" || h.Signature == "" {
		return solana.PublicKey{}, ErrMissingSignature
	}
	if len(h.Nonce) > MaxNonceLength || strings.ContainsAny(h.Nonce, "\r\n") {
		return solana.PublicKey{}, fmt.Errorf("%w: bad nonce", ErrBadSignature)
	}

	addr, err := solana.PublicKeyFromBase58(h.Address)
	if err != nil || addr.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("%w: bad address", ErrBadSignature)
	}

	ts, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > maxSkew || skew < -maxSkew {
		return solana.PublicKey{}, fmt.Errorf("%w: skew %s", ErrStaleSignature, skew.Round(time.Second))
	}

	sig, err := solana.SignatureFromBase58(h.Signature)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: bad encoding", ErrBadSignature)
	}
	if !sig.Verify(addr, CanonicalRequest(method, path, ts, h.Nonce, body)) {
		return solana.PublicKey{}, ErrBadSignature
	}
	return addr, nil
}

// NonceCache remembers the nonces accepted from each signer for as long as their
// timestamps could still pass the skew check. Entries past that horizon are swept.
// Requests signed before the cache was created are refused, since a previous process
// may already have accepted them.
type NonceCache struct {
	mu        sync.Mutex
	seen      map[nonceKey]time.Time
	horizon   time.Duration
	since     time.Time
	lastSweep time.Time
}

type nonceKey struct {
	signer solana.PublicKey
	nonce  string
}

// NewNonceCache creates a cache for requests verified with maxSkew, accepting requests
// signed at or after since. A request is accepted for up to maxSkew on either side of
// its timestamp, so entries are kept for twice that.
func NewNonceCache(maxSkew time.Duration, since time.Time) *NonceCache {
	return &NonceCache{
		seen:    make(map[nonceKey]time.Time),
		horizon: 2 * maxSkew,
		since:   since.Truncate(time.Second),
	}
}

// Use records nonce for signer and returns ErrReplayedRequest if it was already
// recorded and has not expired, or if signedAt predates the cache.
func (c *NonceCache) Use(signer solana.PublicKey, nonce string, signedAt, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if signedAt.Before(c.since) {
		return fmt.Errorf("%w: signed before %s, sign again", ErrReplayedRequest, c.since.UTC().Format(time.RFC3339))
	}

	if now.Sub(c.lastSweep) > c.horizon/2 {
		for k, expires := range c.seen {
			if now.After(expires) {
				delete(c.seen, k)
			}
		}
		c.lastSweep = now
	}

	key := nonceKey{signer: signer, nonce: nonce}
	if expires, ok := c.seen[key]; ok && !now.After(expires) {
		return fmt.Errorf("%w: %s", ErrReplayedRequest, nonce)
	}
	c.seen[key] = now.Add(c.horizon)
	return nil
}

// Len returns the number of remembered nonces.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
