package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	charitysol "github.com/brojonat/charityledger/service/solana"
	"github.com/gagliardetto/solana-go"
)

// Client is the HTTP client for the charity ledger service. Mutating calls are
// signed with the configured wallet key; reads and finalization are anonymous.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	signer     solana.PrivateKey
	now        func() time.Time
}

// NewClient creates a new ledger client without a signing key.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// WithSigner returns a copy of the client that signs requests with key.
func (c *Client) WithSigner(key solana.PrivateKey) *Client {
	cp := *c
	cp.signer = key
	return &cp
}

// Address returns the signer's address, or the zero key when unsigned.
func (c *Client) Address() solana.PublicKey {
	if len(c.signer) == 0 {
		return solana.PublicKey{}
	}
	return c.signer.PublicKey()
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed: %s (%s)", e.Message, e.Code)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// do sends a request and decodes a successful JSON response into out (if non-nil).
// signed requests carry the signature headers over the exact body bytes sent.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any, signed bool) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if signed {
		if len(c.signer) == 0 {
			return fmt.Errorf("%s %s requires a signing key", method, path)
		}
		ts := c.now()
		nonce := charitysol.NewNonce()
		sig, err := charitysol.SignRequest(c.signer, method, path, ts, nonce, body)
		if err != nil {
			return err
		}
		req.Header.Set(charitysol.HeaderAddress, c.signer.PublicKey().String())
		req.Header.Set(charitysol.HeaderTimestamp, fmt.Sprintf("%d", ts.Unix()))
		req.Header.Set(charitysol.HeaderNonce, nonce)
		req.Header.Set(charitysol.HeaderSignature, sig.String())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.parseErrorResponse(resp)
	}

	c.logger.DebugContext(ctx, "request completed", "method", method, "path", path, "status", resp.StatusCode)

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse converts an error body {"error", "code"} into an APIError.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
}
