package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Event is a ledger event as delivered by the server stream. Fields depend on Kind.
type Event struct {
	Seq           uint64     `json:"seq"`
	Kind          string     `json:"kind"`
	Timestamp     time.Time  `json:"timestamp"`
	Actor         string     `json:"actor,omitempty"`
	DonationID    uint64     `json:"donation_id,omitempty"`
	TransactionID uint64     `json:"transaction_id,omitempty"`
	Donor         string     `json:"donor,omitempty"`
	Beneficiary   string     `json:"beneficiary,omitempty"`
	Merchant      string     `json:"merchant,omitempty"`
	Subject       string     `json:"subject,omitempty"`
	Amount        int64      `json:"amount,omitempty"`
	Balance       *int64     `json:"balance,omitempty"`
	Status        string     `json:"status,omitempty"`
	Role          string     `json:"role,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
}

// StreamEvents connects to the server's SSE stream and calls handle for every ledger
// event until ctx is cancelled, the server closes the stream, or handle returns an
// error. kind filters to one event kind when non-empty.
func (c *Client) StreamEvents(ctx context.Context, kind string, handle func(Event) error) error {
	u := c.baseURL + "/api/v1/stream/events"
	if kind != "" {
		u += "?" + url.Values{"kind": {kind}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream is long lived, so the client's request timeout does not apply.
	streamClient := *c.httpClient
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventType string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType != "" && eventType != "connected" && data.Len() > 0 {
				var ev Event
				if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
					c.logger.WarnContext(ctx, "skipping malformed event", "event", eventType, "error", err)
				} else if err := handle(ev); err != nil {
					return err
				}
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return ctx.Err()
}
