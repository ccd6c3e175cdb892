/**
 * @description
 * This package provides a read-only client for the Stacks blockchain extended API
 * (Hiro). The drop-service only ever looks transactions up by id; it never builds,
 * signs or broadcasts them.
 *
 * @notes
 * - Every optional field of the upstream payload is decoded as a pointer or a zero
 *   value, so partial responses never cause a panic further down.
 * - Transport failures and 5xx responses are reported as ErrLedgerUnavailable so the
 *   caller can tell "the ledger said no" apart from "the ledger could not be asked".
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package stacksclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrLedgerUnavailable   = errors.New("ledger api unavailable")
)

// Client is a client for the Stacks extended API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new Stacks API client. The timeout bounds every ledger query.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// TokenTransfer is the payload of a token_transfer transaction.
type TokenTransfer struct {
	RecipientAddress string `json:"recipient_address"`
	Amount           string `json:"amount"` // micro-units, decimal string
	Memo             string `json:"memo"`
}

// Transaction is the subset of the extended API transaction object the service reads.
type Transaction struct {
	TxID          string         `json:"tx_id"`
	TxType        string         `json:"tx_type"`
	TxStatus      string         `json:"tx_status"`
	SenderAddress string         `json:"sender_address"`
	BlockHeight   *int64         `json:"block_height,omitempty"`
	TokenTransfer *TokenTransfer `json:"token_transfer,omitempty"`
}

// RecipientAddress returns the transfer recipient, or "" when the payload has none.
func (t *Transaction) RecipientAddress() string {
	if t == nil || t.TokenTransfer == nil {
		return ""
	}
	return t.TokenTransfer.RecipientAddress
}

// AmountMicro returns the transferred amount in micro-units. Missing or malformed
// amounts are treated as zero.
func (t *Transaction) AmountMicro() int64 {
	if t == nil || t.TokenTransfer == nil {
		return 0
	}
	raw := strings.TrimSpace(t.TokenTransfer.Amount)
	if raw == "" {
		return 0
	}
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || amount < 0 {
		return 0
	}
	return amount
}

// ErrorResponse represents an error body returned by the extended API.
type ErrorResponse struct {
	ErrorText string `json:"error"`
	Message   string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("stacks api error: %s - %s", e.ErrorText, e.Message)
	}
	if e.ErrorText != "" {
		return fmt.Sprintf("stacks api error: %s", e.ErrorText)
	}
	return "unknown stacks api error"
}

// GetTransaction fetches a transaction by id.
func (c *Client) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	endpoint := c.BaseURL + "/extended/v1/tx/" + url.PathEscape(txID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read transaction response: %v", ErrLedgerUnavailable, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		log.Printf("level=warn component=stacks_client op=get_transaction status=%d msg=\"ledger api unavailable\"", resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", ErrLedgerUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err == nil {
			log.Printf("level=info component=stacks_client op=get_transaction status=%d error=%q", resp.StatusCode, errResp.ErrorText)
		}
		return nil, ErrTransactionNotFound
	}

	var tx Transaction
	if err := json.Unmarshal(bodyBytes, &tx); err != nil {
		return nil, fmt.Errorf("%w: failed to decode transaction response: %v", ErrLedgerUnavailable, err)
	}
	return &tx, nil
}
