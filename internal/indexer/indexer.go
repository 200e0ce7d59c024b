// Package indexer talks to the off-chain token index: the balance oracle
// consulted before a listing is accepted, and the extrinsic-status oracle
// that reconciliation and the submission gateway use for dispatch verdicts.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dotmarket/internal/chain"
)

type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type balanceResponse struct {
	Tick    string `json:"tick"`
	Balance string `json:"balance"`
}

type extrinsicResponse struct {
	Hash      string `json:"hash"`
	Finalized bool   `json:"finalized"`
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Height    int64  `json:"block_height"`
	Index     int    `json:"extrinsic_index"`
}

// TokenBalance returns the indexed token balance of an account, in
// chain-native integer units.
func (c *Client) TokenBalance(ctx context.Context, account, tick string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/api/v1/balances/%s/%s",
		c.baseURL, url.PathEscape(account), url.PathEscape(strings.ToLower(tick)))
	var resp balanceResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Balance == "" {
		return decimal.Zero, nil
	}
	balance, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("indexer: bad balance %q: %w", resp.Balance, err)
	}
	return balance, nil
}

// ExtrinsicStatus reports whether the index has observed an extrinsic in a
// finalized block and how it dispatched.
func (c *Client) ExtrinsicStatus(ctx context.Context, hash string) (chain.DispatchResult, error) {
	endpoint := c.baseURL + "/api/v1/extrinsics/" + url.PathEscape(hash)
	var resp extrinsicResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return chain.DispatchResult{}, err
	}
	return chain.DispatchResult{
		Finalized: resp.Finalized,
		Success:   resp.Success,
		Error:     resp.Error,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("indexer: http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("indexer: http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
