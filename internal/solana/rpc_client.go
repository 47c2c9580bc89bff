package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"solana-dex-view/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// HTTPClient implements RPCClient using HTTP JSON-RPC 2.0. Transport-level
// failures are retried here with exponential backoff and client-side rate
// limiting; anything that still fails is wrapped in *TransportError and left
// to the cache's refresh schedule.
type HTTPClient struct {
	endpoint    string
	client      *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	requestID   atomic.Uint64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithRateLimit caps outgoing requests per second. Public RPC endpoints
// throttle aggressively; staying under the cap beats eating 429s.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *HTTPClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new Solana RPC HTTP client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// call performs a JSON-RPC call with rate limiting, retries and exponential
// backoff.
func (c *HTTPClient) call(ctx context.Context, method string, params []any, result any) error {
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	if c.limiter != nil {
		if c.limiter.Tokens() < 1 {
			observability.RecordRateWait()
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return transportErr(method, err)
		}
	}

	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(method, time.Since(start).Seconds())
	}()

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return transportErr(method, ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return transportErr(method, fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("unmarshal response: %w", err)
			continue
		}

		if rpcResp.Error != nil {
			// RPC errors are not transport failures and are not retried.
			observability.RecordRPCError(method)
			return rpcResp.Error
		}

		if result != nil && rpcResp.Result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}

		return nil
	}

	observability.RecordRPCError(method)
	return transportErr(method, fmt.Errorf("max retries exceeded: %w", lastErr))
}

// accountValue is the wire form of one account.
type accountValue struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"` // [base64_data, encoding]
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

func (v *accountValue) decode() (*AccountInfo, error) {
	info := &AccountInfo{
		Lamports:   v.Lamports,
		Owner:      v.Owner,
		Executable: v.Executable,
		RentEpoch:  v.RentEpoch,
	}
	if len(v.Data) >= 1 && v.Data[0] != "" {
		raw, err := base64.StdEncoding.DecodeString(v.Data[0])
		if err != nil {
			return nil, fmt.Errorf("decode account data: %w", err)
		}
		info.Data = raw
	}
	return info, nil
}

// GetAccountInfo retrieves account info by public key.
// Returns nil if the account is not found.
func (c *HTTPClient) GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error) {
	params := []any{
		pubkey,
		map[string]any{"encoding": "base64"},
	}

	var result struct {
		Value *accountValue `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}
	return result.Value.decode()
}

// GetMultipleAccounts retrieves several accounts in one round trip.
func (c *HTTPClient) GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]*AccountInfo, error) {
	params := []any{
		pubkeys,
		map[string]any{"encoding": "base64"},
	}

	var result struct {
		Value []*accountValue `json:"value"`
	}
	if err := c.call(ctx, "getMultipleAccounts", params, &result); err != nil {
		return nil, err
	}

	infos := make([]*AccountInfo, len(result.Value))
	for i, v := range result.Value {
		if v == nil {
			continue
		}
		info, err := v.decode()
		if err != nil {
			return nil, err
		}
		infos[i] = info
	}
	return infos, nil
}

// keyedAccountResult is the wire form of a pubkey+account pair.
type keyedAccountResult struct {
	Pubkey  string       `json:"pubkey"`
	Account accountValue `json:"account"`
}

func decodeKeyed(raw []keyedAccountResult) ([]KeyedAccount, error) {
	out := make([]KeyedAccount, 0, len(raw))
	for _, r := range raw {
		info, err := r.Account.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, KeyedAccount{Pubkey: r.Pubkey, Account: *info})
	}
	return out, nil
}

// GetProgramAccounts retrieves all program-owned accounts matching filters.
func (c *HTTPClient) GetProgramAccounts(ctx context.Context, programID string, filters []AccountFilter) ([]KeyedAccount, error) {
	cfg := map[string]any{"encoding": "base64"}
	if len(filters) > 0 {
		wire := make([]map[string]any, 0, len(filters))
		for _, f := range filters {
			if f.DataSize > 0 {
				wire = append(wire, map[string]any{"dataSize": f.DataSize})
			}
			if f.MemcmpBytes != "" {
				wire = append(wire, map[string]any{
					"memcmp": map[string]any{"offset": f.MemcmpOffset, "bytes": f.MemcmpBytes},
				})
			}
		}
		cfg["filters"] = wire
	}

	var result []keyedAccountResult
	if err := c.call(ctx, "getProgramAccounts", []any{programID, cfg}, &result); err != nil {
		return nil, err
	}
	return decodeKeyed(result)
}

// SPL token program ID, owner of every token account.
const tokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// GetTokenAccountsByOwner retrieves the owner's SPL token accounts.
func (c *HTTPClient) GetTokenAccountsByOwner(ctx context.Context, owner string) ([]KeyedAccount, error) {
	params := []any{
		owner,
		map[string]any{"programId": tokenProgramID},
		map[string]any{"encoding": "base64"},
	}

	var result struct {
		Value []keyedAccountResult `json:"value"`
	}
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return nil, err
	}
	return decodeKeyed(result.Value)
}

// GetBalance retrieves the native ledger balance in lamports.
func (c *HTTPClient) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{pubkey}, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}
