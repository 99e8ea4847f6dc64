package leaderboard

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"leaderboard/crypto"
	"leaderboard/gateway/auth"
	lb "leaderboard/native/leaderboard"
)

// ErrNoSigningKey is returned by mutating calls on a read-only client.
var ErrNoSigningKey = errors.New("leaderboard client: signing key required")

// APIError is a non-2xx response from leaderboardd.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("leaderboardd %d: %s", e.StatusCode, e.Message)
}

// Client wraps the leaderboardd REST endpoints. Mutating calls are signed with
// the caller key.
type Client struct {
	baseURL    *url.URL
	key        *crypto.PrivateKey
	httpClient *http.Client
	now        func() time.Time
	nonce      func() string
}

// Option mutates the client configuration during construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithClock overrides the time source used when signing requests. Primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithNonceSource overrides the request nonce generator.
func WithNonceSource(nonce func() string) Option {
	return func(c *Client) {
		if nonce != nil {
			c.nonce = nonce
		}
	}
}

// New constructs a client pointed at baseURL. key may be nil for a read-only
// client.
func New(baseURL string, key *crypto.PrivateKey, opts ...Option) (*Client, error) {
	trimmedURL := strings.TrimSpace(baseURL)
	if trimmedURL == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	parsed, err := url.Parse(trimmedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}
	client := &Client{
		baseURL:    parsed,
		key:        key,
		httpClient: http.DefaultClient,
		now:        time.Now,
		nonce:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Identities mirrors GET /v1/signer.
type Identities struct {
	Signer        string `json:"signer"`
	HouseWallet   string `json:"houseWallet"`
	Administrator string `json:"administrator"`
	Vault         string `json:"vault"`
}

// Entry mirrors one ranking row.
type Entry struct {
	Index  int    `json:"index"`
	Player string `json:"player"`
	Score  string `json:"score"`
	Seq    uint64 `json:"seq"`
}

// Receipt mirrors POST /v1/scores.
type Receipt struct {
	Player   string `json:"player"`
	Caller   string `json:"caller"`
	Score    string `json:"score"`
	Nonce    string `json:"nonce"`
	Seq      uint64 `json:"seq"`
	Position int    `json:"position"`
	Retained bool   `json:"retained"`
	Evicted  *Entry `json:"evicted,omitempty"`
	Stake    string `json:"stake"`
	Balance  string `json:"balance"`
}

// Share mirrors one slot of a distribution.
type Share struct {
	Slot        string `json:"slot"`
	Recipient   string `json:"recipient,omitempty"`
	BasisPoints uint64 `json:"basisPoints"`
	Amount      string `json:"amount"`
	Score       string `json:"score,omitempty"`
	Vacant      bool   `json:"vacant,omitempty"`
}

// Distribution mirrors POST /v1/withdraw.
type Distribution struct {
	Balance   string  `json:"balance"`
	Paid      string  `json:"paid"`
	Remainder string  `json:"remainder"`
	Shares    []Share `json:"shares"`
}

// Signer returns the trusted authority together with the other configured
// identities.
func (c *Client) Signer(ctx context.Context) (*Identities, error) {
	var resp Identities
	if err := c.get(ctx, "/v1/signer", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Balance returns the escrow balance.
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := c.get(ctx, "/v1/balance", nil, &resp); err != nil {
		return nil, err
	}
	return parseBig(resp.Balance)
}

// Leaderboard returns up to limit top entries and the total number retained.
func (c *Client) Leaderboard(ctx context.Context, limit int) ([]Entry, int, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	var resp struct {
		Entries []Entry `json:"entries"`
		Total   int     `json:"total"`
	}
	if err := c.get(ctx, "/v1/leaderboard", query, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Entries, resp.Total, nil
}

// Entry returns the ranking row at index.
func (c *Client) Entry(ctx context.Context, index int) (*Entry, error) {
	var resp Entry
	if err := c.get(ctx, "/v1/leaderboard/"+strconv.Itoa(index), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NonceUsed reports whether the player's nonce has been consumed.
func (c *Client) NonceUsed(ctx context.Context, player [20]byte, nonce *uint256.Int) (bool, error) {
	var resp struct {
		Used bool `json:"used"`
	}
	path := "/v1/nonces/" + crypto.HexIdentity(player) + "/" + nonce.Dec()
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Used, nil
}

// Account returns the bank balance of addr.
func (c *Client) Account(ctx context.Context, addr [20]byte) (*big.Int, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := c.get(ctx, "/v1/accounts/"+crypto.HexIdentity(addr), nil, &resp); err != nil {
		return nil, err
	}
	return parseBig(resp.Balance)
}

// SubmitScore submits an authority-signed score with value attached as stake.
func (c *Client) SubmitScore(ctx context.Context, sub lb.Submission, value *big.Int) (*Receipt, error) {
	payload := map[string]string{
		"player":    crypto.HexIdentity(sub.Player),
		"score":     sub.Score.Dec(),
		"nonce":     sub.Nonce.Dec(),
		"signature": "0x" + hex.EncodeToString(sub.Signature),
		"value":     amountString(value),
	}
	var resp Receipt
	if err := c.post(ctx, "/v1/scores", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deposit adds value to the escrow without submitting a score and returns the
// new escrow balance.
func (c *Client) Deposit(ctx context.Context, value *big.Int) (*big.Int, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := c.post(ctx, "/v1/deposits", map[string]string{"value": amountString(value)}, &resp); err != nil {
		return nil, err
	}
	return parseBig(resp.Balance)
}

// Withdraw triggers the payout. Only the administrator key succeeds.
func (c *Client) Withdraw(ctx context.Context) (*Distribution, error) {
	var resp Distribution
	if err := c.post(ctx, "/v1/withdraw", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	rel := &url.URL{Path: endpoint}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.ResolveReference(rel).String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	if c.key == nil {
		return ErrNoSigningKey
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	rel := &url.URL{Path: endpoint}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.ResolveReference(rel).String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := auth.SignRequest(c.key, req, body, c.now(), c.nonce()); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(bodyBytes)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

func parseBig(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("decode response: invalid amount %q", raw)
	}
	return value, nil
}

func amountString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}
