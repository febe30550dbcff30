package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Side enumerates order directions on the venue wire.
type Side int

const (
	Buy  Side = 0
	Sell Side = 1
)

const marketOrder = 2

// ErrRejected marks a business rejection from the venue (insufficient margin,
// closed market, bad contract). Rejections are terminal and never retried.
var ErrRejected = errors.New("order rejected by venue")

// OrderRequest is one market order keyed by its caller-generated idempotency id.
type OrderRequest struct {
	CorrelationID string
	AccountID     int
	Symbol        string
	Side          Side
	Size          int
}

// SubmitResult is the venue's acknowledgement of a placed order.
type SubmitResult struct {
	VenueOrderID string
	Status       string
}

// PositionInfo is one open position from the position search API.
type PositionInfo struct {
	AccountID    int     `json:"accountId"`
	Symbol       string  `json:"contractId"`
	Type         int     `json:"type"` // 1 long, 2 short
	Size         float64 `json:"size"`
	AveragePrice float64 `json:"averagePrice"`
}

// Credentials authenticate the session key login.
type Credentials struct {
	Username string
	APIKey   string
}

// Session tokens are valid for 24h on the venue side; refresh an hour early so
// a request never rides an expiring token.
const tokenLifetime = 23 * time.Hour

// Client is the venue REST client. It owns the session token and refreshes it
// under the lock when it nears expiry.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	log     zerolog.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewClient(baseURL string, creds Credentials, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type authResponse struct {
	Token        string `json:"token"`
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// ensureToken logs in with the API key when no token is held or the current one
// is close to expiry.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.expiry) {
		return c.token, nil
	}

	var resp authResponse
	err := c.post(ctx, "/api/Auth/loginKey", map[string]string{
		"userName": c.creds.Username,
		"apiKey":   c.creds.APIKey,
	}, "", &resp)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if !resp.Success || resp.Token == "" {
		return "", fmt.Errorf("login refused: code=%d %s", resp.ErrorCode, resp.ErrorMessage)
	}
	c.token = resp.Token
	c.expiry = time.Now().Add(tokenLifetime)
	c.log.Info().Time("expires", c.expiry).Msg("venue session established")
	return c.token, nil
}

// SessionValid reports whether an authenticated session can be produced right
// now. A false return means every decision this cycle must be vetoed.
func (c *Client) SessionValid(ctx context.Context) bool {
	_, err := c.ensureToken(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("venue session unavailable")
	}
	return err == nil
}

// Token exposes the current session token for the event stream dialer.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.ensureToken(ctx)
}

type orderPlaceResponse struct {
	OrderID      OrderID `json:"orderId"`
	Success      bool    `json:"success"`
	ErrorCode    int     `json:"errorCode"`
	ErrorMessage string  `json:"errorMessage"`
}

// SubmitOrder places a market order. The correlation id rides along as the
// order's custom tag so venue-side records can be tied back to the cycle.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (SubmitResult, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	var resp orderPlaceResponse
	err = c.post(ctx, "/api/Order/place", map[string]any{
		"accountId":  req.AccountID,
		"contractId": req.Symbol,
		"type":       marketOrder,
		"side":       int(req.Side),
		"size":       req.Size,
		"customTag":  req.CorrelationID,
	}, token, &resp)
	if err != nil {
		return SubmitResult{}, err
	}
	if !resp.Success {
		return SubmitResult{}, fmt.Errorf("%w: code=%d %s", ErrRejected, resp.ErrorCode, resp.ErrorMessage)
	}
	return SubmitResult{VenueOrderID: string(resp.OrderID), Status: "accepted"}, nil
}

type closeResponse struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Flatten closes the contract position for the account. Closing an already
// flat position is not an error.
func (c *Client) Flatten(ctx context.Context, accountID int, symbol string) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	var resp closeResponse
	err = c.post(ctx, "/api/Position/closeContract", map[string]any{
		"accountId":  accountID,
		"contractId": symbol,
	}, token, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: code=%d %s", ErrRejected, resp.ErrorCode, resp.ErrorMessage)
	}
	return nil
}

type tradeSearchResponse struct {
	Trades       []Trade `json:"trades"`
	Success      bool    `json:"success"`
	ErrorCode    int     `json:"errorCode"`
	ErrorMessage string  `json:"errorMessage"`
}

// SearchTrades returns the account's executions since the given time, used for
// catch-up reconciliation after a stream gap and for daily risk accounting.
func (c *Client) SearchTrades(ctx context.Context, accountID int, since time.Time) ([]Trade, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	var resp tradeSearchResponse
	err = c.post(ctx, "/api/Trade/search", map[string]any{
		"accountId":      accountID,
		"startTimestamp": since.UTC().Format(time.RFC3339),
	}, token, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("trade search refused: code=%d %s", resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Trades, nil
}

type positionSearchResponse struct {
	Positions    []PositionInfo `json:"positions"`
	Success      bool           `json:"success"`
	ErrorCode    int            `json:"errorCode"`
	ErrorMessage string         `json:"errorMessage"`
}

// SearchOpenPositions lists the account's open positions straight from the venue.
func (c *Client) SearchOpenPositions(ctx context.Context, accountID int) ([]PositionInfo, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	var resp positionSearchResponse
	err = c.post(ctx, "/api/Position/searchOpen", map[string]any{
		"accountId": accountID,
	}, token, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("position search refused: code=%d %s", resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Positions, nil
}

func (c *Client) post(ctx context.Context, path string, body any, token string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
