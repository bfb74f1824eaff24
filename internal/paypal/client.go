// Package paypal wraps the external payment processor's REST API. It is a
// pure I/O boundary: no storage writes, no retries, every call resolves to a
// terminal success or error.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAuthentication covers token-endpoint failures. There is no silent
	// retry with stale credentials; the enclosing operation aborts.
	ErrAuthentication = errors.New("paypal: authentication failed")
	// ErrUpstream covers non-2xx responses and malformed payloads.
	ErrUpstream = errors.New("paypal: upstream error")
	// ErrPaymentIncomplete signals a capture whose reported status is not a
	// terminal success value.
	ErrPaymentIncomplete = errors.New("paypal: payment not completed")
)

// Config carries the processor credentials and checkout presentation fields.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	BrandName    string
	PayeeEmail   string
	ReturnURL    string
	CancelURL    string
}

// Client talks to the order endpoints with a process-lifetime token cache.
type Client struct {
	cfg  Config
	http *http.Client

	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient creates a client. A nil httpClient gets a 15s-timeout default;
// otherwise the caller's timeout policy applies as-is.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// CaptureResult is the validated shape of a successful capture response.
// Missing required fields are an ErrUpstream, never a zero value.
type CaptureResult struct {
	OrderID  string
	Status   string
	Amount   string
	Currency string
	Raw      json.RawMessage
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns a cached token, fetching a fresh one when the previous
// is within a minute of expiring.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp.Add(-time.Minute)) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/oauth2/token",
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrAuthentication, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: malformed token response", ErrAuthentication)
	}

	c.token = tok.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.token, nil
}

type orderAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string      `json:"reference_id"`
	Amount      orderAmount `json:"amount"`
	Description string      `json:"description,omitempty"`
	CustomID    string      `json:"custom_id,omitempty"`
	Payee       *payee      `json:"payee,omitempty"`
}

type payee struct {
	EmailAddress string `json:"email_address"`
}

type applicationContext struct {
	BrandName   string `json:"brand_name,omitempty"`
	LandingPage string `json:"landing_page,omitempty"`
	UserAction  string `json:"user_action,omitempty"`
	ReturnURL   string `json:"return_url,omitempty"`
	CancelURL   string `json:"cancel_url,omitempty"`
}

type createOrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateOrder opens a CAPTURE-intent order for the given reference and
// returns the processor's order id. value is the exact decimal string the
// processor expects, e.g. "100.00".
func (c *Client) CreateOrder(ctx context.Context, referenceID, value, currency, description string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: referenceID,
			Amount:      orderAmount{CurrencyCode: currency, Value: value},
			Description: description,
			CustomID:    referenceID,
		}},
		ApplicationContext: applicationContext{
			BrandName:   c.cfg.BrandName,
			LandingPage: "BILLING",
			UserAction:  "PAY_NOW",
			ReturnURL:   c.cfg.ReturnURL,
			CancelURL:   c.cfg.CancelURL,
		},
	}
	if c.cfg.PayeeEmail != "" {
		body.PurchaseUnits[0].Payee = &payee{EmailAddress: c.cfg.PayeeEmail}
	}

	raw, status, err := c.postJSON(ctx, "/v2/checkout/orders", token, body)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("%w: create order returned %d: %s", ErrUpstream, status, excerpt(raw))
	}

	var order orderResponse
	if err := json.Unmarshal(raw, &order); err != nil || order.ID == "" {
		return "", fmt.Errorf("%w: create order response missing id", ErrUpstream)
	}
	return order.ID, nil
}

type captureResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				Amount *orderAmount `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// CaptureOrder captures a previously created order. Any reported status
// other than COMPLETED is ErrPaymentIncomplete; structural problems in the
// response are ErrUpstream.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (CaptureResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return CaptureResult{}, err
	}

	raw, status, err := c.postJSON(ctx, "/v2/checkout/orders/"+orderID+"/capture", token, nil)
	if err != nil {
		return CaptureResult{}, err
	}
	if status < 200 || status > 299 {
		return CaptureResult{}, fmt.Errorf("%w: capture returned %d: %s", ErrUpstream, status, excerpt(raw))
	}

	var capture captureResponse
	if err := json.Unmarshal(raw, &capture); err != nil {
		return CaptureResult{}, fmt.Errorf("%w: malformed capture response", ErrUpstream)
	}
	if capture.Status != "COMPLETED" {
		return CaptureResult{}, fmt.Errorf("%w: status %q", ErrPaymentIncomplete, capture.Status)
	}
	if len(capture.PurchaseUnits) == 0 ||
		len(capture.PurchaseUnits[0].Payments.Captures) == 0 ||
		capture.PurchaseUnits[0].Payments.Captures[0].Amount == nil {
		return CaptureResult{}, fmt.Errorf("%w: capture response missing captured amount", ErrUpstream)
	}

	amount := capture.PurchaseUnits[0].Payments.Captures[0].Amount
	if amount.Value == "" || amount.CurrencyCode == "" {
		return CaptureResult{}, fmt.Errorf("%w: capture response missing amount fields", ErrUpstream)
	}

	return CaptureResult{
		OrderID:  orderID,
		Status:   capture.Status,
		Amount:   amount.Value,
		Currency: amount.CurrencyCode,
		Raw:      raw,
	}, nil
}

func (c *Client) postJSON(ctx context.Context, path, token string, body any) (json.RawMessage, int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return raw, resp.StatusCode, nil
}

func excerpt(raw []byte) string {
	const max = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
