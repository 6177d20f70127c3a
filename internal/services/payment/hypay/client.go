package hypay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"booking-engine/internal/status"
)

type ClientConfig struct {
	BaseURL      string `json:"baseUrl" mapstructure:"base_url"`
	MerchantID   string `json:"merchantId" mapstructure:"merchant_id"`
	ClientID     string `json:"clientId" mapstructure:"client_id"`
	ClientSecret string `json:"clientSecret" mapstructure:"client_secret"`
	HMACKey      string `json:"hmacKey" mapstructure:"hmac_key"`
}

// Client is the raw HTTP client for the HyPay backend. Requests are
// hmac-signed; the access token is renewed by a background refresher.
type Client struct {
	baseURL      string
	merchantID   string
	clientID     string
	clientSecret string
	hmacKey      string

	accessToken string
	mu          sync.Mutex

	// toggleTokenRefresher wakes the refresher after a 401.
	toggleTokenRefresher chan struct{}

	hc *http.Client
}

func newClient(c *ClientConfig) *Client {
	return &Client{
		baseURL:      c.BaseURL,
		merchantID:   c.MerchantID,
		clientID:     c.ClientID,
		clientSecret: c.ClientSecret,
		hmacKey:      c.HMACKey,

		// buffered so a 401 on the request path never blocks.
		toggleTokenRefresher: make(chan struct{}, 1),

		hc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// refreshTokenLoop renews the access token periodically and whenever a
// request hits a 401, reconnecting with exponential backoff.
func (c *Client) refreshTokenLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.toggleTokenRefresher:
			slog.Info("hypay: token refresh requested")
		}

		backOff := time.Second
		for {
			token, err := c.connect(ctx)
			if err == nil {
				c.setAccessToken(token)
				break
			}
			slog.Error("hypay: token refresh failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backOff):
				backOff *= 2
			}
		}
	}
}

func (c *Client) setAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) getAccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// connect authenticates against the HyPay backend.
func (c *Client) connect(ctx context.Context) (string, error) {
	requestID, err := randomRequestID()
	if err != nil {
		return "", fmt.Errorf("connect: randomRequestID: %v", err)
	}

	body := fmt.Sprintf(`{"requestId":%q,"merchantId":%q,"clientId":%q,"clientSecret":%q}`,
		requestID, c.merchantID, c.clientID, c.clientSecret)

	var reply struct {
		Status string `json:"status"`
		Data   struct {
			AccessToken string `json:"accessToken"`
			TokenType   string `json:"tokenType"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/v1/auth/token", body, false, &reply); err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	if reply.Status != "OK" {
		return "", fmt.Errorf("connect: reply.Status: %v: %w", reply.Status, status.ErrGatewayUnavailable)
	}
	return fmt.Sprintf("%s %s", reply.Data.TokenType, reply.Data.AccessToken), nil
}

// post sends a signed JSON request and decodes the reply. HTTP status
// classes map onto the error taxonomy: network failures and 5xx are
// transient, 4xx is a definitive rejection.
func (c *Client) post(ctx context.Context, path, body string, authed bool, reply any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("http.NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SignedHash", Hmac256([]byte(body), []byte(c.hmacKey)))
	if authed {
		req.Header.Set("Authorization", c.getAccessToken())
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("http.Do: %w: %v", status.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		select {
		case c.toggleTokenRefresher <- struct{}{}:
		default:
		}
		return fmt.Errorf("http status 401: %w", status.ErrGatewayUnavailable)
	case resp.StatusCode >= 500:
		return fmt.Errorf("http status %d: %w", resp.StatusCode, status.ErrGatewayUnavailable)
	case resp.StatusCode >= 400:
		return fmt.Errorf("http status %d: %w", resp.StatusCode, status.ErrPaymentFailed)
	}

	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return fmt.Errorf("json.Decode: %w: %v", status.ErrGatewayUnavailable, err)
	}
	return nil
}

// createCharge opens a charge at HyPay and returns its reference.
func (c *Client) createCharge(ctx context.Context, bookingID, amount, currency, description string, expirySeconds int64) (string, error) {
	requestID, err := randomRequestID()
	if err != nil {
		return "", fmt.Errorf("createCharge: randomRequestID: %v", err)
	}

	body := fmt.Sprintf(`{"requestId":%q,"merchantId":%q,"billNumber":%q,"txnAmount":%s,"currency":%q,"description":%q,"expirySeconds":%d}`,
		requestID, c.merchantID, bookingID, amount, currency, description, expirySeconds)

	var reply struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			Ref string `json:"refNo"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/v1/charges", body, true, &reply); err != nil {
		return "", fmt.Errorf("createCharge: %w", err)
	}
	if reply.Status != "OK" {
		return "", fmt.Errorf("createCharge: reply.Status: %v, reply.Message: %v: %w",
			reply.Status, reply.Message, status.ErrPaymentFailed)
	}
	return reply.Data.Ref, nil
}

// checkCharge fetches the authoritative charge state from HyPay.
func (c *Client) checkCharge(ctx context.Context, ref string) (*chargePayload, error) {
	requestID, err := randomRequestID()
	if err != nil {
		return nil, fmt.Errorf("checkCharge: randomRequestID: %v", err)
	}

	body := fmt.Sprintf(`{"requestId":%q,"refNo":%q}`, requestID, ref)

	var reply struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			chargePayload
		} `json:"data"`
	}
	if err := c.post(ctx, "/v1/charges/check", body, true, &reply); err != nil {
		return nil, fmt.Errorf("checkCharge: %w", err)
	}
	if reply.Status != "OK" {
		return nil, fmt.Errorf("checkCharge: reply.Status: %v, reply.Message: %v: %w",
			reply.Status, reply.Message, status.ErrPaymentFailed)
	}
	return &reply.Data.chargePayload, nil
}
