// Package hypay is the HyPay implementation of the payment gateway:
// hmac-signed HTTP calls for charges, a PubNub subscription for
// asynchronous charge results.
package hypay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pubnub "github.com/pubnub/go/v7"
	"github.com/shopspring/decimal"

	"booking-engine/internal/services/payment"
)

type Config struct {
	BaseURL      string `json:"baseUrl" mapstructure:"base_url"`
	MerchantID   string `json:"merchantId" mapstructure:"merchant_id"`
	ClientID     string `json:"clientId" mapstructure:"client_id"`
	ClientSecret string `json:"clientSecret" mapstructure:"client_secret"`
	HMACKey      string `json:"hmacKey" mapstructure:"hmac_key"`

	PNSubKey    string `json:"pn_subkey" mapstructure:"pn_subkey"`
	PNSubSecret string `json:"pn_subsecret" mapstructure:"pn_subsecret"`
	PNUUID      string `json:"pn_uuid" mapstructure:"pn_uuid"`
	PNCipherKey string `json:"pn_cipherKey" mapstructure:"pn_cipherkey"`
}

// HyPay implements payment.Gateway.
type HyPay struct {
	merchantID string

	client *Client
	sub    *subscription
	cancel context.CancelFunc
}

// chargePayload is the wire shape of one charge result, shared by the
// check endpoint and the PubNub notifications.
type chargePayload struct {
	Ref       string          `json:"refNo"`
	BookingID string          `json:"billNumber"`
	State     string          `json:"txnStatus"`
	Amount    decimal.Decimal `json:"txnAmount"`
	Currency  string          `json:"currency"`
	PaidAt    string          `json:"txnDateTime"`
}

func (p *chargePayload) toStatus() *payment.ChargeStatus {
	out := &payment.ChargeStatus{
		Ref:       p.Ref,
		BookingID: p.BookingID,
		Amount:    p.Amount,
		Currency:  p.Currency,
	}
	switch strings.ToUpper(p.State) {
	case "PAID", "SUCCESS":
		out.State = payment.ChargePaid
	case "FAILED", "REJECTED", "EXPIRED":
		out.State = payment.ChargeFailed
	default:
		out.State = payment.ChargePending
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", p.PaidAt, time.Local); err == nil {
		out.PaidAt = ts
	}
	return out
}

// New connects to the HyPay backend, starts the token refresher and the
// PubNub result subscription.
func New(ctx context.Context, cfg *Config) (*HyPay, error) {
	client := newClient(&ClientConfig{
		BaseURL:      cfg.BaseURL,
		MerchantID:   cfg.MerchantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		HMACKey:      cfg.HMACKey,
	})

	token, err := client.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("hypay: connect: %w", err)
	}
	client.setAccessToken(token)

	runCtx, cancel := context.WithCancel(context.Background())
	go client.refreshTokenLoop(runCtx)

	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.PNUUID))
	pnCfg.SubscribeKey = cfg.PNSubKey
	pnCfg.SecretKey = cfg.PNSubSecret
	pnCfg.CipherKey = cfg.PNCipherKey

	sub := &subscription{
		pn:  pubnub.NewPubNub(pnCfg),
		lis: pubnub.NewListener(),
	}
	sub.pn.AddListener(sub.lis)
	go sub.process(runCtx)

	return &HyPay{
		merchantID: cfg.MerchantID,
		client:     client,
		sub:        sub,
		cancel:     cancel,
	}, nil
}

func (h *HyPay) chargeChannel(ref string) string {
	return fmt.Sprintf("%s_%s", h.merchantID, ref)
}

// CreateCharge opens the charge and subscribes to its result channel so
// the gateway's push notification reaches the adapter.
func (h *HyPay) CreateCharge(ctx context.Context, req *payment.ChargeRequest) (string, error) {
	expiry := int64(req.ExpiresIn / time.Second)
	ref, err := h.client.createCharge(ctx, req.BookingID, req.Amount.String(), req.Currency, req.Description, expiry)
	if err != nil {
		return "", err
	}

	// Catch up to two minutes of missed messages on subscribe.
	tt := time.Now().Add(-2*time.Minute).Unix() * 10000
	h.sub.pn.Subscribe().Channels([]string{h.chargeChannel(ref)}).Timetoken(tt).Execute()

	return ref, nil
}

func (h *HyPay) VerifyCharge(ctx context.Context, ref string) (*payment.ChargeStatus, error) {
	p, err := h.client.checkCharge(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.toStatus(), nil
}

func (h *HyPay) SetResultChannel(ch chan *payment.ChargeStatus) {
	h.sub.ch = ch
}

func (h *HyPay) Unsubscribe(ref string) {
	h.sub.pn.Unsubscribe().Channels([]string{h.chargeChannel(ref)}).Execute()
}

func (h *HyPay) Close(ctx context.Context) error {
	h.sub.pn.UnsubscribeAll()
	h.cancel()
	return nil
}

type subscription struct {
	pn  *pubnub.PubNub
	lis *pubnub.Listener
	ch  chan *payment.ChargeStatus
}

func (s *subscription) process(ctx context.Context) {
	for {
		select {
		case st := <-s.lis.Status:
			switch st.Category {
			case pubnub.PNConnectedCategory:
				slog.Info("hypay: pubnub connected")
			case pubnub.PNReconnectedCategory:
				slog.Info("hypay: pubnub reconnected")
			case pubnub.PNDisconnectedCategory:
				slog.Warn("hypay: pubnub disconnected")
			case pubnub.PNAccessDeniedCategory:
				slog.Error("hypay: pubnub access denied")
			default:
				slog.Debug("hypay: pubnub status", "category", st.Category)
			}

		case message := <-s.lis.Message:
			raw, ok := message.Message.(string)
			if !ok {
				slog.Warn("hypay: unexpected pubnub message shape")
				continue
			}
			var p chargePayload
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				slog.Error("hypay: decode charge notification failed", "error", err)
				continue
			}
			if s.ch != nil {
				s.ch <- p.toStatus()
			}

		case <-ctx.Done():
			slog.Info("hypay: subscription closed")
			return
		}
	}
}
