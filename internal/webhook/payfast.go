// Package webhook receives PayFast ITN (Instant Transaction Notification)
// callbacks and applies subscription changes to user accounts.
package webhook

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/metrics"
)

const maxBodySize = 64 << 10

// Notice is a verified payment notification.
type Notice struct {
	PaymentStatus string
	PaymentID     string
	Token         string
	UserID        string
	ItemName      string
	AmountGross   string
}

// SubscriptionUpdater applies a verified notice to the billing state.
type SubscriptionUpdater interface {
	UpdateSubscription(ctx context.Context, n Notice) error
}

// PayFastHandler verifies ITN signatures and dispatches notices.
type PayFastHandler struct {
	merchantID string
	passphrase string
	updater    SubscriptionUpdater
	logger     *zap.Logger
}

func NewPayFastHandler(merchantID, passphrase string, updater SubscriptionUpdater, logger *zap.Logger) *PayFastHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayFastHandler{
		merchantID: merchantID,
		passphrase: passphrase,
		updater:    updater,
		logger:     logger,
	}
}

type param struct {
	key   string
	value string
}

// parseForm keeps the posted field order. The ITN signature covers the
// fields in the order PayFast sent them, so url.Values cannot be used.
func parseForm(body string) ([]param, error) {
	var params []param
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		key, rawValue, _ := strings.Cut(pair, "=")
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, err
		}
		params = append(params, param{key: key, value: value})
	}
	return params, nil
}

// sign reproduces the PayFast parameter signature: posted fields in order,
// urlencoded, empty values and the signature field itself excluded, the
// merchant passphrase appended last.
func sign(params []param, passphrase string) string {
	var b strings.Builder
	for _, p := range params {
		if p.key == "signature" || p.value == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	s := b.String()
	if passphrase != "" {
		s += "&passphrase=" + url.QueryEscape(passphrase)
	}
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ServeHTTP handles POST /v1/webhooks/payfast.
func (h *PayFastHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.reject(w, "unreadable body")
		return
	}

	params, err := parseForm(string(body))
	if err != nil {
		h.reject(w, "malformed form body")
		return
	}

	fields := make(map[string]string, len(params))
	for _, p := range params {
		fields[p.key] = p.value
	}

	if fields["merchant_id"] != h.merchantID {
		h.logger.Warn("webhook for unknown merchant",
			zap.String("merchant_id", fields["merchant_id"]))
		h.reject(w, "unknown merchant")
		return
	}

	expected := sign(params, h.passphrase)
	got := fields["signature"]
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		h.logger.Warn("webhook signature mismatch",
			zap.String("payment_id", fields["pf_payment_id"]))
		h.reject(w, "invalid signature")
		return
	}

	notice := Notice{
		PaymentStatus: fields["payment_status"],
		PaymentID:     fields["pf_payment_id"],
		Token:         fields["token"],
		UserID:        fields["custom_str1"],
		ItemName:      fields["item_name"],
		AmountGross:   fields["amount_gross"],
	}

	if h.updater != nil {
		if err := h.updater.UpdateSubscription(r.Context(), notice); err != nil {
			h.logger.Error("subscription update failed",
				zap.String("payment_id", notice.PaymentID), zap.Error(err))
			metrics.WebhooksTotal.WithLabelValues("update_failed").Inc()
			http.Error(w, `{"error":"subscription update failed"}`, http.StatusInternalServerError)
			return
		}
	}

	metrics.WebhooksTotal.WithLabelValues("accepted").Inc()
	h.logger.Info("payment notice accepted",
		zap.String("payment_id", notice.PaymentID),
		zap.String("status", notice.PaymentStatus))
	w.WriteHeader(http.StatusOK)
}

func (h *PayFastHandler) reject(w http.ResponseWriter, reason string) {
	metrics.WebhooksTotal.WithLabelValues("rejected").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(`{"error":"` + reason + `"}`))
}
