package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FxamarAboali/saleor/internal/common/money"
	"github.com/FxamarAboali/saleor/internal/transaction"
)

func newTestHandler(t *testing.T, secret string) (*Handler, *transaction.Service, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := transaction.NewService(transaction.NewMemoryStore(), nil, logger)

	tx, err := svc.CreateTransaction(context.Background(), transaction.CreateTransactionRequest{
		Currency:        money.USD,
		PSPReference:    "psp_base",
		AuthorizedValue: "10",
	})
	require.NoError(t, err)

	return NewHandler(svc, secret, logger), svc, tx.ID
}

func postPayload(t *testing.T, h *Handler, payload Payload, sign func([]byte) string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", bytes.NewReader(body))
	if sign != nil {
		req.Header.Set("X-Signature", sign(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func captureNotification(txID string, psp string, value int64) Notification {
	n := Notification{
		PSPReference:      psp,
		MerchantReference: txID,
		EventCode:         "CAPTURE",
		Success:           true,
	}
	n.Amount.Value = value
	n.Amount.Currency = "USD"
	return n
}

func TestWebhookAppliesNotifications(t *testing.T) {
	h, svc, txID := newTestHandler(t, "")

	rec := postPayload(t, h, Payload{Notifications: []Notification{
		captureNotification(txID, "psp_charge", 1050),
	}}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Data []ItemResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.True(t, body.Data[0].Accepted)
	assert.False(t, body.Data[0].AlreadyProcessed)

	tx, err := svc.GetTransaction(context.Background(), txID)
	require.NoError(t, err)
	assert.True(t, tx.ChargedValue.Equal(money.MustParse("10.50", money.USD)),
		"charged: got %s", tx.ChargedValue.StringFixed())
}

func TestWebhookRedeliveryIsAcknowledged(t *testing.T) {
	h, svc, txID := newTestHandler(t, "")
	payload := Payload{Notifications: []Notification{
		captureNotification(txID, "psp_charge", 1050),
	}}

	rec := postPayload(t, h, payload, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postPayload(t, h, payload, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []ItemResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.True(t, body.Data[0].Accepted)
	assert.True(t, body.Data[0].AlreadyProcessed)

	events, err := svc.ListEvents(context.Background(), txID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestWebhookProcessesBatchItemsIndependently(t *testing.T) {
	h, _, txID := newTestHandler(t, "")

	bad := captureNotification(txID, "psp_bad", 100)
	bad.EventCode = "DISPUTE_OPENED"
	missing := captureNotification("no-such-transaction", "psp_missing", 100)

	rec := postPayload(t, h, Payload{Notifications: []Notification{
		bad,
		missing,
		captureNotification(txID, "psp_good", 500),
	}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []ItemResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 3)

	assert.False(t, body.Data[0].Accepted)
	require.NotNil(t, body.Data[0].Error)
	assert.Equal(t, "INVALID", body.Data[0].Error.Code)

	assert.False(t, body.Data[1].Accepted)
	require.NotNil(t, body.Data[1].Error)
	assert.Equal(t, "NOT_FOUND", body.Data[1].Error.Code)

	assert.True(t, body.Data[2].Accepted)
}

func TestWebhookFailureNotification(t *testing.T) {
	h, svc, txID := newTestHandler(t, "")

	n := captureNotification(txID, "psp_declined", 1050)
	n.Success = false
	n.Reason = "Insufficient funds"

	rec := postPayload(t, h, Payload{Notifications: []Notification{n}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	tx, err := svc.GetTransaction(context.Background(), txID)
	require.NoError(t, err)
	assert.True(t, tx.ChargedValue.IsZero(), "a failed capture must not charge")

	events, err := svc.ListEvents(context.Background(), txID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Insufficient funds", events[0].Name)
}

func TestWebhookRejectsCurrencyMismatch(t *testing.T) {
	h, svc, txID := newTestHandler(t, "")

	n := captureNotification(txID, "psp_jpy", 1050)
	n.Amount.Currency = "JPY"

	rec := postPayload(t, h, Payload{Notifications: []Notification{n}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []ItemResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.False(t, body.Data[0].Accepted)
	require.NotNil(t, body.Data[0].Error)
	assert.Equal(t, "INCORRECT_DETAILS", body.Data[0].Error.Code)
	assert.Equal(t, "currency", body.Data[0].Error.Field)

	// A mismatched notification must not be coerced into the transaction's
	// currency.
	tx, err := svc.GetTransaction(context.Background(), txID)
	require.NoError(t, err)
	assert.True(t, tx.ChargedValue.IsZero())

	events, err := svc.ListEvents(context.Background(), txID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWebhookSignatureVerification(t *testing.T) {
	h, _, txID := newTestHandler(t, "topsecret")
	payload := Payload{Notifications: []Notification{
		captureNotification(txID, "psp_charge", 1050),
	}}

	rec := postPayload(t, h, payload, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing signature must be rejected")

	rec = postPayload(t, h, payload, func([]byte) string { return "deadbeef" })
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong signature must be rejected")

	rec = postPayload(t, h, payload, func(body []byte) string {
		mac := hmac.New(sha256.New, []byte("topsecret"))
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}
