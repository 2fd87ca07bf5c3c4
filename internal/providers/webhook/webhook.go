// Package webhook receives asynchronous payment-provider notifications and
// translates them into transaction event reports.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/FxamarAboali/saleor/internal/common/api"
	"github.com/FxamarAboali/saleor/internal/common/money"
	"github.com/FxamarAboali/saleor/internal/transaction"
	"github.com/FxamarAboali/saleor/internal/transaction/domain"
)

// Reporter folds provider reports into transaction state.
type Reporter interface {
	ReportEvent(ctx context.Context, req transaction.ReportEventRequest) (domain.Outcome, error)
}

// Notification is one item in a provider webhook batch. Amounts arrive in
// the currency's minor units, the convention of card-network providers.
type Notification struct {
	PSPReference      string `json:"pspReference"`
	OriginalReference string `json:"originalReference,omitempty"`
	MerchantReference string `json:"merchantReference,omitempty"`
	EventCode         string `json:"eventCode"`
	Success           bool   `json:"success"`
	Amount            struct {
		Value    int64  `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	EventDate *time.Time `json:"eventDate,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Payload is the provider webhook body: a batch of notifications.
type Payload struct {
	Notifications []Notification `json:"notifications"`
}

// ItemResult reports the outcome of one notification in the batch response.
type ItemResult struct {
	PSPReference     string     `json:"pspReference"`
	Accepted         bool       `json:"accepted"`
	AlreadyProcessed bool       `json:"alreadyProcessed,omitempty"`
	Error            *api.Error `json:"error,omitempty"`
}

// Handler is the HTTP endpoint providers deliver notifications to.
type Handler struct {
	reporter Reporter
	secret   []byte
	logger   *slog.Logger
}

// NewHandler creates a webhook handler. secret enables HMAC verification of
// request bodies; empty disables it.
func NewHandler(reporter Reporter, secret string, logger *slog.Logger) *Handler {
	h := &Handler{reporter: reporter, logger: logger}
	if secret != "" {
		h.secret = []byte(secret)
	}
	return h
}

// ServeHTTP handles an incoming provider notification batch. Items are
// processed independently: one bad notification never blocks the rest of the
// batch, and each item's outcome is reported back so the provider can retry
// selectively.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		api.BadRequest(w, "", "failed to read body")
		return
	}
	defer r.Body.Close()

	if h.secret != nil && !h.verifySignature(body, r.Header.Get("X-Signature")) {
		h.logger.Warn("webhook signature mismatch", "remote_addr", r.RemoteAddr)
		api.WriteError(w, http.StatusUnauthorized, api.Error{
			Message: "Invalid signature",
			Code:    api.ErrCodeUnauthorized,
		})
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Error("failed to parse webhook payload", "error", err)
		api.BadRequest(w, "", "invalid json")
		return
	}

	results := make([]ItemResult, 0, len(payload.Notifications))
	for _, n := range payload.Notifications {
		results = append(results, h.handleNotification(ctx, n))
	}

	api.WriteData(w, http.StatusOK, results)
}

func (h *Handler) handleNotification(ctx context.Context, n Notification) ItemResult {
	result := ItemResult{PSPReference: n.PSPReference}

	eventType, ok := mapEventCode(n.EventCode)
	if !ok {
		h.logger.Warn("unknown provider event code",
			"event_code", n.EventCode,
			"psp_reference", n.PSPReference,
		)
		result.Error = &api.Error{
			Field:   "eventCode",
			Message: "unknown event code " + n.EventCode,
			Code:    api.ErrCodeInvalid,
		}
		return result
	}

	amount, err := money.FromMinorUnits(n.Amount.Value, money.Currency(n.Amount.Currency))
	if err != nil {
		result.Error = &api.Error{
			Field:   "amount",
			Message: err.Error(),
			Code:    api.ErrCodeInvalid,
		}
		return result
	}

	outcome, err := h.reporter.ReportEvent(ctx, transaction.ReportEventRequest{
		TransactionID:        n.MerchantReference,
		OriginalPSPReference: n.OriginalReference,
		PSPReference:         n.PSPReference,
		Type:                 string(eventType),
		Result:               string(resultFor(n.Success)),
		Amount:               amount.Amount.String(),
		Currency:             n.Amount.Currency,
		OccurredAt:           n.EventDate,
		Name:                 n.Reason,
	})
	if err != nil {
		var reportErr *domain.ReportError
		if errors.As(err, &reportErr) {
			result.Error = &api.Error{
				Field:   reportErr.Field,
				Message: reportErr.Message,
				Code:    reportErr.Code,
			}
			return result
		}
		h.logger.Error("failed to reconcile webhook notification",
			"error", err,
			"psp_reference", n.PSPReference,
		)
		result.Error = &api.Error{
			Message: "internal error",
			Code:    api.ErrCodeInternalError,
		}
		return result
	}

	result.Accepted = true
	result.AlreadyProcessed = outcome.AlreadyProcessed
	return result
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// mapEventCode translates provider event codes onto ledger event types.
// Card-network providers use CAPTURE/CANCELLATION vocabulary; the plain
// names are accepted too.
func mapEventCode(code string) (domain.EventType, bool) {
	switch code {
	case "CAPTURE", "CHARGE":
		return domain.EventTypeCharge, true
	case "REFUND":
		return domain.EventTypeRefund, true
	case "CANCELLATION", "CANCEL", "VOID":
		return domain.EventTypeCancel, true
	}
	return "", false
}

func resultFor(success bool) domain.EventStatus {
	if success {
		return domain.EventStatusSuccess
	}
	return domain.EventStatusFailure
}
