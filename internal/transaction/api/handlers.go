// Package api exposes transaction reconciliation over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/FxamarAboali/saleor/internal/common/api"
	"github.com/FxamarAboali/saleor/internal/common/database"
	"github.com/FxamarAboali/saleor/internal/common/money"
	"github.com/FxamarAboali/saleor/internal/transaction"
	"github.com/FxamarAboali/saleor/internal/transaction/domain"
)

// Handler serves transaction endpoints.
type Handler struct {
	service *transaction.Service
	logger  *slog.Logger
}

// NewHandler creates a new transaction handler.
func NewHandler(service *transaction.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the router for transaction endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateTransaction)
	r.Get("/", h.ListTransactions)
	r.Post("/events", h.ReportEvent)
	r.Get("/{id}", h.GetTransaction)
	r.Get("/{id}/events", h.ListEvents)
	r.Post("/{id}/request", h.RequestAction)
	r.Post("/{id}/rebuild", h.RebuildBalances)

	return r
}

type createTransactionRequest struct {
	Kind               string   `json:"kind"`
	PSPReference       string   `json:"pspReference"`
	Currency           string   `json:"currency" validate:"required,len=3"`
	Status             string   `json:"status" validate:"omitempty,oneof=Authorized Processing Finalized"`
	AuthorizedValue    string   `json:"authorizedValue"`
	ChargedValue       string   `json:"chargedValue"`
	RefundedValue      string   `json:"refundedValue"`
	VoidedValue        string   `json:"voidedValue"`
	PendingRefundValue string   `json:"pendingRefundValue"`
	AvailableActions   []string `json:"availableActions" validate:"omitempty,dive,oneof=CHARGE REFUND CANCEL"`
}

// CreateTransaction handles POST /transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	tx, err := h.service.CreateTransaction(r.Context(), transaction.CreateTransactionRequest{
		Kind:             req.Kind,
		PSPReference:     req.PSPReference,
		Currency:         money.Currency(req.Currency),
		Status:           req.Status,
		AuthorizedValue:  req.AuthorizedValue,
		ChargedValue:     req.ChargedValue,
		RefundedValue:    req.RefundedValue,
		VoidedValue:      req.VoidedValue,
		PendingRefund:    req.PendingRefundValue,
		AvailableActions: req.AvailableActions,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusCreated, tx)
}

type reportEventRequest struct {
	TransactionID        string     `json:"transactionId"`
	OriginalPSPReference string     `json:"originalPspReference"`
	PSPReference         string     `json:"pspReference" validate:"required"`
	Result               string     `json:"result" validate:"required"`
	Type                 string     `json:"type" validate:"required"`
	Amount               string     `json:"amount" validate:"required"`
	Currency             string     `json:"currency" validate:"omitempty,len=3"`
	OccurredAt           *time.Time `json:"occurredAt"`
	Name                 string     `json:"name"`
	AvailableActions     []string   `json:"availableActions"`
}

// ReportEvent handles POST /transactions/events. Providers deliver reports
// here; duplicates are safe to retry.
func (h *Handler) ReportEvent(w http.ResponseWriter, r *http.Request) {
	var req reportEventRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	outcome, err := h.service.ReportEvent(r.Context(), transaction.ReportEventRequest{
		TransactionID:        req.TransactionID,
		OriginalPSPReference: req.OriginalPSPReference,
		PSPReference:         req.PSPReference,
		Result:               req.Result,
		Type:                 req.Type,
		Amount:               req.Amount,
		Currency:             req.Currency,
		OccurredAt:           req.OccurredAt,
		Name:                 req.Name,
		AvailableActions:     req.AvailableActions,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, outcome)
}

type requestActionRequest struct {
	Type         string `json:"type" validate:"required,oneof=CHARGE REFUND CANCEL"`
	Amount       string `json:"amount"`
	PSPReference string `json:"pspReference" validate:"required"`
	Name         string `json:"name"`
}

// RequestAction handles POST /transactions/{id}/request
func (h *Handler) RequestAction(w http.ResponseWriter, r *http.Request) {
	var req requestActionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	event, err := h.service.RequestAction(r.Context(), transaction.RequestActionRequest{
		TransactionID: chi.URLParam(r, "id"),
		Type:          req.Type,
		Amount:        req.Amount,
		PSPReference:  req.PSPReference,
		Name:          req.Name,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusCreated, event)
}

// GetTransaction handles GET /transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "id", "Transaction not found")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, tx)
}

// ListTransactions handles GET /transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 50, 100)

	txs, total, err := h.service.ListTransactions(r.Context(), params.Limit, params.Offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	api.WritePaginated(w, txs, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(txs)) < total,
	})
}

// ListEvents handles GET /transactions/{id}/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, events)
}

// RebuildBalances handles POST /transactions/{id}/rebuild. It replays the
// event log and repairs the cached balances.
func (h *Handler) RebuildBalances(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.RebuildBalances(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, tx)
}

// writeServiceError maps domain errors onto the HTTP surface.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var reportErr *domain.ReportError
	if errors.As(err, &reportErr) {
		status := http.StatusBadRequest
		switch reportErr.Code {
		case domain.CodeNotFound:
			status = http.StatusNotFound
		case domain.CodeIncorrectDetails:
			status = http.StatusConflict
		}
		api.WriteError(w, status, api.Error{
			Field:   reportErr.Field,
			Message: reportErr.Message,
			Code:    reportErr.Code,
		})
		return
	}

	if database.IsUniqueViolation(err) {
		api.WriteError(w, http.StatusConflict, api.Error{
			Message: "Resource already exists",
			Code:    api.ErrCodeIncorrectDetails,
		})
		return
	}
	if database.IsNotFound(err) {
		api.NotFound(w, "", "Resource not found")
		return
	}

	h.logger.Error("request failed",
		"error", err,
		"path", r.URL.Path,
		"method", r.Method,
	)
	api.InternalError(w, "An unexpected error occurred")
}
