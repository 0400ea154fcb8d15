/**
 * @description
 * This file contains the HTTP handlers for the payment-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the engine.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models,
 *   and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/streampay/payment-service/internal/app"
	"github.com/streampay/payment-service/internal/domain"
	"github.com/streampay/payment-service/internal/store"
)

// PaymentHandlers holds the application service that handlers will use.
type PaymentHandlers struct {
	service *app.Service
}

// NewPaymentHandlers creates a new instance of PaymentHandlers.
func NewPaymentHandlers(service *app.Service) *PaymentHandlers {
	return &PaymentHandlers{service: service}
}

type createPaymentRequest struct {
	SuperAccountID string `json:"super_account_id"`
	PaymentPointer string `json:"payment_pointer,omitempty"`
	InvoiceURL     string `json:"invoice_url,omitempty"`
	AmountToSend   *int64 `json:"amount_to_send,omitempty"`
	AutoApprove    bool   `json:"auto_approve"`
	ClientToken    string `json:"client_token,omitempty"`
}

type fundPaymentRequest struct {
	Amount     int64  `json:"amount"`
	TransferID string `json:"transfer_id"`
}

// CreatePaymentHandler admits a new outgoing payment.
func (h *PaymentHandlers) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	superAccountID, err := uuid.Parse(strings.TrimSpace(req.SuperAccountID))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid super account id")
		return
	}
	if req.AmountToSend != nil && *req.AmountToSend < 0 {
		h.writeError(w, http.StatusBadRequest, "Amount must not be negative")
		return
	}

	payment, err := h.service.CreatePayment(r.Context(), app.CreatePaymentParams{
		SuperAccountID: superAccountID,
		Intent: domain.Intent{
			PaymentPointer: strings.TrimSpace(req.PaymentPointer),
			InvoiceURL:     strings.TrimSpace(req.InvoiceURL),
			AmountToSend:   req.AmountToSend,
			AutoApprove:    req.AutoApprove,
		},
		ClientToken: strings.TrimSpace(req.ClientToken),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidIntent):
			h.writeError(w, http.StatusBadRequest, "Intent must be exactly one of payment pointer with amount, or invoice URL")
		case errors.Is(err, app.ErrUnknownAccount):
			h.writeError(w, http.StatusNotFound, "Super account not found")
		default:
			log.Printf("level=error component=api msg=\"payment create failed\" err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Unable to create payment")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, payment)
}

// ApprovePaymentHandler activates a Ready payment.
func (h *PaymentHandlers) ApprovePaymentHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.ApprovePayment)
}

// CancelPaymentHandler cancels a Ready payment.
func (h *PaymentHandlers) CancelPaymentHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.CancelPayment)
}

// RequotePaymentHandler resets a Cancelled payment back to Quoting.
func (h *PaymentHandlers) RequotePaymentHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.RequotePayment)
}

// FundPaymentHandler reserves funds on an Activated payment and starts
// sending.
func (h *PaymentHandlers) FundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentID(w, r)
	if !ok {
		return
	}

	var req fundPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.TransferID) == "" {
		h.writeError(w, http.StatusBadRequest, "transfer_id is required")
		return
	}
	if req.Amount < 0 {
		h.writeError(w, http.StatusBadRequest, "Amount must not be negative")
		return
	}

	payment, err := h.service.FundPayment(r.Context(), paymentID, req.Amount, strings.TrimSpace(req.TransferID))
	if err != nil {
		h.writeTransitionError(w, paymentID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

// GetPaymentHandler returns a payment by id.
func (h *PaymentHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentID(w, r)
	if !ok {
		return
	}

	payment, err := h.service.GetPayment(r.Context(), paymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			h.writeError(w, http.StatusNotFound, "Payment not found")
			return
		}
		log.Printf("level=error component=api msg=\"payment lookup failed\" payment_id=%s err=%v", paymentID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch payment")
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

// ListPaymentsHandler pages an account's payments. Query parameters:
// cursor (payment id), limit, direction (forward|backward).
func (h *PaymentHandlers) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	opts := domain.PaymentListOptions{
		Cursor:   strings.TrimSpace(r.URL.Query().Get("cursor")),
		Backward: strings.EqualFold(r.URL.Query().Get("direction"), "backward"),
	}
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}

	page, err := h.service.ListPaymentsByAccount(r.Context(), accountID, opts)
	if err != nil {
		log.Printf("level=error component=api msg=\"payment list failed\" account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list payments")
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *PaymentHandlers) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) (*domain.Payment, error)) {
	paymentID, ok := h.paymentID(w, r)
	if !ok {
		return
	}

	payment, err := op(r.Context(), paymentID)
	if err != nil {
		h.writeTransitionError(w, paymentID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

func (h *PaymentHandlers) paymentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment id")
		return uuid.Nil, false
	}
	return paymentID, true
}

func (h *PaymentHandlers) writeTransitionError(w http.ResponseWriter, paymentID uuid.UUID, err error) {
	switch {
	case errors.Is(err, store.ErrPaymentNotFound):
		h.writeError(w, http.StatusNotFound, "Payment not found")
	case errors.Is(err, app.ErrWrongState):
		h.writeError(w, http.StatusConflict, "Payment is in the wrong state for this operation")
	case errors.Is(err, app.ErrQuoteExpired):
		h.writeError(w, http.StatusConflict, "Quote has expired")
	case errors.Is(err, app.ErrInsufficientFunds):
		h.writeError(w, http.StatusUnprocessableEntity, "Amount is below the quoted maximum source amount")
	default:
		log.Printf("level=error component=api msg=\"payment transition failed\" payment_id=%s err=%v", paymentID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to update payment")
	}
}

func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
