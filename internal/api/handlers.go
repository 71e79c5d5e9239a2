/**
 * @description
 * HTTP handlers for the settlement-service API. Handlers parse incoming
 * requests, call the scheduler service, and translate domain errors into
 * HTTP statuses. They are the bridge between the marketplace service and the
 * orchestration core: a submit returns either an error with no side effects
 * or a transaction id immediately; finality is learned via settlement events
 * or by polling the transaction endpoint.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/driver, internal/store.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridmarket/settlement-service/internal/app"
	"github.com/gridmarket/settlement-service/internal/domain"
	"github.com/gridmarket/settlement-service/internal/driver"
	"github.com/gridmarket/settlement-service/internal/store"
)

// Handlers holds the scheduler service that handlers call into.
type Handlers struct {
	service *app.Service
}

// NewHandlers creates the handler set.
func NewHandlers(service *app.Service) *Handlers {
	return &Handlers{service: service}
}

type submitPaymentRequest struct {
	IdempotencyKey string  `json:"idempotency_key"`
	Payer          string  `json:"payer"`
	Payee          string  `json:"payee"`
	Platform       string  `json:"platform"`
	Amount         string  `json:"amount"`
	AllocationID   *string `json:"allocation_id,omitempty"`
}

type submitPaymentResponse struct {
	TransactionID string `json:"transaction_id"`
	State         string `json:"state"`
}

type createAllocationRequest struct {
	Payer            string `json:"payer"`
	Platform         string `json:"platform"`
	Amount           string `json:"amount"`
	ExpiresInSeconds int64  `json:"expires_in_seconds,omitempty"`
}

type releaseAllocationResponse struct {
	AllocationID string `json:"allocation_id"`
	Remaining    string `json:"remaining"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondDomainError maps the error taxonomy onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrInsufficientFunds):
		respondError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, store.ErrAllocationNotFound),
		errors.Is(err, store.ErrTransactionNotFound),
		errors.Is(err, driver.ErrUnknownPlatform):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAllocationClosed):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrRateLimited):
		var rateErr *app.RateLimitedError
		if errors.As(err, &rateErr) && rateErr.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		}
		respondError(w, http.StatusTooManyRequests, err.Error())
	default:
		log.Printf("level=error component=api msg=\"internal error\" err=%v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// SubmitPaymentHandler accepts one payment intent.
func (h *Handlers) SubmitPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req submitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	platform, err := domain.ParsePlatform(req.Platform)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	intent := domain.PaymentIntent{
		IdempotencyKey: req.IdempotencyKey,
		Payer:          req.Payer,
		Payee:          req.Payee,
		Platform:       platform,
		Amount:         amount,
	}
	if req.AllocationID != nil {
		allocationID, err := uuid.Parse(*req.AllocationID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid allocation id")
			return
		}
		intent.AllocationID = &allocationID
	}

	txID, err := h.service.SubmitPayment(r.Context(), intent)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	// An idempotent replay may hand back a transaction that has already
	// progressed, so report the stored state rather than assuming pending.
	state := domain.TxStatePending
	if txRecord, lookupErr := h.service.GetTransaction(r.Context(), txID); lookupErr == nil {
		state = txRecord.State
	}
	respondJSON(w, http.StatusAccepted, submitPaymentResponse{
		TransactionID: txID.String(),
		State:         state,
	})
}

// GetTransactionHandler returns one transaction, the submitter's poll surface.
func (h *Handlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}
	txRecord, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, txRecord)
}

// CreateAllocationHandler opens a new spending allowance.
func (h *Handlers) CreateAllocationHandler(w http.ResponseWriter, r *http.Request) {
	var req createAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	platform, err := domain.ParsePlatform(req.Platform)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	var ttl time.Duration
	if req.ExpiresInSeconds > 0 {
		ttl = time.Duration(req.ExpiresInSeconds) * time.Second
	}

	alloc, err := h.service.CreateAllocation(r.Context(), req.Payer, platform, amount, ttl)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, alloc)
}

// GetAllocationHandler returns one allocation.
func (h *Handlers) GetAllocationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid allocation id")
		return
	}
	alloc, err := h.service.GetAllocation(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, alloc)
}

// ReleaseAllocationHandler closes an allocation and reports the unreserved
// remainder returned to the payer.
func (h *Handlers) ReleaseAllocationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid allocation id")
		return
	}
	remaining, err := h.service.ReleaseAllocation(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, releaseAllocationResponse{
		AllocationID: id.String(),
		Remaining:    remaining.String(),
	})
}
