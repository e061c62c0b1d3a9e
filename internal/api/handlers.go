/**
 * @description
 * This file contains the HTTP handlers for the compensation-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP response.
 * They act as the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
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
	"github.com/veloracapital/compensation-service/internal/app"
	"github.com/veloracapital/compensation-service/internal/domain"
	"github.com/veloracapital/compensation-service/internal/store"
)

// CompensationHandlers holds the application service and batch runner that
// handlers will use.
type CompensationHandlers struct {
	service *app.Service
	jobs    *app.Jobs
}

// NewCompensationHandlers creates a new instance of CompensationHandlers.
func NewCompensationHandlers(service *app.Service, jobs *app.Jobs) *CompensationHandlers {
	return &CompensationHandlers{service: service, jobs: jobs}
}

type registerAccountRequest struct {
	ProgramType string  `json:"program_type"`
	UplineID    *string `json:"upline_id,omitempty"`
}

// RegisterAccountHandler handles account directory registrations.
func (h *CompensationHandlers) RegisterAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req registerAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var uplineID *uuid.UUID
	if req.UplineID != nil && *req.UplineID != "" {
		parsed, err := uuid.Parse(*req.UplineID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid upline ID format")
			return
		}
		uplineID = &parsed
	}

	account, err := h.service.RegisterAccount(r.Context(), domain.ProgramType(req.ProgramType), uplineID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Upline account not found")
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, account)
}

type activationRequest struct {
	AccountID     string `json:"account_id"`
	Amount        int64  `json:"amount"`
	PayFromWallet bool   `json:"pay_from_wallet"`
}

// ActivationHandler handles position activations submitted by the onboarding
// service once the activation payment has settled.
func (h *CompensationHandlers) ActivationHandler(w http.ResponseWriter, r *http.Request) {
	var req activationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account ID format")
		return
	}

	result, err := h.service.ActivatePosition(r.Context(), accountID, req.Amount, req.PayFromWallet)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		case errors.Is(err, app.ErrAccountNotActivatable):
			h.writeError(w, http.StatusConflict, "Account is not pending activation")
		case errors.Is(err, app.ErrAccountBlocked):
			h.writeError(w, http.StatusForbidden, "Account is blocked")
		case errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, "Amount must be positive")
		case errors.Is(err, store.ErrInsufficientFunds):
			h.writeError(w, http.StatusPaymentRequired, "Insufficient wallet balance for activation")
		default:
			log.Printf("level=error component=api msg=\"activation failed\" account_id=%s err=%v", accountID, err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, result)
}

// GetAccountHandler returns one account from the directory.
func (h *CompensationHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathAccountID(w, r)
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// GetWalletHandler returns the wallet projection for an account.
func (h *CompensationHandlers) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathAccountID(w, r)
	if !ok {
		return
	}
	wallet, err := h.service.GetWallet(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			h.writeError(w, http.StatusNotFound, "Wallet not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// GetLedgerHandler returns a page of an account's ledger entries.
func (h *CompensationHandlers) GetLedgerHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathAccountID(w, r)
	if !ok {
		return
	}

	limit := 50
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		offset = parsed
	}

	entries, err := h.service.GetLedger(r.Context(), accountID, limit, offset)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

// GetCapStatusHandler returns the account's active position and cycle tracker.
func (h *CompensationHandlers) GetCapStatusHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathAccountID(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetCapStatus(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrPositionNotFound) {
			h.writeError(w, http.StatusNotFound, "No active position for account")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

type transferRequest struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
}

// TransferHandler moves funds between two wallets.
func (h *CompensationHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	fromID, err := uuid.Parse(req.FromAccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid from account ID format")
		return
	}
	toID, err := uuid.Parse(req.ToAccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid to account ID format")
		return
	}

	result, err := h.service.Transfer(r.Context(), fromID, toID, req.Amount, req.Description)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			h.writeError(w, http.StatusPaymentRequired, "Insufficient funds")
		case errors.Is(err, store.ErrWalletNotFound):
			h.writeError(w, http.StatusNotFound, "Wallet not found")
		case errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, "Amount must be positive")
		default:
			h.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

type payoutRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

// RequestPayoutHandler places a pending payout request.
func (h *CompensationHandlers) RequestPayoutHandler(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account ID format")
		return
	}

	result, err := h.service.RequestPayout(r.Context(), accountID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			h.writeError(w, http.StatusPaymentRequired, "Insufficient funds")
		case errors.Is(err, app.ErrBelowMinimumPayout):
			h.writeError(w, http.StatusBadRequest, "Amount is below the minimum payout")
		case errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, "Amount must be positive")
		case errors.Is(err, store.ErrWalletNotFound):
			h.writeError(w, http.StatusNotFound, "Wallet not found")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

type adminAdjustRequest struct {
	AccountID       string `json:"account_id"`
	Amount          int64  `json:"amount"`
	Description     string `json:"description"`
	CountsTowardCap *bool  `json:"counts_toward_cap,omitempty"`
}

// AdminAdjustHandler posts a manual correction entry on behalf of an operator.
func (h *CompensationHandlers) AdminAdjustHandler(w http.ResponseWriter, r *http.Request) {
	var req adminAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account ID format")
		return
	}

	actor := GetAdminActor(r.Context())
	result, err := h.service.AdminAdjust(r.Context(), accountID, req.Amount, req.Description, actor, req.CountsTowardCap)
	if err != nil {
		h.writePostingError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

type achievementRequest struct {
	AccountID   string `json:"account_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// GrantAchievementHandler credits a one-off achievement bonus.
func (h *CompensationHandlers) GrantAchievementHandler(w http.ResponseWriter, r *http.Request) {
	var req achievementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account ID format")
		return
	}

	actor := GetAdminActor(r.Context())
	result, err := h.service.GrantAchievement(r.Context(), accountID, req.Amount, req.Description, actor)
	if err != nil {
		h.writePostingError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// RecalculateCapHandler recomputes a position's cap from the current rules.
func (h *CompensationHandlers) RecalculateCapHandler(w http.ResponseWriter, r *http.Request) {
	positionID, err := uuid.Parse(chi.URLParam(r, "positionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid position ID format")
		return
	}

	actor := GetAdminActor(r.Context())
	position, err := h.service.RecalculateCap(r.Context(), positionID, actor)
	if err != nil {
		if errors.Is(err, store.ErrPositionNotFound) {
			h.writeError(w, http.StatusNotFound, "Position not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, position)
}

type renewalRequest struct {
	AccountID      string  `json:"account_id"`
	PositionID     string  `json:"position_id"`
	PayerAccountID *string `json:"payer_account_id,omitempty"`
	PayerRole      string  `json:"payer_role"`
	Method         string  `json:"method"`
	NewBaseAmount  int64   `json:"new_base_amount,omitempty"`
}

// RenewHandler rolls a capped position into its next cycle.
func (h *CompensationHandlers) RenewHandler(w http.ResponseWriter, r *http.Request) {
	var req renewalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account ID format")
		return
	}
	positionID, err := uuid.Parse(req.PositionID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid position ID format")
		return
	}
	var payerID *uuid.UUID
	if req.PayerAccountID != nil && *req.PayerAccountID != "" {
		parsed, err := uuid.Parse(*req.PayerAccountID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid payer account ID format")
			return
		}
		payerID = &parsed
	}

	role := domain.RenewalPayerRole(req.PayerRole)
	switch role {
	case domain.RenewalPayerSelf, domain.RenewalPayerSponsor, domain.RenewalPayerAdmin:
	default:
		h.writeError(w, http.StatusBadRequest, "Invalid payer role")
		return
	}

	record, err := h.service.Renew(r.Context(), accountID, positionID, payerID, role, req.Method, req.NewBaseAmount)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPositionNotFound):
			h.writeError(w, http.StatusNotFound, "Position not found")
		case errors.Is(err, store.ErrRenewalNotAllowed):
			h.writeError(w, http.StatusConflict, "Position has not reached its cap")
		case errors.Is(err, store.ErrInsufficientFunds):
			h.writeError(w, http.StatusPaymentRequired, "Payer has insufficient funds")
		default:
			log.Printf("level=error component=api msg=\"renewal failed\" account_id=%s err=%v", accountID, err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, record)
}

// RunDailyYieldHandler triggers the daily yield batch out of schedule.
func (h *CompensationHandlers) RunDailyYieldHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.jobs.RunDailyYieldFor(r.Context(), timeNowUTC())
	if err != nil {
		log.Printf("level=error component=api msg=\"manual yield batch failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Batch failed")
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// RunWeeklyPayoutHandler triggers the payout settlement batch out of schedule.
func (h *CompensationHandlers) RunWeeklyPayoutHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.jobs.RunWeeklyPayoutFor(r.Context(), timeNowUTC())
	if err != nil {
		log.Printf("level=error component=api msg=\"manual payout batch failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Batch failed")
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func timeNowUTC() time.Time {
	return time.Now().UTC()
}

func (h *CompensationHandlers) pathAccountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account ID format")
		return uuid.Nil, false
	}
	return accountID, true
}

// writePostingError maps posting failures, including cap rejections, onto HTTP
// responses. A cap rejection returns 422 with the rejection figures so the
// caller can surface the account's cap position.
func (h *CompensationHandlers) writePostingError(w http.ResponseWriter, err error) {
	var capErr *domain.CapExceededError
	switch {
	case errors.As(err, &capErr):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":     "Earning cap exceeded",
			"rejection": capErr.Rejection,
		})
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient funds")
	case errors.Is(err, store.ErrWalletNotFound):
		h.writeError(w, http.StatusNotFound, "Wallet not found")
	case errors.Is(err, store.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, "Amount must not be zero")
	default:
		log.Printf("level=error component=api msg=\"posting failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *CompensationHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *CompensationHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
