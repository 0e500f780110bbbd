// Package handlers contains the HTTP surface: the payment-gated proxy,
// topup, the hire marketplace, and the system endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"satgate-backend/models"
	"satgate-backend/storage"
)

// BaseHandler provides common functionality for all handlers
type BaseHandler struct{}

// NewBaseHandler creates a new base handler
func NewBaseHandler() *BaseHandler {
	return &BaseHandler{}
}

// sendJSON sends a JSON response
func (h *BaseHandler) sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// sendSuccess sends a success envelope (marketplace and utility routes).
func (h *BaseHandler) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.sendJSON(w, http.StatusOK, models.NewSuccessResponse(data))
}

// sendError sends an error envelope (marketplace and utility routes).
func (h *BaseHandler) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, models.NewErrorResponse(message, statusCode))
}

// sendCodeError sends the payment-path error shape:
// {"error":{"code":"...","message":"..."}}. L402 clients parse this.
func (h *BaseHandler) sendCodeError(w http.ResponseWriter, statusCode int, code, message string) {
	h.sendJSON(w, statusCode, models.ErrorBody{Error: models.ErrorDetail{Code: code, Message: message}})
}

// sendAPIError writes a typed APIError in the payment-path shape.
func (h *BaseHandler) sendAPIError(w http.ResponseWriter, apiErr *models.APIError) {
	h.sendCodeError(w, apiErr.Status, apiErr.Code, apiErr.Message)
}

// parseJSON parses JSON from request
func (h *BaseHandler) parseJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// bearerToken extracts a Bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), strings.TrimSpace(token) != ""
}

// sendStoreError maps storage errors to HTTP responses in the payment-path
// shape. Unknown errors become a 503 so callers retry.
func (h *BaseHandler) sendStoreError(w http.ResponseWriter, err error) {
	var insufficient *storage.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		h.sendJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": map[string]any{
				"code":          "insufficient_balance",
				"message":       insufficient.Error(),
				"balance_sats":  insufficient.BalanceSats,
				"required_sats": insufficient.RequiredSats,
			},
		})
	case errors.Is(err, storage.ErrNotFound):
		h.sendCodeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrForbidden):
		h.sendCodeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, storage.ErrInvalidState):
		h.sendCodeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, storage.ErrInvalidToken):
		h.sendCodeError(w, http.StatusUnauthorized, "invalid_token", "Unknown account token")
	case errors.Is(err, storage.ErrMissingToken):
		h.sendCodeError(w, http.StatusBadRequest, "missing_token", "This topup invoice requires its account's Bearer token")
	case errors.Is(err, storage.ErrInvalidPayment):
		h.sendCodeError(w, http.StatusBadRequest, "invalid_payment", "No claimable topup invoice for this payment")
	case errors.Is(err, storage.ErrAlreadyClaimed):
		h.sendCodeError(w, http.StatusBadRequest, "payment_already_used", "This topup invoice has already been claimed")
	case errors.Is(err, storage.ErrNothingToSet):
		h.sendCodeError(w, http.StatusBadRequest, "invalid_request", "Nothing to update")
	default:
		h.sendCodeError(w, http.StatusServiceUnavailable, "storage_unavailable", "Storage is temporarily unavailable")
	}
}
