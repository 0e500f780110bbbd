package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"satgate-backend/metrics"
	"satgate-backend/phoenix"
	"satgate-backend/storage"
)

// InvoicePayer is the slice of the payment node the collect endpoint
// needs.
type InvoicePayer interface {
	PayInvoice(ctx context.Context, invoice string) (*phoenix.PaymentResult, error)
}

// HireHandler exposes the task marketplace: tasks, quotes, escrow, quote
// messages, deliveries, and balance withdrawal. All state transitions are
// enforced by the store; this layer only does auth and shape.
type HireHandler struct {
	*BaseHandler
	store storage.Store
	payer InvoicePayer
}

// NewHireHandler wires the marketplace routes.
func NewHireHandler(store storage.Store, payer InvoicePayer) *HireHandler {
	return &HireHandler{BaseHandler: NewBaseHandler(), store: store, payer: payer}
}

// hireError maps storage errors onto the marketplace envelope.
func (h *HireHandler) hireError(w http.ResponseWriter, err error) {
	var insufficient *storage.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		h.sendError(w, http.StatusPaymentRequired, insufficient.Error())
	case errors.Is(err, storage.ErrNotFound):
		h.sendError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrForbidden):
		h.sendError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, storage.ErrInvalidState):
		h.sendError(w, http.StatusConflict, "conflict: invalid state for this operation")
	case errors.Is(err, storage.ErrInvalidToken):
		h.sendError(w, http.StatusUnauthorized, "invalid account token")
	case errors.Is(err, storage.ErrNothingToSet):
		h.sendError(w, http.StatusBadRequest, "nothing to update")
	default:
		h.sendError(w, http.StatusServiceUnavailable, "storage is temporarily unavailable")
	}
}

// caller resolves the Bearer token to an account ID.
func (h *HireHandler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, ok := bearerToken(r)
	if !ok {
		h.sendError(w, http.StatusUnauthorized, "Bearer token required")
		return "", false
	}
	accountID, err := h.store.AccountIDByToken(r.Context(), token)
	if err != nil {
		h.hireError(w, err)
		return "", false
	}
	return accountID, true
}

// Handle dispatches everything under /api/hire/.
func (h *HireHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.sendError(w, http.StatusServiceUnavailable, "marketplace is not configured")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/hire"), "/")
	parts := []string{}
	if rest != "" {
		parts = strings.Split(rest, "/")
	}

	switch {
	case len(parts) == 1 && parts[0] == "me":
		h.handleMe(w, r)
	case len(parts) == 1 && parts[0] == "collect":
		h.handleCollect(w, r)
	case len(parts) == 1 && parts[0] == "tasks":
		switch r.Method {
		case http.MethodGet:
			h.handleListTasks(w, r)
		case http.MethodPost:
			h.handleCreateTask(w, r)
		default:
			h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	case len(parts) == 2 && parts[0] == "tasks":
		h.handleGetTask(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "tasks" && parts[2] == "quotes":
		h.handleCreateQuote(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "tasks" && parts[2] == "deliver":
		h.handleDeliver(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "tasks" && parts[2] == "confirm":
		h.handleConfirm(w, r, parts[1])
	case len(parts) == 4 && parts[0] == "tasks" && parts[2] == "quotes":
		h.handleUpdateQuote(w, r, parts[1], parts[3])
	case len(parts) == 5 && parts[0] == "tasks" && parts[2] == "quotes" && parts[4] == "accept":
		h.handleAcceptQuote(w, r, parts[1], parts[3])
	case len(parts) == 5 && parts[0] == "tasks" && parts[2] == "quotes" && parts[4] == "messages":
		h.handleMessages(w, r, parts[1], parts[3])
	default:
		h.sendError(w, http.StatusNotFound, "not found")
	}
}

func (h *HireHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	info, err := h.store.AccountInfo(r.Context(), accountID)
	if err != nil {
		h.hireError(w, err)
		return
	}
	h.sendSuccess(w, info)
}

func (h *HireHandler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var payload struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		BudgetSats  int64  `json:"budget_sats"`
	}
	if err := h.parseJSON(r, &payload); err != nil {
		h.sendError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}
	if strings.TrimSpace(payload.Title) == "" {
		h.sendError(w, http.StatusBadRequest, "title is required")
		return
	}
	if payload.BudgetSats <= 0 {
		h.sendError(w, http.StatusBadRequest, "budget_sats must be a positive integer")
		return
	}
	task, err := h.store.CreateTask(r.Context(), accountID, payload.Title, payload.Description, payload.BudgetSats)
	if err != nil {
		h.hireError(w, err)
		return
	}
	h.sendSuccess(w, task)
}

func (h *HireHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	tasks, err := h.store.ListTasks(r.Context(), status)
	if err != nil {
		h.hireError(w, err)
		return
	}
	h.sendSuccess(w, map[string]any{"tasks": tasks})
}

func (h *HireHandler) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	detail, err := h.store.GetTaskDetail(r.Context(), taskID)
	if err != nil {
		h.hireError(w, err)
		return
	}
	h.sendSuccess(w, detail)
}

func (h *HireHandler) handleCreateQuote(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var payload struct {
		PriceSats   int64  `json:"price_sats"`
		Description string `json:"description"`
	}
	if err := h.parseJSON(r, &payload); err != nil {
		h.sendError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}
	if payload.PriceSats <= 0 {
		h.sendError(w, http.StatusBadRequest, "price_sats must be a positive integer")
		return
	}
	quote, err := h.store.CreateQuote(r.Context(), taskID, accountID, payload.PriceSats, payload.Description)
	if err != nil {
		h.hireError(w, err)
		return
	}
	h.sendSuccess(w, quote)
}

func (h *HireHandler) handleUpdateQuote(w http.ResponseWriter, r *http.Request, taskID, quoteID string) {
	if r.Method != http.MethodPut && r.Method != http.MethodPatch {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var payload struct {
		PriceSats   *int64  `json:"price_sats"`
		Description *string `json:"description"`
	}
	if err := h.parseJSON(r, &payload); err != nil {
		h.sendError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}
	if payload.PriceSats != nil && *payload.PriceSats <= 0 {
		h.sendError(w, http.StatusBadRequest, "price_sats must be a positive integer")
		return
	}
	quote, err := h.store.UpdateQuote(r.Context(), taskID, quoteID, accountID, storage.QuoteUpdate{
		PriceSats:   payload.PriceSats,
		Description: payload.Description,
	})
	if err != nil {
		h.hireError(w, err)
		return
	}
	h.sendSuccess(w, quote)
}

func (h *HireHandler) handleAcceptQuote(w http.ResponseWriter, r *http.Request, taskID, quoteID string) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	result, err := h.store.AcceptQuote(r.Context(), taskID, quoteID, accountID)
	if err != nil {
		h.hireError(w, err)
		return
	}
	metrics.EscrowSatsLocked.Add(float64(result.EscrowedSats))
	h.sendSuccess(w, result)
}

func (h *HireHandler) handleMessages(w http.ResponseWriter, r *http.Request, taskID, quoteID string) {
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		sinceID, _ := strconv.ParseInt(r.URL.Query().Get("since_id"), 10, 64)
		messages, err := h.store.QuoteMessages(r.Context(), taskID, quoteID, accountID, sinceID)
		if err != nil {
			h.hireError(w, err)
			return
		}
		h.sendSuccess(w, map[string]any{"messages": messages})
	case http.MethodPost:
		var payload struct {
			Body string `json:"body"`
		}
		if err := h.parseJSON(r, &payload); err != nil {
			h.sendError(w, http.StatusBadRequest, "Request body must be a JSON object")
			return
		}
		if strings.TrimSpace(payload.Body) == "" {
			h.sendError(w, http.StatusBadRequest, "body is required")
			return
		}
		msg, err := h.store.SendQuoteMessage(r.Context(), taskID, quoteID, accountID, payload.Body)
		if err != nil {
			h.hireError(w, err)
			return
		}
		h.sendSuccess(w, msg)
	default:
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *HireHandler) handleDeliver(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var payload struct {
		Filename      string `json:"filename"`
		ContentBase64 string `json:"content_base64"`
		Notes         string `json:"notes"`
	}
	if err := h.parseJSON(r, &payload); err != nil {
		h.sendError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}
	delivery, err := h.store.CreateDelivery(r.Context(), taskID, accountID, payload.Filename, payload.ContentBase64, payload.Notes)
	if err != nil {
		h.hireError(w, err)
		return
	}
	h.sendSuccess(w, delivery)
}

func (h *HireHandler) handleConfirm(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	result, err := h.store.ConfirmDelivery(r.Context(), taskID, accountID)
	if err != nil {
		h.hireError(w, err)
		return
	}
	metrics.EscrowSatsReleased.Add(float64(result.ReleasedSats))
	h.sendSuccess(w, result)
}

// handleCollect withdraws balance over Lightning: debit first, pay the
// invoice, and refund the debit if the node payment fails.
func (h *HireHandler) handleCollect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if h.payer == nil {
		h.sendError(w, http.StatusServiceUnavailable, "payment node is not configured")
		return
	}
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var payload struct {
		Invoice    string `json:"invoice"`
		AmountSats int64  `json:"amount_sats"`
	}
	if err := h.parseJSON(r, &payload); err != nil {
		h.sendError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}
	if strings.TrimSpace(payload.Invoice) == "" {
		h.sendError(w, http.StatusBadRequest, "invoice is required")
		return
	}
	if payload.AmountSats <= 0 {
		h.sendError(w, http.StatusBadRequest, "amount_sats must be a positive integer")
		return
	}
	// The node pays whatever the invoice says, so the encoded amount must
	// match the amount being debited. Amountless invoices are refused.
	invoiceSats, err := phoenix.InvoiceAmountSat(payload.Invoice)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "invoice must encode the amount being withdrawn")
		return
	}
	if invoiceSats != payload.AmountSats {
		h.sendError(w, http.StatusBadRequest,
			fmt.Sprintf("invoice is for %d sats, not the requested %d", invoiceSats, payload.AmountSats))
		return
	}

	if err := h.store.DebitAccount(r.Context(), accountID, payload.AmountSats, "hire:collect"); err != nil {
		h.hireError(w, err)
		return
	}
	result, err := h.payer.PayInvoice(r.Context(), payload.Invoice)
	if err != nil {
		metrics.PhoenixErrors.Inc()
		if creditErr := h.store.CreditAccount(r.Context(), accountID, payload.AmountSats, "hire:collect_refund"); creditErr != nil {
			log.Printf("collect refund failed for account %s: %v", accountID, creditErr)
		}
		h.sendError(w, http.StatusServiceUnavailable, "payment failed, balance refunded")
		return
	}
	h.sendSuccess(w, map[string]any{
		"paid":            true,
		"amount_sats":     payload.AmountSats,
		"routing_fee_sat": result.RoutingFeeSat,
		"payment_hash":    result.PaymentHash,
	})
}
