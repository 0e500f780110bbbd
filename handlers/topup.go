package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/http"
	"strconv"
	"strings"

	"satgate-backend/config"
	"satgate-backend/metrics"
	"satgate-backend/models"
	"satgate-backend/phoenix"
	"satgate-backend/storage"
)

// TopupNode is the payment-node surface the topup flow needs: minting
// invoices, and checking settlement for claims that arrive without a
// preimage.
type TopupNode interface {
	InvoiceCreator
	GetIncomingPayment(ctx context.Context, paymentHash string) (*phoenix.IncomingPayment, error)
}

// TopupHandler implements the prepaid-balance flow: mint a topup invoice,
// claim it with the preimage, check the balance.
type TopupHandler struct {
	*BaseHandler
	cfg   *config.Config
	node  TopupNode
	store storage.Store
}

// NewTopupHandler wires the topup routes. store may be nil when no
// durable store is configured.
func NewTopupHandler(cfg *config.Config, node TopupNode, store storage.Store) *TopupHandler {
	return &TopupHandler{BaseHandler: NewBaseHandler(), cfg: cfg, node: node, store: store}
}

func (h *TopupHandler) ready(w http.ResponseWriter) bool {
	if h.store == nil {
		h.sendCodeError(w, http.StatusServiceUnavailable, "topup_unavailable", "Topup service is not configured")
		return false
	}
	return true
}

// HandleCreate serves POST /topup. With a Bearer token the invoice is
// bound to that account (a refill); without one, claiming it creates a
// fresh account.
func (h *TopupHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendCodeError(w, http.StatusMethodNotAllowed, "invalid_request", "Method not allowed")
		return
	}
	if !h.ready(w) {
		return
	}

	accountID := ""
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		token, ok := bearerToken(r)
		if !ok {
			h.sendCodeError(w, http.StatusUnauthorized, "invalid_authorization",
				"Topup refill requires Bearer token authorization.")
			return
		}
		id, err := h.store.AccountIDByToken(r.Context(), token)
		if err != nil {
			h.sendStoreError(w, err)
			return
		}
		accountID = id
	}

	var payload struct {
		AmountSats any `json:"amount_sats"`
	}
	if err := h.parseJSON(r, &payload); err != nil {
		h.sendCodeError(w, http.StatusBadRequest, "invalid_request", "Request body must be a JSON object")
		return
	}
	amount, ok := intFromJSON(payload.AmountSats)
	if !ok || amount <= 0 {
		h.sendCodeError(w, http.StatusBadRequest, "invalid_amount", "amount_sats must be a positive integer")
		return
	}

	inv, err := h.node.CreateInvoice(r.Context(), amount, "topup", h.cfg.InvoiceExpiry)
	if err != nil {
		log.Printf("create topup invoice: %v", err)
		metrics.PhoenixErrors.Inc()
		h.sendCodeError(w, http.StatusServiceUnavailable, "phoenix_unavailable", "Payment node is unavailable")
		return
	}
	metrics.InvoicesCreated.WithLabelValues("topup").Inc()

	paymentHash := strings.ToLower(inv.PaymentHash)
	if err := h.store.CreateTopupInvoice(r.Context(), paymentHash, amount, accountID); err != nil {
		h.sendStoreError(w, err)
		return
	}

	w.Header().Set("X-Lightning-Invoice", inv.Serialized)
	w.Header().Set("X-Payment-Hash", paymentHash)
	w.Header().Set("X-Price-Sats", strconv.FormatInt(amount, 10))
	w.Header().Set("X-Topup-Claim-URL", "/topup/claim")
	h.sendJSON(w, http.StatusPaymentRequired, models.PaymentChallenge{
		Status:        "payment_required",
		PaymentMethod: "topup",
		Invoice:       inv.Serialized,
		PaymentHash:   paymentHash,
		AmountSats:    amount,
		ExpiresIn:     h.cfg.InvoiceExpiry,
		ClaimURL:      "/topup/claim",
	})
}

// HandleClaim serves POST /topup/claim. The payment hash is derived from
// the presented preimage, so paying the invoice is the only way to claim.
// Wallets that never surface the preimage may present the payment hash
// instead; it is then checked against the node's settlement record.
func (h *TopupHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendCodeError(w, http.StatusMethodNotAllowed, "invalid_request", "Method not allowed")
		return
	}
	if !h.ready(w) {
		return
	}

	var payload struct {
		Preimage    string  `json:"preimage"`
		PaymentHash string  `json:"payment_hash"`
		Token       *string `json:"token"`
	}
	if err := h.parseJSON(r, &payload); err != nil {
		h.sendCodeError(w, http.StatusBadRequest, "invalid_request", "Request body must be a JSON object")
		return
	}

	var paymentHash string
	switch {
	case strings.TrimSpace(payload.Preimage) != "":
		preimageBytes, err := hex.DecodeString(strings.TrimSpace(payload.Preimage))
		if err != nil || len(preimageBytes) != 32 {
			h.sendCodeError(w, http.StatusBadRequest, "invalid_payment", "Preimage must be 32 hex-encoded bytes")
			return
		}
		digest := sha256.Sum256(preimageBytes)
		paymentHash = hex.EncodeToString(digest[:])
	case strings.TrimSpace(payload.PaymentHash) != "":
		paymentHash = strings.ToLower(strings.TrimSpace(payload.PaymentHash))
		payment, err := h.node.GetIncomingPayment(r.Context(), paymentHash)
		if err != nil || !payment.IsPaid {
			h.sendCodeError(w, http.StatusBadRequest, "invalid_payment", "Payment not found or not settled")
			return
		}
	default:
		h.sendCodeError(w, http.StatusBadRequest, "invalid_payment", "Missing preimage or payment_hash")
		return
	}

	token := ""
	if payload.Token != nil {
		token = strings.TrimSpace(*payload.Token)
		if token == "" {
			h.sendCodeError(w, http.StatusUnauthorized, "invalid_token", "token must be a non-empty string")
			return
		}
	}

	claim, err := h.store.ClaimTopupInvoice(r.Context(), paymentHash, token)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, models.TopupClaimResponse{
		Token:       claim.Token,
		BalanceSats: claim.BalanceSats,
	})
}

// HandleBalance serves GET /topup/balance for a Bearer token.
func (h *TopupHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendCodeError(w, http.StatusMethodNotAllowed, "invalid_request", "Method not allowed")
		return
	}
	if !h.ready(w) {
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		h.sendCodeError(w, http.StatusUnauthorized, "invalid_authorization", "Bearer token required")
		return
	}
	accountID, err := h.store.AccountIDByToken(r.Context(), token)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	info, err := h.store.AccountInfo(r.Context(), accountID)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]any{"balance_sats": info.BalanceSats})
}

func intFromJSON(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
