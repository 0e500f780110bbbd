package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"satgate-backend/l402"
	"satgate-backend/phoenix"
	"satgate-backend/services"
)

// BalanceChecker is the slice of the payment node the health check needs.
type BalanceChecker interface {
	GetBalance(ctx context.Context) (*phoenix.Balance, error)
}

// SystemHandler serves health, the pricing catalog, and invoice QR codes.
type SystemHandler struct {
	*BaseHandler
	node    BalanceChecker
	guard   *l402.ReplayGuard
	catalog *services.CatalogService
	hasDB   bool
}

// NewSystemHandler wires the system routes.
func NewSystemHandler(node BalanceChecker, guard *l402.ReplayGuard, catalog *services.CatalogService, hasDB bool) *SystemHandler {
	return &SystemHandler{
		BaseHandler: NewBaseHandler(),
		node:        node,
		guard:       guard,
		catalog:     catalog,
		hasDB:       hasDB,
	}
}

// HandleHealth serves GET /health. Unreachable payment node means the
// gateway cannot sell anything, so that is a 503.
func (h *SystemHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendCodeError(w, http.StatusMethodNotAllowed, "invalid_request", "Method not allowed")
		return
	}
	balance, err := h.node.GetBalance(r.Context())
	if err != nil {
		h.sendCodeError(w, http.StatusServiceUnavailable, "phoenix_unavailable", err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"phoenix":   map[string]any{"ok": true, "balance_sat": balance.BalanceSat},
		"invoices":  map[string]any{"tracked_hashes": h.guard.Len()},
		"topup":     map[string]any{"enabled": h.hasDB, "ready": h.hasDB},
	})
}

// HandleCatalog serves GET /api/catalog.
func (h *SystemHandler) HandleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendCodeError(w, http.StatusMethodNotAllowed, "invalid_request", "Method not allowed")
		return
	}
	h.sendJSON(w, http.StatusOK, h.catalog.Build(r.Context()))
}

// HandleQRCode serves GET /api/qrcode?data=lnbc...&size=256 as PNG.
func (h *SystemHandler) HandleQRCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendCodeError(w, http.StatusMethodNotAllowed, "invalid_request", "Method not allowed")
		return
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	png, err := services.InvoiceQR(r.URL.Query().Get("data"), size)
	if err != nil {
		h.sendCodeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}
