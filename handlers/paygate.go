package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"satgate-backend/config"
	"satgate-backend/l402"
	"satgate-backend/metrics"
	"satgate-backend/models"
	"satgate-backend/phoenix"
	"satgate-backend/pricing"
	"satgate-backend/storage"
)

// InvoiceCreator is the slice of the payment node the gate needs.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, amountSat int64, description string, expirySeconds int) (*phoenix.Invoice, error)
}

// Forwarder sends an authorized request upstream.
type Forwarder interface {
	Forward(ctx context.Context, w http.ResponseWriter, api *config.API, normalizedPath, method string, body []byte, contentType string) *models.APIError
}

// PaygateHandler is the payment-gated proxy: price the request, then
// either verify a presented proof (L402 or prepaid balance) and forward,
// or answer 402 with an invoice and a fresh credential.
type PaygateHandler struct {
	*BaseHandler
	cfg      *config.Config
	rootKey  []byte
	location string
	verifier *l402.Verifier
	node     InvoiceCreator
	store    storage.Store
	upstream Forwarder
}

// NewPaygateHandler wires the gate. store may be nil when no durable store
// is configured; Bearer payment is then refused with topup_unavailable.
func NewPaygateHandler(cfg *config.Config, rootKey []byte, location string, verifier *l402.Verifier, node InvoiceCreator, store storage.Store, upstream Forwarder) *PaygateHandler {
	return &PaygateHandler{
		BaseHandler: NewBaseHandler(),
		cfg:         cfg,
		rootKey:     rootKey,
		location:    location,
		verifier:    verifier,
		node:        node,
		store:       store,
		upstream:    upstream,
	}
}

// Handle serves POST /{api}/{endpoint...} and its /v1 alias.
func (h *PaygateHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendCodeError(w, http.StatusMethodNotAllowed, "invalid_request", "Method not allowed")
		return
	}

	apiName, endpointPath := splitProxyPath(r.URL.Path)
	if apiName == "" || endpointPath == "" {
		h.sendCodeError(w, http.StatusNotFound, "api_not_found", "Requested endpoint is not configured")
		return
	}
	api, ep, normalizedPath := h.cfg.ResolveEndpoint(apiName, endpointPath, r.Method)
	if api == nil || ep == nil {
		h.sendCodeError(w, http.StatusNotFound, "api_not_found", "Requested endpoint is not configured")
		return
	}

	maxBytes := h.cfg.MaxBytesFor(ep)
	body, tooLarge, err := readBody(r, maxBytes)
	if err != nil {
		h.sendCodeError(w, http.StatusBadRequest, "invalid_request", "Request body could not be read")
		return
	}
	if tooLarge {
		h.sendJSON(w, http.StatusRequestEntityTooLarge, models.ErrorBody{Error: models.ErrorDetail{
			Code:     "request_too_large",
			Message:  fmt.Sprintf("Request body exceeds %d bytes", maxBytes),
			MaxBytes: maxBytes,
		}})
		return
	}

	contentType := r.Header.Get("Content-Type")
	isJSON := strings.Contains(contentType, "application/json") || contentType == ""
	requiresJSON := pricing.RequiresJSON(normalizedPath)
	if requiresJSON && !isJSON {
		h.sendCodeError(w, http.StatusBadRequest, "invalid_request", "Request body must be a JSON object")
		return
	}

	parsed := map[string]any{}
	if isJSON && len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			if requiresJSON {
				h.sendCodeError(w, http.StatusBadRequest, "invalid_request", "Request body must be a JSON object")
				return
			}
			parsed = map[string]any{}
		}
	}

	if isJSON {
		if apiErr := pricing.ValidateRequired(normalizedPath, parsed); apiErr != nil {
			h.sendAPIError(w, apiErr)
			return
		}
		if apiErr := pricing.ApplyRequestRules(normalizedPath, ep, parsed); apiErr != nil {
			h.sendAPIError(w, apiErr)
			return
		}
		// Forward the normalized body, not the caller's original.
		if len(body) > 0 || requiresJSON {
			normalized, err := json.Marshal(parsed)
			if err != nil {
				h.sendCodeError(w, http.StatusInternalServerError, "server_error", "Could not encode request body")
				return
			}
			body = normalized
			contentType = "application/json"
		}
	}

	price, apiErr := pricing.PriceForRequest(h.cfg, ep, parsed)
	if apiErr != nil {
		h.sendAPIError(w, apiErr)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	switch {
	case strings.HasPrefix(authHeader, "L402 ") || strings.HasPrefix(authHeader, "l402 "):
		if apiErr := h.verifier.Verify(authHeader, price); apiErr != nil {
			if apiErr.Code == "payment_already_used" {
				metrics.ReplaysRejected.Inc()
			}
			h.sendAPIError(w, apiErr)
			return
		}
		metrics.PaymentsRedeemed.Inc()

	case strings.HasPrefix(strings.ToLower(authHeader), "bearer "):
		if h.store == nil {
			h.sendCodeError(w, http.StatusServiceUnavailable, "topup_unavailable", "Topup service is not configured")
			return
		}
		token, _ := bearerToken(r)
		if _, err := h.store.DebitToken(r.Context(), token, price, "proxy:"+normalizedPath); err != nil {
			h.sendStoreError(w, err)
			return
		}
		metrics.BalanceSpends.Inc()

	case authHeader != "":
		h.sendCodeError(w, http.StatusUnauthorized, "invalid_authorization",
			"Unsupported authorization scheme. Use Bearer or L402 authorization, or omit Authorization.")
		return

	default:
		h.sendChallenge(w, r, normalizedPath, price)
		return
	}

	if apiErr := h.upstream.Forward(r.Context(), w, api, normalizedPath, ep.Method, body, contentType); apiErr != nil {
		h.sendAPIError(w, apiErr)
	}
}

// sendChallenge answers 402 with a fresh invoice and credential. Nothing
// durable is stored; the caller re-presents the request with the proof.
func (h *PaygateHandler) sendChallenge(w http.ResponseWriter, r *http.Request, normalizedPath string, price int64) {
	inv, err := h.node.CreateInvoice(r.Context(), price, normalizedPath, h.cfg.InvoiceExpiry)
	if err != nil {
		log.Printf("create invoice: %v", err)
		metrics.PhoenixErrors.Inc()
		h.sendCodeError(w, http.StatusServiceUnavailable, "phoenix_unavailable", "Payment node is unavailable")
		return
	}
	metrics.InvoicesCreated.WithLabelValues("l402").Inc()

	m, err := l402.MintPaymentMacaroon(h.rootKey, h.location, inv.PaymentHash, price)
	if err != nil {
		h.sendCodeError(w, http.StatusInternalServerError, "server_error", "Could not mint credential")
		return
	}
	macB64, err := m.Serialize()
	if err != nil {
		h.sendCodeError(w, http.StatusInternalServerError, "server_error", "Could not mint credential")
		return
	}

	w.Header().Set("WWW-Authenticate", fmt.Sprintf("L402 macaroon=%q, invoice=%q", macB64, inv.Serialized))
	w.Header().Set("X-Lightning-Invoice", inv.Serialized)
	w.Header().Set("X-Payment-Hash", inv.PaymentHash)
	w.Header().Set("X-Price-Sats", strconv.FormatInt(price, 10))
	if h.store != nil {
		w.Header().Set("X-Topup-URL", h.location+"/topup")
	}
	h.sendJSON(w, http.StatusPaymentRequired, models.PaymentChallenge{
		Status:      "payment_required",
		Invoice:     inv.Serialized,
		PaymentHash: inv.PaymentHash,
		AmountSats:  price,
		ExpiresIn:   h.cfg.InvoiceExpiry,
	})
}

// splitProxyPath splits /{api}/{endpoint...}, tolerating a /v1 prefix
// before the API name.
func splitProxyPath(path string) (apiName, endpointPath string) {
	trimmed := strings.TrimPrefix(path, "/")
	trimmed = strings.TrimPrefix(trimmed, "v1/")
	apiName, endpointPath, ok := strings.Cut(trimmed, "/")
	if !ok {
		return apiName, ""
	}
	return apiName, "/" + endpointPath
}

// readBody reads up to max bytes and reports whether the body exceeded
// the cap.
func readBody(r *http.Request, max int64) (body []byte, tooLarge bool, err error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > max {
		return nil, true, nil
	}
	return data, false, nil
}
