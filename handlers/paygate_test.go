package handlers

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satgate-backend/config"
	"satgate-backend/l402"
	"satgate-backend/models"
	"satgate-backend/phoenix"
	"satgate-backend/storage"
)

var testKey = []byte("test-root-key-test-root-key-1234")

// fakeNode mints invoices whose preimages the test controls.
type fakeNode struct {
	preimages map[string]string // payment hash -> preimage
	paid      map[string]bool
	fail      bool
}

func newFakeNode() *fakeNode {
	return &fakeNode{preimages: map[string]string{}, paid: map[string]bool{}}
}

func (n *fakeNode) GetIncomingPayment(_ context.Context, paymentHash string) (*phoenix.IncomingPayment, error) {
	preimage, ok := n.preimages[paymentHash]
	if !ok {
		return nil, fmt.Errorf("no incoming payment for %s", paymentHash)
	}
	return &phoenix.IncomingPayment{
		PaymentHash: paymentHash,
		Preimage:    preimage,
		IsPaid:      n.paid[paymentHash],
	}, nil
}

func (n *fakeNode) CreateInvoice(_ context.Context, amountSat int64, description string, _ int) (*phoenix.Invoice, error) {
	if n.fail {
		return nil, context.DeadlineExceeded
	}
	preimage := make([]byte, 32)
	rand.Read(preimage)
	digest := sha256.Sum256(preimage)
	hash := hex.EncodeToString(digest[:])
	n.preimages[hash] = hex.EncodeToString(preimage)
	return &phoenix.Invoice{
		AmountSat:   amountSat,
		PaymentHash: hash,
		Serialized:  "lnbc_fake_" + hash[:8],
	}, nil
}

// fakeUpstream records what would have been forwarded.
type fakeUpstream struct {
	calls  int
	body   []byte
	path   string
	status int
}

func (u *fakeUpstream) Forward(_ context.Context, w http.ResponseWriter, _ *config.API, normalizedPath, _ string, body []byte, _ string) *models.APIError {
	u.calls++
	u.body = body
	u.path = normalizedPath
	status := u.status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"ok":true}`))
	return nil
}

func gateConfig() *config.Config {
	return &config.Config{
		MaxRequestBytes: 32768,
		InvoiceExpiry:   600,
		PriceFloorSats:  20,
		APIs: map[string]*config.API{
			"openai": {
				Name:         "openai",
				UpstreamBase: "https://api.openai.com",
				AuthHeader:   "Authorization",
				AuthPrefix:   "Bearer ",
				APIKeyEnv:    "OPENAI_API_KEY",
				Endpoints: []*config.Endpoint{
					{
						Path:      "/v1/chat/completions",
						Method:    "POST",
						PriceType: "per_model",
						Models: map[string]*config.Model{
							"gpt-4o":   {PriceSats: 100, MaxOutputTokens: 4096},
							"_default": {PriceSats: 50, MaxOutputTokens: 1024},
						},
					},
					{
						Path:            "/v1/embeddings",
						Method:          "POST",
						PriceType:       "flat",
						PriceSats:       25,
						MaxRequestBytes: 200,
					},
				},
			},
		},
	}
}

type gateFixture struct {
	handler  *PaygateHandler
	node     *fakeNode
	upstream *fakeUpstream
	store    *storage.MemStore
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	node := newFakeNode()
	upstream := &fakeUpstream{}
	store := storage.NewMemStore()
	guard := l402.NewReplayGuard(time.Hour, time.Minute)
	verifier := l402.NewVerifier(testKey, guard)
	h := NewPaygateHandler(gateConfig(), testKey, "https://satgate.test", verifier, node, store, upstream)
	return &gateFixture{handler: h, node: node, upstream: upstream, store: store}
}

func doGate(f *gateFixture, method, path, body, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	f.handler.Handle(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body models.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestPaygateChallengeThenRedeem(t *testing.T) {
	f := newGateFixture(t)
	reqBody := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`

	// No proof: 402 with invoice, credential, and headers.
	rec := doGate(f, "POST", "/openai/v1/chat/completions", reqBody, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Zero(t, f.upstream.calls)

	var challenge models.PaymentChallenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	assert.Equal(t, "payment_required", challenge.Status)
	assert.Equal(t, int64(100), challenge.AmountSats)
	assert.Equal(t, challenge.Invoice, rec.Header().Get("X-Lightning-Invoice"))
	assert.Equal(t, challenge.PaymentHash, rec.Header().Get("X-Payment-Hash"))
	assert.Equal(t, "100", rec.Header().Get("X-Price-Sats"))

	authHeader := rec.Header().Get("WWW-Authenticate")
	require.True(t, strings.HasPrefix(authHeader, "L402 macaroon="))
	macB64 := extractQuoted(t, authHeader, "macaroon")

	// Pay, then re-present the same request with the proof.
	preimage := f.node.preimages[challenge.PaymentHash]
	rec = doGate(f, "POST", "/openai/v1/chat/completions", reqBody, "L402 "+macB64+":"+preimage)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.upstream.calls)
	assert.Equal(t, "/v1/chat/completions", f.upstream.path)

	// Replay of the same proof is refused.
	rec = doGate(f, "POST", "/openai/v1/chat/completions", reqBody, "L402 "+macB64+":"+preimage)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "payment_already_used", errorCode(t, rec))
	assert.Equal(t, 1, f.upstream.calls)
}

func TestPaygateCheaperModelCredentialRejectedForPricierRequest(t *testing.T) {
	f := newGateFixture(t)

	// Priced for the default model (50 sats).
	rec := doGate(f, "POST", "/openai/v1/chat/completions",
		`{"model":"something-cheap","messages":[{"role":"user","content":"hi"}]}`, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var challenge models.PaymentChallenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	require.Equal(t, int64(50), challenge.AmountSats)

	macB64 := extractQuoted(t, rec.Header().Get("WWW-Authenticate"), "macaroon")
	preimage := f.node.preimages[challenge.PaymentHash]

	// Re-presented with a pricier model: re-priced, then rejected.
	rec = doGate(f, "POST", "/openai/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, "L402 "+macB64+":"+preimage)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_l402", errorCode(t, rec))
	assert.Zero(t, f.upstream.calls)
}

func TestPaygateBearerSpendsBalance(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	hash := mustRandomHash(t)
	require.NoError(t, f.store.CreateTopupInvoice(ctx, hash, 120, ""))
	claim, err := f.store.ClaimTopupInvoice(ctx, hash, "")
	require.NoError(t, err)

	reqBody := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	rec := doGate(f, "POST", "/openai/v1/chat/completions", reqBody, "Bearer "+claim.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.upstream.calls)

	// 20 sats left, price is 100: refused with the balance attached.
	rec = doGate(f, "POST", "/openai/v1/chat/completions", reqBody, "Bearer "+claim.Token)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_balance", errorCode(t, rec))
	assert.Equal(t, 1, f.upstream.calls)
}

func TestPaygateValidationBeforeInvoice(t *testing.T) {
	f := newGateFixture(t)

	cases := []struct {
		name     string
		path     string
		body     string
		status   int
		wantCode string
	}{
		{"unknown api", "/nosuch/v1/chat/completions", `{}`, 404, "api_not_found"},
		{"unknown endpoint", "/openai/v1/nonsense", `{}`, 404, "api_not_found"},
		{"missing field", "/openai/v1/chat/completions", `{"model":"gpt-4o"}`, 400, "missing_required_field"},
		{"bad json", "/openai/v1/chat/completions", `{not json`, 400, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doGate(f, "POST", tc.path, tc.body, "")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.wantCode, errorCode(t, rec))
		})
	}
	assert.Empty(t, f.node.preimages, "no invoice may be created for invalid requests")
}

func TestPaygateOversizedBodyRejectedBeforeInvoice(t *testing.T) {
	f := newGateFixture(t)
	big := bytes.Repeat([]byte("x"), 300)
	body := `{"input":"` + string(big) + `"}`

	rec := doGate(f, "POST", "/openai/v1/embeddings", body, "")
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "request_too_large", errorCode(t, rec))
	assert.Empty(t, f.node.preimages)
}

func TestPaygateTokenCapClampedInForwardedBody(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	hash := mustRandomHash(t)
	require.NoError(t, f.store.CreateTopupInvoice(ctx, hash, 1000, ""))
	claim, err := f.store.ClaimTopupInvoice(ctx, hash, "")
	require.NoError(t, err)

	rec := doGate(f, "POST", "/openai/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"max_tokens":999999}`,
		"Bearer "+claim.Token)
	require.Equal(t, http.StatusOK, rec.Code)

	var forwarded map[string]any
	require.NoError(t, json.Unmarshal(f.upstream.body, &forwarded))
	assert.Equal(t, float64(4096), forwarded["max_tokens"])
}

func TestPaygatePhoenixDown(t *testing.T) {
	f := newGateFixture(t)
	f.node.fail = true
	rec := doGate(f, "POST", "/openai/v1/embeddings", `{"input":"hello"}`, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "phoenix_unavailable", errorCode(t, rec))
}

func TestPaygateUnsupportedAuthScheme(t *testing.T) {
	f := newGateFixture(t)
	rec := doGate(f, "POST", "/openai/v1/embeddings", `{"input":"hello"}`, "Basic dXNlcjpwdw==")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_authorization", errorCode(t, rec))
}

func extractQuoted(t *testing.T, header, key string) string {
	t.Helper()
	idx := strings.Index(header, key+"=\"")
	require.GreaterOrEqual(t, idx, 0, "header %q missing %s", header, key)
	rest := header[idx+len(key)+2:]
	end := strings.Index(rest, "\"")
	require.GreaterOrEqual(t, end, 0)
	return rest[:end]
}

func mustRandomHash(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return hex.EncodeToString(b)
}
