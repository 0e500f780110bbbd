package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satgate-backend/models"
	"satgate-backend/storage"
)

type topupFixture struct {
	handler *TopupHandler
	node    *fakeNode
	store   *storage.MemStore
}

func newTopupFixture(t *testing.T) *topupFixture {
	t.Helper()
	node := newFakeNode()
	store := storage.NewMemStore()
	return &topupFixture{
		handler: NewTopupHandler(gateConfig(), node, store),
		node:    node,
		store:   store,
	}
}

func doTopup(h http.HandlerFunc, method, path, body, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTopupCreateThenClaim(t *testing.T) {
	f := newTopupFixture(t)

	rec := doTopup(f.handler.HandleCreate, "POST", "/topup", `{"amount_sats":500}`, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var challenge models.PaymentChallenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	assert.Equal(t, "topup", challenge.PaymentMethod)
	assert.Equal(t, int64(500), challenge.AmountSats)
	assert.Equal(t, "/topup/claim", challenge.ClaimURL)
	assert.Equal(t, "/topup/claim", rec.Header().Get("X-Topup-Claim-URL"))

	preimage := f.node.preimages[challenge.PaymentHash]
	rec = doTopup(f.handler.HandleClaim, "POST", "/topup/claim",
		fmt.Sprintf(`{"preimage":%q}`, preimage), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var claim models.TopupClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.True(t, strings.HasPrefix(claim.Token, "sat_"))
	assert.Equal(t, int64(500), claim.BalanceSats)

	// Balance endpoint agrees.
	rec = doTopup(f.handler.HandleBalance, "GET", "/topup/balance", "", "Bearer "+claim.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal struct {
		BalanceSats int64 `json:"balance_sats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, int64(500), bal.BalanceSats)

	// Claiming the same invoice again fails.
	rec = doTopup(f.handler.HandleClaim, "POST", "/topup/claim",
		fmt.Sprintf(`{"preimage":%q}`, preimage), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "payment_already_used", errorCode(t, rec))
}

func TestTopupClaimByPaymentHash(t *testing.T) {
	f := newTopupFixture(t)

	rec := doTopup(f.handler.HandleCreate, "POST", "/topup", `{"amount_sats":300}`, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var challenge models.PaymentChallenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))

	// The hash alone proves nothing until the node reports settlement.
	rec = doTopup(f.handler.HandleClaim, "POST", "/topup/claim",
		fmt.Sprintf(`{"payment_hash":%q}`, challenge.PaymentHash), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_payment", errorCode(t, rec))

	f.node.paid[challenge.PaymentHash] = true
	rec = doTopup(f.handler.HandleClaim, "POST", "/topup/claim",
		fmt.Sprintf(`{"payment_hash":%q}`, challenge.PaymentHash), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var claim models.TopupClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.True(t, strings.HasPrefix(claim.Token, "sat_"))
	assert.Equal(t, int64(300), claim.BalanceSats)

	// A hash the node has never seen is refused.
	rec = doTopup(f.handler.HandleClaim, "POST", "/topup/claim",
		fmt.Sprintf(`{"payment_hash":%q}`, mustRandomHash(t)), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_payment", errorCode(t, rec))
}

func TestTopupRefillBoundToAccount(t *testing.T) {
	f := newTopupFixture(t)

	// First topup creates the account.
	rec := doTopup(f.handler.HandleCreate, "POST", "/topup", `{"amount_sats":300}`, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var first models.PaymentChallenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	rec = doTopup(f.handler.HandleClaim, "POST", "/topup/claim",
		fmt.Sprintf(`{"preimage":%q}`, f.node.preimages[first.PaymentHash]), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var claim models.TopupClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))

	// Refill bound to that account.
	rec = doTopup(f.handler.HandleCreate, "POST", "/topup", `{"amount_sats":200}`, "Bearer "+claim.Token)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var refill models.PaymentChallenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refill))
	preimage := f.node.preimages[refill.PaymentHash]

	// Claiming a bound invoice without the token is refused.
	rec = doTopup(f.handler.HandleClaim, "POST", "/topup/claim",
		fmt.Sprintf(`{"preimage":%q}`, preimage), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_token", errorCode(t, rec))

	// With the right token the balance accumulates.
	rec = doTopup(f.handler.HandleClaim, "POST", "/topup/claim",
		fmt.Sprintf(`{"preimage":%q,"token":%q}`, preimage, claim.Token), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var refilled models.TopupClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refilled))
	assert.Equal(t, claim.Token, refilled.Token)
	assert.Equal(t, int64(500), refilled.BalanceSats)
}

func TestTopupClaimRejectsBadPreimage(t *testing.T) {
	f := newTopupFixture(t)

	cases := []struct {
		name     string
		body     string
		status   int
		wantCode string
	}{
		{"missing", `{}`, 400, "invalid_payment"},
		{"not hex", `{"preimage":"zzzz"}`, 400, "invalid_payment"},
		{"wrong length", `{"preimage":"abcd"}`, 400, "invalid_payment"},
		{"empty token", `{"preimage":"` + strings.Repeat("ab", 32) + `","token":""}`, 401, "invalid_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doTopup(f.handler.HandleClaim, "POST", "/topup/claim", tc.body, "")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.wantCode, errorCode(t, rec))
		})
	}

	// Well-formed preimage with no matching invoice.
	preimage := make([]byte, 32)
	rand.Read(preimage)
	rec := doTopup(f.handler.HandleClaim, "POST", "/topup/claim",
		fmt.Sprintf(`{"preimage":%q}`, hex.EncodeToString(preimage)), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_payment", errorCode(t, rec))
}

func TestTopupCreateRejectsBadAmount(t *testing.T) {
	f := newTopupFixture(t)
	for _, body := range []string{`{}`, `{"amount_sats":0}`, `{"amount_sats":-5}`, `{"amount_sats":"lots"}`} {
		rec := doTopup(f.handler.HandleCreate, "POST", "/topup", body, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
		assert.Equal(t, "invalid_amount", errorCode(t, rec))
	}
	assert.Empty(t, f.node.preimages)
}

func TestTopupAmountAsString(t *testing.T) {
	f := newTopupFixture(t)
	rec := doTopup(f.handler.HandleCreate, "POST", "/topup", `{"amount_sats":"250"}`, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var challenge models.PaymentChallenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	assert.Equal(t, int64(250), challenge.AmountSats)
}

func TestTopupWithoutStore(t *testing.T) {
	h := NewTopupHandler(gateConfig(), newFakeNode(), nil)
	rec := doTopup(h.HandleCreate, "POST", "/topup", `{"amount_sats":100}`, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "topup_unavailable", errorCode(t, rec))
}
