package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satgate-backend/l402"
	"satgate-backend/phoenix"
	"satgate-backend/services"
)

type fakeBalance struct {
	sats int64
	fail bool
}

func (b *fakeBalance) GetBalance(_ context.Context) (*phoenix.Balance, error) {
	if b.fail {
		return nil, context.DeadlineExceeded
	}
	return &phoenix.Balance{BalanceSat: b.sats}, nil
}

func newSystemFixture(node *fakeBalance) *SystemHandler {
	guard := l402.NewReplayGuard(time.Hour, time.Minute)
	btc := services.NewBTCPriceService("http://127.0.0.1:1/unreachable", time.Minute)
	catalog := services.NewCatalogService(gateConfig(), btc)
	return NewSystemHandler(node, guard, catalog, true)
}

func TestHealth(t *testing.T) {
	h := newSystemFixture(&fakeBalance{sats: 123456})
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	phx := body["phoenix"].(map[string]any)
	assert.Equal(t, float64(123456), phx["balance_sat"])
	topup := body["topup"].(map[string]any)
	assert.Equal(t, true, topup["enabled"])
}

func TestHealthPhoenixDown(t *testing.T) {
	h := newSystemFixture(&fakeBalance{fail: true})
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "phoenix_unavailable", errorCode(t, rec))
}

func TestCatalogListsConfiguredEndpoints(t *testing.T) {
	h := newSystemFixture(&fakeBalance{sats: 1})
	rec := httptest.NewRecorder()
	h.HandleCatalog(rec, httptest.NewRequest("GET", "/api/catalog", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var catalog services.Catalog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalog))
	require.Contains(t, catalog.APIs, "openai")
	assert.Equal(t, "openai", catalog.APIs["openai"].Name)
	assert.Len(t, catalog.APIs["openai"].Endpoints, 2)
}

func TestQRCodeServesPNG(t *testing.T) {
	h := newSystemFixture(&fakeBalance{sats: 1})
	rec := httptest.NewRecorder()
	h.HandleQRCode(rec, httptest.NewRequest("GET", "/api/qrcode?data=lnbc1examplepayload&size=256", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestQRCodeRejectsEmptyData(t *testing.T) {
	h := newSystemFixture(&fakeBalance{sats: 1})
	rec := httptest.NewRecorder()
	h.HandleQRCode(rec, httptest.NewRequest("GET", "/api/qrcode", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
