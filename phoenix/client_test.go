package phoenix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/createinvoice", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "", user)
		assert.Equal(t, "hunter2", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "150", r.PostForm.Get("amountSat"))
		assert.Equal(t, "chat request", r.PostForm.Get("description"))
		assert.Equal(t, "600", r.PostForm.Get("expirySeconds"))

		w.Write([]byte(`{"amountSat":150,"paymentHash":"ab12","serialized":"lnbc1500n1..."}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "hunter2")
	inv, err := c.CreateInvoice(context.Background(), 150, "chat request", 600)
	require.NoError(t, err)
	assert.Equal(t, int64(150), inv.AmountSat)
	assert.Equal(t, "ab12", inv.PaymentHash)
	assert.Equal(t, "lnbc1500n1...", inv.Serialized)
}

func TestCreateInvoiceIncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"amountSat":150}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "x").CreateInvoice(context.Background(), 150, "d", 0)
	assert.Error(t, err)
}

func TestGetIncomingPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/incoming/cafe01", r.URL.Path)
		w.Write([]byte(`{"paymentHash":"cafe01","preimage":"beef","isPaid":true,"receivedSat":500}`))
	}))
	defer srv.Close()

	p, err := NewClient(srv.URL, "x").GetIncomingPayment(context.Background(), "cafe01")
	require.NoError(t, err)
	assert.True(t, p.IsPaid)
	assert.Equal(t, int64(500), p.ReceivedSat)
	assert.Equal(t, "beef", p.Preimage)
}

func TestErrorStatusSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "x").GetIncomingPayment(context.Background(), "unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestPayInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payinvoice", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "lnbc1...", r.PostForm.Get("invoice"))
		w.Write([]byte(`{"recipientAmountSat":900,"routingFeeSat":2,"paymentHash":"aa","paymentPreimage":"bb"}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "x").PayInvoice(context.Background(), "lnbc1...")
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.RecipientAmountSat)
	assert.Equal(t, int64(2), res.RoutingFeeSat)
}
