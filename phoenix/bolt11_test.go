package phoenix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoiceAmountSat(t *testing.T) {
	for _, tc := range []struct {
		invoice string
		want    int64
	}{
		{"lnbc1500n1pjqdata", 150},
		{"lnbc10m1pjqdata", 1_000_000},
		{"lnbc25u1pjqdata", 2500},
		{"lnbc21pjqdata", 200_000_000},
		{"lnbc10000p1pjqdata", 1},
		{"lntb1500n1pjqdata", 150},
		{"lnbcrt1500n1pjqdata", 150},
		{"  LNBC1500N1PJQDATA  ", 150},
		{"lightning:lnbc1500n1pjqdata", 150},
	} {
		got, err := InvoiceAmountSat(tc.invoice)
		require.NoError(t, err, tc.invoice)
		assert.Equal(t, tc.want, got, tc.invoice)
	}
}

func TestInvoiceAmountSatAmountless(t *testing.T) {
	_, err := InvoiceAmountSat("lnbc1pjqdata")
	assert.ErrorIs(t, err, ErrNoInvoiceAmount)
}

func TestInvoiceAmountSatRejects(t *testing.T) {
	for _, invoice := range []string{
		"",
		"not an invoice",
		"lnbc",
		"lnbc1505n1pjqdata",  // 150.5 sats
		"lnbc12345p1pjqdata", // sub-satoshi
		"lnbc15x1pjqdata",    // unknown multiplier
		"lnbc0m1pjqdata",
	} {
		_, err := InvoiceAmountSat(invoice)
		assert.Error(t, err, invoice)
	}
}
