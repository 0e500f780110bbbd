package phoenix

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNoInvoiceAmount marks a BOLT11 invoice whose human-readable part
// encodes no amount.
var ErrNoInvoiceAmount = errors.New("invoice encodes no amount")

// InvoiceAmountSat extracts the amount in satoshis from a BOLT11
// invoice's human-readable part. Amounts with sub-satoshi precision are
// rejected.
func InvoiceAmountSat(invoice string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(invoice))
	s = strings.TrimPrefix(s, "lightning:")
	if !strings.HasPrefix(s, "ln") {
		return 0, fmt.Errorf("not a bolt11 invoice")
	}
	// The "1" separator never appears in the bech32 data part, so the
	// last one closes the human-readable part.
	sep := strings.LastIndexByte(s, '1')
	if sep < 2 {
		return 0, fmt.Errorf("not a bolt11 invoice")
	}
	hrp := s[2:sep]
	i := 0
	for i < len(hrp) && hrp[i] >= 'a' && hrp[i] <= 'z' {
		i++
	}
	amount := hrp[i:]
	if amount == "" {
		return 0, ErrNoInvoiceAmount
	}
	multiplier := byte(0)
	if last := amount[len(amount)-1]; last < '0' || last > '9' {
		multiplier = last
		amount = amount[:len(amount)-1]
	}
	n, err := strconv.ParseInt(amount, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid invoice amount %q", hrp[i:])
	}
	// The unit without a multiplier is whole bitcoin.
	switch multiplier {
	case 0:
		return satoshiProduct(n, 100_000_000)
	case 'm':
		return satoshiProduct(n, 100_000)
	case 'u':
		return satoshiProduct(n, 100)
	case 'n':
		if n%10 != 0 {
			return 0, fmt.Errorf("invoice amount %dn is not a whole satoshi", n)
		}
		return n / 10, nil
	case 'p':
		if n%10_000 != 0 {
			return 0, fmt.Errorf("invoice amount %dp is not a whole satoshi", n)
		}
		return n / 10_000, nil
	default:
		return 0, fmt.Errorf("unknown amount multiplier %q", string(multiplier))
	}
}

func satoshiProduct(n, factor int64) (int64, error) {
	if n > math.MaxInt64/factor {
		return 0, fmt.Errorf("invoice amount overflows")
	}
	return n * factor, nil
}
