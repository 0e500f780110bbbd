// Package l402 implements the credential side of the Lightning HTTP 402
// payment flow: HMAC-chained macaroons bound to an invoice, a replay guard
// for spent preimages, and the verifier that ties them together.
package l402

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Caveat keys understood by the verifier.
const (
	CaveatPaymentHash = "payment_hash"
	CaveatAmountSats  = "amount_sats"
)

// Macaroon is a bearer credential whose signature chains over its caveats.
// Sig is hex-encoded; the serialized form is base64(JSON).
type Macaroon struct {
	ID       string   `json:"id"`
	Location string   `json:"location"`
	Caveats  []string `json:"caveats"`
	Sig      string   `json:"sig"`
}

// NewMacaroon mints a macaroon under rootKey with a fresh identifier.
func NewMacaroon(rootKey []byte, location string) *Macaroon {
	id := uuid.NewString()
	return &Macaroon{
		ID:       id,
		Location: location,
		Sig:      hex.EncodeToString(chain(rootKey, id)),
	}
}

// AddCaveat appends a caveat and folds it into the signature.
func (m *Macaroon) AddCaveat(key, value string) error {
	sig, err := hex.DecodeString(m.Sig)
	if err != nil {
		return fmt.Errorf("decode macaroon sig: %w", err)
	}
	caveat := key + "=" + value
	m.Caveats = append(m.Caveats, caveat)
	m.Sig = hex.EncodeToString(chain(sig, caveat))
	return nil
}

// Verify recomputes the signature chain from rootKey and compares in
// constant time.
func (m *Macaroon) Verify(rootKey []byte) bool {
	sig := chain(rootKey, m.ID)
	for _, caveat := range m.Caveats {
		sig = chain(sig, caveat)
	}
	expected, err := hex.DecodeString(m.Sig)
	if err != nil {
		return false
	}
	return hmac.Equal(sig, expected)
}

// PaymentTerms extracts the payment_hash and amount_sats caveats. A
// duplicate of either caveat, a missing caveat, or a malformed value fails.
func (m *Macaroon) PaymentTerms() (paymentHash string, amountSats int64, err error) {
	seen := map[string]bool{}
	amountSats = -1
	for _, caveat := range m.Caveats {
		key, value, ok := strings.Cut(caveat, "=")
		if !ok {
			return "", 0, fmt.Errorf("malformed caveat %q", caveat)
		}
		switch key {
		case CaveatPaymentHash, CaveatAmountSats:
			if seen[key] {
				return "", 0, fmt.Errorf("duplicate caveat %s", key)
			}
			seen[key] = true
		default:
			continue
		}
		if key == CaveatPaymentHash {
			decoded, derr := hex.DecodeString(value)
			if derr != nil || len(decoded) != 32 {
				return "", 0, fmt.Errorf("payment_hash caveat is not 32 hex bytes")
			}
			paymentHash = strings.ToLower(value)
		} else {
			n, perr := strconv.ParseInt(value, 10, 64)
			if perr != nil || n < 0 {
				return "", 0, fmt.Errorf("amount_sats caveat is not a non-negative integer")
			}
			amountSats = n
		}
	}
	if paymentHash == "" {
		return "", 0, fmt.Errorf("missing payment_hash caveat")
	}
	if amountSats < 0 {
		return "", 0, fmt.Errorf("missing amount_sats caveat")
	}
	return paymentHash, amountSats, nil
}

// Serialize encodes the macaroon as base64(JSON) for the WWW-Authenticate
// challenge and the Authorization header.
func (m *Macaroon) Serialize() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal macaroon: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ParseMacaroon decodes a base64(JSON) macaroon. It accepts URL-safe
// base64 as well since some clients re-encode.
func ParseMacaroon(encoded string) (*Macaroon, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode macaroon: %w", err)
		}
	}
	var m Macaroon
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse macaroon: %w", err)
	}
	if m.ID == "" || m.Sig == "" {
		return nil, fmt.Errorf("macaroon missing id or sig")
	}
	return &m, nil
}

// MintPaymentMacaroon builds the credential handed out with a 402
// challenge: fresh macaroon plus the two payment caveats.
func MintPaymentMacaroon(rootKey []byte, location, paymentHash string, amountSats int64) (*Macaroon, error) {
	m := NewMacaroon(rootKey, location)
	if err := m.AddCaveat(CaveatPaymentHash, strings.ToLower(paymentHash)); err != nil {
		return nil, err
	}
	if err := m.AddCaveat(CaveatAmountSats, strconv.FormatInt(amountSats, 10)); err != nil {
		return nil, err
	}
	return m, nil
}

func chain(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
