package l402

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"satgate-backend/models"
)

// Verifier checks presented L402 credentials against the mint key and the
// replay guard.
type Verifier struct {
	rootKey []byte
	guard   *ReplayGuard
}

// NewVerifier builds a verifier. rootKey must match the key macaroons were
// minted with.
func NewVerifier(rootKey []byte, guard *ReplayGuard) *Verifier {
	return &Verifier{rootKey: rootKey, guard: guard}
}

func errInvalidL402(msg string) *models.APIError {
	return models.NewAPIError(http.StatusBadRequest, "invalid_l402", msg)
}

// ParseAuthorization splits an "L402 <macaroon>:<preimage>" header value.
func ParseAuthorization(header string) (macB64, preimage string, apiErr *models.APIError) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "L402") {
		return "", "", errInvalidL402("Authorization header must use the L402 scheme")
	}
	macB64, preimage, ok = strings.Cut(strings.TrimSpace(rest), ":")
	if !ok || macB64 == "" || preimage == "" {
		return "", "", errInvalidL402("L402 credential must be <macaroon>:<preimage>")
	}
	return macB64, preimage, nil
}

// Verify validates the full credential for a request priced at priceSats.
// Order is fixed: signature, then preimage, then single-use marking, then
// amount. Marking before the amount check means a credential minted for too
// small an amount is burned by the attempt, matching invoice semantics: the
// payment was consumed even though the request is refused.
func (v *Verifier) Verify(authorization string, priceSats int64) *models.APIError {
	macB64, preimage, apiErr := ParseAuthorization(authorization)
	if apiErr != nil {
		return apiErr
	}

	m, err := ParseMacaroon(macB64)
	if err != nil {
		return errInvalidL402("Macaroon could not be decoded")
	}
	if !m.Verify(v.rootKey) {
		return errInvalidL402("Macaroon signature is invalid")
	}

	paymentHash, amountSats, err := m.PaymentTerms()
	if err != nil {
		return errInvalidL402("Macaroon payment caveats are invalid")
	}

	preimageBytes, err := hex.DecodeString(strings.TrimSpace(preimage))
	if err != nil || len(preimageBytes) != 32 {
		return errInvalidL402("Preimage must be 32 hex-encoded bytes")
	}
	digest := sha256.Sum256(preimageBytes)
	if hex.EncodeToString(digest[:]) != paymentHash {
		return errInvalidL402("Preimage does not match payment hash")
	}

	if !v.guard.MarkUsed(paymentHash) {
		return models.NewAPIError(http.StatusBadRequest, "payment_already_used",
			"This payment has already been redeemed")
	}

	if priceSats > amountSats {
		return errInvalidL402("Paid amount does not cover the request price")
	}
	return nil
}
