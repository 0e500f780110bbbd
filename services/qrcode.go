package services

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const maxQRPayload = 4096

// InvoiceQR renders a BOLT11 invoice (or any payload) as a PNG QR code.
// Lightning wallets conventionally expect the lightning: URI scheme in
// upper case for better alphanumeric-mode packing.
func InvoiceQR(payload string, size int) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("empty qr payload")
	}
	if len(payload) > maxQRPayload {
		return nil, fmt.Errorf("qr payload too large: %d bytes", len(payload))
	}
	if size <= 0 {
		size = 256
	}
	if strings.HasPrefix(strings.ToLower(payload), "lnbc") {
		payload = "lightning:" + strings.ToUpper(payload)
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
