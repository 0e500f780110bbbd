package models

import "time"

// ErrorBody is the wire shape L402 clients parse on the payment path:
// {"error":{"code":"...","message":"..."}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine code and human message for a failure.
type ErrorDetail struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
}

// PaymentChallenge is the 402 body returned when payment is required.
type PaymentChallenge struct {
	Status        string `json:"status"`
	PaymentMethod string `json:"payment_method,omitempty"`
	Invoice       string `json:"invoice"`
	PaymentHash   string `json:"payment_hash"`
	AmountSats    int64  `json:"amount_sats"`
	ExpiresIn     int    `json:"expires_in"`
	ClaimURL      string `json:"claim_url,omitempty"`
}

// TopupClaimResponse is returned on a successful topup claim.
type TopupClaimResponse struct {
	Token       string `json:"token"`
	BalanceSats int64  `json:"balance_sats"`
}

// APIResponse is the envelope for marketplace and utility endpoints.
type APIResponse struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse is the envelope error payload.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      int    `json:"code,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// NewSuccessResponse creates a success envelope.
func NewSuccessResponse(data interface{}) *APIResponse {
	return &APIResponse{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error envelope.
func NewErrorResponse(error string, code int) *APIResponse {
	return &APIResponse{
		Success: false,
		Error: &ErrorResponse{
			Error:     error,
			Message:   error,
			Code:      code,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// APIError is a typed request failure detected inside a component and
// mapped to a fixed status/code pair by the HTTP layer.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// NewAPIError builds an APIError.
func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}
