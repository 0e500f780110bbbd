// Package phoenix is a minimal REST client for a phoenixd Lightning node.
// phoenixd authenticates with HTTP basic auth using an empty username and
// the http-password from its config.
package phoenix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Invoice is a freshly created BOLT11 invoice.
type Invoice struct {
	AmountSat   int64  `json:"amountSat"`
	PaymentHash string `json:"paymentHash"`
	Serialized  string `json:"serialized"`
}

// IncomingPayment is the node's view of one received payment.
type IncomingPayment struct {
	PaymentHash string `json:"paymentHash"`
	Preimage    string `json:"preimage"`
	IsPaid      bool   `json:"isPaid"`
	ReceivedSat int64  `json:"receivedSat"`
	CreatedAt   int64  `json:"createdAt"`
	CompletedAt int64  `json:"completedAt"`
}

// Balance is the node wallet balance.
type Balance struct {
	BalanceSat   int64 `json:"balanceSat"`
	FeeCreditSat int64 `json:"feeCreditSat"`
}

// PaymentResult is returned by payinvoice.
type PaymentResult struct {
	RecipientAmountSat int64  `json:"recipientAmountSat"`
	RoutingFeeSat      int64  `json:"routingFeeSat"`
	PaymentID          string `json:"paymentId"`
	PaymentHash        string `json:"paymentHash"`
	PaymentPreimage    string `json:"paymentPreimage"`
}

// Client talks to one phoenixd instance.
type Client struct {
	baseURL  string
	password string
	http     *http.Client
}

// NewClient builds a client for the node at baseURL.
func NewClient(baseURL, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		password: password,
		http:     &http.Client{Timeout: 20 * time.Second},
	}
}

// CreateInvoice asks the node for a BOLT11 invoice.
func (c *Client) CreateInvoice(ctx context.Context, amountSat int64, description string, expirySeconds int) (*Invoice, error) {
	form := url.Values{
		"amountSat":   {strconv.FormatInt(amountSat, 10)},
		"description": {description},
	}
	if expirySeconds > 0 {
		form.Set("expirySeconds", strconv.Itoa(expirySeconds))
	}
	var inv Invoice
	if err := c.postForm(ctx, "/createinvoice", form, &inv); err != nil {
		return nil, err
	}
	if inv.PaymentHash == "" || inv.Serialized == "" {
		return nil, fmt.Errorf("phoenixd returned an incomplete invoice")
	}
	return &inv, nil
}

// GetIncomingPayment fetches one received payment by payment hash. A hash
// the node has never seen yields an error.
func (c *Client) GetIncomingPayment(ctx context.Context, paymentHash string) (*IncomingPayment, error) {
	var p IncomingPayment
	if err := c.get(ctx, "/payments/incoming/"+url.PathEscape(paymentHash), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetBalance fetches the node wallet balance.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	var b Balance
	if err := c.get(ctx, "/getbalance", &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// PayInvoice pays an external BOLT11 invoice from the node wallet.
func (c *Client) PayInvoice(ctx context.Context, invoice string) (*PaymentResult, error) {
	form := url.Values{"invoice": {strings.TrimSpace(invoice)}}
	var res PaymentResult
	if err := c.postForm(ctx, "/payinvoice", form, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build phoenixd request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build phoenixd request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.SetBasicAuth("", c.password)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("phoenixd request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read phoenixd response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("phoenixd %s: status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode phoenixd response: %w", err)
	}
	return nil
}
