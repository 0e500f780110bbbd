// Package storage persists accounts, topup invoices, and the task
// marketplace. Two implementations exist: Postgres for production and an
// in-memory store for tests and single-node setups without a database.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Task statuses.
const (
	TaskOpen      = "open"
	TaskInEscrow  = "in_escrow"
	TaskDelivered = "delivered"
	TaskCompleted = "completed"
)

// Quote statuses.
const (
	QuotePending  = "pending"
	QuoteAccepted = "accepted"
	QuoteRejected = "rejected"
)

// Topup invoice statuses.
const (
	TopupPending = "pending"
	TopupPaid    = "paid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidState   = errors.New("invalid state for this operation")
	ErrInvalidToken   = errors.New("invalid account token")
	ErrMissingToken   = errors.New("account token required")
	ErrInvalidPayment = errors.New("no topup invoice for this payment")
	ErrAlreadyClaimed = errors.New("topup invoice already claimed")
	ErrNothingToSet   = errors.New("nothing to update")
)

// InsufficientBalanceError carries the balance and the amount that was
// asked for, so the HTTP layer can report both.
type InsufficientBalanceError struct {
	BalanceSats  int64
	RequiredSats int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d sats, need %d", e.BalanceSats, e.RequiredSats)
}

// Account is the public view of a prepaid balance.
type Account struct {
	ID          string    `json:"account_id"`
	BalanceSats int64     `json:"balance_sats"`
	CreatedAt   time.Time `json:"created_at"`
}

// ClaimResult is returned by a successful topup claim. Token is the
// plaintext bearer token; only its hash is ever stored.
type ClaimResult struct {
	Token       string `json:"token"`
	BalanceSats int64  `json:"balance_sats"`
}

// Task is a marketplace job posted by a buyer.
type Task struct {
	ID             string    `json:"id"`
	BuyerAccountID string    `json:"buyer_account_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	BudgetSats     int64     `json:"budget_sats"`
	Status         string    `json:"status"`
	QuoteCount     int       `json:"quote_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Quote is a contractor's bid on a task.
type Quote struct {
	ID                  string    `json:"id"`
	TaskID              string    `json:"task_id"`
	ContractorAccountID string    `json:"contractor_account_id"`
	PriceSats           int64     `json:"price_sats"`
	Description         string    `json:"description"`
	Status              string    `json:"status"`
	MessageCount        int       `json:"message_count"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Delivery is a contractor's submitted work. ContentBase64 is accepted on
// creation but never echoed back in responses.
type Delivery struct {
	ID                  string    `json:"id"`
	TaskID              string    `json:"task_id"`
	QuoteID             string    `json:"quote_id"`
	ContractorAccountID string    `json:"contractor_account_id"`
	Filename            string    `json:"filename"`
	ContentBase64       string    `json:"content_base64,omitempty"`
	Notes               string    `json:"notes"`
	CreatedAt           time.Time `json:"created_at"`
}

// Message is one entry in a quote's two-party thread.
type Message struct {
	ID              int64     `json:"id"`
	TaskID          string    `json:"task_id"`
	QuoteID         string    `json:"quote_id"`
	SenderAccountID string    `json:"sender_account_id"`
	Body            string    `json:"body"`
	CreatedAt       time.Time `json:"created_at"`
}

// TaskDetail is a task with its quotes and deliveries.
type TaskDetail struct {
	Task
	Quotes     []*Quote    `json:"quotes"`
	Deliveries []*Delivery `json:"deliveries"`
}

// AcceptResult summarizes a successful escrow lock.
type AcceptResult struct {
	TaskID       string `json:"task_id"`
	QuoteID      string `json:"quote_id"`
	Status       string `json:"status"`
	EscrowedSats int64  `json:"escrowed_sats"`
}

// ConfirmResult summarizes a successful escrow release.
type ConfirmResult struct {
	TaskID              string `json:"task_id"`
	Status              string `json:"status"`
	ReleasedSats        int64  `json:"released_sats"`
	ContractorAccountID string `json:"contractor_account_id"`
}

// QuoteUpdate carries the mutable quote fields; nil means unchanged.
type QuoteUpdate struct {
	PriceSats   *int64
	Description *string
}

// Store is the durable-state collaborator for the ledger and the
// marketplace. All balance arithmetic goes through it so the
// no-negative-balance invariant has a single enforcement point.
type Store interface {
	// Ledger.
	AccountIDByToken(ctx context.Context, token string) (string, error)
	AccountInfo(ctx context.Context, accountID string) (*Account, error)
	CreateTopupInvoice(ctx context.Context, paymentHash string, amountSats int64, accountID string) error
	ClaimTopupInvoice(ctx context.Context, paymentHash, token string) (*ClaimResult, error)
	DebitToken(ctx context.Context, token string, amountSats int64, endpoint string) (int64, error)
	DebitAccount(ctx context.Context, accountID string, amountSats int64, endpoint string) error
	CreditAccount(ctx context.Context, accountID string, amountSats int64, endpoint string) error

	// Marketplace.
	CreateTask(ctx context.Context, buyerAccountID, title, description string, budgetSats int64) (*Task, error)
	ListTasks(ctx context.Context, status string) ([]*Task, error)
	GetTaskDetail(ctx context.Context, taskID string) (*TaskDetail, error)
	CreateQuote(ctx context.Context, taskID, contractorAccountID string, priceSats int64, description string) (*Quote, error)
	UpdateQuote(ctx context.Context, taskID, quoteID, callerAccountID string, upd QuoteUpdate) (*Quote, error)
	AcceptQuote(ctx context.Context, taskID, quoteID, callerAccountID string) (*AcceptResult, error)
	SendQuoteMessage(ctx context.Context, taskID, quoteID, senderAccountID, body string) (*Message, error)
	QuoteMessages(ctx context.Context, taskID, quoteID, callerAccountID string, sinceID int64) ([]*Message, error)
	CreateDelivery(ctx context.Context, taskID, contractorAccountID, filename, contentBase64, notes string) (*Delivery, error)
	ConfirmDelivery(ctx context.Context, taskID, callerAccountID string) (*ConfirmResult, error)

	Close()
}

// NewToken mints a plaintext bearer token. The sat_ prefix makes stray
// tokens recognizable in logs and support requests.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return "sat_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken derives the storable form of a token. Plaintext tokens are
// never written to the database.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}
