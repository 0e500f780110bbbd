package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store for tests and database-less single-node
// runs. One mutex covers everything, which trivially gives the same
// atomicity the Postgres transactions do. State does not survive restart.
type MemStore struct {
	mu sync.Mutex

	accounts     map[string]*memAccount // by account ID
	tokenIndex   map[string]string      // token hash -> account ID
	topups       map[string]*memTopup   // by payment hash
	tasks        map[string]*Task
	quotes       map[string]*Quote
	messages     []*Message
	deliveries   map[string][]*Delivery // by task ID, creation order
	nextMsgID    int64
	usageEntries []UsageEntry
}

type memAccount struct {
	Account
	tokenHash string
}

type memTopup struct {
	paymentHash string
	accountID   string // empty for new-account invoices
	amountSats  int64
	status      string
}

// UsageEntry mirrors one usage_log row.
type UsageEntry struct {
	AccountID  string
	Endpoint   string
	AmountSats int64
	CreatedAt  time.Time
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		accounts:   make(map[string]*memAccount),
		tokenIndex: make(map[string]string),
		topups:     make(map[string]*memTopup),
		tasks:      make(map[string]*Task),
		quotes:     make(map[string]*Quote),
		deliveries: make(map[string][]*Delivery),
	}
}

// Close is a no-op.
func (s *MemStore) Close() {}

// UsageLog returns a copy of the audit trail, oldest first.
func (s *MemStore) UsageLog() []UsageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UsageEntry{}, s.usageEntries...)
}

func (s *MemStore) logUsage(accountID, endpoint string, amountSats int64) {
	s.usageEntries = append(s.usageEntries, UsageEntry{
		AccountID:  accountID,
		Endpoint:   endpoint,
		AmountSats: amountSats,
		CreatedAt:  time.Now(),
	})
}

func (s *MemStore) newAccountLocked(tokenHash string) *memAccount {
	a := &memAccount{
		Account:   Account{ID: uuid.NewString(), CreatedAt: time.Now()},
		tokenHash: tokenHash,
	}
	s.accounts[a.ID] = a
	s.tokenIndex[tokenHash] = a.ID
	return a
}

// -- ledger -----------------------------------------------------------------

func (s *MemStore) AccountIDByToken(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokenIndex[HashToken(token)]
	if !ok {
		return "", ErrInvalidToken
	}
	return id, nil
}

func (s *MemStore) AccountInfo(_ context.Context, accountID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := a.Account
	return &copied, nil
}

func (s *MemStore) CreateTopupInvoice(_ context.Context, paymentHash string, amountSats int64, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topups[strings.ToLower(paymentHash)] = &memTopup{
		paymentHash: strings.ToLower(paymentHash),
		accountID:   accountID,
		amountSats:  amountSats,
		status:      TopupPending,
	}
	return nil
}

func (s *MemStore) ClaimTopupInvoice(_ context.Context, paymentHash, token string) (*ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.topups[strings.ToLower(paymentHash)]
	if !ok {
		return nil, ErrInvalidPayment
	}
	if inv.status != TopupPending {
		return nil, ErrAlreadyClaimed
	}

	issuedToken := strings.TrimSpace(token)
	var account *memAccount
	switch {
	case issuedToken != "":
		id, ok := s.tokenIndex[HashToken(issuedToken)]
		if !ok {
			return nil, ErrInvalidToken
		}
		if inv.accountID != "" && inv.accountID != id {
			return nil, ErrInvalidPayment
		}
		account = s.accounts[id]
	case inv.accountID != "":
		return nil, ErrMissingToken
	default:
		var err error
		issuedToken, err = NewToken()
		if err != nil {
			return nil, err
		}
		account = s.newAccountLocked(HashToken(issuedToken))
	}

	account.BalanceSats += inv.amountSats
	inv.status = TopupPaid
	inv.accountID = account.ID
	s.logUsage(account.ID, "topup:claim", inv.amountSats)
	return &ClaimResult{Token: issuedToken, BalanceSats: account.BalanceSats}, nil
}

func (s *MemStore) DebitToken(_ context.Context, token string, amountSats int64, endpoint string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokenIndex[HashToken(token)]
	if !ok {
		return 0, ErrInvalidToken
	}
	account := s.accounts[id]
	if account.BalanceSats < amountSats {
		return 0, &InsufficientBalanceError{BalanceSats: account.BalanceSats, RequiredSats: amountSats}
	}
	account.BalanceSats -= amountSats
	s.logUsage(id, endpoint, amountSats)
	return account.BalanceSats, nil
}

func (s *MemStore) DebitAccount(_ context.Context, accountID string, amountSats int64, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debitLocked(accountID, amountSats, endpoint)
}

func (s *MemStore) debitLocked(accountID string, amountSats int64, endpoint string) error {
	account, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	if account.BalanceSats < amountSats {
		return &InsufficientBalanceError{BalanceSats: account.BalanceSats, RequiredSats: amountSats}
	}
	account.BalanceSats -= amountSats
	s.logUsage(accountID, endpoint, amountSats)
	return nil
}

func (s *MemStore) CreditAccount(_ context.Context, accountID string, amountSats int64, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	account.BalanceSats += amountSats
	s.logUsage(accountID, endpoint, amountSats)
	return nil
}

// -- tasks ------------------------------------------------------------------

func (s *MemStore) CreateTask(_ context.Context, buyerAccountID, title, description string, budgetSats int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[buyerAccountID]; !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	t := &Task{
		ID:             uuid.NewString(),
		BuyerAccountID: buyerAccountID,
		Title:          title,
		Description:    description,
		BudgetSats:     budgetSats,
		Status:         TaskOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.tasks[t.ID] = t
	copied := *t
	return &copied, nil
}

func (s *MemStore) ListTasks(_ context.Context, status string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := []*Task{}
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		copied := *t
		copied.QuoteCount = s.quoteCountLocked(t.ID)
		tasks = append(tasks, &copied)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *MemStore) quoteCountLocked(taskID string) int {
	n := 0
	for _, q := range s.quotes {
		if q.TaskID == taskID {
			n++
		}
	}
	return n
}

func (s *MemStore) GetTaskDetail(_ context.Context, taskID string) (*TaskDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	detail := &TaskDetail{Task: *t}
	for _, q := range s.quotes {
		if q.TaskID != taskID {
			continue
		}
		copied := *q
		copied.MessageCount = s.messageCountLocked(q.ID)
		detail.Quotes = append(detail.Quotes, &copied)
	}
	sort.Slice(detail.Quotes, func(i, j int) bool {
		return detail.Quotes[i].CreatedAt.Before(detail.Quotes[j].CreatedAt)
	})
	detail.QuoteCount = len(detail.Quotes)
	for _, d := range s.deliveries[taskID] {
		copied := *d
		copied.ContentBase64 = ""
		detail.Deliveries = append(detail.Deliveries, &copied)
	}
	return detail, nil
}

func (s *MemStore) messageCountLocked(quoteID string) int {
	n := 0
	for _, m := range s.messages {
		if m.QuoteID == quoteID {
			n++
		}
	}
	return n
}

// -- quotes -----------------------------------------------------------------

func (s *MemStore) CreateQuote(_ context.Context, taskID, contractorAccountID string, priceSats int64, description string) (*Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != TaskOpen {
		return nil, ErrInvalidState
	}
	if t.BuyerAccountID == contractorAccountID {
		return nil, ErrForbidden
	}
	now := time.Now()
	q := &Quote{
		ID:                  uuid.NewString(),
		TaskID:              taskID,
		ContractorAccountID: contractorAccountID,
		PriceSats:           priceSats,
		Description:         description,
		Status:              QuotePending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.quotes[q.ID] = q
	copied := *q
	return &copied, nil
}

func (s *MemStore) UpdateQuote(_ context.Context, taskID, quoteID, callerAccountID string, upd QuoteUpdate) (*Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upd.PriceSats == nil && upd.Description == nil {
		return nil, ErrNothingToSet
	}
	q, ok := s.quotes[quoteID]
	if !ok || q.TaskID != taskID {
		return nil, ErrNotFound
	}
	if q.ContractorAccountID != callerAccountID {
		return nil, ErrForbidden
	}
	if q.Status != QuotePending {
		return nil, ErrInvalidState
	}
	if upd.PriceSats != nil {
		q.PriceSats = *upd.PriceSats
	}
	if upd.Description != nil {
		q.Description = *upd.Description
	}
	q.UpdatedAt = time.Now()
	copied := *q
	return &copied, nil
}

func (s *MemStore) AcceptQuote(_ context.Context, taskID, quoteID, callerAccountID string) (*AcceptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != TaskOpen {
		return nil, ErrInvalidState
	}
	if t.BuyerAccountID != callerAccountID {
		return nil, ErrForbidden
	}
	q, ok := s.quotes[quoteID]
	if !ok || q.TaskID != taskID {
		return nil, ErrNotFound
	}
	if q.Status != QuotePending {
		return nil, ErrInvalidState
	}

	// Debit first so a failed debit leaves everything untouched.
	if err := s.debitLocked(callerAccountID, q.PriceSats, "hire:escrow_lock:"+taskID); err != nil {
		return nil, err
	}
	q.Status = QuoteAccepted
	q.UpdatedAt = time.Now()
	for _, sibling := range s.quotes {
		if sibling.TaskID == taskID && sibling.ID != quoteID && sibling.Status == QuotePending {
			sibling.Status = QuoteRejected
			sibling.UpdatedAt = time.Now()
		}
	}
	t.Status = TaskInEscrow
	t.UpdatedAt = time.Now()
	return &AcceptResult{TaskID: taskID, QuoteID: quoteID, Status: TaskInEscrow, EscrowedSats: q.PriceSats}, nil
}

// -- messages ---------------------------------------------------------------

func (s *MemStore) SendQuoteMessage(_ context.Context, taskID, quoteID, senderAccountID, body string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	q, ok := s.quotes[quoteID]
	if !ok || q.TaskID != taskID {
		return nil, ErrNotFound
	}
	if q.Status == QuoteRejected {
		return nil, ErrInvalidState
	}
	if senderAccountID != t.BuyerAccountID && senderAccountID != q.ContractorAccountID {
		return nil, ErrForbidden
	}
	s.nextMsgID++
	m := &Message{
		ID:              s.nextMsgID,
		TaskID:          taskID,
		QuoteID:         quoteID,
		SenderAccountID: senderAccountID,
		Body:            body,
		CreatedAt:       time.Now(),
	}
	s.messages = append(s.messages, m)
	copied := *m
	return &copied, nil
}

func (s *MemStore) QuoteMessages(_ context.Context, taskID, quoteID, callerAccountID string, sinceID int64) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	q, ok := s.quotes[quoteID]
	if !ok || q.TaskID != taskID {
		return nil, ErrNotFound
	}
	if callerAccountID != t.BuyerAccountID && callerAccountID != q.ContractorAccountID {
		return nil, ErrForbidden
	}
	messages := []*Message{}
	for _, m := range s.messages {
		if m.QuoteID == quoteID && m.ID > sinceID {
			copied := *m
			messages = append(messages, &copied)
		}
	}
	return messages, nil
}

// -- deliveries -------------------------------------------------------------

func (s *MemStore) CreateDelivery(_ context.Context, taskID, contractorAccountID, filename, contentBase64, notes string) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != TaskInEscrow {
		return nil, ErrInvalidState
	}
	var accepted *Quote
	for _, q := range s.quotes {
		if q.TaskID == taskID && q.ContractorAccountID == contractorAccountID && q.Status == QuoteAccepted {
			accepted = q
			break
		}
	}
	if accepted == nil {
		return nil, ErrForbidden
	}
	d := &Delivery{
		ID:                  uuid.NewString(),
		TaskID:              taskID,
		QuoteID:             accepted.ID,
		ContractorAccountID: contractorAccountID,
		Filename:            filename,
		ContentBase64:       contentBase64,
		Notes:               notes,
		CreatedAt:           time.Now(),
	}
	s.deliveries[taskID] = append(s.deliveries[taskID], d)
	t.Status = TaskDelivered
	t.UpdatedAt = time.Now()
	copied := *d
	copied.ContentBase64 = ""
	return &copied, nil
}

func (s *MemStore) ConfirmDelivery(_ context.Context, taskID, callerAccountID string) (*ConfirmResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != TaskDelivered {
		return nil, ErrInvalidState
	}
	if t.BuyerAccountID != callerAccountID {
		return nil, ErrForbidden
	}
	var accepted *Quote
	for _, q := range s.quotes {
		if q.TaskID == taskID && q.Status == QuoteAccepted {
			accepted = q
			break
		}
	}
	if accepted == nil {
		return nil, ErrInvalidState
	}
	contractor, ok := s.accounts[accepted.ContractorAccountID]
	if !ok {
		return nil, ErrNotFound
	}
	contractor.BalanceSats += accepted.PriceSats
	s.logUsage(contractor.ID, "hire:escrow_release:"+taskID, accepted.PriceSats)
	t.Status = TaskCompleted
	t.UpdatedAt = time.Now()
	return &ConfirmResult{
		TaskID:              taskID,
		Status:              TaskCompleted,
		ReleasedSats:        accepted.PriceSats,
		ContractorAccountID: contractor.ID,
	}, nil
}
