package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists the ledger and marketplace in Postgres. Every balance
// mutation locks the account row and logs a usage_log entry in the same
// transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
  id UUID PRIMARY KEY,
  token_hash TEXT UNIQUE NOT NULL,
  balance_sats BIGINT NOT NULL DEFAULT 0 CHECK (balance_sats >= 0),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS topup_invoices (
  payment_hash TEXT PRIMARY KEY,
  account_id UUID REFERENCES accounts(id),
  amount_sats BIGINT NOT NULL CHECK (amount_sats > 0),
  status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','paid','expired')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS usage_log (
  id BIGSERIAL PRIMARY KEY,
  account_id UUID NOT NULL REFERENCES accounts(id),
  endpoint TEXT NOT NULL,
  amount_sats BIGINT NOT NULL CHECK (amount_sats >= 0),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_usage_log_account_id ON usage_log (account_id, created_at DESC);
CREATE TABLE IF NOT EXISTS hire_tasks (
  id UUID PRIMARY KEY,
  buyer_account_id UUID NOT NULL REFERENCES accounts(id),
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  budget_sats BIGINT NOT NULL CHECK (budget_sats > 0),
  status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','in_escrow','delivered','completed')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS hire_quotes (
  id UUID PRIMARY KEY,
  task_id UUID NOT NULL REFERENCES hire_tasks(id),
  contractor_account_id UUID NOT NULL REFERENCES accounts(id),
  price_sats BIGINT NOT NULL CHECK (price_sats > 0),
  description TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','accepted','rejected')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS hire_messages (
  id BIGSERIAL PRIMARY KEY,
  task_id UUID NOT NULL REFERENCES hire_tasks(id),
  quote_id UUID NOT NULL REFERENCES hire_quotes(id),
  sender_account_id UUID NOT NULL REFERENCES accounts(id),
  body TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS hire_deliveries (
  id UUID PRIMARY KEY,
  task_id UUID NOT NULL REFERENCES hire_tasks(id),
  quote_id UUID NOT NULL REFERENCES hire_quotes(id),
  contractor_account_id UUID NOT NULL REFERENCES accounts(id),
  filename TEXT NOT NULL DEFAULT '',
  content_base64 TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_hire_tasks_status ON hire_tasks (status);
CREATE INDEX IF NOT EXISTS idx_hire_quotes_task ON hire_quotes (task_id);
CREATE INDEX IF NOT EXISTS idx_hire_messages_quote ON hire_messages (quote_id, id);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// -- ledger -----------------------------------------------------------------

func (s *PGStore) AccountIDByToken(ctx context.Context, token string) (string, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM accounts WHERE token_hash=$1", HashToken(token)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("lookup account: %w", err)
	}
	return id.String(), nil
}

func (s *PGStore) AccountInfo(ctx context.Context, accountID string) (*Account, error) {
	uid, err := uuid.Parse(accountID)
	if err != nil {
		return nil, ErrNotFound
	}
	var a Account
	var id uuid.UUID
	err = s.pool.QueryRow(ctx,
		"SELECT id, balance_sats, created_at FROM accounts WHERE id=$1", uid).
		Scan(&id, &a.BalanceSats, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account info: %w", err)
	}
	a.ID = id.String()
	return &a, nil
}

func (s *PGStore) CreateTopupInvoice(ctx context.Context, paymentHash string, amountSats int64, accountID string) error {
	var uid any
	if accountID != "" {
		parsed, err := uuid.Parse(accountID)
		if err != nil {
			return ErrInvalidToken
		}
		uid = parsed
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO topup_invoices (payment_hash, account_id, amount_sats, status)
VALUES ($1, $2, $3, 'pending')
ON CONFLICT (payment_hash) DO UPDATE
  SET account_id=excluded.account_id, amount_sats=excluded.amount_sats,
      status='pending', created_at=now()
`, strings.ToLower(paymentHash), uid, amountSats)
	if err != nil {
		return fmt.Errorf("create topup invoice: %w", err)
	}
	return nil
}

// ClaimTopupInvoice credits the invoice amount exactly once. The
// pending->paid transition under the row lock is what makes a second
// claim of the same payment hash fail.
func (s *PGStore) ClaimTopupInvoice(ctx context.Context, paymentHash, token string) (*ClaimResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	var invAccount *uuid.UUID
	var amountSats int64
	var status string
	err = tx.QueryRow(ctx, `
SELECT account_id, amount_sats, status FROM topup_invoices
WHERE payment_hash=$1 FOR UPDATE
`, strings.ToLower(paymentHash)).Scan(&invAccount, &amountSats, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidPayment
	}
	if err != nil {
		return nil, fmt.Errorf("lock topup invoice: %w", err)
	}
	if status != TopupPending {
		return nil, ErrAlreadyClaimed
	}

	issuedToken := strings.TrimSpace(token)
	var accountID uuid.UUID
	switch {
	case issuedToken != "":
		err = tx.QueryRow(ctx,
			"SELECT id FROM accounts WHERE token_hash=$1 FOR UPDATE",
			HashToken(issuedToken)).Scan(&accountID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidToken
		}
		if err != nil {
			return nil, fmt.Errorf("lock account: %w", err)
		}
		// An invoice minted for a specific account cannot be claimed
		// into a different one.
		if invAccount != nil && *invAccount != accountID {
			return nil, ErrInvalidPayment
		}
	case invAccount != nil:
		return nil, ErrMissingToken
	default:
		issuedToken, err = NewToken()
		if err != nil {
			return nil, err
		}
		accountID = uuid.New()
		if _, err := tx.Exec(ctx,
			"INSERT INTO accounts (id, token_hash, balance_sats) VALUES ($1,$2,0)",
			accountID, HashToken(issuedToken)); err != nil {
			return nil, fmt.Errorf("create account: %w", err)
		}
	}

	var balance int64
	err = tx.QueryRow(ctx, `
UPDATE accounts SET balance_sats = balance_sats + $1, updated_at = now()
WHERE id=$2 RETURNING balance_sats
`, amountSats, accountID).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("credit account: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE topup_invoices SET status='paid', account_id=$1 WHERE payment_hash=$2",
		accountID, strings.ToLower(paymentHash)); err != nil {
		return nil, fmt.Errorf("mark invoice paid: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO usage_log (account_id, endpoint, amount_sats) VALUES ($1,$2,$3)",
		accountID, "topup:claim", amountSats); err != nil {
		return nil, fmt.Errorf("log claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &ClaimResult{Token: issuedToken, BalanceSats: balance}, nil
}

func (s *PGStore) DebitToken(ctx context.Context, token string, amountSats int64, endpoint string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID uuid.UUID
	var balance int64
	err = tx.QueryRow(ctx,
		"SELECT id, balance_sats FROM accounts WHERE token_hash=$1 FOR UPDATE",
		HashToken(token)).Scan(&accountID, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInvalidToken
	}
	if err != nil {
		return 0, fmt.Errorf("lock account: %w", err)
	}
	if balance < amountSats {
		return 0, &InsufficientBalanceError{BalanceSats: balance, RequiredSats: amountSats}
	}

	var remaining int64
	err = tx.QueryRow(ctx, `
UPDATE accounts SET balance_sats = balance_sats - $1, updated_at = now()
WHERE id=$2 RETURNING balance_sats
`, amountSats, accountID).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("debit account: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO usage_log (account_id, endpoint, amount_sats) VALUES ($1,$2,$3)",
		accountID, endpoint, amountSats); err != nil {
		return 0, fmt.Errorf("log debit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}
	return remaining, nil
}

func (s *PGStore) DebitAccount(ctx context.Context, accountID string, amountSats int64, endpoint string) error {
	uid, err := uuid.Parse(accountID)
	if err != nil {
		return ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx,
		"SELECT balance_sats FROM accounts WHERE id=$1 FOR UPDATE", uid).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	if balance < amountSats {
		return &InsufficientBalanceError{BalanceSats: balance, RequiredSats: amountSats}
	}
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance_sats = balance_sats - $1, updated_at = now() WHERE id=$2",
		amountSats, uid); err != nil {
		return fmt.Errorf("debit account: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO usage_log (account_id, endpoint, amount_sats) VALUES ($1,$2,$3)",
		uid, endpoint, amountSats); err != nil {
		return fmt.Errorf("log debit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit debit: %w", err)
	}
	return nil
}

func (s *PGStore) CreditAccount(ctx context.Context, accountID string, amountSats int64, endpoint string) error {
	uid, err := uuid.Parse(accountID)
	if err != nil {
		return ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"UPDATE accounts SET balance_sats = balance_sats + $1, updated_at = now() WHERE id=$2",
		amountSats, uid)
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO usage_log (account_id, endpoint, amount_sats) VALUES ($1,$2,$3)",
		uid, endpoint, amountSats); err != nil {
		return fmt.Errorf("log credit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit credit: %w", err)
	}
	return nil
}

// -- tasks ------------------------------------------------------------------

const taskCols = "id, buyer_account_id, title, description, budget_sats, status, created_at, updated_at"

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var id, buyer uuid.UUID
	if err := row.Scan(&id, &buyer, &t.Title, &t.Description, &t.BudgetSats,
		&t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ID = id.String()
	t.BuyerAccountID = buyer.String()
	return &t, nil
}

func (s *PGStore) CreateTask(ctx context.Context, buyerAccountID, title, description string, budgetSats int64) (*Task, error) {
	buyer, err := uuid.Parse(buyerAccountID)
	if err != nil {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO hire_tasks (id, buyer_account_id, title, description, budget_sats)
VALUES ($1,$2,$3,$4,$5) RETURNING `+taskCols,
		uuid.New(), buyer, title, description, budgetSats)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (s *PGStore) ListTasks(ctx context.Context, status string) ([]*Task, error) {
	query := `
SELECT t.id, t.buyer_account_id, t.title, t.description, t.budget_sats, t.status,
       t.created_at, t.updated_at, COALESCE(q.cnt, 0)
FROM hire_tasks t
LEFT JOIN (SELECT task_id, COUNT(*) AS cnt FROM hire_quotes GROUP BY task_id) q
  ON q.task_id = t.id
`
	args := []any{}
	if status != "" {
		query += " WHERE t.status=$1"
		args = append(args, status)
	}
	query += " ORDER BY t.created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		var t Task
		var id, buyer uuid.UUID
		var cnt int64
		if err := rows.Scan(&id, &buyer, &t.Title, &t.Description, &t.BudgetSats,
			&t.Status, &t.CreatedAt, &t.UpdatedAt, &cnt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.ID = id.String()
		t.BuyerAccountID = buyer.String()
		t.QuoteCount = int(cnt)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *PGStore) GetTaskDetail(ctx context.Context, taskID string) (*TaskDetail, error) {
	uid, err := uuid.Parse(taskID)
	if err != nil {
		return nil, ErrNotFound
	}
	task, err := scanTask(s.pool.QueryRow(ctx,
		"SELECT "+taskCols+" FROM hire_tasks WHERE id=$1", uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	detail := &TaskDetail{Task: *task}

	rows, err := s.pool.Query(ctx, `
SELECT q.id, q.task_id, q.contractor_account_id, q.price_sats, q.description,
       q.status, q.created_at, q.updated_at, COALESCE(m.cnt, 0)
FROM hire_quotes q
LEFT JOIN (SELECT quote_id, COUNT(*) AS cnt FROM hire_messages GROUP BY quote_id) m
  ON m.quote_id = q.id
WHERE q.task_id=$1 ORDER BY q.created_at
`, uid)
	if err != nil {
		return nil, fmt.Errorf("list quotes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var q Quote
		var id, tid, contractor uuid.UUID
		var cnt int64
		if err := rows.Scan(&id, &tid, &contractor, &q.PriceSats, &q.Description,
			&q.Status, &q.CreatedAt, &q.UpdatedAt, &cnt); err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		q.ID = id.String()
		q.TaskID = tid.String()
		q.ContractorAccountID = contractor.String()
		q.MessageCount = int(cnt)
		detail.Quotes = append(detail.Quotes, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	detail.QuoteCount = len(detail.Quotes)

	// Delivery content stays out of the public detail view.
	drows, err := s.pool.Query(ctx, `
SELECT id, task_id, quote_id, contractor_account_id, filename, notes, created_at
FROM hire_deliveries WHERE task_id=$1 ORDER BY created_at
`, uid)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var d Delivery
		var id, tid, qid, contractor uuid.UUID
		if err := drows.Scan(&id, &tid, &qid, &contractor, &d.Filename, &d.Notes, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.ID = id.String()
		d.TaskID = tid.String()
		d.QuoteID = qid.String()
		d.ContractorAccountID = contractor.String()
		detail.Deliveries = append(detail.Deliveries, &d)
	}
	return detail, drows.Err()
}

// -- quotes -----------------------------------------------------------------

const quoteCols = "id, task_id, contractor_account_id, price_sats, description, status, created_at, updated_at"

func scanQuote(row pgx.Row) (*Quote, error) {
	var q Quote
	var id, tid, contractor uuid.UUID
	if err := row.Scan(&id, &tid, &contractor, &q.PriceSats, &q.Description,
		&q.Status, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	q.ID = id.String()
	q.TaskID = tid.String()
	q.ContractorAccountID = contractor.String()
	return &q, nil
}

func (s *PGStore) CreateQuote(ctx context.Context, taskID, contractorAccountID string, priceSats int64, description string) (*Quote, error) {
	tid, err := uuid.Parse(taskID)
	if err != nil {
		return nil, ErrNotFound
	}
	contractor, err := uuid.Parse(contractorAccountID)
	if err != nil {
		return nil, ErrNotFound
	}

	var status string
	var buyer uuid.UUID
	err = s.pool.QueryRow(ctx,
		"SELECT status, buyer_account_id FROM hire_tasks WHERE id=$1", tid).
		Scan(&status, &buyer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if status != TaskOpen {
		return nil, ErrInvalidState
	}
	if buyer == contractor {
		return nil, ErrForbidden
	}

	q, err := scanQuote(s.pool.QueryRow(ctx, `
INSERT INTO hire_quotes (id, task_id, contractor_account_id, price_sats, description)
VALUES ($1,$2,$3,$4,$5) RETURNING `+quoteCols,
		uuid.New(), tid, contractor, priceSats, description))
	if err != nil {
		return nil, fmt.Errorf("create quote: %w", err)
	}
	return q, nil
}

func (s *PGStore) UpdateQuote(ctx context.Context, taskID, quoteID, callerAccountID string, upd QuoteUpdate) (*Quote, error) {
	tid, err := uuid.Parse(taskID)
	if err != nil {
		return nil, ErrNotFound
	}
	qid, err := uuid.Parse(quoteID)
	if err != nil {
		return nil, ErrNotFound
	}
	if upd.PriceSats == nil && upd.Description == nil {
		return nil, ErrNothingToSet
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	var contractor uuid.UUID
	var status string
	err = tx.QueryRow(ctx,
		"SELECT contractor_account_id, status FROM hire_quotes WHERE id=$1 AND task_id=$2 FOR UPDATE",
		qid, tid).Scan(&contractor, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock quote: %w", err)
	}
	if contractor.String() != callerAccountID {
		return nil, ErrForbidden
	}
	if status != QuotePending {
		return nil, ErrInvalidState
	}

	sets := []string{"updated_at = now()"}
	args := []any{}
	if upd.PriceSats != nil {
		args = append(args, *upd.PriceSats)
		sets = append(sets, fmt.Sprintf("price_sats = $%d", len(args)))
	}
	if upd.Description != nil {
		args = append(args, *upd.Description)
		sets = append(sets, fmt.Sprintf("description = $%d", len(args)))
	}
	args = append(args, qid)
	q, err := scanQuote(tx.QueryRow(ctx, fmt.Sprintf(
		"UPDATE hire_quotes SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), quoteCols), args...))
	if err != nil {
		return nil, fmt.Errorf("update quote: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return q, nil
}

// AcceptQuote locks the escrow in one transaction: buyer debit, quote
// accepted, sibling quotes rejected, task moved to in_escrow.
func (s *PGStore) AcceptQuote(ctx context.Context, taskID, quoteID, callerAccountID string) (*AcceptResult, error) {
	tid, err := uuid.Parse(taskID)
	if err != nil {
		return nil, ErrNotFound
	}
	qid, err := uuid.Parse(quoteID)
	if err != nil {
		return nil, ErrNotFound
	}
	buyer, err := uuid.Parse(callerAccountID)
	if err != nil {
		return nil, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin accept: %w", err)
	}
	defer tx.Rollback(ctx)

	var taskStatus string
	var taskBuyer uuid.UUID
	err = tx.QueryRow(ctx,
		"SELECT status, buyer_account_id FROM hire_tasks WHERE id=$1 FOR UPDATE", tid).
		Scan(&taskStatus, &taskBuyer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}
	if taskStatus != TaskOpen {
		return nil, ErrInvalidState
	}
	if taskBuyer != buyer {
		return nil, ErrForbidden
	}

	var quoteStatus string
	var price int64
	err = tx.QueryRow(ctx,
		"SELECT status, price_sats FROM hire_quotes WHERE id=$1 AND task_id=$2 FOR UPDATE",
		qid, tid).Scan(&quoteStatus, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock quote: %w", err)
	}
	if quoteStatus != QuotePending {
		return nil, ErrInvalidState
	}

	var balance int64
	err = tx.QueryRow(ctx,
		"SELECT balance_sats FROM accounts WHERE id=$1 FOR UPDATE", buyer).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock buyer: %w", err)
	}
	if balance < price {
		return nil, &InsufficientBalanceError{BalanceSats: balance, RequiredSats: price}
	}
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance_sats = balance_sats - $1, updated_at = now() WHERE id=$2",
		price, buyer); err != nil {
		return nil, fmt.Errorf("debit buyer: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO usage_log (account_id, endpoint, amount_sats) VALUES ($1,$2,$3)",
		buyer, "hire:escrow_lock:"+taskID, price); err != nil {
		return nil, fmt.Errorf("log escrow lock: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE hire_quotes SET status='accepted', updated_at=now() WHERE id=$1", qid); err != nil {
		return nil, fmt.Errorf("accept quote: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE hire_quotes SET status='rejected', updated_at=now() WHERE task_id=$1 AND id != $2 AND status='pending'",
		tid, qid); err != nil {
		return nil, fmt.Errorf("reject siblings: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE hire_tasks SET status='in_escrow', updated_at=now() WHERE id=$1", tid); err != nil {
		return nil, fmt.Errorf("move task to escrow: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit accept: %w", err)
	}
	return &AcceptResult{TaskID: taskID, QuoteID: quoteID, Status: TaskInEscrow, EscrowedSats: price}, nil
}

// -- messages ---------------------------------------------------------------

func (s *PGStore) quoteParties(ctx context.Context, tid, qid uuid.UUID) (buyer, contractor uuid.UUID, quoteStatus string, err error) {
	err = s.pool.QueryRow(ctx,
		"SELECT buyer_account_id FROM hire_tasks WHERE id=$1", tid).Scan(&buyer)
	if errors.Is(err, pgx.ErrNoRows) {
		return buyer, contractor, "", ErrNotFound
	}
	if err != nil {
		return buyer, contractor, "", fmt.Errorf("get task: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		"SELECT contractor_account_id, status FROM hire_quotes WHERE id=$1 AND task_id=$2",
		qid, tid).Scan(&contractor, &quoteStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return buyer, contractor, "", ErrNotFound
	}
	if err != nil {
		return buyer, contractor, "", fmt.Errorf("get quote: %w", err)
	}
	return buyer, contractor, quoteStatus, nil
}

func (s *PGStore) SendQuoteMessage(ctx context.Context, taskID, quoteID, senderAccountID, body string) (*Message, error) {
	tid, err := uuid.Parse(taskID)
	if err != nil {
		return nil, ErrNotFound
	}
	qid, err := uuid.Parse(quoteID)
	if err != nil {
		return nil, ErrNotFound
	}
	buyer, contractor, quoteStatus, err := s.quoteParties(ctx, tid, qid)
	if err != nil {
		return nil, err
	}
	if quoteStatus == QuoteRejected {
		return nil, ErrInvalidState
	}
	if senderAccountID != buyer.String() && senderAccountID != contractor.String() {
		return nil, ErrForbidden
	}
	sender, _ := uuid.Parse(senderAccountID)

	var m Message
	var mtid, mqid, msender uuid.UUID
	err = s.pool.QueryRow(ctx, `
INSERT INTO hire_messages (task_id, quote_id, sender_account_id, body)
VALUES ($1,$2,$3,$4)
RETURNING id, task_id, quote_id, sender_account_id, body, created_at
`, tid, qid, sender, body).Scan(&m.ID, &mtid, &mqid, &msender, &m.Body, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	m.TaskID = mtid.String()
	m.QuoteID = mqid.String()
	m.SenderAccountID = msender.String()
	return &m, nil
}

func (s *PGStore) QuoteMessages(ctx context.Context, taskID, quoteID, callerAccountID string, sinceID int64) ([]*Message, error) {
	tid, err := uuid.Parse(taskID)
	if err != nil {
		return nil, ErrNotFound
	}
	qid, err := uuid.Parse(quoteID)
	if err != nil {
		return nil, ErrNotFound
	}
	buyer, contractor, _, err := s.quoteParties(ctx, tid, qid)
	if err != nil {
		return nil, err
	}
	if callerAccountID != buyer.String() && callerAccountID != contractor.String() {
		return nil, ErrForbidden
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, task_id, quote_id, sender_account_id, body, created_at
FROM hire_messages WHERE quote_id=$1 AND id > $2 ORDER BY id
`, qid, sinceID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var m Message
		var mtid, mqid, msender uuid.UUID
		if err := rows.Scan(&m.ID, &mtid, &mqid, &msender, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.TaskID = mtid.String()
		m.QuoteID = mqid.String()
		m.SenderAccountID = msender.String()
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// -- deliveries -------------------------------------------------------------

func (s *PGStore) CreateDelivery(ctx context.Context, taskID, contractorAccountID, filename, contentBase64, notes string) (*Delivery, error) {
	tid, err := uuid.Parse(taskID)
	if err != nil {
		return nil, ErrNotFound
	}
	contractor, err := uuid.Parse(contractorAccountID)
	if err != nil {
		return nil, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin delivery: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		"SELECT status FROM hire_tasks WHERE id=$1 FOR UPDATE", tid).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}
	if status != TaskInEscrow {
		return nil, ErrInvalidState
	}

	var quoteID uuid.UUID
	err = tx.QueryRow(ctx,
		"SELECT id FROM hire_quotes WHERE task_id=$1 AND contractor_account_id=$2 AND status='accepted'",
		tid, contractor).Scan(&quoteID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("find accepted quote: %w", err)
	}

	var d Delivery
	var did, dtid, dqid, dcontractor uuid.UUID
	err = tx.QueryRow(ctx, `
INSERT INTO hire_deliveries (id, task_id, quote_id, contractor_account_id, filename, content_base64, notes)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id, task_id, quote_id, contractor_account_id, filename, notes, created_at
`, uuid.New(), tid, quoteID, contractor, filename, contentBase64, notes).
		Scan(&did, &dtid, &dqid, &dcontractor, &d.Filename, &d.Notes, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}
	d.ID = did.String()
	d.TaskID = dtid.String()
	d.QuoteID = dqid.String()
	d.ContractorAccountID = dcontractor.String()

	if _, err := tx.Exec(ctx,
		"UPDATE hire_tasks SET status='delivered', updated_at=now() WHERE id=$1", tid); err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit delivery: %w", err)
	}
	return &d, nil
}

// ConfirmDelivery releases the escrow in one transaction: contractor
// credit, usage log, task completed.
func (s *PGStore) ConfirmDelivery(ctx context.Context, taskID, callerAccountID string) (*ConfirmResult, error) {
	tid, err := uuid.Parse(taskID)
	if err != nil {
		return nil, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin confirm: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	var buyer uuid.UUID
	err = tx.QueryRow(ctx,
		"SELECT status, buyer_account_id FROM hire_tasks WHERE id=$1 FOR UPDATE", tid).
		Scan(&status, &buyer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}
	if status != TaskDelivered {
		return nil, ErrInvalidState
	}
	if buyer.String() != callerAccountID {
		return nil, ErrForbidden
	}

	var contractor uuid.UUID
	var price int64
	err = tx.QueryRow(ctx,
		"SELECT contractor_account_id, price_sats FROM hire_quotes WHERE task_id=$1 AND status='accepted'",
		tid).Scan(&contractor, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, fmt.Errorf("find accepted quote: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance_sats = balance_sats + $1, updated_at = now() WHERE id=$2",
		price, contractor); err != nil {
		return nil, fmt.Errorf("credit contractor: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO usage_log (account_id, endpoint, amount_sats) VALUES ($1,$2,$3)",
		contractor, "hire:escrow_release:"+taskID, price); err != nil {
		return nil, fmt.Errorf("log escrow release: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE hire_tasks SET status='completed', updated_at=now() WHERE id=$1", tid); err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit confirm: %w", err)
	}
	return &ConfirmResult{
		TaskID:              taskID,
		Status:              TaskCompleted,
		ReleasedSats:        price,
		ContractorAccountID: contractor.String(),
	}, nil
}
