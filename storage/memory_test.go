package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomHash(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return hex.EncodeToString(b)
}

// fundedAccount claims a topup into a fresh account and returns its token
// and account ID.
func fundedAccount(t *testing.T, s *MemStore, sats int64) (token, accountID string) {
	t.Helper()
	ctx := context.Background()
	hash := randomHash(t)
	require.NoError(t, s.CreateTopupInvoice(ctx, hash, sats, ""))
	res, err := s.ClaimTopupInvoice(ctx, hash, "")
	require.NoError(t, err)
	id, err := s.AccountIDByToken(ctx, res.Token)
	require.NoError(t, err)
	return res.Token, id
}

func TestTopupClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	hash := randomHash(t)
	require.NoError(t, s.CreateTopupInvoice(ctx, hash, 1000, ""))

	res, err := s.ClaimTopupInvoice(ctx, hash, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.BalanceSats)
	assert.True(t, len(res.Token) > 4 && res.Token[:4] == "sat_")

	_, err = s.ClaimTopupInvoice(ctx, hash, "")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	// Refill into the same account via its token.
	hash2 := randomHash(t)
	require.NoError(t, s.CreateTopupInvoice(ctx, hash2, 500, ""))
	remaining, err := s.DebitToken(ctx, res.Token, 200, "proxy:/v1/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, int64(800), remaining)

	res2, err := s.ClaimTopupInvoice(ctx, hash2, res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.Token, res2.Token)
	assert.Equal(t, int64(1300), res2.BalanceSats)
}

func TestTopupClaimUnknownHashAndToken(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.ClaimTopupInvoice(ctx, randomHash(t), "")
	assert.ErrorIs(t, err, ErrInvalidPayment)

	hash := randomHash(t)
	require.NoError(t, s.CreateTopupInvoice(ctx, hash, 100, ""))
	_, err = s.ClaimTopupInvoice(ctx, hash, "sat_doesnotexist")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTopupInvoiceBoundToAccount(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, accountID := fundedAccount(t, s, 100)
	otherToken, _ := fundedAccount(t, s, 100)

	hash := randomHash(t)
	require.NoError(t, s.CreateTopupInvoice(ctx, hash, 50, accountID))

	// Claiming an account-bound invoice needs that account's token.
	_, err := s.ClaimTopupInvoice(ctx, hash, "")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = s.ClaimTopupInvoice(ctx, hash, otherToken)
	assert.ErrorIs(t, err, ErrInvalidPayment)
}

func TestDebitInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	token, _ := fundedAccount(t, s, 100)

	_, err := s.DebitToken(ctx, token, 150, "proxy:/v1/embeddings")
	var ib *InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(100), ib.BalanceSats)
	assert.Equal(t, int64(150), ib.RequiredSats)

	// The failed debit must not have touched the balance.
	remaining, err := s.DebitToken(ctx, token, 100, "proxy:/v1/embeddings")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	token, accountID := fundedAccount(t, s, 1000)

	// 50 debits of 100 against a 1000 sat balance: exactly 10 can win.
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.DebitToken(ctx, token, 100, "proxy:test")
			if err == nil {
				wins.Add(1)
				return
			}
			var ib *InsufficientBalanceError
			if errors.As(err, &ib) {
				losses.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), wins.Load())
	assert.Equal(t, int32(40), losses.Load())
	info, err := s.AccountInfo(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.BalanceSats)
}

func TestUsageLogRecordsEveryMutation(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	token, accountID := fundedAccount(t, s, 500)
	_, err := s.DebitToken(ctx, token, 100, "proxy:/v1/chat/completions")
	require.NoError(t, err)
	require.NoError(t, s.CreditAccount(ctx, accountID, 50, "hire:refund"))

	log := s.UsageLog()
	require.Len(t, log, 3)
	assert.Equal(t, "topup:claim", log[0].Endpoint)
	assert.Equal(t, "proxy:/v1/chat/completions", log[1].Endpoint)
	assert.Equal(t, "hire:refund", log[2].Endpoint)
}

func TestEscrowWalkthrough(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	buyerToken, buyerID := fundedAccount(t, s, 1000)
	_, worker1 := fundedAccount(t, s, 0)
	_, worker2 := fundedAccount(t, s, 0)
	_ = buyerToken

	task, err := s.CreateTask(ctx, buyerID, "Translate docs", "EN to DE", 500)
	require.NoError(t, err)
	assert.Equal(t, TaskOpen, task.Status)

	q1, err := s.CreateQuote(ctx, task.ID, worker1, 400, "two days")
	require.NoError(t, err)
	q2, err := s.CreateQuote(ctx, task.ID, worker2, 350, "tomorrow")
	require.NoError(t, err)

	newPrice := int64(300)
	q1, err = s.UpdateQuote(ctx, task.ID, q1.ID, worker1, QuoteUpdate{PriceSats: &newPrice})
	require.NoError(t, err)
	assert.Equal(t, int64(300), q1.PriceSats)

	res, err := s.AcceptQuote(ctx, task.ID, q1.ID, buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), res.EscrowedSats)

	buyer, err := s.AccountInfo(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), buyer.BalanceSats, "buyer debited by exactly the accepted price")

	detail, err := s.GetTaskDetail(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskInEscrow, detail.Status)
	for _, q := range detail.Quotes {
		switch q.ID {
		case q1.ID:
			assert.Equal(t, QuoteAccepted, q.Status)
		case q2.ID:
			assert.Equal(t, QuoteRejected, q.Status)
		}
	}

	_, err = s.CreateDelivery(ctx, task.ID, worker1, "docs.zip", "aGVsbG8=", "done")
	require.NoError(t, err)
	confirm, err := s.ConfirmDelivery(ctx, task.ID, buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), confirm.ReleasedSats)
	assert.Equal(t, worker1, confirm.ContractorAccountID)

	w1, err := s.AccountInfo(ctx, worker1)
	require.NoError(t, err)
	assert.Equal(t, int64(300), w1.BalanceSats, "contractor credited on confirmation")

	detail, err = s.GetTaskDetail(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, detail.Status)
}

func TestEscrowStateMachineGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, buyerID := fundedAccount(t, s, 1000)
	_, worker1 := fundedAccount(t, s, 0)
	_, worker2 := fundedAccount(t, s, 0)

	task, err := s.CreateTask(ctx, buyerID, "Job", "", 500)
	require.NoError(t, err)
	q1, err := s.CreateQuote(ctx, task.ID, worker1, 200, "")
	require.NoError(t, err)

	// Only the buyer may accept.
	_, err = s.AcceptQuote(ctx, task.ID, q1.ID, worker2)
	assert.ErrorIs(t, err, ErrForbidden)

	// Buyers cannot quote on their own task.
	_, err = s.CreateQuote(ctx, task.ID, buyerID, 100, "")
	assert.ErrorIs(t, err, ErrForbidden)

	// Deliver before escrow is a state conflict.
	_, err = s.CreateDelivery(ctx, task.ID, worker1, "f", "", "")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = s.AcceptQuote(ctx, task.ID, q1.ID, buyerID)
	require.NoError(t, err)

	// Double accept fails once the task left open.
	_, err = s.AcceptQuote(ctx, task.ID, q1.ID, buyerID)
	assert.ErrorIs(t, err, ErrInvalidState)

	// Accepted quotes can no longer be edited.
	price := int64(50)
	_, err = s.UpdateQuote(ctx, task.ID, q1.ID, worker1, QuoteUpdate{PriceSats: &price})
	assert.ErrorIs(t, err, ErrInvalidState)

	// New quotes are refused once the task left open.
	_, err = s.CreateQuote(ctx, task.ID, worker2, 100, "")
	assert.ErrorIs(t, err, ErrInvalidState)

	// Only the accepted contractor may deliver.
	_, err = s.CreateDelivery(ctx, task.ID, worker2, "f", "", "")
	assert.ErrorIs(t, err, ErrForbidden)

	// Confirm before delivery is a state conflict.
	_, err = s.ConfirmDelivery(ctx, task.ID, buyerID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = s.CreateDelivery(ctx, task.ID, worker1, "f", "", "")
	require.NoError(t, err)

	// Only the buyer may confirm.
	_, err = s.ConfirmDelivery(ctx, task.ID, worker1)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAcceptQuoteInsufficientBalanceLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, buyerID := fundedAccount(t, s, 100)
	_, workerID := fundedAccount(t, s, 0)

	task, err := s.CreateTask(ctx, buyerID, "Job", "", 500)
	require.NoError(t, err)
	q, err := s.CreateQuote(ctx, task.ID, workerID, 400, "")
	require.NoError(t, err)

	_, err = s.AcceptQuote(ctx, task.ID, q.ID, buyerID)
	var ib *InsufficientBalanceError
	require.ErrorAs(t, err, &ib)

	detail, err := s.GetTaskDetail(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskOpen, detail.Status)
	assert.Equal(t, QuotePending, detail.Quotes[0].Status)
}

func TestMessageThreadIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, buyerID := fundedAccount(t, s, 1000)
	_, worker1 := fundedAccount(t, s, 0)
	_, worker2 := fundedAccount(t, s, 0)

	task, err := s.CreateTask(ctx, buyerID, "Job", "", 500)
	require.NoError(t, err)
	q1, err := s.CreateQuote(ctx, task.ID, worker1, 300, "")
	require.NoError(t, err)
	q2, err := s.CreateQuote(ctx, task.ID, worker2, 350, "")
	require.NoError(t, err)

	_, err = s.SendQuoteMessage(ctx, task.ID, q1.ID, buyerID, "can you start today?")
	require.NoError(t, err)
	_, err = s.SendQuoteMessage(ctx, task.ID, q1.ID, worker1, "yes")
	require.NoError(t, err)

	// A rival bidder cannot read or write another quote's thread.
	_, err = s.QuoteMessages(ctx, task.ID, q1.ID, worker2, 0)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = s.SendQuoteMessage(ctx, task.ID, q1.ID, worker2, "me too")
	assert.ErrorIs(t, err, ErrForbidden)

	msgs, err := s.QuoteMessages(ctx, task.ID, q1.ID, worker1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// since_id pagination.
	msgs, err = s.QuoteMessages(ctx, task.ID, q1.ID, buyerID, msgs[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "yes", msgs[0].Body)

	// After q1 is accepted, q2 is rejected and its thread closes.
	_, err = s.AcceptQuote(ctx, task.ID, q1.ID, buyerID)
	require.NoError(t, err)
	_, err = s.SendQuoteMessage(ctx, task.ID, q2.ID, worker2, "reconsider?")
	assert.ErrorIs(t, err, ErrInvalidState)

	// Accepted thread stays open.
	_, err = s.SendQuoteMessage(ctx, task.ID, q1.ID, worker1, "starting now")
	require.NoError(t, err)
}

func TestTaskDetailHidesDeliveryContent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, buyerID := fundedAccount(t, s, 1000)
	_, workerID := fundedAccount(t, s, 0)

	task, err := s.CreateTask(ctx, buyerID, "Job", "", 500)
	require.NoError(t, err)
	q, err := s.CreateQuote(ctx, task.ID, workerID, 300, "")
	require.NoError(t, err)
	_, err = s.AcceptQuote(ctx, task.ID, q.ID, buyerID)
	require.NoError(t, err)
	_, err = s.CreateDelivery(ctx, task.ID, workerID, "work.zip", "c2VjcmV0", "here")
	require.NoError(t, err)

	detail, err := s.GetTaskDetail(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, detail.Deliveries, 1)
	assert.Equal(t, "work.zip", detail.Deliveries[0].Filename)
	assert.Empty(t, detail.Deliveries[0].ContentBase64)
}
