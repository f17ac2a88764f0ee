package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/ledger"
	"github.com/warp/gig-ledger/ledger/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var actor = domain.Actor{UserID: "admin-1", Role: domain.RoleAdmin}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T) (*ledger.Engine, *memory.Memory, *fakeClock) {
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: time.Date(2025, time.January, 10, 9, 0, 0, 0, time.UTC)}
	engine := ledger.NewEngine(store)
	engine.Now = clock.Now
	engine.Retry = ledger.RetryPolicy{MaxAttempts: 200, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return engine, store, clock
}

func seedUser(t *testing.T, store ledger.Store, id, balance string) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.CreateUser(context.Background(), domain.User{
			ID:      id,
			Email:   id + "@example.com",
			Balance: domain.MustMoney(balance),
			Role:    domain.RoleUser,
		})
	})
	require.NoError(t, err)
}

func balanceOf(t *testing.T, store ledger.Store, id string) domain.Money {
	t.Helper()
	u, err := store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.Balance
}

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

func TestCredit_WritesBalanceAndAuditEntry(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "1.00")

	entry, err := engine.Credit(ctx, actor, ledger.CreditInput{
		UserID: "u1", Amount: domain.MustMoney("2.50"), Type: domain.TxTaskReward, Source: "task",
	})
	require.NoError(t, err)

	assert.Equal(t, "3.50", balanceOf(t, store, "u1").String())
	assert.Equal(t, "admin-1", entry.CreatedBy)

	txs, err := store.ListTransactionsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "2.50", txs[0].Amount.String())
}

func TestCredit_NonPositive_Rejected(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seedUser(t, store, "u1", "0")

	_, err := engine.Credit(context.Background(), actor, ledger.CreditInput{
		UserID: "u1", Amount: domain.MustMoney("-1"), Type: domain.TxTaskReward,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestDebit_InsufficientBalance_LeavesBalanceUnchanged(t *testing.T) {
	// GIVEN: a user with 10.00
	// WHEN: debiting 10.01
	// THEN: the debit fails with the shortfall and nothing is written

	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "10.00")

	_, err := engine.Debit(ctx, actor, ledger.CreditInput{
		UserID: "u1", Amount: domain.MustMoney("10.01"), Type: domain.TxWithdrawal,
	})

	var insufficient *domain.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "0.01", insufficient.Shortfall().String())
	assert.Equal(t, "10.00", balanceOf(t, store, "u1").String())

	txs, _ := store.ListTransactionsByUser(ctx, "u1")
	assert.Empty(t, txs)
}

func TestCredit_UnknownUser_NotFound(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Credit(context.Background(), actor, ledger.CreditInput{
		UserID: "ghost", Amount: domain.MustMoney("1"), Type: domain.TxTaskReward,
	})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	assert.True(t, domain.IsNotFound(err))
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func TestRequestWithdrawal_DebitsImmediately(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "80.00")

	w, err := engine.RequestWithdrawal(ctx, domain.Actor{UserID: "u1", Role: domain.RoleUser}, ledger.WithdrawalInput{
		UserID: "u1", Amount: domain.MustMoney("50.00"), Method: domain.MethodTNG,
		Details: &domain.BankDetails{AccountNumber: "0123"},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.WithdrawalPending, w.Status)
	assert.Equal(t, "0123", w.Details.AccountNumber)
	assert.Equal(t, "30.00", balanceOf(t, store, "u1").String())
}

func TestRequestWithdrawal_BelowMinimum_Rejected(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seedUser(t, store, "u1", "80.00")

	_, err := engine.RequestWithdrawal(context.Background(), actor, ledger.WithdrawalInput{
		UserID: "u1", Amount: domain.MustMoney("49.99"), Method: domain.MethodBank,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Equal(t, "80.00", balanceOf(t, store, "u1").String())
}

func TestRequestWithdrawal_UnknownMethod_Rejected(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seedUser(t, store, "u1", "80.00")

	_, err := engine.RequestWithdrawal(context.Background(), actor, ledger.WithdrawalInput{
		UserID: "u1", Amount: domain.MustMoney("50"), Method: "PAYPAL",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidMethod)
}

func TestRequestWithdrawal_Concurrent_NeverNegative(t *testing.T) {
	// GIVEN: a user with 100.00
	// WHEN: ten withdrawals of 50.00 race
	// THEN: exactly two succeed and the balance ends at zero

	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "100.00")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.RequestWithdrawal(ctx, actor, ledger.WithdrawalInput{
				UserID: "u1", Amount: domain.MustMoney("50.00"), Method: domain.MethodTNG,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	assert.Equal(t, "0.00", balanceOf(t, store, "u1").String())

	pending, err := engine.PendingWithdrawals(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestResolveWithdrawal_Rejected_Refunds(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "60.00")

	w, err := engine.RequestWithdrawal(ctx, actor, ledger.WithdrawalInput{
		UserID: "u1", Amount: domain.MustMoney("60.00"), Method: domain.MethodBank,
	})
	require.NoError(t, err)
	require.Equal(t, "0.00", balanceOf(t, store, "u1").String())

	resolved, err := engine.ResolveWithdrawal(ctx, actor, w.ID, domain.WithdrawalRejected)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalRejected, resolved.Status)
	assert.Equal(t, "admin-1", resolved.ResolvedBy)
	assert.Equal(t, "60.00", balanceOf(t, store, "u1").String())

	// A second resolution is refused and does not refund twice.
	_, err = engine.ResolveWithdrawal(ctx, actor, w.ID, domain.WithdrawalRejected)
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	assert.Equal(t, "60.00", balanceOf(t, store, "u1").String())
}

func TestResolveWithdrawal_Paid_KeepsDebit(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "75.00")

	w, err := engine.RequestWithdrawal(ctx, actor, ledger.WithdrawalInput{
		UserID: "u1", Amount: domain.MustMoney("50.00"), Method: domain.MethodTNG,
	})
	require.NoError(t, err)

	_, err = engine.ResolveWithdrawal(ctx, actor, w.ID, domain.WithdrawalPaid)
	require.NoError(t, err)
	assert.Equal(t, "25.00", balanceOf(t, store, "u1").String())

	_, err = engine.ResolveWithdrawal(ctx, actor, w.ID, domain.WithdrawalPending)
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)
}

// =============================================================================
// DAILY CHECK-IN
// =============================================================================

func TestCheckIn_StreakGrowsAndCaps(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "0")

	expected := []string{"0.10", "0.20", "0.30", "0.40", "0.50", "0.50"}
	for i, want := range expected {
		res, err := engine.CheckIn(ctx, actor, "u1")
		require.NoError(t, err, "day %d", i+1)
		assert.Equal(t, want, res.Reward.String(), "day %d", i+1)
		assert.Equal(t, i+1, res.Streak)
		clock.Advance(24 * time.Hour)
	}
	assert.Equal(t, "2.00", balanceOf(t, store, "u1").String())
}

func TestCheckIn_WithinCooldown_Rejected(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "0")

	_, err := engine.CheckIn(ctx, actor, "u1")
	require.NoError(t, err)

	clock.Advance(19 * time.Hour)
	_, err = engine.CheckIn(ctx, actor, "u1")
	assert.ErrorIs(t, err, domain.ErrAlreadyCheckedIn)
	assert.Equal(t, "0.10", balanceOf(t, store, "u1").String())
}

func TestCheckIn_AfterGap_StreakResets(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "0")

	_, err := engine.CheckIn(ctx, actor, "u1")
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	res, err := engine.CheckIn(ctx, actor, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, res.Streak)

	clock.Advance(72 * time.Hour)
	res, err = engine.CheckIn(ctx, actor, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Streak)
	assert.Equal(t, "0.10", res.Reward.String())
}

func TestCheckIn_Concurrent_PaysOnce(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "0")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.CheckIn(ctx, actor, "u1")
		}()
	}
	wg.Wait()

	assert.Equal(t, "0.10", balanceOf(t, store, "u1").String())
}

// =============================================================================
// PARTNER POSTBACK
// =============================================================================

func TestCreditPostback_ReplayIgnored(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "0")

	in := ledger.PostbackInput{UserID: "u1", Amount: domain.MustMoney("1.25"), OfferID: "offer-9", Source: "cpx"}

	_, err := engine.CreditPostback(ctx, in)
	require.NoError(t, err)

	_, err = engine.CreditPostback(ctx, in)
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)
	assert.Equal(t, "1.25", balanceOf(t, store, "u1").String())
}

func TestPostbackKey_NoOffer_Empty(t *testing.T) {
	assert.Empty(t, ledger.PostbackKey(ledger.PostbackInput{UserID: "u1", Source: "cpx"}))
	assert.Equal(t, "postback:cpx:u1:o1", ledger.PostbackKey(ledger.PostbackInput{UserID: "u1", Source: "cpx", OfferID: "o1"}))
}

// =============================================================================
// READS
// =============================================================================

func TestLeaderboard_OrderedByBalance(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seedUser(t, store, "a", "5.00")
	seedUser(t, store, "b", "9.00")
	seedUser(t, store, "c", "5.00")

	top, err := engine.Leaderboard(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].ID)
	assert.Equal(t, "a", top[1].ID)
}

func TestUpdateBankDetails_UsedByWithdrawal(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "50.00")

	_, err := engine.UpdateBankDetails(ctx, "u1", domain.BankDetails{Method: "BANK", BankName: "Maybank", AccountNumber: "99"})
	require.NoError(t, err)

	w, err := engine.RequestWithdrawal(ctx, actor, ledger.WithdrawalInput{
		UserID: "u1", Amount: domain.MustMoney("50"), Method: domain.MethodBank,
	})
	require.NoError(t, err)
	assert.Equal(t, "Maybank", w.Details.BankName)
}

func TestUpdateAvatar(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, store, "u1", "0")

	_, err := engine.UpdateAvatar(ctx, "u1", "")
	assert.ErrorIs(t, err, domain.ErrMissingField)

	u, err := engine.UpdateAvatar(ctx, "u1", "avatars/1_me.png")
	require.NoError(t, err)
	assert.Equal(t, "avatars/1_me.png", u.AvatarKey)
	stored, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "avatars/1_me.png", stored.AvatarKey)
	assert.True(t, stored.Balance.IsZero())
}

// =============================================================================
// RETRY
// =============================================================================

type conflictingStore struct {
	*memory.Memory
	failures int
	calls    int
}

func (s *conflictingStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.calls++
	if s.calls <= s.failures {
		return domain.ErrConcurrentModification
	}
	return s.Memory.WithTx(ctx, fn)
}

func TestRunInTx_RetriesConflicts(t *testing.T) {
	store := &conflictingStore{Memory: memory.New(), failures: 2}
	policy := ledger.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	err := ledger.RunInTx(context.Background(), store, policy, func(ledger.Tx) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
}

func TestRunInTx_GivesUp(t *testing.T) {
	store := &conflictingStore{Memory: memory.New(), failures: 10}
	policy := ledger.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	err := ledger.RunInTx(context.Background(), store, policy, func(ledger.Tx) error { return nil })
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Equal(t, 2, store.calls)
}

func TestRunInTx_PreconditionNotRetried(t *testing.T) {
	store := &conflictingStore{Memory: memory.New()}
	boom := errors.New("boom")

	err := ledger.RunInTx(context.Background(), store, ledger.DefaultRetryPolicy, func(ledger.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.calls)
}

func TestBackoff_Doubles_AndCaps(t *testing.T) {
	p := ledger.RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 20*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 35*time.Millisecond, p.Backoff(4))
}
