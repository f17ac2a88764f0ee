package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/ledger"
	"github.com/warp/gig-ledger/review"
	"github.com/warp/gig-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var created = time.Date(2025, time.February, 1, 8, 30, 0, 123456789, time.UTC)

func testUser(id, code string) domain.User {
	return domain.User{
		ID:           id,
		Email:        id + "@example.com",
		Name:         "User " + id,
		Balance:      domain.MustMoney("12.34"),
		ReferralCode: code,
		Role:         domain.RoleUser,
		CreatedAt:    created,
	}
}

func mustTx(t *testing.T, store ledger.Store, fn func(ctx context.Context, tx ledger.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error { return fn(ctx, tx) }))
}

// =============================================================================
// USERS
// =============================================================================

func TestUser_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	parent := "p1"
	checkIn := created.Add(time.Hour)
	u := testUser("u1", "ABC123")
	u.ReferredBy = &parent
	u.ReferredByCode = "PPPPPP"
	u.ReferralCount = 3
	u.CheckInStreak = 2
	u.LastCheckIn = &checkIn
	u.BankDetails = domain.BankDetails{Method: "BANK", BankName: "CIMB", AccountNumber: "7788", HolderName: "A"}

	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error { return tx.CreateUser(ctx, u) })

	got, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "12.34", got.Balance.String())
	assert.Equal(t, "p1", *got.ReferredBy)
	assert.Equal(t, "PPPPPP", got.ReferredByCode)
	assert.Equal(t, 3, got.ReferralCount)
	assert.Equal(t, u.BankDetails, got.BankDetails)
	assert.True(t, got.CreatedAt.Equal(created))
	require.NotNil(t, got.LastCheckIn)
	assert.True(t, got.LastCheckIn.Equal(checkIn))

	byCode, err := store.FindUserByReferralCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "u1", byCode.ID)

	byEmail, err := store.FindUserByEmail(ctx, "U1@EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.ID)
}

func TestUser_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	_, err = store.FindUserByReferralCode(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, domain.ErrCodeNotFound)
}

func TestUser_DanglingReferrer_Stored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	orphan := testUser("u1", "AAAAAA")
	gone := "deleted-parent"
	orphan.ReferredBy = &gone
	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error { return tx.CreateUser(ctx, orphan) })

	got, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, got.HasReferrer())
	assert.Equal(t, gone, *got.ReferredBy)
}

func TestFindUserByEmail_Blank_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	noEmail := testUser("u1", "AAAAAA")
	noEmail.Email = ""
	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error { return tx.CreateUser(ctx, noEmail) })

	_, err := store.FindUserByEmail(ctx, "")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.FindUserByEmail(ctx, " ")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestUser_UniqueConstraints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error { return tx.CreateUser(ctx, testUser("u1", "AAAAAA")) })

	// Same id and same email: the id wins.
	err := store.WithTx(ctx, func(tx ledger.Tx) error { return tx.CreateUser(ctx, testUser("u1", "BBBBBB")) })
	assert.ErrorIs(t, err, domain.ErrDuplicateUser)
	assert.NotErrorIs(t, err, domain.ErrDuplicateEmail)

	err = store.WithTx(ctx, func(tx ledger.Tx) error { return tx.CreateUser(ctx, testUser("u2", "AAAAAA")) })
	assert.ErrorIs(t, err, domain.ErrDuplicateReferralCode)

	dupEmail := testUser("u3", "CCCCCC")
	dupEmail.Email = "U1@example.com"
	err = store.WithTx(ctx, func(tx ledger.Tx) error { return tx.CreateUser(ctx, dupEmail) })
	assert.ErrorIs(t, err, domain.ErrDuplicateEmail)

	// Users without a code do not collide with each other.
	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.CreateUser(ctx, testUser("u4", "")); err != nil {
			return err
		}
		return tx.CreateUser(ctx, testUser("u5", ""))
	})
}

func TestWithTx_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateUser(ctx, testUser("u1", "")); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = store.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

// =============================================================================
// TRANSACTIONS & COUNTERS
// =============================================================================

func TestAppendTransaction_DuplicateKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entry := domain.BalanceTransaction{
		ID: "t1", UserID: "u1", Amount: domain.MustMoney("-5.00"), Type: domain.TxWithdrawal,
		IdempotencyKey: "k1", CreatedBy: "u1", Date: created,
	}

	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error { return tx.AppendTransaction(ctx, entry) })

	entry.ID = "t2"
	err := store.WithTx(ctx, func(tx ledger.Tx) error { return tx.AppendTransaction(ctx, entry) })
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)

	// Entries without a key never collide.
	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error {
		for _, id := range []string{"t3", "t4"} {
			e := entry
			e.ID, e.IdempotencyKey = id, ""
			if err := tx.AppendTransaction(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})

	txs, err := store.ListTransactionsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "-5.00", txs[0].Amount.String())
	assert.Equal(t, "k1", txs[0].IdempotencyKey)
}

func TestNextSequence(t *testing.T) {
	store := newTestStore(t)

	var got []int64
	for i := 0; i < 3; i++ {
		mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error {
			n, err := tx.NextSequence(ctx, "tasks")
			got = append(got, n)
			return err
		})
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

// =============================================================================
// SUBMISSIONS & WITHDRAWALS
// =============================================================================

func TestListApprovedEarnings_StrictlyAfter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2025, time.January, 25, 23, 59, 59, 0, time.UTC)
	justAfter := cutoff.Add(500 * time.Millisecond)
	exactly := cutoff

	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error {
		for id, reviewed := range map[string]*time.Time{"at": &exactly, "after": &justAfter} {
			if err := tx.PutSubmission(ctx, domain.Submission{
				ID: id, UserID: "u1", TaskID: "t1", Reward: domain.MustMoney("1.00"),
				Status: domain.SubmissionApproved, SubmittedAt: created, ReviewedAt: reviewed,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	got, err := store.ListApprovedEarnings(ctx, "u1", cutoff)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "after", got[0].ID)
}

func TestWithdrawal_RoundTripAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error {
		for i, status := range []domain.WithdrawalStatus{domain.WithdrawalPending, domain.WithdrawalPaid} {
			if err := tx.PutWithdrawal(ctx, domain.Withdrawal{
				ID: []string{"w1", "w2"}[i], UserID: "u1", Amount: domain.MustMoney("50"), Method: domain.MethodTNG,
				Details: domain.BankDetails{AccountNumber: "0123"}, Status: status,
				RequestedAt: created.Add(time.Duration(i) * time.Hour),
			}); err != nil {
				return err
			}
		}
		return nil
	})

	pending, err := store.ListWithdrawals(ctx, domain.WithdrawalPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "w1", pending[0].ID)
	assert.Equal(t, "0123", pending[0].Details.AccountNumber)

	all, err := store.ListWithdrawalsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "w2", all[0].ID, "newest first")

	_, err = store.GetWithdrawal(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrWithdrawalNotFound)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_ConcurrentWithdrawals_NeverNegative(t *testing.T) {
	// GIVEN: a file-backed store and a user with 100.00
	// WHEN: six 50.00 withdrawals race
	// THEN: exactly two succeed

	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	u := testUser("u1", "")
	u.Balance = domain.MustMoney("100.00")
	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error { return tx.CreateUser(ctx, u) })

	engine := ledger.NewEngine(store)
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.RequestWithdrawal(ctx, domain.SystemActor, ledger.WithdrawalInput{
				UserID: "u1", Amount: domain.MustMoney("50.00"), Method: domain.MethodBank,
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, ok)
	got, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "0.00", got.Balance.String())
}

func TestReview_ApproveFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error { return tx.CreateUser(ctx, testUser("u1", "")) })

	svc := review.NewService(ledger.NewEngine(store))
	admin := domain.Actor{UserID: "admin", Role: domain.RoleAdmin}

	task, err := svc.CreateTask(ctx, admin, review.TaskInput{Title: "Like post", Reward: domain.MustMoney("0.75"), Limit: 5})
	require.NoError(t, err)

	sub, err := svc.Submit(ctx, domain.Actor{UserID: "u1", Role: domain.RoleUser}, task.ID, "done")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, admin, sub.ID)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, admin, sub.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyReviewed)

	u, _ := store.GetUser(ctx, "u1")
	assert.Equal(t, "13.09", u.Balance.String())
	gotTask, _ := store.GetTask(ctx, task.ID)
	assert.Equal(t, 1, gotTask.CompletedCount)
	assert.True(t, gotTask.IsActive)
}
