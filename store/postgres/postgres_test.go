package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/ledger"
	"github.com/warp/gig-ledger/store/postgres"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// newTestStore connects to TEST_DATABASE_URL and empties every table. Tests
// are skipped when no database is configured.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := postgres.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, postgres.Truncate(ctx, store))
	return store
}

// PostgreSQL keeps microseconds.
var created = time.Date(2025, time.February, 1, 8, 30, 0, 123456000, time.UTC)

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
// TESTS
// =============================================================================

func TestUser_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	parent := "p1"
	u := testUser("u1", "ABC123")
	u.ReferredBy = &parent
	u.BankDetails = domain.BankDetails{Method: "TNG", AccountNumber: "0123"}

	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error { return tx.CreateUser(ctx, u) })

	got, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "12.34", got.Balance.String())
	assert.Equal(t, "p1", *got.ReferredBy)
	assert.Equal(t, u.BankDetails, got.BankDetails)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Nil(t, got.LastCheckIn)

	byEmail, err := store.FindUserByEmail(ctx, "U1@EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.ID)

	_, err = store.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestUser_UniqueConstraints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error { return tx.CreateUser(ctx, testUser("u1", "ABC123")) })

	// WHEN: another user takes the same code
	err := store.WithTx(ctx, func(tx ledger.Tx) error { return tx.CreateUser(ctx, testUser("u2", "ABC123")) })
	assert.ErrorIs(t, err, domain.ErrDuplicateReferralCode)

	// WHEN: the id is reused with the same email
	err = store.WithTx(ctx, func(tx ledger.Tx) error { return tx.CreateUser(ctx, testUser("u1", "")) })
	assert.ErrorIs(t, err, domain.ErrDuplicateUser)
	assert.NotErrorIs(t, err, domain.ErrDuplicateEmail)
}

func TestAppendTransaction_DuplicateKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := domain.BalanceTransaction{
		ID: "t1", UserID: "u1", Amount: domain.MustMoney("1.00"),
		Type: domain.TxOfferwall, IdempotencyKey: "postback:x", Date: created,
	}
	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error { return tx.AppendTransaction(ctx, entry) })

	entry.ID = "t2"
	err := store.WithTx(ctx, func(tx ledger.Tx) error { return tx.AppendTransaction(ctx, entry) })
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)

	txs, err := store.ListTransactionsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "postback:x", txs[0].IdempotencyKey)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateUser(ctx, testUser("u1", "")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestNextSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var got []int64
	for i := 0; i < 3; i++ {
		err := store.WithTx(ctx, func(tx ledger.Tx) error {
			n, err := tx.NextSequence(ctx, "tasks")
			got = append(got, n)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestEngine_ConcurrentWithdrawals_NeverNegative(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u := testUser("u1", "")
	u.Balance = domain.MustMoney("100.00")
	mustTx(t, store, func(ctx context.Context, tx ledger.Tx) error { return tx.CreateUser(ctx, u) })

	engine := ledger.NewEngine(store)
	engine.Retry = ledger.RetryPolicy{MaxAttempts: 100, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.RequestWithdrawal(ctx, domain.Actor{UserID: "u1", Role: domain.RoleUser},
				ledger.WithdrawalInput{UserID: "u1", Amount: domain.MustMoney("50.00"), Method: domain.MethodTNG})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, successes)
	got, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}
