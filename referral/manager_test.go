package referral_test

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
	"github.com/warp/gig-ledger/referral"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var admin = domain.Actor{UserID: "admin", Role: domain.RoleAdmin}

var base = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*referral.Manager, *memory.Memory) {
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	engine := ledger.NewEngine(store)
	engine.Now = func() time.Time { return base }
	engine.Retry = ledger.RetryPolicy{MaxAttempts: 200, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return referral.NewManager(engine), store
}

// put writes users directly, bypassing the cycle guard, to build fixtures.
func put(t *testing.T, store ledger.Store, users ...domain.User) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx ledger.Tx) error {
		for _, u := range users {
			if u.Role == "" {
				u.Role = domain.RoleUser
			}
			if u.Email == "" {
				u.Email = u.ID + "@example.com"
			}
			if err := tx.PutUser(context.Background(), u); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func ref(id string) *string { return &id }

func node(id, code, parent string, created int) domain.User {
	u := domain.User{ID: id, ReferralCode: code, CreatedAt: base.Add(time.Duration(created) * time.Minute)}
	if parent != "" {
		u.ReferredBy = ref(parent)
	}
	return u
}

func getUser(t *testing.T, store ledger.Store, id string) *domain.User {
	t.Helper()
	u, err := store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

// =============================================================================
// CODES
// =============================================================================

func TestGenerateCode_Shape(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := referral.GenerateCode()
		require.NoError(t, err)
		assert.True(t, domain.ValidReferralCode(code))
	}
}

func TestEnsureCode_AssignsOnce(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	put(t, store, node("u1", "", "", 0))

	code, err := mgr.EnsureCode(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, domain.ValidReferralCode(code))

	again, err := mgr.EnsureCode(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, code, again)
}

func TestEnsureCode_Collision_Retries(t *testing.T) {
	// GIVEN: the generator first returns a code already owned by u1
	// WHEN: u2 gets a code
	// THEN: the collision is retried and u2 receives the next candidate

	mgr, store := newTestManager(t)
	put(t, store, node("u1", "AAAAAA", "", 0), node("u2", "", "", 1))

	candidates := []string{"AAAAAA", "BBBBBB"}
	mgr.GenerateCode = func() (string, error) {
		c := candidates[0]
		candidates = candidates[1:]
		return c, nil
	}

	code, err := mgr.EnsureCode(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", code)
}

func TestEnsureCode_Exhausted(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store, node("u1", "AAAAAA", "", 0), node("u2", "", "", 1))
	mgr.GenerateCode = func() (string, error) { return "AAAAAA", nil }

	_, err := mgr.EnsureCode(context.Background(), "u2")
	assert.ErrorIs(t, err, domain.ErrCodeSpaceExhausted)
}

func TestResolveCode(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	put(t, store, node("u1", "K9X2A1", "", 0))

	id, err := mgr.ResolveCode(ctx, " k9x2a1 ")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	_, err = mgr.ResolveCode(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, domain.ErrCodeNotFound)

	_, err = mgr.ResolveCode(ctx, "bad")
	assert.ErrorIs(t, err, domain.ErrCodeNotFound)
}

// =============================================================================
// CYCLE GUARD
// =============================================================================

func TestAttach_DescendantAsParent_CycleDetected(t *testing.T) {
	// GIVEN: A -> B -> C (C referred by B, B referred by A)
	// WHEN: A is attached under C
	// THEN: the link is refused and A stays a root

	mgr, store := newTestManager(t)
	put(t, store,
		node("A", "AAAAAA", "", 0),
		node("B", "BBBBBB", "A", 1),
		node("C", "CCCCCC", "B", 2),
	)

	_, err := mgr.Attach(context.Background(), admin, "A", "CCCCCC")

	var cycle *domain.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"C", "B", "A"}, cycle.Path)
	assert.True(t, domain.IsClientError(err))
	assert.False(t, getUser(t, store, "A").HasReferrer())
}

func TestAttach_Self_Rejected(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store, node("A", "AAAAAA", "", 0))

	_, err := mgr.Attach(context.Background(), admin, "A", "AAAAAA")
	assert.ErrorIs(t, err, domain.ErrSelfReferral)
}

func TestAttach_Reparent_NoRewards(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store,
		node("A", "AAAAAA", "", 0),
		node("B", "BBBBBB", "", 1),
		node("C", "CCCCCC", "A", 2),
	)

	u, err := mgr.Attach(context.Background(), admin, "C", "bbbbbb")
	require.NoError(t, err)
	assert.Equal(t, "B", *u.ReferredBy)
	assert.Equal(t, "BBBBBB", u.ReferredByCode)
	assert.True(t, getUser(t, store, "B").Balance.IsZero())
	assert.Equal(t, 0, getUser(t, store, "B").ReferralCount)
}

func TestAttach_ParentInStoredLoop_Terminates(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store,
		node("X", "XXXXXX", "Y", 0),
		node("Y", "YYYYYY", "X", 1),
		node("Z", "ZZZZZZ", "", 2),
	)

	_, err := mgr.Attach(context.Background(), admin, "Z", "XXXXXX")
	assert.NoError(t, err)
}

func TestAttach_Concurrent_NoCycle(t *testing.T) {
	// GIVEN: two roots A and B
	// WHEN: A -> B and B -> A are attached concurrently
	// THEN: at most one succeeds and the forest stays acyclic

	mgr, store := newTestManager(t)
	ctx := context.Background()
	put(t, store, node("A", "AAAAAA", "", 0), node("B", "BBBBBB", "", 1))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = mgr.Attach(ctx, admin, "A", "BBBBBB") }()
	go func() { defer wg.Done(); _, errs[1] = mgr.Attach(ctx, admin, "B", "AAAAAA") }()
	wg.Wait()

	a, b := getUser(t, store, "A"), getUser(t, store, "B")
	assert.False(t, a.HasReferrer() && b.HasReferrer(), "both linked: cycle")
	assert.True(t, errs[0] == nil || errs[1] == nil)
}

func TestDetach_ChildrenKeepPointer(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store,
		node("A", "AAAAAA", "", 0),
		node("B", "BBBBBB", "A", 1),
		node("C", "CCCCCC", "B", 2),
	)

	_, err := mgr.UnlinkByEmail(context.Background(), admin, "B@example.com")
	require.NoError(t, err)

	assert.False(t, getUser(t, store, "B").HasReferrer())
	assert.Equal(t, "B", *getUser(t, store, "C").ReferredBy)
}

func TestLinkByEmail(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store, node("A", "AAAAAA", "", 0), node("B", "BBBBBB", "", 1))

	_, err := mgr.LinkByEmail(context.Background(), admin, "B@example.com", "AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "A", *getUser(t, store, "B").ReferredBy)

	_, err = mgr.LinkByEmail(context.Background(), admin, "nobody@example.com", "AAAAAA")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestByEmail_Blank_TouchesNobody(t *testing.T) {
	// GIVEN: a referred user that has no email on file
	mgr, store := newTestManager(t)
	put(t, store, node("P", "PPPPPP", "", 0))
	require.NoError(t, store.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.PutUser(context.Background(), domain.User{ID: "C", Role: domain.RoleUser, ReferredBy: ref("P")})
	}))
	put(t, store, node("Q", "QQQQQQ", "", 1))

	// WHEN: the admin submits the forms with a blank email
	for _, email := range []string{"", "   "} {
		_, err := mgr.UnlinkByEmail(context.Background(), admin, email)
		assert.ErrorIs(t, err, domain.ErrMissingField)

		_, err = mgr.LinkByEmail(context.Background(), admin, email, "QQQQQQ")
		assert.ErrorIs(t, err, domain.ErrMissingField)
	}

	// THEN: the emailless user keeps its parent
	assert.Equal(t, "P", *getUser(t, store, "C").ReferredBy)
}

// =============================================================================
// REFERRAL REWARD
// =============================================================================

func TestProcessReferral_CreditsBothSides(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	put(t, store, node("R", "RRRRRR", "", 0), node("N", "NNNNNN", "", 1))

	require.NoError(t, mgr.ProcessReferral(ctx, "N", "RRRRRR"))

	r, n := getUser(t, store, "R"), getUser(t, store, "N")
	assert.Equal(t, "2.00", r.Balance.String())
	assert.Equal(t, 1, r.ReferralCount)
	assert.Equal(t, "2.00", n.Balance.String())
	assert.Equal(t, "R", *n.ReferredBy)
	assert.Equal(t, "RRRRRR", n.ReferredByCode)

	rtx, _ := store.ListTransactionsByUser(ctx, "R")
	ntx, _ := store.ListTransactionsByUser(ctx, "N")
	require.Len(t, rtx, 1)
	require.Len(t, ntx, 1)
	assert.Equal(t, domain.TxReferralBonus, rtx[0].Type)
}

func TestProcessReferral_UnknownCode_NothingWritten(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store, node("N", "NNNNNN", "", 0))

	err := mgr.ProcessReferral(context.Background(), "N", "QQQQQQ")
	assert.ErrorIs(t, err, domain.ErrCodeNotFound)
	assert.True(t, getUser(t, store, "N").Balance.IsZero())
}

func TestProcessReferral_OwnCode_Rejected(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store, node("N", "NNNNNN", "", 0))

	err := mgr.ProcessReferral(context.Background(), "N", "NNNNNN")
	assert.ErrorIs(t, err, domain.ErrSelfReferral)
	assert.True(t, getUser(t, store, "N").Balance.IsZero())
}

func TestProcessReferral_Twice_PaysOnce(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	put(t, store, node("R", "RRRRRR", "", 0), node("S", "SSSSSS", "", 1), node("N", "NNNNNN", "", 2))

	require.NoError(t, mgr.ProcessReferral(ctx, "N", "RRRRRR"))
	err := mgr.ProcessReferral(ctx, "N", "SSSSSS")
	assert.ErrorIs(t, err, domain.ErrAlreadyReferred)

	assert.Equal(t, "2.00", getUser(t, store, "N").Balance.String())
	assert.True(t, getUser(t, store, "S").Balance.IsZero())
}

func TestProcessReferral_WouldCycle_NothingWritten(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store, node("N", "NNNNNN", "", 0), node("C", "CCCCCC", "N", 1))

	err := mgr.ProcessReferral(context.Background(), "N", "CCCCCC")
	assert.ErrorIs(t, err, domain.ErrCycleDetected)
	assert.True(t, getUser(t, store, "C").Balance.IsZero())
	assert.Equal(t, 0, getUser(t, store, "C").ReferralCount)
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestRegister_WithCode(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store, node("R", "RRRRRR", "", 0))

	reg, err := mgr.Register(context.Background(), referral.NewUser{ID: "N", Email: "n@example.com"}, "rrrrrr")
	require.NoError(t, err)
	require.NoError(t, reg.ReferralErr)

	assert.True(t, domain.ValidReferralCode(reg.User.ReferralCode))
	assert.Equal(t, "2.00", reg.User.Balance.String())
	assert.Equal(t, "R", *reg.User.ReferredBy)
}

func TestRegister_BadCode_AccountStillCreated(t *testing.T) {
	mgr, _ := newTestManager(t)

	reg, err := mgr.Register(context.Background(), referral.NewUser{ID: "N", Email: "n@example.com"}, "QQQQQQ")
	require.NoError(t, err)
	assert.ErrorIs(t, reg.ReferralErr, domain.ErrCodeNotFound)
	assert.Equal(t, "N", reg.User.ID)
	assert.True(t, reg.User.Balance.IsZero())
}

func TestRegister_Existing_Conflict(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Register(ctx, referral.NewUser{ID: "N", Email: "n@example.com"}, "")
	require.NoError(t, err)
	_, err = mgr.Register(ctx, referral.NewUser{ID: "N", Email: "n@example.com"}, "")
	assert.ErrorIs(t, err, domain.ErrDuplicateUser)
}

func TestBackfillCodes(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	put(t, store, node("A", "AAAAAA", "", 0), node("B", "", "", 1), node("C", "", "", 2))

	n, err := mgr.BackfillCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, domain.ValidReferralCode(getUser(t, store, "B").ReferralCode))
	assert.Equal(t, "AAAAAA", getUser(t, store, "A").ReferralCode)

	n, err = mgr.BackfillCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// =============================================================================
// TREE
// =============================================================================

func TestMaterializeTree_ShapeAndOrder(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store,
		node("root", "AAAAAA", "", 0),
		node("late", "BBBBBB", "root", 5),
		node("early", "CCCCCC", "root", 1),
		node("grand", "DDDDDD", "early", 6),
		node("orphan", "EEEEEE", "deleted-user", 2),
	)

	forest, err := mgr.MaterializeTree(context.Background())
	require.NoError(t, err)

	require.Len(t, forest, 2)
	assert.Equal(t, "root", forest[0].User.ID)
	assert.Equal(t, "orphan", forest[1].User.ID)
	require.Len(t, forest[0].Children, 2)
	assert.Equal(t, "early", forest[0].Children[0].User.ID)
	assert.Equal(t, "late", forest[0].Children[1].User.ID)
	assert.Equal(t, 3, referral.CountDescendants(forest[0]))
}

func TestMaterializeTree_Idempotent(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store,
		node("a", "AAAAAA", "", 0),
		node("b", "BBBBBB", "a", 0),
		node("c", "CCCCCC", "a", 0),
		node("d", "DDDDDD", "c", 0),
	)

	first, err := mgr.MaterializeTree(context.Background())
	require.NoError(t, err)
	second, err := mgr.MaterializeTree(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Every edge in the tree is a stored parent pointer.
	var walk func(n *referral.Node)
	walk = func(n *referral.Node) {
		for _, c := range n.Children {
			stored := getUser(t, store, c.User.ID)
			require.True(t, stored.HasReferrer(), c.User.ID)
			assert.Equal(t, n.User.ID, *stored.ReferredBy, c.User.ID)
			walk(c)
		}
	}
	for _, root := range second {
		assert.False(t, getUser(t, store, root.User.ID).HasReferrer(), root.User.ID)
		walk(root)
	}
	assert.Equal(t, 3, referral.CountDescendants(referral.Find(second, "a")))
}

func TestMaterializeTree_StoredCycle_PromotedToRoot(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store,
		node("x", "XXXXXX", "y", 0),
		node("y", "YYYYYY", "x", 1),
		node("z", "ZZZZZZ", "", 2),
	)

	forest, err := mgr.MaterializeTree(context.Background())
	require.NoError(t, err)

	total := 0
	for _, n := range forest {
		total += 1 + referral.CountDescendants(n)
	}
	assert.Equal(t, 3, total, "every user appears exactly once")
	assert.Equal(t, "z", forest[0].User.ID)
	assert.Equal(t, "x", forest[1].User.ID)
}

func TestMoveImpact(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	put(t, store,
		node("a", "AAAAAA", "", 0),
		node("b", "BBBBBB", "a", 1),
		node("c", "CCCCCC", "b", 2),
		node("d", "DDDDDD", "b", 3),
	)

	n, err := mgr.MoveImpact(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = mgr.MoveImpact(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

// =============================================================================
// FAILURES
// =============================================================================

var errLookup = errors.New("lookup unavailable")

// failingCodeLookup fails every referral code lookup made inside a transaction.
type failingCodeLookup struct {
	*memory.Memory
}

func (s failingCodeLookup) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx ledger.Tx) error { return fn(failingTx{tx}) })
}

type failingTx struct {
	ledger.Tx
}

func (failingTx) FindUserByReferralCode(context.Context, string) (*domain.User, error) {
	return nil, errLookup
}

func TestRegister_CodeLookupFails_NotCreated(t *testing.T) {
	// GIVEN: a store whose code lookup errors inside transactions
	mgr, store := newTestManager(t)
	mgr.Engine.Store = failingCodeLookup{store}

	// WHEN
	_, err := mgr.Register(context.Background(), referral.NewUser{ID: "N", Email: "n@example.com"}, "")

	// THEN: the error surfaces and no account is written
	assert.ErrorIs(t, err, errLookup)
	_, err = store.GetUser(context.Background(), "N")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestGenerateCode_Failure_Returned(t *testing.T) {
	mgr, store := newTestManager(t)
	put(t, store, node("u1", "", "", 0))
	errRand := errors.New("entropy unavailable")
	mgr.GenerateCode = func() (string, error) { return "", errRand }

	_, err := mgr.EnsureCode(context.Background(), "u1")
	assert.ErrorIs(t, err, errRand)

	_, err = mgr.Register(context.Background(), referral.NewUser{ID: "N"}, "")
	assert.ErrorIs(t, err, errRand)
}
