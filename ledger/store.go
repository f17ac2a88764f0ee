/*
Package ledger is the Balance Transaction Engine and the Ledger Store contract.

PURPOSE:
  Every balance change in the system (task payout, referral bonus, daily
  check-in, partner postback, withdrawal debit and refund) goes through this
  package. An operation reads the documents it needs inside a store
  transaction, re-validates its preconditions against that fresh state,
  writes the balance, any auxiliary record and an audit BalanceTransaction,
  and commits all of it as one unit.

KEY INTERFACES:
  Reader: point lookups available inside and outside a transaction
  Tx:     Reader + writes, valid only inside WithTx
  Store:  Reader + list queries + WithTx

TRANSACTION CONTRACT:
  WithTx runs fn exactly once. If fn returns an error nothing is written.
  If another writer committed a conflicting change first, WithTx returns
  domain.ErrConcurrentModification and the caller may run fn again; RunInTx
  in retry.go does exactly that.

IMPLEMENTATIONS:
  - ledger/memory:  optimistic version checks (tests, dev)
  - store/sqlite:   single-writer SQLite transactions
  - store/postgres: SERIALIZABLE PostgreSQL transactions

SEE ALSO:
  - engine.go: balance operations
  - retry.go:  optimistic retry wrapper
*/
package ledger

import (
	"context"
	"time"

	"github.com/warp/gig-ledger/domain"
)

// =============================================================================
// STORE - Ledger Store contract
// =============================================================================

// Reader looks up single documents. Missing documents are reported with the
// matching domain not-found error.
type Reader interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	FindUserByReferralCode(ctx context.Context, code string) (*domain.User, error) // domain.ErrCodeNotFound
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	GetSubmission(ctx context.Context, id string) (*domain.Submission, error)
	GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error)
}

// Tx is the transactional view handed to WithTx callbacks.
type Tx interface {
	Reader

	// CreateUser inserts a new user; domain.ErrDuplicateUser if the id exists.
	CreateUser(ctx context.Context, u domain.User) error
	PutUser(ctx context.Context, u domain.User) error
	PutTask(ctx context.Context, t domain.Task) error
	PutSubmission(ctx context.Context, s domain.Submission) error
	PutWithdrawal(ctx context.Context, w domain.Withdrawal) error

	// AppendTransaction adds an audit entry. Append-only: there is no update.
	// Returns domain.ErrDuplicateIdempotencyKey if the key was already used.
	AppendTransaction(ctx context.Context, t domain.BalanceTransaction) error

	// NextSequence atomically increments and returns the named counter.
	NextSequence(ctx context.Context, name string) (int64, error)

	// ListSubmissionsByUser is available inside a transaction so duplicate
	// submission checks observe the same snapshot as the write.
	ListSubmissionsByUser(ctx context.Context, userID string) ([]domain.Submission, error)
}

// Store is the Ledger Store.
type Store interface {
	Reader

	ListUsers(ctx context.Context) ([]domain.User, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	ListPendingSubmissions(ctx context.Context) ([]domain.Submission, error)
	ListSubmissionsByUser(ctx context.Context, userID string) ([]domain.Submission, error)

	// ListApprovedEarnings returns approved submissions of a user reviewed
	// strictly after since.
	ListApprovedEarnings(ctx context.Context, userID string, since time.Time) ([]domain.Submission, error)

	// ListWithdrawals returns withdrawals with the given status, or all when
	// status is empty.
	ListWithdrawals(ctx context.Context, status domain.WithdrawalStatus) ([]domain.Withdrawal, error)
	ListWithdrawalsByUser(ctx context.Context, userID string) ([]domain.Withdrawal, error)
	ListTransactionsByUser(ctx context.Context, userID string) ([]domain.BalanceTransaction, error)

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Close() error
}
