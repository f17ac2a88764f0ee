/*
engine.go - Balance Transaction Engine

PURPOSE:
  Executes every balance mutation as one atomic store transaction:

    1. read the user (and any other document involved) through the Tx
    2. validate preconditions against that fresh state
    3. write balance + auxiliary records + audit entry
    4. return a typed error and write nothing if any check fails

OPERATION FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │  validate input ──▶ RunInTx ──▶ Post (read user, check, write) │
  │  (no store I/O)        │              │                          │
  │                        │              └──▶ AppendTransaction     │
  │                        └── retried on ErrConcurrentModification  │
  └──────────────────────────────────────────────────────────────────┘

  Input validation (amount > 0, minimum withdrawal, payout method) happens
  before any transaction starts. Everything that depends on stored state is
  checked inside the transaction body, which is re-run from scratch on retry.

NO NEGATIVE BALANCE:
  Post refuses any change that would take the balance below zero and returns
  *domain.InsufficientBalanceError; the surrounding transaction rolls back.

EXACTLY ONCE:
  Callers that must not double-pay (postbacks, submission approvals) set an
  IdempotencyKey on the Posting. The store's unique index on that key turns a
  replay into domain.ErrDuplicateIdempotencyKey and the transaction aborts.

SEE ALSO:
  - review/workflow.go:  approval payout uses Post inside its own transaction
  - referral/manager.go: ProcessReferral credits both sides with Post
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/warp/gig-ledger/domain"
)

// =============================================================================
// RULES - Amounts and windows used by the engine
// =============================================================================

type Rules struct {
	MinWithdrawal   domain.Money
	ReferralBonus   domain.Money
	CheckInBase     domain.Money
	CheckInStep     domain.Money
	CheckInMax      domain.Money
	CheckInCooldown time.Duration
	StreakWindow    time.Duration
}

var DefaultRules = Rules{
	MinWithdrawal:   domain.MustMoney("50.00"),
	ReferralBonus:   domain.MustMoney("2.00"),
	CheckInBase:     domain.MustMoney("0.10"),
	CheckInStep:     domain.MustMoney("0.10"),
	CheckInMax:      domain.MustMoney("0.50"),
	CheckInCooldown: 20 * time.Hour,
	StreakWindow:    48 * time.Hour,
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store  Store
	Retry  RetryPolicy
	Rules  Rules
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

func NewEngine(store Store) *Engine {
	return &Engine{
		Store:  store,
		Retry:  DefaultRetryPolicy,
		Rules:  DefaultRules,
		Now:    time.Now,
		NewID:  uuid.NewString,
		Logger: slog.Default(),
	}
}

// Run executes fn with the engine's retry policy.
func (e *Engine) Run(ctx context.Context, fn func(Tx) error) error {
	return RunInTx(ctx, e.Store, e.Retry, fn)
}

// Posting is one signed balance change together with its audit entry.
type Posting struct {
	UserID         string
	Amount         domain.Money // positive credits, negative debits
	Type           domain.TransactionType
	Source         string
	ReferenceID    string
	IdempotencyKey string
}

// Post applies p inside tx: it re-reads the user, refuses a negative result,
// writes the new balance and appends the audit entry. The updated user is
// returned so callers can make further changes to the same document.
func (e *Engine) Post(ctx context.Context, tx Tx, actor domain.Actor, p Posting) (*domain.User, *domain.BalanceTransaction, error) {
	if p.Amount.IsZero() {
		return nil, nil, fmt.Errorf("%w: zero posting", domain.ErrInvalidAmount)
	}

	user, err := tx.GetUser(ctx, p.UserID)
	if err != nil {
		return nil, nil, err
	}

	next := user.Balance.Add(p.Amount)
	if next.IsNegative() {
		return nil, nil, &domain.InsufficientBalanceError{
			UserID:    user.ID,
			Available: user.Balance,
			Requested: p.Amount.Neg(),
		}
	}
	user.Balance = next

	entry := domain.BalanceTransaction{
		ID:             e.NewID(),
		UserID:         user.ID,
		Amount:         p.Amount,
		Type:           p.Type,
		Source:         p.Source,
		ReferenceID:    p.ReferenceID,
		IdempotencyKey: p.IdempotencyKey,
		CreatedBy:      actor.UserID,
		Date:           e.Now(),
	}
	if err := tx.AppendTransaction(ctx, entry); err != nil {
		return nil, nil, err
	}
	if err := tx.PutUser(ctx, *user); err != nil {
		return nil, nil, err
	}
	return user, &entry, nil
}

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

type CreditInput struct {
	UserID         string
	Amount         domain.Money
	Type           domain.TransactionType
	Source         string
	ReferenceID    string
	IdempotencyKey string
}

// Credit adds a positive amount to a user's balance.
func (e *Engine) Credit(ctx context.Context, actor domain.Actor, in CreditInput) (*domain.BalanceTransaction, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user id", domain.ErrMissingField)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit must be positive, got %s", domain.ErrInvalidAmount, in.Amount)
	}

	var entry *domain.BalanceTransaction
	err := e.Run(ctx, func(tx Tx) error {
		_, posted, err := e.Post(ctx, tx, actor, Posting{
			UserID:         in.UserID,
			Amount:         in.Amount,
			Type:           in.Type,
			Source:         in.Source,
			ReferenceID:    in.ReferenceID,
			IdempotencyKey: in.IdempotencyKey,
		})
		entry = posted
		return err
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("balance credited",
		"user_id", in.UserID, "amount", in.Amount.String(), "type", in.Type)
	return entry, nil
}

// Debit removes a positive amount from a user's balance. It fails with
// domain.ErrInsufficientBalance rather than going below zero.
func (e *Engine) Debit(ctx context.Context, actor domain.Actor, in CreditInput) (*domain.BalanceTransaction, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user id", domain.ErrMissingField)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: debit must be positive, got %s", domain.ErrInvalidAmount, in.Amount)
	}

	var entry *domain.BalanceTransaction
	err := e.Run(ctx, func(tx Tx) error {
		_, posted, err := e.Post(ctx, tx, actor, Posting{
			UserID:         in.UserID,
			Amount:         in.Amount.Neg(),
			Type:           in.Type,
			Source:         in.Source,
			ReferenceID:    in.ReferenceID,
			IdempotencyKey: in.IdempotencyKey,
		})
		entry = posted
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type WithdrawalInput struct {
	UserID  string
	Amount  domain.Money
	Method  domain.PayoutMethod
	Details *domain.BankDetails // nil uses the user's saved bank details
}

// RequestWithdrawal debits the balance and records a pending withdrawal in
// the same transaction. The debit happens now, not at payout time.
func (e *Engine) RequestWithdrawal(ctx context.Context, actor domain.Actor, in WithdrawalInput) (*domain.Withdrawal, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user id", domain.ErrMissingField)
	}
	if in.Amount.LessThan(e.Rules.MinWithdrawal) {
		return nil, fmt.Errorf("%w: minimum withdrawal is %s", domain.ErrInvalidAmount, e.Rules.MinWithdrawal)
	}
	if !in.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidMethod, in.Method)
	}

	var result domain.Withdrawal
	err := e.Run(ctx, func(tx Tx) error {
		w := domain.Withdrawal{
			ID:          e.NewID(),
			UserID:      in.UserID,
			Amount:      in.Amount,
			Method:      in.Method,
			Status:      domain.WithdrawalPending,
			RequestedAt: e.Now(),
		}

		user, _, err := e.Post(ctx, tx, actor, Posting{
			UserID:      in.UserID,
			Amount:      in.Amount.Neg(),
			Type:        domain.TxWithdrawal,
			Source:      string(in.Method),
			ReferenceID: w.ID,
		})
		if err != nil {
			return err
		}

		if in.Details != nil {
			w.Details = *in.Details
		} else {
			w.Details = user.BankDetails
		}
		if err := tx.PutWithdrawal(ctx, w); err != nil {
			return err
		}
		result = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("withdrawal requested",
		"user_id", in.UserID, "withdrawal_id", result.ID, "amount", in.Amount.String(), "method", in.Method)
	return &result, nil
}

// ResolveWithdrawal moves a pending withdrawal to paid or rejected. A
// rejection refunds the debited amount in the same transaction.
func (e *Engine) ResolveWithdrawal(ctx context.Context, actor domain.Actor, id string, status domain.WithdrawalStatus) (*domain.Withdrawal, error) {
	if status != domain.WithdrawalPaid && status != domain.WithdrawalRejected {
		return nil, fmt.Errorf("%w: cannot resolve withdrawal to %q", domain.ErrInvalidRecord, status)
	}

	var result domain.Withdrawal
	err := e.Run(ctx, func(tx Tx) error {
		w, err := tx.GetWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != domain.WithdrawalPending {
			return fmt.Errorf("%w: withdrawal %s is %s", domain.ErrAlreadyResolved, w.ID, w.Status)
		}

		if status == domain.WithdrawalRejected {
			if _, _, err := e.Post(ctx, tx, actor, Posting{
				UserID:         w.UserID,
				Amount:         w.Amount,
				Type:           domain.TxWithdrawalRefund,
				Source:         string(w.Method),
				ReferenceID:    w.ID,
				IdempotencyKey: "withdrawal-refund:" + w.ID,
			}); err != nil {
				return err
			}
		}

		now := e.Now()
		w.Status = status
		w.ResolvedAt = &now
		w.ResolvedBy = actor.UserID
		if err := tx.PutWithdrawal(ctx, *w); err != nil {
			return err
		}
		result = *w
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("withdrawal resolved", "withdrawal_id", id, "status", status, "by", actor.UserID)
	return &result, nil
}

func (e *Engine) Withdrawals(ctx context.Context, userID string) ([]domain.Withdrawal, error) {
	return e.Store.ListWithdrawalsByUser(ctx, userID)
}

func (e *Engine) PendingWithdrawals(ctx context.Context) ([]domain.Withdrawal, error) {
	return e.Store.ListWithdrawals(ctx, domain.WithdrawalPending)
}

// AllWithdrawals lists withdrawals with status, or every withdrawal when
// status is empty.
func (e *Engine) AllWithdrawals(ctx context.Context, status domain.WithdrawalStatus) ([]domain.Withdrawal, error) {
	return e.Store.ListWithdrawals(ctx, status)
}

// =============================================================================
// DAILY CHECK-IN
// =============================================================================

type CheckInResult struct {
	Reward domain.Money
	Streak int
}

// CheckIn pays the daily streak reward. The cooldown and streak are computed
// from the LastCheckIn read inside the transaction.
func (e *Engine) CheckIn(ctx context.Context, actor domain.Actor, userID string) (*CheckInResult, error) {
	var result CheckInResult
	err := e.Run(ctx, func(tx Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		now := e.Now()
		streak := 1
		if user.LastCheckIn != nil {
			hours := int(math.Ceil(math.Abs(now.Sub(*user.LastCheckIn).Hours())))
			if hours < int(e.Rules.CheckInCooldown.Hours()) {
				return fmt.Errorf("%w: next check-in after %s", domain.ErrAlreadyCheckedIn,
					user.LastCheckIn.Add(e.Rules.CheckInCooldown).Format(time.RFC3339))
			}
			if hours < int(e.Rules.StreakWindow.Hours()) {
				streak = user.CheckInStreak + 1
			}
		}

		reward := domain.MinMoney(
			e.Rules.CheckInBase.Add(e.Rules.CheckInStep.MulInt(int64(streak-1))),
			e.Rules.CheckInMax,
		)

		updated, _, err := e.Post(ctx, tx, actor, Posting{
			UserID: userID,
			Amount: reward,
			Type:   domain.TxCheckIn,
			Source: "daily_check_in",
		})
		if err != nil {
			return err
		}
		updated.LastCheckIn = &now
		updated.CheckInStreak = streak
		if err := tx.PutUser(ctx, *updated); err != nil {
			return err
		}

		result = CheckInResult{Reward: reward, Streak: streak}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// =============================================================================
// PARTNER POSTBACK
// =============================================================================

type PostbackInput struct {
	UserID  string
	Amount  domain.Money
	OfferID string
	Source  string
}

// PostbackKey identifies a partner callback so a replay is not paid twice.
// Callbacks without an offer id cannot be deduplicated.
func PostbackKey(in PostbackInput) string {
	if in.OfferID == "" {
		return ""
	}
	return fmt.Sprintf("postback:%s:%s:%s", in.Source, in.UserID, in.OfferID)
}

// CreditPostback credits an offer-wall reward reported by a partner.
func (e *Engine) CreditPostback(ctx context.Context, in PostbackInput) (*domain.BalanceTransaction, error) {
	entry, err := e.Credit(ctx, domain.SystemActor, CreditInput{
		UserID:         in.UserID,
		Amount:         in.Amount,
		Type:           domain.TxOfferwall,
		Source:         in.Source,
		ReferenceID:    in.OfferID,
		IdempotencyKey: PostbackKey(in),
	})
	if err != nil {
		if errorsIsAny(err, domain.ErrDuplicateIdempotencyKey) {
			e.Logger.Warn("postback replay ignored", "user_id", in.UserID, "offer_id", in.OfferID)
		}
		return nil, err
	}
	return entry, nil
}

// =============================================================================
// PROFILE & READS
// =============================================================================

// UpdateBankDetails saves the payout destination shown on withdrawal requests.
func (e *Engine) UpdateBankDetails(ctx context.Context, userID string, details domain.BankDetails) (*domain.User, error) {
	var result domain.User
	err := e.Run(ctx, func(tx Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		user.BankDetails = details
		if err := tx.PutUser(ctx, *user); err != nil {
			return err
		}
		result = *user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateAvatar stores the object key of the user's uploaded avatar.
func (e *Engine) UpdateAvatar(ctx context.Context, userID, key string) (*domain.User, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: avatar key", domain.ErrMissingField)
	}
	var result domain.User
	err := e.Run(ctx, func(tx Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		user.AvatarKey = key
		if err := tx.PutUser(ctx, *user); err != nil {
			return err
		}
		result = *user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *Engine) User(ctx context.Context, userID string) (*domain.User, error) {
	return e.Store.GetUser(ctx, userID)
}

// Users lists every account for the admin console.
func (e *Engine) Users(ctx context.Context) ([]domain.User, error) {
	return e.Store.ListUsers(ctx)
}

func (e *Engine) Transactions(ctx context.Context, userID string) ([]domain.BalanceTransaction, error) {
	return e.Store.ListTransactionsByUser(ctx, userID)
}

// Leaderboard returns the top users by balance, highest first.
func (e *Engine) Leaderboard(ctx context.Context, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 10
	}
	users, err := e.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(users, func(i, j int) bool {
		if c := users[i].Balance.Cmp(users[j].Balance); c != 0 {
			return c > 0
		}
		return users[i].ID < users[j].ID
	})
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}
