/*
Package domain holds the typed records of the rewards ledger.

PURPOSE:
  Every document the Ledger Store persists is represented here as an explicit
  struct with a Validate method. Stores call Validate after decoding a row and
  before writing one, so a malformed record is rejected at the boundary
  instead of leaking into balance arithmetic.

KEY TYPES:
  - User:               account with balance, referral code and referrer pointer
  - Task:               admin-created micro task with reward, limit and expiry
  - Submission:         a user's claim of task completion (reward snapshot)
  - Withdrawal:         payout request, debited from balance at request time
  - BalanceTransaction: append-only audit entry for every balance change
  - Actor:              the already-authenticated caller of an operation

INVARIANTS:
  1. User.Balance is never negative
  2. User.ReferredBy never points at the user itself (cycles are guarded by
     the referral package)
  3. Submission and Withdrawal reference users and tasks by id only
  4. BalanceTransaction entries are never mutated

SEE ALSO:
  - money.go:  fixed-point amounts
  - errors.go: failure taxonomy shared by all packages
*/
package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// ACTOR - Explicit caller identity
// =============================================================================

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Actor is the authenticated caller. It is produced by the HTTP boundary and
// passed into every operation; the core records it but never re-checks it.
type Actor struct {
	UserID string
	Role   Role
}

// SystemActor is used by scheduled jobs and partner callbacks.
var SystemActor = Actor{UserID: "system", Role: RoleAdmin}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// =============================================================================
// USER
// =============================================================================

type BankDetails struct {
	Method        string `json:"method,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	HolderName    string `json:"holder_name,omitempty"`
}

type User struct {
	ID             string
	Email          string
	Name           string
	Balance        Money
	ReferralCode   string
	ReferredBy     *string
	ReferredByCode string
	ReferralCount  int
	CheckInStreak  int
	LastCheckIn    *time.Time
	BankDetails    BankDetails
	AvatarKey      string
	Role           Role
	CreatedAt      time.Time
}

// ReferralCodeLength is the fixed length of generated referral codes.
const ReferralCodeLength = 6

var referralCodePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// ValidReferralCode reports whether code has the generated shape.
func ValidReferralCode(code string) bool { return referralCodePattern.MatchString(code) }

// NormalizeCode upper-cases and trims user-typed referral codes.
func NormalizeCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

func (u User) Validate() error {
	if u.ID == "" {
		return invalid("user", "id", "required")
	}
	if u.Balance.IsNegative() {
		return invalid("user", "balance", "negative")
	}
	if u.ReferralCode != "" && !ValidReferralCode(u.ReferralCode) {
		return invalid("user", "referral_code", "malformed")
	}
	if u.ReferredBy != nil && *u.ReferredBy == u.ID {
		return invalid("user", "referred_by", "self reference")
	}
	switch u.Role {
	case RoleUser, RoleAdmin:
	default:
		return invalid("user", "role", fmt.Sprintf("unknown role %q", u.Role))
	}
	return nil
}

// HasReferrer reports whether the user has a non-empty parent pointer.
func (u User) HasReferrer() bool { return u.ReferredBy != nil && *u.ReferredBy != "" }

// =============================================================================
// TASK
// =============================================================================

type Task struct {
	ID             string
	ReadableID     int64
	Title          string
	Description    string
	Instructions   string
	Link           string
	Platform       string
	Reward         Money
	Limit          int
	CompletedCount int
	IsActive       bool
	ExpiryDate     *time.Time
	CreatedAt      time.Time
}

// AvailableAt reports whether new submissions are accepted at now.
func (t Task) AvailableAt(now time.Time) bool {
	if !t.IsActive {
		return false
	}
	if t.Limit > 0 && t.CompletedCount >= t.Limit {
		return false
	}
	if t.ExpiryDate != nil && !now.Before(*t.ExpiryDate) {
		return false
	}
	return true
}

func (t Task) Validate() error {
	if t.ID == "" {
		return invalid("task", "id", "required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return invalid("task", "title", "required")
	}
	if !t.Reward.IsPositive() {
		return invalid("task", "reward", "must be positive")
	}
	if t.Limit < 0 {
		return invalid("task", "limit", "negative")
	}
	if t.CompletedCount < 0 {
		return invalid("task", "completed_count", "negative")
	}
	return nil
}

// =============================================================================
// SUBMISSION
// =============================================================================

type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionApproved SubmissionStatus = "approved"
	SubmissionRejected SubmissionStatus = "rejected"
)

type Submission struct {
	ID          string
	UserID      string
	TaskID      string
	TaskTitle   string
	Reward      Money // snapshot of Task.Reward at submission time
	Proof       string
	Status      SubmissionStatus
	SubmittedAt time.Time
	ReviewedAt  *time.Time
	ReviewedBy  string
}

func (s Submission) Validate() error {
	if s.ID == "" || s.UserID == "" || s.TaskID == "" {
		return invalid("submission", "id/user_id/task_id", "required")
	}
	if !s.Reward.IsPositive() {
		return invalid("submission", "reward", "must be positive")
	}
	switch s.Status {
	case SubmissionPending:
		if s.ReviewedAt != nil {
			return invalid("submission", "reviewed_at", "set on pending submission")
		}
	case SubmissionApproved, SubmissionRejected:
	default:
		return invalid("submission", "status", fmt.Sprintf("unknown status %q", s.Status))
	}
	return nil
}

// =============================================================================
// WITHDRAWAL
// =============================================================================

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalPaid     WithdrawalStatus = "paid"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

type PayoutMethod string

const (
	MethodTNG  PayoutMethod = "TNG"
	MethodBank PayoutMethod = "BANK"
)

func (m PayoutMethod) Valid() bool { return m == MethodTNG || m == MethodBank }

type Withdrawal struct {
	ID          string
	UserID      string
	Amount      Money
	Method      PayoutMethod
	Details     BankDetails
	Status      WithdrawalStatus
	RequestedAt time.Time
	ResolvedAt  *time.Time
	ResolvedBy  string
}

func (w Withdrawal) Validate() error {
	if w.ID == "" || w.UserID == "" {
		return invalid("withdrawal", "id/user_id", "required")
	}
	if !w.Amount.IsPositive() {
		return invalid("withdrawal", "amount", "must be positive")
	}
	if !w.Method.Valid() {
		return invalid("withdrawal", "method", fmt.Sprintf("unknown method %q", w.Method))
	}
	switch w.Status {
	case WithdrawalPending, WithdrawalPaid, WithdrawalRejected:
	default:
		return invalid("withdrawal", "status", fmt.Sprintf("unknown status %q", w.Status))
	}
	return nil
}

// =============================================================================
// BALANCE TRANSACTION - Append-only audit entry
// =============================================================================

type TransactionType string

const (
	TxTaskReward       TransactionType = "task_reward"
	TxReferralBonus    TransactionType = "referral_bonus"
	TxCheckIn          TransactionType = "check_in"
	TxOfferwall        TransactionType = "offerwall"
	TxWithdrawal       TransactionType = "withdrawal"
	TxWithdrawalRefund TransactionType = "withdrawal_refund"
)

type BalanceTransaction struct {
	ID             string
	UserID         string
	Amount         Money // signed: credits positive, debits negative
	Type           TransactionType
	Source         string
	ReferenceID    string
	IdempotencyKey string
	CreatedBy      string
	Date           time.Time
}

func (t BalanceTransaction) Validate() error {
	if t.ID == "" || t.UserID == "" {
		return invalid("transaction", "id/user_id", "required")
	}
	if t.Amount.IsZero() {
		return invalid("transaction", "amount", "zero")
	}
	if t.Type == "" {
		return invalid("transaction", "type", "required")
	}
	return nil
}
