// Package memory provides an in-memory ledger.Store.
//
// Transactions are optimistic: reads record the version of every document
// (and every collection scanned), writes are buffered, and commit fails with
// domain.ErrConcurrentModification if anything read has changed since. This
// mirrors the conflict-and-retry behaviour of a hosted document database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/ledger"
)

// =============================================================================
// TABLES
// =============================================================================

type row[T any] struct {
	version uint64
	value   T
}

type table[T any] struct {
	version uint64
	rows    map[string]row[T]
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]row[T])}
}

func (t *table[T]) get(id string) (T, uint64, bool) {
	r, ok := t.rows[id]
	return r.value, r.version, ok
}

func (t *table[T]) values() []T {
	out := make([]T, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r.value)
	}
	return out
}

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu    sync.Mutex
	clock uint64

	users        *table[domain.User]
	tasks        *table[domain.Task]
	submissions  *table[domain.Submission]
	withdrawals  *table[domain.Withdrawal]
	counters     *table[int64]
	transactions []domain.BalanceTransaction
	idempotency  map[string]bool
}

var _ ledger.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		users:       newTable[domain.User](),
		tasks:       newTable[domain.Task](),
		submissions: newTable[domain.Submission](),
		withdrawals: newTable[domain.Withdrawal](),
		counters:    newTable[int64](),
		idempotency: make(map[string]bool),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// READER (outside transactions)
// =============================================================================

func (m *Memory) GetUser(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, _, ok := m.users.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	return &u, nil
}

func (m *Memory) FindUserByReferralCode(_ context.Context, code string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := findUser(m.users.values(), func(u domain.User) bool { return code != "" && u.ReferralCode == code })
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCodeNotFound, code)
	}
	return &u, nil
}

func (m *Memory) FindUserByEmail(_ context.Context, email string) (*domain.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: empty email", domain.ErrUserNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := findUser(m.users.values(), func(u domain.User) bool { return strings.EqualFold(u.Email, email) })
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUserNotFound, email)
	}
	return &u, nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, _, ok := m.tasks.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return &t, nil
}

func (m *Memory) GetSubmission(_ context.Context, id string) (*domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _, ok := m.submissions.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubmissionNotFound, id)
	}
	return &s, nil
}

func (m *Memory) GetWithdrawal(_ context.Context, id string) (*domain.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, _, ok := m.withdrawals.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWithdrawalNotFound, id)
	}
	return &w, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (m *Memory) ListUsers(_ context.Context) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.users.values()
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (m *Memory) ListTasks(_ context.Context) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.tasks.values()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ReadableID < tasks[j].ReadableID })
	return tasks, nil
}

func (m *Memory) ListPendingSubmissions(_ context.Context) ([]domain.Submission, error) {
	return m.filterSubmissions(func(s domain.Submission) bool { return s.Status == domain.SubmissionPending }), nil
}

func (m *Memory) ListSubmissionsByUser(_ context.Context, userID string) ([]domain.Submission, error) {
	return m.filterSubmissions(func(s domain.Submission) bool { return s.UserID == userID }), nil
}

func (m *Memory) ListApprovedEarnings(_ context.Context, userID string, since time.Time) ([]domain.Submission, error) {
	return m.filterSubmissions(func(s domain.Submission) bool {
		return s.UserID == userID &&
			s.Status == domain.SubmissionApproved &&
			s.ReviewedAt != nil && s.ReviewedAt.After(since)
	}), nil
}

func (m *Memory) filterSubmissions(keep func(domain.Submission) bool) []domain.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Submission
	for _, s := range m.submissions.values() {
		if keep(s) {
			out = append(out, s)
		}
	}
	sortSubmissions(out)
	return out
}

func (m *Memory) ListWithdrawals(_ context.Context, status domain.WithdrawalStatus) ([]domain.Withdrawal, error) {
	return m.filterWithdrawals(func(w domain.Withdrawal) bool { return status == "" || w.Status == status }), nil
}

func (m *Memory) ListWithdrawalsByUser(_ context.Context, userID string) ([]domain.Withdrawal, error) {
	return m.filterWithdrawals(func(w domain.Withdrawal) bool { return w.UserID == userID }), nil
}

func (m *Memory) filterWithdrawals(keep func(domain.Withdrawal) bool) []domain.Withdrawal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Withdrawal
	for _, w := range m.withdrawals.values() {
		if keep(w) {
			out = append(out, w)
		}
	}
	// Newest first, matching the withdrawal history view.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.After(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) ListTransactionsByUser(_ context.Context, userID string) ([]domain.BalanceTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BalanceTransaction
	for _, t := range m.transactions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within an optimistic transaction.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx := newMemTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validate(tx.users, m.users); err != nil {
		return err
	}
	if err := validate(tx.tasks, m.tasks); err != nil {
		return err
	}
	if err := validate(tx.submissions, m.submissions); err != nil {
		return err
	}
	if err := validate(tx.withdrawals, m.withdrawals); err != nil {
		return err
	}
	if err := validate(tx.counters, m.counters); err != nil {
		return err
	}

	// Unique indexes are checked against committed state plus this batch.
	if err := m.checkUserUniqueness(tx); err != nil {
		return err
	}
	for _, t := range tx.appended {
		if t.IdempotencyKey != "" && m.idempotency[t.IdempotencyKey] {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateIdempotencyKey, t.IdempotencyKey)
		}
	}

	m.clock++
	apply(tx.users, m.users, m.clock)
	apply(tx.tasks, m.tasks, m.clock)
	apply(tx.submissions, m.submissions, m.clock)
	apply(tx.withdrawals, m.withdrawals, m.clock)
	apply(tx.counters, m.counters, m.clock)
	for _, t := range tx.appended {
		m.transactions = append(m.transactions, t)
		if t.IdempotencyKey != "" {
			m.idempotency[t.IdempotencyKey] = true
		}
	}
	return nil
}

func (m *Memory) checkUserUniqueness(tx *memTx) error {
	if len(tx.users.writes) == 0 {
		return nil
	}
	codes := make(map[string]string)
	emails := make(map[string]string)
	merged := make(map[string]domain.User, len(m.users.rows))
	for id, r := range m.users.rows {
		merged[id] = r.value
	}
	for id, u := range tx.users.writes {
		merged[id] = u
	}
	for id, u := range merged {
		if u.ReferralCode != "" {
			if other, ok := codes[u.ReferralCode]; ok && other != id {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateReferralCode, u.ReferralCode)
			}
			codes[u.ReferralCode] = id
		}
		if u.Email != "" {
			key := strings.ToLower(u.Email)
			if other, ok := emails[key]; ok && other != id {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateEmail, u.Email)
			}
			emails[key] = id
		}
	}
	return nil
}

// txTable buffers one collection's reads and writes for a transaction.
type txTable[T any] struct {
	reads   map[string]uint64 // id -> version observed (0 = absent)
	scanned bool
	scanVer uint64
	writes  map[string]T
}

func newTxTable[T any]() *txTable[T] {
	return &txTable[T]{reads: make(map[string]uint64), writes: make(map[string]T)}
}

func validate[T any](tt *txTable[T], t *table[T]) error {
	if tt.scanned && t.version != tt.scanVer {
		return domain.ErrConcurrentModification
	}
	for id, seen := range tt.reads {
		_, current, _ := t.get(id)
		if current != seen {
			return domain.ErrConcurrentModification
		}
	}
	return nil
}

func apply[T any](tt *txTable[T], t *table[T], clock uint64) {
	if len(tt.writes) == 0 {
		return
	}
	for id, v := range tt.writes {
		t.rows[id] = row[T]{version: clock, value: v}
	}
	t.version = clock
}

type memTx struct {
	m           *Memory
	users       *txTable[domain.User]
	tasks       *txTable[domain.Task]
	submissions *txTable[domain.Submission]
	withdrawals *txTable[domain.Withdrawal]
	counters    *txTable[int64]
	appended    []domain.BalanceTransaction
}

func newMemTx(m *Memory) *memTx {
	return &memTx{
		m:           m,
		users:       newTxTable[domain.User](),
		tasks:       newTxTable[domain.Task](),
		submissions: newTxTable[domain.Submission](),
		withdrawals: newTxTable[domain.Withdrawal](),
		counters:    newTxTable[int64](),
	}
}

// read returns the buffered write if any, otherwise the committed value,
// recording the committed version for validation at commit.
func read[T any](m *Memory, tt *txTable[T], t *table[T], id string) (T, bool) {
	if v, ok := tt.writes[id]; ok {
		return v, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, version, ok := t.get(id)
	if _, seen := tt.reads[id]; !seen {
		tt.reads[id] = version
	}
	return v, ok
}

// scan returns all committed values overlaid with buffered writes and marks
// the collection as scanned.
func scan[T any](m *Memory, tt *txTable[T], t *table[T]) []T {
	m.mu.Lock()
	if !tt.scanned {
		tt.scanned = true
		tt.scanVer = t.version
	}
	merged := make(map[string]T, len(t.rows))
	for id, r := range t.rows {
		merged[id] = r.value
	}
	m.mu.Unlock()

	for id, v := range tt.writes {
		merged[id] = v
	}
	out := make([]T, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	return out
}

func (tx *memTx) GetUser(_ context.Context, id string) (*domain.User, error) {
	u, ok := read(tx.m, tx.users, tx.m.users, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	return &u, nil
}

func (tx *memTx) FindUserByReferralCode(_ context.Context, code string) (*domain.User, error) {
	u, ok := findUser(scan(tx.m, tx.users, tx.m.users), func(u domain.User) bool { return code != "" && u.ReferralCode == code })
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCodeNotFound, code)
	}
	return &u, nil
}

func (tx *memTx) FindUserByEmail(_ context.Context, email string) (*domain.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: empty email", domain.ErrUserNotFound)
	}
	u, ok := findUser(scan(tx.m, tx.users, tx.m.users), func(u domain.User) bool { return strings.EqualFold(u.Email, email) })
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUserNotFound, email)
	}
	return &u, nil
}

func (tx *memTx) GetTask(_ context.Context, id string) (*domain.Task, error) {
	t, ok := read(tx.m, tx.tasks, tx.m.tasks, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return &t, nil
}

func (tx *memTx) GetSubmission(_ context.Context, id string) (*domain.Submission, error) {
	s, ok := read(tx.m, tx.submissions, tx.m.submissions, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubmissionNotFound, id)
	}
	return &s, nil
}

func (tx *memTx) GetWithdrawal(_ context.Context, id string) (*domain.Withdrawal, error) {
	w, ok := read(tx.m, tx.withdrawals, tx.m.withdrawals, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWithdrawalNotFound, id)
	}
	return &w, nil
}

func (tx *memTx) ListSubmissionsByUser(_ context.Context, userID string) ([]domain.Submission, error) {
	var out []domain.Submission
	for _, s := range scan(tx.m, tx.submissions, tx.m.submissions) {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sortSubmissions(out)
	return out, nil
}

func (tx *memTx) CreateUser(ctx context.Context, u domain.User) error {
	if _, ok := read(tx.m, tx.users, tx.m.users, u.ID); ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateUser, u.ID)
	}
	return tx.PutUser(ctx, u)
}

func (tx *memTx) PutUser(_ context.Context, u domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	tx.users.writes[u.ID] = u
	return nil
}

func (tx *memTx) PutTask(_ context.Context, t domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	tx.tasks.writes[t.ID] = t
	return nil
}

func (tx *memTx) PutSubmission(_ context.Context, s domain.Submission) error {
	if err := s.Validate(); err != nil {
		return err
	}
	tx.submissions.writes[s.ID] = s
	return nil
}

func (tx *memTx) PutWithdrawal(_ context.Context, w domain.Withdrawal) error {
	if err := w.Validate(); err != nil {
		return err
	}
	tx.withdrawals.writes[w.ID] = w
	return nil
}

func (tx *memTx) AppendTransaction(_ context.Context, t domain.BalanceTransaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.IdempotencyKey != "" {
		for _, pending := range tx.appended {
			if pending.IdempotencyKey == t.IdempotencyKey {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateIdempotencyKey, t.IdempotencyKey)
			}
		}
		tx.m.mu.Lock()
		used := tx.m.idempotency[t.IdempotencyKey]
		tx.m.mu.Unlock()
		if used {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateIdempotencyKey, t.IdempotencyKey)
		}
	}
	tx.appended = append(tx.appended, t)
	return nil
}

func (tx *memTx) NextSequence(_ context.Context, name string) (int64, error) {
	current, _ := read(tx.m, tx.counters, tx.m.counters, name)
	next := current + 1
	tx.counters.writes[name] = next
	return next, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func findUser(users []domain.User, match func(domain.User) bool) (domain.User, bool) {
	// Deterministic pick when data is inconsistent: lowest id wins.
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	for _, u := range users {
		if match(u) {
			return u, true
		}
	}
	return domain.User{}, false
}

func sortSubmissions(subs []domain.Submission) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].SubmittedAt.Equal(subs[j].SubmittedAt) {
			return subs[i].SubmittedAt.Before(subs[j].SubmittedAt)
		}
		return subs[i].ID < subs[j].ID
	})
}
