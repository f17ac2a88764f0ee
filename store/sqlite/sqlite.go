/*
Package sqlite provides a SQLite-backed ledger.Store.

PURPOSE:
  Default persistent backend. Every ledger.Tx is one SQLite transaction
  opened with BEGIN IMMEDIATE, so the write lock is taken up front and two
  balance operations on the same user can never interleave.

APPEND-ONLY ENFORCEMENT:
  balance_transactions is insert-only:
  - No UPDATE statements on balance_transactions
  - No DELETE statements on balance_transactions
  - Refunds are new rows of type withdrawal_refund

KEY TABLES:
  users:                balance, referral code, parent pointer
  tasks:                catalogue with readable_id from counters
  submissions:          review state machine with reward snapshot
  withdrawals:          payout requests
  balance_transactions: audit log, unique idempotency_key
  counters:             named sequences (NextSequence)

UNIQUE INDEXES:
  - idx_users_referral_code -> domain.ErrDuplicateReferralCode
  - idx_users_email         -> domain.ErrDuplicateEmail
  - balance_transactions.idempotency_key -> domain.ErrDuplicateIdempotencyKey

CONCURRENCY:
  The pool is limited to a single connection; SQLite allows one writer at a
  time anyway, and ":memory:" databases exist per connection. SQLITE_BUSY and
  SQLITE_LOCKED are reported as domain.ErrConcurrentModification so callers
  retry through ledger.RunInTx.

  Inside WithTx every read goes through the *sql.Tx. Reaching for the parent
  *sql.DB from inside fn would wait forever for the only connection.

TIME FORMAT:
  Timestamps are stored in UTC with a fixed-width layout so that string
  comparison in SQL matches chronological order.

USAGE:
  store, err := sqlite.New("./data/gig.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/memory:   in-memory implementation for tests
  - store/postgres:  PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		balance TEXT NOT NULL DEFAULT '0.00',
		referral_code TEXT NOT NULL DEFAULT '',
		referred_by TEXT,
		referred_by_code TEXT NOT NULL DEFAULT '',
		referral_count INTEGER NOT NULL DEFAULT 0,
		check_in_streak INTEGER NOT NULL DEFAULT 0,
		last_check_in TEXT,
		bank_details_json TEXT NOT NULL DEFAULT '{}',
		avatar_key TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user',
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_referral_code
		ON users(referral_code) WHERE referral_code <> '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email
		ON users(email COLLATE NOCASE) WHERE email <> '';
	CREATE INDEX IF NOT EXISTS idx_users_referred_by
		ON users(referred_by) WHERE referred_by IS NOT NULL;

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		readable_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		instructions TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		reward TEXT NOT NULL,
		task_limit INTEGER NOT NULL DEFAULT 0,
		completed_count INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		expiry_date TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		task_title TEXT NOT NULL DEFAULT '',
		reward TEXT NOT NULL,
		proof TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		reviewed_at TEXT,
		reviewed_by TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_submissions_user
		ON submissions(user_id, submitted_at);
	CREATE INDEX IF NOT EXISTS idx_submissions_status
		ON submissions(status);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		details_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		resolved_at TEXT,
		resolved_by TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_user
		ON withdrawals(user_id, requested_at DESC);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_status
		ON withdrawals(status);

	-- Append-only audit log
	CREATE TABLE IF NOT EXISTS balance_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_balance_transactions_user
		ON balance_transactions(user_id, created_at);

	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type txStore struct {
	queries
}

var _ ledger.Tx = (*txStore)(nil)

// CreateUser inserts u. An existing id is reported as ErrDuplicateUser even
// when the email index would also reject the row.
func (ts *txStore) CreateUser(ctx context.Context, u domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if _, err := ts.GetUser(ctx, u.ID); err == nil {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateUser, u.ID)
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		return err
	}
	args, err := userArgs(u)
	if err != nil {
		return err
	}
	_, err = ts.q.ExecContext(ctx, `
		INSERT INTO users
		(id, email, name, balance, referral_code, referred_by, referred_by_code, referral_count,
		 check_in_streak, last_check_in, bank_details_json, avatar_key, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	return mapError(err)
}

func (ts *txStore) PutUser(ctx context.Context, u domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	args, err := userArgs(u)
	if err != nil {
		return err
	}
	_, err = ts.q.ExecContext(ctx, `
		INSERT INTO users
		(id, email, name, balance, referral_code, referred_by, referred_by_code, referral_count,
		 check_in_streak, last_check_in, bank_details_json, avatar_key, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			balance = excluded.balance,
			referral_code = excluded.referral_code,
			referred_by = excluded.referred_by,
			referred_by_code = excluded.referred_by_code,
			referral_count = excluded.referral_count,
			check_in_streak = excluded.check_in_streak,
			last_check_in = excluded.last_check_in,
			bank_details_json = excluded.bank_details_json,
			avatar_key = excluded.avatar_key,
			role = excluded.role
	`, args...)
	return mapError(err)
}

func userArgs(u domain.User) ([]any, error) {
	details, err := json.Marshal(u.BankDetails)
	if err != nil {
		return nil, fmt.Errorf("encode bank details: %w", err)
	}
	var referredBy sql.NullString
	if u.ReferredBy != nil {
		referredBy = nullString(*u.ReferredBy)
	}
	return []any{
		u.ID, u.Email, u.Name, u.Balance, u.ReferralCode, referredBy, u.ReferredByCode, u.ReferralCount,
		u.CheckInStreak, formatNullTime(u.LastCheckIn), string(details), u.AvatarKey, string(u.Role), formatTime(u.CreatedAt),
	}, nil
}

func (ts *txStore) PutTask(ctx context.Context, t domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO tasks
		(id, readable_id, title, description, instructions, link, platform, reward,
		 task_limit, completed_count, is_active, expiry_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			instructions = excluded.instructions,
			link = excluded.link,
			platform = excluded.platform,
			reward = excluded.reward,
			task_limit = excluded.task_limit,
			completed_count = excluded.completed_count,
			is_active = excluded.is_active,
			expiry_date = excluded.expiry_date
	`, t.ID, t.ReadableID, t.Title, t.Description, t.Instructions, t.Link, t.Platform, t.Reward,
		t.Limit, t.CompletedCount, t.IsActive, formatNullTime(t.ExpiryDate), formatTime(t.CreatedAt))
	return mapError(err)
}

func (ts *txStore) PutSubmission(ctx context.Context, s domain.Submission) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO submissions
		(id, user_id, task_id, task_title, reward, proof, status, submitted_at, reviewed_at, reviewed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reviewed_at = excluded.reviewed_at,
			reviewed_by = excluded.reviewed_by
	`, s.ID, s.UserID, s.TaskID, s.TaskTitle, s.Reward, s.Proof, string(s.Status),
		formatTime(s.SubmittedAt), formatNullTime(s.ReviewedAt), s.ReviewedBy)
	return mapError(err)
}

func (ts *txStore) PutWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	if err := w.Validate(); err != nil {
		return err
	}
	details, err := json.Marshal(w.Details)
	if err != nil {
		return fmt.Errorf("encode withdrawal details: %w", err)
	}
	_, err = ts.q.ExecContext(ctx, `
		INSERT INTO withdrawals
		(id, user_id, amount, method, details_json, status, requested_at, resolved_at, resolved_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			resolved_at = excluded.resolved_at,
			resolved_by = excluded.resolved_by
	`, w.ID, w.UserID, w.Amount, string(w.Method), string(details), string(w.Status),
		formatTime(w.RequestedAt), formatNullTime(w.ResolvedAt), w.ResolvedBy)
	return mapError(err)
}

// AppendTransaction inserts an audit entry. There is no update path.
func (ts *txStore) AppendTransaction(ctx context.Context, t domain.BalanceTransaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO balance_transactions
		(id, user_id, amount, tx_type, source, reference_id, idempotency_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Amount, string(t.Type), t.Source, t.ReferenceID,
		nullString(t.IdempotencyKey), t.CreatedBy, formatTime(t.Date))
	return mapError(err)
}

func (ts *txStore) NextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := ts.q.QueryRowContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, name).Scan(&value)
	if err != nil {
		return 0, mapError(fmt.Errorf("next sequence %s: %w", name, err))
	}
	return value, nil
}

// =============================================================================
// QUERIES (shared by Store and txStore)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type queries struct {
	q querier
}

const userColumns = `id, email, name, balance, referral_code, referred_by, referred_by_code, referral_count,
	check_in_streak, last_check_in, bank_details_json, avatar_key, role, created_at`

func scanUser(row scanner) (*domain.User, error) {
	var (
		u          domain.User
		referredBy sql.NullString
		lastCheck  sql.NullString
		details    string
		role       string
		createdAt  string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Balance, &u.ReferralCode, &referredBy, &u.ReferredByCode,
		&u.ReferralCount, &u.CheckInStreak, &lastCheck, &details, &u.AvatarKey, &role, &createdAt)
	if err != nil {
		return nil, err
	}
	if referredBy.Valid && referredBy.String != "" {
		id := referredBy.String
		u.ReferredBy = &id
	}
	if err := json.Unmarshal([]byte(details), &u.BankDetails); err != nil {
		return nil, fmt.Errorf("decode bank details for %s: %w", u.ID, err)
	}
	u.Role = domain.Role(role)
	if u.LastCheckIn, err = parseNullTime(lastCheck); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("load user %s: %w", u.ID, err)
	}
	return &u, nil
}

func (qs queries) userWhere(ctx context.Context, notFound error, key, where string, args ...any) (*domain.User, error) {
	row := qs.q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+where+" ORDER BY id LIMIT 1", args...)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", notFound, key)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return u, nil
}

func (qs queries) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return qs.userWhere(ctx, domain.ErrUserNotFound, id, "id = ?", id)
}

func (qs queries) FindUserByReferralCode(ctx context.Context, code string) (*domain.User, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", domain.ErrCodeNotFound)
	}
	return qs.userWhere(ctx, domain.ErrCodeNotFound, code, "referral_code = ?", code)
}

func (qs queries) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: empty email", domain.ErrUserNotFound)
	}
	return qs.userWhere(ctx, domain.ErrUserNotFound, email, "email = ? COLLATE NOCASE", email)
}

func (qs queries) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query users: %w", err))
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

const taskColumns = `id, readable_id, title, description, instructions, link, platform, reward,
	task_limit, completed_count, is_active, expiry_date, created_at`

func scanTask(row scanner) (*domain.Task, error) {
	var (
		t         domain.Task
		expiry    sql.NullString
		createdAt string
	)
	err := row.Scan(&t.ID, &t.ReadableID, &t.Title, &t.Description, &t.Instructions, &t.Link, &t.Platform,
		&t.Reward, &t.Limit, &t.CompletedCount, &t.IsActive, &expiry, &createdAt)
	if err != nil {
		return nil, err
	}
	if t.ExpiryDate, err = parseNullTime(expiry); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("load task %s: %w", t.ID, err)
	}
	return &t, nil
}

func (qs queries) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(qs.q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return t, nil
}

func (qs queries) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY readable_id")
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query tasks: %w", err))
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

const submissionColumns = `id, user_id, task_id, task_title, reward, proof, status, submitted_at, reviewed_at, reviewed_by`

func scanSubmission(row scanner) (*domain.Submission, error) {
	var (
		s           domain.Submission
		status      string
		submittedAt string
		reviewedAt  sql.NullString
	)
	err := row.Scan(&s.ID, &s.UserID, &s.TaskID, &s.TaskTitle, &s.Reward, &s.Proof, &status,
		&submittedAt, &reviewedAt, &s.ReviewedBy)
	if err != nil {
		return nil, err
	}
	s.Status = domain.SubmissionStatus(status)
	if s.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return nil, err
	}
	if s.ReviewedAt, err = parseNullTime(reviewedAt); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("load submission %s: %w", s.ID, err)
	}
	return &s, nil
}

func (qs queries) GetSubmission(ctx context.Context, id string) (*domain.Submission, error) {
	s, err := scanSubmission(qs.q.QueryRowContext(ctx, "SELECT "+submissionColumns+" FROM submissions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubmissionNotFound, id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return s, nil
}

func (qs queries) querySubmissions(ctx context.Context, where string, args ...any) ([]domain.Submission, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+submissionColumns+" FROM submissions WHERE "+where+" ORDER BY submitted_at, id", args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query submissions: %w", err))
	}
	defer rows.Close()

	var subs []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

func (qs queries) ListPendingSubmissions(ctx context.Context) ([]domain.Submission, error) {
	return qs.querySubmissions(ctx, "status = ?", string(domain.SubmissionPending))
}

func (qs queries) ListSubmissionsByUser(ctx context.Context, userID string) ([]domain.Submission, error) {
	return qs.querySubmissions(ctx, "user_id = ?", userID)
}

func (qs queries) ListApprovedEarnings(ctx context.Context, userID string, since time.Time) ([]domain.Submission, error) {
	return qs.querySubmissions(ctx, "user_id = ? AND status = ? AND reviewed_at > ?",
		userID, string(domain.SubmissionApproved), formatTime(since))
}

const withdrawalColumns = `id, user_id, amount, method, details_json, status, requested_at, resolved_at, resolved_by`

func scanWithdrawal(row scanner) (*domain.Withdrawal, error) {
	var (
		w           domain.Withdrawal
		method      string
		details     string
		status      string
		requestedAt string
		resolvedAt  sql.NullString
	)
	err := row.Scan(&w.ID, &w.UserID, &w.Amount, &method, &details, &status, &requestedAt, &resolvedAt, &w.ResolvedBy)
	if err != nil {
		return nil, err
	}
	w.Method = domain.PayoutMethod(method)
	w.Status = domain.WithdrawalStatus(status)
	if err := json.Unmarshal([]byte(details), &w.Details); err != nil {
		return nil, fmt.Errorf("decode withdrawal details for %s: %w", w.ID, err)
	}
	if w.RequestedAt, err = parseTime(requestedAt); err != nil {
		return nil, err
	}
	if w.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("load withdrawal %s: %w", w.ID, err)
	}
	return &w, nil
}

func (qs queries) GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error) {
	w, err := scanWithdrawal(qs.q.QueryRowContext(ctx, "SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrWithdrawalNotFound, id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

func (qs queries) queryWithdrawals(ctx context.Context, where string, args ...any) ([]domain.Withdrawal, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawals WHERE "+where+" ORDER BY requested_at DESC, id", args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query withdrawals: %w", err))
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (qs queries) ListWithdrawals(ctx context.Context, status domain.WithdrawalStatus) ([]domain.Withdrawal, error) {
	if status == "" {
		return qs.queryWithdrawals(ctx, "1 = 1")
	}
	return qs.queryWithdrawals(ctx, "status = ?", string(status))
}

func (qs queries) ListWithdrawalsByUser(ctx context.Context, userID string) ([]domain.Withdrawal, error) {
	return qs.queryWithdrawals(ctx, "user_id = ?", userID)
}

func (qs queries) ListTransactionsByUser(ctx context.Context, userID string) ([]domain.BalanceTransaction, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, user_id, amount, tx_type, source, reference_id, idempotency_key, created_by, created_at
		FROM balance_transactions
		WHERE user_id = ?
		ORDER BY created_at, rowid
	`, userID)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var out []domain.BalanceTransaction
	for rows.Next() {
		var (
			t         domain.BalanceTransaction
			txType    string
			key       sql.NullString
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &txType, &t.Source, &t.ReferenceID, &key, &t.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		t.Type = domain.TransactionType(txType)
		t.IdempotencyKey = key.String
		if t.Date, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("load transaction %s: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", domain.ErrInvalidRecord, s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// mapError translates driver errors into the domain taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", domain.ErrConcurrentModification, err)
	case sqlite3.ErrConstraint:
		msg := sqliteErr.Error()
		switch {
		case strings.Contains(msg, "users.referral_code"):
			return fmt.Errorf("%w: %v", domain.ErrDuplicateReferralCode, err)
		case strings.Contains(msg, "users.email"):
			return fmt.Errorf("%w: %v", domain.ErrDuplicateEmail, err)
		case strings.Contains(msg, "users.id"):
			return fmt.Errorf("%w: %v", domain.ErrDuplicateUser, err)
		case strings.Contains(msg, "balance_transactions.idempotency_key"):
			return fmt.Errorf("%w: %v", domain.ErrDuplicateIdempotencyKey, err)
		}
	}
	return err
}
