/*
Package postgres provides a PostgreSQL-backed ledger.Store using pgx.

PURPOSE:
  Production backend for multi-instance deployments. Every ledger.Tx is a
  SERIALIZABLE transaction; PostgreSQL aborts one side of a read/write
  conflict with SQLSTATE 40001, which is reported as
  domain.ErrConcurrentModification so ledger.RunInTx re-runs the operation
  against fresh data.

ERROR MAPPING:
  40001 serialization_failure  -> domain.ErrConcurrentModification
  40P01 deadlock_detected      -> domain.ErrConcurrentModification
  23505 unique_violation       -> duplicate error chosen by constraint name

MONEY:
  Amounts are NUMERIC(14,2). They cross the driver boundary as text so no
  float conversion ever happens.

SEE ALSO:
  - store/sqlite: same schema for SQLite
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/ledger"
)

type Store struct {
	queries
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New connects to databaseURL and creates the schema if needed.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{queries: queries{q: pool}, pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			balance NUMERIC(14, 2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			referral_code TEXT NOT NULL DEFAULT '',
			referred_by TEXT,
			referred_by_code TEXT NOT NULL DEFAULT '',
			referral_count INTEGER NOT NULL DEFAULT 0,
			check_in_streak INTEGER NOT NULL DEFAULT 0,
			last_check_in TIMESTAMPTZ,
			bank_details JSONB NOT NULL DEFAULT '{}',
			avatar_key TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_referral_code ON users(referral_code) WHERE referral_code <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(lower(email)) WHERE email <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_users_referred_by ON users(referred_by) WHERE referred_by IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			readable_id BIGINT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			link TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			reward NUMERIC(14, 2) NOT NULL,
			task_limit INTEGER NOT NULL DEFAULT 0,
			completed_count INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			expiry_date TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS submissions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			task_title TEXT NOT NULL DEFAULT '',
			reward NUMERIC(14, 2) NOT NULL,
			proof TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL,
			reviewed_at TIMESTAMPTZ,
			reviewed_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_user ON submissions(user_id, submitted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status)`,

		`CREATE TABLE IF NOT EXISTS withdrawals (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount NUMERIC(14, 2) NOT NULL,
			method TEXT NOT NULL,
			details JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			requested_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			resolved_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawals(user_id, requested_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals(status)`,

		`CREATE TABLE IF NOT EXISTS balance_transactions (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			user_id TEXT NOT NULL,
			amount NUMERIC(14, 2) NOT NULL,
			tx_type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			reference_id TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_balance_transactions_idempotency
			ON balance_transactions(idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_balance_transactions_user ON balance_transactions(user_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		)`,
	}

	var errs []error
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a SERIALIZABLE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{queries: queries{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type txStore struct {
	queries
}

var _ ledger.Tx = (*txStore)(nil)

const upsertUser = `
	INSERT INTO users
	(id, email, name, balance, referral_code, referred_by, referred_by_code, referral_count,
	 check_in_streak, last_check_in, bank_details, avatar_key, role, created_at)
	VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $14)`

// CreateUser inserts u. An existing id is reported as ErrDuplicateUser even
// when the email index would also reject the row.
func (ts *txStore) CreateUser(ctx context.Context, u domain.User) error {
	if _, err := ts.GetUser(ctx, u.ID); err == nil {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateUser, u.ID)
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		return err
	}
	return ts.writeUser(ctx, u, upsertUser)
}

func (ts *txStore) PutUser(ctx context.Context, u domain.User) error {
	return ts.writeUser(ctx, u, upsertUser+`
	ON CONFLICT (id) DO UPDATE SET
		email = EXCLUDED.email,
		name = EXCLUDED.name,
		balance = EXCLUDED.balance,
		referral_code = EXCLUDED.referral_code,
		referred_by = EXCLUDED.referred_by,
		referred_by_code = EXCLUDED.referred_by_code,
		referral_count = EXCLUDED.referral_count,
		check_in_streak = EXCLUDED.check_in_streak,
		last_check_in = EXCLUDED.last_check_in,
		bank_details = EXCLUDED.bank_details,
		avatar_key = EXCLUDED.avatar_key,
		role = EXCLUDED.role`)
}

func (ts *txStore) writeUser(ctx context.Context, u domain.User, stmt string) error {
	if err := u.Validate(); err != nil {
		return err
	}
	details, err := json.Marshal(u.BankDetails)
	if err != nil {
		return fmt.Errorf("encode bank details: %w", err)
	}
	_, err = ts.q.Exec(ctx, stmt,
		u.ID, u.Email, u.Name, u.Balance.String(), u.ReferralCode, u.ReferredBy, u.ReferredByCode,
		u.ReferralCount, u.CheckInStreak, u.LastCheckIn, string(details), u.AvatarKey, string(u.Role), u.CreatedAt)
	return mapError(err)
}

func (ts *txStore) PutTask(ctx context.Context, t domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := ts.q.Exec(ctx, `
		INSERT INTO tasks
		(id, readable_id, title, description, instructions, link, platform, reward,
		 task_limit, completed_count, is_active, expiry_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			instructions = EXCLUDED.instructions,
			link = EXCLUDED.link,
			platform = EXCLUDED.platform,
			reward = EXCLUDED.reward,
			task_limit = EXCLUDED.task_limit,
			completed_count = EXCLUDED.completed_count,
			is_active = EXCLUDED.is_active,
			expiry_date = EXCLUDED.expiry_date
	`, t.ID, t.ReadableID, t.Title, t.Description, t.Instructions, t.Link, t.Platform, t.Reward.String(),
		t.Limit, t.CompletedCount, t.IsActive, t.ExpiryDate, t.CreatedAt)
	return mapError(err)
}

func (ts *txStore) PutSubmission(ctx context.Context, s domain.Submission) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := ts.q.Exec(ctx, `
		INSERT INTO submissions
		(id, user_id, task_id, task_title, reward, proof, status, submitted_at, reviewed_at, reviewed_by)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			reviewed_at = EXCLUDED.reviewed_at,
			reviewed_by = EXCLUDED.reviewed_by
	`, s.ID, s.UserID, s.TaskID, s.TaskTitle, s.Reward.String(), s.Proof, string(s.Status),
		s.SubmittedAt, s.ReviewedAt, s.ReviewedBy)
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
	_, err = ts.q.Exec(ctx, `
		INSERT INTO withdrawals
		(id, user_id, amount, method, details, status, requested_at, resolved_at, resolved_by)
		VALUES ($1, $2, $3::numeric, $4, $5::jsonb, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by
	`, w.ID, w.UserID, w.Amount.String(), string(w.Method), string(details), string(w.Status),
		w.RequestedAt, w.ResolvedAt, w.ResolvedBy)
	return mapError(err)
}

func (ts *txStore) AppendTransaction(ctx context.Context, t domain.BalanceTransaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	var key *string
	if t.IdempotencyKey != "" {
		key = &t.IdempotencyKey
	}
	_, err := ts.q.Exec(ctx, `
		INSERT INTO balance_transactions
		(id, user_id, amount, tx_type, source, reference_id, idempotency_key, created_by, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.UserID, t.Amount.String(), string(t.Type), t.Source, t.ReferenceID, key, t.CreatedBy, t.Date)
	return mapError(err)
}

func (ts *txStore) NextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := ts.q.QueryRow(ctx, `
		INSERT INTO counters (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = counters.value + 1
		RETURNING value
	`, name).Scan(&value)
	if err != nil {
		return 0, mapError(fmt.Errorf("next sequence %s: %w", name, err))
	}
	return value, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
}

const userColumns = `id, email, name, balance::text, referral_code, referred_by, referred_by_code, referral_count,
	check_in_streak, last_check_in, bank_details::text, avatar_key, role, created_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u       domain.User
		balance string
		details string
		role    string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &balance, &u.ReferralCode, &u.ReferredBy, &u.ReferredByCode,
		&u.ReferralCount, &u.CheckInStreak, &u.LastCheckIn, &details, &u.AvatarKey, &role, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	if u.Balance, err = domain.ParseMoney(balance); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(details), &u.BankDetails); err != nil {
		return nil, fmt.Errorf("decode bank details for %s: %w", u.ID, err)
	}
	u.Role = domain.Role(role)
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("load user %s: %w", u.ID, err)
	}
	return &u, nil
}

func (qs queries) userWhere(ctx context.Context, notFound error, key, where string, args ...any) (*domain.User, error) {
	u, err := scanUser(qs.q.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE "+where+" ORDER BY id LIMIT 1", args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", notFound, key)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return u, nil
}

func (qs queries) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return qs.userWhere(ctx, domain.ErrUserNotFound, id, "id = $1", id)
}

func (qs queries) FindUserByReferralCode(ctx context.Context, code string) (*domain.User, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", domain.ErrCodeNotFound)
	}
	return qs.userWhere(ctx, domain.ErrCodeNotFound, code, "referral_code = $1", code)
}

func (qs queries) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: empty email", domain.ErrUserNotFound)
	}
	return qs.userWhere(ctx, domain.ErrUserNotFound, email, "lower(email) = lower($1)", email)
}

func (qs queries) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := qs.q.Query(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query users: %w", err))
	}
	return collect(rows, scanUser)
}

const taskColumns = `id, readable_id, title, description, instructions, link, platform, reward::text,
	task_limit, completed_count, is_active, expiry_date, created_at`

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t      domain.Task
		reward string
	)
	err := row.Scan(&t.ID, &t.ReadableID, &t.Title, &t.Description, &t.Instructions, &t.Link, &t.Platform,
		&reward, &t.Limit, &t.CompletedCount, &t.IsActive, &t.ExpiryDate, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if t.Reward, err = domain.ParseMoney(reward); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("load task %s: %w", t.ID, err)
	}
	return &t, nil
}

func (qs queries) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(qs.q.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return t, nil
}

func (qs queries) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := qs.q.Query(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY readable_id")
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query tasks: %w", err))
	}
	return collect(rows, scanTask)
}

const submissionColumns = `id, user_id, task_id, task_title, reward::text, proof, status, submitted_at, reviewed_at, reviewed_by`

func scanSubmission(row pgx.Row) (*domain.Submission, error) {
	var (
		s      domain.Submission
		reward string
		status string
	)
	err := row.Scan(&s.ID, &s.UserID, &s.TaskID, &s.TaskTitle, &reward, &s.Proof, &status,
		&s.SubmittedAt, &s.ReviewedAt, &s.ReviewedBy)
	if err != nil {
		return nil, err
	}
	if s.Reward, err = domain.ParseMoney(reward); err != nil {
		return nil, err
	}
	s.Status = domain.SubmissionStatus(status)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("load submission %s: %w", s.ID, err)
	}
	return &s, nil
}

func (qs queries) GetSubmission(ctx context.Context, id string) (*domain.Submission, error) {
	s, err := scanSubmission(qs.q.QueryRow(ctx, "SELECT "+submissionColumns+" FROM submissions WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubmissionNotFound, id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return s, nil
}

func (qs queries) querySubmissions(ctx context.Context, where string, args ...any) ([]domain.Submission, error) {
	rows, err := qs.q.Query(ctx,
		"SELECT "+submissionColumns+" FROM submissions WHERE "+where+" ORDER BY submitted_at, id", args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query submissions: %w", err))
	}
	return collect(rows, scanSubmission)
}

func (qs queries) ListPendingSubmissions(ctx context.Context) ([]domain.Submission, error) {
	return qs.querySubmissions(ctx, "status = $1", string(domain.SubmissionPending))
}

func (qs queries) ListSubmissionsByUser(ctx context.Context, userID string) ([]domain.Submission, error) {
	return qs.querySubmissions(ctx, "user_id = $1", userID)
}

func (qs queries) ListApprovedEarnings(ctx context.Context, userID string, since time.Time) ([]domain.Submission, error) {
	return qs.querySubmissions(ctx, "user_id = $1 AND status = $2 AND reviewed_at > $3",
		userID, string(domain.SubmissionApproved), since)
}

const withdrawalColumns = `id, user_id, amount::text, method, details::text, status, requested_at, resolved_at, resolved_by`

func scanWithdrawal(row pgx.Row) (*domain.Withdrawal, error) {
	var (
		w       domain.Withdrawal
		amount  string
		method  string
		details string
		status  string
	)
	err := row.Scan(&w.ID, &w.UserID, &amount, &method, &details, &status, &w.RequestedAt, &w.ResolvedAt, &w.ResolvedBy)
	if err != nil {
		return nil, err
	}
	if w.Amount, err = domain.ParseMoney(amount); err != nil {
		return nil, err
	}
	w.Method = domain.PayoutMethod(method)
	w.Status = domain.WithdrawalStatus(status)
	if err := json.Unmarshal([]byte(details), &w.Details); err != nil {
		return nil, fmt.Errorf("decode withdrawal details for %s: %w", w.ID, err)
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("load withdrawal %s: %w", w.ID, err)
	}
	return &w, nil
}

func (qs queries) GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error) {
	w, err := scanWithdrawal(qs.q.QueryRow(ctx, "SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrWithdrawalNotFound, id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

func (qs queries) queryWithdrawals(ctx context.Context, where string, args ...any) ([]domain.Withdrawal, error) {
	rows, err := qs.q.Query(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawals WHERE "+where+" ORDER BY requested_at DESC, id", args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query withdrawals: %w", err))
	}
	return collect(rows, scanWithdrawal)
}

func (qs queries) ListWithdrawals(ctx context.Context, status domain.WithdrawalStatus) ([]domain.Withdrawal, error) {
	if status == "" {
		return qs.queryWithdrawals(ctx, "TRUE")
	}
	return qs.queryWithdrawals(ctx, "status = $1", string(status))
}

func (qs queries) ListWithdrawalsByUser(ctx context.Context, userID string) ([]domain.Withdrawal, error) {
	return qs.queryWithdrawals(ctx, "user_id = $1", userID)
}

func scanTransaction(row pgx.Row) (*domain.BalanceTransaction, error) {
	var (
		t      domain.BalanceTransaction
		amount string
		txType string
		key    *string
	)
	if err := row.Scan(&t.ID, &t.UserID, &amount, &txType, &t.Source, &t.ReferenceID, &key, &t.CreatedBy, &t.Date); err != nil {
		return nil, err
	}
	var err error
	if t.Amount, err = domain.ParseMoney(amount); err != nil {
		return nil, err
	}
	t.Type = domain.TransactionType(txType)
	if key != nil {
		t.IdempotencyKey = *key
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", t.ID, err)
	}
	return &t, nil
}

func (qs queries) ListTransactionsByUser(ctx context.Context, userID string) ([]domain.BalanceTransaction, error) {
	rows, err := qs.q.Query(ctx, `
		SELECT id, user_id, amount::text, tx_type, source, reference_id, idempotency_key, created_by, created_at
		FROM balance_transactions
		WHERE user_id = $1
		ORDER BY created_at, seq
	`, userID)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query transactions: %w", err))
	}
	return collect(rows, scanTransaction)
}

// =============================================================================
// HELPERS
// =============================================================================

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, mapError(rows.Err())
}

// mapError translates PostgreSQL errors into the domain taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %v", domain.ErrConcurrentModification, err)
	case "23505":
		switch pgErr.ConstraintName {
		case "idx_users_referral_code":
			return fmt.Errorf("%w: %v", domain.ErrDuplicateReferralCode, err)
		case "idx_users_email":
			return fmt.Errorf("%w: %v", domain.ErrDuplicateEmail, err)
		case "users_pkey":
			return fmt.Errorf("%w: %v", domain.ErrDuplicateUser, err)
		case "idx_balance_transactions_idempotency":
			return fmt.Errorf("%w: %v", domain.ErrDuplicateIdempotencyKey, err)
		}
	case "23514":
		return fmt.Errorf("%w: %v", domain.ErrInvalidRecord, err)
	}
	return err
}
