/*
Package referral maintains the referral forest.

PURPOSE:
  Each user has at most one parent (User.ReferredBy). The parent pointers form
  a forest: every chain of parents ends at a root, and no user is its own
  ancestor. This package is the only writer of those pointers.

OPERATIONS:
  EnsureCode / ResolveCode   - lazily assigned 6-character referral codes
  ProcessReferral            - link a new user and pay both sides, atomically
  Attach / Detach            - admin reparenting without rewards
  MaterializeTree            - deterministic forest view for the admin console
  BackfillCodes              - bulk code assignment, eventually consistent

CYCLE GUARD:
  Before child -> parent is written, the parent's ancestor chain is walked
  inside the same transaction. If the child appears on it the link is refused
  with *domain.CycleError. Data that already contains a cycle (written by an
  older client) cannot hang the walk or the tree build: both track visited ids.

SEE ALSO:
  - ledger/engine.go: Post, used for the referral bonus
*/
package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/ledger"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultCodeAttempts bounds collision retries when assigning a code.
const DefaultCodeAttempts = 8

var errCodeTaken = errors.New("referral code taken")

// =============================================================================
// MANAGER
// =============================================================================

type Manager struct {
	Engine       *ledger.Engine
	CodeAttempts int
	Logger       *slog.Logger

	// GenerateCode is replaceable in tests to force collisions.
	GenerateCode func() (string, error)
}

func NewManager(engine *ledger.Engine) *Manager {
	return &Manager{
		Engine:       engine,
		CodeAttempts: DefaultCodeAttempts,
		Logger:       engine.Logger,
		GenerateCode: GenerateCode,
	}
}

// GenerateCode returns 6 random characters from A-Z0-9.
func GenerateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	b := make([]byte, domain.ReferralCodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate referral code: %w", err)
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// =============================================================================
// CODES
// =============================================================================

// EnsureCode returns the user's referral code, assigning a fresh one if the
// user has none yet.
func (m *Manager) EnsureCode(ctx context.Context, userID string) (string, error) {
	for attempt := 0; attempt < m.CodeAttempts; attempt++ {
		candidate, err := m.GenerateCode()
		if err != nil {
			return "", err
		}

		var code string
		err = m.Engine.Run(ctx, func(tx ledger.Tx) error {
			user, err := tx.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			if user.ReferralCode != "" {
				code = user.ReferralCode
				return nil
			}
			if _, err := tx.FindUserByReferralCode(ctx, candidate); err == nil {
				return errCodeTaken
			} else if !errors.Is(err, domain.ErrCodeNotFound) {
				return err
			}
			user.ReferralCode = candidate
			code = candidate
			return tx.PutUser(ctx, *user)
		})
		switch {
		case err == nil:
			return code, nil
		case errors.Is(err, errCodeTaken), errors.Is(err, domain.ErrDuplicateReferralCode):
			m.Logger.Debug("referral code collision", "user_id", userID, "code", candidate)
			continue
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("%w: user %s after %d attempts", domain.ErrCodeSpaceExhausted, userID, m.CodeAttempts)
}

// ResolveCode returns the id of the user owning code.
func (m *Manager) ResolveCode(ctx context.Context, code string) (string, error) {
	code = domain.NormalizeCode(code)
	if !domain.ValidReferralCode(code) {
		return "", fmt.Errorf("%w: %q", domain.ErrCodeNotFound, code)
	}
	u, err := m.Engine.Store.FindUserByReferralCode(ctx, code)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// =============================================================================
// LINKING
// =============================================================================

// checkCycle walks parentID's ancestors and fails if childID is among them.
// Missing users end the walk, as does a loop that does not contain childID.
func checkCycle(ctx context.Context, tx ledger.Reader, childID, parentID string) error {
	path := []string{}
	visited := map[string]bool{}
	current := parentID
	for current != "" && !visited[current] {
		path = append(path, current)
		if current == childID {
			return &domain.CycleError{ChildID: childID, ParentID: parentID, Path: path}
		}
		visited[current] = true

		u, err := tx.GetUser(ctx, current)
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !u.HasReferrer() {
			return nil
		}
		current = *u.ReferredBy
	}
	return nil
}

// link resolves parentCode and points child at the owner, inside tx.
func link(ctx context.Context, tx ledger.Tx, childID, parentCode string) (*domain.User, *domain.User, error) {
	code := domain.NormalizeCode(parentCode)
	parent, err := tx.FindUserByReferralCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	if parent.ID == childID {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrSelfReferral, childID)
	}
	child, err := tx.GetUser(ctx, childID)
	if err != nil {
		return nil, nil, err
	}
	if err := checkCycle(ctx, tx, childID, parent.ID); err != nil {
		return nil, nil, err
	}
	child.ReferredBy = &parent.ID
	child.ReferredByCode = code
	return child, parent, nil
}

// Attach reparents childID under the owner of parentCode. No rewards are paid.
func (m *Manager) Attach(ctx context.Context, actor domain.Actor, childID, parentCode string) (*domain.User, error) {
	var result domain.User
	err := m.Engine.Run(ctx, func(tx ledger.Tx) error {
		child, _, err := link(ctx, tx, childID, parentCode)
		if err != nil {
			return err
		}
		if err := tx.PutUser(ctx, *child); err != nil {
			return err
		}
		result = *child
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.Logger.Info("referral attached", "child_id", childID, "parent_id", *result.ReferredBy, "by", actor.UserID)
	return &result, nil
}

// Detach makes userID a root. Its own children keep pointing at it.
func (m *Manager) Detach(ctx context.Context, actor domain.Actor, userID string) (*domain.User, error) {
	var result domain.User
	err := m.Engine.Run(ctx, func(tx ledger.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		u.ReferredBy = nil
		u.ReferredByCode = ""
		if err := tx.PutUser(ctx, *u); err != nil {
			return err
		}
		result = *u
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.Logger.Info("referral detached", "user_id", userID, "by", actor.UserID)
	return &result, nil
}

// LinkByEmail is the admin console form of Attach.
func (m *Manager) LinkByEmail(ctx context.Context, actor domain.Actor, childEmail, parentCode string) (*domain.User, error) {
	if strings.TrimSpace(childEmail) == "" {
		return nil, fmt.Errorf("%w: email", domain.ErrMissingField)
	}
	child, err := m.Engine.Store.FindUserByEmail(ctx, childEmail)
	if err != nil {
		return nil, err
	}
	return m.Attach(ctx, actor, child.ID, parentCode)
}

// UnlinkByEmail is the admin console form of Detach.
func (m *Manager) UnlinkByEmail(ctx context.Context, actor domain.Actor, email string) (*domain.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: email", domain.ErrMissingField)
	}
	u, err := m.Engine.Store.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return m.Detach(ctx, actor, u.ID)
}

// =============================================================================
// REFERRAL REWARD
// =============================================================================

// ProcessReferral links newUserID under the owner of code and credits both
// users the referral bonus. Either everything is written or nothing is.
func (m *Manager) ProcessReferral(ctx context.Context, newUserID, code string) error {
	if domain.NormalizeCode(code) == "" {
		return fmt.Errorf("%w: referral code", domain.ErrMissingField)
	}

	bonus := m.Engine.Rules.ReferralBonus
	actor := domain.Actor{UserID: newUserID, Role: domain.RoleUser}
	var referrerID string

	err := m.Engine.Run(ctx, func(tx ledger.Tx) error {
		existing, err := tx.GetUser(ctx, newUserID)
		if err != nil {
			return err
		}
		if existing.HasReferrer() {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyReferred, newUserID)
		}
		newUser, parent, err := link(ctx, tx, newUserID, code)
		if err != nil {
			return err
		}
		referrerID = parent.ID

		referrer, _, err := m.Engine.Post(ctx, tx, actor, ledger.Posting{
			UserID:         parent.ID,
			Amount:         bonus,
			Type:           domain.TxReferralBonus,
			Source:         "referrer",
			ReferenceID:    newUserID,
			IdempotencyKey: "referral:" + newUserID + ":referrer",
		})
		if err != nil {
			return err
		}
		referrer.ReferralCount++
		if err := tx.PutUser(ctx, *referrer); err != nil {
			return err
		}

		referee, _, err := m.Engine.Post(ctx, tx, actor, ledger.Posting{
			UserID:         newUserID,
			Amount:         bonus,
			Type:           domain.TxReferralBonus,
			Source:         "referee",
			ReferenceID:    parent.ID,
			IdempotencyKey: "referral:" + newUserID + ":referee",
		})
		if err != nil {
			return err
		}
		referee.ReferredBy = newUser.ReferredBy
		referee.ReferredByCode = newUser.ReferredByCode
		return tx.PutUser(ctx, *referee)
	})
	if err != nil {
		return err
	}

	m.Logger.Info("referral processed", "user_id", newUserID, "referrer_id", referrerID, "bonus", bonus.String())
	return nil
}

// =============================================================================
// REGISTRATION
// =============================================================================

// NewUser is the profile created for a freshly authenticated identity.
type NewUser struct {
	ID    string
	Email string
	Name  string
}

type Registration struct {
	User *domain.User
	// ReferralErr is set when a code was supplied but could not be applied.
	// The account exists regardless.
	ReferralErr error
}

// Register creates the user with a fresh referral code and then applies the
// referral code, if any.
func (m *Manager) Register(ctx context.Context, in NewUser, referralCode string) (*Registration, error) {
	if in.ID == "" {
		return nil, fmt.Errorf("%w: user id", domain.ErrMissingField)
	}

	var created bool
	for attempt := 0; attempt < m.CodeAttempts && !created; attempt++ {
		code, err := m.GenerateCode()
		if err != nil {
			return nil, err
		}
		u := domain.User{
			ID:           in.ID,
			Email:        in.Email,
			Name:         in.Name,
			ReferralCode: code,
			Role:         domain.RoleUser,
			CreatedAt:    m.Engine.Now(),
		}
		err = m.Engine.Run(ctx, func(tx ledger.Tx) error {
			if _, err := tx.FindUserByReferralCode(ctx, u.ReferralCode); err == nil {
				return errCodeTaken
			} else if !errors.Is(err, domain.ErrCodeNotFound) {
				return err
			}
			return tx.CreateUser(ctx, u)
		})
		switch {
		case err == nil:
			created = true
		case errors.Is(err, errCodeTaken), errors.Is(err, domain.ErrDuplicateReferralCode):
			continue
		default:
			return nil, err
		}
	}
	if !created {
		return nil, fmt.Errorf("%w: user %s", domain.ErrCodeSpaceExhausted, in.ID)
	}
	m.Logger.Info("user registered", "user_id", in.ID)

	reg := &Registration{}
	if domain.NormalizeCode(referralCode) != "" {
		if err := m.ProcessReferral(ctx, in.ID, referralCode); err != nil {
			m.Logger.Warn("referral not applied", "user_id", in.ID, "code", referralCode, "error", err)
			reg.ReferralErr = err
		}
	}

	u, err := m.Engine.Store.GetUser(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	reg.User = u
	return reg, nil
}

// BackfillCodes assigns codes to every user that lacks one. Failures do not
// stop the sweep; they are joined into the returned error.
func (m *Manager) BackfillCodes(ctx context.Context) (int, error) {
	users, err := m.Engine.Store.ListUsers(ctx)
	if err != nil {
		return 0, err
	}

	var (
		count int
		errs  []error
	)
	for _, u := range users {
		if u.ReferralCode != "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := m.EnsureCode(ctx, u.ID); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", u.ID, err))
			continue
		}
		count++
	}
	if count > 0 {
		m.Logger.Info("referral codes backfilled", "count", count)
	}
	return count, errors.Join(errs...)
}

// =============================================================================
// TREE
// =============================================================================

type Node struct {
	User     domain.User
	Children []*Node
}

// MaterializeTree builds the forest from a snapshot of all users. Children
// are ordered by (CreatedAt, ID), so the same data always yields the same
// shape. Users whose parent is missing are roots; users stuck in a stored
// cycle are promoted to roots, one per cycle.
func (m *Manager) MaterializeTree(ctx context.Context) ([]*Node, error) {
	users, err := m.Engine.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	return buildForest(users), nil
}

func buildForest(users []domain.User) []*Node {
	sort.Slice(users, func(i, j int) bool { return before(users[i], users[j]) })

	byID := make(map[string]bool, len(users))
	for _, u := range users {
		byID[u.ID] = true
	}

	children := make(map[string][]domain.User)
	var roots []domain.User
	for _, u := range users {
		if u.HasReferrer() && byID[*u.ReferredBy] && *u.ReferredBy != u.ID {
			children[*u.ReferredBy] = append(children[*u.ReferredBy], u)
		} else {
			roots = append(roots, u)
		}
	}

	visited := make(map[string]bool, len(users))
	var build func(u domain.User) *Node
	build = func(u domain.User) *Node {
		visited[u.ID] = true
		n := &Node{User: u}
		for _, c := range children[u.ID] {
			if !visited[c.ID] {
				n.Children = append(n.Children, build(c))
			}
		}
		return n
	}

	forest := make([]*Node, 0, len(roots))
	for _, r := range roots {
		forest = append(forest, build(r))
	}
	// Whatever is left is only reachable through a cycle.
	for _, u := range users {
		if !visited[u.ID] {
			forest = append(forest, build(u))
		}
	}
	return forest
}

func before(a, b domain.User) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// CountDescendants returns the number of nodes below n.
func CountDescendants(n *Node) int {
	if n == nil {
		return 0
	}
	total := 0
	for _, c := range n.Children {
		total += 1 + CountDescendants(c)
	}
	return total
}

// Find returns the node for userID, or nil.
func Find(forest []*Node, userID string) *Node {
	for _, n := range forest {
		if n.User.ID == userID {
			return n
		}
		if found := Find(n.Children, userID); found != nil {
			return found
		}
	}
	return nil
}

// MoveImpact reports how many descendants would move with userID if it were
// reparented.
func (m *Manager) MoveImpact(ctx context.Context, userID string) (int, error) {
	forest, err := m.MaterializeTree(ctx)
	if err != nil {
		return 0, err
	}
	n := Find(forest, userID)
	if n == nil {
		return 0, fmt.Errorf("%w: %s", domain.ErrUserNotFound, userID)
	}
	return CountDescendants(n), nil
}
