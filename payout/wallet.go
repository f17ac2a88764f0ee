package payout

import (
	"context"
	"time"

	"github.com/warp/gig-ledger/ledger"
)

// Service builds wallet views from the ledger store.
type Service struct {
	Store    ledger.Store
	Location *time.Location
	Now      func() time.Time
}

func NewService(store ledger.Store, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{Store: store, Location: loc, Now: time.Now}
}

// Wallet returns the payable/hold split for userID. Unpaid earnings are the
// user's approved submissions reviewed after the previous cycle's cutoff.
func (s *Service) Wallet(ctx context.Context, userID string) (*Split, error) {
	now := s.Now().In(s.Location)

	user, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	approved, err := s.Store.ListApprovedEarnings(ctx, userID, PreviousCutoff(now))
	if err != nil {
		return nil, err
	}

	earnings := make([]Earning, 0, len(approved))
	for _, sub := range approved {
		earnings = append(earnings, Earning{Amount: sub.Reward, EarnedAt: sub.ReviewedAt.In(s.Location)})
	}

	split := ComputeWalletSplit(now, user.Balance, earnings)
	return &split, nil
}
