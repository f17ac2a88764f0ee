/*
Package payout computes the monthly payout split shown in the wallet.

PAYOUT RULE:
  Payouts run on day 5 of each month. Earnings approved on or before the
  cutoff (day 25, 23:59:59 of the month before the payout month) are paid in
  that payout; later ones are held for the following cycle.

  now = Jan 10  -> next payout Feb 5, cutoff Jan 25 23:59:59
  now = Jan 3   -> next payout Jan 5, cutoff Dec 25 23:59:59

  Balance not backed by a dated earning (check-in, referral bonus, postback)
  is never held.

SEE ALSO:
  - wallet.go: loads a user's balance and earnings and applies the split
*/
package payout

import (
	"time"

	"github.com/warp/gig-ledger/domain"
)

const (
	PayoutDay = 5
	CutoffDay = 25
)

// Earning is an approved, not yet paid out reward with the time it was earned.
type Earning struct {
	Amount   domain.Money
	EarnedAt time.Time
}

// Split divides a balance into the part payable at the next payout and the
// part held for the cycle after.
type Split struct {
	Balance    domain.Money `json:"balance"`
	Payable    domain.Money `json:"payable"`
	Hold       domain.Money `json:"hold"`
	NextPayout time.Time    `json:"next_payout"`
	Cutoff     time.Time    `json:"cutoff"`
}

// NextPayoutDate returns the next day-5 payout at or after now's day, at
// midnight in now's location.
func NextPayoutDate(now time.Time) time.Time {
	month := now.Month()
	year := now.Year()
	if now.Day() >= PayoutDay {
		month++
	}
	// time.Date normalises month 13 into January of the next year.
	return time.Date(year, month, PayoutDay, 0, 0, 0, 0, now.Location())
}

// Cutoff returns day 25, 23:59:59 of the month before the next payout month.
func Cutoff(now time.Time) time.Time {
	next := NextPayoutDate(now)
	return time.Date(next.Year(), next.Month()-1, CutoffDay, 23, 59, 59, 0, now.Location())
}

// PreviousCutoff is the cutoff of the cycle before the one Cutoff(now)
// closes. Earnings after it have not been paid out yet.
func PreviousCutoff(now time.Time) time.Time {
	c := Cutoff(now)
	return time.Date(c.Year(), c.Month()-1, CutoffDay, 23, 59, 59, 0, now.Location())
}

// ComputeWalletSplit classifies earnings against the cutoff for now. An
// earning is held iff it was earned strictly after the cutoff. Payable never
// goes below zero even if the held total exceeds the balance.
func ComputeWalletSplit(now time.Time, balance domain.Money, earnings []Earning) Split {
	cutoff := Cutoff(now)

	hold := domain.Zero
	for _, e := range earnings {
		if e.EarnedAt.After(cutoff) {
			hold = hold.Add(e.Amount)
		}
	}

	return Split{
		Balance:    balance,
		Payable:    domain.MaxMoney(domain.Zero, balance.Sub(hold)),
		Hold:       hold,
		NextPayout: NextPayoutDate(now),
		Cutoff:     cutoff,
	}
}
