/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos and manual testing of the admin console. Every scenario
	goes through the same domain services as real traffic (registration,
	referral processing, task review, withdrawals), so balances and audit
	entries are exactly what production would write.

AVAILABLE SCENARIOS:

	referral-chain:  three-level referral tree with bonuses paid
	task-review:     tasks with limits and expiry, mixed review outcomes
	payout-cycle:    approved earnings and a pending withdrawal

HOW SCENARIOS WORK:
 1. Register demo users (ids prefixed "demo-")
 2. Apply referral codes through ProcessReferral
 3. Create tasks, submit and review proofs
 4. Request withdrawals

USAGE VIA API:

	GET  /api/admin/scenarios
	POST /api/admin/scenarios/load
	{"scenario_id": "referral-chain"}

NOTE:

	Scenarios do not reset the store. Loading the same scenario twice fails
	with 409 because the demo users already exist.

SEE ALSO:
  - admin.go: other admin endpoints
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/ledger"
	"github.com/warp/gig-ledger/referral"
	"github.com/warp/gig-ledger/review"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, h *Handler, actor domain.Actor) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "referral-chain",
			Name:        "Referral Chain",
			Description: "Alice refers Bob, Bob refers Carol and Dave; every link pays both sides",
		},
		load: loadReferralChain,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "task-review",
			Name:        "Task Review",
			Description: "Limited and open tasks with approved, rejected and pending submissions",
		},
		load: loadTaskReview,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "payout-cycle",
			Name:        "Payout Cycle",
			Description: "A worker with approved earnings, saved bank details and a pending withdrawal",
		},
		load: loadPayoutCycle,
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario loads a scenario by id.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.LoadScenarioByID(r.Context(), actorFrom(r), req.ScenarioID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

// LoadScenarioByID runs the named scenario as actor.
func (h *Handler) LoadScenarioByID(ctx context.Context, actor domain.Actor, id string) error {
	for _, s := range scenarios {
		if s.ID == id {
			if err := s.load(ctx, h, actor); err != nil {
				return fmt.Errorf("scenario %s: %w", id, err)
			}
			h.Logger.Info("scenario loaded", "scenario_id", id)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown scenario %q", domain.ErrInvalidRecord, id)
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) register(ctx context.Context, id, name, code string) (*domain.User, error) {
	reg, err := h.Referral.Register(ctx, referral.NewUser{
		ID:    "demo-" + id,
		Email: id + "@demo.local",
		Name:  name,
	}, code)
	if err != nil {
		return nil, err
	}
	if reg.ReferralErr != nil {
		return nil, reg.ReferralErr
	}
	return reg.User, nil
}

func loadReferralChain(ctx context.Context, h *Handler, _ domain.Actor) error {
	alice, err := h.register(ctx, "alice", "Alice", "")
	if err != nil {
		return err
	}
	bob, err := h.register(ctx, "bob", "Bob", alice.ReferralCode)
	if err != nil {
		return err
	}
	for _, name := range []string{"carol", "dave"} {
		if _, err := h.register(ctx, name, name, bob.ReferralCode); err != nil {
			return err
		}
	}
	return nil
}

func loadTaskReview(ctx context.Context, h *Handler, actor domain.Actor) error {
	limited, err := h.Review.CreateTask(ctx, actor, review.TaskInput{
		Title:    "Follow us on Instagram",
		Platform: "instagram",
		Reward:   domain.MustMoney("0.50"),
		Limit:    2,
	})
	if err != nil {
		return err
	}
	open, err := h.Review.CreateTask(ctx, actor, review.TaskInput{
		Title:        "Write an app review",
		Platform:     "play-store",
		Instructions: "Leave an honest review and upload a screenshot",
		Reward:       domain.MustMoney("1.20"),
	})
	if err != nil {
		return err
	}

	workers := []string{"erin", "frank", "grace"}
	for _, name := range workers {
		if _, err := h.register(ctx, name, name, ""); err != nil {
			return err
		}
	}

	submit := func(worker string, task *domain.Task) (*domain.Submission, error) {
		return h.Review.Submit(ctx, domain.Actor{UserID: "demo-" + worker, Role: domain.RoleUser},
			task.ID, "proofs/demo_"+worker+".png")
	}

	// erin: approved on both; frank: rejected then pending; grace: pending.
	for _, task := range []*domain.Task{limited, open} {
		sub, err := submit("erin", task)
		if err != nil {
			return err
		}
		if _, err := h.Review.Approve(ctx, actor, sub.ID); err != nil {
			return err
		}
	}
	sub, err := submit("frank", limited)
	if err != nil {
		return err
	}
	if _, err := h.Review.Reject(ctx, actor, sub.ID); err != nil {
		return err
	}
	if _, err := submit("frank", limited); err != nil {
		return err
	}
	_, err = submit("grace", open)
	return err
}

func loadPayoutCycle(ctx context.Context, h *Handler, actor domain.Actor) error {
	worker, err := h.register(ctx, "hana", "Hana", "")
	if err != nil {
		return err
	}
	if _, err := h.Engine.UpdateBankDetails(ctx, worker.ID, domain.BankDetails{
		Method: string(domain.MethodBank), BankName: "Maybank", AccountNumber: "1140 2233 4455", HolderName: "Hana",
	}); err != nil {
		return err
	}

	task, err := h.Review.CreateTask(ctx, actor, review.TaskInput{
		Title:  "Data labelling batch",
		Reward: domain.MustMoney("30.00"),
	})
	if err != nil {
		return err
	}
	workerActor := domain.Actor{UserID: worker.ID, Role: domain.RoleUser}
	sub, err := h.Review.Submit(ctx, workerActor, task.ID, "batch-17 done")
	if err != nil {
		return err
	}
	if _, err := h.Review.Approve(ctx, actor, sub.ID); err != nil {
		return err
	}
	if _, err := h.Engine.Credit(ctx, actor, ledger.CreditInput{
		UserID: worker.ID, Amount: domain.MustMoney("25.00"), Type: domain.TxOfferwall, Source: PostbackSource,
	}); err != nil {
		return err
	}
	_, err = h.Engine.RequestWithdrawal(ctx, workerActor, ledger.WithdrawalInput{
		UserID: worker.ID, Amount: domain.MustMoney("50.00"), Method: domain.MethodBank,
	})
	return err
}
