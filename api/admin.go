package api

import (
	"net/http"

	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/review"
)

// =============================================================================
// ADMIN: TASKS
// =============================================================================

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Review.AllTasks(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTOs(tasks))
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.Review.CreateTask(r.Context(), actorFrom(r), review.TaskInput{
		Title:        req.Title,
		Description:  req.Description,
		Instructions: req.Instructions,
		Link:         req.Link,
		Platform:     req.Platform,
		Reward:       req.Reward,
		Limit:        req.Limit,
		ExpiryDate:   req.ExpiryDate,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(*task))
}

func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.Review.UpdateTask(r.Context(), actorFrom(r), urlParam(r, "id"), review.TaskPatch{
		Title:        req.Title,
		Description:  req.Description,
		Instructions: req.Instructions,
		Link:         req.Link,
		Platform:     req.Platform,
		Reward:       req.Reward,
		Limit:        req.Limit,
		IsActive:     req.IsActive,
		ExpiryDate:   req.ExpiryDate,
		ClearExpiry:  req.ClearExpiry,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(*task))
}

// ExpireTasks runs the expiry sweep now instead of waiting for the scheduler.
func (h *Handler) ExpireTasks(w http.ResponseWriter, r *http.Request) {
	n, err := h.Review.ExpireTasks(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// =============================================================================
// ADMIN: REVIEW
// =============================================================================

func (h *Handler) PendingSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.Review.Pending(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubmissionDTOs(subs))
}

func (h *Handler) ApproveSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Review.Approve(r.Context(), actorFrom(r), urlParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubmissionDTO(*sub))
}

func (h *Handler) RejectSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Review.Reject(r.Context(), actorFrom(r), urlParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubmissionDTO(*sub))
}

// =============================================================================
// ADMIN: USERS & REFERRALS
// =============================================================================

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Engine.Users(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ReferralTree(w http.ResponseWriter, r *http.Request) {
	forest, err := h.Referral.MaterializeTree(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]TreeNodeDTO, len(forest))
	for i, n := range forest {
		dtos[i] = toTreeDTO(n)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// BackfillCodes assigns codes to users that have none. Partial failures are
// reported with the count of codes that were assigned.
func (h *Handler) BackfillCodes(w http.ResponseWriter, r *http.Request) {
	n, err := h.Referral.BackfillCodes(r.Context())
	if err != nil {
		h.Logger.Warn("referral code backfill incomplete", "assigned", n, "error", err)
		writeJSON(w, http.StatusOK, struct {
			CountResponse
			Error string `json:"error"`
		}{CountResponse{Count: n}, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (h *Handler) LinkByEmail(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if !decode(w, r, &req) {
		return
	}
	user, err := h.Referral.LinkByEmail(r.Context(), actorFrom(r), req.Email, req.ParentCode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

func (h *Handler) UnlinkByEmail(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if !decode(w, r, &req) {
		return
	}
	user, err := h.Referral.UnlinkByEmail(r.Context(), actorFrom(r), req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

func (h *Handler) AttachReferrer(w http.ResponseWriter, r *http.Request) {
	var req ParentCodeRequest
	if !decode(w, r, &req) {
		return
	}
	user, err := h.Referral.Attach(r.Context(), actorFrom(r), urlParam(r, "id"), req.ParentCode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

func (h *Handler) DetachReferrer(w http.ResponseWriter, r *http.Request) {
	user, err := h.Referral.Detach(r.Context(), actorFrom(r), urlParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

// MoveImpact reports how many descendants move with a user when it is
// re-parented.
func (h *Handler) MoveImpact(w http.ResponseWriter, r *http.Request) {
	n, err := h.Referral.MoveImpact(r.Context(), urlParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// =============================================================================
// ADMIN: WITHDRAWALS
// =============================================================================

// ListWithdrawals filters by ?status=; without it only pending requests are
// listed.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	status := domain.WithdrawalStatus(r.URL.Query().Get("status"))
	var (
		ws  []domain.Withdrawal
		err error
	)
	switch status {
	case "", domain.WithdrawalPending:
		ws, err = h.Engine.PendingWithdrawals(r.Context())
	case "all":
		ws, err = h.Engine.AllWithdrawals(r.Context(), "")
	case domain.WithdrawalPaid, domain.WithdrawalRejected:
		ws, err = h.Engine.AllWithdrawals(r.Context(), status)
	default:
		writeError(w, http.StatusBadRequest, "Unknown status", nil)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(ws))
}

func (h *Handler) MarkWithdrawalPaid(w http.ResponseWriter, r *http.Request) {
	h.resolveWithdrawal(w, r, domain.WithdrawalPaid)
}

func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.resolveWithdrawal(w, r, domain.WithdrawalRejected)
}

func (h *Handler) resolveWithdrawal(w http.ResponseWriter, r *http.Request, status domain.WithdrawalStatus) {
	wd, err := h.Engine.ResolveWithdrawal(r.Context(), actorFrom(r), urlParam(r, "id"), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*wd))
}
