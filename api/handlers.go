/*
handlers.go - HTTP API handlers for the rewards ledger

PURPOSE:
  Exposes the ledger engine, referral manager, review workflow and payout
  calculator via REST API. Handlers decode the request, take the caller from
  the auth middleware, delegate to the domain services and map their errors
  to HTTP statuses. No handler touches a store directly.

ENDPOINTS:
  Public:
    GET    /api/health
    GET    /api/postback                     Offer-wall partner callback

  User (bearer token):
    POST   /api/register                     Create profile, apply referral code
    GET    /api/me                           Profile
    PUT    /api/me/bank-details              Payout destination
    PUT    /api/me/avatar                    Avatar object key
    GET    /api/me/referral-code             Lazily assigned referral code
    POST   /api/me/referrer                  Apply a referral code later
    GET    /api/wallet                       Payable / hold split
    GET    /api/transactions                 Audit history
    GET    /api/withdrawals                  Own withdrawals
    POST   /api/withdrawals                  Request a withdrawal
    POST   /api/check-in                     Daily streak reward
    GET    /api/tasks                        Available tasks
    GET    /api/submissions                  Own submissions
    POST   /api/submissions                  Submit proof for a task
    GET    /api/leaderboard
    POST   /api/uploads                      Presigned upload URL
    GET    /api/uploads?key=                 Presigned view URL

  Admin (role=admin): see server.go

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors and failed preconditions
  - 401: Missing or invalid token
  - 403: Not an admin, or not the owner
  - 404: Resource not found
  - 409: Conflict (already reviewed, duplicate)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Bearer token verification
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/gig-ledger/blob"
	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/ledger"
	"github.com/warp/gig-ledger/payout"
	"github.com/warp/gig-ledger/referral"
	"github.com/warp/gig-ledger/review"
)

// PostbackSource names the offer-wall partner on audit entries.
const PostbackSource = "AdGem"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *ledger.Engine
	Referral *referral.Manager
	Review   *review.Service
	Payout   *payout.Service

	// Blob is nil when object storage is not configured.
	Blob   blob.Presigner
	Logger *slog.Logger
}

// NewHandler wires the domain services around one engine.
func NewHandler(engine *ledger.Engine, payoutLoc *time.Location, presigner blob.Presigner) *Handler {
	p := payout.NewService(engine.Store, payoutLoc)
	p.Now = engine.Now
	return &Handler{
		Engine:   engine,
		Referral: referral.NewManager(engine),
		Review:   review.NewService(engine),
		Payout:   p,
		Blob:     presigner,
		Logger:   engine.Logger,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PROFILE
// =============================================================================

// Register creates the caller's profile. A bad referral code does not fail
// registration; it is reported in referral_error.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	actor := actorFrom(r)

	reg, err := h.Referral.Register(r.Context(), referral.NewUser{
		ID:    actor.UserID,
		Email: strings.TrimSpace(req.Email),
		Name:  strings.TrimSpace(req.Name),
	}, req.ReferralCode)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := RegisterResponse{User: toUserDTO(*reg.User)}
	if reg.ReferralErr != nil {
		resp.ReferralError = reg.ReferralErr.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.Engine.User(r.Context(), actorFrom(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

func (h *Handler) UpdateBankDetails(w http.ResponseWriter, r *http.Request) {
	var req BankDetailsDTO
	if !decode(w, r, &req) {
		return
	}
	user, err := h.Engine.UpdateBankDetails(r.Context(), actorFrom(r).UserID, req.toDomain())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

func (h *Handler) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	var req AvatarRequest
	if !decode(w, r, &req) {
		return
	}
	if !strings.HasPrefix(req.Key, blob.FolderAvatars+"/") {
		writeError(w, http.StatusBadRequest, "Avatar key must be in the avatars folder", nil)
		return
	}
	user, err := h.Engine.UpdateAvatar(r.Context(), actorFrom(r).UserID, req.Key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

func (h *Handler) ReferralCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.Referral.EnsureCode(r.Context(), actorFrom(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReferralCodeResponse{Code: code})
}

// ApplyReferral lets a user who skipped the code at sign-up enter it later.
func (h *Handler) ApplyReferral(w http.ResponseWriter, r *http.Request) {
	var req ParentCodeRequest
	if !decode(w, r, &req) {
		return
	}
	userID := actorFrom(r).UserID
	if err := h.Referral.ProcessReferral(r.Context(), userID, req.ParentCode); err != nil {
		h.fail(w, r, err)
		return
	}
	user, err := h.Engine.User(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

// =============================================================================
// WALLET
// =============================================================================

func (h *Handler) Wallet(w http.ResponseWriter, r *http.Request) {
	split, err := h.Payout.Wallet(r.Context(), actorFrom(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, split)
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Engine.Transactions(r.Context(), actorFrom(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) MyWithdrawals(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Engine.Withdrawals(r.Context(), actorFrom(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(ws))
}

func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	actor := actorFrom(r)
	in := ledger.WithdrawalInput{
		UserID: actor.UserID,
		Amount: req.Amount,
		Method: domain.PayoutMethod(strings.ToUpper(strings.TrimSpace(req.Method))),
	}
	if req.Details != nil {
		details := req.Details.toDomain()
		in.Details = &details
	}

	wd, err := h.Engine.RequestWithdrawal(r.Context(), actor, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(*wd))
}

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	res, err := h.Engine.CheckIn(r.Context(), actor, actor.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckInResponse{Reward: res.Reward, Streak: res.Streak})
}

func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	users, err := h.Engine.Leaderboard(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries := make([]LeaderboardEntryDTO, len(users))
	for i, u := range users {
		entries[i] = LeaderboardEntryDTO{Rank: i + 1, Name: u.Name, Balance: u.Balance}
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// TASKS & SUBMISSIONS
// =============================================================================

func (h *Handler) AvailableTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Review.AvailableTasks(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTOs(tasks))
}

func (h *Handler) MySubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.Review.History(r.Context(), actorFrom(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubmissionDTOs(subs))
}

func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := h.Review.Submit(r.Context(), actorFrom(r), req.TaskID, req.Proof)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubmissionDTO(*sub))
}

// =============================================================================
// PARTNER POSTBACK
// =============================================================================

// Postback credits an offer-wall reward. The partner expects a plain "1" on
// success; a replayed callback is acknowledged the same way without paying
// again.
func (h *Handler) Postback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("player_id"))
	amount, err := domain.ParseMoney(q.Get("amount"))
	if userID == "" || err != nil || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Missing parameters", err)
		return
	}

	_, err = h.Engine.CreditPostback(r.Context(), ledger.PostbackInput{
		UserID:  userID,
		Amount:  amount,
		OfferID: strings.TrimSpace(q.Get("offer_id")),
		Source:  PostbackSource,
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		h.Logger.Error("postback failed", "player_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal Error"})
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("1"))
}

// =============================================================================
// UPLOADS
// =============================================================================

func (h *Handler) PresignUpload(w http.ResponseWriter, r *http.Request) {
	if h.Blob == nil {
		writeError(w, http.StatusServiceUnavailable, "Uploads are not configured", nil)
		return
	}
	var req UploadRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		writeError(w, http.StatusBadRequest, "filename is required", nil)
		return
	}
	up, err := h.Blob.PresignUpload(r.Context(), req.Folder, req.Filename, req.FileType)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{UploadURL: up.URL, FileKey: up.Key})
}

func (h *Handler) PresignView(w http.ResponseWriter, r *http.Request) {
	if h.Blob == nil {
		writeError(w, http.StatusServiceUnavailable, "Uploads are not configured", nil)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "No key provided", nil)
		return
	}
	url, err := h.Blob.PresignView(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ViewResponse{ViewURL: url})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the domain error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsConflict(err):
		return http.StatusConflict
	case domain.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// their details withheld from the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "Internal error", nil)
		return
	}

	var short *domain.InsufficientBalanceError
	if errors.As(err, &short) {
		writeError(w, status, fmt.Sprintf("Insufficient balance: short by %s", short.Shortfall()), err)
		return
	}
	writeError(w, status, http.StatusText(status), err)
}

// decode reads a JSON body, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func toTaskDTOs(tasks []domain.Task) []TaskDTO {
	dtos := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = toTaskDTO(t)
	}
	return dtos
}

func toSubmissionDTOs(subs []domain.Submission) []SubmissionDTO {
	dtos := make([]SubmissionDTO, len(subs))
	for i, s := range subs {
		dtos[i] = toSubmissionDTO(s)
	}
	return dtos
}

func toWithdrawalDTOs(ws []domain.Withdrawal) []WithdrawalDTO {
	dtos := make([]WithdrawalDTO, len(ws))
	for i, wd := range ws {
		dtos[i] = toWithdrawalDTO(wd)
	}
	return dtos
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
