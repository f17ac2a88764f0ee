/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain records from the external API contract. Money is always a
  fixed two-place decimal string ("12.50"); requests accept a string or a
  number.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small response wrappers

VALIDATION:
  Validation is done by the domain services, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/referral"
)

// =============================================================================
// USERS
// =============================================================================

type BankDetailsDTO struct {
	Method        string `json:"method,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	HolderName    string `json:"holder_name,omitempty"`
}

func (d BankDetailsDTO) toDomain() domain.BankDetails {
	return domain.BankDetails{
		Method:        d.Method,
		BankName:      d.BankName,
		AccountNumber: d.AccountNumber,
		HolderName:    d.HolderName,
	}
}

func toBankDetailsDTO(d domain.BankDetails) BankDetailsDTO {
	return BankDetailsDTO{
		Method:        d.Method,
		BankName:      d.BankName,
		AccountNumber: d.AccountNumber,
		HolderName:    d.HolderName,
	}
}

type UserDTO struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Name          string         `json:"name"`
	Balance       domain.Money   `json:"balance"`
	ReferralCode  string         `json:"referral_code,omitempty"`
	ReferredBy    string         `json:"referred_by,omitempty"`
	ReferralCount int            `json:"referral_count"`
	CheckInStreak int            `json:"check_in_streak"`
	LastCheckIn   *time.Time     `json:"last_check_in,omitempty"`
	BankDetails   BankDetailsDTO `json:"bank_details"`
	AvatarKey     string         `json:"avatar_key,omitempty"`
	Role          string         `json:"role"`
	CreatedAt     time.Time      `json:"created_at"`
}

func toUserDTO(u domain.User) UserDTO {
	dto := UserDTO{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Balance:       u.Balance,
		ReferralCode:  u.ReferralCode,
		ReferralCount: u.ReferralCount,
		CheckInStreak: u.CheckInStreak,
		LastCheckIn:   u.LastCheckIn,
		BankDetails:   toBankDetailsDTO(u.BankDetails),
		AvatarKey:     u.AvatarKey,
		Role:          string(u.Role),
		CreatedAt:     u.CreatedAt,
	}
	if u.HasReferrer() {
		dto.ReferredBy = *u.ReferredBy
	}
	return dto
}

// LeaderboardEntryDTO exposes only what other users may see.
type LeaderboardEntryDTO struct {
	Rank    int          `json:"rank"`
	Name    string       `json:"name"`
	Balance domain.Money `json:"balance"`
}

type RegisterRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type RegisterResponse struct {
	User          UserDTO `json:"user"`
	ReferralError string  `json:"referral_error,omitempty"`
}

type ReferralCodeResponse struct {
	Code string `json:"code"`
}

type ParentCodeRequest struct {
	ParentCode string `json:"parent_code"`
}

type LinkRequest struct {
	Email      string `json:"email"`
	ParentCode string `json:"parent_code,omitempty"`
}

type AvatarRequest struct {
	Key string `json:"key"`
}

// =============================================================================
// TASKS & SUBMISSIONS
// =============================================================================

type TaskDTO struct {
	ID             string       `json:"id"`
	ReadableID     int64        `json:"readable_id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Instructions   string       `json:"instructions,omitempty"`
	Link           string       `json:"link,omitempty"`
	Platform       string       `json:"platform,omitempty"`
	Reward         domain.Money `json:"reward"`
	Limit          int          `json:"limit"`
	CompletedCount int          `json:"completed_count"`
	IsActive       bool         `json:"is_active"`
	ExpiryDate     *time.Time   `json:"expiry_date,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

func toTaskDTO(t domain.Task) TaskDTO {
	return TaskDTO{
		ID:             t.ID,
		ReadableID:     t.ReadableID,
		Title:          t.Title,
		Description:    t.Description,
		Instructions:   t.Instructions,
		Link:           t.Link,
		Platform:       t.Platform,
		Reward:         t.Reward,
		Limit:          t.Limit,
		CompletedCount: t.CompletedCount,
		IsActive:       t.IsActive,
		ExpiryDate:     t.ExpiryDate,
		CreatedAt:      t.CreatedAt,
	}
}

type CreateTaskRequest struct {
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Instructions string       `json:"instructions"`
	Link         string       `json:"link"`
	Platform     string       `json:"platform"`
	Reward       domain.Money `json:"reward"`
	Limit        int          `json:"limit"`
	ExpiryDate   *time.Time   `json:"expiry_date,omitempty"`
}

// UpdateTaskRequest changes only the fields present in the body.
type UpdateTaskRequest struct {
	Title        *string       `json:"title,omitempty"`
	Description  *string       `json:"description,omitempty"`
	Instructions *string       `json:"instructions,omitempty"`
	Link         *string       `json:"link,omitempty"`
	Platform     *string       `json:"platform,omitempty"`
	Reward       *domain.Money `json:"reward,omitempty"`
	Limit        *int          `json:"limit,omitempty"`
	IsActive     *bool         `json:"is_active,omitempty"`
	ExpiryDate   *time.Time    `json:"expiry_date,omitempty"`
	ClearExpiry  bool          `json:"clear_expiry,omitempty"`
}

type SubmitTaskRequest struct {
	TaskID string `json:"task_id"`
	Proof  string `json:"proof"`
}

type SubmissionDTO struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	TaskID      string       `json:"task_id"`
	TaskTitle   string       `json:"task_title"`
	Reward      domain.Money `json:"reward"`
	Proof       string       `json:"proof"`
	Status      string       `json:"status"`
	SubmittedAt time.Time    `json:"submitted_at"`
	ReviewedAt  *time.Time   `json:"reviewed_at,omitempty"`
	ReviewedBy  string       `json:"reviewed_by,omitempty"`
}

func toSubmissionDTO(s domain.Submission) SubmissionDTO {
	return SubmissionDTO{
		ID:          s.ID,
		UserID:      s.UserID,
		TaskID:      s.TaskID,
		TaskTitle:   s.TaskTitle,
		Reward:      s.Reward,
		Proof:       s.Proof,
		Status:      string(s.Status),
		SubmittedAt: s.SubmittedAt,
		ReviewedAt:  s.ReviewedAt,
		ReviewedBy:  s.ReviewedBy,
	}
}

// =============================================================================
// WALLET
// =============================================================================

type TransactionDTO struct {
	ID          string       `json:"id"`
	Amount      domain.Money `json:"amount"`
	Type        string       `json:"type"`
	Source      string       `json:"source,omitempty"`
	ReferenceID string       `json:"reference_id,omitempty"`
	Date        time.Time    `json:"date"`
}

func toTransactionDTO(t domain.BalanceTransaction) TransactionDTO {
	return TransactionDTO{
		ID:          t.ID,
		Amount:      t.Amount,
		Type:        string(t.Type),
		Source:      t.Source,
		ReferenceID: t.ReferenceID,
		Date:        t.Date,
	}
}

type WithdrawalDTO struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Amount      domain.Money   `json:"amount"`
	Method      string         `json:"method"`
	Details     BankDetailsDTO `json:"details"`
	Status      string         `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
}

func toWithdrawalDTO(w domain.Withdrawal) WithdrawalDTO {
	return WithdrawalDTO{
		ID:          w.ID,
		UserID:      w.UserID,
		Amount:      w.Amount,
		Method:      string(w.Method),
		Details:     toBankDetailsDTO(w.Details),
		Status:      string(w.Status),
		RequestedAt: w.RequestedAt,
		ResolvedAt:  w.ResolvedAt,
		ResolvedBy:  w.ResolvedBy,
	}
}

type WithdrawalRequest struct {
	Amount  domain.Money    `json:"amount"`
	Method  string          `json:"method"`
	Details *BankDetailsDTO `json:"details,omitempty"`
}

type CheckInResponse struct {
	Reward domain.Money `json:"reward"`
	Streak int          `json:"streak"`
}

// =============================================================================
// REFERRAL TREE
// =============================================================================

type TreeNodeDTO struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Email        string        `json:"email"`
	ReferralCode string        `json:"referral_code,omitempty"`
	Balance      domain.Money  `json:"balance"`
	Descendants  int           `json:"descendants"`
	Children     []TreeNodeDTO `json:"children"`
}

func toTreeDTO(n *referral.Node) TreeNodeDTO {
	dto := TreeNodeDTO{
		ID:           n.User.ID,
		Name:         n.User.Name,
		Email:        n.User.Email,
		ReferralCode: n.User.ReferralCode,
		Balance:      n.User.Balance,
		Descendants:  referral.CountDescendants(n),
		Children:     make([]TreeNodeDTO, len(n.Children)),
	}
	for i, c := range n.Children {
		dto.Children[i] = toTreeDTO(c)
	}
	return dto
}

type CountResponse struct {
	Count int `json:"count"`
}

// =============================================================================
// UPLOADS
// =============================================================================

type UploadRequest struct {
	Filename string `json:"filename"`
	FileType string `json:"file_type"`
	Folder   string `json:"folder"`
}

type UploadResponse struct {
	UploadURL string `json:"upload_url"`
	FileKey   string `json:"file_key"`
}

type ViewResponse struct {
	ViewURL string `json:"view_url"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
