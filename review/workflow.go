package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/ledger"
)

// =============================================================================
// SUBMISSIONS
// =============================================================================

// Submit records the actor's claim of completing taskID. A user may hold at
// most one pending or approved submission per task; a rejected one can be
// retried.
func (s *Service) Submit(ctx context.Context, actor domain.Actor, taskID, proof string) (*domain.Submission, error) {
	proof = strings.TrimSpace(proof)
	if proof == "" {
		return nil, fmt.Errorf("%w: proof", domain.ErrMissingField)
	}
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id", domain.ErrMissingField)
	}

	var result domain.Submission
	err := s.Engine.Run(ctx, func(tx ledger.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !task.AvailableAt(s.Engine.Now()) {
			return fmt.Errorf("%w: %s", domain.ErrTaskUnavailable, taskID)
		}
		if _, err := tx.GetUser(ctx, actor.UserID); err != nil {
			return err
		}

		existing, err := tx.ListSubmissionsByUser(ctx, actor.UserID)
		if err != nil {
			return err
		}
		for _, sub := range existing {
			if sub.TaskID == taskID && sub.Status != domain.SubmissionRejected {
				return fmt.Errorf("%w: task %s (%s)", domain.ErrAlreadySubmitted, taskID, sub.Status)
			}
		}

		sub := domain.Submission{
			ID:          s.Engine.NewID(),
			UserID:      actor.UserID,
			TaskID:      task.ID,
			TaskTitle:   task.Title,
			Reward:      task.Reward,
			Proof:       proof,
			Status:      domain.SubmissionPending,
			SubmittedAt: s.Engine.Now(),
		}
		if err := tx.PutSubmission(ctx, sub); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("submission received", "submission_id", result.ID, "task_id", taskID, "user_id", actor.UserID)
	return &result, nil
}

// =============================================================================
// REVIEW
// =============================================================================

// Approve pays the snapshotted reward, counts the completion on the task and
// closes the submission, all in one transaction.
func (s *Service) Approve(ctx context.Context, actor domain.Actor, submissionID string) (*domain.Submission, error) {
	var result domain.Submission
	err := s.Engine.Run(ctx, func(tx ledger.Tx) error {
		sub, err := s.pending(ctx, tx, submissionID)
		if err != nil {
			return err
		}
		task, err := tx.GetTask(ctx, sub.TaskID)
		if err != nil {
			return err
		}

		if _, _, err := s.Engine.Post(ctx, tx, actor, ledger.Posting{
			UserID:         sub.UserID,
			Amount:         sub.Reward,
			Type:           domain.TxTaskReward,
			Source:         task.Title,
			ReferenceID:    sub.ID,
			IdempotencyKey: "submission:" + sub.ID,
		}); err != nil {
			return err
		}

		task.CompletedCount++
		if err := tx.PutTask(ctx, *task); err != nil {
			return err
		}

		s.close(sub, actor, domain.SubmissionApproved)
		if err := tx.PutSubmission(ctx, *sub); err != nil {
			return err
		}
		result = *sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("submission approved",
		"submission_id", submissionID, "user_id", result.UserID, "reward", result.Reward.String(), "by", actor.UserID)
	return &result, nil
}

// Reject closes the submission without paying.
func (s *Service) Reject(ctx context.Context, actor domain.Actor, submissionID string) (*domain.Submission, error) {
	var result domain.Submission
	err := s.Engine.Run(ctx, func(tx ledger.Tx) error {
		sub, err := s.pending(ctx, tx, submissionID)
		if err != nil {
			return err
		}
		s.close(sub, actor, domain.SubmissionRejected)
		if err := tx.PutSubmission(ctx, *sub); err != nil {
			return err
		}
		result = *sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("submission rejected", "submission_id", submissionID, "by", actor.UserID)
	return &result, nil
}

func (s *Service) pending(ctx context.Context, tx ledger.Tx, id string) (*domain.Submission, error) {
	sub, err := tx.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != domain.SubmissionPending {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrAlreadyReviewed, id, sub.Status)
	}
	return sub, nil
}

func (s *Service) close(sub *domain.Submission, actor domain.Actor, status domain.SubmissionStatus) {
	now := s.Engine.Now()
	sub.Status = status
	sub.ReviewedAt = &now
	sub.ReviewedBy = actor.UserID
}

func (s *Service) Pending(ctx context.Context) ([]domain.Submission, error) {
	return s.Engine.Store.ListPendingSubmissions(ctx)
}

func (s *Service) History(ctx context.Context, userID string) ([]domain.Submission, error) {
	return s.Engine.Store.ListSubmissionsByUser(ctx, userID)
}
