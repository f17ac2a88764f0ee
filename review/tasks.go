/*
Package review holds the task catalogue and the submission review workflow.

STATE MACHINE:

	pending --approve--> approved   (credit reward, task.CompletedCount++)
	pending --reject---> rejected   (no balance effect)

  Both transitions are terminal. The pending check is made inside the same
  transaction that writes the new status, so two admins approving the same
  submission at once pay the user exactly once: the loser of the race re-runs,
  sees a reviewed submission and fails with domain.ErrAlreadyReviewed.

REWARD SNAPSHOT:
  Submit copies Task.Reward into the submission. Editing the task later never
  changes what an existing submission pays.

SEE ALSO:
  - workflow.go: Submit, Approve, Reject
  - ledger/engine.go: Post
*/
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/gig-ledger/domain"
	"github.com/warp/gig-ledger/ledger"
)

// TaskSequence is the counter that numbers tasks for humans.
const TaskSequence = "tasks"

type Service struct {
	Engine *ledger.Engine
	Logger *slog.Logger
}

func NewService(engine *ledger.Engine) *Service {
	return &Service{Engine: engine, Logger: engine.Logger}
}

// =============================================================================
// TASK CATALOGUE
// =============================================================================

type TaskInput struct {
	Title        string
	Description  string
	Instructions string
	Link         string
	Platform     string
	Reward       domain.Money
	Limit        int
	ExpiryDate   *time.Time
}

// TaskPatch changes only the fields that are set.
type TaskPatch struct {
	Title        *string
	Description  *string
	Instructions *string
	Link         *string
	Platform     *string
	Reward       *domain.Money
	Limit        *int
	IsActive     *bool
	ExpiryDate   *time.Time
	ClearExpiry  bool
}

func (in TaskInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title", domain.ErrMissingField)
	}
	if !in.Reward.IsPositive() {
		return fmt.Errorf("%w: reward must be positive, got %s", domain.ErrInvalidAmount, in.Reward)
	}
	if in.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", domain.ErrInvalidRecord)
	}
	return nil
}

// CreateTask adds an active task. Its readable id is drawn from the task
// counter in the same transaction as the insert.
func (s *Service) CreateTask(ctx context.Context, actor domain.Actor, in TaskInput) (*domain.Task, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var result domain.Task
	err := s.Engine.Run(ctx, func(tx ledger.Tx) error {
		seq, err := tx.NextSequence(ctx, TaskSequence)
		if err != nil {
			return err
		}
		task := domain.Task{
			ID:           s.Engine.NewID(),
			ReadableID:   seq,
			Title:        strings.TrimSpace(in.Title),
			Description:  in.Description,
			Instructions: in.Instructions,
			Link:         in.Link,
			Platform:     in.Platform,
			Reward:       in.Reward,
			Limit:        in.Limit,
			IsActive:     true,
			ExpiryDate:   in.ExpiryDate,
			CreatedAt:    s.Engine.Now(),
		}
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		result = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("task created", "task_id", result.ID, "readable_id", result.ReadableID, "by", actor.UserID)
	return &result, nil
}

// UpdateTask applies patch to the task. Submissions already made keep their
// snapshotted reward.
func (s *Service) UpdateTask(ctx context.Context, actor domain.Actor, id string, patch TaskPatch) (*domain.Task, error) {
	if patch.Reward != nil && !patch.Reward.IsPositive() {
		return nil, fmt.Errorf("%w: reward must be positive, got %s", domain.ErrInvalidAmount, *patch.Reward)
	}
	if patch.Limit != nil && *patch.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", domain.ErrInvalidRecord)
	}

	var result domain.Task
	err := s.Engine.Run(ctx, func(tx ledger.Tx) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		patch.apply(task)
		if err := tx.PutTask(ctx, *task); err != nil {
			return err
		}
		result = *task
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("task updated", "task_id", id, "by", actor.UserID)
	return &result, nil
}

func (p TaskPatch) apply(t *domain.Task) {
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Instructions != nil {
		t.Instructions = *p.Instructions
	}
	if p.Link != nil {
		t.Link = *p.Link
	}
	if p.Platform != nil {
		t.Platform = *p.Platform
	}
	if p.Reward != nil {
		t.Reward = *p.Reward
	}
	if p.Limit != nil {
		t.Limit = *p.Limit
	}
	if p.IsActive != nil {
		t.IsActive = *p.IsActive
	}
	if p.ClearExpiry {
		t.ExpiryDate = nil
	} else if p.ExpiryDate != nil {
		t.ExpiryDate = p.ExpiryDate
	}
}

// AvailableTasks returns tasks that accept new submissions now.
func (s *Service) AvailableTasks(ctx context.Context) ([]domain.Task, error) {
	tasks, err := s.Engine.Store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	now := s.Engine.Now()
	available := tasks[:0]
	for _, t := range tasks {
		if t.AvailableAt(now) {
			available = append(available, t)
		}
	}
	return available, nil
}

func (s *Service) AllTasks(ctx context.Context) ([]domain.Task, error) {
	return s.Engine.Store.ListTasks(ctx)
}

func (s *Service) Task(ctx context.Context, id string) (*domain.Task, error) {
	return s.Engine.Store.GetTask(ctx, id)
}

// ExpireTasks deactivates active tasks whose expiry has passed and returns
// how many were changed.
func (s *Service) ExpireTasks(ctx context.Context) (int, error) {
	tasks, err := s.Engine.Store.ListTasks(ctx)
	if err != nil {
		return 0, err
	}

	now := s.Engine.Now()
	var (
		count int
		errs  []error
	)
	for _, t := range tasks {
		if !t.IsActive || t.ExpiryDate == nil || now.Before(*t.ExpiryDate) {
			continue
		}
		changed := false
		err := s.Engine.Run(ctx, func(tx ledger.Tx) error {
			changed = false
			task, err := tx.GetTask(ctx, t.ID)
			if err != nil {
				return err
			}
			if !task.IsActive || task.ExpiryDate == nil || now.Before(*task.ExpiryDate) {
				return nil
			}
			task.IsActive = false
			changed = true
			return tx.PutTask(ctx, *task)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		if changed {
			count++
		}
	}
	if count > 0 {
		s.Logger.Info("tasks expired", "count", count)
	}
	return count, errors.Join(errs...)
}
