package todo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	logx "taskbot/pkg/logx"
)

type nopReconciler struct{}

func (nopReconciler) Reconcile(context.Context, *Task, *Task) string { return "" }

// Service implements the task and category use cases. Every task mutation
// is followed by a synchronous reconcile of the task's reminder.
type Service struct {
	repo     Repository
	rec      Reconciler
	log      logx.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewService(repo Repository, rec Reconciler, log logx.Logger) *Service {
	if rec == nil {
		rec = nopReconciler{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		repo:     repo,
		rec:      rec,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// SetReconciler swaps the reconciler. The app wires the reminder core
// after the service exists.
func (s *Service) SetReconciler(rec Reconciler) {
	if rec == nil {
		rec = nopReconciler{}
	}
	s.rec = rec
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ---- tasks ----

func (s *Service) CreateTask(ctx context.Context, ownerID int64, in NewTask) (*Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := s.check(in); err != nil {
		return nil, err
	}
	cat, err := s.ownedCategory(ctx, ownerID, in.CategoryID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	t := &Task{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Title:       in.Title,
		Description: in.Description,
		DueAt:       utcPtr(in.DueAt),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if cat != nil {
		t.CategoryID, t.CategoryName = cat.ID, cat.Name
	}
	if err := s.repo.InsertTask(ctx, t); err != nil {
		s.audit(ctx, ownerID, "task.create", t.ID, err)
		return nil, fmt.Errorf("insert task: %w", err)
	}
	t.ReminderHandle = s.rec.Reconcile(ctx, nil, t.Clone())
	s.audit(ctx, ownerID, "task.create", t.ID, nil)
	return t, nil
}

func (s *Service) GetTask(ctx context.Context, ownerID int64, id string) (*Task, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return t, nil
}

// ListTasks returns the owner's tasks, newest first. categoryID filters
// when non-empty.
func (s *Service) ListTasks(ctx context.Context, ownerID int64, categoryID string) ([]Task, error) {
	return s.repo.ListTasks(ctx, ownerID, TaskFilter{CategoryID: strings.TrimSpace(categoryID)})
}

func (s *Service) ListOverdue(ctx context.Context, ownerID int64) ([]Task, error) {
	return s.repo.ListTasks(ctx, ownerID, TaskFilter{OverdueAt: s.now().UTC()})
}

func (s *Service) UpdateTask(ctx context.Context, ownerID int64, id string, p TaskPatch) (*Task, error) {
	if err := s.check(p); err != nil {
		return nil, err
	}
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title must not be empty", ErrInvalid)
		}
		p.Title = &title
	}

	before, err := s.GetTask(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	after := before.Clone()
	if p.Title != nil {
		after.Title = *p.Title
	}
	if p.Description != nil {
		after.Description = *p.Description
	}
	if p.CategoryID != nil {
		cat, err := s.ownedCategory(ctx, ownerID, strings.TrimSpace(*p.CategoryID))
		if err != nil {
			return nil, err
		}
		after.CategoryID, after.CategoryName = "", ""
		if cat != nil {
			after.CategoryID, after.CategoryName = cat.ID, cat.Name
		}
	}
	switch {
	case p.ClearDue:
		after.DueAt = nil
	case p.DueAt != nil:
		after.DueAt = utcPtr(p.DueAt)
	}
	if p.Completed != nil {
		after.Completed = *p.Completed
	}
	return s.save(ctx, ownerID, "task.update", before, after)
}

func (s *Service) CompleteTask(ctx context.Context, ownerID int64, id string) (*Task, error) {
	before, err := s.GetTask(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	after := before.Clone()
	after.Completed = true
	return s.save(ctx, ownerID, "task.complete", before, after)
}

func (s *Service) save(ctx context.Context, ownerID int64, action string, before, after *Task) (*Task, error) {
	after.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateTask(ctx, after); err != nil {
		s.audit(ctx, ownerID, action, after.ID, err)
		return nil, fmt.Errorf("update task: %w", err)
	}
	after.ReminderHandle = s.rec.Reconcile(ctx, before, after.Clone())
	s.audit(ctx, ownerID, action, after.ID, nil)
	return after, nil
}

func (s *Service) DeleteTask(ctx context.Context, ownerID int64, id string) error {
	before, err := s.GetTask(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteTask(ctx, id); err != nil {
		s.audit(ctx, ownerID, "task.delete", id, err)
		return fmt.Errorf("delete task: %w", err)
	}
	s.rec.Reconcile(ctx, before, nil)
	s.audit(ctx, ownerID, "task.delete", id, nil)
	return nil
}

// ---- categories ----

func (s *Service) CreateCategory(ctx context.Context, ownerID int64, in NewCategory) (*Category, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := s.check(in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	c := &Category{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Name:        in.Name,
		Description: in.Description,
		Color:       in.Color,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if c.Color == "" {
		c.Color = DefaultCategoryColor
	}
	err := s.repo.InsertCategory(ctx, c)
	s.audit(ctx, ownerID, "category.create", c.ID, err)
	if err != nil {
		return nil, fmt.Errorf("insert category: %w", err)
	}
	return c, nil
}

func (s *Service) ListCategories(ctx context.Context, ownerID int64) ([]Category, error) {
	return s.repo.ListCategories(ctx, ownerID)
}

func (s *Service) UpdateCategory(ctx context.Context, ownerID int64, id string, p CategoryPatch) (*Category, error) {
	if err := s.check(p); err != nil {
		return nil, err
	}
	c, err := s.getCategory(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", ErrInvalid)
		}
		c.Name = name
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Color != nil && *p.Color != "" {
		c.Color = *p.Color
	}
	c.UpdatedAt = s.now().UTC()
	err = s.repo.UpdateCategory(ctx, c)
	s.audit(ctx, ownerID, "category.update", id, err)
	if err != nil {
		return nil, fmt.Errorf("update category: %w", err)
	}
	return c, nil
}

// DeleteCategory removes the category. Its tasks keep existing without one.
func (s *Service) DeleteCategory(ctx context.Context, ownerID int64, id string) error {
	if _, err := s.getCategory(ctx, ownerID, id); err != nil {
		return err
	}
	err := s.repo.DeleteCategory(ctx, id)
	s.audit(ctx, ownerID, "category.delete", id, err)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	return nil
}

func (s *Service) getCategory(ctx context.Context, ownerID int64, id string) (*Category, error) {
	c, err := s.repo.GetCategory(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return c, nil
}

// ownedCategory resolves an optional category reference. Categories of
// other users are reported as missing.
func (s *Service) ownedCategory(ctx context.Context, ownerID int64, id string) (*Category, error) {
	if id == "" {
		return nil, nil
	}
	c, err := s.repo.GetCategory(ctx, id)
	if errors.Is(err, ErrNotFound) || (err == nil && c.OwnerID != ownerID) {
		return nil, fmt.Errorf("%w: %s", ErrCategoryNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ---- recipient binding ----

// BindTelegram binds chatID as the reminder destination of userID.
func (s *Service) BindTelegram(ctx context.Context, userID, chatID int64) error {
	if userID == 0 || chatID == 0 {
		return fmt.Errorf("%w: user and chat id required", ErrInvalid)
	}
	err := s.repo.UpsertProfile(ctx, Profile{UserID: userID, TelegramChatID: chatID})
	s.audit(ctx, userID, "profile.bind_telegram", fmt.Sprint(chatID), err)
	return err
}

func (s *Service) audit(ctx context.Context, actor int64, action, target string, err error) {
	e := AuditEntry{At: s.now().UTC(), ActorID: actor, Action: action, Target: target, OK: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.repo.AppendAudit(ctx, e); aerr != nil {
		s.log.Debug("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
