// Package todo holds the task domain: tasks, categories, recipient
// bindings and the CRUD use cases the REST and Telegram front-ends share.
package todo

import (
	"context"
	"time"
)

const DefaultCategoryColor = "#3B82F6"

// Task is a todo item. ReminderHandle is the back-reference to the armed
// reminder job; empty means none. Only the reminder reconciler writes it.
type Task struct {
	ID             string     `json:"id"`
	OwnerID        int64      `json:"owner_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	CategoryID     string     `json:"category_id,omitempty"`
	CategoryName   string     `json:"category_name,omitempty"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	Completed      bool       `json:"is_completed"`
	ReminderHandle string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Overdue reports whether the task has a past due time and is still open.
func (t Task) Overdue(now time.Time) bool {
	return !t.Completed && t.DueAt != nil && now.After(*t.DueAt)
}

// Clone returns a copy that shares no pointers with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.DueAt != nil {
		d := *t.DueAt
		c.DueAt = &d
	}
	return &c
}

type Category struct {
	ID          string    `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Color       string    `json:"color"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Profile binds a user to a Telegram chat for reminders.
type Profile struct {
	UserID         int64 `json:"user_id"`
	TelegramChatID int64 `json:"telegram_chat_id,omitempty"`
}

// NewTask is the input of CreateTask.
type NewTask struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=2000"`
	CategoryID  string     `json:"category_id" validate:"omitempty,max=64"`
	DueAt       *time.Time `json:"due_at"`
}

// TaskPatch is a partial update. Nil fields are left untouched. An empty
// CategoryID clears the category; ClearDue removes the due time.
type TaskPatch struct {
	Title       *string    `json:"title" validate:"omitempty,max=200"`
	Description *string    `json:"description" validate:"omitempty,max=2000"`
	CategoryID  *string    `json:"category_id" validate:"omitempty,max=64"`
	DueAt       *time.Time `json:"due_at"`
	ClearDue    bool       `json:"clear_due"`
	Completed   *bool      `json:"is_completed"`
}

type NewCategory struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=2000"`
	Color       string `json:"color" validate:"omitempty,hexcolor"`
}

type CategoryPatch struct {
	Name        *string `json:"name" validate:"omitempty,max=100"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
	Color       *string `json:"color" validate:"omitempty,hexcolor"`
}

// TaskFilter narrows ListTasks. A zero OverdueAt disables the overdue filter.
type TaskFilter struct {
	CategoryID string
	OverdueAt  time.Time
}

// AuditEntry records one mutation.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	OK      bool
	Error   string
}

// Repository is the persistence the use cases need. UpdateTask writes
// every field except the reminder handle.
type Repository interface {
	InsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, ownerID int64, f TaskFilter) ([]Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, id string) error
	SetReminderHandle(ctx context.Context, id, handle string) error

	InsertCategory(ctx context.Context, c *Category) error
	GetCategory(ctx context.Context, id string) (*Category, error)
	ListCategories(ctx context.Context, ownerID int64) ([]Category, error)
	UpdateCategory(ctx context.Context, c *Category) error
	DeleteCategory(ctx context.Context, id string) error

	UpsertProfile(ctx context.Context, p Profile) error
	TelegramChatID(ctx context.Context, userID int64) (int64, bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Reconciler re-arms the reminder of a task after a mutation. before is nil
// on create and after is nil on delete. It returns the new handle and
// never fails the mutation.
type Reconciler interface {
	Reconcile(ctx context.Context, before, after *Task) string
}
