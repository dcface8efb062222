package todo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskbot/pkg/logx"
)

type memRepo struct {
	mu       sync.Mutex
	tasks    map[string]Task
	cats     map[string]Category
	profiles map[int64]int64
	audits   []AuditEntry
}

func newMemRepo() *memRepo {
	return &memRepo{tasks: map[string]Task{}, cats: map[string]Category{}, profiles: map[int64]int64{}}
}

func (m *memRepo) InsertTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = *t.Clone()
	return nil
}

func (m *memRepo) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *memRepo) ListTasks(_ context.Context, ownerID int64, f TaskFilter) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.OwnerID != ownerID {
			continue
		}
		if f.CategoryID != "" && t.CategoryID != f.CategoryID {
			continue
		}
		if !f.OverdueAt.IsZero() && !t.Overdue(f.OverdueAt) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepo) UpdateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	c := *t.Clone()
	c.ReminderHandle = old.ReminderHandle
	m.tasks[t.ID] = c
	return nil
}

func (m *memRepo) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *memRepo) SetReminderHandle(_ context.Context, id, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.ReminderHandle = handle
	m.tasks[id] = t
	return nil
}

func (m *memRepo) InsertCategory(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cats[c.ID] = *c
	return nil
}

func (m *memRepo) GetCategory(_ context.Context, id string) (*Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cats[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *memRepo) ListCategories(_ context.Context, ownerID int64) ([]Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Category
	for _, c := range m.cats {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memRepo) UpdateCategory(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cats[c.ID] = *c
	return nil
}

func (m *memRepo) DeleteCategory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cats, id)
	for k, t := range m.tasks {
		if t.CategoryID == id {
			t.CategoryID, t.CategoryName = "", ""
			m.tasks[k] = t
		}
	}
	return nil
}

func (m *memRepo) UpsertProfile(_ context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = p.TelegramChatID
	return nil
}

func (m *memRepo) TelegramChatID(_ context.Context, userID int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.profiles[userID]
	return id, ok && id != 0, nil
}

func (m *memRepo) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}

type reconcileCall struct {
	before, after *Task
}

type recordingReconciler struct {
	repo  *memRepo
	calls []reconcileCall
	next  string
}

func (r *recordingReconciler) Reconcile(ctx context.Context, before, after *Task) string {
	r.calls = append(r.calls, reconcileCall{before: before, after: after})
	if after == nil || after.Completed || after.DueAt == nil {
		if after != nil {
			_ = r.repo.SetReminderHandle(ctx, after.ID, "")
		}
		return ""
	}
	_ = r.repo.SetReminderHandle(ctx, after.ID, r.next)
	return r.next
}

func newTestService(t *testing.T) (*Service, *memRepo, *recordingReconciler) {
	t.Helper()
	repo := newMemRepo()
	rec := &recordingReconciler{repo: repo, next: "h1"}
	return NewService(repo, rec, logx.Nop()), repo, rec
}

func TestCreateTaskReconcilesFromNothing(t *testing.T) {
	t.Parallel()

	svc, repo, rec := newTestService(t)
	ctx := context.Background()
	due := time.Now().Add(time.Hour)

	task, err := svc.CreateTask(ctx, 7, NewTask{Title: "  write report ", DueAt: &due})
	require.NoError(t, err)
	assert.Equal(t, "write report", task.Title)
	assert.Equal(t, "h1", task.ReminderHandle)

	require.Len(t, rec.calls, 1)
	assert.Nil(t, rec.calls[0].before)
	require.NotNil(t, rec.calls[0].after)
	assert.True(t, rec.calls[0].after.DueAt.Equal(due))

	stored, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "h1", stored.ReminderHandle)
	require.NotEmpty(t, repo.audits)
	assert.Equal(t, "task.create", repo.audits[0].Action)
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()

	svc, _, rec := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, 1, NewTask{Title: "   "})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.CreateTask(ctx, 1, NewTask{Title: "x", CategoryID: "missing"})
	assert.ErrorIs(t, err, ErrCategoryNotFound)
	assert.Empty(t, rec.calls)
}

func TestUpdateTaskPassesBeforeAndAfter(t *testing.T) {
	t.Parallel()

	svc, _, rec := newTestService(t)
	ctx := context.Background()
	d1 := time.Now().Add(time.Hour)
	d2 := d1.Add(time.Hour)

	task, err := svc.CreateTask(ctx, 1, NewTask{Title: "x", DueAt: &d1})
	require.NoError(t, err)
	rec.next = "h2"

	got, err := svc.UpdateTask(ctx, 1, task.ID, TaskPatch{DueAt: &d2})
	require.NoError(t, err)
	assert.Equal(t, "h2", got.ReminderHandle)

	require.Len(t, rec.calls, 2)
	call := rec.calls[1]
	assert.Equal(t, "h1", call.before.ReminderHandle)
	assert.True(t, call.before.DueAt.Equal(d1))
	assert.True(t, call.after.DueAt.Equal(d2))
}

func TestUpdateTaskClearsDueAndCategory(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()
	cat, err := svc.CreateCategory(ctx, 1, NewCategory{Name: "Work"})
	require.NoError(t, err)
	assert.Equal(t, DefaultCategoryColor, cat.Color)

	due := time.Now().Add(time.Hour)
	task, err := svc.CreateTask(ctx, 1, NewTask{Title: "x", CategoryID: cat.ID, DueAt: &due})
	require.NoError(t, err)
	assert.Equal(t, "Work", task.CategoryName)

	empty := ""
	got, err := svc.UpdateTask(ctx, 1, task.ID, TaskPatch{CategoryID: &empty, ClearDue: true})
	require.NoError(t, err)
	assert.Empty(t, got.CategoryID)
	assert.Nil(t, got.DueAt)
	assert.Empty(t, got.ReminderHandle)
}

func TestOwnershipIsEnforced(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()
	task, err := svc.CreateTask(ctx, 1, NewTask{Title: "mine"})
	require.NoError(t, err)

	_, err = svc.GetTask(ctx, 2, task.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.CompleteTask(ctx, 2, task.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, svc.DeleteTask(ctx, 2, task.ID), ErrForbidden)

	other, err := svc.CreateCategory(ctx, 2, NewCategory{Name: "theirs"})
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, 1, NewTask{Title: "x", CategoryID: other.ID})
	assert.ErrorIs(t, err, ErrCategoryNotFound)
}

func TestCompleteAndDeleteReconcile(t *testing.T) {
	t.Parallel()

	svc, repo, rec := newTestService(t)
	ctx := context.Background()
	due := time.Now().Add(time.Hour)
	task, err := svc.CreateTask(ctx, 1, NewTask{Title: "x", DueAt: &due})
	require.NoError(t, err)

	done, err := svc.CompleteTask(ctx, 1, task.ID)
	require.NoError(t, err)
	assert.True(t, done.Completed)
	assert.Empty(t, done.ReminderHandle)

	require.NoError(t, svc.DeleteTask(ctx, 1, task.ID))
	last := rec.calls[len(rec.calls)-1]
	assert.NotNil(t, last.before)
	assert.Nil(t, last.after)

	_, err = repo.GetTask(ctx, task.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListOverdue(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	late, err := svc.CreateTask(ctx, 1, NewTask{Title: "late", DueAt: &past})
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, 1, NewTask{Title: "later", DueAt: &future})
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, 1, NewTask{Title: "none"})
	require.NoError(t, err)

	got, err := svc.ListOverdue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, late.ID, got[0].ID)
}

func TestDeleteCategoryDetachesTasks(t *testing.T) {
	t.Parallel()

	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	cat, err := svc.CreateCategory(ctx, 1, NewCategory{Name: "Home", Color: "#FF0000"})
	require.NoError(t, err)
	task, err := svc.CreateTask(ctx, 1, NewTask{Title: "x", CategoryID: cat.ID})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteCategory(ctx, 1, cat.ID))
	stored, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.CategoryID)

	_, err = svc.CreateCategory(ctx, 1, NewCategory{Name: "bad", Color: "red"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestBindTelegram(t *testing.T) {
	t.Parallel()

	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	assert.ErrorIs(t, svc.BindTelegram(ctx, 1, 0), ErrInvalid)
	require.NoError(t, svc.BindTelegram(ctx, 1, 555))

	chat, ok, err := repo.TelegramChatID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 555, chat)
}
