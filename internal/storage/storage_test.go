package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbot/internal/job/scheduler"
	"taskbot/internal/todo"
	logx "taskbot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "taskbot.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTask(id string, owner int64, due *time.Time) *todo.Task {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &todo.Task{ID: id, OwnerID: owner, Title: "t-" + id, DueAt: due, CreatedAt: now, UpdatedAt: now}
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	cat := &todo.Category{ID: "c1", OwnerID: 1, Name: "Work", Color: todo.DefaultCategoryColor, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.InsertCategory(ctx, cat))

	due := now.Add(time.Hour)
	task := newTask("t1", 1, &due)
	task.CategoryID = "c1"
	require.NoError(t, st.InsertTask(ctx, task))

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Work", got.CategoryName)
	require.NotNil(t, got.DueAt)
	assert.True(t, got.DueAt.Equal(due))
	assert.Empty(t, got.ReminderHandle)

	_, err = st.GetTask(ctx, "nope")
	assert.ErrorIs(t, err, todo.ErrNotFound)
}

func TestUpdateTaskKeepsReminderHandle(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	task := newTask("t1", 1, nil)
	require.NoError(t, st.InsertTask(ctx, task))
	require.NoError(t, st.SetReminderHandle(ctx, "t1", "h-1"))

	task.Title = "renamed"
	task.Completed = true
	require.NoError(t, st.UpdateTask(ctx, task))

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.True(t, got.Completed)
	assert.Equal(t, "h-1", got.ReminderHandle)

	require.NoError(t, st.SetReminderHandle(ctx, "t1", ""))
	got, err = st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, got.ReminderHandle)

	assert.ErrorIs(t, st.SetReminderHandle(ctx, "gone", "h"), todo.ErrNotFound)
	assert.ErrorIs(t, st.UpdateTask(ctx, newTask("gone", 1, nil)), todo.ErrNotFound)
}

func TestListTasksFilters(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, st.InsertCategory(ctx, &todo.Category{ID: "c1", OwnerID: 1, Name: "x", Color: "#000000", CreatedAt: now, UpdatedAt: now}))
	overdue := newTask("a", 1, &past)
	require.NoError(t, st.InsertTask(ctx, overdue))
	done := newTask("b", 1, &past)
	done.Completed = true
	require.NoError(t, st.InsertTask(ctx, done))
	inCat := newTask("c", 1, &future)
	inCat.CategoryID = "c1"
	require.NoError(t, st.InsertTask(ctx, inCat))
	require.NoError(t, st.InsertTask(ctx, newTask("d", 2, &past)))

	all, err := st.ListTasks(ctx, 1, todo.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byCat, err := st.ListTasks(ctx, 1, todo.TaskFilter{CategoryID: "c1"})
	require.NoError(t, err)
	require.Len(t, byCat, 1)
	assert.Equal(t, "c", byCat[0].ID)

	late, err := st.ListTasks(ctx, 1, todo.TaskFilter{OverdueAt: now})
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, "a", late[0].ID)
}

func TestDeleteCategoryDetachesTasks(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.InsertCategory(ctx, &todo.Category{ID: "c1", OwnerID: 1, Name: "x", Color: "#000000", CreatedAt: now, UpdatedAt: now}))
	task := newTask("t1", 1, nil)
	task.CategoryID = "c1"
	require.NoError(t, st.InsertTask(ctx, task))

	require.NoError(t, st.DeleteCategory(ctx, "c1"))
	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, got.CategoryID)
	assert.Empty(t, got.CategoryName)

	assert.ErrorIs(t, st.DeleteCategory(ctx, "c1"), todo.ErrNotFound)
	assert.NoError(t, st.DeleteTask(ctx, "t1"))
	assert.ErrorIs(t, st.DeleteTask(ctx, "t1"), todo.ErrNotFound)
}

func TestProfileBinding(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	_, ok, err := st.TelegramChatID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.UpsertProfile(ctx, todo.Profile{UserID: 1, TelegramChatID: 100}))
	chat, ok, err := st.TelegramChatID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 100, chat)

	// The chat moves to the user that binds it last.
	require.NoError(t, st.UpsertProfile(ctx, todo.Profile{UserID: 2, TelegramChatID: 100}))
	_, ok, err = st.TelegramChatID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	chat, ok, err = st.TelegramChatID(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 100, chat)
}

func TestJobClaimIsExclusive(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	at := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
	require.NoError(t, st.InsertJob(ctx, scheduler.Job{Handle: "h1", Kind: "reminder.due", Payload: "t1", FireAt: at, CreatedAt: at}))
	require.NoError(t, st.InsertJob(ctx, scheduler.Job{Handle: "h0", Kind: "reminder.due", Payload: "t0", FireAt: at.Add(-time.Second), CreatedAt: at}))

	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "h0", jobs[0].Handle)
	assert.True(t, jobs[1].FireAt.Equal(at))

	ok, err := st.DeleteJob(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.DeleteJob(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDedupAndPrune(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutDedup(ctx, "live", time.Now().Add(time.Hour)))
	require.NoError(t, st.PutDedup(ctx, "expired", time.Now().Add(-time.Hour)))

	_, ok, err := st.GetDedup(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := st.PruneDedup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, ok, err = st.GetDedup(ctx, "expired")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.AppendAudit(ctx, todo.AuditEntry{ActorID: 1, Action: "task.create", Target: "t1", OK: true}))
}

func TestPostgresPlaceholders(t *testing.T) {
	t.Parallel()

	pg := &Store{dialect: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.q("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := &Store{dialect: DriverSQLite}
	assert.Equal(t, "x = ?", lite.q("x = ?"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
}
