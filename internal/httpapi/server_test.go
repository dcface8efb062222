package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbot/internal/storage"
	"taskbot/internal/todo"
	logx "taskbot/pkg/logx"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

type apiHarness struct {
	t     *testing.T
	srv   *httptest.Server
	store *storage.Store
}

func newHarness(t *testing.T) *apiHarness {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "api.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := todo.NewService(st, nil, logx.Nop())
	api, err := New(Config{Enabled: true, JWTSecret: testSecret}, svc, st, logx.Nop())
	require.NoError(t, err)

	hs := httptest.NewServer(api.Handler())
	t.Cleanup(hs.Close)
	return &apiHarness{t: t, srv: hs, store: st}
}

func (h *apiHarness) do(method, path string, user int64, body any, hdr ...string) (*http.Response, []byte) {
	h.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	if user != 0 {
		tok, err := IssueToken(testSecret, user, time.Hour)
		require.NoError(h.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func decodeInto[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestNewRequiresSecretWhenEnabled(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Enabled: true, JWTSecret: "short"}, nil, nil, logx.Nop())
	require.Error(t, err)

	_, err = New(Config{Enabled: false}, nil, nil, logx.Nop())
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp, _ := h.do(http.MethodGet, "/health", 0, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	api, err := New(Config{JWTSecret: testSecret}, nil, failingPinger{}, logx.Nop())
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthRejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp, body := h.do(http.MethodGet, "/api/tasks", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authorization required", decodeInto[errorBody](t, body).Error)

	other, err := IssueToken("ffffffffffffffffffffffffffffffff", 1, time.Hour)
	require.NoError(t, err)
	resp, _ = h.do(http.MethodGet, "/api/tasks", 0, nil, "Authorization", "Bearer "+other)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	raw, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)
	resp, body = h.do(http.MethodGet, "/api/tasks", 0, nil, "Authorization", "Bearer "+raw)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "token expired", decodeInto[errorBody](t, body).Error)

	noSub := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ann"})
	raw, err = noSub.SignedString([]byte(testSecret))
	require.NoError(t, err)
	resp, _ = h.do(http.MethodGet, "/api/tasks", 0, nil, "Authorization", "Bearer "+raw)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	const user = 42

	due := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	resp, body := h.do(http.MethodPost, "/api/tasks", user, map[string]any{
		"title":  "write report",
		"due_at": due,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	created := decodeInto[todo.Task](t, body)
	assert.Equal(t, "write report", created.Title)
	require.NotNil(t, created.DueAt)
	assert.True(t, created.DueAt.Equal(due))

	resp, body = h.do(http.MethodGet, "/api/tasks/"+created.ID, user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decodeInto[todo.Task](t, body).ID)

	resp, _ = h.do(http.MethodGet, "/api/tasks/"+created.ID, 7, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = h.do(http.MethodPatch, "/api/tasks/"+created.ID, user, map[string]any{
		"title":     "write final report",
		"clear_due": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	patched := decodeInto[todo.Task](t, body)
	assert.Equal(t, "write final report", patched.Title)
	assert.Nil(t, patched.DueAt)

	resp, body = h.do(http.MethodPost, "/api/tasks/"+created.ID+"/complete", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeInto[todo.Task](t, body).Completed)

	resp, body = h.do(http.MethodGet, "/api/tasks", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]todo.Task](t, body), 1)

	resp, _ = h.do(http.MethodDelete, "/api/tasks/"+created.ID, user, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.do(http.MethodGet, "/api/tasks/"+created.ID, user, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOverdueAndEmptyLists(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp, body := h.do(http.MethodGet, "/api/tasks/overdue", 5, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]\n", string(body))

	past := time.Now().Add(-time.Hour)
	resp, _ = h.do(http.MethodPost, "/api/tasks", 5, map[string]any{"title": "late", "due_at": past})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, "/api/tasks", 5, map[string]any{"title": "someday"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, body = h.do(http.MethodGet, "/api/tasks/overdue", 5, nil)
	overdue := decodeInto[[]todo.Task](t, body)
	require.Len(t, overdue, 1)
	assert.Equal(t, "late", overdue[0].Title)
}

func TestBadInputIs400(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp, _ := h.do(http.MethodPost, "/api/tasks", 1, map[string]any{"title": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/api/tasks", 1, map[string]any{"title": "x", "priority": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/api/categories", 1, map[string]any{"name": "work", "color": "blue"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(http.MethodPut, "/api/profile/telegram", 1, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCategories(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	const user = 3

	resp, body := h.do(http.MethodPost, "/api/categories", user, map[string]any{"name": "home"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	cat := decodeInto[todo.Category](t, body)
	assert.Equal(t, todo.DefaultCategoryColor, cat.Color)

	resp, _ = h.do(http.MethodPost, "/api/tasks", user, map[string]any{"title": "x", "category_id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/api/tasks", 99, map[string]any{"title": "x", "category_id": cat.ID})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "another user's category is invisible")

	resp, body = h.do(http.MethodPost, "/api/tasks", user, map[string]any{"title": "dishes", "category_id": cat.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "home", decodeInto[todo.Task](t, body).CategoryName)

	_, body = h.do(http.MethodGet, "/api/tasks?category_id="+cat.ID, user, nil)
	assert.Len(t, decodeInto[[]todo.Task](t, body), 1)

	resp, body = h.do(http.MethodPatch, "/api/categories/"+cat.ID, user, map[string]any{"color": "#00FF00"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "#00FF00", decodeInto[todo.Category](t, body).Color)

	_, body = h.do(http.MethodGet, "/api/categories", user, nil)
	assert.Len(t, decodeInto[[]todo.Category](t, body), 1)

	resp, _ = h.do(http.MethodDelete, "/api/categories/"+cat.ID, user, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, body = h.do(http.MethodGet, "/api/tasks?category_id="+cat.ID, user, nil)
	assert.Empty(t, decodeInto[[]todo.Task](t, body))
}

func TestTelegramBinding(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	resp, _ := h.do(http.MethodPut, "/api/profile/telegram", 10, map[string]any{"telegram_chat_id": 555})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chat, ok, err := h.store.TelegramChatID(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(555), chat)

	resp, _ = h.do(http.MethodGet, "/api/tasks", 11, nil, TelegramHeader, "777")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chat, ok, err = h.store.TelegramChatID(ctx, 11)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(777), chat)

	// Garbage is ignored and does not affect the response.
	resp, _ = h.do(http.MethodGet, "/api/tasks", 12, nil, TelegramHeader, "abc")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok, err = h.store.TelegramChatID(ctx, 12)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	api, err := New(Config{Enabled: true, Addr: "127.0.0.1:0", JWTSecret: testSecret}, nil, nil, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, api.Start(context.Background()))
	addr := api.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	api.Stop(ctx)
	assert.Empty(t, api.Addr())
}
