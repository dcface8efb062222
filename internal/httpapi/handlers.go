package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"taskbot/internal/todo"
	logx "taskbot/pkg/logx"
)

const maxBody = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorBody{Error: msg})
}

// fail maps a domain error to a status. Unknown errors are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, todo.ErrInvalid):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, todo.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, todo.ErrCategoryNotFound):
		respondError(w, http.StatusNotFound, "category not found")
	case errors.Is(err, todo.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout")
	default:
		s.log.Error("request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err),
		)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", todo.ErrInvalid, err)
	}
	return nil
}

func owner(r *http.Request) int64 {
	id, _ := userID(r.Context())
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.log.Warn("health check failed", logx.Err(err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.ListTasks(r.Context(), owner(r), r.URL.Query().Get("category_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(tasks))
}

func (s *Server) listOverdue(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.ListOverdue(r.Context(), owner(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(tasks))
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var in todo.NewTask
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.tasks.CreateTask(r.Context(), owner(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.GetTask(r.Context(), owner(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var p todo.TaskPatch
	if err := decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.tasks.UpdateTask(r.Context(), owner(r), chi.URLParam(r, "id"), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.CompleteTask(r.Context(), owner(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.DeleteTask(r.Context(), owner(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.tasks.ListCategories(r.Context(), owner(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(cats))
}

func (s *Server) createCategory(w http.ResponseWriter, r *http.Request) {
	var in todo.NewCategory
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.tasks.CreateCategory(r.Context(), owner(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) updateCategory(w http.ResponseWriter, r *http.Request) {
	var p todo.CategoryPatch
	if err := decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.tasks.UpdateCategory(r.Context(), owner(r), chi.URLParam(r, "id"), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) deleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.DeleteCategory(r.Context(), owner(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type telegramBinding struct {
	ChatID int64 `json:"telegram_chat_id"`
}

func (s *Server) putTelegram(w http.ResponseWriter, r *http.Request) {
	var in telegramBinding
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	if in.ChatID == 0 {
		respondError(w, http.StatusBadRequest, "telegram_chat_id is required")
		return
	}
	uid := owner(r)
	if err := s.tasks.BindTelegram(r.Context(), uid, in.ChatID); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, todo.Profile{UserID: uid, TelegramChatID: in.ChatID})
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
