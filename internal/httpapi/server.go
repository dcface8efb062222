// Package httpapi is the REST front-end of the task service.
//
// Everything under /api requires an HS256 bearer token whose subject is the
// numeric user id. /health is public.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rtsup "taskbot/internal/runtime/supervisor"
	"taskbot/internal/todo"
	logx "taskbot/pkg/logx"
)

// TaskService is the set of task use cases the API exposes.
type TaskService interface {
	CreateTask(ctx context.Context, ownerID int64, in todo.NewTask) (*todo.Task, error)
	GetTask(ctx context.Context, ownerID int64, id string) (*todo.Task, error)
	ListTasks(ctx context.Context, ownerID int64, categoryID string) ([]todo.Task, error)
	ListOverdue(ctx context.Context, ownerID int64) ([]todo.Task, error)
	UpdateTask(ctx context.Context, ownerID int64, id string, p todo.TaskPatch) (*todo.Task, error)
	CompleteTask(ctx context.Context, ownerID int64, id string) (*todo.Task, error)
	DeleteTask(ctx context.Context, ownerID int64, id string) error

	CreateCategory(ctx context.Context, ownerID int64, in todo.NewCategory) (*todo.Category, error)
	ListCategories(ctx context.Context, ownerID int64) ([]todo.Category, error)
	UpdateCategory(ctx context.Context, ownerID int64, id string, p todo.CategoryPatch) (*todo.Category, error)
	DeleteCategory(ctx context.Context, ownerID int64, id string) error

	BindTelegram(ctx context.Context, userID, chatID int64) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Enabled   bool
	Addr      string
	JWTSecret string

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

const minSecretLen = 32

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	tasks  TaskService
	health Pinger
	router http.Handler

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, tasks TaskService, health Pinger, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Enabled && len(cfg.JWTSecret) < minSecretLen {
		return nil, errors.New("http.jwt_secret must be at least 32 characters")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{cfg: cfg, log: log, tasks: tasks, health: health}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Handler returns the router; tests drive it without a listener.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.bindTelegramHeader)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.createTask)
			r.Get("/overdue", s.listOverdue)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Patch("/", s.updateTask)
				r.Delete("/", s.deleteTask)
				r.Post("/complete", s.completeTask)
			})
		})
		r.Route("/categories", func(r chi.Router) {
			r.Get("/", s.listCategories)
			r.Post("/", s.createCategory)
			r.Patch("/{id}", s.updateCategory)
			r.Delete("/{id}", s.deleteCategory)
		})
		r.Put("/profile/telegram", s.putTelegram)
	})
	return r
}

// Start binds the listener and serves in the background. It is a no-op
// when disabled or already running.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.sup != nil || s.stopDone != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)

	s.mu.Lock()
	s.ln, s.srv, s.sup = ln, srv, sup
	s.mu.Unlock()

	sup.Go("http.serve", func(c context.Context) error {
		go func() {
			<-c.Done()
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(cctx)
			cancel()
		}()
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.log.Info("http api started", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully, giving up when ctx expires.
func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		_ = ln.Close()
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http api stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		d := time.Since(start)

		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", d),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		}
		switch {
		case ww.Status() >= 500:
			s.log.Warn("http request failed", fields...)
		default:
			s.log.Debug("http request", fields...)
		}
	})
}
