// Package httpapi is the operator HTTP/JSON surface: job submission and
// polling, accounts, schedule, credentials and ledger inspection.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"storypipe/internal/domain"
	"storypipe/internal/notifier"
	rtsup "storypipe/internal/runtime/supervisor"
	"storypipe/internal/storage"
	"storypipe/internal/task/engine"
	logx "storypipe/pkg/logx"
)

// Runner is the job runner as seen by the API.
type Runner interface {
	Submit(ctx context.Context, kind domain.TaskKind, params engine.Params) (string, error)
	Cancel(id string) bool
	Get(id string) domain.TaskView
	List() []domain.TaskView
	Active() int
	Counters() rtsup.Counters
}

type Settings interface {
	Accounts() []domain.Account
	AddAccount(raw string) (domain.Account, error)
	ToggleAccount(name string) (domain.Account, error)
	RemoveAccount(name string) error
	Schedule() domain.ScheduleConfig
	SaveSchedule(cfg domain.ScheduleConfig) (domain.ScheduleConfig, error)
	Credentials() []domain.Credential
	AddCredential(c domain.Credential) error
	RemoveCredential(id string) error
}

// ScheduleInfo exposes scheduler state next to the stored schedule.
type ScheduleInfo interface {
	LastTriggered() string
	Next() time.Time
}

type Notifications interface {
	History() []notifier.HistoryItem
}

type Deps struct {
	Runner    Runner
	Settings  Settings
	Ledger    storage.Ledger
	Scheduler ScheduleInfo
	Notifier  Notifications
	// UploadsDir receives files posted to /api/publish/upload.
	UploadsDir string
	// ChunkSize is the default for partition previews.
	ChunkSize func() int
	Log       logx.Logger
}

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxUploadMB  int
}

type Server struct {
	cfg Config
	log logx.Logger
	srv *http.Server
	ln  net.Listener
	err chan error
}

func New(cfg Config, d Deps) *Server {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 2048
	}
	log := d.Log.Component("http")
	h := &handler{d: d, log: log, maxUpload: int64(cfg.MaxUploadMB) << 20}
	return &Server{
		cfg: cfg,
		log: log,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h.routes(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		err: make(chan error, 1),
	}
}

// Handler is the routed API, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start binds the listener synchronously so address errors surface here,
// then serves in the background.
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
			s.err <- err
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Err delivers a serve failure after Start.
func (s *Server) Err() <-chan error { return s.err }

func (s *Server) Stop(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (h *handler) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs/{kind}", h.submitJob)
		r.Post("/publish/upload", h.upload)
		r.Post("/partition", h.partition)

		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Delete("/tasks/{id}", h.cancelTask)

		r.Get("/schedule", h.getSchedule)
		r.Put("/schedule", h.putSchedule)

		r.Get("/accounts", h.listAccounts)
		r.Post("/accounts", h.addAccount)
		r.Post("/accounts/{username}/toggle", h.toggleAccount)
		r.Delete("/accounts/{username}", h.removeAccount)

		r.Get("/credentials", h.listCredentials)
		r.Post("/credentials", h.addCredential)
		r.Delete("/credentials/{id}", h.removeCredential)

		r.Get("/ledger/{account}/{period}", h.ledger)
		r.Get("/notifications", h.notifications)
	})
	return r
}

func (h *handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())))
	})
}
