// Package httpapi is the HTTP host surface. Every request it serves first
// gives the reconciler a chance to run, the same way the cycle rides on
// ordinary page traffic.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"schedulify/internal/reconcile"
	"schedulify/internal/settings"
	"schedulify/internal/storage"
	logx "schedulify/pkg/logx"
)

// RoleHeader carries the caller's role, set by the fronting proxy.
const RoleHeader = "X-Schedulify-Role"

const maxBodySize = 1 << 20

type Cycle interface {
	Trigger(ctx context.Context) reconcile.Report
	Status(ctx context.Context) reconcile.Status
}

type Posts interface {
	CountWhere(ctx context.Context, f storage.Filter) (int, error)
	ListScheduled(ctx context.Context, limit int) ([]storage.Post, error)
	Insert(ctx context.Context, p storage.Post) (int64, error)
}

type Settings interface {
	Load(ctx context.Context) (settings.Settings, error)
	Save(ctx context.Context, s settings.Settings) error
	RoleAllowed(ctx context.Context, role string) bool
}

type Options struct {
	Cycle            Cycle
	Posts            Posts
	Settings         Settings
	Metrics          http.Handler // nil disables /metrics
	MetricsPath      string
	TriggerOnRequest bool
	Pprof            bool
	Now              func() time.Time
	Log              logx.Logger
}

type api struct {
	opts Options
	log  logx.Logger
}

func NewRouter(opts Options) http.Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	a := &api{opts: opts, log: opts.Log.With(logx.String("comp", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(a.log))
	if opts.TriggerOnRequest && opts.Cycle != nil {
		r.Use(TriggerOnRequest(opts.Cycle, a.log))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, opts.MetricsPath, opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.requireRole(false))
		r.Get("/status", a.status)
		r.Get("/posts/scheduled", a.listScheduled)
	})
	r.Group(func(r chi.Router) {
		r.Use(a.requireRole(true))
		r.Get("/settings", a.getSettings)
		r.Put("/settings", a.putSettings)
		r.Post("/posts", a.createPost)
		if opts.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// TriggerOnRequest runs the throttle-gated cycle inline before the handler.
func TriggerOnRequest(c Cycle, log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rep := c.Trigger(r.Context())
			if rep.Ran {
				log.Debug("cycle ran on request", logx.String("run_id", rep.RunID), logx.String("path", r.URL.Path))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func (a *api) requireRole(adminOnly bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := strings.ToLower(strings.TrimSpace(r.Header.Get(RoleHeader)))
			ok := role == settings.RoleAdministrator
			if !ok && !adminOnly && a.opts.Settings != nil {
				ok = a.opts.Settings.RoleAllowed(r.Context(), role)
			}
			if !ok {
				writeError(w, http.StatusForbidden, errors.New("forbidden"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusResponse struct {
	Scheduled  int              `json:"scheduled"`
	Overdue    int              `json:"overdue"`
	Reconciler reconcile.Status `json:"reconciler"`
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp statusResponse
	if a.opts.Posts != nil {
		var err error
		if resp.Scheduled, err = a.opts.Posts.CountWhere(ctx, storage.Filter{Status: storage.StatusFuture}); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		due := storage.Filter{Status: storage.StatusFuture, DueBefore: a.opts.Now()}
		if resp.Overdue, err = a.opts.Posts.CountWhere(ctx, due); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if a.opts.Cycle != nil {
		resp.Reconciler = a.opts.Cycle.Status(ctx)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) listScheduled(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	posts, err := a.opts.Posts.ListScheduled(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if posts == nil {
		posts = []storage.Post{}
	}
	writeJSON(w, http.StatusOK, posts)
}

func (a *api) getSettings(w http.ResponseWriter, r *http.Request) {
	s, err := a.opts.Settings.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) putSettings(w http.ResponseWriter, r *http.Request) {
	var in settings.Settings
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.opts.Settings.Save(r.Context(), in); err != nil {
		if errors.Is(err, settings.ErrInvalidInterval) || errors.Is(err, settings.ErrInvalidPostLimit) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.log.Info("settings updated", logx.String("request_id", middleware.GetReqID(r.Context())))
	a.getSettings(w, r)
}

type createPostRequest struct {
	Title       string    `json:"title"`
	Permalink   string    `json:"permalink"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (a *api) createPost(w http.ResponseWriter, r *http.Request) {
	var in createPostRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if in.ScheduledAt.IsZero() {
		writeError(w, http.StatusBadRequest, errors.New("scheduled_at is required"))
		return
	}
	p := storage.Post{Title: in.Title, Permalink: in.Permalink, Status: storage.StatusFuture, ScheduledAt: in.ScheduledAt}
	id, err := a.opts.Posts.Insert(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	p.ID = id
	writeJSON(w, http.StatusCreated, p)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
