package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"storypipe/internal/domain"
	"storypipe/internal/pipeline"
	"storypipe/internal/storage"
	"storypipe/internal/task/engine"
	"storypipe/internal/task/scheduler"
	"storypipe/internal/workspace"
	logx "storypipe/pkg/logx"
)

type handler struct {
	d         Deps
	log       logx.Logger
	maxUpload int64
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, engine.ErrUnknownKind):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.log.Warn("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: domain.Kind(err)})
}

// decode reads a JSON body strictly. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: bad request body: %v", domain.ErrConfig, err)
	}
	return nil
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_jobs": h.d.Runner.Active(),
		"supervisor":  h.d.Runner.Counters(),
	})
}

func (h *handler) submitJob(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseTaskKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var params engine.Params
	if err := decode(r, &params); err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := h.d.Runner.Submit(r.Context(), kind, params)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

// upload streams the "file" part into the uploads dir and submits a
// publishFile job that removes it afterwards.
func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	mr, err := r.MultipartReader()
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: expected multipart/form-data: %v", domain.ErrConfig, err))
		return
	}
	var path, title, original string
	cleanup := func() {
		if path != "" {
			_ = os.Remove(path)
		}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanup()
			h.fail(w, r, fmt.Errorf("%w: read upload: %v", domain.ErrConfig, err))
			return
		}
		switch part.FormName() {
		case "title":
			b, _ := io.ReadAll(io.LimitReader(part, 1024))
			title = strings.TrimSpace(string(b))
		case "file":
			if path != "" {
				break
			}
			original = filepath.Base(part.FileName())
			ext := strings.ToLower(filepath.Ext(original))
			if ext == "" {
				ext = ".mp4"
			}
			path = filepath.Join(h.d.UploadsDir, uuid.NewString()+ext)
			if _, err := workspace.WriteFile(path, part); err != nil {
				path = ""
				h.fail(w, r, fmt.Errorf("%w: store upload: %v", domain.ErrConfig, err))
				return
			}
		}
		part.Close()
	}
	if path == "" {
		h.fail(w, r, fmt.Errorf("%w: missing file part", domain.ErrConfig))
		return
	}
	if title == "" {
		title = strings.TrimSuffix(original, filepath.Ext(original))
	}
	id, err := h.d.Runner.Submit(r.Context(), domain.KindPublishFile, engine.Params{Path: path, Title: title, RemoveAfter: true})
	if err != nil {
		cleanup()
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

type partitionRequest struct {
	Count     int              `json:"count"`
	ChunkSize int              `json:"chunk_size"`
	Mode      domain.MergeMode `json:"mode"`
}

func (h *handler) partition(w http.ResponseWriter, r *http.Request) {
	var req partitionRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.ChunkSize == 0 && h.d.ChunkSize != nil {
		req.ChunkSize = h.d.ChunkSize()
	}
	mode := domain.MergeChunked
	if req.Mode != "" {
		m, err := domain.ParseMergeMode(string(req.Mode))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		mode = m
	}
	var out struct {
		Chunked []int `json:"chunked,omitempty"`
		Single  []int `json:"single,omitempty"`
	}
	for _, m := range mode.Modes() {
		sizes, err := pipeline.Preview(req.Count, req.ChunkSize, m)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if m == domain.MergeChunked {
			out.Chunked = sizes
		} else {
			out.Single = sizes
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.d.Runner.List()
	if tasks == nil {
		tasks = []domain.TaskView{}
	}
	if st := r.URL.Query().Get("status"); st != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == st {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, tasks)
}

// getTask answers 200 even for unknown ids; the status says not_found.
func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Runner.Get(chi.URLParam(r, "id")))
}

func (h *handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.d.Runner.Cancel(id) {
		v := h.d.Runner.Get(id)
		if v.Status == domain.StatusNotFound {
			h.fail(w, r, fmt.Errorf("%w: task %s", domain.ErrNotFound, id))
			return
		}
		writeJSON(w, http.StatusConflict, v)
		return
	}
	writeJSON(w, http.StatusAccepted, h.d.Runner.Get(id))
}

type scheduleView struct {
	domain.ScheduleConfig
	At            string `json:"at"`
	LastTriggered string `json:"last_triggered,omitempty"`
	Next          string `json:"next,omitempty"`
}

func (h *handler) scheduleView(cfg domain.ScheduleConfig) scheduleView {
	v := scheduleView{ScheduleConfig: cfg, At: scheduler.FormatClock(cfg.Hour, cfg.Minute)}
	if h.d.Scheduler != nil {
		v.LastTriggered = h.d.Scheduler.LastTriggered()
		if cfg.Enabled {
			if n := h.d.Scheduler.Next(); !n.IsZero() {
				v.Next = n.Format(time.RFC3339)
			}
		}
	}
	return v
}

func (h *handler) getSchedule(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduleView(h.d.Settings.Schedule()))
}

// scheduleRequest accepts either hour/minute or "at" as "HH:MM". When both
// are sent, "at" wins.
type scheduleRequest struct {
	domain.ScheduleConfig
	At string `json:"at"`
}

func (h *handler) putSchedule(w http.ResponseWriter, r *http.Request) {
	req := scheduleRequest{ScheduleConfig: h.d.Settings.Schedule()}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	cfg := req.ScheduleConfig
	if strings.TrimSpace(req.At) != "" {
		hour, minute, err := scheduler.ParseClock(req.At)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: %v", domain.ErrConfig, err))
			return
		}
		cfg.Hour, cfg.Minute = hour, minute
	}
	saved, err := h.d.Settings.SaveSchedule(cfg)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.scheduleView(saved))
}

func (h *handler) listAccounts(w http.ResponseWriter, _ *http.Request) {
	accs := h.d.Settings.Accounts()
	if accs == nil {
		accs = []domain.Account{}
	}
	writeJSON(w, http.StatusOK, accs)
}

func (h *handler) addAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	acc, err := h.d.Settings.AddAccount(req.Username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (h *handler) toggleAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.d.Settings.ToggleAccount(chi.URLParam(r, "username"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *handler) removeAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Settings.RemoveAccount(chi.URLParam(r, "username")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listCredentials(w http.ResponseWriter, _ *http.Request) {
	creds := h.d.Settings.Credentials()
	if creds == nil {
		creds = []domain.Credential{}
	}
	writeJSON(w, http.StatusOK, creds)
}

func (h *handler) addCredential(w http.ResponseWriter, r *http.Request) {
	var c domain.Credential
	if err := decode(r, &c); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.d.Settings.AddCredential(c); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.d.Settings.Credentials())
}

func (h *handler) removeCredential(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Settings.RemoveCredential(chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) ledger(w http.ResponseWriter, r *http.Request) {
	account, err := domain.NormalizeUsername(chi.URLParam(r, "account"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	period := chi.URLParam(r, "period")
	if !domain.ValidPeriod(period) {
		h.fail(w, r, fmt.Errorf("%w: period must be YYYY-MM-DD", domain.ErrConfig))
		return
	}
	entries, err := h.d.Ledger.Entries(r.Context(), account, period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []storage.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) notifications(w http.ResponseWriter, _ *http.Request) {
	if h.d.Notifier == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, h.d.Notifier.History())
}
