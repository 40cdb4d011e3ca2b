// Package httpapi is the JSON control plane over the store and engine.
// Authentication and TLS belong to an upstream proxy; this server answers
// plain HTTP on a TCP or unix socket, optionally under a base path prefix.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/baishicoke/fn-scheduler/internal/accounts"
	"github.com/baishicoke/fn-scheduler/internal/engine"
	"github.com/baishicoke/fn-scheduler/internal/store"
	"github.com/baishicoke/fn-scheduler/internal/timefmt"
)

// Server wires the HTTP routes to the store, engine, and account directory.
type Server struct {
	store    *store.Store
	engine   *engine.Engine
	accounts *accounts.Directory
	basePath string
}

// New builds a server. basePath must already be normalized ("" or "/name").
func New(st *store.Store, eng *engine.Engine, dir *accounts.Directory, basePath string) *Server {
	return &Server{
		store:    st,
		engine:   eng,
		accounts: dir,
		basePath: basePath,
	}
}

// taskView is a task annotated with its most recent result, the shape every
// task read endpoint returns.
type taskView struct {
	store.Task
	LatestResult *store.TaskResult `json:"latest_result"`
}

// Handler returns the routed handler, with base-path stripping applied when a
// prefix is configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/accounts", s.handleAccounts)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("POST /api/tasks/batch", s.handleBatch)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PUT /api/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/run", s.handleRunTask)
	mux.HandleFunc("POST /api/tasks/{id}/toggle", s.handleToggleTask)
	mux.HandleFunc("GET /api/tasks/{id}/results", s.handleListResults)
	mux.HandleFunc("GET /api/tasks/{id}/results/{resultID}", s.handleGetResult)
	mux.HandleFunc("DELETE /api/tasks/{id}/results", s.handleDeleteResults)
	mux.HandleFunc("DELETE /api/tasks/{id}/results/{resultID}", s.handleDeleteResults)

	// Legacy alias kept for older clients.
	mux.HandleFunc("GET /api/results/{id}", s.handleListResults)

	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("POST /api/templates", s.handleCreateTemplate)
	mux.HandleFunc("GET /api/templates/export", s.handleExportTemplates)
	mux.HandleFunc("POST /api/templates/import", s.handleImportTemplates)
	mux.HandleFunc("GET /api/templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("PUT /api/templates/{id}", s.handleUpdateTemplate)
	mux.HandleFunc("DELETE /api/templates/{id}", s.handleDeleteTemplate)

	mux.HandleFunc("GET /api/fs/list", s.handleFSList)
	mux.HandleFunc("GET /api/fs/list/{path...}", s.handleFSList)
	mux.HandleFunc("GET /api/fs/read", s.handleFSRead)
	mux.HandleFunc("GET /api/fs/read/{path...}", s.handleFSRead)
	mux.HandleFunc("POST /api/fs/write", s.handleFSWrite)
	mux.HandleFunc("POST /api/fs/write/{path...}", s.handleFSWrite)

	if s.basePath == "" {
		return mux
	}
	return s.stripBasePath(mux)
}

// stripBasePath removes the configured prefix before routing. Requests
// outside the prefix are rejected so a misconfigured proxy fails loudly.
func (s *Server) stripBasePath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == s.basePath {
			r2 := r.Clone(r.Context())
			r2.URL.Path = "/"
			next.ServeHTTP(w, r2)
			return
		}
		trimmed, ok := strings.CutPrefix(r.URL.Path, s.basePath+"/")
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "base path mismatch"})
			return
		}
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/" + trimmed
		next.ServeHTTP(w, r2)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"time":       timefmt.Format(time.Now()),
		"task_count": len(tasks),
	})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"data": s.accounts.ListAllowed(),
		"meta": map[string]any{
			"posix_supported": s.accounts.PosixSupported(),
			"default_account": s.accounts.DefaultAccount(),
		},
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, task := range tasks {
		latest, err := s.store.LatestResult(task.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, taskView{Task: task, LatestResult: latest})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": views})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var payload store.TaskPayload
	if !readJSON(w, r, &payload) {
		return
	}
	task, err := s.store.CreateTask(payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	latest, err := s.store.LatestResult(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView{Task: *task, LatestResult: latest})
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var payload store.TaskPayload
	if !readJSON(w, r, &payload) {
		return
	}
	task, err := s.store.UpdateTask(id, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	deleted, err := s.store.DeleteTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.RunNow(task, store.ReasonManual); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": true})
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		IsActive *bool `json:"is_active"`
	}
	if r.ContentLength != 0 && !readJSON(w, r, &body) {
		return
	}
	target := !task.IsActive
	if body.IsActive != nil {
		target = *body.IsActive
	}
	updated, err := s.store.UpdateTask(id, store.TaskPayload{IsActive: &target})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	results, err := s.store.FetchResults(id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": results})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	resultID, ok := pathID(w, r, "resultID")
	if !ok {
		return
	}
	result, err := s.store.FetchResult(id, resultID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteResults(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var resultID *int64
	if raw := r.PathValue("resultID"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid result id"})
			return
		}
		resultID = &n
	}
	deleted, err := s.store.DeleteResults(id, resultID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// batchRequest is the bulk-operation body: one action applied to many ids.
type batchRequest struct {
	Action  string  `json:"action"`
	TaskIDs []int64 `json:"task_ids"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !readJSON(w, r, &req) {
		return
	}
	action := strings.ToLower(strings.TrimSpace(req.Action))
	switch action {
	case "delete", "enable", "disable", "run":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "action is not supported"})
		return
	}
	ids := make([]int64, 0, len(req.TaskIDs))
	seen := make(map[int64]bool, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		if id > 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "task_ids cannot be empty"})
		return
	}

	buckets := map[string][]int64{"missing": {}}
	add := func(bucket string, id int64) { buckets[bucket] = append(buckets[bucket], id) }

	for _, id := range ids {
		task, err := s.store.GetTask(id)
		if errors.Is(err, store.ErrNotFound) {
			add("missing", id)
			continue
		}
		if err != nil {
			writeError(w, err)
			return
		}

		switch action {
		case "delete":
			deleted, err := s.store.DeleteTask(id)
			if err != nil {
				writeError(w, err)
				return
			}
			if deleted {
				add("deleted", id)
			} else {
				add("missing", id)
			}

		case "enable", "disable":
			target := action == "enable"
			if task.IsActive == target {
				add("unchanged", id)
				continue
			}
			if _, err := s.store.UpdateTask(id, store.TaskPayload{IsActive: &target}); err != nil {
				writeError(w, err)
				return
			}
			add("updated", id)

		case "run":
			switch err := s.engine.RunNow(task, store.ReasonManual); {
			case errors.Is(err, store.ErrAlreadyRunning):
				add("running", id)
			case errors.Is(err, store.ErrDependenciesNotMet):
				add("blocked", id)
			case err != nil:
				writeError(w, err)
				return
			default:
				add("queued", id)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"action": action, "result": buckets})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": templates})
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var payload store.TemplatePayload
	if !readJSON(w, r, &payload) {
		return
	}
	tpl, err := s.store.CreateTemplate(payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	tpl, err := s.store.GetTemplate(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var payload store.TemplatePayload
	if !readJSON(w, r, &payload) {
		return
	}
	tpl, err := s.store.UpdateTemplate(id, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	deleted, err := s.store.DeleteTemplate(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleExportTemplates(w http.ResponseWriter, r *http.Request) {
	mapping, err := s.store.ExportTemplates()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapping)
}

func (s *Server) handleImportTemplates(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if !readJSON(w, r, &raw) {
		return
	}
	mapping := make(map[string]store.TemplateEntry, len(raw))
	var invalid []string
	for key, value := range raw {
		var entry store.TemplateEntry
		if err := json.Unmarshal(value, &entry); err != nil || strings.TrimSpace(entry.ScriptBody) == "" {
			invalid = append(invalid, key)
			continue
		}
		mapping[key] = entry
	}
	if len(invalid) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":        "invalid template entries",
			"invalid_keys": invalid,
		})
		return
	}
	inserted, updated, err := s.store.ImportTemplates(mapping)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"imported": map[string]int{"inserted": inserted, "updated": updated},
	})
}

// pathID parses the named path segment as a positive integer id.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// readJSON decodes the request body, answering 400 on malformed input. An
// empty body decodes to the zero value.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// writeError maps the store and engine error taxonomy to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Msg})
	case errors.Is(err, store.ErrNameConflict),
		errors.Is(err, store.ErrTemplateKeyConflict),
		errors.Is(err, store.ErrDependenciesNotMet):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, store.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
	}
}
