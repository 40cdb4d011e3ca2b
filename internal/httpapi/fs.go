package httpapi

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// fsEntry is one row of a directory listing.
type fsEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isdir"`
}

// resolveFSPath picks the request's target path: the X-FS-Path header wins,
// then ?path=, then an URL-encoded trailing segment, defaulting to "/".
// Relative paths resolve against the process working directory.
func resolveFSPath(r *http.Request) string {
	path := r.Header.Get("X-FS-Path")
	if path == "" {
		path = r.URL.Query().Get("path")
	}
	if path == "" {
		if seg := r.PathValue("path"); seg != "" {
			if decoded, err := url.PathUnescape(seg); err == nil {
				path = decoded
			}
		}
	}
	if path == "" {
		path = "/"
	}
	if !filepath.IsAbs(path) {
		if wd, err := os.Getwd(); err == nil {
			path = filepath.Join(wd, path)
		}
	}
	return filepath.Clean(path)
}

func (s *Server) handleFSList(w http.ResponseWriter, r *http.Request) {
	target := resolveFSPath(r)
	slog.Info("fs list", "target", target)

	info, err := os.Stat(target)
	if err != nil {
		writeFSError(w, err, "Path not found")
		return
	}
	if !info.IsDir() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Not a directory"})
		return
	}

	dirents, err := os.ReadDir(target)
	if err != nil {
		writeFSError(w, err, "Path not found")
		return
	}
	// Directories first, then case-insensitive by name.
	sort.Slice(dirents, func(i, j int) bool {
		di, dj := dirents[i].IsDir(), dirents[j].IsDir()
		if di != dj {
			return di
		}
		return strings.ToLower(dirents[i].Name()) < strings.ToLower(dirents[j].Name())
	})

	entries := make([]fsEntry, 0, len(dirents))
	for _, d := range dirents {
		entries = append(entries, fsEntry{
			Name:  d.Name(),
			Path:  filepath.Join(target, d.Name()),
			IsDir: d.IsDir(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}

func (s *Server) handleFSRead(w http.ResponseWriter, r *http.Request) {
	target := resolveFSPath(r)
	slog.Info("fs read", "target", target)

	info, err := os.Stat(target)
	if err != nil {
		writeFSError(w, err, "File not found")
		return
	}
	if info.IsDir() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Not a file"})
		return
	}
	data, err := os.ReadFile(target)
	if err != nil {
		writeFSError(w, err, "File not found")
		return
	}
	// Invalid UTF-8 sequences are replaced rather than erroring out, so that
	// legacy single-byte encoded files still display.
	text := strings.ToValidUTF8(string(data), "�")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Error("failed to write file response", "error", err)
	}
}

func (s *Server) handleFSWrite(w http.ResponseWriter, r *http.Request) {
	target := resolveFSPath(r)
	slog.Info("fs write", "target", target)

	var body struct {
		Content *string `json:"content"`
	}
	if r.Body == nil || r.ContentLength == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing content"})
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON"})
		return
	}
	if body.Content == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing content"})
		return
	}

	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "parent directory missing and cannot be created"})
		return
	}
	if err := os.WriteFile(target, []byte(*body.Content), 0o644); err != nil {
		writeFSError(w, err, "File not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"written": true, "path": target})
}

// writeFSError maps filesystem errors: permission → 403, missing → 404,
// anything else → 500.
func writeFSError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, fs.ErrPermission):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "permission denied"})
	case errors.Is(err, fs.ErrNotExist):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": notFoundMsg})
	default:
		slog.Error("fs operation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}
