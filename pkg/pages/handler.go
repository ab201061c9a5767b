package pages

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

// IndexPage is served for GET /
const IndexPage = "client.html"

// Handler serves the HTML pages found at the top level of a directory.
// Only names ending in .html are reachable.
type Handler struct {
	pages  fs.FS
	logger *slog.Logger
}

// NewHandler creates a page handler over pages, usually os.DirFS(dir)
func NewHandler(pages fs.FS, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pages: pages, logger: logger}
}

// ServeHTTP is mounted on GET /{file...}; an empty file serves the index page
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if name == "" {
		name = IndexPage
	}
	if !strings.HasSuffix(name, ".html") {
		notFound(w)
		return
	}

	body, err := h.read(name)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			h.logger.Warn("failed to read page", "page", name, "error", err)
		}
		notFound(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (h *Handler) read(name string) ([]byte, error) {
	// Pages live at the top level; anything that could walk the tree is absent
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || !fs.ValidPath(name) {
		return nil, fs.ErrNotExist
	}
	return fs.ReadFile(h.pages, name)
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("404 Not Found"))
}
