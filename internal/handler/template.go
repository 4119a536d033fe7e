package handler

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/dukerupert/storefront/internal/auth"
	"github.com/dukerupert/storefront/internal/model"
)

// View is the data every page template receives. Handlers fill the fields
// their page uses; Flash and SignedIn are set by the renderer.
type View struct {
	Flash    *Flash
	SignedIn bool
	Fields   map[string]string
	Email    string
	Action   string
	Provider string
	User     *model.User
	Cart     *model.Cart
}

// Renderer executes page templates. Each page is parsed together with the
// shared layout so pages can define their own title and content blocks.
type Renderer struct {
	pages  map[string]*template.Template
	shared *template.Template
	logger *slog.Logger
}

func NewRenderer(fsys fs.FS, logger *slog.Logger) (*Renderer, error) {
	shared, err := template.ParseFS(fsys, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse shared templates: %w", err)
	}

	files, err := fs.Glob(fsys, "templates/pages/*.html")
	if err != nil {
		return nil, err
	}
	pages := make(map[string]*template.Template, len(files))
	for _, f := range files {
		t, err := shared.Clone()
		if err != nil {
			return nil, err
		}
		if t, err = t.ParseFS(fsys, f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f, err)
		}
		pages[strings.TrimSuffix(path.Base(f), ".html")] = t
	}
	return &Renderer{pages: pages, shared: shared, logger: logger}, nil
}

// render writes a full page. The flash cookie is consumed here, so it must
// run before anything else writes to w.
func (rr *Renderer) render(w http.ResponseWriter, r *http.Request, status int, page string, v View) {
	t, ok := rr.pages[page]
	if !ok {
		rr.logger.ErrorContext(r.Context(), "unknown page", "page", page)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	if v.Flash == nil {
		v.Flash = popFlash(w, r)
	}
	v.SignedIn = auth.Authenticated(r.Context())
	if v.Fields == nil {
		v.Fields = map[string]string{}
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", v); err != nil {
		rr.logger.ErrorContext(r.Context(), "template error", "page", page, "error", err)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// renderPartial writes a named fragment for HTMX swaps.
func (rr *Renderer) renderPartial(w http.ResponseWriter, r *http.Request, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := rr.shared.ExecuteTemplate(w, name, data); err != nil {
		rr.logger.ErrorContext(r.Context(), "template error", "template", name, "error", err)
		fmt.Fprintf(w, `<div class="alert alert-error">Template error</div>`)
	}
}

// redirect sends the visitor to path. HTMX requests get an HX-Redirect
// header instead of a 303.
func redirect(w http.ResponseWriter, r *http.Request, path string) {
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", path)
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, path, http.StatusSeeOther)
}
