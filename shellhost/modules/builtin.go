package modules

import (
	"net/http"

	"github.com/tomyedwab/shellhost/shellhost/output"
)

// Builtins returns a registry holding the modules compiled into the server.
// It panics if two built-ins share a name.
func Builtins() *Registry {
	r := NewRegistry()
	for _, impl := range []Implementation{PagesModule{}, StatusModule{}} {
		if err := r.Register(impl); err != nil {
			panic(err)
		}
	}
	return r
}

// PagesModule renders a minimal HTML page for every GET request through the
// output channel. Tenants that need real content plug in a content manager.
type PagesModule struct{}

func (PagesModule) Manifest() Manifest {
	return Manifest{Name: "pages", Version: "1.0.0", Description: "Renders site pages"}
}

func (PagesModule) Mount(rt Router, site Site) error {
	rt.Handle(http.MethodGet, "/*", func(sc Scope, w http.ResponseWriter, r *http.Request) error {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		page := output.New(w, output.Options{
			Title:          site.Title,
			ContentManager: site.ContentManager,
		})
		return renderPage(sc, page, r.URL.Path)
	})
	return nil
}

func renderPage(sc Scope, page *output.Stream, path string) error {
	if _, err := page.WriteString("<!DOCTYPE html>\n<html><head><title>"); err != nil {
		return err
	}
	if _, err := page.WriteEncoded(page.Title()); err != nil {
		return err
	}
	if _, err := page.WriteString("</title></head><body><h1>"); err != nil {
		return err
	}
	if _, err := page.WriteEncoded(page.Title()); err != nil {
		return err
	}
	if _, err := page.WriteString("</h1>"); err != nil {
		return err
	}
	if page.ContentManager() != nil {
		err := page.RenderShape(sc.Context(), map[string]string{"path": path})
		if err != nil && err != output.ErrNoShapeRenderer {
			return err
		}
	}
	_, err := page.WriteString("</body></html>\n")
	return err
}

// StatusModule answers GET /_status with a plain "ok".
type StatusModule struct{}

func (StatusModule) Manifest() Manifest {
	return Manifest{Name: "status", Version: "1.0.0", Description: "Liveness endpoint"}
}

func (StatusModule) Mount(rt Router, site Site) error {
	rt.Handle(http.MethodGet, "/_status", func(sc Scope, w http.ResponseWriter, r *http.Request) error {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, err := w.Write([]byte("ok\n"))
		return err
	})
	return nil
}
