package shell

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomyedwab/shellhost/shellhost/modules"
)

type routeCallKey struct{}

// routeCall carries the scope into chi routes and the route's error back out.
type routeCall struct {
	scope modules.Scope
	err   error
}

// moduleRouter lets module implementations mount routes on a chi mux.
type moduleRouter struct {
	mux chi.Router
}

func (m moduleRouter) Handle(method, pattern string, h modules.HandlerFunc) {
	m.mux.MethodFunc(method, pattern, func(w http.ResponseWriter, r *http.Request) {
		call := r.Context().Value(routeCallKey{}).(*routeCall)
		call.err = h(call.scope, w, r)
	})
}

// routedHandler is the entry point assembled from a tenant's modules.
type routedHandler struct {
	mux http.Handler
}

func (h *routedHandler) HandleRequest(sc modules.Scope, w http.ResponseWriter, r *http.Request) error {
	call := &routeCall{scope: sc}
	h.mux.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), routeCallKey{}, call)))
	return call.err
}

func (r *Registry) assemble(s *Shell) (Handler, error) {
	if len(s.Modules) == 0 {
		return nil, fmt.Errorf("no modules enabled")
	}

	enabled := make(map[string]bool, len(s.Modules))
	for _, name := range s.Modules {
		enabled[name] = true
	}

	mux := chi.NewRouter()
	router := moduleRouter{mux: mux}
	site := modules.Site{Name: s.Name, Title: s.Title, ContentManager: s.ContentManager}

	for _, name := range s.Modules {
		module, ok := s.Available[name]
		if !ok {
			return nil, fmt.Errorf("module %q is not available", name)
		}
		for _, dep := range module.Dependencies {
			if !enabled[dep] {
				return nil, fmt.Errorf("module %q requires %q, which is not enabled", name, dep)
			}
		}
		impl, ok := r.impls.Get(name)
		if !ok {
			return nil, fmt.Errorf("module %q has no implementation", name)
		}
		if err := impl.Mount(router, site); err != nil {
			return nil, fmt.Errorf("module %q: %w", name, err)
		}
	}

	if s.PathPrefix == "" {
		return &routedHandler{mux: mux}, nil
	}
	root := chi.NewRouter()
	root.Mount(s.PathPrefix, mux)
	return &routedHandler{mux: root}, nil
}
