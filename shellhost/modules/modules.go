// Package modules discovers the feature modules a tenant can enable and holds
// the compiled-in implementations that turn an enabled module into routes.
package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Manifest is the module.json file found in each module directory.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies"`
}

// Module is one available module.
type Module struct {
	Manifest
	Dir     string // empty for built-in modules without a directory
	BuiltIn bool
}

// Catalog is the set of available modules keyed by name.
type Catalog map[string]Module

// Names returns the module names in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is available.
func (c Catalog) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Scope is the per-request fault-isolation context as seen by module code.
// Work that continues after the handler returns control must be started
// through Go so that its failures are contained with the request.
type Scope interface {
	Context() context.Context
	TraceID() string
	Go(fn func() error)
}

// HandlerFunc handles one routed request. A returned error is a request fault.
type HandlerFunc func(sc Scope, w http.ResponseWriter, r *http.Request) error

// Router is what an implementation mounts its routes on.
type Router interface {
	Handle(method, pattern string, h HandlerFunc)
}

// Site is the tenant information an implementation may use.
type Site struct {
	Name           string
	Title          string
	ContentManager any
}

// Implementation is the compiled code behind a module.
type Implementation interface {
	Manifest() Manifest
	Mount(rt Router, site Site) error
}

// Registry holds compiled implementations keyed by module name.
type Registry struct {
	mu    sync.RWMutex
	impls map[string]Implementation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{impls: make(map[string]Implementation)}
}

// Register adds an implementation. Registering the same name twice is an error.
func (r *Registry) Register(impl Implementation) error {
	name := impl.Manifest().Name
	if name == "" {
		return errors.New("module implementation has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.impls[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}
	r.impls[name] = impl
	return nil
}

// Get returns the implementation for name.
func (r *Registry) Get(name string) (Implementation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.impls[name]
	return impl, ok
}

func (r *Registry) all() []Implementation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]Implementation, 0, len(r.impls))
	for _, impl := range r.impls {
		ret = append(ret, impl)
	}
	return ret
}

// Discover enumerates the modules available to tenants: every registered
// implementation plus every directory under dir holding a module.json. A
// missing dir is not an error. A malformed manifest is.
func Discover(dir string, impls *Registry) (Catalog, error) {
	catalog := make(Catalog)
	if impls != nil {
		for _, impl := range impls.all() {
			m := impl.Manifest()
			catalog[m.Name] = Module{Manifest: m, BuiltIn: true}
		}
	}

	if dir == "" {
		return catalog, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return catalog, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read modules directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		moduleDir := filepath.Join(dir, entry.Name())
		manifestBytes, err := os.ReadFile(filepath.Join(moduleDir, "module.json"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest for module %s: %w", entry.Name(), err)
		}
		var manifest Manifest
		if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
			return nil, fmt.Errorf("malformed manifest for module %s: %w", entry.Name(), err)
		}
		if manifest.Name == "" {
			manifest.Name = entry.Name()
		}
		existing, ok := catalog[manifest.Name]
		catalog[manifest.Name] = Module{
			Manifest: manifest,
			Dir:      moduleDir,
			BuiltIn:  ok && existing.BuiltIn,
		}
	}

	return catalog, nil
}
