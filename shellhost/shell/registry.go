package shell

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/tomyedwab/shellhost/shellhost/modules"
)

// Registry owns every tenant record of a worker. Loading happens once at
// boot; after LoadAll the registry is sealed and Resolve reads it without
// locking.
type Registry struct {
	shells []*Shell
	byName map[string]*Shell
	impls  *modules.Registry

	sealed bool
	active []*Shell
}

// NewRegistry builds a registry from already constructed records. Names
// must be unique.
func NewRegistry(shells []*Shell, impls *modules.Registry) (*Registry, error) {
	if impls == nil {
		impls = modules.NewRegistry()
	}
	r := &Registry{
		byName: make(map[string]*Shell, len(shells)),
		impls:  impls,
	}
	for i, s := range shells {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: tenant without a name", ErrMalformedSettings)
		}
		if _, exists := r.byName[s.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate tenant name %q", ErrMalformedSettings, s.Name)
		}
		s.order = i
		r.byName[s.Name] = s
		r.shells = append(r.shells, s)
	}
	return r, nil
}

// Shells returns every discovered tenant in discovery order.
func (r *Registry) Shells() []*Shell {
	return append([]*Shell(nil), r.shells...)
}

// Get returns the tenant with the given name.
func (r *Registry) Get(name string) (*Shell, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Loaded returns the tenants whose load phase succeeded, in discovery order.
func (r *Registry) Loaded() []*Shell {
	var ret []*Shell
	for _, s := range r.shells {
		if s.loaded {
			ret = append(ret, s)
		}
	}
	return ret
}

// Load initializes the runtime state of one tenant: it assembles the
// tenant's handler from its enabled modules and marks it loaded. Loading an
// already loaded tenant is a no-op.
func (r *Registry) Load(ctx context.Context, s *Shell) (err error) {
	if r.sealed {
		return fmt.Errorf("registry is sealed, cannot load tenant %s", s.Name)
	}
	if s.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &LoadError{Tenant: s.Name, Cause: err}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = &LoadError{Tenant: s.Name, Cause: fmt.Errorf("panic while loading: %v", rec)}
		}
	}()

	if s.Handler == nil {
		handler, err := r.assemble(s)
		if err != nil {
			return &LoadError{Tenant: s.Name, Cause: err}
		}
		s.Handler = handler
	}
	s.loaded = true
	return nil
}

// LoadAll loads every tenant and seals the registry. Tenants that fail to
// load are left unloaded and are never resolved; the returned error joins
// one *LoadError per failed tenant.
func (r *Registry) LoadAll(ctx context.Context) error {
	var errs []error
	for _, s := range r.shells {
		if err := r.Load(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	r.active = r.Loaded()
	r.sealed = true
	return errors.Join(errs...)
}

// LoadErrors extracts the per-tenant failures from a LoadAll error.
func LoadErrors(err error) []*LoadError {
	if err == nil {
		return nil
	}
	var ret []*LoadError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			ret = append(ret, LoadErrors(e)...)
		}
		return ret
	}
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		ret = append(ret, loadErr)
	}
	return ret
}

// Resolve returns the loaded tenant that owns r. Candidates are the tenants
// bound to the address the connection arrived on; among them a tenant naming
// the request host beats a catch-all one, then the longest path prefix wins,
// then discovery order.
func (r *Registry) Resolve(req *http.Request) (*Shell, error) {
	active := r.active
	if !r.sealed {
		active = r.Loaded()
	}

	bindAddr, hasBindAddr := BindAddressFrom(req.Context())
	bindAddr = NormalizeAddress(bindAddr)
	port, hasPort := requestPort(req)
	host := requestHost(req)

	var best *Shell
	bestScore := -1
	for _, s := range active {
		if hasBindAddr {
			if s.Address() != bindAddr {
				continue
			}
		} else if hasPort && s.Port != port {
			continue
		}

		hostScore, ok := matchHost(s.HostNames, host)
		if !ok {
			continue
		}
		if !matchPath(s.PathPrefix, req.URL.Path) {
			continue
		}

		score := hostScore<<16 | len(s.PathPrefix)
		if score > bestScore {
			best, bestScore = s, score
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: %s%s", ErrNotFound, req.Host, req.URL.Path)
	}
	return best, nil
}

func requestHost(req *http.Request) string {
	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

func requestPort(req *http.Request) (int, bool) {
	if addr, ok := req.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if _, p, err := net.SplitHostPort(addr.String()); err == nil {
			if port, err := strconv.Atoi(p); err == nil {
				return port, true
			}
		}
	}
	if _, p, err := net.SplitHostPort(req.Host); err == nil {
		if port, err := strconv.Atoi(p); err == nil {
			return port, true
		}
	}
	return 0, false
}

// matchHost returns 2 for an exact host name match, 1 for a wildcard
// ("*.example.com") match and 0 for a tenant without host names.
func matchHost(hostNames []string, host string) (int, bool) {
	if len(hostNames) == 0 {
		return 0, true
	}
	score, matched := 0, false
	for _, name := range hostNames {
		name = strings.ToLower(name)
		switch {
		case name == host:
			return 2, true
		case strings.HasPrefix(name, "*.") && strings.HasSuffix(host, name[1:]):
			score, matched = 1, true
		}
	}
	return score, matched
}

func matchPath(prefix, path string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
