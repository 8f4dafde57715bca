// Package shell holds the tenant records ("shells") served by a worker and
// the Registry that discovers, loads and resolves them.
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

var (
	// ErrNotFound is returned by Resolve when no loaded tenant matches a request.
	ErrNotFound = errors.New("no tenant matches the request")
	// ErrMalformedSettings marks a boot-time tenant configuration error.
	ErrMalformedSettings = errors.New("malformed tenant settings")
	// ErrNotLoaded is returned when a tenant that has not been loaded is asked
	// to handle a request.
	ErrNotLoaded = errors.New("tenant is not loaded")
)

// DefaultModules are enabled for tenants whose settings do not list modules.
var DefaultModules = []string{"pages", "status"}

// LoadError reports a tenant whose load phase failed.
type LoadError struct {
	Tenant string
	Cause  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load tenant %s: %v", e.Tenant, e.Cause)
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Handler is a tenant's request-handling entry point.
type Handler interface {
	HandleRequest(sc modules.Scope, w http.ResponseWriter, r *http.Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(sc modules.Scope, w http.ResponseWriter, r *http.Request) error

func (f HandlerFunc) HandleRequest(sc modules.Scope, w http.ResponseWriter, r *http.Request) error {
	return f(sc, w, r)
}

// TLSMaterial is the credential content of a secure tenant. Key and Cert are
// PEM encoded; PFX is a pkcs12 bundle.
type TLSMaterial struct {
	Key        []byte
	Cert       []byte
	PFX        []byte
	Passphrase string
}

// Shell is one tenant. Records are created by discovery, changed only while
// loading and never removed while the worker runs.
type Shell struct {
	Name       string
	Title      string
	Host       string
	Port       int
	HostNames  []string // virtual host names; empty matches any host
	PathPrefix string   // URL path prefix; empty matches any path
	TLS        *TLSMaterial
	Modules    []string        // enabled modules
	Available  modules.Catalog // modules available to this tenant

	// ContentManager is handed to the output channel of rendering modules.
	ContentManager any

	// Handler is the request entry point. When it is set before loading,
	// loading keeps it instead of assembling one from Modules.
	Handler Handler

	loaded bool
	order  int
}

// Secure reports whether the tenant is served over TLS.
func (s *Shell) Secure() bool {
	return s.TLS != nil
}

// Address returns the tenant's bind target as host:port, with the host
// lower-cased.
func (s *Shell) Address() string {
	return net.JoinHostPort(strings.ToLower(s.Host), strconv.Itoa(s.Port))
}

// NormalizeAddress brings a host:port into the form Address returns.
func NormalizeAddress(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.ToLower(addr)
	}
	return net.JoinHostPort(strings.ToLower(host), port)
}

// Loaded reports whether the load phase completed for this tenant.
func (s *Shell) Loaded() bool {
	return s.loaded
}

// HandleRequest runs the tenant's entry point.
func (s *Shell) HandleRequest(sc modules.Scope, w http.ResponseWriter, r *http.Request) error {
	if !s.loaded || s.Handler == nil {
		return fmt.Errorf("%w: %s", ErrNotLoaded, s.Name)
	}
	return s.Handler.HandleRequest(sc, w, r)
}

type bindAddressKey struct{}

// WithBindAddress records the configured host:port a connection was accepted on.
func WithBindAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, bindAddressKey{}, addr)
}

// BindAddressFrom returns the address recorded by WithBindAddress.
func BindAddressFrom(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(bindAddressKey{}).(string)
	return addr, ok
}
