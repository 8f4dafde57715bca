package shell

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/shellhost/shellhost/modules"
)

type testScope struct{ ctx context.Context }

func (s testScope) Context() context.Context { return s.ctx }
func (s testScope) TraceID() string          { return "test-trace" }
func (s testScope) Go(fn func() error)       { _ = fn() }

func writeSite(t *testing.T, root, dir, file, body string) string {
	t.Helper()
	siteDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(siteDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(siteDir, file), []byte(body), 0644))
	return siteDir
}

func discoverOptions(t *testing.T, sitesDir string) DiscoverOptions {
	impls := modules.Builtins()
	catalog, err := modules.Discover("", impls)
	require.NoError(t, err)
	return DiscoverOptions{
		SitesDir:    sitesDir,
		DefaultHost: "localhost",
		DefaultPort: 1337,
		Available:   catalog,
		Impls:       impls,
	}
}

func TestDiscoverJSONAndYAML(t *testing.T) {
	root := t.TempDir()
	writeSite(t, root, "blog", "settings.json", `{"port": 8080, "hostNames": ["blog.local"], "title": "My Blog"}`)
	writeSite(t, root, "shop", "settings.yaml", "name: storefront\nhost: 127.0.0.1\npath: /shop/\nmodules: [status]\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0755))

	reg, err := Discover(discoverOptions(t, root))
	require.NoError(t, err)

	shells := reg.Shells()
	require.Len(t, shells, 2)

	blog, ok := reg.Get("blog")
	require.True(t, ok)
	assert.Equal(t, "localhost", blog.Host)
	assert.Equal(t, 8080, blog.Port)
	assert.Equal(t, "My Blog", blog.Title)
	assert.Equal(t, []string{"blog.local"}, blog.HostNames)
	assert.Equal(t, DefaultModules, blog.Modules)
	assert.False(t, blog.Secure())
	assert.False(t, blog.Loaded())
	assert.True(t, blog.Available.Has("pages"))

	shop, ok := reg.Get("storefront")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:1337", shop.Address())
	assert.Equal(t, "/shop", shop.PathPrefix)
	assert.Equal(t, "storefront", shop.Title)
	assert.Equal(t, []string{"status"}, shop.Modules)
}

func TestDiscoverReadsTLSMaterial(t *testing.T) {
	root := t.TempDir()
	siteDir := writeSite(t, root, "secure", "settings.json", `{"https": true, "key": "site.key", "cert": "site.crt", "port": 8443}`)
	require.NoError(t, os.WriteFile(filepath.Join(siteDir, "site.key"), []byte("KEY"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(siteDir, "site.crt"), []byte("CERT"), 0644))

	reg, err := Discover(discoverOptions(t, root))
	require.NoError(t, err)

	s, _ := reg.Get("secure")
	require.True(t, s.Secure())
	assert.Equal(t, []byte("KEY"), s.TLS.Key)
	assert.Equal(t, []byte("CERT"), s.TLS.Cert)
	assert.Nil(t, s.TLS.PFX)
}

func TestDiscoverFailsOnMalformedSettings(t *testing.T) {
	tests := []struct {
		name  string
		file  string
		body  string
		extra func(root string)
	}{
		{name: "bad json", file: "settings.json", body: `{"port": `},
		{name: "bad yaml", file: "settings.yaml", body: "port: [1, 2\n"},
		{name: "port out of range", file: "settings.json", body: `{"port": 70000}`},
		{name: "https without credentials", file: "settings.json", body: `{"https": true}`},
		{name: "missing cert file", file: "settings.json", body: `{"https": true, "key": "nope.key", "cert": "nope.crt"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeSite(t, root, "good", "settings.json", `{}`)
			writeSite(t, root, "bad", tt.file, tt.body)

			reg, err := Discover(discoverOptions(t, root))
			assert.Nil(t, reg, "no partial registry")
			assert.ErrorIs(t, err, ErrMalformedSettings)
		})
	}
}

func TestDiscoverFailsOnDuplicateNames(t *testing.T) {
	root := t.TempDir()
	writeSite(t, root, "a", "settings.json", `{"name": "same"}`)
	writeSite(t, root, "b", "settings.json", `{"name": "same"}`)

	_, err := Discover(discoverOptions(t, root))
	assert.ErrorIs(t, err, ErrMalformedSettings)
}

func TestDiscoverFailsWithoutSitesDir(t *testing.T) {
	_, err := Discover(discoverOptions(t, filepath.Join(t.TempDir(), "missing")))
	assert.Error(t, err)
}

func newTestRegistry(t *testing.T, shells ...*Shell) *Registry {
	t.Helper()
	impls := modules.Builtins()
	catalog, err := modules.Discover("", impls)
	require.NoError(t, err)
	for _, s := range shells {
		if s.Available == nil {
			s.Available = catalog
		}
	}
	reg, err := NewRegistry(shells, impls)
	require.NoError(t, err)
	return reg
}

func TestLoadAssemblesModules(t *testing.T) {
	s := &Shell{Name: "blog", Title: "Blog <1>", Host: "localhost", Port: 8080, Modules: DefaultModules}
	reg := newTestRegistry(t, s)

	require.NoError(t, reg.Load(context.Background(), s))
	assert.True(t, s.Loaded())

	rec := httptest.NewRecorder()
	require.NoError(t, s.HandleRequest(testScope{context.Background()}, rec, httptest.NewRequest("GET", "/_status", nil)))
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = httptest.NewRecorder()
	require.NoError(t, s.HandleRequest(testScope{context.Background()}, rec, httptest.NewRequest("GET", "/about", nil)))
	assert.Contains(t, rec.Body.String(), "<h1>Blog &lt;1&gt;</h1>")
}

func TestLoadMountsUnderPathPrefix(t *testing.T) {
	s := &Shell{Name: "shop", Host: "localhost", Port: 8080, PathPrefix: "/shop", Modules: []string{"status"}}
	reg := newTestRegistry(t, s)
	require.NoError(t, reg.Load(context.Background(), s))

	rec := httptest.NewRecorder()
	require.NoError(t, s.HandleRequest(testScope{context.Background()}, rec, httptest.NewRequest("GET", "/shop/_status", nil)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestLoadFailures(t *testing.T) {
	catalog := modules.Catalog{
		"pages":    {Manifest: modules.Manifest{Name: "pages"}},
		"orphan":   {Manifest: modules.Manifest{Name: "orphan"}},
		"needy":    {Manifest: modules.Manifest{Name: "needy", Dependencies: []string{"status"}}},
		"unlisted": {Manifest: modules.Manifest{Name: "unlisted"}},
	}
	tests := []struct {
		name    string
		modules []string
	}{
		{"unknown module", []string{"missing"}},
		{"no implementation", []string{"orphan"}},
		{"missing dependency", []string{"needy"}},
		{"no modules", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Shell{Name: "t", Host: "localhost", Port: 1, Modules: tt.modules, Available: catalog}
			reg := newTestRegistry(t, s)

			err := reg.Load(context.Background(), s)
			var loadErr *LoadError
			require.ErrorAs(t, err, &loadErr)
			assert.Equal(t, "t", loadErr.Tenant)
			assert.False(t, s.Loaded())
		})
	}
}

type panickingModule struct{}

func (panickingModule) Manifest() modules.Manifest { return modules.Manifest{Name: "explodes"} }
func (panickingModule) Mount(modules.Router, modules.Site) error {
	panic("mount exploded")
}

func TestLoadRecoversPanickingModule(t *testing.T) {
	impls := modules.NewRegistry()
	require.NoError(t, impls.Register(panickingModule{}))
	catalog, err := modules.Discover("", impls)
	require.NoError(t, err)

	s := &Shell{Name: "t", Host: "localhost", Port: 1, Modules: []string{"explodes"}, Available: catalog}
	reg, err := NewRegistry([]*Shell{s}, impls)
	require.NoError(t, err)

	err = reg.Load(context.Background(), s)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.Error(), "mount exploded")
}

func TestLoadAllSkipsFailedTenants(t *testing.T) {
	good := &Shell{Name: "good", Host: "localhost", Port: 8080, Modules: DefaultModules}
	bad := &Shell{Name: "bad", Host: "localhost", Port: 8080, Modules: []string{"missing"}}
	reg := newTestRegistry(t, good, bad)

	err := reg.LoadAll(context.Background())
	require.Error(t, err)

	failures := LoadErrors(err)
	require.Len(t, failures, 1)
	assert.Equal(t, "bad", failures[0].Tenant)
	assert.Equal(t, []*Shell{good}, reg.Loaded())

	// Sealed: no further loading.
	assert.Error(t, reg.Load(context.Background(), bad))

	req := httptest.NewRequest("GET", "http://localhost:8080/", nil)
	resolved, err := reg.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "good", resolved.Name)
}

func TestPresetHandlerIsKept(t *testing.T) {
	called := false
	s := &Shell{Name: "custom", Host: "localhost", Port: 1, Handler: HandlerFunc(func(modules.Scope, http.ResponseWriter, *http.Request) error {
		called = true
		return nil
	})}
	reg := newTestRegistry(t, s)
	require.NoError(t, reg.LoadAll(context.Background()))

	require.NoError(t, s.HandleRequest(testScope{context.Background()}, httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil)))
	assert.True(t, called)
}

func TestHandleRequestBeforeLoad(t *testing.T) {
	s := &Shell{Name: "cold"}
	err := s.HandleRequest(testScope{context.Background()}, httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	assert.True(t, errors.Is(err, ErrNotLoaded))
}

func TestResolve(t *testing.T) {
	catchAll := &Shell{Name: "catch-all", Host: "localhost", Port: 8080, Modules: DefaultModules}
	blog := &Shell{Name: "blog", Host: "localhost", Port: 8080, HostNames: []string{"blog.local"}, Modules: DefaultModules}
	wild := &Shell{Name: "wild", Host: "localhost", Port: 8080, HostNames: []string{"*.wild.local"}, Modules: DefaultModules}
	shop := &Shell{Name: "shop", Host: "localhost", Port: 8080, PathPrefix: "/shop", Modules: DefaultModules}
	other := &Shell{Name: "other", Host: "127.0.0.1", Port: 9090, Modules: DefaultModules}
	reg := newTestRegistry(t, catchAll, blog, wild, shop, other)
	require.NoError(t, reg.LoadAll(context.Background()))

	tests := []struct {
		name     string
		url      string
		bindAddr string
		want     string
	}{
		{"catch all", "http://localhost:8080/", "", "catch-all"},
		{"host name", "http://blog.local:8080/post", "", "blog"},
		{"host name case", "http://BLOG.local:8080/", "", "blog"},
		{"wildcard host", "http://a.wild.local:8080/", "", "wild"},
		{"path prefix", "http://localhost:8080/shop/cart", "", "shop"},
		{"path prefix exact", "http://localhost:8080/shop", "", "shop"},
		{"prefix needs segment boundary", "http://localhost:8080/shopping", "", "catch-all"},
		{"other port", "http://anything:9090/", "", "other"},
		{"bind address wins over host port", "http://localhost:8080/", "127.0.0.1:9090", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.url, nil)
			if tt.bindAddr != "" {
				req = req.WithContext(WithBindAddress(req.Context(), tt.bindAddr))
			}
			got, err := reg.Resolve(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func TestResolveNotFound(t *testing.T) {
	empty := newTestRegistry(t)
	require.NoError(t, empty.LoadAll(context.Background()))
	_, err := empty.Resolve(httptest.NewRequest("GET", "http://localhost:8080/", nil))
	assert.ErrorIs(t, err, ErrNotFound)

	blog := &Shell{Name: "blog", Host: "localhost", Port: 8080, HostNames: []string{"blog.local"}, Modules: DefaultModules}
	reg := newTestRegistry(t, blog)
	require.NoError(t, reg.LoadAll(context.Background()))

	_, err = reg.Resolve(httptest.NewRequest("GET", "http://shop.local:8080/", nil))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Resolve(httptest.NewRequest("GET", "http://blog.local:9999/", nil))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddressIgnoresHostCase(t *testing.T) {
	s := &Shell{Name: "blog", Host: "Blog.Example", Port: 8080, Modules: DefaultModules}
	assert.Equal(t, "blog.example:8080", s.Address())
	assert.Equal(t, "blog.example:8080", NormalizeAddress("BLOG.example:8080"))
	assert.Equal(t, "[::1]:8080", NormalizeAddress("[::1]:8080"))

	reg := newTestRegistry(t, s)
	require.NoError(t, reg.LoadAll(context.Background()))
	req := httptest.NewRequest("GET", "http://anything:8080/", nil)
	req = req.WithContext(WithBindAddress(req.Context(), "BLOG.EXAMPLE:8080"))
	got, err := reg.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "blog", got.Name)
}
