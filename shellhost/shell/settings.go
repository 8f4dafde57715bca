package shell

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tomyedwab/shellhost/shellhost/modules"
)

// Settings is the on-disk configuration of one tenant, read from
// settings.json or settings.yaml in the tenant's directory. TLS file paths
// are relative to that directory.
type Settings struct {
	Name       string   `json:"name" yaml:"name"`
	Title      string   `json:"title" yaml:"title"`
	Host       string   `json:"host" yaml:"host"`
	Port       int      `json:"port" yaml:"port"`
	HostNames  []string `json:"hostNames" yaml:"hostNames"`
	Path       string   `json:"path" yaml:"path"`
	HTTPS      bool     `json:"https" yaml:"https"`
	Key        string   `json:"key" yaml:"key"`
	Cert       string   `json:"cert" yaml:"cert"`
	PFX        string   `json:"pfx" yaml:"pfx"`
	Passphrase string   `json:"passphrase" yaml:"passphrase"`
	Modules    []string `json:"modules" yaml:"modules"`
}

// DiscoverOptions controls tenant discovery.
type DiscoverOptions struct {
	SitesDir    string
	DefaultHost string
	DefaultPort int
	Available   modules.Catalog
	Impls       *modules.Registry
}

var settingsFiles = []string{"settings.json", "settings.yaml", "settings.yml"}

// Discover reads every tenant under opts.SitesDir and returns a registry
// holding one unloaded record per tenant. Any malformed tenant fails the
// whole discovery.
func Discover(opts DiscoverOptions) (*Registry, error) {
	entries, err := os.ReadDir(opts.SitesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites directory %s: %w", opts.SitesDir, err)
	}

	var shells []*Shell
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		siteDir := filepath.Join(opts.SitesDir, entry.Name())
		settings, found, err := readSettings(siteDir)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		s, err := settings.toShell(entry.Name(), siteDir, opts)
		if err != nil {
			return nil, err
		}
		shells = append(shells, s)
	}

	return NewRegistry(shells, opts.Impls)
}

func readSettings(siteDir string) (*Settings, bool, error) {
	for _, name := range settingsFiles {
		path := filepath.Join(siteDir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to read %s: %w", path, err)
		}

		var settings Settings
		if strings.HasSuffix(name, ".json") {
			err = json.Unmarshal(data, &settings)
		} else {
			err = yaml.Unmarshal(data, &settings)
		}
		if err != nil {
			return nil, false, fmt.Errorf("%w: %s: %v", ErrMalformedSettings, path, err)
		}
		return &settings, true, nil
	}
	return nil, false, nil
}

func (s *Settings) toShell(dirName, siteDir string, opts DiscoverOptions) (*Shell, error) {
	name := s.Name
	if name == "" {
		name = dirName
	}
	malformed := func(format string, args ...any) error {
		return fmt.Errorf("%w: tenant %s: %s", ErrMalformedSettings, name, fmt.Sprintf(format, args...))
	}

	host := s.Host
	if host == "" {
		host = opts.DefaultHost
	}
	port := s.Port
	if port == 0 {
		port = opts.DefaultPort
	}
	if port < 1 || port > 65535 {
		return nil, malformed("port %d out of range", port)
	}

	prefix := s.Path
	if prefix != "" {
		prefix = "/" + strings.Trim(prefix, "/")
		if prefix == "/" {
			prefix = ""
		}
	}

	enabled := s.Modules
	if enabled == nil {
		enabled = DefaultModules
	}

	shell := &Shell{
		Name:       name,
		Title:      s.Title,
		Host:       host,
		Port:       port,
		HostNames:  s.HostNames,
		PathPrefix: prefix,
		Modules:    append([]string(nil), enabled...),
		Available:  opts.Available,
	}
	if shell.Title == "" {
		shell.Title = name
	}

	if s.HTTPS || s.Key != "" || s.Cert != "" || s.PFX != "" {
		if s.PFX == "" && (s.Key == "" || s.Cert == "") {
			return nil, malformed("https requires key and cert, or pfx")
		}
		material := &TLSMaterial{Passphrase: s.Passphrase}
		var err error
		if material.Key, err = readCredential(siteDir, s.Key); err != nil {
			return nil, malformed("key: %v", err)
		}
		if material.Cert, err = readCredential(siteDir, s.Cert); err != nil {
			return nil, malformed("cert: %v", err)
		}
		if material.PFX, err = readCredential(siteDir, s.PFX); err != nil {
			return nil, malformed("pfx: %v", err)
		}
		shell.TLS = material
	}

	return shell, nil
}

func readCredential(siteDir, path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(siteDir, path)
	}
	return os.ReadFile(path)
}
