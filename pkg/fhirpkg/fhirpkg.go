// Package fhirpkg reads FHIR NPM packages from the local package cache,
// .tgz files or URLs, and returns their canonical resources.
package fhirpkg

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/gofhir/txcache/pkg/logger"
)

// DefaultCachePath returns the default FHIR package cache, ~/.fhir/packages.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".fhir", "packages")
}

// Ref names a package as name#version.
type Ref struct {
	Name    string
	Version string
}

func (r Ref) String() string {
	return r.Name + "#" + r.Version
}

// ParseRef parses "name#version". The version is required.
func ParseRef(spec string) (Ref, error) {
	name, version, ok := strings.Cut(spec, "#")
	if !ok || name == "" || version == "" {
		return Ref{}, fmt.Errorf("invalid package reference %q, want name#version", spec)
	}
	return Ref{Name: name, Version: version}, nil
}

// Manifest is the package.json of a FHIR NPM package.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	FHIRVersions []string          `json:"fhirVersions,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Package is a loaded FHIR package.
type Package struct {
	Manifest
	Source string

	// Resources holds every top-level resource with a canonical url,
	// ordered CodeSystem, ValueSet, ConceptMap, then the rest.
	Resources []json.RawMessage
}

// Loader loads packages.
type Loader struct {
	cachePath string
	http      *retryablehttp.Client
	log       zerolog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithCachePath sets the package cache directory.
func WithCachePath(path string) Option {
	return func(l *Loader) {
		if path != "" {
			l.cachePath = path
		}
	}
}

// WithHTTPClient sets the client used to download packages. A nil client
// keeps the default.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) {
		if c != nil {
			l.http.HTTPClient = c
		}
	}
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		cachePath: DefaultCachePath(),
		http:      retryablehttp.NewClient(),
		log:       logger.Component("fhirpkg"),
	}
	l.http.RetryMax = 2
	l.http.Logger = logger.Retryable(l.log)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CachePath returns the package cache directory.
func (l *Loader) CachePath() string {
	return l.cachePath
}

// Load loads a package given as an http(s) URL to a .tgz, a path to a .tgz
// or an unpacked package directory, or a name#version in the cache.
func (l *Loader) Load(ctx context.Context, spec string) (*Package, error) {
	switch {
	case strings.HasPrefix(spec, "http://") || strings.HasPrefix(spec, "https://"):
		return l.LoadURL(ctx, spec)
	case strings.HasSuffix(spec, ".tgz") || strings.HasSuffix(spec, ".tar.gz"):
		return l.LoadTgz(spec)
	}
	if info, err := os.Stat(spec); err == nil && info.IsDir() {
		return l.LoadDir(spec)
	}
	ref, err := ParseRef(spec)
	if err != nil {
		return nil, err
	}
	return l.LoadRef(ref)
}

// LoadRef loads an unpacked package from the cache.
func (l *Loader) LoadRef(ref Ref) (*Package, error) {
	dir := filepath.Join(l.cachePath, ref.String())
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("package %s not found in %s: %w", ref, l.cachePath, err)
	}
	return l.LoadDir(dir)
}

// LoadDir loads an unpacked package. dir may be the package root or its
// package/ subdirectory.
func (l *Loader) LoadDir(dir string) (*Package, error) {
	if _, err := os.Stat(filepath.Join(dir, "package", "package.json")); err == nil {
		dir = filepath.Join(dir, "package")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}

	c := newCollector(dir)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		c.add(entry.Name(), data)
	}
	return c.finish()
}

// LoadTgz loads a package from a .tgz file.
func (l *Loader) LoadTgz(path string) (*Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()
	return ReadTgz(f, path)
}

// LoadURL downloads and loads a .tgz package.
func (l *Loader) LoadURL(ctx context.Context, url string) (*Package, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download package from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download package from %s: HTTP %d", url, resp.StatusCode)
	}
	l.log.Debug().Str("url", url).Msg("downloaded package")
	return ReadTgz(resp.Body, url)
}

// ReadTgz reads a gzipped package tarball. Only files directly under
// package/ are considered; examples and other subfolders are skipped.
func ReadTgz(r io.Reader, source string) (*Package, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	c := newCollector(source)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := strings.TrimPrefix(header.Name, "package/")
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", header.Name, err)
		}
		c.add(name, data)
	}
	return c.finish()
}

var typeOrder = map[string]int{
	"CodeSystem": 0,
	"ValueSet":   1,
	"ConceptMap": 2,
}

type collected struct {
	resourceType string
	url          string
	data         json.RawMessage
}

type collector struct {
	source    string
	manifest  []byte
	resources []collected
}

func newCollector(source string) *collector {
	return &collector{source: source}
}

func (c *collector) add(name string, data []byte) {
	switch name {
	case "package.json":
		c.manifest = data
		return
	case ".index.json":
		return
	}

	var probe struct {
		ResourceType string `json:"resourceType"`
		URL          string `json:"url"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.ResourceType == "" || probe.URL == "" {
		return
	}
	c.resources = append(c.resources, collected{resourceType: probe.ResourceType, url: probe.URL, data: data})
}

func (c *collector) finish() (*Package, error) {
	if c.manifest == nil {
		return nil, fmt.Errorf("package.json not found in %s", c.source)
	}
	pkg := &Package{Source: c.source}
	if err := json.Unmarshal(c.manifest, &pkg.Manifest); err != nil {
		return nil, fmt.Errorf("failed to parse package manifest: %w", err)
	}

	sort.SliceStable(c.resources, func(i, j int) bool {
		return rank(c.resources[i].resourceType) < rank(c.resources[j].resourceType)
	})
	pkg.Resources = make([]json.RawMessage, 0, len(c.resources))
	for _, r := range c.resources {
		pkg.Resources = append(pkg.Resources, r.data)
	}
	return pkg, nil
}

func rank(resourceType string) int {
	if r, ok := typeOrder[resourceType]; ok {
		return r
	}
	return len(typeOrder)
}
