package txcache

import (
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/gofhir/txcache/cache"
	"github.com/gofhir/txcache/config"
	"github.com/gofhir/txcache/pkg/logger"
	"github.com/gofhir/txcache/remote"
	"github.com/gofhir/txcache/terminology"
)

// Option configures a Service.
type Option func(*Options)

// Options holds all configuration for a Service.
type Options struct {
	// Remote terminology server
	RemoteURL         string
	RemoteCodeSystems []string
	SwitchedPrefixes  []string
	Middlewares       []remote.Middleware
	ConnectTimeout    time.Duration
	HTTPClient        *http.Client

	// Caching
	CacheTimeouts terminology.CacheTimeouts
	Clock         cache.Clock

	// Local resources (files or directories)
	LoadPaths []string

	// FHIR packages: name#version in PackageCache, .tgz paths or URLs
	Packages     []string
	PackageCache string

	Logger zerolog.Logger
}

// DefaultOptions returns the default configuration: no remote server, no
// remote code systems and the default cache TTLs.
func DefaultOptions() *Options {
	return &Options{
		ConnectTimeout: remote.DefaultConnectTimeout,
		CacheTimeouts:  terminology.DefaultCacheTimeouts(),
		Clock:          time.Now,
		Logger:         logger.Component("txcache"),
	}
}

// --- Remote Options ---

// WithRemoteURL sets the remote terminology server base URL. Without one
// the remote client runs in degraded mode.
func WithRemoteURL(url string) Option {
	return func(o *Options) {
		o.RemoteURL = url
	}
}

// WithRemoteCodeSystems sets the code systems validated remotely.
func WithRemoteCodeSystems(systems ...string) Option {
	return func(o *Options) {
		o.RemoteCodeSystems = append(o.RemoteCodeSystems, systems...)
	}
}

// WithSwitchedPrefixes routes every operation for matching code systems
// to the remote server, not just validation.
func WithSwitchedPrefixes(prefixes ...string) Option {
	return func(o *Options) {
		o.SwitchedPrefixes = append(o.SwitchedPrefixes, prefixes...)
	}
}

// WithMiddleware appends remote request middlewares, applied in order.
func WithMiddleware(mw ...remote.Middleware) Option {
	return func(o *Options) {
		o.Middlewares = append(o.Middlewares, mw...)
	}
}

// WithConnectTimeout sets the remote connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.ConnectTimeout = d
		}
	}
}

// WithHTTPClient sets the HTTP client used for remote calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = c
	}
}

// --- Cache Options ---

// WithCacheTimeouts sets the bucket TTLs. Zero fields keep their default.
func WithCacheTimeouts(t terminology.CacheTimeouts) Option {
	return func(o *Options) {
		o.CacheTimeouts = t
	}
}

// WithClock sets the cache clock.
func WithClock(clock cache.Clock) Option {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

// --- Local Options ---

// WithLoadPaths adds files or directories of FHIR JSON resources to load
// into the local provider.
func WithLoadPaths(paths ...string) Option {
	return func(o *Options) {
		o.LoadPaths = append(o.LoadPaths, paths...)
	}
}

// WithPackages adds FHIR packages whose terminology is loaded into the
// local provider. See fhirpkg.Loader.Load for the accepted forms.
func WithPackages(specs ...string) Option {
	return func(o *Options) {
		o.Packages = append(o.Packages, specs...)
	}
}

// WithPackageCache sets the FHIR package cache directory used to resolve
// name#version packages. Defaults to ~/.fhir/packages.
func WithPackageCache(dir string) Option {
	return func(o *Options) {
		o.PackageCache = dir
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// FromConfig translates a loaded configuration into options. A request id
// is attached to every remote call; the bearer token and extra headers
// follow it.
func FromConfig(cfg *config.Config) []Option {
	t := cfg.Terminology

	mws := []remote.Middleware{remote.RequestID()}
	if t.Authorization.Token != "" {
		mws = append(mws, remote.BearerToken(t.Authorization.Token))
	}
	names := make([]string, 0, len(t.Headers))
	for name := range t.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		mws = append(mws, remote.Header(name, t.Headers[name]))
	}

	return []Option{
		WithRemoteURL(t.URL),
		WithRemoteCodeSystems(t.RemoteCodeSystems...),
		WithSwitchedPrefixes(t.SwitchedPrefixes...),
		WithConnectTimeout(t.ConnectTimeout),
		WithMiddleware(mws...),
		WithCacheTimeouts(cfg.CacheTimeouts()),
		WithLoadPaths(t.LoadPaths...),
		WithPackages(t.Packages...),
		WithPackageCache(t.PackageCache),
	}
}
