package txcache

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/gofhir/txcache/pkg/fhirpkg"
	"github.com/gofhir/txcache/remote"
	"github.com/gofhir/txcache/service"
	"github.com/gofhir/txcache/terminology"
)

// Service is an assembled terminology stack:
//
//	CachingService
//	  └─ ProviderChain
//	       ├─ SwitchedService (only with switched prefixes)
//	       │    └─ HybridService (local ⇄ remote by code system)
//	       └─ UnsupportedCodeSystemProvider
type Service struct {
	local   *terminology.InMemoryTerminologyService
	remote  *remote.Client
	hybrid  *terminology.HybridService
	caching *terminology.CachingService
	log     zerolog.Logger
}

// New builds a Service and loads the configured local resources.
func New(opts ...Option) (*Service, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	local := terminology.NewInMemoryTerminologyService()
	for _, path := range o.LoadPaths {
		stats, err := loadPath(local, path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		o.Logger.Info().
			Str("path", path).
			Int64("codeSystems", stats.CodeSystemsLoaded).
			Int64("valueSets", stats.ValueSetsLoaded).
			Int64("conceptMaps", stats.ConceptMapsLoaded).
			Int64("other", stats.OtherLoaded).
			Int64("errors", stats.Errors).
			Msg("loaded local terminology")
	}

	if len(o.Packages) > 0 {
		loader := fhirpkg.NewLoader(fhirpkg.WithCachePath(o.PackageCache), fhirpkg.WithHTTPClient(o.HTTPClient))
		for _, spec := range o.Packages {
			pkg, err := loader.Load(context.Background(), spec)
			if err != nil {
				return nil, fmt.Errorf("load package %s: %w", spec, err)
			}
			stats := local.LoadResources(pkg.Resources)
			o.Logger.Info().
				Str("package", pkg.Name+"#"+pkg.Version).
				Str("source", pkg.Source).
				Int64("codeSystems", stats.CodeSystemsLoaded).
				Int64("valueSets", stats.ValueSetsLoaded).
				Int64("conceptMaps", stats.ConceptMapsLoaded).
				Int64("errors", stats.Errors).
				Msg("loaded terminology package")
		}
	}

	clientOpts := []remote.Option{
		remote.WithConnectTimeout(o.ConnectTimeout),
		remote.WithMiddleware(o.Middlewares...),
		remote.WithExpansionFallback(local),
		remote.WithLogger(o.Logger.With().Str("component", "remote").Logger()),
	}
	if o.HTTPClient != nil {
		clientOpts = append(clientOpts, remote.WithHTTPClient(o.HTTPClient))
	}
	client := remote.NewClient(o.RemoteURL, clientOpts...)
	if !client.Configured() {
		o.Logger.Warn().Msg("no remote terminology server configured, remote code systems will not be validated")
	}

	hybrid := terminology.NewHybridService(local, client, o.RemoteCodeSystems...)
	var routed service.Provider = hybrid
	if len(o.SwitchedPrefixes) > 0 {
		routed = terminology.NewSwitchedService(hybrid, client, terminology.PrefixPredicate(o.SwitchedPrefixes...))
	}
	chain := service.NewProviderChain(routed, service.NewUnsupportedCodeSystemProvider())

	caching := terminology.NewCachingService(chain, o.CacheTimeouts,
		terminology.WithCacheClock(o.Clock),
		terminology.WithCacheLogger(o.Logger.With().Str("component", "caching").Logger()),
	)
	// ValueSet URLs sent to the remote server resolve through the whole
	// stack, so locally loaded ValueSets are sent inline.
	client.SetResolver(caching)

	return &Service{
		local:   local,
		remote:  client,
		hybrid:  hybrid,
		caching: caching,
		log:     o.Logger,
	}, nil
}

func loadPath(local *terminology.InMemoryTerminologyService, path string) (*terminology.LoadStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return local.LoadFromDirectory(path)
	}
	return local.LoadFromFile(path)
}

// Provider returns the cached entry point of the stack.
func (s *Service) Provider() service.Provider {
	return s.caching
}

// Local returns the in-memory provider so callers can add resources.
// Cached answers are not invalidated by additions.
func (s *Service) Local() *terminology.InMemoryTerminologyService {
	return s.local
}

// Remote returns the remote terminology client.
func (s *Service) Remote() *remote.Client {
	return s.remote
}

// IsRemote reports whether validation for system goes to the remote server.
func (s *Service) IsRemote(system string) bool {
	return s.hybrid.IsRemote(system)
}

// Stats returns cache statistics.
func (s *Service) Stats() terminology.CachingStats {
	return s.caching.Stats()
}

// InvalidateCaches drops every cached answer.
func (s *Service) InvalidateCaches() {
	s.caching.InvalidateCaches()
}

// Close stops background cache refreshes.
func (s *Service) Close() {
	s.caching.Close()
}
