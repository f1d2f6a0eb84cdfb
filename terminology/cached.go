package terminology

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofhir/fhir/r4"
	"github.com/rs/zerolog"

	"github.com/gofhir/txcache/cache"
	"github.com/gofhir/txcache/pkg/logger"
	"github.com/gofhir/txcache/service"
	"github.com/gofhir/txcache/worker"
)

// Bucket sizes. They are fixed; only TTLs are configurable.
const (
	ExpandValueSetCacheSize = 100
	DefaultBucketSize       = 5000

	refreshWorkers   = 1
	refreshQueueSize = 1000
)

// Default TTLs per bucket.
const (
	DefaultExpandValueSetTTL = 60 * time.Second
	DefaultValidateCodeTTL   = 10 * time.Minute
	DefaultLookupCodeTTL     = 10 * time.Minute
	DefaultTranslateCodeTTL  = 10 * time.Minute
	DefaultMiscTTL           = 10 * time.Minute
)

// Cache keys of the enumeration operations served stale while refreshing.
const (
	keyAllConformance    = "fetchAllConformanceResources"
	keyAllStructureDefs  = "fetchAllStructureDefinitions"
	keyAllNonBaseProfile = "fetchAllNonBaseStructureDefinitions"
)

// CacheTimeouts holds one TTL per bucket kind.
type CacheTimeouts struct {
	ExpandValueSet time.Duration
	ValidateCode   time.Duration
	LookupCode     time.Duration
	TranslateCode  time.Duration
	Misc           time.Duration
}

// DefaultCacheTimeouts returns the default TTLs.
func DefaultCacheTimeouts() CacheTimeouts {
	return CacheTimeouts{
		ExpandValueSet: DefaultExpandValueSetTTL,
		ValidateCode:   DefaultValidateCodeTTL,
		LookupCode:     DefaultLookupCodeTTL,
		TranslateCode:  DefaultTranslateCodeTTL,
		Misc:           DefaultMiscTTL,
	}
}

// CachingService wraps a service.Provider with per-operation caches.
//
// Results, including "no value" results, are cached per bucket until their
// TTL elapses. Errors are never cached. The conformance listing operations
// keep their last value in a non-expiring holding store: once the TTL entry
// is gone the old value is served immediately and a reload is queued on a
// single background worker. Reloads that do not fit in the queue are
// dropped.
type CachingService struct {
	inner service.Provider

	validateCode   *cache.Cache[string, *service.CodeValidationResult]
	lookupCode     *cache.Cache[string, *service.LookupCodeResult]
	expandValueSet *cache.Cache[string, *service.ValueSetExpansionOutcome]
	translateCode  *cache.Cache[service.TranslateCodeRequest, *service.TranslateConceptResults]
	misc           *cache.Cache[string, any]
	holding        *cache.Store[any]

	refresher  *worker.Pool
	refreshing sync.Map // key -> struct{}, one queued or running refresh per key
	generation atomic.Uint64
	log        zerolog.Logger
}

// CachingOption configures a CachingService.
type CachingOption func(*cachingConfig)

type cachingConfig struct {
	clock     cache.Clock
	refresher *worker.Pool
	log       zerolog.Logger
}

// WithCacheClock sets the time source used for TTL checks.
func WithCacheClock(clock cache.Clock) CachingOption {
	return func(c *cachingConfig) {
		c.clock = clock
	}
}

// WithRefreshPool replaces the background refresh pool.
func WithRefreshPool(p *worker.Pool) CachingOption {
	return func(c *cachingConfig) {
		c.refresher = p
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l zerolog.Logger) CachingOption {
	return func(c *cachingConfig) {
		c.log = l
	}
}

// NewCachingService wraps inner with caches using the given timeouts.
// Zero timeouts fall back to the defaults.
func NewCachingService(inner service.Provider, timeouts CacheTimeouts, opts ...CachingOption) *CachingService {
	cfg := cachingConfig{
		clock: time.Now,
		log:   logger.Component("caching"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	timeouts = timeouts.withDefaults()

	s := &CachingService{
		inner:          inner,
		validateCode:   cache.New[string, *service.CodeValidationResult](DefaultBucketSize, cache.WithTTL(timeouts.ValidateCode), cache.WithClock(cfg.clock)),
		lookupCode:     cache.New[string, *service.LookupCodeResult](DefaultBucketSize, cache.WithTTL(timeouts.LookupCode), cache.WithClock(cfg.clock)),
		expandValueSet: cache.New[string, *service.ValueSetExpansionOutcome](ExpandValueSetCacheSize, cache.WithTTL(timeouts.ExpandValueSet), cache.WithClock(cfg.clock)),
		translateCode:  cache.New[service.TranslateCodeRequest, *service.TranslateConceptResults](DefaultBucketSize, cache.WithTTL(timeouts.TranslateCode), cache.WithClock(cfg.clock)),
		misc:           cache.New[string, any](DefaultBucketSize, cache.WithTTL(timeouts.Misc), cache.WithClock(cfg.clock)),
		holding:        cache.NewStore[any](cache.DefaultShardCount),
		refresher:      cfg.refresher,
		log:            cfg.log,
	}
	if s.refresher == nil {
		s.refresher = worker.NewPool(refreshWorkers, refreshQueueSize, worker.WithPanicHandler(func(r any) {
			s.log.Error().Interface("panic", r).Msg("background refresh panicked")
		}))
	}
	return s
}

func (t CacheTimeouts) withDefaults() CacheTimeouts {
	d := DefaultCacheTimeouts()
	if t.ExpandValueSet <= 0 {
		t.ExpandValueSet = d.ExpandValueSet
	}
	if t.ValidateCode <= 0 {
		t.ValidateCode = d.ValidateCode
	}
	if t.LookupCode <= 0 {
		t.LookupCode = d.LookupCode
	}
	if t.TranslateCode <= 0 {
		t.TranslateCode = d.TranslateCode
	}
	if t.Misc <= 0 {
		t.Misc = d.Misc
	}
	return t
}

// Inner returns the wrapped provider.
func (s *CachingService) Inner() service.Provider {
	return s.inner
}

// Close stops the background refresh worker. Queued refreshes are dropped.
func (s *CachingService) Close() {
	s.refresher.Close()
}

// ValidateCode implements service.CodeValidator with caching. A blank code
// has no answer and reaches neither the cache nor the wrapped provider.
func (s *CachingService) ValidateCode(ctx context.Context, opts service.ValidationOptions, system, code string, display *string, valueSetURL string) (*service.CodeValidationResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	key := validateCodeKey(system, code, display, valueSetURL)
	return s.validateCode.GetOrLoad(key, func() (*service.CodeValidationResult, error) {
		return s.inner.ValidateCode(ctx, opts, system, code, display, valueSetURL)
	})
}

// ValidateCodeInValueSet implements service.CodeValidator with caching.
// A ValueSet without a URL has no stable identity and is not cached.
func (s *CachingService) ValidateCodeInValueSet(ctx context.Context, opts service.ValidationOptions, system, code string, display *string, vs *r4.ValueSet) (*service.CodeValidationResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	url := valueSetURL(vs)
	if url == "" {
		return s.inner.ValidateCodeInValueSet(ctx, opts, system, code, display, vs)
	}

	key := validateCodeInValueSetKey(opts, system, code, display, url)
	return s.validateCode.GetOrLoad(key, func() (*service.CodeValidationResult, error) {
		return s.inner.ValidateCodeInValueSet(ctx, opts, system, code, display, vs)
	})
}

// LookupCode implements service.CodeLookup with caching.
func (s *CachingService) LookupCode(ctx context.Context, system, code, displayLanguage string) (*service.LookupCodeResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	key := lookupCodeKey(system, code, displayLanguage)
	return s.lookupCode.GetOrLoad(key, func() (*service.LookupCodeResult, error) {
		return s.inner.LookupCode(ctx, system, code, displayLanguage)
	})
}

// ExpandValueSet implements service.ValueSetExpander with caching.
// A ValueSet without a URL is expanded on every call.
func (s *CachingService) ExpandValueSet(ctx context.Context, opts *service.ExpansionOptions, vs *r4.ValueSet) (*service.ValueSetExpansionOutcome, error) {
	url := valueSetURL(vs)
	if url == "" {
		return s.inner.ExpandValueSet(ctx, opts, vs)
	}

	key := expandValueSetKey(url, opts)
	return s.expandValueSet.GetOrLoad(key, func() (*service.ValueSetExpansionOutcome, error) {
		return s.inner.ExpandValueSet(ctx, opts, vs)
	})
}

// TranslateConcept implements service.ConceptTranslator with caching.
func (s *CachingService) TranslateConcept(ctx context.Context, req service.TranslateCodeRequest) (*service.TranslateConceptResults, error) {
	return s.translateCode.GetOrLoad(req, func() (*service.TranslateConceptResults, error) {
		return s.inner.TranslateConcept(ctx, req)
	})
}

// FetchCodeSystem implements service.ResourceFetcher with caching.
func (s *CachingService) FetchCodeSystem(ctx context.Context, url string) (*r4.CodeSystem, error) {
	return loadMisc(s, "fetchCodeSystem "+url, func() (*r4.CodeSystem, error) {
		return s.inner.FetchCodeSystem(ctx, url)
	})
}

// FetchValueSet implements service.ResourceFetcher with caching.
func (s *CachingService) FetchValueSet(ctx context.Context, url string) (*r4.ValueSet, error) {
	return loadMisc(s, "fetchValueSet "+url, func() (*r4.ValueSet, error) {
		return s.inner.FetchValueSet(ctx, url)
	})
}

// FetchResource implements service.ResourceFetcher with caching.
func (s *CachingService) FetchResource(ctx context.Context, resourceType, url string) (json.RawMessage, error) {
	return loadMisc(s, "fetchResource "+resourceType+" "+url, func() (json.RawMessage, error) {
		return s.inner.FetchResource(ctx, resourceType, url)
	})
}

// IsCodeSystemSupported implements service.ResourceFetcher with caching.
// The wrapped provider may call back into this cache for the same key
// while computing, so the presence check and the store are separate steps
// and nothing is held across the call.
func (s *CachingService) IsCodeSystemSupported(ctx context.Context, system string) (bool, error) {
	key := "isCodeSystemSupported " + system
	if v, ok := s.misc.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}

	supported, err := s.inner.IsCodeSystemSupported(ctx, system)
	if err != nil {
		return false, err
	}
	s.misc.Set(key, supported)
	return supported, nil
}

// FetchAllConformanceResources implements service.ConformanceLister,
// serving a stale list while a refresh runs in the background.
func (s *CachingService) FetchAllConformanceResources(ctx context.Context) ([]json.RawMessage, error) {
	return loadWithAsyncRefresh(ctx, s, keyAllConformance, s.inner.FetchAllConformanceResources)
}

// FetchAllStructureDefinitions implements service.ConformanceLister,
// serving a stale list while a refresh runs in the background.
func (s *CachingService) FetchAllStructureDefinitions(ctx context.Context) ([]json.RawMessage, error) {
	return loadWithAsyncRefresh(ctx, s, keyAllStructureDefs, s.inner.FetchAllStructureDefinitions)
}

// FetchAllNonBaseStructureDefinitions implements service.ConformanceLister,
// serving a stale list while a refresh runs in the background.
func (s *CachingService) FetchAllNonBaseStructureDefinitions(ctx context.Context) ([]json.RawMessage, error) {
	return loadWithAsyncRefresh(ctx, s, keyAllNonBaseProfile, s.inner.FetchAllNonBaseStructureDefinitions)
}

// InvalidateCaches clears every bucket and the holding store, then
// forwards to the wrapped provider. Refreshes started before the call do
// not write their results back.
func (s *CachingService) InvalidateCaches() {
	s.generation.Add(1)
	s.validateCode.Clear()
	s.lookupCode.Clear()
	s.expandValueSet.Clear()
	s.translateCode.Clear()
	s.misc.Clear()
	s.holding.Clear()
	s.inner.InvalidateCaches()
	s.log.Info().Msg("terminology caches invalidated")
}

// CachingStats holds per-bucket cache statistics.
type CachingStats struct {
	ValidateCode   cache.Stats
	LookupCode     cache.Stats
	ExpandValueSet cache.Stats
	TranslateCode  cache.Stats
	Misc           cache.Stats
	Holding        int
	Refresh        worker.PoolStats
}

// Stats returns cache statistics.
func (s *CachingService) Stats() CachingStats {
	return CachingStats{
		ValidateCode:   s.validateCode.Stats(),
		LookupCode:     s.lookupCode.Stats(),
		ExpandValueSet: s.expandValueSet.Stats(),
		TranslateCode:  s.translateCode.Stats(),
		Misc:           s.misc.Stats(),
		Holding:        s.holding.Len(),
		Refresh:        s.refresher.Stats(),
	}
}

// loadMisc is cache-or-load on the shared misc bucket.
func loadMisc[T any](s *CachingService, key string, load func() (T, error)) (T, error) {
	v, err := s.misc.GetOrLoad(key, func() (any, error) {
		return load()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// loadWithAsyncRefresh serves the TTL entry when present, otherwise the
// last value from the holding store while a reload is queued. With no
// previous value at all the load runs synchronously. At most one reload
// per key is queued or running at a time.
func loadWithAsyncRefresh[T any](ctx context.Context, s *CachingService, key string, load func(context.Context) (T, error)) (T, error) {
	if v, ok := s.misc.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}

	if stale, ok := s.holding.Get(key); ok {
		s.queueRefresh(ctx, key, func(ctx context.Context) (any, error) {
			return load(ctx)
		})
		t, _ := stale.(T)
		return t, nil
	}

	gen := s.generation.Load()
	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	s.store(gen, key, v)
	return v, nil
}

// queueRefresh submits a reload of key unless one is already pending.
// The reload keeps the values of ctx but is cancelled when the refresh
// pool closes, not when the caller's request ends.
func (s *CachingService) queueRefresh(ctx context.Context, key string, load func(context.Context) (any, error)) {
	if _, pending := s.refreshing.LoadOrStore(key, struct{}{}); pending {
		return
	}
	gen := s.generation.Load()
	queued := s.refresher.SubmitAsync(func(poolCtx context.Context) {
		defer s.refreshing.Delete(key)
		v, err := load(refreshContext{Context: poolCtx, values: ctx})
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("background refresh failed")
			return
		}
		if !s.store(gen, key, v) {
			s.log.Debug().Str("key", key).Msg("background refresh discarded, caches invalidated")
			return
		}
		s.log.Debug().Str("key", key).Msg("background refresh complete")
	})
	if !queued {
		s.refreshing.Delete(key)
		s.log.Debug().Str("key", key).Msg("background refresh dropped, queue full")
	}
}

// store writes v under key unless the caches were invalidated after gen
// was read.
func (s *CachingService) store(gen uint64, key string, v any) bool {
	if s.generation.Load() != gen {
		return false
	}
	s.misc.Set(key, v)
	s.holding.Set(key, v)
	return true
}

// refreshContext takes cancellation from the embedded context and values
// from another.
type refreshContext struct {
	context.Context
	values context.Context
}

func (c refreshContext) Value(key any) any {
	return c.values.Value(key)
}

func valueSetURL(vs *r4.ValueSet) string {
	if vs == nil || vs.Url == nil {
		return ""
	}
	return *vs.Url
}

var _ service.Provider = (*CachingService)(nil)
