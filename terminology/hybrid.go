package terminology

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gofhir/fhir/r4"
	"github.com/rs/zerolog"

	"github.com/gofhir/txcache/pkg/logger"
	"github.com/gofhir/txcache/service"
)

// HybridService answers locally except for the code systems on its remote
// allow-list, whose validation goes to a remote terminology server.
//
// A request bound to the units-of-time ValueSet is validated against UCUM
// regardless of the system it names. There is no fallback between routes:
// a remote failure is returned as is.
type HybridService struct {
	local         service.Provider
	remote        service.Provider
	remoteSystems map[string]struct{}
	log           zerolog.Logger
}

// NewHybridService creates a dispatcher. A nil remote means no remote server
// is configured; allow-listed systems then get a warning result.
func NewHybridService(local, remote service.Provider, remoteSystems ...string) *HybridService {
	h := &HybridService{
		local:         local,
		remote:        remote,
		remoteSystems: make(map[string]struct{}, len(remoteSystems)),
		log:           logger.Component("hybrid"),
	}
	for _, s := range remoteSystems {
		if s = strings.TrimSpace(s); s != "" {
			h.remoteSystems[s] = struct{}{}
		}
	}
	return h
}

// IsRemote reports whether system is on the remote allow-list.
func (h *HybridService) IsRemote(system string) bool {
	_, ok := h.remoteSystems[stripVersionFromURL(system)]
	return ok
}

// ValidateCode implements service.CodeValidator.
func (h *HybridService) ValidateCode(ctx context.Context, opts service.ValidationOptions, system, code string, display *string, valueSetURL string) (*service.CodeValidationResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	system = canonicalSystem(system, valueSetURL)

	if !h.IsRemote(system) {
		return h.local.ValidateCode(ctx, opts, system, code, display, valueSetURL)
	}

	h.log.Debug().Str("system", system).Str("code", code).Msg("validating remotely")
	if h.remote == nil {
		return service.Unvalidated(system, code), nil
	}
	if valueSetURL == "" {
		return h.remote.ValidateCode(ctx, opts, system, code, display, "")
	}

	vs, err := h.resolveValueSet(ctx, valueSetURL)
	if err != nil {
		return nil, err
	}
	if vs == nil {
		return h.remote.ValidateCode(ctx, opts, system, code, display, valueSetURL)
	}
	return h.remote.ValidateCodeInValueSet(ctx, opts, system, code, display, vs)
}

// ValidateCodeInValueSet implements service.CodeValidator.
func (h *HybridService) ValidateCodeInValueSet(ctx context.Context, opts service.ValidationOptions, system, code string, display *string, vs *r4.ValueSet) (*service.CodeValidationResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	system = canonicalSystem(system, valueSetURL(vs))

	if !h.IsRemote(system) {
		return h.local.ValidateCodeInValueSet(ctx, opts, system, code, display, vs)
	}

	h.log.Debug().Str("system", system).Str("code", code).Msg("validating remotely")
	if h.remote == nil {
		return service.Unvalidated(system, code), nil
	}
	return h.remote.ValidateCodeInValueSet(ctx, opts, system, code, display, vs)
}

// resolveValueSet turns a ValueSet URL into a resource, asking the local
// provider first.
func (h *HybridService) resolveValueSet(ctx context.Context, url string) (*r4.ValueSet, error) {
	vs, err := h.local.FetchValueSet(ctx, url)
	if err != nil || vs != nil {
		return vs, err
	}
	return h.remote.FetchValueSet(ctx, url)
}

// LookupCode implements service.CodeLookup.
func (h *HybridService) LookupCode(ctx context.Context, system, code, displayLanguage string) (*service.LookupCodeResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	return h.local.LookupCode(ctx, system, code, displayLanguage)
}

// ExpandValueSet implements service.ValueSetExpander.
func (h *HybridService) ExpandValueSet(ctx context.Context, opts *service.ExpansionOptions, vs *r4.ValueSet) (*service.ValueSetExpansionOutcome, error) {
	return h.local.ExpandValueSet(ctx, opts, vs)
}

// TranslateConcept implements service.ConceptTranslator.
func (h *HybridService) TranslateConcept(ctx context.Context, req service.TranslateCodeRequest) (*service.TranslateConceptResults, error) {
	return h.local.TranslateConcept(ctx, req)
}

// FetchCodeSystem implements service.ResourceFetcher.
func (h *HybridService) FetchCodeSystem(ctx context.Context, url string) (*r4.CodeSystem, error) {
	return h.local.FetchCodeSystem(ctx, url)
}

// FetchValueSet implements service.ResourceFetcher.
func (h *HybridService) FetchValueSet(ctx context.Context, url string) (*r4.ValueSet, error) {
	return h.local.FetchValueSet(ctx, url)
}

// FetchResource implements service.ResourceFetcher.
func (h *HybridService) FetchResource(ctx context.Context, resourceType, url string) (json.RawMessage, error) {
	return h.local.FetchResource(ctx, resourceType, url)
}

// IsCodeSystemSupported implements service.ResourceFetcher.
// Allow-listed systems are always supported.
func (h *HybridService) IsCodeSystemSupported(ctx context.Context, system string) (bool, error) {
	if h.IsRemote(system) {
		return true, nil
	}
	return h.local.IsCodeSystemSupported(ctx, system)
}

// FetchAllConformanceResources implements service.ConformanceLister.
func (h *HybridService) FetchAllConformanceResources(ctx context.Context) ([]json.RawMessage, error) {
	return h.local.FetchAllConformanceResources(ctx)
}

// FetchAllStructureDefinitions implements service.ConformanceLister.
func (h *HybridService) FetchAllStructureDefinitions(ctx context.Context) ([]json.RawMessage, error) {
	return h.local.FetchAllStructureDefinitions(ctx)
}

// FetchAllNonBaseStructureDefinitions implements service.ConformanceLister.
func (h *HybridService) FetchAllNonBaseStructureDefinitions(ctx context.Context) ([]json.RawMessage, error) {
	return h.local.FetchAllNonBaseStructureDefinitions(ctx)
}

// InvalidateCaches implements service.Provider.
func (h *HybridService) InvalidateCaches() {
	h.local.InvalidateCaches()
	if h.remote != nil {
		h.remote.InvalidateCaches()
	}
}

// canonicalSystem rewrites the system for ValueSets that bind to a fixed
// code system.
func canonicalSystem(system, valueSetURL string) string {
	if stripVersionFromURL(valueSetURL) == UnitsOfTimeValueSet {
		return UCUM
	}
	return system
}

var _ service.Provider = (*HybridService)(nil)
