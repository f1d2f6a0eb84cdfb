package terminology

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/txcache/service"
)

// DefaultSwitchedPrefixes are the code systems usually served by a national
// terminology server rather than local packages.
var DefaultSwitchedPrefixes = []string{
	"http://snomed.info/sct",
	"https://dmd.nhs.uk",
	"http://read.info",
	"http://hl7.org/fhir/sid/icd",
}

// PrefixPredicate matches systems that start with any of the prefixes.
func PrefixPredicate(prefixes ...string) func(system string) bool {
	return func(system string) bool {
		for _, p := range prefixes {
			if p != "" && strings.HasPrefix(system, p) {
				return true
			}
		}
		return false
	}
}

// SwitchedService sends code-system scoped operations to the override
// provider when the predicate matches the system, and everything else to
// the default provider.
type SwitchedService struct {
	def      service.Provider
	override service.Provider
	match    func(system string) bool
}

// NewSwitchedService creates a switched provider.
func NewSwitchedService(def, override service.Provider, match func(system string) bool) *SwitchedService {
	return &SwitchedService{def: def, override: override, match: match}
}

func (s *SwitchedService) route(system string) service.Provider {
	if s.match(system) {
		return s.override
	}
	return s.def
}

// ValidateCode implements service.CodeValidator.
func (s *SwitchedService) ValidateCode(ctx context.Context, opts service.ValidationOptions, system, code string, display *string, valueSetURL string) (*service.CodeValidationResult, error) {
	return s.route(system).ValidateCode(ctx, opts, system, code, display, valueSetURL)
}

// ValidateCodeInValueSet implements service.CodeValidator.
func (s *SwitchedService) ValidateCodeInValueSet(ctx context.Context, opts service.ValidationOptions, system, code string, display *string, vs *r4.ValueSet) (*service.CodeValidationResult, error) {
	return s.route(system).ValidateCodeInValueSet(ctx, opts, system, code, display, vs)
}

// LookupCode implements service.CodeLookup.
func (s *SwitchedService) LookupCode(ctx context.Context, system, code, displayLanguage string) (*service.LookupCodeResult, error) {
	return s.route(system).LookupCode(ctx, system, code, displayLanguage)
}

// ExpandValueSet asks the default provider first and the override when the
// default has no expansion.
func (s *SwitchedService) ExpandValueSet(ctx context.Context, opts *service.ExpansionOptions, vs *r4.ValueSet) (*service.ValueSetExpansionOutcome, error) {
	outcome, err := s.def.ExpandValueSet(ctx, opts, vs)
	if err != nil {
		return nil, err
	}
	if outcome != nil && outcome.ValueSet != nil {
		return outcome, nil
	}
	return s.override.ExpandValueSet(ctx, opts, vs)
}

// TranslateConcept implements service.ConceptTranslator.
func (s *SwitchedService) TranslateConcept(ctx context.Context, req service.TranslateCodeRequest) (*service.TranslateConceptResults, error) {
	return s.route(req.SourceSystem).TranslateConcept(ctx, req)
}

// FetchCodeSystem implements service.ResourceFetcher.
func (s *SwitchedService) FetchCodeSystem(ctx context.Context, url string) (*r4.CodeSystem, error) {
	return s.route(url).FetchCodeSystem(ctx, url)
}

// FetchValueSet implements service.ResourceFetcher.
func (s *SwitchedService) FetchValueSet(ctx context.Context, url string) (*r4.ValueSet, error) {
	return s.def.FetchValueSet(ctx, url)
}

// FetchResource implements service.ResourceFetcher.
func (s *SwitchedService) FetchResource(ctx context.Context, resourceType, url string) (json.RawMessage, error) {
	return s.def.FetchResource(ctx, resourceType, url)
}

// IsCodeSystemSupported implements service.ResourceFetcher.
func (s *SwitchedService) IsCodeSystemSupported(ctx context.Context, system string) (bool, error) {
	ok, err := s.def.IsCodeSystemSupported(ctx, system)
	if err != nil || ok {
		return ok, err
	}
	return s.override.IsCodeSystemSupported(ctx, system)
}

// FetchAllConformanceResources implements service.ConformanceLister.
func (s *SwitchedService) FetchAllConformanceResources(ctx context.Context) ([]json.RawMessage, error) {
	return s.def.FetchAllConformanceResources(ctx)
}

// FetchAllStructureDefinitions implements service.ConformanceLister.
func (s *SwitchedService) FetchAllStructureDefinitions(ctx context.Context) ([]json.RawMessage, error) {
	return s.def.FetchAllStructureDefinitions(ctx)
}

// FetchAllNonBaseStructureDefinitions implements service.ConformanceLister.
func (s *SwitchedService) FetchAllNonBaseStructureDefinitions(ctx context.Context) ([]json.RawMessage, error) {
	return s.def.FetchAllNonBaseStructureDefinitions(ctx)
}

// InvalidateCaches implements service.Provider.
func (s *SwitchedService) InvalidateCaches() {
	s.def.InvalidateCaches()
	s.override.InvalidateCaches()
}

var _ service.Provider = (*SwitchedService)(nil)
