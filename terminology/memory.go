package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/txcache/service"
)

// InMemoryTerminologyService implements service.Provider using in-memory
// storage. It holds CodeSystems, ValueSets, concept mappings and any other
// conformance resources it has been given.
type InMemoryTerminologyService struct {
	mu          sync.RWMutex
	valueSets   map[string]*valueSetData
	codeSystems map[string]*codeSystemData
	mappings    []conceptMapping
	resources   map[string]json.RawMessage // resourceType|url -> raw JSON
	filter      *service.ConformanceFilter
}

// valueSetData holds a ValueSet and its expanded codes for fast lookup.
type valueSetData struct {
	url      string
	resource *r4.ValueSet
	codes    map[string]map[string]codeEntry // system -> code -> entry
	filters  []pendingFilter                 // filters to expand lazily
	expanded bool                            // true if filters have been expanded
}

// codeSystemData holds a CodeSystem for code lookup.
type codeSystemData struct {
	url      string
	name     string
	version  string
	resource *r4.CodeSystem
	codes    map[string]codeEntry // code -> entry
	parents  map[string][]string  // code -> parent codes (from subsumedBy)
	children map[string][]string  // code -> child codes (reverse of parents)
}

// codeEntry represents a code in a ValueSet or CodeSystem.
type codeEntry struct {
	code       string
	display    string
	system     string
	properties []service.ConceptProperty
}

// pendingFilter stores a filter definition for lazy expansion.
type pendingFilter struct {
	system   string
	property string
	op       string
	value    string
}

// conceptMapping is one source -> target row of a ConceptMap.
type conceptMapping struct {
	conceptMapURL string
	sourceSystem  string
	sourceCode    string
	targetSystem  string
	targetCode    string
	targetDisplay string
	equivalence   string
}

// NewInMemoryTerminologyService creates a new in-memory terminology service.
func NewInMemoryTerminologyService() *InMemoryTerminologyService {
	ts := &InMemoryTerminologyService{
		valueSets:   make(map[string]*valueSetData),
		codeSystems: make(map[string]*codeSystemData),
		resources:   make(map[string]json.RawMessage),
		filter:      service.NewConformanceFilter(),
	}
	// Load common code systems by default
	ts.loadCommonCodeSystems()
	return ts
}

// LoadR4ValueSet loads an R4 ValueSet into the service.
func (s *InMemoryTerminologyService) LoadR4ValueSet(vs *r4.ValueSet) error {
	if vs == nil || vs.Url == nil {
		return fmt.Errorf("valueset is nil or has no URL")
	}

	vsData := newValueSetData(vs)
	raw, err := toRaw("ValueSet", vs)
	if err != nil {
		return fmt.Errorf("failed to encode ValueSet %s: %w", *vs.Url, err)
	}

	s.mu.Lock()
	s.valueSets[*vs.Url] = vsData
	s.resources[resourceKey("ValueSet", *vs.Url)] = raw
	s.mu.Unlock()

	return nil
}

// LoadR4CodeSystem loads an R4 CodeSystem into the service.
func (s *InMemoryTerminologyService) LoadR4CodeSystem(cs *r4.CodeSystem) error {
	if cs == nil || cs.Url == nil {
		return fmt.Errorf("codesystem is nil or has no URL")
	}

	raw, err := toRaw("CodeSystem", cs)
	if err != nil {
		return fmt.Errorf("failed to encode CodeSystem %s: %w", *cs.Url, err)
	}

	csData := &codeSystemData{
		url:      *cs.Url,
		resource: cs,
		codes:    make(map[string]codeEntry),
		parents:  make(map[string][]string),
		children: make(map[string][]string),
	}

	// Extract codes and hierarchy
	extractCodeSystemCodes(cs.Concept, csData)

	// Header fields and string properties come from the JSON form
	var probe codeSystemProbe
	if err := json.Unmarshal(raw, &probe); err == nil {
		csData.name = probe.Name
		if csData.name == "" {
			csData.name = probe.Title
		}
		csData.version = probe.Version
		probe.applyProperties(csData)
	}

	// Build reverse index (children from parents)
	for code, parentCodes := range csData.parents {
		for _, parent := range parentCodes {
			csData.children[parent] = append(csData.children[parent], code)
		}
	}

	s.mu.Lock()
	s.codeSystems[*cs.Url] = csData
	s.resources[resourceKey("CodeSystem", *cs.Url)] = raw
	s.mu.Unlock()

	return nil
}

// AddConceptMapping registers a single translation row.
func (s *InMemoryTerminologyService) AddConceptMapping(conceptMapURL, sourceSystem, sourceCode, targetSystem, targetCode, targetDisplay, equivalence string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = append(s.mappings, conceptMapping{
		conceptMapURL: conceptMapURL,
		sourceSystem:  sourceSystem,
		sourceCode:    sourceCode,
		targetSystem:  targetSystem,
		targetCode:    targetCode,
		targetDisplay: targetDisplay,
		equivalence:   equivalence,
	})
}

// AddResource stores a raw conformance resource so that it can be fetched
// and listed. The resource must carry resourceType and url.
func (s *InMemoryTerminologyService) AddResource(raw json.RawMessage) error {
	var probe struct {
		ResourceType string `json:"resourceType"`
		URL          string `json:"url"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if probe.ResourceType == "" || probe.URL == "" {
		return fmt.Errorf("resource has no resourceType or url")
	}

	s.mu.Lock()
	s.resources[resourceKey(probe.ResourceType, probe.URL)] = raw
	s.mu.Unlock()
	return nil
}

// ValidateCode implements service.CodeValidator.
// Unknown code systems and value sets yield no result so that a chain can
// ask the next provider.
func (s *InMemoryTerminologyService) ValidateCode(ctx context.Context, opts service.ValidationOptions, system, code string, display *string, valueSetURL string) (*service.CodeValidationResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if strings.TrimSpace(code) == "" {
		return nil, nil
	}

	// Strip version suffix from ValueSet URL if present (e.g., "url|4.0.1" -> "url")
	if valueSetURL != "" {
		valueSetURL = stripVersionFromURL(valueSetURL)

		if !s.ensureValueSetExpanded(valueSetURL) {
			return nil, nil
		}

		s.mu.RLock()
		defer s.mu.RUnlock()
		return validateInValueSet(s.valueSets[valueSetURL], system, code, display, opts), nil
	}

	if system == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.codeSystems[stripVersionFromURL(system)]
	if !ok {
		return nil, nil
	}

	entry, ok := cs.codes[code]
	if !ok {
		return &service.CodeValidationResult{
			Code:     code,
			Severity: service.SeverityError,
			Message:  fmt.Sprintf("Unknown code '%s' in CodeSystem '%s'", code, system),
		}, nil
	}
	return matched(entry, display), nil
}

// ValidateCodeInValueSet implements service.CodeValidator against an inline
// ValueSet. A loaded ValueSet with the same URL is preferred.
func (s *InMemoryTerminologyService) ValidateCodeInValueSet(ctx context.Context, opts service.ValidationOptions, system, code string, display *string, vs *r4.ValueSet) (*service.CodeValidationResult, error) {
	if vs == nil {
		return nil, nil
	}
	if url := valueSetURL(vs); url != "" {
		s.mu.RLock()
		_, loaded := s.valueSets[url]
		s.mu.RUnlock()
		if loaded {
			return s.ValidateCode(ctx, opts, system, code, display, url)
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}

	vsData := newValueSetData(vs)

	s.mu.RLock()
	defer s.mu.RUnlock()
	s.expandFilters(vsData)
	return validateInValueSet(vsData, system, code, display, opts), nil
}

// LookupCode implements service.CodeLookup.
// The local store holds a single display per code, so displayLanguage is
// not used.
func (s *InMemoryTerminologyService) LookupCode(ctx context.Context, system, code, _ string) (*service.LookupCodeResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if strings.TrimSpace(code) == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.codeSystems[stripVersionFromURL(system)]
	if !ok {
		return nil, nil
	}

	result := &service.LookupCodeResult{
		SearchedForCode:   code,
		SearchedForSystem: system,
	}
	entry, ok := cs.codes[code]
	if !ok {
		return result, nil
	}

	result.Found = true
	result.CodeDisplay = entry.display
	result.CodeSystemDisplayName = cs.name
	result.CodeSystemVersion = cs.version
	result.Properties = append(result.Properties, entry.properties...)
	for _, parent := range cs.parents[code] {
		result.Properties = append(result.Properties, service.CodingProperty{
			Name:    "parent",
			System:  cs.url,
			Code:    parent,
			Display: cs.codes[parent].display,
		})
	}
	for _, child := range cs.children[code] {
		result.Properties = append(result.Properties, service.CodingProperty{
			Name:    "child",
			System:  cs.url,
			Code:    child,
			Display: cs.codes[child].display,
		})
	}
	return result, nil
}

// ExpandValueSet implements service.ValueSetExpander.
// Codes are returned sorted by system and code; Filter matches code or
// display case-insensitively; Offset and Count page the result.
func (s *InMemoryTerminologyService) ExpandValueSet(ctx context.Context, opts *service.ExpansionOptions, vs *r4.ValueSet) (*service.ValueSetExpansionOutcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if vs == nil {
		return nil, nil
	}

	var vsData *valueSetData
	url := valueSetURL(vs)
	if url != "" && s.ensureValueSetExpanded(url) {
		s.mu.RLock()
		vsData = s.valueSets[url]
		s.mu.RUnlock()
	} else {
		vsData = newValueSetData(vs)
		s.mu.RLock()
		s.expandFilters(vsData)
		s.mu.RUnlock()
	}

	var o service.ExpansionOptions
	if opts != nil {
		o = *opts
	}

	s.mu.RLock()
	entries := collectEntries(vsData, o.Filter)
	s.mu.RUnlock()

	entries = page(entries, o.Offset, o.Count)

	contains := make([]r4.ValueSetExpansionContains, 0, len(entries))
	for _, e := range entries {
		contains = append(contains, r4.ValueSetExpansionContains{
			System:  service.String(e.system),
			Code:    service.String(e.code),
			Display: service.String(e.display),
		})
	}

	expanded := &r4.ValueSet{
		Url:       vs.Url,
		Expansion: &r4.ValueSetExpansion{Contains: contains},
	}
	return &service.ValueSetExpansionOutcome{ValueSet: expanded}, nil
}

// TranslateConcept implements service.ConceptTranslator using registered
// concept mappings.
func (s *InMemoryTerminologyService) TranslateConcept(ctx context.Context, req service.TranslateCodeRequest) (*service.TranslateConceptResults, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := &service.TranslateConceptResults{}
	for _, m := range s.mappings {
		if req.ConceptMapURL != "" && m.conceptMapURL != req.ConceptMapURL {
			continue
		}

		from, to := m.sourceSystem, m.targetSystem
		fromCode, toCode, toDisplay := m.sourceCode, m.targetCode, m.targetDisplay
		if req.Reverse {
			from, to = to, from
			fromCode, toCode, toDisplay = toCode, fromCode, ""
		}

		if fromCode != req.SourceCode {
			continue
		}
		if req.SourceSystem != "" && from != req.SourceSystem {
			continue
		}
		if req.TargetSystem != "" && to != req.TargetSystem {
			continue
		}

		if toDisplay == "" {
			if cs, ok := s.codeSystems[to]; ok {
				toDisplay = cs.codes[toCode].display
			}
		}
		results.Matches = append(results.Matches, service.TranslateConceptMatch{
			System:        to,
			Code:          toCode,
			Display:       toDisplay,
			Equivalence:   m.equivalence,
			ConceptMapURL: m.conceptMapURL,
		})
	}

	results.Result = len(results.Matches) > 0
	if !results.Result {
		results.Message = fmt.Sprintf("No mappings found for %s#%s", req.SourceSystem, req.SourceCode)
	}
	return results, nil
}

// FetchCodeSystem implements service.ResourceFetcher.
// Built-in code systems are returned as synthesized resources.
func (s *InMemoryTerminologyService) FetchCodeSystem(_ context.Context, url string) (*r4.CodeSystem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.codeSystems[stripVersionFromURL(url)]
	if !ok {
		return nil, nil
	}
	if cs.resource != nil {
		return cs.resource, nil
	}

	codes := make([]string, 0, len(cs.codes))
	for code := range cs.codes {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	concepts := make([]r4.CodeSystemConcept, 0, len(codes))
	for _, code := range codes {
		concepts = append(concepts, r4.CodeSystemConcept{
			Code:    service.String(code),
			Display: service.String(cs.codes[code].display),
		})
	}
	return &r4.CodeSystem{Url: service.String(cs.url), Concept: concepts}, nil
}

// FetchValueSet implements service.ResourceFetcher.
// Built-in value sets are returned as synthesized resources.
func (s *InMemoryTerminologyService) FetchValueSet(_ context.Context, url string) (*r4.ValueSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vs, ok := s.valueSets[stripVersionFromURL(url)]
	if !ok {
		return nil, nil
	}
	if vs.resource != nil {
		return vs.resource, nil
	}

	var includes []r4.ValueSetComposeInclude
	for _, system := range sortedKeys(vs.codes) {
		include := r4.ValueSetComposeInclude{System: service.String(system)}
		for _, code := range sortedKeys(vs.codes[system]) {
			include.Concept = append(include.Concept, r4.ValueSetComposeIncludeConcept{
				Code:    service.String(code),
				Display: service.String(vs.codes[system][code].display),
			})
		}
		includes = append(includes, include)
	}
	return &r4.ValueSet{
		Url:     service.String(vs.url),
		Compose: &r4.ValueSetCompose{Include: includes},
	}, nil
}

// FetchResource implements service.ResourceFetcher.
func (s *InMemoryTerminologyService) FetchResource(ctx context.Context, resourceType, url string) (json.RawMessage, error) {
	url = stripVersionFromURL(url)

	s.mu.RLock()
	raw, ok := s.resources[resourceKey(resourceType, url)]
	s.mu.RUnlock()
	if ok {
		return raw, nil
	}

	switch resourceType {
	case "CodeSystem":
		cs, _ := s.FetchCodeSystem(ctx, url)
		if cs != nil {
			return toRaw(resourceType, cs)
		}
	case "ValueSet":
		vs, _ := s.FetchValueSet(ctx, url)
		if vs != nil {
			return toRaw(resourceType, vs)
		}
	}
	return nil, nil
}

// IsCodeSystemSupported implements service.ResourceFetcher.
func (s *InMemoryTerminologyService) IsCodeSystemSupported(_ context.Context, system string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.codeSystems[stripVersionFromURL(system)]
	return ok, nil
}

// FetchAllConformanceResources implements service.ConformanceLister.
// Resources are ordered by type and URL.
func (s *InMemoryTerminologyService) FetchAllConformanceResources(ctx context.Context) ([]json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := sortedKeys(s.resources)
	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.resources[k])
	}
	return out, nil
}

// FetchAllStructureDefinitions implements service.ConformanceLister.
func (s *InMemoryTerminologyService) FetchAllStructureDefinitions(ctx context.Context) ([]json.RawMessage, error) {
	all, err := s.FetchAllConformanceResources(ctx)
	if err != nil {
		return nil, err
	}
	return s.filter.StructureDefinitions(all)
}

// FetchAllNonBaseStructureDefinitions implements service.ConformanceLister.
func (s *InMemoryTerminologyService) FetchAllNonBaseStructureDefinitions(ctx context.Context) ([]json.RawMessage, error) {
	all, err := s.FetchAllConformanceResources(ctx)
	if err != nil {
		return nil, err
	}
	return s.filter.NonBaseStructureDefinitions(all)
}

// InvalidateCaches implements service.Provider. The store is the source of
// truth, so there is nothing to drop.
func (s *InMemoryTerminologyService) InvalidateCaches() {}

// CountValueSets returns the number of loaded ValueSets.
func (s *InMemoryTerminologyService) CountValueSets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.valueSets)
}

// CountCodeSystems returns the number of loaded CodeSystems.
func (s *InMemoryTerminologyService) CountCodeSystems() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.codeSystems)
}

// Helper methods

func newValueSetData(vs *r4.ValueSet) *valueSetData {
	vsData := &valueSetData{
		url:      valueSetURL(vs),
		resource: vs,
		codes:    make(map[string]map[string]codeEntry),
	}

	// Extract codes from expansion (preferred)
	if vs.Expansion != nil {
		for i := range vs.Expansion.Contains {
			extractExpansionContains(&vs.Expansion.Contains[i], vsData)
		}
		vsData.expanded = true
	}

	// Extract codes and filters from compose if no expansion
	if vs.Compose != nil && !vsData.expanded {
		extractComposeCodesAndFilters(vs.Compose, vsData)
	}
	if len(vsData.filters) == 0 {
		vsData.expanded = true
	}
	return vsData
}

func extractExpansionContains(contains *r4.ValueSetExpansionContains, vsData *valueSetData) {
	if contains.Code != nil && contains.System != nil {
		system := *contains.System
		if vsData.codes[system] == nil {
			vsData.codes[system] = make(map[string]codeEntry)
		}

		vsData.codes[system][*contains.Code] = codeEntry{
			code:    *contains.Code,
			display: service.Deref(contains.Display),
			system:  system,
		}
	}

	// Recurse into nested contains
	for i := range contains.Contains {
		extractExpansionContains(&contains.Contains[i], vsData)
	}
}

func extractComposeCodesAndFilters(compose *r4.ValueSetCompose, vsData *valueSetData) {
	for i := range compose.Include {
		include := &compose.Include[i]
		if include.System == nil {
			continue
		}

		system := *include.System
		if vsData.codes[system] == nil {
			vsData.codes[system] = make(map[string]codeEntry)
		}

		for j := range include.Concept {
			concept := &include.Concept[j]
			if concept.Code == nil {
				continue
			}
			vsData.codes[system][*concept.Code] = codeEntry{
				code:    *concept.Code,
				display: service.Deref(concept.Display),
				system:  system,
			}
		}

		for _, filter := range include.Filter {
			if filter.Property == nil || filter.Op == nil || filter.Value == nil {
				continue
			}
			vsData.filters = append(vsData.filters, pendingFilter{
				system:   system,
				property: *filter.Property,
				op:       string(*filter.Op),
				value:    *filter.Value,
			})
		}

		// No concepts and no filters means the whole CodeSystem
		if len(include.Concept) == 0 && len(include.Filter) == 0 {
			vsData.filters = append(vsData.filters, pendingFilter{
				system: system,
				op:     "include-all",
			})
		}
	}
}

// ensureValueSetExpanded reports whether the ValueSet is loaded, expanding
// its pending filters first if needed. Uses double-checked locking.
func (s *InMemoryTerminologyService) ensureValueSetExpanded(valueSetURL string) bool {
	s.mu.RLock()
	vs, ok := s.valueSets[valueSetURL]
	if !ok {
		s.mu.RUnlock()
		return false
	}
	if vs.expanded {
		s.mu.RUnlock()
		return true
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	vs, ok = s.valueSets[valueSetURL]
	if !ok {
		return false
	}
	if !vs.expanded {
		s.expandFilters(vs)
	}
	return true
}

// expandFilters resolves pending filters against loaded CodeSystems.
// Must be called with mu held (read or write) and vs not shared, or with
// the write lock when vs is stored in s.valueSets.
func (s *InMemoryTerminologyService) expandFilters(vs *valueSetData) {
	for _, filter := range vs.filters {
		cs, ok := s.codeSystems[filter.system]
		if !ok {
			continue // CodeSystem not loaded, skip this filter
		}

		if vs.codes[filter.system] == nil {
			vs.codes[filter.system] = make(map[string]codeEntry)
		}
		target := vs.codes[filter.system]

		switch {
		case filter.op == "include-all":
			for code, entry := range cs.codes {
				target[code] = entry
			}

		case filter.property == "concept" && (filter.op == "descendent-of" || filter.op == "is-a"):
			for _, code := range collectDescendants(cs, filter.value, filter.op == "is-a") {
				if entry, ok := cs.codes[code]; ok {
					target[code] = entry
				}
			}

		case filter.property == "code" && filter.op == "regex":
			re, err := regexp.Compile(filter.value)
			if err != nil {
				continue // Invalid regex, skip
			}
			for code, entry := range cs.codes {
				if re.MatchString(code) {
					target[code] = entry
				}
			}

		case filter.property == "code" && filter.op == "=":
			if entry, ok := cs.codes[filter.value]; ok {
				target[filter.value] = entry
			}
		}
	}
	vs.expanded = true
}

// collectDescendants collects all descendants of a code in a CodeSystem.
// If includeSelf is true, includes the starting code itself.
func collectDescendants(cs *codeSystemData, startCode string, includeSelf bool) []string {
	var result []string
	visited := make(map[string]bool)

	var collect func(code string)
	collect = func(code string) {
		if visited[code] {
			return
		}
		visited[code] = true

		// Abstract codes start with '_' by convention
		if (includeSelf || code != startCode) && (code == "" || code[0] != '_') {
			result = append(result, code)
		}

		for _, child := range cs.children[code] {
			collect(child)
		}
	}

	collect(startCode)
	return result
}

func extractCodeSystemCodes(concepts []r4.CodeSystemConcept, csData *codeSystemData) {
	extractConcepts(concepts, "", csData)
}

func extractConcepts(concepts []r4.CodeSystemConcept, parent string, csData *codeSystemData) {
	for i := range concepts {
		concept := &concepts[i]
		if concept.Code == nil {
			continue
		}

		code := *concept.Code
		entry := codeEntry{
			code:    code,
			display: service.Deref(concept.Display),
			system:  csData.url,
		}

		for _, prop := range concept.Property {
			if prop.Code == nil || prop.ValueCode == nil {
				continue
			}
			if *prop.Code == "subsumedBy" || *prop.Code == "parent" {
				csData.parents[code] = append(csData.parents[code], *prop.ValueCode)
				continue
			}
			entry.properties = append(entry.properties, service.CodingProperty{
				Name:   *prop.Code,
				System: csData.url,
				Code:   *prop.ValueCode,
			})
		}
		csData.codes[code] = entry

		// Structural hierarchy: nested concepts are children
		if parent != "" {
			csData.parents[code] = append(csData.parents[code], parent)
		}
		if len(concept.Concept) > 0 {
			extractConcepts(concept.Concept, code, csData)
		}
	}
}

func validateInValueSet(vs *valueSetData, system, code string, display *string, opts service.ValidationOptions) *service.CodeValidationResult {
	if system != "" {
		if entry, ok := vs.codes[stripVersionFromURL(system)][code]; ok {
			return matched(entry, display)
		}
	} else {
		// No system: accept a unique match across systems
		for _, systemCodes := range vs.codes {
			if entry, ok := systemCodes[code]; ok {
				return matched(entry, display)
			}
		}
		if !opts.InferSystem {
			return &service.CodeValidationResult{
				Code:     code,
				Severity: service.SeverityError,
				Message:  fmt.Sprintf("No system specified for code '%s'", code),
			}
		}
	}

	return &service.CodeValidationResult{
		Code:     code,
		Severity: service.SeverityError,
		Message:  fmt.Sprintf("Unknown code '%s#%s' for ValueSet '%s'", system, code, vs.url),
	}
}

// matched builds the result for a known code, warning on a display mismatch.
func matched(entry codeEntry, display *string) *service.CodeValidationResult {
	result := &service.CodeValidationResult{
		Code:     entry.code,
		Display:  entry.display,
		Severity: service.SeverityOK,
	}
	if display != nil && *display != "" && entry.display != "" && !strings.EqualFold(*display, entry.display) {
		result.Severity = service.SeverityWarning
		result.Message = fmt.Sprintf("Concept Display \"%s\" does not match expected \"%s\"", *display, entry.display)
	}
	return result
}

func collectEntries(vs *valueSetData, filter string) []codeEntry {
	filter = strings.ToLower(filter)
	var entries []codeEntry
	for _, system := range sortedKeys(vs.codes) {
		for _, code := range sortedKeys(vs.codes[system]) {
			e := vs.codes[system][code]
			if filter != "" &&
				!strings.Contains(strings.ToLower(e.code), filter) &&
				!strings.Contains(strings.ToLower(e.display), filter) {
				continue
			}
			entries = append(entries, e)
		}
	}
	return entries
}

func page(entries []codeEntry, offset, count int) []codeEntry {
	if offset > 0 {
		if offset >= len(entries) {
			return nil
		}
		entries = entries[offset:]
	}
	if count > 0 && count < len(entries) {
		entries = entries[:count]
	}
	return entries
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func resourceKey(resourceType, url string) string {
	return resourceType + "|" + url
}

// toRaw encodes a resource and makes sure resourceType is set.
func toRaw(resourceType string, v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m["resourceType"] = resourceType
	return json.Marshal(m)
}

// codeSystemProbe reads the CodeSystem fields the typed model is not
// consulted for.
type codeSystemProbe struct {
	Name    string         `json:"name"`
	Title   string         `json:"title"`
	Version string         `json:"version"`
	Concept []conceptProbe `json:"concept"`
}

type conceptProbe struct {
	Code     string `json:"code"`
	Property []struct {
		Code        string `json:"code"`
		ValueString string `json:"valueString"`
	} `json:"property"`
	Concept []conceptProbe `json:"concept"`
}

func (p codeSystemProbe) applyProperties(csData *codeSystemData) {
	var walk func([]conceptProbe)
	walk = func(concepts []conceptProbe) {
		for _, c := range concepts {
			entry, ok := csData.codes[c.Code]
			if ok {
				for _, prop := range c.Property {
					if prop.ValueString == "" {
						continue
					}
					entry.properties = append(entry.properties, service.StringProperty{
						Name:  prop.Code,
						Value: prop.ValueString,
					})
				}
				csData.codes[c.Code] = entry
			}
			walk(c.Concept)
		}
	}
	walk(p.Concept)
}

var _ service.Provider = (*InMemoryTerminologyService)(nil)

// stripVersionFromURL removes the version suffix from a canonical URL.
// FHIR uses the format "url|version" (e.g., "http://hl7.org/fhir/ValueSet/request-status|4.0.1")
func stripVersionFromURL(url string) string {
	if idx := strings.LastIndex(url, "|"); idx != -1 {
		return url[:idx]
	}
	return url
}
