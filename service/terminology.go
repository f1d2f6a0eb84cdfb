package service

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/gofhir/fhir/r4"
)

// Severity is the outcome level of a code validation.
type Severity int

// Validation severities.
const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the FHIR issue-severity code for s.
func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "information"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// CodeValidationResult holds the result of validating a code.
// A nil *CodeValidationResult means the provider had no answer.
type CodeValidationResult struct {
	Code     string
	Display  string
	Severity Severity
	Message  string
}

// OK reports whether the result carries no issue.
func (r *CodeValidationResult) OK() bool {
	return r != nil && r.Severity == SeverityOK
}

// ConceptProperty is a property returned by a code lookup.
// It is either a StringProperty or a CodingProperty.
type ConceptProperty interface {
	PropertyName() string
}

// StringProperty is a string-valued concept property.
type StringProperty struct {
	Name  string
	Value string
}

// PropertyName implements ConceptProperty.
func (p StringProperty) PropertyName() string { return p.Name }

// CodingProperty is a coded concept property.
type CodingProperty struct {
	Name    string
	System  string
	Code    string
	Display string
}

// PropertyName implements ConceptProperty.
func (p CodingProperty) PropertyName() string { return p.Name }

// LookupCodeResult holds the result of a code lookup.
type LookupCodeResult struct {
	Found                 bool
	CodeDisplay           string
	CodeSystemDisplayName string
	CodeSystemVersion     string
	SearchedForCode       string
	SearchedForSystem     string
	Properties            []ConceptProperty

	// RawResponse is the payload the result was parsed from, if any.
	RawResponse json.RawMessage
}

// ValueSetExpansionOutcome holds the result of a ValueSet expansion.
type ValueSetExpansionOutcome struct {
	ValueSet *r4.ValueSet
	Error    string
}

// ExpansionOptions controls ValueSet expansion.
type ExpansionOptions struct {
	IncludeHierarchy bool
	Filter           string
	Offset           int
	Count            int
}

// ValidationOptions controls code validation.
type ValidationOptions struct {
	// InferSystem asks the provider to work out the code system itself.
	InferSystem bool
}

// String renders the options for use in cache keys.
func (o ValidationOptions) String() string {
	return "inferSystem=" + strconv.FormatBool(o.InferSystem)
}

// TranslateCodeRequest describes a concept translation.
// It is comparable and is used directly as a map key.
type TranslateCodeRequest struct {
	SourceSystem      string
	SourceCode        string
	TargetSystem      string
	ConceptMapURL     string
	TargetValueSetURL string
	Reverse           bool
}

// TranslateConceptMatch is a single translation candidate.
type TranslateConceptMatch struct {
	System        string
	Code          string
	Display       string
	Equivalence   string
	ConceptMapURL string
}

// TranslateConceptResults holds the result of a translation.
type TranslateConceptResults struct {
	Result  bool
	Message string
	Matches []TranslateConceptMatch
}

// --- Small Interfaces ---

// CodeValidator validates codes against code systems and value sets.
type CodeValidator interface {
	ValidateCode(ctx context.Context, opts ValidationOptions, system, code string, display *string, valueSetURL string) (*CodeValidationResult, error)
	ValidateCodeInValueSet(ctx context.Context, opts ValidationOptions, system, code string, display *string, vs *r4.ValueSet) (*CodeValidationResult, error)
}

// CodeLookup looks up code information.
type CodeLookup interface {
	LookupCode(ctx context.Context, system, code, displayLanguage string) (*LookupCodeResult, error)
}

// ValueSetExpander expands ValueSets.
type ValueSetExpander interface {
	ExpandValueSet(ctx context.Context, opts *ExpansionOptions, vs *r4.ValueSet) (*ValueSetExpansionOutcome, error)
}

// ConceptTranslator translates concepts between code systems.
type ConceptTranslator interface {
	TranslateConcept(ctx context.Context, req TranslateCodeRequest) (*TranslateConceptResults, error)
}

// ResourceFetcher fetches terminology and conformance resources.
type ResourceFetcher interface {
	FetchCodeSystem(ctx context.Context, url string) (*r4.CodeSystem, error)
	FetchValueSet(ctx context.Context, url string) (*r4.ValueSet, error)
	FetchResource(ctx context.Context, resourceType, url string) (json.RawMessage, error)
	IsCodeSystemSupported(ctx context.Context, system string) (bool, error)
}

// ConformanceLister lists conformance resources.
type ConformanceLister interface {
	FetchAllConformanceResources(ctx context.Context) ([]json.RawMessage, error)
	FetchAllStructureDefinitions(ctx context.Context) ([]json.RawMessage, error)
	FetchAllNonBaseStructureDefinitions(ctx context.Context) ([]json.RawMessage, error)
}

// Provider is the full terminology capability set. Every layer
// (local store, remote client, router, cache) implements it so they
// can be stacked freely.
type Provider interface {
	CodeValidator
	CodeLookup
	ValueSetExpander
	ConceptTranslator
	ResourceFetcher
	ConformanceLister

	// InvalidateCaches drops any cached state held by the provider.
	InvalidateCaches()
}

// String returns a pointer to s. It is a convenience for optional arguments.
func String(s string) *string {
	return &s
}

// Deref returns *s, or "" when s is nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
