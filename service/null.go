package service

import (
	"context"
	"encoding/json"

	"github.com/gofhir/fhir/r4"
)

// NullProvider answers every operation with no value.
// Embed it to implement only part of Provider.
type NullProvider struct{}

// ValidateCode returns no result.
func (NullProvider) ValidateCode(context.Context, ValidationOptions, string, string, *string, string) (*CodeValidationResult, error) {
	return nil, nil
}

// ValidateCodeInValueSet returns no result.
func (NullProvider) ValidateCodeInValueSet(context.Context, ValidationOptions, string, string, *string, *r4.ValueSet) (*CodeValidationResult, error) {
	return nil, nil
}

// LookupCode returns no result.
func (NullProvider) LookupCode(context.Context, string, string, string) (*LookupCodeResult, error) {
	return nil, nil
}

// ExpandValueSet returns no result.
func (NullProvider) ExpandValueSet(context.Context, *ExpansionOptions, *r4.ValueSet) (*ValueSetExpansionOutcome, error) {
	return nil, nil
}

// TranslateConcept returns no result.
func (NullProvider) TranslateConcept(context.Context, TranslateCodeRequest) (*TranslateConceptResults, error) {
	return nil, nil
}

// FetchCodeSystem returns no result.
func (NullProvider) FetchCodeSystem(context.Context, string) (*r4.CodeSystem, error) {
	return nil, nil
}

// FetchValueSet returns no result.
func (NullProvider) FetchValueSet(context.Context, string) (*r4.ValueSet, error) {
	return nil, nil
}

// FetchResource returns no result.
func (NullProvider) FetchResource(context.Context, string, string) (json.RawMessage, error) {
	return nil, nil
}

// IsCodeSystemSupported returns false.
func (NullProvider) IsCodeSystemSupported(context.Context, string) (bool, error) {
	return false, nil
}

// FetchAllConformanceResources returns no resources.
func (NullProvider) FetchAllConformanceResources(context.Context) ([]json.RawMessage, error) {
	return nil, nil
}

// FetchAllStructureDefinitions returns no resources.
func (NullProvider) FetchAllStructureDefinitions(context.Context) ([]json.RawMessage, error) {
	return nil, nil
}

// FetchAllNonBaseStructureDefinitions returns no resources.
func (NullProvider) FetchAllNonBaseStructureDefinitions(context.Context) ([]json.RawMessage, error) {
	return nil, nil
}

// InvalidateCaches does nothing.
func (NullProvider) InvalidateCaches() {}

var _ Provider = NullProvider{}
