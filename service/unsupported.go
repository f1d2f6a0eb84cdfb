package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofhir/fhir/r4"
)

// UnsupportedCodeSystemProvider is the last link of a ProviderChain.
// It turns "nobody knows this code system" into a warning instead of an
// error so that validation can carry on with reduced confidence.
type UnsupportedCodeSystemProvider struct {
	NullProvider
}

// NewUnsupportedCodeSystemProvider creates the fallback provider.
func NewUnsupportedCodeSystemProvider() *UnsupportedCodeSystemProvider {
	return &UnsupportedCodeSystemProvider{}
}

// ValidateCode returns a warning naming the unsupported system.
func (p *UnsupportedCodeSystemProvider) ValidateCode(_ context.Context, _ ValidationOptions, system, code string, _ *string, _ string) (*CodeValidationResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	return unsupported(system, code), nil
}

// ValidateCodeInValueSet returns a warning naming the unsupported system.
func (p *UnsupportedCodeSystemProvider) ValidateCodeInValueSet(_ context.Context, _ ValidationOptions, system, code string, _ *string, _ *r4.ValueSet) (*CodeValidationResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	return unsupported(system, code), nil
}

// LookupCode reports the code as not found. A blank code has no answer.
func (p *UnsupportedCodeSystemProvider) LookupCode(_ context.Context, system, code, _ string) (*LookupCodeResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	return &LookupCodeResult{
		Found:             false,
		SearchedForCode:   code,
		SearchedForSystem: system,
	}, nil
}

// IsCodeSystemSupported claims every system so the chain never errors on
// an unknown one.
func (p *UnsupportedCodeSystemProvider) IsCodeSystemSupported(context.Context, string) (bool, error) {
	return true, nil
}

func unsupported(system, code string) *CodeValidationResult {
	return &CodeValidationResult{
		Code:     code,
		Severity: SeverityWarning,
		Message:  strings.TrimSpace("Unsupported code system " + system),
	}
}

// Unvalidated is the result for a code that could not be checked because
// no remote terminology server is configured.
func Unvalidated(system, code string) *CodeValidationResult {
	msg := "Unable to validate terminology codes"
	if system != "" {
		msg = fmt.Sprintf("Unable to validate terminology codes for CodeSystem %s", system)
	}
	return &CodeValidationResult{
		Code:     code,
		Severity: SeverityWarning,
		Message:  msg,
	}
}

var _ Provider = (*UnsupportedCodeSystemProvider)(nil)
