package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofhir/fhir/r4"
)

// ErrNotFound is returned when a resource cannot be found.
var ErrNotFound = errors.New("resource not found")

// ErrProtocol is returned when a remote terminology server breaks the
// operation contract. It is not recoverable by retrying.
var ErrProtocol = errors.New("terminology protocol violation")

// ProviderChain implements Provider by asking multiple providers in order.
// The first non-empty answer wins. Errors stop the chain.
type ProviderChain struct {
	providers []Provider
}

// NewProviderChain creates a new provider chain.
func NewProviderChain(providers ...Provider) *ProviderChain {
	return &ProviderChain{providers: providers}
}

// Add appends a provider to the chain.
func (c *ProviderChain) Add(p Provider) {
	c.providers = append(c.providers, p)
}

// ValidateCode tries each provider until one answers.
func (c *ProviderChain) ValidateCode(ctx context.Context, opts ValidationOptions, system, code string, display *string, valueSetURL string) (*CodeValidationResult, error) {
	for _, p := range c.providers {
		result, err := p.ValidateCode(ctx, opts, system, code, display, valueSetURL)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}

// ValidateCodeInValueSet tries each provider until one answers.
func (c *ProviderChain) ValidateCodeInValueSet(ctx context.Context, opts ValidationOptions, system, code string, display *string, vs *r4.ValueSet) (*CodeValidationResult, error) {
	for _, p := range c.providers {
		result, err := p.ValidateCodeInValueSet(ctx, opts, system, code, display, vs)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}

// LookupCode returns the first lookup that found the code.
func (c *ProviderChain) LookupCode(ctx context.Context, system, code, displayLanguage string) (*LookupCodeResult, error) {
	var last *LookupCodeResult
	for _, p := range c.providers {
		result, err := p.LookupCode(ctx, system, code, displayLanguage)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Found {
			return result, nil
		}
		if result != nil {
			last = result
		}
	}
	return last, nil
}

// ExpandValueSet returns the first successful expansion.
func (c *ProviderChain) ExpandValueSet(ctx context.Context, opts *ExpansionOptions, vs *r4.ValueSet) (*ValueSetExpansionOutcome, error) {
	for _, p := range c.providers {
		outcome, err := p.ExpandValueSet(ctx, opts, vs)
		if err != nil {
			return nil, err
		}
		if outcome != nil && outcome.ValueSet != nil {
			return outcome, nil
		}
	}
	return nil, nil
}

// TranslateConcept returns the first translation with matches.
func (c *ProviderChain) TranslateConcept(ctx context.Context, req TranslateCodeRequest) (*TranslateConceptResults, error) {
	for _, p := range c.providers {
		result, err := p.TranslateConcept(ctx, req)
		if err != nil {
			return nil, err
		}
		if result != nil && len(result.Matches) > 0 {
			return result, nil
		}
	}
	return nil, nil
}

// FetchCodeSystem tries each provider until one has the CodeSystem.
func (c *ProviderChain) FetchCodeSystem(ctx context.Context, url string) (*r4.CodeSystem, error) {
	for _, p := range c.providers {
		cs, err := p.FetchCodeSystem(ctx, url)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if cs != nil {
			return cs, nil
		}
	}
	return nil, nil
}

// FetchValueSet tries each provider until one has the ValueSet.
func (c *ProviderChain) FetchValueSet(ctx context.Context, url string) (*r4.ValueSet, error) {
	for _, p := range c.providers {
		vs, err := p.FetchValueSet(ctx, url)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if vs != nil {
			return vs, nil
		}
	}
	return nil, nil
}

// FetchResource tries each provider until one has the resource.
func (c *ProviderChain) FetchResource(ctx context.Context, resourceType, url string) (json.RawMessage, error) {
	for _, p := range c.providers {
		res, err := p.FetchResource(ctx, resourceType, url)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

// IsCodeSystemSupported reports whether any provider supports system.
func (c *ProviderChain) IsCodeSystemSupported(ctx context.Context, system string) (bool, error) {
	for _, p := range c.providers {
		ok, err := p.IsCodeSystemSupported(ctx, system)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// FetchAllConformanceResources concatenates every provider's resources.
func (c *ProviderChain) FetchAllConformanceResources(ctx context.Context) ([]json.RawMessage, error) {
	return c.collect(ctx, func(p Provider) ([]json.RawMessage, error) {
		return p.FetchAllConformanceResources(ctx)
	})
}

// FetchAllStructureDefinitions concatenates every provider's StructureDefinitions.
func (c *ProviderChain) FetchAllStructureDefinitions(ctx context.Context) ([]json.RawMessage, error) {
	return c.collect(ctx, func(p Provider) ([]json.RawMessage, error) {
		return p.FetchAllStructureDefinitions(ctx)
	})
}

// FetchAllNonBaseStructureDefinitions concatenates every provider's
// non-base StructureDefinitions.
func (c *ProviderChain) FetchAllNonBaseStructureDefinitions(ctx context.Context) ([]json.RawMessage, error) {
	return c.collect(ctx, func(p Provider) ([]json.RawMessage, error) {
		return p.FetchAllNonBaseStructureDefinitions(ctx)
	})
}

func (c *ProviderChain) collect(ctx context.Context, fn func(Provider) ([]json.RawMessage, error)) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for _, p := range c.providers {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		res, err := fn(p)
		if err != nil {
			return nil, err
		}
		all = append(all, res...)
	}
	return all, nil
}

// InvalidateCaches forwards to every provider in the chain.
func (c *ProviderChain) InvalidateCaches() {
	for _, p := range c.providers {
		p.InvalidateCaches()
	}
}

var _ Provider = (*ProviderChain)(nil)
