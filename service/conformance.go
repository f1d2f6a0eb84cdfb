package service

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"
)

// FHIRPath predicates used to classify conformance resources.
const (
	StructureDefinitionExpr = "resourceType = 'StructureDefinition'"
	NonBaseProfileExpr      = "url.startsWith('http://hl7.org/fhir/StructureDefinition/').not()"
)

// ConformanceFilter selects raw conformance resources with FHIRPath
// predicates. Compiled expressions are cached and the filter is safe for
// concurrent use.
type ConformanceFilter struct {
	mu    sync.RWMutex
	cache map[string]*fhirpath.Expression
}

// NewConformanceFilter creates a new filter.
func NewConformanceFilter() *ConformanceFilter {
	return &ConformanceFilter{
		cache: make(map[string]*fhirpath.Expression),
	}
}

// Filter returns the resources for which every expression is true.
// Resources the expressions cannot be evaluated against are skipped.
func (f *ConformanceFilter) Filter(resources []json.RawMessage, expressions ...string) ([]json.RawMessage, error) {
	compiled := make([]*fhirpath.Expression, 0, len(expressions))
	for _, expr := range expressions {
		c, err := f.getOrCompile(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile FHIRPath expression '%s': %w", expr, err)
		}
		compiled = append(compiled, c)
	}

	out := make([]json.RawMessage, 0, len(resources))
	for _, res := range resources {
		keep := true
		for _, c := range compiled {
			result, err := c.Evaluate(res)
			if err != nil || !toBool(result) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, res)
		}
	}
	return out, nil
}

// StructureDefinitions returns the StructureDefinitions in resources.
func (f *ConformanceFilter) StructureDefinitions(resources []json.RawMessage) ([]json.RawMessage, error) {
	return f.Filter(resources, StructureDefinitionExpr)
}

// NonBaseStructureDefinitions returns the StructureDefinitions that are not
// part of the core FHIR specification.
func (f *ConformanceFilter) NonBaseStructureDefinitions(resources []json.RawMessage) ([]json.RawMessage, error) {
	return f.Filter(resources, StructureDefinitionExpr, NonBaseProfileExpr)
}

func (f *ConformanceFilter) getOrCompile(expression string) (*fhirpath.Expression, error) {
	f.mu.RLock()
	compiled, ok := f.cache[expression]
	f.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := fhirpath.Compile(expression)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[expression] = compiled
	f.mu.Unlock()
	return compiled, nil
}

// toBool applies FHIRPath truthiness: empty is false, a single boolean is
// its value, anything else is true.
func toBool(result types.Collection) bool {
	if len(result) == 0 {
		return false
	}
	if len(result) == 1 {
		if b, ok := result[0].(types.Boolean); ok {
			return b.Bool()
		}
	}
	return true
}
