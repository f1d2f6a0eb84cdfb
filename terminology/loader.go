package terminology

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/gofhir/fhir/r4"
)

// LoadStats contains statistics about terminology loading.
type LoadStats struct {
	CodeSystemsLoaded int64
	ValueSetsLoaded   int64
	ConceptMapsLoaded int64
	OtherLoaded       int64
	Errors            int64
}

func (s *LoadStats) add(o *LoadStats) {
	if o == nil {
		return
	}
	atomic.AddInt64(&s.CodeSystemsLoaded, o.CodeSystemsLoaded)
	atomic.AddInt64(&s.ValueSetsLoaded, o.ValueSetsLoaded)
	atomic.AddInt64(&s.ConceptMapsLoaded, o.ConceptMapsLoaded)
	atomic.AddInt64(&s.OtherLoaded, o.OtherLoaded)
	atomic.AddInt64(&s.Errors, o.Errors)
}

// LoadFromJSON loads a single resource or a Bundle of resources.
// CodeSystems, ValueSets and ConceptMaps are indexed; any other resource
// with a url is kept as a conformance resource.
func (s *InMemoryTerminologyService) LoadFromJSON(data []byte) (*LoadStats, error) {
	stats := &LoadStats{}

	// Detect resource type
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch probe.ResourceType {
	case "":
		return nil, fmt.Errorf("missing resourceType")

	case "Bundle":
		// CodeSystems first so that ValueSet filters can expand against them
		csLoaded, csErrors := loadResourcesFromBundle(data, "CodeSystem", s.loadCodeSystem)
		stats.CodeSystemsLoaded += csLoaded
		stats.Errors += csErrors

		vsLoaded, vsErrors := loadResourcesFromBundle(data, "ValueSet", s.loadValueSet)
		stats.ValueSetsLoaded += vsLoaded
		stats.Errors += vsErrors

		cmLoaded, cmErrors := loadResourcesFromBundle(data, "ConceptMap", s.loadConceptMap)
		stats.ConceptMapsLoaded += cmLoaded
		stats.Errors += cmErrors

		otherLoaded, otherErrors := loadResourcesFromBundle(data, "", s.AddResource)
		stats.OtherLoaded += otherLoaded
		stats.Errors += otherErrors

	case "CodeSystem":
		if err := s.loadCodeSystem(data); err != nil {
			stats.Errors++
			return stats, err
		}
		stats.CodeSystemsLoaded++

	case "ValueSet":
		if err := s.loadValueSet(data); err != nil {
			stats.Errors++
			return stats, err
		}
		stats.ValueSetsLoaded++

	case "ConceptMap":
		if err := s.loadConceptMap(data); err != nil {
			stats.Errors++
			return stats, err
		}
		stats.ConceptMapsLoaded++

	default:
		if err := s.AddResource(data); err != nil {
			stats.Errors++
			return stats, err
		}
		stats.OtherLoaded++
	}

	return stats, nil
}

// LoadResources loads resources in order, typically the contents of a
// FHIR package. Failures are counted in Errors and skipped.
func (s *InMemoryTerminologyService) LoadResources(resources []json.RawMessage) *LoadStats {
	total := &LoadStats{}
	for _, raw := range resources {
		stats, err := s.LoadFromJSON(raw)
		if err != nil && stats == nil {
			total.Errors++
			continue
		}
		total.add(stats)
	}
	return total
}

// LoadFromFile loads one JSON file.
func (s *InMemoryTerminologyService) LoadFromFile(filePath string) (*LoadStats, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	return s.LoadFromJSON(data)
}

// LoadFromDirectory loads terminology from a directory, typically an
// unpacked IG package.
func (s *InMemoryTerminologyService) LoadFromDirectory(dirPath string) (*LoadStats, error) {
	info, err := os.Stat(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to access directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dirPath)
	}
	return s.LoadFromFS(os.DirFS(dirPath), ".")
}

// LoadFromFS loads every JSON file in dir of fsys.
// CodeSystems are loaded before ValueSets to ensure filter expansion works.
// Files that fail to load are counted in Errors and skipped.
func (s *InMemoryTerminologyService) LoadFromFS(fsys fs.FS, dir string) (*LoadStats, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	// Separate files by type for ordered loading
	var codeSystems, valueSets, others []string

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		// Skip package metadata files
		if name == "package.json" || name == ".index.json" {
			continue
		}

		filePath := path.Join(dir, name)

		// Categorize by filename prefix (FHIR packages use consistent naming)
		switch {
		case strings.HasPrefix(name, "CodeSystem-"):
			codeSystems = append(codeSystems, filePath)
		case strings.HasPrefix(name, "ValueSet-"):
			valueSets = append(valueSets, filePath)
		default:
			others = append(others, filePath)
		}
	}

	stats := &LoadStats{}
	for _, group := range [][]string{codeSystems, valueSets, others} {
		sort.Strings(group)
		for _, filePath := range group {
			data, err := fs.ReadFile(fsys, filePath)
			if err != nil {
				atomic.AddInt64(&stats.Errors, 1)
				continue
			}

			loaded, err := s.LoadFromJSON(data)
			if err != nil {
				atomic.AddInt64(&stats.Errors, 1)
				continue
			}
			stats.add(loaded)
		}
	}

	return stats, nil
}

func (s *InMemoryTerminologyService) loadCodeSystem(raw json.RawMessage) error {
	var cs r4.CodeSystem
	if err := json.Unmarshal(raw, &cs); err != nil {
		return fmt.Errorf("failed to parse CodeSystem: %w", err)
	}
	return s.LoadR4CodeSystem(&cs)
}

func (s *InMemoryTerminologyService) loadValueSet(raw json.RawMessage) error {
	var vs r4.ValueSet
	if err := json.Unmarshal(raw, &vs); err != nil {
		return fmt.Errorf("failed to parse ValueSet: %w", err)
	}
	return s.LoadR4ValueSet(&vs)
}

// conceptMapProbe holds the parts of a ConceptMap used for translation.
type conceptMapProbe struct {
	URL   string `json:"url"`
	Group []struct {
		Source  string `json:"source"`
		Target  string `json:"target"`
		Element []struct {
			Code   string `json:"code"`
			Target []struct {
				Code        string `json:"code"`
				Display     string `json:"display"`
				Equivalence string `json:"equivalence"`
			} `json:"target"`
		} `json:"element"`
	} `json:"group"`
}

func (s *InMemoryTerminologyService) loadConceptMap(raw json.RawMessage) error {
	var cm conceptMapProbe
	if err := json.Unmarshal(raw, &cm); err != nil {
		return fmt.Errorf("failed to parse ConceptMap: %w", err)
	}
	if cm.URL == "" {
		return fmt.Errorf("conceptmap has no URL")
	}

	for _, g := range cm.Group {
		for _, e := range g.Element {
			for _, t := range e.Target {
				s.AddConceptMapping(cm.URL, g.Source, e.Code, g.Target, t.Code, t.Display, t.Equivalence)
			}
		}
	}
	return s.AddResource(raw)
}

// bundleEntry represents an entry in a FHIR Bundle.
type bundleEntry struct {
	Resource json.RawMessage `json:"resource"`
}

// bundle represents a minimal FHIR Bundle structure.
type bundle struct {
	ResourceType string        `json:"resourceType"`
	Entry        []bundleEntry `json:"entry"`
}

// resourceLoader is a function type for loading a specific resource type.
type resourceLoader func(data json.RawMessage) error

// indexedTypes are loaded by their own loaders and skipped by the
// catch-all pass.
var indexedTypes = map[string]bool{
	"CodeSystem": true,
	"ValueSet":   true,
	"ConceptMap": true,
}

// loadResourcesFromBundle loads the entries of targetType from a Bundle JSON.
// An empty targetType selects every entry that no typed loader handles.
func loadResourcesFromBundle(data []byte, targetType string, loader resourceLoader) (loaded, errors int64) {
	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return 0, 1
	}

	if b.ResourceType != "Bundle" {
		return 0, 1
	}

	for _, entry := range b.Entry {
		if entry.Resource == nil {
			continue
		}

		var probe struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(entry.Resource, &probe); err != nil {
			continue
		}

		if targetType == "" {
			if indexedTypes[probe.ResourceType] {
				continue
			}
		} else if probe.ResourceType != targetType {
			continue
		}

		if err := loader(entry.Resource); err != nil {
			errors++
			continue
		}
		loaded++
	}

	return loaded, errors
}
