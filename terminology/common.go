package terminology

// UCUM is the system for units of measure, including units of time.
const UCUM = "http://unitsofmeasure.org"

// UnitsOfTimeValueSet binds calendar units of time to UCUM codes.
const UnitsOfTimeValueSet = "http://hl7.org/fhir/ValueSet/units-of-time"

// loadCommonCodeSystems loads a small set of FHIR code systems that most
// resources bind to, so that a local-only setup can answer for them.
func (s *InMemoryTerminologyService) loadCommonCodeSystems() {
	s.addCodeSystem("http://hl7.org/fhir/administrative-gender", map[string]string{
		"male":    "Male",
		"female":  "Female",
		"other":   "Other",
		"unknown": "Unknown",
	})

	s.addCodeSystem("http://terminology.hl7.org/CodeSystem/v2-0136", map[string]string{
		"Y": "Yes",
		"N": "No",
	})

	s.addCodeSystem("http://hl7.org/fhir/contact-point-system", map[string]string{
		"phone": "Phone",
		"fax":   "Fax",
		"email": "Email",
		"pager": "Pager",
		"url":   "URL",
		"sms":   "SMS",
		"other": "Other",
	})

	s.addCodeSystem("http://hl7.org/fhir/name-use", map[string]string{
		"usual":     "Usual",
		"official":  "Official",
		"temp":      "Temp",
		"nickname":  "Nickname",
		"anonymous": "Anonymous",
		"old":       "Old",
		"maiden":    "Name changed for Marriage",
	})

	s.addCodeSystem("http://hl7.org/fhir/identifier-use", map[string]string{
		"usual":     "Usual",
		"official":  "Official",
		"temp":      "Temp",
		"secondary": "Secondary",
		"old":       "Old",
	})

	s.addCodeSystem("http://hl7.org/fhir/publication-status", map[string]string{
		"draft":   "Draft",
		"active":  "Active",
		"retired": "Retired",
		"unknown": "Unknown",
	})

	s.addCodeSystem("http://hl7.org/fhir/observation-status", map[string]string{
		"registered":       "Registered",
		"preliminary":      "Preliminary",
		"final":            "Final",
		"amended":          "Amended",
		"corrected":        "Corrected",
		"cancelled":        "Cancelled",
		"entered-in-error": "Entered in Error",
		"unknown":          "Unknown",
	})

	s.addCodeSystem("http://hl7.org/fhir/bundle-type", map[string]string{
		"document":             "Document",
		"message":              "Message",
		"transaction":          "Transaction",
		"transaction-response": "Transaction Response",
		"batch":                "Batch",
		"batch-response":       "Batch Response",
		"history":              "History List",
		"searchset":            "Search Results",
		"collection":           "Collection",
	})

	s.addCodeSystem("http://hl7.org/fhir/http-verb", map[string]string{
		"GET":    "GET",
		"HEAD":   "HEAD",
		"POST":   "POST",
		"PUT":    "PUT",
		"DELETE": "DELETE",
		"PATCH":  "PATCH",
	})

	// The units-of-time subset of UCUM. Only these codes are held for UCUM.
	s.addCodeSystem(UCUM, map[string]string{
		"s":   "second",
		"min": "minute",
		"h":   "hour",
		"d":   "day",
		"wk":  "week",
		"mo":  "month",
		"a":   "year",
	})

	s.addValueSetFromCodeSystem(
		"http://hl7.org/fhir/ValueSet/administrative-gender",
		"http://hl7.org/fhir/administrative-gender",
	)
	s.addValueSetFromCodeSystem(
		"http://terminology.hl7.org/ValueSet/v2-0136",
		"http://terminology.hl7.org/CodeSystem/v2-0136",
	)
	s.addValueSetFromCodeSystem(
		"http://hl7.org/fhir/ValueSet/contact-point-system",
		"http://hl7.org/fhir/contact-point-system",
	)
	s.addValueSetFromCodeSystem(
		"http://hl7.org/fhir/ValueSet/name-use",
		"http://hl7.org/fhir/name-use",
	)
	s.addValueSetFromCodeSystem(
		"http://hl7.org/fhir/ValueSet/identifier-use",
		"http://hl7.org/fhir/identifier-use",
	)
	s.addValueSetFromCodeSystem(
		"http://hl7.org/fhir/ValueSet/publication-status",
		"http://hl7.org/fhir/publication-status",
	)
	s.addValueSetFromCodeSystem(
		"http://hl7.org/fhir/ValueSet/observation-status",
		"http://hl7.org/fhir/observation-status",
	)
	s.addValueSetFromCodeSystem(
		"http://hl7.org/fhir/ValueSet/bundle-type",
		"http://hl7.org/fhir/bundle-type",
	)
	s.addValueSetFromCodeSystem(
		"http://hl7.org/fhir/ValueSet/http-verb",
		"http://hl7.org/fhir/http-verb",
	)
	s.addValueSetFromCodeSystem(UnitsOfTimeValueSet, UCUM)
}

// addCodeSystem adds a simple code system to the terminology service.
func (s *InMemoryTerminologyService) addCodeSystem(url string, codes map[string]string) {
	csData := &codeSystemData{
		url:      url,
		codes:    make(map[string]codeEntry, len(codes)),
		parents:  make(map[string][]string),
		children: make(map[string][]string),
	}

	for code, display := range codes {
		csData.codes[code] = codeEntry{
			code:    code,
			display: display,
			system:  url,
		}
	}

	s.codeSystems[url] = csData
}

// addValueSetFromCodeSystem creates a ValueSet that includes all codes from a CodeSystem.
func (s *InMemoryTerminologyService) addValueSetFromCodeSystem(vsURL, csURL string) {
	cs, ok := s.codeSystems[csURL]
	if !ok {
		return
	}

	vsData := &valueSetData{
		url:      vsURL,
		codes:    make(map[string]map[string]codeEntry),
		expanded: true,
	}

	vsData.codes[csURL] = make(map[string]codeEntry, len(cs.codes))
	for code, entry := range cs.codes {
		vsData.codes[csURL][code] = entry
	}

	s.valueSets[vsURL] = vsData
}

// AddCustomValueSet adds a custom ValueSet with explicit codes.
func (s *InMemoryTerminologyService) AddCustomValueSet(url, system string, codes map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vsData := &valueSetData{
		url:      url,
		codes:    make(map[string]map[string]codeEntry),
		expanded: true,
	}

	vsData.codes[system] = make(map[string]codeEntry, len(codes))
	for code, display := range codes {
		vsData.codes[system][code] = codeEntry{
			code:    code,
			display: display,
			system:  system,
		}
	}

	s.valueSets[url] = vsData
}

// AddCustomCodeSystem adds a custom CodeSystem.
func (s *InMemoryTerminologyService) AddCustomCodeSystem(url string, codes map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addCodeSystem(url, codes)
}
