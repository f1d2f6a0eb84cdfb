package terminology

import (
	"strconv"
	"strings"

	"github.com/gofhir/txcache/service"
)

// Sentinels substituted for absent arguments in cache keys.
const (
	noValueSet = "NO_VS"
	noLanguage = "NO_LANG"
	nullArg    = "(null)"
)

func validateCodeKey(system, code string, display *string, valueSetURL string) string {
	return "validateCode " + system + " " + code + " " +
		defaultIfBlank(valueSetURL, noValueSet) + " " +
		defaultString(display, nullArg)
}

func validateCodeInValueSetKey(opts service.ValidationOptions, system, code string, display *string, valueSetURL string) string {
	return "validateCodeInValueSet " + opts.String() + " " +
		defaultIfBlank(system, nullArg) + " " +
		defaultIfBlank(code, nullArg) + " " +
		defaultString(display, nullArg) + " " +
		valueSetURL
}

func lookupCodeKey(system, code, displayLanguage string) string {
	return "lookupCode " + system + " " + code + " " + defaultIfBlank(displayLanguage, noLanguage)
}

func expandValueSetKey(url string, opts *service.ExpansionOptions) string {
	var o service.ExpansionOptions
	if opts != nil {
		o = *opts
	}
	return "expandValueSet " + url + " " +
		strconv.FormatBool(o.IncludeHierarchy) + " " +
		o.Filter + " " +
		strconv.Itoa(o.Offset) + " " +
		strconv.Itoa(o.Count)
}

func defaultIfBlank(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func defaultString(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
