package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/txcache"
	"github.com/gofhir/txcache/remote"
	"github.com/gofhir/txcache/service"
)

// maxBodySize bounds request bodies. Inline ValueSets can be large.
const maxBodySize = 16 << 20

var errNotParameters = errors.New("request body must be a Parameters resource")

func (s *Server) handleValidateCode(resourceType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := decodeParameters(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, txcache.Error(txcache.IssueTypeInvalid).Diagnostics(err.Error()).Build())
			return
		}
		args := codingArgs(params)
		if args.code == "" {
			writeError(w, http.StatusBadRequest, requiredIssue("code"))
			return
		}
		opts := service.ValidationOptions{InferSystem: strings.EqualFold(remote.Value(params.Parameter, "inferSystem"), "true")}
		ctx := r.Context()

		var result *service.CodeValidationResult
		if resourceType == "CodeSystem" {
			system := args.system
			if system == "" {
				system = remote.Value(params.Parameter, "url")
			}
			result, err = s.provider.ValidateCode(ctx, opts, system, args.code, args.display, "")
		} else if vs := valueSetParam(params); vs != nil {
			result, err = s.provider.ValidateCodeInValueSet(ctx, opts, args.system, args.code, args.display, vs)
		} else {
			url := remote.Value(params.Parameter, "url")
			if url == "" {
				writeError(w, http.StatusBadRequest, requiredIssue("url' or 'valueSet"))
				return
			}
			result, err = s.provider.ValidateCode(ctx, opts, args.system, args.code, args.display, url)
		}
		if err != nil {
			s.providerError(w, r, err)
			return
		}

		s.metrics.RecordValidation(resourceType, outcomeLabel(result))
		writeJSON(w, http.StatusOK, validationParameters(result))
	}
}

func validationParameters(result *service.CodeValidationResult) *r4.Parameters {
	if result == nil {
		return remote.NewParameters(remote.StringParam("message", "No terminology provider could validate the code"))
	}
	p := remote.NewParameters(remote.BooleanParam("result", result.Severity != service.SeverityError))
	if result.Code != "" {
		p.Parameter = append(p.Parameter, remote.CodeParam("code", result.Code))
	}
	if result.Display != "" {
		p.Parameter = append(p.Parameter, remote.StringParam("display", result.Display))
	}
	if result.Message != "" {
		p.Parameter = append(p.Parameter, remote.StringParam("message", result.Message))
	}
	return p
}

func outcomeLabel(result *service.CodeValidationResult) string {
	if result == nil {
		return "none"
	}
	switch result.Severity {
	case service.SeverityError:
		return "error"
	case service.SeverityWarning:
		return "warning"
	default:
		return "ok"
	}
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParameters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, txcache.Error(txcache.IssueTypeInvalid).Diagnostics(err.Error()).Build())
		return
	}
	args := codingArgs(params)
	if args.code == "" {
		writeError(w, http.StatusBadRequest, requiredIssue("code"))
		return
	}

	result, err := s.provider.LookupCode(r.Context(), args.system, args.code, remote.Value(params.Parameter, "displayLanguage"))
	if err != nil {
		s.providerError(w, r, err)
		return
	}
	found := result != nil && result.Found
	s.metrics.RecordLookup(found)
	if !found {
		writeError(w, http.StatusNotFound, notFoundIssue(fmt.Sprintf("Unable to find code %s in %s", args.code, args.system)))
		return
	}

	p := remote.NewParameters()
	if result.CodeSystemDisplayName != "" {
		p.Parameter = append(p.Parameter, remote.StringParam("name", result.CodeSystemDisplayName))
	}
	if result.CodeSystemVersion != "" {
		p.Parameter = append(p.Parameter, remote.StringParam("version", result.CodeSystemVersion))
	}
	if result.CodeDisplay != "" {
		p.Parameter = append(p.Parameter, remote.StringParam("display", result.CodeDisplay))
	}
	p.Parameter = append(p.Parameter, remote.CodeParam("code", args.code))
	for _, prop := range result.Properties {
		var value r4.ParametersParameter
		switch v := prop.(type) {
		case service.StringProperty:
			value = remote.StringParam("value", v.Value)
		case service.CodingProperty:
			value = remote.CodingParam("value", v.System, v.Code, v.Display)
		default:
			continue
		}
		p.Parameter = append(p.Parameter, remote.PartParam("property", remote.CodeParam("code", prop.PropertyName()), value))
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParameters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, txcache.Error(txcache.IssueTypeInvalid).Diagnostics(err.Error()).Build())
		return
	}

	opts := &service.ExpansionOptions{Filter: remote.Value(params.Parameter, "filter")}
	if opts.Offset, err = intParam(params, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, txcache.Error(txcache.IssueTypeInvalid).Diagnostics(err.Error()).Build())
		return
	}
	if opts.Count, err = intParam(params, "count"); err != nil {
		writeError(w, http.StatusBadRequest, txcache.Error(txcache.IssueTypeInvalid).Diagnostics(err.Error()).Build())
		return
	}

	vs := valueSetParam(params)
	if vs == nil {
		url := remote.Value(params.Parameter, "url")
		if url == "" {
			writeError(w, http.StatusBadRequest, requiredIssue("url' or 'valueSet"))
			return
		}
		if vs, err = s.provider.FetchValueSet(r.Context(), url); err != nil {
			s.providerError(w, r, err)
			return
		}
		if vs == nil {
			writeError(w, http.StatusNotFound, notFoundIssue("Unknown ValueSet "+url))
			return
		}
	}

	outcome, err := s.provider.ExpandValueSet(r.Context(), opts, vs)
	if err != nil {
		s.providerError(w, r, err)
		return
	}
	switch {
	case outcome == nil || (outcome.ValueSet == nil && outcome.Error == ""):
		// No expansion is an answer, not a failure: callers fall back.
		writeJSON(w, http.StatusOK, txcache.NewOperationOutcome(
			txcache.NewIssue(txcache.SeverityInformation, txcache.IssueTypeNotSupported).Diagnostics("No expansion available").Build()))
	case outcome.Error != "":
		writeError(w, http.StatusUnprocessableEntity, txcache.Error(txcache.IssueTypeProcessing).Diagnostics(outcome.Error).Build())
	default:
		writeJSON(w, http.StatusOK, outcome.ValueSet)
	}
}

func intParam(p *r4.Parameters, name string) (int, error) {
	v := remote.Value(p.Parameter, name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parameter '%s' must be a non-negative integer", name)
	}
	return n, nil
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParameters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, txcache.Error(txcache.IssueTypeInvalid).Diagnostics(err.Error()).Build())
		return
	}
	args := codingArgs(params)
	if args.code == "" {
		writeError(w, http.StatusBadRequest, requiredIssue("code"))
		return
	}

	req := service.TranslateCodeRequest{
		SourceSystem:      args.system,
		SourceCode:        args.code,
		TargetSystem:      remote.Value(params.Parameter, "targetsystem"),
		ConceptMapURL:     remote.Value(params.Parameter, "url"),
		TargetValueSetURL: remote.Value(params.Parameter, "target"),
		Reverse:           strings.EqualFold(remote.Value(params.Parameter, "reverse"), "true"),
	}
	results, err := s.provider.TranslateConcept(r.Context(), req)
	if err != nil {
		s.providerError(w, r, err)
		return
	}

	if results == nil {
		writeJSON(w, http.StatusOK, remote.NewParameters(
			remote.BooleanParam("result", false),
			remote.StringParam("message", "No translation available")))
		return
	}
	p := remote.NewParameters(remote.BooleanParam("result", results.Result))
	if results.Message != "" {
		p.Parameter = append(p.Parameter, remote.StringParam("message", results.Message))
	}
	for _, m := range results.Matches {
		parts := []r4.ParametersParameter{
			remote.CodeParam("equivalence", m.Equivalence),
			remote.CodingParam("concept", m.System, m.Code, m.Display),
		}
		if m.ConceptMapURL != "" {
			parts = append(parts, remote.URIParam("source", m.ConceptMapURL))
		}
		p.Parameter = append(p.Parameter, remote.PartParam("match", parts...))
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resourceType": "TerminologyCapabilities",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"software": map[string]any{
			"name":    "txcache",
			"version": s.version,
		},
		"fhirVersion": txcache.R4.Release(),
		"expansion": map[string]any{
			"hierarchical": false,
			"paging":       true,
			"textFilter":   "Matches code or display, case-insensitive",
		},
		"translation": map[string]any{"needsMap": false},
	})
}

func (s *Server) handleSearch(resourceType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		if url == "" {
			writeError(w, http.StatusBadRequest, requiredIssue("url"))
			return
		}
		raw, err := s.provider.FetchResource(r.Context(), resourceType, url)
		if err != nil {
			s.providerError(w, r, err)
			return
		}
		if raw == nil {
			writeJSON(w, http.StatusOK, remote.NewSearchBundle())
			return
		}
		res, err := r4.UnmarshalResource(raw)
		if err != nil {
			s.providerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, remote.NewSearchBundle(res))
	}
}

func (s *Server) handleInvalidate(w http.ResponseWriter, _ *http.Request) {
	s.invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// providerError maps a provider failure to a status: upstream protocol and
// HTTP failures are 502, cancellation 503, anything else 500.
func (s *Server) providerError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := txcache.IssueTypeProcessing

	var httpErr *remote.HTTPError
	switch {
	case errors.Is(err, service.ErrProtocol), errors.As(err, &httpErr):
		status, code = http.StatusBadGateway, txcache.IssueTypeTransient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, txcache.IssueTypeTransient
	}

	s.log.Warn().Err(err).Str("requestId", RequestIDFrom(r.Context())).Str("path", r.URL.Path).Msg("terminology operation failed")
	writeError(w, status, txcache.Error(code).Diagnostics(err.Error()).Build())
}

type coding struct {
	system  string
	code    string
	display *string
}

// codingArgs reads system, code and display either from the individual
// parameters or from a "coding" parameter.
func codingArgs(p *r4.Parameters) coding {
	c := coding{
		system: remote.Value(p.Parameter, "system"),
		code:   strings.TrimSpace(remote.Value(p.Parameter, "code")),
	}
	if prm, ok := remote.First(p.Parameter, "display"); ok {
		if v, ok := remote.Primitive(prm); ok {
			c.display = &v
		}
	}
	if prm, ok := remote.First(p.Parameter, "coding"); ok && prm.ValueCoding != nil && c.code == "" {
		c.system = service.Deref(prm.ValueCoding.System)
		c.code = strings.TrimSpace(service.Deref(prm.ValueCoding.Code))
		if service.Deref(prm.ValueCoding.Display) != "" && c.display == nil {
			c.display = prm.ValueCoding.Display
		}
	}
	return c
}

// valueSetParam returns the inline ValueSet of the "valueSet" parameter.
func valueSetParam(p *r4.Parameters) *r4.ValueSet {
	prm, ok := remote.First(p.Parameter, "valueSet")
	if !ok {
		return nil
	}
	vs, _ := prm.Resource.(*r4.ValueSet)
	return vs
}

func decodeParameters(r *http.Request) (*r4.Parameters, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	var p r4.Parameters
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if p.ResourceType != "Parameters" {
		return nil, errNotParameters
	}
	return &p, nil
}

func requiredIssue(name string) txcache.Issue {
	return txcache.Error(txcache.IssueTypeRequired).Diagnostics(fmt.Sprintf("Parameter '%s' is required", name)).Build()
}

func notFoundIssue(msg string) txcache.Issue {
	return txcache.Error(txcache.IssueTypeNotFound).Diagnostics(msg).Build()
}

func writeError(w http.ResponseWriter, status int, issues ...txcache.Issue) {
	writeJSON(w, status, txcache.NewOperationOutcome(issues...))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", remote.ContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
