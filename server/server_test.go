package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofhir/fhir/r4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/gofhir/txcache"
	"github.com/gofhir/txcache/pkg/logger"
	"github.com/gofhir/txcache/remote"
	"github.com/gofhir/txcache/service"
	"github.com/gofhir/txcache/terminology"
)

const (
	genderSystem   = "http://hl7.org/fhir/administrative-gender"
	genderValueSet = "http://hl7.org/fhir/ValueSet/administrative-gender"
)

// RoundTripSuite serves an in-memory provider and talks to it with the
// remote client.
type RoundTripSuite struct {
	suite.Suite
	local  *terminology.InMemoryTerminologyService
	srv    *httptest.Server
	client *remote.Client
}

func TestRoundTripSuite(t *testing.T) {
	suite.Run(t, new(RoundTripSuite))
}

func (s *RoundTripSuite) SetupTest() {
	logger.Disable()
	s.local = terminology.NewInMemoryTerminologyService()
	s.local.AddConceptMapping("http://example.org/ConceptMap/cm", "http://example.org/a", "1", "http://example.org/b", "X", "Ex", "equivalent")

	s.srv = httptest.NewServer(New(s.local, WithVersion("test")).Handler())
	s.client = remote.NewClient(s.srv.URL)
}

func (s *RoundTripSuite) TearDownTest() {
	s.srv.Close()
}

func (s *RoundTripSuite) TestValidateCode() {
	ctx := context.Background()

	result, err := s.client.ValidateCode(ctx, service.ValidationOptions{}, genderSystem, "male", nil, "")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), service.CodeValidationResult{Code: "male", Display: "Male", Severity: service.SeverityOK}, *result)

	result, err = s.client.ValidateCode(ctx, service.ValidationOptions{}, genderSystem, "bogus", nil, "")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), service.SeverityError, result.Severity)
	assert.Contains(s.T(), result.Message, "Unknown code 'bogus'")
}

func (s *RoundTripSuite) TestValidateCodeNoAnswer() {
	result, err := s.client.ValidateCode(context.Background(), service.ValidationOptions{}, "http://example.org/unknown", "x", nil, "")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), result)
}

func (s *RoundTripSuite) TestValidateCodeWithValueSetURL() {
	result, err := s.client.ValidateCode(context.Background(), service.ValidationOptions{}, genderSystem, "female", nil, genderValueSet)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), result)
	assert.True(s.T(), result.OK(), "result = %+v", result)
}

func (s *RoundTripSuite) TestValidateCodeInInlineValueSet() {
	vs := &r4.ValueSet{
		Compose: &r4.ValueSetCompose{Include: []r4.ValueSetComposeInclude{{
			System:  service.String(genderSystem),
			Concept: []r4.ValueSetComposeIncludeConcept{{Code: service.String("male")}},
		}}},
	}

	result, err := s.client.ValidateCodeInValueSet(context.Background(), service.ValidationOptions{}, genderSystem, "male", nil, vs)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), result)
	assert.True(s.T(), result.OK())
}

func (s *RoundTripSuite) TestLookupCode() {
	ctx := context.Background()

	result, err := s.client.LookupCode(ctx, genderSystem, "male", "")
	require.NoError(s.T(), err)
	assert.True(s.T(), result.Found)
	assert.Equal(s.T(), "Male", result.CodeDisplay)

	result, err = s.client.LookupCode(ctx, genderSystem, "bogus", "")
	require.NoError(s.T(), err)
	assert.False(s.T(), result.Found)
}

func (s *RoundTripSuite) TestExpandValueSet() {
	ctx := context.Background()

	vs, err := s.client.FetchValueSet(ctx, genderValueSet)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), vs)

	outcome, err := s.client.ExpandValueSet(ctx, &service.ExpansionOptions{Filter: "fem"}, vs)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), outcome)
	require.NotNil(s.T(), outcome.ValueSet.Expansion)
	require.Len(s.T(), outcome.ValueSet.Expansion.Contains, 1)
	assert.Equal(s.T(), "female", service.Deref(outcome.ValueSet.Expansion.Contains[0].Code))
}

func (s *RoundTripSuite) TestTranslateConcept() {
	res, err := s.client.TranslateConcept(context.Background(), service.TranslateCodeRequest{
		SourceSystem: "http://example.org/a",
		SourceCode:   "1",
	})
	require.NoError(s.T(), err)
	assert.True(s.T(), res.Result)
	require.Len(s.T(), res.Matches, 1)
	assert.Equal(s.T(), service.TranslateConceptMatch{
		System:        "http://example.org/b",
		Code:          "X",
		Display:       "Ex",
		Equivalence:   "equivalent",
		ConceptMapURL: "http://example.org/ConceptMap/cm",
	}, res.Matches[0])
}

func (s *RoundTripSuite) TestFetchAndMetadata() {
	ctx := context.Background()

	cs, err := s.client.FetchCodeSystem(ctx, genderSystem)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), cs)
	assert.Len(s.T(), cs.Concept, 4)

	missing, err := s.client.FetchCodeSystem(ctx, "http://example.org/missing")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), missing)

	supported, err := s.client.IsCodeSystemSupported(ctx, genderSystem)
	require.NoError(s.T(), err)
	assert.True(s.T(), supported)

	raw, err := s.client.Metadata(ctx)
	require.NoError(s.T(), err)
	var caps map[string]any
	require.NoError(s.T(), json.Unmarshal(raw, &caps))
	assert.Equal(s.T(), "TerminologyCapabilities", caps["resourceType"])
	assert.Equal(s.T(), "4.0.1", caps["fhirVersion"])
	assert.Equal(s.T(), "test", caps["software"].(map[string]any)["version"])
}

// failingProvider fails every validation with err.
type failingProvider struct {
	service.NullProvider
	err         error
	invalidated int
}

func (f *failingProvider) ValidateCode(context.Context, service.ValidationOptions, string, string, *string, string) (*service.CodeValidationResult, error) {
	return nil, f.err
}

func (f *failingProvider) InvalidateCaches() {
	f.invalidated++
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func outcome(t *testing.T, rec *httptest.ResponseRecorder) *txcache.OperationOutcome {
	t.Helper()
	oo := &txcache.OperationOutcome{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), oo), rec.Body.String())
	require.Equal(t, "OperationOutcome", oo.ResourceType)
	require.NotEmpty(t, oo.Issue)
	return oo
}

func TestBadRequests(t *testing.T) {
	logger.Disable()
	h := New(terminology.NewInMemoryTerminologyService()).Handler()

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
		code   txcache.IssueType
	}{
		{"invalid json", http.MethodPost, "/CodeSystem/$validate-code", "{", http.StatusBadRequest, txcache.IssueTypeInvalid},
		{"not parameters", http.MethodPost, "/CodeSystem/$lookup", `{"resourceType":"Patient"}`, http.StatusBadRequest, txcache.IssueTypeInvalid},
		{"missing code", http.MethodPost, "/CodeSystem/$validate-code", `{"resourceType":"Parameters","parameter":[{"name":"url","valueUri":"http://s"}]}`, http.StatusBadRequest, txcache.IssueTypeRequired},
		{"missing value set", http.MethodPost, "/ValueSet/$validate-code", `{"resourceType":"Parameters","parameter":[{"name":"code","valueCode":"a"}]}`, http.StatusBadRequest, txcache.IssueTypeRequired},
		{"bad count", http.MethodPost, "/ValueSet/$expand", `{"resourceType":"Parameters","parameter":[{"name":"count","valueInteger":-1}]}`, http.StatusBadRequest, txcache.IssueTypeInvalid},
		{"unknown value set", http.MethodPost, "/ValueSet/$expand", `{"resourceType":"Parameters","parameter":[{"name":"url","valueUri":"http://nope"}]}`, http.StatusNotFound, txcache.IssueTypeNotFound},
		{"search without url", http.MethodGet, "/ValueSet", "", http.StatusBadRequest, txcache.IssueTypeRequired},
		{"unknown route", http.MethodGet, "/Patient/1", "", http.StatusNotFound, txcache.IssueTypeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, outcome(t, rec).Issue[0].Code)
		})
	}
}

func TestValidateCodeViaCoding(t *testing.T) {
	logger.Disable()
	h := New(terminology.NewInMemoryTerminologyService()).Handler()

	body := fmt.Sprintf(`{"resourceType":"Parameters","parameter":[
		{"name":"url","valueUri":%q},
		{"name":"coding","valueCoding":{"system":%q,"code":"female","display":"Female"}}
	]}`, genderValueSet, genderSystem)
	rec := do(t, h, http.MethodPost, "/ValueSet/$validate-code", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var p r4.Parameters
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "true", remote.Value(p.Parameter, "result"))
	assert.Equal(t, "female", remote.Value(p.Parameter, "code"))
}

func TestProviderErrors(t *testing.T) {
	logger.Disable()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"protocol", fmt.Errorf("%w: Response contained 2 'result' values", service.ErrProtocol), http.StatusBadGateway},
		{"upstream status", &remote.HTTPError{StatusCode: http.StatusInternalServerError}, http.StatusBadGateway},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&failingProvider{err: tt.err}).Handler()
			rec := do(t, h, http.MethodPost, "/CodeSystem/$validate-code",
				`{"resourceType":"Parameters","parameter":[{"name":"url","valueUri":"http://s"},{"name":"code","valueCode":"a"}]}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.True(t, outcome(t, rec).HasErrors())
		})
	}
}

func TestOperationalEndpoints(t *testing.T) {
	logger.Disable()
	p := &failingProvider{}
	svc, err := txcache.New()
	require.NoError(t, err)
	defer svc.Close()

	srv := New(p, WithCollectors(txcache.NewCollector(MetricsNamespace, svc)))
	h := srv.Handler()

	t.Run("health", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("invalidate", func(t *testing.T) {
		rec := do(t, h, http.MethodDelete, "/cache", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, 1, p.invalidated)
	})

	t.Run("custom invalidator", func(t *testing.T) {
		called := false
		h := New(p, WithInvalidator(func() { called = true })).Handler()
		do(t, h, http.MethodDelete, "/cache", "")
		assert.True(t, called)
	})

	t.Run("request id", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/health", "")
		assert.NotEmpty(t, rec.Header().Get(remote.RequestIDHeader))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(remote.RequestIDHeader, "abc")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "abc", rec.Header().Get(remote.RequestIDHeader))
	})

	t.Run("metrics", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, `txcache_http_requests_total{method="GET",route="/health",status="2xx"}`)
		assert.Contains(t, body, `txcache_cache_capacity{bucket="validate_code"} 5000`)
	})
}

func TestValidationMetrics(t *testing.T) {
	logger.Disable()
	srv := New(terminology.NewInMemoryTerminologyService())
	h := srv.Handler()

	for _, code := range []string{"male", "bogus"} {
		body := fmt.Sprintf(`{"resourceType":"Parameters","parameter":[{"name":"url","valueUri":%q},{"name":"code","valueCode":%q}]}`, genderSystem, code)
		rec := do(t, h, http.MethodPost, "/CodeSystem/$validate-code", body)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	families, err := srv.Registry().Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "txcache_validations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					got[l.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{"ok": 1, "error": 1}, got)
}
