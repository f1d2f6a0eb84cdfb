package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/txcache/service"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Params r4.Parameters
}

// fakeServer records requests and replies with a fixed body per path.
type fakeServer struct {
	*httptest.Server
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]string
	status    map[string]int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{responses: map[string]string{}, status: map[string]int{}}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Header: r.Header.Clone()}
		if len(body) > 0 {
			_ = json.Unmarshal(body, &rec.Params)
		}
		fs.mu.Lock()
		fs.requests = append(fs.requests, rec)
		resp, status := fs.responses[r.URL.Path], fs.status[r.URL.Path]
		fs.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", ContentType)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, resp)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) respond(path, body string) {
	fs.mu.Lock()
	fs.responses[path] = body
	fs.mu.Unlock()
}

func (fs *fakeServer) last() recordedRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[len(fs.requests)-1]
}

func (fs *fakeServer) count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.requests)
}

func paramNames(p r4.Parameters) []string {
	var names []string
	for _, prm := range p.Parameter {
		names = append(names, Name(prm))
	}
	return names
}

func TestValidateCode_RoundTrip(t *testing.T) {
	srv := newFakeServer(t)
	srv.respond("/CodeSystem/$validate-code", `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "result", "valueBoolean": true},
			{"name": "display", "valueString": "Foo"}
		]
	}`)
	c := NewClient(srv.URL)

	result, err := c.ValidateCode(context.Background(), service.ValidationOptions{}, "SYS", "123", service.String("Foo"), "")
	if err != nil {
		t.Fatalf("ValidateCode() error = %v", err)
	}
	want := service.CodeValidationResult{Code: "123", Display: "Foo", Severity: service.SeverityOK}
	if *result != want {
		t.Errorf("result = %+v; want %+v", *result, want)
	}

	req := srv.last()
	if req.Method != http.MethodPost {
		t.Errorf("method = %s; want POST", req.Method)
	}
	if got := strings.Join(paramNames(req.Params), ","); got != "url,code,display" {
		t.Errorf("params = %s; want url,code,display", got)
	}
	if Value(req.Params.Parameter, "url") != "SYS" || Value(req.Params.Parameter, "code") != "123" {
		t.Errorf("unexpected params: %+v", req.Params)
	}
	if req.Header.Get("Content-Type") != ContentType {
		t.Errorf("Content-Type = %q", req.Header.Get("Content-Type"))
	}
}

func TestValidateCode_FailureParsing(t *testing.T) {
	srv := newFakeServer(t)
	srv.respond("/CodeSystem/$validate-code", `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "result", "valueBoolean": false},
			{"name": "message", "valueString": "not a member"}
		]
	}`)
	c := NewClient(srv.URL)

	result, err := c.ValidateCode(context.Background(), service.ValidationOptions{}, "SYS", "999", nil, "")
	if err != nil {
		t.Fatalf("ValidateCode() error = %v", err)
	}
	if result.Severity != service.SeverityError || result.Message != "not a member" {
		t.Errorf("result = %+v; want error with message", result)
	}

	if got := strings.Join(paramNames(srv.last().Params), ","); got != "url,code" {
		t.Errorf("params = %s; want url,code (no display)", got)
	}
}

func TestValidateCode_MultipleResults(t *testing.T) {
	srv := newFakeServer(t)
	srv.respond("/CodeSystem/$validate-code", `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "result", "valueBoolean": true},
			{"name": "result", "valueBoolean": false}
		]
	}`)
	c := NewClient(srv.URL)

	_, err := c.ValidateCode(context.Background(), service.ValidationOptions{}, "SYS", "1", nil, "")
	if !errors.Is(err, service.ErrProtocol) {
		t.Fatalf("error = %v; want ErrProtocol", err)
	}
	if !strings.Contains(err.Error(), "2 'result' values") {
		t.Errorf("error = %v; want the count", err)
	}
}

func TestParseValidateCodeResponse(t *testing.T) {
	tests := []struct {
		name     string
		params   string
		wantNil  bool
		severity service.Severity
	}{
		{"no result", `{"resourceType":"Parameters"}`, true, 0},
		{"blank result", `{"resourceType":"Parameters","parameter":[{"name":"result","valueString":" "}]}`, true, 0},
		{"true as string", `{"resourceType":"Parameters","parameter":[{"name":"result","valueString":"TRUE"}]}`, false, service.SeverityOK},
		{"anything else fails", `{"resourceType":"Parameters","parameter":[{"name":"result","valueString":"maybe"}]}`, false, service.SeverityError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p r4.Parameters
			if err := json.Unmarshal([]byte(tt.params), &p); err != nil {
				t.Fatal(err)
			}
			result, err := ParseValidateCodeResponse("c", &p)
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if (result == nil) != tt.wantNil {
				t.Fatalf("result = %+v; wantNil %v", result, tt.wantNil)
			}
			if result != nil && result.Severity != tt.severity {
				t.Errorf("severity = %v; want %v", result.Severity, tt.severity)
			}
		})
	}
}

func TestValidateCode_DegradedMode(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewClient("", WithResolver(NewClient(srv.URL)))
	ctx := context.Background()

	result, err := c.ValidateCode(ctx, service.ValidationOptions{}, "http://snomed.info/sct", "22298006", nil, "http://example.org/ValueSet/x")
	if err != nil {
		t.Fatalf("ValidateCode() error = %v", err)
	}
	if result.Severity != service.SeverityWarning || !strings.Contains(result.Message, "http://snomed.info/sct") {
		t.Errorf("result = %+v; want warning naming the system", result)
	}

	result, _ = c.ValidateCodeInValueSet(ctx, service.ValidationOptions{}, "", "", nil, nil)
	if result.Severity != service.SeverityWarning || result.Message != "Unable to validate terminology codes" {
		t.Errorf("result = %+v; want generic warning", result)
	}

	if lookup, _ := c.LookupCode(ctx, "s", "c", ""); lookup != nil {
		t.Errorf("LookupCode() = %+v; want nil", lookup)
	}
	if cs, _ := c.FetchCodeSystem(ctx, "s"); cs != nil {
		t.Error("FetchCodeSystem() should return nil")
	}
	if hits.Load() != 0 {
		t.Errorf("server called %d times in degraded mode", hits.Load())
	}
}

func TestValidateCode_BlankCode(t *testing.T) {
	srv := newFakeServer(t)
	c := NewClient(srv.URL)

	result, err := c.ValidateCode(context.Background(), service.ValidationOptions{}, "SYS", " ", nil, "")
	if err != nil || result != nil {
		t.Errorf("ValidateCode(blank) = %v, %v; want nil, nil", result, err)
	}
	if srv.count() != 0 {
		t.Error("blank code reached the server")
	}
}

func TestValidateCode_ValueSetResolution(t *testing.T) {
	okResponse := `{"resourceType":"Parameters","parameter":[{"name":"result","valueBoolean":true}]}`
	vsURL := "http://example.org/ValueSet/findings"

	t.Run("resolved to inline resource", func(t *testing.T) {
		srv := newFakeServer(t)
		srv.respond("/ValueSet", `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"ValueSet","url":"`+vsURL+`"}}]}`)
		srv.respond("/ValueSet/$validate-code", okResponse)
		c := NewClient(srv.URL)

		if _, err := c.ValidateCode(context.Background(), service.ValidationOptions{}, "http://snomed.info/sct", "1", nil, vsURL); err != nil {
			t.Fatalf("ValidateCode() error = %v", err)
		}

		req := srv.last()
		if req.Path != "/ValueSet/$validate-code" {
			t.Fatalf("path = %s", req.Path)
		}
		if got := strings.Join(paramNames(req.Params), ","); got != "code,system,valueSet" {
			t.Errorf("params = %s; want code,system,valueSet", got)
		}
		vsParam, _ := First(req.Params.Parameter, "valueSet")
		if vs, ok := vsParam.Resource.(*r4.ValueSet); !ok || service.Deref(vs.Url) != vsURL {
			t.Errorf("valueSet parameter = %+v; want the resolved ValueSet", vsParam.Resource)
		}
	})

	t.Run("unresolved url is sent as reference", func(t *testing.T) {
		srv := newFakeServer(t)
		srv.respond("/ValueSet", `{"resourceType":"Bundle","entry":[]}`)
		srv.respond("/ValueSet/$validate-code", okResponse)
		c := NewClient(srv.URL)

		if _, err := c.ValidateCode(context.Background(), service.ValidationOptions{}, "", "1", nil, vsURL); err != nil {
			t.Fatalf("ValidateCode() error = %v", err)
		}
		req := srv.last()
		if got := strings.Join(paramNames(req.Params), ","); got != "url,code" {
			t.Errorf("params = %s; want url,code", got)
		}
		if got := Value(req.Params.Parameter, "url"); got != vsURL {
			t.Errorf("url = %q; want %q", got, vsURL)
		}
	})

	t.Run("custom resolver", func(t *testing.T) {
		srv := newFakeServer(t)
		srv.respond("/ValueSet/$validate-code", okResponse)
		resolver := &stubResolver{vs: &r4.ValueSet{Url: service.String(vsURL)}}
		c := NewClient(srv.URL, WithResolver(resolver))

		if _, err := c.ValidateCode(context.Background(), service.ValidationOptions{}, "", "1", nil, vsURL); err != nil {
			t.Fatalf("ValidateCode() error = %v", err)
		}
		if resolver.calls != 1 || srv.count() != 1 {
			t.Errorf("resolver calls = %d, server calls = %d; want 1, 1", resolver.calls, srv.count())
		}
	})

	t.Run("infer system has no answer", func(t *testing.T) {
		srv := newFakeServer(t)
		c := NewClient(srv.URL)

		result, err := c.ValidateCodeInValueSet(context.Background(), service.ValidationOptions{InferSystem: true}, "", "1", nil, &r4.ValueSet{})
		if err != nil || result != nil {
			t.Errorf("got %v, %v; want nil, nil", result, err)
		}
	})
}

type stubResolver struct {
	service.NullProvider
	vs    *r4.ValueSet
	calls int
}

func (s *stubResolver) FetchValueSet(context.Context, string) (*r4.ValueSet, error) {
	s.calls++
	return s.vs, nil
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url)
	_, err := c.ValidateCode(context.Background(), service.ValidationOptions{}, "SYS", "1", nil, "")
	if err == nil {
		t.Fatal("expected a transport error")
	}
}

func TestHTTPError(t *testing.T) {
	srv := newFakeServer(t)
	srv.status["/CodeSystem/$validate-code"] = http.StatusInternalServerError
	srv.respond("/CodeSystem/$validate-code", `{"resourceType":"OperationOutcome"}`)
	c := NewClient(srv.URL)

	_, err := c.ValidateCode(context.Background(), service.ValidationOptions{}, "SYS", "1", nil, "")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v; want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", httpErr.StatusCode)
	}
	if srv.count() != 1 {
		t.Errorf("server called %d times; want exactly 1 (no retry)", srv.count())
	}
}

func TestLookupCode(t *testing.T) {
	srv := newFakeServer(t)
	srv.respond("/CodeSystem/$lookup", `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "code", "valueCode": "22298006"},
			{"name": "system", "valueUri": "http://snomed.info/sct"},
			{"name": "name", "valueString": "SNOMED CT"},
			{"name": "version", "valueString": "20240101"},
			{"name": "display", "valueString": "Myocardial infarction"},
			{"name": "moduleId", "valueCode": "900000000000207008"},
			{"name": "effectiveTime", "valueString": "20020131"},
			{"name": "parent", "valueCoding": {"system": "http://snomed.info/sct", "code": "414545008", "display": "Ischemic heart disease"}},
			{"name": "property", "part": [
				{"name": "code", "valueCode": "inactive"},
				{"name": "value", "valueBoolean": false}
			]}
		]
	}`)
	c := NewClient(srv.URL)

	result, err := c.LookupCode(context.Background(), "http://snomed.info/sct", "22298006", "en")
	if err != nil {
		t.Fatalf("LookupCode() error = %v", err)
	}
	if !result.Found || result.CodeDisplay != "Myocardial infarction" || result.CodeSystemDisplayName != "SNOMED CT" || result.CodeSystemVersion != "20240101" {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.SearchedForCode != "22298006" || len(result.RawResponse) == 0 {
		t.Errorf("missing echo or raw response: %+v", result)
	}

	want := []service.ConceptProperty{
		service.CodingProperty{Name: "moduleId", Code: "900000000000207008"},
		service.StringProperty{Name: "effectiveTime", Value: "20020131"},
		service.CodingProperty{Name: "parent", System: "http://snomed.info/sct", Code: "414545008", Display: "Ischemic heart disease"},
		service.StringProperty{Name: "inactive", Value: "false"},
	}
	if len(result.Properties) != len(want) {
		t.Fatalf("properties = %+v; want %+v", result.Properties, want)
	}
	for i := range want {
		if result.Properties[i] != want[i] {
			t.Errorf("property %d = %+v; want %+v", i, result.Properties[i], want[i])
		}
	}

	req := srv.last()
	if got := strings.Join(paramNames(req.Params), ","); got != "code,system,displayLanguage,property" {
		t.Errorf("params = %s", got)
	}
	if got := Value(req.Params.Parameter, "property"); got != "*" {
		t.Errorf("property = %q; want *", got)
	}
}

func TestLookupCode_NotFoundShapes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"operation outcome", http.StatusOK, `{"resourceType":"OperationOutcome"}`},
		{"404", http.StatusNotFound, `{"resourceType":"OperationOutcome"}`},
		{"empty body", http.StatusOK, ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer(t)
			srv.status["/CodeSystem/$lookup"] = tt.status
			srv.respond("/CodeSystem/$lookup", tt.body)
			c := NewClient(srv.URL)

			result, err := c.LookupCode(context.Background(), "http://snomed.info/sct", "1", "")
			if err != nil {
				t.Fatalf("LookupCode() error = %v", err)
			}
			if result.Found || result.SearchedForCode != "1" {
				t.Errorf("result = %+v; want not found", result)
			}
		})
	}
}

func TestExpandValueSet(t *testing.T) {
	vsURL := "http://example.org/ValueSet/x"

	t.Run("parameters wrapper", func(t *testing.T) {
		srv := newFakeServer(t)
		srv.respond("/ValueSet/$expand", `{"resourceType":"Parameters","parameter":[{"name":"return","resource":{
			"resourceType":"ValueSet","url":"`+vsURL+`",
			"expansion":{"contains":[{"system":"http://s","code":"a"}]}}}]}`)
		c := NewClient(srv.URL)

		outcome, err := c.ExpandValueSet(context.Background(), &service.ExpansionOptions{Filter: "a"}, &r4.ValueSet{Url: &vsURL})
		if err != nil {
			t.Fatalf("ExpandValueSet() error = %v", err)
		}
		if outcome == nil || outcome.ValueSet.Expansion == nil || len(outcome.ValueSet.Expansion.Contains) != 1 {
			t.Fatalf("outcome = %+v", outcome)
		}
		if got := strings.Join(paramNames(srv.last().Params), ","); got != "filter,valueSet" {
			t.Errorf("params = %s; want filter,valueSet", got)
		}
	})

	t.Run("bare ValueSet", func(t *testing.T) {
		srv := newFakeServer(t)
		srv.respond("/ValueSet/$expand", `{"resourceType":"ValueSet","url":"`+vsURL+`","expansion":{"contains":[]}}`)
		c := NewClient(srv.URL)

		outcome, err := c.ExpandValueSet(context.Background(), nil, &r4.ValueSet{Url: &vsURL})
		if err != nil || outcome == nil || outcome.ValueSet == nil {
			t.Fatalf("ExpandValueSet() = %+v, %v", outcome, err)
		}
		if got := strings.Join(paramNames(srv.last().Params), ","); got != "valueSet" {
			t.Errorf("params = %s; want valueSet", got)
		}
	})

	t.Run("falls back without an expansion", func(t *testing.T) {
		srv := newFakeServer(t)
		srv.respond("/ValueSet/$expand", `{"resourceType":"Parameters","parameter":[{"name":"x","valueString":"y"}]}`)
		fallback := &stubExpander{}
		c := NewClient(srv.URL, WithExpansionFallback(fallback))

		outcome, err := c.ExpandValueSet(context.Background(), nil, &r4.ValueSet{Url: &vsURL})
		if err != nil {
			t.Fatalf("ExpandValueSet() error = %v", err)
		}
		if fallback.calls != 1 || outcome == nil || outcome.Error != "fallback" {
			t.Errorf("fallback calls = %d, outcome = %+v", fallback.calls, outcome)
		}
	})
}

type stubExpander struct {
	calls int
}

func (s *stubExpander) ExpandValueSet(context.Context, *service.ExpansionOptions, *r4.ValueSet) (*service.ValueSetExpansionOutcome, error) {
	s.calls++
	return &service.ValueSetExpansionOutcome{Error: "fallback"}, nil
}

func TestTranslateConcept(t *testing.T) {
	srv := newFakeServer(t)
	srv.respond("/ConceptMap/$translate", `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "result", "valueBoolean": true},
			{"name": "match", "part": [
				{"name": "equivalence", "valueCode": "equivalent"},
				{"name": "concept", "valueCoding": {"system": "http://hl7.org/fhir/sid/icd-10", "code": "I21", "display": "Acute MI"}},
				{"name": "source", "valueUri": "http://example.org/ConceptMap/sct-icd"}
			]}
		]
	}`)
	c := NewClient(srv.URL)

	res, err := c.TranslateConcept(context.Background(), service.TranslateCodeRequest{
		SourceSystem: "http://snomed.info/sct",
		SourceCode:   "22298006",
		TargetSystem: "http://hl7.org/fhir/sid/icd-10",
		Reverse:      true,
	})
	if err != nil {
		t.Fatalf("TranslateConcept() error = %v", err)
	}
	want := service.TranslateConceptMatch{
		System:        "http://hl7.org/fhir/sid/icd-10",
		Code:          "I21",
		Display:       "Acute MI",
		Equivalence:   "equivalent",
		ConceptMapURL: "http://example.org/ConceptMap/sct-icd",
	}
	if !res.Result || len(res.Matches) != 1 || res.Matches[0] != want {
		t.Errorf("result = %+v", res)
	}
	if got := strings.Join(paramNames(srv.last().Params), ","); got != "code,system,targetsystem,reverse" {
		t.Errorf("params = %s", got)
	}
}

func TestFetchCodeSystem(t *testing.T) {
	srv := newFakeServer(t)
	srv.respond("/CodeSystem", `{"resourceType":"Bundle","entry":[
		{"resource":{"resourceType":"CodeSystem","url":"http://example.org/cs","concept":[{"code":"a"}]}},
		{"resource":{"resourceType":"CodeSystem","url":"http://example.org/cs-other"}}
	]}`)
	c := NewClient(srv.URL)
	ctx := context.Background()

	cs, err := c.FetchCodeSystem(ctx, "http://example.org/cs")
	if err != nil {
		t.Fatalf("FetchCodeSystem() error = %v", err)
	}
	if cs == nil || service.Deref(cs.Url) != "http://example.org/cs" {
		t.Fatalf("cs = %+v; want the first entry", cs)
	}

	req := srv.last()
	if req.Method != http.MethodGet || req.Query != "url=http%3A%2F%2Fexample.org%2Fcs" {
		t.Errorf("request = %s ?%s", req.Method, req.Query)
	}

	supported, err := c.IsCodeSystemSupported(ctx, "http://example.org/cs")
	if err != nil || !supported {
		t.Errorf("IsCodeSystemSupported() = %v, %v", supported, err)
	}

	srv.respond("/CodeSystem", `{"resourceType":"Bundle"}`)
	cs, err = c.FetchCodeSystem(ctx, "http://example.org/missing")
	if err != nil || cs != nil {
		t.Errorf("FetchCodeSystem(missing) = %v, %v; want nil, nil", cs, err)
	}
}

func TestMetadata(t *testing.T) {
	srv := newFakeServer(t)
	srv.respond("/metadata", `{"resourceType":"TerminologyCapabilities"}`)
	c := NewClient(srv.URL + "/")

	raw, err := c.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if ResourceTypeOf(raw) != "TerminologyCapabilities" {
		t.Errorf("metadata = %s", raw)
	}
	if srv.last().Query != "mode=terminology" {
		t.Errorf("query = %q", srv.last().Query)
	}
}

func TestMiddlewares(t *testing.T) {
	srv := newFakeServer(t)
	srv.respond("/metadata", `{}`)

	var order []string
	trace := func(name string) Middleware {
		return func(*http.Request) error {
			order = append(order, name)
			return nil
		}
	}

	c := NewClient(srv.URL, WithMiddleware(
		trace("first"),
		BearerToken("secret"),
		Header("X-Tenant", "acme"),
		RequestID(),
		trace("last"),
	))
	if _, err := c.Metadata(context.Background()); err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}

	h := srv.last().Header
	if h.Get("Authorization") != "Bearer secret" || h.Get("X-Tenant") != "acme" || h.Get(RequestIDHeader) == "" {
		t.Errorf("headers = %v", h)
	}
	if strings.Join(order, ",") != "first,last" {
		t.Errorf("order = %v", order)
	}

	t.Run("error aborts request", func(t *testing.T) {
		before := srv.count()
		failing := NewClient(srv.URL, WithMiddleware(TokenSource(func(context.Context) (string, error) {
			return "", errors.New("token endpoint down")
		})))
		if _, err := failing.Metadata(context.Background()); err == nil {
			t.Fatal("expected middleware error")
		}
		if srv.count() != before {
			t.Error("request sent despite middleware error")
		}
	})
}
