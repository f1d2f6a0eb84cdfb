package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofhir/fhir/r4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/gofhir/txcache/pkg/logger"
	"github.com/gofhir/txcache/service"
)

// DefaultConnectTimeout bounds the TCP connect phase of outbound calls.
const DefaultConnectTimeout = 2 * time.Minute

// ContentType is sent and accepted on every request.
const ContentType = "application/fhir+json"

// HTTPError is returned for a non-2xx response.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: server returned status %d: %s", e.Method, e.URL, e.StatusCode, strings.TrimSpace(string(e.Body)))
}

func isNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// Client is a service.Provider backed by a remote FHIR terminology server.
//
// An empty base URL puts the client in degraded mode: validation returns a
// warning and every other operation returns no value, without any network
// call. Requests are never retried.
type Client struct {
	service.NullProvider

	baseURL     string
	http        *retryablehttp.Client
	middlewares []Middleware
	resolver    service.ResourceFetcher
	fallback    service.ValueSetExpander
	log         zerolog.Logger
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	httpClient     *http.Client
	connectTimeout time.Duration
	middlewares    []Middleware
	resolver       service.ResourceFetcher
	fallback       service.ValueSetExpander
	log            zerolog.Logger
}

// WithHTTPClient sets the underlying HTTP client. The connect timeout is
// not applied to a client supplied this way.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *clientConfig) {
		cfg.httpClient = c
	}
}

// WithConnectTimeout sets the connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = d
	}
}

// WithMiddleware appends request middlewares.
func WithMiddleware(mw ...Middleware) Option {
	return func(cfg *clientConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithResolver sets the provider used to turn ValueSet URLs into
// resources before validating. Defaults to the client itself.
func WithResolver(r service.ResourceFetcher) Option {
	return func(cfg *clientConfig) {
		cfg.resolver = r
	}
}

// WithExpansionFallback sets the expander used when the server returns no
// usable expansion.
func WithExpansionFallback(e service.ValueSetExpander) Option {
	return func(cfg *clientConfig) {
		cfg.fallback = e
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cfg *clientConfig) {
		cfg.log = l
	}
}

// NewClient creates a client for the terminology server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	cfg := clientConfig{
		connectTimeout: DefaultConnectTimeout,
		log:            logger.Component("remote"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	hc := cfg.httpClient
	if hc == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{
			Timeout:   cfg.connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
		hc = &http.Client{Transport: transport}
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = hc
	rc.RetryMax = 0
	rc.CheckRetry = func(ctx context.Context, _ *http.Response, _ error) (bool, error) {
		return false, ctx.Err()
	}
	rc.Logger = logger.Retryable(cfg.log)

	c := &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:        rc,
		middlewares: cfg.middlewares,
		resolver:    cfg.resolver,
		fallback:    cfg.fallback,
		log:         cfg.log,
	}
	if c.resolver == nil {
		c.resolver = c
	}
	return c
}

// SetResolver replaces the provider used to resolve ValueSet URLs, for
// when that provider is assembled around the client itself. Call it before
// the client is shared. A nil resolver restores the default.
func (c *Client) SetResolver(r service.ResourceFetcher) {
	if r == nil {
		r = c
	}
	c.resolver = r
}

// BaseURL returns the configured server URL, empty in degraded mode.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Configured reports whether a server URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// ValidateCode implements service.CodeValidator.
// A ValueSet URL is resolved to a resource first so that the server does
// not need to know the ValueSet.
func (c *Client) ValidateCode(ctx context.Context, opts service.ValidationOptions, system, code string, display *string, valueSetURL string) (*service.CodeValidationResult, error) {
	if !c.Configured() {
		return service.Unvalidated(system, code), nil
	}
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}

	if strings.TrimSpace(valueSetURL) != "" {
		vs, err := c.resolver.FetchValueSet(ctx, valueSetURL)
		if err != nil {
			return nil, fmt.Errorf("resolve ValueSet %s: %w", valueSetURL, err)
		}
		if vs != nil {
			return c.ValidateCodeInValueSet(ctx, opts, system, code, display, vs)
		}
		return c.validateCode(ctx, system, code, display, valueSetURL, nil)
	}

	return c.validateCode(ctx, system, code, display, "", nil)
}

// ValidateCodeInValueSet implements service.CodeValidator.
// Inferring the system is not supported remotely and yields no result.
func (c *Client) ValidateCodeInValueSet(ctx context.Context, opts service.ValidationOptions, system, code string, display *string, vs *r4.ValueSet) (*service.CodeValidationResult, error) {
	if !c.Configured() {
		return service.Unvalidated(system, code), nil
	}
	if strings.TrimSpace(code) == "" || opts.InferSystem {
		return nil, nil
	}
	return c.validateCode(ctx, system, code, display, "", vs)
}

// validateCode builds and sends a $validate-code request. With neither a
// ValueSet URL nor a resource the request is CodeSystem scoped.
func (c *Client) validateCode(ctx context.Context, system, code string, display *string, valueSetURL string, vs *r4.ValueSet) (*service.CodeValidationResult, error) {
	params := NewParameters()
	resourceType := "CodeSystem"

	if valueSetURL != "" || vs != nil {
		resourceType = "ValueSet"
		if vs == nil {
			params.Parameter = append(params.Parameter, URIParam("url", valueSetURL))
		}
		params.Parameter = append(params.Parameter, CodeParam("code", code))
		if system != "" {
			params.Parameter = append(params.Parameter, URIParam("system", system))
		}
	} else {
		params.Parameter = append(params.Parameter, URIParam("url", system), CodeParam("code", code))
	}
	if display != nil && strings.TrimSpace(*display) != "" {
		params.Parameter = append(params.Parameter, StringParam("display", *display))
	}
	if vs != nil {
		params.Parameter = append(params.Parameter, ResourceParam("valueSet", vs))
	}

	var resp r4.Parameters
	if err := c.post(ctx, resourceType+"/$validate-code", params, &resp); err != nil {
		return nil, err
	}
	return ParseValidateCodeResponse(code, &resp)
}

// ParseValidateCodeResponse turns a $validate-code response into a result.
// No result value means no answer. More than one is a protocol violation.
func ParseValidateCodeResponse(code string, resp *r4.Parameters) (*service.CodeValidationResult, error) {
	results := Get(resp.Parameter, "result")
	if len(results) == 0 {
		return nil, nil
	}
	if len(results) > 1 {
		return nil, fmt.Errorf("%w: Response contained %d 'result' values", service.ErrProtocol, len(results))
	}

	value, _ := Primitive(results[0])
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	if strings.EqualFold(value, "true") {
		return &service.CodeValidationResult{
			Code:     code,
			Display:  Value(resp.Parameter, "display"),
			Severity: service.SeverityOK,
		}, nil
	}
	return &service.CodeValidationResult{
		Severity: service.SeverityError,
		Message:  Value(resp.Parameter, "message"),
	}, nil
}

// LookupCode implements service.CodeLookup. Every property is requested.
func (c *Client) LookupCode(ctx context.Context, system, code, displayLanguage string) (*service.LookupCodeResult, error) {
	if !c.Configured() || strings.TrimSpace(code) == "" {
		return nil, nil
	}

	params := NewParameters(CodeParam("code", code))
	if strings.TrimSpace(system) != "" {
		params.Parameter = append(params.Parameter, URIParam("system", system))
	}
	if strings.TrimSpace(displayLanguage) != "" {
		params.Parameter = append(params.Parameter, CodeParam("displayLanguage", displayLanguage))
	}
	params.Parameter = append(params.Parameter, CodeParam("property", "*"))

	notFound := &service.LookupCodeResult{SearchedForCode: code, SearchedForSystem: system}

	var raw json.RawMessage
	if err := c.post(ctx, "CodeSystem/$lookup", params, &raw); err != nil {
		if isNotFound(err) {
			return notFound, nil
		}
		return nil, err
	}
	if ResourceTypeOf(raw) != "Parameters" {
		return notFound, nil
	}

	var resp r4.Parameters
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}
	result := ParseLookupResponse(&resp)
	result.SearchedForCode = code
	result.SearchedForSystem = system
	result.RawResponse = raw
	return result, nil
}

// ParseLookupResponse reads a $lookup response. Parameters other than the
// well-known ones become properties, as do standard "property" groups.
func ParseLookupResponse(resp *r4.Parameters) *service.LookupCodeResult {
	result := &service.LookupCodeResult{}
	for _, prm := range resp.Parameter {
		value, isPrimitive := Primitive(prm)
		switch name := Name(prm); name {
		case "code":
			result.Found = true
		case "display":
			result.CodeDisplay = value
		case "name":
			result.CodeSystemDisplayName = value
		case "version":
			result.CodeSystemVersion = value
		case "system", "abstract", "designation":
		case "property":
			if p := propertyFromParts(prm); p != nil {
				result.Properties = append(result.Properties, p)
			}
		default:
			if prop := propertyFromValue(name, prm, value, isPrimitive); prop != nil {
				result.Properties = append(result.Properties, prop)
			}
		}
	}
	return result
}

func propertyFromParts(prm r4.ParametersParameter) service.ConceptProperty {
	codePart, ok := First(prm.Part, "code")
	if !ok {
		return nil
	}
	name, _ := Primitive(codePart)
	valuePart, ok := First(prm.Part, "value")
	if !ok {
		return nil
	}
	value, isPrimitive := Primitive(valuePart)
	return propertyFromValue(name, valuePart, value, isPrimitive)
}

func propertyFromValue(name string, prm r4.ParametersParameter, value string, isPrimitive bool) service.ConceptProperty {
	switch {
	case prm.ValueCoding != nil:
		return service.CodingProperty{
			Name:    name,
			System:  service.Deref(prm.ValueCoding.System),
			Code:    service.Deref(prm.ValueCoding.Code),
			Display: service.Deref(prm.ValueCoding.Display),
		}
	case prm.ValueCode != nil:
		return service.CodingProperty{Name: name, Code: value}
	case isPrimitive:
		return service.StringProperty{Name: name, Value: value}
	}
	return nil
}

// ExpandValueSet implements service.ValueSetExpander.
func (c *Client) ExpandValueSet(ctx context.Context, opts *service.ExpansionOptions, vs *r4.ValueSet) (*service.ValueSetExpansionOutcome, error) {
	if !c.Configured() || vs == nil {
		return c.fallbackExpand(ctx, opts, vs)
	}

	params := NewParameters()
	if opts != nil && opts.Filter != "" {
		params.Parameter = append(params.Parameter, StringParam("filter", opts.Filter))
	}
	params.Parameter = append(params.Parameter, ResourceParam("valueSet", vs))

	var raw json.RawMessage
	if err := c.post(ctx, "ValueSet/$expand", params, &raw); err != nil {
		return nil, err
	}

	expanded, err := expansionFromResponse(raw)
	if err != nil {
		return nil, err
	}
	if expanded == nil {
		c.log.Debug().Str("valueSet", service.Deref(vs.Url)).Msg("no expansion in response, using fallback")
		return c.fallbackExpand(ctx, opts, vs)
	}
	return &service.ValueSetExpansionOutcome{ValueSet: expanded}, nil
}

// expansionFromResponse accepts a bare ValueSet or a Parameters whose
// first parameter carries one.
func expansionFromResponse(raw json.RawMessage) (*r4.ValueSet, error) {
	switch ResourceTypeOf(raw) {
	case "ValueSet":
		var vs r4.ValueSet
		if err := json.Unmarshal(raw, &vs); err != nil {
			return nil, fmt.Errorf("decode expanded ValueSet: %w", err)
		}
		return &vs, nil
	case "Parameters":
		var resp r4.Parameters
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decode expand response: %w", err)
		}
		if len(resp.Parameter) == 0 {
			return nil, nil
		}
		vs, _ := resp.Parameter[0].Resource.(*r4.ValueSet)
		return vs, nil
	}
	return nil, nil
}

func (c *Client) fallbackExpand(ctx context.Context, opts *service.ExpansionOptions, vs *r4.ValueSet) (*service.ValueSetExpansionOutcome, error) {
	if c.fallback == nil {
		return nil, nil
	}
	return c.fallback.ExpandValueSet(ctx, opts, vs)
}

// TranslateConcept implements service.ConceptTranslator via $translate.
func (c *Client) TranslateConcept(ctx context.Context, req service.TranslateCodeRequest) (*service.TranslateConceptResults, error) {
	if !c.Configured() || strings.TrimSpace(req.SourceCode) == "" {
		return nil, nil
	}

	params := NewParameters()
	if req.ConceptMapURL != "" {
		params.Parameter = append(params.Parameter, URIParam("url", req.ConceptMapURL))
	}
	params.Parameter = append(params.Parameter, CodeParam("code", req.SourceCode))
	if req.SourceSystem != "" {
		params.Parameter = append(params.Parameter, URIParam("system", req.SourceSystem))
	}
	if req.TargetSystem != "" {
		params.Parameter = append(params.Parameter, URIParam("targetsystem", req.TargetSystem))
	}
	if req.TargetValueSetURL != "" {
		params.Parameter = append(params.Parameter, URIParam("target", req.TargetValueSetURL))
	}
	if req.Reverse {
		params.Parameter = append(params.Parameter, BooleanParam("reverse", true))
	}

	var resp r4.Parameters
	if err := c.post(ctx, "ConceptMap/$translate", params, &resp); err != nil {
		return nil, err
	}
	return ParseTranslateResponse(&resp), nil
}

// ParseTranslateResponse reads a $translate response.
func ParseTranslateResponse(resp *r4.Parameters) *service.TranslateConceptResults {
	results := &service.TranslateConceptResults{
		Result:  strings.EqualFold(Value(resp.Parameter, "result"), "true"),
		Message: Value(resp.Parameter, "message"),
	}
	for _, m := range Get(resp.Parameter, "match") {
		match := service.TranslateConceptMatch{
			Equivalence:   Value(m.Part, "equivalence"),
			ConceptMapURL: Value(m.Part, "source"),
		}
		if p, ok := First(m.Part, "concept"); ok && p.ValueCoding != nil {
			match.System = service.Deref(p.ValueCoding.System)
			match.Code = service.Deref(p.ValueCoding.Code)
			match.Display = service.Deref(p.ValueCoding.Display)
		}
		results.Matches = append(results.Matches, match)
	}
	return results
}

// FetchCodeSystem implements service.ResourceFetcher with a url search.
func (c *Client) FetchCodeSystem(ctx context.Context, url string) (*r4.CodeSystem, error) {
	res, err := c.search(ctx, "CodeSystem", url)
	if err != nil {
		return nil, err
	}
	cs, _ := res.(*r4.CodeSystem)
	return cs, nil
}

// FetchValueSet implements service.ResourceFetcher with a url search.
func (c *Client) FetchValueSet(ctx context.Context, url string) (*r4.ValueSet, error) {
	res, err := c.search(ctx, "ValueSet", url)
	if err != nil {
		return nil, err
	}
	vs, _ := res.(*r4.ValueSet)
	return vs, nil
}

// FetchResource implements service.ResourceFetcher. It returns the first
// entry of a {type}?url= search.
func (c *Client) FetchResource(ctx context.Context, resourceType, canonical string) (json.RawMessage, error) {
	res, err := c.search(ctx, resourceType, canonical)
	if err != nil || res == nil {
		return nil, err
	}
	return json.Marshal(res)
}

// search returns the first entry of a {type}?url= search, or nil.
func (c *Client) search(ctx context.Context, resourceType, canonical string) (r4.Resource, error) {
	if !c.Configured() || canonical == "" {
		return nil, nil
	}

	var bundle r4.Bundle
	err := c.get(ctx, resourceType, url.Values{"url": {canonical}}, &bundle)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(bundle.Entry) == 0 {
		return nil, nil
	}
	return bundle.Entry[0].Resource, nil
}

// IsCodeSystemSupported implements service.ResourceFetcher.
func (c *Client) IsCodeSystemSupported(ctx context.Context, system string) (bool, error) {
	cs, err := c.FetchCodeSystem(ctx, system)
	if err != nil {
		return false, err
	}
	return cs != nil, nil
}

// Metadata returns the server's TerminologyCapabilities statement.
func (c *Client) Metadata(ctx context.Context) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, nil
	}
	var raw json.RawMessage
	if err := c.get(ctx, "metadata", url.Values{"mode": {"terminology"}}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// get wraps do using http.MethodGet
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, response any) error {
	return c.do(ctx, http.MethodGet, endpoint, query, nil, response)
}

// post wraps do using http.MethodPost
func (c *Client) post(ctx context.Context, endpoint string, body, response any) error {
	return c.do(ctx, http.MethodPost, endpoint, nil, body, response)
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, response any) error {
	req, err := c.prepareRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if err := c.signRequest(req); err != nil {
		return err
	}
	return c.sendRequest(req, response)
}

func (c *Client) prepareRequest(ctx context.Context, method, endpoint string, query url.Values, body any) (*retryablehttp.Request, error) {
	uri, err := url.JoinPath(c.baseURL, endpoint)
	if err != nil {
		return nil, fmt.Errorf("build request url: %w", err)
	}
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, uri, payload)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", ContentType)
	}
	req.Header.Set("Accept", ContentType)
	return req, nil
}

func (c *Client) signRequest(req *retryablehttp.Request) error {
	for _, mw := range c.middlewares {
		if err := mw(req.Request); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendRequest(req *retryablehttp.Request, response any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	c.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("terminology request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       bodyBytes,
		}
	}

	if response == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, response); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.String(), err)
	}
	return nil
}

var _ service.Provider = (*Client)(nil)
