package capability

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opsrig/flowkit/pkg/schema"
)

// HTTPConfig configures the http provider.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// NewHTTPProvider returns the "http" capability provider with its request,
// get and post actions.
func NewHTTPProvider(cfg HTTPConfig) Provider {
	req := newHTTPRequestAction(cfg)
	return NewProvider("http",
		req,
		&httpGetAction{inner: req},
		&httpPostAction{inner: req},
	)
}

// Param helpers shared by the builtin actions.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

// --- JSON Schemas ---

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "success": {"type": "boolean"},
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// --- http.request ---

type httpRequestAction struct {
	config HTTPConfig
}

func newHTTPRequestAction(cfg HTTPConfig) *httpRequestAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &httpRequestAction{config: cfg}
}

func (a *httpRequestAction) Name() string { return "request" }

func (a *httpRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Execute an HTTP request with full control over method, headers, body, auth, and redirects.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (a *httpRequestAction) Validate(input map[string]any) error {
	rawURL := stringParam(input, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (a *httpRequestAction) Execute(ctx context.Context, input ActionInput) (Result, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := a.Validate(params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	rawURL := stringParam(params, "url", "")
	bodyEncoding := stringParam(params, "body_encoding", "json")
	followRedirects := boolParam(params, "follow_redirects", true)
	maxRedirects := intParam(params, "max_redirects", 10)
	tlsSkipVerify := boolParam(params, "tls_skip_verify", false)
	failOnErrorStatus := boolParam(params, "fail_on_error_status", false)

	timeout := a.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	// Build request body
	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := params["body"]; ok && rawBody != nil {
		switch bodyEncoding {
		case "form":
			formData, ok := rawBody.(map[string]any)
			if ok {
				vals := url.Values{}
				for k, v := range formData {
					vals.Set(k, fmt.Sprintf("%v", v))
				}
				bodyReader = strings.NewReader(vals.Encode())
				contentType = "application/x-www-form-urlencoded"
			}
		case "text":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
			contentType = "text/plain"
		case "raw":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
		default: // json
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeActionExecution, "http.request: failed to marshal body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "http.request: failed to create request").WithCause(err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if hdrs, ok := params["headers"]; ok {
		if hm, ok := hdrs.(map[string]any); ok {
			for k, v := range hm {
				req.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}
	}

	// Auth material comes from the node's config map, never its inputs.
	applyAuth(req, input.Auth)

	// A fresh client per call so redirect and TLS settings never leak
	// between nodes.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		limit := maxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	limitedReader := io.LimitReader(resp.Body, a.config.MaxResponseBody)
	bodyBytes, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "http.request: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) == 0 {
		parsedBody = nil
	} else if strings.Contains(respContentType, "application/json") {
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	} else {
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := Result{
		schema.SuccessKey: resp.StatusCode < 400,
		"status_code":     resp.StatusCode,
		"status":          resp.Status,
		"headers":         respHeaders,
		"body":            parsedBody,
		"content_type":    respContentType,
		"duration_ms":     durationMs,
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "http.request: server returned %d", resp.StatusCode).
			WithDetails(map[string]any(result))
	}

	return result, nil
}

// applyAuth sets request credentials from the node's auth config.
// Supported types: bearer, basic, api_key.
func applyAuth(req *http.Request, auth map[string]any) {
	if auth == nil {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

// --- http.get ---

type httpGetAction struct {
	inner *httpRequestAction
}

func (a *httpGetAction) Name() string { return "get" }

func (a *httpGetAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Convenience action for HTTP GET requests.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (a *httpGetAction) Validate(input map[string]any) error {
	return a.inner.Validate(input)
}

func (a *httpGetAction) Execute(ctx context.Context, input ActionInput) (Result, error) {
	if input.Params == nil {
		input.Params = map[string]any{}
	}
	input.Params["method"] = "GET"
	return a.inner.Execute(ctx, input)
}

// --- http.post ---

type httpPostAction struct {
	inner *httpRequestAction
}

func (a *httpPostAction) Name() string { return "post" }

func (a *httpPostAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Convenience action for HTTP POST requests.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (a *httpPostAction) Validate(input map[string]any) error {
	return a.inner.Validate(input)
}

func (a *httpPostAction) Execute(ctx context.Context, input ActionInput) (Result, error) {
	if input.Params == nil {
		input.Params = map[string]any{}
	}
	input.Params["method"] = "POST"
	return a.inner.Execute(ctx, input)
}
