// Package transport is the HTTP-like request function used by the offline
// queue and the connectivity prober. Timeouts are the caller's concern and are
// carried by the context.
package transport

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/fellowship/pkg/errors"
)

const (
	// DefaultMaxBodyBytes caps response bodies to 10MB.
	DefaultMaxBodyBytes int64 = 10 * 1024 * 1024

	tracerName = "github.com/blueberrycongee/fellowship/internal/transport"
)

// ErrBodyTooLarge is returned when a response body exceeds MaxBodyBytes.
var ErrBodyTooLarge = stderrors.New("response body too large")

// Request is a transport-neutral outgoing request.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Response is the status and body of a completed request.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// OK reports whether the response has a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Transport sends requests.
type Transport interface {
	// Do sends req. A non-2xx status is returned as a network_error together
	// with the response.
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, req *Request) (*Response, error)

// Do calls f.
func (f Func) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Config configures an HTTP transport.
type Config struct {
	BaseURL      string `yaml:"base_url"`       // Resolves relative request URLs
	MaxBodyBytes int64  `yaml:"max_body_bytes"` // Response body cap (default: 10MB)
}

// Option configures an HTTP transport.
type Option func(*HTTP)

// WithHTTPClient sets the underlying client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *HTTP) {
		if client != nil {
			t.client = client
		}
	}
}

// WithTracer sets the tracer used for client spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(t *HTTP) {
		if tracer != nil {
			t.tracer = tracer
		}
	}
}

// HTTP sends requests with net/http.
type HTTP struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	tracer trace.Tracer
}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg Config, opts ...Option) (*HTTP, error) {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	t := &HTTP{
		cfg:    cfg,
		client: &http.Client{},
		tracer: otel.Tracer(tracerName),
	}
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		if base.Scheme != "http" && base.Scheme != "https" {
			return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
		}
		t.base = base
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Do sends req and reads the whole response body.
func (t *HTTP) Do(ctx context.Context, req *Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := t.resolve(req.URL)
	if err != nil {
		return nil, errors.NewNetworkError(method, req.URL, 0, err)
	}

	ctx, span := t.tracer.Start(ctx, "transport "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("server.address", hostOf(target)),
		),
	)
	defer span.End()

	resp, err := t.send(ctx, method, target, req)
	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func (t *HTTP) send(ctx context.Context, method, target string, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.NewNetworkError(method, target, 0, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, errors.NewNetworkError(method, target, 0, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := readLimited(httpResp.Body, t.cfg.MaxBodyBytes)
	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       data,
	}
	if err != nil {
		return resp, errors.NewNetworkError(method, target, httpResp.StatusCode, err)
	}
	if !resp.OK() {
		return resp, errors.NewNetworkError(method, target, resp.StatusCode, nil)
	}
	return resp, nil
}

func (t *HTTP) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if t.base == nil {
		return "", fmt.Errorf("relative url %q without a base url", raw)
	}
	return t.base.ResolveReference(u).String(), nil
}

// readLimited reads up to maxBytes and fails with ErrBodyTooLarge beyond it.
// A negative maxBytes reads everything.
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes < 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return data, err
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], ErrBodyTooLarge
	}
	return data, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// NewJSONRequest encodes payload as the request body.
func NewJSONRequest(method, target string, payload any, headers map[string]string) (*Request, error) {
	req := &Request{Method: method, URL: target, Headers: headers}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		req.Body = data
	}
	return req, nil
}

// DecodeJSON decodes the response body into v.
func DecodeJSON(resp *Response, v any) error {
	if resp == nil || len(resp.Body) == 0 {
		return stderrors.New("empty response body")
	}
	return json.Unmarshal(resp.Body, v)
}
