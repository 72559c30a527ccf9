package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/relaybridge/internal/protocol"
)

// Executor defaults.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxBodySize    = 10 << 20
	defaultContentType    = "application/json"
)

// skippedHeaders are managed by the HTTP client and never copied from a
// Request envelope.
var skippedHeaders = map[string]bool{
	"Content-Length": true,
	"Host":           true,
	"Connection":     true,
}

// ExecutorConfig configures how Request envelopes become HTTP calls.
type ExecutorConfig struct {
	// AllowedDomains restricts target hosts. Empty allows every host.
	AllowedDomains []string

	// RequestTimeout bounds each upstream call.
	RequestTimeout time.Duration

	// MaxBodySize caps the upstream response body.
	MaxBodySize int64

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// Executor performs the HTTP call described by a Request envelope.
type Executor struct {
	allowed     map[string]bool
	client      *http.Client
	maxBodySize int64
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	var allowed map[string]bool
	for _, d := range cfg.AllowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if allowed == nil {
			allowed = make(map[string]bool)
		}
		allowed[d] = true
	}

	return &Executor{
		allowed:     allowed,
		client:      client,
		maxBodySize: cfg.MaxBodySize,
	}
}

// Allowed reports whether requests to host may be executed.
func (e *Executor) Allowed(host string) bool {
	if e.allowed == nil {
		return true
	}
	return e.allowed[strings.ToLower(host)]
}

// Execute runs the request and always returns a Response envelope carrying
// the request's correlation id.
func (e *Executor) Execute(ctx context.Context, req *protocol.Envelope) *protocol.Envelope {
	id := req.CorrelationID

	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return protocol.NewErrorResponse(id, http.StatusBadRequest, fmt.Sprintf("invalid url: %q", req.URL))
	}
	if !e.Allowed(target.Hostname()) {
		return protocol.NewErrorResponse(id, protocol.StatusForbidden, "Domain not allowed: "+target.Hostname())
	}

	httpReq, err := e.buildRequest(ctx, req)
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.StatusRequestFailed, "request failed: "+err.Error())
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.StatusRequestFailed, "request failed: "+err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBodySize+1))
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.StatusRequestFailed, "request failed: "+err.Error())
	}
	if int64(len(body)) > e.maxBodySize {
		return protocol.NewErrorResponse(id, http.StatusBadGateway,
			"response body exceeds "+humanize.IBytes(uint64(e.maxBodySize)))
	}

	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[name] = strings.Join(values, ", ")
	}

	return protocol.NewResponse(id, resp.StatusCode, headers, string(body))
}

func (e *Executor) buildRequest(ctx context.Context, req *protocol.Envelope) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	hasBody := req.Body != "" && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch)
	if hasBody {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}

	for name, value := range req.Headers {
		canonical := http.CanonicalHeaderKey(name)
		if skippedHeaders[canonical] || canonical == "Content-Type" {
			continue
		}
		httpReq.Header.Set(canonical, value)
	}

	if hasBody {
		contentType := defaultContentType
		for name, value := range req.Headers {
			if strings.EqualFold(name, "Content-Type") && value != "" {
				contentType = value
				break
			}
		}
		httpReq.Header.Set("Content-Type", contentType)
	}

	return httpReq, nil
}
