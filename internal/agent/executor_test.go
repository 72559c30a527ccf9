package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/postalsys/relaybridge/internal/protocol"
)

type capturedRequest struct {
	method string
	header http.Header
	body   string
}

func captureServer(t *testing.T, status int, respBody string) (*httptest.Server, chan capturedRequest) {
	t.Helper()
	seen := make(chan capturedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen <- capturedRequest{method: r.Method, header: r.Header.Clone(), body: string(b)}
		w.Header().Set("X-Upstream", "yes")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(status)
		io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestExecutor_GET(t *testing.T) {
	srv, seen := captureServer(t, http.StatusOK, "hello")
	e := NewExecutor(ExecutorConfig{})

	req := protocol.NewRequest("c1", "get", srv.URL+"/path?q=1", map[string]string{
		"X-Custom":       "v",
		"Host":           "evil.example",
		"Connection":     "close",
		"Content-Length": "99",
	}, "ignored body")

	resp := e.Execute(context.Background(), req)

	if resp.Type != protocol.TypeResponse || resp.CorrelationID != "c1" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if resp.Status() != http.StatusOK {
		t.Errorf("Status() = %d, want 200", resp.Status())
	}
	if resp.Body != "hello" {
		t.Errorf("Body = %q, want hello", resp.Body)
	}
	if resp.Headers["X-Upstream"] != "yes" {
		t.Errorf("X-Upstream header = %q", resp.Headers["X-Upstream"])
	}
	if resp.Headers["Set-Cookie"] != "a=1, b=2" {
		t.Errorf("Set-Cookie header = %q, want joined values", resp.Headers["Set-Cookie"])
	}

	got := <-seen
	if got.method != http.MethodGet {
		t.Errorf("method = %s, want GET", got.method)
	}
	if got.body != "" {
		t.Errorf("GET carried body %q", got.body)
	}
	if got.header.Get("X-Custom") != "v" {
		t.Error("custom header not forwarded")
	}
	if got.header.Get("Connection") == "close" {
		t.Error("Connection header should not be forwarded")
	}
}

func TestExecutor_BodyMethods(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		headers  map[string]string
		wantBody string
		wantCT   string
	}{
		{"post default content type", "POST", nil, `{"a":1}`, "application/json"},
		{"put explicit content type", "PUT", map[string]string{"content-type": "text/plain"}, `{"a":1}`, "text/plain"},
		{"patch", "PATCH", nil, `{"a":1}`, "application/json"},
		{"delete drops body", "DELETE", nil, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, seen := captureServer(t, http.StatusCreated, "")
			e := NewExecutor(ExecutorConfig{})

			resp := e.Execute(context.Background(), protocol.NewRequest("c", tt.method, srv.URL, tt.headers, `{"a":1}`))
			if resp.Status() != http.StatusCreated {
				t.Fatalf("Status() = %d, error %q", resp.Status(), resp.Error)
			}

			got := <-seen
			if got.method != tt.method {
				t.Errorf("method = %s, want %s", got.method, tt.method)
			}
			if got.body != tt.wantBody {
				t.Errorf("body = %q, want %q", got.body, tt.wantBody)
			}
			if ct := got.header.Get("Content-Type"); ct != tt.wantCT {
				t.Errorf("Content-Type = %q, want %q", ct, tt.wantCT)
			}
		})
	}
}

func TestExecutor_AllowedDomains(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "ok")

	e := NewExecutor(ExecutorConfig{AllowedDomains: []string{"internal.example.com", " "}})
	resp := e.Execute(context.Background(), protocol.NewRequest("c", "GET", srv.URL, nil, ""))
	if resp.Status() != http.StatusForbidden {
		t.Errorf("Status() = %d, want 403", resp.Status())
	}
	if resp.Error != "Domain not allowed: 127.0.0.1" {
		t.Errorf("Error = %q", resp.Error)
	}

	e = NewExecutor(ExecutorConfig{AllowedDomains: []string{"127.0.0.1"}})
	if resp := e.Execute(context.Background(), protocol.NewRequest("c", "GET", srv.URL, nil, "")); resp.Status() != http.StatusOK {
		t.Errorf("allowed host: Status() = %d, want 200", resp.Status())
	}

	if !e.Allowed("127.0.0.1") || e.Allowed("10.0.0.1") {
		t.Error("Allowed() mismatch")
	}
	if !NewExecutor(ExecutorConfig{}).Allowed("anything") {
		t.Error("empty allow list should allow every host")
	}
}

func TestExecutor_Failures(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	big := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 2048))
	}))
	defer big.Close()

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantErr    string
	}{
		{"unreachable", closedURL, protocol.StatusRequestFailed, "request failed: "},
		{"relative url", "/just/a/path", http.StatusBadRequest, "invalid url"},
		{"unsupported scheme", "ftp://host/file", http.StatusBadRequest, "invalid url"},
		{"body too large", big.URL, http.StatusBadGateway, "response body exceeds 1.0 KiB"},
	}

	e := NewExecutor(ExecutorConfig{MaxBodySize: 1024})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.Execute(context.Background(), protocol.NewRequest("c9", "GET", tt.url, nil, ""))
			if resp.Status() != tt.wantStatus {
				t.Errorf("Status() = %d, want %d", resp.Status(), tt.wantStatus)
			}
			if !strings.HasPrefix(resp.Error, tt.wantErr) {
				t.Errorf("Error = %q, want prefix %q", resp.Error, tt.wantErr)
			}
			if resp.CorrelationID != "c9" {
				t.Errorf("CorrelationID = %q, want c9", resp.CorrelationID)
			}
		})
	}
}
