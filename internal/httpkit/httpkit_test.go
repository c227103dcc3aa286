package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func echoHeader(name string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get(name)))
	}))
}

func get(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient()
	if c.Timeout != DefaultClientTimeout {
		t.Errorf("expected %v timeout, got %v", DefaultClientTimeout, c.Timeout)
	}
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	srv := echoHeader("User-Agent")
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := get(t, NewClient(), req); !strings.HasPrefix(got, "HubPilot/") {
		t.Errorf("expected HubPilot/ prefix, got %q", got)
	}
}

func TestNewClient_ExistingHeaderNotOverwritten(t *testing.T) {
	srv := echoHeader("User-Agent")
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "Custom/2.0")
	if got := get(t, NewClient(), req); got != "Custom/2.0" {
		t.Errorf("expected Custom/2.0, got %q", got)
	}
}

func TestNewClient_WithHeader(t *testing.T) {
	srv := echoHeader("Authorization")
	defer srv.Close()

	c := NewClient(WithHeader("Authorization", "Bearer pat-123"))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := get(t, c, req); got != "Bearer pat-123" {
		t.Errorf("Authorization = %q, want Bearer pat-123", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("caller's request was mutated")
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPer {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

func TestReadErrorBody(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(strings.NewReader("quota exceeded")), 1024)
	if got != "quota exceeded" {
		t.Errorf("got %q", got)
	}
}

func TestReadErrorBody_Truncated(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(strings.NewReader(strings.Repeat("x", 100))), 10)
	if len(got) != 10 {
		t.Errorf("expected 10 bytes, got %d", len(got))
	}
}

func TestReadErrorBody_Nil(t *testing.T) {
	if got := ReadErrorBody(nil, 100); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

type scriptedRoundTripper struct {
	errs  []error
	calls int
}

func (s *scriptedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Request: req}, nil
}

func dialErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errno}
}

func TestDialRetry_RecoversAfterRefused(t *testing.T) {
	base := &scriptedRoundTripper{errs: []error{dialErr(syscall.ECONNREFUSED), dialErr(syscall.EHOSTUNREACH)}}
	rt := &dialRetryTransport{base: base, count: 3, delay: time.Millisecond, logger: discardLogger()}

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip error: %v", err)
	}
	resp.Body.Close()
	if base.calls != 3 {
		t.Errorf("calls = %d, want 3", base.calls)
	}
}

func TestDialRetry_NoRetryOnOtherErrors(t *testing.T) {
	base := &scriptedRoundTripper{errs: []error{errors.New("tls: bad certificate")}}
	rt := &dialRetryTransport{base: base, count: 3, delay: time.Millisecond, logger: discardLogger()}

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}

func TestDialRetry_NoRetryWithoutGetBody(t *testing.T) {
	base := &scriptedRoundTripper{errs: []error{dialErr(syscall.ECONNREFUSED)}}
	rt := &dialRetryTransport{base: base, count: 3, delay: time.Millisecond, logger: discardLogger()}

	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid/", io.NopCloser(strings.NewReader("{}")))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}

func TestDialRetry_RespectsContextCancellation(t *testing.T) {
	base := &scriptedRoundTripper{errs: []error{dialErr(syscall.ECONNREFUSED), dialErr(syscall.ECONNREFUSED)}}
	rt := &dialRetryTransport{base: base, count: 5, delay: time.Hour, logger: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid/", nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestIsDialError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{dialErr(syscall.ECONNREFUSED), true},
		{dialErr(syscall.ENETUNREACH), true},
		{fmt.Errorf("wrapped: %w", dialErr(syscall.EHOSTUNREACH)), true},
		{dialErr(syscall.ECONNRESET), false},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsDialError(tt.err); got != tt.want {
			t.Errorf("IsDialError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
