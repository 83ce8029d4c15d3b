package client

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"cors-proxy/internal/config"
	"cors-proxy/internal/metrics"
)

func newTestClient(m *metrics.Metrics) *UpstreamClient {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUpstreamClient(cfg, logger, m)
}

func TestUpstreamClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want GET", r.Method)
		}
		if r.URL.RawQuery != "q=1" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "q=1")
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	c := newTestClient(nil)
	resp, err := c.Fetch(context.Background(), srv.URL+"/page?q=1")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !resp.OK() {
		t.Error("OK() = false, want true")
	}
	if string(resp.Body) != "<html>ok</html>" {
		t.Errorf("body = %q, want %q", resp.Body, "<html>ok</html>")
	}
}

func TestUpstreamClient_Fetch_BrowserHeaders(t *testing.T) {
	got := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
	}))
	defer srv.Close()

	c := newTestClient(nil)
	if _, err := c.Fetch(context.Background(), srv.URL); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	header := <-got
	for key, want := range browserHeaders {
		t.Run(key, func(t *testing.T) {
			if v := header.Get(key); v != want {
				t.Errorf("%s = %q, want %q", key, v, want)
			}
		})
	}
}

func TestUpstreamClient_Fetch_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	c := newTestClient(nil)
	resp, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v; status handling belongs to the caller", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if resp.OK() {
		t.Error("OK() = true, want false")
	}
}

// rawStatusServer answers one request with statusLine verbatim, so tests can
// send reason phrases net/http's server never writes.
func rawStatusServer(t *testing.T, statusLine string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		_, _ = io.WriteString(conn, statusLine+"\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	}()
	return "http://" + ln.Addr().String() + "/"
}

func TestUpstreamClient_Fetch_ReasonPhrase(t *testing.T) {
	tests := []struct {
		statusLine string
		wantCode   int
		wantReason string
	}{
		{"HTTP/1.1 404 Nope", http.StatusNotFound, "Nope"},
		{"HTTP/1.1 503 Service Unavailable", http.StatusServiceUnavailable, "Service Unavailable"},
		{"HTTP/1.1 500 It Broke Badly", http.StatusInternalServerError, "It Broke Badly"},
	}

	for _, tt := range tests {
		t.Run(tt.statusLine, func(t *testing.T) {
			url := rawStatusServer(t, tt.statusLine)

			resp, err := newTestClient(nil).Fetch(context.Background(), url)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if resp.StatusCode != tt.wantCode {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if resp.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", resp.Reason, tt.wantReason)
			}
		})
	}
}

func TestUpstreamClient_Fetch_ContentEncodings(t *testing.T) {
	const want = "<html><body>compressed page</body></html>"

	encoders := map[string]func(w io.Writer) io.WriteCloser{
		"gzip": func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) },
		"br":   func(w io.Writer) io.WriteCloser { return brotli.NewWriter(w) },
		"deflate": func(w io.Writer) io.WriteCloser {
			return zlib.NewWriter(w)
		},
	}

	for name, enc := range encoders {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			zw := enc(&buf)
			if _, err := zw.Write([]byte(want)); err != nil {
				t.Fatal(err)
			}
			if err := zw.Close(); err != nil {
				t.Fatal(err)
			}

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Encoding", name)
				_, _ = w.Write(buf.Bytes())
			}))
			defer srv.Close()

			c := newTestClient(nil)
			resp, err := c.Fetch(context.Background(), srv.URL)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if string(resp.Body) != want {
				t.Errorf("body = %q, want %q", resp.Body, want)
			}
		})
	}
}

func TestDecodeBody_RawDeflate(t *testing.T) {
	const want = "raw deflate stream"
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte(want))
	_ = fw.Close()

	r, err := decodeBody("deflate", &buf)
	if err != nil {
		t.Fatalf("decodeBody() error = %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestDecodeBody_Passthrough(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
	}{
		{"none", ""},
		{"identity", "identity"},
		{"unknown", "zstd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := decodeBody(tt.encoding, bytes.NewReader([]byte("plain")))
			if err != nil {
				t.Fatalf("decodeBody() error = %v", err)
			}
			got, _ := io.ReadAll(r)
			if string(got) != "plain" {
				t.Errorf("body = %q, want %q", got, "plain")
			}
		})
	}
}

func TestDecodeBody_EmptyGzip(t *testing.T) {
	r, err := decodeBody("gzip", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("decodeBody() error = %v", err)
	}
	got, _ := io.ReadAll(r)
	if len(got) != 0 {
		t.Errorf("body = %q, want empty", got)
	}
}

func TestDecodeBody_CorruptGzip(t *testing.T) {
	_, err := decodeBody("gzip", bytes.NewReader([]byte("not gzip at all")))
	if err == nil {
		t.Fatal("decodeBody() expected error for corrupt gzip, got nil")
	}
}

func TestUpstreamClient_Fetch_Error(t *testing.T) {
	c := newTestClient(nil)

	_, err := c.Fetch(context.Background(), "http://127.0.0.1:1/nonexistent")
	if err == nil {
		t.Fatal("Fetch() expected error for unreachable host, got nil")
	}
}

func TestUpstreamClient_Fetch_InvalidURL(t *testing.T) {
	c := newTestClient(nil)

	_, err := c.Fetch(context.Background(), "https://exa mple.com/\x7f")
	if err == nil {
		t.Fatal("Fetch() expected error for malformed URL, got nil")
	}
}

func TestUpstreamClient_Fetch_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(m)
	if _, err := c.Fetch(context.Background(), srv.URL); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	_, _ = c.Fetch(context.Background(), "http://127.0.0.1:1/")

	if v := testutil.ToFloat64(m.UpstreamResponses.WithLabelValues(http.MethodGet, "418")); v != 1 {
		t.Errorf("upstream responses{status=418} = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.UpstreamResponses.WithLabelValues(http.MethodGet, "error")); v != 1 {
		t.Errorf("upstream responses{status=error} = %v, want 1", v)
	}
}
