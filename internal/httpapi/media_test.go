package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/smart-assets/api-go/internal/blob"
	"github.com/example/smart-assets/api-go/internal/detect"
)

func newMediaEnv(t *testing.T) (http.Handler, []byte) {
	t.Helper()
	env := newTestEnv(t, func(p blob.LocalFS) detect.Detector { return writesOutput(p) })
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if _, err := env.processed.Put("sample.mp4", bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	return env.srv.Router(), data
}

func serve(h http.Handler, method, target, rangeHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeFullFile(t *testing.T) {
	h, data := newMediaEnv(t)
	for _, target := range []string{"/processed/sample.mp4", "/api/videos/processed/sample.mp4"} {
		rec := serve(h, http.MethodGet, target, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", target, rec.Code)
		}
		if got := rec.Header().Get("Content-Length"); got != "1000" {
			t.Fatalf("Content-Length = %q", got)
		}
		if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
			t.Fatalf("Content-Type = %q", got)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" || rec.Header().Get("Cross-Origin-Resource-Policy") != "cross-origin" {
			t.Fatalf("cross-origin headers = %v", rec.Header())
		}
		if !bytes.Equal(rec.Body.Bytes(), data) {
			t.Fatalf("%s body mismatch (%d bytes)", target, rec.Body.Len())
		}
	}
}

func TestServeRanges(t *testing.T) {
	h, data := newMediaEnv(t)
	cases := []struct {
		header       string
		contentRange string
		start, end   int
	}{
		{"bytes=0-99", "bytes 0-99/1000", 0, 99},
		{"bytes=100-", "bytes 100-999/1000", 100, 999},
		{"bytes=-100", "bytes 900-999/1000", 900, 999},
		{"bytes=990-5000", "bytes 990-999/1000", 990, 999},
		{"bytes=10-19, 50-59", "bytes 10-19/1000", 10, 19},
		{"bytes=999-999", "bytes 999-999/1000", 999, 999},
		{"bytes=0-99999999999999999999", "bytes 0-999/1000", 0, 999},
		{"bytes=-99999999999999999999", "bytes 0-999/1000", 0, 999},
	}
	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			rec := serve(h, http.MethodGet, "/processed/sample.mp4", tc.header)
			if rec.Code != http.StatusPartialContent {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := rec.Header().Get("Content-Range"); got != tc.contentRange {
				t.Fatalf("Content-Range = %q, want %q", got, tc.contentRange)
			}
			if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
				t.Fatalf("Accept-Ranges = %q", got)
			}
			want := data[tc.start : tc.end+1]
			if !bytes.Equal(rec.Body.Bytes(), want) {
				t.Fatalf("body = %d bytes, want %d", rec.Body.Len(), len(want))
			}
		})
	}
}

func TestServeUnsatisfiableRange(t *testing.T) {
	h, _ := newMediaEnv(t)
	for _, header := range []string{"bytes=1000-", "bytes=500-100", "bytes=-0", "bytes=abc"} {
		rec := serve(h, http.MethodGet, "/processed/sample.mp4", header)
		if rec.Code != http.StatusRequestedRangeNotSatisfiable {
			t.Fatalf("%q status = %d", header, rec.Code)
		}
		if got := rec.Header().Get("Content-Range"); got != "bytes */1000" {
			t.Fatalf("%q Content-Range = %q", header, got)
		}
	}
}

func TestServeIgnoresUnknownRangeUnit(t *testing.T) {
	h, data := newMediaEnv(t)
	rec := serve(h, http.MethodGet, "/processed/sample.mp4", "items=0-5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Content-Range") != "" || rec.Header().Get("Content-Length") != "1000" {
		t.Fatalf("headers = %v", rec.Header())
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Fatalf("body = %d bytes, want full file", rec.Body.Len())
	}
}

func TestServeMissingFile(t *testing.T) {
	h, _ := newMediaEnv(t)
	for _, target := range []string{"/processed/missing.mp4", "/processed/..%2Fvideos.db", "/api/videos/processed/.."} {
		rec := serve(h, http.MethodGet, target, "bytes=0-10")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d", target, rec.Code)
		}
		if msg := decodeBody(t, rec)["error"]; msg != "File not found." {
			t.Fatalf("%s error = %v", target, msg)
		}
		if rec.Header().Get("Content-Range") != "" {
			t.Fatalf("%s should not carry Content-Range", target)
		}
	}
}

func TestServeHead(t *testing.T) {
	h, _ := newMediaEnv(t)
	rec := serve(h, http.MethodHead, "/processed/sample.mp4", "bytes=0-9")
	if rec.Code != http.StatusPartialContent || rec.Header().Get("Content-Length") != "10" {
		t.Fatalf("head = %d %v", rec.Code, rec.Header())
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("head wrote %d body bytes", rec.Body.Len())
	}
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header     string
		size       int64
		start, end int64
		ok         bool
	}{
		{"bytes=0-0", 1, 0, 0, true},
		{"bytes= 5 - 9", 10, 5, 9, true},
		{"bytes=-20", 10, 0, 9, true},
		{"bytes=0-", 0, 0, 0, false},
		{"bytes=-5", 0, 0, 0, false},
		{"bytes=-", 10, 0, 0, false},
		{"bytes=-1-2", 10, 0, 0, false},
		{"bytes=3", 10, 0, 0, false},
		{"bytes=2-99999999999999999999", 10, 2, 9, true},
		{"bytes=99999999999999999999-", 10, 0, 0, false},
		{"items=0-5", 10, 0, 0, false},
	}
	for _, tc := range cases {
		start, end, err := parseRange(tc.header, tc.size)
		if (err == nil) != tc.ok {
			t.Errorf("parseRange(%q, %d) err = %v, ok = %v", tc.header, tc.size, err, tc.ok)
			continue
		}
		if tc.ok && (start != tc.start || end != tc.end) {
			t.Errorf("parseRange(%q, %d) = %d-%d, want %d-%d", tc.header, tc.size, start, end, tc.start, tc.end)
		}
	}
}
