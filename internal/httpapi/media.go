package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/smart-assets/api-go/internal/blob"
)

var errBadRange = errors.New("range not satisfiable")

// handleProcessed serves a processed video with single-range support.
// Multi-range requests are answered with their first range only.
func (s Server) handleProcessed(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		writeErr(w, http.StatusNotFound, "File not found.")
		return
	}

	f, err := s.Processed.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, blob.ErrInvalidKey) {
			writeErr(w, http.StatusNotFound, "File not found.")
			return
		}
		s.Log.Error().Err(err).Str("filename", name).Msg("open processed video")
		writeErr(w, http.StatusInternalServerError, "Error reading file.")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		writeErr(w, http.StatusNotFound, "File not found.")
		return
	}
	size := info.Size()

	h := w.Header()
	h.Set("Content-Type", "video/mp4")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cross-Origin-Resource-Policy", "cross-origin")

	// other range units are ignored and the whole file is served
	rangeHeader := strings.TrimSpace(r.Header.Get("Range"))
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = io.Copy(w, f)
		}
		return
	}

	start, end, err := parseRange(rangeHeader, size)
	if err != nil {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeErr(w, http.StatusRequestedRangeNotSatisfiable, "Requested range not satisfiable.")
		return
	}

	length := end - start + 1
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, io.NewSectionReader(f, start, length))
	}
}

// parseRange resolves a "bytes=" Range header against a file of size bytes
// and returns the inclusive byte window. Forms: "a-b", "a-", "-n". Only the
// first range of a list is considered; end (or n) is clamped to the file,
// including values too large for int64.
func parseRange(header string, size int64) (int64, int64, error) {
	ranges, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return 0, 0, errBadRange
	}
	if i := strings.IndexByte(ranges, ','); i >= 0 {
		ranges = ranges[:i]
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(ranges), "-")
	if !ok {
		return 0, 0, errBadRange
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if errors.Is(err, strconv.ErrRange) && n > 0 {
			n, err = size, nil
		}
		if err != nil || n <= 0 || size == 0 {
			return 0, 0, errBadRange
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, errBadRange
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if errors.Is(err, strconv.ErrRange) && end > 0 {
			end, err = size-1, nil
		}
		if err != nil || end < start {
			return 0, 0, errBadRange
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return start, end, nil
}
