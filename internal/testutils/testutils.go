// Package testutils provides shared test infrastructure.
package testutils

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// TestFile defines a test file with size and data.
type TestFile struct {
	Name string
	Size int64
	Data []byte
}

// GenerateTestData generates test data of the given size.
// For files <= 10MB, uses deterministic pattern. For larger files, uses random data.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 256)
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

// RangeServer is an HTTP server that serves test files with range
// request and validator support. Files can be swapped mid-test to
// simulate the remote resource changing under a resumed transfer.
type RangeServer struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	versions map[string]int
	requests []string
}

// StartRangeServer starts an HTTP server serving files with range
// request support and ETag validators.
func StartRangeServer(t *testing.T, files []TestFile) *RangeServer {
	t.Helper()

	rs := &RangeServer{
		files:    make(map[string][]byte),
		versions: make(map[string]int),
	}
	for _, f := range files {
		rs.files["/"+f.Name] = f.Data
	}

	rs.Server = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(rs.Close)
	return rs
}

// Replace swaps the content of name, bumping its ETag.
func (rs *RangeServer) Replace(name string, data []byte) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.files["/"+name] = data
	rs.versions["/"+name]++
}

// Requests returns the method and path of every request seen so far.
func (rs *RangeServer) Requests() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, len(rs.requests))
	copy(out, rs.requests)
	return out
}

func (rs *RangeServer) etag(path string) string {
	return fmt.Sprintf(`"%s-v%d"`, path, rs.versions[path])
}

func (rs *RangeServer) handle(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	rs.requests = append(rs.requests, r.Method+" "+r.URL.Path)
	data, ok := rs.files[r.URL.Path]
	etag := rs.etag(r.URL.Path)
	rs.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	size := int64(len(data))

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", etag)
		return
	}

	if match := r.Header.Get("If-Match"); match != "" && match != etag {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("ETag", etag)
		w.Write(data)
		return
	}

	// Parse range header: bytes=start-end, end possibly empty.
	rangeHeader = strings.TrimPrefix(rangeHeader, "bytes=")
	parts := strings.Split(rangeHeader, "-")
	start, _ := strconv.ParseInt(parts[0], 10, 64)
	end := size - 1
	if len(parts) > 1 && parts[1] != "" {
		end, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	if end >= size {
		end = size - 1
	}
	if start > end {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusPartialContent)
	w.Write(data[start : end+1])
}

// CompareReaderToData compares reader output with expected data in chunks.
// This is memory-efficient for large files.
func CompareReaderToData(t *testing.T, reader io.Reader, expected []byte) {
	t.Helper()

	chunkSize := 1024 * 1024 // 1MB
	buf := make([]byte, chunkSize)
	offset := 0

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if offset+n > len(expected) {
				t.Fatalf("read more data than expected: offset=%d, n=%d, expected len=%d",
					offset, n, len(expected))
			}
			if !bytes.Equal(buf[:n], expected[offset:offset+n]) {
				t.Fatalf("data mismatch at offset %d", offset)
			}
			offset += n
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read error at offset %d: %v", offset, err)
		}
	}

	if offset != len(expected) {
		t.Fatalf("incomplete read: got %d bytes, want %d", offset, len(expected))
	}
}
