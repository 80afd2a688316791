// Package testutil provides shared test fixtures: HTTP assertion helpers
// and an in-memory ledger with fault injection.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request with an optional body.
func NewTestRequest(method, path string, body ...string) *http.Request {
	var r io.Reader
	if len(body) > 0 {
		r = strings.NewReader(body[0])
	}
	return httptest.NewRequest(method, path, r)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}
