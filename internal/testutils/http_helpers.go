package testutils

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Request describes a call made by DoRequest.
type Request struct {
	Method string
	Path   string
	// Body is marshalled to JSON unless it is a string, which is sent as is.
	Body       any
	AuthHeader string
}

// DoRequest serves req through handler and returns the recorded response.
func DoRequest(t testing.TB, handler http.Handler, req Request) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	switch b := req.Body.(type) {
	case nil:
	case string:
		body = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err, "failed to marshal request body")
		body = bytes.NewReader(raw)
	}

	r := httptest.NewRequest(req.Method, req.Path, body)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.AuthHeader != "" {
		r.Header.Set("Authorization", req.AuthHeader)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

// DecodeJSON unmarshals the recorded body into a new T.
func DecodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

// AssertErrorResponse checks the status code and that the JSON error message
// contains want. It returns the trace ID carried by the response.
func AssertErrorResponse(t testing.TB, w *httptest.ResponseRecorder, status int, want string) string {
	t.Helper()

	assert.Equal(t, status, w.Code, "body: %s", w.Body.String())
	body := DecodeJSON[struct {
		Error   string `json:"error"`
		TraceID string `json:"trace_id"`
	}](t, w)
	assert.Contains(t, body.Error, want)
	return body.TraceID
}
