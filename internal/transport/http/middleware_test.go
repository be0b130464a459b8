package httptransport

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("brew"))
	})
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"http://localhost:5173"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/tracking/start", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestCORSIgnoresUnknownOrigin(t *testing.T) {
	h := CORS([]string{"http://localhost:5173"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/activities", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusTeapot, rr.Code)
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcard(t *testing.T) {
	h := CORS([]string{"*"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/activities", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, "https://app.example", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	h := RequestLogger(log.New(&buf, "", 0))(okHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/activities/abc", nil))

	require.Equal(t, http.StatusTeapot, rr.Code)
	require.Equal(t, "brew", rr.Body.String())
	require.Contains(t, buf.String(), "GET /v1/activities/abc 418")
}

func TestRequestLoggerKeepsFlusher(t *testing.T) {
	flushed := false
	h := RequestLogger(log.New(io.Discard, "", 0))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, http.NewResponseController(w).Flush())
		flushed = true
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tracking/stream", nil))
	require.True(t, flushed)
	require.True(t, rr.Flushed)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler(), mw("outer"), mw("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"outer", "inner"}, order)
}

func TestRoute(t *testing.T) {
	require.Equal(t, "/v1/activities/{id}", route("/v1/activities/0193"))
	require.Equal(t, "/v1/activities", route("/v1/activities"))
}
