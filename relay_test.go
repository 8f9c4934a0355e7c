package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockUpstream records what the relay sends and answers with handler.
type mockUpstream struct {
	server *httptest.Server
	calls  atomic.Int32

	mu      sync.Mutex
	bodies  []string
	headers []http.Header
}

func newMockUpstream(t *testing.T, handler http.HandlerFunc) *mockUpstream {
	t.Helper()
	m := &mockUpstream{}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.bodies = append(m.bodies, string(body))
		m.headers = append(m.headers, r.Header.Clone())
		m.mu.Unlock()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		handler(w, r)
	}))
	t.Cleanup(m.server.Close)
	return m
}

// streamLines writes each line followed by a newline, flushing in between.
func streamLines(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
	}
}

func setupRelayRouter(t *testing.T, credentials CredentialLoader, endpoint string, idle time.Duration) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(requestIDMiddleware())
	relay := NewRelay(credentials, http.DefaultTransport, endpoint, idle, nil)
	router.POST("/api/chat", relay.chatHandler)
	return router
}

func postChat(router http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response["error"]
}

func TestRelayStreamsUpstreamFrames(t *testing.T) {
	upstream := newMockUpstream(t, streamLines(`{"choice":1}`, ``, `{"choice":2}`))
	router := setupRelayRouter(t, staticLoader{key: "pplx-test-key"}, upstream.server.URL, time.Second)

	w := postChat(router, `{"model":"x","messages":[]}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data: {\"choice\":1}\n\ndata: {\"choice\":2}\n\n", w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRelayForwardsRequestVerbatim(t *testing.T) {
	upstream := newMockUpstream(t, streamLines(`{}`))
	router := setupRelayRouter(t, staticLoader{key: "pplx-test-key"}, upstream.server.URL, time.Second)

	body := `{"model": "sonar",   "messages": [{"role":"user","content":"hi"}], "stream": true}`
	w := postChat(router, body)
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, int32(1), upstream.calls.Load())
	assert.Equal(t, body, upstream.bodies[0])
	assert.Equal(t, "Bearer pplx-test-key", upstream.headers[0].Get("Authorization"))
	assert.Equal(t, "application/json", upstream.headers[0].Get("Content-Type"))
}

func TestRelayDoesNotDoublePrefix(t *testing.T) {
	upstream := newMockUpstream(t, streamLines(`data: {"id":"a"}`, ``, `data: [DONE]`, ``))
	router := setupRelayRouter(t, staticLoader{key: "k"}, upstream.server.URL, time.Second)

	w := postChat(router, `{}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data: {\"id\":\"a\"}\n\ndata: [DONE]\n\n", w.Body.String())
}

func TestRelayDropsBlankLines(t *testing.T) {
	upstream := newMockUpstream(t, streamLines(``, `   `, "\t", ``))
	router := setupRelayRouter(t, staticLoader{key: "k"}, upstream.server.URL, time.Second)

	w := postChat(router, `{}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestRelayMissingCredential(t *testing.T) {
	upstream := newMockUpstream(t, streamLines(`{}`))
	router := setupRelayRouter(t, staticLoader{err: ErrCredentialNotFound}, upstream.server.URL, time.Second)

	before := testutil.ToFloat64(relayRequestsTotal.WithLabelValues(outcomeNoCredential))
	w := postChat(router, `{"model":"x"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error": "API key not found"}`, w.Body.String())
	assert.Equal(t, int32(0), upstream.calls.Load())
	assert.Equal(t, before+1, testutil.ToFloat64(relayRequestsTotal.WithLabelValues(outcomeNoCredential)))
}

func TestRelayMissingCredentialFromConfigFile(t *testing.T) {
	upstream := newMockUpstream(t, streamLines(`{}`))
	loader := &ConfigJSLoader{Path: t.TempDir() + "/static/js/config.js"}
	router := setupRelayRouter(t, loader, upstream.server.URL, time.Second)

	w := postChat(router, `{}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "API key not found", errorMessage(t, w))
	assert.Equal(t, int32(0), upstream.calls.Load())
}

func TestRelayUpstreamErrorStatus(t *testing.T) {
	upstream := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, "rate limited")
	})
	router := setupRelayRouter(t, staticLoader{key: "k"}, upstream.server.URL, time.Second)

	w := postChat(router, `{}`)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	msg := errorMessage(t, w)
	assert.Equal(t, "Perplexity API error: 429 - rate limited", msg)
	assert.Contains(t, msg, "429")
	assert.Contains(t, msg, "rate limited")
	assert.Equal(t, int32(1), upstream.calls.Load(), "no retry")
}

func TestRelayUpstreamErrorStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		body   string
	}{
		{status: http.StatusUnauthorized, body: `{"error":{"message":"Invalid API key"}}`},
		{status: http.StatusBadRequest, body: "bad model"},
		{status: http.StatusServiceUnavailable, body: ""},
	}

	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			upstream := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			})
			router := setupRelayRouter(t, staticLoader{key: "k"}, upstream.server.URL, time.Second)

			w := postChat(router, `{}`)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, fmt.Sprintf("Perplexity API error: %d - %s", tc.status, tc.body), errorMessage(t, w))
		})
	}
}

func TestRelayTransportFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	endpoint := upstream.URL
	upstream.Close()

	router := setupRelayRouter(t, staticLoader{key: "k"}, endpoint, time.Second)

	before := testutil.ToFloat64(relayRequestsTotal.WithLabelValues(outcomeError))
	w := postChat(router, `{}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, strings.HasPrefix(errorMessage(t, w), "Error in proxy_perplexity: "))
	assert.Equal(t, before+1, testutil.ToFloat64(relayRequestsTotal.WithLabelValues(outcomeError)))
}

func TestRelayRejectsInvalidJSON(t *testing.T) {
	upstream := newMockUpstream(t, streamLines(`{}`))
	router := setupRelayRouter(t, staticLoader{key: "k"}, upstream.server.URL, time.Second)

	w := postChat(router, `{"model":`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Error in proxy_perplexity: request body is not valid JSON", errorMessage(t, w))
	assert.Equal(t, int32(0), upstream.calls.Load())
}

func TestRelayConcurrentInvocationsAreIndependent(t *testing.T) {
	// Each response echoes the model of its own request.
	upstream := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := 1; i <= 3; i++ {
			fmt.Fprintf(w, "data: {\"model\":%q,\"n\":%d}\n\n", req.Model, i)
			flusher.Flush()
			time.Sleep(time.Millisecond)
		}
	})
	router := setupRelayRouter(t, staticLoader{key: "k"}, upstream.server.URL, time.Second)

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := postChat(router, fmt.Sprintf(`{"model":"m%d","messages":[]}`, i))
			codes[i] = w.Code
			results[i] = w.Body.String()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		model := fmt.Sprintf("m%d", i)
		expected := fmt.Sprintf("data: {\"model\":%q,\"n\":1}\n\ndata: {\"model\":%q,\"n\":2}\n\ndata: {\"model\":%q,\"n\":3}\n\n", model, model, model)
		assert.Equal(t, http.StatusOK, codes[i])
		assert.Equal(t, expected, results[i])
	}
	assert.Equal(t, int32(n), upstream.calls.Load())
}

func TestRelayIdleTimeoutEndsStream(t *testing.T) {
	upstream := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "{\"choice\":1}\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	router := setupRelayRouter(t, staticLoader{key: "k"}, upstream.server.URL, 100*time.Millisecond)

	start := time.Now()
	w := postChat(router, `{}`)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data: {\"choice\":1}\n\n", w.Body.String())
}

func TestRelayClientDisconnectAbortsUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	upstream := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "{\"choice\":1}\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			close(upstreamDone)
		case <-time.After(10 * time.Second):
		}
	})
	router := setupRelayRouter(t, staticLoader{key: "k"}, upstream.server.URL, 0)
	relayServer := httptest.NewServer(router)
	defer relayServer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relayServer.URL+"/api/chat", strings.NewReader(`{}`))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: {\"choice\":1}\n", line)

	cancel()

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not cancelled after client disconnect")
	}
}

func TestRelayLogsThroughInjectedLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger, hook := logtest.NewNullLogger()
	router := gin.New()
	router.Use(requestIDMiddleware())
	relay := NewRelay(staticLoader{err: ErrCredentialNotFound}, http.DefaultTransport, "http://127.0.0.1:1", time.Second, logger)
	router.POST("/api/chat", relay.chatHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{}`))
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "Failed to get API key", entry.Message)
	assert.Equal(t, "req-42", entry.Data["request_id"])
	assert.Equal(t, "http://127.0.0.1:1", entry.Data["upstream"])
}

func TestRelayMalformedUpstreamBytesEndStream(t *testing.T) {
	upstream := newMockUpstream(t, streamLines(`data: {"id":"a"}`, "\xff\xfe bad", `data: {"id":"b"}`))
	gin.SetMode(gin.TestMode)
	logger, hook := logtest.NewNullLogger()
	router := gin.New()
	router.Use(requestIDMiddleware())
	relay := NewRelay(staticLoader{key: "k"}, http.DefaultTransport, upstream.server.URL, time.Second, logger)
	router.POST("/api/chat", relay.chatHandler)

	w := postChat(router, `{}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data: {\"id\":\"a\"}\n\n", w.Body.String())

	var streamErr error
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Upstream stream ended with error" {
			streamErr, _ = entry.Data[logrus.ErrorKey].(error)
		}
	}
	assert.ErrorIs(t, streamErr, ErrMalformedEvent)
}
