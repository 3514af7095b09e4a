package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/reporecon"
	"github.com/bt-bridge/reporecon/config"
	"github.com/bt-bridge/reporecon/live"
	"github.com/bt-bridge/reporecon/metrics"
	"github.com/bt-bridge/reporecon/shared"
	"github.com/bt-bridge/reporecon/tools"
)

// fakeUpstream stands in for a live session behind the websocket endpoint.
type fakeUpstream struct {
	events chan *live.ServerEvent
	done   chan struct{}

	mu     sync.Mutex
	audio  [][]byte
	turns  int
	closed bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		events: make(chan *live.ServerEvent, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeUpstream) Events() <-chan *live.ServerEvent { return f.events }
func (f *fakeUpstream) Done() <-chan struct{}            { return f.done }
func (f *fakeUpstream) Err() error                       { return nil }

func (f *fakeUpstream) SendAudio(data []byte, mimeType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), data...))
	return nil
}

func (f *fakeUpstream) SendTurnComplete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns++
	return nil
}

func (f *fakeUpstream) SendToolResponses(responses []live.FunctionResponse) error {
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
		close(f.done)
	}
	return nil
}

func (f *fakeUpstream) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeUpstream) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns
}

func (f *fakeUpstream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newServerForTest(t *testing.T, connect ConnectFunc) (*Server, *tools.Registry) {
	t.Helper()
	logger := shared.NewNopLogger()
	registry, err := tools.NewRegistry(logger)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	srv, err := NewServer(logger, config.Default(), metrics.New(reg), registry, reg, live.Config{Model: "gemini-test"}, connect)
	require.NoError(t, err)
	return srv, registry
}

func neverConnect(ctx context.Context, logger shared.LoggerAdapter, config *live.Config) (reporecon.UpstreamSession, error) {
	return nil, errors.New("no upstream in this test")
}

func dialWS(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	logger := shared.NewNopLogger()
	registry, err := tools.NewRegistry(logger)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	liveCfg := live.Config{Model: "gemini-test"}

	_, err = NewServer(nil, config.Default(), m, registry, reg, liveCfg, neverConnect)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewServer(logger, nil, m, registry, reg, liveCfg, neverConnect)
	assert.ErrorIs(t, err, shared.ErrNoConfig)
	_, err = NewServer(logger, config.Default(), nil, registry, reg, liveCfg, neverConnect)
	assert.ErrorIs(t, err, shared.ErrNoMetrics)
	_, err = NewServer(logger, config.Default(), m, nil, reg, liveCfg, neverConnect)
	assert.ErrorIs(t, err, shared.ErrNoRegistry)

	// Without an injected dialer the live API key is mandatory.
	_, err = NewServer(logger, config.Default(), m, registry, reg, liveCfg, nil)
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
}

func TestLivenessEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newServerForTest(t, neverConnect)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","message":"RepoRecon backend is running"}`, string(body))
}

func TestCORSHeaders(t *testing.T) {
	t.Parallel()

	srv, _ := newServerForTest(t, neverConnect)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	t.Run("preflight", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://localhost:5173")
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Headers"))
	})

	t.Run("simple request", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://localhost:5173")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newServerForTest(t, neverConnect)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Generate one instrumented request first.
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "reporecon_client_connections_total")
	assert.Contains(t, string(body), `reporecon_http_requests_total{method="GET",path="/",status="200"} 1`)
}

func TestWebSocketBridgesClientToUpstream(t *testing.T) {
	t.Parallel()

	upstream := newFakeUpstream()
	var (
		mu       sync.Mutex
		dialedTo *live.Config
	)
	connect := func(ctx context.Context, logger shared.LoggerAdapter, config *live.Config) (reporecon.UpstreamSession, error) {
		mu.Lock()
		defer mu.Unlock()
		dialedTo = config
		return upstream, nil
	}

	srv, registry := newServerForTest(t, connect)
	require.NoError(t, registry.Register(tools.Tool{
		Name:        "scout_github_issues",
		Description: "scan a repository",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "done", nil
		},
	}))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end_turn"}`)))

	require.Eventually(t, func() bool {
		return upstream.audioCount() == 1 && upstream.turnCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The dialer was handed the registered tool declarations.
	mu.Lock()
	require.NotNil(t, dialedTo)
	assert.Equal(t, "gemini-test", dialedTo.Model)
	require.Len(t, dialedTo.FunctionDeclarations, 1)
	assert.Equal(t, "scout_github_issues", dialedTo.FunctionDeclarations[0].Name)
	mu.Unlock()

	// Upstream audio comes back as a binary frame.
	upstream.events <- &live.ServerEvent{
		Type: live.ServerEventTypeServerContent,
		Param: &live.ServerEventParamServerContent{
			AudioChunks: []live.AudioChunk{{MIMEType: "audio/pcm;rate=24000", Data: []byte{0xAA, 0xBB}}},
		},
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, []byte{0xAA, 0xBB}, payload)

	// Closing the client ends the bridge and tears the session down.
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, upstream.isClosed, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketUpstreamFailureClosesSocket(t *testing.T) {
	t.Parallel()

	srv, _ := newServerForTest(t, neverConnect)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "the socket must close when the upstream dial fails")
}
