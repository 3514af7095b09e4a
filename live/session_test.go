package live

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/reporecon/shared"
)

func newLiveTestServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func acceptSetup(conn *websocket.Conn, setups chan<- map[string]any) bool {
	var raw map[string]any
	if err := conn.ReadJSON(&raw); err != nil {
		return false
	}
	if setups != nil {
		setups <- raw
	}
	return conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}}) == nil
}

func testConfig(host string) *Config {
	return &Config{
		APIKey: "test-key",
		Host:   host,
		Model:  "gemini-2.5-flash-native-audio-latest",
	}
}

func TestConnectPerformsSetupHandshake(t *testing.T) {
	t.Parallel()

	setups := make(chan map[string]any, 1)
	host := newLiveTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if !acceptSetup(conn, setups) {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	config := testConfig(host)
	config.SystemInstruction = "Speak concisely."
	config.FunctionDeclarations = []FunctionDeclaration{
		{Name: "scout_github_issues", Description: "Scans a GitHub repository for open issues."},
	}
	session, err := Connect(ctx, shared.NewNopLogger(), config)
	require.NoError(t, err)
	defer session.Close()

	select {
	case raw := <-setups:
		setup, ok := raw["setup"].(map[string]any)
		require.True(t, ok, "first client message must be a setup, got %v", raw)
		assert.Equal(t, "models/gemini-2.5-flash-native-audio-latest", setup["model"])
		assert.Contains(t, setup, "systemInstruction")
		assert.Contains(t, setup, "tools")
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the setup message")
	}
}

func TestConnectSendsAPIKeyAsQueryParam(t *testing.T) {
	t.Parallel()

	keys := make(chan string, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		acceptSetup(conn, nil)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	session, err := Connect(ctx, shared.NewNopLogger(), testConfig(server.URL))
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, "test-key", <-keys)
}

func TestConnectRejectedSetup(t *testing.T) {
	t.Parallel()

	host := newLiveTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var raw map[string]any
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := Connect(ctx, shared.NewNopLogger(), testConfig(host))
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrSetupRejected)
}

func TestConnectValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := Connect(ctx, nil, testConfig("example.invalid"))
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = Connect(ctx, shared.NewNopLogger(), nil)
	assert.ErrorIs(t, err, shared.ErrNoConfig)

	config := testConfig("example.invalid")
	config.APIKey = ""
	_, err = Connect(ctx, shared.NewNopLogger(), config)
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
}

func TestSessionReceivesEventsInOrder(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30}
	host := newLiveTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if !acceptSetup(conn, nil) {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{map[string]any{
						"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						},
					}},
				},
			},
		})
		_ = conn.WriteJSON(map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []any{
					map[string]any{"id": "call-1", "name": "scout_github_issues", "args": map[string]any{"repo_name": "a/b"}},
				},
			},
		})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	session, err := Connect(ctx, shared.NewNopLogger(), testConfig(host))
	require.NoError(t, err)
	defer session.Close()

	var events []*ServerEvent
	for event := range session.Events() {
		events = append(events, event)
	}
	require.NoError(t, session.Err())
	require.Len(t, events, 2)

	assert.Equal(t, ServerEventTypeServerContent, events[0].Type)
	content := events[0].Param.(*ServerEventParamServerContent)
	require.Len(t, content.AudioChunks, 1)
	assert.Equal(t, pcm, content.AudioChunks[0].Data)

	assert.Equal(t, ServerEventTypeToolCall, events[1].Type)
	call := events[1].Param.(*ServerEventParamToolCall)
	require.Len(t, call.FunctionCalls, 1)
	assert.Equal(t, "call-1", call.FunctionCalls[0].ID)
}

func TestSessionSendWireFormats(t *testing.T) {
	t.Parallel()

	messages := make(chan map[string]any, 3)
	host := newLiveTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if !acceptSetup(conn, nil) {
			return
		}
		for i := 0; i < 3; i++ {
			var raw map[string]any
			if err := conn.ReadJSON(&raw); err != nil {
				return
			}
			messages <- raw
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	session, err := Connect(ctx, shared.NewNopLogger(), testConfig(host))
	require.NoError(t, err)
	defer session.Close()

	pcm := []byte{0xAA, 0xBB}
	require.NoError(t, session.SendAudio(pcm, "audio/pcm;rate=24000"))
	require.NoError(t, session.SendTurnComplete())
	require.NoError(t, session.SendToolResponses([]FunctionResponse{
		{ID: "call-1", Name: "scout_github_issues", Response: map[string]any{"result": "done"}},
	}))

	receive := func() map[string]any {
		select {
		case raw := <-messages:
			return raw
		case <-time.After(2 * time.Second):
			t.Fatal("server never received the message")
			return nil
		}
	}

	input := receive()["realtimeInput"].(map[string]any)
	chunk := input["mediaChunks"].([]any)[0].(map[string]any)
	assert.Equal(t, "audio/pcm;rate=24000", chunk["mimeType"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(pcm), chunk["data"])

	content := receive()["clientContent"].(map[string]any)
	assert.Equal(t, true, content["turnComplete"])

	response := receive()["toolResponse"].(map[string]any)
	responses := response["functionResponses"].([]any)
	require.Len(t, responses, 1)
	assert.Equal(t, "call-1", responses[0].(map[string]any)["id"])
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	host := newLiveTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if !acceptSetup(conn, nil) {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	session, err := Connect(ctx, shared.NewNopLogger(), testConfig(host))
	require.NoError(t, err)

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never finished after Close")
	}
	assert.NoError(t, session.Err())

	err = session.SendAudio([]byte{0x01}, "audio/pcm;rate=24000")
	assert.ErrorIs(t, err, shared.ErrSessionClosed)
}

func TestSessionAbruptServerClose(t *testing.T) {
	t.Parallel()

	host := newLiveTestServer(t, func(conn *websocket.Conn) {
		if !acceptSetup(conn, nil) {
			return
		}
		// Drop the connection without a close handshake.
		_ = conn.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	session, err := Connect(ctx, shared.NewNopLogger(), testConfig(host))
	require.NoError(t, err)
	defer session.Close()

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never noticed the dropped connection")
	}
	assert.Error(t, session.Err())
}
