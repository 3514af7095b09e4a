// Package live implements a client for the Gemini Live websocket API
// (BidiGenerateContent). It covers the slice of the protocol a realtime audio
// bridge needs: session setup with tool declarations, streaming audio input,
// and decoded server events for audio output, transcriptions and tool calls.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bt-bridge/reporecon/shared"
)

const (
	// DefaultHost serves the production API.
	DefaultHost = "generativelanguage.googleapis.com"

	bidiGenerateContentPath = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultHandshakeTimeout = 15 * time.Second
	closeGracePeriod        = 2 * time.Second
)

// Response modalities accepted in Config.ResponseModalities.
const (
	ModalityAudio = "AUDIO"
	ModalityText  = "TEXT"
)

// Config describes one live session. APIKey and Model are required; zero
// values elsewhere fall back to production defaults.
type Config struct {
	APIKey string

	// Host may carry a scheme for non-production endpoints. http and https
	// map to their websocket counterparts.
	Host string

	Model                string
	SystemInstruction    string
	ResponseModalities   []string
	FunctionDeclarations []FunctionDeclaration

	HandshakeTimeout time.Duration
}

func (c *Config) endpoint() (string, error) {
	host := c.Host
	if host == "" {
		host = DefaultHost
	}
	if !strings.Contains(host, "://") {
		host = "wss://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parsing host: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("host scheme must be http(s) or ws(s), got %s", u.Scheme)
	}
	u.Path = bidiGenerateContentPath
	query := url.Values{}
	query.Set("key", c.APIKey)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// Connect dials the live endpoint, performs the setup handshake and returns a
// running session. The returned session is ready for audio as soon as this
// returns; the server has already acknowledged the setup.
func Connect(ctx context.Context, logger shared.LoggerAdapter, config *Config) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if config == nil {
		return nil, shared.ErrNoConfig
	}
	if config.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if config.Model == "" {
		return nil, errors.New("model must not be empty")
	}

	endpoint, err := config.endpoint()
	if err != nil {
		return nil, err
	}

	handshakeTimeout := config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing live endpoint (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing live endpoint: %w", err)
	}

	modalities := config.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{ModalityAudio}
	}
	setup := &ClientEvent{
		Type: ClientEventTypeSetup,
		Param: &ClientEventParamSetup{
			Model:                config.Model,
			SystemInstruction:    config.SystemInstruction,
			ResponseModalities:   modalities,
			FunctionDeclarations: config.FunctionDeclarations,
		},
	}
	data, err := setup.MarshalJSON()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending setup: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("awaiting setup acknowledgement: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	first := new(ServerEvent)
	if err := first.UnmarshalJSON(payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decoding setup acknowledgement: %w", err)
	}
	if first.Type != ServerEventTypeSetupComplete {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: got %s", shared.ErrSetupRejected, first.Type)
	}

	session := &Session{
		conn:    conn,
		logger:  logger,
		events:  make(chan *ServerEvent, 256),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go session.readLoop()

	logger.Info("live session established", zap.String("model", config.Model))
	return session, nil
}
