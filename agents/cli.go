package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bt-bridge/reporecon/shared"
)

// The relay expects 24 kHz mono 16-bit PCM in both directions.
const (
	captureSampleRate  = 24000
	captureChannels    = 1
	playbackSampleRate = 24000
	playbackChannels   = 1
)

const closeGracePeriod = 2 * time.Second

// VoiceAgent is a terminal stand-in for the browser frontend: microphone
// audio goes to the relay as binary frames, returned audio plays through the
// speakers, and tool notices print to the terminal. Enter ends a turn.
type VoiceAgent struct {
	logger   shared.LoggerAdapter
	printer  *shared.Printer
	conn     *websocket.Conn
	capture  *Capture
	playback *Playback

	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func (a *VoiceAgent) Spawn(ctx context.Context, logger shared.LoggerAdapter, serverURL string, printer *shared.Printer) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if serverURL == "" {
		return errors.New("no server url provided")
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.done = make(chan struct{})

	a.logger.Info("spawning voice agent", zap.String("server", serverURL))
	a.printLine("🤖 Spawning voice agent...\n", 0)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		a.logger.Error("dialing relay", err, zap.String("server", serverURL))
		a.printLine("❌ Could not reach the RepoRecon relay. Is the backend running?\n", 0)
		return fmt.Errorf("dialing relay: %w", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	a.conn = conn
	a.printLine("✅ Connected to relay.\n", 0)

	playback, err := StartPlayback(a.logger, playbackSampleRate, playbackChannels)
	if err != nil {
		a.logger.Error("starting playback", err)
		_ = conn.Close()
		return err
	}
	a.playback = playback

	a.printLine("🎤 Accessing microphone...", 0)
	capture, err := StartCapture(a.logger, captureSampleRate, captureChannels, a.sendAudioFrame)
	if err != nil {
		a.logger.Error("starting capture", err)
		a.printLine("❌ Unable to access microphone. Please ensure that your microphone is connected and that you have granted permission to access it.\n", 0)
		_ = playback.Close()
		_ = conn.Close()
		return err
	}
	a.capture = capture
	a.printLine("✅ Microphone access granted.\n", 0)
	a.printLine("🎧 Speak naturally. Press Enter to end your turn, or type q to quit.\n", 0)

	go a.receiveLoop()
	go a.keyboardLoop(ctx)
	return nil
}

// Done closes when the relay connection ends, whichever side initiated it.
func (a *VoiceAgent) Done() <-chan struct{} {
	return a.done
}

func (a *VoiceAgent) Close() (err error) {
	a.closeOnce.Do(func() {
		a.logger.Info("closing voice agent")
		if a.capture != nil {
			if cerr := a.capture.Close(); cerr != nil {
				a.logger.Warn("closing capture device", zap.Error(cerr))
			}
		}
		if a.conn != nil {
			deadline := time.Now().Add(closeGracePeriod)
			_ = a.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			err = a.conn.Close()
		}
		if a.playback != nil {
			if perr := a.playback.Close(); perr != nil {
				a.logger.Warn("closing playback", zap.Error(perr))
			}
		}
	})
	return err
}

func (a *VoiceAgent) sendAudioFrame(frame []byte) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		// Expected once the connection is torn down under a live microphone.
		a.logger.Debug("dropping microphone frame", zap.Error(err))
	}
}

func (a *VoiceAgent) sendEndTurn() error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end_turn"}`))
}

func (a *VoiceAgent) receiveLoop() {
	defer close(a.done)
	for {
		messageType, data, err := a.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				a.logger.Info("relay closed the session", zap.Int("code", closeErr.Code))
			} else {
				a.logger.Warn("relay connection lost", zap.Error(err))
			}
			a.printLine("\n👋 Session ended.", 0)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if dropped := a.playback.Write(data); dropped > 0 {
				a.logger.Warn("playback buffer dropped audio", zap.Int("droppedBytes", dropped))
			}
		case websocket.TextMessage:
			a.handleNotice(data)
		}
	}
}

// handleNotice prints tool execution updates pushed by the relay.
func (a *VoiceAgent) handleNotice(data []byte) {
	var notice struct {
		Type      string         `json:"type"`
		Function  string         `json:"function"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := sonic.Unmarshal(data, &notice); err != nil {
		a.logger.Debug("ignoring unparseable text frame", zap.Int("bytes", len(data)))
		return
	}
	if notice.Type != "tool_execution" {
		a.logger.Debug("ignoring relay notice", zap.String("type", notice.Type))
		return
	}

	a.printLine(fmt.Sprintf("🛠  Running %s...", notice.Function), 0)
	if len(notice.Arguments) > 0 {
		yamlBytes, err := yaml.MarshalWithOptions(notice.Arguments, yaml.UseJSONMarshaler())
		if err != nil {
			a.logger.Warn("marshaling tool arguments to yaml", zap.Error(err))
			return
		}
		a.printLine(strings.TrimRight(string(yamlBytes), "\n"), 1)
	}
}

func (a *VoiceAgent) keyboardLoop(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(line, "q") {
			_ = a.Close()
			return
		}
		if err := a.sendEndTurn(); err != nil {
			a.logger.Warn("sending end of turn", zap.Error(err))
			return
		}
		a.printLine("⏎ End of turn.\n", 0)
	}
}

func (a *VoiceAgent) printLine(s string, indent int) {
	if err := a.printer.Writeln(s, indent); err != nil {
		a.logger.Error("writing to printer", err)
	}
}
