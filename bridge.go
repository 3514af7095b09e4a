package reporecon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bt-bridge/reporecon/live"
	"github.com/bt-bridge/reporecon/metrics"
	"github.com/bt-bridge/reporecon/shared"
	"github.com/bt-bridge/reporecon/tools"
)

// DefaultInputMIMEType tags client audio sent upstream. The rate is a fixed
// deployment constant, not negotiated with the client.
const DefaultInputMIMEType = "audio/pcm;rate=24000"

// Shutdown reasons recorded per connection.
const (
	ReasonUnknown            = "unknown"
	ReasonClientClose        = "client websocket close"
	ReasonClientError        = "client receive fatal error"
	ReasonUpstreamClose      = "Gemini stream close"
	ReasonUpstreamError      = "Gemini API fatal error"
	ReasonInternalCompletion = "internal task completion"
)

// UpstreamSession is the slice of the live session the bridge relies on.
// *live.Session satisfies it; tests substitute fakes.
type UpstreamSession interface {
	Events() <-chan *live.ServerEvent
	Done() <-chan struct{}
	Err() error
	SendAudio(data []byte, mimeType string) error
	SendTurnComplete() error
	SendToolResponses(responses []live.FunctionResponse) error
	Close() error
}

var _ UpstreamSession = (*live.Session)(nil)

// ClientConn is the slice of a websocket connection the bridge relies on.
type ClientConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ ClientConn = (*websocket.Conn)(nil)

// shutdownState is the per-connection outcome slot. The first trigger wins
// and owns the cancellation of both relay loops; later triggers are no-ops.
type shutdownState struct {
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	reason string
	err    error
}

func newShutdownState(cancel context.CancelCauseFunc) *shutdownState {
	return &shutdownState{cancel: cancel, reason: ReasonUnknown}
}

func (s *shutdownState) trigger(reason string, err error) bool {
	s.mu.Lock()
	if s.reason != ReasonUnknown {
		s.mu.Unlock()
		return false
	}
	s.reason = reason
	s.err = err
	s.mu.Unlock()

	cause := err
	if cause == nil {
		cause = errors.New(reason)
	}
	s.cancel(cause)
	return true
}

func (s *shutdownState) outcome() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.err
}

// Bridge relays one client websocket against one live session: raw client
// audio up, model audio down, with tool calls intercepted and executed
// locally. One Bridge serves exactly one connection and runs once.
type Bridge struct {
	logger   shared.LoggerAdapter
	session  UpstreamSession
	client   ClientConn
	registry *tools.Registry
	metrics  *metrics.Metrics

	inputMIMEType string

	started  atomic.Bool
	shutdown *shutdownState

	// Serializes client writes between the event loop and tool workers.
	clientMu sync.Mutex
	toolWG   sync.WaitGroup
}

func NewBridge(logger shared.LoggerAdapter, session UpstreamSession, client ClientConn, registry *tools.Registry, m *metrics.Metrics, inputMIMEType string) (*Bridge, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if session == nil {
		return nil, shared.ErrNoSession
	}
	if client == nil {
		return nil, shared.ErrNoClientConn
	}
	if registry == nil {
		return nil, shared.ErrNoRegistry
	}
	if m == nil {
		return nil, shared.ErrNoMetrics
	}
	if inputMIMEType == "" {
		inputMIMEType = DefaultInputMIMEType
	}
	return &Bridge{
		logger:        logger,
		session:       session,
		client:        client,
		registry:      registry,
		metrics:       m,
		inputMIMEType: inputMIMEType,
	}, nil
}

// Run drives both relay loops until the connection ends from either side,
// then closes the upstream session and reports the shutdown reason. The
// returned error is the recorded shutdown cause, nil on clean closes.
func (b *Bridge) Run(ctx context.Context) (string, error) {
	if !b.started.CompareAndSwap(false, true) {
		return "", shared.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	b.shutdown = newShutdownState(cancel)

	b.metrics.ConnectionOpened()
	defer b.metrics.ConnectionClosed()

	b.logger.Info("bridge running")

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		b.receiveFromClient(runCtx)
	}()
	go func() {
		defer loops.Done()
		b.forwardToClient(runCtx)
	}()

	// The client read only unblocks when its socket dies, so cancellation
	// tears the socket down.
	unblocked := make(chan struct{})
	go func() {
		defer close(unblocked)
		<-runCtx.Done()
		_ = b.client.Close()
	}()

	loops.Wait()
	b.shutdown.trigger(ReasonInternalCompletion, nil)

	// Closing the session first lets in-flight tool workers fail fast
	// instead of writing into a dying stream.
	if err := b.session.Close(); err != nil {
		b.logger.Error("closing live session failed", err)
	}
	b.toolWG.Wait()
	<-unblocked

	reason, err := b.shutdown.outcome()
	if err != nil {
		b.logger.Error("bridge session closed", err, zap.String("reason", reason))
	} else {
		b.logger.Info("bridge session closed", zap.String("reason", reason))
	}
	b.metrics.RecordShutdown(reason)
	return reason, err
}

func (b *Bridge) initiateShutdown(reason string, err error) {
	if !b.shutdown.trigger(reason, err) {
		return
	}
	if err != nil {
		b.logger.Error("shutdown initiated", err, zap.String("reason", reason))
	} else {
		b.logger.Info("shutdown initiated", zap.String("reason", reason))
	}
}

// receiveFromClient relays client frames upstream: binary frames stream as
// non-final audio, a {"type":"end_turn"} text frame closes the utterance.
func (b *Bridge) receiveFromClient(ctx context.Context) {
	turnOpen := false
	finalizeTurn := func(source string) error {
		if !turnOpen {
			b.logger.Debug("ignoring end-turn; no active utterance", zap.String("source", source))
			return nil
		}
		b.logger.Info("finalizing utterance", zap.String("source", source))
		turnOpen = false
		return b.session.SendTurnComplete()
	}

	for {
		messageType, data, err := b.client.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown tore the socket down underneath us.
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				// Best effort; the disconnect still owns the shutdown reason.
				if err := finalizeTurn("client disconnect"); err != nil {
					b.logger.Warn("failed to finalize utterance", zap.Error(err))
				}
				b.initiateShutdown(ReasonClientClose, nil)
			} else {
				b.initiateShutdown(ReasonClientError, err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if !turnOpen {
				turnOpen = true
				b.logger.Info("utterance started")
			}
			if err := b.session.SendAudio(data, b.inputMIMEType); err != nil {
				b.initiateShutdown(ReasonClientError, fmt.Errorf("forwarding client audio: %w", err))
				return
			}
			b.metrics.RecordClientAudio(len(data))

		case websocket.TextMessage:
			var payload struct {
				Type string `json:"type"`
			}
			if err := sonic.Unmarshal(data, &payload); err != nil {
				b.logger.Debug("ignoring non-JSON text frame", zap.Int("bytes", len(data)))
				continue
			}
			if payload.Type == "end_turn" {
				// A failed finalize leaves the model waiting on a turn that
				// will never close, so the session is unusable.
				if err := finalizeTurn("client control message"); err != nil {
					b.initiateShutdown(ReasonClientError, fmt.Errorf("finalizing utterance: %w", err))
					return
				}
			} else {
				b.logger.Debug("ignoring unknown control payload", zap.String("type", payload.Type))
			}
		}
	}
}

// forwardToClient relays decoded upstream events: audio to the client, tool
// calls to workers, the rest to the log.
func (b *Bridge) forwardToClient(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-b.session.Events():
			if !ok {
				if err := b.session.Err(); err != nil {
					b.initiateShutdown(ReasonUpstreamError, err)
				} else {
					b.initiateShutdown(ReasonUpstreamClose, nil)
				}
				return
			}
			b.handleServerEvent(ctx, event)
		}
	}
}

func (b *Bridge) handleServerEvent(ctx context.Context, event *live.ServerEvent) {
	switch event.Type {
	case live.ServerEventTypeServerContent:
		if param, ok := event.Param.(*live.ServerEventParamServerContent); ok {
			b.handleServerContent(param)
		}
	case live.ServerEventTypeToolCall:
		if param, ok := event.Param.(*live.ServerEventParamToolCall); ok {
			b.handleToolCall(ctx, param)
		}
	case live.ServerEventTypeToolCallCancellation:
		if param, ok := event.Param.(*live.ServerEventParamToolCallCancellation); ok {
			b.logger.Info("tool calls cancelled upstream", zap.Strings("ids", param.IDs))
		}
	case live.ServerEventTypeGoAway:
		if param, ok := event.Param.(*live.ServerEventParamGoAway); ok {
			b.logger.Warn("upstream session ending soon", zap.String("time_left", param.TimeLeft))
		}
	case live.ServerEventTypeSessionResumptionUpdate:
		if param, ok := event.Param.(*live.ServerEventParamSessionResumptionUpdate); ok {
			b.logger.Debug("session resumption update",
				zap.String("handle", param.NewHandle),
				zap.Bool("resumable", param.Resumable))
		}
	case live.ServerEventTypeUsageMetadata:
		if param, ok := event.Param.(*live.ServerEventParamUsageMetadata); ok {
			b.logger.Debug("usage metadata",
				zap.Int("prompt_tokens", param.PromptTokenCount),
				zap.Int("response_tokens", param.ResponseTokenCount),
				zap.Int("total_tokens", param.TotalTokenCount))
		}
	default:
		b.logger.Debug("ignoring upstream event", zap.String("type", string(event.Type)))
	}
}

func (b *Bridge) handleServerContent(param *live.ServerEventParamServerContent) {
	for _, text := range param.TextParts {
		b.logger.Info("model text part", zap.String("text", text))
	}
	if param.InputTranscription != "" {
		b.logger.Info("input transcription", zap.String("text", param.InputTranscription))
	}
	if param.OutputTranscription != "" {
		b.logger.Info("output transcription", zap.String("text", param.OutputTranscription))
	}
	if param.Interrupted {
		b.logger.Info("model turn interrupted")
	}

	for _, chunk := range param.AudioChunks {
		if err := b.writeClient(websocket.BinaryMessage, chunk.Data); err != nil {
			b.initiateShutdown(ReasonUpstreamError, fmt.Errorf("forwarding model audio: %w", err))
			return
		}
		b.metrics.RecordUpstreamAudio(len(chunk.Data))
	}

	if param.TurnComplete {
		b.logger.Debug("model turn complete")
	}
}

// handleToolCall hands the batch to a worker so a slow tool cannot stall
// audio forwarding. The batch produces exactly one upstream response message.
func (b *Bridge) handleToolCall(ctx context.Context, param *live.ServerEventParamToolCall) {
	calls := append([]live.FunctionCall(nil), param.FunctionCalls...)
	if len(calls) == 0 {
		return
	}
	b.toolWG.Add(1)
	go func() {
		defer b.toolWG.Done()
		b.executeToolCalls(ctx, calls)
	}()
}

func (b *Bridge) executeToolCalls(ctx context.Context, calls []live.FunctionCall) {
	responses := make([]live.FunctionResponse, 0, len(calls))
	for _, call := range calls {
		b.logger.Info("tool call requested",
			zap.String("name", call.Name),
			zap.String("id", call.ID),
			zap.Any("args", call.Args))

		if err := b.notifyToolExecution(call); err != nil {
			b.logger.Warn("failed to notify client of tool execution",
				zap.String("name", call.Name), zap.Error(err))
		}

		started := time.Now()
		result, err := b.registry.Invoke(ctx, call.Name, call.Args)

		// The model always gets an answer; errors become speakable text.
		response := make(map[string]any, 1)
		outcome := "ok"
		if err != nil {
			b.logger.Warn("tool invocation failed", zap.String("name", call.Name), zap.Error(err))
			response["error"] = err.Error()
			outcome = "error"
		} else {
			response["result"] = result
		}
		b.metrics.RecordTool(call.Name, outcome, time.Since(started))

		responses = append(responses, live.FunctionResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: response,
		})
	}

	b.logger.Info("sending tool responses", zap.Int("count", len(responses)))
	if err := b.session.SendToolResponses(responses); err != nil {
		b.initiateShutdown(ReasonUpstreamError, fmt.Errorf("sending tool responses: %w", err))
	}
}

type toolExecutionNotice struct {
	Type      string         `json:"type"`
	Function  string         `json:"function"`
	Arguments map[string]any `json:"arguments"`
}

// notifyToolExecution tells the client UI a tool is running. Best effort; the
// tool still executes if the notice cannot be delivered.
func (b *Bridge) notifyToolExecution(call live.FunctionCall) error {
	data, err := sonic.Marshal(toolExecutionNotice{
		Type:      "tool_execution",
		Function:  call.Name,
		Arguments: call.Args,
	})
	if err != nil {
		return err
	}
	return b.writeClient(websocket.TextMessage, data)
}

func (b *Bridge) writeClient(messageType int, data []byte) error {
	b.clientMu.Lock()
	defer b.clientMu.Unlock()
	return b.client.WriteMessage(messageType, data)
}
