package live

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bt-bridge/reporecon/shared"
)

// Session is an open BidiGenerateContent websocket session. Decoded server
// events arrive on Events in wire order; Done closes after the read loop
// exits, and Err then reports the terminal transport error, if any.
//
// Send methods are safe for concurrent use. After Close, sends fail with
// shared.ErrSessionClosed.
type Session struct {
	conn   *websocket.Conn
	logger shared.LoggerAdapter

	events  chan *ServerEvent
	done    chan struct{}
	closing chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Events yields decoded server events. The channel closes when the session
// ends, from either side.
func (s *Session) Events() <-chan *ServerEvent {
	if s == nil {
		return nil
	}
	return s.events
}

// Done closes when the read loop has exited and no further events will
// arrive.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Err blocks until the session ends and returns the terminal error. A locally
// closed session or a normal remote close yields nil.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// SendAudio streams one chunk of raw audio into the session. The chunk is
// never turn-final; the turn is closed separately with SendTurnComplete.
func (s *Session) SendAudio(data []byte, mimeType string) error {
	return s.sendEvent(&ClientEvent{
		Type:  ClientEventTypeRealtimeInput,
		Param: &ClientEventParamRealtimeInput{MIMEType: mimeType, Data: data},
	})
}

// SendTurnComplete marks the current user utterance as finished so the model
// starts responding.
func (s *Session) SendTurnComplete() error {
	return s.sendEvent(&ClientEvent{
		Type:  ClientEventTypeClientContent,
		Param: &ClientEventParamClientContent{TurnComplete: true},
	})
}

// SendToolResponses answers a tool call event. All responses for one event
// must go back in a single message.
func (s *Session) SendToolResponses(responses []FunctionResponse) error {
	return s.sendEvent(&ClientEvent{
		Type:  ClientEventTypeToolResponse,
		Param: &ClientEventParamToolResponse{FunctionResponses: responses},
	})
}

func (s *Session) sendEvent(event *ClientEvent) error {
	if s == nil {
		return shared.ErrNoSession
	}
	if s.closed.Load() {
		return shared.ErrSessionClosed
	}
	data, err := event.MarshalJSON()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the session down and waits for the read loop to drain. Safe to
// call more than once and from any goroutine.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closing)
		// WriteControl and Close are safe concurrently with WriteMessage, so
		// teardown never waits on a stuck writer.
		deadline := time.Now().Add(closeGracePeriod)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if s.closed.Load() {
				// Local Close tore the connection down.
				return
			}
			s.setErr(err)
			return
		}

		// The service delivers JSON in both text and binary frames.
		event := new(ServerEvent)
		if err := event.UnmarshalJSON(data); err != nil {
			s.logger.Warn("dropping undecodable server message", zap.Error(err))
			continue
		}

		// Audio must arrive complete and ordered, so delivery blocks rather
		// than drops; closing unblocks an abandoned loop.
		select {
		case s.events <- event:
		case <-s.closing:
			return
		}
	}
}
