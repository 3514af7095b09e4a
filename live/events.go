package live

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types. Each corresponds to exactly one top-level field of a
// BidiGenerateContent server message; a message carries exactly one of them.
const (
	ServerEventTypeSetupComplete           ServerEventType = "setup_complete"
	ServerEventTypeServerContent           ServerEventType = "server_content"
	ServerEventTypeToolCall                ServerEventType = "tool_call"
	ServerEventTypeToolCallCancellation    ServerEventType = "tool_call_cancellation"
	ServerEventTypeGoAway                  ServerEventType = "go_away"
	ServerEventTypeSessionResumptionUpdate ServerEventType = "session_resumption_update"
	ServerEventTypeUsageMetadata           ServerEventType = "usage_metadata"
	ServerEventTypeUnknown                 ServerEventType = "unknown"
)

// Client event types, the messages this side may send.
const (
	ClientEventTypeSetup         ClientEventType = "setup"
	ClientEventTypeRealtimeInput ClientEventType = "realtime_input"
	ClientEventTypeClientContent ClientEventType = "client_content"
	ClientEventTypeToolResponse  ClientEventType = "tool_response"
)

// Wire field names of the websocket protocol.
const (
	wireKeySetupComplete           = "setupComplete"
	wireKeyServerContent           = "serverContent"
	wireKeyToolCall                = "toolCall"
	wireKeyToolCallCancellation    = "toolCallCancellation"
	wireKeyGoAway                  = "goAway"
	wireKeySessionResumptionUpdate = "sessionResumptionUpdate"
	wireKeyUsageMetadata           = "usageMetadata"

	wireKeySetup         = "setup"
	wireKeyRealtimeInput = "realtimeInput"
	wireKeyClientContent = "clientContent"
	wireKeyToolResponse  = "toolResponse"
)

type Event interface {
	EventType() EventType
	IsServerEvent() bool
	IsClientEvent() bool
	MarshalYAML() ([]byte, error)
	UnmarshalYAML(data []byte) error
	MarshalJSON() ([]byte, error)
	UnmarshalJSON(data []byte) error
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// ServerEvent is one decoded message from the live session. Decoding happens
// once, at the websocket boundary; consumers switch on Type and assert Param.
type ServerEvent struct {
	Type  ServerEventType
	Param EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) IsServerEvent() bool {
	return true
}

func (e *ServerEvent) IsClientEvent() bool {
	return false
}

func (e *ServerEvent) fromRaw(raw map[string]any) error {
	probes := []struct {
		key string
		typ ServerEventType
	}{
		{wireKeySetupComplete, ServerEventTypeSetupComplete},
		{wireKeyServerContent, ServerEventTypeServerContent},
		{wireKeyToolCall, ServerEventTypeToolCall},
		{wireKeyToolCallCancellation, ServerEventTypeToolCallCancellation},
		{wireKeyGoAway, ServerEventTypeGoAway},
		{wireKeySessionResumptionUpdate, ServerEventTypeSessionResumptionUpdate},
		{wireKeyUsageMetadata, ServerEventTypeUsageMetadata},
	}
	for _, probe := range probes {
		field, ok := raw[probe.key]
		if !ok {
			continue
		}
		param, ok := field.(map[string]any)
		if !ok {
			if field == nil {
				param = map[string]any{}
			} else {
				return fmt.Errorf("field %s is not an object", probe.key)
			}
		}
		e.Type = probe.typ
		switch probe.typ {
		case ServerEventTypeSetupComplete:
			e.Param = new(ServerEventParamSetupComplete)
		case ServerEventTypeServerContent:
			e.Param = new(ServerEventParamServerContent)
		case ServerEventTypeToolCall:
			e.Param = new(ServerEventParamToolCall)
		case ServerEventTypeToolCallCancellation:
			e.Param = new(ServerEventParamToolCallCancellation)
		case ServerEventTypeGoAway:
			e.Param = new(ServerEventParamGoAway)
		case ServerEventTypeSessionResumptionUpdate:
			e.Param = new(ServerEventParamSessionResumptionUpdate)
		case ServerEventTypeUsageMetadata:
			e.Param = new(ServerEventParamUsageMetadata)
		}
		return e.Param.New(param)
	}
	// Protocol additions must not kill the read loop; surface them as-is.
	e.Type = ServerEventTypeUnknown
	e.Param = &ServerEventParamUnknown{Raw: raw}
	return nil
}

func (e *ServerEvent) toRaw() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	switch e.Type {
	case ServerEventTypeSetupComplete:
		return map[string]any{wireKeySetupComplete: e.Param.Json()}, nil
	case ServerEventTypeServerContent:
		return map[string]any{wireKeyServerContent: e.Param.Json()}, nil
	case ServerEventTypeToolCall:
		return map[string]any{wireKeyToolCall: e.Param.Json()}, nil
	case ServerEventTypeToolCallCancellation:
		return map[string]any{wireKeyToolCallCancellation: e.Param.Json()}, nil
	case ServerEventTypeGoAway:
		return map[string]any{wireKeyGoAway: e.Param.Json()}, nil
	case ServerEventTypeSessionResumptionUpdate:
		return map[string]any{wireKeySessionResumptionUpdate: e.Param.Json()}, nil
	case ServerEventTypeUsageMetadata:
		return map[string]any{wireKeyUsageMetadata: e.Param.Json()}, nil
	case ServerEventTypeUnknown:
		return e.Param.Json(), nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", e.Type)
	}
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	raw, err := e.toRaw()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(raw)
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.fromRaw(raw)
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	raw, err := e.toRaw()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(raw, yaml.UseJSONMarshaler())
}

func (e *ServerEvent) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.fromRaw(raw)
}

// ClientEvent is one message to be sent into the live session.
type ClientEvent struct {
	Type  ClientEventType
	Param EventParam
}

var _ Event = (*ClientEvent)(nil)

func (e *ClientEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ClientEvent) IsServerEvent() bool {
	return false
}

func (e *ClientEvent) IsClientEvent() bool {
	return true
}

func (e *ClientEvent) fromRaw(raw map[string]any) error {
	probes := []struct {
		key string
		typ ClientEventType
	}{
		{wireKeySetup, ClientEventTypeSetup},
		{wireKeyRealtimeInput, ClientEventTypeRealtimeInput},
		{wireKeyClientContent, ClientEventTypeClientContent},
		{wireKeyToolResponse, ClientEventTypeToolResponse},
	}
	for _, probe := range probes {
		field, ok := raw[probe.key]
		if !ok {
			continue
		}
		param, ok := field.(map[string]any)
		if !ok {
			return fmt.Errorf("field %s is not an object", probe.key)
		}
		e.Type = probe.typ
		switch probe.typ {
		case ClientEventTypeSetup:
			e.Param = new(ClientEventParamSetup)
		case ClientEventTypeRealtimeInput:
			e.Param = new(ClientEventParamRealtimeInput)
		case ClientEventTypeClientContent:
			e.Param = new(ClientEventParamClientContent)
		case ClientEventTypeToolResponse:
			e.Param = new(ClientEventParamToolResponse)
		}
		return e.Param.New(param)
	}
	return errors.New("no known client message field present")
}

func (e *ClientEvent) toRaw() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	switch e.Type {
	case ClientEventTypeSetup:
		return map[string]any{wireKeySetup: e.Param.Json()}, nil
	case ClientEventTypeRealtimeInput:
		return map[string]any{wireKeyRealtimeInput: e.Param.Json()}, nil
	case ClientEventTypeClientContent:
		return map[string]any{wireKeyClientContent: e.Param.Json()}, nil
	case ClientEventTypeToolResponse:
		return map[string]any{wireKeyToolResponse: e.Param.Json()}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", e.Type)
	}
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	raw, err := e.toRaw()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(raw)
}

func (e *ClientEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.fromRaw(raw)
}

func (e *ClientEvent) MarshalYAML() ([]byte, error) {
	raw, err := e.toRaw()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(raw, yaml.UseJSONMarshaler())
}

func (e *ClientEvent) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.fromRaw(raw)
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// ServerEventParamSetupComplete
type ServerEventParamSetupComplete struct{}

func (p *ServerEventParamSetupComplete) New(jsonMap map[string]any) error {
	return nil
}

func (p *ServerEventParamSetupComplete) Json() map[string]any {
	return map[string]any{}
}

// AudioChunk is one inline PCM payload from a model turn.
type AudioChunk struct {
	MIMEType string
	Data     []byte
}

// ServerEventParamServerContent carries everything a serverContent message can
// hold: audio and text parts of the model turn, transcriptions, and the turn
// lifecycle flags.
type ServerEventParamServerContent struct {
	AudioChunks         []AudioChunk
	TextParts           []string
	InputTranscription  string
	OutputTranscription string
	TurnComplete        bool
	Interrupted         bool
	GenerationComplete  bool
}

func (p *ServerEventParamServerContent) New(jsonMap map[string]any) error {
	if modelTurn, ok := jsonMap["modelTurn"].(map[string]any); ok {
		parts, _ := modelTurn["parts"].([]any)
		for _, rawPart := range parts {
			part, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok && text != "" {
				p.TextParts = append(p.TextParts, text)
			}
			inline, ok := part["inlineData"].(map[string]any)
			if !ok {
				continue
			}
			encoded, ok := inline["data"].(string)
			if !ok || encoded == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return fmt.Errorf("decoding inline audio data: %w", err)
			}
			mimeType, _ := inline["mimeType"].(string)
			p.AudioChunks = append(p.AudioChunks, AudioChunk{MIMEType: mimeType, Data: data})
		}
	}
	if tx, ok := jsonMap["inputTranscription"].(map[string]any); ok {
		p.InputTranscription, _ = tx["text"].(string)
	}
	if tx, ok := jsonMap["outputTranscription"].(map[string]any); ok {
		p.OutputTranscription, _ = tx["text"].(string)
	}
	p.TurnComplete = asBool(jsonMap["turnComplete"])
	p.Interrupted = asBool(jsonMap["interrupted"])
	p.GenerationComplete = asBool(jsonMap["generationComplete"])
	return nil
}

func (p *ServerEventParamServerContent) Json() map[string]any {
	resp := map[string]any{}
	parts := make([]any, 0, len(p.AudioChunks)+len(p.TextParts))
	for _, text := range p.TextParts {
		parts = append(parts, map[string]any{"text": text})
	}
	for _, chunk := range p.AudioChunks {
		parts = append(parts, map[string]any{
			"inlineData": map[string]any{
				"mimeType": chunk.MIMEType,
				"data":     base64.StdEncoding.EncodeToString(chunk.Data),
			},
		})
	}
	if len(parts) > 0 {
		resp["modelTurn"] = map[string]any{"parts": parts}
	}
	if p.InputTranscription != "" {
		resp["inputTranscription"] = map[string]any{"text": p.InputTranscription}
	}
	if p.OutputTranscription != "" {
		resp["outputTranscription"] = map[string]any{"text": p.OutputTranscription}
	}
	if p.TurnComplete {
		resp["turnComplete"] = true
	}
	if p.Interrupted {
		resp["interrupted"] = true
	}
	if p.GenerationComplete {
		resp["generationComplete"] = true
	}
	return resp
}

// FunctionCall is one tool invocation requested by the model. ID correlates
// the eventual response with this request.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ServerEventParamToolCall
type ServerEventParamToolCall struct {
	FunctionCalls []FunctionCall
}

func (p *ServerEventParamToolCall) New(jsonMap map[string]any) error {
	calls, _ := jsonMap["functionCalls"].([]any)
	for _, rawCall := range calls {
		call, ok := rawCall.(map[string]any)
		if !ok {
			continue
		}
		name, ok := call["name"].(string)
		if !ok || name == "" {
			return errors.New("missing functionCalls.name")
		}
		fc := FunctionCall{Name: name}
		fc.ID, _ = call["id"].(string)
		if args, ok := call["args"].(map[string]any); ok {
			fc.Args = args
		} else {
			fc.Args = map[string]any{}
		}
		p.FunctionCalls = append(p.FunctionCalls, fc)
	}
	return nil
}

func (p *ServerEventParamToolCall) Json() map[string]any {
	calls := make([]any, 0, len(p.FunctionCalls))
	for _, fc := range p.FunctionCalls {
		calls = append(calls, map[string]any{
			"id":   fc.ID,
			"name": fc.Name,
			"args": fc.Args,
		})
	}
	return map[string]any{"functionCalls": calls}
}

// ServerEventParamToolCallCancellation
type ServerEventParamToolCallCancellation struct {
	IDs []string
}

func (p *ServerEventParamToolCallCancellation) New(jsonMap map[string]any) error {
	ids, _ := jsonMap["ids"].([]any)
	for _, rawID := range ids {
		if id, ok := rawID.(string); ok {
			p.IDs = append(p.IDs, id)
		}
	}
	return nil
}

func (p *ServerEventParamToolCallCancellation) Json() map[string]any {
	ids := make([]any, 0, len(p.IDs))
	for _, id := range p.IDs {
		ids = append(ids, id)
	}
	return map[string]any{"ids": ids}
}

// ServerEventParamGoAway
type ServerEventParamGoAway struct {
	TimeLeft string
}

func (p *ServerEventParamGoAway) New(jsonMap map[string]any) error {
	p.TimeLeft, _ = jsonMap["timeLeft"].(string)
	return nil
}

func (p *ServerEventParamGoAway) Json() map[string]any {
	resp := map[string]any{}
	if p.TimeLeft != "" {
		resp["timeLeft"] = p.TimeLeft
	}
	return resp
}

// ServerEventParamSessionResumptionUpdate
type ServerEventParamSessionResumptionUpdate struct {
	NewHandle string
	Resumable bool
}

func (p *ServerEventParamSessionResumptionUpdate) New(jsonMap map[string]any) error {
	p.NewHandle, _ = jsonMap["newHandle"].(string)
	p.Resumable = asBool(jsonMap["resumable"])
	return nil
}

func (p *ServerEventParamSessionResumptionUpdate) Json() map[string]any {
	return map[string]any{
		"newHandle": p.NewHandle,
		"resumable": p.Resumable,
	}
}

// ServerEventParamUsageMetadata
type ServerEventParamUsageMetadata struct {
	PromptTokenCount   int
	ResponseTokenCount int
	TotalTokenCount    int
}

func (p *ServerEventParamUsageMetadata) New(jsonMap map[string]any) error {
	if v, ok := asInt(jsonMap["promptTokenCount"]); ok {
		p.PromptTokenCount = v
	}
	if v, ok := asInt(jsonMap["responseTokenCount"]); ok {
		p.ResponseTokenCount = v
	}
	if v, ok := asInt(jsonMap["totalTokenCount"]); ok {
		p.TotalTokenCount = v
	}
	return nil
}

func (p *ServerEventParamUsageMetadata) Json() map[string]any {
	return map[string]any{
		"promptTokenCount":   p.PromptTokenCount,
		"responseTokenCount": p.ResponseTokenCount,
		"totalTokenCount":    p.TotalTokenCount,
	}
}

// ServerEventParamUnknown keeps messages this client does not understand.
type ServerEventParamUnknown struct {
	Raw map[string]any
}

func (p *ServerEventParamUnknown) New(jsonMap map[string]any) error {
	p.Raw = jsonMap
	return nil
}

func (p *ServerEventParamUnknown) Json() map[string]any {
	return p.Raw
}

// FunctionDeclaration advertises one callable tool in the session setup.
// Parameters holds a ready-to-send JSON schema object.
type FunctionDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ClientEventParamSetup configures the session: model, response modalities,
// system instruction and the declared tools. Model is the bare model id; the
// wire form carries the "models/" resource prefix.
type ClientEventParamSetup struct {
	Model                string
	SystemInstruction    string
	ResponseModalities   []string
	FunctionDeclarations []FunctionDeclaration
}

func (p *ClientEventParamSetup) New(jsonMap map[string]any) error {
	model, ok := jsonMap["model"].(string)
	if !ok || model == "" {
		return errors.New("missing model")
	}
	const prefix = "models/"
	if len(model) > len(prefix) && model[:len(prefix)] == prefix {
		model = model[len(prefix):]
	}
	p.Model = model
	if gc, ok := jsonMap["generationConfig"].(map[string]any); ok {
		modalities, _ := gc["responseModalities"].([]any)
		for _, rawModality := range modalities {
			if m, ok := rawModality.(string); ok {
				p.ResponseModalities = append(p.ResponseModalities, m)
			}
		}
	}
	if si, ok := jsonMap["systemInstruction"].(map[string]any); ok {
		parts, _ := si["parts"].([]any)
		for _, rawPart := range parts {
			if part, ok := rawPart.(map[string]any); ok {
				if text, ok := part["text"].(string); ok {
					p.SystemInstruction += text
				}
			}
		}
	}
	tools, _ := jsonMap["tools"].([]any)
	for _, rawTool := range tools {
		tool, ok := rawTool.(map[string]any)
		if !ok {
			continue
		}
		decls, _ := tool["functionDeclarations"].([]any)
		for _, rawDecl := range decls {
			decl, ok := rawDecl.(map[string]any)
			if !ok {
				continue
			}
			fd := FunctionDeclaration{}
			fd.Name, _ = decl["name"].(string)
			fd.Description, _ = decl["description"].(string)
			fd.Parameters, _ = decl["parameters"].(map[string]any)
			p.FunctionDeclarations = append(p.FunctionDeclarations, fd)
		}
	}
	return nil
}

func (p *ClientEventParamSetup) Json() map[string]any {
	resp := map[string]any{
		"model": "models/" + p.Model,
	}
	if len(p.ResponseModalities) > 0 {
		modalities := make([]any, 0, len(p.ResponseModalities))
		for _, m := range p.ResponseModalities {
			modalities = append(modalities, m)
		}
		resp["generationConfig"] = map[string]any{"responseModalities": modalities}
	}
	if p.SystemInstruction != "" {
		resp["systemInstruction"] = map[string]any{
			"parts": []any{map[string]any{"text": p.SystemInstruction}},
		}
	}
	if len(p.FunctionDeclarations) > 0 {
		decls := make([]any, 0, len(p.FunctionDeclarations))
		for _, fd := range p.FunctionDeclarations {
			decl := map[string]any{
				"name":        fd.Name,
				"description": fd.Description,
			}
			if fd.Parameters != nil {
				decl["parameters"] = fd.Parameters
			}
			decls = append(decls, decl)
		}
		resp["tools"] = []any{map[string]any{"functionDeclarations": decls}}
	}
	return resp
}

// ClientEventParamRealtimeInput is one raw audio chunk. Realtime input is by
// definition non-final; the turn is closed by a separate clientContent
// message.
type ClientEventParamRealtimeInput struct {
	MIMEType string
	Data     []byte
}

func (p *ClientEventParamRealtimeInput) New(jsonMap map[string]any) error {
	chunks, _ := jsonMap["mediaChunks"].([]any)
	if len(chunks) == 0 {
		return errors.New("missing mediaChunks")
	}
	chunk, ok := chunks[0].(map[string]any)
	if !ok {
		return errors.New("mediaChunks entry is not an object")
	}
	p.MIMEType, _ = chunk["mimeType"].(string)
	encoded, _ := chunk["data"].(string)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decoding media chunk data: %w", err)
	}
	p.Data = data
	return nil
}

func (p *ClientEventParamRealtimeInput) Json() map[string]any {
	return map[string]any{
		"mediaChunks": []any{
			map[string]any{
				"mimeType": p.MIMEType,
				"data":     base64.StdEncoding.EncodeToString(p.Data),
			},
		},
	}
}

// ClientEventParamClientContent signals turn state; the bridge only ever uses
// it to close an utterance.
type ClientEventParamClientContent struct {
	TurnComplete bool
}

func (p *ClientEventParamClientContent) New(jsonMap map[string]any) error {
	p.TurnComplete = asBool(jsonMap["turnComplete"])
	return nil
}

func (p *ClientEventParamClientContent) Json() map[string]any {
	return map[string]any{"turnComplete": p.TurnComplete}
}

// FunctionResponse answers one FunctionCall, correlated by ID. Response is
// the result map sent back to the model, conventionally {"result": ...} or
// {"error": ...}.
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// ClientEventParamToolResponse is the batched answer to a tool call event.
type ClientEventParamToolResponse struct {
	FunctionResponses []FunctionResponse
}

func (p *ClientEventParamToolResponse) New(jsonMap map[string]any) error {
	responses, _ := jsonMap["functionResponses"].([]any)
	if len(responses) == 0 {
		return errors.New("missing functionResponses")
	}
	for _, rawResp := range responses {
		resp, ok := rawResp.(map[string]any)
		if !ok {
			continue
		}
		fr := FunctionResponse{}
		fr.ID, _ = resp["id"].(string)
		fr.Name, _ = resp["name"].(string)
		fr.Response, _ = resp["response"].(map[string]any)
		p.FunctionResponses = append(p.FunctionResponses, fr)
	}
	return nil
}

func (p *ClientEventParamToolResponse) Json() map[string]any {
	responses := make([]any, 0, len(p.FunctionResponses))
	for _, fr := range p.FunctionResponses {
		responses = append(responses, map[string]any{
			"id":       fr.ID,
			"name":     fr.Name,
			"response": fr.Response,
		})
	}
	return map[string]any{"functionResponses": responses}
}
