package voice

import (
	"errors"
	"fmt"

	"github.com/bt-bridge/pacer-voice/tools"
	"github.com/bytedance/sonic"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// ErrUnknownEventType is returned when decoding an inbound event whose type is
// not part of the handled set. Callers log and skip such events.
var ErrUnknownEventType = errors.New("unknown event type")

// Server event types
const (
	ServerEventTypeProxyReady                                       ServerEventType = "proxy_ready"
	ServerEventTypeError                                            ServerEventType = "error"
	ServerEventTypeSessionCreated                                   ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                                   ServerEventType = "session.updated"
	ServerEventTypeInputAudioBufferCommitted                        ServerEventType = "input_audio_buffer.committed"
	ServerEventTypeInputAudioBufferCleared                          ServerEventType = "input_audio_buffer.cleared"
	ServerEventTypeInputAudioBufferSpeechStarted                    ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped                    ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeConversationItemCreated                          ServerEventType = "conversation.item.created"
	ServerEventTypeConversationItemInputAudioTranscriptionDelta     ServerEventType = "conversation.item.input_audio_transcription.delta"
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeResponseAudioDelta                               ServerEventType = "response.audio.delta"
	ServerEventTypeResponseAudioDone                                ServerEventType = "response.audio.done"
	ServerEventTypeResponseAudioTranscriptDelta                     ServerEventType = "response.audio_transcript.delta"
	ServerEventTypeResponseAudioTranscriptDone                      ServerEventType = "response.audio_transcript.done"
	ServerEventTypeResponseTextDelta                                ServerEventType = "response.text.delta"
	ServerEventTypeResponseTextDone                                 ServerEventType = "response.text.done"
	ServerEventTypeResponseDone                                     ServerEventType = "response.done"
	ServerEventTypeEvaluation                                       ServerEventType = "evaluation"
)

// Client event types. The two auth types are consumed by the backend proxy and
// never forwarded to the provider.
const (
	ClientEventTypeAuthIdentity           ClientEventType = "auth_jwt"
	ClientEventTypeAuthProvider           ClientEventType = "auth_openai"
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit ClientEventType = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear  ClientEventType = "input_audio_buffer.clear"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
)

type Event interface {
	EventType() EventType
	MarshalJSON() ([]byte, error)
	UnmarshalJSON(data []byte) error
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

// DecodeServerEvent parses one inbound text frame.
func DecodeServerEvent(data []byte) (*ServerEvent, error) {
	e := new(ServerEvent)
	if err := e.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	// Proxy-originated events carry no event_id.
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	switch e.Type {
	case ServerEventTypeProxyReady:
		e.Param = new(ServerEventParamProxyReady)
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeSessionCreated, ServerEventTypeSessionUpdated:
		e.Param = new(ServerEventParamSession)
	case ServerEventTypeInputAudioBufferCommitted:
		e.Param = new(ServerEventParamInputAudioBufferCommitted)
	case ServerEventTypeInputAudioBufferCleared:
		e.Param = new(ServerEventParamEmpty)
	case ServerEventTypeInputAudioBufferSpeechStarted, ServerEventTypeInputAudioBufferSpeechStopped:
		e.Param = new(ServerEventParamSpeechBoundary)
	case ServerEventTypeConversationItemCreated:
		e.Param = new(ServerEventParamConversationItemCreated)
	case ServerEventTypeConversationItemInputAudioTranscriptionDelta,
		ServerEventTypeResponseAudioTranscriptDelta,
		ServerEventTypeResponseTextDelta:
		e.Param = new(ServerEventParamTranscriptDelta)
	case ServerEventTypeConversationItemInputAudioTranscriptionCompleted,
		ServerEventTypeResponseAudioTranscriptDone,
		ServerEventTypeResponseTextDone:
		e.Param = new(ServerEventParamTranscriptDone)
	case ServerEventTypeResponseAudioDelta:
		e.Param = new(ServerEventParamResponseAudioDelta)
	case ServerEventTypeResponseAudioDone:
		e.Param = new(ServerEventParamResponseAudioDone)
	case ServerEventTypeResponseDone:
		e.Param = new(ServerEventParamResponseDone)
	case ServerEventTypeEvaluation:
		e.Param = new(ServerEventParamEvaluation)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}
	if err := e.Param.New(raw); err != nil {
		return fmt.Errorf("decoding %s: %w", e.Type, err)
	}
	return nil
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}

func asString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// proxy_ready
type ServerEventParamProxyReady struct {
	Status  string
	Message string
}

func (p *ServerEventParamProxyReady) New(m map[string]any) error {
	if v, ok := m["status"].(string); ok {
		p.Status = v
	} else {
		return errors.New("missing status")
	}
	p.Message = asString(m, "message")
	return nil
}

func (p *ServerEventParamProxyReady) Json() map[string]any {
	out := map[string]any{"status": p.Status}
	if p.Message != "" {
		out["message"] = p.Message
	}
	return out
}

func (p *ServerEventParamProxyReady) Ready() bool {
	return p.Status == "success"
}

// error
//
// The provider nests details under "error"; the proxy sends a flat event with
// the failure kind in "status".
type ServerEventParamError struct {
	Type    string
	Code    string
	Message string
	Param   any
	Flat    bool
}

func (p *ServerEventParamError) New(m map[string]any) error {
	if errObj, ok := m["error"].(map[string]any); ok {
		p.Type = asString(errObj, "type")
		p.Code = asString(errObj, "code")
		p.Message = asString(errObj, "message")
		p.Param = errObj["param"]
	} else {
		p.Flat = true
		p.Code = asString(m, "status")
		if p.Code == "" {
			p.Code = asString(m, "code")
		}
		p.Message = asString(m, "message")
	}
	if p.Code == "" && p.Message == "" {
		return errors.New("missing error code and message")
	}
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	if p.Flat {
		return map[string]any{"status": p.Code, "message": p.Message}
	}
	return map[string]any{
		"error": map[string]any{
			"type":    p.Type,
			"code":    p.Code,
			"message": p.Message,
			"param":   p.Param,
		},
	}
}

// session.created, session.updated
type ServerEventParamSession struct {
	Session map[string]any
}

func (p *ServerEventParamSession) New(m map[string]any) error {
	p.Session, _ = m["session"].(map[string]any)
	return nil
}

func (p *ServerEventParamSession) Json() map[string]any {
	if p.Session == nil {
		return map[string]any{}
	}
	return map[string]any{"session": p.Session}
}

// input_audio_buffer.cleared
type ServerEventParamEmpty struct{}

func (p *ServerEventParamEmpty) New(m map[string]any) error {
	return nil
}

func (p *ServerEventParamEmpty) Json() map[string]any {
	return map[string]any{}
}

// input_audio_buffer.committed
type ServerEventParamInputAudioBufferCommitted struct {
	PreviousItemId any
	ItemId         string
}

func (p *ServerEventParamInputAudioBufferCommitted) New(m map[string]any) error {
	p.PreviousItemId = m["previous_item_id"]
	if v, ok := m["item_id"].(string); ok && v != "" {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	return nil
}

func (p *ServerEventParamInputAudioBufferCommitted) Json() map[string]any {
	return map[string]any{
		"previous_item_id": p.PreviousItemId,
		"item_id":          p.ItemId,
	}
}

// input_audio_buffer.speech_started, input_audio_buffer.speech_stopped
type ServerEventParamSpeechBoundary struct {
	AudioMs int
	ItemId  string
}

func (p *ServerEventParamSpeechBoundary) New(m map[string]any) error {
	if v, ok := asInt(m["audio_start_ms"]); ok {
		p.AudioMs = v
	} else if v, ok := asInt(m["audio_end_ms"]); ok {
		p.AudioMs = v
	}
	p.ItemId = asString(m, "item_id")
	return nil
}

func (p *ServerEventParamSpeechBoundary) Json() map[string]any {
	return map[string]any{"audio_ms": p.AudioMs, "item_id": p.ItemId}
}

type ConversationItem struct {
	Id     string
	Type   string
	Role   Speaker
	Status string
}

// conversation.item.created
type ServerEventParamConversationItemCreated struct {
	PreviousItemId any
	Item           ConversationItem
}

func (p *ServerEventParamConversationItemCreated) New(m map[string]any) error {
	p.PreviousItemId = m["previous_item_id"]
	item, ok := m["item"].(map[string]any)
	if !ok {
		return errors.New("missing item")
	}
	if v, ok := item["id"].(string); ok && v != "" {
		p.Item.Id = v
	} else {
		return errors.New("missing item.id")
	}
	p.Item.Type = asString(item, "type")
	p.Item.Role = Speaker(asString(item, "role"))
	p.Item.Status = asString(item, "status")
	return nil
}

func (p *ServerEventParamConversationItemCreated) Json() map[string]any {
	return map[string]any{
		"previous_item_id": p.PreviousItemId,
		"item": map[string]any{
			"id":     p.Item.Id,
			"type":   p.Item.Type,
			"role":   string(p.Item.Role),
			"status": p.Item.Status,
		},
	}
}

// conversation.item.input_audio_transcription.delta, response.audio_transcript.delta,
// response.text.delta
type ServerEventParamTranscriptDelta struct {
	ResponseId   string
	ItemId       string
	ContentIndex int
	Delta        string
}

func (p *ServerEventParamTranscriptDelta) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok && v != "" {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	p.ResponseId = asString(m, "response_id")
	p.ContentIndex, _ = asInt(m["content_index"])
	return nil
}

func (p *ServerEventParamTranscriptDelta) Json() map[string]any {
	out := map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
		"delta":         p.Delta,
	}
	if p.ResponseId != "" {
		out["response_id"] = p.ResponseId
	}
	return out
}

// conversation.item.input_audio_transcription.completed, response.audio_transcript.done,
// response.text.done
//
// The transcript may be absent on done events; the reconciler then uses its
// accumulated deltas.
type ServerEventParamTranscriptDone struct {
	ResponseId   string
	ItemId       string
	ContentIndex int
	Transcript   string
}

func (p *ServerEventParamTranscriptDone) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok && v != "" {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	p.Transcript = asString(m, "transcript")
	if p.Transcript == "" {
		p.Transcript = asString(m, "text")
	}
	p.ResponseId = asString(m, "response_id")
	p.ContentIndex, _ = asInt(m["content_index"])
	return nil
}

func (p *ServerEventParamTranscriptDone) Json() map[string]any {
	out := map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
		"transcript":    p.Transcript,
	}
	if p.ResponseId != "" {
		out["response_id"] = p.ResponseId
	}
	return out
}

// response.audio.delta
type ServerEventParamResponseAudioDelta struct {
	ResponseId string
	ItemId     string
	Audio      []byte
}

func (p *ServerEventParamResponseAudioDelta) New(m map[string]any) error {
	v, ok := m["delta"].(string)
	if !ok {
		return errors.New("missing delta")
	}
	audio, err := tools.DecodeBase64(v)
	if err != nil {
		return fmt.Errorf("invalid delta: %w", err)
	}
	p.Audio = audio
	p.ResponseId = asString(m, "response_id")
	p.ItemId = asString(m, "item_id")
	return nil
}

func (p *ServerEventParamResponseAudioDelta) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
		"item_id":     p.ItemId,
		"delta":       tools.EncodeBase64(p.Audio),
	}
}

// response.audio.done
type ServerEventParamResponseAudioDone struct {
	ResponseId string
	ItemId     string
}

func (p *ServerEventParamResponseAudioDone) New(m map[string]any) error {
	p.ResponseId = asString(m, "response_id")
	p.ItemId = asString(m, "item_id")
	return nil
}

func (p *ServerEventParamResponseAudioDone) Json() map[string]any {
	return map[string]any{"response_id": p.ResponseId, "item_id": p.ItemId}
}

// response.done
type ServerEventParamResponseDone struct {
	Response map[string]any
}

func (p *ServerEventParamResponseDone) New(m map[string]any) error {
	p.Response, _ = m["response"].(map[string]any)
	return nil
}

func (p *ServerEventParamResponseDone) Json() map[string]any {
	return map[string]any{"response": p.Response}
}

func (p *ServerEventParamResponseDone) Status() string {
	if p.Response == nil {
		return ""
	}
	return asString(p.Response, "status")
}

// evaluation
type ServerEventParamEvaluation struct {
	Payload map[string]any
}

func (p *ServerEventParamEvaluation) New(m map[string]any) error {
	if v, ok := m["evaluation"].(map[string]any); ok {
		p.Payload = v
		return nil
	}
	if len(m) == 0 {
		return errors.New("missing evaluation payload")
	}
	p.Payload = m
	return nil
}

func (p *ServerEventParamEvaluation) Json() map[string]any {
	return map[string]any{"evaluation": p.Payload}
}

type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   EventParam
}

var _ Event = (*ClientEvent)(nil)

func (e *ClientEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *ClientEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ClientEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	switch e.Type {
	case ClientEventTypeAuthIdentity, ClientEventTypeAuthProvider:
		e.Param = new(ClientEventParamAuth)
	case ClientEventTypeSessionUpdate:
		e.Param = new(ClientEventParamSessionUpdate)
	case ClientEventTypeInputAudioBufferAppend:
		e.Param = new(ClientEventParamInputAudioBufferAppend)
	case ClientEventTypeInputAudioBufferCommit, ClientEventTypeInputAudioBufferClear, ClientEventTypeResponseCreate:
		e.Param = new(ServerEventParamEmpty)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}
	return e.Param.New(raw)
}

// auth_jwt, auth_openai
type ClientEventParamAuth struct {
	Token string
}

func (p *ClientEventParamAuth) New(m map[string]any) error {
	if v, ok := m["token"].(string); ok && v != "" {
		p.Token = v
		return nil
	}
	return errors.New("missing token")
}

func (p *ClientEventParamAuth) Json() map[string]any {
	return map[string]any{"token": p.Token}
}

type TurnDetection struct {
	Type              string `json:"type" yaml:"type"`
	Eagerness         string `json:"eagerness,omitempty" yaml:"eagerness"`
	CreateResponse    bool   `json:"create_response" yaml:"create_response"`
	InterruptResponse bool   `json:"interrupt_response" yaml:"interrupt_response"`
}

type InputAudioTranscription struct {
	Model    string `json:"model" yaml:"model"`
	Language string `json:"language,omitempty" yaml:"language"`
}

type SessionConfig struct {
	Model                   string                   `json:"model" yaml:"model"`
	Modalities              []string                 `json:"modalities,omitempty" yaml:"modalities"`
	Voice                   string                   `json:"voice,omitempty" yaml:"voice"`
	InputAudioFormat        string                   `json:"input_audio_format" yaml:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format" yaml:"output_audio_format"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty" yaml:"input_audio_transcription"`
	TurnDetection           TurnDetection            `json:"turn_detection" yaml:"turn_detection"`
	Instructions            string                   `json:"instructions,omitempty" yaml:"instructions"`
}

// session.update
type ClientEventParamSessionUpdate struct {
	Session SessionConfig
}

func (p *ClientEventParamSessionUpdate) New(m map[string]any) error {
	session, ok := m["session"]
	if !ok {
		return errors.New("missing session")
	}
	// Re-encode through the struct tags instead of walking the map by hand.
	data, err := sonic.Marshal(session)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, &p.Session)
}

func (p *ClientEventParamSessionUpdate) Json() map[string]any {
	return map[string]any{"session": p.Session}
}

// input_audio_buffer.append
//
// Audio holds raw PCM16; it is base64-encoded only when the event is marshaled
// for the wire.
type ClientEventParamInputAudioBufferAppend struct {
	Audio []byte
}

func (p *ClientEventParamInputAudioBufferAppend) New(m map[string]any) error {
	v, ok := m["audio"].(string)
	if !ok {
		return errors.New("missing audio")
	}
	audio, err := tools.DecodeBase64(v)
	if err != nil {
		return fmt.Errorf("invalid audio: %w", err)
	}
	p.Audio = audio
	return nil
}

func (p *ClientEventParamInputAudioBufferAppend) Json() map[string]any {
	return map[string]any{"audio": tools.EncodeBase64(p.Audio)}
}
