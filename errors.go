package voice

import (
	"errors"
	"fmt"

	"github.com/bt-bridge/pacer-voice/tools"
)

type ErrorClass int

const (
	// ErrorClassCritical terminates the connection.
	ErrorClassCritical ErrorClass = iota
	// ErrorClassRecoverable is logged and surfaced only when it repeats.
	ErrorClassRecoverable
	// ErrorClassSilent is logged at debug level and never surfaced.
	ErrorClassSilent
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassCritical:
		return "critical"
	case ErrorClassRecoverable:
		return "recoverable"
	case ErrorClassSilent:
		return "silent"
	}
	return fmt.Sprintf("ErrorClass(%d)", int(c))
}

var errorClasses = map[string]ErrorClass{
	"openai_connection_failed":                 ErrorClassCritical,
	"internal_server_error":                    ErrorClassCritical,
	"unauthorized":                             ErrorClassCritical,
	"forbidden":                                ErrorClassCritical,
	"auth_failed":                              ErrorClassCritical,
	"input_audio_buffer_commit_empty":          ErrorClassSilent,
	"invalid_audio_format":                     ErrorClassRecoverable,
	"input_too_short":                          ErrorClassRecoverable,
	"no_speech_detected":                       ErrorClassRecoverable,
	"rate_limit_exceeded":                      ErrorClassRecoverable,
	"conversation_already_has_active_response": ErrorClassRecoverable,
}

// ClassifyErrorCode maps a protocol error code to its handling class.
// Unknown codes are critical.
func ClassifyErrorCode(code string) ErrorClass {
	if c, ok := errorClasses[code]; ok {
		return c
	}
	return ErrorClassCritical
}

// ProtocolError is an `error` event received from the proxy or the provider.
type ProtocolError struct {
	Code    string
	Message string
	Class   ErrorClass
}

func NewProtocolError(p *ServerEventParamError) *ProtocolError {
	code := p.Code
	if code == "" {
		code = "unknown"
	}
	return &ProtocolError{Code: code, Message: p.Message, Class: ClassifyErrorCode(code)}
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("protocol error %s", e.Code)
	}
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

func (e *ProtocolError) Critical() bool {
	return e.Class == ErrorClassCritical
}

// UserMessage is the text shown to the player for this error.
func (e *ProtocolError) UserMessage() string {
	switch e.Code {
	case "openai_connection_failed":
		return "Voice service is temporarily unavailable. Please try again in a moment."
	case "unauthorized", "forbidden", "auth_failed":
		return "Voice authentication failed. Please sign in again."
	case "internal_server_error":
		return "The voice service hit an internal error. Please reconnect."
	case CodeProxyNotReady:
		return "Proxy setup failed."
	case "rate_limit_exceeded":
		return "Voice requests are being rate limited. Please slow down."
	case "no_speech_detected", "input_too_short":
		return "No speech detected. Please speak a little longer."
	}
	if e.Message != "" {
		return "Voice error: " + e.Message
	}
	return "Voice error: " + e.Code
}

// Close codes used by the proxy in addition to the standard ones.
const (
	CloseNormal              = 1000
	CloseAbnormal            = 1006
	CloseServerError         = 1011
	CloseIdentityAuthFailed  = 4001
	CloseProviderAuthFailed  = 4002
	CloseAuthProcessError    = 4003
	CloseGameSessionNotFound = 4004
)

// CloseError reports how the transport was closed by the remote side.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("connection closed (%d)", e.Code)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// Abnormal reports a drop without a close handshake, which is the only close
// an automatic reconnect may follow.
func (e *CloseError) Abnormal() bool {
	return e.Code == CloseAbnormal
}

func (e *CloseError) UserMessage() string {
	switch e.Code {
	case CloseNormal:
		return "Voice connection closed."
	case CloseAbnormal:
		return "Voice connection lost. Check your network and reconnect."
	case CloseServerError:
		return "The voice server encountered an error."
	case CloseIdentityAuthFailed:
		return "Your login session was rejected. Please sign in again."
	case CloseProviderAuthFailed:
		return "The voice session token was rejected. Please reconnect."
	case CloseAuthProcessError:
		return "Voice authentication failed. Please reconnect."
	case CloseGameSessionNotFound:
		return "This game session no longer exists."
	}
	if e.Reason != "" {
		return "Voice connection closed: " + e.Reason
	}
	return fmt.Sprintf("Voice connection closed (code %d).", e.Code)
}

type MicErrorKind int

const (
	MicErrorUnknown MicErrorKind = iota
	MicErrorPermissionDenied
	MicErrorNotFound
	MicErrorBusy
	MicErrorConstraints
)

func (k MicErrorKind) String() string {
	switch k {
	case MicErrorPermissionDenied:
		return "permission_denied"
	case MicErrorNotFound:
		return "not_found"
	case MicErrorBusy:
		return "busy"
	case MicErrorConstraints:
		return "constraints"
	}
	return "unknown"
}

// MicError is returned when the microphone cannot be opened. Capture is never
// retried automatically.
type MicError struct {
	Kind MicErrorKind
	Err  error
}

func (e *MicError) Error() string {
	return fmt.Sprintf("microphone %s: %v", e.Kind, e.Err)
}

func (e *MicError) Unwrap() error {
	return e.Err
}

func (e *MicError) UserMessage() string {
	switch e.Kind {
	case MicErrorPermissionDenied:
		return "Microphone access denied. Please allow microphone permissions."
	case MicErrorNotFound:
		return "No microphone found. Please connect a microphone."
	case MicErrorBusy:
		return "Microphone is being used by another application."
	case MicErrorConstraints:
		return "Microphone doesn't support the required audio settings."
	}
	return "Error accessing microphone: " + e.Err.Error()
}

func newMicError(err error) *MicError {
	var me *MicError
	if errors.As(err, &me) {
		return me
	}
	kind := MicErrorUnknown
	switch {
	case errors.Is(err, tools.ErrMicPermissionDenied):
		kind = MicErrorPermissionDenied
	case errors.Is(err, tools.ErrMicNotFound):
		kind = MicErrorNotFound
	case errors.Is(err, tools.ErrMicBusy):
		kind = MicErrorBusy
	case errors.Is(err, tools.ErrMicConstraints):
		kind = MicErrorConstraints
	}
	return &MicError{Kind: kind, Err: err}
}
