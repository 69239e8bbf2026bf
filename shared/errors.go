package shared

import "errors"

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrNoLogger             = errors.New("no logger provided")
	ErrNoConfig             = errors.New("no config provided")
	ErrNoBackend            = errors.New("no backend provided")
	ErrNoDialer             = errors.New("no dialer provided")
	ErrNoFrameSource        = errors.New("no frame source provided")
	ErrNoSink               = errors.New("no playback sink provided")
	ErrNoSession            = errors.New("no game session selected")
	ErrNoScenario           = errors.New("no scenario context loaded")
	ErrSessionComplete      = errors.New("game session is complete")
	ErrConnectInProgress    = errors.New("connection attempt already in progress")
	ErrAlreadyConnected     = errors.New("session already connected")
	ErrDebounced            = errors.New("connection attempt debounced")
	ErrNotActive            = errors.New("session is not active")
	ErrSessionClosed        = errors.New("session closed")
	ErrInvalidProviderToken = errors.New("invalid provider token format")
	ErrCaptureRunning       = errors.New("capture already running")
	ErrSupervisorStopped    = errors.New("supervisor stopped")
	ErrSupervisorRunning    = errors.New("supervisor already running")
)
