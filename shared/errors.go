package shared

import "errors"

var (
	ErrNoLogger        = errors.New("no logger provided")
	ErrNoConfig        = errors.New("no config provided")
	ErrNoAPIKey        = errors.New("no API key provided")
	ErrNoSession       = errors.New("no upstream session provided")
	ErrNoClientConn    = errors.New("no client connection provided")
	ErrNoRegistry      = errors.New("no tool registry provided")
	ErrNoMetrics       = errors.New("no metrics provided")
	ErrSessionClosed   = errors.New("session closed")
	ErrAlreadyRunning  = errors.New("already running")
	ErrSetupRejected   = errors.New("setup not acknowledged by server")
	ErrUnknownTool     = errors.New("unknown tool")
	ErrMissingArgument = errors.New("missing argument")
	ErrEnvMissing      = errors.New("required environment variable not set")
)
