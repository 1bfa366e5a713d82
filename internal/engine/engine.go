// Package engine defines the contract of the SIP user-agent engine that
// places calls and bridges their audio to file players and recorders.
//
// An Engine is single-owner: callbacks on a CallHandler are only ever
// invoked from inside HandleEvents, on the caller's goroutine.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrNotStarted is returned by operations that need a started engine.
	ErrNotStarted = errors.New("engine not started")
	// ErrUnknownSlot is returned when a conference slot does not exist.
	ErrUnknownSlot = errors.New("unknown conference slot")
	// ErrUnsupportedConnection is returned by ConnectSlots for pairs the bridge cannot wire.
	ErrUnsupportedConnection = errors.New("unsupported slot connection")
	// ErrMediaInactive is returned when a call slot is connected before media is up.
	ErrMediaInactive = errors.New("call media not active")
)

// Slot identifies a port on the engine's conference bridge.
type Slot int

// NoSlot is the zero-information slot.
const NoSlot Slot = -1

// Config holds engine start-up settings.
type Config struct {
	LocalIP    string
	LocalPort  int
	UserAgent  string
	RTPPortMin int
	RTPPortMax int
	Logger     *slog.Logger
}

// AccountConfig describes a registering account.
type AccountConfig struct {
	ID           string // sip:user@domain
	RegistrarURI string // sip:domain
	Username     string
	Password     string
	Realm        string // "*" accepts any realm
}

// CallInfo is a snapshot of a call.
type CallInfo struct {
	ID         string
	RemoteURI  string
	State      CallState
	MediaState MediaState
	Slot       Slot
	LastStatus int
	LastReason string
}

// CallHandler receives call events. Methods run inside HandleEvents.
type CallHandler interface {
	OnCallState(info CallInfo)
	OnCallMediaState(info CallInfo)
}

// Engine is a SIP user-agent with a conference bridge.
type Engine interface {
	// Start binds transports. It must be called once before anything else.
	Start(ctx context.Context, cfg Config) error
	// CreateAccount creates an account and starts registering it.
	CreateAccount(ctx context.Context, cfg AccountConfig) (Account, error)
	// HandleEvents dispatches queued callbacks, waiting at most timeout for
	// the first one. It returns the number of events handled.
	HandleEvents(timeout time.Duration) int
	// CreatePlayer creates a one-shot WAV file player.
	CreatePlayer(path string) (Slot, error)
	// CreateRecorder creates a WAV file recorder; the file exists on return.
	CreateRecorder(path string) (Slot, error)
	// ConnectSlots routes audio from src to dst.
	ConnectSlots(src, dst Slot) error
	// Destroy hangs up remaining calls, finalises recordings and releases transports.
	Destroy() error
}

// Account is a registered identity that can place calls.
type Account interface {
	Online() bool
	MakeCall(ctx context.Context, uri string, h CallHandler) (Call, error)
	Close() error
}

// Call is an outbound call.
type Call interface {
	Info() CallInfo
	Hangup() error
}

// Factory creates an unstarted engine.
type Factory func() Engine
