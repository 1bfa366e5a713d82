// Package enginetest provides a scripted engine.Engine driven by a virtual
// clock, for testing code that places calls.
package enginetest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sebas/isip/internal/audio"
	"github.com/sebas/isip/internal/engine"
)

// Clock is a manually advanced clock. HandleEvents advances it by the
// requested timeout instead of sleeping.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current virtual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Step is one scripted call event, relative to MakeCall.
type Step struct {
	At     time.Duration
	State  engine.CallState // StateNull leaves the state unchanged
	Media  bool             // report media active
	Status int
	Reason string
}

// Script controls the fake engine's behaviour.
type Script struct {
	StartErr    error
	AccountErr  error
	MakeCallErr error
	Offline     bool
	Steps       []Step
	// NoRecordingFile makes CreateRecorder succeed without creating the file.
	NoRecordingFile bool
}

// Answered returns steps for a call answered at answer and hung up remotely at end.
func Answered(answer, end time.Duration) []Step {
	return []Step{
		{At: answer / 2, State: engine.StateEarly, Status: 180, Reason: "Ringing"},
		{At: answer, State: engine.StateConfirmed, Status: 200, Reason: "OK"},
		{At: answer, Media: true},
		{At: end, State: engine.StateDisconnected, Status: 200, Reason: "Normal call clearing"},
	}
}

// Rejected returns steps for a call rejected with status at the given offset.
func Rejected(at time.Duration, status int, reason string) []Step {
	return []Step{{At: at, State: engine.StateDisconnected, Status: status, Reason: reason}}
}

type event struct {
	at   time.Time
	seq  int
	fire func()
}

// Engine is a scripted engine.Engine.
type Engine struct {
	clock  *Clock
	script Script

	mu          sync.Mutex
	started     bool
	destroyed   bool
	config      engine.Config
	accounts    []engine.AccountConfig
	players     []string
	recorders   []string
	connections [][2]engine.Slot
	calls       []*Call
	nextSlot    engine.Slot
	queue       []event
	seq         int
	polls       int
}

var _ engine.Engine = (*Engine)(nil)

// New returns a scripted engine on clock.
func New(clock *Clock, script Script) *Engine {
	if clock == nil {
		clock = NewClock()
	}
	return &Engine{clock: clock, script: script, nextSlot: 1}
}

// Start implements engine.Engine.
func (e *Engine) Start(_ context.Context, cfg engine.Config) error {
	if e.script.StartErr != nil {
		return e.script.StartErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	e.config = cfg
	return nil
}

// CreateAccount implements engine.Engine.
func (e *Engine) CreateAccount(_ context.Context, cfg engine.AccountConfig) (engine.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, engine.ErrNotStarted
	}
	if e.script.AccountErr != nil {
		return nil, e.script.AccountErr
	}
	e.accounts = append(e.accounts, cfg)
	return &account{e: e}, nil
}

// HandleEvents advances the clock by timeout and fires due events.
func (e *Engine) HandleEvents(timeout time.Duration) int {
	e.clock.Advance(timeout)
	now := e.clock.Now()

	e.mu.Lock()
	e.polls++
	sort.SliceStable(e.queue, func(i, j int) bool {
		if e.queue[i].at.Equal(e.queue[j].at) {
			return e.queue[i].seq < e.queue[j].seq
		}
		return e.queue[i].at.Before(e.queue[j].at)
	})
	var due []event
	rest := e.queue[:0]
	for _, ev := range e.queue {
		if !ev.at.After(now) {
			due = append(due, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	e.queue = rest
	e.mu.Unlock()

	for _, ev := range due {
		ev.fire()
	}
	return len(due)
}

// CreatePlayer implements engine.Engine.
func (e *Engine) CreatePlayer(path string) (engine.Slot, error) {
	if _, err := os.Stat(path); err != nil {
		return engine.NoSlot, fmt.Errorf("open player: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.players = append(e.players, path)
	return e.allocSlot(), nil
}

// CreateRecorder implements engine.Engine.
func (e *Engine) CreateRecorder(path string) (engine.Slot, error) {
	if !e.script.NoRecordingFile {
		if err := audio.WriteWAVFile(path, &audio.Clip{SampleRate: audio.TelephonyRate, Channels: 1}); err != nil {
			return engine.NoSlot, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorders = append(e.recorders, path)
	return e.allocSlot(), nil
}

// ConnectSlots implements engine.Engine.
func (e *Engine) ConnectSlots(src, dst engine.Slot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if src <= 0 || dst <= 0 || src >= e.nextSlot || dst >= e.nextSlot {
		return engine.ErrUnknownSlot
	}
	e.connections = append(e.connections, [2]engine.Slot{src, dst})
	return nil
}

// Destroy implements engine.Engine.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
	e.started = false
	e.queue = nil
	return nil
}

func (e *Engine) allocSlot() engine.Slot {
	s := e.nextSlot
	e.nextSlot++
	return s
}

func (e *Engine) schedule(at time.Time, fire func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.queue = append(e.queue, event{at: at, seq: e.seq, fire: fire})
}

// Started reports whether Start succeeded and Destroy was not called.
func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Destroyed reports whether Destroy was called.
func (e *Engine) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

// Config returns the configuration passed to Start.
func (e *Engine) Config() engine.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Accounts returns the created account configs.
func (e *Engine) Accounts() []engine.AccountConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.AccountConfig(nil), e.accounts...)
}

// Players returns the paths of created players.
func (e *Engine) Players() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.players...)
}

// Recorders returns the paths of created recorders.
func (e *Engine) Recorders() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.recorders...)
}

// Connections returns every ConnectSlots pair.
func (e *Engine) Connections() [][2]engine.Slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][2]engine.Slot(nil), e.connections...)
}

// Calls returns the calls placed so far.
func (e *Engine) Calls() []*Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Call(nil), e.calls...)
}

// Polls returns the number of HandleEvents invocations.
func (e *Engine) Polls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.polls
}

type account struct {
	e      *Engine
	closed bool
}

func (a *account) Online() bool { return !a.e.script.Offline }

func (a *account) MakeCall(_ context.Context, uri string, h engine.CallHandler) (engine.Call, error) {
	e := a.e
	if e.script.MakeCallErr != nil {
		return nil, e.script.MakeCallErr
	}

	e.mu.Lock()
	c := &Call{
		e: e,
		h: h,
		info: engine.CallInfo{
			ID:         fmt.Sprintf("fake-%d", len(e.calls)+1),
			RemoteURI:  uri,
			State:      engine.StateNull,
			MediaState: engine.MediaNone,
			Slot:       e.allocSlot(),
		},
	}
	e.calls = append(e.calls, c)
	e.mu.Unlock()

	start := e.clock.Now()
	e.schedule(start, func() { c.apply(Step{State: engine.StateCalling}) })
	for _, st := range e.script.Steps {
		st := st
		e.schedule(start.Add(st.At), func() { c.apply(st) })
	}
	return c, nil
}

func (a *account) Close() error {
	a.closed = true
	return nil
}

// Call is a scripted call.
type Call struct {
	e      *Engine
	h      engine.CallHandler
	mu     sync.Mutex
	info   engine.CallInfo
	hungUp bool
}

// Info implements engine.Call.
func (c *Call) Info() engine.CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Hangup implements engine.Call. The disconnect is delivered on the next poll.
func (c *Call) Hangup() error {
	c.mu.Lock()
	if c.hungUp || c.info.State.IsTerminal() {
		c.mu.Unlock()
		return nil
	}
	c.hungUp = true
	c.mu.Unlock()

	c.e.schedule(c.e.clock.Now(), func() {
		c.apply(Step{State: engine.StateDisconnected, Status: 487, Reason: "Request Terminated"})
	})
	return nil
}

// HungUp reports whether Hangup was called on a live call.
func (c *Call) HungUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hungUp
}

func (c *Call) apply(st Step) {
	c.mu.Lock()
	if c.info.State.IsTerminal() {
		c.mu.Unlock()
		return
	}
	// Scripted steps stop once the local side hung up.
	if c.hungUp && st.State != engine.StateDisconnected {
		c.mu.Unlock()
		return
	}
	stateChanged := st.State != engine.StateNull && st.State != c.info.State
	if stateChanged {
		c.info.State = st.State
	}
	if st.Status != 0 {
		c.info.LastStatus = st.Status
		c.info.LastReason = st.Reason
	}
	mediaChanged := st.Media && c.info.MediaState != engine.MediaActive
	if mediaChanged {
		c.info.MediaState = engine.MediaActive
	}
	if c.info.State.IsTerminal() {
		c.info.MediaState = engine.MediaNone
	}
	info := c.info
	c.mu.Unlock()

	if stateChanged {
		c.h.OnCallState(info)
	}
	if mediaChanged {
		c.h.OnCallMediaState(info)
	}
}

// Factory counts and records the engines it creates.
type Factory struct {
	Clock  *Clock
	Script Script

	mu      sync.Mutex
	engines []*Engine
}

// New creates a scripted engine; it satisfies engine.Factory.
func (f *Factory) New() engine.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Clock == nil {
		f.Clock = NewClock()
	}
	e := New(f.Clock, f.Script)
	f.engines = append(f.engines, e)
	return e
}

// Engines returns the engines created so far.
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Engine(nil), f.engines...)
}
