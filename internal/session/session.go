// Package session drives a single outbound call through the SIP engine:
// place the call, bind prompt playback and recording once media is up,
// poll until the call ends or the timeout forces a hang-up.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sebas/isip/internal/engine"
	"github.com/sebas/isip/internal/target"
)

// ErrNotStarted is returned by Run when the engine has not been started.
var ErrNotStarted = errors.New("client not started")

const (
	// DefaultPollSlice is how long each HandleEvents call may block.
	DefaultPollSlice = 200 * time.Millisecond
	// DefaultTimeout bounds a scenario that does not set one.
	DefaultTimeout = 30 * time.Second

	defaultRegisterAttempts = 10
	defaultRegisterInterval = 100 * time.Millisecond
)

// Scenario is one call attempt.
type Scenario struct {
	Phone      string
	PromptFile string // optional; played once media is active
	RecordFile string
	Timeout    time.Duration
}

// Result is the outcome of a scenario.
type Result struct {
	Established bool
	Recording   string // set only if the recording file exists
	Duration    time.Duration
	Status      int    // last SIP status seen
	Reason      string // last SIP reason seen
	Error       string // placement failure, if any
}

// Options tune a Client. Zero values select defaults.
type Options struct {
	Engine           engine.Config
	PollSlice        time.Duration
	RegisterAttempts int
	RegisterInterval time.Duration
	Now              func() time.Time
	Logger           *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PollSlice <= 0 {
		o.PollSlice = DefaultPollSlice
	}
	if o.RegisterAttempts <= 0 {
		o.RegisterAttempts = defaultRegisterAttempts
	}
	if o.RegisterInterval <= 0 {
		o.RegisterInterval = defaultRegisterInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Client owns an engine and a registered account for its lifetime.
type Client struct {
	eng  engine.Engine
	tgt  target.Target
	opts Options
	log  *slog.Logger

	acc engine.Account
}

// NewClient wraps an unstarted engine for calls through tgt's gateway and account.
func NewClient(eng engine.Engine, tgt target.Target, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		eng:  eng,
		tgt:  tgt,
		opts: opts,
		log:  opts.Logger.With("component", "session"),
	}
}

// Start starts the engine, creates the account and waits briefly for it to
// register. A registration that does not complete in time is not fatal.
func (c *Client) Start(ctx context.Context) error {
	cfg := c.opts.Engine
	if c.tgt.LocalIP != "" {
		cfg.LocalIP = c.tgt.LocalIP
	}
	if c.tgt.LocalPort != 0 {
		cfg.LocalPort = c.tgt.LocalPort
	}
	if cfg.Logger == nil {
		cfg.Logger = c.opts.Logger
	}

	if err := c.eng.Start(ctx, cfg); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	acc, err := c.eng.CreateAccount(ctx, engine.AccountConfig{
		ID:           c.tgt.AccountID(),
		RegistrarURI: c.tgt.RegistrarURI(),
		Username:     c.tgt.AuthUser,
		Password:     c.tgt.AuthPassword,
		Realm:        "*",
	})
	if err != nil {
		_ = c.eng.Destroy()
		return fmt.Errorf("create account: %w", err)
	}
	c.acc = acc

	for i := 0; i < c.opts.RegisterAttempts && !acc.Online(); i++ {
		c.eng.HandleEvents(c.opts.RegisterInterval)
	}
	if acc.Online() {
		c.log.Info("[Session] Account registered", "account", c.tgt.AccountID())
	} else {
		c.log.Warn("[Session] Account not registered yet, continuing", "account", c.tgt.AccountID())
	}
	return nil
}

// Stop removes the account and destroys the engine. It is safe to call twice.
func (c *Client) Stop() error {
	if c.acc == nil {
		return nil
	}
	var errs []error
	if err := c.acc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close account: %w", err))
	}
	c.acc = nil
	if err := c.eng.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("destroy engine: %w", err))
	}
	return errors.Join(errs...)
}

// Run places the scenario's call and blocks until it terminates or times out.
// Only ErrNotStarted is returned as an error; call failures are reported in
// the Result with Established=false.
func (c *Client) Run(ctx context.Context, sc Scenario) (Result, error) {
	if c.acc == nil {
		return Result{}, ErrNotStarted
	}
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	uri := "sip:" + sc.Phone + "@" + c.tgt.Gateway
	log := c.log.With("uri", uri)
	h := &callHandler{eng: c.eng, sc: sc, now: c.opts.Now, log: log}

	call, err := c.acc.MakeCall(ctx, uri, h)
	if err != nil {
		log.Warn("[Session] Call placement failed", "error", err)
		return Result{Error: fmt.Sprintf("place call: %v", err)}, nil
	}
	log.Info("[Session] Call placed", "timeout", timeout)

	deadline := c.opts.Now().Add(timeout)
	for !h.done && c.opts.Now().Before(deadline) {
		c.eng.HandleEvents(c.opts.PollSlice)
	}

	if !h.done {
		log.Info("[Session] Call timed out, hanging up")
		if err := call.Hangup(); err != nil {
			log.Warn("[Session] Hangup failed", "error", err)
		}
	}

	info := call.Info()
	res := Result{
		Established: h.established,
		Status:      info.LastStatus,
		Reason:      info.LastReason,
	}
	if h.established && !h.start.IsZero() {
		if d := c.opts.Now().Sub(h.start); d > 0 {
			res.Duration = d
		}
	}
	if sc.RecordFile != "" {
		if _, err := os.Stat(sc.RecordFile); err == nil {
			res.Recording = sc.RecordFile
		}
	}

	log.Info("[Session] Call finished",
		"established", res.Established,
		"duration", res.Duration,
		"status", res.Status,
		"recording", res.Recording != "",
	)
	return res, nil
}

// callHandler tracks one call. It is only touched from HandleEvents, on
// the goroutine running Run.
type callHandler struct {
	eng engine.Engine
	sc  Scenario
	now func() time.Time
	log *slog.Logger

	established bool
	done        bool
	start       time.Time
	mediaBound  bool
}

func (h *callHandler) OnCallState(info engine.CallInfo) {
	h.log.Debug("[Session] Call state", "state", info.State, "status", info.LastStatus, "reason", info.LastReason)

	switch info.State {
	case engine.StateConfirmed:
		if !h.established {
			h.established = true
			h.start = h.now()
		}
	case engine.StateDisconnected:
		h.done = true
	}
}

func (h *callHandler) OnCallMediaState(info engine.CallInfo) {
	if info.MediaState != engine.MediaActive || h.mediaBound {
		return
	}
	h.mediaBound = true

	if h.sc.PromptFile != "" {
		if _, err := os.Stat(h.sc.PromptFile); err == nil {
			h.bind("player", h.sc.PromptFile, h.eng.CreatePlayer, func(s engine.Slot) error {
				return h.eng.ConnectSlots(s, info.Slot)
			})
		} else {
			h.log.Warn("[Session] Prompt file missing, not playing", "path", h.sc.PromptFile)
		}
	}

	if h.sc.RecordFile != "" {
		h.bind("recorder", h.sc.RecordFile, h.eng.CreateRecorder, func(s engine.Slot) error {
			return h.eng.ConnectSlots(info.Slot, s)
		})
	}
}

func (h *callHandler) bind(kind, path string, create func(string) (engine.Slot, error), connect func(engine.Slot) error) {
	slot, err := create(path)
	if err != nil {
		h.log.Warn("[Session] Failed to create "+kind, "path", path, "error", err)
		return
	}
	if err := connect(slot); err != nil {
		h.log.Warn("[Session] Failed to connect "+kind, "path", path, "error", err)
		return
	}
	h.log.Debug("[Session] Media bound", "kind", kind, "path", path, "slot", slot)
}
