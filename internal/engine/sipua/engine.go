// Package sipua is the engine.Engine implementation on top of sipgo: UDP
// SIP signaling with digest authentication, G.711 RTP media and a small
// conference bridge connecting calls to WAV players and recorders.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sebas/isip/internal/audio"
	"github.com/sebas/isip/internal/engine"
)

const (
	defaultUserAgent  = "iSIP"
	defaultRTPPortMin = 10000
	defaultRTPPortMax = 20000
	listenGrace       = 100 * time.Millisecond
)

// Engine is a sipgo-backed SIP user agent.
type Engine struct {
	cfg    engine.Config
	log    *slog.Logger
	events *eventQueue

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	cancel context.CancelFunc
	ports  *portPool
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	nextSlot  engine.Slot
	players   map[engine.Slot]*player
	recorders map[engine.Slot]*recorder
	calls     map[string]*call // by Call-ID
	slots     map[engine.Slot]*call
	accounts  []*account
}

var _ engine.Engine = (*Engine)(nil)

// New returns an unstarted engine. It satisfies engine.Factory.
func New() engine.Engine {
	return &Engine{
		events:    newEventQueue(),
		nextSlot:  1,
		players:   make(map[engine.Slot]*player),
		recorders: make(map[engine.Slot]*recorder),
		calls:     make(map[string]*call),
		slots:     make(map[engine.Slot]*call),
	}
}

// Start creates the SIP stack and binds the UDP listener.
func (e *Engine) Start(ctx context.Context, cfg engine.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RTPPortMin <= 0 || cfg.RTPPortMax <= cfg.RTPPortMin {
		cfg.RTPPortMin, cfg.RTPPortMax = defaultRTPPortMin, defaultRTPPortMax
	}
	if cfg.LocalIP == "" {
		cfg.LocalIP = "0.0.0.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e.cfg = cfg
	e.log = cfg.Logger.With("component", "sipua")

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.LocalIP))
	if err != nil {
		ua.Close()
		return fmt.Errorf("failed to create client: %w", err)
	}
	srv.OnRequest(sip.BYE, e.handleBYE)

	listenAddr := net.JoinHostPort(cfg.LocalIP, strconv.Itoa(cfg.LocalPort))
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(lctx, "udp", listenAddr)
	}()
	select {
	case err := <-errCh:
		cancel()
		ua.Close()
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	case <-time.After(listenGrace):
	}

	e.ua, e.srv, e.client, e.cancel = ua, srv, client, cancel
	e.ports = newPortPool(cfg.RTPPortMin, cfg.RTPPortMax)
	e.started = true

	e.log.Info("[Engine] SIP transport listening",
		"addr", listenAddr,
		"user_agent", cfg.UserAgent,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
	)
	return nil
}

// CreateAccount registers cfg with its registrar in the background.
func (e *Engine) CreateAccount(ctx context.Context, cfg engine.AccountConfig) (engine.Account, error) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil, engine.ErrNotStarted
	}
	acc, err := newAccount(e, cfg)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.accounts = append(e.accounts, acc)
	e.mu.Unlock()

	e.goTracked(func() { acc.register(ctx) })
	return acc, nil
}

// HandleEvents implements engine.Engine.
func (e *Engine) HandleEvents(timeout time.Duration) int {
	return e.events.dispatch(timeout)
}

// CreatePlayer loads a WAV file and converts it for the wire.
func (e *Engine) CreatePlayer(path string) (engine.Slot, error) {
	clip, err := audio.ReadWAVFile(path)
	if err != nil {
		return engine.NoSlot, fmt.Errorf("open player: %w", err)
	}
	clip, err = audio.ToTelephony(clip)
	if err != nil {
		return engine.NoSlot, fmt.Errorf("convert player audio: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return engine.NoSlot, engine.ErrNotStarted
	}
	slot := e.allocSlotLocked()
	e.players[slot] = &player{path: path, pcm: clip.PCM}
	return slot, nil
}

// CreateRecorder creates path as an 8 kHz mono WAV file.
func (e *Engine) CreateRecorder(path string) (engine.Slot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return engine.NoSlot, engine.ErrNotStarted
	}
	w, err := audio.CreateWAV(path, audio.TelephonyRate, 1)
	if err != nil {
		return engine.NoSlot, fmt.Errorf("create recorder: %w", err)
	}
	slot := e.allocSlotLocked()
	e.recorders[slot] = &recorder{path: path, w: w}
	return slot, nil
}

// ConnectSlots wires player to call and call to recorder. Other pairs are
// rejected with engine.ErrUnsupportedConnection.
func (e *Engine) ConnectSlots(src, dst engine.Slot) error {
	e.mu.Lock()
	p, srcPlayer := e.players[src]
	srcCall, srcIsCall := e.slots[src]
	dstCall, dstIsCall := e.slots[dst]
	r, dstRecorder := e.recorders[dst]
	known := func(s engine.Slot) bool {
		_, a := e.players[s]
		_, b := e.recorders[s]
		_, c := e.slots[s]
		return a || b || c
	}
	srcKnown, dstKnown := known(src), known(dst)
	e.mu.Unlock()

	if !srcKnown || !dstKnown {
		return engine.ErrUnknownSlot
	}

	switch {
	case srcPlayer && dstIsCall:
		m := dstCall.mediaSession()
		if m == nil || !m.isActive() {
			return engine.ErrMediaInactive
		}
		e.log.Debug("[Engine] Playing file into call", "path", p.path, "call_id", dstCall.callID)
		return m.play(p.pcm)

	case srcIsCall && dstRecorder:
		m := srcCall.mediaSession()
		if m == nil || !m.isActive() {
			return engine.ErrMediaInactive
		}
		r.attach(srcCall.callID)
		m.addSink(r.w)
		e.log.Debug("[Engine] Recording call", "path", r.path, "call_id", srcCall.callID)
		return nil
	}
	return engine.ErrUnsupportedConnection
}

// Destroy hangs up live calls, unregisters accounts, closes recorders and
// stops the transport. It is safe to call more than once.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	calls := make([]*call, 0, len(e.calls))
	for _, c := range e.calls {
		calls = append(calls, c)
	}
	accounts := e.accounts
	e.accounts = nil
	e.mu.Unlock()

	for _, c := range calls {
		_ = c.Hangup()
	}
	for _, a := range accounts {
		_ = a.Close()
	}
	e.wg.Wait()

	for _, c := range calls {
		c.teardownMedia()
	}

	e.mu.Lock()
	var errs []error
	for slot, r := range e.recorders {
		if err := r.w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recorder %s: %w", r.path, err))
		}
		delete(e.recorders, slot)
	}
	for slot := range e.players {
		delete(e.players, slot)
	}
	e.calls = make(map[string]*call)
	e.slots = make(map[engine.Slot]*call)
	e.mu.Unlock()

	e.events.clear()
	e.cancel()
	if err := e.ua.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close user agent: %w", err))
	}
	e.log.Info("[Engine] Destroyed")
	return errors.Join(errs...)
}

// goTracked runs fn on a goroutine that Destroy waits for.
func (e *Engine) goTracked(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) allocSlotLocked() engine.Slot {
	s := e.nextSlot
	e.nextSlot++
	return s
}

func (e *Engine) addCall(c *call) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c.slot = e.allocSlotLocked()
	e.calls[c.callID] = c
	e.slots[c.slot] = c
}

// callEnded finalises recorders fed by c and forgets the call.
func (e *Engine) callEnded(c *call) {
	e.mu.Lock()
	delete(e.calls, c.callID)
	delete(e.slots, c.slot)
	var done []*recorder
	for _, r := range e.recorders {
		if r.callID() == c.callID {
			done = append(done, r)
		}
	}
	e.mu.Unlock()

	for _, r := range done {
		if err := r.w.Close(); err != nil {
			e.log.Warn("[Engine] Failed to finalise recording", "path", r.path, "error", err)
		}
	}
}

func (e *Engine) lookupCall(callID string) *call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[callID]
}

// handleBYE terminates a call the remote party hung up.
func (e *Engine) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if req.CallID() != nil {
		callID = string(*req.CallID())
	}
	c := e.lookupCall(callID)
	if c == nil {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		e.log.Error("[Engine] Failed to respond to BYE", "call_id", callID, "error", err)
	}
	e.log.Info("[Engine] BYE received", "call_id", callID)
	c.remoteHangup()
}

type player struct {
	path string
	pcm  []byte
}

type recorder struct {
	path string
	w    *audio.WAVWriter

	mu   sync.Mutex
	call string
}

func (r *recorder) attach(callID string) {
	r.mu.Lock()
	r.call = callID
	r.mu.Unlock()
}

func (r *recorder) callID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.call
}
