package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sebas/isip/internal/engine"
)

const (
	registerExpiry     = 3600
	registerRetry      = 30 * time.Second
	unregisterTimeout  = 5 * time.Second
	registerReqTimeout = 10 * time.Second
)

type account struct {
	e         *Engine
	cfg       engine.AccountConfig
	log       *slog.Logger
	aor       sip.Uri
	registrar sip.Uri
	callID    string
	fromTag   string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cseq   uint32
	online bool
	closed bool
}

func newAccount(e *Engine, cfg engine.AccountConfig) (*account, error) {
	var aor, registrar sip.Uri
	if err := sip.ParseUri(cfg.ID, &aor); err != nil {
		return nil, fmt.Errorf("invalid account id %q: %w", cfg.ID, err)
	}
	if err := sip.ParseUri(cfg.RegistrarURI, &registrar); err != nil {
		return nil, fmt.Errorf("invalid registrar %q: %w", cfg.RegistrarURI, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &account{
		e:         e,
		cfg:       cfg,
		log:       e.log.With("account", cfg.ID),
		aor:       aor,
		registrar: registrar,
		callID:    uuid.New().String(),
		fromTag:   newTag(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Online reports whether the last REGISTER succeeded.
func (a *account) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

func (a *account) setOnline(v bool) {
	a.mu.Lock()
	a.online = v
	a.mu.Unlock()
}

func (a *account) nextCSeq() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cseq++
	return a.cseq
}

// register keeps the binding alive until the account is closed.
func (a *account) register(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()
	go func() {
		select {
		case <-a.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		wait := registerRetry
		expires, err := a.sendRegister(ctx, registerExpiry)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			a.setOnline(false)
			a.log.Warn("[Account] Registration failed", "error", err)
		default:
			a.setOnline(true)
			a.log.Info("[Account] Registered", "expires", expires)
			wait = time.Duration(expires) * time.Second * 4 / 5
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// sendRegister performs one REGISTER exchange, answering digest challenges,
// and returns the granted expiry.
func (a *account) sendRegister(ctx context.Context, expires int) (int, error) {
	var authName, authValue string
	for try := 0; try < maxAuthAttempts; try++ {
		req := a.newRegister(expires, authName, authValue)

		rctx, cancel := context.WithTimeout(ctx, registerReqTimeout)
		resp, err := a.e.roundTrip(rctx, req)
		cancel()
		if err != nil {
			return 0, err
		}

		switch {
		case isAuthChallenge(resp):
			authName, authValue, err = authorize(req, resp, a.cfg.Username, a.cfg.Password)
			if err != nil {
				return 0, err
			}
			continue
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return grantedExpiry(resp, expires), nil
		default:
			return 0, fmt.Errorf("REGISTER rejected: %d %s", resp.StatusCode, resp.Reason)
		}
	}
	return 0, errors.New("max auth retry attempts reached")
}

func (a *account) newRegister(expires int, authName, authValue string) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, a.registrar)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", a.fromTag)
	req.AppendHeader(&sip.FromHeader{Address: a.aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: a.aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(a.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: a.nextCSeq(), MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: a.e.contactURI(a.aor.User)})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if authValue != "" {
		req.AppendHeader(sip.NewHeader(authName, authValue))
	}
	return req
}

func grantedExpiry(resp *sip.Response, requested int) int {
	if h := resp.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(h.Value()); err == nil && v > 0 {
			return v
		}
	}
	return requested
}

// MakeCall places an outbound call to uri.
func (a *account) MakeCall(ctx context.Context, uri string, h engine.CallHandler) (engine.Call, error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, errors.New("account closed")
	}
	return a.e.placeCall(ctx, a, uri, h)
}

// Close stops re-registration and removes the binding.
func (a *account) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	wasOnline := a.online
	a.online = false
	a.mu.Unlock()

	a.cancel()
	if !wasOnline {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	if _, err := a.sendRegister(ctx, 0); err != nil {
		a.log.Warn("[Account] Unregister failed", "error", err)
		return fmt.Errorf("unregister: %w", err)
	}
	a.log.Info("[Account] Unregistered")
	return nil
}

func newTag() string {
	return uuid.New().String()[:8]
}
