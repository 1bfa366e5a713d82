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

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sebas/isip/internal/audio"
	"github.com/sebas/isip/internal/engine"
)

const (
	inDialogTimeout = 5 * time.Second
	ackTimeout      = 5 * time.Second
)

// call is one outbound INVITE dialog.
type call struct {
	e      *Engine
	acc    *account
	h      engine.CallHandler
	log    *slog.Logger
	target sip.Uri
	callID string
	tag    string
	slot   engine.Slot
	media  *mediaSession

	// dial is cancelled by Hangup while the INVITE is outstanding.
	dial       context.Context
	cancelDial context.CancelFunc

	mu        sync.Mutex
	info      engine.CallInfo
	cseq      uint32
	invite    *sip.Request
	remoteTag string
	contact   *sip.Uri
	hangingUp bool
	torndown  bool
}

var _ engine.Call = (*call)(nil)

func (e *Engine) contactURI(user string) sip.Uri {
	if user == "" {
		user = "isip"
	}
	return sip.Uri{Scheme: "sip", User: user, Host: e.advertiseIP(), Port: e.cfg.LocalPort}
}

func (e *Engine) advertiseIP() string {
	if ip := net.ParseIP(e.cfg.LocalIP); ip != nil && !ip.IsUnspecified() {
		return e.cfg.LocalIP
	}
	return "127.0.0.1"
}

// placeCall allocates media, registers the call and starts the INVITE
// exchange in the background.
func (e *Engine) placeCall(ctx context.Context, acc *account, uri string, h engine.CallHandler) (*call, error) {
	var target sip.Uri
	if err := sip.ParseUri(uri, &target); err != nil {
		return nil, fmt.Errorf("invalid target URI %q: %w", uri, err)
	}

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil, engine.ErrNotStarted
	}

	conn, port, err := e.ports.bind(e.cfg.LocalIP)
	if err != nil {
		return nil, fmt.Errorf("allocate RTP port: %w", err)
	}

	callID := uuid.New().String()
	dial, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call{
		e:          e,
		acc:        acc,
		h:          h,
		log:        e.log.With("call_id", callID, "target", uri),
		target:     target,
		callID:     callID,
		tag:        newTag(),
		dial:       dial,
		cancelDial: cancel,
		info: engine.CallInfo{
			ID:         callID,
			RemoteURI:  uri,
			State:      engine.StateNull,
			MediaState: engine.MediaNone,
		},
	}
	c.media = newMediaSession(conn, port, c.log)
	e.addCall(c)
	c.mu.Lock()
	c.info.Slot = c.slot
	c.mu.Unlock()

	offer, err := buildOffer(e.advertiseIP(), port, audio.Codecs())
	if err != nil {
		e.callEnded(c)
		c.teardownMedia()
		return nil, fmt.Errorf("build SDP offer: %w", err)
	}

	e.goTracked(func() { c.run(offer) })
	return c, nil
}

// Info implements engine.Call.
func (c *call) Info() engine.CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *call) mediaSession() *mediaSession {
	return c.media
}

// transition applies a state change and queues the callback. It returns
// false if the change is not allowed from the current state.
func (c *call) transition(st engine.CallState, status int, reason string) bool {
	c.mu.Lock()
	if !c.info.State.CanTransitionTo(st) {
		c.mu.Unlock()
		return false
	}
	c.info.State = st
	if status != 0 {
		c.info.LastStatus = status
		c.info.LastReason = reason
	}
	terminal := st.IsTerminal()
	mediaDown := terminal && c.info.MediaState == engine.MediaActive
	if terminal {
		c.info.MediaState = engine.MediaNone
	}
	info := c.info
	c.mu.Unlock()

	c.log.Debug("[Call] State", "state", st, "status", status, "reason", reason)
	c.e.events.post(func() { c.h.OnCallState(info) })
	if mediaDown {
		c.e.events.post(func() { c.h.OnCallMediaState(info) })
	}
	if terminal {
		c.teardownMedia()
		c.e.callEnded(c)
	}
	return true
}

func (c *call) setMediaState(ms engine.MediaState) {
	c.mu.Lock()
	if c.info.State.IsTerminal() || c.info.MediaState == ms {
		c.mu.Unlock()
		return
	}
	c.info.MediaState = ms
	info := c.info
	c.mu.Unlock()
	c.e.events.post(func() { c.h.OnCallMediaState(info) })
}

func (c *call) teardownMedia() {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return
	}
	c.torndown = true
	c.mu.Unlock()

	c.media.close()
	c.e.ports.release(c.media.port)
}

// run drives the INVITE transaction until the call is answered or fails.
func (c *call) run(offer []byte) {
	defer c.cancelDial()
	c.transition(engine.StateCalling, 0, "")

	var authName, authValue string
	for try := 0; ; try++ {
		if try >= maxAuthAttempts {
			c.transition(engine.StateDisconnected, 403, "Max auth retry attempts reached")
			return
		}

		invite := c.newInvite(offer, authName, authValue)
		resp, err := c.sendInvite(invite)
		if err != nil {
			if c.dial.Err() != nil {
				c.sendCANCEL(invite)
				c.transition(engine.StateDisconnected, 487, "Request Terminated")
				return
			}
			c.log.Warn("[Call] INVITE failed", "error", err)
			c.transition(engine.StateDisconnected, 503, "Transaction failed")
			return
		}

		code := int(resp.StatusCode)
		switch {
		case isAuthChallenge(resp):
			authName, authValue, err = authorize(invite, resp, c.acc.cfg.Username, c.acc.cfg.Password)
			if err != nil {
				c.log.Warn("[Call] Authentication failed", "error", err)
				c.transition(engine.StateDisconnected, code, resp.Reason)
				return
			}
			c.log.Debug("[Call] Auth requested", "status", code)
			continue

		case code >= 200 && code < 300:
			c.handle2xx(invite, resp)
			return

		default:
			c.log.Info("[Call] Call rejected", "status", code, "reason", resp.Reason)
			c.transition(engine.StateDisconnected, code, resp.Reason)
			return
		}
	}
}

func (c *call) newInvite(offer []byte, authName, authValue string) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, c.target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.tag)
	invite.AppendHeader(&sip.FromHeader{Address: c.acc.aor, Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: c.target, Params: sip.NewParams()})

	callID := sip.CallIDHeader(c.callID)
	invite.AppendHeader(&callID)

	c.mu.Lock()
	c.cseq++
	seq := c.cseq
	c.mu.Unlock()
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.INVITE})

	invite.AppendHeader(&sip.ContactHeader{Address: c.e.contactURI(c.acc.aor.User)})
	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if authValue != "" {
		invite.AppendHeader(sip.NewHeader(authName, authValue))
	}
	invite.SetBody(offer)

	c.mu.Lock()
	c.invite = invite
	c.mu.Unlock()
	return invite
}

// sendInvite returns the final response, reporting provisional ones as
// early state on the way.
func (c *call) sendInvite(invite *sip.Request) (*sip.Response, error) {
	tx, err := c.e.client.TransactionRequest(c.dial, invite)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	c.log.Info("[Call] INVITE sent", "cseq", invite.CSeq().SeqNo)

	for {
		select {
		case <-c.dial.Done():
			return nil, c.dial.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction terminated unexpectedly")
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, errors.New("no response received")
			}
			code := int(resp.StatusCode)
			switch {
			case code == 100:
			case code > 100 && code < 200:
				c.transition(engine.StateEarly, code, resp.Reason)
			default:
				return resp, nil
			}
		}
	}
}

func (c *call) handle2xx(invite *sip.Request, resp *sip.Response) {
	c.mu.Lock()
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}
	if contact := resp.Contact(); contact != nil {
		uri := contact.Address
		c.contact = &uri
	}
	c.mu.Unlock()

	c.transition(engine.StateConnecting, int(resp.StatusCode), resp.Reason)
	if err := c.sendACK(invite, resp); err != nil {
		c.log.Error("[Call] Failed to send ACK", "error", err)
	}

	// A hang-up that raced the 2xx still has to end the dialog.
	c.mu.Lock()
	hangingUp := c.hangingUp
	c.mu.Unlock()
	if hangingUp {
		c.sendBYE()
		c.transition(engine.StateDisconnected, 487, "Request Terminated")
		return
	}

	c.transition(engine.StateConfirmed, int(resp.StatusCode), resp.Reason)
	c.log.Info("[Call] Call answered")

	rm, err := parseAnswer(resp.Body())
	if err != nil {
		c.log.Error("[Call] Failed to extract remote media", "error", err)
		c.setMediaState(engine.MediaError)
		return
	}
	if err := c.media.start(rm); err != nil {
		c.log.Error("[Call] Failed to start media", "error", err)
		c.setMediaState(engine.MediaError)
		return
	}
	c.setMediaState(engine.MediaActive)
}

// sendACK acknowledges a 2xx. The ACK is a new request to the remote target
// sent straight through the transport.
func (c *call) sendACK(invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	ack.SetDestination(destination(resp.Source(), requestURI))

	done := make(chan error, 1)
	go func() { done <- c.e.client.WriteRequest(ack) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write ACK: %w", err)
		}
	case <-time.After(ackTimeout):
		return errors.New("ACK timeout: write did not complete")
	}
	c.log.Debug("[Call] ACK sent")
	return nil
}

// sendCANCEL cancels an INVITE that has not received a final response.
func (c *call) sendCANCEL(invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), inDialogTimeout)
	defer cancel()
	resp, err := c.e.roundTrip(ctx, cancelReq)
	if err != nil {
		c.log.Warn("[Call] CANCEL failed", "error", err)
		return
	}
	c.log.Info("[Call] CANCEL sent", "status", resp.StatusCode)
}

// sendBYE ends a confirmed dialog.
func (c *call) sendBYE() {
	c.mu.Lock()
	invite := c.invite
	remoteTag := c.remoteTag
	requestURI := c.target
	if c.contact != nil {
		requestURI = *c.contact
	}
	c.cseq++
	seq := c.cseq
	c.mu.Unlock()
	if invite == nil {
		return
	}

	bye := sip.NewRequest(sip.BYE, requestURI)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	sip.CopyHeaders("From", invite, bye)

	toParams := sip.NewParams()
	if remoteTag != "" {
		toParams.Add("tag", remoteTag)
	}
	bye.AppendHeader(&sip.ToHeader{Address: c.target, Params: toParams})

	callID := sip.CallIDHeader(c.callID)
	bye.AppendHeader(&callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})
	bye.SetDestination(destination("", requestURI))

	ctx, cancel := context.WithTimeout(context.Background(), inDialogTimeout)
	defer cancel()
	resp, err := c.e.roundTrip(ctx, bye)
	if err != nil {
		c.log.Warn("[Call] BYE failed", "error", err)
		return
	}
	c.log.Info("[Call] BYE sent", "status", resp.StatusCode)
}

// Hangup cancels a ringing call or sends BYE on an answered one. The
// disconnect is reported through HandleEvents.
func (c *call) Hangup() error {
	c.mu.Lock()
	if c.hangingUp || c.info.State.IsTerminal() {
		c.mu.Unlock()
		return nil
	}
	c.hangingUp = true
	state := c.info.State
	c.mu.Unlock()

	c.log.Info("[Call] Hanging up", "state", state)
	if state != engine.StateConfirmed {
		// run sends the CANCEL once the INVITE transaction unwinds.
		c.cancelDial()
		return nil
	}

	c.e.goTracked(func() {
		c.sendBYE()
		c.transition(engine.StateDisconnected, 200, "Normal call clearing")
	})
	return nil
}

// remoteHangup handles a BYE from the far end.
func (c *call) remoteHangup() {
	c.transition(engine.StateDisconnected, 200, "Normal call clearing")
}

// destination picks where to send an in-dialog request: the address the
// response came from, else the URI host and port.
func destination(source string, uri sip.Uri) string {
	if source != "" {
		return source
	}
	port := uri.Port
	if port == 0 {
		port = 5060
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(port))
}
