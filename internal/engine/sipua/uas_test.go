package sipua

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/sebas/isip/internal/engine"
	"github.com/sebas/isip/internal/session"
	"github.com/sebas/isip/internal/target"
)

const (
	uasRealm    = "pbx.test"
	uasUser     = "alice"
	uasPassword = "secret"
)

// testUAS is a loopback SIP server playing registrar and called party.
type testUAS struct {
	t      *testing.T
	addr   string
	port   int
	client *sipgo.Client
	rtp    net.PacketConn

	// answer sends 200 after 180; otherwise the INVITE rings until cancelled.
	answer bool
	// hangupAfter sends BYE that long after the ACK when non-zero.
	hangupAfter time.Duration

	challenges  atomic.Int32
	registers   atomic.Int32
	unregisters atomic.Int32
	invites     atomic.Int32
	acks        atomic.Int32
	byes        atomic.Int32
	cancels     atomic.Int32

	mu     sync.Mutex
	invite *sip.Request
	ok     *sip.Response
	byeErr error
}

func newTestUAS(t *testing.T, answer bool, hangupAfter time.Duration) *testUAS {
	t.Helper()

	rtpConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rtpConn.Close() })

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("test-uas"))
	if err != nil {
		t.Fatal(err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		t.Fatal(err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname("127.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}

	port := freeUDPPort(t)
	u := &testUAS{
		t:           t,
		addr:        net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		port:        port,
		client:      client,
		rtp:         rtpConn,
		answer:      answer,
		hangupAfter: hangupAfter,
	}
	srv.OnRegister(u.onRegister)
	srv.OnInvite(u.onInvite)
	srv.OnAck(u.onAck)
	srv.OnBye(u.onBye)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.ListenAndServe(ctx, "udp", u.addr) }()
	t.Cleanup(func() {
		cancel()
		ua.Close()
	})
	time.Sleep(listenGrace)
	return u
}

// authorized challenges requests without valid digest credentials.
func (u *testUAS) authorized(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode) bool {
	challengeName, credName := "WWW-Authenticate", "Authorization"
	if code == sip.StatusProxyAuthRequired {
		challengeName, credName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	chal := &digest.Challenge{Realm: uasRealm, Nonce: "4f2a9c", Algorithm: "MD5", QOP: []string{"auth"}}

	h := req.GetHeader(credName)
	if h == nil {
		u.challenges.Add(1)
		res := sip.NewResponseFromRequest(req, code, "Authentication Required", nil)
		res.AppendHeader(sip.NewHeader(challengeName, chal.String()))
		_ = tx.Respond(res)
		return false
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err == nil {
		var want *digest.Credentials
		want, err = digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      cred.URI,
			Username: uasUser,
			Password: uasPassword,
			Cnonce:   cred.Cnonce,
			Count:    cred.Nc,
		})
		if err == nil && (cred.Username != uasUser || cred.Response != want.Response) {
			err = fmt.Errorf("bad digest response for %q", cred.Username)
		}
	}
	if err != nil {
		u.t.Logf("uas: %s rejected: %v", req.Method, err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil))
		return false
	}
	return true
}

func (u *testUAS) onRegister(req *sip.Request, tx sip.ServerTransaction) {
	if !u.authorized(req, tx, sip.StatusUnauthorized) {
		return
	}
	if h := req.GetHeader("Expires"); h != nil && h.Value() == "0" {
		u.unregisters.Add(1)
	} else {
		u.registers.Add(1)
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Expires", "120"))
	_ = tx.Respond(res)
}

func (u *testUAS) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	if stx, ok := tx.(*sip.ServerTx); ok {
		stx.OnCancel(func(*sip.Request) { u.cancels.Add(1) })
	}
	if !u.authorized(req, tx, sip.StatusProxyAuthRequired) {
		return
	}
	u.invites.Add(1)

	tag := newTag()
	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	ringing.To().Params.Add("tag", tag)
	_ = tx.Respond(ringing)
	if !u.answer {
		return
	}

	time.Sleep(50 * time.Millisecond)
	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", u.answerSDP())
	ok.To().Params.Add("tag", tag)
	contentType := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&contentType)
	ok.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "100", Host: "127.0.0.1", Port: u.port}})

	u.mu.Lock()
	u.invite, u.ok = req, ok
	u.mu.Unlock()
	_ = tx.Respond(ok)
}

func (u *testUAS) answerSDP() []byte {
	port := u.rtp.LocalAddr().(*net.UDPAddr).Port
	return []byte("v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 127.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio " + strconv.Itoa(port) + " RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n")
}

func (u *testUAS) onAck(_ *sip.Request, _ sip.ServerTransaction) {
	if u.acks.Add(1) == 1 && u.hangupAfter > 0 {
		time.AfterFunc(u.hangupAfter, u.sendBYE)
	}
}

func (u *testUAS) onBye(req *sip.Request, tx sip.ServerTransaction) {
	u.byes.Add(1)
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

// sendBYE hangs up the answered call from the called side.
func (u *testUAS) sendBYE() {
	u.mu.Lock()
	invite, ok := u.invite, u.ok
	u.mu.Unlock()

	bye := sip.NewRequest(sip.BYE, invite.Contact().Address)
	bye.AppendHeader(&sip.FromHeader{Address: ok.To().Address, Params: ok.To().Params})
	bye.AppendHeader(&sip.ToHeader{Address: invite.From().Address, Params: invite.From().Params})
	callID := *invite.CallID()
	bye.AppendHeader(&callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := u.client.Do(ctx, bye)
	if err == nil && res.StatusCode != sip.StatusOK {
		err = fmt.Errorf("BYE answered %d", res.StatusCode)
	}
	u.mu.Lock()
	u.byeErr = err
	u.mu.Unlock()
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// stateLog records call callbacks. It is only touched inside HandleEvents.
type stateLog struct {
	states []engine.CallState
	media  []engine.MediaState
	last   engine.CallInfo
}

func (h *stateLog) OnCallState(info engine.CallInfo) {
	h.states = append(h.states, info.State)
	h.last = info
}

func (h *stateLog) OnCallMediaState(info engine.CallInfo) {
	h.media = append(h.media, info.MediaState)
}

func (h *stateLog) saw(st engine.CallState) bool {
	for _, s := range h.states {
		if s == st {
			return true
		}
	}
	return false
}

// pump handles engine events until cond holds.
func pump(t *testing.T, e engine.Engine, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		e.HandleEvents(20 * time.Millisecond)
	}
}

func startEngine(t *testing.T, u *testUAS, password string) (*Engine, engine.Account) {
	t.Helper()
	e := New().(*Engine)
	err := e.Start(context.Background(), engine.Config{
		LocalIP:    "127.0.0.1",
		LocalPort:  freeUDPPort(t),
		RTPPortMin: 43000,
		RTPPortMax: 43200,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Destroy() })

	acc, err := e.CreateAccount(context.Background(), engine.AccountConfig{
		ID:           "sip:" + uasUser + "@" + u.addr,
		RegistrarURI: "sip:" + u.addr,
		Username:     uasUser,
		Password:     password,
		Realm:        "*",
	})
	if err != nil {
		t.Fatal(err)
	}
	return e, acc
}

func TestRegisterAnswersChallengeAndUnregisters(t *testing.T) {
	u := newTestUAS(t, true, 0)
	_, acc := startEngine(t, u, uasPassword)

	waitFor(t, "registration", acc.Online)
	if got := u.registers.Load(); got != 1 {
		t.Errorf("expected 1 authorized REGISTER, got %d", got)
	}
	if u.challenges.Load() < 1 {
		t.Error("expected the first REGISTER to be challenged")
	}

	if err := acc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := u.unregisters.Load(); got != 1 {
		t.Errorf("expected 1 unregister, got %d", got)
	}
	if acc.Online() {
		t.Error("account still online after close")
	}
}

func TestCallAnsweredAfterProxyAuth(t *testing.T) {
	u := newTestUAS(t, true, 0)
	e, acc := startEngine(t, u, uasPassword)
	waitFor(t, "registration", acc.Online)

	h := &stateLog{}
	call, err := acc.MakeCall(context.Background(), "sip:100@"+u.addr, h)
	if err != nil {
		t.Fatal(err)
	}
	pump(t, e, "media", func() bool { return call.Info().MediaState == engine.MediaActive })

	for _, st := range []engine.CallState{engine.StateCalling, engine.StateEarly, engine.StateConnecting, engine.StateConfirmed} {
		if !h.saw(st) {
			t.Errorf("expected state %s, saw %v", st, h.states)
		}
	}
	if h.last.LastStatus != 200 {
		t.Errorf("expected last status 200, got %d", h.last.LastStatus)
	}
	if got := u.invites.Load(); got != 1 {
		t.Errorf("expected 1 authorized INVITE, got %d", got)
	}
	waitFor(t, "ACK", func() bool { return u.acks.Load() == 1 })

	if err := call.Hangup(); err != nil {
		t.Fatal(err)
	}
	pump(t, e, "disconnect", func() bool { return h.last.State == engine.StateDisconnected })
	waitFor(t, "BYE", func() bool { return u.byes.Load() == 1 })
	if h.last.LastStatus != 200 || h.last.LastReason != "Normal call clearing" {
		t.Errorf("unexpected disconnect %d %q", h.last.LastStatus, h.last.LastReason)
	}
	if got := u.acks.Load(); got != 1 {
		t.Errorf("expected exactly 1 ACK, got %d", got)
	}
}

func TestCancelWhileRinging(t *testing.T) {
	u := newTestUAS(t, false, 0)
	e, acc := startEngine(t, u, uasPassword)
	waitFor(t, "registration", acc.Online)

	h := &stateLog{}
	call, err := acc.MakeCall(context.Background(), "sip:100@"+u.addr, h)
	if err != nil {
		t.Fatal(err)
	}
	pump(t, e, "ringing", func() bool { return h.saw(engine.StateEarly) })
	if h.last.LastStatus != 180 {
		t.Errorf("expected 180 while ringing, got %d", h.last.LastStatus)
	}

	if err := call.Hangup(); err != nil {
		t.Fatal(err)
	}
	pump(t, e, "disconnect", func() bool { return h.last.State == engine.StateDisconnected })
	if h.last.LastStatus != 487 {
		t.Errorf("expected 487 after cancel, got %d %q", h.last.LastStatus, h.last.LastReason)
	}
	waitFor(t, "CANCEL", func() bool { return u.cancels.Load() == 1 })
	if h.saw(engine.StateConfirmed) {
		t.Error("cancelled call must not be confirmed")
	}
	if got := u.acks.Load() + u.byes.Load(); got != 0 {
		t.Errorf("expected no ACK or BYE for a cancelled call, got %d", got)
	}
}

func TestCallWithoutCredentialsFailsOnChallenge(t *testing.T) {
	u := newTestUAS(t, true, 0)
	e, acc := startEngine(t, u, "")

	h := &stateLog{}
	if _, err := acc.MakeCall(context.Background(), "sip:100@"+u.addr, h); err != nil {
		t.Fatal(err)
	}
	pump(t, e, "disconnect", func() bool { return h.last.State == engine.StateDisconnected })
	if h.last.LastStatus != int(sip.StatusProxyAuthRequired) {
		t.Errorf("expected 407, got %d", h.last.LastStatus)
	}
	if acc.Online() {
		t.Error("account without a password must not register")
	}
	if got := u.invites.Load(); got != 0 {
		t.Errorf("expected no authorized INVITE, got %d", got)
	}
}

func newSessionClient(t *testing.T, u *testUAS) *session.Client {
	t.Helper()
	c := session.NewClient(New(), target.Target{
		Phone:        "100",
		Gateway:      u.addr,
		AuthUser:     uasUser,
		AuthPassword: uasPassword,
		LocalIP:      "127.0.0.1",
		LocalPort:    freeUDPPort(t),
	}, session.Options{
		Engine: engine.Config{RTPPortMin: 43200, RTPPortMax: 43400},
		Logger: quietLogger(),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSessionEndsOnRemoteBye(t *testing.T) {
	u := newTestUAS(t, true, 700*time.Millisecond)
	c := newSessionClient(t, u)

	rec := filepath.Join(t.TempDir(), "call.wav")
	res, err := c.Run(context.Background(), session.Scenario{Phone: "100", RecordFile: rec, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Established {
		t.Fatalf("expected established call, got %+v", res)
	}
	if res.Duration < 500*time.Millisecond || res.Duration > 1500*time.Millisecond {
		t.Errorf("expected duration near 700ms, got %s", res.Duration)
	}
	if res.Recording != rec {
		t.Errorf("expected recording %s, got %q", rec, res.Recording)
	}
	if got := u.acks.Load(); got != 1 {
		t.Errorf("expected 1 ACK, got %d", got)
	}
	if got := u.byes.Load(); got != 0 {
		t.Errorf("remote hangup must not be answered with our own BYE, got %d", got)
	}
	u.mu.Lock()
	byeErr := u.byeErr
	u.mu.Unlock()
	if byeErr != nil {
		t.Errorf("remote BYE: %v", byeErr)
	}

	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := u.unregisters.Load(); got != 1 {
		t.Errorf("expected unregister on stop, got %d", got)
	}
	if _, err := os.Stat(rec); err != nil {
		t.Errorf("recording missing after stop: %v", err)
	}
}

func TestSessionTimeoutSendsBye(t *testing.T) {
	u := newTestUAS(t, true, 0)
	c := newSessionClient(t, u)
	defer c.Stop()

	res, err := c.Run(context.Background(), session.Scenario{Phone: "100", Timeout: 1500 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Established {
		t.Fatalf("expected established call, got %+v", res)
	}
	if res.Duration < time.Second || res.Duration > 2500*time.Millisecond {
		t.Errorf("expected duration near the 1.5s timeout, got %s", res.Duration)
	}
	waitFor(t, "BYE", func() bool { return u.byes.Load() == 1 })
	if got := u.acks.Load(); got != 1 {
		t.Errorf("expected 1 ACK, got %d", got)
	}
}
