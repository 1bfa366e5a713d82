package sipua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/pion/rtp"
	"github.com/sebas/isip/internal/audio"
)

// mediaSession is the RTP leg of one call: a bound UDP socket, a paced
// writer towards the remote party and a read loop feeding recorders.
type mediaSession struct {
	conn net.PacketConn
	port int
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	codec  audio.Codec
	writer *rtpWriter
	sinks  []io.Writer
	active bool

	closeOnce sync.Once
}

func newMediaSession(conn net.PacketConn, port int, log *slog.Logger) *mediaSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &mediaSession{conn: conn, port: port, log: log, ctx: ctx, cancel: cancel}
}

// start points the session at the negotiated remote endpoint and begins
// reading RTP.
func (m *mediaSession) start(rm remoteMedia) error {
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(rm.Addr, strconv.Itoa(rm.Port)))
	if err != nil {
		return fmt.Errorf("resolve remote media: %w", err)
	}

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return nil
	}
	m.codec = rm.Codec
	m.writer = newRTPWriter(m.conn, remote, rm.Codec)
	m.active = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop()

	m.log.Info("[Media] RTP started",
		"local_port", m.port,
		"remote", remote.String(),
		"codec", rm.Codec.Name,
	)
	return nil
}

func (m *mediaSession) isActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// addSink registers a writer that receives decoded 16-bit PCM from the remote party.
func (m *mediaSession) addSink(w io.Writer) {
	m.mu.Lock()
	m.sinks = append(m.sinks, w)
	m.mu.Unlock()
}

func (m *mediaSession) readLoop() {
	defer m.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, _, err := m.conn.ReadFrom(buf)
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Debug("[Media] RTP read error", "error", err)
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		codec, ok := audio.CodecByPayloadType(pkt.PayloadType)
		if !ok {
			// Comfort noise, telephone-event and anything not negotiated.
			continue
		}
		pcm := codec.Decode(pkt.Payload)

		m.mu.Lock()
		sinks := m.sinks
		m.mu.Unlock()
		for _, s := range sinks {
			_, _ = s.Write(pcm)
		}
	}
}

// play sends pcm (8 kHz mono) to the remote party once, paced in real time.
func (m *mediaSession) play(pcm []byte) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return errors.New("media not started")
	}
	codec, writer := m.codec, m.writer
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, frame := range codec.Frames(pcm) {
			if m.ctx.Err() != nil {
				return
			}
			if _, err := writer.Write(codec.Encode(frame)); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					m.log.Debug("[Media] RTP write error", "error", err)
				}
				return
			}
		}
		m.log.Debug("[Media] Playback finished", "local_port", m.port)
	}()
	return nil
}

// close stops playback and the read loop and closes the socket.
func (m *mediaSession) close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.mu.Lock()
		if m.writer != nil {
			_ = m.writer.Close()
		}
		m.mu.Unlock()
		_ = m.conn.Close()
		m.wg.Wait()
	})
}
