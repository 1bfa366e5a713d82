package sipua

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/sebas/isip/internal/audio"
)

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

// rtpWriter sends codec payloads as RTP, one packet per codec frame
// interval. SSRC, sequence and timestamp start at random values.
type rtpWriter struct {
	conn   net.PacketConn
	remote net.Addr
	codec  audio.Codec
	ticker *time.Ticker

	mu        sync.Mutex
	ssrc      uint32
	seq       uint16
	timestamp uint32
	marker    bool
	closed    bool
}

func newRTPWriter(conn net.PacketConn, remote net.Addr, codec audio.Codec) *rtpWriter {
	return &rtpWriter{
		conn:      conn,
		remote:    remote,
		codec:     codec,
		ticker:    time.NewTicker(codec.SampleDur),
		ssrc:      randomUint32(),
		seq:       uint16(randomUint32()),
		timestamp: randomUint32(),
		marker:    true,
	}
}

// Write blocks until the next tick and sends payload as one packet.
func (w *rtpWriter) Write(payload []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, net.ErrClosed
	}

	<-w.ticker.C

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         w.marker,
			PayloadType:    w.codec.PayloadType,
			SequenceNumber: w.seq,
			Timestamp:      w.timestamp,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return 0, err
	}
	if _, err := w.conn.WriteTo(data, w.remote); err != nil {
		return 0, err
	}

	w.marker = false
	w.seq++
	w.timestamp += w.codec.TimestampIncrement()
	return len(payload), nil
}

// Close stops pacing; subsequent writes fail.
func (w *rtpWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		w.ticker.Stop()
	}
	return nil
}
