// Package transport implements the reliable-UDP session: an ARQ layer
// giving two fixed endpoints an ordered, reliable, duplex bytestream over
// the shared UDP socket. It is hand-rolled rather than built on kcp-go
// because kcp-go's Listener/UDPSession each assume exclusive ownership of
// the underlying net.PacketConn's read loop, which conflicts with this
// engine's mandate that one socket carry STUN, hole-punch, and transport
// traffic at once (see Demux). The segment layout and RTT/RTO vocabulary
// below (conv, snd/rcv window, smoothed RTT and variance, fast retransmit
// after N duplicate acks) follows kcp-go's own documented shape.
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// defaultWindow bounds how many unacknowledged segments may be in
	// flight at once, in either direction.
	defaultWindow = 128

	// fastRetransmitThresh is the duplicate-ack count (N) that triggers
	// immediate retransmission of the oldest unacked segment, ahead of
	// its normal RTO.
	fastRetransmitThresh = 3

	heartbeatInterval = 30 * time.Second
	linkDeadTimeout    = 90 * time.Second

	minRTO = 100 * time.Millisecond
	maxRTO = 5 * time.Second

	tickInterval = 50 * time.Millisecond
)

// ErrLinkDead is the error a blocked Read/Write unblocks with once the
// heartbeat timeout elapses without any traffic from the peer.
var ErrLinkDead = errors.New("transport: link dead (heartbeat timeout)")

// ErrClosed is returned by Read/Write after Close.
var ErrClosed = errors.New("transport: connection closed")

// ErrPeerClosed indicates the peer sent a graceful CmdShutdown segment.
var ErrPeerClosed = errors.New("transport: peer closed connection")

type outSeg struct {
	seg       *segment
	raw       []byte
	sentAt    time.Time
	rto       time.Duration
	retries   int
}

// Conn is one ARQ session between two fixed endpoints, identified by a
// shared 32-bit conversation ID. It satisfies enough of net.Conn to be fed
// directly into smux.Client/smux.Server.
type Conn struct {
	demux    *Demux
	remote   net.Addr
	convID   uint32

	mu         sync.Mutex
	sndNxt     uint32
	sndUna     uint32
	inflight   map[uint32]*outSeg
	lastUna    uint32
	dupAckCnt  int

	rcvNxt   uint32
	peerWnd  uint16

	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration

	readBuf  []byte
	readCh   chan []byte

	lastSend time.Time
	lastRecv time.Time

	closed     bool
	closeCh    chan struct{}
	closeOnce  sync.Once
	readChOnce sync.Once
	peerClosed bool
	readErr    error

	stats Stats

	cancel context.CancelFunc
}

// Dial creates a Conn over demux to remote, using convID for the session.
// Either side may call Dial; there is no listen/accept asymmetry at this
// layer (symmetry is resolved by §9's initiator/responder tie-break one
// layer up, in the handshake).
func Dial(demux *Demux, remote net.Addr, convID uint32) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		demux:    demux,
		remote:   remote,
		convID:   convID,
		inflight: make(map[uint32]*outSeg),
		peerWnd:  defaultWindow,
		rto:      300 * time.Millisecond,
		readCh:   make(chan []byte, 256),
		lastSend: time.Now(),
		lastRecv: time.Now(),
		closeCh:  make(chan struct{}),
		cancel:   cancel,
	}
	go c.loop(ctx)
	return c
}

// Write fragments b into segments of at most MaxPayload bytes and enqueues
// them for sending. It returns once the segments are queued, not once
// acknowledged.
func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.mu.Unlock()

	total := len(b)
	if total == 0 {
		return 0, nil
	}
	nFrags := (total + MaxPayload - 1) / MaxPayload
	for i := 0; i < nFrags; i++ {
		start := i * MaxPayload
		end := start + MaxPayload
		if end > total {
			end = total
		}
		frg := uint8(nFrags - i - 1)
		c.waitForWindow()
		c.enqueueSegment(CmdPush, frg, b[start:end])
	}
	return total, nil
}

// waitForWindow blocks until the peer's last-advertised window leaves room
// for another in-flight segment, so the sender never outruns what the
// receiver published.
func (c *Conn) waitForWindow() {
	for {
		c.mu.Lock()
		limit := int(c.peerWnd)
		if limit > defaultWindow {
			limit = defaultWindow
		}
		room := len(c.inflight) < limit
		closed := c.closed
		c.mu.Unlock()
		if room || closed {
			return
		}
		select {
		case <-time.After(tickInterval):
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) enqueueSegment(cmd Command, frg uint8, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	// Only push and shutdown segments occupy sequence space and wait for an
	// ack; acks, window probes/updates and heartbeats carry the next SN
	// without consuming it, since the receiver never reassembles them.
	reliable := cmd == CmdPush || cmd == CmdShutdown
	sn := c.sndNxt
	if reliable {
		c.sndNxt++
	}

	dup := make([]byte, len(data))
	copy(dup, data)

	s := &segment{
		ConvID: c.convID,
		Cmd:    cmd,
		Frg:    frg,
		Wnd:    c.recvWindow(),
		SN:     sn,
		Una:    c.rcvNxt,
		Data:   dup,
	}
	raw := make([]byte, headerSize+len(dup))
	s.marshal(raw)

	if reliable {
		c.inflight[sn] = &outSeg{seg: s, raw: raw, sentAt: time.Now(), rto: c.rto}
	}
	c.stats.Sent++
	c.sendRaw(raw)
}

func (c *Conn) sendRaw(raw []byte) {
	c.lastSend = time.Now()
	if _, err := c.demux.WriteTo(raw, c.remote); err != nil {
		c.stats.SendErrors++
	}
}

// recvWindow reports how much buffer room we advertise. The reassembly
// buffer lives on the read-loop goroutine (see reassembler), so this
// reports the static capacity rather than live occupancy; it still lets
// the peer's waitForWindow cap in-flight segments sensibly.
func (c *Conn) recvWindow() uint16 {
	return defaultWindow
}

// Read blocks until at least one byte of in-order application data is
// available, or the connection ends.
func (c *Conn) Read(b []byte) (int, error) {
	if len(c.readBuf) == 0 {
		buf, ok := <-c.readCh
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		c.readBuf = buf
	}
	n := copy(b, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Shutdown sends a graceful CmdShutdown segment and waits up to drain for
// the peer to observe it, without tearing down local state — callers then
// Close() once they're done draining.
func (c *Conn) Shutdown(drain time.Duration) {
	c.enqueueSegment(CmdShutdown, 0, nil)
	time.Sleep(drain)
}

// Close tears down the Conn. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		close(c.closeCh)
	})
	return nil
}

// LocalAddr satisfies net.Conn.
func (c *Conn) LocalAddr() net.Addr { return c.demux.LocalAddr() }

// RemoteAddr satisfies net.Conn.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// SetDeadline/SetReadDeadline/SetWriteDeadline are accepted for net.Conn
// compatibility (smux calls them); this engine doesn't use socket-level
// deadlines since all suspension is via channels and context, so they are
// no-ops.
func (c *Conn) SetDeadline(t time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(t time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }

// Stats returns a snapshot of the connection's counters, for std.SnmpLogger.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// loop handles inbound segments and drives the retransmit/heartbeat timer.
// The ARQ state it touches is shared with Write and guarded by c.mu.
func (c *Conn) loop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	reassembler := newReassembler()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case pkt := <-c.demux.Segments():
			seg, err := unmarshalSegment(pkt.Data)
			if err != nil || seg.ConvID != c.convID {
				continue
			}
			c.handleSegment(seg, reassembler)
		case <-ticker.C:
			c.onTick()
		}
	}
}

func (c *Conn) handleSegment(seg *segment, r *reassembler) {
	c.mu.Lock()
	c.lastRecv = time.Now()
	c.peerWnd = seg.Wnd
	c.ackUpTo(seg.Una)
	peerAlreadyClosed := c.peerClosed
	c.mu.Unlock()

	if peerAlreadyClosed {
		return
	}

	switch seg.Cmd {
	case CmdAck:
		// Una already applied above; pure ack carries no payload.
	case CmdWindowProbe:
		c.enqueueSegment(CmdWindowUpdate, 0, nil)
	case CmdWindowUpdate:
		// heartbeat or bare window update; lastRecv already bumped.
	case CmdShutdown:
		c.mu.Lock()
		c.peerClosed = true
		c.readErr = ErrPeerClosed
		c.mu.Unlock()
		c.readChOnce.Do(func() { close(c.readCh) })
	case CmdPush:
		c.mu.Lock()
		accept := seg.SN == c.rcvNxt || seg.SN > c.rcvNxt
		c.mu.Unlock()
		if !accept {
			// duplicate/old segment; ack again so the sender's dup-ack
			// counter can trigger fast retransmit if it's still behind.
			c.sendAck()
			return
		}
		r.insert(seg)
		c.deliverReady(r)
		c.sendAck()
	}
}

// ackUpTo advances sndUna per the cumulative Una field, retiring
// acknowledged segments, and tracks duplicate acks (repeated Una with no
// progress) for fast retransmit. Caller holds c.mu.
func (c *Conn) ackUpTo(una uint32) {
	if una == c.lastUna {
		c.dupAckCnt++
		if c.dupAckCnt >= fastRetransmitThresh {
			c.dupAckCnt = 0
			if os, ok := c.inflight[c.sndUna]; ok {
				c.stats.FastRetransmits++
				c.sendRaw(os.raw)
				os.sentAt = time.Now()
				os.retries++
			}
		}
		return
	}
	c.lastUna = una
	c.dupAckCnt = 0

	for sn, os := range c.inflight {
		if sn < una {
			rtt := time.Since(os.sentAt)
			c.updateRTO(rtt)
			delete(c.inflight, sn)
		}
	}
	if una > c.sndUna {
		c.sndUna = una
	}
}

// updateRTO applies the Jacobson/Karels smoothed-RTT estimator. Caller
// holds c.mu.
func (c *Conn) updateRTO(rtt time.Duration) {
	if c.srtt == 0 {
		c.srtt = rtt
		c.rttvar = rtt / 2
	} else {
		delta := rtt - c.srtt
		if delta < 0 {
			delta = -delta
		}
		c.rttvar = (3*c.rttvar + delta) / 4
		c.srtt = (7*c.srtt + rtt) / 8
	}
	rto := c.srtt + 4*c.rttvar
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	c.rto = rto
}

func (c *Conn) sendAck() {
	c.enqueueSegment(CmdAck, 0, nil)
}

// deliverReady drains any now-contiguous segments from the reassembler
// into readCh, in order.
func (c *Conn) deliverReady(r *reassembler) {
	c.mu.Lock()
	next := c.rcvNxt
	c.mu.Unlock()

	for {
		seg, ok := r.take(next)
		if !ok {
			break
		}
		if len(seg.Data) > 0 {
			select {
			case c.readCh <- seg.Data:
			case <-c.closeCh:
				return
			}
		}
		next++
	}
	c.mu.Lock()
	c.rcvNxt = next
	c.mu.Unlock()
}

// onTick retransmits timed-out segments, sends heartbeats, and detects a
// dead link.
func (c *Conn) onTick() {
	now := time.Now()

	c.mu.Lock()
	lastRecv := c.lastRecv
	lastSend := c.lastSend
	var toResend [][]byte
	for sn, os := range c.inflight {
		if now.Sub(os.sentAt) >= os.rto {
			os.sentAt = now
			os.retries++
			os.rto *= 2
			if os.rto > maxRTO {
				os.rto = maxRTO
			}
			c.stats.Retransmits++
			toResend = append(toResend, os.raw)
			_ = sn
		}
	}
	c.mu.Unlock()

	for _, raw := range toResend {
		c.sendRaw(raw)
	}

	if now.Sub(lastRecv) >= linkDeadTimeout {
		c.mu.Lock()
		c.readErr = ErrLinkDead
		c.mu.Unlock()
		c.readChOnce.Do(func() { close(c.readCh) })
		c.Close()
		return
	}

	if now.Sub(lastSend) >= heartbeatInterval {
		c.enqueueSegment(CmdWindowUpdate, 0, nil)
	}
}

// reassembler buffers out-of-order push segments until they can be
// delivered in sequence.
type reassembler struct {
	buf map[uint32]*segment
}

func newReassembler() *reassembler {
	return &reassembler{buf: make(map[uint32]*segment)}
}

func (r *reassembler) insert(s *segment) {
	if _, exists := r.buf[s.SN]; !exists {
		cp := *s
		cp.Data = append([]byte(nil), s.Data...)
		r.buf[s.SN] = &cp
	}
}

func (r *reassembler) take(sn uint32) (*segment, bool) {
	s, ok := r.buf[sn]
	if !ok {
		return nil, false
	}
	delete(r.buf, sn)
	return s, true
}
