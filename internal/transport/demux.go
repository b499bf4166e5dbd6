package transport

import (
	"net"
	"sync"

	"github.com/pion/stun/v2"
	"github.com/pkg/errors"

	"github.com/ghostlink/ghostlinkd/internal/punch"
)

// Packet is one received datagram tagged with its source address.
type Packet struct {
	Data []byte
	Addr net.Addr
}

// Demux owns the single bound UDP socket and classifies every inbound
// datagram by content, per the engine's single-socket design: STUN replies
// carry the fixed magic cookie at offset 4 (see stun.IsMessage), punch
// probes carry their own 8-byte magic marker, anything else is treated as
// a transport segment. Using one socket across all three phases is what
// keeps the STUN-derived reflexive mapping valid for hole punching; a
// second socket would present a different mapping to the NAT.
type Demux struct {
	pc net.PacketConn

	stunCh    chan Packet
	probeCh   chan Packet
	segCh     chan Packet
	errc      chan error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDemux wraps pc and starts no goroutines yet; call Run to begin
// reading.
func NewDemux(pc net.PacketConn) *Demux {
	return &Demux{
		pc:      pc,
		stunCh:  make(chan Packet, 32),
		probeCh: make(chan Packet, 32),
		segCh:   make(chan Packet, 256),
		errc:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// Run reads datagrams until the socket is closed, routing each to the
// appropriate channel. It must be driven from its own goroutine (this is
// the engine's T_net_rx task). A datagram whose channel is at capacity is
// dropped rather than blocking the reader, so no backpressure reaches the
// socket.
func (d *Demux) Run() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := d.pc.ReadFrom(buf)
		if err != nil {
			select {
			case d.errc <- err:
			default:
			}
			close(d.closed)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		pkt := Packet{Data: data, Addr: addr}

		switch {
		case stun.IsMessage(data):
			select {
			case d.stunCh <- pkt:
			default:
			}
		case punch.LooksLikeProbe(data):
			select {
			case d.probeCh <- pkt:
			default:
			}
		case LooksLikeTransportSegment(data):
			select {
			case d.segCh <- pkt:
			default:
			}
		}
		// anything else (too short to be any recognized kind) is dropped silently.
	}
}

// STUN returns the channel of packets classified as STUN messages.
func (d *Demux) STUN() <-chan Packet { return d.stunCh }

// Probe returns the channel of packets classified as punch probes.
func (d *Demux) Probe() <-chan Packet { return d.probeCh }

// Segments returns the channel of packets classified as transport segments.
func (d *Demux) Segments() <-chan Packet { return d.segCh }

// Err returns the channel the read loop reports its terminal error on.
func (d *Demux) Err() <-chan error { return d.errc }

// Done is closed once the read loop has exited.
func (d *Demux) Done() <-chan struct{} { return d.closed }

// WriteTo writes b to addr over the shared socket.
func (d *Demux) WriteTo(b []byte, addr net.Addr) (int, error) {
	n, err := d.pc.WriteTo(b, addr)
	if err != nil {
		return n, errors.Wrap(err, "transport: write to socket")
	}
	return n, nil
}

// LocalAddr returns the socket's bound local address.
func (d *Demux) LocalAddr() net.Addr { return d.pc.LocalAddr() }

// Close closes the underlying socket, which unblocks Run.
func (d *Demux) Close() error {
	return d.pc.Close()
}
