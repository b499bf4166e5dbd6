// Package stunc is the STUN client (C1): it issues RFC 5389 Binding
// Requests over the shared UDP socket and classifies the local NAT as
// OpenInternet/Cone/Symmetric/Unknown. It borrows the pion/stun/v2 message
// codec for encoding/decoding but drives its own retry loop over the
// session's shared Demux rather than using that library's Client/Agent,
// which otherwise wants to own the socket's read loop outright (see
// internal/transport's package doc).
package stunc

import (
	"context"
	"net"
	"time"

	"github.com/fatih/color"
	"github.com/pion/stun/v2"
	"github.com/pkg/errors"

	"github.com/ghostlink/ghostlinkd/internal/transport"
)

// NATType is the coarse classification this engine resolves; finer RFC
// 3489 subclasses (Restricted/Port-Restricted Cone) are deliberately not
// synthesized from a two-probe comparison that can't actually tell them
// apart.
type NATType string

const (
	NATUnknown            NATType = "Unknown"
	NATOpenInternet        NATType = "OpenInternet"
	NATFullCone            NATType = "FullCone"
	NATRestrictedCone      NATType = "RestrictedCone"
	NATPortRestrictedCone  NATType = "PortRestrictedCone"
	NATSymmetric           NATType = "Symmetric"
)

// retryBackoff is the fixed exponential backoff schedule for a single
// Binding Request: 500ms, 1s, 2s, 4s, then fail.
var retryBackoff = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
}

// overallDeadline bounds one Binding Request end to end.
const overallDeadline = 5 * time.Second

// ErrNetworkUnreachable is returned when no configured STUN server
// responds at all.
var ErrNetworkUnreachable = errors.New("stunc: no STUN server reachable")

// ErrTimeout is returned when a single binding request's own deadline
// elapses without a valid response, distinct from total server exhaustion.
var ErrTimeout = errors.New("stunc: binding request timed out")

// Client issues Binding Requests over a shared Demux.
type Client struct {
	demux   *transport.Demux
	servers []string
}

// New constructs a Client against the given comma-configured server list.
func New(demux *transport.Demux, servers []string) *Client {
	return &Client{demux: demux, servers: servers}
}

// Result is one successful STUN resolution.
type Result struct {
	Reflexive *net.UDPAddr
	Server    string
}

// Discover issues a Binding Request to the first server that answers
// within its own deadline, returning the reflexive endpoint it reports.
func (c *Client) Discover(ctx context.Context) (*Result, error) {
	for _, raw := range c.servers {
		addr, err := net.ResolveUDPAddr("udp4", raw)
		if err != nil {
			continue
		}
		reflexive, err := c.bind(ctx, addr)
		if err != nil {
			continue
		}
		return &Result{Reflexive: reflexive, Server: raw}, nil
	}
	color.Red("stunc: no STUN server reachable out of %v, discovery degraded", c.servers)
	return nil, ErrNetworkUnreachable
}

// ProbeServer issues a single Binding Request against one resolved STUN
// server and returns its reported reflexive address. Session calls this
// against up to two configured servers at startup so ClassifyNAT can
// compare the two independently reported mappings.
func (c *Client) ProbeServer(ctx context.Context, server string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, errors.Wrapf(err, "stunc: resolve %s", server)
	}
	return c.bind(ctx, addr)
}

// ClassifyNAT applies a coarse classification: equal to local endpoint
// => OpenInternet; two servers agreeing => a Cone variant; disagreeing
// => Symmetric. A single reachable server can only tell us
// OpenInternet-or-not; true Cone/Symmetric resolution needs the two-probe
// comparison done by the caller (see session, which holds both results).
func ClassifyNAT(local *net.UDPAddr, firstReflexive, secondReflexive *net.UDPAddr) NATType {
	if firstReflexive != nil && local != nil && sameEndpoint(local, firstReflexive) {
		return NATOpenInternet
	}
	if firstReflexive == nil {
		return NATUnknown
	}
	if secondReflexive == nil {
		return NATFullCone // only one probe available; best guess, Cone family
	}
	if sameEndpoint(firstReflexive, secondReflexive) {
		return NATFullCone
	}
	return NATSymmetric
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// bind performs one Binding Request/Response exchange with retry/backoff,
// demultiplexing replies by transaction ID since the socket is shared with
// the punching layer.
func (c *Client) bind(ctx context.Context, server *net.UDPAddr) (*net.UDPAddr, error) {
	ctx, cancel := context.WithTimeout(ctx, overallDeadline)
	defer cancel()

	req := &stun.Message{}
	req.TransactionID = stun.NewTransactionID()
	req.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassRequest}
	req.WriteHeader()

	for attempt := 0; ; attempt++ {
		if _, err := c.demux.WriteTo(req.Raw, server); err != nil {
			return nil, errors.Wrap(err, "stunc: send binding request")
		}

		var wait time.Duration
		if attempt < len(retryBackoff) {
			wait = retryBackoff[attempt]
		} else {
			color.Red("stunc: binding request to %s timed out after %d attempts", server, len(retryBackoff))
			return nil, ErrTimeout
		}

		timeout := time.After(wait)
		for waiting := true; waiting; {
			select {
			case <-ctx.Done():
				return nil, ErrTimeout
			case pkt := <-c.demux.STUN():
				addr, ok := parseBindingSuccess(pkt.Data, req.TransactionID)
				if !ok {
					// Malformed or mismatched transaction: drop and keep
					// waiting out this attempt's window rather than failing
					// the whole request on one bad packet.
					continue
				}
				return addr, nil
			case <-timeout:
				waiting = false
			}
		}
	}
}

func parseBindingSuccess(raw []byte, wantTxn [12]byte) (*net.UDPAddr, bool) {
	resp := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := resp.Decode(); err != nil {
		return nil, false
	}
	if resp.TransactionID != wantTxn {
		return nil, false
	}
	if resp.Type.Class != stun.ClassSuccessResponse || resp.Type.Method != stun.MethodBinding {
		return nil, false
	}
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err != nil {
		return nil, false
	}
	return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, true
}
