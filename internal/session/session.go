// Package session implements the state machine (C6): it owns the shared
// UDP socket and drives every peer-facing component — discovery, hole
// punching, the reliable transport, the handshake, and the secure
// channel — through Disconnected/Punching/Connected, publishing every
// transition to the event bus (C7). Command handling is serialized onto
// one goroutine: "one task owns the mutable state, everything else talks
// to it through a channel", generalized here from a single transport/mux
// pairing to the full discover-punch-handshake-chat lifecycle.
package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/xtaci/smux"

	"github.com/ghostlink/ghostlinkd/internal/cryptoprim"
	"github.com/ghostlink/ghostlinkd/internal/eventbus"
	"github.com/ghostlink/ghostlinkd/internal/handshake"
	"github.com/ghostlink/ghostlinkd/internal/punch"
	"github.com/ghostlink/ghostlinkd/internal/securechan"
	"github.com/ghostlink/ghostlinkd/internal/stunc"
	"github.com/ghostlink/ghostlinkd/internal/transport"
)

// Config is everything the engine needs at startup, sourced from
// cmd/ghostlinkd's flag/env parsing.
type Config struct {
	STUNServers  []string
	PunchTimeout time.Duration
	Cipher       string // "" or "chacha20" -> ChaCha20Poly1305, "aes256" -> AES256GCM
	Alias        string
	Compress     bool
}

const (
	probeInterval = 500 * time.Millisecond
	shutdownDrain = 2 * time.Second

	// smux knobs GHOSTLINK actually varies from the library default: v2
	// framing (richer keepalive/window-update semantics than v1) and a
	// frame size capped to what one transport segment can carry, since
	// smux sits directly on our reliable-UDP Conn rather than a raw
	// stream with its own MTU discovery.
	smuxVersion   = 2
	smuxMaxFrame  = transport.MaxPayload
	smuxKeepAlive = 10 * time.Second
)

// Engine is the C6 state machine plus the socket and components it owns.
type Engine struct {
	cfg   Config
	demux *transport.Demux
	stun  *stunc.Client
	bus   *eventbus.Bus

	local   *net.UDPAddr
	suiteOrder []cryptoprim.Suite

	cmdCh chan command
	done  chan struct{}

	mu       sync.Mutex
	active   *liveSession // non-nil while Punching or Connected
	attemptN int
}

// liveSession bundles everything created for one connect attempt so
// Disconnect can tear it all down without the state machine needing to
// remember component wiring.
type liveSession struct {
	cancel  context.CancelFunc
	conn    *transport.Conn
	mux     *smux.Session
	chanMu  sync.Mutex
	chat    *securechan.Channel
}

type command interface{}

type cmdConnect struct {
	addr *net.UDPAddr
}
type cmdDisconnect struct{}
type cmdSendMessage struct {
	text string
	errc chan error
}
type cmdClearChat struct{}

// New constructs an Engine bound to pc, which must already be the
// process's single UDP socket (see cmd/ghostlinkd). Discovery is not
// performed until Run is called.
func New(cfg Config, pc net.PacketConn) *Engine {
	demux := transport.NewDemux(pc)
	suites := suiteOrderFor(cfg.Cipher)
	e := &Engine{
		cfg:        cfg,
		demux:      demux,
		stun:       stunc.New(demux, cfg.STUNServers),
		bus:        eventbus.New(eventbus.AppState{Status: eventbus.StatusDisconnected}),
		suiteOrder: suites,
		cmdCh:      make(chan command, 8),
		done:       make(chan struct{}),
	}
	if local, ok := pc.LocalAddr().(*net.UDPAddr); ok {
		e.local = local
	}
	return e
}

func suiteOrderFor(cipher string) []cryptoprim.Suite {
	switch cipher {
	case "aes256":
		return []cryptoprim.Suite{cryptoprim.SuiteAES256GCM, cryptoprim.SuiteChaCha20Poly1305}
	default:
		return []cryptoprim.Suite{cryptoprim.SuiteChaCha20Poly1305, cryptoprim.SuiteAES256GCM}
	}
}

// Bus exposes the event bus for internal/control to subscribe to.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Stats returns the active transport connection's counters, or the zero
// value when Disconnected. cmd/ghostlinkd feeds this to std.SnmpLogger
// for periodic CSV logging.
func (e *Engine) Stats() transport.Stats {
	e.mu.Lock()
	ls := e.active
	e.mu.Unlock()
	if ls == nil || ls.conn == nil {
		return transport.Stats{}
	}
	return ls.conn.Stats()
}

// Run starts the socket reader, performs one-time discovery, and then
// serves commands until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	go e.demux.Run()
	e.discover(ctx)
	e.cmdLoop(ctx)
	close(e.done)
}

// discover resolves the public/local endpoint and coarse NAT type once,
// at startup, per §4.6's Discovering sub-state. A STUN failure is
// non-fatal: the engine proceeds with NATType "Unknown".
func (e *Engine) discover(ctx context.Context) {
	state := eventbus.AppState{Status: eventbus.StatusDisconnected, NATType: string(stunc.NATUnknown)}
	if e.local != nil {
		state.LocalEndpoint = &eventbus.Endpoint{IP: e.local.IP.String(), Port: e.local.Port}
	}

	var first, second *net.UDPAddr
	if len(e.cfg.STUNServers) > 0 {
		if addr, err := e.stun.ProbeServer(ctx, e.cfg.STUNServers[0]); err == nil {
			first = addr
		}
	}
	if len(e.cfg.STUNServers) > 1 {
		if addr, err := e.stun.ProbeServer(ctx, e.cfg.STUNServers[1]); err == nil {
			second = addr
		}
	}

	nat := stunc.ClassifyNAT(e.local, first, second)
	state.NATType = string(nat)
	if first != nil {
		state.PublicEndpoint = &eventbus.Endpoint{IP: first.IP.String(), Port: first.Port}
	}

	reason := ""
	if first == nil {
		reason = "discovery failed"
		color.Red("session: discovery failed, no STUN server reachable, NAT type downgraded to Unknown")
	} else {
		log.Println("session: discovered public endpoint", state.PublicEndpoint, "NAT type", state.NATType)
	}
	if nat == stunc.NATUnknown && first != nil {
		color.Red("session: NAT type could not be classified, downgraded to Unknown")
	}
	e.bus.Update(state, eventbus.Event{Kind: eventbus.StatusDisconnected, Reason: reason})
}

func (e *Engine) cmdLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.teardown("")
			return
		case c := <-e.cmdCh:
			e.handleCommand(ctx, c)
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, c command) {
	switch cmd := c.(type) {
	case cmdConnect:
		e.mu.Lock()
		busy := e.active != nil
		e.mu.Unlock()
		if busy {
			return // InvalidCommand: rejected by control layer's own state check
		}
		e.startConnect(ctx, cmd.addr)
	case cmdDisconnect:
		e.disconnectCurrent()
	case cmdSendMessage:
		cmd.errc <- e.sendMessage(cmd.text)
	case cmdClearChat:
		e.bus.Emit(eventbus.Event{Kind: eventbus.KindChatCleared})
	}
}

// Connect enqueues a connect command. A connect that reaches the engine
// while a session is already active is dropped without an error or event,
// leaving state untouched; C8 rejects that case itself before enqueuing,
// so the engine's own check only covers the race between the two.
func (e *Engine) Connect(ip string, port int) error {
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if addr.IP == nil {
		return errors.New("session: invalid peer IP")
	}
	select {
	case e.cmdCh <- cmdConnect{addr: addr}:
		return nil
	case <-e.done:
		return errors.New("session: engine stopped")
	}
}

// Disconnect enqueues a disconnect command. Idempotent: a Disconnect
// while already Disconnected is a silent no-op.
func (e *Engine) Disconnect() {
	select {
	case e.cmdCh <- cmdDisconnect{}:
	case <-e.done:
	}
}

// SendMessage enqueues an outbound chat message, requiring Connected.
func (e *Engine) SendMessage(text string) error {
	errc := make(chan error, 1)
	select {
	case e.cmdCh <- cmdSendMessage{text: text, errc: errc}:
	case <-e.done:
		return errors.New("session: engine stopped")
	}
	return <-errc
}

// ClearChat enqueues the supplemented local-only transcript wipe.
func (e *Engine) ClearChat() {
	select {
	case e.cmdCh <- cmdClearChat{}:
	case <-e.done:
	}
}

func (e *Engine) sendMessage(text string) error {
	e.mu.Lock()
	ls := e.active
	e.mu.Unlock()
	if ls == nil || ls.chat == nil {
		return errors.New("session: not connected")
	}
	ls.chanMu.Lock()
	err := ls.chat.Send(securechan.FrameKindMessage, []byte(text))
	ls.chanMu.Unlock()
	if err != nil {
		return err
	}
	// Echo immediately with direction=outbound, at submission time, not
	// after peer ACK, per §4.8.
	e.bus.Emit(eventbus.Event{Kind: eventbus.KindMessage, Content: text, Direction: eventbus.DirectionOutbound})
	return nil
}

func (e *Engine) disconnectCurrent() {
	e.mu.Lock()
	ls := e.active
	e.mu.Unlock()
	if ls == nil {
		return // idempotent: no-op in Disconnected
	}
	if ls.conn != nil {
		ls.conn.Shutdown(shutdownDrain)
	}
	e.teardown("aborted")
}

func (e *Engine) teardown(reason string) {
	e.mu.Lock()
	ls := e.active
	e.active = nil
	e.mu.Unlock()
	if ls == nil {
		return
	}
	ls.cancel()
	if ls.mux != nil {
		ls.mux.Close()
	}
	if ls.conn != nil {
		ls.conn.Close()
	}
	switch reason {
	case "handshake failed", "integrity violation", "link lost":
		color.Red("session: disconnected, reason: %s", reason)
	default:
		log.Println("session: disconnected, reason:", reason)
	}
	e.bus.Update(eventbus.AppState{
		Status:         eventbus.StatusDisconnected,
		LocalEndpoint:  e.bus.Snapshot().LocalEndpoint,
		PublicEndpoint: e.bus.Snapshot().PublicEndpoint,
		NATType:        e.bus.Snapshot().NATType,
	}, eventbus.Event{Kind: eventbus.StatusDisconnected, Reason: reason})
}

// startConnect spawns the punch/handshake attempt as its own goroutine so
// the command loop stays responsive to a concurrent Disconnect.
func (e *Engine) startConnect(parent context.Context, peer *net.UDPAddr) {
	ctx, cancel := context.WithCancel(parent)
	ls := &liveSession{cancel: cancel}
	e.mu.Lock()
	e.active = ls
	e.attemptN++
	e.mu.Unlock()

	snap := e.bus.Snapshot()
	e.bus.Update(eventbus.AppState{
		Status:         eventbus.StatusPunching,
		LocalEndpoint:  snap.LocalEndpoint,
		PublicEndpoint: snap.PublicEndpoint,
		PeerEndpoint:   &eventbus.Endpoint{IP: peer.IP.String(), Port: peer.Port},
		NATType:        snap.NATType,
	}, eventbus.Event{Kind: eventbus.StatusPunching, TimeoutSeconds: int(e.cfg.PunchTimeout / time.Second), ProbeCount: 0, ProgressMsg: "PROBING…"})

	log.Println("session: punching towards", peer)
	go e.runConnect(ctx, ls, peer)
}

func (e *Engine) runConnect(ctx context.Context, ls *liveSession, peer *net.UDPAddr) {
	convID, err := e.punch(ctx, peer)
	if err != nil {
		e.failConnect(ls, reasonForPunchError(err))
		return
	}

	conn := transport.Dial(e.demux, peer, convID)
	ls.conn = conn

	role := roleFor(e.bus.Snapshot().PublicEndpoint, peer)

	muxCfg := smux.DefaultConfig()
	muxCfg.Version = smuxVersion
	muxCfg.MaxFrameSize = smuxMaxFrame
	muxCfg.KeepAliveInterval = smuxKeepAlive
	if err := smux.VerifyConfig(muxCfg); err != nil {
		e.failConnect(ls, "handshake failed")
		return
	}

	var muxSession *smux.Session
	var stream *smux.Stream
	if role == cryptoprim.RoleInitiator {
		muxSession, err = smux.Client(conn, muxCfg)
		if err == nil {
			stream, err = muxSession.OpenStream()
		}
	} else {
		muxSession, err = smux.Server(conn, muxCfg)
		if err == nil {
			stream, err = muxSession.AcceptStream()
		}
	}
	if err != nil {
		e.failConnect(ls, "handshake failed")
		return
	}
	ls.mux = muxSession

	kp, err := cryptoprim.GenerateKeypair()
	if err != nil {
		e.failConnect(ls, "handshake failed")
		return
	}

	hctx, hcancel := context.WithTimeout(ctx, handshake.Deadline)
	defer hcancel()

	var result *handshake.Result
	if role == cryptoprim.RoleInitiator {
		result, err = handshake.RunInitiator(hctx, stream, kp, handshake.SuitesToBitmask(e.suiteOrder))
	} else {
		result, err = handshake.RunResponder(hctx, stream, kp, e.suiteOrder)
	}
	if err != nil {
		e.failConnect(ls, "handshake failed")
		return
	}

	chat, err := securechan.NewChannel(stream, result.Suite, result.Keys, result.Role, result.InitialSendCounter, result.InitialHighestRecvCounter, e.cfg.Compress)
	if err != nil {
		e.failConnect(ls, "handshake failed")
		return
	}
	ls.chat = chat

	e.mu.Lock()
	stillActive := e.active == ls
	e.mu.Unlock()
	if !stillActive {
		return // a Disconnect raced us to completion; drop the result
	}

	snap := e.bus.Snapshot()
	e.bus.Update(eventbus.AppState{
		Status:         eventbus.StatusConnected,
		LocalEndpoint:  snap.LocalEndpoint,
		PublicEndpoint: snap.PublicEndpoint,
		PeerEndpoint:   snap.PeerEndpoint,
		NATType:        snap.NATType,
		Fingerprint:    result.Fingerprint,
		Alias:          e.cfg.Alias,
	}, eventbus.Event{Kind: eventbus.StatusConnected})
	log.Println("session: connected to", peer, "fingerprint", result.Fingerprint, "suite", result.Suite)

	if e.cfg.Alias != "" {
		ls.chanMu.Lock()
		chat.Send(securechan.FrameKindAlias, []byte(e.cfg.Alias))
		ls.chanMu.Unlock()
	}

	e.recvLoop(ctx, ls, chat)
}

func (e *Engine) recvLoop(ctx context.Context, ls *liveSession, chat *securechan.Channel) {
	for {
		kind, payload, err := chat.Recv()
		if err != nil {
			e.mu.Lock()
			current := e.active == ls
			e.mu.Unlock()
			if !current {
				return // already torn down by a Disconnect
			}
			if err == securechan.ErrTampered {
				e.teardown("integrity violation")
				return
			}
			if errors.Cause(err) == transport.ErrPeerClosed {
				e.teardown("peer closed")
				return
			}
			e.teardown("link lost")
			return
		}
		switch kind {
		case securechan.FrameKindMessage:
			e.bus.Emit(eventbus.Event{Kind: eventbus.KindMessage, Content: string(payload), Direction: eventbus.DirectionInbound})
		case securechan.FrameKindAlias:
			// The peer's alias is informational, not chat content; the
			// AppState.Alias field is reserved for our own alias, so the
			// peer's rides along as a progress-message-shaped event instead
			// of masquerading as a Message.
			e.bus.Emit(eventbus.Event{Kind: eventbus.KindPeerAlias, ProgressMsg: string(payload)})
		}
	}
}

func (e *Engine) failConnect(ls *liveSession, reason string) {
	e.mu.Lock()
	current := e.active == ls
	e.mu.Unlock()
	if !current {
		return
	}
	e.teardown(reason)
}

func reasonForPunchError(err error) string {
	if errors.Cause(err) == context.Canceled {
		return "aborted"
	}
	return "punch timeout"
}

// punch runs the hole-punch probe exchange: send our candidate
// conversation ID at a fixed interval while accepting inbound probes
// from the peer; the first one observed wins, tie-broken by the lower
// candidate ID per §4.6.
func (e *Engine) punch(ctx context.Context, peer *net.UDPAddr) (uint32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PunchTimeout)
	defer cancel()

	ours := rand.Uint32()
	probe := punch.Probe{CandidateConvID: ours}
	buf := make([]byte, punch.Size)
	if _, err := probe.Marshal(buf); err != nil {
		return 0, err
	}

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	secondTick := time.NewTicker(time.Second)
	defer secondTick.Stop()

	attempt := 0
	if _, err := e.demux.WriteTo(buf, peer); err != nil {
		return 0, err
	}

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
			e.demux.WriteTo(buf, peer)
		case <-secondTick.C:
			attempt++
			remaining := int(e.cfg.PunchTimeout/time.Second) - attempt
			if remaining < 0 {
				remaining = 0
			}
			e.bus.Emit(eventbus.Event{Kind: eventbus.StatusPunching, TimeoutSeconds: remaining, ProbeCount: attempt, ProgressMsg: "PROBING…"})
		case pkt := <-e.demux.Probe():
			if !sameUDPAddr(pkt.Addr, peer) {
				continue
			}
			var theirs punch.Probe
			if err := theirs.Unmarshal(pkt.Data); err != nil {
				continue
			}
			e.bus.Emit(eventbus.Event{Kind: eventbus.StatusPunching, TimeoutSeconds: int(e.cfg.PunchTimeout / time.Second), ProgressMsg: "RESPONSE RECEIVED"})
			return punch.WinningConvID(ours, theirs.CandidateConvID), nil
		}
	}
}

func sameUDPAddr(a net.Addr, want *net.UDPAddr) bool {
	u, ok := a.(*net.UDPAddr)
	if !ok {
		return false
	}
	return u.IP.Equal(want.IP) && u.Port == want.Port
}

// roleFor implements §9's tie-break: the side whose own public endpoint
// sorts lexicographically smaller (as 4-byte IP ‖ 2-byte port) becomes
// initiator.
func roleFor(ours *eventbus.Endpoint, peer *net.UDPAddr) cryptoprim.Role {
	if ours == nil {
		return cryptoprim.RoleResponder
	}
	oursIP := net.ParseIP(ours.IP)
	if oursIP == nil {
		return cryptoprim.RoleResponder
	}
	a := endpointBytes(oursIP, ours.Port)
	b := endpointBytes(peer.IP, peer.Port)
	if bytes.Compare(a, b) < 0 {
		return cryptoprim.RoleInitiator
	}
	return cryptoprim.RoleResponder
}

func endpointBytes(ip net.IP, port int) []byte {
	v4 := ip.To4()
	if v4 == nil {
		v4 = make([]byte, 4)
	}
	out := make([]byte, 6)
	copy(out[:4], v4)
	binary.BigEndian.PutUint16(out[4:], uint16(port))
	return out
}
