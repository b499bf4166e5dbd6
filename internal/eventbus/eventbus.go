// Package eventbus implements the state store and broadcast event bus
// (C7): one AppState value behind a reader-writer lock with a single
// writer (the session state machine), and a multicast Event channel per
// subscriber so the control interface's SSE handler can stream updates
// without ever blocking the writer. Counters elsewhere in this codebase
// get sampled without taking a lock the hot path would contend on; here
// the contended resource is small enough that a plain sync.RWMutex serves.
package eventbus

import (
	"encoding/json"
	"sync"
)

// Status is AppState's connection status.
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusPunching     Status = "PUNCHING"
	StatusConnected    Status = "CONNECTED"
)

// Endpoint is a displayable (IP, port) pair, rendered as "a.b.c.d:port".
type Endpoint struct {
	IP   string
	Port int
}

func (e *Endpoint) String() string {
	if e == nil {
		return ""
	}
	return e.IP + ":" + itoa(e.Port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// AppState is the process-wide snapshot. Invariants enforced by the
// writer (internal/session), not by this package: Fingerprint is
// non-empty iff Status == Connected; PeerEndpoint is non-nil iff
// Status is Punching or Connected.
type AppState struct {
	PublicEndpoint *Endpoint
	LocalEndpoint  *Endpoint
	PeerEndpoint   *Endpoint
	NATType        string
	Status         Status
	Fingerprint    string
	Alias          string
}

// appStateJSON is the wire shape described for GET /api/state:
// {public_ip, local_ip, peer_ip, nat_type, status, fingerprint?}.
type appStateJSON struct {
	PublicIP    string `json:"public_ip,omitempty"`
	LocalIP     string `json:"local_ip,omitempty"`
	PeerIP      string `json:"peer_ip,omitempty"`
	NATType     string `json:"nat_type"`
	Status      Status `json:"status"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Alias       string `json:"alias,omitempty"`
}

// MarshalJSON renders AppState per the control interface's documented shape.
func (s AppState) MarshalJSON() ([]byte, error) {
	return json.Marshal(appStateJSON{
		PublicIP:    s.PublicEndpoint.String(),
		LocalIP:     s.LocalEndpoint.String(),
		PeerIP:      s.PeerEndpoint.String(),
		NATType:     s.NATType,
		Status:      s.Status,
		Fingerprint: s.Fingerprint,
		Alias:       s.Alias,
	})
}

// Direction tags a chat Message event.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Event is the tagged union broadcast to every subscriber. Exactly one
// of the payload fields is meaningful, selected by Kind.
type Event struct {
	Kind Status // reuses the status vocabulary plus two extra kinds below

	// StatusChanged(Disconnected, ...)
	Reason string

	// StatusChanged(Punching, ...)
	TimeoutSeconds int
	ProbeCount     int
	ProgressMsg    string

	// StatusChanged(Connected, ...) / initial snapshot replay
	Snapshot AppState

	// Message(...)
	Content   string
	Direction Direction

	emittedAt int64 // monotonic sequence, not wall clock; see Bus.emit
}

// Two additional kinds beyond the three connection statuses, per §3's
// tagged union and the supplemented ChatCleared command.
const (
	KindMessage    Status = "MESSAGE"
	KindChatCleared Status = "CLEAR_CHAT"
	// KindPeerAlias carries the peer's one-time alias announcement; it is
	// informational and never mutates AppState.Alias (that field holds
	// only our own alias).
	KindPeerAlias Status = "PEER_ALIAS"
	// KindInitial marks the synthetic snapshot event replayed to a
	// freshly attached subscriber so it sees state before any live event.
	KindInitial Status = "INITIAL"
)

// eventJSON is the documented SSE body shape: {status: "...", ...aux}.
// "message" mirrors Content for a chat Message event: front ends that
// read chat text off a "message" key and ones that read "content" both
// get the same value, since both names are in use across the control
// surface's own documentation.
type eventJSON struct {
	Status         Status    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Message        string    `json:"message,omitempty"`
	TimeoutSeconds int       `json:"timeout_seconds,omitempty"`
	ProbeCount     int       `json:"probe_count,omitempty"`
	ProgressMsg    string    `json:"progress_message,omitempty"`
	Snapshot       *AppState `json:"snapshot,omitempty"`
	Content        string    `json:"content,omitempty"`
	Direction      Direction `json:"direction,omitempty"`
	FromMe         *bool     `json:"from_me,omitempty"`
}

// MarshalJSON renders Event per the control interface's documented SSE shape.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Status:         e.Kind,
		Reason:         e.Reason,
		Message:        e.Content,
		TimeoutSeconds: e.TimeoutSeconds,
		ProbeCount:     e.ProbeCount,
		ProgressMsg:    e.ProgressMsg,
		Content:        e.Content,
		Direction:      e.Direction,
	}
	if e.Kind == KindMessage {
		fromMe := e.Direction == DirectionOutbound
		out.FromMe = &fromMe
	}
	if e.Kind == StatusConnected || e.Kind == KindInitial {
		snap := e.Snapshot
		out.Snapshot = &snap
	}
	return json.Marshal(out)
}

// subscriberBuffer is how many events a slow subscriber may lag behind
// before the bus starts dropping its oldest unread events rather than
// block the writer.
const subscriberBuffer = 64

// Bus is the single-writer state store plus multicast broadcaster.
type Bus struct {
	mu    sync.RWMutex
	state AppState

	subMu sync.Mutex
	subs  map[int]chan Event
	nextID int
	seq   int64
}

// New constructs a Bus seeded with an initial (Disconnected) state.
func New(initial AppState) *Bus {
	return &Bus{state: initial, subs: make(map[int]chan Event)}
}

// Snapshot returns the current AppState under the read lock.
func (b *Bus) Snapshot() AppState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Update replaces AppState and then broadcasts ev, in that order, so any
// subscriber that observes the event sees the new state if it calls
// Snapshot in response — the ordering invariant the state machine relies
// on. ev.Snapshot is overwritten with the freshly written state so
// callers don't have to thread it through by hand.
func (b *Bus) Update(newState AppState, ev Event) {
	b.mu.Lock()
	b.state = newState
	b.mu.Unlock()

	ev.Snapshot = newState
	b.emit(ev)
}

// Emit broadcasts ev without mutating AppState, for events that carry no
// state change of their own (Message, ChatCleared).
func (b *Bus) Emit(ev Event) {
	b.emit(ev)
}

func (b *Bus) emit(ev Event) {
	b.subMu.Lock()
	b.seq++
	ev.emittedAt = b.seq
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop the oldest buffered event to make
			// room rather than block the writer, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	b.subMu.Unlock()
}

// Subscription is a live handle on the broadcast stream. Events() yields
// a synthetic KindInitial snapshot event first, then every subsequent
// broadcast Event, with no gap between them.
type Subscription struct {
	bus *Bus
	id  int
	ch  chan Event
}

// Subscribe attaches a new observer. The caller must call Unsubscribe
// when done to release the channel.
func (b *Bus) Subscribe() *Subscription {
	b.mu.RLock()
	snap := b.state
	b.mu.RUnlock()

	ch := make(chan Event, subscriberBuffer)
	b.subMu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	// Seed the channel with the initial snapshot while still holding
	// subMu: registering the subscriber and queuing its first event must
	// be atomic with respect to emit(), which also locks subMu, or a
	// concurrent broadcast could be delivered ahead of this snapshot.
	ch <- Event{Kind: KindInitial, Snapshot: snap}
	b.subMu.Unlock()

	return &Subscription{bus: b, id: id, ch: ch}
}

// Events returns the channel to range over.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe detaches the observer and releases its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.subMu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.subMu.Unlock()
}
