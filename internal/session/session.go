// Package session implements C2: the process-wide source-IP -> CameraSession
// registry (spec.md §3), including creation, lookup and idle expiry.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/knightofdemons/a9-v720/internal/reassembler"
	"github.com/knightofdemons/a9-v720/internal/retransmit"
)

// State is the camera's handshake progression (spec.md §4.5).
type State int

const (
	Disconnected State = iota
	Registered
	NatProbeSent
	UdpProbed
	WaitingForFinalNat
	Probe5051Loop
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Registered:
		return "Registered"
	case NatProbeSent:
		return "NatProbeSent"
	case UdpProbed:
		return "UdpProbed"
	case WaitingForFinalNat:
		return "WaitingForFinalNat"
	case Probe5051Loop:
		return "Probe5051Loop"
	case Streaming:
		return "Streaming"
	default:
		return "Unknown"
	}
}

// PendingCommand is an operator-queued action for the next keepalive to act
// on (spec.md §4.5.1, §6's queue_command).
type PendingCommand int

const (
	NoCommand PendingCommand = iota
	StartStream
	Snapshot
	Stop
)

// Default ring buffer size for a new session's reassembler; mirrors
// reassembler.DefaultRingSize so callers needn't import that package just
// to pass its zero value.
const DefaultRingSize = reassembler.DefaultRingSize

// Session is one CameraSession: everything tracked about a single camera
// from the moment it begins TCP registration until destruction.
//
// Session mutations are serialized by mu (spec.md §5: "state mutations
// serialize under a per-session lock"); the registry lock is never held
// during session I/O or while mu is held, so two sessions never block each
// other.
type Session struct {
	mu sync.Mutex

	PeerIP   string // registry key
	DeviceID string // learned from code=100 registration JSON, 12-16 ASCII chars
	Token    string // camera-chosen opaque token

	TCPConnID   uint64 // which tcpserver connection owns this session's write half
	hasTCPConn  bool
	udpPorts    map[int]time.Time // observed UDP source ports -> last-seen
	udpPortsSeq []int             // insertion order, most-recently-added last

	// LastPeerAddr/LastLocalUDPPort identify where to send the next
	// worker-initiated UDP reply (spec.md §4.4/§4.7: "camera's most
	// recently observed UDP source port, on the socket that received
	// the terminator").
	LastPeerAddr     net.Addr
	LastLocalUDPPort int

	State State

	LastKeepalive time.Time // monotonic-ish wall clock; set via Touch by the statemachine keepalive handlers

	Reassembler       *reassembler.Reassembler
	Bucket            *retransmit.Bucket
	FirstEndFrameSeen bool

	Pending  PendingCommand
	Target   string // cliTarget advertised for the current streaming attempt (glossary: "Target id")
	CliToken string // cliToken advertised alongside Target (spec.md §4.5.1)

	// ProbeCount counts 50/51 exchanges. It is not used as a threshold: the
	// session leaves Probe5051Loop only when a code-12 arrives, however many
	// exchanges have taken place.
	ProbeCount int

	// UDPStreamPort is the ephemeral (or fallback) UDP port advertised to the
	// camera during the code=20/21 exchange (spec.md §4.4).
	UDPStreamPort int
}

// New creates a Session for peerIP with fresh, empty C6/C7 state.
func New(peerIP string, ringSize int) *Session {
	return &Session{
		PeerIP:      peerIP,
		State:       Disconnected,
		udpPorts:    make(map[int]time.Time),
		Reassembler: reassembler.New(ringSize),
		Bucket:      retransmit.New(),
	}
}

// Lock / Unlock expose the session's mutex directly so callers (the state
// machine, the reassembler-driving worker) can hold it across a multi-step
// mutation without the package needing to know the shape of that mutation;
// this mirrors the donor's own pattern of exposing sync.Mutex/RWMutex
// fields on long-lived state structs (e.g. internal/tuner.Gateway).
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// SetTCPConn records which TCP connection owns this session's write half.
// Exactly one TCP write-half exists per session (spec.md §3's invariant).
func (s *Session) SetTCPConn(connID uint64) {
	s.TCPConnID = connID
	s.hasTCPConn = true
}

// TCPConn returns the owning connection id and whether one has been set.
func (s *Session) TCPConn() (uint64, bool) {
	return s.TCPConnID, s.hasTCPConn
}

// ObserveUDPPort records addr's port as a UDP source port seen for this
// camera. UDP has no per-session socket ownership (spec.md §3); this just
// tracks where to send unicast replies.
func (s *Session) ObserveUDPPort(port int) {
	if _, ok := s.udpPorts[port]; !ok {
		s.udpPortsSeq = append(s.udpPortsSeq, port)
	}
	s.udpPorts[port] = time.Now()
}

// LastUDPPort returns the most recently observed UDP source port, and
// whether any has been observed yet.
func (s *Session) LastUDPPort() (int, bool) {
	if len(s.udpPortsSeq) == 0 {
		return 0, false
	}
	return s.udpPortsSeq[len(s.udpPortsSeq)-1], true
}

// ObservePeerUDP records the full peer address and which locally-bound UDP
// socket a packet arrived on, so a later worker-initiated reply (a CMD=605
// flush, a code=21 probe reply) goes back out the right socket to the right
// address (spec.md §4.4, §4.7).
func (s *Session) ObservePeerUDP(addr net.Addr, localPort int) {
	s.LastPeerAddr = addr
	s.LastLocalUDPPort = localPort
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		s.ObserveUDPPort(udpAddr.Port)
	}
}

// Register applies a code=100 registration: records device id + token and
// resets State to Registered (never lower), preserving any pending
// operator command (spec.md §3's invariant: "registration resets state to
// Registered (not lower)").
func (s *Session) Register(deviceID, token string) {
	s.DeviceID = deviceID
	s.Token = token
	// Unconditional: code=100 always resets to Registered, even mid- or
	// post-handshake (spec.md §4.5's transition table), which is the one
	// documented exception to otherwise one-way progression.
	s.State = Registered
}

// QueueStartStream records an operator-initiated streaming request for the
// next keepalive to act on (spec.md §4.5.1, §6's queue_command). target and
// cliToken are carried verbatim into the outbound code=11 JSON.
func (s *Session) QueueStartStream(target, cliToken string) {
	s.Pending = StartStream
	s.Target = target
	s.CliToken = cliToken
}

// QueueStop records an operator-initiated stop for the next keepalive.
func (s *Session) QueueStop() {
	s.Pending = Stop
}

// QueueSnapshot records an operator-initiated single-frame capture request.
// Unlike StartStream/Stop this has no wire effect of its own: it is served
// directly from the reassembler's ring buffer (spec.md §6's latest_frame),
// so the state machine only clears it on the next TCP keepalive.
func (s *Session) QueueSnapshot() {
	s.Pending = Snapshot
}

// Touch refreshes the keepalive timestamp.
func (s *Session) Touch(now time.Time) {
	s.LastKeepalive = now
}

// IdleSince reports how long it has been since the last keepalive, as of now.
func (s *Session) IdleSince(now time.Time) time.Duration {
	if s.LastKeepalive.IsZero() {
		return 0
	}
	return now.Sub(s.LastKeepalive)
}
