// Package statemachine implements C5: the per-session handshake
// progression driven by inbound control JSON codes, and the outbound
// control messages that progression triggers (spec.md §4.5).
package statemachine

import (
	"log"
	"net"
	"sync/atomic"

	"github.com/knightofdemons/a9-v720/internal/protocol"
	"github.com/knightofdemons/a9-v720/internal/session"
)

// Outbound is how the state machine sends bytes back out, without needing
// to know anything about net.Conn lifecycles or socket ownership — C3/C4
// implement it and own the actual wire I/O (spec.md §4.3/§4.4).
type Outbound interface {
	WriteTCP(connID uint64, payload []byte) error
	WriteUDP(localPort int, addr net.Addr, payload []byte) error
}

// PortAllocator binds a fresh ephemeral UDP streaming port on demand
// (spec.md §4.4: "allocates a random UDP port in [32000, 65000)"). On
// failure it returns an error and the Machine falls back to DefaultUDPPort
// (spec.md §7).
type PortAllocator interface {
	AllocateStreamPort() (int, error)
}

// Meta carries the provenance of one inbound frame: which transport it
// arrived on, and enough to route a reply.
type Meta struct {
	FromTCP   bool
	ConnID    uint64   // valid iff FromTCP
	PeerAddr  net.Addr // valid iff !FromTCP
	LocalPort int      // valid iff !FromTCP: which bound UDP socket received this
}

// Machine holds the state machine's dependencies: where outbound bytes go,
// how to mint a fresh UDP port, and the server's advertised identity.
// It has no per-session state of its own — that all lives on session.Session
// — so one Machine serves every session.
type Machine struct {
	ServerIP       string
	DefaultUDPPort int // advertised in code=11 before the real probe completes
	Out            Outbound
	Ports          PortAllocator
	Verbose        bool

	pkgID uint32 // server's own outbound pkg_id counter
}

// New builds a Machine. defaultUDPPort is advertised as cliNatPort in the
// operator-initiated code=11 message, before the code=20/21 probe exchange
// has chosen the camera's actual ephemeral port (spec.md §4.5.1).
func New(serverIP string, defaultUDPPort int, out Outbound, ports PortAllocator) *Machine {
	return &Machine{
		ServerIP:       serverIP,
		DefaultUDPPort: defaultUDPPort,
		Out:            out,
		Ports:          ports,
	}
}

func (m *Machine) nextPkgID() uint32 {
	return atomic.AddUint32(&m.pkgID, 1)
}

func (m *Machine) logf(format string, args ...interface{}) {
	if m.Verbose {
		log.Printf(format, args...)
	}
}

// Dispatch is the single entry point C8's workers call once a raw frame has
// been decoded (spec.md §2's data flow: "codec (C1) -> state machine
// (C5)"). It serializes all mutation of sess behind sess's own lock so two
// frames from the same session never race (spec.md §5).
func (m *Machine) Dispatch(sess *session.Session, f protocol.Frame, meta Meta) error {
	switch {
	case protocol.IsKeepalive(f.Header.Cmd):
		return m.handleKeepalive(sess, meta)
	case f.Header.Cmd == protocol.CmdControl && len(f.Payload) == 0:
		return m.handleBareControl(sess, meta)
	case f.Header.Cmd == protocol.CmdControl:
		return m.handleControlJSON(sess, f.Payload, meta)
	case f.Header.Cmd == protocol.CmdVideo:
		return m.handleVideoFragment(sess, f, meta)
	case protocol.IsAudio(f.Header.Cmd):
		return m.handleAudioFragment(sess, f, meta)
	default:
		m.logf("statemachine: unknown cmd %d from %s, ignoring", f.Header.Cmd, sess.PeerIP)
		return nil
	}
}
