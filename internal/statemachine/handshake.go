package statemachine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/knightofdemons/a9-v720/internal/protocol"
	"github.com/knightofdemons/a9-v720/internal/session"
)

// registerRequest is the inbound code=100 registration body (spec.md §8
// scenario 2: `{"code":100,"uid":"...","token":"...","domain":"..."}`).
type registerRequest struct {
	Code   int    `json:"code"`
	UID    string `json:"uid"`
	Token  string `json:"token"`
	Domain string `json:"domain"`
}

// forwardedEcho decodes an inbound code=301 echo far enough to inspect its
// nested content.code (spec.md §4.5.2).
type forwardedEcho struct {
	Code    int             `json:"code"`
	Target  string          `json:"target"`
	Content json.RawMessage `json:"content"`
}

type nestedCode struct {
	Code int `json:"code"`
}

// handleKeepalive answers a TCP or UDP keepalive (spec.md §4.2). A pending
// operator command, if any, is executed here instead of the plain keepalive
// reply (spec.md §4.5.1: "No keepalive-reply envelope is emitted in the
// same turn.").
func (m *Machine) handleKeepalive(sess *session.Session, meta Meta) error {
	sess.Lock()
	defer sess.Unlock()

	now := time.Now()
	sess.Touch(now)

	if !meta.FromTCP {
		sess.ObservePeerUDP(meta.PeerAddr, meta.LocalPort)
		return m.sendRetransmitAckLocked(sess, meta, nil)
	}

	if sess.Pending != session.NoCommand {
		return m.executePendingLocked(sess)
	}
	return m.Out.WriteTCP(meta.ConnID, protocol.KeepaliveReply())
}

// handleBareControl handles a zero-payload cmd=0 message, a shape the
// distilled spec is silent on but original_source/router/udp.rs treats two
// ways depending on what the session is waiting for: a UDP NAT probe with
// no JSON body (when UdpProbed), or a bare UDP keepalive otherwise.
func (m *Machine) handleBareControl(sess *session.Session, meta Meta) error {
	if meta.FromTCP {
		// A bare TCP cmd=0 with no payload carries no code to dispatch on;
		// nothing in spec.md's transition table applies.
		return nil
	}
	sess.Lock()
	waitingForProbe := sess.State == session.UdpProbed
	sess.Unlock()
	if waitingForProbe {
		return m.handleCode20(sess, meta)
	}

	sess.Lock()
	defer sess.Unlock()
	sess.Touch(time.Now())
	sess.ObservePeerUDP(meta.PeerAddr, meta.LocalPort)
	return m.sendRetransmitAckLocked(sess, meta, nil)
}

// handleControlJSON decodes a cmd=0 JSON payload and dispatches on its
// nested code (spec.md §4.5's transition table).
func (m *Machine) handleControlJSON(sess *session.Session, payload []byte, meta Meta) error {
	env, err := protocol.DecodeControl(payload)
	if err != nil {
		m.logf("statemachine: control JSON from %s: %v", sess.PeerIP, err)
		return nil
	}

	switch env.Code {
	case 100:
		return m.handleRegister(sess, env.Raw, meta)
	case 12:
		return m.handleCode12(sess, meta)
	case 20:
		return m.handleCode20(sess, meta)
	case 51:
		return m.handleCode51(sess, meta)
	case 301:
		return m.handleCode301(sess, env.Raw, meta)
	default:
		// Includes original_source/router/tcp.rs's code=201/202 acks and any
		// other code the camera sends that this server doesn't act on
		// (spec.md §4.5's "Other" row: "Log and ignore.").
		m.logf("statemachine: code=%d from %s, ignoring", env.Code, sess.PeerIP)
		return nil
	}
}

func (m *Machine) handleRegister(sess *session.Session, raw []byte, meta Meta) error {
	var req registerRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		m.logf("statemachine: malformed register from %s: %v", sess.PeerIP, err)
		return nil
	}

	sess.Lock()
	defer sess.Unlock()
	sess.Register(req.UID, req.Token)
	if meta.FromTCP {
		sess.SetTCPConn(meta.ConnID)
	}

	ack, err := protocol.MarshalControlFrame(protocol.NewRegisterAck(), m.nextPkgID())
	if err != nil {
		return fmt.Errorf("statemachine: marshal register ack: %w", err)
	}
	return m.Out.WriteTCP(meta.ConnID, ack)
}

// handleCode12 handles both the intermediate NAT-probe response
// (NatProbeSent -> UdpProbed) and the final NAT response that completes the
// handshake (WaitingForFinalNat or Probe5051Loop -> Streaming, emitting the
// triplet). Design note (i) in spec.md §9 calls the 50/51 loop's 3-exchange
// threshold an upper bound rather than a hard gate; a valid code-12 arriving
// mid-loop is accepted as early completion, same as the direct path.
func (m *Machine) handleCode12(sess *session.Session, meta Meta) error {
	sess.Lock()
	defer sess.Unlock()

	switch sess.State {
	case session.NatProbeSent:
		sess.State = session.UdpProbed
		return nil
	case session.WaitingForFinalNat, session.Probe5051Loop:
		if err := m.emitTripletLocked(sess); err != nil {
			return err
		}
		sess.State = session.Streaming
		return nil
	default:
		m.logf("statemachine: code=12 from %s out of order in state %v, ignoring", sess.PeerIP, sess.State)
		return nil
	}
}

// handleCode20 handles the UDP NAT-probe request, allocating the ephemeral
// streaming port and replying over UDP (spec.md §4.5, §4.4, §7's bind
// fallback).
func (m *Machine) handleCode20(sess *session.Session, meta Meta) error {
	sess.Lock()
	defer sess.Unlock()

	if sess.State != session.UdpProbed {
		m.logf("statemachine: code=20 from %s out of order in state %v, ignoring", sess.PeerIP, sess.State)
		return nil
	}
	if !meta.FromTCP {
		sess.ObservePeerUDP(meta.PeerAddr, meta.LocalPort)
	}

	port, err := m.Ports.AllocateStreamPort()
	if err != nil {
		m.logf("statemachine: ephemeral UDP port allocation failed for %s, falling back to %d: %v", sess.PeerIP, m.DefaultUDPPort, err)
		port = m.DefaultUDPPort
	}
	sess.UDPStreamPort = port

	reply, err := protocol.MarshalControlFrame(protocol.NewUDPProbeReply(m.ServerIP, port), m.nextPkgID())
	if err != nil {
		return fmt.Errorf("statemachine: marshal udp probe reply: %w", err)
	}
	if err := m.Out.WriteUDP(meta.LocalPort, meta.PeerAddr, reply); err != nil {
		return err
	}
	sess.State = session.WaitingForFinalNat
	return nil
}

// handleCode51 runs the device-info / probe-response loop (spec.md §4.5).
// Each exchange increments ProbeCount; the count does not end the loop,
// only a later code-12 (handleCode12) moves the session to Streaming.
func (m *Machine) handleCode51(sess *session.Session, meta Meta) error {
	sess.Lock()
	defer sess.Unlock()

	switch sess.State {
	case session.WaitingForFinalNat:
		sess.State = session.Probe5051Loop
		fallthrough
	case session.Probe5051Loop:
		sess.ProbeCount++
		reply, err := protocol.MarshalControlFrame(protocol.NewProbeAck(), m.nextPkgID())
		if err != nil {
			return fmt.Errorf("statemachine: marshal probe ack: %w", err)
		}
		return m.Out.WriteTCP(meta.ConnID, reply)
	default:
		m.logf("statemachine: code=51 from %s out of order in state %v, ignoring", sess.PeerIP, sess.State)
		return nil
	}
}

// handleCode301 interprets the camera's echo of a previously-sent forwarded
// command (spec.md §4.5.2).
func (m *Machine) handleCode301(sess *session.Session, raw []byte, meta Meta) error {
	var echo forwardedEcho
	if err := json.Unmarshal(raw, &echo); err != nil {
		m.logf("statemachine: malformed code=301 echo from %s: %v", sess.PeerIP, err)
		return nil
	}
	var nested nestedCode
	if len(echo.Content) > 0 {
		if err := json.Unmarshal(echo.Content, &nested); err != nil {
			m.logf("statemachine: malformed code=301 content from %s: %v", sess.PeerIP, err)
			return nil
		}
	}

	sess.Lock()
	defer sess.Unlock()

	switch nested.Code {
	case 4:
		// Device-info request echoed back: start the stream.
		return m.sendForwardedLocked(sess, meta, protocol.StreamControlContent{Code: 3})
	case 3:
		// Stream-start echoed back: only act if the operator wants it stopped.
		if sess.Pending == session.Stop {
			sess.Pending = session.NoCommand
			return m.sendForwardedLocked(sess, meta, protocol.StreamControlContent{Code: 0})
		}
		return nil
	default:
		// Echo of code=298 (retransmission-request forwarder) and anything
		// else: nothing to do.
		return nil
	}
}

// executePendingLocked runs sess's queued operator command. Caller holds
// sess's lock.
func (m *Machine) executePendingLocked(sess *session.Session) error {
	switch sess.Pending {
	case session.StartStream:
		return m.sendStartStreamLocked(sess)
	case session.Stop:
		// No streaming-start triplet has necessarily completed yet; a stop
		// queued before streaming even begins has nothing to undo.
		sess.Pending = session.NoCommand
		return nil
	case session.Snapshot:
		// Served directly from the reassembler ring buffer by the dashboard
		// (spec.md §6's latest_frame); nothing to emit on the wire.
		sess.Pending = session.NoCommand
		return nil
	default:
		return nil
	}
}

func (m *Machine) sendStartStreamLocked(sess *session.Session) error {
	connID, ok := sess.TCPConn()
	if !ok {
		m.logf("statemachine: StartStream queued for %s with no TCP connection, dropping", sess.PeerIP)
		sess.Pending = session.NoCommand
		return nil
	}
	cmd := protocol.NewStartStreamCmd(sess.Target, sess.CliToken, m.ServerIP, m.DefaultUDPPort)
	frame, err := protocol.MarshalControlFrame(cmd, m.nextPkgID())
	if err != nil {
		return fmt.Errorf("statemachine: marshal start-stream: %w", err)
	}
	if err := m.Out.WriteTCP(connID, frame); err != nil {
		return err
	}
	sess.State = session.NatProbeSent
	sess.Pending = session.NoCommand
	return nil
}

// emitTripletLocked sends the three streaming-start messages in order
// (spec.md §4.5.2). Caller holds sess's lock.
func (m *Machine) emitTripletLocked(sess *session.Session) error {
	connID, ok := sess.TCPConn()
	if !ok {
		return fmt.Errorf("statemachine: triplet requested for %s with no TCP connection", sess.PeerIP)
	}

	msgs := []interface{}{
		protocol.NewDeviceStatus(),
		protocol.NewForwarded(sess.Target, protocol.RetransmitRequestContent{Code: 298}),
		protocol.NewForwarded(sess.Target, protocol.DeviceInfoRequestContent{UnitTimer: time.Now().Unix(), Code: 4}),
	}
	for _, v := range msgs {
		frame, err := protocol.MarshalControlFrame(v, m.nextPkgID())
		if err != nil {
			return fmt.Errorf("statemachine: marshal triplet message: %w", err)
		}
		if err := m.Out.WriteTCP(connID, frame); err != nil {
			return err
		}
	}
	return nil
}

// sendForwardedLocked wraps content in a code=301 envelope addressed to
// sess.Target and writes it to sess's TCP connection.
func (m *Machine) sendForwardedLocked(sess *session.Session, meta Meta, content interface{}) error {
	connID := meta.ConnID
	if !meta.FromTCP {
		var ok bool
		connID, ok = sess.TCPConn()
		if !ok {
			return fmt.Errorf("statemachine: forwarded reply for %s with no TCP connection", sess.PeerIP)
		}
	}
	frame, err := protocol.MarshalControlFrame(protocol.NewForwarded(sess.Target, content), m.nextPkgID())
	if err != nil {
		return fmt.Errorf("statemachine: marshal forwarded reply: %w", err)
	}
	return m.Out.WriteTCP(connID, frame)
}
