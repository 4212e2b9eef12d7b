package statemachine

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/knightofdemons/a9-v720/internal/protocol"
	"github.com/knightofdemons/a9-v720/internal/session"
)

type tcpWrite struct {
	connID  uint64
	payload []byte
}

type udpWrite struct {
	port    int
	addr    net.Addr
	payload []byte
}

type fakeOutbound struct {
	tcp []tcpWrite
	udp []udpWrite
}

func (f *fakeOutbound) WriteTCP(connID uint64, payload []byte) error {
	f.tcp = append(f.tcp, tcpWrite{connID, payload})
	return nil
}

func (f *fakeOutbound) WriteUDP(localPort int, addr net.Addr, payload []byte) error {
	f.udp = append(f.udp, udpWrite{localPort, addr, payload})
	return nil
}

type fakePorts struct {
	next int
	err  error
}

func (p *fakePorts) AllocateStreamPort() (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.next++
	return 40000 + p.next, nil
}

func decodeTCPControl(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	f, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	var v map[string]interface{}
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return v
}

func udpPeer(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("192.168.1.50"), Port: port}
}

func controlFrame(code int, extra map[string]interface{}) protocol.Frame {
	body := map[string]interface{}{"code": code}
	for k, v := range extra {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	return protocol.Frame{Header: protocol.Header{Cmd: protocol.CmdControl}, Payload: raw}
}

func TestRegistrationProducesAck(t *testing.T) {
	out := &fakeOutbound{}
	m := New("10.0.0.1", 6123, out, &fakePorts{})
	sess := session.New("192.168.1.50", 0)

	raw, _ := json.Marshal(map[string]interface{}{
		"code": 100, "uid": "0800c00128F8", "token": "91edf41f", "domain": "v720.naxclow.com",
	})
	f := protocol.Frame{Header: protocol.Header{Cmd: protocol.CmdControl}, Payload: raw}
	if err := m.Dispatch(sess, f, Meta{FromTCP: true, ConnID: 7}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if sess.DeviceID != "0800c00128F8" || sess.Token != "91edf41f" {
		t.Fatalf("session not registered: %+v", sess)
	}
	if sess.State != session.Registered {
		t.Fatalf("state = %v, want Registered", sess.State)
	}
	if len(out.tcp) != 1 {
		t.Fatalf("expected 1 TCP write, got %d", len(out.tcp))
	}
	v := decodeTCPControl(t, out.tcp[0].payload)
	if v["code"].(float64) != 101 || v["status"].(float64) != 200 {
		t.Fatalf("ack = %+v, want code=101 status=200", v)
	}
}

func TestKeepaliveReplyShapeWhenNoPending(t *testing.T) {
	out := &fakeOutbound{}
	m := New("10.0.0.1", 6123, out, &fakePorts{})
	sess := session.New("192.168.1.50", 0)
	sess.SetTCPConn(3)

	keepalive := protocol.Frame{Header: protocol.Header{Cmd: protocol.CmdKeepaliveB}}
	if err := m.Dispatch(sess, keepalive, Meta{FromTCP: true, ConnID: 3}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(out.tcp) != 1 {
		t.Fatalf("expected 1 TCP write, got %d", len(out.tcp))
	}
	want := protocol.KeepaliveReply()
	got := out.tcp[0].payload
	if len(got) != len(want) {
		t.Fatalf("keepalive reply wrong length: %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keepalive reply mismatch at byte %d: got %x want %x", i, got[i], want[i])
		}
	}
}

func TestStartStreamOnKeepaliveSuppressesKeepaliveReply(t *testing.T) {
	out := &fakeOutbound{}
	m := New("203.0.113.9", 6123, out, &fakePorts{})
	sess := session.New("192.168.1.50", 0)
	sess.SetTCPConn(3)
	sess.State = session.Registered
	sess.QueueStartStream("00112233445566778899aabbccddeeff", "deadc0de")

	keepalive := protocol.Frame{Header: protocol.Header{Cmd: protocol.CmdKeepaliveB}}
	if err := m.Dispatch(sess, keepalive, Meta{FromTCP: true, ConnID: 3}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(out.tcp) != 1 {
		t.Fatalf("expected exactly 1 TCP write (the start-stream command, no keepalive reply), got %d", len(out.tcp))
	}
	want := `{"code":11,"cliTarget":"00112233445566778899aabbccddeeff","cliToken":"deadc0de","cliIp":"255.255.255.255","cliPort":0,"cliNatIp":"203.0.113.9","cliNatPort":6123}`
	f, err := protocol.Decode(out.tcp[0].payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(f.Payload) != want {
		t.Fatalf("start-stream JSON = %s, want %s", f.Payload, want)
	}
	if sess.State != session.NatProbeSent {
		t.Fatalf("state = %v, want NatProbeSent", sess.State)
	}
}

func TestUDPProbeReply(t *testing.T) {
	out := &fakeOutbound{}
	ports := &fakePorts{}
	m := New("203.0.113.9", 6123, out, ports)
	sess := session.New("192.168.1.50", 0)
	sess.State = session.UdpProbed

	f := controlFrame(20, nil)
	meta := Meta{FromTCP: false, PeerAddr: udpPeer(55000), LocalPort: 6123}
	if err := m.Dispatch(sess, f, meta); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(out.udp) != 1 {
		t.Fatalf("expected 1 UDP write, got %d", len(out.udp))
	}
	decoded, err := protocol.Decode(out.udp[0].payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var reply protocol.UDPProbeReply
	if err := json.Unmarshal(decoded.Payload, &reply); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reply.Code != 21 || reply.IP != "203.0.113.9" {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Port < 32000 && reply.Port != 6123 {
		t.Fatalf("port %d not in ephemeral range and not the fallback", reply.Port)
	}
	if sess.State != session.WaitingForFinalNat {
		t.Fatalf("state = %v, want WaitingForFinalNat", sess.State)
	}
}

// TestHandshakeProgression exercises spec.md §8's deterministic property:
// starting from Registered, (pending=Start, keepalive, code-12, code-20,
// code-12) yields Streaming with the triplet emitted exactly once.
func TestHandshakeProgression(t *testing.T) {
	out := &fakeOutbound{}
	m := New("203.0.113.9", 6123, out, &fakePorts{})
	sess := session.New("192.168.1.50", 0)
	sess.SetTCPConn(3)
	sess.State = session.Registered
	sess.Target = "00112233445566778899aabbccddeeff"
	meta := Meta{FromTCP: true, ConnID: 3}

	sess.QueueStartStream(sess.Target, "deadc0de")
	mustDispatch(t, m, sess, protocol.Frame{Header: protocol.Header{Cmd: protocol.CmdKeepaliveB}}, meta)
	if sess.State != session.NatProbeSent {
		t.Fatalf("after start-stream: state = %v", sess.State)
	}

	mustDispatch(t, m, sess, controlFrame(12, nil), meta)
	if sess.State != session.UdpProbed {
		t.Fatalf("after first code-12: state = %v", sess.State)
	}

	udpMeta := Meta{FromTCP: false, PeerAddr: udpPeer(55000), LocalPort: 6123}
	mustDispatch(t, m, sess, controlFrame(20, nil), udpMeta)
	if sess.State != session.WaitingForFinalNat {
		t.Fatalf("after code-20: state = %v", sess.State)
	}

	triplicateBefore := countTripletMessages(out.tcp)
	mustDispatch(t, m, sess, controlFrame(12, nil), meta)
	if sess.State != session.Streaming {
		t.Fatalf("after second code-12: state = %v, want Streaming", sess.State)
	}
	triplicateAfter := countTripletMessages(out.tcp)
	if triplicateAfter-triplicateBefore != 3 {
		t.Fatalf("expected exactly 3 new triplet messages, got %d", triplicateAfter-triplicateBefore)
	}
}

func mustDispatch(t *testing.T, m *Machine, sess *session.Session, f protocol.Frame, meta Meta) {
	t.Helper()
	if err := m.Dispatch(sess, f, meta); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func countTripletMessages(writes []tcpWrite) int {
	n := 0
	for _, w := range writes {
		f, err := protocol.Decode(w.payload)
		if err != nil {
			continue
		}
		var env protocol.ControlEnvelope
		if json.Unmarshal(f.Payload, &env) != nil {
			continue
		}
		if env.Code == 53 || env.Code == 301 {
			n++
		}
	}
	return n
}

func TestVideoReassemblyAndRetransmitFlushes(t *testing.T) {
	out := &fakeOutbound{}
	m := New("203.0.113.9", 6123, out, &fakePorts{})
	sess := session.New("192.168.1.50", 0)
	sess.State = session.Streaming
	meta := Meta{FromTCP: false, PeerAddr: udpPeer(55000), LocalPort: 6123}

	a := []byte("AAAA")
	b := []byte("BBBB")
	total := len(a) + len(b) + 4 + 4 // +4 for trailing size hint itself
	c := append([]byte("CCCC"), leU32(uint32(total))...)

	frames := []protocol.Frame{
		{Header: protocol.Header{Cmd: protocol.CmdVideo, MsgFlag: protocol.FragStart, PkgID: 1}, Payload: a},
		{Header: protocol.Header{Cmd: protocol.CmdVideo, MsgFlag: protocol.FragMiddle, PkgID: 2}, Payload: b},
		{Header: protocol.Header{Cmd: protocol.CmdVideo, MsgFlag: protocol.FragEnd, PkgID: 3}, Payload: c},
	}
	for _, f := range frames {
		mustDispatch(t, m, sess, f, meta)
	}

	if sess.Reassembler.Len() != 1 {
		t.Fatalf("ring buffer len = %d, want 1", sess.Reassembler.Len())
	}
	got := sess.Reassembler.Latest()
	want := append(append([]byte{}, a...), b...)
	want = append(want, c[:len(c)-4]...)
	if string(got) != string(want) {
		t.Fatalf("reassembled = %q, want %q", got, want)
	}

	if len(out.udp) != 1 {
		t.Fatalf("expected exactly 1 CMD=605 emission (first end-frame, empty ack), got %d", len(out.udp))
	}
	ids, err := protocol.ParseRetransmitAck(out.udp[0].payload)
	if err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("first flush should be empty, got %v", ids)
	}
	if !sess.FirstEndFrameSeen {
		t.Fatal("FirstEndFrameSeen should now be true")
	}

	// A second frame's terminator flushes the real bucket. The empty first
	// ack did not clear it, so the first frame's ids are still in it.
	frames2 := []protocol.Frame{
		{Header: protocol.Header{Cmd: protocol.CmdVideo, MsgFlag: protocol.FragStart, PkgID: 4}, Payload: a},
		{Header: protocol.Header{Cmd: protocol.CmdVideo, MsgFlag: protocol.FragEnd, PkgID: 5}, Payload: b},
	}
	for _, f := range frames2 {
		mustDispatch(t, m, sess, f, meta)
	}
	if len(out.udp) != 2 {
		t.Fatalf("expected 2nd CMD=605 emission, total = %d", len(out.udp))
	}
	ids2, err := protocol.ParseRetransmitAck(out.udp[1].payload)
	if err != nil {
		t.Fatalf("parse ack 2: %v", err)
	}
	wantIDs := map[uint32]bool{1: true, 2: true, 3: true, 4: true, 5: true}
	if len(ids2) != 5 || !wantIDs[ids2[0]] || !wantIDs[ids2[1]] || !wantIDs[ids2[2]] || !wantIDs[ids2[3]] || !wantIDs[ids2[4]] {
		t.Fatalf("2nd flush ids = %v, want {1,2,3,4,5}", ids2)
	}
}

func leU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
