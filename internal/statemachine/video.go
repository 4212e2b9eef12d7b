package statemachine

import (
	"github.com/knightofdemons/a9-v720/internal/metrics"
	"github.com/knightofdemons/a9-v720/internal/protocol"
	"github.com/knightofdemons/a9-v720/internal/session"
)

// handleVideoFragment feeds a UDP video fragment through the reassembler
// (C6) and the retransmission bucket (C7), flushing on the end-of-frame
// terminator (spec.md §4.6, §4.7).
func (m *Machine) handleVideoFragment(sess *session.Session, f protocol.Frame, meta Meta) error {
	sess.Lock()
	defer sess.Unlock()

	sess.ObservePeerUDP(meta.PeerAddr, meta.LocalPort)
	sess.Bucket.Add(f.Header.PkgID)
	if _, ok := sess.Reassembler.AddFragment(f.Header.MsgFlag, f.Payload); ok {
		metrics.FramesReassembled.WithLabelValues("video").Inc()
	}

	if f.Header.MsgFlag != protocol.FragEnd {
		return nil
	}
	return m.flushRetransmitLocked(sess, meta)
}

// handleAudioFragment is not reassembled, only tracked for retransmission
// (spec.md §4.6's "Audio ... is acknowledged for retransmission but not
// reassembled", and original_source/router/udp.rs's comment that
// add_received_package tracks both video and audio pkg_ids).
func (m *Machine) handleAudioFragment(sess *session.Session, f protocol.Frame, meta Meta) error {
	sess.Lock()
	defer sess.Unlock()

	sess.ObservePeerUDP(meta.PeerAddr, meta.LocalPort)
	sess.Bucket.Add(f.Header.PkgID)
	return nil
}

// flushRetransmitLocked applies spec.md §4.7's flush rule: the first
// terminator after Streaming begins gets an empty ack (and sets the
// monotonic flag); every one after that flushes the accumulated bucket.
// Caller holds sess's lock.
func (m *Machine) flushRetransmitLocked(sess *session.Session, meta Meta) error {
	if !sess.FirstEndFrameSeen {
		sess.FirstEndFrameSeen = true
		return m.sendRetransmitAckLocked(sess, meta, nil)
	}
	ids := sess.Bucket.Flush()
	return m.sendRetransmitAckLocked(sess, meta, ids)
}

// sendRetransmitAckLocked emits a CMD=605 frame to the camera's most
// recently observed UDP source, on the socket that received the triggering
// packet (spec.md §4.7). Caller holds sess's lock.
func (m *Machine) sendRetransmitAckLocked(sess *session.Session, meta Meta, ids []uint32) error {
	payload := protocol.BuildRetransmitAck(ids)
	addr := meta.PeerAddr
	port := meta.LocalPort
	if addr == nil {
		addr = sess.LastPeerAddr
		port = sess.LastLocalUDPPort
	}
	metrics.RetransmitFlushes.Inc()
	return m.Out.WriteUDP(port, addr, payload)
}
