// Package reassembler implements C6: accumulating UDP video fragments into
// complete JPEGs and keeping a bounded ring buffer of the most recent
// frames per camera session (spec.md §4.6).
package reassembler

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/knightofdemons/a9-v720/internal/protocol"
)

// DefaultRingSize is the default ring-buffer capacity (spec.md §4.6: "default 100").
const DefaultRingSize = 100

// staleAssemblyAge is how long an in-progress assembly may sit without a
// terminator before the periodic sweep may force-finalize or discard it
// (spec.md §4.6: "older than 500 ms").
const staleAssemblyAge = 500 * time.Millisecond

// minSizeHint and maxSizeHint bound the plausible trailing size-hint value
// a 252 terminator fragment may carry (spec.md §4.6, §9(ii)).
const (
	minSizeHint = 0
	maxSizeHint = 1 << 20 // 1 MiB
)

// assembly is the in-progress accumulation of one frame's fragments.
type assembly struct {
	fragments [][]byte
	started   time.Time
}

func (a *assembly) size() int {
	n := 0
	for _, f := range a.fragments {
		n += len(f)
	}
	return n
}

func (a *assembly) join() []byte {
	out := make([]byte, 0, a.size())
	for _, f := range a.fragments {
		out = append(out, f...)
	}
	return out
}

// Reassembler owns one camera session's in-progress fragment assembly plus
// its ring buffer of completed frames. Every method takes the
// Reassembler's own mutex, so it is safe for concurrent use; the state
// machine additionally holds the session's lock around AddFragment, per
// spec.md §5's per-session-mutation rule.
type Reassembler struct {
	mu       sync.Mutex
	ringSize int
	ring     [][]byte // oldest first
	inFlight *assembly
}

// New returns a Reassembler with the given ring capacity. A capacity <= 0
// uses DefaultRingSize.
func New(ringSize int) *Reassembler {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Reassembler{ringSize: ringSize}
}

// AddFragment feeds one UDP video packet (cmd=1) into the assembly state
// machine. It returns the completed frame and true iff this fragment
// finalized one.
func (r *Reassembler) AddFragment(msgFlag uint8, payload []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msgFlag {
	case protocol.FragStart:
		// A fresh start discards any assembly already in progress (spec.md §4.6).
		r.inFlight = &assembly{fragments: [][]byte{cloneBytes(payload)}, started: time.Now()}
		return nil, false

	case protocol.FragMiddle:
		if r.inFlight == nil {
			return nil, false // no assembly in progress: drop
		}
		r.inFlight.fragments = append(r.inFlight.fragments, cloneBytes(payload))
		return nil, false

	case protocol.FragEnd:
		if r.inFlight == nil {
			// Accept a bare terminator as a (possibly truncated) single-fragment frame.
			r.inFlight = &assembly{started: time.Now()}
		}
		r.inFlight.fragments = append(r.inFlight.fragments, cloneBytes(payload))
		frame := finalize(r.inFlight)
		r.inFlight = nil
		r.push(frame)
		return frame, true

	default:
		return nil, false
	}
}

// finalize joins fragments and strips a plausible trailing 4-byte
// little-endian size hint from the terminator fragment (spec.md §4.6, §9(ii)).
func finalize(a *assembly) []byte {
	joined := a.join()
	if len(a.fragments) == 0 {
		return joined
	}
	last := a.fragments[len(a.fragments)-1]
	if len(last) < 4 {
		return joined
	}
	hint := binary.LittleEndian.Uint32(last[len(last)-4:])
	if hint > minSizeHint && hint < maxSizeHint && int(hint) <= len(joined) {
		return joined[:len(joined)-4]
	}
	return joined
}

// push appends a completed frame to the ring buffer, evicting the oldest
// entry when at capacity.
func (r *Reassembler) push(frame []byte) {
	r.ring = append(r.ring, frame)
	if len(r.ring) > r.ringSize {
		r.ring = r.ring[len(r.ring)-r.ringSize:]
	}
}

// Latest returns the most recently completed frame, or nil if none.
func (r *Reassembler) Latest() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ring) == 0 {
		return nil
	}
	return r.ring[len(r.ring)-1]
}

// Frames returns a copy of the ring buffer, oldest first.
func (r *Reassembler) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.ring))
	copy(out, r.ring)
	return out
}

// Len reports the current ring buffer occupancy.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ring)
}

// SweepStale force-finalizes or discards an in-progress assembly older than
// staleAssemblyAge: finalized if it has accumulated at least 2 fragments
// (spec.md §4.6), discarded otherwise. Intended to be called periodically
// by the session's housekeeping loop. Returns the finalized frame, if any.
func (r *Reassembler) SweepStale(now time.Time) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight == nil || now.Sub(r.inFlight.started) < staleAssemblyAge {
		return nil, false
	}
	a := r.inFlight
	r.inFlight = nil
	if len(a.fragments) < 2 {
		return nil, false
	}
	frame := a.join()
	r.push(frame)
	return frame, true
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
