package session

import (
	"sync"
	"time"
)

// DefaultIdleWindow is the keepalive-idle window after which a session with
// no recent keepalive is destroyed (spec.md §3: "default 30s").
const DefaultIdleWindow = 30 * time.Second

// Registry is the single process-wide source-IP -> Session map (spec.md
// §3, §9 "Global mutable state"). A single RWMutex guards the map itself;
// session objects are guarded by their own locks so registry lookups never
// block on session I/O, mirroring internal/catalog.Catalog's
// mutex-around-the-map-only discipline.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ringSize int
}

// NewRegistry returns an empty Registry. ringSize configures new sessions'
// reassembler ring buffer capacity (0 = reassembler.DefaultRingSize).
func NewRegistry(ringSize int) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		ringSize: ringSize,
	}
}

// Get returns the session for peerIP, if one exists.
func (r *Registry) Get(peerIP string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[peerIP]
	return s, ok
}

// GetOrCreate returns the existing session for peerIP, or creates and
// registers a new one. A session exists iff the camera has at least begun
// TCP registration (spec.md §3): tcpserver creates one when it accepts a
// connection, and the ingress handler when a TCP payload arrives from a
// new peer. UDP datagrams are routed only to an existing session.
func (r *Registry) GetOrCreate(peerIP string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[peerIP]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[peerIP]; ok {
		return s
	}
	s = New(peerIP, r.ringSize)
	r.sessions[peerIP] = s
	return s
}

// Remove deletes peerIP's session, if any.
func (r *Registry) Remove(peerIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, peerIP)
}

// ByDeviceID scans for the session with the given device id. Linear in the
// number of sessions; the registry is keyed by IP because that's what both
// transports deliver on every packet, but the dashboard and operator API
// address cameras by device id (spec.md §6).
func (r *Registry) ByDeviceID(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.Lock()
		id := s.DeviceID
		s.Unlock()
		if id == deviceID {
			return s, true
		}
	}
	return nil, false
}

// List returns a snapshot slice of all current sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the current session count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepIdle destroys every session whose last keepalive is older than
// idleWindow as of now, returning the peer IPs removed. A zero idleWindow
// uses DefaultIdleWindow. Sessions that have never received a keepalive
// (LastKeepalive is zero) are not swept here; TCP disconnect handles those.
func (r *Registry) SweepIdle(now time.Time, idleWindow time.Duration) []string {
	if idleWindow <= 0 {
		idleWindow = DefaultIdleWindow
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for ip, s := range r.sessions {
		s.Lock()
		last := s.LastKeepalive
		s.Unlock()
		if last.IsZero() {
			continue
		}
		if now.Sub(last) > idleWindow {
			delete(r.sessions, ip)
			removed = append(removed, ip)
		}
	}
	return removed
}
