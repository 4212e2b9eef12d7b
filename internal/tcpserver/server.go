// Package tcpserver implements C3: one read/write-multiplex per accepted
// camera TCP connection, addressed by a monotonic connection id, feeding
// the shared ingress queue and holding the write half for server-initiated
// sends (spec.md §4.3).
package tcpserver

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/knightofdemons/a9-v720/internal/ingress"
	"github.com/knightofdemons/a9-v720/internal/protocol"
	"github.com/knightofdemons/a9-v720/internal/session"
)

// readBufferSize matches spec.md §4.3's "reads into a 4 KiB buffer".
const readBufferSize = 4096

// outboxCapacity bounds how many outbound frames may queue for a single
// slow connection before it's dropped rather than stalling its worker.
const outboxCapacity = 64

// Submitter is the ingress sink a Server feeds raw reads into; satisfied by
// *ingress.Pool.
type Submitter interface {
	Submit(ctx context.Context, frame ingress.RawFrame) error
}

type outboundConn struct {
	nc  net.Conn
	out chan []byte
}

// Server accepts camera TCP connections on one or more configured ports
// (spec.md §6: canonical 6123, optionally 53221/41234).
type Server struct {
	pool     Submitter
	registry *session.Registry
	Verbose  bool

	mu         sync.RWMutex
	conns      map[uint64]*outboundConn
	nextConnID uint64
	listeners  []net.Listener

	wg sync.WaitGroup
}

// New builds a Server. pool receives every RawFrame read off any accepted
// connection; registry is consulted to attach/detach the CameraSession that
// owns each connection's write half.
func New(pool Submitter, registry *session.Registry) *Server {
	return &Server{
		pool:     pool,
		registry: registry,
		conns:    make(map[uint64]*outboundConn),
	}
}

// Listen binds addr, adding it to the set of ports Serve will accept on.
// Returns the bound address (useful when addr's port is 0, as in tests).
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpserver: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
	return ln.Addr(), nil
}

// ListenAndServe is a convenience wrapper binding every addr then serving.
func (s *Server) ListenAndServe(ctx context.Context, addrs ...string) error {
	for _, addr := range addrs {
		if _, err := s.Listen(addr); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve accepts connections on every previously-Listen'd port and returns
// once every listener's Accept loop has ended (ctx canceled or an Accept
// error), reporting the first Accept error, if any.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	lns := append([]net.Listener{}, s.listeners...)
	s.mu.RUnlock()

	var acceptWG sync.WaitGroup
	errCh := make(chan error, len(lns))
	for _, ln := range lns {
		acceptWG.Add(1)
		go func(ln net.Listener) {
			defer acceptWG.Done()
			s.acceptLoop(ctx, ln, errCh)
		}(ln)
	}
	acceptWG.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, errCh chan<- error) {
	log.Printf("tcpserver: listening on %s", ln.Addr())
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			errCh <- fmt.Errorf("tcpserver: accept on %s: %w", ln.Addr(), err)
			return
		}
		s.wg.Add(1)
		go s.handleConn(ctx, nc)
	}
}

// handleConn owns one accepted connection: a read loop pushing RawFrames
// into the ingress pool, and a paired write loop draining the connection's
// outbox. The connection is registered in the routing map, and the owning
// session's write half is set, before either loop starts — no frame from
// this connection reaches a worker before the conn id it carries is
// resolvable (spec.md §4.3's registration-before-ingress rule).
func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()

	connID := atomic.AddUint64(&s.nextConnID, 1)
	peerIP, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		peerIP = nc.RemoteAddr().String()
	}

	oc := &outboundConn{nc: nc, out: make(chan []byte, outboxCapacity)}
	s.mu.Lock()
	s.conns[connID] = oc
	s.mu.Unlock()

	sess := s.registry.GetOrCreate(peerIP)
	sess.Lock()
	sess.SetTCPConn(connID)
	sess.Unlock()

	if s.Verbose {
		log.Printf("tcpserver: conn %d from %s", connID, peerIP)
	}

	writeDone := make(chan struct{})
	go s.writeLoop(oc, writeDone)

	defer func() {
		close(oc.out)
		<-writeDone
		nc.Close()
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
		// TCP disconnect destroys the session (spec.md §3's lifecycle, §7).
		s.registry.Remove(peerIP)
		if s.Verbose {
			log.Printf("tcpserver: conn %d from %s closed", connID, peerIP)
		}
	}()

	buf := make([]byte, readBufferSize)
	var framer protocol.StreamFramer
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := nc.Read(buf)
		if n > 0 {
			raws, ferr := framer.PushRaw(buf[:n])
			if ferr != nil {
				log.Printf("tcpserver: conn %d framing error: %v", connID, ferr)
				return
			}
			for _, raw := range raws {
				frame := ingress.RawFrame{FromTCP: true, ConnID: connID, PeerIP: peerIP, Payload: raw}
				if serr := s.pool.Submit(ctx, frame); serr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(oc *outboundConn, done chan struct{}) {
	defer close(done)
	for payload := range oc.out {
		if _, err := oc.nc.Write(payload); err != nil {
			log.Printf("tcpserver: write error: %v", err)
			oc.nc.Close() // unblocks the paired read loop
			return
		}
	}
}

// WriteTCP implements statemachine.Outbound: queue payload for connID's
// write loop. A connID with no live connection, or whose outbox is full,
// is a write error (spec.md §7: "TCP write error: Destroy session.").
func (s *Server) WriteTCP(connID uint64, payload []byte) error {
	s.mu.RLock()
	oc, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tcpserver: no connection %d", connID)
	}
	select {
	case oc.out <- payload:
		return nil
	default:
		log.Printf("tcpserver: conn %d outbox full, dropping connection", connID)
		oc.nc.Close()
		return fmt.Errorf("tcpserver: conn %d outbox full", connID)
	}
}

// Shutdown closes all listeners and connections and waits for every
// connection's goroutines to exit (spec.md §5: "Graceful shutdown closes
// listeners, drains the ingress queue, then waits for worker completion.").
func (s *Server) Shutdown() {
	s.mu.Lock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	conns := make([]*outboundConn, 0, len(s.conns))
	for _, oc := range s.conns {
		conns = append(conns, oc)
	}
	s.mu.Unlock()

	for _, oc := range conns {
		oc.nc.Close()
	}
	s.wg.Wait()
}
