// Package udpserver implements C4: one receive loop per bound UDP port plus
// a shared send path, including on-demand ephemeral streaming-port
// allocation (spec.md §4.4).
package udpserver

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/knightofdemons/a9-v720/internal/ingress"
)

// EphemeralPortMin/Max bound the random streaming port range (spec.md §4.4).
const (
	EphemeralPortMin = 32000
	EphemeralPortMax = 65000
	maxBindAttempts  = 8
)

// Submitter is the ingress sink a Server feeds received datagrams into;
// satisfied by *ingress.Pool.
type Submitter interface {
	Submit(ctx context.Context, frame ingress.RawFrame) error
}

type boundSocket struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
}

// Server owns every bound UDP socket: the configured listen ports plus any
// ephemeral streaming ports allocated on demand during the NAT-probe
// exchange (spec.md §4.5's code=20 handling).
type Server struct {
	ctx         context.Context
	pool        Submitter
	Verbose     bool
	portLimiter *rate.Limiter

	mu      sync.RWMutex
	sockets map[int]*boundSocket

	wg sync.WaitGroup
}

// New builds a Server bound to ctx's lifetime: every socket it opens is
// closed when ctx is canceled, mirroring the donor's own per-listener
// "<-ctx.Done(); listener.Close()" shutdown idiom
// (internal/hdhomerun.Server.Run).
func New(ctx context.Context, pool Submitter) *Server {
	return &Server{
		ctx:         ctx,
		pool:        pool,
		sockets:     make(map[int]*boundSocket),
		portLimiter: rate.NewLimiter(rate.Limit(20), 5),
	}
}

// Listen binds addr (e.g. ":6123") as one of the statically configured UDP
// ports (spec.md §6) and starts its receive loop. Returns the bound port.
func (s *Server) Listen(addr string) (int, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return 0, fmt.Errorf("udpserver: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return 0, fmt.Errorf("udpserver: listen %s: %w", addr, err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	s.startSocket(port, conn)
	log.Printf("udpserver: listening on UDP %s (port %d)", addr, port)
	return port, nil
}

// AllocateStreamPort implements statemachine.PortAllocator: it binds a
// fresh socket on a random port in [EphemeralPortMin, EphemeralPortMax) and
// starts its receive loop, retrying on bind collision (spec.md §4.4). A
// rate limiter bounds how often a single misbehaving camera's repeated
// probes can churn through ephemeral sockets.
func (s *Server) AllocateStreamPort() (int, error) {
	if !s.portLimiter.Allow() {
		return 0, fmt.Errorf("udpserver: ephemeral port allocation rate-limited")
	}
	span := EphemeralPortMax - EphemeralPortMin
	for i := 0; i < maxBindAttempts; i++ {
		port := EphemeralPortMin + rand.Intn(span)
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		actual := conn.LocalAddr().(*net.UDPAddr).Port
		s.startSocket(actual, conn)
		log.Printf("udpserver: allocated ephemeral streaming port %d", actual)
		return actual, nil
	}
	return 0, fmt.Errorf("udpserver: could not bind an ephemeral port after %d attempts", maxBindAttempts)
}

func (s *Server) startSocket(port int, conn *net.UDPConn) {
	pc := ipv4.NewPacketConn(conn)
	pc.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true)

	s.mu.Lock()
	s.sockets[port] = &boundSocket{conn: conn, pc: pc}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receiveLoop(port, pc)
}

func (s *Server) receiveLoop(port int, pc *ipv4.PacketConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sockets, port)
		s.mu.Unlock()
	}()

	go func() {
		<-s.ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, 65536) // spec.md §6's max_frame_length default
	for {
		n, cm, addr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if s.Verbose {
				log.Printf("udpserver: read error on port %d: %v", port, err)
			}
			return
		}
		if s.Verbose && cm != nil {
			log.Printf("udpserver: port %d received via interface %d", port, cm.IfIndex)
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		frame := ingress.RawFrame{Addr: addr, LocalPort: port, Payload: payload}
		if err := s.pool.Submit(s.ctx, frame); err != nil {
			return
		}
	}
}

// WriteUDP implements statemachine.Outbound: send payload to addr from the
// socket bound on localPort. A send failure is logged and swallowed — UDP
// is lossy by contract (spec.md §7).
func (s *Server) WriteUDP(localPort int, addr net.Addr, payload []byte) error {
	if addr == nil {
		return fmt.Errorf("udpserver: nil destination address")
	}
	s.mu.RLock()
	sock, ok := s.sockets[localPort]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("udpserver: no socket bound on port %d", localPort)
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return fmt.Errorf("udpserver: resolve destination %s: %w", addr, err)
		}
		udpAddr = resolved
	}

	if _, err := sock.conn.WriteToUDP(payload, udpAddr); err != nil {
		log.Printf("udpserver: send error to %s via port %d: %v", addr, localPort, err)
	}
	return nil
}

// Wait blocks until every socket's receive loop has exited (spec.md §5's
// graceful shutdown: the caller cancels ctx, then calls Wait).
func (s *Server) Wait() {
	s.wg.Wait()
}
