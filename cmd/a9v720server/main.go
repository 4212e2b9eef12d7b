// Command a9v720server impersonates the A9 V720 class of IP cameras'
// cloud endpoint: bootstrap HTTP registration, the TCP/UDP binary
// protocol handshake, frame reassembly, and an operator-facing JSON
// dashboard, all driven by one config.Config (spec.md §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/knightofdemons/a9-v720/internal/bootstrap"
	"github.com/knightofdemons/a9-v720/internal/config"
	"github.com/knightofdemons/a9-v720/internal/dashboard"
	"github.com/knightofdemons/a9-v720/internal/ingress"
	"github.com/knightofdemons/a9-v720/internal/metrics"
	"github.com/knightofdemons/a9-v720/internal/protocol"
	"github.com/knightofdemons/a9-v720/internal/registrystore"
	"github.com/knightofdemons/a9-v720/internal/session"
	"github.com/knightofdemons/a9-v720/internal/statemachine"
	"github.com/knightofdemons/a9-v720/internal/tcpserver"
	"github.com/knightofdemons/a9-v720/internal/udpserver"
)

// outbound satisfies statemachine.Outbound by delegating to whichever
// concrete transport owns the write: C3 for TCP connection ids, C4 for UDP
// sockets. Neither transport server implements the whole interface alone.
type outbound struct {
	tcp *tcpserver.Server
	udp *udpserver.Server
}

func (o outbound) WriteTCP(connID uint64, payload []byte) error {
	return o.tcp.WriteTCP(connID, payload)
}

func (o outbound) WriteUDP(localPort int, addr net.Addr, payload []byte) error {
	return o.udp.WriteUDP(localPort, addr, payload)
}

func main() {
	configPath := flag.String("config", "", "Path to JSON config file (optional; env and defaults still apply)")
	dbPath := flag.String("db", "devices.sqlite", "Path to the device registry sqlite file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file to load before reading A9V720_* overrides")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatalf("config: load env file: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := registrystore.Open(*dbPath)
	if err != nil {
		log.Fatalf("registrystore: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := session.NewRegistry(0)
	machineHolder := &machineRef{}

	handler := func(frame ingress.RawFrame) {
		handleRawFrame(registry, machineHolder, store, cfg, frame)
	}
	pool := ingress.NewPool(cfg.IngressCapacity, cfg.MaxInflight, handler)

	tcpSrv := tcpserver.New(pool, registry)
	tcpSrv.Verbose = cfg.Verbose
	udpSrv := udpserver.New(ctx, pool)
	udpSrv.Verbose = cfg.Verbose

	machine := statemachine.New(cfg.ServerIP, cfg.UDPPorts[0], outbound{tcp: tcpSrv, udp: udpSrv}, udpSrv)
	machine.Verbose = cfg.Verbose
	machineHolder.set(machine)

	for _, port := range cfg.TCPPorts {
		if _, err := tcpSrv.Listen(fmt.Sprintf(":%d", port)); err != nil {
			log.Fatalf("tcpserver: %v", err)
		}
	}
	for _, port := range cfg.UDPPorts {
		if _, err := udpSrv.Listen(fmt.Sprintf(":%d", port)); err != nil {
			log.Fatalf("udpserver: %v", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpSrv.Serve(ctx); err != nil {
			log.Printf("tcpserver: %v", err)
		}
	}()

	bootstrapSrv := bootstrap.New(cfg.ServerIP)
	bootstrapSrv.Verbose = cfg.Verbose
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bootstrapSrv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.HTTPPort)); err != nil {
			log.Printf("bootstrap: %v", err)
		}
	}()

	dashboardSrv := dashboard.New(registry)
	dashboardSrv.Verbose = cfg.Verbose
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dashboardSrv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.WebPort)); err != nil {
			log.Printf("dashboard: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runIdleSweep(ctx, registry, cfg.KeepaliveIdle())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runReassemblySweep(ctx, registry)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runMetricsPoller(ctx, registry, pool)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("a9v720server: shutting down")

	cancel()
	tcpSrv.Shutdown()
	udpSrv.Wait()
	pool.Close()
	wg.Wait()
}

// machineRef lets the ingress handler closure reference the Machine even
// though it's built slightly after the handler itself (the Machine needs
// the Outbound value, which needs both servers constructed first, and the
// servers need the pool that wraps the handler).
type machineRef struct {
	mu sync.RWMutex
	m  *statemachine.Machine
}

func (r *machineRef) set(m *statemachine.Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m = m
}

func (r *machineRef) get() *statemachine.Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m
}

// handleRawFrame is C8's handler: decode, route to the owning session, and
// dispatch into the state machine (spec.md §2's "codec (C1) -> state
// machine (C5)" pipeline). Oversized or malformed frames are dropped rather
// than propagated (spec.md §7).
func handleRawFrame(registry *session.Registry, machineHolder *machineRef, store *registrystore.Store, cfg config.Config, raw ingress.RawFrame) {
	if len(raw.Payload) > cfg.MaxFrameLength {
		metrics.MalformedFramesDropped.WithLabelValues("oversized").Inc()
		return
	}

	frame, err := protocol.Decode(raw.Payload)
	if err != nil {
		metrics.MalformedFramesDropped.WithLabelValues("decode_error").Inc()
		return
	}

	var peerIP string
	var meta statemachine.Meta
	if raw.FromTCP {
		peerIP = raw.PeerIP
		meta = statemachine.Meta{FromTCP: true, ConnID: raw.ConnID}
	} else {
		ip, _, splitErr := net.SplitHostPort(raw.Addr.String())
		if splitErr != nil {
			ip = raw.Addr.String()
		}
		peerIP = ip
		meta = statemachine.Meta{PeerAddr: raw.Addr, LocalPort: raw.LocalPort}
	}

	var sess *session.Session
	if raw.FromTCP {
		sess = registry.GetOrCreate(peerIP)
	} else {
		var ok bool
		sess, ok = registry.Get(peerIP)
		if !ok {
			// UDP from a peer with no TCP session: nothing to route to.
			return
		}
	}

	machine := machineHolder.get()
	if machine == nil {
		return
	}
	if err := machine.Dispatch(sess, frame, meta); err != nil {
		log.Printf("a9v720server: dispatch error from %s: %v", peerIP, err)
		return
	}

	if protocol.IsKeepalive(frame.Header.Cmd) || frame.Header.Cmd == protocol.CmdControl {
		sess.Lock()
		deviceID, token := sess.DeviceID, sess.Token
		sess.Unlock()
		if deviceID != "" && store != nil {
			if err := store.Upsert(deviceID, peerIP, token, time.Now()); err != nil {
				log.Printf("registrystore: upsert %s: %v", deviceID, err)
			}
		}
	}
}

// runIdleSweep periodically destroys sessions that have gone quiet past
// idleWindow (spec.md §3: "keepalive_idle_seconds, default 30").
func runIdleSweep(ctx context.Context, registry *session.Registry, idleWindow time.Duration) {
	ticker := time.NewTicker(idleWindow / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := registry.SweepIdle(now, idleWindow)
			for _, ip := range removed {
				log.Printf("a9v720server: session %s idle, destroyed", ip)
			}
		}
	}
}

// reassemblySweepInterval ticks well under the 500ms staleness threshold
// (internal/reassembler.SweepStale) so a stalled assembly is force-finalized
// or discarded promptly rather than leaking its fragment buffer forever.
const reassemblySweepInterval = 200 * time.Millisecond

// runReassemblySweep periodically sweeps every session's in-progress video
// assembly for staleness (spec.md §4.6: "An incomplete assembly older than
// 500 ms ... may be force-finalized ... otherwise discarded"). Without this,
// a peer that drops mid-frame with no 252 terminator would hold its
// half-built frame in internal/reassembler.Reassembler.inFlight forever.
func runReassemblySweep(ctx context.Context, registry *session.Registry) {
	ticker := time.NewTicker(reassemblySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, sess := range registry.List() {
				sess.Lock()
				sess.Reassembler.SweepStale(now)
				sess.Unlock()
			}
		}
	}
}

// runMetricsPoller refreshes the gauges that reflect point-in-time state
// rather than monotonic counts (spec.md's ambient observability stack).
func runMetricsPoller(ctx context.Context, registry *session.Registry, pool *ingress.Pool) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.IngressQueueDepth.Set(float64(pool.Depth()))

			counts := map[string]int{}
			for _, sess := range registry.List() {
				sess.Lock()
				counts[sess.State.String()]++
				sess.Unlock()
			}
			for _, state := range []string{"Disconnected", "Registered", "NatProbeSent", "UdpProbed", "WaitingForFinalNat", "Probe5051Loop", "Streaming"} {
				metrics.SessionsByState.WithLabelValues(state).Set(float64(counts[state]))
			}
		}
	}
}
