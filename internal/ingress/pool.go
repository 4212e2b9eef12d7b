// Package ingress implements C8: the bounded ingress queue and bounded
// worker concurrency that drains RawFrames from the TCP/UDP dispatchers
// into the protocol decoder and state machine (spec.md §4.8).
package ingress

import (
	"context"
	"log"
	"net"
	"sync"

	"github.com/knightofdemons/a9-v720/internal/metrics"
)

// DefaultCapacity is the default ingress queue capacity (spec.md §4.3/§4.8).
const DefaultCapacity = 8192

// DefaultConcurrency is the default number of worker goroutines draining
// the queue (spec.md §4.8).
const DefaultConcurrency = 256

// RawFrame is a transient unit of ingress work: raw bytes off the wire plus
// enough provenance to route a reply (spec.md §3's RawFrame). ConnID is
// only meaningful when FromTCP is true; UDP frames carry Addr and the local
// port of the socket that received them instead.
type RawFrame struct {
	FromTCP   bool
	ConnID    uint64   // valid iff FromTCP
	PeerIP    string   // valid iff FromTCP: the registry key for the owning session
	Addr      net.Addr // valid iff !FromTCP: the camera's UDP source address
	LocalPort int      // valid iff !FromTCP: which bound UDP socket received this
	Payload   []byte
}

// Handler processes one RawFrame. Errors are the handler's own business to
// log; Pool only guarantees a panicking handler doesn't take down other
// frames or other sessions (spec.md §4.8, §7: "No error escapes the worker
// into the pool. A panic in one session MUST NOT affect others.").
type Handler func(RawFrame)

// Pool is a bounded MPMC ingress queue drained by a fixed number of worker
// goroutines, matching spec.md §4.8's "bounded queue + bounded concurrency"
// design and the donor's channel-as-semaphore idiom
// (internal/httpclient.HostSemaphore).
type Pool struct {
	queue   chan RawFrame
	handler Handler
	wg      sync.WaitGroup
}

// NewPool builds a Pool with the given queue capacity and worker
// concurrency. A capacity or concurrency <= 0 uses the package defaults.
func NewPool(capacity, concurrency int, handler Handler) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	p := &Pool{
		queue:   make(chan RawFrame, capacity),
		handler: handler,
	}
	p.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for frame := range p.queue {
		p.process(frame)
	}
}

// process runs the handler with panic containment so one malformed or
// buggy frame can't poison the pool or other sessions.
func (p *Pool) process(frame RawFrame) {
	metrics.IngressInFlight.Inc()
	defer metrics.IngressInFlight.Dec()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ingress: worker recovered from panic: %v", r)
		}
	}()
	p.handler(frame)
}

// Submit enqueues frame, blocking (backpressure, never dropping) until
// either space is available or ctx is done (spec.md §7: "Ingress queue
// full: Dispatcher blocks (backpressure); never drops silently.").
func (p *Pool) Submit(ctx context.Context, frame RawFrame) error {
	select {
	case p.queue <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new work, drains whatever is queued, and waits for
// all workers to finish (spec.md §5: "Graceful shutdown closes listeners,
// drains the ingress queue, then waits for worker completion.").
func (p *Pool) Close() {
	close(p.queue)
	p.wg.Wait()
}

// Depth reports how many frames are currently buffered, for metrics.
func (p *Pool) Depth() int {
	return len(p.queue)
}
