package ingress

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitDrainsToHandler(t *testing.T) {
	var seen int32
	var wg sync.WaitGroup
	wg.Add(3)
	p := NewPool(4, 2, func(f RawFrame) {
		atomic.AddInt32(&seen, 1)
		wg.Done()
	})
	defer p.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := p.Submit(ctx, RawFrame{Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	if atomic.LoadInt32(&seen) != 3 {
		t.Fatalf("seen = %d, want 3", seen)
	}
}

func TestSubmitRespectsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(1, 1, func(f RawFrame) {
		<-block
	})
	defer func() {
		close(block)
		p.Close()
	}()

	ctx := context.Background()
	// First frame occupies the single worker; second fills the 1-deep queue.
	if err := p.Submit(ctx, RawFrame{}); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if err := p.Submit(ctx, RawFrame{}); err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Submit(cctx, RawFrame{}); err == nil {
		t.Fatal("expected Submit to block then fail once the queue is full and ctx expires")
	}
}

func TestPanicInHandlerDoesNotStopOtherFrames(t *testing.T) {
	var processed int32
	var wg sync.WaitGroup
	wg.Add(2)
	p := NewPool(4, 1, func(f RawFrame) {
		defer wg.Done()
		if f.Payload[0] == 0 {
			panic("boom")
		}
		atomic.AddInt32(&processed, 1)
	})
	defer p.Close()

	ctx := context.Background()
	p.Submit(ctx, RawFrame{Payload: []byte{0}})
	p.Submit(ctx, RawFrame{Payload: []byte{1}})
	wg.Wait()
	if atomic.LoadInt32(&processed) != 1 {
		t.Fatalf("processed = %d, want 1 (the panic must not have killed the worker)", processed)
	}
}

func TestCloseDrainsQueueBeforeReturning(t *testing.T) {
	var count int32
	p := NewPool(8, 2, func(f RawFrame) {
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&count, 1)
	})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		p.Submit(ctx, RawFrame{})
	}
	p.Close()
	if atomic.LoadInt32(&count) != 5 {
		t.Fatalf("count = %d, want 5 after Close drained the queue", count)
	}
}
