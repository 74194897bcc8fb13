package probe

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

type fakePinger struct {
	pings   int
	failFor int // fail this many pings before succeeding; -1 fails forever
	closed  bool
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.pings++
	if f.failFor < 0 || f.pings <= f.failFor {
		return fmt.Errorf("LOADING Redis is loading the dataset in memory")
	}
	return nil
}

func (f *fakePinger) Close() error {
	f.closed = true
	return nil
}

func newTestProber(dialErrs int, p *fakePinger) *Prober {
	prober := New(Options{Backoff: time.Millisecond, DialTimeout: time.Millisecond})
	dials := 0
	prober.dial = func(ctx context.Context, addr string) error {
		dials++
		if dialErrs < 0 || dials <= dialErrs {
			return fmt.Errorf("connection refused")
		}
		return nil
	}
	prober.newPinger = func(host string, port int) (pinger, error) {
		return p, nil
	}
	return prober
}

func TestWaitReadyImmediately(t *testing.T) {
	fp := &fakePinger{}
	prober := newTestProber(0, fp)

	if err := prober.Wait(context.Background(), "redis-0", 6379, time.Second); err != nil {
		t.Fatalf("Expected ready, got %v", err)
	}
	if fp.pings != 1 {
		t.Errorf("Expected 1 ping, got %d", fp.pings)
	}
	if !fp.closed {
		t.Error("Expected probe client to be closed")
	}
}

func TestWaitRetriesBothPhases(t *testing.T) {
	fp := &fakePinger{failFor: 2}
	prober := newTestProber(3, fp)

	if err := prober.Wait(context.Background(), "redis-0", 6379, 5*time.Second); err != nil {
		t.Fatalf("Expected ready after retries, got %v", err)
	}
	if fp.pings != 3 {
		t.Errorf("Expected 3 pings, got %d", fp.pings)
	}
}

func TestWaitTCPNeverOpens(t *testing.T) {
	fp := &fakePinger{}
	prober := newTestProber(-1, fp)

	timeout := 50 * time.Millisecond
	start := time.Now()
	err := prober.Wait(context.Background(), "redis-gone", 6379, timeout)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if fp.pings != 0 {
		t.Error("Protocol phase must not run when TCP phase fails")
	}
	// Must fail within timeout + epsilon, not hang.
	if elapsed > timeout+500*time.Millisecond {
		t.Errorf("Wait took %v, expected ~%v", elapsed, timeout)
	}
}

func TestWaitTCPOpenButProtocolDead(t *testing.T) {
	fp := &fakePinger{failFor: -1}
	prober := newTestProber(0, fp)

	err := prober.Wait(context.Background(), "redis-0", 6379, 30*time.Millisecond)
	if err == nil {
		t.Fatal("TCP success without protocol reply must not be ready")
	}
	if fp.pings == 0 {
		t.Error("Expected protocol phase to have been attempted")
	}
}

func TestWaitCancellation(t *testing.T) {
	fp := &fakePinger{}
	prober := newTestProber(-1, fp)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := prober.Wait(ctx, "redis-0", 6379, time.Hour)
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if time.Since(start) > time.Second {
		t.Error("Cancellation did not interrupt the probe loop promptly")
	}
}

func TestWaitAgainstRealListener(t *testing.T) {
	// A listener that accepts but never speaks RESP: phase 1 passes,
	// phase 2 must fail.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to open listener: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	prober := New(Options{Backoff: 10 * time.Millisecond, DialTimeout: 100 * time.Millisecond})
	err = prober.Wait(context.Background(), host, port, 300*time.Millisecond)
	if err == nil {
		t.Error("Expected mute listener to fail the protocol phase")
	}
}
