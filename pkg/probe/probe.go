// Package probe answers one question: is a given node ready to serve? A
// node is ready only after both a raw TCP connect and a protocol-level
// PING handshake succeed, in that order.
package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	redisclient "github.com/niceos-labs/redis-cluster-bootstrap/pkg/redis"
	"k8s.io/klog/v2"
)

// pinger is the protocol-level liveness check.
type pinger interface {
	Ping(ctx context.Context) error
	Close() error
}

// Options configures a Prober. ClientOptions carries the credentials and
// TLS material used for the protocol phase; host and port are filled in per
// target.
type Options struct {
	Backoff       time.Duration // constant sleep between attempts
	DialTimeout   time.Duration // per-attempt TCP connect timeout
	ClientOptions redisclient.Options
}

// Prober performs two-phase readiness checks against nodes.
type Prober struct {
	backoff     time.Duration
	dialTimeout time.Duration
	clientOpts  redisclient.Options

	// replaced in tests
	dial      func(ctx context.Context, addr string) error
	newPinger func(host string, port int) (pinger, error)
}

// New creates a Prober.
func New(opts Options) *Prober {
	p := &Prober{
		backoff:     opts.Backoff,
		dialTimeout: opts.DialTimeout,
		clientOpts:  opts.ClientOptions,
	}
	if p.backoff <= 0 {
		p.backoff = time.Second
	}
	if p.dialTimeout <= 0 {
		p.dialTimeout = 2 * time.Second
	}

	p.dial = func(ctx context.Context, addr string) error {
		dialer := net.Dialer{Timeout: p.dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	p.newPinger = func(host string, port int) (pinger, error) {
		clientOpts := p.clientOpts
		clientOpts.Host = host
		clientOpts.Port = port
		return redisclient.NewClient(clientOpts)
	}
	return p
}

// Wait blocks until the target passes both probe phases or the timeout
// elapses. TCP reachability without a correct protocol reply is not ready.
func (p *Prober) Wait(ctx context.Context, host string, port int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))

	if err := p.waitTCP(ctx, addr); err != nil {
		return fmt.Errorf("node %s not ready: %w", addr, err)
	}
	if err := p.waitProtocol(ctx, host, port); err != nil {
		return fmt.Errorf("node %s not ready: %w", addr, err)
	}

	klog.InfoS("Node ready", "addr", addr)
	return nil
}

func (p *Prober) waitTCP(ctx context.Context, addr string) error {
	attempt := 0
	for {
		attempt++
		err := p.dial(ctx, addr)
		if err == nil {
			klog.V(2).InfoS("TCP probe succeeded", "addr", addr, "attempt", attempt)
			return nil
		}

		klog.V(2).InfoS("TCP probe failed", "addr", addr, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("tcp probe gave up after %d attempts: %w", attempt, err)
		case <-time.After(p.backoff):
		}
	}
}

func (p *Prober) waitProtocol(ctx context.Context, host string, port int) error {
	client, err := p.newPinger(host, port)
	if err != nil {
		return fmt.Errorf("failed to create probe client: %w", err)
	}
	defer client.Close()

	attempt := 0
	for {
		attempt++
		err := client.Ping(ctx)
		if err == nil {
			klog.V(2).InfoS("Protocol probe succeeded", "host", host, "attempt", attempt)
			return nil
		}

		klog.V(2).InfoS("Protocol probe failed", "host", host, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("protocol probe gave up after %d attempts: %w", attempt, err)
		case <-time.After(p.backoff):
		}
	}
}
