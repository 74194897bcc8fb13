// Package resolver turns host[:port] peer descriptors into concrete IP:port
// sockets, retrying around the unreliable DNS windows that follow container
// (re)scheduling.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// NodeDescriptor is one parsed peer token. Raw keeps the original form for
// identity-map bookkeeping across restarts.
type NodeDescriptor struct {
	Raw  string
	Host string
	Port int
}

// Socket is a resolved peer endpoint. IP never carries IPv6 brackets.
type Socket struct {
	IP   string
	Port int
}

// Addr renders the socket as ip:port, bracketing IPv6 literals as required
// by dialers.
func (s Socket) Addr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

// String renders the socket as bare ip:port with no brackets, the form the
// cluster-formation command expects.
func (s Socket) String() string {
	return fmt.Sprintf("%s:%d", s.IP, s.Port)
}

// DiscoveryFunc queries an external naming service for the current leader of
// a logical group and returns its host and port.
type DiscoveryFunc func(ctx context.Context) (string, int, error)

// Resolver performs retried name resolution with a constant backoff.
type Resolver struct {
	retries int
	backoff time.Duration

	// lookupIP is swapped out in tests.
	lookupIP func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// New creates a Resolver that attempts each lookup 1+retries times, sleeping
// backoff between attempts.
func New(retries int, backoff time.Duration) *Resolver {
	return &Resolver{
		retries:  retries,
		backoff:  backoff,
		lookupIP: net.DefaultResolver.LookupIPAddr,
	}
}

// ParseDescriptor parses a host[:port] token. The port defaults to
// defaultPort when omitted. IPv6 literals may be bracketed ("[fd00::1]:6379")
// or bare ("fd00::1", default port only).
func ParseDescriptor(raw string, defaultPort int) (NodeDescriptor, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return NodeDescriptor{}, fmt.Errorf("empty node descriptor")
	}

	host, portStr, err := net.SplitHostPort(token)
	if err != nil {
		// No port present (or a bare IPv6 literal); use the whole token
		// as the host.
		host = strings.Trim(token, "[]")
		if host == "" {
			return NodeDescriptor{}, fmt.Errorf("invalid node descriptor %q", raw)
		}
		return NodeDescriptor{Raw: raw, Host: host, Port: defaultPort}, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeDescriptor{}, fmt.Errorf("invalid port in node descriptor %q", raw)
	}
	if host == "" {
		return NodeDescriptor{}, fmt.Errorf("invalid node descriptor %q", raw)
	}
	return NodeDescriptor{Raw: raw, Host: host, Port: port}, nil
}

// ParseDescriptors parses a list of peer tokens with a shared default port.
func ParseDescriptors(raws []string, defaultPort int) ([]NodeDescriptor, error) {
	descriptors := make([]NodeDescriptor, 0, len(raws))
	for _, raw := range raws {
		desc, err := ParseDescriptor(raw, defaultPort)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors, nil
}

// Resolve turns a descriptor into a socket, retrying resolution within the
// configured budget. IP literals short-circuit DNS entirely.
func (r *Resolver) Resolve(ctx context.Context, desc NodeDescriptor) (Socket, error) {
	if ip := net.ParseIP(desc.Host); ip != nil {
		return Socket{IP: ip.String(), Port: desc.Port}, nil
	}

	attempts := r.retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		addrs, err := r.lookupIP(ctx, desc.Host)
		if err == nil && len(addrs) > 0 {
			socket := Socket{IP: addrs[0].IP.String(), Port: desc.Port}
			klog.V(2).InfoS("Resolved peer", "host", desc.Host, "ip", socket.IP, "attempt", attempt)
			return socket, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("no addresses returned")
		}

		klog.V(2).InfoS("Resolution attempt failed", "host", desc.Host, "attempt", attempt, "error", lastErr)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Socket{}, fmt.Errorf("resolution of %s interrupted: %w", desc.Host, ctx.Err())
		case <-time.After(r.backoff):
		}
	}

	return Socket{}, fmt.Errorf("failed to resolve %s after %d attempts: %w", desc.Host, attempts, lastErr)
}

// ResolveMaster resolves the master descriptor, delegating to a discovery
// service first when one is configured. The discovery answer replaces the
// configured host and port before the normal resolve path runs.
func (r *Resolver) ResolveMaster(ctx context.Context, desc NodeDescriptor, discover DiscoveryFunc) (Socket, error) {
	if discover != nil {
		host, port, err := discover(ctx)
		if err != nil {
			return Socket{}, fmt.Errorf("discovery delegation failed: %w", err)
		}
		klog.InfoS("Master address delegated to discovery service",
			"configuredHost", desc.Host, "discoveredHost", host, "discoveredPort", port)
		desc = NodeDescriptor{Raw: desc.Raw, Host: host, Port: port}
	}
	return r.Resolve(ctx, desc)
}
