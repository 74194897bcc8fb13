package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/config"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/resolver"
)

type fakeMasterResolver struct {
	socket   resolver.Socket
	err      error
	desc     resolver.NodeDescriptor
	discover resolver.DiscoveryFunc
}

func (f *fakeMasterResolver) ResolveMaster(ctx context.Context, desc resolver.NodeDescriptor, discover resolver.DiscoveryFunc) (resolver.Socket, error) {
	f.desc = desc
	f.discover = discover
	return f.socket, f.err
}

type fakeWaiter struct {
	host string
	port int
	err  error
}

func (f *fakeWaiter) Wait(ctx context.Context, host string, port int, timeout time.Duration) error {
	f.host, f.port = host, port
	return f.err
}

func TestLocateMasterResolvesBeforeProbing(t *testing.T) {
	cfg := &config.Config{
		MasterHost:       "redis-master",
		MasterPort:       6379,
		ReadinessTimeout: time.Second,
	}
	res := &fakeMasterResolver{socket: resolver.Socket{IP: "10.0.1.5", Port: 6379}}
	waiter := &fakeWaiter{}

	master, err := locateMaster(context.Background(), cfg, res, waiter)
	if err != nil {
		t.Fatalf("locateMaster failed: %v", err)
	}

	if res.desc.Host != "redis-master" || res.desc.Port != 6379 {
		t.Errorf("Configured master not handed to the resolver: %+v", res.desc)
	}
	if res.discover != nil {
		t.Error("Discovery delegation configured without a discovery host")
	}
	if waiter.host != "10.0.1.5" || waiter.port != 6379 {
		t.Errorf("Readiness probe did not target the resolved socket: %s:%d", waiter.host, waiter.port)
	}
	if master.Host != "10.0.1.5" || master.Port != 6379 {
		t.Errorf("Unexpected master: %+v", master)
	}
}

func TestLocateMasterDelegatesToDiscovery(t *testing.T) {
	cfg := &config.Config{
		DiscoveryHost:    "sentinel",
		DiscoveryPort:    26379,
		DiscoveryGroup:   "mymaster",
		ReadinessTimeout: time.Second,
	}
	res := &fakeMasterResolver{socket: resolver.Socket{IP: "10.0.1.7", Port: 6380}}

	master, err := locateMaster(context.Background(), cfg, res, &fakeWaiter{})
	if err != nil {
		t.Fatalf("locateMaster failed: %v", err)
	}
	if res.discover == nil {
		t.Error("Expected a discovery delegate when a discovery host is configured")
	}
	if master.Host != "10.0.1.7" || master.Port != 6380 {
		t.Errorf("Unexpected master: %+v", master)
	}
}

func TestLocateMasterResolutionFailure(t *testing.T) {
	cfg := &config.Config{MasterHost: "redis-master", MasterPort: 6379, ReadinessTimeout: time.Second}
	res := &fakeMasterResolver{err: fmt.Errorf("failed to resolve redis-master after 3 attempts")}
	waiter := &fakeWaiter{}

	if _, err := locateMaster(context.Background(), cfg, res, waiter); err == nil {
		t.Fatal("Expected resolution failure to propagate")
	}
	if waiter.host != "" {
		t.Error("Readiness probe must not run when resolution fails")
	}
}

func TestCSVFlag(t *testing.T) {
	var commands []string
	f := newCSVFlag(&commands)

	if err := f.Set("FLUSHALL, FLUSHDB,CONFIG"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if len(commands) != 3 || commands[0] != "FLUSHALL" || commands[1] != "FLUSHDB" || commands[2] != "CONFIG" {
		t.Errorf("Unexpected parse result: %v", commands)
	}
	if got := f.String(); got != "FLUSHALL,FLUSHDB,CONFIG" {
		t.Errorf("String() = %q", got)
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("BOOTSTRAP_TEST_VAR", "from-env")
	if got := envOr("BOOTSTRAP_TEST_VAR", "fallback"); got != "from-env" {
		t.Errorf("envOr ignored the environment, got %q", got)
	}
	if got := envOr("BOOTSTRAP_TEST_VAR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("envOr ignored the default, got %q", got)
	}
}
