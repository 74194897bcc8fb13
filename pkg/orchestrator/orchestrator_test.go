package orchestrator

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/config"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/election"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/orchestrator/state"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/probe"
	redisclient "github.com/niceos-labs/redis-cluster-bootstrap/pkg/redis"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/resolver"
)

type fakeProber struct {
	mu        sync.Mutex
	unready   map[string]bool
	validated []string
}

func (f *fakeProber) Wait(ctx context.Context, host string, port int, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated = append(f.validated, host)
	if f.unready[host] {
		return fmt.Errorf("node %s:%d not ready: tcp probe gave up", host, port)
	}
	return nil
}

type fakeResolver struct {
	addrs map[string]string
}

func (f *fakeResolver) Resolve(ctx context.Context, desc resolver.NodeDescriptor) (resolver.Socket, error) {
	ip, ok := f.addrs[desc.Host]
	if !ok {
		return resolver.Socket{}, fmt.Errorf("failed to resolve %s after 1 attempts", desc.Host)
	}
	return resolver.Socket{IP: ip, Port: desc.Port}, nil
}

type fakeCluster struct {
	mu         sync.Mutex
	converged  bool
	formCalls  int
	formedWith []resolver.Socket
	formErr    error
	// convergeAfterForm flips the convergence predicate once formation ran.
	convergeAfterForm bool
}

func (f *fakeCluster) form(ctx context.Context, sockets []resolver.Socket, replicas int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.formCalls++
	f.formedWith = sockets
	if f.formErr != nil {
		return "[ERR] Node 10.0.0.1:6379 is already part of a cluster", f.formErr
	}
	if f.convergeAfterForm {
		f.converged = true
	}
	return "[OK] All 16384 slots covered.", nil
}

func (f *fakeCluster) clusterInfo(ctx context.Context) (*redisclient.ClusterInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.converged {
		return &redisclient.ClusterInfo{State: "ok", SlotsAssigned: 16384, KnownNodes: 3, Size: 3}, nil
	}
	return &redisclient.ClusterInfo{State: "fail"}, nil
}

func (f *fakeCluster) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.formCalls
}

func testConfig() *config.Config {
	return &config.Config{
		NodeName:           "redis-0",
		Port:               6379,
		Password:           "secret",
		Peers:              []string{"redis-0:6379", "redis-1:6379", "redis-2:6379"},
		ReplicaFactor:      0,
		ReadinessTimeout:   100 * time.Millisecond,
		ConvergenceTimeout: time.Second,
		HTTPPort:           8080,
		ClusterHealthCheck: true,
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, strategy election.Strategy, cluster *fakeCluster, fp *fakeProber, fr *fakeResolver) *Orchestrator {
	t.Helper()

	o, err := New(cfg, resolver.New(0, time.Millisecond), probe.New(probe.Options{}), strategy)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { o.localClient.Close() })

	o.prober = fp
	o.resolver = fr
	o.form = cluster.form
	o.clusterInfo = cluster.clusterInfo
	o.ping = func(ctx context.Context) error { return nil }
	o.pollInterval = 5 * time.Millisecond
	return o
}

func healthyFakes() (*fakeCluster, *fakeProber, *fakeResolver) {
	cluster := &fakeCluster{convergeAfterForm: true}
	fp := &fakeProber{unready: map[string]bool{}}
	fr := &fakeResolver{addrs: map[string]string{
		"redis-0": "10.0.0.1",
		"redis-1": "10.0.0.2",
		"redis-2": "10.0.0.3",
	}}
	return cluster, fp, fr
}

func TestRunInitiatorFormsOnce(t *testing.T) {
	cluster, fp, fr := healthyFakes()
	cfg := testConfig()
	o := newTestOrchestrator(t, cfg, election.NewDeterministicStrategy("redis-0"), cluster, fp, fr)

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := cluster.calls(); got != 1 {
		t.Errorf("Expected exactly 1 formation call, got %d", got)
	}
	if len(fp.validated) != 3 {
		t.Errorf("Expected all 3 peers validated, got %v", fp.validated)
	}
	if o.State().Phase != state.PhaseConverged {
		t.Errorf("Expected Converged, got %s", o.State().Phase)
	}

	expected := []string{"10.0.0.1:6379", "10.0.0.2:6379", "10.0.0.3:6379"}
	if len(cluster.formedWith) != 3 {
		t.Fatalf("Expected 3 sockets, got %v", cluster.formedWith)
	}
	for i, socket := range cluster.formedWith {
		if socket.String() != expected[i] {
			t.Errorf("Socket %d = %q, want %q", i, socket.String(), expected[i])
		}
	}
}

func TestRunSecondInvocationDoesNotReform(t *testing.T) {
	// A converged cluster must be observed via introspection, never
	// re-formed destructively.
	cluster, fp, fr := healthyFakes()
	cluster.converged = true

	o := newTestOrchestrator(t, testConfig(), election.NewDeterministicStrategy("redis-0"), cluster, fp, fr)

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := cluster.calls(); got != 0 {
		t.Errorf("Expected formation to be skipped on converged cluster, got %d calls", got)
	}
	if o.State().Phase != state.PhaseConverged {
		t.Errorf("Expected Converged, got %s", o.State().Phase)
	}
}

func TestRunRefusesReentryAfterTerminalPhase(t *testing.T) {
	cluster, fp, fr := healthyFakes()
	o := newTestOrchestrator(t, testConfig(), election.NewDeterministicStrategy("redis-0"), cluster, fp, fr)

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Expected second Run on the same orchestrator to be refused")
	}
	berr, ok := err.(*BootstrapError)
	if !ok {
		t.Fatalf("Expected *BootstrapError, got %T", err)
	}
	if berr.Phase != state.PhaseConverged {
		t.Errorf("Expected the terminal phase reported, got %s", berr.Phase)
	}
	if got := cluster.calls(); got != 1 {
		t.Errorf("Refused re-run must not form again, got %d calls", got)
	}
}

func TestShutdownReleasesResources(t *testing.T) {
	cluster, fp, fr := healthyFakes()
	o := newTestOrchestrator(t, testConfig(), election.NewDeterministicStrategy("redis-0"), cluster, fp, fr)

	if err := o.Shutdown(); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestRunNonInitiatorSkipsFormation(t *testing.T) {
	cluster, fp, fr := healthyFakes()
	// redis-0 wins the deterministic election; this node is redis-1.
	o := newTestOrchestrator(t, testConfig(), election.NewDeterministicStrategy("redis-1"), cluster, fp, fr)

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := cluster.calls(); got != 0 {
		t.Errorf("Non-initiator must not form, got %d calls", got)
	}
	st := o.State()
	if st.Initiator {
		t.Error("Expected Initiator=false in reported state")
	}
	if st.Phase != state.PhaseConverged {
		t.Errorf("Expected Converged, got %s", st.Phase)
	}
}

func TestRunUnreadyPeerAborts(t *testing.T) {
	cluster, fp, fr := healthyFakes()
	fp.unready["redis-2"] = true

	o := newTestOrchestrator(t, testConfig(), election.NewDeterministicStrategy("redis-0"), cluster, fp, fr)

	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Expected bootstrap failure")
	}
	berr, ok := err.(*BootstrapError)
	if !ok {
		t.Fatalf("Expected *BootstrapError, got %T", err)
	}
	if berr.Phase != state.PhaseValidatingPeers {
		t.Errorf("Expected ValidatingPeers phase, got %s", berr.Phase)
	}
	if berr.Peer != "redis-2:6379" {
		t.Errorf("Error must identify the failing peer, got %q", berr.Peer)
	}
	if cluster.calls() != 0 {
		t.Error("Formation must not run after validation failure")
	}
	st := o.State()
	if st.Phase != state.PhaseFailed {
		t.Errorf("Expected Failed, got %s", st.Phase)
	}
	if !strings.Contains(st.Error, "redis-2") {
		t.Errorf("Reported state must name the peer, got %q", st.Error)
	}
}

func TestRunResolutionFailureAborts(t *testing.T) {
	cluster, fp, fr := healthyFakes()
	delete(fr.addrs, "redis-1")

	o := newTestOrchestrator(t, testConfig(), election.NewDeterministicStrategy("redis-0"), cluster, fp, fr)

	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Expected bootstrap failure")
	}
	berr := err.(*BootstrapError)
	if berr.Phase != state.PhaseResolvingAddresses {
		t.Errorf("Expected ResolvingAddresses phase, got %s", berr.Phase)
	}
	if berr.Peer != "redis-1:6379" {
		t.Errorf("Expected failing peer identified, got %q", berr.Peer)
	}
}

func TestRunFormationFailureIsSoftWhenClusterConverges(t *testing.T) {
	// Formation against an already-formed cluster exits non-zero; the
	// convergence poll is the real verdict.
	cluster, fp, fr := healthyFakes()
	cluster.convergeAfterForm = false
	cluster.formErr = fmt.Errorf("exit status 1")

	o := newTestOrchestrator(t, testConfig(), election.NewDeterministicStrategy("redis-0"), cluster, fp, fr)

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	// Let the poll loop spin a little, then converge.
	time.Sleep(20 * time.Millisecond)
	cluster.mu.Lock()
	cluster.converged = true
	cluster.mu.Unlock()

	if err := <-done; err != nil {
		t.Fatalf("Expected soft formation failure to succeed after convergence, got %v", err)
	}
	if o.State().Phase != state.PhaseConverged {
		t.Errorf("Expected Converged, got %s", o.State().Phase)
	}
}

func TestRunConvergenceTimeout(t *testing.T) {
	cluster, fp, fr := healthyFakes()
	cluster.convergeAfterForm = false

	cfg := testConfig()
	cfg.ConvergenceTimeout = 50 * time.Millisecond
	o := newTestOrchestrator(t, cfg, election.NewDeterministicStrategy("redis-0"), cluster, fp, fr)

	start := time.Now()
	err := o.Run(context.Background())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected convergence timeout")
	}
	berr := err.(*BootstrapError)
	if berr.Phase != state.PhasePollingConvergence {
		t.Errorf("Expected PollingConvergence phase, got %s", berr.Phase)
	}
	if elapsed > time.Second {
		t.Errorf("Timeout took %v, expected ~50ms", elapsed)
	}
}

func TestRunCancellationInterruptsPolling(t *testing.T) {
	cluster, fp, fr := healthyFakes()
	cluster.convergeAfterForm = false

	cfg := testConfig()
	cfg.ConvergenceTimeout = time.Hour
	o := newTestOrchestrator(t, cfg, election.NewDeterministicStrategy("redis-0"), cluster, fp, fr)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := o.Run(ctx)
	if err == nil {
		t.Fatal("Expected cancellation to fail the bootstrap")
	}
	if time.Since(start) > time.Second {
		t.Error("Cancellation did not interrupt the polling loop promptly")
	}
}

func TestBuildFormationArgs(t *testing.T) {
	cfg := testConfig()
	sockets := []resolver.Socket{
		{IP: "10.0.0.1", Port: 6379},
		{IP: "10.0.0.2", Port: 6379},
		{IP: "10.0.0.3", Port: 6379},
	}

	args := buildFormationArgs(cfg, sockets, 1)
	joined := strings.Join(args, " ")

	want := "--cluster create 10.0.0.1:6379 10.0.0.2:6379 10.0.0.3:6379 --cluster-replicas 1 --cluster-yes -a secret --no-auth-warning"
	if joined != want {
		t.Errorf("Args:\n%s\nWant:\n%s", joined, want)
	}
}

func TestBuildFormationArgsTLS(t *testing.T) {
	cfg := testConfig()
	cfg.Password = ""
	cfg.AllowEmptyPassword = true
	cfg.TLSEnabled = true
	cfg.TLSCertFile = "/certs/tls.crt"
	cfg.TLSKeyFile = "/certs/tls.key"
	cfg.TLSCACertFile = "/certs/ca.crt"

	args := buildFormationArgs(cfg, []resolver.Socket{{IP: "10.0.0.1", Port: 6390}}, 0)
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "--tls --cert /certs/tls.crt --key /certs/tls.key --cacert /certs/ca.crt") {
		t.Errorf("Missing TLS flags: %s", joined)
	}
	if strings.Contains(joined, "-a ") {
		t.Errorf("Password flag present without a password: %s", joined)
	}
}

func TestHandleHealthRequest(t *testing.T) {
	cluster, fp, fr := healthyFakes()
	cluster.converged = true
	o := newTestOrchestrator(t, testConfig(), election.NewDeterministicStrategy("redis-0"), cluster, fp, fr)

	rec := httptest.NewRecorder()
	o.handleHealthRequest(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Errorf("Expected 200 for healthy converged node, got %d", rec.Code)
	}

	cluster.mu.Lock()
	cluster.converged = false
	cluster.mu.Unlock()

	rec = httptest.NewRecorder()
	o.handleHealthRequest(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 503 {
		t.Errorf("Expected 503 when cluster health gate fails, got %d", rec.Code)
	}
}

func TestHandleHealthRequestGateDisabled(t *testing.T) {
	cluster, fp, fr := healthyFakes()
	cfg := testConfig()
	cfg.ClusterHealthCheck = false
	o := newTestOrchestrator(t, cfg, election.NewDeterministicStrategy("redis-0"), cluster, fp, fr)

	rec := httptest.NewRecorder()
	o.handleHealthRequest(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Errorf("Expected 200 with gate disabled despite unconverged cluster, got %d", rec.Code)
	}
}

func TestHandleStateRequest(t *testing.T) {
	cluster, fp, fr := healthyFakes()
	o := newTestOrchestrator(t, testConfig(), election.NewDeterministicStrategy("redis-0"), cluster, fp, fr)

	rec := httptest.NewRecorder()
	o.handleStateRequest(rec, httptest.NewRequest("GET", "/state", nil))
	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"phase":"Idle"`) {
		t.Errorf("Expected Idle phase in state document, got %s", body)
	}
	if !strings.Contains(body, `"node_name":"redis-0"`) {
		t.Errorf("Expected node name in state document, got %s", body)
	}
}
