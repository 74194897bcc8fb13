package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/auth"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/config"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/election"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/orchestrator/state"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/probe"
	redisclient "github.com/niceos-labs/redis-cluster-bootstrap/pkg/redis"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/resolver"
	"k8s.io/klog/v2"
)

const (
	// validationWorkers bounds the concurrent readiness checks so N peers
	// do not serialize into N timeouts, without opening N connections at
	// once either.
	validationWorkers = 4

	defaultPollInterval = 2 * time.Second
)

// BootstrapError is a fatal bootstrap failure. The supervising process must
// stop the store and exit non-zero when it sees one.
type BootstrapError struct {
	Phase state.Phase
	Peer  string // offending peer, when one can be named
	Err   error
}

func (e *BootstrapError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("bootstrap failed in phase %s (peer %s): %v", e.Phase, e.Peer, e.Err)
	}
	return fmt.Sprintf("bootstrap failed in phase %s: %v", e.Phase, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// readinessProber is satisfied by *probe.Prober.
type readinessProber interface {
	Wait(ctx context.Context, host string, port int, timeout time.Duration) error
}

// addressResolver is satisfied by *resolver.Resolver.
type addressResolver interface {
	Resolve(ctx context.Context, desc resolver.NodeDescriptor) (resolver.Socket, error)
}

// Orchestrator drives the bootstrap state machine:
// Idle → ValidatingPeers → ResolvingAddresses → Forming →
// PollingConvergence → {Converged | Failed}.
// One run per process lifetime; only the elected initiator forms.
type Orchestrator struct {
	cfg      *config.Config
	resolver addressResolver
	prober   readinessProber
	strategy election.Strategy

	authenticator *auth.Authenticator
	localClient   *redisclient.Client

	// replaced in tests
	form        func(ctx context.Context, sockets []resolver.Socket, replicas int) (string, error)
	clusterInfo func(ctx context.Context) (*redisclient.ClusterInfo, error)
	ping        func(ctx context.Context) error

	pollInterval time.Duration

	mu    sync.RWMutex
	state state.BootstrapState

	httpServer *http.Server
}

// New creates an Orchestrator wired against the local node's administrative
// endpoint.
func New(cfg *config.Config, res *resolver.Resolver, prober *probe.Prober, strategy election.Strategy) (*Orchestrator, error) {
	localClient, err := redisclient.NewClient(redisclient.Options{
		Host:          cfg.NodeName,
		Port:          cfg.DataPort(),
		Password:      cfg.Password,
		TLS:           cfg.TLSEnabled,
		TLSSkipVerify: cfg.TLSInsecureSkipVerify,
		CACertFile:    cfg.TLSCACertFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create local admin client: %w", err)
	}

	now := time.Now()
	o := &Orchestrator{
		cfg:           cfg,
		resolver:      res,
		prober:        prober,
		strategy:      strategy,
		authenticator: auth.New(cfg.NodeName, cfg.SharedSecret),
		localClient:   localClient,
		clusterInfo:   localClient.GetClusterInfo,
		ping:          localClient.Ping,
		pollInterval:  defaultPollInterval,
		state: state.BootstrapState{
			NodeName:  cfg.NodeName,
			Phase:     state.PhaseIdle,
			Peers:     cfg.Peers,
			StartedAt: now,
			UpdatedAt: now,
		},
	}
	o.form = func(ctx context.Context, sockets []resolver.Socket, replicas int) (string, error) {
		return runFormationCommand(ctx, cfg, sockets, replicas)
	}
	o.setupHTTPServer()

	return o, nil
}

// Run executes the bootstrap state machine once. Any returned error is a
// *BootstrapError and means the supervising process must tear down.
func (o *Orchestrator) Run(ctx context.Context) error {
	if st := o.State(); st.Phase.Terminal() {
		return &BootstrapError{Phase: st.Phase, Err: errors.New("bootstrap already ran")}
	}

	klog.InfoS("Starting bootstrap orchestration",
		"node", o.cfg.NodeName,
		"peers", len(o.cfg.Peers),
		"strategy", o.strategy.Name())

	descriptors, err := resolver.ParseDescriptors(o.cfg.Peers, o.cfg.DataPort())
	if err != nil {
		return o.fail(&BootstrapError{Phase: state.PhaseValidatingPeers, Err: err})
	}

	if _, err := o.strategy.ElectInitiator(descriptors); err != nil {
		return o.fail(&BootstrapError{Phase: state.PhaseValidatingPeers, Err: err})
	}
	o.mu.Lock()
	o.state.Initiator = o.strategy.IsInitiator()
	o.mu.Unlock()

	o.setPhase(state.PhaseValidatingPeers)
	if berr := o.validatePeers(ctx, descriptors); berr != nil {
		return o.fail(berr)
	}

	o.setPhase(state.PhaseResolvingAddresses)
	sockets, berr := o.resolveAddresses(ctx, descriptors)
	if berr != nil {
		return o.fail(berr)
	}

	if !o.strategy.IsInitiator() {
		klog.InfoS("Not the initiator, serving once locally ready", "node", o.cfg.NodeName)
		o.setPhase(state.PhaseConverged)
		return nil
	}

	o.setPhase(state.PhaseForming)
	if berr := o.formCluster(ctx, sockets); berr != nil {
		return o.fail(berr)
	}

	o.setPhase(state.PhasePollingConvergence)
	if berr := o.pollConvergence(ctx); berr != nil {
		return o.fail(berr)
	}

	o.setPhase(state.PhaseConverged)
	klog.InfoS("Bootstrap complete", "node", o.cfg.NodeName)
	return nil
}

// validatePeers runs the readiness prober against every peer, self
// included, with a bounded worker pool. A single unready peer is fatal.
func (o *Orchestrator) validatePeers(ctx context.Context, descriptors []resolver.NodeDescriptor) *BootstrapError {
	sem := make(chan struct{}, validationWorkers)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var failures []*BootstrapError

	for _, desc := range descriptors {
		wg.Add(1)
		go func(d resolver.NodeDescriptor) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := o.prober.Wait(ctx, d.Host, d.Port, o.cfg.ReadinessTimeout); err != nil {
				klog.ErrorS(err, "Peer failed readiness validation", "peer", d.Raw)
				mu.Lock()
				failures = append(failures, &BootstrapError{
					Phase: state.PhaseValidatingPeers,
					Peer:  d.Raw,
					Err:   err,
				})
				mu.Unlock()
				return
			}
			klog.V(2).InfoS("Peer validated", "peer", d.Raw)
		}(desc)
	}
	wg.Wait()

	if len(failures) > 0 {
		return failures[0]
	}
	klog.InfoS("All peers validated", "count", len(descriptors))
	return nil
}

// resolveAddresses waits out the configured DNS settle delay, then resolves
// every peer to a socket. Any resolution failure is fatal.
func (o *Orchestrator) resolveAddresses(ctx context.Context, descriptors []resolver.NodeDescriptor) ([]resolver.Socket, *BootstrapError) {
	if o.cfg.DNSLookupDelay > 0 {
		klog.InfoS("Waiting for service discovery to settle", "delay", o.cfg.DNSLookupDelay)
		select {
		case <-ctx.Done():
			return nil, &BootstrapError{Phase: state.PhaseResolvingAddresses, Err: ctx.Err()}
		case <-time.After(o.cfg.DNSLookupDelay):
		}
	}

	sockets := make([]resolver.Socket, 0, len(descriptors))
	for _, desc := range descriptors {
		socket, err := o.resolver.Resolve(ctx, desc)
		if err != nil {
			return nil, &BootstrapError{Phase: state.PhaseResolvingAddresses, Peer: desc.Raw, Err: err}
		}
		klog.V(2).InfoS("Peer resolved", "peer", desc.Raw, "addr", socket.Addr())
		sockets = append(sockets, socket)
	}

	klog.InfoS("All peers resolved", "count", len(sockets))
	return sockets, nil
}

// formCluster issues the one-shot formation command. A cluster that already
// reports converged is left alone, and a non-zero exit from the command is
// deliberately a warning, not a failure: formation against an existing
// cluster fails idempotently and the convergence poll is the real verdict.
func (o *Orchestrator) formCluster(ctx context.Context, sockets []resolver.Socket) *BootstrapError {
	if info, err := o.clusterInfo(ctx); err == nil && info.Converged() {
		klog.InfoS("Cluster already converged, skipping formation")
		return nil
	}

	klog.InfoS("Issuing cluster formation",
		"sockets", len(sockets),
		"replicasPerMaster", o.cfg.ReplicaFactor)

	output, err := o.form(ctx, sockets, o.cfg.ReplicaFactor)
	if ctx.Err() != nil {
		return &BootstrapError{Phase: state.PhaseForming, Err: ctx.Err()}
	}
	if err != nil {
		klog.Warningf("Cluster formation command failed (may already be formed), deferring to convergence check: %v, output: %s",
			err, truncateOutput(output))
		return nil
	}

	klog.InfoS("Cluster formation command succeeded")
	return nil
}

// pollConvergence queries cluster introspection until every slot is covered
// or the timeout elapses. Cancellation interrupts the loop promptly.
func (o *Orchestrator) pollConvergence(ctx context.Context) *BootstrapError {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ConvergenceTimeout)
	defer cancel()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		info, err := o.clusterInfo(ctx)
		if err == nil && info.Converged() {
			klog.InfoS("Cluster converged",
				"slotsAssigned", info.SlotsAssigned,
				"knownNodes", info.KnownNodes,
				"size", info.Size)
			return nil
		}
		if err != nil {
			klog.V(2).InfoS("Convergence check failed, retrying", "error", err)
		} else {
			klog.V(2).InfoS("Cluster not yet converged", "state", info.State, "slotsAssigned", info.SlotsAssigned)
		}

		select {
		case <-ctx.Done():
			return &BootstrapError{
				Phase: state.PhasePollingConvergence,
				Err:   fmt.Errorf("cluster did not converge within %s", o.cfg.ConvergenceTimeout),
			}
		case <-ticker.C:
		}
	}
}

// fail records the terminal failure so peers see it via /state.
func (o *Orchestrator) fail(berr *BootstrapError) error {
	o.mu.Lock()
	o.state.Phase = state.PhaseFailed
	o.state.Error = berr.Error()
	o.state.UpdatedAt = time.Now()
	o.mu.Unlock()

	klog.ErrorS(berr, "Bootstrap failed", "phase", berr.Phase, "peer", berr.Peer)
	return berr
}

func (o *Orchestrator) setPhase(phase state.Phase) {
	o.mu.Lock()
	o.state.Phase = phase
	o.state.UpdatedAt = time.Now()
	o.mu.Unlock()

	klog.InfoS("Bootstrap phase transition", "phase", phase)
}

// State returns a copy of the current bootstrap state.
func (o *Orchestrator) State() state.BootstrapState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setupHTTPServer() {
	router := mux.NewRouter()
	router.HandleFunc("/state", o.authenticator.Middleware(o.handleStateRequest)).Methods(http.MethodGet)
	router.HandleFunc("/health", o.handleHealthRequest).Methods(http.MethodGet)

	o.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", o.cfg.HTTPPort),
		Handler: router,
	}
}

// StartHTTP starts the peer state endpoint in the background.
func (o *Orchestrator) StartHTTP() {
	go func() {
		klog.InfoS("Starting HTTP server", "port", o.cfg.HTTPPort)
		if err := o.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "HTTP server error")
		}
	}()
}

// Shutdown stops the HTTP server and closes the local admin client.
func (o *Orchestrator) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.httpServer.Shutdown(ctx); err != nil {
		klog.ErrorS(err, "Failed to shutdown HTTP server")
	}
	return o.localClient.Close()
}

func (o *Orchestrator) handleStateRequest(w http.ResponseWriter, r *http.Request) {
	st := o.State()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// handleHealthRequest is the container health gate: the local node must
// answer PING, and when cluster health checking is enabled the cluster must
// also report converged.
func (o *Orchestrator) handleHealthRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := o.ping(ctx); err != nil {
		http.Error(w, fmt.Sprintf("node unhealthy: %v", err), http.StatusServiceUnavailable)
		return
	}

	if o.cfg.ClusterHealthCheck {
		info, err := o.clusterInfo(ctx)
		if err != nil {
			http.Error(w, fmt.Sprintf("cluster introspection failed: %v", err), http.StatusServiceUnavailable)
			return
		}
		if !info.Converged() {
			http.Error(w, fmt.Sprintf("cluster state %s", info.State), http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
