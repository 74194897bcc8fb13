package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/conffile"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/config"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/election"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/orchestrator"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/probe"
	redisclient "github.com/niceos-labs/redis-cluster-bootstrap/pkg/redis"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/redisconf"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/remapper"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/resolver"
	"k8s.io/klog/v2"
)

var (
	version = "dev"
)

const serverBinary = "redis-server"

func main() {
	cfg := &config.Config{}
	var (
		roleStr        string
		peersStr       string
		saveRulesStr   string
		initiatorStr   string
		healthCheckStr string
	)

	hostname, _ := os.Hostname()

	// Node identity and data plane
	flag.StringVar(&cfg.NodeName, "node-name", envOr("NODE_NAME", hostname), "Hostname peers use to reach this node")
	flag.IntVar(&cfg.Port, "port", config.DefaultPort, "Plaintext data port")
	flag.StringVar(&cfg.Password, "password", os.Getenv("REDIS_PASSWORD"), "AUTH password shared by every node (or REDIS_PASSWORD env)")
	flag.StringVar(&cfg.MasterPassword, "master-password", os.Getenv("REDIS_MASTER_PASSWORD"), "Password of the upstream master when it differs")
	flag.BoolVar(&cfg.AllowEmptyPassword, "allow-empty-password", false, "Explicitly allow running without a password")

	// TLS
	flag.BoolVar(&cfg.TLSEnabled, "tls", false, "Enable TLS on the data plane")
	flag.IntVar(&cfg.TLSPort, "tls-port", config.DefaultPort, "TLS data port")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert-file", "", "Server certificate")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key-file", "", "Server key")
	flag.StringVar(&cfg.TLSCACertFile, "tls-ca-file", "", "Trust anchor file or directory")
	flag.BoolVar(&cfg.TLSInsecureSkipVerify, "tls-skip-verify", false, "Skip TLS certificate verification on outgoing probes")

	// Replication
	flag.StringVar(&roleStr, "role", string(config.RoleMaster), "Replication role: master or replica")
	flag.StringVar(&cfg.MasterHost, "master-host", os.Getenv("REDIS_MASTER_HOST"), "Upstream master host for replica role")
	flag.IntVar(&cfg.MasterPort, "master-port", config.DefaultPort, "Upstream master port")
	flag.StringVar(&cfg.DiscoveryHost, "discovery-host", "", "Sentinel-style discovery service host (overrides --master-host)")
	flag.IntVar(&cfg.DiscoveryPort, "discovery-port", 26379, "Discovery service port")
	flag.StringVar(&cfg.DiscoveryGroup, "discovery-group", "mymaster", "Monitored master group name")

	// Persistence and tuning
	flag.BoolVar(&cfg.AppendOnly, "appendonly", true, "Enable the append-only file")
	flag.StringVar(&saveRulesStr, "save", "", "Snapshot policy, e.g. \"900 1,300 10\" (empty disables snapshotting)")
	flag.StringVar(&cfg.MaxMemory, "maxmemory", "", "Memory limit passed to the server, e.g. 2gb")
	flag.StringVar(&cfg.MaxMemoryPolicy, "maxmemory-policy", "", "Eviction policy")
	flag.IntVar(&cfg.IOThreads, "io-threads", 0, "I/O thread count (0 leaves the server default)")
	flag.Var(newCSVFlag(&cfg.DisabledCommands), "disable-commands", "Comma-separated commands to disable, e.g. FLUSHALL,FLUSHDB")

	// Cluster topology
	flag.StringVar(&peersStr, "cluster-nodes", os.Getenv("REDIS_NODES"), "Peer descriptors host[:port], self included (or REDIS_NODES env)")
	flag.IntVar(&cfg.ReplicaFactor, "cluster-replicas", 0, "Replicas per master at formation")
	flag.StringVar(&initiatorStr, "cluster-initiator", envOr("REDIS_CLUSTER_CREATOR", "auto"),
		"Whether this node issues the formation command: yes, no or auto (deterministic election)")
	flag.StringVar(&healthCheckStr, "cluster-health-check", "auto",
		"Gate /health on cluster convergence: yes, no or auto (enabled)")

	// Timing
	flag.IntVar(&cfg.DNSRetries, "dns-retries", 30, "DNS resolution attempts per peer beyond the first")
	flag.DurationVar(&cfg.DNSBackoff, "dns-backoff", 2*time.Second, "Delay between DNS attempts")
	flag.DurationVar(&cfg.DNSLookupDelay, "dns-lookup-delay", 0, "Fixed delay before the first peer lookup")
	flag.DurationVar(&cfg.ReadinessTimeout, "readiness-timeout", 5*time.Minute, "Per-peer readiness budget")
	flag.DurationVar(&cfg.ConvergenceTimeout, "convergence-timeout", 5*time.Minute, "Cluster convergence budget")

	// Files
	flag.StringVar(&cfg.ConfigFile, "config-file", "/etc/redis/redis.conf", "Server configuration file to synthesize")
	flag.StringVar(&cfg.OverridesFile, "overrides-file", "", "Operator override file included last")
	flag.StringVar(&cfg.DataDir, "data-dir", "/data", "Server data directory")
	flag.StringVar(&cfg.NodesFile, "nodes-file", "/data/nodes.conf", "Cluster identity file")
	flag.StringVar(&cfg.IdentityMapFile, "identity-map-file", "/data/identity-map.json", "Persisted peer address map")

	// Peer endpoint
	flag.IntVar(&cfg.HTTPPort, "http-port", 8080, "Peer state and health endpoint port")
	flag.StringVar(&cfg.SharedSecret, "shared-secret", os.Getenv("SHARED_SECRET"), "Shared secret for peer authentication (or SHARED_SECRET env)")

	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")

	klog.InitFlags(nil)
	flag.Parse()

	if cfg.Debug {
		flag.Set("v", "2")
	}

	cfg.Role = config.Role(roleStr)
	if cfg.Role != config.RoleMaster && cfg.Role != config.RoleReplica {
		klog.Fatalf("Invalid role %q (must be master or replica)", roleStr)
	}
	cfg.Peers = config.ParsePeers(peersStr)

	var err error
	cfg.SaveRules, err = config.ParseSaveRules(saveRulesStr)
	if err != nil {
		klog.Fatalf("Invalid --save value: %v", err)
	}
	cfg.ClusterHealthCheck, err = config.ParseBoolDefault(healthCheckStr, true)
	if err != nil {
		klog.Fatalf("Invalid --cluster-health-check value: %v", err)
	}

	explicitInitiator := initiatorStr != "" && initiatorStr != "auto"
	if explicitInitiator {
		cfg.Initiator, err = config.ParseBool(initiatorStr)
		if err != nil {
			klog.Fatalf("Invalid --cluster-initiator value: %v", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		klog.Fatalf("Configuration rejected: %v", err)
	}

	klog.InfoS("Starting cluster bootstrap supervisor",
		"version", version,
		"node", cfg.NodeName,
		"role", cfg.Role,
		"peers", len(cfg.Peers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := resolver.New(cfg.DNSRetries, cfg.DNSBackoff)
	prober := probe.New(probe.Options{ClientOptions: redisclient.Options{
		Password:      cfg.Password,
		TLS:           cfg.TLSEnabled,
		TLSSkipVerify: cfg.TLSInsecureSkipVerify,
		CACertFile:    cfg.TLSCACertFile,
	}})

	if err := synthesizeConfig(ctx, cfg, res, prober); err != nil {
		klog.Fatalf("Failed to synthesize server configuration: %v", err)
	}

	child, childDone, err := startServer(cfg)
	if err != nil {
		klog.Fatalf("Failed to start %s: %v", serverBinary, err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		klog.InfoS("Received signal, shutting down", "signal", sig)
		cancel()
		child.Process.Signal(sig)
	}()

	var strategy election.Strategy
	if explicitInitiator {
		strategy = election.NewExplicitStrategy(cfg.NodeName, cfg.Initiator)
	} else {
		strategy = election.NewDeterministicStrategy(cfg.NodeName)
	}

	orch, err := bootstrap(ctx, cfg, res, prober, strategy, childDone)
	if err != nil {
		klog.ErrorS(err, "Bootstrap failed, stopping server")
		if orch != nil {
			orch.Shutdown()
		}
		child.Process.Signal(syscall.SIGTERM)
		<-childDone
		klog.Flush()
		os.Exit(1)
	}

	err = <-childDone
	if orch != nil {
		orch.Shutdown()
	}
	if err != nil && ctx.Err() == nil {
		klog.ErrorS(err, "Server exited unexpectedly")
		klog.Flush()
		os.Exit(1)
	}
	klog.Info("Shutdown complete")
	klog.Flush()
}

// synthesizeConfig rewrites the server configuration file in place. It is
// idempotent: a crash between synthesis and server start leaves a file the
// next run converges to the same bytes.
func synthesizeConfig(ctx context.Context, cfg *config.Config, res *resolver.Resolver, prober *probe.Prober) error {
	f, err := conffile.Load(cfg.ConfigFile)
	if err != nil {
		return err
	}

	var master *redisconf.Master
	if cfg.Role == config.RoleReplica {
		master, err = locateMaster(ctx, cfg, res, prober)
		if err != nil {
			return err
		}
	}

	if err := redisconf.New(cfg).Apply(f, master); err != nil {
		return err
	}
	if err := f.Save(); err != nil {
		return err
	}

	klog.InfoS("Server configuration synthesized", "path", cfg.ConfigFile, "directives", f.Len())
	return nil
}

// masterResolver is satisfied by *resolver.Resolver.
type masterResolver interface {
	ResolveMaster(ctx context.Context, desc resolver.NodeDescriptor, discover resolver.DiscoveryFunc) (resolver.Socket, error)
}

// readinessWaiter is satisfied by *probe.Prober.
type readinessWaiter interface {
	Wait(ctx context.Context, host string, port int, timeout time.Duration) error
}

// locateMaster finds the upstream master for a replica. When a discovery
// service is configured its answer replaces --master-host before the retried
// resolve path runs; the resolved master must accept connections before the
// replica is pointed at it.
func locateMaster(ctx context.Context, cfg *config.Config, res masterResolver, prober readinessWaiter) (*redisconf.Master, error) {
	var discover resolver.DiscoveryFunc
	if cfg.DiscoveryHost != "" {
		discover = func(ctx context.Context) (string, int, error) {
			return redisclient.QueryDiscovery(ctx, redisclient.Options{
				Host:          cfg.DiscoveryHost,
				Port:          cfg.DiscoveryPort,
				Password:      cfg.Password,
				TLS:           cfg.TLSEnabled,
				TLSSkipVerify: cfg.TLSInsecureSkipVerify,
				CACertFile:    cfg.TLSCACertFile,
			}, cfg.DiscoveryGroup)
		}
	}

	desc := resolver.NodeDescriptor{Raw: cfg.MasterHost, Host: cfg.MasterHost, Port: cfg.MasterPort}
	socket, err := res.ResolveMaster(ctx, desc, discover)
	if err != nil {
		return nil, err
	}

	if err := prober.Wait(ctx, socket.IP, socket.Port, cfg.ReadinessTimeout); err != nil {
		return nil, err
	}
	klog.InfoS("Master located", "addr", socket.Addr())
	return &redisconf.Master{Host: socket.IP, Port: socket.Port}, nil
}

func startServer(cfg *config.Config) (*exec.Cmd, chan error, error) {
	cmd := exec.Command(serverBinary, cfg.ConfigFile)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	klog.InfoS("Server started", "binary", serverBinary, "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	return cmd, done, nil
}

// bootstrap waits for the local server, repairs the cluster identity file,
// then runs the orchestration state machine. The peer endpoint serves for
// the remaining process lifetime; the returned orchestrator (nil in
// standalone mode) owns it and must be shut down by the caller.
func bootstrap(ctx context.Context, cfg *config.Config, res *resolver.Resolver, prober *probe.Prober, strategy election.Strategy, childDone chan error) (*orchestrator.Orchestrator, error) {
	if err := prober.Wait(ctx, cfg.NodeName, cfg.DataPort(), cfg.ReadinessTimeout); err != nil {
		return nil, err
	}
	klog.InfoS("Local server ready", "node", cfg.NodeName, "port", cfg.DataPort())

	if len(cfg.Peers) == 0 {
		klog.InfoS("No cluster peers configured, supervising a standalone server")
		return nil, nil
	}

	descriptors, err := resolver.ParseDescriptors(cfg.Peers, cfg.DataPort())
	if err != nil {
		return nil, err
	}
	if err := remapper.New(cfg.IdentityMapFile, cfg.NodesFile, res).Run(ctx, descriptors); err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(cfg, res, prober, strategy)
	if err != nil {
		return nil, err
	}
	orch.StartHTTP()

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(ctx) }()

	// A server that dies mid-bootstrap makes the outcome moot.
	select {
	case err := <-runDone:
		return orch, err
	case err := <-childDone:
		childDone <- err
		return orch, &orchestrator.BootstrapError{
			Phase: orch.State().Phase,
			Err:   errServerExited,
		}
	}
}

var errServerExited = errors.New("server process exited during bootstrap")

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// csvFlag splits a comma-separated flag value into its target slice.
type csvFlag struct {
	target *[]string
}

func newCSVFlag(target *[]string) *csvFlag {
	return &csvFlag{target: target}
}

func (c *csvFlag) String() string {
	if c.target == nil {
		return ""
	}
	var out string
	for i, v := range *c.target {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

func (c *csvFlag) Set(value string) error {
	*c.target = config.ParsePeers(value)
	return nil
}
