// Package redisconf turns the structured node configuration into directive
// writes against a redis.conf file. Synthesis is idempotent: running it any
// number of times with the same configuration leaves the file identical.
package redisconf

import (
	"fmt"
	"os"
	"strconv"

	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/conffile"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/config"
	"k8s.io/klog/v2"
)

// Master identifies the upstream a replica-role node follows. The caller is
// responsible for resolving it and confirming the port is reachable before
// synthesis runs.
type Master struct {
	Host string
	Port int
}

// Synthesizer maps a Config onto directive store calls.
type Synthesizer struct {
	cfg *config.Config
}

// New creates a Synthesizer for the given configuration.
func New(cfg *config.Config) *Synthesizer {
	return &Synthesizer{cfg: cfg}
}

// Apply writes all directives into f in a fixed order. Directives written
// later always land later in the file, so the final include directive is
// guaranteed to apply last. master may be nil unless the node has the
// replica role.
func (s *Synthesizer) Apply(f *conffile.File, master *Master) error {
	s.applyNetwork(f)

	if err := s.applyAuth(f); err != nil {
		return err
	}

	s.applyPersistence(f)

	if err := s.applyReplication(f, master); err != nil {
		return err
	}

	s.applyPerformance(f)
	s.applyDisabledCommands(f)
	s.applyOverridesInclude(f)

	return nil
}

func (s *Synthesizer) applyNetwork(f *conffile.File) {
	cfg := s.cfg

	plaintextPort := cfg.Port
	if cfg.TLSEnabled {
		// When both listeners would sit on the default port, only the
		// encrypted one survives; otherwise both stay exposed.
		if cfg.TLSPort == cfg.Port && cfg.Port == config.DefaultPort {
			plaintextPort = 0
			klog.InfoS("TLS and plaintext ports collide on the default, disabling plaintext listener",
				"tlsPort", cfg.TLSPort)
		}
	}
	f.Set("port", strconv.Itoa(plaintextPort))

	if cfg.TLSEnabled {
		f.Set("tls-port", strconv.Itoa(cfg.TLSPort))
		f.Set("tls-cert-file", cfg.TLSCertFile)
		f.Set("tls-key-file", cfg.TLSKeyFile)
		if isDirectory(cfg.TLSCACertFile) {
			f.Set("tls-ca-cert-dir", cfg.TLSCACertFile)
			f.Unset("tls-ca-cert-file")
		} else {
			f.Set("tls-ca-cert-file", cfg.TLSCACertFile)
			f.Unset("tls-ca-cert-dir")
		}
		f.Set("tls-replication", "yes")
		f.Set("tls-cluster", "yes")
	}

	f.Set("cluster-enabled", "yes")
	if cfg.NodesFile != "" {
		f.Set("cluster-config-file", cfg.NodesFile)
	}
	if cfg.DataDir != "" {
		f.Set("dir", cfg.DataDir)
	}
}

func (s *Synthesizer) applyAuth(f *conffile.File) error {
	cfg := s.cfg

	if cfg.Password == "" {
		if !cfg.AllowEmptyPassword {
			return &config.ValidationError{
				Field:  "password",
				Reason: "empty password requires --allow-empty-password=yes",
			}
		}
		// Passwordless mode was requested explicitly; the network
		// protection directive must be relaxed or the server rejects
		// non-loopback connections.
		f.Set("protected-mode", "no")
		f.Unset("requirepass")
		f.Unset("masterauth")
		klog.InfoS("Empty password explicitly allowed, relaxing protected mode")
		return nil
	}

	f.Set("protected-mode", "yes")
	f.Set("requirepass", cfg.Password)

	masterPassword := cfg.MasterPassword
	if masterPassword == "" {
		masterPassword = cfg.Password
	}
	f.Set("masterauth", masterPassword)

	return nil
}

func (s *Synthesizer) applyPersistence(f *conffile.File) {
	cfg := s.cfg

	if cfg.AppendOnly {
		f.Set("appendonly", "yes")
	} else {
		f.Set("appendonly", "no")
	}

	desired := []string{`""`}
	if len(cfg.SaveRules) > 0 {
		desired = desired[:0]
		for _, rule := range cfg.SaveRules {
			desired = append(desired, fmt.Sprintf("%d %d", rule.Seconds, rule.Changes))
		}
	}

	// save is list-typed; rewrite only when the active rules differ from
	// the intent so repeated synthesis neither duplicates nor reorders.
	if equalStrings(f.GetAll("save"), desired) {
		return
	}
	f.Unset("save")
	for _, rule := range desired {
		f.Set("save", rule)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Synthesizer) applyReplication(f *conffile.File, master *Master) error {
	cfg := s.cfg

	if cfg.NodeName != "" {
		f.Set("replica-announce-ip", cfg.NodeName)
		f.Set("replica-announce-port", strconv.Itoa(cfg.DataPort()))
	}

	if cfg.Role != config.RoleReplica {
		f.Unset("replicaof")
		return nil
	}

	if master == nil || master.Host == "" {
		return fmt.Errorf("replica role requires a resolved master socket")
	}

	f.Set("replicaof", fmt.Sprintf("%s %d", master.Host, master.Port))
	return nil
}

func (s *Synthesizer) applyPerformance(f *conffile.File) {
	cfg := s.cfg

	if cfg.MaxMemory != "" {
		f.Set("maxmemory", cfg.MaxMemory)
	}
	if cfg.MaxMemoryPolicy != "" {
		f.Set("maxmemory-policy", cfg.MaxMemoryPolicy)
	}
	if cfg.IOThreads > 0 {
		f.Set("io-threads", strconv.Itoa(cfg.IOThreads))
	}
}

func (s *Synthesizer) applyDisabledCommands(f *conffile.File) {
	for _, command := range s.cfg.DisabledCommands {
		directive := command + ` ""`
		if f.HasDirective("rename-command", directive) {
			continue
		}
		f.Set("rename-command", directive)
		klog.V(2).InfoS("Disabled command", "command", command)
	}
}

func (s *Synthesizer) applyOverridesInclude(f *conffile.File) {
	if s.cfg.OverridesFile == "" {
		return
	}
	// Exactly one include, always at end-of-file, so user overrides win
	// no matter how many times synthesis has run before.
	f.Unset("include")
	f.Set("include", s.cfg.OverridesFile)
}

func isDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
