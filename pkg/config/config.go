package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role specifies the replication role of the local node.
type Role string

const (
	// RoleMaster serves writes (or holds a cluster shard).
	RoleMaster Role = "master"
	// RoleReplica follows an upstream master.
	RoleReplica Role = "replica"
)

// DefaultPort is the standard Redis data port.
const DefaultPort = 6379

// SaveRule is one point-in-time snapshot trigger: persist after Changes
// writes within Seconds seconds.
type SaveRule struct {
	Seconds int
	Changes int
}

// Config holds the full configuration for the bootstrap supervisor. It is
// built once in main and passed read-only into every component.
type Config struct {
	// Local node identity
	NodeName string // hostname other peers use to reach this node

	// Redis connection settings
	Port               int    // plaintext data port (0 disables)
	Password           string // AUTH secret, shared cluster-wide
	MasterPassword     string // secret for the upstream master (replica role)
	AllowEmptyPassword bool   // explicit opt-in for passwordless mode

	// TLS
	TLSEnabled            bool
	TLSPort               int
	TLSCertFile           string
	TLSKeyFile            string
	TLSCACertFile         string // file or directory of trust anchors
	TLSInsecureSkipVerify bool

	// Replication (replica role only)
	Role       Role
	MasterHost string
	MasterPort int

	// Persistence
	AppendOnly bool
	SaveRules  []SaveRule // empty means snapshotting disabled

	// Performance knobs (empty means leave the server default)
	MaxMemory       string
	MaxMemoryPolicy string
	IOThreads       int

	// Command restriction
	DisabledCommands []string

	// Cluster topology
	Peers         []string // raw host[:port] descriptors, self included
	ReplicaFactor int      // replicas per master passed to formation
	Initiator     bool     // this node issues the one-time formation command

	// Discovery service (Sentinel-style); replaces MasterHost resolution
	// when DiscoveryHost is set.
	DiscoveryHost  string
	DiscoveryPort  int
	DiscoveryGroup string

	// Timing knobs
	DNSRetries         int
	DNSBackoff         time.Duration
	DNSLookupDelay     time.Duration // fixed delay before the first lookup
	ReadinessTimeout   time.Duration
	ConvergenceTimeout time.Duration

	// Cluster health gate for the /health endpoint. Defaults to enabled
	// ("auto") unless explicitly turned off; see README before changing.
	ClusterHealthCheck bool

	// File locations
	ConfigFile      string // redis.conf to synthesize
	OverridesFile   string // user override file included last
	DataDir         string
	NodesFile       string // cluster identity file (nodes.conf)
	IdentityMapFile string // persisted host->IP map

	// Peer HTTP endpoint
	HTTPPort     int
	SharedSecret string

	// Logging
	Debug bool
}

// ValidationError reports a startup configuration problem. It is always
// fatal before any process is spawned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// DataPort returns the port peers actually connect to: the TLS port when TLS
// is enabled, otherwise the plaintext port. Peer descriptors without an
// explicit port default to this.
func (c *Config) DataPort() int {
	if c.TLSEnabled {
		return c.TLSPort
	}
	return c.Port
}

// Validate checks the configuration for problems that must stop startup.
func (c *Config) Validate() error {
	if c.NodeName == "" {
		return &ValidationError{Field: "node-name", Reason: "required"}
	}

	if c.Password == "" && !c.AllowEmptyPassword {
		return &ValidationError{
			Field:  "password",
			Reason: "empty password requires --allow-empty-password=yes",
		}
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return &ValidationError{Field: "tls-cert-file", Reason: "required when TLS is enabled"}
		}
		if c.TLSKeyFile == "" {
			return &ValidationError{Field: "tls-key-file", Reason: "required when TLS is enabled"}
		}
		if c.TLSCACertFile == "" {
			return &ValidationError{Field: "tls-ca-file", Reason: "required when TLS is enabled"}
		}
		// Equal ports are only tolerated at the default, where the
		// plaintext listener is forced off during synthesis.
		if c.TLSPort == c.Port && c.Port != DefaultPort {
			return &ValidationError{
				Field:  "tls-port",
				Reason: fmt.Sprintf("conflicts with plaintext port %d", c.Port),
			}
		}
	}

	if c.Role == RoleReplica && c.MasterHost == "" && c.DiscoveryHost == "" {
		return &ValidationError{Field: "master-host", Reason: "required for replica role"}
	}

	if c.ReplicaFactor < 0 {
		return &ValidationError{Field: "cluster-replicas", Reason: "must be >= 0"}
	}

	if c.Initiator {
		if len(c.Peers) == 0 {
			return &ValidationError{Field: "cluster-nodes", Reason: "required on the initiator"}
		}
		// Redis Cluster refuses to form with fewer than three masters.
		minimum := 3 * (c.ReplicaFactor + 1)
		if len(c.Peers) < minimum {
			return &ValidationError{
				Field: "cluster-nodes",
				Reason: fmt.Sprintf("need at least %d nodes for %d replicas per master, have %d",
					minimum, c.ReplicaFactor, len(c.Peers)),
			}
		}
	}

	return nil
}

// ParseBool converts a boolean-ish token into a bool. Accepted true values
// are "yes", "true", "on" and "1"; false values are "no", "false", "off" and
// "0". Anything else, including the empty string, is an error: silent
// false-ness for typos like "ture" has bitten too many deployments.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true", "on", "1":
		return true, nil
	case "no", "false", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized boolean value %q (want yes/no, true/false, on/off, 1/0)", s)
	}
}

// ParseBoolDefault behaves like ParseBool but maps the empty string and
// "auto" to the supplied default instead of an error.
func ParseBoolDefault(s string, def bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return def, nil
	}
	return ParseBool(s)
}

// ParsePeers splits a peer-list value into individual host[:port] tokens.
// Commas, semicolons and any whitespace all act as separators so the value
// can come from YAML lists, env vars or shell quoting unchanged.
func ParsePeers(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	peers := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			peers = append(peers, f)
		}
	}
	return peers
}

// ParseSaveRules parses a snapshot policy list. Pairs are separated by
// commas or semicolons, each pair being "<seconds> <changes>", e.g.
// "900 1,300 10,60 10000".
func ParseSaveRules(s string) ([]SaveRule, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var rules []SaveRule
	for _, pair := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		fields := strings.Fields(pair)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid save rule %q (want \"<seconds> <changes>\")", strings.TrimSpace(pair))
		}
		seconds, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid save rule seconds %q: %w", fields[0], err)
		}
		changes, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid save rule changes %q: %w", fields[1], err)
		}
		if seconds < 0 || changes < 0 {
			return nil, fmt.Errorf("invalid save rule %q: values must be non-negative", strings.TrimSpace(pair))
		}
		rules = append(rules, SaveRule{Seconds: seconds, Changes: changes})
	}
	return rules, nil
}
