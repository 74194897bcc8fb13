package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"k8s.io/klog/v2"
)

// Options configures a Client. TLS settings apply to every administrative
// connection, including discovery queries.
type Options struct {
	Host          string
	Port          int
	Password      string
	TLS           bool
	TLSSkipVerify bool
	CACertFile    string // file or directory of PEM trust anchors
}

// Client wraps a go-redis client with the administrative helpers the
// bootstrap process needs. Construction does not dial; callers probe
// readiness explicitly because the target may not be up yet.
type Client struct {
	client *redis.Client
	addr   string
}

// ClusterInfo is the parsed output of the CLUSTER INFO introspection command.
type ClusterInfo struct {
	State         string // "ok" once every slot is assigned and reachable
	SlotsAssigned int
	KnownNodes    int
	Size          int
}

// Converged reports whether the cluster considers all slots covered.
func (ci *ClusterInfo) Converged() bool {
	return ci.State == "ok"
}

// NewClient creates a client for one node's administrative endpoint.
func NewClient(opts Options) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	redisOpts := &redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       0,
	}

	if opts.TLS {
		tlsConfig, err := buildTLSConfig(opts)
		if err != nil {
			return nil, err
		}
		redisOpts.TLSConfig = tlsConfig
	}

	return &Client{
		client: redis.NewClient(redisOpts),
		addr:   addr,
	}, nil
}

// Addr returns the host:port this client targets.
func (c *Client) Addr() string {
	return c.addr
}

// Ping sends the protocol liveness probe and verifies the canonical reply.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("ping %s failed: %w", c.addr, err)
	}
	if reply != "PONG" {
		return fmt.Errorf("ping %s returned unexpected reply %q", c.addr, reply)
	}
	return nil
}

// GetClusterInfo retrieves and parses the CLUSTER INFO introspection output.
func (c *Client) GetClusterInfo(ctx context.Context) (*ClusterInfo, error) {
	info, err := c.client.ClusterInfo(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("cluster info on %s failed: %w", c.addr, err)
	}
	return parseClusterInfo(info)
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.client.Close()
}

// QueryDiscovery asks a Sentinel-style discovery service for the current
// leader of the named group and returns its host and port.
func QueryDiscovery(ctx context.Context, opts Options, group string) (string, int, error) {
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	sentinelOpts := &redis.Options{
		Addr:     addr,
		Password: opts.Password,
	}
	if opts.TLS {
		tlsConfig, err := buildTLSConfig(opts)
		if err != nil {
			return "", 0, err
		}
		sentinelOpts.TLSConfig = tlsConfig
	}

	sentinel := redis.NewSentinelClient(sentinelOpts)
	defer sentinel.Close()

	result, err := sentinel.GetMasterAddrByName(ctx, group).Result()
	if err != nil {
		return "", 0, fmt.Errorf("discovery query for group %q against %s failed: %w", group, addr, err)
	}
	if len(result) != 2 {
		return "", 0, fmt.Errorf("discovery query for group %q returned malformed reply %v", group, result)
	}

	port, err := strconv.Atoi(result[1])
	if err != nil {
		return "", 0, fmt.Errorf("discovery query for group %q returned invalid port %q: %w", group, result[1], err)
	}

	klog.InfoS("Discovery service resolved group leader", "group", group, "host", result[0], "port", port)
	return result[0], port, nil
}

// parseClusterInfo parses the colon-separated CLUSTER INFO output.
func parseClusterInfo(info string) (*ClusterInfo, error) {
	result := &ClusterInfo{}

	for _, line := range strings.Split(info, "\r\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "cluster_state":
			result.State = value
		case "cluster_slots_assigned":
			if n, err := strconv.Atoi(value); err == nil {
				result.SlotsAssigned = n
			}
		case "cluster_known_nodes":
			if n, err := strconv.Atoi(value); err == nil {
				result.KnownNodes = n
			}
		case "cluster_size":
			if n, err := strconv.Atoi(value); err == nil {
				result.Size = n
			}
		}
	}

	if result.State == "" {
		return nil, fmt.Errorf("could not parse cluster_state from cluster info")
	}

	return result, nil
}

// buildTLSConfig wires the configured trust anchors into a TLS client
// config. The CA path may be a single PEM file or a directory of them.
func buildTLSConfig(opts Options) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if opts.TLSSkipVerify {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if opts.CACertFile == "" {
		return tlsConfig, nil
	}

	pool, err := loadTrustAnchors(opts.CACertFile)
	if err != nil {
		return nil, err
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

func loadTrustAnchors(path string) (*x509.CertPool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust anchors at %s: %w", path, err)
	}

	pool := x509.NewCertPool()

	if !info.IsDir() {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", path, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file %s", path)
		}
		return pool, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA directory %s: %w", path, err)
	}

	appended := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		pem, err := os.ReadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", entry.Name(), err)
		}
		if pool.AppendCertsFromPEM(pem) {
			appended = true
		}
	}
	if !appended {
		return nil, fmt.Errorf("no certificates found in CA directory %s", path)
	}
	return pool, nil
}
