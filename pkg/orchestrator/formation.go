package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"strconv"

	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/config"
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/resolver"
	"k8s.io/klog/v2"
)

// formationBinary is the administrative CLI used to create the cluster. Its
// exit status and captured output are the only feedback channel.
const formationBinary = "redis-cli"

// buildFormationArgs assembles the non-interactive cluster-create
// invocation for the given socket list.
func buildFormationArgs(cfg *config.Config, sockets []resolver.Socket, replicas int) []string {
	args := []string{"--cluster", "create"}
	for _, socket := range sockets {
		args = append(args, socket.String())
	}
	args = append(args, "--cluster-replicas", strconv.Itoa(replicas), "--cluster-yes")

	if cfg.Password != "" {
		args = append(args, "-a", cfg.Password, "--no-auth-warning")
	}

	if cfg.TLSEnabled {
		args = append(args, "--tls", "--cert", cfg.TLSCertFile, "--key", cfg.TLSKeyFile)
		if info, err := os.Stat(cfg.TLSCACertFile); err == nil && info.IsDir() {
			args = append(args, "--cacertdir", cfg.TLSCACertFile)
		} else {
			args = append(args, "--cacert", cfg.TLSCACertFile)
		}
	}

	return args
}

// runFormationCommand executes the formation CLI and returns its combined
// output. The caller decides how to treat a non-zero exit.
func runFormationCommand(ctx context.Context, cfg *config.Config, sockets []resolver.Socket, replicas int) (string, error) {
	args := buildFormationArgs(cfg, sockets, replicas)
	klog.V(2).InfoS("Running formation command", "binary", formationBinary, "sockets", len(sockets))

	cmd := exec.CommandContext(ctx, formationBinary, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
