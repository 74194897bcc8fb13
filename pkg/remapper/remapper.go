// Package remapper keeps the cluster identity file consistent across IP
// churn. Containers keep their node identity on restart, but their resolved
// addresses do not; without rewriting the identity file the store would see
// the returning node as a brand-new peer.
package remapper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/resolver"
	"k8s.io/klog/v2"
)

// addressResolver is satisfied by *resolver.Resolver.
type addressResolver interface {
	Resolve(ctx context.Context, desc resolver.NodeDescriptor) (resolver.Socket, error)
}

// Remapper persists a descriptor→IP map and rewrites the identity file when
// resolved addresses change.
type Remapper struct {
	mapFile   string
	nodesFile string
	resolver  addressResolver
}

// New creates a Remapper. mapFile holds the persisted descriptor→IP map;
// nodesFile is the store's identity file.
func New(mapFile, nodesFile string, res addressResolver) *Remapper {
	return &Remapper{mapFile: mapFile, nodesFile: nodesFile, resolver: res}
}

// Run resolves every peer and reconciles the identity file with any address
// changes since the last run. On a true first boot (no map, no identity
// file) it only seeds the map.
func (r *Remapper) Run(ctx context.Context, peers []resolver.NodeDescriptor) error {
	persisted, err := r.loadMap()
	if err != nil {
		return err
	}

	resolved := make(map[string]string, len(peers))
	for _, peer := range peers {
		socket, err := r.resolver.Resolve(ctx, peer)
		if err != nil {
			return fmt.Errorf("identity remap failed to resolve peer %s: %w", peer.Raw, err)
		}
		resolved[peer.Raw] = socket.IP
	}

	nodesFileExists := fileExists(r.nodesFile)

	if len(persisted) == 0 && !nodesFileExists {
		klog.InfoS("First bootstrap, seeding identity map", "peers", len(resolved), "file", r.mapFile)
		return r.saveMap(resolved)
	}

	changed := map[string]string{} // old IP -> new IP
	for raw, newIP := range resolved {
		oldIP, known := persisted[raw]
		if known && oldIP != newIP {
			klog.InfoS("Peer address changed since last run", "peer", raw, "old", oldIP, "new", newIP)
			changed[oldIP] = newIP
		}
		persisted[raw] = newIP
	}

	if len(changed) > 0 && nodesFileExists {
		if err := r.rewriteIdentityFile(changed); err != nil {
			return err
		}
	}

	return r.saveMap(persisted)
}

// rewriteIdentityFile replaces every occurrence of the old IPs in the
// identity file with their new values, then atomically swaps the file.
func (r *Remapper) rewriteIdentityFile(changed map[string]string) error {
	data, err := os.ReadFile(r.nodesFile)
	if err != nil {
		return fmt.Errorf("failed to read identity file %s: %w", r.nodesFile, err)
	}

	quoted := make([]string, 0, len(changed))
	for oldIP := range changed {
		quoted = append(quoted, regexp.QuoteMeta(oldIP))
	}
	// Longer alternatives first so one changed IP cannot shadow another
	// that extends it.
	sort.Slice(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })

	// All substitutions happen in a single pass. Applying them one at a
	// time would feed each rewrite's output into the next, so two peers
	// that exchanged addresses would collapse onto the same IP.
	// Anchored on a leading separator and the trailing port colon so
	// 10.0.0.5 can never match inside 10.0.0.55.
	pattern := regexp.MustCompile(`(^|\s)(` + strings.Join(quoted, "|") + `)(:\d+)`)
	content := pattern.ReplaceAllStringFunc(string(data), func(match string) string {
		sub := pattern.FindStringSubmatch(match)
		return sub[1] + changed[sub[2]] + sub[3]
	})

	tmp, err := os.CreateTemp(filepath.Dir(r.nodesFile), ".nodes-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary identity file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temporary identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temporary identity file: %w", err)
	}
	if err := os.Rename(tmpName, r.nodesFile); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace identity file %s: %w", r.nodesFile, err)
	}

	klog.InfoS("Rewrote identity file for address changes", "file", r.nodesFile, "changes", len(changed))
	return nil
}

func (r *Remapper) loadMap() (map[string]string, error) {
	data, err := os.ReadFile(r.mapFile)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read identity map %s: %w", r.mapFile, err)
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse identity map %s: %w", r.mapFile, err)
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

func (r *Remapper) saveMap(m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode identity map: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.mapFile), ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary identity map: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temporary identity map: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temporary identity map: %w", err)
	}
	if err := os.Rename(tmpName, r.mapFile); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace identity map %s: %w", r.mapFile, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
