package election

import (
	"fmt"
	"sort"
	"sync"

	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/resolver"
	"k8s.io/klog/v2"
)

// DeterministicStrategy elects the initiator by sorting the peer set. All
// nodes see the same configured peers, so all arrive at the same winner.
type DeterministicStrategy struct {
	localName string

	mu      sync.RWMutex
	current *resolver.NodeDescriptor
}

// NewDeterministicStrategy creates a deterministic election strategy for
// the local node name.
func NewDeterministicStrategy(localName string) *DeterministicStrategy {
	return &DeterministicStrategy{localName: localName}
}

// ElectInitiator performs the deterministic election.
func (d *DeterministicStrategy) ElectInitiator(peers []resolver.NodeDescriptor) (resolver.NodeDescriptor, error) {
	if len(peers) == 0 {
		return resolver.NodeDescriptor{}, fmt.Errorf("no peers available for initiator election")
	}

	// Sort by:
	// 1. Host (lexicographically)
	// 2. Port
	// 3. Raw descriptor - tie-breaker for duplicate hosts
	candidates := make([]resolver.NodeDescriptor, len(peers))
	copy(candidates, peers)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Host == candidates[j].Host {
			if candidates[i].Port == candidates[j].Port {
				return candidates[i].Raw < candidates[j].Raw
			}
			return candidates[i].Port < candidates[j].Port
		}
		return candidates[i].Host < candidates[j].Host
	})

	elected := candidates[0]

	klog.InfoS("Elected bootstrap initiator",
		"initiator", elected.Host,
		"candidates", len(candidates),
		"reason", electionReason(candidates))

	d.mu.Lock()
	d.current = &elected
	d.mu.Unlock()

	return elected, nil
}

// IsInitiator reports whether the local node won the last election.
func (d *DeterministicStrategy) IsInitiator() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.current == nil {
		return false
	}
	return d.current.Host == d.localName
}

// Name returns the strategy name.
func (d *DeterministicStrategy) Name() string {
	return "deterministic"
}

// electionReason explains why the elected initiator was chosen.
func electionReason(sorted []resolver.NodeDescriptor) string {
	if len(sorted) < 2 {
		return "only candidate"
	}

	elected := sorted[0]
	runner := sorted[1]

	if elected.Host != runner.Host {
		return fmt.Sprintf("first host in sorted peer set (%s < %s)", elected.Host, runner.Host)
	}
	if elected.Port != runner.Port {
		return fmt.Sprintf("tie-breaker: port (%d < %d)", elected.Port, runner.Port)
	}
	return fmt.Sprintf("tie-breaker: raw descriptor (%s < %s)", elected.Raw, runner.Raw)
}
