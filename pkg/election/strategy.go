package election

import (
	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/resolver"
)

// Strategy decides which node issues the one-time cluster-formation
// command. Exactly one node in the peer set may be the initiator, and every
// node must reach the same answer without coordination, because the
// decision happens before any cluster (or consensus transport) exists.
type Strategy interface {
	// ElectInitiator picks the initiator from the configured peer set
	// and records the result.
	ElectInitiator(peers []resolver.NodeDescriptor) (resolver.NodeDescriptor, error)

	// IsInitiator reports whether the local node won the last election.
	IsInitiator() bool

	Name() string
}
