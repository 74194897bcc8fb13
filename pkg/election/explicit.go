package election

import (
	"fmt"

	"github.com/niceos-labs/redis-cluster-bootstrap/pkg/resolver"
	"k8s.io/klog/v2"
)

// ExplicitStrategy honors an operator-designated initiator. The deployment
// must set the flag on exactly one node; this strategy cannot detect a
// second designated initiator elsewhere.
type ExplicitStrategy struct {
	localName string
	initiator bool
}

// NewExplicitStrategy creates a strategy that reports the configured
// designation as-is.
func NewExplicitStrategy(localName string, initiator bool) *ExplicitStrategy {
	return &ExplicitStrategy{localName: localName, initiator: initiator}
}

// ElectInitiator returns the local descriptor when designated. A
// non-designated node has no way to know who the initiator is and gets a
// zero descriptor; it only needs to know it is not the one.
func (e *ExplicitStrategy) ElectInitiator(peers []resolver.NodeDescriptor) (resolver.NodeDescriptor, error) {
	if !e.initiator {
		return resolver.NodeDescriptor{}, nil
	}
	for _, peer := range peers {
		if peer.Host == e.localName {
			klog.InfoS("Using explicitly designated initiator", "initiator", e.localName)
			return peer, nil
		}
	}
	return resolver.NodeDescriptor{}, fmt.Errorf("designated initiator %s not present in peer list", e.localName)
}

// IsInitiator reports the configured designation.
func (e *ExplicitStrategy) IsInitiator() bool {
	return e.initiator
}

// Name returns the strategy name.
func (e *ExplicitStrategy) Name() string {
	return "explicit"
}
