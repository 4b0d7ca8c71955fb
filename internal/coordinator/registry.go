package coordinator

import (
	"sync"

	"github.com/mini-dynamo/bboard/pkg/types"
)

// Registry is the primary's replica directory: ordered by assigned
// id starting at 0, unbounded. There is no removal — membership is
// fixed for the process lifetime.
type Registry struct {
	mu       sync.RWMutex
	replicas []types.ReplicaInfo
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register assigns the next sequential id to a newly connecting
// replica at addr and stores the entry.
func (r *Registry) Register(addr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := len(r.replicas)
	r.replicas = append(r.replicas, types.ReplicaInfo{ID: id, Addr: addr})
	return id
}

// All returns a copy of the registry in assignment order.
func (r *Registry) All() []types.ReplicaInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ReplicaInfo, len(r.replicas))
	copy(out, r.replicas)
	return out
}

// Len returns the number of registered replicas — the N the quorum
// floors are computed against.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.replicas)
}

// Get returns the registry entry for id.
func (r *Registry) Get(id int) (types.ReplicaInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || id >= len(r.replicas) {
		return types.ReplicaInfo{}, false
	}
	return r.replicas[id], true
}

// SetLastKnownVersion records that replica id is known to have
// applied up through version — fan_out consults this to skip
// replicas that already hold the new message.
func (r *Registry) SetLastKnownVersion(id, version int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id >= 0 && id < len(r.replicas) && version > r.replicas[id].LastKnownVersion {
		r.replicas[id].LastKnownVersion = version
	}
}
