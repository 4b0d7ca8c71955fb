// Package policy layers per-policy preconditions onto the replica's
// local read/write operations. A replica is instantiated with exactly
// one Policy; the replica core routes every client request through it.
//
// The default behavior all three policies start from: writes are
// forwarded raw to the coordinator and the coordinator's success code
// is relayed; reads and chooses are served locally with no
// coordination. Quorum overrides the read side, RYW overrides both.
package policy

import (
	"log"

	"github.com/mini-dynamo/bboard/internal/board"
	"github.com/mini-dynamo/bboard/internal/netutil"
	"github.com/mini-dynamo/bboard/internal/wire"
	"github.com/mini-dynamo/bboard/pkg/types"
)

// Deps is the capability record handed to every policy: the local
// store, the shared dialer, the coordinator's address, and the id this
// replica was assigned at registration.
type Deps struct {
	Store     *board.Store
	Dialer    *netutil.Dialer
	CoordAddr string
	SelfID    int
}

// Policy is the per-consistency-policy hook set around local
// operations. Post returns the reply line for the client ("0" on
// success, "1" on failure). Read and Choose may perform a network
// dialog with the coordinator before touching the local store.
type Policy interface {
	Name() types.Policy
	Post(f wire.Frame) string
	Read(page int) ([]*types.Message, error)
	Choose(id int) (*types.Message, error)
}

// New constructs the policy implementation for tag. Unknown tags fall
// back to sequential; the caller is expected to have warned already.
func New(tag types.Policy, deps Deps) Policy {
	switch tag {
	case types.PolicyQuorum:
		return &Quorum{deps: deps}
	case types.PolicyRYW:
		return &ReadYourWrites{deps: deps}
	default:
		return &Sequential{deps: deps}
	}
}

// forwardWrite ships the raw client frame to the coordinator and
// relays its success code. Transport failures surface as "1" — errors
// never cross the wire as anything but codes or text.
func forwardWrite(deps Deps, f wire.Frame) string {
	reply, err := deps.Dialer.Exchange(deps.CoordAddr, f.String())
	if err != nil {
		log.Printf("policy: forward %s to coordinator: %v", f.Tag, err)
		return "1"
	}
	return reply
}
