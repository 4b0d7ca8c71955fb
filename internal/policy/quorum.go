package policy

import (
	"fmt"

	"github.com/mini-dynamo/bboard/internal/wire"
	"github.com/mini-dynamo/bboard/pkg/types"
)

// Quorum forwards writes like sequential but precedes every read with
// a QUORUM_READ handshake: the coordinator assembles a read quorum,
// finds its freshest member, and has it push its range to this replica
// before answering OK. Only then is the local store consulted, so a
// read that follows a quorum-committed write observes it.
type Quorum struct {
	deps Deps
}

func (q *Quorum) Name() types.Policy { return types.PolicyQuorum }

func (q *Quorum) Post(f wire.Frame) string { return forwardWrite(q.deps, f) }

// refresh runs the read-quorum step. An error means the precondition
// could not be established and the read must not be served.
func (q *Quorum) refresh() error {
	reply, err := q.deps.Dialer.Exchange(q.deps.CoordAddr, wire.EncodeQuorumRead(q.deps.SelfID))
	if err != nil {
		return fmt.Errorf("policy: quorum read: %w", err)
	}
	if reply != wire.ReplyOK {
		return fmt.Errorf("policy: quorum read refused: %s", reply)
	}
	return nil
}

func (q *Quorum) Read(page int) ([]*types.Message, error) {
	if err := q.refresh(); err != nil {
		return nil, err
	}
	return q.deps.Store.Page(page), nil
}

func (q *Quorum) Choose(id int) (*types.Message, error) {
	if err := q.refresh(); err != nil {
		return nil, err
	}
	return q.deps.Store.GetByID(id)
}
