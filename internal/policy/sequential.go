package policy

import (
	"github.com/mini-dynamo/bboard/internal/wire"
	"github.com/mini-dynamo/bboard/pkg/types"
)

// Sequential is the default policy: every write funnels through the
// coordinator, which applies it to every replica in the same total
// order before acknowledging. Reads and chooses are purely local and
// may lag until fan-out completes.
type Sequential struct {
	deps Deps
}

func (s *Sequential) Name() types.Policy { return types.PolicySequential }

func (s *Sequential) Post(f wire.Frame) string { return forwardWrite(s.deps, f) }

func (s *Sequential) Read(page int) ([]*types.Message, error) {
	return s.deps.Store.Page(page), nil
}

func (s *Sequential) Choose(id int) (*types.Message, error) {
	return s.deps.Store.GetByID(id)
}
