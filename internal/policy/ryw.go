package policy

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mini-dynamo/bboard/internal/wire"
	"github.com/mini-dynamo/bboard/pkg/types"
)

const (
	checkRetryDelay = 100 * time.Millisecond
	checkRetryLimit = 300
)

// ReadYourWrites serializes all writes through a single token held by
// the coordinator. The write dialog is ACQUIRE_LOCK → GRANT_LOCK →
// UNLOCK + frame; the coordinator assigns the id while the token is
// still held and propagates to every replica — this one included —
// before replying, so a write is visible to its own replica's next
// local read. Reads gate on a CHECK poll that converges once the
// coordinator has pushed any missing updates to this replica.
type ReadYourWrites struct {
	deps Deps
}

func (p *ReadYourWrites) Name() types.Policy { return types.PolicyRYW }

func (p *ReadYourWrites) Post(f wire.Frame) string {
	reply, err := p.deps.Dialer.Exchange(p.deps.CoordAddr, wire.EncodeAcquireLock())
	if err != nil {
		log.Printf("policy: acquire token: %v", err)
		return "1"
	}
	if reply != wire.EncodeGrantLock() {
		log.Printf("policy: expected GRANT_LOCK, got %q", reply)
		return "1"
	}

	// The frame goes up bare; the coordinator stamps the id and echoes
	// it back as "0::id" once fan-out has completed everywhere.
	reply, err = p.deps.Dialer.ExchangeLines(p.deps.CoordAddr, wire.EncodeUnlock(), []string{f.String()})
	if err != nil {
		log.Printf("policy: unlock: %v", err)
		return "1"
	}
	return strings.SplitN(reply, wire.Sep, 2)[0]
}

// settle polls CHECK until the coordinator confirms this replica holds
// every update it knows of. Apart from a replica's start-up
// registration, this is the only automatic retry in the system.
func (p *ReadYourWrites) settle() error {
	for i := 0; i < checkRetryLimit; i++ {
		reply, err := p.deps.Dialer.Exchange(p.deps.CoordAddr,
			wire.EncodeCheck(p.deps.SelfID, p.deps.Store.Version()))
		if err != nil {
			return fmt.Errorf("policy: check: %w", err)
		}
		switch reply {
		case wire.ReplyOK:
			return nil
		case wire.ReplyWait:
			time.Sleep(checkRetryDelay)
		default:
			return fmt.Errorf("policy: check refused: %s", reply)
		}
	}
	return errors.New("policy: check never settled")
}

func (p *ReadYourWrites) Read(page int) ([]*types.Message, error) {
	if err := p.settle(); err != nil {
		return nil, err
	}
	return p.deps.Store.Page(page), nil
}

func (p *ReadYourWrites) Choose(id int) (*types.Message, error) {
	if err := p.settle(); err != nil {
		return nil, err
	}
	return p.deps.Store.GetByID(id)
}
