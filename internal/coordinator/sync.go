package coordinator

import (
	"log"
	"sort"
	"time"

	"github.com/mini-dynamo/bboard/internal/wire"
)

// syncLoop is the quorum policy's periodic healing task. Every
// interval it checks whether writes were committed since the last
// round and, if so, pulls the missed range from a write-quorum's worth
// of replicas, unions the results, and broadcasts the combined batch
// to every replica. Replicas apply each incoming update only if it is
// currently absent, so rebroadcast is harmless.
func (c *Coordinator) syncLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runSync()
		}
	}
}

func (c *Coordinator) runSync() {
	c.mu.Lock()
	start, target := c.lastSent+1, c.nextID
	c.mu.Unlock()
	if start > target {
		return
	}

	all := c.registry.All()
	if len(all) == 0 {
		return
	}
	nw, _ := c.quorumSizes()
	sources := permute(all, c.nextOpSeq())[:nw]

	// Union of updates across the sampled sources, keyed by id. Any
	// quorum-committed write is held by at least one member of any
	// write-quorum-sized sample.
	merged := make(map[int]string)
	for _, src := range sources {
		lines, err := c.dialer.RequestLines(src.Addr, wire.EncodeSendUpdates(start))
		if err != nil {
			log.Printf("coordinator: sync pull from replica %d: %v", src.ID, err)
			continue
		}
		for _, line := range lines {
			f, err := wire.Parse(line)
			if err != nil {
				continue
			}
			dm, err := wire.DecodeMessage(f)
			if err != nil || !dm.HasID {
				continue
			}
			merged[dm.ID] = line
		}
	}

	if len(merged) > 0 {
		ids := make([]int, 0, len(merged))
		for id := range merged {
			ids = append(ids, id)
		}
		// Ascending id order keeps parents ahead of their replies: a
		// reply's id is always greater than its parent's.
		sort.Ints(ids)
		lines := make([]string, len(ids))
		for i, id := range ids {
			lines[i] = merged[id]
		}
		maxID := ids[len(ids)-1]

		for _, rep := range all {
			reply, err := c.dialer.ExchangeLines(rep.Addr, "", lines)
			if err != nil {
				log.Printf("coordinator: sync broadcast to replica %d: %v", rep.ID, err)
				continue
			}
			if reply != wire.ReplyOK {
				log.Printf("coordinator: sync broadcast rejected by replica %d: %s", rep.ID, reply)
				continue
			}
			c.registry.SetLastKnownVersion(rep.ID, maxID)
		}
		log.Printf("coordinator: sync broadcast %d updates (ids %d..%d)", len(lines), ids[0], maxID)
	}

	c.mu.Lock()
	if target > c.lastSent {
		c.lastSent = target
	}
	c.mu.Unlock()
}
