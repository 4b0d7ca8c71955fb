// Package board implements the in-memory threaded message store every
// replica hosts. It is the one piece of state every policy and the
// coordinator ultimately reads or writes through.
package board

import (
	"errors"
	"sync"

	"github.com/mini-dynamo/bboard/pkg/types"
)

// ErrParentMissing is returned by Insert when a REPLY's parent_id
// doesn't resolve to a message already present in the store.
var ErrParentMissing = errors.New("board: parent message not found")

// ErrNotFound is returned by GetByID for an unknown id.
var ErrNotFound = errors.New("board: message not found")

// PageSize is the number of messages returned per Page call.
const PageSize = 5

// Store is a forest of POST roots, each with a subtree of REPLY
// descendants, plus a flat id index for O(1) lookup. All mutation
// goes through a single mutex — insert is the only writer, so readers
// always observe either the pre- or post-insert state of a message,
// never a half-built reply.
type Store struct {
	mu      sync.RWMutex
	roots   []*types.Message
	byID    map[int]*types.Message
	version int
}

// New creates an empty store.
func New() *Store {
	return &Store{byID: make(map[int]*types.Message)}
}

// Insert adds msg to the store. POST messages become new roots;
// REPLY messages are appended to their parent's Replies. version is
// advanced to max(version, msg.ID) regardless of kind.
func (s *Store) Insert(msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Kind == types.KindReply {
		parent, ok := s.byID[msg.ParentID]
		if !ok {
			return ErrParentMissing
		}
		parent.Replies = append(parent.Replies, msg)
	} else {
		s.roots = append(s.roots, msg)
	}

	s.byID[msg.ID] = msg
	if msg.ID > s.version {
		s.version = msg.ID
	}
	return nil
}

// Has reports whether id is already present — used by the quorum
// sync loop, which applies an incoming update only if it is currently
// absent.
func (s *Store) Has(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// GetByID returns the message with the given id, or ErrNotFound.
func (s *Store) GetByID(id int) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// Version returns the highest message id ever written to this store.
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Count returns the total number of messages (posts and replies).
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Stats returns a snapshot of the store's size and version.
func (s *Store) Stats() types.BoardStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.BoardStats{MessageCount: len(s.byID), Version: s.version}
}

// threadedLocked appends the pre-order DFS of the forest (each
// message followed by its reply subtree) to out. Caller must hold at
// least a read lock.
func threadedLocked(nodes []*types.Message, out []*types.Message) []*types.Message {
	for _, n := range nodes {
		out = append(out, n)
		out = threadedLocked(n.Replies, out)
	}
	return out
}

// Threaded returns the full pre-order DFS view of the forest.
func (s *Store) Threaded() []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return threadedLocked(s.roots, make([]*types.Message, 0, len(s.byID)))
}

// Page returns up to PageSize consecutive messages from the threaded
// view starting at offset PageSize*n. An empty slice is returned once
// PageSize*n is past the end.
func (s *Store) Page(n int) []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := threadedLocked(s.roots, make([]*types.Message, 0, len(s.byID)))
	start := PageSize * n
	if start >= len(all) {
		return nil
	}
	end := start + PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

// RangeFrom returns every message with id >= startID, in threaded
// order — used by replica-to-replica transfer (from id 1, i.e. the
// whole store) and by the quorum sync loop's pull of ids it has not
// broadcast yet.
func (s *Store) RangeFrom(startID int) []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := threadedLocked(s.roots, make([]*types.Message, 0, len(s.byID)))
	out := make([]*types.Message, 0, len(all))
	for _, m := range all {
		if m.ID >= startID {
			out = append(out, m)
		}
	}
	return out
}
