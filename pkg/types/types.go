// Package types holds the data shapes shared across the board store,
// the wire codec, the policy layer and the coordinator.
package types

import "fmt"

// Kind distinguishes a top-level post from a reply.
type Kind int

const (
	KindPost Kind = iota
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindPost:
		return "POST"
	case KindReply:
		return "REPLY"
	default:
		return "UNKNOWN"
	}
}

// Message is a single bulletin-board entry. ParentID is meaningful
// only when Kind == KindReply. Replies is populated on the in-memory
// tree node that owns this message; it is never carried verbatim over
// the wire — the board store walks it to produce the threaded view.
type Message struct {
	ID       int
	Kind     Kind
	Title    string
	Author   string
	Body     string
	ParentID int
	Replies  []*Message
}

// Policy names the three consistency policies a primary can run.
type Policy string

const (
	PolicySequential Policy = "sequential"
	PolicyQuorum     Policy = "quorum"
	PolicyRYW        Policy = "ryw"
)

// ParsePolicy maps a CLI/registration string to a Policy. For anything
// unrecognized it returns PolicySequential and false; the caller logs
// the "defaults to sequential" warning.
func ParsePolicy(s string) (Policy, bool) {
	switch Policy(s) {
	case PolicySequential, PolicyQuorum, PolicyRYW:
		return Policy(s), true
	default:
		return PolicySequential, false
	}
}

// ReplicaInfo is one entry in the primary's replica registry, ordered
// by assigned ID starting at 0.
type ReplicaInfo struct {
	ID               int
	Addr             string // ip:port the coordinator dials to reach this replica
	LastKnownVersion int
}

func (r ReplicaInfo) String() string {
	return fmt.Sprintf("replica(%d)@%s v=%d", r.ID, r.Addr, r.LastKnownVersion)
}

// BoardStats summarizes a store's contents, surfaced on the admin
// status endpoint.
type BoardStats struct {
	MessageCount int
	Version      int
}
