package server

import (
	"errors"

	"github.com/driftworks/fleethub/proto"
)

// ErrStoreUnavailable is returned by store implementations whose backing
// cache is unreachable. It fails the single poll or publish that hit it;
// nothing is retried here.
var ErrStoreUnavailable = errors.New("recent message store unavailable")

// StoreQuery selects recent messages of one kind. Keys are route keys:
// device guids, or command ids for command_update queries. Nil Keys or Names
// means unrestricted.
type StoreQuery struct {
	Kind  proto.Kind
	Keys  []string
	Names []string
	Since int64 // exclusive lower bound on timestamp; 0 means everything retained
	Limit int
}

// RecentMessageStore is the cluster-wide window of recently published
// messages that answers catch-up queries. Implementations may silently drop
// entries past their retention window; callers never assume unlimited
// retention.
type RecentMessageStore interface {
	// Put records the message. Idempotent by (kind, id).
	Put(msg proto.Message) error
	// Query returns matching messages newest-first, capped at Limit.
	Query(q StoreQuery) ([]proto.Message, error)
}
