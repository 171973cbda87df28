package lobby

import (
	"iter"
	"slices"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

// FriendSnapshot is one read of the friend list. Iteration order is the
// order the presence service returned and is stable for the snapshot.
type FriendSnapshot struct {
	entries []protocol.FriendEntry
}

func NewFriendSnapshot(entries []protocol.FriendEntry) FriendSnapshot {
	return FriendSnapshot{entries: slices.Clone(entries)}
}

func (s FriendSnapshot) Len() int { return len(s.entries) }

func (s FriendSnapshot) All() iter.Seq[protocol.FriendEntry] {
	return slices.Values(s.entries)
}

// Joinable yields friends playing app with an open lobby. The filter runs
// as the sequence is consumed and the sequence can be ranged again.
func (s FriendSnapshot) Joinable(app protocol.AppID) iter.Seq[protocol.FriendEntry] {
	return func(yield func(protocol.FriendEntry) bool) {
		for _, f := range s.entries {
			if !f.Joinable(app) {
				continue
			}
			if !yield(f) {
				return
			}
		}
	}
}

func (s FriendSnapshot) Lookup(id protocol.FriendID) (protocol.FriendEntry, bool) {
	for _, f := range s.entries {
		if f.ID == id {
			return f, true
		}
	}
	return protocol.FriendEntry{}, false
}
