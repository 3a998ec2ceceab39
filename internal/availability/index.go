package availability

import (
	"sort"
	"sync"
	"time"

	"call-dispatch/internal/agents"
)

// Entry is one idle agent in the index.
type Entry struct {
	AgentID string
	// IdleSince nil ranks ahead of every anchored entry.
	IdleSince *time.Time
	Seq       int64
}

// EntryOf builds the index entry for an agent.
func EntryOf(a agents.Agent) Entry {
	return Entry{AgentID: a.ID, IdleSince: a.IdleSince, Seq: a.Seq}
}

// Less is the index order: never-busy first, then the oldest anchor, then the lowest registration seq.
func Less(a, b Entry) bool {
	switch {
	case a.IdleSince == nil && b.IdleSince != nil:
		return true
	case a.IdleSince != nil && b.IdleSince == nil:
		return false
	case a.IdleSince != nil && b.IdleSince != nil && !a.IdleSince.Equal(*b.IdleSince):
		return a.IdleSince.Before(*b.IdleSince)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.AgentID < b.AgentID
}

// Index is the in-memory availability index of one tenant.
// It is safe for concurrent use; claims still re-validate the agent at CAS time.
type Index struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]Entry
}

func NewIndex() *Index {
	return &Index{byID: map[string]Entry{}}
}

// Admit inserts e, replacing any previous entry for the same agent.
func (x *Index) Admit(e Entry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if old, ok := x.byID[e.AgentID]; ok {
		x.removeLocked(old)
	}
	i := sort.Search(len(x.entries), func(i int) bool { return Less(e, x.entries[i]) })
	x.entries = append(x.entries, Entry{})
	copy(x.entries[i+1:], x.entries[i:])
	x.entries[i] = e
	x.byID[e.AgentID] = e
}

// Withdraw removes an agent. It reports whether the agent was present.
func (x *Index) Withdraw(agentID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.byID[agentID]
	if !ok {
		return false
	}
	x.removeLocked(e)
	return true
}

func (x *Index) removeLocked(e Entry) {
	i := sort.Search(len(x.entries), func(i int) bool { return !Less(x.entries[i], e) })
	for ; i < len(x.entries); i++ {
		if x.entries[i].AgentID == e.AgentID {
			x.entries = append(x.entries[:i], x.entries[i+1:]...)
			break
		}
	}
	delete(x.byID, e.AgentID)
}

func (x *Index) PeekBest() (Entry, bool) {
	return x.PeekBestExcluding(nil)
}

// PeekBestExcluding returns the best entry whose agent is not in exclude.
func (x *Index) PeekBestExcluding(exclude map[string]struct{}) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, e := range x.entries {
		if _, skip := exclude[e.AgentID]; skip {
			continue
		}
		return e, true
	}
	return Entry{}, false
}

func (x *Index) Contains(agentID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.byID[agentID]
	return ok
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// List returns the entries in index order.
func (x *Index) List() []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Entry, len(x.entries))
	copy(out, x.entries)
	return out
}
