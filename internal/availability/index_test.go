package availability

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func TestIndex_LongestIdleFirst(t *testing.T) {
	x := NewIndex()
	x.Admit(Entry{AgentID: "recent", IdleSince: at(300), Seq: 1})
	x.Admit(Entry{AgentID: "oldest", IdleSince: at(100), Seq: 2})
	x.Admit(Entry{AgentID: "middle", IdleSince: at(200), Seq: 3})

	best, ok := x.PeekBest()
	require.True(t, ok)
	assert.Equal(t, "oldest", best.AgentID)

	ids := []string{}
	for _, e := range x.List() {
		ids = append(ids, e.AgentID)
	}
	assert.Equal(t, []string{"oldest", "middle", "recent"}, ids)
}

func TestIndex_NeverBusyRanksFirstAndTiesBreakOnSeq(t *testing.T) {
	x := NewIndex()
	x.Admit(Entry{AgentID: "anchored", IdleSince: at(1), Seq: 1})
	x.Admit(Entry{AgentID: "never-b", Seq: 5})
	x.Admit(Entry{AgentID: "never-a", Seq: 3})
	x.Admit(Entry{AgentID: "tie-late", IdleSince: at(1), Seq: 9})

	got := []string{}
	for _, e := range x.List() {
		got = append(got, e.AgentID)
	}
	assert.Equal(t, []string{"never-a", "never-b", "anchored", "tie-late"}, got)
}

func TestIndex_WithdrawAndReadmit(t *testing.T) {
	x := NewIndex()
	x.Admit(Entry{AgentID: "a", Seq: 1})
	x.Admit(Entry{AgentID: "b", Seq: 2})

	assert.True(t, x.Withdraw("a"))
	assert.False(t, x.Withdraw("a"))
	assert.False(t, x.Contains("a"))

	x.Admit(Entry{AgentID: "a", IdleSince: at(50), Seq: 1})
	best, _ := x.PeekBest()
	assert.Equal(t, "b", best.AgentID, "never-busy b outranks a after a finished a call")
	assert.Equal(t, 2, x.Len())

	// Re-admitting the same agent replaces its entry.
	x.Admit(Entry{AgentID: "a", IdleSince: at(60), Seq: 1})
	assert.Equal(t, 2, x.Len())
}

func TestIndex_PeekBestExcluding(t *testing.T) {
	x := NewIndex()
	x.Admit(Entry{AgentID: "a", Seq: 1})
	x.Admit(Entry{AgentID: "b", Seq: 2})

	e, ok := x.PeekBestExcluding(map[string]struct{}{"a": {}})
	require.True(t, ok)
	assert.Equal(t, "b", e.AgentID)

	_, ok = x.PeekBestExcluding(map[string]struct{}{"a": {}, "b": {}})
	assert.False(t, ok)
}

func TestIndex_ConcurrentAdmitWithdraw(t *testing.T) {
	x := NewIndex()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", i)
			x.Admit(Entry{AgentID: id, Seq: int64(i)})
			_, _ = x.PeekBest()
			if i%2 == 0 {
				x.Withdraw(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, x.Len())
	best, ok := x.PeekBest()
	require.True(t, ok)
	assert.Equal(t, "agent-1", best.AgentID)
}
