package outcome

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowsOf(addrs ...string) []Row {
	out := make([]Row, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, Row{Address: a})
	}
	return out
}

func TestNewStoreReindexesAndCopies(t *testing.T) {
	in := []Row{
		{Index: 7, Address: "+1", Fields: map[string]string{"name": "a"}},
		{Index: 3, Address: "+2"},
	}
	s := NewStore(in)
	in[0].Fields["name"] = "mutated"

	rows := s.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, 0, rows[0].Index)
	assert.Equal(t, 1, rows[1].Index)
	assert.Equal(t, "a", rows[0].Fields["name"])
}

func TestPendingKeepsOriginalOrder(t *testing.T) {
	s := NewStore(rowsOf("A", "B", "C", "D"))
	require.True(t, s.Set(1, Sent))
	require.True(t, s.Set(2, Failed))

	assert.Equal(t, []int{0, 3}, s.Pending())

	next, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "A", next.Address)
}

func TestSetIsIdempotent(t *testing.T) {
	s := NewStore(rowsOf("A"))

	assert.True(t, s.Set(0, Sent))
	assert.False(t, s.Set(0, Sent), "repeating the same outcome must be a no-op")

	r, ok := s.Get(0)
	require.True(t, ok)
	assert.Equal(t, Sent, r.Outcome)
	assert.Equal(t, Counts{Sent: 1}, s.Counts())
}

func TestSetNeverOverwritesTerminal(t *testing.T) {
	s := NewStore(rowsOf("A", "B"))
	require.True(t, s.Set(0, Sent))
	require.True(t, s.Set(1, Failed))

	assert.False(t, s.Set(0, Failed))
	assert.False(t, s.Set(0, Pending))
	assert.False(t, s.Set(1, Sent))
	assert.Equal(t, Counts{Sent: 1, Failed: 1}, s.Counts())

	// a requeued row can be recorded again
	require.True(t, s.Requeue(1))
	assert.True(t, s.Set(1, Sent))
	assert.Equal(t, Counts{Sent: 2}, s.Counts())
}

func TestSetOutOfRangeIgnored(t *testing.T) {
	s := NewStore(rowsOf("A"))
	assert.False(t, s.Set(-1, Sent))
	assert.False(t, s.Set(1, Sent))
	assert.Equal(t, Counts{Pending: 1}, s.Counts())
}

func TestRequeueOnlyTouchesFailed(t *testing.T) {
	s := NewStore(rowsOf("A", "B", "C"))
	s.Set(0, Sent)
	s.Set(1, Failed)
	s.Set(2, Failed)

	assert.False(t, s.Requeue(0))
	assert.True(t, s.Requeue(1))
	assert.Equal(t, 1, s.RequeueFailed())
	assert.Equal(t, []int{1, 2}, s.Pending())
}

func TestNoPendingAfterAllTerminal(t *testing.T) {
	s := NewStore(rowsOf("A", "B"))
	s.Set(0, Sent)
	s.Set(1, Failed)

	_, ok := s.Next()
	assert.False(t, ok)
	assert.False(t, s.HasPending())
	assert.Equal(t, 2, s.Counts().Total())
}

func TestOutcomeCodes(t *testing.T) {
	assert.Equal(t, "1", Sent.Code())
	assert.Equal(t, "0", Failed.Code())
	assert.Equal(t, "", Pending.Code())
	assert.Equal(t, "failed", Failed.String())
	assert.True(t, Sent.Terminal())
	assert.False(t, Pending.Terminal())
}
