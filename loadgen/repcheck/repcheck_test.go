package repcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpList_SimpleSequentialMatch(t *testing.T) {
	list := NewOpList()
	checker := list.RegisterChecker()

	list.Append(OpAdd, "uid=1,o=x")
	list.Append(OpAdd, "uid=2,o=x")

	c1 := checker.Observe(Record{Kind: OpAdd, Result: 0, DN: "uid=1,o=x"})
	c2 := checker.Observe(Record{Kind: OpAdd, Result: 0, DN: "uid=2,o=x"})

	assert.Equal(t, ClassMatched, c1)
	assert.Equal(t, ClassMatched, c2)
}

func TestOpList_NotOnList(t *testing.T) {
	list := NewOpList()
	checker := list.RegisterChecker()
	list.Append(OpAdd, "uid=1,o=x")

	c := checker.Observe(Record{Kind: OpAdd, Result: 0, DN: "uid=never-issued,o=x"})
	assert.Equal(t, ClassNotOnList, c)
}

func TestOpList_ReplicaFailedBuckets(t *testing.T) {
	list := NewOpList()
	checker := list.RegisterChecker()
	list.Append(OpAdd, "uid=1,o=x")

	c := checker.Observe(Record{Kind: OpAdd, Result: 32, DN: "uid=1,o=x"})
	assert.Equal(t, ClassReplicaFailed32, c)

	n, _, _ := checker.Failures()
	assert.EqualValues(t, 1, n)
}

// TestOpList_SwapPairEarlyThenLate exercises the scenario-6 pattern:
// one pair of consecutive ops delivered out of order produces one
// early classification (the one that jumps ahead) and one late
// classification (the one that arrives behind its turn), with every
// other record matching directly.
func TestOpList_SwapPairEarlyThenLate(t *testing.T) {
	list := NewOpList()
	checker := list.RegisterChecker()

	list.Append(OpAdd, "uid=1,o=x")
	list.Append(OpAdd, "uid=2,o=x")
	list.Append(OpAdd, "uid=3,o=x")
	list.Append(OpAdd, "uid=4,o=x")

	var got []Classification

	// deliver: 2, 1 (swapped pair), then 3, 4 in order
	got = append(got, checker.Observe(Record{Kind: OpAdd, DN: "uid=2,o=x"}))
	got = append(got, checker.Observe(Record{Kind: OpAdd, DN: "uid=1,o=x"}))
	got = append(got, checker.Observe(Record{Kind: OpAdd, DN: "uid=3,o=x"}))
	got = append(got, checker.Observe(Record{Kind: OpAdd, DN: "uid=4,o=x"}))

	require.Equal(t, []Classification{ClassEarly, ClassLate, ClassMatched, ClassMatched}, got)
}

func TestChecker_FinalizeReportsStillOnQueueAndLost(t *testing.T) {
	list := NewOpList()
	checker := list.RegisterChecker()

	list.Append(OpAdd, "uid=1,o=x")
	list.Append(OpAdd, "uid=2,o=x")
	list.Append(OpAdd, "uid=3,o=x")

	// only the second op is ever delivered, and only by jumping ahead
	// of the first (so the first ends up in the late list, never
	// claimed); the third is never delivered, so it is still queued.
	require.Equal(t, ClassEarly, checker.Observe(Record{Kind: OpAdd, DN: "uid=2,o=x"}))

	var reported []Classification
	checker.Finalize(func(class Classification, kind OpKind, dn string) {
		reported = append(reported, class)
	})

	assert.Contains(t, reported, ClassStillOnQueue)
	assert.Contains(t, reported, ClassLost)
	assert.True(t, checker.Dead())
}

func TestOpList_CheckersDone(t *testing.T) {
	list := NewOpList()
	assert.True(t, list.CheckersDone(), "vacuously true with no checkers registered")

	c1 := list.RegisterChecker()
	c2 := list.RegisterChecker()
	assert.False(t, list.CheckersDone())

	c1.Finalize(func(Classification, OpKind, string) {})
	assert.False(t, list.CheckersDone(), "c2 still live")

	c2.Finalize(func(Classification, OpKind, string) {})
	assert.True(t, list.CheckersDone())
}

func TestOpList_RefcountPrunesAfterAllCheckersPass(t *testing.T) {
	list := NewOpList()
	c1 := list.RegisterChecker()
	c2 := list.RegisterChecker()

	list.Append(OpAdd, "uid=1,o=x")

	require.Equal(t, ClassMatched, c1.Observe(Record{Kind: OpAdd, DN: "uid=1,o=x"}))
	// one checker has passed the node, the other has not: list.head
	// must still be reachable via c2's own cursor regardless of
	// whether it has been unlinked from list.head.
	require.Equal(t, ClassMatched, c2.Observe(Record{Kind: OpAdd, DN: "uid=1,o=x"}))
}
