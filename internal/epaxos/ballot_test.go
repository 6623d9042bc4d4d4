package epaxos

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBallotOrdering(t *testing.T) {
	assert.Equal(t, -1, Ballot{0, 0}.Compare(Ballot{0, 1}))
	assert.Equal(t, -1, Ballot{0, 4}.Compare(Ballot{1, 0}))
	assert.Equal(t, 0, Ballot{2, 3}.Compare(Ballot{2, 3}))
	assert.Equal(t, 1, Ballot{2, 3}.Compare(Ballot{2, 2}))

	assert.True(t, Ballot{1, 2}.Less(Ballot{1, 3}))
	assert.False(t, Ballot{1, 3}.Less(Ballot{1, 2}))
}

func TestNullBallotIsSmallest(t *testing.T) {
	assert.True(t, NullBallot.Less(DefaultBallot(0)))
	assert.True(t, NullBallot.Less(Ballot{0, 0}))
	assert.False(t, DefaultBallot(0).Less(NullBallot))
}

func TestBallotInc(t *testing.T) {
	b := NullBallot.Inc(3)
	assert.Equal(t, Ballot{0, 3}, b)
	assert.True(t, NullBallot.Less(b))

	next := DefaultBallot(0).Inc(2)
	assert.Equal(t, Ballot{1, 2}, next)
	assert.True(t, DefaultBallot(0).Less(next))
	assert.True(t, next.Less(next.Inc(1)))
}

func TestDefaultBallot(t *testing.T) {
	b := DefaultBallot(2)
	assert.True(t, b.IsDefault(2))
	assert.False(t, b.IsDefault(1))
	assert.False(t, Ballot{1, 2}.IsDefault(2))
}

func TestMaxBallot(t *testing.T) {
	a, b := Ballot{1, 2}, Ballot{1, 3}
	assert.Equal(t, b, MaxBallot(a, b))
	assert.Equal(t, b, MaxBallot(b, a))
	assert.Equal(t, a, MaxBallot(a, a))
}
