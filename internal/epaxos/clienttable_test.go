package epaxos

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientTableDedup(t *testing.T) {
	table := make(clientTable)
	key := clientKey{addr: "c", pseudonym: "p"}

	dup, cached := table.executedBefore(key, 1)
	assert.False(t, dup)
	assert.Nil(t, cached)

	table.record(key, 1, []byte("one"))

	// Exact retry gets the cached result.
	dup, cached = table.executedBefore(key, 1)
	assert.True(t, dup)
	assert.Equal(t, []byte("one"), cached)

	// Newer command is not a duplicate.
	dup, _ = table.executedBefore(key, 2)
	assert.False(t, dup)

	table.record(key, 2, []byte("two"))

	// Older ids are duplicates but their results are gone.
	dup, cached = table.executedBefore(key, 1)
	assert.True(t, dup)
	assert.Nil(t, cached)

	// Out-of-order record of an old id does not regress the table.
	table.record(key, 1, []byte("stale"))
	dup, cached = table.executedBefore(key, 2)
	assert.True(t, dup)
	assert.Equal(t, []byte("two"), cached)
}

func TestClientTableSessionsAreIndependent(t *testing.T) {
	table := make(clientTable)
	a := clientKey{addr: "c", pseudonym: "a"}
	b := clientKey{addr: "c", pseudonym: "b"}

	table.record(a, 5, []byte("five"))

	dup, _ := table.executedBefore(b, 1)
	assert.False(t, dup)
}
