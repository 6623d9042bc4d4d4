package epaxos

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceSetOrderedIteration(t *testing.T) {
	s := NewInstanceSet(
		Instance{2, 0},
		Instance{0, 1},
		Instance{0, 0},
		Instance{1, 5},
	)
	assert.Equal(t, []Instance{{0, 0}, {0, 1}, {1, 5}, {2, 0}}, s.Slice())
}

func TestInstanceSetUnionAndEqual(t *testing.T) {
	a := NewInstanceSet(Instance{0, 0}, Instance{1, 0})
	b := NewInstanceSet(Instance{1, 0}, Instance{2, 0})

	a.Union(b)
	assert.Equal(t, 3, a.Len())
	assert.True(t, a.Contains(Instance{2, 0}))

	assert.True(t, NewInstanceSet(Instance{0, 0}).Equal(NewInstanceSet(Instance{0, 0})))
	assert.False(t, NewInstanceSet(Instance{0, 0}).Equal(NewInstanceSet(Instance{0, 1})))
	assert.False(t, NewInstanceSet().Equal(NewInstanceSet(Instance{0, 0})))
}

func TestInstanceSetJSON(t *testing.T) {
	s := NewInstanceSet(Instance{1, 0}, Instance{0, 3})
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded InstanceSet
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, s.Equal(&decoded))
}
