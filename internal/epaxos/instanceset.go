package epaxos

import (
	"encoding/json"

	"github.com/emirpasic/gods/sets/treeset"
)

func instanceComparator(a, b interface{}) int {
	return CompareInstances(a.(Instance), b.(Instance))
}

// InstanceSet is an ordered set of instances. Dependency sets are iterated in
// (Leader, Number) order everywhere, so graph traversals and the wire encoding
// are identical on every replica.
type InstanceSet struct {
	set *treeset.Set
}

// NewInstanceSet returns a set containing the given members.
func NewInstanceSet(members ...Instance) *InstanceSet {
	s := &InstanceSet{set: treeset.NewWith(instanceComparator)}
	for _, m := range members {
		s.set.Add(m)
	}
	return s
}

func (s *InstanceSet) Add(i Instance) {
	s.set.Add(i)
}

func (s *InstanceSet) Remove(i Instance) {
	s.set.Remove(i)
}

func (s *InstanceSet) Contains(i Instance) bool {
	return s.set.Contains(i)
}

func (s *InstanceSet) Len() int {
	return s.set.Size()
}

// Union adds every member of o to s.
func (s *InstanceSet) Union(o *InstanceSet) {
	if o == nil {
		return
	}
	o.set.Each(func(_ int, v interface{}) {
		s.set.Add(v)
	})
}

// Each calls fn for every member in (Leader, Number) order.
func (s *InstanceSet) Each(fn func(Instance)) {
	s.set.Each(func(_ int, v interface{}) {
		fn(v.(Instance))
	})
}

// Slice returns the members in (Leader, Number) order.
func (s *InstanceSet) Slice() []Instance {
	out := make([]Instance, 0, s.set.Size())
	s.set.Each(func(_ int, v interface{}) {
		out = append(out, v.(Instance))
	})
	return out
}

func (s *InstanceSet) Clone() *InstanceSet {
	return NewInstanceSet(s.Slice()...)
}

// Equal reports whether both sets have exactly the same members. Fast-path
// matching compares dependency sets with this.
func (s *InstanceSet) Equal(o *InstanceSet) bool {
	if s.Len() != o.Len() {
		return false
	}
	a, b := s.Slice(), o.Slice()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted array.
func (s *InstanceSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *InstanceSet) UnmarshalJSON(data []byte) error {
	var members []Instance
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	s.set = treeset.NewWith(instanceComparator)
	for _, m := range members {
		s.set.Add(m)
	}
	return nil
}
