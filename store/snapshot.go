package store

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Query is applied by the store to the direct children of the subscribed path.
// OrderByChild sorts ascending by the value of the named (possibly nested) child, ties by key.
// LimitToLast keeps only the last n children after sorting, 0 means no limit.
type Query struct {
	OrderByChild string
	LimitToLast  int
}

func (q Query) isZero() bool {
	return q.OrderByChild == "" && q.LimitToLast <= 0
}

// Snapshot is an immutable view of a subtree at the time of the read.
type Snapshot struct {
	path     string
	value    interface{}
	children []*Snapshot
}

// Path returns the full path of the snapshot.
func (s *Snapshot) Path() string {
	return s.path
}

// Key returns the last segment of the path, empty for the root.
func (s *Snapshot) Key() string {
	segs := Split(s.path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func (s *Snapshot) Exists() bool {
	return s.value != nil
}

// Value returns the generic value: nil, string, json.Number, bool or map[string]interface{}.
func (s *Snapshot) Value() interface{} {
	return s.value
}

// Children returns the direct children in query order (key order without a query).
func (s *Snapshot) Children() []*Snapshot {
	return s.children
}

// Child returns the direct child with the given key, or an empty snapshot.
func (s *Snapshot) Child(key string) *Snapshot {
	for _, c := range s.children {
		if c.Key() == key {
			return c
		}
	}
	return &Snapshot{path: Join(s.path, key)}
}

// Decode unmarshals the value into v via its JSON representation.
func (s *Snapshot) Decode(v interface{}) error {
	raw, err := json.Marshal(s.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// MarshalJSON encodes the value, so snapshots can be handed to JSON encoders directly.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.value)
}

// buildSnapshot assembles the leaves read below path into a snapshot and applies the query.
func buildSnapshot(path string, leaves []Leaf, q Query) (*Snapshot, error) {
	var root interface{}
	for _, leaf := range leaves {
		val, err := decodeScalar(leaf.Value)
		if err != nil {
			return nil, err
		}
		rel := relative(path, leaf.Path)
		if rel == "" {
			root = val
			continue
		}
		m, ok := root.(map[string]interface{})
		if !ok {
			m = make(map[string]interface{})
			root = m
		}
		segs := Split(rel)
		for _, seg := range segs[:len(segs)-1] {
			next, ok := m[seg].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				m[seg] = next
			}
			m = next
		}
		m[segs[len(segs)-1]] = val
	}
	snap := &Snapshot{path: path, value: root}
	if m, ok := root.(map[string]interface{}); ok {
		snap.children = childSnapshots(path, m)
		if !q.isZero() {
			applyQuery(snap, q)
		}
	}
	return snap, nil
}

func childSnapshots(path string, m map[string]interface{}) []*Snapshot {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	res := make([]*Snapshot, 0, len(keys))
	for _, k := range keys {
		child := &Snapshot{path: Join(path, k), value: m[k]}
		if cm, ok := m[k].(map[string]interface{}); ok {
			child.children = childSnapshots(child.path, cm)
		}
		res = append(res, child)
	}
	return res
}

func applyQuery(snap *Snapshot, q Query) {
	children := snap.children
	if q.OrderByChild != "" {
		sort.SliceStable(children, func(i, j int) bool {
			c := compareValues(lookup(children[i].value, q.OrderByChild), lookup(children[j].value, q.OrderByChild))
			if c != 0 {
				return c < 0
			}
			return children[i].Key() < children[j].Key()
		})
	}
	if q.LimitToLast > 0 && len(children) > q.LimitToLast {
		children = children[len(children)-q.LimitToLast:]
	}
	m := make(map[string]interface{}, len(children))
	for _, c := range children {
		m[c.Key()] = c.value
	}
	snap.children = children
	snap.value = m
}

func lookup(v interface{}, path string) interface{} {
	for _, seg := range Split(path) {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		v = m[seg]
	}
	return v
}

// valueRank orders values of different types: absent < bool < number < string < object.
func valueRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case json.Number:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func compareValues(a, b interface{}) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case json.Number:
		af, _ := av.Float64()
		bf, _ := b.(json.Number).Float64()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	}
	return 0
}

func decodeScalar(raw string) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
