package service

import (
	"bytes"

	"github.com/google/btree"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

// backend persists the latest record of every live key plus the store revision.
// Callers serialize writes; backends only need to be safe for concurrent reads.
type backend interface {
	get(key []byte) (*mvccpb.KeyValue, error)
	// ascend calls fn for each record in [key, end) in key order until fn returns false.
	// A nil end means no upper bound.
	ascend(key, end []byte, fn func(kv *mvccpb.KeyValue) bool) error
	// apply atomically stores puts, removes deletes and records rev.
	apply(rev int64, puts []*mvccpb.KeyValue, deletes [][]byte) error
	revision() (int64, error)
	close() error
}

const btreeDegree = 32

type memoryBackend struct {
	tree *btree.BTreeG[*mvccpb.KeyValue]
	rev  int64
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		tree: btree.NewG(btreeDegree, func(a, b *mvccpb.KeyValue) bool {
			return bytes.Compare(a.Key, b.Key) < 0
		}),
	}
}

func (m *memoryBackend) get(key []byte) (*mvccpb.KeyValue, error) {
	kv, ok := m.tree.Get(&mvccpb.KeyValue{Key: key})
	if !ok {
		return nil, nil
	}
	return kv, nil
}

func (m *memoryBackend) ascend(key, end []byte, fn func(kv *mvccpb.KeyValue) bool) error {
	pivot := &mvccpb.KeyValue{Key: key}
	if end == nil {
		m.tree.AscendGreaterOrEqual(pivot, fn)
		return nil
	}
	m.tree.AscendRange(pivot, &mvccpb.KeyValue{Key: end}, fn)
	return nil
}

func (m *memoryBackend) apply(rev int64, puts []*mvccpb.KeyValue, deletes [][]byte) error {
	for _, k := range deletes {
		m.tree.Delete(&mvccpb.KeyValue{Key: k})
	}
	for _, kv := range puts {
		m.tree.ReplaceOrInsert(kv)
	}
	m.rev = rev
	return nil
}

func (m *memoryBackend) revision() (int64, error) { return m.rev, nil }

func (m *memoryBackend) close() error {
	m.tree.Clear(false)
	return nil
}
