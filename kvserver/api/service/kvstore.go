package service

import (
	"errors"
	"sync"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.uber.org/zap"
)

var (
	ErrCompacted = errors.New("mvcc: required revision has been compacted")
	ErrFutureRev = errors.New("mvcc: required revision is a future revision")
	ErrClosed    = errors.New("mvcc: closed")
)

// store keeps the latest version of every key under a single global revision.
// Writes are serialized by mu; reads share it.
type store struct {
	cfg StoreConfig

	mu         sync.RWMutex
	b          backend
	currentRev int64
	closed     bool

	lg *zap.Logger
}

func NewStore(cfg StoreConfig) (*store, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	var (
		b   backend
		err error
	)
	if cfg.DataDir == "" {
		b = newMemoryBackend()
	} else if b, err = newBoltBackend(cfg.DataDir); err != nil {
		return nil, err
	}

	rev, err := b.revision()
	if err != nil {
		b.close()
		return nil, err
	}
	lg.Info(
		"opened key-value store",
		zap.String("data-dir", cfg.DataDir),
		zap.Bool("in-memory", cfg.DataDir == ""),
		zap.Int64("revision", rev),
	)
	return &store{cfg: cfg, b: b, currentRev: rev, lg: lg}, nil
}

func (s *store) Rev() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.b.close()
}

func (s *store) Read() TxnRead {
	s.mu.RLock()
	return &storeTxnRead{s: s, rev: s.currentRev, unlock: s.mu.RUnlock}
}

func (s *store) Write() TxnWrite {
	s.mu.Lock()
	return &storeTxnWrite{storeTxnRead: storeTxnRead{s: s, rev: s.currentRev, unlock: s.mu.Unlock}}
}

type storeTxnRead struct {
	s      *store
	rev    int64
	unlock func()
}

func (tr *storeTxnRead) Rev() int64 { return tr.rev }

func (tr *storeTxnRead) End() { tr.unlock() }

func (tr *storeTxnRead) Range(key, end []byte, ro RangeOptions) (*RangeResult, error) {
	if tr.s.closed {
		return nil, ErrClosed
	}
	if ro.Rev > tr.rev {
		return &RangeResult{Rev: tr.rev}, ErrFutureRev
	}
	// only the latest revision is retained
	if ro.Rev > 0 && ro.Rev < tr.rev {
		return &RangeResult{Rev: tr.rev}, ErrCompacted
	}

	r := &RangeResult{Rev: tr.rev}
	err := tr.s.each(key, end, func(kv *mvccpb.KeyValue) bool {
		r.Count++
		if ro.CountOnly || (ro.Limit > 0 && int64(len(r.KVs)) >= ro.Limit) {
			return true
		}
		r.KVs = append(r.KVs, *kv)
		return true
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// each visits the records selected by key and end, see TxnRead.Range.
func (s *store) each(key, end []byte, fn func(kv *mvccpb.KeyValue) bool) error {
	if len(end) == 0 {
		kv, err := s.b.get(key)
		if err != nil || kv == nil {
			return err
		}
		fn(kv)
		return nil
	}
	if len(end) == 1 && end[0] == 0 {
		end = nil
	}
	return s.b.ascend(key, end, fn)
}

type storeTxnWrite struct {
	storeTxnRead
	changes []mvccpb.Event
}

func (tw *storeTxnWrite) Put(key, value []byte) (*mvccpb.KeyValue, int64, error) {
	if tw.s.closed {
		return nil, 0, ErrClosed
	}
	rev := tw.rev + 1
	prev, err := tw.s.b.get(key)
	if err != nil {
		return nil, 0, err
	}

	kv := &mvccpb.KeyValue{
		Key:            key,
		Value:          value,
		CreateRevision: rev,
		ModRevision:    rev,
		Version:        1,
	}
	if prev != nil {
		kv.CreateRevision = prev.CreateRevision
		kv.Version = prev.Version + 1
	}
	if err = tw.s.b.apply(rev, []*mvccpb.KeyValue{kv}, nil); err != nil {
		return nil, 0, err
	}
	tw.changes = append(tw.changes, mvccpb.Event{Type: mvccpb.PUT, Kv: kv, PrevKv: prev})
	return prev, rev, nil
}

func (tw *storeTxnWrite) DeleteRange(key, end []byte) ([]mvccpb.KeyValue, int64, error) {
	if tw.s.closed {
		return nil, 0, ErrClosed
	}
	var (
		deleted []mvccpb.KeyValue
		keys    [][]byte
	)
	err := tw.s.each(key, end, func(kv *mvccpb.KeyValue) bool {
		deleted = append(deleted, *kv)
		keys = append(keys, kv.Key)
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	if len(deleted) == 0 {
		return nil, tw.rev, nil
	}

	rev := tw.rev + 1
	if err = tw.s.b.apply(rev, nil, keys); err != nil {
		return nil, 0, err
	}
	for i := range deleted {
		tw.changes = append(tw.changes, mvccpb.Event{
			Type:   mvccpb.DELETE,
			Kv:     &mvccpb.KeyValue{Key: deleted[i].Key, ModRevision: rev},
			PrevKv: &deleted[i],
		})
	}
	return deleted, rev, nil
}

func (tw *storeTxnWrite) Changes() []mvccpb.Event { return tw.changes }

func (tw *storeTxnWrite) End() {
	if len(tw.changes) != 0 {
		tw.s.currentRev = tw.rev + 1
	}
	tw.unlock()
}
