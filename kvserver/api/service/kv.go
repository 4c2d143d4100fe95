package service

import (
	"go.etcd.io/etcd/api/v3/mvccpb"
)

type RangeOptions struct {
	Limit     int64
	Rev       int64
	CountOnly bool
}

type RangeResult struct {
	KVs   []mvccpb.KeyValue
	Rev   int64
	Count int
}

type TxnRead interface {
	// Range returns the records in [key, end). An empty end selects key only;
	// an end of "\x00" selects every key >= key.
	Range(key, end []byte, ro RangeOptions) (r *RangeResult, err error)
	// Rev returns the store revision this txn observes.
	Rev() int64
	// End releases the txn.
	End()
}

type TxnWrite interface {
	TxnRead
	// Put stores value under key and returns the replaced record, if any,
	// together with the revision of the write.
	Put(key, value []byte) (prev *mvccpb.KeyValue, rev int64, err error)
	// DeleteRange removes every key in [key, end) and returns the removed records.
	DeleteRange(key, end []byte) (deleted []mvccpb.KeyValue, rev int64, err error)
	// Changes returns the events produced so far, in order.
	Changes() []mvccpb.Event
}

type KV interface {
	Read() TxnRead
	Write() TxnWrite
	Rev() int64
	Close() error
}

type WatchableKV interface {
	KV
	Watchable
}

type Watchable interface {
	NewWatchStream() WatchStream
}
