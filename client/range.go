package client

import (
	"context"
	"sync/atomic"
	"unicode/utf8"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

// Range is a scoped handle on a single key or on the half-open interval
// [start, end). It is cheap to create; Delete consumes it.
type Range struct {
	s *Session

	start  string
	end    string
	hasEnd bool

	consumed atomic.Bool
}

// Start returns the first key of the scope.
func (r *Range) Start() string { return r.start }

// End returns the exclusive end of the scope, if one was given.
func (r *Range) End() (string, bool) { return r.end, r.hasEnd }

func (r *Range) key() []byte { return []byte(r.start) }

// rangeEnd is empty for a single key scope.
func (r *Range) rangeEnd() []byte {
	if !r.hasEnd {
		return []byte{}
	}
	return []byte(r.end)
}

func (r *Range) check() error {
	if r.consumed.Load() {
		return ErrRangeConsumed
	}
	return r.s.checkAlive()
}

// Put stores value under the start key.
func (r *Range) Put(ctx context.Context, value string) error {
	_, err := r.put(ctx, value)
	return err
}

// Swap stores value under the start key and returns the value it replaced.
// existed is false when the key was absent.
func (r *Range) Swap(ctx context.Context, value string) (prev string, existed bool, err error) {
	resp, err := r.put(ctx, value)
	if err != nil || resp.PrevKv == nil {
		return "", false, err
	}
	if derr := decode([]*mvccpb.KeyValue{resp.PrevKv}, nil); derr != nil {
		return "", true, derr
	}
	return string(resp.PrevKv.Value), true, nil
}

func (r *Range) put(ctx context.Context, value string) (*pb.PutResponse, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	req := &pb.PutRequest{Key: r.key(), Value: []byte(value), PrevKv: true}
	resp, err := r.s.kv.Put(ctx, req, r.s.callOpts...)
	if err != nil {
		return nil, r.s.toErr("put", err)
	}
	return resp, nil
}

// Get returns every key in scope with its value. The result is never nil.
func (r *Range) Get(ctx context.Context) (map[string]string, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	req := &pb.RangeRequest{Key: r.key(), RangeEnd: r.rangeEnd()}
	resp, err := r.s.kv.Range(ctx, req, r.s.callOpts...)
	if err != nil {
		return nil, r.s.toErr("get", err)
	}
	out := make(map[string]string, len(resp.Kvs))
	if err = decode(resp.Kvs, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes every key in scope and consumes the Range, whatever the
// outcome. Deleting an empty scope succeeds.
func (r *Range) Delete(ctx context.Context) error {
	if err := r.s.checkAlive(); err != nil {
		return err
	}
	if !r.consumed.CompareAndSwap(false, true) {
		return ErrRangeConsumed
	}
	req := &pb.DeleteRangeRequest{Key: r.key(), RangeEnd: r.rangeEnd()}
	if _, err := r.s.kv.DeleteRange(ctx, req, r.s.callOpts...); err != nil {
		return r.s.toErr("delete", err)
	}
	return nil
}

// decode checks every record for UTF-8 and fills out when it is not nil. All
// invalid records are reported together.
func decode(kvs []*mvccpb.KeyValue, out map[string]string) error {
	var derr *DecodeError
	for _, kv := range kvs {
		bad := false
		if !utf8.Valid(kv.Key) {
			if derr == nil {
				derr = &DecodeError{}
			}
			derr.add(kv, "key")
			bad = true
		}
		if !utf8.Valid(kv.Value) {
			if derr == nil {
				derr = &DecodeError{}
			}
			derr.add(kv, "value")
			bad = true
		}
		if !bad && out != nil {
			out[string(kv.Key)] = string(kv.Value)
		}
	}
	if derr != nil {
		return derr
	}
	return nil
}
