package client

import (
	"errors"
	"fmt"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.uber.org/multierr"
)

var (
	ErrNoAvailableEndpoint = errors.New("sonek: no available endpoint")
	ErrSessionClosed       = errors.New("sonek: session closed")
	ErrRangeConsumed       = errors.New("sonek: range already deleted")
	ErrInvalidUTF8         = errors.New("sonek: not valid utf-8")
	ErrWatchCanceled       = errors.New("sonek: watch canceled by server")
)

// ConnectionError is returned when a Session cannot be established.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("sonek: cannot connect to %q: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RequestError is a failed unary call. Err is normalized with rpctypes.Error,
// so it compares equal to the rpctypes sentinels (rpctypes.ErrEmptyKey, ...).
type RequestError struct {
	Op  string
	Err error
}

func newRequestError(op string, err error) *RequestError {
	return &RequestError{Op: op, Err: rpctypes.Error(err)}
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("sonek: %s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// DecodeError lists every record of a response whose key or value is not
// valid UTF-8.
type DecodeError struct {
	Records []*mvccpb.KeyValue
	Err     error
}

func (e *DecodeError) add(kv *mvccpb.KeyValue, field string) {
	if n := len(e.Records); n == 0 || e.Records[n-1] != kv {
		e.Records = append(e.Records, kv)
	}
	e.Err = multierr.Append(e.Err, fmt.Errorf("%s of key %q at revision %d: %w", field, kv.Key, kv.ModRevision, ErrInvalidUTF8))
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("sonek: %d record(s) could not be decoded: %v", len(e.Records), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StreamError ends a watch subscription. Reason is set when the server
// canceled the watch.
type StreamError struct {
	Key    string
	Reason string
	Err    error
}

func (e *StreamError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("sonek: watch on %q canceled: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("sonek: watch on %q failed: %v", e.Key, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
