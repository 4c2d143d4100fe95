package client

import (
	"context"
	"errors"
	"io"
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.uber.org/zap"
)

type WatchResponse struct {
	Header pb.ResponseHeader
	Events []*mvccpb.Event

	// Created is set on the first response, which confirms the watch.
	Created bool

	CompactRevision int64
}

// Watch is a live subscription to the changes of a single key.
type Watch struct {
	key string
	s   *Session

	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	stream pb.Watch_WatchClient

	// reqc holds the requests waiting for the send loop
	reqc chan *pb.WatchRequest
	// donec closes when the send loop exits
	donec chan struct{}

	mu sync.Mutex
	// err is the terminal result returned by every Recv once set
	err error

	lg *zap.Logger
}

// Watch subscribes to the changes of key made after the call. The
// subscription ends when ctx is cancelled, on Close or when the Session is
// closed.
func (s *Session) Watch(ctx context.Context, key string) (*Watch, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &Watch{
		key:    key,
		s:      s,
		ctx:    wctx,
		cancel: cancel,
		reqc:   make(chan *pb.WatchRequest, 1),
		donec:  make(chan struct{}),
		lg:     s.lg.With(zap.String("key", key)),
	}
	// closing the session ends the subscription as well
	w.stop = context.AfterFunc(s.ctx, cancel)

	stream, err := s.watch.Watch(wctx, s.callOpts...)
	if err != nil {
		w.stop()
		cancel()
		if s.ctx.Err() != nil {
			return nil, ErrSessionClosed
		}
		return nil, &StreamError{Key: key, Err: rpctypes.Error(err)}
	}
	w.stream = stream

	w.reqc <- &pb.WatchRequest{RequestUnion: &pb.WatchRequest_CreateRequest{
		CreateRequest: &pb.WatchCreateRequest{Key: []byte(key)},
	}}
	go w.sendLoop()

	w.lg.Debug("watch opened")
	return w, nil
}

// Key returns the watched key.
func (w *Watch) Key() string { return w.key }

// sendLoop forwards queued requests. The send side is never closed: the
// stream stays open until its context is cancelled.
func (w *Watch) sendLoop() {
	defer close(w.donec)
	for {
		select {
		case req := <-w.reqc:
			if err := w.stream.Send(req); err != nil {
				w.lg.Debug("failed to send watch request", zap.Error(err))
				return
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// Recv blocks for the next batch of events. It returns io.EOF once the stream
// has ended or the Watch was closed, and a *StreamError when the stream failed
// or the server canceled the watch. A terminal result is returned again by
// every later call.
func (w *Watch) Recv() (*WatchResponse, error) {
	if err := w.terminal(); err != nil {
		return nil, err
	}

	resp, err := w.stream.Recv()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		// closed while receiving
		return nil, w.err
	}
	switch {
	case err == io.EOF:
		w.err = io.EOF
	case err != nil:
		w.err = w.toErr(err)
	case resp.Canceled:
		w.err = &StreamError{Key: w.key, Reason: resp.CancelReason, Err: ErrWatchCanceled}
	default:
		wr := &WatchResponse{
			Events:          resp.Events,
			Created:         resp.Created,
			CompactRevision: resp.CompactRevision,
		}
		if resp.Header != nil {
			wr.Header = *resp.Header
		}
		return wr, nil
	}
	w.lg.Debug("watch ended", zap.Error(w.err))
	w.release()
	return nil, w.err
}

func (w *Watch) terminal() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watch) toErr(err error) error {
	if w.s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	if errors.Is(w.ctx.Err(), context.Canceled) {
		// cancelled by the caller's context
		return io.EOF
	}
	return &StreamError{Key: w.key, Err: rpctypes.Error(err)}
}

// release cancels the stream context and waits for the send loop.
func (w *Watch) release() {
	w.stop()
	w.cancel()
	<-w.donec
}

// Close ends the subscription without notifying the server; the stream is
// released by cancelling its context. Close is idempotent.
func (w *Watch) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = io.EOF
		w.release()
		w.lg.Debug("watch closed")
	}
	return nil
}
