package service

import (
	"errors"
	"sync"

	"go.etcd.io/etcd/api/v3/mvccpb"
)

var (
	ErrWatcherNotExist    = errors.New("mvcc: watcher does not exist")
	ErrEmptyWatcherRange  = errors.New("mvcc: watcher range is empty")
	ErrWatcherDuplicateID = errors.New("mvcc: duplicate watch ID provided on the WatchStream")
	ErrWatchStreamClosed  = errors.New("mvcc: watch stream is closed")

	chanBufLen = 128
)

type WatchID int64

const AutoWatchID WatchID = 0

type WatchStream interface {
	// Watch registers a watcher on key, or on [key, end) when end is not empty.
	// Events with a revision lower than startRev are not delivered; a zero
	// startRev watches from the next write on.
	Watch(id WatchID, key, end []byte, startRev int64, prevKV bool) (WatchID, error)
	// Chan returns the channel all watchers of the stream deliver on.
	Chan() <-chan WatchResponse
	Cancel(id WatchID) error
	Rev() int64
	Close()
}

type WatchResponse struct {
	WatchID  WatchID
	Events   []mvccpb.Event
	Revision int64
}

// watchStream contains a collection of watchers that share
// one streaming chan to send out watched events and other control events.
type watchStream struct {
	watchable watchable

	ch chan WatchResponse
	mu sync.Mutex
	// nextID is the ID pre-allocated for next new watcher in this stream
	nextID   WatchID
	closed   bool
	cancels  map[WatchID]cancelFunc
	watchers map[WatchID]*watcher
}

// Watch creates a new watcher in the stream and returns its WatchID.
func (ws *watchStream) Watch(id WatchID, key, end []byte, startRev int64, prevKV bool) (WatchID, error) {
	if len(end) != 0 && !(len(end) == 1 && end[0] == 0) && string(end) <= string(key) {
		return -1, ErrEmptyWatcherRange
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return -1, ErrWatchStreamClosed
	}
	if id == AutoWatchID {
		for ws.watchers[ws.nextID] != nil {
			ws.nextID++
		}
		id = ws.nextID
		ws.nextID++
	} else if _, ok := ws.watchers[id]; ok {
		return -1, ErrWatcherDuplicateID
	}

	w, c := ws.watchable.watch(key, end, startRev, prevKV, id, ws.ch)
	ws.cancels[id] = c
	ws.watchers[id] = w
	return id, nil
}

func (ws *watchStream) Chan() <-chan WatchResponse {
	return ws.ch
}

func (ws *watchStream) Cancel(id WatchID) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	cancel, ok := ws.cancels[id]
	ok = ok && !ws.closed
	if !ok {
		return ErrWatcherNotExist
	}
	// cancel before Close may close ws.ch under the same lock
	cancel()
	delete(ws.cancels, id)
	delete(ws.watchers, id)
	return nil
}

func (ws *watchStream) Rev() int64 {
	return ws.watchable.rev()
}

func (ws *watchStream) Close() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return
	}
	for _, cancel := range ws.cancels {
		cancel()
	}
	ws.closed = true
	close(ws.ch)
}
