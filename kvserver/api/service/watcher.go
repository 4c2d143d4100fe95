package service

import (
	"bytes"

	"go.etcd.io/etcd/api/v3/mvccpb"
)

type watcher struct {
	// the watched key, or the start of the watched range
	key []byte
	// end is empty for a single key watch and "\x00" for an open range
	end []byte
	// startRev is the first revision this watcher may observe
	startRev int64
	prevKV   bool

	id WatchID
	ch chan<- WatchResponse
	// pending holds the responses that did not fit in ch, oldest first
	pending []WatchResponse
}

func (w *watcher) isRange() bool { return len(w.end) != 0 }

func (w *watcher) contains(key []byte) bool {
	if !w.isRange() {
		return bytes.Equal(key, w.key)
	}
	if bytes.Compare(key, w.key) < 0 {
		return false
	}
	if len(w.end) == 1 && w.end[0] == 0 {
		return true
	}
	return bytes.Compare(key, w.end) < 0
}

func (w *watcher) send(wr WatchResponse) bool {
	select {
	case w.ch <- wr:
		return true
	default:
		return false
	}
}

// filter returns the events of evs this watcher is interested in.
func (w *watcher) filter(evs []mvccpb.Event) []mvccpb.Event {
	var out []mvccpb.Event
	for _, ev := range evs {
		if ev.Kv.ModRevision < w.startRev || !w.contains(ev.Kv.Key) {
			continue
		}
		if !w.prevKV {
			ev.PrevKv = nil
		}
		out = append(out, ev)
	}
	return out
}
