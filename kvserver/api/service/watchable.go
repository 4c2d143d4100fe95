package service

import (
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.uber.org/zap"
)

// victimRetryInterval is how often the pending responses of slow watchers
// are retried.
const victimRetryInterval = 10 * time.Millisecond

type watchable interface {
	watch(key, end []byte, startRev int64, prevKV bool, id WatchID, ch chan<- WatchResponse) (*watcher, cancelFunc)
	rev() int64
}

type cancelFunc func()

type watchableStore struct {
	*store

	// mu protects the watcher sets; it is held while events of a write are
	// dispatched so watchers observe revisions in order.
	mu            sync.RWMutex
	keyWatchers   watcherSetByKey
	rangeWatchers watcherSet
	// victims are the watchers whose channel was full; they hold the
	// responses not delivered yet.
	victims watcherSet
	// notified is the last revision dispatched to watchers
	notified int64

	stopOnce sync.Once
	stopc    chan struct{}
	wg       sync.WaitGroup
}

func NewWatchableStore(s *store) *watchableStore {
	ws := &watchableStore{
		store:         s,
		keyWatchers:   make(watcherSetByKey),
		rangeWatchers: make(watcherSet),
		victims:       make(watcherSet),
		notified:      s.Rev(),
		stopc:         make(chan struct{}),
	}
	ws.wg.Add(1)
	go ws.syncVictimsLoop()
	return ws
}

func (s *watchableStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopc) })
	s.wg.Wait()
	return s.store.Close()
}

func (s *watchableStore) NewWatchStream() WatchStream {
	return &watchStream{
		watchable: s,
		ch:        make(chan WatchResponse, chanBufLen),
		watchers:  make(map[WatchID]*watcher),
		cancels:   make(map[WatchID]cancelFunc),
	}
}

func (s *watchableStore) rev() int64 { return s.store.Rev() }

func (s *watchableStore) watch(key, end []byte, startRev int64, prevKV bool, id WatchID, ch chan<- WatchResponse) (*watcher, cancelFunc) {
	wa := &watcher{
		key:      key,
		end:      end,
		startRev: startRev,
		prevKV:   prevKV,
		id:       id,
		ch:       ch,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if wa.startRev == 0 {
		// start right after the last dispatched write
		wa.startRev = s.notified + 1
	}
	if wa.isRange() {
		s.rangeWatchers.add(wa)
	} else {
		s.keyWatchers.add(wa)
	}
	return wa, func() { s.cancelWatcher(wa) }
}

// cancelWatcher removes references of the watcher from the watchableStore
func (s *watchableStore) cancelWatcher(wa *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeWatcher(wa)
}

func (s *watchableStore) removeWatcher(wa *watcher) bool {
	if s.victims.delete(wa) {
		slowWatchersGauge.Dec()
	}
	if wa.isRange() {
		return s.rangeWatchers.delete(wa)
	}
	return s.keyWatchers.delete(wa)
}

func (s *watchableStore) Write() TxnWrite {
	return &watchableStoreTxnWrite{TxnWrite: s.store.Write(), s: s}
}

type watchableStoreTxnWrite struct {
	TxnWrite
	s *watchableStore
}

func (tw *watchableStoreTxnWrite) End() {
	changes := tw.Changes()
	if len(changes) == 0 {
		tw.TxnWrite.End()
		return
	}

	rev := tw.Rev() + 1
	tw.s.mu.Lock()
	tw.s.notify(rev, changes)
	tw.s.notified = rev
	tw.TxnWrite.End()
	tw.s.mu.Unlock()
}

// notify delivers the events of one revision to every interested watcher as a
// single batch. A watcher whose channel is full keeps the batch and becomes a
// victim until the retry loop has flushed it.
func (s *watchableStore) notify(rev int64, evs []mvccpb.Event) {
	for w, eb := range newWatcherBatch(s.keyWatchers, s.rangeWatchers, evs) {
		wr := WatchResponse{WatchID: w.id, Events: eb, Revision: rev}
		if len(w.pending) == 0 && w.send(wr) {
			continue
		}
		w.pending = append(w.pending, wr)
		if _, ok := s.victims[w]; !ok {
			s.victims.add(w)
			slowWatchersGauge.Inc()
			s.lg.Debug(
				"watcher fell behind",
				zap.Int64("watch-id", int64(w.id)),
				zap.Int64("revision", rev),
			)
		}
	}
}

func (s *watchableStore) syncVictimsLoop() {
	defer s.wg.Done()

	t := time.NewTicker(victimRetryInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.mu.Lock()
			s.syncVictims()
			s.mu.Unlock()
		case <-s.stopc:
			return
		}
	}
}

// syncVictims retries the pending responses of every victim in revision
// order. A flushed watcher is back to direct delivery.
func (s *watchableStore) syncVictims() {
	for w := range s.victims {
		n := 0
		for n < len(w.pending) && w.send(w.pending[n]) {
			n++
		}
		w.pending = w.pending[n:]
		if len(w.pending) == 0 {
			w.pending = nil
			s.victims.delete(w)
			slowWatchersGauge.Dec()
		}
	}
}

func newWatcherBatch(wk watcherSetByKey, wr watcherSet, evs []mvccpb.Event) watcherBatch {
	wb := make(watcherBatch)
	for _, ev := range evs {
		for w := range wk[string(ev.Kv.Key)] {
			wb.add(w)
		}
	}
	for w := range wr {
		wb.add(w)
	}
	for w := range wb {
		if eb := w.filter(evs); len(eb) != 0 {
			wb[w] = eb
		} else {
			delete(wb, w)
		}
	}
	return wb
}

type watcherSetByKey map[string]watcherSet
type watcherSet map[*watcher]struct{}

func (w watcherSetByKey) add(wa *watcher) {
	set := w[string(wa.key)]
	if set == nil {
		set = make(watcherSet)
		w[string(wa.key)] = set
	}
	set.add(wa)
}

func (w watcherSetByKey) delete(wa *watcher) bool {
	k := string(wa.key)
	if v, ok := w[k]; ok {
		if v.delete(wa) {
			if len(v) == 0 {
				delete(w, k)
			}
			return true
		}
	}
	return false
}

func (w watcherSet) add(wa *watcher) {
	if _, ok := w[wa]; !ok {
		w[wa] = struct{}{}
	}
}

func (w watcherSet) delete(wa *watcher) bool {
	if _, ok := w[wa]; !ok {
		return false
	}
	delete(w, wa)
	return true
}

type watcherBatch map[*watcher][]mvccpb.Event

func (wb watcherBatch) add(w *watcher) {
	if _, ok := wb[w]; !ok {
		wb[w] = nil
	}
}
