package service

import (
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

func newTestWatchableStore(t *testing.T) *watchableStore {
	s, err := NewStore(StoreConfig{})
	require.NoError(t, err)
	ws := NewWatchableStore(s)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func recv(t *testing.T, ws WatchStream) WatchResponse {
	t.Helper()
	select {
	case wr, ok := <-ws.Chan():
		require.True(t, ok, "watch stream closed")
		return wr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch response")
	}
	return WatchResponse{}
}

func assertNoResponse(t *testing.T, ws WatchStream) {
	t.Helper()
	select {
	case wr := <-ws.Chan():
		t.Fatalf("unexpected watch response %+v", wr)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchKey(t *testing.T) {
	s := newTestWatchableStore(t)
	ws := s.NewWatchStream()
	defer ws.Close()

	id, err := ws.Watch(AutoWatchID, []byte("foo"), nil, 0, false)
	require.NoError(t, err)

	put(t, s, "bar", "ignored")
	put(t, s, "foo", "1")
	put(t, s, "foo", "2")

	for i, want := range []string{"1", "2"} {
		wr := recv(t, ws)
		assert.Equal(t, id, wr.WatchID)
		assert.Equal(t, int64(i+2), wr.Revision)
		require.Len(t, wr.Events, 1)
		assert.Equal(t, mvccpb.PUT, wr.Events[0].Type)
		assert.Equal(t, want, string(wr.Events[0].Kv.Value))
		assert.Nil(t, wr.Events[0].PrevKv)
	}
	assertNoResponse(t, ws)
}

func TestWatchRangeBatchesOneRevision(t *testing.T) {
	s := newTestWatchableStore(t)
	for _, k := range []string{"a", "b", "c"} {
		put(t, s, k, k)
	}
	ws := s.NewWatchStream()
	defer ws.Close()

	_, err := ws.Watch(AutoWatchID, []byte("a"), []byte("c"), 0, true)
	require.NoError(t, err)

	tw := s.Write()
	_, _, err = tw.DeleteRange([]byte("\x00"), []byte("\x00"))
	require.NoError(t, err)
	tw.End()

	wr := recv(t, ws)
	require.Len(t, wr.Events, 2)
	assert.Equal(t, "a", string(wr.Events[0].Kv.Key))
	assert.Equal(t, "b", string(wr.Events[1].Kv.Key))
	for _, ev := range wr.Events {
		assert.Equal(t, mvccpb.DELETE, ev.Type)
		require.NotNil(t, ev.PrevKv)
	}
}

func TestWatchStartRevision(t *testing.T) {
	s := newTestWatchableStore(t)
	ws := s.NewWatchStream()
	defer ws.Close()

	_, err := ws.Watch(AutoWatchID, []byte("k"), nil, 3, false)
	require.NoError(t, err)

	put(t, s, "k", "1")
	put(t, s, "k", "2")
	put(t, s, "k", "3")

	wr := recv(t, ws)
	assert.Equal(t, int64(3), wr.Revision)
	assertNoResponse(t, ws)
}

func TestWatchCancel(t *testing.T) {
	s := newTestWatchableStore(t)
	ws := s.NewWatchStream()
	defer ws.Close()

	id, err := ws.Watch(AutoWatchID, []byte("foo"), nil, 0, false)
	require.NoError(t, err)
	require.NoError(t, ws.Cancel(id))
	assert.ErrorIs(t, ws.Cancel(id), ErrWatcherNotExist)

	put(t, s, "foo", "bar")
	assertNoResponse(t, ws)
}

func TestWatchDuplicateAndEmptyRange(t *testing.T) {
	s := newTestWatchableStore(t)
	ws := s.NewWatchStream()
	defer ws.Close()

	_, err := ws.Watch(7, []byte("foo"), nil, 0, false)
	require.NoError(t, err)
	_, err = ws.Watch(7, []byte("foo"), nil, 0, false)
	assert.ErrorIs(t, err, ErrWatcherDuplicateID)
	_, err = ws.Watch(AutoWatchID, []byte("b"), []byte("a"), 0, false)
	assert.ErrorIs(t, err, ErrEmptyWatcherRange)
}

func TestWatchSlowWatcherCatchesUp(t *testing.T) {
	s := newTestWatchableStore(t)
	ws := s.NewWatchStream()
	defer ws.Close()

	_, err := ws.Watch(AutoWatchID, []byte("foo"), nil, 0, false)
	require.NoError(t, err)

	n := 3 * chanBufLen
	for i := 0; i < n; i++ {
		put(t, s, "foo", strconv.Itoa(i))
	}
	s.mu.RLock()
	assert.Len(t, s.victims, 1)
	s.mu.RUnlock()
	assert.Equal(t, float64(1), testutil.ToFloat64(slowWatchersGauge))

	// every write arrives once and in order although the channel overflowed
	var last int64
	for i := 0; i < n; i++ {
		wr := recv(t, ws)
		require.Len(t, wr.Events, 1)
		assert.Greater(t, wr.Revision, last)
		last = wr.Revision
		assert.Equal(t, strconv.Itoa(i), string(wr.Events[0].Kv.Value))
	}
	assertNoResponse(t, ws)

	s.mu.RLock()
	assert.Empty(t, s.victims)
	s.mu.RUnlock()
	assert.Equal(t, float64(0), testutil.ToFloat64(slowWatchersGauge))
}

func TestWatchCancelVictim(t *testing.T) {
	s := newTestWatchableStore(t)
	ws := s.NewWatchStream()
	defer ws.Close()

	id, err := ws.Watch(AutoWatchID, []byte("foo"), nil, 0, false)
	require.NoError(t, err)
	for i := 0; i < chanBufLen+1; i++ {
		put(t, s, "foo", "v")
	}
	require.NoError(t, ws.Cancel(id))

	s.mu.RLock()
	assert.Empty(t, s.victims)
	s.mu.RUnlock()
	assert.Equal(t, float64(0), testutil.ToFloat64(slowWatchersGauge))
}

func TestWatchStreamClose(t *testing.T) {
	s := newTestWatchableStore(t)
	ws := s.NewWatchStream()
	_, err := ws.Watch(AutoWatchID, []byte("foo"), nil, 0, false)
	require.NoError(t, err)

	ws.Close()
	ws.Close()
	_, ok := <-ws.Chan()
	assert.False(t, ok)

	// writes after close must not reach the closed channel
	put(t, s, "foo", "bar")

	_, err = ws.Watch(AutoWatchID, []byte("foo"), nil, 0, false)
	assert.ErrorIs(t, err, ErrWatchStreamClosed)
}
