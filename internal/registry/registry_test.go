package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toStatus(s Status) func(*State) error {
	return func(st *State) error {
		st.Status = s
		return nil
	}
}

func TestStatusStringAndJSON(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "unknown", Status(42).String())

	b, err := json.Marshal(struct{ S Status }{Stopping})
	require.NoError(t, err)
	assert.JSONEq(t, `{"S":"stopping"}`, string(b))

	var v struct{ S Status }
	require.NoError(t, json.Unmarshal([]byte(`{"S":"starting"}`), &v))
	assert.Equal(t, Starting, v.S)
	assert.Error(t, json.Unmarshal([]byte(`{"S":"bogus"}`), &v))
}

func TestCanTransition(t *testing.T) {
	ok := [][2]Status{
		{Stopped, Starting}, {Starting, Running}, {Starting, Stopped},
		{Running, Stopping}, {Stopping, Stopped}, {Running, Running},
	}
	for _, p := range ok {
		assert.True(t, CanTransition(p[0], p[1]), "%s->%s", p[0], p[1])
	}
	bad := [][2]Status{
		{Stopped, Running}, {Stopped, Stopping}, {Running, Stopped},
		{Running, Starting}, {Stopping, Running}, {Stopping, Starting},
	}
	for _, p := range bad {
		assert.False(t, CanTransition(p[0], p[1]), "%s->%s", p[0], p[1])
	}
}

func TestUpsertAndGet(t *testing.T) {
	r := New(nil, nil)
	_, ok := r.Get("a")
	assert.False(t, ok)

	st, err := r.Upsert("a", toStatus(Starting))
	require.NoError(t, err)
	assert.Equal(t, "a", st.Name)
	assert.Equal(t, Starting, st.Status)

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, Starting, got.Status)
}

func TestUpsert_MutatorErrorPublishesNothing(t *testing.T) {
	var persisted atomic.Int32
	r := New(PersisterFunc(func(State) error { persisted.Add(1); return nil }), nil)
	boom := errors.New("boom")
	_, err := r.Upsert("a", func(s *State) error {
		s.AccessCount = 99
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, _ := r.Get("a")
	assert.Equal(t, int64(0), got.AccessCount)
	assert.Equal(t, int32(0), persisted.Load())
}

func TestUpsert_RejectsIllegalTransition(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Upsert("a", toStatus(Running))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	got, _ := r.Get("a")
	assert.Equal(t, Stopped, got.Status)
}

func TestEveryPublishIsPersisted(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	r := New(PersisterFunc(func(s State) error {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
		return errors.New("disk full")
	}), nil)

	err := r.Exclusive("a", func(tx *Txn) error {
		require.NoError(t, tx.Update(toStatus(Starting)))
		require.NoError(t, tx.Update(toStatus(Running)))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []Status{Starting, Running}, seen)
	got, _ := r.Get("a")
	assert.Equal(t, Running, got.Status, "persist errors do not roll back state")
}

func TestExclusive_SerializesSameName(t *testing.T) {
	r := New(nil, nil)
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Exclusive("same", func(tx *Txn) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				_ = tx.Update(func(s *State) error { s.AccessCount++; return nil })
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	got, _ := r.Get("same")
	assert.Equal(t, int64(16), got.AccessCount)
}

func TestExclusive_OtherNamesProceed(t *testing.T) {
	r := New(nil, nil)
	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = r.Exclusive("slow", func(tx *Txn) error {
			_ = tx.Update(toStatus(Starting))
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		_, _ = r.Upsert("fast", toStatus(Starting))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("operation on another name blocked")
	}

	// readers see the intermediate state without waiting for the lock
	got, ok := r.Get("slow")
	require.True(t, ok)
	assert.Equal(t, Starting, got.Status)
	assert.Len(t, r.List(), 2)
	close(hold)
}

func TestListRunningAndSeed(t *testing.T) {
	r := New(nil, nil)
	r.Seed(State{Name: "b", Status: Running, AccessCount: 5})
	r.Seed(State{Name: "a", Status: Running})
	r.Seed(State{Name: "c", Status: Stopped})

	names := func(ss []State) []string {
		var out []string
		for _, s := range ss {
			out = append(out, s.Name)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, names(r.List()))
	assert.Equal(t, []string{"a", "b"}, names(r.ListRunning()))
	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
	assert.Equal(t, 2, r.RunningCount())
	assert.Equal(t, 0, State{}.PID())
}
