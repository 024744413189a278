package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loykin/lazyvisor/internal/metrics"
	"github.com/loykin/lazyvisor/internal/registry"
)

// StartReaper evicts idle servers every ReapInterval until ctx is done or
// Shutdown is called. Calling it twice is a no-op.
func (s *Supervisor) StartReaper(ctx context.Context) {
	s.reapMu.Lock()
	defer s.reapMu.Unlock()
	if s.reapCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.reapCancel = cancel
	s.reapDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		t := time.NewTicker(s.cfg.ReapInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if evicted := s.Reap(); len(evicted) > 0 {
					s.log.Info("reaper tick", "evicted", evicted)
				}
			}
		}
	}(s.reapDone)
}

func (s *Supervisor) stopReaper() {
	s.reapMu.Lock()
	cancel, done := s.reapCancel, s.reapDone
	s.reapMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Reap runs one scan at the supervisor's clock.
func (s *Supervisor) Reap() []string { return s.ReapOnce(s.now()) }

// ReapOnce runs one scan at now. Each idle server is evicted in its own
// goroutine; ReapOnce returns the evicted names, sorted, once all of them
// have finished.
func (s *Supervisor) ReapOnce(now time.Time) []string {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		evicted []string
	)
	for _, st := range s.reg.ListRunning() {
		def, ok := s.defs[st.Name]
		if !ok || !idleExpired(now, st.LastAccessAt, s.idleTimeout(def)) {
			continue
		}
		if !s.claim(st.Name) {
			continue
		}
		wg.Add(1)
		s.evictions.Add(1)
		go func(name string) {
			defer wg.Done()
			defer s.evictions.Done()
			defer s.release(name)
			ok, err := s.evict(name, now)
			if err != nil {
				metrics.IncEvictionFailed(name)
				s.log.Error("eviction failed", "server", name, "error", err)
				return
			}
			if ok {
				mu.Lock()
				evicted = append(evicted, name)
				mu.Unlock()
			}
		}(st.Name)
	}
	wg.Wait()
	sort.Strings(evicted)
	return evicted
}

// idleExpired is true only when idle strictly exceeds timeout.
func idleExpired(now, lastAccess time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(lastAccess) > timeout
}

func (s *Supervisor) claim(name string) bool {
	s.reapMu.Lock()
	defer s.reapMu.Unlock()
	if _, busy := s.evicting[name]; busy {
		return false
	}
	s.evicting[name] = struct{}{}
	return true
}

func (s *Supervisor) release(name string) {
	s.reapMu.Lock()
	delete(s.evicting, name)
	s.reapMu.Unlock()
}

// evict re-checks idleness under the per-name lock, so an access that landed
// after the scan cancels the eviction.
func (s *Supervisor) evict(name string, now time.Time) (evicted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			evicted, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	def, err := s.definition(name)
	if err != nil {
		return false, err
	}
	err = s.reg.Exclusive(name, func(tx *registry.Txn) error {
		cur := tx.State()
		if cur.Status != registry.Running || !idleExpired(now, cur.LastAccessAt, s.idleTimeout(def)) {
			return nil
		}
		s.log.Info("evicting idle server", "server", name,
			"idle", now.Sub(cur.LastAccessAt).Round(time.Second), "timeout", s.idleTimeout(def))
		if err := s.stopLocked(context.Background(), tx, def, ModeEvict); err != nil {
			return err
		}
		metrics.IncEviction(name)
		evicted = true
		return nil
	})
	return evicted, err
}
