package supervisor

import (
	"context"
	"sort"

	"github.com/loykin/lazyvisor/internal/process"
	"github.com/loykin/lazyvisor/internal/registry"
)

// reconcile reseeds the registry from the metrics file. A recorded process is
// adopted only when its pid is alive and its OS start time matches, so a
// recycled pid is never signalled. Records for names no longer configured
// are left untouched.
//
// Running records come back running. Stopping records were mid-stop when the
// previous supervisor went away: unkillable ones stay stopping, the others
// have their graceful stop resumed in the background. Starting records never
// carry a pid and are rewritten as stopped.
func (s *Supervisor) reconcile() {
	doc := s.store.Snapshot()
	names := make([]string, 0, len(doc.Servers))
	for n := range doc.Servers {
		names = append(names, n)
	}
	sort.Strings(names)

	var resume []string
	for _, name := range names {
		if _, ok := s.defs[name]; !ok {
			continue
		}
		rec := doc.Servers[name]
		st := registry.State{
			Name:         name,
			Status:       registry.Stopped,
			StartedAt:    rec.LastStart,
			LastAccessAt: rec.LastAccess,
			AccessCount:  rec.AccessCount,
			LastError:    rec.LastError,
		}
		prev, err := registry.ParseStatus(rec.Status)
		adoptable := err == nil && (prev == registry.Running || prev == registry.Stopping)
		if adoptable && rec.PID > 0 {
			h, aerr := process.Adopt(name, rec.PID, rec.ProcessStartUnix)
			switch {
			case aerr != nil:
				s.log.Info("recorded process is gone, marking stopped", "server", name, "pid", rec.PID, "reason", aerr)
			case prev == registry.Stopping:
				st.Handle = h
				st.Status = registry.Stopping
				st.Unkillable = rec.Unkillable
				if !rec.Unkillable {
					resume = append(resume, name)
				}
				s.log.Info("adopted stopping server", "server", name, "pid", rec.PID, "unkillable", rec.Unkillable)
			default:
				st.Handle = h
				st.Status = registry.Running
				s.log.Info("adopted running server", "server", name, "pid", rec.PID)
			}
		}
		if st.LastAccessAt.Before(st.StartedAt) {
			st.LastAccessAt = st.StartedAt
		}
		s.reg.Seed(st)
	}

	for _, name := range resume {
		s.evictions.Add(1)
		go func(name string) {
			defer s.evictions.Done()
			if err := s.stop(context.Background(), name, ModeGraceful); err != nil {
				s.log.Error("resumed stop failed", "server", name, "error", err)
			}
		}(name)
	}
}
