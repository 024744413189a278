// Package store persists supervisor and per-server metrics to a JSON file.
//
// The file is replaced atomically on every update (write to a temp file in
// the same directory, fsync, rename), so readers never observe a partial
// document. An unreadable file is moved aside and a fresh document is used.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrCorrupt reports a metrics file that could not be decoded.
	ErrCorrupt = errors.New("metrics file corrupt")
	// ErrWriteFailed reports a failed flush. In-memory state stays valid.
	ErrWriteFailed = errors.New("metrics write failed")
)

// Supervisor status values stored in SupervisorRecord.Status.
const (
	SupervisorStarting = "starting"
	SupervisorRunning  = "running"
	SupervisorStopping = "stopping"
	SupervisorStopped  = "stopped"
)

// ServerRecord is the persisted view of one server.
type ServerRecord struct {
	Status           string    `json:"status"`
	LastStart        time.Time `json:"last_start"`
	LastAccess       time.Time `json:"last_access"`
	AccessCount      int64     `json:"access_count"`
	PID              int       `json:"pid,omitempty"`
	ProcessStartUnix int64     `json:"process_start_unix,omitempty"`
	Unkillable       bool      `json:"unkillable,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	Starts           int64     `json:"starts"`
	Stops            int64     `json:"stops"`
}

// SupervisorRecord holds daemon-wide counters.
type SupervisorRecord struct {
	ActiveCount        int       `json:"active_count"`
	TotalStarts        int64     `json:"total_starts"`
	TotalStops         int64     `json:"total_stops"`
	TotalEvictions     int64     `json:"total_evictions"`
	TotalSpawnFailures int64     `json:"total_spawn_failures"`
	LastActivity       time.Time `json:"last_activity"`
	StartTime          time.Time `json:"supervisor_start_time"`
	Status             string    `json:"supervisor_status"`
	PID                int       `json:"pid,omitempty"`
}

// Document is the layout of the metrics file.
type Document struct {
	Servers    map[string]ServerRecord `json:"servers"`
	Supervisor SupervisorRecord        `json:"supervisor"`
}

// NewDocument returns an empty document.
func NewDocument() Document {
	return Document{
		Servers:    map[string]ServerRecord{},
		Supervisor: SupervisorRecord{Status: SupervisorStopped},
	}
}

func (d Document) clone() Document {
	c := Document{Servers: make(map[string]ServerRecord, len(d.Servers)), Supervisor: d.Supervisor}
	for k, v := range d.Servers {
		c.Servers[k] = v
	}
	return c
}

// Store owns the in-memory document and its file. An empty path keeps the
// document in memory only.
type Store struct {
	path      string
	log       *slog.Logger
	mu        sync.Mutex
	doc       Document
	recovered bool
}

// Open loads path. A missing file yields a fresh document. A corrupt file is
// renamed to <path>.corrupt-<unix>, a warning is logged and a fresh document
// is used; Recovered then reports true.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{path: path, log: log, doc: NewDocument()}
	if path == "" {
		return s, nil
	}
	doc, err := Read(path)
	switch {
	case err == nil:
		s.doc = doc
	case errors.Is(err, fs.ErrNotExist):
	case errors.Is(err, ErrCorrupt):
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if rerr := os.Rename(path, aside); rerr != nil {
			aside = ""
		}
		s.recovered = true
		log.Warn("metrics file corrupt, reinitializing", "path", path, "moved_to", aside, "error", err)
	default:
		return nil, err
	}
	return s, nil
}

// Read decodes the metrics file without taking ownership of it.
func Read(path string) (Document, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Document{}, err
	}
	doc := NewDocument()
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if doc.Servers == nil {
		doc.Servers = map[string]ServerRecord{}
	}
	return doc, nil
}

// Path returns the backing file, empty for memory-only stores.
func (s *Store) Path() string { return s.path }

// Recovered reports whether Open replaced a corrupt file.
func (s *Store) Recovered() bool { return s.recovered }

// Snapshot returns a copy of the current document.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.clone()
}

// Server returns the record for name.
func (s *Store) Server(name string) (ServerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.doc.Servers[name]
	return r, ok
}

// Update applies fn to the document and flushes it.
func (s *Store) Update(fn func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.doc)
	if s.doc.Servers == nil {
		s.doc.Servers = map[string]ServerRecord{}
	}
	return s.flushLocked()
}

// UpdateServer applies fn to the record for name, creating it if needed.
func (s *Store) UpdateServer(name string, fn func(*ServerRecord)) error {
	return s.Update(func(d *Document) {
		r := d.Servers[name]
		fn(&r)
		d.Servers[name] = r
	})
}

// UpdateSupervisor applies fn to the supervisor record.
func (s *Store) UpdateSupervisor(fn func(*SupervisorRecord)) error {
	return s.Update(func(d *Document) { fn(&d.Supervisor) })
}

// Flush writes the current document.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrWriteFailed, err)
	}
	if err := WriteFileAtomic(s.path, b, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// WriteFileAtomic replaces path with data. The temp file lives in the same
// directory so the final rename never crosses filesystems.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
