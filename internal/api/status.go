package api

import (
	"sync"
	"time"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
)

// ReaderSnapshot holds the reader list last seen by the watcher, so the
// API never touches the PC/SC context itself.
type ReaderSnapshot struct {
	mu       sync.RWMutex
	readers  []core.Reader
	updated  time.Time
	lastScan time.Time
	scans    int
	onChange func([]core.Reader)
}

// NewReaderSnapshot creates an empty snapshot.
func NewReaderSnapshot() *ReaderSnapshot {
	return &ReaderSnapshot{readers: []core.Reader{}}
}

// Observe records an enumeration result. Its signature matches
// core.WithObserver.
func (s *ReaderSnapshot) Observe(names []string) {
	readers := core.DescribeReaders(names)

	s.mu.Lock()
	changed := !sameReaderList(s.readers, readers)
	s.readers = readers
	s.updated = time.Now()
	onChange := s.onChange
	s.mu.Unlock()

	if changed && onChange != nil {
		onChange(readers)
	}
}

// Readers returns the current reader list.
func (s *ReaderSnapshot) Readers() []core.Reader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Reader(nil), s.readers...)
}

// recordScan notes a delivered identifier for the health endpoint.
func (s *ReaderSnapshot) recordScan(at time.Time) {
	s.mu.Lock()
	s.lastScan = at
	s.scans++
	s.mu.Unlock()
}

type snapshotStats struct {
	ReaderCount int        `json:"readerCount"`
	Updated     *time.Time `json:"updated,omitempty"`
	LastScan    *time.Time `json:"lastScan,omitempty"`
	Scans       int        `json:"scans"`
}

func (s *ReaderSnapshot) stats() snapshotStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := snapshotStats{ReaderCount: len(s.readers), Scans: s.scans}
	if !s.updated.IsZero() {
		t := s.updated
		st.Updated = &t
	}
	if !s.lastScan.IsZero() {
		t := s.lastScan
		st.LastScan = &t
	}
	return st
}

func sameReaderList(a, b []core.Reader) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
