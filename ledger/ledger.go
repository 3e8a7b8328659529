package ledger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/dhcgn/mailsink/model"
	"github.com/dhcgn/mailsink/storage"
)

// ErrNotFound is returned by a Store that has no prior ledger to load.
var ErrNotFound = errors.New("ledger not found")

// CorruptionError reports a ledger document that cannot be parsed.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("ledger %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// State describes what Open found.
type State int

const (
	// StateEmpty means there was no prior ledger.
	StateEmpty State = iota
	StateLoaded
	// StateRecovered means the prior ledger was corrupt and was replaced by an empty one.
	StateRecovered
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoaded:
		return "loaded"
	case StateRecovered:
		return "recovered"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Entry records one successful ingestion of a source.
type Entry struct {
	Source     string   `json:"-"`
	IngestedAt string   `json:"timestamp"`
	Folders    []string `json:"folders"`
	Digest     string   `json:"digest,omitempty"`
}

// Validate rejects entries that cannot be trusted after a load.
func (e Entry) Validate() error {
	if e.Source == "" {
		return errors.New("empty source")
	}
	if _, err := model.ParseTimestamp(e.IngestedAt); err != nil {
		return fmt.Errorf("timestamp %q: %w", e.IngestedAt, err)
	}
	if len(e.Folders) == 0 {
		return errors.New("no folders")
	}
	for _, folder := range e.Folders {
		if folder == "" {
			return errors.New("empty folder path")
		}
	}
	return nil
}

// Store persists the ledger document.
type Store interface {
	// Load returns ErrNotFound when no ledger exists yet and a *CorruptionError
	// when the stored document is unreadable.
	Load() (map[string]Entry, error)
	Save(entries map[string]Entry) error
	Close() error
}

// Ledger maps sources to their last successful ingestion. All methods are
// safe for concurrent use.
type Ledger struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]Entry
	state   State
	dirty   bool
}

// Open loads the ledger from store once.
func Open(store Store, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &Ledger{
		store:   store,
		logger:  logger,
		entries: make(map[string]Entry),
	}

	loaded, err := store.Load()
	var corrupt *CorruptionError
	switch {
	case errors.Is(err, ErrNotFound):
		l.state = StateEmpty
	case errors.As(err, &corrupt):
		logger.Error("ledger unreadable, starting empty", "err", err)
		l.state = StateRecovered
		l.dirty = true
	case err != nil:
		return nil, fmt.Errorf("load ledger: %w", err)
	default:
		l.state = StateLoaded
		for source, entry := range loaded {
			entry.Source = source
			entry.Folders = normalizeFolders(entry.Folders)
			if err := entry.Validate(); err != nil {
				logger.Warn("dropping invalid ledger entry", "source", source, "err", err)
				l.dirty = true
				continue
			}
			l.entries[source] = entry
		}
	}

	logger.Debug("ledger opened", "state", l.state, "entries", len(l.entries))
	return l, nil
}

func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) Lookup(source string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[source]
	if !ok {
		return Entry{}, false
	}
	entry.Folders = slices.Clone(entry.Folders)
	return entry, true
}

// IsCurrent reports whether source has an entry whose folders all still exist.
func (l *Ledger) IsCurrent(source string) bool {
	entry, ok := l.Lookup(source)
	if !ok {
		return false
	}
	for _, folder := range entry.Folders {
		if !storage.DirExists(folder) {
			return false
		}
	}
	return true
}

// Record inserts or overwrites the entry for source.
func (l *Ledger) Record(source, timestamp string, folders []string, digest string) error {
	entry := Entry{
		Source:     source,
		IngestedAt: timestamp,
		Folders:    normalizeFolders(folders),
		Digest:     digest,
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("record %s: %w", source, err)
	}

	l.mu.Lock()
	l.entries[source] = entry
	l.dirty = true
	l.mu.Unlock()
	return nil
}

func (l *Ledger) Forget(source string) {
	l.mu.Lock()
	if _, ok := l.entries[source]; ok {
		delete(l.entries, source)
		l.dirty = true
	}
	l.mu.Unlock()
}

// Entries returns a snapshot sorted by source.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		entry.Folders = slices.Clone(entry.Folders)
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Flush persists the ledger when it changed since the last flush.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}

	snapshot := make(map[string]Entry, len(l.entries))
	for source, entry := range l.entries {
		snapshot[source] = entry
	}
	if err := l.store.Save(snapshot); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	l.dirty = false
	l.logger.Debug("ledger flushed", "entries", len(snapshot))
	return nil
}

func (l *Ledger) Close() error {
	return l.store.Close()
}

func normalizeFolders(folders []string) []string {
	out := make([]string, 0, len(folders))
	for _, folder := range folders {
		out = append(out, cleanPath(folder))
	}
	sort.Strings(out)
	return slices.Compact(out)
}
