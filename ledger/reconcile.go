package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhcgn/mailsink/model"
	"github.com/dhcgn/mailsink/storage"
)

// ReconcileMode selects when Reconcile runs at the start of a scan.
type ReconcileMode string

const (
	// ReconcileAuto skips reconciliation only when there was no prior ledger.
	ReconcileAuto   ReconcileMode = "auto"
	ReconcileAlways ReconcileMode = "always"
	ReconcileNever  ReconcileMode = "never"
)

func ParseReconcileMode(s string) (ReconcileMode, error) {
	switch mode := ReconcileMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "":
		return ReconcileAuto, nil
	case ReconcileAuto, ReconcileAlways, ReconcileNever:
		return mode, nil
	}
	return "", fmt.Errorf("invalid reconcile mode %q", s)
}

// ShouldReconcile reports whether a scan in mode must reconcile this ledger.
func (l *Ledger) ShouldReconcile(mode ReconcileMode) bool {
	switch mode {
	case ReconcileNever:
		return false
	case ReconcileAlways:
		return true
	}
	return l.State() != StateEmpty
}

// MarkerEditor removes marker records. *storage.Writer implements it.
type MarkerEditor interface {
	RemoveMarkerRecords(folder string, sources map[string]bool) (int, error)
}

// Dropped is a ledger entry removed by Reconcile.
type Dropped struct {
	Source string
	Folder string
	Reason string
}

type ReconcileReport struct {
	Checked        int
	Dropped        []Dropped
	RecordsRemoved int
}

// Reconcile checks every entry against the markers on disk. An entry is
// dropped when one of its folders is gone, has no marker, or the marker has no
// matching record for the source. Marker records under root that no longer
// match a ledger entry are removed afterwards.
func (l *Ledger) Reconcile(root string, markers MarkerEditor) (ReconcileReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var report ReconcileReport
	stale := make(map[string]map[string]bool)
	markStale := func(folder, source string) {
		if stale[folder] == nil {
			stale[folder] = make(map[string]bool)
		}
		stale[folder][source] = true
	}

	sources := make([]string, 0, len(l.entries))
	for source := range l.entries {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	for _, source := range sources {
		entry := l.entries[source]
		report.Checked++

		folder, reason := firstMismatch(entry)
		if reason == "" {
			continue
		}

		delete(l.entries, source)
		l.dirty = true
		report.Dropped = append(report.Dropped, Dropped{Source: source, Folder: folder, Reason: reason})
		l.logger.Info("ledger entry is stale", "source", source, "folder", folder, "reason", reason)

		for _, f := range entry.Folders {
			if storage.DirExists(f) {
				markStale(f, source)
			}
		}
	}

	if err := l.collectOrphans(root, markStale); err != nil {
		return report, err
	}

	folders := make([]string, 0, len(stale))
	for folder := range stale {
		folders = append(folders, folder)
	}
	sort.Strings(folders)
	for _, folder := range folders {
		removed, err := markers.RemoveMarkerRecords(folder, stale[folder])
		if err != nil {
			return report, fmt.Errorf("reconcile %s: %w", folder, err)
		}
		report.RecordsRemoved += removed
	}

	return report, nil
}

func firstMismatch(entry Entry) (string, string) {
	for _, folder := range entry.Folders {
		if !storage.DirExists(folder) {
			return folder, "folder missing"
		}
		marker, err := storage.ReadMarker(folder)
		if storage.IsNotExist(err) {
			return folder, "marker missing"
		}
		if err != nil {
			return folder, "marker unreadable"
		}
		rec, ok := marker.Find(entry.Source)
		if !ok {
			return folder, "marker record missing"
		}
		if rec.Timestamp != entry.IngestedAt {
			return folder, "timestamp mismatch"
		}
	}
	return "", ""
}

// collectOrphans flags marker records under root without a matching ledger
// entry. Live delivery records never have entries and are left alone.
func (l *Ledger) collectOrphans(root string, markStale func(folder, source string)) error {
	if root == "" {
		return nil
	}
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read output root: %w", err)
	}

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		folder := cleanPath(filepath.Join(root, d.Name()))
		marker, err := storage.ReadMarker(folder)
		if err != nil {
			if !storage.IsNotExist(err) {
				l.logger.Warn("skipping unreadable marker", "folder", folder, "err", err)
			}
			continue
		}
		for _, rec := range marker.Records {
			if IsLiveSource(rec.Source) {
				continue
			}
			entry, ok := l.entries[rec.Source]
			if !ok || entry.IngestedAt != rec.Timestamp || !containsFolder(entry.Folders, folder) {
				markStale(folder, rec.Source)
			}
		}
	}
	return nil
}

func containsFolder(folders []string, folder string) bool {
	i := sort.SearchStrings(folders, folder)
	return i < len(folders) && folders[i] == folder
}

// IsLiveSource reports identities minted per SMTP or HTTP delivery.
func IsLiveSource(source string) bool {
	return model.IsLiveSource(source)
}
