package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dhcgn/mailsink/model"
)

// Marker is the identity marker of a recipient folder. It lists every source
// that wrote into the folder and the timestamp of that ingestion.
type Marker struct {
	Records []MarkerRecord `json:"records"`
}

type MarkerRecord struct {
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// Find returns the record for source.
func (m Marker) Find(source string) (MarkerRecord, bool) {
	for _, rec := range m.Records {
		if rec.Source == source {
			return rec, true
		}
	}
	return MarkerRecord{}, false
}

func MarkerPath(folder string) string {
	return filepath.Join(folder, model.MarkerFileName)
}

// ReadMarker loads the marker of folder. A missing marker returns an error
// matching IsNotExist.
func ReadMarker(folder string) (Marker, error) {
	path := MarkerPath(folder)
	data, err := os.ReadFile(path)
	if err != nil {
		return Marker{}, err
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return Marker{}, fmt.Errorf("parse marker %s: %w", path, err)
	}
	return marker, nil
}

// AddMarkerRecord inserts rec into the marker of folder, replacing any record
// with the same source. A folder keeps only its newest live record.
func (w *Writer) AddMarkerRecord(folder string, rec MarkerRecord) error {
	if w.opts.DryRun {
		return nil
	}

	unlock := w.lockFolder(folder)
	defer unlock()

	live := model.IsLiveSource(rec.Source)
	marker := w.loadForUpdate(folder)
	kept := marker.Records[:0]
	for _, existing := range marker.Records {
		if existing.Source == rec.Source || (live && model.IsLiveSource(existing.Source)) {
			continue
		}
		kept = append(kept, existing)
	}
	marker.Records = append(kept, rec)
	return w.saveMarker(folder, marker)
}

// RemoveMarkerRecords drops the records of the given sources and deletes the
// marker once it is empty. It returns the number of removed records.
func (w *Writer) RemoveMarkerRecords(folder string, sources map[string]bool) (int, error) {
	if w.opts.DryRun || len(sources) == 0 {
		return 0, nil
	}

	unlock := w.lockFolder(folder)
	defer unlock()

	marker, err := ReadMarker(folder)
	if err != nil {
		if IsNotExist(err) {
			return 0, nil
		}
		return 0, ioErr("read marker", MarkerPath(folder), err)
	}

	kept := marker.Records[:0]
	for _, rec := range marker.Records {
		if !sources[rec.Source] {
			kept = append(kept, rec)
		}
	}
	removed := len(marker.Records) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	marker.Records = kept

	if len(marker.Records) == 0 {
		if err := os.Remove(MarkerPath(folder)); err != nil && !IsNotExist(err) {
			return 0, ioErr("remove marker", MarkerPath(folder), err)
		}
		return removed, nil
	}
	return removed, w.saveMarker(folder, marker)
}

// loadForUpdate starts from an empty marker when the existing one is missing
// or unreadable.
func (w *Writer) loadForUpdate(folder string) Marker {
	marker, err := ReadMarker(folder)
	if err != nil {
		if !IsNotExist(err) {
			w.logger.Warn("replacing unreadable marker", "folder", folder, "err", err)
		}
		return Marker{}
	}
	return marker
}

func (w *Writer) saveMarker(folder string, marker Marker) error {
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	return WriteFileAtomic(MarkerPath(folder), append(data, '\n'))
}
