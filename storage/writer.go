package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dhcgn/mailsink/model"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// maxNameAttempts bounds the counter suffix search for a free .txt name.
	maxNameAttempts = 10000
)

// IOError wraps a filesystem failure during a write.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func ioErr(op, path string, err error) error {
	var existing *IOError
	if errors.As(err, &existing) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// HeaderSummary is written at the top of every .txt file.
type HeaderSummary struct {
	From    string
	To      string
	Subject string
	Date    string
}

func (h HeaderSummary) String() string {
	return fmt.Sprintf("From: %s\nTo: %s\nSubject: %s\nDate: %s\n\n", h.From, h.To, h.Subject, h.Date)
}

type Options struct {
	DryRun bool
}

// Writer persists split messages into recipient folders. It is safe for
// concurrent use; marker updates are serialized per folder.
type Writer struct {
	opts   Options
	logger *slog.Logger

	locksMu     sync.Mutex
	folderLocks map[string]*sync.Mutex
}

func New(opts Options, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Writer{opts: opts, logger: logger, folderLocks: make(map[string]*sync.Mutex)}
}

func (w *Writer) lockFolder(folder string) func() {
	w.locksMu.Lock()
	mu, ok := w.folderLocks[folder]
	if !ok {
		mu = new(sync.Mutex)
		w.folderLocks[folder] = mu
	}
	w.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (w *Writer) DryRun() bool {
	return w.opts.DryRun
}

// Written lists the files one Write created. Attachments that replaced an
// existing file of the same name are not listed.
type Written struct {
	Folder      string
	TextFile    string
	Attachments []string

	createdFolder bool
}

// Write stores the attachments and then the text file for one message in
// folder and returns the path of the text file. Attachments are complete on
// disk before the text file appears.
func (w *Writer) Write(folder, baseName string, header HeaderSummary, text string, attachments []model.Attachment) (string, error) {
	written, err := w.WriteMessage(folder, baseName, header, text, attachments)
	return written.TextFile, err
}

// WriteMessage is Write reporting every created file. On error the files
// created so far are removed again.
func (w *Writer) WriteMessage(folder, baseName string, header HeaderSummary, text string, attachments []model.Attachment) (Written, error) {
	written := Written{Folder: folder}
	if w.opts.DryRun {
		written.TextFile = filepath.Join(folder, baseName+".txt")
		w.logger.Debug("dry-run write", "path", written.TextFile, "attachments", len(attachments))
		return written, nil
	}

	written.createdFolder = !DirExists(folder)
	if err := os.MkdirAll(folder, dirPerm); err != nil {
		return Written{}, ioErr("mkdir", folder, err)
	}

	fail := func(err error) (Written, error) {
		w.Remove(written)
		return Written{}, err
	}

	for _, att := range attachments {
		path := filepath.Join(folder, att.Filename)
		_, statErr := os.Lstat(path)
		if err := WriteFileAtomic(path, att.Data); err != nil {
			return fail(err)
		}
		if IsNotExist(statErr) {
			written.Attachments = append(written.Attachments, path)
		}
		w.logger.Debug("attachment written", "path", path, "size", len(att.Data))
	}

	file, path, err := createUnique(folder, baseName, ".txt")
	if err != nil {
		return fail(err)
	}

	if _, err := file.WriteString(header.String() + text); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return fail(ioErr("write", path, err))
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return fail(ioErr("close", path, err))
	}

	written.TextFile = path
	return written, nil
}

// Remove deletes the files of written, and the folder when this write
// created it and it is left empty. Missing files are ignored.
func (w *Writer) Remove(written Written) {
	if w.opts.DryRun {
		return
	}
	paths := append([]string(nil), written.Attachments...)
	if written.TextFile != "" {
		paths = append(paths, written.TextFile)
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !IsNotExist(err) {
			w.logger.Warn("removing partial output failed", "path", path, "err", err)
		}
	}
	if written.createdFolder {
		if entries, err := os.ReadDir(written.Folder); err == nil && len(entries) == 0 {
			_ = os.Remove(written.Folder)
		}
	}
}

// createUnique reserves base+ext, or base_N+ext when taken.
func createUnique(folder, base, ext string) (*os.File, string, error) {
	for i := 0; i < maxNameAttempts; i++ {
		name := base
		if i > 0 {
			name = base + "_" + strconv.Itoa(i)
		}
		path := filepath.Join(folder, name+ext)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_TRUNC, filePerm)
		if err == nil {
			return file, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", ioErr("create", path, err)
		}
	}
	return nil, "", ioErr("create", filepath.Join(folder, base+ext), errors.New("no free file name"))
}

// WriteFileAtomic replaces path with data through a temp file in the same directory.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return ioErr("create temp", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return ioErr("write", path, err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return ioErr("chmod", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return ioErr("close", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return ioErr("rename", path, err)
	}
	return nil
}

// IsNotExist reports whether err means a missing folder or marker.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// DirExists reports whether path exists and is a directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
