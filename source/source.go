package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mailsink/model"
	"github.com/dhcgn/mailsink/runner"
)

const (
	ExtEML  = ".eml"
	ExtMbox = ".mbox"
)

// DefaultExtensions are scanned when a Walker has none configured.
var DefaultExtensions = []string{ExtEML, ExtMbox}

// Walker finds message files below Root. Files ending in .mbox are read as
// archives; every other matching file holds a single message.
type Walker struct {
	Root       string
	Extensions []string
}

// Files returns the absolute paths of all matching files in lexical order.
func (w Walker) Files() ([]string, error) {
	root := strings.TrimSpace(w.Root)
	if root == "" {
		return nil, fmt.Errorf("source directory is empty")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve source directory: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", root)
	}

	exts := w.extensions()
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if exts[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Strings(files)
	return files, nil
}

func (w Walker) extensions() map[string]bool {
	list := w.Extensions
	if len(list) == 0 {
		list = DefaultExtensions
	}
	exts := make(map[string]bool, len(list))
	for _, ext := range list {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	return exts
}

// Walk calls fn with one envelope per message. A file that cannot be read is
// passed as an envelope carrying Err; only a failing walk or fn stops it.
func (w Walker) Walk(ctx context.Context, fn func(model.Envelope) error) error {
	files, err := w.Files()
	if err != nil {
		return err
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		if IsMbox(path) {
			if err := readMbox(ctx, path, fn); err != nil {
				return err
			}
			continue
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			if err := fn(model.Envelope{Source: path, Err: fmt.Errorf("read: %w", err)}); err != nil {
				return err
			}
			continue
		}
		if err := fn(model.NewEnvelope(path, raw)); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of messages Walk would produce.
func (w Walker) Count() (int, error) {
	files, err := w.Files()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, path := range files {
		if !IsMbox(path) {
			total++
			continue
		}
		n, err := CountMessages(path)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func IsMbox(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ExtMbox)
}

// MboxSource is the identity of the n-th message (1-based) of an archive.
func MboxSource(path string, n int) string {
	return path + "#" + strconv.Itoa(n)
}

func readMbox(ctx context.Context, path string, fn func(model.Envelope) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fn(model.Envelope{Source: path, Err: fmt.Errorf("open mbox: %w", err)})
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// The reader cannot resync after a framing error.
			return fn(model.Envelope{Source: MboxSource(path, n), Err: fmt.Errorf("message %d: %w", n, err)})
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fn(model.Envelope{Source: MboxSource(path, n), Err: fmt.Errorf("message %d read: %w", n, err)})
		}

		if err := fn(model.NewEnvelope(MboxSource(path, n), raw)); err != nil {
			return err
		}
	}
}

// CountMessages counts the messages of an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return count, err
		}
		count++
	}
}

// Producer feeds the runner from a Walker.
type Producer struct {
	walker Walker
	runner *runner.Runner
	logger *slog.Logger
}

func NewProducer(walker Walker, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	if _, err := walker.Files(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	producer := &Producer{walker: walker, runner: r, logger: logger}
	r.AddStage("source", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseSource()
	out := p.runner.SourceWriter()
	return p.walker.Walk(ctx, func(env model.Envelope) error {
		if env.Err != nil {
			p.logger.Error("source read error", "source", env.Source, "err", env.Err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- env:
			return nil
		}
	})
}
