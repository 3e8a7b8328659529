package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dhcgn/mailsink/decoder"
	"github.com/dhcgn/mailsink/model"
	"github.com/dhcgn/mailsink/splitter"
	"github.com/dhcgn/mailsink/storage"
)

// Result describes one successful ingestion.
type Result struct {
	Source      string   `json:"source"`
	IngestedAt  string   `json:"ingested_at"`
	Folders     []string `json:"folders"`
	TextFiles   []string `json:"text_files"`
	Attachments int      `json:"attachments"`
}

// Permanent reports errors that will fail again for the same bytes.
// Everything else is treated as transient.
func Permanent(err error) bool {
	var malformed *decoder.MalformedMessageError
	var address *model.AddressParseError
	return errors.As(err, &malformed) || errors.As(err, &address)
}

type Options struct {
	// OutputRoot holds one folder per recipient local part.
	OutputRoot string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Driver runs decode, split and write for one message. It keeps no per-message
// state and may be used from several goroutines.
type Driver struct {
	root    string
	now     func() time.Time
	decoder *decoder.Decoder
	writer  *storage.Writer
	logger  *slog.Logger
}

func NewDriver(opts Options, writer *storage.Writer, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Driver{
		root:    opts.OutputRoot,
		now:     now,
		decoder: decoder.New(logger),
		writer:  writer,
		logger:  logger,
	}
}

func (d *Driver) Root() string {
	return d.root
}

// Ingest writes env into the folder of every recipient. Recipients are
// validated before anything is written; a bad address fails the whole message.
// When one folder fails, the folders already written are rolled back.
func (d *Driver) Ingest(ctx context.Context, env model.Envelope) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	msg, err := d.decoder.Decode(env.Raw)
	if err != nil {
		return Result{}, err
	}

	to := msg.To
	if to == "" && len(env.EnvelopeTo) > 0 {
		to = strings.Join(env.EnvelopeTo, ", ")
	}
	recipients, err := model.ParseRecipients(to)
	if err != nil {
		return Result{}, err
	}
	msg.Recipients = recipients

	sender := msg.Sender
	if sender == "" {
		sender = env.EnvelopeFrom
	}

	content := splitter.Split(msg)
	ts := model.FormatTimestamp(d.now())
	baseName := storage.BaseName(msg.Subject, ts)
	header := storage.HeaderSummary{From: sender, To: to, Subject: msg.Subject, Date: ts}

	result := Result{
		Source:      env.Source,
		IngestedAt:  ts,
		Attachments: len(content.Attachments),
	}
	var applied []folderWrite
	seen := make(map[string]bool, len(recipients))
	for _, addr := range recipients {
		folder := storage.FolderFor(d.root, addr)
		if seen[folder] {
			continue
		}
		seen[folder] = true

		fw, err := d.writeFolder(folder, env.Source, ts, baseName, header, content)
		if err != nil {
			d.rollback(env.Source, applied)
			return Result{}, err
		}
		applied = append(applied, fw)

		result.Folders = append(result.Folders, folder)
		result.TextFiles = append(result.TextFiles, fw.written.TextFile)
	}

	d.logger.Debug("message ingested", "source", env.Source, "folders", result.Folders, "attachments", result.Attachments)
	return result, nil
}

// folderWrite is what one recipient folder received, kept to undo it.
type folderWrite struct {
	written  storage.Written
	prior    storage.MarkerRecord
	hadPrior bool
}

func (d *Driver) writeFolder(folder, source, ts, baseName string, header storage.HeaderSummary, content model.Content) (folderWrite, error) {
	var fw folderWrite
	if marker, err := storage.ReadMarker(folder); err == nil {
		fw.prior, fw.hadPrior = marker.Find(source)
	}

	written, err := d.writer.WriteMessage(folder, baseName, header, content.Text, content.Attachments)
	if err != nil {
		return fw, err
	}
	fw.written = written

	if err := d.writer.AddMarkerRecord(folder, storage.MarkerRecord{Source: source, Timestamp: ts}); err != nil {
		d.writer.Remove(written)
		return fw, err
	}
	return fw, nil
}

// rollback removes the output of folders already written for source so a
// failed message leaves no partial copies behind.
func (d *Driver) rollback(source string, applied []folderWrite) {
	for i := len(applied) - 1; i >= 0; i-- {
		fw := applied[i]

		var err error
		if fw.hadPrior {
			err = d.writer.AddMarkerRecord(fw.written.Folder, fw.prior)
		} else {
			_, err = d.writer.RemoveMarkerRecords(fw.written.Folder, map[string]bool{source: true})
		}
		if err != nil {
			d.logger.Warn("restoring marker failed", "folder", fw.written.Folder, "source", source, "err", err)
		}
		d.writer.Remove(fw.written)
	}
	if len(applied) > 0 {
		d.logger.Debug("partial output removed", "source", source, "folders", len(applied))
	}
}
