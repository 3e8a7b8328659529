package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailsink/decoder"
	"github.com/dhcgn/mailsink/ledger"
	"github.com/dhcgn/mailsink/model"
	"github.com/dhcgn/mailsink/runner"
	"github.com/dhcgn/mailsink/stats"
	"github.com/dhcgn/mailsink/storage"
)

var fixedTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)

func fixedClock() time.Time { return fixedTime }

const plainMessage = "From: sender@example.com\n" +
	"To: alice@example.com\n" +
	"Subject: Hello\n" +
	"Content-Type: text/plain; charset=utf-8\n" +
	"\n" +
	"Hi Alice"

const mixedMessage = "From: sender@example.com\n" +
	"To: alice@example.com, bob@example.org\n" +
	"Subject: Report\n" +
	"MIME-Version: 1.0\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\n" +
	"\n" +
	"--outer\n" +
	"Content-Type: text/html; charset=utf-8\n" +
	"\n" +
	"<html><body><p>Hi there</p></body></html>\n" +
	"--outer\n" +
	"Content-Type: application/pdf\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\n" +
	"Content-Transfer-Encoding: base64\n" +
	"\n" +
	"JVBERi0xLjQK\n" +
	"--outer--\n"

func newDriver(root string) *Driver {
	return NewDriver(Options{OutputRoot: root, Now: fixedClock}, storage.New(storage.Options{}, nil), nil)
}

func TestDriver_IngestPlainText(t *testing.T) {
	root := t.TempDir()
	d := newDriver(root)

	res, err := d.Ingest(context.Background(), model.NewEnvelope("a.eml", []byte(plainMessage)))
	require.NoError(t, err)

	folder := filepath.Join(root, "alice")
	assert.Equal(t, []string{folder}, res.Folders)
	assert.Equal(t, "20240102030405", res.IngestedAt)
	require.Len(t, res.TextFiles, 1)
	assert.Equal(t, filepath.Join(folder, "Hello_20240102030405.txt"), res.TextFiles[0])

	data, err := os.ReadFile(res.TextFiles[0])
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "From: sender@example.com\nTo: alice@example.com\nSubject: Hello\nDate: 20240102030405\n\n"), text)
	assert.Contains(t, text, "Hi Alice")

	marker, err := storage.ReadMarker(folder)
	require.NoError(t, err)
	rec, ok := marker.Find("a.eml")
	require.True(t, ok)
	assert.Equal(t, "20240102030405", rec.Timestamp)
}

func TestDriver_FanOutWithHTMLAndAttachment(t *testing.T) {
	root := t.TempDir()
	d := newDriver(root)

	res, err := d.Ingest(context.Background(), model.NewEnvelope("m.eml", []byte(mixedMessage)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attachments)
	require.Len(t, res.Folders, 2)

	for _, name := range []string{"alice", "bob"} {
		folder := filepath.Join(root, name)
		data, err := os.ReadFile(filepath.Join(folder, "Report_20240102030405.txt"))
		require.NoError(t, err)
		assert.Contains(t, string(data), "Hi there")
		assert.NotContains(t, string(data), "<p>")

		pdf, err := os.ReadFile(filepath.Join(folder, "report.pdf"))
		require.NoError(t, err)
		assert.Equal(t, "%PDF-1.4\n", string(pdf))
	}
}

func TestDriver_LocalPartCollisionSharesFolder(t *testing.T) {
	root := t.TempDir()
	d := newDriver(root)
	raw := strings.Replace(plainMessage, "To: alice@example.com", "To: alice@a.com, alice@b.com", 1)

	res, err := d.Ingest(context.Background(), model.NewEnvelope("c.eml", []byte(raw)))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "alice")}, res.Folders)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDriver_MalformedRecipientWritesNothing(t *testing.T) {
	root := t.TempDir()
	d := newDriver(root)
	raw := strings.Replace(plainMessage, "To: alice@example.com", "To: alice@example.com, broken", 1)

	_, err := d.Ingest(context.Background(), model.NewEnvelope("bad.eml", []byte(raw)))
	require.Error(t, err)

	var addrErr *model.AddressParseError
	assert.ErrorAs(t, err, &addrErr)
	assert.True(t, Permanent(err))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDriver_EnvelopeRecipientsFallback(t *testing.T) {
	root := t.TempDir()
	d := newDriver(root)
	raw := "From: x@example.com\nSubject: No To\n\nbody"

	env := model.NewEnvelope("smtp:1", []byte(raw))
	env.EnvelopeTo = []string{"carol@example.com"}

	res, err := d.Ingest(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "carol")}, res.Folders)
}

func TestDriver_CanceledContext(t *testing.T) {
	d := newDriver(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Ingest(ctx, model.NewEnvelope("a.eml", []byte(plainMessage)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, Permanent(err))
}

func TestDriver_DeterministicTree(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()

	for _, root := range []string{rootA, rootB} {
		_, err := newDriver(root).Ingest(context.Background(), model.NewEnvelope("m.eml", []byte(mixedMessage)))
		require.NoError(t, err)
	}

	a, b := snapshotTree(t, rootA), snapshotTree(t, rootB)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}

func TestPermanent(t *testing.T) {
	_, decodeErr := decoder.Decode(nil)
	require.Error(t, decodeErr)

	assert.True(t, Permanent(decodeErr))
	assert.True(t, Permanent(&model.AddressParseError{Value: "x"}))
	assert.False(t, Permanent(&storage.IOError{Op: "write", Path: "/x", Err: fs.ErrPermission}))
	assert.False(t, Permanent(errors.New("other")))
}

// runScan pushes envs through a runner wired like the scan command.
func runScan(t *testing.T, root string, l *ledger.Ledger, envs ...model.Envelope) stats.Summary {
	t.Helper()

	r := runner.New(context.Background(), runner.Options{Ledger: l}, nil)
	_, err := NewStage(newDriver(root), r, nil)
	require.NoError(t, err)
	reporter := stats.NewReporter(r, nil)

	r.AddStage("source", func(ctx context.Context) error {
		defer r.CloseSource()
		for _, env := range envs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.SourceWriter() <- env:
			}
		}
		return nil
	})

	require.NoError(t, r.Start())
	return reporter.Summary()
}

func openLedger(t *testing.T, path string) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(ledger.NewJSONStore(path), nil)
	require.NoError(t, err)
	return l
}

func TestStage_SecondScanIsNoop(t *testing.T) {
	root := t.TempDir()
	ledgerPath := filepath.Join(t.TempDir(), "ledger.json")
	env := model.NewEnvelope("a.eml", []byte(plainMessage))

	l := openLedger(t, ledgerPath)
	first := runScan(t, root, l, env)
	assert.Equal(t, 1, first.Ingested)
	require.NoError(t, l.Flush())
	before := snapshotTree(t, root)

	l = openLedger(t, ledgerPath)
	second := runScan(t, root, l, env)
	assert.Equal(t, 0, second.Ingested)
	assert.Equal(t, 1, second.Current)
	assert.Equal(t, before, snapshotTree(t, root))
}

func TestStage_RecoversDeletedFolder(t *testing.T) {
	root := t.TempDir()
	ledgerPath := filepath.Join(t.TempDir(), "ledger.json")
	env := model.NewEnvelope("a.eml", []byte(plainMessage))

	l := openLedger(t, ledgerPath)
	runScan(t, root, l, env)
	require.NoError(t, l.Flush())

	require.NoError(t, os.RemoveAll(filepath.Join(root, "alice")))

	l = openLedger(t, ledgerPath)
	report, err := l.Reconcile(root, storage.New(storage.Options{}, nil))
	require.NoError(t, err)
	require.Len(t, report.Dropped, 1)

	summary := runScan(t, root, l, env)
	assert.Equal(t, 1, summary.Ingested)
	assert.FileExists(t, filepath.Join(root, "alice", "Hello_20240102030405.txt"))
	assert.True(t, l.IsCurrent("a.eml"))
}

func TestStage_ChangedContentIsReingested(t *testing.T) {
	root := t.TempDir()
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.json"))

	runScan(t, root, l, model.NewEnvelope("a.eml", []byte(plainMessage)))
	changed := strings.Replace(plainMessage, "Hi Alice", "Hi again", 1)
	summary := runScan(t, root, l, model.NewEnvelope("a.eml", []byte(changed)))

	assert.Equal(t, 1, summary.Ingested)
	entry, ok := l.Lookup("a.eml")
	require.True(t, ok)
	assert.Equal(t, model.Digest([]byte(changed)), entry.Digest)
}

func TestStage_FailureDoesNotStopScan(t *testing.T) {
	root := t.TempDir()
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.json"))
	bad := strings.Replace(plainMessage, "To: alice@example.com", "To: nobody", 1)

	summary := runScan(t, root, l,
		model.NewEnvelope("bad.eml", []byte(bad)),
		model.NewEnvelope("good.eml", []byte(plainMessage)),
	)

	assert.Equal(t, 1, summary.Ingested)
	assert.Equal(t, 1, summary.Errors)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "bad.eml", summary.Failures[0].Source)

	_, ok := l.Lookup("bad.eml")
	assert.False(t, ok)
	assert.True(t, l.IsCurrent("good.eml"))
}

func TestPool_SubmitAndClose(t *testing.T) {
	root := t.TempDir()
	pool := NewPool(newDriver(root), 2, nil)

	res, err := pool.Submit(context.Background(), model.NewEnvelope("smtp:1", []byte(plainMessage)))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "alice")}, res.Folders)

	_, err = pool.Submit(context.Background(), model.NewEnvelope("smtp:2", []byte("")))
	assert.True(t, Permanent(err))

	pool.Close()
	pool.Close()

	_, err = pool.Submit(context.Background(), model.NewEnvelope("smtp:3", []byte(plainMessage)))
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_ConcurrentSameSecondNames(t *testing.T) {
	root := t.TempDir()
	pool := NewPool(newDriver(root), 4, nil)
	defer pool.Close()

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := pool.Submit(context.Background(), model.NewEnvelope("smtp:x", []byte(plainMessage)))
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	matches, err := filepath.Glob(filepath.Join(root, "alice", "Hello_20240102030405*.txt"))
	require.NoError(t, err)
	assert.Len(t, matches, n)
}

func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		files[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestDriver_FailedRecipientRollsBackOthers(t *testing.T) {
	root := t.TempDir()
	d := newDriver(root)
	blocker := filepath.Join(root, "bob")
	require.NoError(t, os.WriteFile(blocker, []byte("not a folder"), 0o644))

	_, err := d.Ingest(context.Background(), model.NewEnvelope("m.eml", []byte(mixedMessage)))
	require.Error(t, err)
	var ioErr *storage.IOError
	assert.True(t, errors.As(err, &ioErr))
	assert.False(t, Permanent(err))
	assert.NoDirExists(t, filepath.Join(root, "alice"))

	require.NoError(t, os.Remove(blocker))
	res, err := d.Ingest(context.Background(), model.NewEnvelope("m.eml", []byte(mixedMessage)))
	require.NoError(t, err)
	assert.Len(t, res.Folders, 2)

	texts, err := filepath.Glob(filepath.Join(root, "alice", "*.txt"))
	require.NoError(t, err)
	assert.Len(t, texts, 1)
}

func TestDriver_FailedReingestKeepsPreviousOutput(t *testing.T) {
	root := t.TempDir()
	d := newDriver(root)

	_, err := d.Ingest(context.Background(), model.NewEnvelope("m.eml", []byte(mixedMessage)))
	require.NoError(t, err)

	bob := filepath.Join(root, "bob")
	require.NoError(t, os.RemoveAll(bob))
	require.NoError(t, os.WriteFile(bob, []byte("not a folder"), 0o644))

	later := NewDriver(Options{
		OutputRoot: root,
		Now:        func() time.Time { return fixedTime.Add(time.Hour) },
	}, storage.New(storage.Options{}, nil), nil)
	_, err = later.Ingest(context.Background(), model.NewEnvelope("m.eml", []byte(mixedMessage)))
	require.Error(t, err)

	alice := filepath.Join(root, "alice")
	texts, err := filepath.Glob(filepath.Join(alice, "*.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(alice, "Report_20240102030405.txt")}, texts)
	assert.FileExists(t, filepath.Join(alice, "report.pdf"))

	marker, err := storage.ReadMarker(alice)
	require.NoError(t, err)
	rec, ok := marker.Find("m.eml")
	require.True(t, ok)
	assert.Equal(t, "20240102030405", rec.Timestamp)
}

func TestPool_LiveDeliveriesKeepOneMarkerRecord(t *testing.T) {
	root := t.TempDir()
	pool := NewPool(newDriver(root), 4, nil)
	defer pool.Close()

	for i := 0; i < 50; i++ {
		env := model.NewEnvelope(model.SMTPSourcePrefix+strconv.Itoa(i), []byte(plainMessage))
		_, err := pool.Submit(context.Background(), env)
		require.NoError(t, err)
	}

	marker, err := storage.ReadMarker(filepath.Join(root, "alice"))
	require.NoError(t, err)
	require.Len(t, marker.Records, 1)
	assert.True(t, model.IsLiveSource(marker.Records[0].Source))

	texts, err := filepath.Glob(filepath.Join(root, "alice", "*.txt"))
	require.NoError(t, err)
	assert.Len(t, texts, 50)
}
