package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mailsink/model"
	"github.com/dhcgn/mailsink/runner"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
}

func (o Options) validate() error {
	if o.Host == "" {
		return fmt.Errorf("imap host is empty")
	}
	if o.Port <= 0 {
		return fmt.Errorf("imap port must be positive")
	}
	return nil
}

func (o Options) mailbox() string {
	if o.Mailbox == "" {
		return "INBOX"
	}
	return o.Mailbox
}

// SourceID is the ledger identity of one message. UIDs are only stable
// together with the mailbox UIDVALIDITY.
func SourceID(user, host, mailbox string, uidValidity, uid uint32) string {
	u := url.URL{
		Scheme: "imap",
		User:   url.User(user),
		Host:   host,
		Path:   "/" + mailbox + "/" + strconv.FormatUint(uint64(uidValidity), 10) + "/" + strconv.FormatUint(uint64(uid), 10),
	}
	return u.String()
}

// Fetcher reads a whole mailbox without changing flags.
type Fetcher struct {
	opts   Options
	logger *slog.Logger
}

func NewFetcher(opts Options, logger *slog.Logger) (*Fetcher, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fetcher{opts: opts, logger: logger}, nil
}

// Register adds the fetcher as the runner's source stage.
func (f *Fetcher) Register(r *runner.Runner) {
	r.AddStage("source", func(ctx context.Context) error {
		defer r.CloseSource()
		out := r.SourceWriter()
		return f.Fetch(ctx, func(env model.Envelope) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- env:
				return nil
			}
		})
	})
}

// Fetch calls fn for every message of the mailbox in UID order.
func (f *Fetcher) Fetch(ctx context.Context, fn func(model.Envelope) error) error {
	client, cleanup, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	mailbox := f.opts.mailbox()
	selected, err := client.Select(mailbox, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("select mailbox %s: %w", mailbox, err)
	}
	f.logger.Info("imap mailbox selected", "mailbox", mailbox, "messages", selected.NumMessages, "uidValidity", selected.UIDValidity)
	if selected.NumMessages == 0 {
		return nil
	}

	var seqSet imapv2.SeqSet
	seqSet.AddRange(1, 0)
	section := &imapv2.FetchItemBodySection{Peek: true}
	cmd := client.Fetch(seqSet, &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})

	for {
		data := cmd.Next()
		if data == nil {
			break
		}
		buf, err := data.Collect()
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("fetch message: %w", err)
		}

		id := SourceID(f.opts.Username, f.opts.Host, mailbox, selected.UIDValidity, uint32(buf.UID))
		raw := buf.FindBodySection(section)
		env := model.NewEnvelope(id, raw)
		if raw == nil {
			env = model.Envelope{Source: id, Err: fmt.Errorf("uid %d: server returned no body", buf.UID)}
		}
		if err := fn(env); err != nil {
			_ = cmd.Close()
			return err
		}
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("fetch %s: %w", mailbox, err)
	}
	return nil
}

func (f *Fetcher) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(f.opts.Host, strconv.Itoa(f.opts.Port))
	options := &imapclient.Options{}

	if f.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         f.opts.Host,
			InsecureSkipVerify: f.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if f.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(f.opts.Username, f.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	f.logger.Debug("imap connection established", "address", address, "user", f.opts.Username, "tls", f.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				f.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			f.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}
