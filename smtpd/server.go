package smtpd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/dhcgn/mailsink/ingest"
	"github.com/dhcgn/mailsink/model"
)

// SourcePrefix marks live SMTP deliveries in marker records.
const SourcePrefix = model.SMTPSourcePrefix

// Submitter hands a delivery to the ingestion workers. *ingest.Pool implements it.
type Submitter interface {
	Submit(ctx context.Context, env model.Envelope) (ingest.Result, error)
}

type Options struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

type Server struct {
	smtpServer *smtp.Server
	pool       Submitter
	logger     *slog.Logger
}

func NewServer(opts Options, pool Submitter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		pool:   pool,
		logger: logger,
	}

	smtpSrv := smtp.NewServer(s)
	smtpSrv.Addr = opts.Addr
	smtpSrv.Domain = opts.Domain
	smtpSrv.ReadTimeout = opts.ReadTimeout
	smtpSrv.WriteTimeout = opts.WriteTimeout
	smtpSrv.MaxMessageBytes = opts.MaxMessageBytes
	smtpSrv.MaxRecipients = opts.MaxRecipients

	s.smtpServer = smtpSrv
	return s
}

func (s *Server) Addr() string {
	return s.smtpServer.Addr
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp listener starting", "addr", s.smtpServer.Addr, "domain", s.smtpServer.Domain)
	return ignoreClosed(s.smtpServer.ListenAndServe())
}

func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("smtp listener starting", "addr", l.Addr().String(), "domain", s.smtpServer.Domain)
	return ignoreClosed(s.smtpServer.Serve(l))
}

// Shutdown stops accepting sessions and waits for open ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.smtpServer.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.smtpServer.Close()
}

func ignoreClosed(err error) error {
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

// NewSession implements smtp.Backend.
func (s *Server) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	return &session{server: s, remote: remote}, nil
}

type session struct {
	server *Server
	remote string
	from   string
	to     []string
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	env := model.NewEnvelope(SourcePrefix+uuid.NewString(), raw)
	env.EnvelopeFrom = s.from
	env.EnvelopeTo = append([]string(nil), s.to...)

	result, err := s.server.pool.Submit(context.Background(), env)
	if err != nil {
		s.server.logger.Warn("delivery rejected", "source", env.Source, "remote", s.remote, "from", s.from, "err", err)
		return replyFor(err)
	}

	s.server.logger.Info("delivery stored", "source", env.Source, "remote", s.remote, "from", s.from, "folders", len(result.Folders))
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// replyFor maps an ingestion error to the SMTP reply sent to the client.
func replyFor(err error) error {
	if ingest.Permanent(err) {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "message rejected: " + err.Error(),
		}
	}
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "temporary failure, try again later",
	}
}
