package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"golang.org/x/net/html/charset"

	"github.com/dhcgn/mailsink/model"
)

const defaultCharset = "utf-8"

// MalformedMessageError reports a byte stream that cannot be decoded as a MIME document.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err == nil {
		return "malformed message: " + e.Reason
	}
	return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

func malformed(reason string, err error) error {
	return &MalformedMessageError{Reason: reason, Err: err}
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.NewReaderLabel}

// Decoder turns raw RFC 822 bytes into a model.Message.
type Decoder struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Decoder{logger: logger}
}

// Decode parses raw with a silent decoder.
func Decode(raw []byte) (*model.Message, error) {
	return New(nil).Decode(raw)
}

// Decode parses raw and collects its text leaves and attachments in document order.
// Recipients are left for the caller to parse.
func (d *Decoder) Decode(raw []byte) (*model.Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, malformed("empty message", nil)
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if entity == nil {
		return nil, malformed("read header", err)
	}
	if err != nil {
		if !recoverable(err) {
			return nil, malformed("read entity", err)
		}
		d.logger.Warn("message entity decoded leniently", "err", err)
	}

	msg := &model.Message{
		Sender:  HeaderText(entity.Header, "From"),
		To:      HeaderText(entity.Header, "To"),
		Subject: HeaderText(entity.Header, "Subject"),
	}

	if err := d.walk(entity, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (d *Decoder) walk(entity *message.Entity, msg *model.Message) error {
	mediaType, params := contentType(entity.Header)

	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			return malformed(mediaType+" without boundary", nil)
		}
		mr := entity.MultipartReader()
		if mr == nil {
			return malformed("open "+mediaType, nil)
		}
		defer mr.Close()

		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if part == nil || (err != nil && !recoverable(err)) {
				return malformed("read "+mediaType+" part", err)
			}
			if err != nil {
				d.logger.Warn("part decoded leniently", "mediaType", mediaType, "err", err)
			}
			if err := d.walk(part, msg); err != nil {
				return err
			}
		}
	}

	data, err := io.ReadAll(entity.Body)
	if err != nil {
		return malformed("read "+mediaType+" body", err)
	}

	if name := Filename(entity.Header); name != "" {
		msg.Attachments = append(msg.Attachments, model.AttachmentPart{
			Filename:  name,
			MediaType: mediaType,
			Data:      data,
		})
		return nil
	}

	major, sub, _ := strings.Cut(mediaType, "/")
	if major != "text" {
		d.logger.Debug("skipping non-text part without filename", "mediaType", mediaType, "size", len(data))
		return nil
	}

	cs := strings.ToLower(strings.TrimSpace(params["charset"]))
	if cs == "" {
		cs = defaultCharset
	}
	msg.BodyParts = append(msg.BodyParts, model.BodyPart{
		MediaType: major,
		SubType:   sub,
		Charset:   cs,
		Data:      data,
	})
	return nil
}

// recoverable reports decode problems that still leave a usable entity.
func recoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// contentType falls back to text/plain when the header is absent or unparsable.
func contentType(h message.Header) (string, map[string]string) {
	raw := h.Get("Content-Type")
	if raw == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := mime.ParseMediaType(raw)
	if err != nil && !errors.Is(err, mime.ErrInvalidMediaParameter) {
		return "text/plain", map[string]string{}
	}
	if params == nil {
		params = map[string]string{}
	}
	return strings.ToLower(mediaType), params
}

// Filename returns the Content-Disposition filename, else the Content-Type name.
func Filename(h message.Header) string {
	if raw := h.Get("Content-Disposition"); raw != "" {
		if _, params, err := mime.ParseMediaType(raw); err == nil || errors.Is(err, mime.ErrInvalidMediaParameter) {
			if name := decodeWords(params["filename"]); name != "" {
				return name
			}
		}
	}
	_, params := contentType(h)
	return decodeWords(params["name"])
}

// HeaderText returns the RFC 2047 decoded value of key, or "" when absent.
func HeaderText(h message.Header, key string) string {
	return decodeWords(unfold(h.Get(key)))
}

func decodeWords(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return strings.TrimSpace(decoded)
}

func unfold(v string) string {
	v = strings.ReplaceAll(v, "\r\n", "")
	return strings.ReplaceAll(v, "\n", "")
}
