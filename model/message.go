package model

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"
)

// TimestampLayout is the second resolution stamp used in file names, markers and the ledger.
const TimestampLayout = "20060102150405"

// MarkerFileName is the identity marker written into every recipient folder.
const MarkerFileName = "identifier.json"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ParseTimestamp parses a TimestampLayout value in the local time zone.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.Local)
}

// Message is a decoded email ready to be split and stored.
type Message struct {
	Sender      string
	To          string
	Recipients  []Address
	Subject     string
	BodyParts   []BodyPart
	Attachments []AttachmentPart
}

// BodyPart is a text leaf without a filename. Data is transfer-decoded but
// still in the declared charset.
type BodyPart struct {
	MediaType string
	SubType   string
	Charset   string
	Data      []byte
}

// AttachmentPart is a leaf carrying a filename.
type AttachmentPart struct {
	Filename  string
	MediaType string
	Data      []byte
}

// Content is the split result: one text blob plus the attachments in document order.
type Content struct {
	Text        string
	Attachments []Attachment
}

// Attachment is an attachment with its filesystem-safe name.
type Attachment struct {
	Filename string
	Data     []byte
}

// Envelope carries a raw message from a source or listener to the ingestion driver.
type Envelope struct {
	Source       string
	Raw          []byte
	Digest       string
	EnvelopeFrom string
	EnvelopeTo   []string
	Err          error
}

// Live sources are minted once per delivery and never repeat.
const (
	SMTPSourcePrefix = "smtp:"
	HTTPSourcePrefix = "http:"
)

// IsLiveSource reports identities minted per SMTP or HTTP delivery.
func IsLiveSource(source string) bool {
	return strings.HasPrefix(source, SMTPSourcePrefix) || strings.HasPrefix(source, HTTPSourcePrefix)
}

// NewEnvelope builds an envelope for raw and computes its digest.
func NewEnvelope(source string, raw []byte) Envelope {
	return Envelope{
		Source: source,
		Raw:    raw,
		Digest: Digest(raw),
	}
}

// Digest returns the base64 encoded SHA-256 of raw.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}
