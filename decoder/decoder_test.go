package decoder

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const nestedMessage = `From: Alice <alice@example.com>
To: bob@example.com, carol@example.org
Subject: =?UTF-8?B?SGVsbG8gV8O2cmxk?=
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=utf-8

plain body
--inner
Content-Type: text/html; charset=utf-8

<p>html body</p>
--inner--
--outer
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8gISIjJCUmJw==
--outer--
`

func TestDecode_NestedMultipart(t *testing.T) {
	msg, err := Decode(crlf(nestedMessage))
	require.NoError(t, err)

	assert.Equal(t, "Alice <alice@example.com>", msg.Sender)
	assert.Equal(t, "bob@example.com, carol@example.org", msg.To)
	assert.Equal(t, "Hello Wörld", msg.Subject)

	require.Len(t, msg.BodyParts, 2)
	assert.Equal(t, "plain", msg.BodyParts[0].SubType)
	assert.Equal(t, "plain body", string(msg.BodyParts[0].Data))
	assert.Equal(t, "html", msg.BodyParts[1].SubType)
	assert.Equal(t, "utf-8", msg.BodyParts[1].Charset)

	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.MediaType)
	want := make([]byte, 40)
	for i := range want {
		want[i] = byte(i)
	}
	assert.Equal(t, want, att.Data)
}

func TestDecode_MissingHeadersAreEmpty(t *testing.T) {
	msg, err := Decode(crlf("X-Custom: 1\n\nbody only\n"))
	require.NoError(t, err)
	assert.Empty(t, msg.Sender)
	assert.Empty(t, msg.To)
	assert.Empty(t, msg.Subject)
	require.Len(t, msg.BodyParts, 1)
	assert.Equal(t, "text", msg.BodyParts[0].MediaType)
	assert.Equal(t, "plain", msg.BodyParts[0].SubType)
	assert.Equal(t, "utf-8", msg.BodyParts[0].Charset)
}

func TestDecode_HeaderLookupIsCaseInsensitive(t *testing.T) {
	msg, err := Decode(crlf("SUBJECT: loud\nto: a@b.c\nfrom: x@y.z\n\nhi\n"))
	require.NoError(t, err)
	assert.Equal(t, "loud", msg.Subject)
	assert.Equal(t, "a@b.c", msg.To)
	assert.Equal(t, "x@y.z", msg.Sender)
}

func TestDecode_KeepsDeclaredCharset(t *testing.T) {
	raw := crlf(`To: a@b.c
Content-Type: text/plain; charset=ISO-8859-1
Content-Transfer-Encoding: base64

R3L832U=
`)
	msg, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, msg.BodyParts, 1)
	assert.Equal(t, "iso-8859-1", msg.BodyParts[0].Charset)
	assert.Equal(t, []byte{'G', 'r', 0xfc, 0xdf, 'e'}, msg.BodyParts[0].Data)
}

func TestDecode_FilenameWinsOverTextType(t *testing.T) {
	raw := crlf(`To: a@b.c
Content-Type: multipart/mixed; boundary=b1

--b1
Content-Type: text/plain

inline text
--b1
Content-Type: text/plain; name="notes.txt"

attached text
--b1--
`)
	msg, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, msg.BodyParts, 1)
	assert.Equal(t, "inline text", string(msg.BodyParts[0].Data))
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "notes.txt", msg.Attachments[0].Filename)
	assert.Equal(t, "attached text", string(msg.Attachments[0].Data))
}

func TestDecode_SkipsNonTextWithoutFilename(t *testing.T) {
	raw := crlf(`To: a@b.c
Content-Type: multipart/mixed; boundary=b1

--b1
Content-Type: text/plain

hello
--b1
Content-Type: image/png
Content-Transfer-Encoding: base64

AAECAw==
--b1--
`)
	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Len(t, msg.BodyParts, 1)
	assert.Empty(t, msg.Attachments)
}

func TestDecode_EncodedFilename(t *testing.T) {
	raw := crlf(`To: a@b.c
Content-Type: multipart/mixed; boundary=b1

--b1
Content-Type: application/octet-stream
Content-Disposition: attachment; filename="=?UTF-8?B?SGVsbG8gV8O2cmxk?="

data
--b1--
`)
	msg, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "Hello Wörld", msg.Attachments[0].Filename)
}

func TestDecode_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"empty":       nil,
		"whitespace":  []byte("  \r\n "),
		"bad header":  crlf("this line has no colon\n\nbody\n"),
		"no boundary": crlf("To: a@b.c\nContent-Type: multipart/mixed\n\n--x\n\nbody\n--x--\n"),
		"unterminated": crlf(`To: a@b.c
Content-Type: multipart/mixed; boundary=b1

--b1
Content-Type: text/plain

never closed
`),
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			var malformedErr *MalformedMessageError
			require.Error(t, err)
			assert.True(t, errors.As(err, &malformedErr), "got %T: %v", err, err)
		})
	}
}

func TestDecode_Deterministic(t *testing.T) {
	first, err := Decode(crlf(nestedMessage))
	require.NoError(t, err)
	second, err := Decode(crlf(nestedMessage))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
