package splitter

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/k3a/html2text"
	"golang.org/x/net/html/charset"

	"github.com/dhcgn/mailsink/model"
)

const fallbackFilename = "attachment.bin"

const partSeparator = "\n\n"

// Split concatenates the plain and HTML text leaves of msg into one blob and
// returns the attachments with filesystem-safe names. Other text subtypes
// without a filename, such as text/calendar, are dropped.
func Split(msg *model.Message) model.Content {
	var sb strings.Builder
	for _, part := range msg.BodyParts {
		var text string
		switch part.SubType {
		case "plain":
			text = DecodeText(part.Data, part.Charset)
		case "html":
			text = HTMLToText(DecodeText(part.Data, part.Charset))
		default:
			continue
		}
		sb.WriteString(text)
		sb.WriteString(partSeparator)
	}

	content := model.Content{Text: sb.String()}
	for _, att := range msg.Attachments {
		content.Attachments = append(content.Attachments, model.Attachment{
			Filename: SafeFilename(att.Filename),
			Data:     att.Data,
		})
	}
	return content
}

// DecodeText converts data from the declared charset to UTF-8. Unknown
// charsets and decode failures fall back to UTF-8 with invalid sequences replaced.
func DecodeText(data []byte, label string) string {
	label = strings.TrimSpace(label)
	if label != "" {
		if enc, name := charset.Lookup(label); enc != nil && name != "utf-8" {
			if decoded, err := enc.NewDecoder().Bytes(data); err == nil {
				return string(decoded)
			}
		}
	}
	return strings.ToValidUTF8(string(data), string(utf8.RuneError))
}

// HTMLToText renders markup to its visible text.
func HTMLToText(markup string) string {
	text := html2text.HTML2TextWithOptions(markup, html2text.WithUnixLineBreaks())
	return cleanupWhitespace(text)
}

// cleanupWhitespace removes excessive blank lines while preserving structure.
func cleanupWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	var result []string
	blankCount := 0

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blankCount++
			if blankCount <= 2 {
				result = append(result, "")
			}
			continue
		}
		blankCount = 0
		result = append(result, strings.TrimRight(line, " \t"))
	}

	return strings.TrimSpace(strings.Join(result, "\n"))
}

// SafeFilename keeps only the final path element of name so an attachment
// can never leave its recipient folder.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(path.Base(name))

	switch name {
	case "", ".", "..", "/":
		return fallbackFilename
	case model.MarkerFileName:
		return "attachment_" + name
	}
	return name
}
