package storage

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/dhcgn/mailsink/model"
)

const (
	maxSubjectRunes = 80
	emptySubject    = "email"
)

// BaseName builds the .txt base name from the subject and ingestion timestamp.
func BaseName(subject, timestamp string) string {
	return SanitizeSubject(subject) + "_" + timestamp
}

// SanitizeSubject makes subject usable as part of a file name.
func SanitizeSubject(subject string) string {
	var sb strings.Builder
	count := 0
	for _, r := range strings.TrimSpace(subject) {
		if count == maxSubjectRunes {
			break
		}
		switch {
		case r == ' ' || r == '/' || r == '\\':
			r = '_'
		case strings.ContainsRune(`<>:"|?*`, r), unicode.IsControl(r):
			continue
		}
		sb.WriteRune(r)
		count++
	}

	name := strings.Trim(sb.String(), ".")
	if name == "" {
		return emptySubject
	}
	return name
}

// FolderFor returns the recipient folder of addr below root.
func FolderFor(root string, addr model.Address) string {
	return filepath.Join(root, addr.Folder())
}
