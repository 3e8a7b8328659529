package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Address is a recipient split at its single '@'.
type Address struct {
	LocalPart string
	Domain    string
}

func (a Address) String() string {
	return a.LocalPart + "@" + a.Domain
}

// Folder returns the directory name for the address. Only the local part is
// used, so a@x.com and a@y.com share a folder.
func (a Address) Folder() string {
	return SanitizeFolderName(a.LocalPart)
}

// AddressParseError reports a recipient list that cannot be routed.
type AddressParseError struct {
	Value string
	Err   error
}

func (e *AddressParseError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("parse recipients: %v", e.Err)
	}
	return fmt.Sprintf("parse recipient %q: %v", e.Value, e.Err)
}

func (e *AddressParseError) Unwrap() error {
	return e.Err
}

var (
	errNoRecipients = errors.New("no recipients")
	errAtCount      = errors.New("address must contain exactly one '@'")
	errEmptyLocal   = errors.New("empty local part")
	errEmptyDomain  = errors.New("empty domain")
)

// ParseRecipients splits a To header value on ',' and parses every token.
// Any invalid token fails the whole list.
func ParseRecipients(to string) ([]Address, error) {
	var addrs []Address
	for _, token := range strings.Split(to, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		addr, err := ParseAddress(token)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, &AddressParseError{Value: to, Err: errNoRecipients}
	}
	return addrs, nil
}

// ParseAddress parses "local@domain" or "Name <local@domain>".
func ParseAddress(token string) (Address, error) {
	value := strings.TrimSpace(token)
	if start := strings.LastIndex(value, "<"); start >= 0 {
		if end := strings.Index(value[start:], ">"); end > 0 {
			value = strings.TrimSpace(value[start+1 : start+end])
		}
	}

	if strings.Count(value, "@") != 1 {
		return Address{}, &AddressParseError{Value: token, Err: errAtCount}
	}
	local, domain, _ := strings.Cut(value, "@")
	local = strings.TrimSpace(local)
	domain = strings.TrimSpace(domain)
	if local == "" {
		return Address{}, &AddressParseError{Value: token, Err: errEmptyLocal}
	}
	if domain == "" {
		return Address{}, &AddressParseError{Value: token, Err: errEmptyDomain}
	}
	return Address{LocalPart: local, Domain: domain}, nil
}

// SanitizeFolderName turns a local part into a single safe path element.
func SanitizeFolderName(local string) string {
	var sb strings.Builder
	for _, r := range local {
		switch {
		case r == '/' || r == '\\':
			sb.WriteRune('_')
		case unicode.IsControl(r):
		default:
			sb.WriteRune(r)
		}
	}
	name := strings.TrimSpace(sb.String())
	switch name {
	case "":
		return "_"
	case ".", "..":
		return strings.Repeat("_", len(name))
	}
	return name
}
