package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

// Conflicting reports whether include and exclude lists are both set.
func (o Options) Conflicting() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody) > 0 && len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

// Kind names the list a pattern belongs to.
type Kind string

const (
	KindIncludeHeader Kind = "include-header"
	KindIncludeBody   Kind = "include-body"
	KindExcludeHeader Kind = "exclude-header"
	KindExcludeBody   Kind = "exclude-body"
)

type pattern struct {
	kind Kind
	re   *regexp.Regexp
}

// PatternHits is the match count of one pattern.
type PatternHits struct {
	Kind    Kind
	Pattern string
	Hits    int
}

// Filter decides whether a raw message is ingested. It is safe for concurrent use.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader []pattern
	includeBody   []pattern
	excludeHeader []pattern
	excludeBody   []pattern

	mu   sync.Mutex
	hits map[*regexp.Regexp]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(KindIncludeHeader, opts.IncludeHeader)
	if err != nil {
		return nil, err
	}
	includeBody, err := compilePatterns(KindIncludeBody, opts.IncludeBody)
	if err != nil {
		return nil, err
	}
	excludeHeader, err := compilePatterns(KindExcludeHeader, opts.ExcludeHeader)
	if err != nil {
		return nil, err
	}
	excludeBody, err := compilePatterns(KindExcludeBody, opts.ExcludeBody)
	if err != nil {
		return nil, err
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
		hits:          make(map[*regexp.Regexp]int),
	}, nil
}

// AllowsMessage splits raw at the header/body boundary and applies Allows.
func (f *Filter) AllowsMessage(raw []byte) bool {
	header, body := SplitRawMessage(raw)
	return f.Allows(header, body)
}

// Allows returns true if the message passes the filter criteria. Every
// matching pattern is counted, not only the first.
func (f *Filter) Allows(header, body []byte) bool {
	if f == nil {
		return true
	}

	if f.includeMode {
		matched := f.count(f.includeHeader, header)
		matched = f.count(f.includeBody, body) || matched
		return matched
	}

	if f.excludeMode {
		matched := f.count(f.excludeHeader, header)
		matched = f.count(f.excludeBody, body) || matched
		return !matched
	}

	return true
}

// Stats returns the hit count of every configured pattern in configuration order.
func (f *Filter) Stats() []PatternHits {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []PatternHits
	for _, list := range [][]pattern{f.includeHeader, f.includeBody, f.excludeHeader, f.excludeBody} {
		for _, p := range list {
			out = append(out, PatternHits{Kind: p.kind, Pattern: p.re.String(), Hits: f.hits[p.re]})
		}
	}
	return out
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func (f *Filter) count(patterns []pattern, text []byte) bool {
	if len(patterns) == 0 {
		return false
	}
	matched := false
	for _, p := range patterns {
		if p.re.Match(text) {
			matched = true
			f.mu.Lock()
			f.hits[p.re]++
			f.mu.Unlock()
		}
	}
	return matched
}

func compilePatterns(kind Kind, patterns []string) ([]pattern, error) {
	compiled := make([]pattern, 0, len(patterns))
	for _, expr := range patterns {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", kind, expr, err)
		}
		compiled = append(compiled, pattern{kind: kind, re: re})
	}
	return compiled, nil
}
