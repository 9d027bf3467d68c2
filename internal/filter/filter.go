// Package filter decides whether a message's sender is one of the
// monitored senders.
package filter

import (
	"fmt"
	"net/mail"
	"strings"
)

// Mode selects how sender entries are compared with an address.
type Mode string

const (
	// ModeExact matches whole addresses, or whole domains for entries
	// written as "@example.com" or "example.com".
	ModeExact Mode = "exact"
	// ModeSubstring matches when an entry occurs anywhere in the address.
	ModeSubstring Mode = "substring"
)

// Filter holds the normalized monitored sender set. It is immutable after New.
type Filter struct {
	mode      Mode
	addresses map[string]struct{}
	domains   map[string]struct{}
	fragments []string
}

// New builds a Filter from senders. Blank entries are ignored. An empty
// mode selects ModeExact.
func New(senders []string, mode Mode) (*Filter, error) {
	if mode == "" {
		mode = ModeExact
	}
	if mode != ModeExact && mode != ModeSubstring {
		return nil, fmt.Errorf("unknown sender match mode %q", mode)
	}

	f := &Filter{
		mode:      mode,
		addresses: make(map[string]struct{}),
		domains:   make(map[string]struct{}),
	}
	for _, s := range senders {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if mode == ModeSubstring {
			f.fragments = append(f.fragments, s)
			continue
		}
		if at := strings.LastIndexByte(s, '@'); at > 0 {
			f.addresses[s] = struct{}{}
		} else {
			f.domains[strings.TrimPrefix(s, "@")] = struct{}{}
		}
	}
	return f, nil
}

// Len returns the number of distinct entries.
func (f *Filter) Len() int {
	return len(f.addresses) + len(f.domains) + len(f.fragments)
}

// Allows reports whether from belongs to a monitored sender. from may be a
// bare address or a full header value such as `"Ops" <ops@example.com>`.
// An empty sender set allows nothing.
func (f *Filter) Allows(from string) bool {
	if f == nil || f.Len() == 0 {
		return false
	}
	addr := Address(from)
	if addr == "" {
		return false
	}

	if f.mode == ModeSubstring {
		for _, frag := range f.fragments {
			if strings.Contains(addr, frag) {
				return true
			}
		}
		return false
	}

	if _, ok := f.addresses[addr]; ok {
		return true
	}
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		_, ok := f.domains[addr[at+1:]]
		return ok
	}
	return false
}

// Address extracts the lower-cased bare address from a From value.
func Address(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	if a, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(a.Address)
	}
	if lt := strings.LastIndexByte(from, '<'); lt >= 0 {
		rest := from[lt+1:]
		if gt := strings.IndexByte(rest, '>'); gt >= 0 {
			return strings.ToLower(strings.TrimSpace(rest[:gt]))
		}
	}
	return strings.ToLower(from)
}
