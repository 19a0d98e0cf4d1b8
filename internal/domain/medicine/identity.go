// Package medicine holds the canonical medicine record, its identity and the
// placeholder allocator used when the drug directory cannot name a code.
package medicine

import (
	"errors"
	"strings"
)

// PlaceholderPrefix marks synthesized identities in the yakjung_code column.
const PlaceholderPrefix = "fail_"

// Kind distinguishes authoritative identities from placeholders.
type Kind int

const (
	KindResolved Kind = iota + 1
	KindPlaceholder
)

func (k Kind) String() string {
	switch k {
	case KindResolved:
		return "resolved"
	case KindPlaceholder:
		return "placeholder"
	}
	return "unknown"
}

// ErrEmptyIdentity is returned when parsing an empty key.
var ErrEmptyIdentity = errors.New("medicine: empty identity")

// Identity is either a canonical directory code or a placeholder token.
// The zero value is invalid.
type Identity struct {
	kind  Kind
	value string
}

// Resolved wraps a canonical code from the drug directory.
func Resolved(code string) Identity {
	return Identity{kind: KindResolved, value: code}
}

// Placeholder wraps a synthesized token. The prefix is added when missing.
func Placeholder(token string) Identity {
	if !strings.HasPrefix(token, PlaceholderPrefix) {
		token = PlaceholderPrefix + token
	}
	return Identity{kind: KindPlaceholder, value: token}
}

// ParseIdentity reads a stored yakjung_code back into an Identity.
func ParseIdentity(key string) (Identity, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Identity{}, ErrEmptyIdentity
	}
	if strings.HasPrefix(key, PlaceholderPrefix) {
		return Identity{kind: KindPlaceholder, value: key}, nil
	}
	return Identity{kind: KindResolved, value: key}, nil
}

func (id Identity) Kind() Kind { return id.kind }

func (id Identity) IsZero() bool { return id.kind == 0 }

func (id Identity) IsPlaceholder() bool { return id.kind == KindPlaceholder }

// Code returns the canonical code, and false for placeholders.
func (id Identity) Code() (string, bool) {
	if id.kind != KindResolved {
		return "", false
	}
	return id.value, true
}

// Key is the single-column storage form.
func (id Identity) Key() string { return id.value }

func (id Identity) String() string { return id.value }
