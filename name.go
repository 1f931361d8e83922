package testkit

import (
	"crypto/rand"
	"encoding/hex"
)

// DefaultPrefix is used when NewDatabaseName is given an empty prefix.
const DefaultPrefix = "testkit"

// maxNameLength is the PostgreSQL identifier limit. MySQL allows 64, so
// the stricter bound applies everywhere.
const maxNameLength = 63

// DatabaseName is an immutable, process-unique database identifier of the
// form prefix_suffix, where the suffix is 16 hex characters from a
// cryptographically seeded source. Names contain only [A-Za-z0-9_] — no
// hyphens, which MySQL cannot tolerate unquoted — and never exceed 63
// bytes.
type DatabaseName struct {
	name string
}

// NewDatabaseName generates a fresh database name with the given prefix,
// or DefaultPrefix if the prefix is empty. The prefix must match
// [A-Za-z0-9_]+. With 64 bits of suffix entropy, a collision across any
// realistic number of generated names is treated as impossible.
func NewDatabaseName(prefix string) (DatabaseName, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !validPrefix(prefix) {
		return DatabaseName{}, NewError(KindConfig, "NewDatabaseName", ErrInvalidPrefix)
	}

	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return DatabaseName{}, NewError(KindGeneric, "NewDatabaseName", err)
	}

	name := prefix + "_" + hex.EncodeToString(suffix)
	if len(name) > maxNameLength {
		return DatabaseName{}, NewError(KindConfig, "NewDatabaseName", ErrNameTooLong)
	}
	return DatabaseName{name: name}, nil
}

// String returns the name as it appears in SQL identifiers.
func (n DatabaseName) String() string {
	return n.name
}

// IsZero reports whether the name was never generated.
func (n DatabaseName) IsZero() bool {
	return n.name == ""
}

func validPrefix(prefix string) bool {
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}
