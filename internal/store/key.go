package store

import "strings"

// Delimiter joins key segments. Segments must not contain it.
const Delimiter = "|"

// Key is a compound key: ordered segments joined with Delimiter.
type Key string

// NewKey joins segments into a Key.
func NewKey(segments ...string) Key {
	return Key(strings.Join(segments, Delimiter))
}

// Segments splits k back into its segments. The empty key is the empty
// tuple, so a key made of one empty segment is not representable.
func (k Key) Segments() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), Delimiter)
}

func (k Key) String() string { return string(k) }

// HasPrefix reports whether k equals prefix or continues it at a segment
// boundary. The empty prefix matches every key.
func (k Key) HasPrefix(prefix Key) bool {
	if prefix == "" || k == prefix {
		return true
	}
	return strings.HasPrefix(string(k), string(prefix)+Delimiter)
}
