// Package namespace maps logical (collection, id) pairs onto the single flat key
// space of a document store database and back.
//
// A physical key is the collection name, the separator and the local id:
//
//	tasks/01J9Z8T6W3V6Q5K8X2M4N7P0RB
//
// Collection names never contain the separator, so decoding splits at the first
// separator and ids may contain it freely. All keys of one collection share the
// prefix "collection/" and therefore sort contiguously, which lets a store range
// scan (Range) return exactly one collection.
package namespace

import (
	"strings"
	"unicode/utf8"

	"github.com/aspen-cloud/aspen-sdk/errors"
)

const (
	// Separator joins the collection name and the local id.
	Separator = "/"

	// HighSentinel closes a collection range. Ids containing it (or any rune
	// above it) would sort past the end of the range and are rejected.
	HighSentinel = '\ufff0'
)

// Key is a decoded physical key.
type Key struct {
	Collection string
	ID         string
}

// String returns the physical form of the key.
func (k Key) String() string {
	return k.Collection + Separator + k.ID
}

// ValidateCollection checks that name can be used as a namespace.
func ValidateCollection(name string) error {
	if name == "" {
		return errors.InvalidIDf("collection name cannot be empty")
	}
	if strings.Contains(name, Separator) {
		return errors.InvalidIDf("collection name %q cannot contain %q", name, Separator)
	}
	if !utf8.ValidString(name) {
		return errors.InvalidIDf("collection name %q is not valid UTF-8", name)
	}
	return nil
}

// ValidateID checks that id can be stored under a collection prefix.
func ValidateID(id string) error {
	if id == "" {
		return errors.InvalidIDf("doc id cannot be an empty string")
	}
	if !utf8.ValidString(id) {
		return errors.InvalidIDf("doc id %q is not valid UTF-8", id)
	}
	for _, r := range id {
		if r >= HighSentinel {
			return errors.InvalidIDf("doc id %q contains reserved rune %U", id, r)
		}
	}
	return nil
}

// Encode returns the physical key of id inside collection.
func Encode(collection, id string) (string, error) {
	if err := ValidateCollection(collection); err != nil {
		return "", err
	}
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return collection + Separator + id, nil
}

// Decode splits a physical key back into its collection and local id.
func Decode(physicalKey string) (Key, error) {
	collection, id, ok := strings.Cut(physicalKey, Separator)
	if !ok {
		return Key{}, errors.InvalidIDf("key %q has no collection prefix", physicalKey)
	}
	if collection == "" || id == "" {
		return Key{}, errors.InvalidIDf("key %q has an empty collection or id", physicalKey)
	}
	return Key{Collection: collection, ID: id}, nil
}

// Prefix returns the key prefix shared by every document of collection.
func Prefix(collection string) string {
	return collection + Separator
}

// Range returns inclusive start and end keys covering exactly one collection.
func Range(collection string) (start, end string) {
	prefix := Prefix(collection)
	return prefix, prefix + string(HighSentinel)
}

// InCollection reports whether physicalKey belongs to collection.
func InCollection(physicalKey, collection string) bool {
	return strings.HasPrefix(physicalKey, Prefix(collection))
}
