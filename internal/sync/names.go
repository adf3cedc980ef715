package sync

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/icloud-backup/internal/icloud"
)

// localName converts a remote display name into a single path component:
// NFC-normalized, with path separators and NUL replaced.
func localName(name string) string {
	name = norm.NFC.String(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		default:
			return r
		}
	}, name)

	switch name {
	case "", ".", "..":
		return strings.Repeat("_", max(len(name), 1))
	default:
		return name
	}
}

// driveFileName returns the local file name of a Drive file: its name plus
// the extension when the item has one.
func driveFileName(item *icloud.Item) string {
	if item.Extension == "" {
		return localName(item.Name)
	}

	return localName(item.Name + "." + item.Extension)
}
