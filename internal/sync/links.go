package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Album link modes.
const (
	LinkSymlink  = "symlink"
	LinkHardlink = "hardlink"
)

// ErrLinksUnsupported is returned when the filesystem cannot create links.
var ErrLinksUnsupported = errors.New("sync: filesystem does not support links")

// Linker creates a reference at link pointing to target, where target is
// relative to the directory containing link.
type Linker interface {
	Link(target, link string) error
}

// NewLinker returns the Linker for an album_links mode.
func NewLinker(mode string, fs afero.Fs) (Linker, error) {
	switch mode {
	case "", LinkSymlink:
		return &SymlinkLinker{fs: fs}, nil
	case LinkHardlink:
		if _, ok := fs.(*afero.OsFs); !ok {
			return nil, fmt.Errorf("%w: hard links need the OS filesystem", ErrLinksUnsupported)
		}

		return HardLinker{}, nil
	default:
		return nil, fmt.Errorf("sync: unknown album link mode %q", mode)
	}
}

// SymlinkLinker creates relative symbolic links.
type SymlinkLinker struct {
	fs afero.Fs
}

// Link creates a symbolic link at link whose content is target.
func (l *SymlinkLinker) Link(target, link string) error {
	ln, ok := l.fs.(afero.Linker)
	if !ok {
		return ErrLinksUnsupported
	}

	return ln.SymlinkIfPossible(target, link)
}

// HardLinker creates hard links, for filesystems without symlinks. A hard
// link keeps the content it was created with; a later re-download of the
// primary file does not update it until the album entry is recreated.
type HardLinker struct{}

// Link resolves target against the directory of link and hard links it.
func (HardLinker) Link(target, link string) error {
	return os.Link(filepath.Join(filepath.Dir(link), target), link)
}

// lexists reports whether path exists without following a final symlink.
func lexists(fs afero.Fs, path string) (bool, error) {
	var err error

	if ls, ok := fs.(afero.Lstater); ok {
		_, _, err = ls.LstatIfPossible(path)
	} else {
		_, err = fs.Stat(path)
	}

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
