package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"

	"github.com/tonimelisma/icloud-backup/internal/icloud"
)

// albumTagLen is the number of record name characters used to tell apart
// albums whose names map to the same directory.
const albumTagLen = 8

// AlbumReconciler makes each album directory hold exactly one link per
// current member, pointing into the primary collection directory. It runs
// after PhotosSyncer so members are usually already downloaded; members
// that are not are left pending until a later run.
type AlbumReconciler struct {
	library PhotoLibrary
	guard   *SessionGuard
	fs      afero.Fs
	linker  Linker
	logger  *slog.Logger
	primary string
}

// NewAlbumReconciler creates an AlbumReconciler. Only cfg.PrimaryAlbum is
// used.
func NewAlbumReconciler(
	library PhotoLibrary, guard *SessionGuard, fs afero.Fs, linker Linker, logger *slog.Logger, cfg PhotosConfig,
) *AlbumReconciler {
	return &AlbumReconciler{
		library: library,
		guard:   guard,
		fs:      fs,
		linker:  linker,
		logger:  logger,
		primary: localName(cfg.withDefaults().PrimaryAlbum),
	}
}

// Reconcile brings every album directory under localRoot in line with the
// remote membership. A failing album is logged and counted; only a failure
// to list albums is returned.
func (r *AlbumReconciler) Reconcile(ctx context.Context, localRoot string) (AlbumStats, error) {
	var stats AlbumStats

	albums, err := guardValue(ctx, r.guard, r.library.Albums)
	if err != nil {
		return stats, fmt.Errorf("sync: listing albums: %w", err)
	}

	names := make([]string, 0, len(albums))
	for name := range albums {
		names = append(names, name)
	}

	slices.Sort(names)

	dirs := r.albumDirs(names, albums)

	for _, name := range names {
		dir, ok := dirs[name]
		if !ok {
			continue
		}

		if ctx.Err() != nil {
			return stats, fmt.Errorf("sync: reconciling albums: %w", ctx.Err())
		}

		stats.Albums++

		if err := r.reconcileAlbum(ctx, localRoot, filepath.Join(localRoot, dir), albums[name], &stats); err != nil {
			stats.Failed++
			r.logger.Error("album reconciliation failed",
				slog.String("album", name),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := r.clearDeletedAlbums(localRoot, dirs, &stats); err != nil {
		r.logger.Error("clearing deleted albums failed", slog.String("error", err.Error()))
	}

	r.logger.Info("albums reconciled",
		slog.Int("albums", stats.Albums),
		slog.Int("linked", stats.Linked),
		slog.Int("pending", stats.Pending),
		slog.Int("pruned", stats.Pruned),
		slog.Int("failed", stats.Failed),
	)

	return stats, nil
}

// albumDirs assigns every album except the primary collection a distinct
// directory name. When sanitized names collide, the album whose display name
// equals the sanitized name (otherwise the first by name) keeps it and the
// others get a suffix from their record name.
func (r *AlbumReconciler) albumDirs(names []string, albums map[string]icloud.Album) map[string]string {
	groups := make(map[string][]string)

	for _, name := range names {
		base := localName(name)
		if base == r.primary {
			continue
		}

		groups[base] = append(groups[base], name)
	}

	taken := map[string]bool{r.primary: true}
	for base := range groups {
		taken[base] = true
	}

	dirs := make(map[string]string, len(names))

	for _, base := range slices.Sorted(maps.Keys(groups)) {
		group := groups[base]

		keeper := group[0]
		if slices.Contains(group, base) {
			keeper = base
		}

		for _, name := range group {
			if name == keeper {
				dirs[name] = base
				continue
			}

			dir := distinctDir(base, albums[name].RecordName, taken)
			taken[dir] = true
			dirs[name] = dir

			r.logger.Warn("album name collides with another album",
				slog.String("album", name),
				slog.String("dir", dir),
			)
		}
	}

	return dirs
}

// distinctDir returns "<base> (<tag>)" with tag taken from the album's
// record name, numbered further if that is taken too.
func distinctDir(base, recordName string, taken map[string]bool) string {
	tag := []rune(localName(recordName))
	if len(tag) > albumTagLen {
		tag = tag[:albumTagLen]
	}

	dir := fmt.Sprintf("%s (%s)", base, string(tag))
	for n := 2; taken[dir]; n++ {
		dir = fmt.Sprintf("%s (%s-%d)", base, string(tag), n)
	}

	return dir
}

func (r *AlbumReconciler) reconcileAlbum(
	ctx context.Context, localRoot, albumDir string, album icloud.Album, stats *AlbumStats,
) error {
	members, err := guardValue(ctx, r.guard, func(ctx context.Context) ([]icloud.Record, error) {
		return r.library.AlbumMembers(ctx, album)
	})
	if err != nil {
		return fmt.Errorf("listing members: %w", err)
	}

	want := make(map[string]struct{}, len(members))

	for i := range members {
		rec, err := parsePhotoRecord(&members[i])
		if err != nil {
			continue
		}

		want[rec.LocalName()] = struct{}{}
	}

	primaryDir := filepath.Join(localRoot, r.primary)

	if err := r.fs.MkdirAll(albumDir, dirPerms); err != nil {
		return fmt.Errorf("creating %s: %w", albumDir, err)
	}

	var linkErrs []error

	for _, name := range sortedKeys(want) {
		ok, err := r.ensureLink(primaryDir, albumDir, name, stats)
		if err != nil {
			linkErrs = append(linkErrs, err)
			continue
		}

		if !ok {
			stats.Pending++
		}
	}

	if err := r.prune(albumDir, want, stats); err != nil {
		linkErrs = append(linkErrs, err)
	}

	return errors.Join(linkErrs...)
}

// ensureLink makes albumDir/name reference the primary copy. It returns
// false when the primary copy does not exist yet.
func (r *AlbumReconciler) ensureLink(primaryDir, albumDir, name string, stats *AlbumStats) (bool, error) {
	if _, err := r.fs.Stat(filepath.Join(primaryDir, name)); err != nil {
		return false, nil //nolint:nilerr // missing primary copy means pending
	}

	link := filepath.Join(albumDir, name)

	exists, err := lexists(r.fs, link)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", link, err)
	}

	if exists {
		stats.Present++
		return true, nil
	}

	target := filepath.Join("..", filepath.Base(primaryDir), name)
	if err := r.linker.Link(target, link); err != nil {
		return false, fmt.Errorf("linking %s: %w", link, err)
	}

	stats.Linked++

	return true, nil
}

// prune removes album entries that are no longer members.
func (r *AlbumReconciler) prune(albumDir string, want map[string]struct{}, stats *AlbumStats) error {
	entries, err := afero.ReadDir(r.fs, albumDir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", albumDir, err)
	}

	var errs []error

	for _, e := range entries {
		if _, keep := want[e.Name()]; keep {
			continue
		}

		path := filepath.Join(albumDir, e.Name())
		if err := r.fs.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
			continue
		}

		stats.Pruned++
		r.logger.Debug("removed stale album entry", slog.String("path", path))
	}

	return errors.Join(errs...)
}

// clearDeletedAlbums empties directories under localRoot that belong to no
// current album. Only album links are removed (symlinks, and files named
// like a primary copy); a directory left empty is deleted.
func (r *AlbumReconciler) clearDeletedAlbums(localRoot string, dirs map[string]string, stats *AlbumStats) error {
	current := map[string]bool{r.primary: true}
	for _, dir := range dirs {
		current[dir] = true
	}

	entries, err := afero.ReadDir(r.fs, localRoot)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("listing %s: %w", localRoot, err)
	}

	var errs []error

	for _, e := range entries {
		if !e.IsDir() || current[e.Name()] {
			continue
		}

		if err := r.clearAlbumDir(filepath.Join(localRoot, e.Name()), filepath.Join(localRoot, r.primary), stats); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *AlbumReconciler) clearAlbumDir(dir, primaryDir string, stats *AlbumStats) error {
	entries, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}

	var errs []error

	kept := 0

	for _, e := range entries {
		if !r.isAlbumLink(e, primaryDir) {
			kept++
			continue
		}

		path := filepath.Join(dir, e.Name())
		if err := r.fs.Remove(path); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
			kept++

			continue
		}

		stats.Pruned++
	}

	if kept > 0 {
		r.logger.Warn("directory of deleted album holds other files, keeping it",
			slog.String("dir", dir),
			slog.Int("kept", kept),
		)

		return errors.Join(errs...)
	}

	if err := r.fs.Remove(dir); err != nil {
		return fmt.Errorf("removing %s: %w", dir, err)
	}

	r.logger.Info("removed directory of deleted album", slog.String("dir", dir))

	return nil
}

func (r *AlbumReconciler) isAlbumLink(e os.FileInfo, primaryDir string) bool {
	if e.Mode()&os.ModeSymlink != 0 {
		return true
	}

	if !e.Mode().IsRegular() {
		return false
	}

	_, err := r.fs.Stat(filepath.Join(primaryDir, e.Name()))

	return err == nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
