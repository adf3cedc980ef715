package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-backup/internal/icloud"
)

// recordingLinker stands in for links on filesystems without them: it
// writes the target path as the file content.
type recordingLinker struct {
	fs afero.Fs

	mu    stdsync.Mutex
	links map[string]string
}

func newRecordingLinker(fs afero.Fs) *recordingLinker {
	return &recordingLinker{fs: fs, links: make(map[string]string)}
}

func (l *recordingLinker) Link(target, link string) error {
	l.mu.Lock()
	l.links[link] = target
	l.mu.Unlock()

	return afero.WriteFile(l.fs, link, []byte(target), 0o600)
}

func album(name string) icloud.Album {
	return icloud.Album{Name: name, RecordName: "AL-" + name}
}

func newTestReconciler(t *testing.T, lib PhotoLibrary, fs afero.Fs, linker Linker) *AlbumReconciler {
	t.Helper()

	return NewAlbumReconciler(lib, NewSessionGuard(noAuth{}, testLogger(t)), fs, linker, testLogger(t), PhotosConfig{})
}

func TestAlbumReconciler_OnePresentOnePending(t *testing.T) {
	fs := afero.NewMemMapFs()
	linker := newRecordingLinker(fs)

	lib := newFakeLibrary()
	lib.albums["Trip"] = album("Trip")
	lib.members["Trip"] = []icloud.Record{
		photoRecord("M1", "a.jpg", photoTime),
		photoRecord("M2", "b.jpg", photoTime),
	}

	writeLocal(t, fs, primaryPath("M1", "jpg"), "one", photoTime)

	r := newTestReconciler(t, lib, fs, linker)

	stats, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)

	assert.Equal(t, AlbumStats{Albums: 1, Linked: 1, Pending: 1}, stats)

	link := filepath.Join("/backup/Photos/Trip", contentName("M1", "jpg"))
	assert.Equal(t, map[string]string{
		link: filepath.Join("..", DefaultPrimaryAlbum, contentName("M1", "jpg")),
	}, linker.links)

	exists, _ := afero.Exists(fs, filepath.Join("/backup/Photos/Trip", contentName("M2", "jpg")))
	assert.False(t, exists)
}

func TestAlbumReconciler_ConvergesOnRerun(t *testing.T) {
	fs := afero.NewMemMapFs()
	linker := newRecordingLinker(fs)

	lib := newFakeLibrary()
	lib.albums["Trip"] = album("Trip")
	lib.members["Trip"] = []icloud.Record{
		photoRecord("M1", "a.jpg", photoTime),
		photoRecord("M2", "b.jpg", photoTime),
	}

	writeLocal(t, fs, primaryPath("M1", "jpg"), "one", photoTime)

	r := newTestReconciler(t, lib, fs, linker)

	_, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)

	// M2 arrives in the primary store; M1 leaves the album.
	writeLocal(t, fs, primaryPath("M2", "jpg"), "two", photoTime)
	lib.members["Trip"] = []icloud.Record{photoRecord("M2", "b.jpg", photoTime)}

	stats, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)
	assert.Equal(t, AlbumStats{Albums: 1, Linked: 1, Pruned: 1}, stats)

	entries, err := afero.ReadDir(fs, "/backup/Photos/Trip")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, contentName("M2", "jpg"), entries[0].Name())

	// Nothing changes on a third run.
	stats, err = r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)
	assert.Equal(t, AlbumStats{Albums: 1, Present: 1}, stats)
}

func TestAlbumReconciler_PrunesForeignEntries(t *testing.T) {
	fs := afero.NewMemMapFs()

	lib := newFakeLibrary()
	lib.albums["Trip"] = album("Trip")

	writeLocal(t, fs, "/backup/Photos/Trip/stray.jpg", "x", photoTime)
	require.NoError(t, fs.MkdirAll("/backup/Photos/Trip/subdir", 0o700))

	r := newTestReconciler(t, lib, fs, newRecordingLinker(fs))

	stats, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pruned)

	entries, err := afero.ReadDir(fs, "/backup/Photos/Trip")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAlbumReconciler_IgnoresInvalidMembers(t *testing.T) {
	fs := afero.NewMemMapFs()

	lib := newFakeLibrary()
	lib.albums["Trip"] = album("Trip")
	lib.members["Trip"] = []icloud.Record{assetRecord("A1"), photoRecord("M1", "a.jpg", photoTime)}

	writeLocal(t, fs, primaryPath("M1", "jpg"), "one", photoTime)

	r := newTestReconciler(t, lib, fs, newRecordingLinker(fs))

	stats, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)
	assert.Equal(t, AlbumStats{Albums: 1, Linked: 1}, stats)
}

func TestAlbumReconciler_SkipsPrimaryAlbum(t *testing.T) {
	fs := afero.NewMemMapFs()

	lib := newFakeLibrary()
	lib.albums[DefaultPrimaryAlbum] = album(DefaultPrimaryAlbum)
	lib.membersFn = func(icloud.Album) error {
		t.Error("primary album members must not be listed")
		return nil
	}

	r := newTestReconciler(t, lib, fs, newRecordingLinker(fs))

	stats, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Albums)
}

func TestAlbumReconciler_FailingAlbumIsIsolated(t *testing.T) {
	fs := afero.NewMemMapFs()

	lib := newFakeLibrary()
	lib.albums["Broken"] = album("Broken")
	lib.albums["Trip"] = album("Trip")
	lib.members["Trip"] = []icloud.Record{photoRecord("M1", "a.jpg", photoTime)}
	lib.membersFn = func(a icloud.Album) error {
		if a.Name == "Broken" {
			return icloud.ErrServerError
		}

		return nil
	}

	writeLocal(t, fs, primaryPath("M1", "jpg"), "one", photoTime)

	r := newTestReconciler(t, lib, fs, newRecordingLinker(fs))

	stats, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)
	assert.Equal(t, AlbumStats{Albums: 2, Linked: 1, Failed: 1}, stats)
}

func TestAlbumReconciler_ListingFailure(t *testing.T) {
	lib := newFakeLibrary()
	lib.albumsErr = icloud.ErrForbidden

	fs := afero.NewMemMapFs()
	r := newTestReconciler(t, lib, fs, newRecordingLinker(fs))

	_, err := r.Reconcile(context.Background(), "/backup/Photos")
	assert.ErrorIs(t, err, icloud.ErrForbidden)
}

func TestAlbumReconciler_LinkFailureMarksAlbumFailed(t *testing.T) {
	fs := afero.NewMemMapFs()

	lib := newFakeLibrary()
	lib.albums["Trip"] = album("Trip")
	lib.members["Trip"] = []icloud.Record{photoRecord("M1", "a.jpg", photoTime)}

	writeLocal(t, fs, primaryPath("M1", "jpg"), "one", photoTime)

	r := newTestReconciler(t, lib, fs, &SymlinkLinker{fs: fs})

	stats, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestAlbumReconciler_SymlinksOnDisk(t *testing.T) {
	root := t.TempDir()
	fs := afero.NewOsFs()

	lib := newFakeLibrary()
	lib.albums["Trip"] = album("Trip")
	lib.members["Trip"] = []icloud.Record{photoRecord("M1", "a.jpg", photoTime)}

	name := contentName("M1", "jpg")
	primary := filepath.Join(root, DefaultPrimaryAlbum, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(primary), 0o700))
	require.NoError(t, os.WriteFile(primary, []byte("one"), 0o600))

	linker, err := NewLinker(LinkSymlink, fs)
	require.NoError(t, err)

	r := newTestReconciler(t, lib, fs, linker)

	stats, err := r.Reconcile(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Linked)

	link := filepath.Join(root, "Trip", name)
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", DefaultPrimaryAlbum, name), target)

	data, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	// A replaced primary copy is seen through the existing link.
	require.NoError(t, os.Remove(primary))
	require.NoError(t, os.WriteFile(primary, []byte("one again"), 0o600))

	stats, err = r.Reconcile(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Present)

	data, err = os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, "one again", string(data))
}

func TestAlbumReconciler_CanceledContext(t *testing.T) {
	fs := afero.NewMemMapFs()

	lib := newFakeLibrary()
	lib.albums["Trip"] = album("Trip")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestReconciler(t, lib, fs, newRecordingLinker(fs))

	_, err := r.Reconcile(ctx, "/backup/Photos")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAlbumReconciler_ClearsDeletedAlbum(t *testing.T) {
	fs := afero.NewMemMapFs()

	lib := newFakeLibrary()
	lib.albums["Trip"] = album("Trip")
	lib.members["Trip"] = []icloud.Record{photoRecord("M1", "a.jpg", photoTime)}

	writeLocal(t, fs, primaryPath("M1", "jpg"), "one", photoTime)

	r := newTestReconciler(t, lib, fs, newRecordingLinker(fs))

	_, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)

	delete(lib.albums, "Trip")

	stats, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)
	assert.Equal(t, AlbumStats{Pruned: 1}, stats)

	exists, err := afero.DirExists(fs, "/backup/Photos/Trip")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = afero.Exists(fs, primaryPath("M1", "jpg"))
	require.NoError(t, err)
	assert.True(t, exists, "primary copy must survive")
}

func TestAlbumReconciler_DeletedAlbumKeepsOtherFiles(t *testing.T) {
	fs := afero.NewMemMapFs()

	writeLocal(t, fs, primaryPath("M1", "jpg"), "one", photoTime)
	writeLocal(t, fs, filepath.Join("/backup/Photos/Old", contentName("M1", "jpg")), "link", photoTime)
	writeLocal(t, fs, "/backup/Photos/Old/notes.txt", "mine", photoTime)

	r := newTestReconciler(t, newFakeLibrary(), fs, newRecordingLinker(fs))

	stats, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pruned)

	entries, err := afero.ReadDir(fs, "/backup/Photos/Old")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "notes.txt", entries[0].Name())
}

func TestAlbumReconciler_NoPhotosDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()

	r := newTestReconciler(t, newFakeLibrary(), fs, newRecordingLinker(fs))

	stats, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)
	assert.Equal(t, AlbumStats{}, stats)
}

func TestAlbumReconciler_CollidingNamesGetDistinctDirs(t *testing.T) {
	fs := afero.NewMemMapFs()

	lib := newFakeLibrary()
	lib.albums["a/b"] = album("a/b")
	lib.albums["a_b"] = album("a_b")
	lib.members["a/b"] = []icloud.Record{photoRecord("M1", "a.jpg", photoTime)}
	lib.members["a_b"] = []icloud.Record{photoRecord("M2", "b.jpg", photoTime)}

	writeLocal(t, fs, primaryPath("M1", "jpg"), "one", photoTime)
	writeLocal(t, fs, primaryPath("M2", "jpg"), "two", photoTime)

	r := newTestReconciler(t, lib, fs, newRecordingLinker(fs))

	stats, err := r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)
	assert.Equal(t, AlbumStats{Albums: 2, Linked: 2}, stats)

	// The album named exactly like the directory keeps it.
	entries, err := afero.ReadDir(fs, "/backup/Photos/a_b")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, contentName("M2", "jpg"), entries[0].Name())

	entries, err = afero.ReadDir(fs, "/backup/Photos/a_b (AL-a_b)")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, contentName("M1", "jpg"), entries[0].Name())

	stats, err = r.Reconcile(context.Background(), "/backup/Photos")
	require.NoError(t, err)
	assert.Equal(t, AlbumStats{Albums: 2, Present: 2}, stats)
}

func TestDistinctDir(t *testing.T) {
	t.Parallel()

	taken := map[string]bool{"Trip": true}
	assert.Equal(t, "Trip (9A3F2C1B)", distinctDir("Trip", "9A3F2C1B-77E0-4D", taken))

	taken["Trip (9A3F2C1B)"] = true
	assert.Equal(t, "Trip (9A3F2C1B-2)", distinctDir("Trip", "9A3F2C1B-77E0-4D", taken))

	assert.Equal(t, "Trip (_)", distinctDir("Trip", "", taken))
}
