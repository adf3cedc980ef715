package sync

import (
	"context"
	"errors"
	"io"
	"strings"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/icloud-backup/internal/icloud"
)

// fakeDrive serves a fixed folder tree. Files are served from content by
// DocID. nodeFn and openFn, when set, run before the default behavior and
// may return an error to inject a failure.
type fakeDrive struct {
	mu      stdsync.Mutex
	nodes   map[string]*icloud.Node
	content map[string]string
	opens   map[string]int
	fetches map[string]int

	nodeFn func(id string) error
	openFn func(item icloud.Item) error
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		nodes:   make(map[string]*icloud.Node),
		content: make(map[string]string),
		opens:   make(map[string]int),
		fetches: make(map[string]int),
	}
}

func (d *fakeDrive) addFolder(id string, items ...icloud.Item) {
	d.nodes[id] = &icloud.Node{Item: icloud.Item{ID: id, Type: icloud.ItemFolder}, Items: items}
}

func (d *fakeDrive) RootNode(ctx context.Context) (*icloud.Node, error) {
	return d.Node(ctx, icloud.RootID)
}

func (d *fakeDrive) Node(_ context.Context, id string) (*icloud.Node, error) {
	d.mu.Lock()
	d.fetches[id]++
	d.mu.Unlock()

	if d.nodeFn != nil {
		if err := d.nodeFn(id); err != nil {
			return nil, err
		}
	}

	n, ok := d.nodes[id]
	if !ok {
		return nil, icloud.ErrNotFound
	}

	return n, nil
}

func (d *fakeDrive) OpenFile(_ context.Context, item icloud.Item) (io.ReadCloser, error) {
	d.mu.Lock()
	d.opens[item.DocID]++
	d.mu.Unlock()

	if d.openFn != nil {
		if err := d.openFn(item); err != nil {
			return nil, err
		}
	}

	data, ok := d.content[item.DocID]
	if !ok {
		return nil, icloud.ErrNotFound
	}

	return streamOf(data), nil
}

func (d *fakeDrive) totalOpens() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, c := range d.opens {
		n += c
	}

	return n
}

func fileItem(docID, name, ext string, mtime time.Time) icloud.Item {
	return icloud.Item{
		ID:         "FILE::com.apple.CloudDocs::" + docID,
		DocID:      docID,
		Name:       name,
		Extension:  ext,
		Type:       icloud.ItemFile,
		ModifiedAt: mtime,
	}
}

func folderItem(id, name string) icloud.Item {
	return icloud.Item{ID: id, Name: name, Type: icloud.ItemFolder}
}

// fakeLibrary serves photo pages keyed by offset, albums and members.
type fakeLibrary struct {
	mu stdsync.Mutex

	pages   map[int][]icloud.Record
	albums  map[string]icloud.Album
	members map[string][]icloud.Record
	content map[string]string // by download URL

	queries []pageQuery
	opens   int

	queryFn   func(offset int) error
	openFn    func(url string) error
	albumsErr error
	membersFn func(album icloud.Album) error
}

type pageQuery struct {
	Offset int
	Limit  int
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{
		pages:   make(map[int][]icloud.Record),
		albums:  make(map[string]icloud.Album),
		members: make(map[string][]icloud.Record),
		content: make(map[string]string),
	}
}

// addPhoto registers a downloadable master record's content.
func (l *fakeLibrary) addPhoto(rec icloud.Record, data string) icloud.Record {
	asset, _ := rec.Asset(fieldOriginal)
	name, _ := rec.DecodedString(fieldFilename)
	l.content[strings.ReplaceAll(asset.DownloadURL, "${f}", name)] = data

	return rec
}

func (l *fakeLibrary) QueryPage(_ context.Context, offset, limit int) ([]icloud.Record, error) {
	l.mu.Lock()
	l.queries = append(l.queries, pageQuery{Offset: offset, Limit: limit})
	l.mu.Unlock()

	if l.queryFn != nil {
		if err := l.queryFn(offset); err != nil {
			return nil, err
		}
	}

	return l.pages[offset], nil
}

func (l *fakeLibrary) Albums(context.Context) (map[string]icloud.Album, error) {
	if l.albumsErr != nil {
		return nil, l.albumsErr
	}

	return l.albums, nil
}

func (l *fakeLibrary) AlbumMembers(_ context.Context, album icloud.Album) ([]icloud.Record, error) {
	if l.membersFn != nil {
		if err := l.membersFn(album); err != nil {
			return nil, err
		}
	}

	return l.members[album.Name], nil
}

func (l *fakeLibrary) OpenAsset(_ context.Context, url, filename string) (io.ReadCloser, error) {
	l.mu.Lock()
	l.opens++
	l.mu.Unlock()

	if l.openFn != nil {
		if err := l.openFn(url); err != nil {
			return nil, err
		}
	}

	data, ok := l.content[strings.ReplaceAll(url, "${f}", filename)]
	if !ok {
		return nil, errors.New("no such asset")
	}

	return streamOf(data), nil
}

func (l *fakeLibrary) queryLog() []pageQuery {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]pageQuery(nil), l.queries...)
}

func (l *fakeLibrary) openCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.opens
}
