package icloud

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	photosDatabase = "/database/1/com.apple.photos.cloud/production/private"
	primaryZone    = "PrimarySync"

	recordTypeAllPhotos   = "CPLAssetAndMasterByAddedDate"
	recordTypeAlbums      = "CPLAlbumByPositionLive"
	recordTypeAlbumAssets = "CPLContainerRelationLiveByAssetDate"
	recordTypeFavorites   = "CPLAssetInSmartAlbumByAssetDate:Favorite"

	// FavoritesAlbum is the name of the built-in favorites smart album.
	FavoritesAlbum = "Favorites"

	// memberPageSize is the offset step for album member paging; each query
	// asks for twice as many records since assets and masters come in pairs.
	memberPageSize = 100

	// maxMemberPages bounds album member paging against a misbehaving server.
	maxMemberPages = 10000
)

// System folders returned by the album query that are not albums.
var systemAlbumRecords = map[string]bool{
	"----Root-Folder----":         true,
	"----Project-Root-Folder----": true,
}

type zoneID struct {
	ZoneName string `json:"zoneName"`
}

type recordQuery struct {
	RecordType string   `json:"recordType"`
	FilterBy   []filter `json:"filterBy,omitempty"`
}

type queryRequest struct {
	Query        recordQuery `json:"query"`
	ResultsLimit int         `json:"resultsLimit,omitempty"`
	ZoneID       zoneID      `json:"zoneID"`
}

type queryResponse struct {
	Records []Record `json:"records"`
}

// QueryPage returns up to limit records of the primary photo collection,
// starting at rank offset in ascending added-date order. The page mixes
// asset and master records.
func (c *Client) QueryPage(ctx context.Context, offset, limit int) ([]Record, error) {
	recs, err := c.queryRecords(ctx, recordTypeAllPhotos, rankFilters(offset), limit)
	if err != nil {
		return nil, fmt.Errorf("icloud: querying photos at offset %d: %w", offset, err)
	}

	return recs, nil
}

// Albums returns the user albums keyed by name, plus the Favorites smart
// album. Deleted albums and system folders are omitted.
func (c *Client) Albums(ctx context.Context) (map[string]Album, error) {
	recs, err := c.queryRecords(ctx, recordTypeAlbums, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("icloud: listing albums: %w", err)
	}

	albums := make(map[string]Album, len(recs)+1)

	for i := range recs {
		r := &recs[i]
		if r.Deleted || systemAlbumRecords[r.RecordName] {
			continue
		}

		if deleted, ok := r.Int64("isDeleted"); ok && deleted != 0 {
			continue
		}

		name, ok := r.DecodedString("albumNameEnc")
		if !ok || name == "" {
			continue
		}

		albums[name] = Album{
			Name:       name,
			RecordName: r.RecordName,
			ObjectType: recordTypeAlbumAssets,
			Filters:    []filter{equalsFilter("parentId", "STRING", r.RecordName)},
		}
	}

	if _, taken := albums[FavoritesAlbum]; !taken {
		albums[FavoritesAlbum] = Album{
			Name:       FavoritesAlbum,
			ObjectType: recordTypeFavorites,
			Filters:    []filter{equalsFilter("smartAlbum", "STRING", "FAVORITE")},
		}
	}

	return albums, nil
}

// AlbumMembers returns every record in the album, paging until the server
// returns an empty page.
func (c *Client) AlbumMembers(ctx context.Context, album Album) ([]Record, error) {
	var all []Record

	for page, offset := 0, 0; page < maxMemberPages; page, offset = page+1, offset+memberPageSize {
		filters := append(rankFilters(offset), album.Filters...)

		recs, err := c.queryRecords(ctx, album.ObjectType, filters, 2*memberPageSize)
		if err != nil {
			return nil, fmt.Errorf("icloud: listing album %q at offset %d: %w", album.Name, offset, err)
		}

		if len(recs) == 0 {
			return all, nil
		}

		all = append(all, recs...)
	}

	return all, nil
}

// OpenAsset opens the content stream of a photo asset. The ${f}
// placeholder in CloudKit download URLs is replaced with the file name.
func (c *Client) OpenAsset(ctx context.Context, rawURL, filename string) (io.ReadCloser, error) {
	target := strings.ReplaceAll(rawURL, "${f}", url.PathEscape(filename))

	rc, err := c.openStream(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("icloud: downloading %s: %w", filename, err)
	}

	return rc, nil
}

func (c *Client) queryRecords(ctx context.Context, recordType string, filters []filter, limit int) ([]Record, error) {
	base, err := c.sess.webservice(serviceCloudKit)
	if err != nil {
		return nil, err
	}

	in := queryRequest{
		Query:        recordQuery{RecordType: recordType, FilterBy: filters},
		ResultsLimit: limit,
		ZoneID:       zoneID{ZoneName: primaryZone},
	}

	q := url.Values{"remapEnums": {"true"}, "getCurrentSyncToken": {"true"}}

	var out queryResponse
	if err := c.doJSON(ctx, http.MethodPost,
		c.serviceURL(base, photosDatabase+"/records/query", q), in, &out, nil); err != nil {
		return nil, err
	}

	return out.Records, nil
}

func rankFilters(offset int) []filter {
	return []filter{
		equalsFilter("startRank", "INT64", offset),
		equalsFilter("direction", "STRING", "ASCENDING"),
	}
}
