package icloud

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// RootID is the drivewsid of the iCloud Drive root folder.
const RootID = "FOLDER::com.apple.CloudDocs::root"

// Webservice names from accountLogin.
const (
	serviceDrive    = "drivews"
	serviceDocs     = "docws"
	serviceCloudKit = "ckdatabasews"
)

type folderRequest struct {
	DrivewsID   string `json:"drivewsid"`
	PartialData bool   `json:"partialData"`
}

type downloadTokenResponse struct {
	DataToken *struct {
		URL string `json:"url"`
	} `json:"data_token"`
	PackageToken *struct {
		URL string `json:"url"`
	} `json:"package_token"`
}

// RootNode fetches the Drive root folder.
func (c *Client) RootNode(ctx context.Context) (*Node, error) {
	return c.Node(ctx, RootID)
}

// Node fetches a Drive folder and its direct children.
func (c *Client) Node(ctx context.Context, id string) (*Node, error) {
	base, err := c.sess.webservice(serviceDrive)
	if err != nil {
		return nil, err
	}

	var out []driveItemResponse

	in := []folderRequest{{DrivewsID: id, PartialData: false}}
	if err := c.doJSON(ctx, http.MethodPost,
		c.serviceURL(base, "/retrieveItemDetailsInFolders", nil), in, &out, nil); err != nil {
		return nil, fmt.Errorf("icloud: fetching folder %s: %w", id, err)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("icloud: fetching folder %s: %w", id, ErrNotFound)
	}

	return out[0].toNode(), nil
}

// OpenFile resolves a download token for a Drive file and opens its
// content stream. The caller closes the returned reader.
func (c *Client) OpenFile(ctx context.Context, item Item) (io.ReadCloser, error) {
	base, err := c.sess.webservice(serviceDocs)
	if err != nil {
		return nil, err
	}

	zone := item.Zone
	if zone == "" {
		zone = "com.apple.CloudDocs"
	}

	var tok downloadTokenResponse

	q := url.Values{"document_id": {item.DocID}}
	if err := c.doJSON(ctx, http.MethodGet,
		c.serviceURL(base, "/ws/"+url.PathEscape(zone)+"/download/by_id", q), nil, &tok, nil); err != nil {
		return nil, fmt.Errorf("icloud: requesting download for %s: %w", item.Name, err)
	}

	var target string

	switch {
	case tok.DataToken != nil && tok.DataToken.URL != "":
		target = tok.DataToken.URL
	case tok.PackageToken != nil && tok.PackageToken.URL != "":
		target = tok.PackageToken.URL
	default:
		return nil, fmt.Errorf("icloud: no download URL for %s", item.Name)
	}

	return c.openStream(ctx, target)
}
