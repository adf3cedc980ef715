package icloud

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// ItemType distinguishes iCloud Drive entries.
type ItemType string

// Drive item types as reported by drivews.
const (
	ItemFile       ItemType = "FILE"
	ItemFolder     ItemType = "FOLDER"
	ItemAppLibrary ItemType = "APP_LIBRARY"
)

// IsContainer reports whether items of this type have children.
func (t ItemType) IsContainer() bool {
	return t == ItemFolder || t == ItemAppLibrary
}

// Item is a child reference inside a Drive folder listing.
type Item struct {
	ID         string // drivewsid
	DocID      string // docwsid, used for downloads
	Zone       string
	Name       string
	Extension  string
	Type       ItemType
	ModifiedAt time.Time
	Size       int64
}

// Node is a fetched Drive folder: its own identity plus its children in
// listing order.
type Node struct {
	Item
	Items []Item
}

// driveItemResponse mirrors one entry of retrieveItemDetailsInFolders.
type driveItemResponse struct {
	DrivewsID    string              `json:"drivewsid"`
	DocwsID      string              `json:"docwsid"`
	Zone         string              `json:"zone"`
	Name         string              `json:"name"`
	Extension    string              `json:"extension"`
	Type         string              `json:"type"`
	DateModified string              `json:"dateModified"`
	Size         int64               `json:"size"`
	Items        []driveItemResponse `json:"items"`
}

func (r *driveItemResponse) toItem() Item {
	var modified time.Time
	if r.DateModified != "" {
		if t, err := time.Parse(time.RFC3339Nano, r.DateModified); err == nil {
			modified = t
		}
	}

	return Item{
		ID:         r.DrivewsID,
		DocID:      r.DocwsID,
		Zone:       r.Zone,
		Name:       r.Name,
		Extension:  r.Extension,
		Type:       ItemType(r.Type),
		ModifiedAt: modified,
		Size:       r.Size,
	}
}

func (r *driveItemResponse) toNode() *Node {
	n := &Node{Item: r.toItem(), Items: make([]Item, 0, len(r.Items))}
	for i := range r.Items {
		n.Items = append(n.Items, r.Items[i].toItem())
	}

	return n
}

// Field is a single CloudKit record field.
type Field struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Timestamp is a CloudKit record timestamp in milliseconds since the epoch.
type Timestamp struct {
	Timestamp int64 `json:"timestamp"`
}

// Record is a raw CloudKit record. Field interpretation is left to the
// caller; the helpers below return ok=false for absent or mistyped fields.
type Record struct {
	RecordName string           `json:"recordName"`
	RecordType string           `json:"recordType"`
	Fields     map[string]Field `json:"fields"`
	Modified   *Timestamp       `json:"modified,omitempty"`
	Created    *Timestamp       `json:"created,omitempty"`
	Deleted    bool             `json:"deleted"`
}

// AssetRef is the value of a CloudKit asset field.
type AssetRef struct {
	DownloadURL string `json:"downloadURL"`
	Size        int64  `json:"size"`
}

// String returns a string field value.
func (r *Record) String(name string) (string, bool) {
	f, ok := r.Fields[name]
	if !ok || len(f.Value) == 0 {
		return "", false
	}

	var s string
	if err := json.Unmarshal(f.Value, &s); err != nil {
		return "", false
	}

	return s, true
}

// DecodedString returns a base64-encoded field (filenameEnc, albumNameEnc)
// decoded to text.
func (r *Record) DecodedString(name string) (string, bool) {
	s, ok := r.String(name)
	if !ok || s == "" {
		return "", false
	}

	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}

	return string(b), true
}

// Int64 returns an integer field value.
func (r *Record) Int64(name string) (int64, bool) {
	f, ok := r.Fields[name]
	if !ok || len(f.Value) == 0 {
		return 0, false
	}

	var n int64
	if err := json.Unmarshal(f.Value, &n); err != nil {
		return 0, false
	}

	return n, true
}

// Asset returns an asset field value. ok is false when the field is absent
// or carries no download URL.
func (r *Record) Asset(name string) (AssetRef, bool) {
	f, ok := r.Fields[name]
	if !ok || len(f.Value) == 0 {
		return AssetRef{}, false
	}

	var a AssetRef
	if err := json.Unmarshal(f.Value, &a); err != nil || a.DownloadURL == "" {
		return AssetRef{}, false
	}

	return a, true
}

// ModifiedAt returns the record's modification time; ok is false when the
// record has no modification timestamp.
func (r *Record) ModifiedAt() (time.Time, bool) {
	if r.Modified == nil || r.Modified.Timestamp == 0 {
		return time.Time{}, false
	}

	return time.UnixMilli(r.Modified.Timestamp).UTC(), true
}

// Album is a photo album container.
type Album struct {
	Name       string
	RecordName string
	// ObjectType is the CloudKit record type queried for members.
	ObjectType string
	// Filters narrows the member query to this album.
	Filters []filter
}

// Account is the identity returned by accountLogin/validate.
type Account struct {
	DSID     string
	FullName string
}

type filter struct {
	FieldName  string     `json:"fieldName"`
	Comparator string     `json:"comparator"`
	FieldValue fieldValue `json:"fieldValue"`
}

type fieldValue struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

func equalsFilter(name, typ string, value any) filter {
	return filter{FieldName: name, Comparator: "EQUALS", FieldValue: fieldValue{Type: typ, Value: value}}
}
