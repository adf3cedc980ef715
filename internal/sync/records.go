package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonimelisma/icloud-backup/internal/icloud"
)

// recordTypeAsset marks the asset half of an asset/master pair. It carries
// no file fields and is skipped.
const recordTypeAsset = "CPLAsset"

// CloudKit fields read from master records.
const (
	fieldFilename = "filenameEnc"
	fieldOriginal = "resOriginalRes"
)

// PhotoRecord is a validated photo library record.
type PhotoRecord struct {
	RecordID    string
	FileName    string
	Extension   string // lower case, no dot
	Modified    time.Time
	DownloadURL string
	Size        int64
}

// LocalName returns the content-addressed file name of the record.
func (p *PhotoRecord) LocalName() string {
	return contentName(p.RecordID, p.Extension)
}

// IncompleteRecordError reports a record lacking a field required to back
// it up.
type IncompleteRecordError struct {
	RecordID string
	Missing  []string
}

func (e *IncompleteRecordError) Error() string {
	id := e.RecordID
	if id == "" {
		id = "(no id)"
	}

	return fmt.Sprintf("sync: record %s missing %s", id, strings.Join(e.Missing, ", "))
}

// parsePhotoRecord validates a raw record. It returns an
// *IncompleteRecordError naming every missing field.
func parsePhotoRecord(r *icloud.Record) (*PhotoRecord, error) {
	var missing []string

	if r.RecordName == "" {
		missing = append(missing, "id")
	}

	if r.Deleted {
		missing = append(missing, "live record")
	}

	name, ok := r.DecodedString(fieldFilename)
	if !ok || name == "" {
		missing = append(missing, "filename")
	}

	modified, ok := r.ModifiedAt()
	if !ok {
		missing = append(missing, "modified")
	}

	asset, ok := r.Asset(fieldOriginal)
	if !ok {
		missing = append(missing, "download url")
	}

	if len(missing) > 0 {
		return nil, &IncompleteRecordError{RecordID: r.RecordName, Missing: missing}
	}

	return &PhotoRecord{
		RecordID:    r.RecordName,
		FileName:    name,
		Extension:   strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")),
		Modified:    modified,
		DownloadURL: asset.DownloadURL,
		Size:        asset.Size,
	}, nil
}

// contentName derives a stable file name from the immutable record ID:
// hex(sha256(id)) plus the lower-case extension, if any.
func contentName(recordID, ext string) string {
	sum := sha256.Sum256([]byte(recordID))
	name := hex.EncodeToString(sum[:])

	if ext == "" {
		return name
	}

	return name + "." + ext
}
