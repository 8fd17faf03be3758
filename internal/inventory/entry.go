package inventory

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tonimelisma/s3invsync/internal/errs"
)

// Entry is one parsed CSV row (spec.md §3's InventoryEntry / §4.2).
type Entry struct {
	Bucket         string
	Key            string
	VersionID      string // "" if absent or literal "null"
	HasVersionID   bool
	IsLatest       bool
	HasIsLatest    bool
	IsDeleteMarker bool
	Size           int64
	HasSize        bool
	ETag           string
	LastModified   string
}

// column indexes, resolved once per ManifestFile from its schema.
type columns struct {
	bucket, key, versionID, isLatest, isDeleteMarker, size, etag, lastModified int
}

const colAbsent = -1

// resolveColumns maps a manifest's fileSchema onto column indexes. Columns
// absent from the schema are left as colAbsent and simply never populated
// (spec.md §4.2: "fields that the schema defines set to their parsed values").
func resolveColumns(schema []string) (columns, error) {
	c := columns{colAbsent, colAbsent, colAbsent, colAbsent, colAbsent, colAbsent, colAbsent, colAbsent}

	index := make(map[string]int, len(schema))
	for i, name := range schema {
		index[name] = i
	}

	var ok bool

	if c.bucket, ok = index["Bucket"]; !ok {
		return columns{}, fmt.Errorf("schema missing required Bucket column")
	}

	if c.key, ok = index["Key"]; !ok {
		return columns{}, fmt.Errorf("schema missing required Key column")
	}

	if c.etag, ok = index["ETag"]; !ok {
		return columns{}, fmt.Errorf("schema missing required ETag column")
	}

	c.versionID = lookupOr(index, "VersionId", colAbsent)
	c.isLatest = lookupOr(index, "IsLatest", colAbsent)
	c.isDeleteMarker = lookupOr(index, "IsDeleteMarker", colAbsent)
	c.size = lookupOr(index, "Size", colAbsent)
	c.lastModified = lookupOr(index, "LastModifiedDate", colAbsent)

	return c, nil
}

func lookupOr(index map[string]int, name string, fallback int) int {
	if v, ok := index[name]; ok {
		return v
	}

	return fallback
}

// parseRow converts one CSV row into an Entry per the column mapping,
// or returns an InvalidEntry-classified error (spec.md §4.2).
func parseRow(row []string, c columns) (Entry, error) {
	if c.key >= len(row) || c.bucket >= len(row) || c.etag >= len(row) {
		return Entry{}, errs.New(errs.KindInvalidEntry, "", fmt.Errorf("row has %d fields, schema needs more", len(row)))
	}

	e := Entry{
		Bucket: row[c.bucket],
		Key:    row[c.key],
		ETag:   row[c.etag],
	}

	if c.versionID != colAbsent && c.versionID < len(row) {
		v := row[c.versionID]
		if v != "" && v != "null" {
			e.VersionID = v
			e.HasVersionID = true
		}
	}

	if c.isLatest != colAbsent && c.isLatest < len(row) {
		b, err := parseOptionalBool(row[c.isLatest])
		if err != nil {
			return Entry{}, errs.New(errs.KindInvalidEntry, e.Key, fmt.Errorf("invalid IsLatest: %w", err))
		}

		e.IsLatest = b
		e.HasIsLatest = true
	}

	if c.isDeleteMarker != colAbsent && c.isDeleteMarker < len(row) {
		b, err := parseOptionalBool(row[c.isDeleteMarker])
		if err != nil {
			return Entry{}, errs.New(errs.KindInvalidEntry, e.Key, fmt.Errorf("invalid IsDeleteMarker: %w", err))
		}

		e.IsDeleteMarker = b
	}

	if c.size != colAbsent && c.size < len(row) && row[c.size] != "" && row[c.size] != "null" {
		n, err := strconv.ParseInt(row[c.size], 10, 64)
		if err != nil {
			return Entry{}, errs.New(errs.KindInvalidEntry, e.Key, fmt.Errorf("invalid Size: %w", err))
		}

		e.Size = n
		e.HasSize = true
	}

	if c.lastModified != colAbsent && c.lastModified < len(row) {
		e.LastModified = row[c.lastModified]
	}

	return e, nil
}

func parseOptionalBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null":
		return false, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized boolean %q", s)
	}
}

// IsDirPlaceholder reports whether an entry is an S3 "directory placeholder"
// object: a key ending in "/" with size 0 (spec.md §4.2, skipped silently).
func (e Entry) IsDirPlaceholder() bool {
	return strings.HasSuffix(e.Key, "/") && e.HasSize && e.Size == 0
}

// MultipartETag reports whether ETag has the "-N" multipart suffix, meaning
// it isn't a plain per-byte MD5 (spec.md §9 open question #1).
func (e Entry) MultipartETag() bool {
	return strings.Contains(e.ETag, "-")
}
